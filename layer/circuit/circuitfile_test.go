package circuit_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/securesocketfunneling/ssf-sub003/layer/circuit"
)

func writeCircuitFile(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "circuit.txt")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadHopsOrdering(t *testing.T) {
	path := writeCircuitFile(t, "bouncer1.example.com:9090\nbouncer2.example.com:9091\nterminal.example.com:9092\n")

	hops, err := circuit.LoadHops(path)
	require.NoError(t, err)
	require.Len(t, hops, 3)
	require.Equal(t, "bouncer1.example.com", hops[0].Host)
	require.Equal(t, uint16(9090), hops[0].Port)
	require.Equal(t, "terminal.example.com", hops[2].Host)
	require.Equal(t, uint16(9092), hops[2].Port)
}

func TestLoadHopsRejectsBlankLine(t *testing.T) {
	path := writeCircuitFile(t, "host1:1111\n\nhost2:2222\n")

	_, err := circuit.LoadHops(path)
	require.Error(t, err)
}

func TestParseHopsRejectsMissingPort(t *testing.T) {
	_, err := circuit.ParseHops(strings.NewReader("host-without-port\n"))
	require.Error(t, err)
}
