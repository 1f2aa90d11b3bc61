package wire_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/securesocketfunneling/ssf-sub003/layer"
	"github.com/securesocketfunneling/ssf-sub003/wire"
)

func TestRoundTripEmptyStack(t *testing.T) {
	var s layer.ParameterStack
	data, err := wire.Marshal(s)
	require.NoError(t, err)
	out, err := wire.Unmarshal(data)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestRoundTripEmptyInnerMap(t *testing.T) {
	s := layer.ParameterStack{layer.NewLayerParameters()}
	data, err := wire.Marshal(s)
	require.NoError(t, err)
	out, err := wire.Unmarshal(data)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, 0, out[0].Len())
}

func TestRoundTripPreservesOrderAndValues(t *testing.T) {
	lp1 := layer.NewLayerParameters()
	lp1.Set("forward", "1")
	lp1.Set("circuit_id", "")
	lp1.Set("circuit_nodes", "")
	lp1.Set("details", "")

	lp2 := layer.NewLayerParameters()
	lp2.Set("addr", "example.com")
	lp2.Set("port", "443")

	s := layer.ParameterStack{lp1, lp2}

	data, err := wire.Marshal(s)
	require.NoError(t, err)

	out, err := wire.Unmarshal(data)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, lp1.Pairs(), out[0].Pairs())
	require.Equal(t, lp2.Pairs(), out[1].Pairs())
}

func TestForwardBlockFraming(t *testing.T) {
	lp := layer.NewLayerParameters()
	lp.Set("forward", "0")
	lp.Set("details", "-1")
	s := layer.ParameterStack{lp}

	var buf bytes.Buffer
	require.NoError(t, wire.WriteForwardBlock(&buf, s))

	out, err := wire.ReadForwardBlock(&buf)
	require.NoError(t, err)
	require.Equal(t, s[0].Pairs(), out[0].Pairs())
}
