package circuit

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/securesocketfunneling/ssf-sub003/internal/sserr"
)

// LoadHops reads a circuit file: one "host:port" per line, top-to-bottom
// ordering first-to-last hop, blank lines rejected as errors.
func LoadHops(path string) ([]Hop, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, sserr.Wrap(sserr.KindInvalidArgument, fmt.Errorf("circuit: open circuit file %q: %w", path, err))
	}
	defer f.Close()
	return ParseHops(f)
}

// ParseHops parses the circuit file format from an already-open reader.
func ParseHops(r io.Reader) ([]Hop, error) {
	var hops []Hop
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			return nil, sserr.New(sserr.KindInvalidArgument, fmt.Sprintf("circuit: blank line %d in circuit file", lineNum))
		}
		host, portStr, err := net.SplitHostPort(line)
		if err != nil {
			return nil, sserr.Wrap(sserr.KindInvalidArgument, fmt.Errorf("circuit: line %d: %w", lineNum, err))
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, sserr.Wrap(sserr.KindInvalidArgument, fmt.Errorf("circuit: line %d: invalid port %q: %w", lineNum, portStr, err))
		}
		hops = append(hops, Hop{Host: host, Port: uint16(port)})
	}
	if err := scanner.Err(); err != nil {
		return nil, sserr.Wrap(sserr.KindIOError, err)
	}
	if len(hops) == 0 {
		return nil, sserr.New(sserr.KindInvalidArgument, "circuit: empty circuit file")
	}
	return hops, nil
}
