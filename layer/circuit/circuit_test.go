package circuit_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/securesocketfunneling/ssf-sub003/internal/sslog"
	"github.com/securesocketfunneling/ssf-sub003/layer"
	"github.com/securesocketfunneling/ssf-sub003/layer/circuit"
	"github.com/securesocketfunneling/ssf-sub003/layer/physical"
	"github.com/securesocketfunneling/ssf-sub003/wire"
)

func TestContextRoundTrip(t *testing.T) {
	c := circuit.Context{Forward: true, ID: "node-7", ForwardBlocks: []byte{0x01, 0x02, 0x03}, Details: "127.0.0.1:9000"}
	payload, err := wire.Marshal(layer.ParameterStack{c.ToLayerParameters()})
	require.NoError(t, err)

	stack, err := wire.Unmarshal(payload)
	require.NoError(t, err)
	got := circuit.ContextFromLayerParameters(stack.Front())
	require.Equal(t, c, got)
}

// TestBuildClientRouteSequence checks that the client-built route and what
// each hop's acceptor would decode agree on the sequence of
// (forward, circuit_id) tuples.
func TestBuildClientRouteSequence(t *testing.T) {
	hops := []circuit.Hop{
		{Host: "127.0.0.1", Port: 8000},
		{Host: "127.0.0.1", Port: 8001},
		{Host: "127.0.0.1", Port: 8011},
	}
	block, first, err := circuit.BuildClientRoute(hops, "term")
	require.NoError(t, err)
	require.Equal(t, hops[0], first)

	// Decode hop 0's view.
	stack, err := wire.Unmarshal(block)
	require.NoError(t, err)
	ctx0 := circuit.ContextFromLayerParameters(stack.Front())
	require.True(t, ctx0.Forward)
	require.Equal(t, hops[1].String(), ctx0.Details)

	// Decode hop 1's embedded remainder.
	stack1, err := wire.Unmarshal(ctx0.ForwardBlocks)
	require.NoError(t, err)
	ctx1 := circuit.ContextFromLayerParameters(stack1.Front())
	require.True(t, ctx1.Forward)
	require.Equal(t, hops[2].String(), ctx1.Details)

	// Decode the terminal hop's view.
	stack2, err := wire.Unmarshal(ctx1.ForwardBlocks)
	require.NoError(t, err)
	ctx2 := circuit.ContextFromLayerParameters(stack2.Front())
	require.False(t, ctx2.Forward)
	require.Equal(t, "term", ctx2.ID)
	require.Equal(t, circuit.LocalID, ctx2.Details)
}

// TestOneCircuitHopEndToEnd exercises the circuit layer in isolation:
// client -> bouncer -> terminal, with a raw echo on the terminal's
// surfaced socket.
func TestOneCircuitHopEndToEnd(t *testing.T) {
	logger := sslog.New("test", sslog.LogLevelInfo)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dial := func(ctx context.Context, hostPort string) (layer.Socket, error) {
		ep, err := resolveTCP(hostPort)
		if err != nil {
			return nil, err
		}
		return physical.NewTCPDialer(logger, ep, nil).Dial(ctx)
	}

	// Terminal node.
	termTCPAcc, err := physical.NewTCPAcceptor(logger, &physical.TCPEndpoint{Addr: "127.0.0.1", Port: 0})
	require.NoError(t, err)
	defer termTCPAcc.Close()
	termCircAcc := circuit.NewAcceptor(logger, termTCPAcc, dial)

	termAddr := termTCPAcc.Endpoint()
	termEchoCh := make(chan error, 1)
	go func() {
		sock, err := termCircAcc.Accept(ctx)
		if err != nil {
			termEchoCh <- err
			return
		}
		defer sock.Close()
		buf := make([]byte, 5)
		if _, err := io.ReadFull(sock, buf); err != nil {
			termEchoCh <- err
			return
		}
		_, err = sock.Write(buf)
		termEchoCh <- err
	}()

	// Bouncer node, forwards to terminal.
	bounceTCPAcc, err := physical.NewTCPAcceptor(logger, &physical.TCPEndpoint{Addr: "127.0.0.1", Port: 0})
	require.NoError(t, err)
	defer bounceTCPAcc.Close()
	bounceCircAcc := circuit.NewAcceptor(logger, bounceTCPAcc, dial)
	go func() {
		// The bouncer's Accept loop forwards internally and never returns a
		// Socket for a forwarding hop; run it so the splice happens.
		bounceCircAcc.Accept(ctx)
	}()
	bounceAddr := bounceTCPAcc.Endpoint()

	hops := []circuit.Hop{
		{Host: bounceAddr.Addr, Port: bounceAddr.Port},
		{Host: termAddr.Addr, Port: termAddr.Port},
	}
	block, first, err := circuit.BuildClientRoute(hops, "")
	require.NoError(t, err)

	clientTCP, err := physical.NewTCPDialer(logger, &physical.TCPEndpoint{Addr: first.Host, Port: first.Port}, nil).Dial(ctx)
	require.NoError(t, err)
	clientSock, err := circuit.ClientDial(clientTCP, block)
	require.NoError(t, err)
	defer clientSock.Close()

	_, err = clientSock.Write([]byte("PING\n"))
	require.NoError(t, err)
	reply := make([]byte, 5)
	_, err = io.ReadFull(clientSock, reply)
	require.NoError(t, err)
	require.Equal(t, "PING\n", string(reply))
	require.NoError(t, <-termEchoCh)
}

func resolveTCP(hostPort string) (*physical.TCPEndpoint, error) {
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		return nil, err
	}
	lp := layer.NewLayerParameters()
	lp.Set("addr", host)
	lp.Set("port", port)
	return physical.ResolveTCPEndpoint(lp)
}
