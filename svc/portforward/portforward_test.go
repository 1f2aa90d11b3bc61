package portforward_test

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/securesocketfunneling/ssf-sub003/internal/access"
	"github.com/securesocketfunneling/ssf-sub003/internal/conn"
	"github.com/securesocketfunneling/ssf-sub003/internal/sslog"
	"github.com/securesocketfunneling/ssf-sub003/layer/fiber"
	"github.com/securesocketfunneling/ssf-sub003/svc/portforward"
)

func newMuxPair(t *testing.T) (*fiber.Multiplexer, *fiber.Multiplexer) {
	t.Helper()
	a, b := net.Pipe()
	logger := sslog.New("link", sslog.LogLevelInfo)
	ca, err := conn.NewSocketConn(logger, a)
	require.NoError(t, err)
	cb, err := conn.NewSocketConn(logger, b)
	require.NoError(t, err)
	mA := fiber.NewMultiplexer(logger, ca, nil)
	mB := fiber.NewMultiplexer(logger, cb, nil)
	t.Cleanup(func() {
		mA.Close()
		mB.Close()
	})
	return mA, mB
}

// TestForwarderToListenerRoundTrip wires a Forwarder (local TCP listen, opens
// a fiber on connect) on muxA to a Listener (fiber accept, dials a local
// echo server) on muxB, and checks a byte round-trips end to end.
func TestForwarderToListenerRoundTrip(t *testing.T) {
	muxA, muxB := newMuxPair(t)
	logger := sslog.New("test", sslog.LogLevelInfo)
	half := fiber.HalfID{Protocol: fiber.ProtocolStreamForward, Port: 5000}

	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer echoLn.Close()
	go func() {
		c, err := echoLn.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		io.Copy(c, c)
	}()

	echoAddr := echoLn.Addr().(*net.TCPAddr)

	listener := portforward.NewListener(logger, muxB, half, portforward.Target{Network: "tcp", Host: "127.0.0.1", Port: uint16(echoAddr.Port)}, access.AllowAll)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, listener.Start(ctx))
	defer listener.Close()

	fwdLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fwdPort := fwdLn.Addr().(*net.TCPAddr).Port
	fwdLn.Close()

	forwarder := portforward.NewForwarder(logger, muxA, fiber.ProtocolStreamForward, uint16(fwdPort), false, half)
	require.NoError(t, forwarder.Start(ctx))
	defer forwarder.Close()

	time.Sleep(50 * time.Millisecond)

	callerConn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(fwdPort)))
	require.NoError(t, err)
	defer callerConn.Close()

	_, err = callerConn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	callerConn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = io.ReadFull(callerConn, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))
}

// TestDatagramForwarderRoundTrip wires a DatagramForwarder (local UDP
// bind, one fiber per peer) on muxA to a Listener with a UDP target on
// muxB, and checks one datagram echoes end to end with its boundary
// intact.
func TestDatagramForwarderRoundTrip(t *testing.T) {
	muxA, muxB := newMuxPair(t)
	logger := sslog.New("test", sslog.LogLevelInfo)
	half := fiber.HalfID{Protocol: fiber.ProtocolDatagramForward, Port: 5001}

	echoPC, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer echoPC.Close()
	go func() {
		buf := make([]byte, 65535)
		for {
			n, addr, err := echoPC.ReadFrom(buf)
			if err != nil {
				return
			}
			echoPC.WriteTo(buf[:n], addr)
		}
	}()
	echoPort := echoPC.LocalAddr().(*net.UDPAddr).Port

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	listener := portforward.NewListener(logger, muxB, half, portforward.Target{Network: "udp", Host: "127.0.0.1", Port: uint16(echoPort)}, access.AllowAll)
	require.NoError(t, listener.Start(ctx))
	defer listener.Close()

	fwd := portforward.NewDatagramForwarder(logger, muxA, 0, false, half)
	require.NoError(t, fwd.Start(ctx))
	defer fwd.Close()

	caller, err := net.Dial("udp", fwd.LocalAddr().String())
	require.NoError(t, err)
	defer caller.Close()

	_, err = caller.Write([]byte("dgram-ping"))
	require.NoError(t, err)
	buf := make([]byte, 64)
	caller.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, err := caller.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "dgram-ping", string(buf[:n]))
}
