package fiber_test

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/securesocketfunneling/ssf-sub003/internal/conn"
	"github.com/securesocketfunneling/ssf-sub003/internal/sslog"
	"github.com/securesocketfunneling/ssf-sub003/layer/fiber"
)

// pipePair wires up two in-process net.Pipe halves as conn.Conn link ends,
// standing in for an already-established physical/TLS/circuit socket below
// the fiber layer.
func pipePair(t *testing.T) (conn.Conn, conn.Conn) {
	t.Helper()
	a, b := net.Pipe()
	logger := sslog.New("link", sslog.LogLevelInfo)
	ca, err := conn.NewSocketConn(logger, a)
	require.NoError(t, err)
	cb, err := conn.NewSocketConn(logger, b)
	require.NoError(t, err)
	return ca, cb
}

func newPair(t *testing.T) (*fiber.Multiplexer, *fiber.Multiplexer) {
	t.Helper()
	linkA, linkB := pipePair(t)
	logger := sslog.New("test", sslog.LogLevelInfo)
	mA := fiber.NewMultiplexer(logger, linkA, nil)
	mB := fiber.NewMultiplexer(logger, linkB, nil)
	t.Cleanup(func() {
		mA.Close()
		mB.Close()
	})
	return mA, mB
}

// TestConnectAcceptEcho covers the base case: Connect on one
// side and Listen/Accept on the other complete a fiber, then data flows in
// both directions.
func TestConnectAcceptEcho(t *testing.T) {
	mA, mB := newPair(t)
	remoteHalf := fiber.HalfID{Protocol: fiber.ProtocolStreamForward, Port: 7000}

	acc, err := mB.Listen(remoteHalf)
	require.NoError(t, err)
	defer acc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	serverDone := make(chan error, 1)
	go func() {
		sock, err := acc.Accept(ctx)
		if err != nil {
			serverDone <- err
			return
		}
		defer sock.Close()
		buf := make([]byte, 5)
		if _, err := io.ReadFull(sock, buf); err != nil {
			serverDone <- err
			return
		}
		_, err = sock.Write(buf)
		serverDone <- err
	}()

	f, err := mA.Connect(ctx, fiber.ProtocolStreamForward, remoteHalf)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write([]byte("hello"))
	require.NoError(t, err)
	reply := make([]byte, 5)
	_, err = io.ReadFull(f, reply)
	require.NoError(t, err)
	require.Equal(t, "hello", string(reply))
	require.NoError(t, <-serverDone)
}

// TestConnectRefusedWithoutListener checks that Connect against a HalfID
// with no Listen fails with connection_refused (the rejection
// path).
func TestConnectRefusedWithoutListener(t *testing.T) {
	mA, _ := newPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := mA.Connect(ctx, fiber.ProtocolStreamForward, fiber.HalfID{Protocol: fiber.ProtocolStreamForward, Port: 9999})
	require.Error(t, err)
}

// TestMultiplexManyFibers runs many fibers concurrently over one link and
// checks every byte arrives exactly once and in order.
func TestMultiplexManyFibers(t *testing.T) {
	const numFibers = 20
	const msgSize = 2000

	mA, mB := newPair(t)
	remoteHalf := fiber.HalfID{Protocol: fiber.ProtocolStreamForward, Port: 8000}

	acc, err := mB.Listen(remoteHalf)
	require.NoError(t, err)
	defer acc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(numFibers)
	for i := 0; i < numFibers; i++ {
		go func() {
			defer wg.Done()
			sock, err := acc.Accept(ctx)
			require.NoError(t, err)
			defer sock.Close()
			buf := make([]byte, msgSize)
			_, err = io.ReadFull(sock, buf)
			require.NoError(t, err)
			_, err = sock.Write(buf)
			require.NoError(t, err)
		}()
	}

	var cwg sync.WaitGroup
	cwg.Add(numFibers)
	for i := 0; i < numFibers; i++ {
		go func(i int) {
			defer cwg.Done()
			f, err := mA.Connect(ctx, fiber.ProtocolStreamForward, remoteHalf)
			require.NoError(t, err)
			defer f.Close()

			msg := make([]byte, msgSize)
			for j := range msg {
				msg[j] = byte((i + j) % 256)
			}
			_, err = f.Write(msg)
			require.NoError(t, err)
			reply := make([]byte, msgSize)
			_, err = io.ReadFull(f, reply)
			require.NoError(t, err)
			require.Equal(t, msg, reply, fmt.Sprintf("fiber %d got corrupted echo", i))
		}(i)
	}

	wg.Wait()
	cwg.Wait()
}

// TestBackpressureRejectsSynchronously checks that once a multiplexer has
// been stopped (marked not ready, as a link write failure also does),
// further sends fail synchronously rather than hanging.
func TestBackpressureRejectsSynchronously(t *testing.T) {
	mA, mB := newPair(t)
	remoteHalf := fiber.HalfID{Protocol: fiber.ProtocolStreamForward, Port: 7100}

	acc, err := mB.Listen(remoteHalf)
	require.NoError(t, err)
	defer acc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	go acc.Accept(ctx)

	f, err := mA.Connect(ctx, fiber.ProtocolStreamForward, remoteHalf)
	require.NoError(t, err)

	mA.Stop()
	_, err = f.Write([]byte("x"))
	require.Error(t, err)
}

// TestHalfCloseThenClose exercises a fiber's graceful shutdown: closing one
// side lets the peer observe end-of-stream without losing data already in
// flight.
func TestHalfCloseThenClose(t *testing.T) {
	mA, mB := newPair(t)
	remoteHalf := fiber.HalfID{Protocol: fiber.ProtocolStreamForward, Port: 7200}

	acc, err := mB.Listen(remoteHalf)
	require.NoError(t, err)
	defer acc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	serverRecv := make(chan []byte, 1)
	go func() {
		sock, err := acc.Accept(ctx)
		require.NoError(t, err)
		defer sock.Close()
		data, err := io.ReadAll(sock)
		require.NoError(t, err)
		serverRecv <- data
	}()

	f, err := mA.Connect(ctx, fiber.ProtocolStreamForward, remoteHalf)
	require.NoError(t, err)

	_, err = f.Write([]byte("final message"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got := <-serverRecv
	require.Equal(t, "final message", string(got))
}
