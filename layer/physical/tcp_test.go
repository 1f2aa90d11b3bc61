package physical_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/securesocketfunneling/ssf-sub003/internal/sslog"
	"github.com/securesocketfunneling/ssf-sub003/layer/physical"
)

func TestTCPAcceptDial(t *testing.T) {
	logger := sslog.New("test", sslog.LogLevelInfo)

	acc, err := physical.NewTCPAcceptor(logger, &physical.TCPEndpoint{Addr: "127.0.0.1", Port: 0})
	require.NoError(t, err)
	defer acc.Close()

	// Re-resolve the ephemeral port the OS picked.
	addr := acc.Endpoint()
	dialer := physical.NewTCPDialer(logger, addr, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	serverDone := make(chan error, 1)
	go func() {
		sock, err := acc.Accept(ctx)
		if err != nil {
			serverDone <- err
			return
		}
		buf := make([]byte, 5)
		_, err = io.ReadFull(sock, buf)
		if err != nil {
			serverDone <- err
			return
		}
		require.Equal(t, "hello", string(buf))
		sock.Close()
		serverDone <- nil
	}()

	clientSock, err := dialer.Dial(ctx)
	require.NoError(t, err)
	_, err = clientSock.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, <-serverDone)
	clientSock.Close()
}
