package physical

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/securesocketfunneling/ssf-sub003/internal/conn"
	"github.com/securesocketfunneling/ssf-sub003/internal/sserr"
	"github.com/securesocketfunneling/ssf-sub003/internal/sslog"
	"github.com/securesocketfunneling/ssf-sub003/layer"
)

// WSPath is the fixed HTTP upgrade path this build's WebSocket physical
// variant listens/dials on -- there is only ever one tunnel per listener, so
// unlike a general-purpose web server there is no need to make this
// configurable.
const WSPath = "/ssf"

// wsByteConn adapts a *websocket.Conn's message-oriented Read/Write (one
// ReadMessage call yields one whole frame) to the plain byte-stream
// io.ReadWriteCloser every layer.Socket needs. Each Write is sent as one
// binary message; Read buffers any unread remainder of the current message
// so callers can read in arbitrary chunk sizes, exactly like a TCP socket.
type wsByteConn struct {
	ws *websocket.Conn

	mu       sync.Mutex
	leftover []byte
}

func (c *wsByteConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.leftover) == 0 {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		if kind != websocket.BinaryMessage && kind != websocket.TextMessage {
			continue
		}
		c.leftover = data
	}
	n := copy(p, c.leftover)
	c.leftover = c.leftover[n:]
	return n, nil
}

func (c *wsByteConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsByteConn) Close() error { return c.ws.Close() }

// WSEndpoint is a ws://addr:port/ssf physical-layer address.
type WSEndpoint struct {
	Addr string
	Port uint16
}

func (e *WSEndpoint) String() string {
	return "ws://" + net.JoinHostPort(e.Addr, fmt.Sprintf("%d", e.Port)) + WSPath
}

// WSDialer dials a WebSocket upgrade request as the alternative physical
// transport, for environments where only HTTP(S) egress is available.
type WSDialer struct {
	logger   sslog.Logger
	endpoint *WSEndpoint
}

func NewWSDialer(logger sslog.Logger, endpoint *WSEndpoint) *WSDialer {
	return &WSDialer{logger: logger.Fork("WSDialer(%s)", endpoint), endpoint: endpoint}
}

func (d *WSDialer) Dial(ctx context.Context) (layer.Socket, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 45 * time.Second,
	}
	wsConn, _, err := dialer.DialContext(ctx, d.endpoint.String(), nil)
	if err != nil {
		return nil, sserr.Wrap(sserr.KindConnectionRefused, fmt.Errorf("physical: websocket dial %s: %w", d.endpoint, err))
	}
	sc, err := conn.NewSocketConn(d.logger, rawAddrConn{&wsByteConn{ws: wsConn}, wsConn.LocalAddr(), wsConn.RemoteAddr()})
	if err != nil {
		wsConn.Close()
		return nil, err
	}
	return &socket{Conn: sc, local: endpointFromAddr(wsConn.LocalAddr()), remote: endpointFromAddr(wsConn.RemoteAddr())}, nil
}

// WSAcceptor upgrades inbound HTTP requests on WSPath to WebSocket
// connections and surfaces each as a physical-layer Socket.
type WSAcceptor struct {
	logger   sslog.Logger
	endpoint *WSEndpoint
	listener net.Listener
	server   http.Server
	upgrader websocket.Upgrader
	accept   chan acceptResult
}

type acceptResult struct {
	sock layer.Socket
	err  error
}

// NewWSAcceptor starts an HTTP listener on endpoint and upgrades every
// request to WSPath; any other path is answered with 404.
func NewWSAcceptor(logger sslog.Logger, endpoint *WSEndpoint) (*WSAcceptor, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(endpoint.Addr, fmt.Sprintf("%d", endpoint.Port)))
	if err != nil {
		return nil, sserr.Wrap(sserr.KindAddressInUse, fmt.Errorf("physical: websocket listen %s: %w", endpoint, err))
	}
	a := &WSAcceptor{
		logger:   logger.Fork("WSAcceptor(%s)", endpoint),
		endpoint: endpoint,
		listener: ln,
		accept:   make(chan acceptResult, 16),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(WSPath, a.handleUpgrade)
	a.server.Handler = mux
	go a.server.Serve(ln)
	return a, nil
}

func (a *WSAcceptor) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	wsConn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.WLogf("physical: websocket upgrade failed: %s", err)
		return
	}
	sc, err := conn.NewSocketConn(a.logger, rawAddrConn{&wsByteConn{ws: wsConn}, wsConn.LocalAddr(), wsConn.RemoteAddr()})
	if err != nil {
		wsConn.Close()
		return
	}
	sock := &socket{Conn: sc, local: endpointFromAddr(wsConn.LocalAddr()), remote: endpointFromAddr(wsConn.RemoteAddr())}
	a.accept <- acceptResult{sock: sock}
}

func (a *WSAcceptor) Accept(ctx context.Context) (layer.Socket, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-a.accept:
		return r.sock, r.err
	}
}

func (a *WSAcceptor) Close() error {
	return a.listener.Close()
}

// rawAddrConn adapts a wsByteConn (plain io.ReadWriteCloser) back to
// net.Conn so it can be wrapped by conn.NewSocketConn, which only knows how
// to wrap a net.Conn. Deadlines are no-ops: the websocket library has no
// per-call deadline primitive distinct from the underlying TCP socket's,
// and this module's cancellation model is external, not deadlines.
type rawAddrConn struct {
	*wsByteConn
	local, remote net.Addr
}

func (c rawAddrConn) LocalAddr() net.Addr                { return c.local }
func (c rawAddrConn) RemoteAddr() net.Addr                { return c.remote }
func (c rawAddrConn) SetDeadline(time.Time) error         { return nil }
func (c rawAddrConn) SetReadDeadline(time.Time) error     { return nil }
func (c rawAddrConn) SetWriteDeadline(time.Time) error    { return nil }
