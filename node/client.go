package node

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/securesocketfunneling/ssf-sub003/internal/conn"
	"github.com/securesocketfunneling/ssf-sub003/internal/lifecycle"
	"github.com/securesocketfunneling/ssf-sub003/internal/sslog"
	"github.com/securesocketfunneling/ssf-sub003/layer/circuit"
	"github.com/securesocketfunneling/ssf-sub003/layer/fiber"
	"github.com/securesocketfunneling/ssf-sub003/layer/physical"
	"github.com/securesocketfunneling/ssf-sub003/layer/tlslayer"
	"github.com/securesocketfunneling/ssf-sub003/proxy"
	"github.com/securesocketfunneling/ssf-sub003/svc/portforward"
)

// PortMap binds a local port to a fiber port on the peer.
type PortMap struct {
	BindPort  uint16
	FiberPort uint16
}

// ClientConfig describes one ssf client instance.
type ClientConfig struct {
	// Server is the terminal SSF node.
	Server circuit.Hop
	// CircuitPath optionally names a circuit file of relay hops to chain
	// through before Server.
	CircuitPath string
	// CircuitID tags the circuit for log correlation on the terminal hop.
	CircuitID string

	TLS tlslayer.Params

	// Proxy optionally routes the first physical hop through an upstream
	// HTTP CONNECT or SOCKS proxy.
	Proxy *proxy.Context

	// StreamForwards opens a local TCP listener per entry, forwarded over
	// a fiber (ssf.services.stream_listener).
	StreamForwards []PortMap
	// DatagramForwards is the UDP equivalent (ssf.services.datagram_listener).
	DatagramForwards []PortMap
	// GatewayPorts widens forwarded listeners from loopback to all
	// interfaces.
	GatewayPorts bool

	// SocksBindPort, when non-zero, opens a local TCP listener bridged to
	// the server's SOCKS service.
	SocksBindPort  uint16
	SocksFiberPort uint16

	// ShellBindPort, when non-zero, opens a local TCP listener bridged to
	// the server's shell service.
	ShellBindPort  uint16
	ShellFiberPort uint16
}

// Client is the connecting role: it establishes the physical+TLS+circuit
// link (reconnecting with exponential backoff), multiplexes it, and runs
// the local ends of the forwarding services.
type Client struct {
	lifecycle.Helper
	logger sslog.Logger
	cfg    ClientConfig

	muxMu sync.Mutex
	mux   *fiber.Multiplexer
}

// NewClient builds a Client from cfg.
func NewClient(logger sslog.Logger, cfg ClientConfig) *Client {
	c := &Client{logger: logger.Fork("Client(%s)", cfg.Server), cfg: cfg}
	c.Init(c.logger, c)
	return c
}

func (c *Client) HandleOnceShutdown(completionErr error) error {
	c.Bounce()
	return completionErr
}

// Bounce tears down the current link, if any; Run's reconnect loop then
// dials a fresh one. Used when the circuit file changes on disk.
func (c *Client) Bounce() {
	c.muxMu.Lock()
	mux := c.mux
	c.muxMu.Unlock()
	if mux != nil {
		mux.StartShutdown(nil)
	}
}

// loadRoute assembles the full hop list: circuit-file relays first, the
// terminal server last.
func (c *Client) loadRoute() ([]circuit.Hop, error) {
	var hops []circuit.Hop
	if c.cfg.CircuitPath != "" {
		relays, err := circuit.LoadHops(c.cfg.CircuitPath)
		if err != nil {
			return nil, err
		}
		hops = relays
	}
	return append(hops, c.cfg.Server), nil
}

// connect establishes one link through the full stack and returns its
// multiplexer.
func (c *Client) connect(ctx context.Context) (*fiber.Multiplexer, error) {
	hops, err := c.loadRoute()
	if err != nil {
		return nil, err
	}
	block, first, err := circuit.BuildClientRoute(hops, c.cfg.CircuitID)
	if err != nil {
		return nil, err
	}

	tcpDialer := physical.NewTCPDialer(c.logger, &physical.TCPEndpoint{Addr: first.Host, Port: first.Port}, c.cfg.Proxy)
	tlsDialer := tlslayer.NewDialer(c.logger, tcpDialer, c.cfg.TLS, first.Host)
	belowSock, err := tlsDialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	circSock, err := circuit.ClientDial(belowSock, block)
	if err != nil {
		belowSock.Close()
		return nil, err
	}
	link, ok := circSock.(conn.Conn)
	if !ok {
		circSock.Close()
		return nil, c.logger.Errorf("node: circuit socket is not a conn.Conn")
	}
	return fiber.NewMultiplexer(c.logger, link, nil), nil
}

// startServices runs the configured local forwarders against mux.
func (c *Client) startServices(ctx context.Context, mux *fiber.Multiplexer) {
	for _, pm := range c.cfg.StreamForwards {
		f := portforward.NewForwarder(c.logger, mux, fiber.ProtocolStreamForward,
			pm.BindPort, c.cfg.GatewayPorts,
			fiber.HalfID{Protocol: fiber.ProtocolStreamForward, Port: pm.FiberPort})
		if err := f.Start(ctx); err != nil {
			c.logger.WLogf("node: stream forward :%d: %s", pm.BindPort, err)
		}
	}
	for _, pm := range c.cfg.DatagramForwards {
		f := portforward.NewDatagramForwarder(c.logger, mux,
			pm.BindPort, c.cfg.GatewayPorts,
			fiber.HalfID{Protocol: fiber.ProtocolDatagramForward, Port: pm.FiberPort})
		if err := f.Start(ctx); err != nil {
			c.logger.WLogf("node: datagram forward :%d: %s", pm.BindPort, err)
		}
	}
	if c.cfg.SocksBindPort != 0 {
		port := c.cfg.SocksFiberPort
		if port == 0 {
			port = DefaultSocksFiberPort
		}
		f := portforward.NewForwarder(c.logger, mux, fiber.ProtocolSocks,
			c.cfg.SocksBindPort, c.cfg.GatewayPorts,
			fiber.HalfID{Protocol: fiber.ProtocolSocks, Port: port})
		if err := f.Start(ctx); err != nil {
			c.logger.WLogf("node: socks forward :%d: %s", c.cfg.SocksBindPort, err)
		}
	}
	if c.cfg.ShellBindPort != 0 {
		port := c.cfg.ShellFiberPort
		if port == 0 {
			port = DefaultShellFiberPort
		}
		f := portforward.NewForwarder(c.logger, mux, fiber.ProtocolShell,
			c.cfg.ShellBindPort, c.cfg.GatewayPorts,
			fiber.HalfID{Protocol: fiber.ProtocolShell, Port: port})
		if err := f.Start(ctx); err != nil {
			c.logger.WLogf("node: shell forward :%d: %s", c.cfg.ShellBindPort, err)
		}
	}
}

// RunOnce establishes one link, serves it until it dies, and returns the
// link's terminal error. The forwarders die with the link; each RunOnce
// starts fresh ones against the new multiplexer.
func (c *Client) RunOnce(ctx context.Context) error {
	svcCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	mux, err := c.connect(ctx)
	if err != nil {
		return err
	}
	c.muxMu.Lock()
	c.mux = mux
	c.muxMu.Unlock()
	defer func() {
		c.muxMu.Lock()
		c.mux = nil
		c.muxMu.Unlock()
	}()

	c.logger.ILogf("node: link established to %s", c.cfg.Server)
	c.startServices(svcCtx, mux)
	return mux.WaitShutdown()
}

// Run keeps a link alive until ctx is done or Close is called, redialing
// with exponential backoff after each failure. The backoff resets after
// any connection that survived long enough to be considered healthy.
func (c *Client) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: 200 * time.Millisecond, Max: 30 * time.Second, Jitter: true}
	c.ShutdownOnContext(ctx)
	for {
		started := time.Now()
		err := c.RunOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.IsScheduledShutdown() {
			return err
		}
		if time.Since(started) > time.Minute {
			b.Reset()
		}
		d := b.Duration()
		c.logger.WLogf("node: link lost (%v), reconnecting in %s", err, d)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ShutdownDoneChan():
			return err
		case <-time.After(d):
		}
	}
}
