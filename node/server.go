// Package node assembles the protocol stack into the two runnable roles:
// a Server that listens for tunnel links (and relays circuit hops), and a
// Client that establishes a link and runs the local ends of the forwarding
// services over it.
package node

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	socks5 "github.com/armon/go-socks5"

	"github.com/securesocketfunneling/ssf-sub003/internal/access"
	"github.com/securesocketfunneling/ssf-sub003/internal/conn"
	"github.com/securesocketfunneling/ssf-sub003/internal/httpsrv"
	"github.com/securesocketfunneling/ssf-sub003/internal/lifecycle"
	"github.com/securesocketfunneling/ssf-sub003/internal/sserr"
	"github.com/securesocketfunneling/ssf-sub003/internal/sslog"
	"github.com/securesocketfunneling/ssf-sub003/layer"
	"github.com/securesocketfunneling/ssf-sub003/layer/circuit"
	"github.com/securesocketfunneling/ssf-sub003/layer/fiber"
	"github.com/securesocketfunneling/ssf-sub003/layer/physical"
	"github.com/securesocketfunneling/ssf-sub003/layer/tlslayer"
	"github.com/securesocketfunneling/ssf-sub003/svc/portforward"
	"github.com/securesocketfunneling/ssf-sub003/svc/shell"
	"github.com/securesocketfunneling/ssf-sub003/svc/socksd"
)

// DefaultSocksFiberPort is the well-known fiber port the SOCKS skeleton
// listens on when no explicit port is configured.
const DefaultSocksFiberPort uint16 = 1080

// DefaultShellFiberPort is the well-known fiber port the shell skeleton
// listens on.
const DefaultShellFiberPort uint16 = 2222

// ServerConfig describes one ssfd instance.
type ServerConfig struct {
	Addr string
	Port uint16

	TLS tlslayer.Params

	// StreamTargets maps a fiber port to the local TCP target dialed for
	// each fiber accepted on it (ssf.services.stream_forwarder).
	StreamTargets map[uint16]portforward.Target
	// DatagramTargets is the UDP equivalent (ssf.services.datagram_forwarder).
	DatagramTargets map[uint16]portforward.Target

	// EnableSocks runs the in-process SOCKS server (ssf.services.socks).
	EnableSocks    bool
	SocksFiberPort uint16

	// ShellPath, when non-empty, runs the shell service (ssf.services.shell).
	ShellPath      string
	ShellArgs      string
	ShellFiberPort uint16

	// Access restricts which targets the forwarder services may dial.
	Access access.Policy

	// StatusAddr, when non-empty, serves the HTTP status endpoint there.
	StatusAddr string
}

// Server is the listening role: it accepts physical+TLS connections, runs
// the circuit layer on each (relaying forwarding hops, surfacing terminal
// ones), and multiplexes every terminal link into fibers served by the
// configured microservices.
type Server struct {
	lifecycle.Helper
	logger sslog.Logger
	cfg    ServerConfig

	physAcceptor *physical.TCPAcceptor
	circAcceptor *circuit.Acceptor

	muxMu sync.Mutex
	muxes map[*fiber.Multiplexer]struct{}

	status *httpsrv.Server
}

// NewServer builds a Server from cfg.
func NewServer(logger sslog.Logger, cfg ServerConfig) *Server {
	s := &Server{logger: logger.Fork("Server(%s:%d)", cfg.Addr, cfg.Port), cfg: cfg, muxes: map[*fiber.Multiplexer]struct{}{}}
	s.Init(s.logger, s)
	return s
}

func (s *Server) HandleOnceShutdown(completionErr error) error {
	if s.circAcceptor != nil {
		if err := s.circAcceptor.Close(); err != nil && completionErr == nil {
			completionErr = err
		}
	}
	s.muxMu.Lock()
	muxes := make([]*fiber.Multiplexer, 0, len(s.muxes))
	for m := range s.muxes {
		muxes = append(muxes, m)
	}
	s.muxMu.Unlock()
	for _, m := range muxes {
		m.StartShutdown(completionErr)
	}
	if s.status != nil {
		s.status.StartShutdown(completionErr)
	}
	return completionErr
}

// Endpoint reports the actually bound listen address, with any ephemeral
// port request resolved.
func (s *Server) Endpoint() *physical.TCPEndpoint {
	if s.physAcceptor == nil {
		return &physical.TCPEndpoint{Addr: s.cfg.Addr, Port: s.cfg.Port}
	}
	return s.physAcceptor.Endpoint()
}

// lowerDial opens the physical+TLS stack to hostPort, the outbound leg a
// forwarding circuit hop uses to reach the next node.
func (s *Server) lowerDial(ctx context.Context, hostPort string) (layer.Socket, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return nil, sserr.Wrap(sserr.KindBadAddress, fmt.Errorf("node: next hop %q: %w", hostPort, err))
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, sserr.New(sserr.KindBadAddress, fmt.Sprintf("node: next hop port %q", portStr))
	}
	tcpDialer := physical.NewTCPDialer(s.logger, &physical.TCPEndpoint{Addr: host, Port: uint16(port)}, nil)
	tlsDialer := tlslayer.NewDialer(s.logger, tcpDialer, s.cfg.TLS, host)
	return tlsDialer.Dial(ctx)
}

// Start binds the listener and begins accepting links until ctx is done or
// Close is called.
func (s *Server) Start(ctx context.Context) error {
	return s.DoOnceActivate(func() error {
		physAcceptor, err := physical.NewTCPAcceptor(s.logger, &physical.TCPEndpoint{Addr: s.cfg.Addr, Port: s.cfg.Port})
		if err != nil {
			return err
		}
		s.physAcceptor = physAcceptor
		tlsAcceptor := tlslayer.NewAcceptor(s.logger, physAcceptor, s.cfg.TLS)
		s.circAcceptor = circuit.NewAcceptor(s.logger, tlsAcceptor, s.lowerDial)

		s.ShutdownOnContext(ctx)
		go s.acceptLoop(ctx)
		return nil
	}, true)
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		sock, err := s.circAcceptor.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				if !s.IsScheduledShutdown() {
					s.logger.ILogf("node: accept ended: %s", err)
				}
			}
			return
		}
		link, ok := sock.(conn.Conn)
		if !ok {
			s.logger.WLogf("node: surfaced socket is not a conn.Conn, dropping")
			sock.Close()
			continue
		}
		s.logger.ILogf("node: link established from %s", sock.RemoteEndpoint())
		go s.serveLink(ctx, link)
	}
}

// serveLink multiplexes one terminal link and runs the configured
// microservices against it until it dies.
func (s *Server) serveLink(ctx context.Context, link conn.Conn) {
	mux := fiber.NewMultiplexer(s.logger, link, nil)
	s.muxMu.Lock()
	s.muxes[mux] = struct{}{}
	s.muxMu.Unlock()
	defer func() {
		s.muxMu.Lock()
		delete(s.muxes, mux)
		s.muxMu.Unlock()
	}()

	s.startStatusOnce(ctx, mux)

	for port, target := range s.cfg.StreamTargets {
		l := portforward.NewListener(s.logger, mux,
			fiber.HalfID{Protocol: fiber.ProtocolStreamForward, Port: port}, target, s.cfg.Access)
		if err := l.Start(ctx); err != nil {
			s.logger.WLogf("node: stream listener :%d: %s", port, err)
		}
	}
	for port, target := range s.cfg.DatagramTargets {
		l := portforward.NewListener(s.logger, mux,
			fiber.HalfID{Protocol: fiber.ProtocolDatagramForward, Port: port}, target, s.cfg.Access)
		if err := l.Start(ctx); err != nil {
			s.logger.WLogf("node: datagram listener :%d: %s", port, err)
		}
	}
	if s.cfg.EnableSocks {
		port := s.cfg.SocksFiberPort
		if port == 0 {
			port = DefaultSocksFiberPort
		}
		socksServer, err := socks5.New(&socks5.Config{})
		if err != nil {
			s.logger.WLogf("node: socks5 server: %s", err)
		} else {
			sk := socksd.NewSkeleton(s.logger, mux, fiber.HalfID{Protocol: fiber.ProtocolSocks, Port: port}, socksServer)
			if err := sk.Start(ctx); err != nil {
				s.logger.WLogf("node: socks skeleton: %s", err)
			}
		}
	}
	if s.cfg.ShellPath != "" {
		port := s.cfg.ShellFiberPort
		if port == 0 {
			port = DefaultShellFiberPort
		}
		sk := shell.NewSkeleton(s.logger, mux, fiber.HalfID{Protocol: fiber.ProtocolShell, Port: port}, s.cfg.ShellPath, s.cfg.ShellArgs)
		if err := sk.Start(ctx); err != nil {
			s.logger.WLogf("node: shell skeleton: %s", err)
		}
	}

	err := mux.WaitShutdown()
	s.logger.ILogf("node: link closed: %v", err)
}

// startStatusOnce serves the status endpoint for the first link that comes
// up; later links leave the existing endpoint in place.
func (s *Server) startStatusOnce(ctx context.Context, mux *fiber.Multiplexer) {
	if s.cfg.StatusAddr == "" {
		return
	}
	s.muxMu.Lock()
	if s.status != nil {
		s.muxMu.Unlock()
		return
	}
	status := httpsrv.NewServer(s.logger, mux)
	s.status = status
	s.muxMu.Unlock()

	if err := status.ListenAndServe(ctx, s.cfg.StatusAddr); err != nil {
		s.logger.WLogf("node: status endpoint: %s", err)
		s.muxMu.Lock()
		s.status = nil
		s.muxMu.Unlock()
	}
}
