// Package socksd implements the SOCKS server microservice
// (ssf.services.socks): a SOCKS server exposed through a forwarded port.
// Each inbound fiber is handed to a local armon/go-socks5 server over a
// prep/socketpair-created socket pair rather than being dialed out to a
// single fixed target.
package socksd

import (
	"context"

	socks5 "github.com/armon/go-socks5"
	"github.com/prep/socketpair"

	"github.com/securesocketfunneling/ssf-sub003/internal/conn"
	"github.com/securesocketfunneling/ssf-sub003/internal/lifecycle"
	"github.com/securesocketfunneling/ssf-sub003/internal/sslog"
	"github.com/securesocketfunneling/ssf-sub003/layer/fiber"
)

// fiberConn wraps a *fiber.Fiber as a conn.Conn, the same adapter
// svc/portforward uses to hand a fiber to internal/conn.Bridge.
type fiberConn struct {
	conn.Basic
	f *fiber.Fiber
}

func newFiberConn(logger sslog.Logger, f *fiber.Fiber) *fiberConn {
	c := &fiberConn{f: f}
	c.Init(logger, c, "Fiber(%s)", f.FullID())
	return c
}

func (c *fiberConn) Read(p []byte) (int, error) {
	n, err := c.f.Read(p)
	c.AddBytesRead(n)
	return n, err
}

func (c *fiberConn) Write(p []byte) (int, error) {
	n, err := c.f.Write(p)
	c.AddBytesWritten(n)
	return n, err
}

func (c *fiberConn) CloseWrite() error { return c.f.CloseWrite() }

func (c *fiberConn) HandleOnceShutdown(completionErr error) error {
	err := c.f.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

func (c *fiberConn) WaitForClose() error { return c.WaitShutdown() }

// Skeleton is the server-side half of the SOCKS microservice: it accepts
// fibers addressed to half and serves each one with an in-process,
// NoAuth-only go-socks5 server.
type Skeleton struct {
	lifecycle.Helper
	logger      sslog.Logger
	mux         *fiber.Multiplexer
	half        fiber.HalfID
	socksServer *socks5.Server
	acceptor    *fiber.Acceptor
}

// NewSkeleton builds a Skeleton serving SOCKS5 connections, forwarded to
// server, to every fiber opened against half on mux.
func NewSkeleton(logger sslog.Logger, mux *fiber.Multiplexer, half fiber.HalfID, server *socks5.Server) *Skeleton {
	s := &Skeleton{
		logger:      logger.Fork("socksd.Skeleton(%s)", half),
		mux:         mux,
		half:        half,
		socksServer: server,
	}
	s.Init(s.logger, s)
	return s
}

func (s *Skeleton) HandleOnceShutdown(completionErr error) error {
	if s.acceptor != nil {
		if err := s.acceptor.Close(); err != nil && completionErr == nil {
			completionErr = err
		}
	}
	return completionErr
}

// Start begins accepting fibers until ctx is done or Close is called.
func (s *Skeleton) Start(ctx context.Context) error {
	acceptor, err := s.mux.Listen(s.half)
	if err != nil {
		return err
	}
	s.acceptor = acceptor
	s.ShutdownOnContext(ctx)
	go s.acceptLoop(ctx, acceptor)
	return nil
}

func (s *Skeleton) acceptLoop(ctx context.Context, acceptor *fiber.Acceptor) {
	for {
		sock, err := acceptor.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				s.logger.ILogf("socksd: accept error, stopping: %s", err)
			}
			return
		}
		f, ok := sock.(*fiber.Fiber)
		if !ok {
			s.logger.WLogf("socksd: accepted socket is not a fiber, ignoring")
			sock.Close()
			continue
		}
		go s.serve(f)
	}
}

// serve creates a socket pair so the socks5 server has something to talk
// to and the fiber has something to be bridged against -- one extra hop
// through a loopback unix socket, preserving the abstraction that a fiber
// is always bridged to a conn.Conn rather than handed directly to an
// arbitrary net.Conn consumer.
func (s *Skeleton) serve(f *fiber.Fiber) {
	fiberSock := newFiberConn(s.logger, f)

	left, right, err := socketpair.New("unix")
	if err != nil {
		s.logger.WLogf("socksd: socketpair: %s", err)
		fiberSock.Close()
		return
	}
	ourEnd, err := conn.NewSocketConn(s.logger, left)
	if err != nil {
		left.Close()
		right.Close()
		fiberSock.Close()
		return
	}

	go func() {
		if err := s.socksServer.ServeConn(right); err != nil {
			s.logger.DLogf("socksd: socks5 session ended: %s", err)
		}
	}()

	bytesIn, bytesOut, err := conn.Bridge(s.logger, fiberSock, ourEnd)
	if err != nil {
		s.logger.DLogf("socksd: bridge ended: %s (in=%d out=%d)", err, bytesIn, bytesOut)
	}
}
