package physical

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/securesocketfunneling/ssf-sub003/internal/conn"
	"github.com/securesocketfunneling/ssf-sub003/internal/sserr"
	"github.com/securesocketfunneling/ssf-sub003/internal/sslog"
	"github.com/securesocketfunneling/ssf-sub003/layer"
)

// UDPEndpoint names a UDP host:port, analogous to TCPEndpoint.
type UDPEndpoint struct {
	Addr string
	Port uint16
}

func (e *UDPEndpoint) String() string {
	return net.JoinHostPort(e.Addr, fmt.Sprintf("%d", e.Port))
}

// UDPDialer connects a UDP socket to Endpoint. Unlike TCP there is no
// traversal handshake: SOCKS UDP-ASSOCIATE and HTTP CONNECT tunnels are
// both stream-oriented, so proxied UDP dialing is not supported.
type UDPDialer struct {
	logger   sslog.Logger
	endpoint *UDPEndpoint
}

func NewUDPDialer(logger sslog.Logger, endpoint *UDPEndpoint) *UDPDialer {
	return &UDPDialer{logger: logger.Fork("UDPDialer(%s)", endpoint), endpoint: endpoint}
}

func (d *UDPDialer) Dial(ctx context.Context) (layer.Socket, error) {
	var dialer net.Dialer
	nc, err := dialer.DialContext(ctx, "udp", d.endpoint.String())
	if err != nil {
		return nil, sserr.Wrap(sserr.KindConnectionRefused, fmt.Errorf("physical: udp dial %s: %w", d.endpoint, err))
	}
	return wrapNetConn(d.logger, nc)
}

// UDPAcceptor demultiplexes inbound datagrams on a single bound
// PacketConn by source address, synthesizing one virtual Socket per peer
// the first time a datagram arrives from it, which gives the
// connectionless protocol Accept() semantics.
type UDPAcceptor struct {
	logger sslog.Logger
	pc     net.PacketConn
	accept chan *udpPeerSocket
	mu     sync.Mutex
	peers  map[string]*udpPeerSocket
	done   chan struct{}
}

func NewUDPAcceptor(logger sslog.Logger, endpoint *UDPEndpoint) (*UDPAcceptor, error) {
	pc, err := net.ListenPacket("udp", endpoint.String())
	if err != nil {
		return nil, sserr.Wrap(sserr.KindAddressInUse, fmt.Errorf("physical: udp listen %s: %w", endpoint, err))
	}
	a := &UDPAcceptor{
		logger: logger.Fork("UDPAcceptor(%s)", endpoint),
		pc:     pc,
		accept: make(chan *udpPeerSocket, 16),
		peers:  map[string]*udpPeerSocket{},
		done:   make(chan struct{}),
	}
	go a.readLoop()
	return a, nil
}

func (a *UDPAcceptor) readLoop() {
	buf := make([]byte, 65507)
	for {
		n, addr, err := a.pc.ReadFrom(buf)
		if err != nil {
			close(a.accept)
			return
		}
		key := addr.String()
		a.mu.Lock()
		peer, ok := a.peers[key]
		if !ok {
			peer = newUDPPeerSocket(a, addr)
			a.peers[key] = peer
		}
		a.mu.Unlock()
		if !ok {
			select {
			case a.accept <- peer:
			case <-a.done:
				return
			}
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		peer.deliver(datagram)
	}
}

func (a *UDPAcceptor) Accept(ctx context.Context) (layer.Socket, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case peer, ok := <-a.accept:
		if !ok {
			return nil, fmt.Errorf("physical: udp acceptor closed")
		}
		return peer, nil
	}
}

func (a *UDPAcceptor) Close() error {
	close(a.done)
	return a.pc.Close()
}

// udpPeerSocket is the virtual per-peer layer.Socket produced by
// UDPAcceptor: Write sends back to that one peer address, Read delivers
// datagrams received from it, in order.
type udpPeerSocket struct {
	conn.Basic
	acceptor *UDPAcceptor
	peerAddr net.Addr
	inbound  chan []byte
	closed   chan struct{}
}

func newUDPPeerSocket(a *UDPAcceptor, addr net.Addr) *udpPeerSocket {
	s := &udpPeerSocket{acceptor: a, peerAddr: addr, inbound: make(chan []byte, 64), closed: make(chan struct{})}
	s.Init(a.logger, s, "UDPPeer(%s)", addr)
	return s
}

func (s *udpPeerSocket) deliver(datagram []byte) {
	select {
	case s.inbound <- datagram:
	case <-s.closed:
	}
}

func (s *udpPeerSocket) Read(p []byte) (int, error) {
	select {
	case datagram, ok := <-s.inbound:
		if !ok {
			return 0, fmt.Errorf("physical: udp peer closed")
		}
		n := copy(p, datagram)
		s.AddBytesRead(n)
		return n, nil
	case <-s.closed:
		return 0, fmt.Errorf("physical: udp peer closed")
	}
}

func (s *udpPeerSocket) Write(p []byte) (int, error) {
	n, err := s.acceptor.pc.WriteTo(p, s.peerAddr)
	s.AddBytesWritten(n)
	return n, err
}

func (s *udpPeerSocket) CloseWrite() error { return nil }

func (s *udpPeerSocket) HandleOnceShutdown(completionErr error) error {
	close(s.closed)
	s.acceptor.mu.Lock()
	delete(s.acceptor.peers, s.peerAddr.String())
	s.acceptor.mu.Unlock()
	return completionErr
}

func (s *udpPeerSocket) WaitForClose() error { return s.WaitShutdown() }

func (s *udpPeerSocket) LocalEndpoint() layer.Endpoint {
	return endpointFromAddr(s.acceptor.pc.LocalAddr())
}

func (s *udpPeerSocket) RemoteEndpoint() layer.Endpoint {
	return endpointFromAddr(s.peerAddr)
}
