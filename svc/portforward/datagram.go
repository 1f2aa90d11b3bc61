package portforward

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/securesocketfunneling/ssf-sub003/internal/conn"
	"github.com/securesocketfunneling/ssf-sub003/internal/lifecycle"
	"github.com/securesocketfunneling/ssf-sub003/internal/sserr"
	"github.com/securesocketfunneling/ssf-sub003/internal/sslog"
	"github.com/securesocketfunneling/ssf-sub003/layer/fiber"
)

// peerIdleTimeout is how long a datagram peer may stay silent before its
// fiber is torn down and its map slot released.
const peerIdleTimeout = 2 * time.Minute

// DatagramForwarder is the ssf.services.datagram_listener side: it binds a
// local UDP socket and relays each source address's datagrams over its own
// fiber to remoteHalf. One fiber frame carries one datagram, so message
// boundaries survive the trip; replies coming back on a peer's fiber are
// sent to that peer's UDP address.
type DatagramForwarder struct {
	lifecycle.Helper
	logger       sslog.Logger
	mux          *fiber.Multiplexer
	bindPort     uint16
	gatewayPorts bool
	remoteHalf   fiber.HalfID
	pc           net.PacketConn

	peersMu sync.Mutex
	peers   map[string]*datagramPeer
}

type datagramPeer struct {
	fib      *fiber.Fiber
	addr     net.Addr
	lastSeen time.Time
}

// NewDatagramForwarder builds a DatagramForwarder bound to bindPort
// (loopback-only unless gatewayPorts) relaying to remoteHalf.
func NewDatagramForwarder(logger sslog.Logger, mux *fiber.Multiplexer, bindPort uint16, gatewayPorts bool, remoteHalf fiber.HalfID) *DatagramForwarder {
	d := &DatagramForwarder{
		logger:       logger.Fork("portforward.DatagramForwarder(:%d->%s)", bindPort, remoteHalf),
		mux:          mux,
		bindPort:     bindPort,
		gatewayPorts: gatewayPorts,
		remoteHalf:   remoteHalf,
		peers:        map[string]*datagramPeer{},
	}
	d.Init(d.logger, d)
	return d
}

func (d *DatagramForwarder) HandleOnceShutdown(completionErr error) error {
	if d.pc != nil {
		if err := d.pc.Close(); err != nil && completionErr == nil {
			completionErr = err
		}
	}
	d.peersMu.Lock()
	peers := make([]*datagramPeer, 0, len(d.peers))
	for _, p := range d.peers {
		peers = append(peers, p)
	}
	d.peers = map[string]*datagramPeer{}
	d.peersMu.Unlock()
	for _, p := range peers {
		p.fib.Close()
	}
	return completionErr
}

func (d *DatagramForwarder) bindHost() string {
	if d.gatewayPorts {
		return ""
	}
	return "127.0.0.1"
}

// Start binds the UDP socket and begins relaying.
func (d *DatagramForwarder) Start(ctx context.Context) error {
	return d.DoOnceActivate(func() error {
		pc, err := net.ListenPacket("udp", net.JoinHostPort(d.bindHost(), fmt.Sprintf("%d", d.bindPort)))
		if err != nil {
			return sserr.Wrap(sserr.KindAddressInUse, fmt.Errorf("portforward: udp listen :%d: %w", d.bindPort, err))
		}
		d.pc = pc
		d.ShutdownOnContext(ctx)
		go d.readLoop(ctx)
		go d.expireLoop(ctx)
		return nil
	}, true)
}

// LocalAddr reports the bound UDP address, resolving an ephemeral port
// request. Only valid after Start.
func (d *DatagramForwarder) LocalAddr() net.Addr {
	if d.pc == nil {
		return nil
	}
	return d.pc.LocalAddr()
}

func (d *DatagramForwarder) readLoop(ctx context.Context) {
	buf := make([]byte, 65535)
	for {
		n, addr, err := d.pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				d.logger.ILogf("portforward: udp read error, stopping: %s", err)
			}
			return
		}
		peer, err := d.peerFor(ctx, addr)
		if err != nil {
			d.logger.WLogf("portforward: fiber open for %s failed: %s", addr, err)
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		if _, err := peer.fib.Write(pkt); err != nil {
			d.logger.DLogf("portforward: forward datagram from %s failed: %s", addr, err)
			d.dropPeer(addr.String())
		}
	}
}

// peerFor returns the existing fiber for addr, or opens one and starts its
// reply pump.
func (d *DatagramForwarder) peerFor(ctx context.Context, addr net.Addr) (*datagramPeer, error) {
	key := addr.String()
	d.peersMu.Lock()
	if p, ok := d.peers[key]; ok {
		p.lastSeen = time.Now()
		d.peersMu.Unlock()
		return p, nil
	}
	d.peersMu.Unlock()

	fib, err := d.mux.Connect(ctx, fiber.ProtocolDatagramForward, d.remoteHalf)
	if err != nil {
		return nil, err
	}
	p := &datagramPeer{fib: fib, addr: addr, lastSeen: time.Now()}

	d.peersMu.Lock()
	if existing, ok := d.peers[key]; ok {
		d.peersMu.Unlock()
		fib.Close()
		return existing, nil
	}
	d.peers[key] = p
	d.peersMu.Unlock()

	go d.replyLoop(p)
	return p, nil
}

// replyLoop pumps frames arriving on a peer's fiber back out to its UDP
// address. One fiber Read yields one whole datagram.
func (d *DatagramForwarder) replyLoop(p *datagramPeer) {
	buf := make([]byte, 65535)
	for {
		n, err := p.fib.Read(buf)
		if err != nil {
			d.dropPeer(p.addr.String())
			return
		}
		if n == 0 {
			continue
		}
		if _, err := d.pc.WriteTo(buf[:n], p.addr); err != nil {
			d.dropPeer(p.addr.String())
			return
		}
	}
}

func (d *DatagramForwarder) dropPeer(key string) {
	d.peersMu.Lock()
	p, ok := d.peers[key]
	if ok {
		delete(d.peers, key)
	}
	d.peersMu.Unlock()
	if ok {
		p.fib.Close()
	}
}

// relayDatagrams splices two message-oriented Conns (a fiber and a UDP
// socket). Unlike conn.Bridge it tears both sides down as soon as either
// direction ends, since a UDP read never reaches end-of-stream on its own.
func relayDatagrams(a, b conn.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src conn.Conn) {
		buf := make([]byte, 65535)
		for {
			n, err := src.Read(buf)
			if err != nil {
				break
			}
			if n == 0 {
				continue
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				break
			}
		}
		done <- struct{}{}
	}
	go cp(a, b)
	go cp(b, a)
	<-done
	a.Close()
	b.Close()
	<-done
}

func (d *DatagramForwarder) expireLoop(ctx context.Context) {
	ticker := time.NewTicker(peerIdleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.ShutdownDoneChan():
			return
		case <-ticker.C:
		}
		cutoff := time.Now().Add(-peerIdleTimeout)
		d.peersMu.Lock()
		var stale []string
		for key, p := range d.peers {
			if p.lastSeen.Before(cutoff) {
				stale = append(stale, key)
			}
		}
		d.peersMu.Unlock()
		for _, key := range stale {
			d.dropPeer(key)
		}
	}
}
