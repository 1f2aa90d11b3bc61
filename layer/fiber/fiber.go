// Package fiber implements the fiber multiplexer: one reliable
// byte-stream link carries many independent bidirectional flows ("fibers")
// addressed by (protocol, port) pairs. Outbound frames pass through a
// congestion-gated FIFO queue drained by a single in-flight send loop; a
// single reader goroutine demultiplexes inbound frames into per-fiber
// queues. The queue mutex is plain and non-reentrant -- completion
// handlers run on the send loop's goroutine (or their own, for a rejected
// send), never on the caller's stack and never under the lock. Fibers move Connecting->Established->HalfClosed->Closed and
// implement layer.Socket so they compose with the rest of the stack.
package fiber

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/securesocketfunneling/ssf-sub003/internal/conn"
	"github.com/securesocketfunneling/ssf-sub003/internal/lifecycle"
	"github.com/securesocketfunneling/ssf-sub003/internal/sserr"
	"github.com/securesocketfunneling/ssf-sub003/internal/sslog"
	"github.com/securesocketfunneling/ssf-sub003/layer"
)

// Protocol identifiers used by this build's microservices to address a
// HalfID's protocol component. Owned here rather than by the
// svc packages, since they are part of the wire addressing domain, not
// service-specific business logic.
const (
	ProtocolStreamForward uint8 = iota + 1
	ProtocolDatagramForward
	ProtocolSocks
	ProtocolShell
	ProtocolCopy
)

// HalfID is one side of a fiber endpoint: a (protocol, port) pair.
type HalfID struct {
	Protocol uint8
	Port     uint16
}

func (h HalfID) String() string { return fmt.Sprintf("%d:%d", h.Protocol, h.Port) }

// FullID is a fiber's global identifier: the local half paired with the
// remote half, always recorded from one particular peer's own point of
// view. FullIds are symmetric under role swap: each peer
// stores the same logical fiber under its own (Local, Remote) ordering.
type FullID struct {
	Local  HalfID
	Remote HalfID
}

func (f FullID) String() string { return fmt.Sprintf("%s<->%s", f.Local, f.Remote) }

// Swapped returns f as seen by the peer on the other end: what was Local
// becomes Remote and vice versa. Used to translate a frame's
// sender-perspective FullID into this multiplexer's own routing-table key.
func (f FullID) Swapped() FullID { return FullID{Local: f.Remote, Remote: f.Local} }

// Less orders FullIDs lexicographically. Go maps don't need it, but
// deterministic logging/iteration does.
func (f FullID) Less(o FullID) bool {
	if f.Local.Protocol != o.Local.Protocol {
		return f.Local.Protocol < o.Local.Protocol
	}
	if f.Local.Port != o.Local.Port {
		return f.Local.Port < o.Local.Port
	}
	if f.Remote.Protocol != o.Remote.Protocol {
		return f.Remote.Protocol < o.Remote.Protocol
	}
	return f.Remote.Port < o.Remote.Port
}

// frameKind is the control/data discriminator carried in every frame's
// header. Open and close travel as control frames on the link itself,
// under the same framing as data.
type frameKind uint8

const (
	kindOpen frameKind = iota
	kindOpenAck
	kindData
	kindClose
)

// Frame layout on the link: a fixed-size header (kind byte +
// FullID (6B: 1B proto + 2B port, twice) + a uint16 payload length) followed
// by exactly that many payload bytes. No footer: the link is a reliable
// TCP/TLS/circuit byte pipe, which already guarantees integrity, so no
// trailing checksum is needed.
const headerSize = 1 + 3 + 3 + 2
const maxFrameLength = 65000

func encodeHalfID(buf []byte, h HalfID) {
	buf[0] = h.Protocol
	binary.BigEndian.PutUint16(buf[1:3], h.Port)
}

func decodeHalfID(buf []byte) HalfID {
	return HalfID{Protocol: buf[0], Port: binary.BigEndian.Uint16(buf[1:3])}
}

func writeFrame(w io.Writer, kind frameKind, full FullID, payload []byte) error {
	if len(payload) > maxFrameLength {
		return sserr.New(sserr.KindMessageTooLong, "fiber: payload exceeds link MTU")
	}
	hdr := make([]byte, headerSize)
	hdr[0] = byte(kind)
	encodeHalfID(hdr[1:4], full.Local)
	encodeHalfID(hdr[4:7], full.Remote)
	binary.BigEndian.PutUint16(hdr[7:9], uint16(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("fiber: write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("fiber: write frame payload: %w", err)
		}
	}
	return nil
}

func readFrame(r io.Reader) (frameKind, FullID, []byte, error) {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, FullID{}, nil, err
	}
	kind := frameKind(hdr[0])
	full := FullID{Local: decodeHalfID(hdr[1:4]), Remote: decodeHalfID(hdr[4:7])}
	length := binary.BigEndian.Uint16(hdr[7:9])
	var payload []byte
	if length > 0 {
		payload = make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, FullID{}, nil, err
		}
	}
	return kind, full, payload, nil
}

// CongestionPolicy gates how many datagrams may sit in the outbound queue
// at once; it is consulted under the queue lock before every enqueue.
type CongestionPolicy interface {
	IsAddable(queueDepth int, payloadLen int) bool
}

// MaxQueueDepth is the simplest CongestionPolicy: reject once the queue
// holds this many pending sends.
type MaxQueueDepth int

func (m MaxQueueDepth) IsAddable(queueDepth int, _ int) bool { return queueDepth < int(m) }

// DefaultCongestionPolicy is a generous fixed backlog, applied when the
// caller supplies no explicit tuning.
var DefaultCongestionPolicy CongestionPolicy = MaxQueueDepth(4096)

type pendingSend struct {
	kind    frameKind
	full    FullID
	payload []byte
	handler func(error)
}

// Multiplexer owns the single link Conn and demultiplexes it into fibers
//. The link is owned solely by the Multiplexer: no other
// component reads or writes it directly.
type Multiplexer struct {
	lifecycle.Helper
	logger     sslog.Logger
	link       conn.Conn
	congestion CongestionPolicy

	mu      sync.Mutex // guards queue/popping/ready; never held across a callback invocation
	queue   []pendingSend
	popping bool
	ready   bool

	fibersMu sync.Mutex
	fibers   map[FullID]*Fiber

	acceptorsMu sync.Mutex
	acceptors   map[HalfID]*Acceptor
}

// NewMultiplexer wraps link (already established: the physical/TLS/circuit
// stack underneath) as a fiber multiplexer and starts its single inbound
// reader task.
func NewMultiplexer(logger sslog.Logger, link conn.Conn, congestion CongestionPolicy) *Multiplexer {
	if congestion == nil {
		congestion = DefaultCongestionPolicy
	}
	m := &Multiplexer{
		logger:     logger.Fork("Multiplexer(%s)", link),
		link:       link,
		congestion: congestion,
		ready:      true,
		fibers:     map[FullID]*Fiber{},
		acceptors:  map[HalfID]*Acceptor{},
	}
	m.Helper.Init(m.logger, m)
	m.PanicOnError(m.Activate())
	go m.readLoop()
	return m
}

// HandleOnceShutdown stops the send loop, closes the link, and fails every
// live fiber with operation_canceled, propagating cancellation downward
// through the stack.
func (m *Multiplexer) HandleOnceShutdown(completionErr error) error {
	m.Stop()
	err := m.link.Close()

	m.fibersMu.Lock()
	fibers := make([]*Fiber, 0, len(m.fibers))
	for _, f := range m.fibers {
		fibers = append(fibers, f)
	}
	m.fibersMu.Unlock()
	for _, f := range fibers {
		f.fail(sserr.New(sserr.KindOperationCanceled, "fiber: multiplexer shut down"))
	}

	m.acceptorsMu.Lock()
	for half, a := range m.acceptors {
		close(a.accept)
		delete(m.acceptors, half)
	}
	m.acceptorsMu.Unlock()

	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// LiveFiberCount reports how many fibers are currently registered in the
// routing table, for status/health reporting (internal/httpsrv).
func (m *Multiplexer) LiveFiberCount() int {
	m.fibersMu.Lock()
	defer m.fibersMu.Unlock()
	return len(m.fibers)
}

// LinkBytes reports the cumulative bytes read/written on the underlying
// link, for status/health reporting (internal/httpsrv).
func (m *Multiplexer) LinkBytes() (read, written int64) {
	return m.link.NumBytesRead(), m.link.NumBytesWritten()
}

// Stop marks the multiplexer not-ready: every subsequent Send fails
// synchronously. Idempotent.
func (m *Multiplexer) Stop() {
	m.mu.Lock()
	m.ready = false
	m.mu.Unlock()
}

// send enqueues one frame for transmission: congestion check under the
// lock, drop-with-async-handler on rejection, start the pop loop if
// nothing is currently in flight.
func (m *Multiplexer) send(kind frameKind, full FullID, payload []byte, handler func(error)) {
	m.mu.Lock()
	if !m.ready {
		m.mu.Unlock()
		handler(sserr.New(sserr.KindNotConnected, "fiber: multiplexer is not ready"))
		return
	}
	if !m.congestion.IsAddable(len(m.queue), len(payload)) {
		m.mu.Unlock()
		go handler(sserr.New(sserr.KindNoBufferSpace, "fiber: send queue full"))
		return
	}
	m.queue = append(m.queue, pendingSend{kind: kind, full: full, payload: payload, handler: handler})
	startPop := !m.popping
	if startPop {
		m.popping = true
	}
	m.mu.Unlock()

	if startPop {
		go m.popLoop()
	}
}

// sendSync is the synchronous convenience wrapper Fiber.Write/Close use.
func (m *Multiplexer) sendSync(kind frameKind, full FullID, payload []byte) error {
	done := make(chan error, 1)
	m.send(kind, full, payload, func(err error) { done <- err })
	return <-done
}

// popLoop drains the pending queue one frame at a time onto the link,
// preserving frame boundaries (at most one send in flight) and invoking
// completion handlers in enqueue order on this loop's goroutine, always
// after the lock is released so it is never held across a user callback.
func (m *Multiplexer) popLoop() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.popping = false
			m.mu.Unlock()
			return
		}
		item := m.queue[0]
		m.mu.Unlock()

		err := writeFrame(m.link, item.kind, item.full, item.payload)

		m.mu.Lock()
		m.queue = m.queue[1:]
		if err != nil {
			// The link is dead: fail everything still queued behind the
			// broken write, or their senders would block forever waiting
			// on handlers that never fire.
			m.ready = false
			m.popping = false
			abandoned := m.queue
			m.queue = nil
			m.mu.Unlock()

			item.handler(err)
			for _, pending := range abandoned {
				pending.handler(sserr.New(sserr.KindNotConnected, "fiber: link write failed"))
			}
			return
		}
		m.mu.Unlock()

		item.handler(err)
	}
}

// readLoop is the multiplexer's single reader task: one frame at a time,
// dispatched by kind.
func (m *Multiplexer) readLoop() {
	for {
		kind, full, payload, err := readFrame(m.link)
		if err != nil {
			m.StartShutdown(fmt.Errorf("fiber: link read failed: %w", err))
			return
		}
		switch kind {
		case kindOpen:
			m.handleOpen(full)
		case kindOpenAck:
			m.handleOpenAck(full)
		case kindData:
			m.handleData(full, payload)
		case kindClose:
			m.handleClose(full)
		}
	}
}

func (m *Multiplexer) handleOpen(full FullID) {
	destHalf := full.Remote
	localFull := full.Swapped()

	m.acceptorsMu.Lock()
	acc, ok := m.acceptors[destHalf]
	m.acceptorsMu.Unlock()
	if !ok {
		m.send(kindClose, FullID{Local: destHalf, Remote: full.Local}, nil, func(error) {})
		return
	}

	m.fibersMu.Lock()
	if _, exists := m.fibers[localFull]; exists {
		m.fibersMu.Unlock()
		m.send(kindClose, FullID{Local: destHalf, Remote: full.Local}, nil, func(error) {})
		return
	}
	f := newFiber(m, localFull, stateEstablished)
	m.fibers[localFull] = f
	m.fibersMu.Unlock()

	// Ack only once the fiber has a slot in the acceptor's backlog; a full
	// (or concurrently closed) backlog rejects the open with a close frame
	// so the opener fails cleanly instead of hanging on an
	// established-but-orphaned fiber. The non-blocking send happens under
	// acceptorsMu so it cannot race Acceptor.Close closing the channel.
	queued := false
	m.acceptorsMu.Lock()
	if cur, ok := m.acceptors[destHalf]; ok && cur == acc {
		select {
		case acc.accept <- f:
			queued = true
		default:
		}
	}
	m.acceptorsMu.Unlock()

	if queued {
		m.send(kindOpenAck, localFull, nil, func(error) {})
		return
	}
	m.fibersMu.Lock()
	delete(m.fibers, localFull)
	m.fibersMu.Unlock()
	m.send(kindClose, localFull, nil, func(error) {})
}

func (m *Multiplexer) handleOpenAck(full FullID) {
	localFull := full.Swapped()
	m.fibersMu.Lock()
	f, ok := m.fibers[localFull]
	m.fibersMu.Unlock()
	if !ok {
		return
	}
	f.mu.Lock()
	if f.state == stateConnecting {
		f.state = stateEstablished
	}
	f.mu.Unlock()
	f.signalEstablished(nil)
}

func (m *Multiplexer) handleData(full FullID, payload []byte) {
	localFull := full.Swapped()
	m.fibersMu.Lock()
	f, ok := m.fibers[localFull]
	m.fibersMu.Unlock()
	if !ok {
		return
	}
	select {
	case f.inbound <- payload:
	case <-f.doneCh:
	}
}

func (m *Multiplexer) handleClose(full FullID) {
	localFull := full.Swapped()
	m.fibersMu.Lock()
	f, ok := m.fibers[localFull]
	m.fibersMu.Unlock()
	if !ok {
		return
	}

	f.mu.Lock()
	connecting := f.state == stateConnecting
	f.mu.Unlock()
	if connecting {
		m.fibersMu.Lock()
		delete(m.fibers, localFull)
		m.fibersMu.Unlock()
		f.signalEstablished(sserr.New(sserr.KindConnectionRefused, "fiber: no acceptor listening on "+localFull.Remote.String()))
		return
	}

	f.markRemoteClosed()
}

// allocateLocal scans ports 1..65535 under protocol for the first not
// currently paired with remote.
func (m *Multiplexer) allocateLocal(protocol uint8, remote HalfID) (FullID, error) {
	m.fibersMu.Lock()
	defer m.fibersMu.Unlock()
	for port := 1; port <= 65535; port++ {
		full := FullID{Local: HalfID{Protocol: protocol, Port: uint16(port)}, Remote: remote}
		if _, exists := m.fibers[full]; !exists {
			return full, nil
		}
	}
	return FullID{}, sserr.New(sserr.KindNoBufferSpace, "fiber: no local port available")
}

// Connect opens a fiber to remote: allocates a local HalfID,
// sends an open control frame, and completes when the peer's open-ack (or
// a rejecting close, yielding connection_refused) arrives.
func (m *Multiplexer) Connect(ctx context.Context, protocol uint8, remote HalfID) (*Fiber, error) {
	full, err := m.allocateLocal(protocol, remote)
	if err != nil {
		return nil, err
	}

	f := newFiber(m, full, stateConnecting)
	m.fibersMu.Lock()
	m.fibers[full] = f
	m.fibersMu.Unlock()

	if err := m.sendSync(kindOpen, full, nil); err != nil {
		m.fibersMu.Lock()
		delete(m.fibers, full)
		m.fibersMu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		m.fibersMu.Lock()
		delete(m.fibers, full)
		m.fibersMu.Unlock()
		return nil, ctx.Err()
	case <-f.establishedCh:
		if f.connectErr != nil {
			return nil, f.connectErr
		}
		return f, nil
	}
}

// Listen registers an Acceptor for half; Accept on it yields fibers opened
// against that HalfID by peers.
func (m *Multiplexer) Listen(half HalfID) (*Acceptor, error) {
	m.acceptorsMu.Lock()
	defer m.acceptorsMu.Unlock()
	if _, exists := m.acceptors[half]; exists {
		return nil, fmt.Errorf("fiber: %s is already listening", half)
	}
	a := &Acceptor{m: m, half: half, accept: make(chan *Fiber, 64)}
	m.acceptors[half] = a
	return a, nil
}

// Acceptor is a fiber listener bound to one local HalfID.
type Acceptor struct {
	m      *Multiplexer
	half   HalfID
	accept chan *Fiber
}

func (a *Acceptor) Accept(ctx context.Context) (layer.Socket, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case f, ok := <-a.accept:
		if !ok {
			return nil, sserr.New(sserr.KindOperationCanceled, "fiber: acceptor closed")
		}
		return f, nil
	}
}

func (a *Acceptor) Close() error {
	a.m.acceptorsMu.Lock()
	if _, ok := a.m.acceptors[a.half]; ok {
		delete(a.m.acceptors, a.half)
		close(a.accept)
	}
	a.m.acceptorsMu.Unlock()
	return nil
}

type fiberState int

const (
	stateConnecting fiberState = iota
	stateEstablished
	stateHalfClosed
	stateClosed
)

// Fiber is one logical bidirectional stream inside the multiplexer. It
// implements layer.Socket so the fiber layer composes with the rest of the
// protocol stack exactly like physical/TLS/circuit do.
type Fiber struct {
	m    *Multiplexer
	full FullID

	mu               sync.Mutex
	state            fiberState
	localClosed      bool
	remoteClosed     bool
	remoteClosedChan chan struct{}
	establishOnce    sync.Once

	inbound  chan []byte
	leftover []byte

	establishedCh chan struct{}
	connectErr    error

	doneCh chan struct{}
}

func newFiber(m *Multiplexer, full FullID, state fiberState) *Fiber {
	f := &Fiber{
		m:             m,
		full:          full,
		state:         state,
		inbound:       make(chan []byte, 256),
		establishedCh: make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	if state == stateEstablished {
		f.signalEstablished(nil)
	}
	return f
}

func (f *Fiber) signalEstablished(err error) {
	f.establishOnce.Do(func() {
		f.connectErr = err
		close(f.establishedCh)
	})
}

// FullID reports this fiber's (local, remote) address pair.
func (f *Fiber) FullID() FullID { return f.full }

func (f *Fiber) Read(p []byte) (int, error) {
	if len(f.leftover) > 0 {
		n := copy(p, f.leftover)
		f.leftover = f.leftover[n:]
		return n, nil
	}
	select {
	case data, ok := <-f.inbound:
		if !ok {
			return 0, io.EOF
		}
		n := copy(p, data)
		if n < len(data) {
			f.leftover = data[n:]
		}
		return n, nil
	case <-f.remoteClosedSignal():
		select {
		case data := <-f.inbound:
			n := copy(p, data)
			if n < len(data) {
				f.leftover = data[n:]
			}
			return n, nil
		default:
			return 0, io.EOF
		}
	}
}

// remoteClosedSignal lazily exposes doneCh-like semantics for the
// remote-close case without ever closing the inbound data channel itself
// (closing it would race with a concurrent handleData delivery).
func (f *Fiber) remoteClosedSignal() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteClosedCh()
}

func (f *Fiber) remoteClosedCh() chan struct{} {
	if f.remoteClosedChan == nil {
		f.remoteClosedChan = make(chan struct{})
		if f.remoteClosed {
			close(f.remoteClosedChan)
		}
	}
	return f.remoteClosedChan
}

const maxFiberPayload = maxFrameLength

func (f *Fiber) Write(p []byte) (int, error) {
	f.mu.Lock()
	closed := f.localClosed
	f.mu.Unlock()
	if closed {
		return 0, sserr.New(sserr.KindBrokenPipe, "fiber: write after close")
	}

	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxFiberPayload {
			chunk = chunk[:maxFiberPayload]
		}
		if err := f.m.sendSync(kindData, f.full, chunk); err != nil {
			return total, err
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

// CloseWrite has no dedicated half-close frame in this framing (a single
// Close frame tears down the whole fiber); treated as a no-op, matching
// this module's other Conn implementations with no lower half-close
// primitive (e.g. the UDP physical layer's peer socket).
func (f *Fiber) CloseWrite() error { return nil }

func (f *Fiber) Close() error {
	f.mu.Lock()
	if f.localClosed {
		f.mu.Unlock()
		return nil
	}
	f.localClosed = true
	remoteClosed := f.remoteClosed
	f.mu.Unlock()

	f.m.send(kindClose, f.full, nil, func(error) {})

	if remoteClosed {
		f.finalize()
	} else {
		f.mu.Lock()
		if f.state == stateEstablished {
			f.state = stateHalfClosed
		}
		f.mu.Unlock()
	}
	return nil
}

func (f *Fiber) markRemoteClosed() {
	f.mu.Lock()
	if f.remoteClosed {
		f.mu.Unlock()
		return
	}
	f.remoteClosed = true
	ch := f.remoteClosedCh()
	localClosed := f.localClosed
	if f.state == stateEstablished {
		f.state = stateHalfClosed
	}
	f.mu.Unlock()
	close(ch)

	if localClosed {
		f.finalize()
	}
}

func (f *Fiber) finalize() {
	f.mu.Lock()
	if f.state == stateClosed {
		f.mu.Unlock()
		return
	}
	f.state = stateClosed
	f.mu.Unlock()

	f.m.fibersMu.Lock()
	delete(f.m.fibers, f.full)
	f.m.fibersMu.Unlock()
	close(f.doneCh)
}

// fail aborts a fiber immediately with err, used when the multiplexer
// itself shuts down.
func (f *Fiber) fail(err error) {
	f.signalEstablished(err)
	f.markRemoteClosed()
	f.mu.Lock()
	f.localClosed = true
	f.mu.Unlock()
	f.finalize()
}

// Endpoint is a fiber's (protocol, port) address as a layer.Endpoint.
type Endpoint struct {
	Half HalfID
}

func (e *Endpoint) String() string { return e.Half.String() }

func (f *Fiber) LocalEndpoint() layer.Endpoint  { return &Endpoint{Half: f.full.Local} }
func (f *Fiber) RemoteEndpoint() layer.Endpoint { return &Endpoint{Half: f.full.Remote} }
