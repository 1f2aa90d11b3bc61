// Package conn holds the stream abstractions shared by every layer: a
// half-closable ReadWriteCloser with byte counters and async shutdown,
// plus the bidirectional splice primitive used to join two connections
// back to back.
package conn

import (
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/securesocketfunneling/ssf-sub003/internal/lifecycle"
	"github.com/securesocketfunneling/ssf-sub003/internal/sslog"
)

// ReadHalfCloser shuts down the read half of a bidirectional stream.
type ReadHalfCloser interface {
	CloseRead() error
}

// WriteHalfCloser shuts down the write half of a bidirectional stream,
// signaling end-of-stream without affecting the read half. Mirrors
// net.TCPConn.CloseWrite().
type WriteHalfCloser interface {
	CloseWrite() error
}

// Conn is a virtual open bidirectional stream socket: the unit that every
// layer's Accept/Dial produces and that the bridging/splicing primitives
// operate on.
type Conn interface {
	io.ReadWriteCloser
	WriteHalfCloser
	lifecycle.AsyncShutdowner

	WaitForClose() error
	NumBytesRead() int64
	NumBytesWritten() int64
	String() string
}

var lastConnID int32

// AllocConnID allocates a unique Conn ID, for logging purposes only.
func AllocConnID() int32 {
	return atomic.AddInt32(&lastConnID, 1)
}

// Basic is the base common implementation embedded by every Conn.
type Basic struct {
	lifecycle.Helper
	ID              int32
	Strname         string
	numBytesRead    int64
	numBytesWritten int64
}

// Init initializes the Basic portion of a new connection object.
func (c *Basic) Init(logger sslog.Logger, shutdownHandler lifecycle.OnceShutdownHandler, namef string, args ...interface{}) {
	c.ID = AllocConnID()
	c.Strname = fmt.Sprintf("[%d]", c.ID) + fmt.Sprintf(namef, args...)
	c.Helper.Init(logger.Fork("%s", c.Strname), shutdownHandler)
	c.PanicOnError(c.Activate())
}

// NumBytesRead returns the number of bytes read so far.
func (c *Basic) NumBytesRead() int64 { return atomic.LoadInt64(&c.numBytesRead) }

// NumBytesWritten returns the number of bytes written so far.
func (c *Basic) NumBytesWritten() int64 { return atomic.LoadInt64(&c.numBytesWritten) }

// AddBytesRead increments the read counter; used by Read() implementers.
func (c *Basic) AddBytesRead(n int) { atomic.AddInt64(&c.numBytesRead, int64(n)) }

// AddBytesWritten increments the written counter; used by Write() implementers.
func (c *Basic) AddBytesWritten(n int) { atomic.AddInt64(&c.numBytesWritten, int64(n)) }

func (c *Basic) String() string { return c.Strname }

// SocketConn wraps a net.Conn (TCP, UDP, or Unix) as a Conn.
type SocketConn struct {
	Basic
	netConn net.Conn
}

// NewSocketConn wraps an already-established net.Conn.
func NewSocketConn(logger sslog.Logger, netConn net.Conn) (*SocketConn, error) {
	c := &SocketConn{netConn: netConn}
	c.Init(logger, c, "SocketConn(%s)", netConn.RemoteAddr())
	return c, nil
}

// CloseWrite shuts down the write half, if the wrapped net.Conn supports it.
func (c *SocketConn) CloseWrite() error {
	whc, ok := c.netConn.(WriteHalfCloser)
	if !ok {
		c.DLogf("CloseWrite() ignored--not implemented by net.Conn implementer")
		return nil
	}
	if err := whc.CloseWrite(); err != nil {
		return c.Errorf("CloseWrite failed: %s", err)
	}
	return nil
}

// HandleOnceShutdown closes the underlying net.Conn.
func (c *SocketConn) HandleOnceShutdown(completionErr error) error {
	err := c.netConn.Close()
	if err != nil {
		err = fmt.Errorf("%s: %s", c.Logger.Prefix(), err)
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// WaitForClose blocks until Close() has completed.
func (c *SocketConn) WaitForClose() error { return c.WaitShutdown() }

func (c *SocketConn) Read(p []byte) (int, error) {
	n, err := c.netConn.Read(p)
	c.AddBytesRead(n)
	return n, err
}

func (c *SocketConn) Write(p []byte) (int, error) {
	n, err := c.netConn.Write(p)
	c.AddBytesWritten(n)
	return n, err
}

var lastBridgeNum int64

// Bridge splices two Conns together, copying bidirectionally until both
// directions reach end-of-stream. CloseWrite is called on each side's
// destination as its inbound copy finishes (half-close), and both Conns are
// fully Closed before return.
func Bridge(logger sslog.Logger, left, right Conn) (leftToRight int64, rightToLeft int64, err error) {
	bridgeNum := atomic.AddInt64(&lastBridgeNum, 1)
	logger = logger.Fork("bridge#%d (%s<->%s)", bridgeNum, left, right)

	type result struct {
		n   int64
		err error
	}
	leftDone := make(chan result, 1)
	rightDone := make(chan result, 1)

	go func() {
		n, cerr := io.Copy(right, left)
		right.CloseWrite()
		leftDone <- result{n, cerr}
	}()
	go func() {
		n, cerr := io.Copy(left, right)
		left.CloseWrite()
		rightDone <- result{n, cerr}
	}()

	lr := <-leftDone
	rl := <-rightDone
	right.Close()
	left.Close()

	err = lr.err
	if err == nil {
		err = rl.err
	}
	logger.DLogf("done: left->right=%d right->left=%d err=%v", lr.n, rl.n, err)
	return lr.n, rl.n, err
}
