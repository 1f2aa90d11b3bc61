// Package lifecycle provides the pause/resume/cascade shutdown primitive
// used by every long-lived object in the tunnel: physical sockets, TLS
// sessions, circuit hops, fibers, and the fiber multiplexer itself.
package lifecycle

import (
	"context"
	"sync"

	"github.com/securesocketfunneling/ssf-sub003/internal/sslog"
)

// OnceActivateHandler is called exactly once, with shutdown paused, to
// activate an object. Returning non-nil error aborts activation and begins
// shutdown immediately.
type OnceActivateHandler func() error

// OnceShutdownHandler is implemented by the object managed by a Helper.
type OnceShutdownHandler interface {
	// HandleOnceShutdown is called exactly once, in its own goroutine. It
	// receives an advisory completion error, performs the real shutdown work,
	// and returns the real completion error. Never called while paused.
	HandleOnceShutdown(completionError error) error
}

// AsyncShutdowner is implemented by objects offering asynchronous shutdown.
type AsyncShutdowner interface {
	StartShutdown(completionErr error)
	ShutdownDoneChan() <-chan struct{}
	IsDoneShutdown() bool
	WaitShutdown() error
}

// Helper is an embeddable base that manages clean asynchronous shutdown for
// an object implementing OnceShutdownHandler. Cascading shutdown of child
// objects is driven by AddShutdownChild, satisfying the cancellation
// propagation requirement of the concurrency model: closing a layer N socket
// closes every layer below it.
type Helper struct {
	sslog.Logger

	// Lock is a general fine-grained mutex; embedders may reuse it.
	Lock sync.Mutex

	shutdownHandler OnceShutdownHandler

	shutdownPauseCount int
	isActivated        bool
	isScheduledShutdown bool
	isStartedShutdown   bool
	isDoneShutdown      bool
	shutdownErr         error

	shutdownStartedChan     chan struct{}
	shutdownHandlerDoneChan chan struct{}
	shutdownDoneChan        chan struct{}

	wg sync.WaitGroup
}

// Init initializes a Helper in place.
func (h *Helper) Init(logger sslog.Logger, shutdownHandler OnceShutdownHandler) {
	h.Logger = logger
	h.shutdownHandler = shutdownHandler
	h.shutdownStartedChan = make(chan struct{})
	h.shutdownHandlerDoneChan = make(chan struct{})
	h.shutdownDoneChan = make(chan struct{})
}

func (h *Helper) asyncDoStartedShutdown() {
	h.DLogf("->shutdownStarted")
	close(h.shutdownStartedChan)
	go func() {
		h.shutdownErr = h.shutdownHandler.HandleOnceShutdown(h.shutdownErr)
		h.DLogf("->shutdownHandlerDone")
		close(h.shutdownHandlerDoneChan)
		h.wg.Wait()
		h.isDoneShutdown = true
		h.DLogf("->shutdownDone")
		close(h.shutdownDoneChan)
	}()
}

// PauseShutdown increments the pause count, deferring the actual start of
// shutdown processing. Each call must be paired with ResumeShutdown.
func (h *Helper) PauseShutdown() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if h.isStartedShutdown {
		return h.Errorf("shutdown already started; cannot pause")
	}
	h.shutdownPauseCount++
	return nil
}

// IsActivated returns true if Activate has succeeded.
func (h *Helper) IsActivated() bool { return h.isActivated }

// Activate marks the helper activated. A no-op if already activated; fails
// if shutdown has already begun.
func (h *Helper) Activate() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if !h.isActivated {
		if h.isStartedShutdown {
			return h.Errorf("cannot activate; shutdown already initiated")
		}
		h.isActivated = true
	}
	return nil
}

// DoOnceActivate pauses shutdown, runs onceActivateHandler, and either
// activates the object or begins shutdown with the resulting error.
func (h *Helper) DoOnceActivate(onceActivateHandler OnceActivateHandler, waitOnFail bool) error {
	var err error
	h.Lock.Lock()
	if h.isActivated {
		h.Lock.Unlock()
		return nil
	}
	if h.isStartedShutdown {
		h.Lock.Unlock()
		if waitOnFail {
			err = h.WaitShutdown()
		}
		if err == nil {
			err = h.Errorf("shutdown already started; cannot activate")
		}
		return err
	}
	h.shutdownPauseCount++
	h.Lock.Unlock()

	err = onceActivateHandler()
	if err == nil {
		err = h.Activate()
	}
	if err != nil {
		h.StartShutdown(err)
	}
	h.ResumeShutdown()
	if err != nil && waitOnFail {
		h.WaitShutdown()
	}
	return err
}

// ResumeShutdown decrements the pause count; at zero, shutdown (if
// scheduled) actually begins.
func (h *Helper) ResumeShutdown() {
	h.Lock.Lock()
	if h.shutdownPauseCount < 1 {
		h.Panic("ResumeShutdown before PauseShutdown")
		return
	}
	h.shutdownPauseCount--
	doShutdownNow := h.shutdownPauseCount == 0 && h.isScheduledShutdown && !h.isStartedShutdown
	if doShutdownNow {
		h.isStartedShutdown = true
	}
	h.Lock.Unlock()

	if doShutdownNow {
		h.asyncDoStartedShutdown()
	}
}

// ResumeAndShutdown resumes and immediately performs a synchronous shutdown.
func (h *Helper) ResumeAndShutdown(completionErr error) error {
	h.ResumeShutdown()
	return h.Shutdown(completionErr)
}

// ShutdownOnContext begins shutting down this helper when ctx is done.
func (h *Helper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-h.shutdownStartedChan:
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		}
	}()
}

// IsScheduledShutdown returns true once StartShutdown has been called.
func (h *Helper) IsScheduledShutdown() bool { return h.isScheduledShutdown }

// IsStartedShutdown returns true once shutdown processing has begun.
func (h *Helper) IsStartedShutdown() bool { return h.isStartedShutdown }

// IsDoneShutdown returns true once shutdown is complete.
func (h *Helper) IsDoneShutdown() bool { return h.isDoneShutdown }

// ShutdownWG exposes a WaitGroup embedders can Add() to, deferring shutdown
// completion until the added work calls Done().
func (h *Helper) ShutdownWG() *sync.WaitGroup { return &h.wg }

// ShutdownDoneChan returns a channel closed once shutdown is done.
func (h *Helper) ShutdownDoneChan() <-chan struct{} { return h.shutdownDoneChan }

// ShutdownHandlerDoneChan returns a channel closed after HandleOnceShutdown
// returns, before children are shut down and waited for.
func (h *Helper) ShutdownHandlerDoneChan() <-chan struct{} { return h.shutdownHandlerDoneChan }

// WaitShutdown blocks until shutdown is complete and returns the final status.
func (h *Helper) WaitShutdown() error {
	<-h.shutdownDoneChan
	return h.shutdownErr
}

// Shutdown initiates shutdown if needed, waits for completion, and returns
// the final status.
func (h *Helper) Shutdown(completionError error) error {
	h.StartShutdown(completionError)
	return h.WaitShutdown()
}

// StartShutdown schedules asynchronous shutdown. A no-op if already
// scheduled. If paused, the actual start is deferred until ResumeShutdown
// brings the pause count to zero.
func (h *Helper) StartShutdown(completionErr error) {
	var doShutdownNow bool
	h.Lock.Lock()
	if !h.isScheduledShutdown {
		if h.isStartedShutdown {
			h.Panic("shutdown started before scheduled")
		}
		h.shutdownErr = completionErr
		h.isScheduledShutdown = true
		doShutdownNow = h.shutdownPauseCount == 0
		h.isStartedShutdown = doShutdownNow
	}
	h.Lock.Unlock()

	if doShutdownNow {
		h.asyncDoStartedShutdown()
	}
}

// Close shuts down with a nil advisory status and returns the final status.
func (h *Helper) Close() error {
	h.DLogf("Close()")
	return h.Shutdown(nil)
}

// AddShutdownChildChan waits on an externally-closed channel before this
// helper's shutdown is considered complete.
func (h *Helper) AddShutdownChildChan(childDoneChan <-chan struct{}) {
	h.wg.Add(1)
	go func() {
		<-childDoneChan
		h.wg.Done()
	}()
}

// AddShutdownChild registers a child to be actively shut down (with this
// helper's completion status) once this helper's own HandleOnceShutdown
// returns, propagating cancellation downward through the protocol stack.
func (h *Helper) AddShutdownChild(child AsyncShutdowner) {
	h.wg.Add(1)
	go func() {
		select {
		case <-child.ShutdownDoneChan():
		case <-h.shutdownHandlerDoneChan:
			child.StartShutdown(h.shutdownErr)
			child.WaitShutdown()
		}
		h.wg.Done()
	}()
}
