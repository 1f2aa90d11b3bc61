// Package shell implements the interactive shell/process microservice
// (ssf.services.shell): each inbound fiber spawns the configured binary
// and pipes its stdin/stdout/stderr over the fiber.
package shell

import (
	"context"
	"io"
	"os/exec"
	"strings"

	"github.com/securesocketfunneling/ssf-sub003/internal/lifecycle"
	"github.com/securesocketfunneling/ssf-sub003/internal/sslog"
	"github.com/securesocketfunneling/ssf-sub003/layer/fiber"
)

// Skeleton is the server-side half of the shell microservice: it accepts
// fibers addressed to half and runs one process per fiber.
type Skeleton struct {
	lifecycle.Helper
	logger   sslog.Logger
	mux      *fiber.Multiplexer
	half     fiber.HalfID
	path     string
	args     []string
	acceptor *fiber.Acceptor
}

// NewSkeleton builds a Skeleton spawning path (with args split on
// whitespace) for every fiber opened against half on mux.
func NewSkeleton(logger sslog.Logger, mux *fiber.Multiplexer, half fiber.HalfID, path, args string) *Skeleton {
	s := &Skeleton{
		logger: logger.Fork("shell.Skeleton(%s)", half),
		mux:    mux,
		half:   half,
		path:   path,
		args:   strings.Fields(args),
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
				s.logger.ILogf("shell: accept error, stopping: %s", err)
			}
			return
		}
		f, ok := sock.(*fiber.Fiber)
		if !ok {
			s.logger.WLogf("shell: accepted socket is not a fiber, ignoring")
			sock.Close()
			continue
		}
		go s.serve(ctx, f)
	}
}

// serve runs one process with its stdio bound to the fiber. The process is
// killed when the fiber closes (stdin copy ending cancels the command's
// context), and the fiber closes when the process exits.
func (s *Skeleton) serve(ctx context.Context, f *fiber.Fiber) {
	defer f.Close()

	cmdCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, s.path, s.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.logger.WLogf("shell: stdin pipe: %s", err)
		return
	}
	cmd.Stdout = f
	cmd.Stderr = f

	if err := cmd.Start(); err != nil {
		s.logger.WLogf("shell: start %s: %s", s.path, err)
		return
	}
	s.logger.ILogf("shell: started %s (pid %d)", s.path, cmd.Process.Pid)

	go func() {
		io.Copy(stdin, f)
		stdin.Close()
		cancel()
	}()

	if err := cmd.Wait(); err != nil {
		s.logger.DLogf("shell: %s exited: %s", s.path, err)
	}
}
