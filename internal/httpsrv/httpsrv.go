// Package httpsrv implements the server's optional embedded HTTP status
// endpoint, exposed alongside the tunnel listener for health checks and
// live link statistics. Requests are logged through jpillora/requestlog
// when debug logging is enabled; byte counters are formatted with
// jpillora/sizestr.
package httpsrv

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/jpillora/requestlog"
	"github.com/jpillora/sizestr"

	"github.com/securesocketfunneling/ssf-sub003/internal/lifecycle"
	"github.com/securesocketfunneling/ssf-sub003/internal/sslog"
)

// MultiplexerStatus is the minimal read-only view this package needs of a
// live fiber.Multiplexer, kept as an interface so httpsrv does not import
// layer/fiber and create a dependency cycle with any future consumer of
// both.
type MultiplexerStatus interface {
	LiveFiberCount() int
	LinkBytes() (read, written int64)
}

// Server is a lifecycle-managed HTTP status/health endpoint, started
// alongside the tunnel listener on the server side.
type Server struct {
	lifecycle.Helper
	logger   sslog.Logger
	httpSrv  http.Server
	listener net.Listener
	status   MultiplexerStatus
}

// NewServer builds a status Server reporting on mux's current state.
func NewServer(logger sslog.Logger, mux MultiplexerStatus) *Server {
	s := &Server{logger: logger.Fork("httpsrv.Server"), status: mux}
	s.Init(s.logger, s)
	return s
}

func (s *Server) HandleOnceShutdown(completionErr error) error {
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && completionErr == nil {
			completionErr = err
		}
	}
	return completionErr
}

type statusResponse struct {
	LiveFibers   int    `json:"live_fibers"`
	BytesRead    int64  `json:"bytes_read"`
	BytesWritten int64  `json:"bytes_written"`
	HumanRead    string `json:"human_bytes_read"`
	HumanWritten string `json:"human_bytes_written"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	read, written := s.status.LinkBytes()
	resp := statusResponse{
		LiveFibers:   s.status.LiveFiberCount(),
		BytesRead:    read,
		BytesWritten: written,
		HumanRead:    sizestr.ToString(read),
		HumanWritten: sizestr.ToString(written),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// ListenAndServe starts the status endpoint on addr ("host:port"); it
// returns as soon as the listener is open, and the server keeps serving in
// the background until ctx is cancelled or Close is called.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	return s.DoOnceActivate(func() error {
		s.ShutdownOnContext(ctx)

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		s.listener = ln

		mux := http.NewServeMux()
		mux.HandleFunc("/status", s.handleStatus)
		var handler http.Handler = mux
		if s.logger.GetLogLevel() >= sslog.LogLevelDebug {
			handler = requestlog.Wrap(handler)
		}
		s.httpSrv.Handler = handler

		go func() {
			s.Shutdown(s.httpSrv.Serve(ln))
		}()
		return nil
	}, true)
}
