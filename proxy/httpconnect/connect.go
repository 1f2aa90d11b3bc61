package httpconnect

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
)

// Config describes one HTTP CONNECT proxy hop.
type Config struct {
	// Creds, if non-nil, enables Basic/Digest in the strategy ordering as
	// the proxy challenges for them.
	Creds    *Credentials
	Platform PlatformAuthImpl
	// Redial re-opens the proxy connection when the proxy closed the
	// previous one (Connection: close on a challenge response). Nil
	// disables re-opening; a challenge on a closed connection then fails.
	Redial func() (net.Conn, error)
}

// driverState tags the CONNECT state machine's position: dial/redial,
// exchange one request/response, or stop.
type driverState int

const (
	stateConnect driverState = iota
	stateProcessing
	stateSuccess
	stateError
)

const maxAuthRounds = 4

// driver holds the mutable state threaded through the CONNECT rounds.
type driver struct {
	conn       net.Conn
	br         *bufio.Reader
	target     string
	cfg        Config
	strategies []AuthStrategy
	active     AuthStrategy
	needRedial bool
	rounds     int
	err        error
}

// Connect drives the HTTP CONNECT handshake against conn (already dialed
// to the proxy) to reach target "host:port", trying each configured
// AuthStrategy in turn as the proxy challenges for one. On success the
// returned net.Conn (conn itself, or its Redial replacement) is ready to
// carry the tunneled protocol.
func Connect(conn net.Conn, target string, cfg Config) (net.Conn, error) {
	d := &driver{
		conn:       conn,
		br:         bufio.NewReader(conn),
		target:     target,
		cfg:        cfg,
		strategies: buildStrategies(cfg),
	}
	state := stateConnect
	for {
		switch state {
		case stateConnect:
			state = d.stepConnect()
		case stateProcessing:
			state = d.stepProcessing()
		case stateSuccess:
			return d.conn, nil
		case stateError:
			return nil, d.err
		}
	}
}

// stepConnect re-opens the proxy connection if the previous response shut
// it down, then hands off to the request/response exchange.
func (d *driver) stepConnect() driverState {
	if !d.needRedial {
		return stateProcessing
	}
	if d.cfg.Redial == nil {
		d.err = fmt.Errorf("httpconnect: proxy closed the connection mid-authentication")
		return stateError
	}
	d.conn.Close()
	conn, err := d.cfg.Redial()
	if err != nil {
		d.err = fmt.Errorf("httpconnect: redial proxy: %w", err)
		return stateError
	}
	d.conn = conn
	d.br = bufio.NewReader(conn)
	d.needRedial = false
	return stateProcessing
}

// stepProcessing performs one CONNECT round trip and decides the next
// state from the response.
func (d *driver) stepProcessing() driverState {
	if d.rounds >= maxAuthRounds {
		d.err = fmt.Errorf("httpconnect: too many authentication round trips")
		return stateError
	}
	d.rounds++

	req, err := http.NewRequest(http.MethodConnect, "http://"+d.target, nil)
	if err != nil {
		d.err = fmt.Errorf("httpconnect: build request: %w", err)
		return stateError
	}
	req.Host = d.target
	req.Header.Set("User-Agent", "ssf")
	req.Header.Set("Connection", "keep-alive")
	if d.active != nil {
		d.active.PopulateRequest(req)
	}

	if err := req.Write(d.conn); err != nil {
		d.err = fmt.Errorf("httpconnect: write request: %w", err)
		return stateError
	}

	resp, err := http.ReadResponse(d.br, req)
	if err != nil {
		d.err = fmt.Errorf("httpconnect: read response: %w", err)
		return stateError
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return stateSuccess
	}
	if resp.StatusCode != http.StatusProxyAuthRequired && resp.StatusCode != http.StatusUnauthorized {
		d.err = fmt.Errorf("httpconnect: proxy refused CONNECT to %s: %s", d.target, resp.Status)
		return stateError
	}

	d.needRedial = resp.Close
	if d.active != nil {
		d.active.ProcessResponse(resp)
		if d.active.Status() == StatusAuthFailure {
			d.active = nil
		}
	}
	if d.active == nil {
		d.active = selectStrategy(d.strategies, resp)
		if d.active == nil {
			d.err = fmt.Errorf("httpconnect: proxy requires authentication we cannot satisfy")
			return stateError
		}
		d.active.ProcessResponse(resp)
	}
	return stateConnect
}

// buildStrategies returns the ordered strategy list -- Negotiate, NTLM,
// Digest, Basic -- omitting Basic/Digest entirely when no credentials were
// configured.
func buildStrategies(cfg Config) []AuthStrategy {
	var out []AuthStrategy
	out = append(out, NewNegotiateStrategy(cfg.Platform), NewNTLMStrategy(cfg.Platform))
	if cfg.Creds != nil {
		out = append(out, NewDigestStrategy(*cfg.Creds), NewBasicStrategy(*cfg.Creds))
	}
	return out
}

func selectStrategy(strategies []AuthStrategy, resp *http.Response) AuthStrategy {
	for _, s := range strategies {
		if s.Support(resp) {
			return s
		}
	}
	return nil
}
