// Package tlslayer implements the mutually-authenticated TLS layer: a
// pass-through layer.Socket that wraps an arbitrary Socket from the layer
// below in a TLS session. Its PEM parameters (ca_cert/cert/key) are each
// resolvable from either a filesystem path or an in-memory PEM buffer;
// key_password and cipher_alg are plain strings, and dh is ignored.
package tlslayer

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/securesocketfunneling/ssf-sub003/internal/conn"
	"github.com/securesocketfunneling/ssf-sub003/internal/sserr"
	"github.com/securesocketfunneling/ssf-sub003/internal/sslog"
	"github.com/securesocketfunneling/ssf-sub003/layer"
)

// netConnAdapter satisfies net.Conn over an arbitrary layer.Socket so
// crypto/tls.Client/Server -- which only know how to wrap net.Conn -- can
// sit on top of any layer of this stack (physical, circuit, or even a
// fiber), not just a raw TCP socket. Deadlines are no-ops: most layers below
// TLS (circuit, fiber) have no notion of one, and the timeout model here
// is external cancellation, not per-call deadlines.
type netConnAdapter struct {
	layer.Socket
}

func (a netConnAdapter) LocalAddr() net.Addr  { return endpointAddr{a.Socket.LocalEndpoint()} }
func (a netConnAdapter) RemoteAddr() net.Addr { return endpointAddr{a.Socket.RemoteEndpoint()} }
func (a netConnAdapter) SetDeadline(time.Time) error      { return nil }
func (a netConnAdapter) SetReadDeadline(time.Time) error  { return nil }
func (a netConnAdapter) SetWriteDeadline(time.Time) error { return nil }

type endpointAddr struct{ e layer.Endpoint }

func (a endpointAddr) Network() string { return "ssf" }
func (a endpointAddr) String() string  { return a.e.String() }

// Source tags whether a PEM material came from disk or was handed over
// in-memory.
type Source int

const (
	SourceFile Source = iota
	SourceBuffer
)

// Material is one PEM blob plus its source tag.
type Material struct {
	Source Source
	Value  string // file path if Source==SourceFile, PEM text if SourceBuffer
}

func (m Material) empty() bool { return m.Value == "" }

func (m Material) bytes() ([]byte, error) {
	if m.Source == SourceBuffer {
		return []byte(m.Value), nil
	}
	b, err := os.ReadFile(m.Value)
	if err != nil {
		return nil, fmt.Errorf("tlslayer: read %q: %w", m.Value, err)
	}
	return b, nil
}

// Params is the resolved parameter set for this layer.
type Params struct {
	CACert      Material
	Cert        Material
	Key         Material
	KeyPassword string
	CipherAlg   string // OpenSSL-style cipher restriction string; advisory only, see cipherSuites()
}

// ParamsFromLayerParameters resolves a LayerParameters map into Params,
// recognizing the ca_cert/cert/key/key_password/cipher_alg keys and their
// *_buffer counterparts. dh is accepted but ignored:
// crypto/tls has no explicit DH-parameter knob, Go's TLS stack negotiates
// forward secrecy via ECDHE automatically.
func ParamsFromLayerParameters(params *layer.LayerParameters) (Params, error) {
	var p Params
	var err error
	if p.CACert, err = materialFrom(params, "ca_cert"); err != nil {
		return p, err
	}
	if p.Cert, err = materialFrom(params, "cert"); err != nil {
		return p, err
	}
	if p.Key, err = materialFrom(params, "key"); err != nil {
		return p, err
	}
	p.KeyPassword = params.GetDefault("key_password", "")
	p.CipherAlg = params.GetDefault("cipher_alg", "")
	return p, nil
}

func materialFrom(params *layer.LayerParameters, key string) (Material, error) {
	if v, ok := params.Get(key); ok && v != "" {
		return Material{Source: SourceFile, Value: v}, nil
	}
	if v, ok := params.Get(key + "_buffer"); ok && v != "" {
		return Material{Source: SourceBuffer, Value: v}, nil
	}
	return Material{}, nil
}

// Endpoint wraps the layer-below endpoint; the TLS layer contributes no
// observable address of its own.
type Endpoint struct {
	Below layer.Endpoint
}

func (e *Endpoint) String() string { return e.Below.String() }

// socket is the TLS-wrapped layer.Socket. It never surfaces plaintext
// before the handshake completes -- the *tls.Conn it embeds enforces that
// on its own Read/Write by blocking on Handshake() internally, but both
// Dialer.Dial and Acceptor.Accept additionally run an explicit
// synchronous HandshakeContext() before returning, so the invariant holds even if
// a caller never reads/writes and only inspects state.
type socket struct {
	conn.Basic
	tlsConn *tls.Conn
	below   layer.Socket
}

func (s *socket) Read(p []byte) (int, error) {
	n, err := s.tlsConn.Read(p)
	s.AddBytesRead(n)
	return n, err
}

func (s *socket) Write(p []byte) (int, error) {
	n, err := s.tlsConn.Write(p)
	s.AddBytesWritten(n)
	return n, err
}

func (s *socket) CloseWrite() error {
	// No half-close at this layer: this is a no-op, and the session is only
	// torn down in full, by Close.
	return nil
}

func (s *socket) HandleOnceShutdown(completionErr error) error {
	err := s.tlsConn.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

func (s *socket) WaitForClose() error { return s.WaitShutdown() }

func (s *socket) LocalEndpoint() layer.Endpoint  { return &Endpoint{Below: s.below.LocalEndpoint()} }
func (s *socket) RemoteEndpoint() layer.Endpoint { return &Endpoint{Below: s.below.RemoteEndpoint()} }

func buildTLSConfig(p Params, isServer bool) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	if !p.Cert.empty() && !p.Key.empty() {
		certPEM, err := p.Cert.bytes()
		if err != nil {
			return nil, sserr.Wrap(sserr.KindImportCrtError, err)
		}
		keyPEM, err := p.Key.bytes()
		if err != nil {
			return nil, sserr.Wrap(sserr.KindImportKeyError, err)
		}
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, sserr.Wrap(sserr.KindSetCrtError, fmt.Errorf("tlslayer: parse cert/key pair: %w", err))
		}
		cfg.Certificates = []tls.Certificate{cert}
	} else if isServer {
		return nil, sserr.New(sserr.KindNoCrtError, "tlslayer: server requires cert+key")
	}

	if !p.CACert.empty() {
		caPEM, err := p.CACert.bytes()
		if err != nil {
			return nil, sserr.Wrap(sserr.KindImportCrtError, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, sserr.New(sserr.KindImportCrtError, "tlslayer: no certificates found in ca_cert")
		}
		if isServer {
			cfg.ClientCAs = pool
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			cfg.RootCAs = pool
		}
	}

	if suites := cipherSuites(p.CipherAlg); suites != nil {
		cfg.CipherSuites = suites
	}
	return cfg, nil
}

// cipherSuites maps a handful of common OpenSSL-style cipher-string tokens
// to Go's named suites. Unrecognized tokens are ignored; an unrestricted
// string ("" or "DEFAULT") returns nil, meaning crypto/tls picks its own
// default suite set.
func cipherSuites(alg string) []uint16 {
	switch alg {
	case "", "DEFAULT":
		return nil
	case "HIGH":
		return []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		}
	default:
		return nil
	}
}

// Dialer is the client side of this layer: Dial connects on Below and then
// runs the TLS client handshake, verifying the server certificate against
// CACert.
type Dialer struct {
	logger sslog.Logger
	below  layer.Dialer
	params Params
	server string // ServerName for SNI/verification, used as given (no default)
}

func NewDialer(logger sslog.Logger, below layer.Dialer, params Params, serverName string) *Dialer {
	return &Dialer{logger: logger.Fork("TLSDialer"), below: below, params: params, server: serverName}
}

func (d *Dialer) Dial(ctx context.Context) (layer.Socket, error) {
	belowSock, err := d.below.Dial(ctx)
	if err != nil {
		return nil, err
	}
	cfg, err := buildTLSConfig(d.params, false)
	if err != nil {
		belowSock.Close()
		return nil, err
	}
	cfg.ServerName = d.server

	tc := tls.Client(netConnAdapter{belowSock}, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		belowSock.Close()
		return nil, sserr.Wrap(sserr.KindBrokenPipe, fmt.Errorf("tlslayer: client handshake: %w", err))
	}

	s := &socket{tlsConn: tc, below: belowSock}
	s.Init(d.logger, s, "TLSSocket(client,%s)", belowSock.RemoteEndpoint())
	return s, nil
}

// Acceptor is the server side: Accept accepts on Below and then runs the
// TLS server handshake.
type Acceptor struct {
	logger sslog.Logger
	below  layer.Acceptor
	params Params
}

func NewAcceptor(logger sslog.Logger, below layer.Acceptor, params Params) *Acceptor {
	return &Acceptor{logger: logger.Fork("TLSAcceptor"), below: below, params: params}
}

func (a *Acceptor) Accept(ctx context.Context) (layer.Socket, error) {
	belowSock, err := a.below.Accept(ctx)
	if err != nil {
		return nil, err
	}
	cfg, err := buildTLSConfig(a.params, true)
	if err != nil {
		belowSock.Close()
		return nil, err
	}

	tc := tls.Server(netConnAdapter{belowSock}, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		belowSock.Close()
		return nil, sserr.Wrap(sserr.KindBrokenPipe, fmt.Errorf("tlslayer: server handshake: %w", err))
	}

	s := &socket{tlsConn: tc, below: belowSock}
	s.Init(a.logger, s, "TLSSocket(server,%s)", belowSock.RemoteEndpoint())
	return s, nil
}

func (a *Acceptor) Close() error { return a.below.Close() }
