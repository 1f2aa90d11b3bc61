package node

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/securesocketfunneling/ssf-sub003/internal/sslog"
	"github.com/securesocketfunneling/ssf-sub003/layer/circuit"
	"github.com/securesocketfunneling/ssf-sub003/layer/fiber"
	"github.com/securesocketfunneling/ssf-sub003/layer/tlslayer"
	"github.com/securesocketfunneling/ssf-sub003/svc/portforward"
)

// genCert issues a minimal self-signed CA-style certificate usable for
// both client and server.
func genCert(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "ssf-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

func testTLSParams(t *testing.T) tlslayer.Params {
	certPEM, keyPEM := genCert(t)
	return tlslayer.Params{
		CACert: tlslayer.Material{Source: tlslayer.SourceBuffer, Value: string(certPEM)},
		Cert:   tlslayer.Material{Source: tlslayer.SourceBuffer, Value: string(certPEM)},
		Key:    tlslayer.Material{Source: tlslayer.SourceBuffer, Value: string(keyPEM)},
	}
}

// startEchoTCP runs a one-connection-at-a-time TCP echo service.
func startEchoTCP(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(c)
		}
	}()
	return ln.Addr().(*net.TCPAddr)
}

func writeCircuitFile(path, hop string) error {
	return os.WriteFile(path, []byte(hop+"\n"), 0o600)
}

// TestTunnelEndToEnd drives the whole stack: TCP, TLS with mutual auth,
// circuit terminal hop, fiber multiplex, and the server-side stream
// forwarder dialing a local echo service.
func TestTunnelEndToEnd(t *testing.T) {
	logger := sslog.New("test", sslog.LogLevelInfo)
	params := testTLSParams(t)
	echoAddr := startEchoTCP(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const fiberPort = 7000
	server := NewServer(logger, ServerConfig{
		Addr: "127.0.0.1",
		Port: 0,
		TLS:  params,
		StreamTargets: map[uint16]portforward.Target{
			fiberPort: {Network: "tcp", Host: "127.0.0.1", Port: uint16(echoAddr.Port)},
		},
	})
	require.NoError(t, server.Start(ctx))
	defer server.Close()

	client := NewClient(logger, ClientConfig{
		Server: circuit.Hop{Host: "127.0.0.1", Port: server.Endpoint().Port},
		TLS:    params,
	})
	mux, err := client.connect(ctx)
	require.NoError(t, err)
	defer mux.Close()

	fib, err := mux.Connect(ctx, fiber.ProtocolStreamForward,
		fiber.HalfID{Protocol: fiber.ProtocolStreamForward, Port: fiberPort})
	require.NoError(t, err)
	defer fib.Close()

	_, err = fib.Write([]byte("PING\n"))
	require.NoError(t, err)
	reply := make([]byte, 5)
	_, err = io.ReadFull(fib, reply)
	require.NoError(t, err)
	require.Equal(t, "PING\n", string(reply))
}

// TestDatagramEndToEnd checks the UDP path: one fiber frame in, one UDP
// datagram to the echo target, one frame back.
func TestDatagramEndToEnd(t *testing.T) {
	logger := sslog.New("test", sslog.LogLevelInfo)
	params := testTLSParams(t)

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()
	go func() {
		buf := make([]byte, 65535)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			pc.WriteTo(buf[:n], addr)
		}
	}()
	echoPort := pc.LocalAddr().(*net.UDPAddr).Port

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const fiberPort = 7001
	server := NewServer(logger, ServerConfig{
		Addr: "127.0.0.1",
		Port: 0,
		TLS:  params,
		DatagramTargets: map[uint16]portforward.Target{
			fiberPort: {Network: "udp", Host: "127.0.0.1", Port: uint16(echoPort)},
		},
	})
	require.NoError(t, server.Start(ctx))
	defer server.Close()

	client := NewClient(logger, ClientConfig{
		Server: circuit.Hop{Host: "127.0.0.1", Port: server.Endpoint().Port},
		TLS:    params,
	})
	mux, err := client.connect(ctx)
	require.NoError(t, err)
	defer mux.Close()

	fib, err := mux.Connect(ctx, fiber.ProtocolDatagramForward,
		fiber.HalfID{Protocol: fiber.ProtocolDatagramForward, Port: fiberPort})
	require.NoError(t, err)
	defer fib.Close()

	_, err = fib.Write([]byte("dgram-1"))
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, err := fib.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "dgram-1", string(buf[:n]))
}

// TestClientRouteThroughRelay runs two servers, using the first purely as
// a circuit relay in front of the second, and checks a forwarded stream
// still works.
func TestClientRouteThroughRelay(t *testing.T) {
	logger := sslog.New("test", sslog.LogLevelInfo)
	params := testTLSParams(t)
	echoAddr := startEchoTCP(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const fiberPort = 7002
	terminal := NewServer(logger, ServerConfig{
		Addr: "127.0.0.1",
		Port: 0,
		TLS:  params,
		StreamTargets: map[uint16]portforward.Target{
			fiberPort: {Network: "tcp", Host: "127.0.0.1", Port: uint16(echoAddr.Port)},
		},
	})
	require.NoError(t, terminal.Start(ctx))
	defer terminal.Close()

	relay := NewServer(logger, ServerConfig{Addr: "127.0.0.1", Port: 0, TLS: params})
	require.NoError(t, relay.Start(ctx))
	defer relay.Close()

	circuitFile := t.TempDir() + "/circuit.txt"
	require.NoError(t, writeCircuitFile(circuitFile, relay.Endpoint().String()))

	client := NewClient(logger, ClientConfig{
		Server:      circuit.Hop{Host: "127.0.0.1", Port: terminal.Endpoint().Port},
		CircuitPath: circuitFile,
		CircuitID:   "test-circuit",
		TLS:         params,
	})
	mux, err := client.connect(ctx)
	require.NoError(t, err)
	defer mux.Close()

	fib, err := mux.Connect(ctx, fiber.ProtocolStreamForward,
		fiber.HalfID{Protocol: fiber.ProtocolStreamForward, Port: fiberPort})
	require.NoError(t, err)
	defer fib.Close()

	_, err = fib.Write([]byte("relay"))
	require.NoError(t, err)
	reply := make([]byte, 5)
	_, err = io.ReadFull(fib, reply)
	require.NoError(t, err)
	require.Equal(t, "relay", string(reply))
}
