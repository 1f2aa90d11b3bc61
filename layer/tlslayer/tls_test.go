package tlslayer_test

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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/securesocketfunneling/ssf-sub003/internal/sslog"
	"github.com/securesocketfunneling/ssf-sub003/layer/physical"
	"github.com/securesocketfunneling/ssf-sub003/layer/tlslayer"
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

func TestTLSHandshakeLoopback(t *testing.T) {
	logger := sslog.New("test", sslog.LogLevelInfo)
	certPEM, keyPEM := genCert(t)

	params := tlslayer.Params{
		CACert: tlslayer.Material{Source: tlslayer.SourceBuffer, Value: string(certPEM)},
		Cert:   tlslayer.Material{Source: tlslayer.SourceBuffer, Value: string(certPEM)},
		Key:    tlslayer.Material{Source: tlslayer.SourceBuffer, Value: string(keyPEM)},
	}

	tcpAcc, err := physical.NewTCPAcceptor(logger, &physical.TCPEndpoint{Addr: "127.0.0.1", Port: 0})
	require.NoError(t, err)
	defer tcpAcc.Close()

	tlsAcc := tlslayer.NewAcceptor(logger, tcpAcc, params)

	addr := tcpAcc.Endpoint()
	tcpDialer := physical.NewTCPDialer(logger, addr, nil)
	tlsDialer := tlslayer.NewDialer(logger, tcpDialer, params, "127.0.0.1")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	serverDone := make(chan error, 1)
	go func() {
		sock, err := tlsAcc.Accept(ctx)
		if err != nil {
			serverDone <- err
			return
		}
		defer sock.Close()
		buf := make([]byte, 4)
		if _, err := io.ReadFull(sock, buf); err != nil {
			serverDone <- err
			return
		}
		require.Equal(t, "ping", string(buf))
		_, err = sock.Write([]byte("pong"))
		serverDone <- err
	}()

	clientSock, err := tlsDialer.Dial(ctx)
	require.NoError(t, err)
	defer clientSock.Close()

	_, err = clientSock.Write([]byte("ping"))
	require.NoError(t, err)

	reply := make([]byte, 4)
	_, err = io.ReadFull(clientSock, reply)
	require.NoError(t, err)
	require.Equal(t, "pong", string(reply))
	require.NoError(t, <-serverDone)
}
