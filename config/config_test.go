package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/securesocketfunneling/ssf-sub003/config"
)

func writeConfig(t *testing.T, body string) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "ssf.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	doc, err := config.Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	require.NotNil(t, doc)
}

func TestLoadValidDocument(t *testing.T) {
	path := writeConfig(t, `{
		"ssf": {
			"tls": {"cert_path": "cert.pem", "key_path": "key.pem"},
			"http_proxy": {"host": "proxy.example.com", "port": 3128},
			"services": {
				"socks": {"enable": true},
				"stream_listener": {"enable": true, "gateway_ports": false}
			}
		}
	}`)

	doc, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "proxy.example.com", doc.SSF.HTTPProxy.Host)
	require.Equal(t, uint16(3128), doc.SSF.HTTPProxy.Port)
	require.True(t, doc.SSF.Services.Socks.Enable)
	require.True(t, doc.SSF.Services.StreamListener.Enable)
	require.False(t, doc.SSF.Services.StreamListener.GatewayPorts)
}

func TestValidateRejectsConflictingCertMaterial(t *testing.T) {
	doc := &config.Document{}
	doc.SSF.TLS.CertPath = "cert.pem"
	doc.SSF.TLS.CertBuf = "-----BEGIN CERTIFICATE-----..."

	err := doc.Validate()
	require.Error(t, err)
}

func TestValidateRejectsBadSocksVersion(t *testing.T) {
	doc := &config.Document{}
	doc.SSF.SOCKSProxy.Version = 6

	err := doc.Validate()
	require.Error(t, err)
}

func TestLoadMalformedJSON(t *testing.T) {
	path := writeConfig(t, `{ not json`)
	_, err := config.Load(path)
	require.Error(t, err)
}
