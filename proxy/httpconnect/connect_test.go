package httpconnect_test

import (
	"bufio"
	"crypto/md5"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/securesocketfunneling/ssf-sub003/proxy/httpconnect"
)

// fakeProxy accepts one connection, challenges with Basic auth, then
// replies 200 once the request carries a Proxy-Authorization header.
func fakeProxy(t *testing.T, ln net.Listener, user, pass string) {
	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()
	br := bufio.NewReader(conn)

	for {
		req, err := http.ReadRequest(br)
		require.NoError(t, err)
		req.Body.Close()

		auth := req.Header.Get("Proxy-Authorization")
		if auth == "" {
			fmt.Fprint(conn, "HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Basic realm=\"proxy\"\r\nContent-Length: 0\r\n\r\n")
			continue
		}
		fmt.Fprint(conn, "HTTP/1.1 200 Connection Established\r\n\r\n")
		return
	}
}

func TestConnectBasicAuth(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go fakeProxy(t, ln, "alice", "secret")

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = httpconnect.Connect(conn, "example.com:443", httpconnect.Config{
		Creds: &httpconnect.Credentials{Username: "alice", Password: "secret"},
	})
	require.NoError(t, err)
}

func TestConnectNoAuthNeeded(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		require.NoError(t, err)
		defer conn.Close()
		br := bufio.NewReader(conn)
		req, err := http.ReadRequest(br)
		require.NoError(t, err)
		req.Body.Close()
		fmt.Fprint(conn, "HTTP/1.1 200 Connection Established\r\n\r\n")
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = httpconnect.Connect(conn, "example.com:443", httpconnect.Config{})
	require.NoError(t, err)
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return fmt.Sprintf("%x", sum[:])
}

// parseAuthParams pulls the key=value / key="value" pairs out of a Digest
// Proxy-Authorization header.
func parseAuthParams(header string) map[string]string {
	out := map[string]string{}
	header = strings.TrimPrefix(header, "Digest ")
	for _, part := range strings.Split(header, ", ") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[kv[0]] = strings.Trim(kv[1], `"`)
	}
	return out
}

// TestConnectDigestAuth challenges with Digest and verifies the client's
// response hex matches the RFC 2617 computation for the CONNECT method.
func TestConnectDigestAuth(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	authorized := make(chan map[string]string, 1)
	go func() {
		conn, err := ln.Accept()
		require.NoError(t, err)
		defer conn.Close()
		br := bufio.NewReader(conn)
		for {
			req, err := http.ReadRequest(br)
			require.NoError(t, err)
			req.Body.Close()
			auth := req.Header.Get("Proxy-Authorization")
			if auth == "" {
				fmt.Fprint(conn, "HTTP/1.1 407 Proxy Authentication Required\r\n"+
					"Proxy-Authenticate: Digest realm=\"x\", nonce=\"abc\", qop=\"auth\"\r\n"+
					"Content-Length: 0\r\n\r\n")
				continue
			}
			authorized <- parseAuthParams(auth)
			fmt.Fprint(conn, "HTTP/1.1 200 Connection Established\r\n\r\n")
			return
		}
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = httpconnect.Connect(conn, "example.com:443", httpconnect.Config{
		Creds: &httpconnect.Credentials{Username: "alice", Password: "wonderland"},
	})
	require.NoError(t, err)

	params := <-authorized
	require.Equal(t, "alice", params["username"])
	require.Equal(t, "x", params["realm"])
	require.Equal(t, "abc", params["nonce"])
	require.Equal(t, "example.com:443", params["uri"])
	require.Equal(t, "auth", params["qop"])
	require.Equal(t, "00000001", params["nc"])
	require.NotEmpty(t, params["cnonce"])

	ha1 := md5hex("alice:x:wonderland")
	ha2 := md5hex("CONNECT:example.com:443")
	want := md5hex(fmt.Sprintf("%s:abc:00000001:%s:auth:%s", ha1, params["cnonce"], ha2))
	require.Equal(t, want, params["response"])
}
