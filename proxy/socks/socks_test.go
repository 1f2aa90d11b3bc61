package socks_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/securesocketfunneling/ssf-sub003/proxy/socks"
)

func TestConnectSocks4(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		require.NoError(t, err)
		defer conn.Close()
		req := make([]byte, 9+len("bob")+1)
		_, err = conn.Read(req)
		require.NoError(t, err)
		require.Equal(t, byte(4), req[0])
		require.Equal(t, byte(1), req[1])
		conn.Write([]byte{0, 90, 0, 0, 0, 0, 0, 0})
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	err = socks.Connect(conn, socks.Version4, "93.184.216.34", 80, socks.Credentials{UserID: "bob"})
	require.NoError(t, err)
}

func TestConnectSocks4aRejectsDomainWithoutAFlag(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, _ := ln.Accept()
		if conn != nil {
			conn.Close()
		}
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	err = socks.Connect(conn, socks.Version4, "example.com", 80, socks.Credentials{})
	require.Error(t, err)
}

// TestConnectSocks4aDomainBytes checks the exact request bytes of a
// SOCKS4a domain-form connect: IP 0.0.0.1 marker, empty userid, then the
// null-terminated hostname.
func TestConnectSocks4aDomainBytes(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	got := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		require.NoError(t, err)
		defer conn.Close()
		want := 8 + 1 + len("example.com") + 1
		buf := make([]byte, want)
		total := 0
		for total < want {
			n, err := conn.Read(buf[total:])
			require.NoError(t, err)
			total += n
		}
		got <- buf
		conn.Write([]byte{0, 0x5A, 0, 0, 0, 0, 0, 0})
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	err = socks.Connect(conn, socks.Version4a, "example.com", 80, socks.Credentials{})
	require.NoError(t, err)

	req := <-got
	expected := append([]byte{4, 1, 0, 80, 0, 0, 0, 1, 0}, []byte("example.com")...)
	expected = append(expected, 0)
	require.Equal(t, expected, req)
}

func fakeSocks5Server(t *testing.T, ln net.Listener) {
	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()

	methodReq := make([]byte, 3)
	_, err = conn.Read(methodReq)
	require.NoError(t, err)
	require.Equal(t, byte(5), methodReq[0])
	conn.Write([]byte{5, 0})

	head := make([]byte, 4)
	_, err = conn.Read(head)
	require.NoError(t, err)
	require.Equal(t, byte(5), head[0])
	require.Equal(t, byte(1), head[1])

	switch head[3] {
	case 1:
		rest := make([]byte, 6)
		conn.Read(rest)
	case 3:
		lenByte := make([]byte, 1)
		conn.Read(lenByte)
		rest := make([]byte, int(lenByte[0])+2)
		conn.Read(rest)
	}
	conn.Write([]byte{5, 0, 0, 1, 0, 0, 0, 0, 0, 0})
}

func TestConnectSocks5WithDomain(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go fakeSocks5Server(t, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	err = socks.Connect(conn, socks.Version5, "example.com", 443, socks.Credentials{})
	require.NoError(t, err)
}

func TestConnectSocks5ZeroLengthDomainIsError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, _ := ln.Accept()
		if conn != nil {
			buf := make([]byte, 3)
			conn.Read(buf)
			conn.Write([]byte{5, 0})
			conn.Close()
		}
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	err = socks.Connect(conn, socks.Version5, "", 443, socks.Credentials{})
	require.Error(t, err)
}
