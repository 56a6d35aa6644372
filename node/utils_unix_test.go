//go:build linux
// +build linux

package node

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSockaddrToAddrPort(t *testing.T) {
	ap, ok := SockaddrToAddrPort(&unix.SockaddrInet4{Port: 8080, Addr: [4]byte{127, 0, 0, 1}})
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:8080"), ap)

	v6 := &unix.SockaddrInet6{Port: 443}
	copy(v6.Addr[:], netip.MustParseAddr("::1").AsSlice())
	ap, ok = SockaddrToAddrPort(v6)
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddrPort("[::1]:443"), ap)

	// v4-mapped addresses come back as plain v4
	mapped := &unix.SockaddrInet6{Port: 1}
	copy(mapped.Addr[:], netip.MustParseAddr("::ffff:10.0.0.1").AsSlice())
	ap, ok = SockaddrToAddrPort(mapped)
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:1"), ap)

	_, ok = SockaddrToAddrPort(&unix.SockaddrUnix{Name: "/tmp/x.sock"})
	assert.False(t, ok)
}

func TestIsTemporaryError(t *testing.T) {
	assert.True(t, IsTemporaryError(unix.EAGAIN))
	assert.True(t, IsTemporaryError(unix.EWOULDBLOCK))
	assert.False(t, IsTemporaryError(unix.ECONNRESET))
}

func TestPeerAddressOfUnconnectedSocket(t *testing.T) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fd)

	_, err = PeerAddress(fd)
	assert.True(t, IsKind(err, KindAddressResolution))
}

// socketPair returns the raw fd of the server side of a loopback connection
// and the client side as a net.Conn.
func socketPair(t *testing.T) (int, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	server, err := ln.Accept()
	require.NoError(t, err)
	f, err := server.(*net.TCPConn).File()
	require.NoError(t, err)
	server.Close()
	t.Cleanup(func() { f.Close() })

	fd := int(f.Fd())
	require.NoError(t, SetNonblock(fd))
	return fd, client
}

func TestPeerAddressOfConnectedSocket(t *testing.T) {
	fd, client := socketPair(t)
	ap, err := PeerAddress(fd)
	require.NoError(t, err)
	assert.Equal(t, client.LocalAddr().String(), ap.String())
}

func TestWriteAllDeliversEverything(t *testing.T) {
	fd, client := socketPair(t)

	// larger than the default socket buffers so EAGAIN is hit
	data := make([]byte, 8<<20)
	for i := range data {
		data[i] = byte(i)
	}

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 0, len(data))
		chunk := make([]byte, 64<<10)
		for len(buf) < len(data) {
			n, err := client.Read(chunk)
			if err != nil {
				break
			}
			buf = append(buf, chunk[:n]...)
		}
		got <- buf
	}()

	n, err := writeAll(fd, data, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, <-got)
}

func TestWriteAllTimesOut(t *testing.T) {
	fd, _ := socketPair(t)

	// nobody reads, so the buffers fill up
	data := make([]byte, 32<<20)
	_, err := writeAll(fd, data, 50*time.Millisecond)
	assert.ErrorIs(t, err, unix.ETIMEDOUT)
}

func TestSetTimeouts(t *testing.T) {
	fd, _ := socketPair(t)
	require.NoError(t, SetTimeouts(fd, 2*time.Second))

	tv, err := unix.GetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO)
	require.NoError(t, err)
	assert.Equal(t, int64(2), int64(tv.Sec))
}
