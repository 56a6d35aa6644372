//go:build linux
// +build linux

package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newEventfd(t *testing.T) int {
	t.Helper()
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}

func TestRegistryRegisterAndUnregister(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)
	defer r.Close()

	fd := newEventfd(t)
	require.NoError(t, r.registerRead(fd))
	assert.True(t, r.registered(fd))

	// adding twice is an epoll error
	assert.True(t, IsKind(r.registerRead(fd), KindMultiplexerRegisterAdd))

	require.NoError(t, r.unregister(fd))
	assert.False(t, r.registered(fd))
	assert.NoError(t, r.unregister(fd))
}

func TestRegistryConnStartsDisarmed(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)
	defer r.Close()

	fd := newEventfd(t)
	require.NoError(t, r.registerConn(fd))
	_, err = unix.Write(fd, []byte{1, 0, 0, 0, 0, 0, 0, 0})
	require.NoError(t, err)

	// readable, but nobody armed it yet
	events := make([]unix.EpollEvent, 4)
	n, err := unix.EpollWait(r.epollFd, events, 20)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, r.rearm(fd))
	n, err = unix.EpollWait(r.epollFd, events, 100)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, int32(fd), events[0].Fd)

	// still readable, but disabled again until re-armed
	n, err = unix.EpollWait(r.epollFd, events, 20)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, r.rearm(fd))
	n, err = unix.EpollWait(r.epollFd, events, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRegistryRearmUnknownFd(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)
	defer r.Close()

	assert.True(t, IsKind(r.rearm(12345), KindMultiplexerRegisterAdd))
}

func TestRegistryClose(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	fd := newEventfd(t)
	require.NoError(t, r.registerRead(fd))
	require.NoError(t, r.Close())
	assert.False(t, r.registered(fd))
}
