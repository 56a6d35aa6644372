//go:build linux
// +build linux

package node

import (
	"sync"
	"sync/atomic"
)

// conn is the server side state of one accepted client socket.
//
// busy is the ownership token: whoever holds it (the loop while reading, or a
// worker while running a callback) is the only goroutine touching fd. The fd is
// registered one-shot, so it is re-armed only after the owner lets go.
//
// mu orders re-arming against closing: once closed is set under mu, fd is
// never handed to epoll_ctl again, even if its number has been reused.
type conn struct {
	fd     int
	peer   Peer
	busy   atomic.Bool
	mu     sync.Mutex
	closed atomic.Bool
}

func newConn(fd int, peer Peer) *conn {
	c := &conn{fd: fd, peer: peer}
	// owned by the OnNew task until it re-arms the fd
	c.busy.Store(true)
	return c
}

// acquire takes ownership. It fails if the conn is owned elsewhere or closed.
func (c *conn) acquire() bool {
	if c.closed.Load() {
		return false
	}
	return c.busy.CompareAndSwap(false, true)
}

func (c *conn) release() {
	c.busy.Store(false)
}
