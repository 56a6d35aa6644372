//go:build linux
// +build linux

package node

import (
	"fmt"
	"os"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// https://copyconstruct.medium.com/the-method-to-epolls-madness-d9d2d6378642

const (
	// listener and eventfd: level triggered
	readEvents = unix.EPOLLIN
	// client sockets fire once and stay disabled until re-armed by their owner
	connEvents = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLONESHOT
	// added with no read interest; the OnNew task arms it when done
	connDisarmed = unix.EPOLLONESHOT
)

// Registry is a wrapper around epoll. It keeps track of the fds that are registered to epoll.
// epoll_ctl is safe to call from any goroutine, so workers may re-arm or remove their own fds.
type Registry struct {
	epollFd  int
	epollSet *xsync.MapOf[int, uint32]
}

func NewRegistry() (*Registry, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, newError(KindMultiplexerCreation, "failed to create epoll instance", err)
	}
	return &Registry{
		epollFd:  epfd,
		epollSet: xsync.NewMapOf[int, uint32](),
	}, nil
}

// registerRead adds fd to epoll for level triggered read events.
func (r *Registry) registerRead(fd int) error {
	if err := r.add(fd, readEvents); err != nil {
		return newError(KindMultiplexerRegisterAdd, fmt.Sprintf("failed to add fd %d", fd), err)
	}
	r.epollSet.Store(fd, readEvents)
	return nil
}

// registerConn adds a client fd disarmed. Nothing is reported for it until
// rearm, apart from the EPOLLERR/EPOLLHUP the kernel always adds.
func (r *Registry) registerConn(fd int) error {
	if err := r.add(fd, connDisarmed); err != nil {
		return newError(KindMultiplexerRegisterAdd, fmt.Sprintf("failed to add connection fd %d", fd), err)
	}
	r.epollSet.Store(fd, connEvents)
	return nil
}

// rearm enables a one-shot fd for its next event.
func (r *Registry) rearm(fd int) error {
	if !r.registered(fd) {
		return newError(KindMultiplexerRegisterAdd, fmt.Sprintf("fd %d is not registered", fd), unix.ENOENT)
	}
	err := os.NewSyscallError("epoll_ctl mod",
		unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: connEvents}))
	if err != nil {
		return newError(KindMultiplexerRegisterAdd, fmt.Sprintf("failed to re-arm fd %d", fd), err)
	}
	return nil
}

// unregister removes fd from epoll. Unknown fds are ignored.
func (r *Registry) unregister(fd int) error {
	if _, ok := r.epollSet.LoadAndDelete(fd); !ok {
		return nil
	}
	if err := r.del(fd); err != nil {
		return newError(KindMultiplexerRegisterRemove, fmt.Sprintf("failed to remove fd %d", fd), err)
	}
	return nil
}

// registered reports whether fd is currently tracked.
func (r *Registry) registered(fd int) bool {
	_, ok := r.epollSet.Load(fd)
	return ok
}

func (r *Registry) wait(events []unix.EpollEvent) (int, error) {
	return unix.EpollWait(r.epollFd, events, -1)
}

// Close closes the epoll fd. Registered fds are left to their owners.
func (r *Registry) Close() error {
	var errs error
	r.epollSet.Range(func(fd int, _ uint32) bool {
		errs = multierr.Append(errs, r.unregister(fd))
		return true
	})
	return multierr.Append(errs, CloseFd(r.epollFd))
}

func (r *Registry) add(fd int, events uint32) error {
	return os.NewSyscallError("epoll_ctl add",
		unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events}))
}

func (r *Registry) del(fd int) error {
	return os.NewSyscallError("epoll_ctl del", unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_DEL, fd, nil))
}
