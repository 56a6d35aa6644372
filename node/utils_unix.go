//go:build linux
// +build linux

package node

import (
	"errors"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"
)

func isFDValid(fd int) bool {
	// Try to get the flags of the file descriptor
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

// IsTemporaryError checks if the error is temporary, e.g., EAGAIN or EWOULDBLOCK.
func IsTemporaryError(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

func CloseFd(fd int) error {
	if isFDValid(fd) {
		if err := unix.Close(fd); err != nil {
			return err
		}
	}
	return nil
}

// SetNonblock puts fd into non-blocking mode.
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}

// SetTimeouts applies d as both receive and send timeout of a socket.
func SetTimeouts(fd int, d time.Duration) error {
	tv := unix.NsecToTimeval(d.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return err
	}
	return unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv)
}

// SockaddrToAddrPort converts an inet sockaddr; other families report false.
func SockaddrToAddrPort(sa unix.Sockaddr) (netip.AddrPort, bool) {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(addr.Addr), uint16(addr.Port)), true
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(addr.Addr).Unmap(), uint16(addr.Port)), true
	}
	return netip.AddrPort{}, false
}

// PeerAddress resolves the remote address of a connected socket.
func PeerAddress(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return netip.AddrPort{}, newError(KindAddressResolution, "failed to get peer address", err)
	}
	ap, ok := SockaddrToAddrPort(sa)
	if !ok {
		return netip.AddrPort{}, newError(KindAddressResolution, "unsupported address family", nil)
	}
	return ap, nil
}

// LocalAddress resolves the address a socket is bound to.
func LocalAddress(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, newError(KindAddressResolution, "failed to get socket address", err)
	}
	ap, ok := SockaddrToAddrPort(sa)
	if !ok {
		return netip.AddrPort{}, newError(KindAddressResolution, "unsupported address family", nil)
	}
	return ap, nil
}

// writeAll writes data to a non-blocking socket, waiting up to timeout for the
// send buffer whenever the kernel reports EAGAIN.
func writeAll(fd int, data []byte, timeout time.Duration) (int, error) {
	written := 0
	deadline := time.Now().Add(timeout)
	for written < len(data) {
		n, err := unix.Write(fd, data[written:])
		if n > 0 {
			written += n
		}
		switch {
		case err == nil:
			if n == 0 {
				return written, unix.EIO
			}
		case errors.Is(err, unix.EINTR):
		case IsTemporaryError(err):
			if err := waitWritable(fd, time.Until(deadline)); err != nil {
				return written, err
			}
		default:
			return written, err
		}
	}
	return written, nil
}

func waitWritable(fd int, d time.Duration) error {
	for {
		if d <= 0 {
			return unix.ETIMEDOUT
		}
		start := time.Now()
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(fds, int(d.Milliseconds())+1)
		if errors.Is(err, unix.EINTR) {
			d -= time.Since(start)
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return unix.ETIMEDOUT
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP) != 0 && fds[0].Revents&unix.POLLOUT == 0 {
			return unix.EPIPE
		}
		return nil
	}
}
