//go:build linux
// +build linux

package node

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fzft/go-reactor/log"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var errSignalStopped = errors.New("signal stopped")

func (s *Server) poll() error {
	events := make([]unix.EpollEvent, s.cfg.MaxEvents)

	for {
		// EpollWait blocks until there is an event to report
		n, err := s.registry.wait(events)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			log.Logger.Error("epoll wait error", zap.Error(err))
			return newError(KindMultiplexerWait, "failed to wait for events", err)
		}

		for i := 0; i < n; i++ {
			switch err := s.processEvent(&events[i]); err {
			case nil:
			case errSignalStopped:
				log.Logger.Info("Received stop signal. Exiting event loop.")
				return nil
			default:
				return err
			}
		}
	}
}

func (s *Server) processEvent(ev *unix.EpollEvent) error {
	fd := int(ev.Fd)
	switch fd {
	case s.efd:
		return s.handleSignal()
	case s.listenFD:
		s.accept()
		return nil
	default:
		s.handleRead(fd)
		return nil
	}
}

// handleSignal drains the eventfd and reports whether the loop should stop.
func (s *Server) handleSignal() error {
	var buf [8]byte
	if _, err := unix.Read(s.efd, buf[:]); err != nil {
		if !IsTemporaryError(err) {
			log.Logger.Error("Failed to read from event fd", zap.Error(err))
		}
		return nil
	}
	if pipeSignal(binary.NativeEndian.Uint64(buf[:]))&SignalStop != 0 && s.state.Load() == stateClosed {
		return errSignalStopped
	}
	return nil
}

// accept a new connection
func (s *Server) accept() {
	connFd, sa, err := unix.Accept(s.listenFD)
	if err != nil {
		// no more connections to accept right now, or the peer gave up already
		if IsTemporaryError(err) || errors.Is(err, unix.EINTR) || errors.Is(err, unix.ECONNABORTED) {
			return
		}
		s.dispatchError(nil, newError(KindAccept, "failed to accept connection", err))
		return
	}

	peer := Peer{ID: uuid.New()}
	if err := s.setupConn(connFd, sa, &peer); err != nil {
		_ = unix.Close(connFd)
		s.dispatchError(&conn{fd: -1, peer: peer}, err)
		return
	}

	c := newConn(connFd, peer)
	s.conns.Store(connFd, c)
	if err := s.registry.registerConn(connFd); err != nil {
		s.conns.Delete(connFd)
		c.closed.Store(true)
		_ = unix.Close(connFd)
		s.dispatchError(c, err)
		return
	}
	s.metrics.accepted.Inc()

	log.Logger.Debug("new connection", zap.Int("fd", connFd), zap.Stringer("peer", peer), zap.Stringer("id", peer.ID))

	s.dispatch(c, func() error { return s.onNew(c) })
}

func (s *Server) setupConn(fd int, sa unix.Sockaddr, peer *Peer) error {
	if err := SetNonblock(fd); err != nil {
		return newError(KindAccept, fmt.Sprintf("failed to make fd %d non-blocking", fd), err)
	}
	if s.cfg.Timeout > 0 {
		if err := SetTimeouts(fd, s.cfg.Timeout); err != nil {
			return newError(KindAccept, fmt.Sprintf("failed to set timeouts on fd %d", fd), err)
		}
	}

	addr, ok := SockaddrToAddrPort(sa)
	if !ok {
		var err error
		if addr, err = PeerAddress(fd); err != nil {
			return err
		}
	}
	peer.Addr = addr
	return nil
}

// handleRead performs exactly one read for a client fd that the loop now owns.
func (s *Server) handleRead(fd int) {
	c, ok := s.conns.Load(fd)
	if !ok || !c.acquire() {
		// closed by us already, or a worker still owns it and will re-arm
		return
	}

	n, err := unix.Read(fd, s.readBuf)
	switch {
	case err != nil && (IsTemporaryError(err) || errors.Is(err, unix.EINTR)):
		s.rearm(c)
	case err != nil:
		closeErr := s.closeConn(c)
		s.dispatchError(c, multierr.Append(newError(KindRead, "failed to read from client", err), closeErr))
	case n == 0:
		closeErr := s.closeConn(c)
		log.Logger.Debug("connection closed by peer", zap.Int("fd", fd), zap.Stringer("peer", c.peer))
		s.dispatch(c, func() error {
			s.handler.OnClose(c.peer)
			s.report(c.peer, closeErr)
			return nil
		})
	default:
		in := make([]byte, n)
		copy(in, s.readBuf[:n])
		s.metrics.readB.Add(n)
		s.dispatch(c, func() error { return s.onRead(c, in) })
	}
}

func (s *Server) onNew(c *conn) error {
	out, keepAlive := s.handler.OnNew(c.peer)
	return s.respond(c, out, keepAlive)
}

func (s *Server) onRead(c *conn, in []byte) error {
	out, keepAlive := s.handler.OnRead(c.peer, in)
	return s.respond(c, out, keepAlive)
}

// respond runs on a worker that owns c. A failed write closes the connection
// whatever the handler decided.
func (s *Server) respond(c *conn, out []byte, keepAlive bool) error {
	if len(out) > 0 {
		n, err := writeAll(c.fd, out, s.cfg.writeTimeout())
		s.metrics.writtenB.Add(n)
		if err != nil {
			werr := newError(KindWrite, "failed to write response", err)
			s.report(c.peer, multierr.Append(werr, s.closeConn(c)))
			return werr
		}
	}

	if !keepAlive {
		closeErr := s.closeConn(c)
		s.handler.OnClose(c.peer)
		s.report(c.peer, closeErr)
		return nil
	}

	return s.rearm(c)
}

// rearm hands c back to the loop. Between release and the lock the loop may
// take c over and close it; that is not an error.
func (s *Server) rearm(c *conn) error {
	c.release()

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return nil
	}
	err := s.registry.rearm(c.fd)
	var closeErr error
	if err != nil {
		closeErr = s.closeLocked(c)
	}
	c.mu.Unlock()

	if err != nil {
		s.report(c.peer, multierr.Append(err, closeErr))
	}
	return err
}

// closeConn deregisters and closes c exactly once. The fd leaves the registry
// and the connection table before close(2) so the number cannot be reused while
// still tracked.
func (s *Server) closeConn(c *conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return s.closeLocked(c)
}

func (s *Server) closeLocked(c *conn) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	errs := s.registry.unregister(c.fd)
	s.conns.Delete(c.fd)
	if err := unix.Close(c.fd); err != nil {
		errs = multierr.Append(errs, newError(KindClose, fmt.Sprintf("failed to close fd %d", c.fd), err))
	}
	s.metrics.closed.Inc()
	return errs
}

// dispatch runs fn for c on the worker pool. A panicking handler gets its
// connection closed without further callbacks.
func (s *Server) dispatch(c *conn, fn func() error) {
	_, err := s.pool.Submit(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Logger.Error("handler panicked", zap.Stringer("peer", c.peer), zap.Any("panic", r))
				if c.fd >= 0 {
					_ = s.closeConn(c)
				}
				err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
			}
		}()
		return fn()
	})
	if err != nil && c.fd >= 0 {
		log.Logger.Debug("dropping connection, pool closed", zap.Stringer("peer", c.peer))
		_ = s.closeConn(c)
	}
}

// dispatchError reports err from the loop on a worker, keeping handler code off
// the loop goroutine. c may be nil when no connection exists yet.
func (s *Server) dispatchError(c *conn, err error) {
	if c == nil {
		c = &conn{fd: -1}
	}
	s.dispatch(c, func() error {
		s.report(c.peer, err)
		return nil
	})
}

// report logs and counts every *Error in err and hands it to the handler's
// OnError, if it has one.
func (s *Server) report(peer Peer, err error) {
	for _, e := range multierr.Errors(err) {
		var serr *Error
		if !errors.As(e, &serr) {
			serr = newError(KindClose, "connection error", e)
		}
		s.metrics.error(serr.Kind)
		log.Logger.Warn("connection error",
			zap.Stringer("peer", peer),
			zap.Stringer("kind", serr.Kind),
			zap.Error(serr))
		if s.errHandler != nil {
			s.errHandler.OnError(peer, serr)
		}
	}
}
