//go:build linux
// +build linux

package node

import (
	"encoding/binary"
	"net/netip"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
	"github.com/fzft/go-reactor/log"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	stateNew int32 = iota
	stateRunning
	stateClosed
)

type pipeSignal uint64

const (
	SignalStop pipeSignal = 1
)

// Server is a single threaded epoll reactor. The loop only accepts and reads;
// handler callbacks and writes run on a WorkerPool.
type Server struct {
	cfg Config

	pool     *WorkerPool
	registry *Registry
	listenFD int
	readBuf  []byte

	mu  sync.Mutex // guards efd against the close in shutdown
	efd int

	conns      *xsync.MapOf[int, *conn]
	handler    ConnectionHandler
	errHandler ErrorHandler
	metrics    *serverMetrics

	state     atomic.Int32
	closeOnce sync.Once
	done      chan struct{}
	closeErr  error
}

// NewServer creates the worker pool, the epoll instance and a listening socket
// bound to cfg.Port. Errors are *Error values of a setup kind, or wrap
// ErrInvalidConfig. Nothing is leaked on failure.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		listenFD: -1,
		efd:      -1,
		readBuf:  make([]byte, cfg.BufferSize),
		conns:    xsync.NewMapOf[int, *conn](),
		done:     make(chan struct{}),
	}
	if err := s.init(); err != nil {
		_ = s.release()
		return nil, err
	}
	return s, nil
}

func (s *Server) init() (err error) {
	if s.pool, err = NewWorkerPool(s.cfg.Workers); err != nil {
		return err
	}
	s.metrics = newServerMetrics(
		func() float64 { return float64(s.conns.Size()) },
		func() float64 { return float64(s.pool.Len()) },
	)

	if s.registry, err = NewRegistry(); err != nil {
		return err
	}

	if s.efd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC); err != nil {
		s.efd = -1
		return newError(KindMultiplexerCreation, "failed to create eventfd", err)
	}

	if s.listenFD, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0); err != nil {
		s.listenFD = -1
		return newError(KindSocketCreation, "failed to create server socket", err)
	}
	if err = unix.SetsockoptInt(s.listenFD, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return newError(KindSocketCreation, "failed to set socket options", err)
	}
	if err = SetNonblock(s.listenFD); err != nil {
		return newError(KindSocketCreation, "failed to make server socket non-blocking", err)
	}
	if err = unix.Bind(s.listenFD, &unix.SockaddrInet4{Port: int(s.cfg.Port)}); err != nil {
		return newError(KindSocketBinding, "failed to bind server socket", err)
	}
	return nil
}

// Run listens and serves connections with h until Close is called. Setup
// failures are returned as *Error of a fatal kind. Run returns nil after Close.
func (s *Server) Run(h ConnectionHandler) error {
	if !s.state.CompareAndSwap(stateNew, stateRunning) {
		if s.state.Load() == stateClosed {
			return ErrServerClosed
		}
		return ErrServerRunning
	}
	defer func() {
		s.closeErr = s.shutdown()
		close(s.done)
	}()

	s.handler = h
	s.errHandler, _ = h.(ErrorHandler)

	if err := unix.Listen(s.listenFD, unix.SOMAXCONN); err != nil {
		log.Logger.Error("listen error", zap.Error(err))
		return newError(KindSocketListening, "failed to listen on server socket", err)
	}
	if err := s.registry.registerRead(s.listenFD); err != nil {
		log.Logger.Error("Failed to add listener to epoll", zap.Error(err))
		return err
	}
	if err := s.registry.registerRead(s.efd); err != nil {
		log.Logger.Error("Failed to add eventfd to epoll", zap.Error(err))
		return err
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	log.Logger.Info("reactor running",
		zap.Int("workers", s.cfg.Workers),
		zap.Int("bufferSize", s.cfg.BufferSize),
		zap.Int("maxEvents", s.cfg.MaxEvents))
	return s.poll()
}

// Close stops the loop, drains the worker pool and closes every connection,
// the listener and the epoll instance. It blocks until shutdown has finished
// and must not be called from a handler callback.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		if s.state.CompareAndSwap(stateNew, stateClosed) {
			s.closeErr = s.release()
			close(s.done)
			return
		}
		s.state.Store(stateClosed)
		if err := s.sendSignal(SignalStop); err != nil {
			log.Logger.Debug("Failed to signal event loop", zap.Error(err))
		}
	})
	<-s.done
	return s.closeErr
}

// Addr returns the address the listening socket is bound to.
func (s *Server) Addr() (netip.AddrPort, error) {
	return LocalAddress(s.listenFD)
}

// Metrics returns the server's metric set.
func (s *Server) Metrics() *metrics.Set {
	return s.metrics.set
}

// sendSignal wakes the event loop through the eventfd.
func (s *Server) sendSignal(sig pipeSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.efd < 0 {
		return nil
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], uint64(sig))
	_, err := unix.Write(s.efd, buf[:])
	return err
}

// shutdown order: pool, connections, listener, eventfd, epoll
// prevent the fd leak
func (s *Server) shutdown() error {
	s.pool.Shutdown()

	var errs error
	s.conns.Range(func(_ int, c *conn) bool {
		if err := s.closeConn(c); err != nil {
			errs = multierr.Append(errs, err)
		}
		s.handler.OnClose(c.peer)
		return true
	})

	return multierr.Append(errs, s.release())
}

// release frees everything NewServer created. Connections must already be closed.
func (s *Server) release() error {
	var errs error
	if s.pool != nil {
		s.pool.Shutdown()
	}
	if s.listenFD >= 0 {
		if s.registry != nil {
			errs = multierr.Append(errs, s.registry.unregister(s.listenFD))
		}
		if err := CloseFd(s.listenFD); err != nil {
			errs = multierr.Append(errs, newError(KindClose, "failed to close listener", err))
		}
		s.listenFD = -1
	}

	s.mu.Lock()
	if s.efd >= 0 {
		if s.registry != nil {
			errs = multierr.Append(errs, s.registry.unregister(s.efd))
		}
		if err := CloseFd(s.efd); err != nil {
			errs = multierr.Append(errs, newError(KindClose, "failed to close eventfd", err))
		}
		s.efd = -1
	}
	s.mu.Unlock()

	if s.registry != nil {
		if err := s.registry.Close(); err != nil {
			errs = multierr.Append(errs, newError(KindClose, "failed to close epoll", err))
		}
	}
	return errs
}
