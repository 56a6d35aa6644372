package node

import (
	"fmt"
	"time"
)

const (
	DefaultPort       uint16 = 8080
	DefaultWorkers           = 4
	DefaultBufferSize        = 1024
	DefaultMaxEvents         = 16
	DefaultTimeout           = 15 * time.Second
)

// Config holds the construction parameters of a Server.
type Config struct {
	Port       uint16 // 0 binds an ephemeral port
	Workers    int    // worker goroutines running handler callbacks
	BufferSize int    // bytes read per readiness event
	MaxEvents  int    // events retrieved per epoll_wait
	// Timeout is applied as SO_RCVTIMEO/SO_SNDTIMEO on accepted sockets and bounds
	// how long a worker waits for a full send buffer to drain. Zero disables the
	// socket options; writes then wait at most DefaultTimeout.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Port:       DefaultPort,
		Workers:    DefaultWorkers,
		BufferSize: DefaultBufferSize,
		MaxEvents:  DefaultMaxEvents,
		Timeout:    DefaultTimeout,
	}
}

func (c Config) Validate() error {
	switch {
	case c.Workers < 1:
		return fmt.Errorf("%w: workers %d < 1", ErrInvalidConfig, c.Workers)
	case c.BufferSize < 1:
		return fmt.Errorf("%w: buffer size %d < 1", ErrInvalidConfig, c.BufferSize)
	case c.MaxEvents < 1:
		return fmt.Errorf("%w: max events %d < 1", ErrInvalidConfig, c.MaxEvents)
	case c.Timeout < 0:
		return fmt.Errorf("%w: negative timeout %s", ErrInvalidConfig, c.Timeout)
	}
	return nil
}

func (c Config) writeTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}
