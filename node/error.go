package node

import (
	"errors"
	"fmt"
)

// Kind classifies a failure raised by the server.
type Kind uint8

const (
	KindSocketCreation Kind = iota
	KindSocketBinding
	KindSocketListening
	KindMultiplexerCreation
	KindMultiplexerRegisterAdd
	KindMultiplexerRegisterRemove
	KindMultiplexerWait
	KindAccept
	KindAddressResolution
	KindRead
	KindWrite
	KindClose
)

var kindNames = [...]string{
	KindSocketCreation:            "SocketCreation",
	KindSocketBinding:             "SocketBinding",
	KindSocketListening:           "SocketListening",
	KindMultiplexerCreation:       "MultiplexerCreation",
	KindMultiplexerRegisterAdd:    "MultiplexerRegisterAdd",
	KindMultiplexerRegisterRemove: "MultiplexerRegisterRemove",
	KindMultiplexerWait:           "MultiplexerWait",
	KindAccept:                    "Accept",
	KindAddressResolution:         "AddressResolution",
	KindRead:                      "Read",
	KindWrite:                     "Write",
	KindClose:                     "Close",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Fatal reports whether errors of this kind abort server setup.
// MultiplexerRegisterAdd is fatal only when raised while registering the listener;
// Run returns those directly, so a connection level registration failure never reaches the caller.
func (k Kind) Fatal() bool {
	switch k {
	case KindSocketCreation, KindSocketBinding, KindSocketListening,
		KindMultiplexerCreation, KindMultiplexerRegisterAdd:
		return true
	}
	return false
}

// Error is an immutable server failure of a given Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // underlying cause, usually an errno
}

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err, or any error it wraps, is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

var (
	ErrInvalidConfig  = errors.New("invalid config")
	ErrInvalidWorkers = errors.New("worker count must be at least 1")
	ErrPoolClosed     = errors.New("worker pool closed")
	ErrTaskPanicked   = errors.New("task panicked")
	ErrServerRunning  = errors.New("server already running")
	ErrServerClosed   = errors.New("server closed")
)
