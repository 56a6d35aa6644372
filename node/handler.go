package node

import (
	"net/netip"

	"github.com/google/uuid"
)

// Peer identifies the remote end of a connection.
type Peer struct {
	ID   uuid.UUID // unique per accepted connection
	Addr netip.AddrPort
}

func (p Peer) String() string {
	if !p.Addr.IsValid() {
		return "unknown"
	}
	return p.Addr.String()
}

// ConnectionHandler implements the protocol served on top of the reactor.
//
// The server calls a handler from many worker goroutines at once, so
// implementations must be safe for concurrent use. Callbacks for a single
// connection never overlap and arrive in event order.
type ConnectionHandler interface {
	// OnNew is called once a connection has been accepted. out is written to the
	// peer if non-empty; the connection is closed when keepAlive is false.
	OnNew(peer Peer) (out []byte, keepAlive bool)

	// OnRead is called with exactly the bytes returned by one read. Messages are
	// not framed, in may hold part of one or several of them.
	OnRead(peer Peer, in []byte) (out []byte, keepAlive bool)

	// OnClose is called after the connection has been closed, either by the peer
	// or because the handler asked for it.
	OnClose(peer Peer)
}

// ErrorHandler is an optional capability of a ConnectionHandler. Without it
// connection level errors are dropped once the connection is closed.
type ErrorHandler interface {
	OnError(peer Peer, err *Error)
}
