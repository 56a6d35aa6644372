// Package echo is a ConnectionHandler that welcomes every client and sends
// back whatever it receives.
package echo

import (
	"github.com/fzft/go-reactor/log"
	"github.com/fzft/go-reactor/node"
	"go.uber.org/zap"
)

const DefaultWelcome = "Welcome to the echo server!"

// Handler keeps no per-connection state and is safe for concurrent use.
// Welcome must not be modified once the server is running.
type Handler struct {
	Welcome []byte
}

func New() *Handler {
	return &Handler{Welcome: []byte(DefaultWelcome)}
}

func (h *Handler) OnNew(peer node.Peer) ([]byte, bool) {
	log.Logger.Debug("new connection", zap.Stringer("peer", peer))
	return h.Welcome, true
}

// OnRead echoes exactly the bytes it was given, zeros included.
func (h *Handler) OnRead(peer node.Peer, in []byte) ([]byte, bool) {
	log.Logger.Debug("received", zap.Stringer("peer", peer), zap.ByteString("data", in))
	out := make([]byte, len(in))
	copy(out, in)
	return out, true
}

func (h *Handler) OnClose(peer node.Peer) {
	log.Logger.Debug("connection closed", zap.Stringer("peer", peer))
}

func (h *Handler) OnError(peer node.Peer, err *node.Error) {
	log.Logger.Warn("connection error", zap.Stringer("peer", peer), zap.Error(err))
}
