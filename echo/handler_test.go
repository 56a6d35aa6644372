package echo

import (
	"net/netip"
	"testing"

	"github.com/fzft/go-reactor/node"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func testPeer() node.Peer {
	return node.Peer{ID: uuid.New(), Addr: netip.MustParseAddrPort("127.0.0.1:40000")}
}

func TestOnNewSendsWelcome(t *testing.T) {
	h := New()
	out, keep := h.OnNew(testPeer())
	assert.Equal(t, DefaultWelcome, string(out))
	assert.True(t, keep)
}

func TestOnNewEmptyWelcome(t *testing.T) {
	h := &Handler{}
	out, keep := h.OnNew(testPeer())
	assert.Empty(t, out)
	assert.True(t, keep)
}

func TestOnReadEchoesExactBytes(t *testing.T) {
	h := New()
	tests := [][]byte{
		[]byte("ping"),
		{'a', 0, 'b', 0},
		{0, 0, 0},
		[]byte("line\r\n"),
	}
	for _, in := range tests {
		out, keep := h.OnRead(testPeer(), in)
		assert.Equal(t, in, out)
		assert.True(t, keep)
	}
}

func TestOnReadDoesNotAliasInput(t *testing.T) {
	h := New()
	in := []byte("abc")
	out, _ := h.OnRead(testPeer(), in)
	in[0] = 'z'
	assert.Equal(t, "abc", string(out))
}

func TestOnCloseAndOnError(t *testing.T) {
	h := New()
	p := testPeer()
	assert.NotPanics(t, func() { h.OnClose(p) })
	assert.NotPanics(t, func() { h.OnError(p, &node.Error{Kind: node.KindRead, Msg: "failed to read from client"}) })
	assert.NotPanics(t, func() { h.OnError(node.Peer{}, &node.Error{Kind: node.KindAccept, Msg: "accept failed"}) })
}

var (
	_ node.ConnectionHandler = (*Handler)(nil)
	_ node.ErrorHandler      = (*Handler)(nil)
)
