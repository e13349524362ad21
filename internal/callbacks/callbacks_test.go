package callbacks

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/siohaza/blocksmith/internal/block"
	"github.com/siohaza/blocksmith/internal/player"
)

type orderHook struct {
	DefaultCallbacks
	name  string
	order *[]string
	veto  bool
}

func (h *orderHook) OnBlockChanging(p *player.Player, c block.Coord, old, placed block.Type) bool {
	*h.order = append(*h.order, h.name)
	return !h.veto
}

func (h *orderHook) OnPlayerConnected(p *player.Player) {
	*h.order = append(*h.order, h.name)
}

type panicHook struct {
	DefaultCallbacks
}

func (panicHook) OnChatMessage(p *player.Player, message string) bool {
	panic("plugin exploded")
}

func TestChainStopsAtFirstVeto(t *testing.T) {
	var order []string
	chain := NewCallbackChain(nil)
	chain.Register(&orderHook{name: "a", order: &order})
	chain.Register(&orderHook{name: "b", order: &order, veto: true})
	chain.Register(&orderHook{name: "c", order: &order})

	ok := chain.OnBlockChanging(nil, block.Coord{}, block.Air, block.Stone)
	assert.False(t, ok)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestChainNotifiesEveryone(t *testing.T) {
	var order []string
	chain := NewCallbackChain(nil)
	chain.Register(&orderHook{name: "a", order: &order, veto: true})
	chain.Register(&orderHook{name: "b", order: &order})

	chain.OnPlayerConnected(nil)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, 2, chain.Len())
}

func TestChainPanicIsNoVeto(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var order []string
	chain := NewCallbackChain(logger)
	chain.Register(&panicHook{})
	chain.Register(&orderHook{name: "after", order: &order})

	assert.True(t, chain.OnChatMessage(nil, "hello"))
	assert.Contains(t, buf.String(), "callback panicked")
	assert.Contains(t, buf.String(), "chat_message")
}

func TestEmptyChainAllows(t *testing.T) {
	chain := NewCallbackChain(nil)
	assert.True(t, chain.OnPlacingBlock(nil, block.Coord{}, block.Air, block.Stone, true))
	assert.True(t, chain.OnChatMessage(nil, "hi"))
}
