package callbacks

import (
	"log/slog"
	"sync"

	"github.com/siohaza/blocksmith/internal/block"
	"github.com/siohaza/blocksmith/internal/player"
	"github.com/siohaza/blocksmith/internal/world"
)

// Callbacks are invoked synchronously in registration order. Hooks that
// return bool veto the action by returning false; dispatch stops at the first
// veto.
type Callbacks interface {
	OnPlayerConnected(p *player.Player)
	OnPlayerDisconnected(p *player.Player)
	OnChatMessage(p *player.Player, message string) bool
	OnPlacingBlock(p *player.Player, c block.Coord, old, placed block.Type, allowed bool) bool
	OnBlockChanging(p *player.Player, c block.Coord, old, placed block.Type) bool
	OnPlayerPlacedBlock(p *player.Player, c block.Coord, old, placed block.Type)
	OnBlockChanged(w *world.World, m world.Mutation, old block.Type)
}

type DefaultCallbacks struct{}

func (d *DefaultCallbacks) OnPlayerConnected(p *player.Player)                  {}
func (d *DefaultCallbacks) OnPlayerDisconnected(p *player.Player)               {}
func (d *DefaultCallbacks) OnChatMessage(p *player.Player, message string) bool { return true }
func (d *DefaultCallbacks) OnPlacingBlock(p *player.Player, c block.Coord, old, placed block.Type, allowed bool) bool {
	return true
}
func (d *DefaultCallbacks) OnBlockChanging(p *player.Player, c block.Coord, old, placed block.Type) bool {
	return true
}
func (d *DefaultCallbacks) OnPlayerPlacedBlock(p *player.Player, c block.Coord, old, placed block.Type) {
}
func (d *DefaultCallbacks) OnBlockChanged(w *world.World, m world.Mutation, old block.Type) {}

// CallbackChain fans events out to registered Callbacks. A hook that panics is
// logged and counts as no veto.
type CallbackChain struct {
	mu        sync.RWMutex
	callbacks []Callbacks
	logger    *slog.Logger
}

func NewCallbackChain(logger *slog.Logger) *CallbackChain {
	if logger == nil {
		logger = slog.Default()
	}
	return &CallbackChain{
		callbacks: make([]Callbacks, 0),
		logger:    logger,
	}
}

func (c *CallbackChain) Register(cb Callbacks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, cb)
}

func (c *CallbackChain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.callbacks)
}

func (c *CallbackChain) snapshot() []Callbacks {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Callbacks, len(c.callbacks))
	copy(out, c.callbacks)
	return out
}

func (c *CallbackChain) notify(event string, fn func(cb Callbacks)) {
	for _, cb := range c.snapshot() {
		c.guard(event, func() bool {
			fn(cb)
			return true
		})
	}
}

func (c *CallbackChain) ask(event string, fn func(cb Callbacks) bool) bool {
	for _, cb := range c.snapshot() {
		if !c.guard(event, func() bool { return fn(cb) }) {
			return false
		}
	}
	return true
}

func (c *CallbackChain) guard(event string, fn func() bool) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("callback panicked", "event", event, "panic", r)
			ok = true
		}
	}()
	return fn()
}

func (c *CallbackChain) OnPlayerConnected(p *player.Player) {
	c.notify("player_connected", func(cb Callbacks) { cb.OnPlayerConnected(p) })
}

func (c *CallbackChain) OnPlayerDisconnected(p *player.Player) {
	c.notify("player_disconnected", func(cb Callbacks) { cb.OnPlayerDisconnected(p) })
}

func (c *CallbackChain) OnChatMessage(p *player.Player, message string) bool {
	return c.ask("chat_message", func(cb Callbacks) bool { return cb.OnChatMessage(p, message) })
}

func (c *CallbackChain) OnPlacingBlock(p *player.Player, coord block.Coord, old, placed block.Type, allowed bool) bool {
	return c.ask("placing_block", func(cb Callbacks) bool { return cb.OnPlacingBlock(p, coord, old, placed, allowed) })
}

func (c *CallbackChain) OnBlockChanging(p *player.Player, coord block.Coord, old, placed block.Type) bool {
	return c.ask("block_changing", func(cb Callbacks) bool { return cb.OnBlockChanging(p, coord, old, placed) })
}

func (c *CallbackChain) OnPlayerPlacedBlock(p *player.Player, coord block.Coord, old, placed block.Type) {
	c.notify("player_placed_block", func(cb Callbacks) { cb.OnPlayerPlacedBlock(p, coord, old, placed) })
}

func (c *CallbackChain) OnBlockChanged(w *world.World, m world.Mutation, old block.Type) {
	c.notify("block_changed", func(cb Callbacks) { cb.OnBlockChanged(w, m, old) })
}
