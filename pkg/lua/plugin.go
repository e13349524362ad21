package lua

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/siohaza/blocksmith/internal/block"
	"github.com/siohaza/blocksmith/internal/callbacks"
	"github.com/siohaza/blocksmith/internal/player"
	"github.com/siohaza/blocksmith/internal/world"
)

const (
	hookConnected    = "on_player_connected"
	hookDisconnected = "on_player_disconnected"
	hookChat         = "on_chat"
	hookPlacing      = "on_placing_block"
	hookChanging     = "on_block_changing"
	hookPlaced       = "on_block_placed"
	hookChanged      = "on_block_changed"
)

type Plugin struct {
	Name string
	Path string
	VM   *VM
}

// Host runs the plugin scripts and forwards server events to them. A hook
// that returns false vetoes the action; a hook that errors does not.
type Host struct {
	server   ServerInterface
	api      *GameAPI
	commands *CommandManager
	logger   *slog.Logger

	mu      sync.RWMutex
	plugins []*Plugin
}

var _ callbacks.Callbacks = (*Host)(nil)

func NewHost(srv ServerInterface, reserved []string, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	commands := NewCommandManager(reserved, logger)
	return &Host{
		server:   srv,
		api:      NewGameAPI(srv, commands, logger),
		commands: commands,
		logger:   logger,
	}
}

func (h *Host) Commands() *CommandManager {
	return h.commands
}

// LoadDir loads every .lua file in dir in name order. A file that fails to
// load is logged and skipped.
func (h *Host) LoadDir(dir string) error {
	files, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read plugins directory: %w", err)
	}

	names := make([]string, 0, len(files))
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".lua") {
			continue
		}
		names = append(names, file.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		if err := h.LoadFile(filepath.Join(dir, name)); err != nil {
			h.logger.Warn("failed to load plugin", "file", name, "error", err)
		}
	}

	h.logger.Info("loaded lua plugins", "count", len(h.Plugins()))
	return nil
}

func (h *Host) LoadFile(path string) error {
	base := strings.TrimSuffix(filepath.Base(path), ".lua")
	return h.load(base, path, func(vm *VM) error { return vm.LoadFile(path) })
}

func (h *Host) LoadString(name, code string) error {
	return h.load(name, "", func(vm *VM) error { return vm.LoadString(code) })
}

func (h *Host) load(fallbackName, path string, run func(*VM) error) error {
	vm := NewVM()
	name := fallbackName
	h.api.RegisterFunctions(vm, name)

	if err := run(vm); err != nil {
		return err
	}
	if declared, err := vm.GetGlobalString("name"); err == nil && declared != "" {
		name = declared
	}

	h.mu.Lock()
	h.plugins = append(h.plugins, &Plugin{Name: name, Path: path, VM: vm})
	h.mu.Unlock()

	h.logger.Debug("plugin loaded", "plugin", name, "path", path)
	return nil
}

// Reload drops all plugins and their commands and loads dir again.
func (h *Host) Reload(dir string) error {
	h.Close()
	h.commands.Clear()
	return h.LoadDir(dir)
}

func (h *Host) Plugins() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, len(h.plugins))
	for i, p := range h.plugins {
		out[i] = p.Name
	}
	return out
}

func (h *Host) snapshot() []*Plugin {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Plugin, len(h.plugins))
	copy(out, h.plugins)
	return out
}

// Tick runs plugin timers that are due.
func (h *Host) Tick(now time.Time) {
	for _, p := range h.snapshot() {
		if err := p.VM.UpdateTimers(now); err != nil {
			h.logger.Warn("plugin timer failed", "plugin", p.Name, "error", err)
		}
	}
}

func (h *Host) Close() {
	h.mu.Lock()
	plugins := h.plugins
	h.plugins = nil
	h.mu.Unlock()

	for _, p := range plugins {
		p.VM.Close()
	}
}

func (h *Host) notify(hook string, args ...interface{}) {
	for _, p := range h.snapshot() {
		if !p.VM.HasFunction(hook) {
			continue
		}
		if err := p.VM.CallFunction(hook, args...); err != nil {
			h.logger.Warn("plugin hook failed", "plugin", p.Name, "hook", hook, "error", err)
		}
	}
}

func (h *Host) ask(hook string, args ...interface{}) bool {
	for _, p := range h.snapshot() {
		if !p.VM.HasFunction(hook) {
			continue
		}
		results, err := p.VM.CallFunctionWithReturn(hook, 1, args...)
		if err != nil {
			h.logger.Warn("plugin hook failed", "plugin", p.Name, "hook", hook, "error", err)
			continue
		}
		if allowed, ok := results[0].(bool); ok && !allowed {
			h.logger.Debug("plugin vetoed action", "plugin", p.Name, "hook", hook)
			return false
		}
	}
	return true
}

func (h *Host) OnPlayerConnected(p *player.Player) {
	h.notify(hookConnected, p.Name())
}

func (h *Host) OnPlayerDisconnected(p *player.Player) {
	h.notify(hookDisconnected, p.Name())
}

func (h *Host) OnChatMessage(p *player.Player, message string) bool {
	return h.ask(hookChat, p.Name(), message)
}

func (h *Host) OnPlacingBlock(p *player.Player, c block.Coord, old, placed block.Type, allowed bool) bool {
	return h.ask(hookPlacing, p.Name(), c.X, c.Y, c.H, int(old), int(placed), allowed)
}

func (h *Host) OnBlockChanging(p *player.Player, c block.Coord, old, placed block.Type) bool {
	return h.ask(hookChanging, p.Name(), c.X, c.Y, c.H, int(old), int(placed))
}

func (h *Host) OnPlayerPlacedBlock(p *player.Player, c block.Coord, old, placed block.Type) {
	h.notify(hookPlaced, p.Name(), c.X, c.Y, c.H, int(old), int(placed))
}

func (h *Host) OnBlockChanged(w *world.World, m world.Mutation, old block.Type) {
	h.notify(hookChanged, w.Name(), m.Actor, m.Coord.X, m.Coord.Y, m.Coord.H, int(old), int(m.Type))
}
