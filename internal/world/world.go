// Package world holds the shared block state of a world, its zones and access
// rules, and the single consumer that applies queued block changes.
package world

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/siohaza/blocksmith/internal/block"
	"github.com/siohaza/blocksmith/internal/queue"
	"github.com/siohaza/blocksmith/internal/rank"
)

// Mutation is one accepted block change. Actor is empty for changes made by
// the server itself. Predicted is set when the actor's client already shows
// the change.
type Mutation struct {
	Coord     block.Coord
	Type      block.Type
	Actor     string
	Predicted bool
}

// AppliedFunc observes a mutation after it was written to the map.
type AppliedFunc func(w *World, m Mutation, old block.Type)

type World struct {
	name string
	m    *Map

	Zones     *Zones
	Access    *Controller
	BuildAuth *Controller

	locked atomic.Bool

	pending   *queue.Queue[Mutation]
	wake      chan struct{}
	onApplied AppliedFunc
	applied   atomic.Uint64

	logger *slog.Logger
}

func New(name string, m *Map, ranks *rank.Registry, onApplied AppliedFunc, logger *slog.Logger) *World {
	if logger == nil {
		logger = slog.Default()
	}
	return &World{
		name:      name,
		m:         m,
		Zones:     &Zones{},
		Access:    NewController(ranks),
		BuildAuth: NewController(ranks),
		pending:   queue.New[Mutation](),
		wake:      make(chan struct{}, 1),
		onApplied: onApplied,
		logger:    logger.With("world", name),
	}
}

func (w *World) Name() string {
	return w.name
}

func (w *World) Map() *Map {
	return w.m
}

func (w *World) GetBlock(c block.Coord) block.Type {
	return w.m.Get(c)
}

func (w *World) InBounds(c block.Coord) bool {
	return w.m.InBounds(c)
}

func (w *World) IsLocked() bool {
	return w.locked.Load()
}

// SetLocked reports whether the state changed.
func (w *World) SetLocked(locked bool) bool {
	return w.locked.Swap(locked) != locked
}

func (w *World) ZoneCheck(c block.Coord, a Account) ZoneOverride {
	return w.Zones.Check(c, a)
}

func (w *World) ZoneCheckDetailed(c block.Coord, a Account) (allowed, denied []*Zone) {
	return w.Zones.CheckDetailed(c, a)
}

func (w *World) FindDeniedZone(c block.Coord, a Account) *Zone {
	return w.Zones.FindDenied(c, a)
}

func (w *World) CheckAccess(a Account) SecurityCheck {
	return w.Access.Check(a)
}

func (w *World) CheckBuild(a Account) SecurityCheck {
	return w.BuildAuth.Check(a)
}

// QueueMutation hands m to the consumer. It never blocks.
func (w *World) QueueMutation(m Mutation) {
	w.pending.Enqueue(m)
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *World) PendingMutations() int64 {
	return w.pending.Len()
}

func (w *World) AppliedMutations() uint64 {
	return w.applied.Load()
}

// Run applies queued mutations until ctx is done, then applies whatever is
// left so accepted edits are not lost.
func (w *World) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if n := w.ApplyPending(); n > 0 {
				w.logger.Debug("applied remaining mutations on shutdown", "count", n)
			}
			return
		case <-w.wake:
			w.ApplyPending()
		}
	}
}

// ApplyPending drains the queue on the calling goroutine and returns how many
// mutations were applied. Only one goroutine may call it at a time.
func (w *World) ApplyPending() int {
	n := 0
	w.pending.Drain(func(m Mutation) {
		old, ok := w.m.Set(m.Coord, m.Type)
		if !ok {
			w.logger.Warn("dropped mutation outside map", "coord", m.Coord.String(), "block", m.Type.String())
			return
		}
		n++
		w.applied.Add(1)
		if w.onApplied != nil {
			w.onApplied(w, m, old)
		}
	})
	return n
}
