package rank

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/siohaza/blocksmith/internal/validation"
)

// Registry publishes the current rank Set. Readers load it without locking;
// every edit builds a fresh Set and swaps it in whole.
type Registry struct {
	current atomic.Pointer[Set]
	mu      sync.Mutex
	logger  *slog.Logger
}

func NewRegistry(set *Set, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{logger: logger}
	r.current.Store(set)
	return r
}

func (r *Registry) Current() *Set {
	return r.current.Load()
}

func (r *Registry) Replace(set *Set) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current.Store(set)
}

// Resolve returns the rank with id in the current set, or the default rank
// when it no longer exists.
func (r *Registry) Resolve(id string) *Rank {
	set := r.Current()
	if rk := set.ByID(id); rk != nil {
		return rk
	}
	return set.Default()
}

type editFunc func(defs []Definition, defaultName string) ([]Definition, string, error)

func (r *Registry) edit(fn editFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	defs, defaultName, err := fn(cur.Definitions(), cur.DefaultName())
	if err != nil {
		return err
	}

	next, err := NewSet(defs, defaultName, r.logger)
	if err != nil {
		return fmt.Errorf("failed to rebuild ranks: %w", err)
	}
	r.current.Store(next)
	return nil
}

func findDef(defs []Definition, name string) int {
	for i := range defs {
		if strings.EqualFold(defs[i].Name, name) {
			return i
		}
	}
	return -1
}

// Add inserts def at index (0 is most senior). An out-of-range index appends
// it as the least senior rank.
func (r *Registry) Add(def Definition, index int) error {
	if !validation.IsValidRankName(def.Name) {
		return fmt.Errorf("invalid rank name %q", def.Name)
	}
	if def.ID == "" {
		def.ID = GenerateID()
	}
	if !validation.IsValidRankID(def.ID) {
		return fmt.Errorf("invalid rank id %q", def.ID)
	}

	return r.edit(func(defs []Definition, defaultName string) ([]Definition, string, error) {
		if findDef(defs, def.Name) >= 0 {
			return nil, "", fmt.Errorf("%w: %s", ErrNameTaken, def.Name)
		}
		for _, d := range defs {
			if d.ID == def.ID {
				return nil, "", fmt.Errorf("%w: %s", ErrDuplicateID, def.ID)
			}
		}
		if index < 0 || index > len(defs) {
			index = len(defs)
		}
		defs = append(defs[:index], append([]Definition{def}, defs[index:]...)...)
		return defs, defaultName, nil
	})
}

func (r *Registry) Rename(name, newName string) error {
	if !validation.IsValidRankName(newName) {
		return fmt.Errorf("invalid rank name %q", newName)
	}

	return r.edit(func(defs []Definition, defaultName string) ([]Definition, string, error) {
		i := findDef(defs, name)
		if i < 0 {
			return nil, "", fmt.Errorf("%w: %s", ErrUnknownRank, name)
		}
		if j := findDef(defs, newName); j >= 0 && j != i {
			return nil, "", fmt.Errorf("%w: %s", ErrNameTaken, newName)
		}

		oldName := defs[i].Name
		defs[i].Name = newName
		for k := range defs {
			for c, limit := range defs[k].Limits {
				if strings.EqualFold(limit, oldName) {
					defs[k].Limits[c] = newName
				}
			}
		}
		if strings.EqualFold(defaultName, oldName) {
			defaultName = newName
		}
		return defs, defaultName, nil
	})
}

// Move re-orders a rank to index (0 is most senior). Positions of every rank
// are reassigned by the rebuild.
func (r *Registry) Move(name string, index int) error {
	return r.edit(func(defs []Definition, defaultName string) ([]Definition, string, error) {
		i := findDef(defs, name)
		if i < 0 {
			return nil, "", fmt.Errorf("%w: %s", ErrUnknownRank, name)
		}
		if index < 0 || index >= len(defs) {
			return nil, "", fmt.Errorf("rank index out of range: %d", index)
		}
		def := defs[i]
		defs = append(defs[:i], defs[i+1:]...)
		defs = append(defs[:index], append([]Definition{def}, defs[index:]...)...)
		return defs, defaultName, nil
	})
}

func (r *Registry) SetCeiling(name string, c Capability, ceilingName string) error {
	if !c.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownCapability, uint8(c))
	}

	return r.edit(func(defs []Definition, defaultName string) ([]Definition, string, error) {
		i := findDef(defs, name)
		if i < 0 {
			return nil, "", fmt.Errorf("%w: %s", ErrUnknownRank, name)
		}
		j := findDef(defs, ceilingName)
		if j < 0 {
			return nil, "", fmt.Errorf("%w: %s", ErrUnknownRank, ceilingName)
		}
		if defs[i].Limits == nil {
			defs[i].Limits = make(map[string]string)
		}
		defs[i].Limits[c.String()] = defs[j].Name
		return defs, defaultName, nil
	})
}

func (r *Registry) ResetCeiling(name string, c Capability) error {
	return r.edit(func(defs []Definition, defaultName string) ([]Definition, string, error) {
		i := findDef(defs, name)
		if i < 0 {
			return nil, "", fmt.Errorf("%w: %s", ErrUnknownRank, name)
		}
		delete(defs[i].Limits, c.String())
		return defs, defaultName, nil
	})
}

func (r *Registry) Grant(name string, caps ...Capability) error {
	return r.setCapabilities(name, caps, true)
}

func (r *Registry) Revoke(name string, caps ...Capability) error {
	return r.setCapabilities(name, caps, false)
}

func (r *Registry) setCapabilities(name string, caps []Capability, grant bool) error {
	for _, c := range caps {
		if !c.Valid() {
			return fmt.Errorf("%w: %d", ErrUnknownCapability, uint8(c))
		}
	}

	return r.edit(func(defs []Definition, defaultName string) ([]Definition, string, error) {
		i := findDef(defs, name)
		if i < 0 {
			return nil, "", fmt.Errorf("%w: %s", ErrUnknownRank, name)
		}

		var set CapabilitySet
		for _, perm := range defs[i].Permissions {
			if c, err := ParseCapability(perm); err == nil {
				set = set.With(c)
			}
		}
		for _, c := range caps {
			if grant {
				set = set.With(c)
			} else {
				set = set.Without(c)
			}
		}
		defs[i].Permissions = set.Names()
		return defs, defaultName, nil
	})
}

// Limits holds the numeric thresholds of a rank.
type Limits struct {
	AntiGriefBlocks  int
	AntiGriefSeconds int
	DrawLimit        int
	IdleKickAfter    time.Duration
	ReservedSlot     bool
}

func (l Limits) validate() error {
	if l.AntiGriefBlocks < 0 || l.AntiGriefBlocks > MaxAntiGriefBlocks {
		return fmt.Errorf("antigrief blocks must be between 0 and %d", MaxAntiGriefBlocks)
	}
	if l.AntiGriefSeconds < 0 || l.AntiGriefSeconds > MaxAntiGriefSeconds {
		return fmt.Errorf("antigrief seconds must be between 0 and %d", MaxAntiGriefSeconds)
	}
	if l.DrawLimit < 0 || l.DrawLimit > MaxDrawLimit {
		return fmt.Errorf("draw limit must be between 0 and %d", MaxDrawLimit)
	}
	if l.IdleKickAfter < 0 {
		return fmt.Errorf("idle kick timeout cannot be negative")
	}
	return nil
}

func (r *Registry) SetLimits(name string, limits Limits) error {
	if err := limits.validate(); err != nil {
		return err
	}

	return r.edit(func(defs []Definition, defaultName string) ([]Definition, string, error) {
		i := findDef(defs, name)
		if i < 0 {
			return nil, "", fmt.Errorf("%w: %s", ErrUnknownRank, name)
		}
		defs[i].AntiGriefBlocks = intPtr(limits.AntiGriefBlocks)
		defs[i].AntiGriefSeconds = intPtr(limits.AntiGriefSeconds)
		defs[i].DrawLimit = limits.DrawLimit
		defs[i].IdleKickAfter = int(limits.IdleKickAfter / time.Minute)
		defs[i].ReserveSlot = limits.ReservedSlot
		return defs, defaultName, nil
	})
}

// Delete removes a rank. Ceilings of other ranks that pointed at it are reset
// to their default; changed reports whether any were.
func (r *Registry) Delete(name string) (changed bool, err error) {
	err = r.edit(func(defs []Definition, defaultName string) ([]Definition, string, error) {
		i := findDef(defs, name)
		if i < 0 {
			return nil, "", fmt.Errorf("%w: %s", ErrUnknownRank, name)
		}
		if len(defs) == 1 {
			return nil, "", fmt.Errorf("cannot delete the last rank")
		}

		deleted := defs[i].Name
		defs = append(defs[:i], defs[i+1:]...)
		for k := range defs {
			for c, limit := range defs[k].Limits {
				if strings.EqualFold(limit, deleted) {
					delete(defs[k].Limits, c)
					changed = true
				}
			}
		}
		if strings.EqualFold(defaultName, deleted) {
			defaultName = ""
		}
		return defs, defaultName, nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		r.logger.Info("rank deleted, dependent limits were reset", "rank", name)
	}
	return changed, nil
}
