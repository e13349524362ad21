package rank

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/siohaza/blocksmith/internal/validation"

	"github.com/BurntSushi/toml"
)

// Definition is the on-disk form of a rank.
type Definition struct {
	ID               string            `toml:"id"`
	Name             string            `toml:"name"`
	Color            string            `toml:"color,omitempty"`
	Prefix           string            `toml:"prefix,omitempty"`
	AntiGriefBlocks  *int              `toml:"antigrief_blocks,omitempty"`
	AntiGriefSeconds *int              `toml:"antigrief_seconds,omitempty"`
	DrawLimit        int               `toml:"draw_limit,omitempty"`
	IdleKickAfter    int               `toml:"idle_kick_after,omitempty"`
	ReserveSlot      bool              `toml:"reserve_slot,omitempty"`
	Permissions      []string          `toml:"permissions"`
	Limits           map[string]string `toml:"limits,omitempty"`
}

// File lists ranks most senior first.
type File struct {
	DefaultRank string       `toml:"default_rank"`
	Ranks       []Definition `toml:"rank"`
}

func LoadFile(path string, logger *slog.Logger) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ranks file: %w", err)
	}
	return Parse(data, logger)
}

func Parse(data []byte, logger *slog.Logger) (*Set, error) {
	var file File
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse ranks file: %w", err)
	}
	return NewSet(file.Ranks, file.DefaultRank, logger)
}

// NewSet validates definitions and links them into a Set. Defective ranks are
// skipped with a warning; a duplicate id is fatal.
func NewSet(defs []Definition, defaultName string, logger *slog.Logger) (*Set, error) {
	if logger == nil {
		logger = slog.Default()
	}

	set := &Set{
		byName: make(map[string]*Rank),
		byID:   make(map[string]*Rank),
	}
	accepted := make([]Definition, 0, len(defs))

	for _, def := range defs {
		r, err := buildRank(def, set, logger)
		if err != nil {
			if errors.Is(err, ErrDuplicateID) {
				return nil, fmt.Errorf("rank %q: %w %s", def.Name, ErrDuplicateID, def.ID)
			}
			logger.Warn("rank definition ignored", "rank", def.Name, "error", err)
			continue
		}
		set.ranks = append(set.ranks, r)
		set.byName[strings.ToLower(r.Name)] = r
		set.byID[r.ID] = r
		accepted = append(accepted, def)
	}

	if len(set.ranks) == 0 {
		return nil, fmt.Errorf("no valid rank definitions")
	}

	for i, r := range set.ranks {
		r.Position = len(set.ranks) - 1 - i
	}

	for i, def := range accepted {
		linkCeilings(set.ranks[i], def.Limits, set, logger)
	}

	set.def = set.Lowest()
	if defaultName != "" {
		if r := set.ByName(defaultName); r != nil {
			set.def = r
		} else {
			logger.Warn("default rank not found, using lowest rank", "rank", defaultName, "fallback", set.def.Name)
		}
	}

	return set, nil
}

func buildRank(def Definition, set *Set, logger *slog.Logger) (*Rank, error) {
	name := strings.TrimSpace(def.Name)
	if !validation.IsValidRankName(name) {
		return nil, fmt.Errorf("invalid name %q: only letters, digits and underscores, up to 16 characters", def.Name)
	}
	if set.ByName(name) != nil {
		return nil, fmt.Errorf("%w: %s", ErrNameTaken, name)
	}

	id := strings.TrimSpace(def.ID)
	switch {
	case id == "":
		id = GenerateID()
		logger.Warn("rank had no id, issued a new one", "rank", name, "id", id)
	case !validation.IsValidRankID(id):
		return nil, fmt.Errorf("invalid id %q: must be 16 alphanumeric characters", def.ID)
	case set.ByID(id) != nil:
		return nil, ErrDuplicateID
	}

	r := &Rank{
		ID:               id,
		Name:             name,
		AntiGriefBlocks:  DefaultAntiGriefBlocks,
		AntiGriefSeconds: DefaultAntiGriefSeconds,
		ReservedSlot:     def.ReserveSlot,
	}

	if validation.IsValidColorCode(def.Color) {
		r.Color = def.Color
	} else {
		logger.Warn("could not parse rank color, assuming none", "rank", name, "color", def.Color)
	}

	if validation.IsValidRankPrefix(def.Prefix) {
		r.Prefix = def.Prefix
	} else {
		logger.Warn("invalid rank prefix, expecting one character", "rank", name, "prefix", def.Prefix)
	}

	if def.AntiGriefBlocks != nil {
		if v := *def.AntiGriefBlocks; v >= 0 && v <= MaxAntiGriefBlocks {
			r.AntiGriefBlocks = v
		} else {
			logger.Warn("antigrief_blocks out of range, assuming default", "rank", name, "value", v, "default", DefaultAntiGriefBlocks)
		}
	}
	if def.AntiGriefSeconds != nil {
		if v := *def.AntiGriefSeconds; v >= 0 && v <= MaxAntiGriefSeconds {
			r.AntiGriefSeconds = v
		} else {
			logger.Warn("antigrief_seconds out of range, assuming default", "rank", name, "value", v, "default", DefaultAntiGriefSeconds)
		}
	}
	if def.DrawLimit >= 0 && def.DrawLimit <= MaxDrawLimit {
		r.DrawLimit = def.DrawLimit
	} else {
		logger.Warn("draw_limit out of range, assuming 0", "rank", name, "value", def.DrawLimit)
	}
	if def.IdleKickAfter >= 0 {
		r.IdleKickAfter = time.Duration(def.IdleKickAfter) * time.Minute
	} else {
		logger.Warn("idle_kick_after is negative, assuming never", "rank", name)
	}

	for _, perm := range def.Permissions {
		c, err := ParseCapability(perm)
		if err != nil {
			logger.Warn("unknown permission ignored", "rank", name, "permission", perm)
			continue
		}
		r.caps = r.caps.With(c)
	}

	if (r.caps.Has(BanIP) || r.caps.Has(BanAll)) && !r.caps.Has(Ban) {
		logger.Warn("rank may ban_ip or ban_all but not ban, disabling both", "rank", name)
		r.caps = r.caps.Without(BanIP).Without(BanAll)
	}
	if r.caps.Has(Patrol) && !r.caps.Has(Teleport) {
		logger.Warn("rank may patrol but not teleport, disabling patrol", "rank", name)
		r.caps = r.caps.Without(Patrol)
	}

	return r, nil
}

func linkCeilings(r *Rank, limits map[string]string, set *Set, logger *slog.Logger) {
	for capName, limitName := range limits {
		c, err := ParseCapability(capName)
		if err != nil {
			logger.Warn("limit for unknown permission ignored", "rank", r.Name, "permission", capName)
			continue
		}
		limit := set.ByName(limitName)
		if limit == nil {
			logger.Warn("limit names an unknown rank, using default", "rank", r.Name, "permission", capName, "limit", limitName)
			continue
		}
		if r.ceilings == nil {
			r.ceilings = make(map[Capability]*Rank)
		}
		r.ceilings[c] = limit
	}
}

// Save writes the set to path through a temporary file.
func (s *Set) Save(path string) error {
	var buf bytes.Buffer
	file := File{DefaultRank: s.DefaultName(), Ranks: s.Definitions()}
	if err := toml.NewEncoder(&buf).Encode(file); err != nil {
		return fmt.Errorf("failed to encode ranks: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create ranks directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write ranks file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace ranks file: %w", err)
	}
	return nil
}

func intPtr(v int) *int {
	return &v
}

// DefaultDefinitions is the hierarchy written on first start.
func DefaultDefinitions() []Definition {
	all := make([]string, 0, capabilityCount)
	for _, c := range AllCapabilities() {
		all = append(all, c.String())
	}

	return []Definition{
		{
			ID:               "owner00000000000",
			Name:             "owner",
			Color:            "&c",
			Prefix:           "+",
			AntiGriefBlocks:  intPtr(0),
			AntiGriefSeconds: intPtr(0),
			ReserveSlot:      true,
			Permissions:      all,
		},
		{
			ID:               "op00000000000000",
			Name:             "op",
			Color:            "&9",
			Prefix:           "-",
			AntiGriefBlocks:  intPtr(0),
			AntiGriefSeconds: intPtr(0),
			DrawLimit:        2_000_000,
			ReserveSlot:      true,
			Permissions: []string{
				"chat", "build", "delete", "place_grass", "place_water", "place_lava",
				"place_admincrete", "delete_admincrete", "view_others_info", "say",
				"kick", "ban", "ban_ip", "promote", "demote", "hide", "draw", "teleport",
				"bring", "freeze", "lock", "manage_zones", "patrol", "use_color_codes",
			},
			Limits: map[string]string{"promote": "builder", "demote": "builder"},
		},
		{
			ID:               "builder000000000",
			Name:             "builder",
			Color:            "&2",
			AntiGriefBlocks:  intPtr(47),
			AntiGriefSeconds: intPtr(6),
			DrawLimit:        8000,
			Permissions:      []string{"chat", "build", "delete", "place_grass", "place_water", "draw", "teleport"},
		},
		{
			ID:               "guest00000000000",
			Name:             "guest",
			Color:            "&7",
			AntiGriefBlocks:  intPtr(DefaultAntiGriefBlocks),
			AntiGriefSeconds: intPtr(DefaultAntiGriefSeconds),
			IdleKickAfter:    30,
			Permissions:      []string{"chat", "build", "delete"},
		},
	}
}
