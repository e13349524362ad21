// Package mapmeta persists the parts of a world that live beside its block
// data: lock state, access and build rules, and zones.
package mapmeta

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/siohaza/blocksmith/internal/block"
	"github.com/siohaza/blocksmith/internal/rank"
	"github.com/siohaza/blocksmith/internal/world"

	"github.com/BurntSushi/toml"
)

// Extension is appended to the world name to form the metadata file name.
const Extension = ".toml"

type Metadata struct {
	Metadata MetadataInfo `toml:"metadata"`
	Locked   bool         `toml:"locked,omitempty"`
	Access   Security     `toml:"access"`
	Build    Security     `toml:"build"`
	Zones    []Zone       `toml:"zone,omitempty"`
}

type MetadataInfo struct {
	Name    string    `toml:"name"`
	SavedAt time.Time `toml:"saved_at"`
}

// Security mirrors a world.Controller. Ranks are kept by id so renames do
// not break the file.
type Security struct {
	MinRank string   `toml:"min_rank,omitempty"`
	MaxRank string   `toml:"max_rank,omitempty"`
	Include []string `toml:"include,omitempty"`
	Exclude []string `toml:"exclude,omitempty"`
}

type Zone struct {
	Name      string   `toml:"name"`
	Min       [3]int   `toml:"min"`
	Max       [3]int   `toml:"max"`
	CreatedBy string   `toml:"created_by,omitempty"`
	Security  Security `toml:"security"`
}

func Parse(content []byte) (*Metadata, error) {
	text := normalizeInput(string(content))

	var meta Metadata
	if err := toml.Unmarshal([]byte(text), &meta); err != nil {
		return nil, fmt.Errorf("failed to parse world metadata: %w", err)
	}
	if meta.Metadata.Name == "" {
		return nil, fmt.Errorf("no name found")
	}
	return &meta, nil
}

func normalizeInput(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.TrimPrefix(s, "\ufeff")
	return s
}

func Load(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read world metadata: %w", err)
	}
	return Parse(data)
}

// Save writes meta to path through a temporary file.
func (meta *Metadata) Save(path string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(meta); err != nil {
		return fmt.Errorf("failed to encode world metadata: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create world directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write world metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace world metadata: %w", err)
	}
	return nil
}

// Capture records the current state of w.
func Capture(w *world.World, now time.Time) *Metadata {
	meta := &Metadata{
		Metadata: MetadataInfo{Name: w.Name(), SavedAt: now.UTC()},
		Locked:   w.IsLocked(),
		Access:   captureSecurity(w.Access),
		Build:    captureSecurity(w.BuildAuth),
	}
	for _, z := range w.Zones.List() {
		meta.Zones = append(meta.Zones, Zone{
			Name:      z.Name,
			Min:       [3]int{z.Bounds.Min.X, z.Bounds.Min.Y, z.Bounds.Min.H},
			Max:       [3]int{z.Bounds.Max.X, z.Bounds.Max.Y, z.Bounds.Max.H},
			CreatedBy: z.CreatedBy,
			Security:  captureSecurity(z.Security),
		})
	}
	return meta
}

func captureSecurity(c *world.Controller) Security {
	s := Security{
		Include: c.Included(),
		Exclude: c.Excluded(),
	}
	if r := c.MinRank(); r != nil {
		s.MinRank = r.ID
	}
	if r := c.MaxRank(); r != nil {
		s.MaxRank = r.ID
	}
	return s
}

// Apply restores meta onto w. Entries that no longer make sense, such as a
// zone outside the map or a rank that was deleted, are skipped with a warning.
func (meta *Metadata) Apply(w *world.World, ranks *rank.Registry, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	w.SetLocked(meta.Locked)
	applySecurity(w.Access, meta.Access, ranks, logger)
	applySecurity(w.BuildAuth, meta.Build, ranks, logger)

	for _, z := range meta.Zones {
		lo := block.Coord{X: z.Min[0], Y: z.Min[1], H: z.Min[2]}
		hi := block.Coord{X: z.Max[0], Y: z.Max[1], H: z.Max[2]}
		if !w.InBounds(lo) || !w.InBounds(hi) {
			logger.Warn("zone lies outside the map, skipping", "zone", z.Name)
			continue
		}

		zone := &world.Zone{
			Name:      z.Name,
			Bounds:    world.NewBounds(lo, hi),
			Security:  world.NewController(ranks),
			CreatedBy: z.CreatedBy,
		}
		applySecurity(zone.Security, z.Security, ranks, logger)
		if err := w.Zones.Add(zone); err != nil {
			logger.Warn("failed to restore zone", "zone", z.Name, "error", err)
		}
	}
}

func applySecurity(c *world.Controller, s Security, ranks *rank.Registry, logger *slog.Logger) {
	set := ranks.Current()
	if s.MinRank != "" {
		if r := set.ByID(s.MinRank); r != nil {
			c.SetMinRank(r)
		} else {
			logger.Warn("minimum rank no longer exists, dropping bound", "rank_id", s.MinRank)
		}
	}
	if s.MaxRank != "" {
		if r := set.ByID(s.MaxRank); r != nil {
			c.SetMaxRank(r)
		} else {
			logger.Warn("maximum rank no longer exists, dropping bound", "rank_id", s.MaxRank)
		}
	}
	for _, name := range s.Include {
		c.Include(name)
	}
	for _, name := range s.Exclude {
		c.Exclude(name)
	}
}
