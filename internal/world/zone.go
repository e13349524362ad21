package world

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/siohaza/blocksmith/internal/block"
	"github.com/siohaza/blocksmith/internal/validation"
)

var (
	ErrZoneExists  = errors.New("zone already exists")
	ErrUnknownZone = errors.New("unknown zone")
)

type ZoneOverride int

const (
	NoOverride ZoneOverride = iota
	ZoneAllow
	ZoneDeny
)

func (z ZoneOverride) String() string {
	switch z {
	case ZoneAllow:
		return "allow"
	case ZoneDeny:
		return "deny"
	default:
		return "none"
	}
}

// Bounds is an inclusive box.
type Bounds struct {
	Min block.Coord
	Max block.Coord
}

// NewBounds orders two corners into min and max.
func NewBounds(a, b block.Coord) Bounds {
	return Bounds{
		Min: block.Coord{X: min(a.X, b.X), Y: min(a.Y, b.Y), H: min(a.H, b.H)},
		Max: block.Coord{X: max(a.X, b.X), Y: max(a.Y, b.Y), H: max(a.H, b.H)},
	}
}

func (b Bounds) Contains(c block.Coord) bool {
	return c.X >= b.Min.X && c.X <= b.Max.X &&
		c.Y >= b.Min.Y && c.Y <= b.Max.Y &&
		c.H >= b.Min.H && c.H <= b.Max.H
}

func (b Bounds) Volume() int {
	return (b.Max.X - b.Min.X + 1) * (b.Max.Y - b.Min.Y + 1) * (b.Max.H - b.Min.H + 1)
}

type Zone struct {
	Name      string
	Bounds    Bounds
	Security  *Controller
	CreatedBy string
}

type Zones struct {
	mu    sync.RWMutex
	zones []*Zone
}

func (zs *Zones) Add(z *Zone) error {
	if !validation.IsValidRankName(z.Name) {
		return fmt.Errorf("invalid zone name %q", z.Name)
	}
	zs.mu.Lock()
	defer zs.mu.Unlock()
	for _, existing := range zs.zones {
		if strings.EqualFold(existing.Name, z.Name) {
			return fmt.Errorf("%w: %s", ErrZoneExists, z.Name)
		}
	}
	zs.zones = append(zs.zones, z)
	return nil
}

func (zs *Zones) Remove(name string) error {
	zs.mu.Lock()
	defer zs.mu.Unlock()
	for i, z := range zs.zones {
		if strings.EqualFold(z.Name, name) {
			zs.zones = append(zs.zones[:i], zs.zones[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownZone, name)
}

func (zs *Zones) Find(name string) *Zone {
	zs.mu.RLock()
	defer zs.mu.RUnlock()
	for _, z := range zs.zones {
		if strings.EqualFold(z.Name, name) {
			return z
		}
	}
	return nil
}

func (zs *Zones) List() []*Zone {
	zs.mu.RLock()
	defer zs.mu.RUnlock()
	out := make([]*Zone, len(zs.zones))
	copy(out, zs.zones)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Check returns the override for a at c. Any zone that denies wins over
// zones that allow.
func (zs *Zones) Check(c block.Coord, a Account) ZoneOverride {
	zs.mu.RLock()
	defer zs.mu.RUnlock()

	result := NoOverride
	for _, z := range zs.zones {
		if !z.Bounds.Contains(c) {
			continue
		}
		if !z.Security.Check(a).Permits() {
			return ZoneDeny
		}
		result = ZoneAllow
	}
	return result
}

// CheckDetailed lists every zone at c split by whether it lets a build.
func (zs *Zones) CheckDetailed(c block.Coord, a Account) (allowed, denied []*Zone) {
	zs.mu.RLock()
	defer zs.mu.RUnlock()

	for _, z := range zs.zones {
		if !z.Bounds.Contains(c) {
			continue
		}
		if z.Security.Check(a).Permits() {
			allowed = append(allowed, z)
		} else {
			denied = append(denied, z)
		}
	}
	return allowed, denied
}

// FindDenied returns the first zone at c that refuses a, or nil.
func (zs *Zones) FindDenied(c block.Coord, a Account) *Zone {
	_, denied := zs.CheckDetailed(c, a)
	if len(denied) == 0 {
		return nil
	}
	return denied[0]
}
