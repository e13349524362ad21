package rank

import (
	"crypto/rand"
	"errors"
	"math/big"
	"strings"
	"time"
)

const (
	DefaultAntiGriefBlocks  = 35
	DefaultAntiGriefSeconds = 5

	MaxAntiGriefBlocks  = 999
	MaxAntiGriefSeconds = 99
	MaxDrawLimit        = 99_999_999

	IDLength = 16
)

var (
	ErrDuplicateID = errors.New("duplicate rank id")
	ErrNameTaken   = errors.New("rank name already in use")
	ErrUnknownRank = errors.New("unknown rank")
)

// Rank is immutable once it belongs to a Set. Edits go through Registry,
// which rebuilds the whole Set.
type Rank struct {
	ID       string
	Name     string
	Color    string
	Prefix   string
	Position int

	AntiGriefBlocks  int
	AntiGriefSeconds int
	DrawLimit        int
	IdleKickAfter    time.Duration
	ReservedSlot     bool

	caps     CapabilitySet
	ceilings map[Capability]*Rank
}

// Can reports whether every listed capability is granted.
func (r *Rank) Can(caps ...Capability) bool {
	if r == nil {
		return false
	}
	for _, c := range caps {
		if !r.caps.Has(c) {
			return false
		}
	}
	return true
}

func (r *Rank) Capabilities() CapabilitySet {
	return r.caps
}

// Ceiling returns the most senior rank r may target with c. Unset ceilings
// default to r itself.
func (r *Rank) Ceiling(c Capability) *Rank {
	if limit, ok := r.ceilings[c]; ok && limit != nil {
		return limit
	}
	return r
}

func (r *Rank) HasCustomCeiling(c Capability) bool {
	_, ok := r.ceilings[c]
	return ok
}

func (r *Rank) CanActOn(c Capability, other *Rank) bool {
	if r == nil || other == nil {
		return false
	}
	return r.Ceiling(c).Position >= other.Position
}

// CanSee reports whether r sees through other's hide ceiling.
func (r *Rank) CanSee(other *Rank) bool {
	if r == nil || other == nil {
		return false
	}
	return r.Position > other.Ceiling(Hide).Position
}

func (r *Rank) Above(other *Rank) bool {
	return r.Position > other.Position
}

func (r *Rank) AtLeast(other *Rank) bool {
	return r.Position >= other.Position
}

// ClassyName is the name as shown in chat: colour code and prefix included.
func (r *Rank) ClassyName() string {
	return r.Color + r.Prefix + r.Name
}

func (r *Rank) String() string {
	return r.Name
}

// Set is an ordered, read-only collection of ranks.
type Set struct {
	ranks  []*Rank
	byName map[string]*Rank
	byID   map[string]*Rank
	def    *Rank
}

func (s *Set) Len() int {
	return len(s.ranks)
}

// Ranks returns ranks from most to least senior.
func (s *Set) Ranks() []*Rank {
	out := make([]*Rank, len(s.ranks))
	copy(out, s.ranks)
	return out
}

func (s *Set) ByName(name string) *Rank {
	return s.byName[strings.ToLower(name)]
}

func (s *Set) ByID(id string) *Rank {
	return s.byID[id]
}

// Find matches an exact name first, then a unique name prefix.
func (s *Set) Find(name string) *Rank {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return nil
	}
	if r, ok := s.byName[key]; ok {
		return r
	}

	var match *Rank
	for _, r := range s.ranks {
		if strings.HasPrefix(strings.ToLower(r.Name), key) {
			if match != nil {
				return nil
			}
			match = r
		}
	}
	return match
}

func (s *Set) Highest() *Rank {
	if len(s.ranks) == 0 {
		return nil
	}
	return s.ranks[0]
}

func (s *Set) Lowest() *Rank {
	if len(s.ranks) == 0 {
		return nil
	}
	return s.ranks[len(s.ranks)-1]
}

func (s *Set) Default() *Rank {
	return s.def
}

func (s *Set) NextUp(r *Rank) *Rank {
	i := s.index(r)
	if i <= 0 {
		return nil
	}
	return s.ranks[i-1]
}

func (s *Set) NextDown(r *Rank) *Rank {
	i := s.index(r)
	if i < 0 || i >= len(s.ranks)-1 {
		return nil
	}
	return s.ranks[i+1]
}

func (s *Set) index(r *Rank) int {
	if r == nil {
		return -1
	}
	for i, candidate := range s.ranks {
		if candidate.ID == r.ID {
			return i
		}
	}
	return -1
}

// Definitions converts the set back into its file form, most senior first.
func (s *Set) Definitions() []Definition {
	defs := make([]Definition, 0, len(s.ranks))
	for _, r := range s.ranks {
		blocks, seconds := r.AntiGriefBlocks, r.AntiGriefSeconds
		def := Definition{
			ID:               r.ID,
			Name:             r.Name,
			Color:            r.Color,
			Prefix:           r.Prefix,
			AntiGriefBlocks:  &blocks,
			AntiGriefSeconds: &seconds,
			DrawLimit:        r.DrawLimit,
			IdleKickAfter:    int(r.IdleKickAfter / time.Minute),
			ReserveSlot:      r.ReservedSlot,
			Permissions:      r.caps.Names(),
		}
		if len(r.ceilings) > 0 {
			def.Limits = make(map[string]string, len(r.ceilings))
			for c, limit := range r.ceilings {
				def.Limits[c.String()] = limit.Name
			}
		}
		defs = append(defs, def)
	}
	return defs
}

func (s *Set) DefaultName() string {
	if s.def == nil {
		return ""
	}
	return s.def.Name
}

const idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// GenerateID returns a fresh 16-character alphanumeric rank id.
func GenerateID() string {
	var sb strings.Builder
	max := big.NewInt(int64(len(idAlphabet)))
	for i := 0; i < IDLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("crypto/rand unavailable: " + err.Error())
		}
		sb.WriteByte(idAlphabet[n.Int64()])
	}
	return sb.String()
}
