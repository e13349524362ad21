package world

import (
	"sort"
	"strings"
	"sync"

	"github.com/siohaza/blocksmith/internal/rank"
)

// Account is what access checks need to know about a player.
type Account interface {
	Name() string
	Rank() *rank.Rank
}

type SecurityCheck int

const (
	Allowed SecurityCheck = iota
	AllowListed
	DenyListed
	RankTooLow
	RankTooHigh
)

func (s SecurityCheck) String() string {
	switch s {
	case Allowed:
		return "allowed"
	case AllowListed:
		return "allow-listed"
	case DenyListed:
		return "deny-listed"
	case RankTooLow:
		return "rank too low"
	case RankTooHigh:
		return "rank too high"
	default:
		return "unknown"
	}
}

// Permits reports whether the check lets the account through.
func (s SecurityCheck) Permits() bool {
	return s == Allowed || s == AllowListed
}

// Controller gates access by rank range plus explicit include and exclude
// lists. Rank bounds are stored by id so they survive rank edits.
type Controller struct {
	ranks *rank.Registry

	mu        sync.RWMutex
	minRankID string
	maxRankID string
	included  map[string]struct{}
	excluded  map[string]struct{}
}

func NewController(ranks *rank.Registry) *Controller {
	return &Controller{
		ranks:    ranks,
		included: make(map[string]struct{}),
		excluded: make(map[string]struct{}),
	}
}

// SetMinRank sets the least senior rank let through; nil removes the bound.
func (c *Controller) SetMinRank(r *rank.Rank) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.minRankID = rankID(r)
}

func (c *Controller) SetMaxRank(r *rank.Rank) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxRankID = rankID(r)
}

func (c *Controller) MinRank() *rank.Rank {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lookup(c.minRankID)
}

func (c *Controller) MaxRank() *rank.Rank {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lookup(c.maxRankID)
}

func (c *Controller) lookup(id string) *rank.Rank {
	if id == "" || c.ranks == nil {
		return nil
	}
	return c.ranks.Current().ByID(id)
}

// Include adds name to the allow list and removes it from the deny list.
func (c *Controller) Include(name string) {
	key := strings.ToLower(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.excluded, key)
	c.included[key] = struct{}{}
}

func (c *Controller) Exclude(name string) {
	key := strings.ToLower(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.included, key)
	c.excluded[key] = struct{}{}
}

// Forget removes name from both lists.
func (c *Controller) Forget(name string) {
	key := strings.ToLower(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.included, key)
	delete(c.excluded, key)
}

func (c *Controller) Included() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.included)
}

func (c *Controller) Excluded() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.excluded)
}

func (c *Controller) Check(a Account) SecurityCheck {
	key := strings.ToLower(a.Name())

	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.excluded[key]; ok {
		return DenyListed
	}
	if _, ok := c.included[key]; ok {
		return AllowListed
	}

	r := a.Rank()
	if lo := c.lookup(c.minRankID); lo != nil && (r == nil || !r.AtLeast(lo)) {
		return RankTooLow
	}
	if hi := c.lookup(c.maxRankID); hi != nil && r != nil && r.Above(hi) {
		return RankTooHigh
	}
	return Allowed
}

func rankID(r *rank.Rank) string {
	if r == nil {
		return ""
	}
	return r.ID
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
