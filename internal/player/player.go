package player

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/siohaza/blocksmith/internal/antispam"
	"github.com/siohaza/blocksmith/internal/block"
	"github.com/siohaza/blocksmith/internal/rank"
	"github.com/siohaza/blocksmith/internal/selection"
	"github.com/siohaza/blocksmith/internal/world"
)

// ConfirmationTimeout is how long a command waits for /ok.
const ConfirmationTimeout = 60 * time.Second

// ConsoleID is never handed to a network client.
const ConsoleID = 255

// Session is the player's connection as seen by game logic.
type Session interface {
	SendBlock(c block.Coord, t block.Type) error
	SendMessage(msg string) error
	Kick(reason string) error
	RemoteAddr() string
}

// Position is in 1/32 block units, with h pointing up.
type Position struct {
	X, Y, H    int
	Yaw, Pitch uint8
}

func (p Position) Block() block.Coord {
	return block.Coord{X: p.X / 32, Y: p.Y / 32, H: p.H / 32}
}

type Confirmation struct {
	Command string
	Expires time.Time
}

type Stats struct {
	BlocksPlaced    int64
	BlocksDeleted   int64
	MessagesWritten int64
}

type Player struct {
	ID uint8

	name    string
	console bool
	session Session
	ranks   *rank.Registry

	Selection selection.Selection[*Player]
	Antispam  *antispam.Detector

	mu         sync.RWMutex
	rankID     string
	world      *world.World
	position   Position
	frozen     bool
	spectating bool
	hidden     bool
	painting   bool
	mutedUntil time.Time
	bindings   [block.Count]block.Type
	confirm    *Confirmation
	loginTime  time.Time
	lastActive time.Time

	ignoreMu sync.Mutex
	ignored  map[string]struct{}

	blocksPlaced    atomic.Int64
	blocksDeleted   atomic.Int64
	messagesWritten atomic.Int64
}

func New(id uint8, name string, r *rank.Rank, ranks *rank.Registry, session Session, policy antispam.Policy) *Player {
	now := time.Now()
	p := &Player{
		ID:         id,
		name:       name,
		session:    session,
		ranks:      ranks,
		Antispam:   antispam.NewDetector(policy),
		ignored:    make(map[string]struct{}),
		loginTime:  now,
		lastActive: now,
	}
	if r != nil {
		p.rankID = r.ID
	}
	for i := range p.bindings {
		p.bindings[i] = block.Type(i)
	}
	return p
}

// NewConsole returns the actor used for commands typed on the server console.
// It bypasses every permission and rate check.
func NewConsole(ranks *rank.Registry, session Session) *Player {
	p := New(ConsoleID, "(console)", nil, ranks, session, antispam.Policy{})
	p.console = true
	return p
}

func (p *Player) Name() string {
	return p.name
}

func (p *Player) IsConsole() bool {
	return p.console
}

func (p *Player) Session() Session {
	return p.session
}

func (p *Player) RemoteAddr() string {
	if p.session == nil {
		return ""
	}
	return p.session.RemoteAddr()
}

// Rank resolves the player's rank against the current rank set. The console
// reports the most senior rank.
func (p *Player) Rank() *rank.Rank {
	if p.console {
		return p.ranks.Current().Highest()
	}
	p.mu.RLock()
	id := p.rankID
	p.mu.RUnlock()
	return p.ranks.Resolve(id)
}

func (p *Player) SetRank(r *rank.Rank) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rankID = r.ID
}

func (p *Player) Can(caps ...rank.Capability) bool {
	if p.console {
		return true
	}
	return p.Rank().Can(caps...)
}

func (p *Player) CanActOn(c rank.Capability, other *rank.Rank) bool {
	if p.console {
		return true
	}
	return p.Rank().CanActOn(c, other)
}

// CanSee reports whether other is visible to p.
func (p *Player) CanSee(other *Player) bool {
	if p == other || p.console || !other.IsHidden() {
		return true
	}
	return p.Rank().CanSee(other.Rank())
}

func (p *Player) ClassyName() string {
	if p.console {
		return "&c" + p.name
	}
	r := p.Rank()
	return r.Color + r.Prefix + p.name
}

func (p *Player) Message(format string, args ...any) {
	if p.session == nil {
		return
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	_ = p.session.SendMessage(msg)
}

func (p *Player) Kick(reason string) error {
	if p.session == nil {
		return nil
	}
	return p.session.Kick(reason)
}

func (p *Player) SendBlock(c block.Coord, t block.Type) {
	if p.session == nil {
		return
	}
	_ = p.session.SendBlock(c, t)
}

// RevertBlock resends the authoritative block at c, undoing the client's
// local prediction.
func (p *Player) RevertBlock(c block.Coord) {
	w := p.World()
	if w == nil {
		return
	}
	p.SendBlock(c, w.GetBlock(c))
}

func (p *Player) World() *world.World {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.world
}

func (p *Player) SetWorld(w *world.World) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.world = w
}

func (p *Player) Position() Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.position
}

func (p *Player) SetPosition(pos Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.position = pos
}

func (p *Player) IsFrozen() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.frozen
}

func (p *Player) SetFrozen(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frozen = v
}

func (p *Player) IsSpectating() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.spectating
}

func (p *Player) SetSpectating(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spectating = v
}

func (p *Player) IsHidden() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hidden
}

func (p *Player) SetHidden(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hidden = v
}

func (p *Player) IsPainting() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.painting
}

func (p *Player) SetPainting(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.painting = v
}

func (p *Player) IsMuted(now time.Time) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return now.Before(p.mutedUntil)
}

func (p *Player) MutedUntil() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mutedUntil
}

func (p *Player) Mute(until time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mutedUntil = until
}

// Bind makes requests for from place to instead.
func (p *Player) Bind(from, to block.Type) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("invalid block binding %d -> %d", from, to)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bindings[from] = to
	return nil
}

func (p *Player) Binding(t block.Type) block.Type {
	if !t.Valid() {
		return t
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bindings[t]
}

func (p *Player) ResetBindings() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.bindings {
		p.bindings[i] = block.Type(i)
	}
}

// Ignore reports false when name was already ignored.
func (p *Player) Ignore(name string) bool {
	key := strings.ToLower(name)
	p.ignoreMu.Lock()
	defer p.ignoreMu.Unlock()
	if _, ok := p.ignored[key]; ok {
		return false
	}
	p.ignored[key] = struct{}{}
	return true
}

func (p *Player) Unignore(name string) bool {
	key := strings.ToLower(name)
	p.ignoreMu.Lock()
	defer p.ignoreMu.Unlock()
	if _, ok := p.ignored[key]; !ok {
		return false
	}
	delete(p.ignored, key)
	return true
}

func (p *Player) IsIgnoring(name string) bool {
	key := strings.ToLower(name)
	p.ignoreMu.Lock()
	defer p.ignoreMu.Unlock()
	_, ok := p.ignored[key]
	return ok
}

func (p *Player) IgnoreList() []string {
	p.ignoreMu.Lock()
	defer p.ignoreMu.Unlock()
	out := make([]string, 0, len(p.ignored))
	for name := range p.ignored {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RequireConfirmation stores command until /ok or until it expires.
func (p *Player) RequireConfirmation(command string, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.confirm = &Confirmation{Command: command, Expires: now.Add(ConfirmationTimeout)}
}

// TakeConfirmation returns the pending command if it has not expired, and
// clears it either way.
func (p *Player) TakeConfirmation(now time.Time) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.confirm
	p.confirm = nil
	if c == nil || now.After(c.Expires) {
		return "", false
	}
	return c.Command, true
}

func (p *Player) RecordPlacement(old, placed block.Type) {
	if placed == block.Air {
		if old != block.Air {
			p.blocksDeleted.Add(1)
		}
		return
	}
	p.blocksPlaced.Add(1)
}

func (p *Player) RecordMessage() {
	p.messagesWritten.Add(1)
}

func (p *Player) Stats() Stats {
	return Stats{
		BlocksPlaced:    p.blocksPlaced.Load(),
		BlocksDeleted:   p.blocksDeleted.Load(),
		MessagesWritten: p.messagesWritten.Load(),
	}
}

func (p *Player) LoginTime() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.loginTime
}

func (p *Player) Touch(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastActive = now
}

func (p *Player) IdleSince() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastActive
}

type Manager struct {
	players map[uint8]*Player
	mu      sync.RWMutex
}

func NewManager() *Manager {
	return &Manager{
		players: make(map[uint8]*Player),
	}
}

func (m *Manager) Add(player *Player) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.players[player.ID] = player
}

func (m *Manager) Remove(id uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.players, id)
}

func (m *Manager) Get(id uint8) (*Player, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	player, ok := m.players[id]
	return player, ok
}

func (m *Manager) GetByName(name string) (*Player, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, player := range m.players {
		if strings.EqualFold(player.name, name) {
			return player, true
		}
	}
	return nil, false
}

// Find matches an exact name first, then a unique prefix among players
// visible to viewer.
func (m *Manager) Find(viewer *Player, name string) (*Player, bool) {
	if p, ok := m.GetByName(name); ok && (viewer == nil || viewer.CanSee(p)) {
		return p, true
	}

	prefix := strings.ToLower(name)
	var match *Player
	for _, p := range m.GetAll() {
		if viewer != nil && !viewer.CanSee(p) {
			continue
		}
		if strings.HasPrefix(strings.ToLower(p.name), prefix) {
			if match != nil {
				return nil, false
			}
			match = p
		}
	}
	return match, match != nil
}

func (m *Manager) GetAll() []*Player {
	m.mu.RLock()
	defer m.mu.RUnlock()

	players := make([]*Player, 0, len(m.players))
	for _, player := range m.players {
		players = append(players, player)
	}
	sort.Slice(players, func(i, j int) bool { return players[i].ID < players[j].ID })
	return players
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.players)
}

func (m *Manager) FindFreeID(maxPlayers int) (uint8, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for id := 0; id < maxPlayers && id < 127; id++ {
		if _, exists := m.players[uint8(id)]; !exists {
			return uint8(id), true
		}
	}
	return 0, false
}

func (m *Manager) ForEach(fn func(*Player)) {
	for _, player := range m.GetAll() {
		fn(player)
	}
}
