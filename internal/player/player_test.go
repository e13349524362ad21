package player

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siohaza/blocksmith/internal/antispam"
	"github.com/siohaza/blocksmith/internal/block"
	"github.com/siohaza/blocksmith/internal/rank"
)

type recordingSession struct {
	mu       sync.Mutex
	messages []string
	blocks   map[block.Coord]block.Type
	kicked   string
}

func (s *recordingSession) SendBlock(c block.Coord, t block.Type) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blocks == nil {
		s.blocks = make(map[block.Coord]block.Type)
	}
	s.blocks[c] = t
	return nil
}

func (s *recordingSession) SendMessage(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *recordingSession) Kick(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kicked = reason
	return nil
}

func (s *recordingSession) RemoteAddr() string { return "127.0.0.1:5000" }

func testRanks(t *testing.T) *rank.Registry {
	t.Helper()
	set, err := rank.NewSet(rank.DefaultDefinitions(), "guest", nil)
	require.NoError(t, err)
	return rank.NewRegistry(set, nil)
}

func newTestPlayer(t *testing.T, ranks *rank.Registry, id uint8, name, rankName string) (*Player, *recordingSession) {
	t.Helper()
	s := &recordingSession{}
	r := ranks.Current().ByName(rankName)
	require.NotNil(t, r, rankName)
	return New(id, name, r, ranks, s, antispam.DefaultPolicy()), s
}

func TestPlayerRankFollowsRegistry(t *testing.T) {
	ranks := testRanks(t)
	p, _ := newTestPlayer(t, ranks, 1, "alice", "builder")

	assert.True(t, p.Can(rank.Build, rank.Draw))
	assert.False(t, p.Can(rank.Kick))

	require.NoError(t, ranks.Grant("builder", rank.Kick))
	assert.True(t, p.Can(rank.Kick))

	require.NoError(t, ranks.Rename("builder", "member"))
	assert.Equal(t, "member", p.Rank().Name)

	_, err := ranks.Delete("member")
	require.NoError(t, err)
	assert.Equal(t, "guest", p.Rank().Name, "deleted rank falls back to the default")
}

func TestConsoleBypassesChecks(t *testing.T) {
	ranks := testRanks(t)
	console := NewConsole(ranks, &recordingSession{})

	assert.True(t, console.IsConsole())
	assert.True(t, console.Can(rank.Ban, rank.ManageWorlds))
	assert.True(t, console.CanActOn(rank.Kick, ranks.Current().Highest()))
	assert.Equal(t, "owner", console.Rank().Name)
}

func TestCanSeeHiddenPlayers(t *testing.T) {
	ranks := testRanks(t)
	guest, _ := newTestPlayer(t, ranks, 1, "guest1", "guest")
	op, _ := newTestPlayer(t, ranks, 2, "op1", "op")
	owner, _ := newTestPlayer(t, ranks, 3, "owner1", "owner")

	op.SetHidden(true)
	assert.False(t, guest.CanSee(op))
	assert.True(t, owner.CanSee(op))
	assert.True(t, op.CanSee(op))

	owner.SetHidden(true)
	assert.False(t, op.CanSee(owner))
}

func TestBindings(t *testing.T) {
	ranks := testRanks(t)
	p, _ := newTestPlayer(t, ranks, 1, "alice", "guest")

	for i := 0; i < block.Count; i++ {
		require.Equal(t, block.Type(i), p.Binding(block.Type(i)))
	}

	require.NoError(t, p.Bind(block.Stone, block.Gold))
	assert.Equal(t, block.Gold, p.Binding(block.Stone))
	assert.Error(t, p.Bind(block.Type(block.Count), block.Stone))

	p.ResetBindings()
	assert.Equal(t, block.Stone, p.Binding(block.Stone))
}

func TestIgnoreList(t *testing.T) {
	ranks := testRanks(t)
	p, _ := newTestPlayer(t, ranks, 1, "alice", "guest")

	assert.True(t, p.Ignore("Bob"))
	assert.False(t, p.Ignore("bob"))
	assert.True(t, p.IsIgnoring("BOB"))
	assert.Equal(t, []string{"bob"}, p.IgnoreList())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("p%d", i)
			p.Ignore(name)
			p.IsIgnoring(name)
		}(i)
	}
	wg.Wait()
	assert.Len(t, p.IgnoreList(), 9)

	assert.True(t, p.Unignore("bob"))
	assert.False(t, p.Unignore("bob"))
}

func TestConfirmationExpires(t *testing.T) {
	ranks := testRanks(t)
	p, _ := newTestPlayer(t, ranks, 1, "alice", "guest")
	now := time.Now()

	_, ok := p.TakeConfirmation(now)
	assert.False(t, ok)

	p.RequireConfirmation("/ban bob", now)
	cmd, ok := p.TakeConfirmation(now.Add(10 * time.Second))
	assert.True(t, ok)
	assert.Equal(t, "/ban bob", cmd)

	_, ok = p.TakeConfirmation(now.Add(10 * time.Second))
	assert.False(t, ok, "a confirmation is used once")

	p.RequireConfirmation("/ban bob", now)
	_, ok = p.TakeConfirmation(now.Add(ConfirmationTimeout + time.Second))
	assert.False(t, ok)
}

func TestRecordPlacement(t *testing.T) {
	ranks := testRanks(t)
	p, _ := newTestPlayer(t, ranks, 1, "alice", "guest")

	p.RecordPlacement(block.Air, block.Stone)
	p.RecordPlacement(block.Stone, block.Air)
	p.RecordPlacement(block.Air, block.Air)
	p.RecordMessage()

	assert.Equal(t, Stats{BlocksPlaced: 1, BlocksDeleted: 1, MessagesWritten: 1}, p.Stats())
}

func TestMessageFormatting(t *testing.T) {
	ranks := testRanks(t)
	p, s := newTestPlayer(t, ranks, 1, "alice", "guest")

	p.Message("%s", "100% literal")
	p.Message("hello %s", "bob")
	assert.Equal(t, []string{"100% literal", "hello bob"}, s.messages)
	assert.Equal(t, "&7alice", p.ClassyName())
}

func TestManagerFind(t *testing.T) {
	ranks := testRanks(t)
	m := NewManager()
	alice, _ := newTestPlayer(t, ranks, 0, "alice", "guest")
	albert, _ := newTestPlayer(t, ranks, 1, "albert", "op")
	bob, _ := newTestPlayer(t, ranks, 2, "bob", "guest")
	m.Add(alice)
	m.Add(albert)
	m.Add(bob)

	found, ok := m.Find(nil, "ALICE")
	require.True(t, ok)
	assert.Same(t, alice, found)

	_, ok = m.Find(nil, "al")
	assert.False(t, ok, "ambiguous prefix")

	albert.SetHidden(true)
	found, ok = m.Find(bob, "al")
	require.True(t, ok)
	assert.Same(t, alice, found)

	id, ok := m.FindFreeID(10)
	require.True(t, ok)
	assert.Equal(t, uint8(3), id)

	m.Remove(1)
	assert.Equal(t, 2, m.Count())
}
