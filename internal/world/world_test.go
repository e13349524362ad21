package world

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/siohaza/blocksmith/internal/block"
	"github.com/siohaza/blocksmith/internal/rank"
)

type account struct {
	name string
	rank *rank.Rank
}

func (a account) Name() string     { return a.name }
func (a account) Rank() *rank.Rank { return a.rank }

func testRanks(t *testing.T) *rank.Registry {
	t.Helper()
	set, err := rank.NewSet(rank.DefaultDefinitions(), "guest", nil)
	require.NoError(t, err)
	return rank.NewRegistry(set, nil)
}

func TestControllerCheck(t *testing.T) {
	ranks := testRanks(t)
	set := ranks.Current()
	guest := account{"alice", set.ByName("guest")}
	builder := account{"bob", set.ByName("builder")}
	owner := account{"carol", set.ByName("owner")}

	c := NewController(ranks)
	assert.Equal(t, Allowed, c.Check(guest))

	c.SetMinRank(set.ByName("builder"))
	assert.Equal(t, RankTooLow, c.Check(guest))
	assert.Equal(t, Allowed, c.Check(builder))

	c.SetMaxRank(set.ByName("op"))
	assert.Equal(t, RankTooHigh, c.Check(owner))

	c.Include("Alice")
	assert.Equal(t, AllowListed, c.Check(guest))
	assert.True(t, c.Check(guest).Permits())

	c.Exclude("BOB")
	assert.Equal(t, DenyListed, c.Check(builder))
	assert.False(t, c.Check(builder).Permits())

	c.Forget("bob")
	assert.Equal(t, Allowed, c.Check(builder))
	assert.Equal(t, []string{"alice"}, c.Included())
	assert.Empty(t, c.Excluded())
}

func TestControllerSurvivesRankRename(t *testing.T) {
	ranks := testRanks(t)
	c := NewController(ranks)
	c.SetMinRank(ranks.Current().ByName("builder"))

	require.NoError(t, ranks.Rename("builder", "member"))

	lowest := c.MinRank()
	require.NotNil(t, lowest)
	assert.Equal(t, "member", lowest.Name)

	guest := account{"alice", ranks.Current().ByName("guest")}
	assert.Equal(t, RankTooLow, c.Check(guest))
}

func TestZoneCheckDenyWins(t *testing.T) {
	ranks := testRanks(t)
	set := ranks.Current()
	guest := account{"alice", set.ByName("guest")}

	open := &Zone{
		Name:     "plaza",
		Bounds:   NewBounds(block.Coord{X: 10, Y: 10, H: 10}, block.Coord{X: 0, Y: 0, H: 0}),
		Security: NewController(ranks),
	}
	vault := &Zone{
		Name:     "vault",
		Bounds:   NewBounds(block.Coord{X: 2, Y: 2, H: 2}, block.Coord{X: 4, Y: 4, H: 4}),
		Security: NewController(ranks),
	}
	vault.Security.SetMinRank(set.ByName("op"))

	var zs Zones
	require.NoError(t, zs.Add(open))
	require.NoError(t, zs.Add(vault))
	assert.ErrorIs(t, zs.Add(&Zone{Name: "PLAZA", Security: NewController(ranks)}), ErrZoneExists)

	assert.Equal(t, NoOverride, zs.Check(block.Coord{X: 20}, guest))
	assert.Equal(t, ZoneAllow, zs.Check(block.Coord{X: 1, Y: 1, H: 1}, guest))
	assert.Equal(t, ZoneDeny, zs.Check(block.Coord{X: 3, Y: 3, H: 3}, guest))

	allowed, denied := zs.CheckDetailed(block.Coord{X: 3, Y: 3, H: 3}, guest)
	require.Len(t, allowed, 1)
	require.Len(t, denied, 1)
	assert.Equal(t, "plaza", allowed[0].Name)
	assert.Equal(t, "vault", zs.FindDenied(block.Coord{X: 3, Y: 3, H: 3}, guest).Name)

	op := account{"dave", set.ByName("op")}
	assert.Equal(t, ZoneAllow, zs.Check(block.Coord{X: 3, Y: 3, H: 3}, op))

	require.NoError(t, zs.Remove("vault"))
	assert.ErrorIs(t, zs.Remove("vault"), ErrUnknownZone)
	assert.Equal(t, ZoneAllow, zs.Check(block.Coord{X: 3, Y: 3, H: 3}, guest))
}

func TestBounds(t *testing.T) {
	b := NewBounds(block.Coord{X: 3, Y: 0, H: 5}, block.Coord{X: 1, Y: 2, H: 4})
	assert.Equal(t, block.Coord{X: 1, Y: 0, H: 4}, b.Min)
	assert.Equal(t, block.Coord{X: 3, Y: 2, H: 5}, b.Max)
	assert.Equal(t, 3*3*2, b.Volume())
	assert.True(t, b.Contains(block.Coord{X: 2, Y: 1, H: 4}))
	assert.False(t, b.Contains(block.Coord{X: 2, Y: 1, H: 6}))
}

func TestMapGetSet(t *testing.T) {
	m, err := NewMap(8, 8, 8)
	require.NoError(t, err)

	c := block.Coord{X: 1, Y: 2, H: 3}
	old, ok := m.Set(c, block.Stone)
	require.True(t, ok)
	assert.Equal(t, block.Air, old)
	assert.Equal(t, block.Stone, m.Get(c))

	_, ok = m.Set(block.Coord{X: 8}, block.Stone)
	assert.False(t, ok)
	assert.Equal(t, block.Air, m.Get(block.Coord{X: -1}))

	_, err = NewMap(0, 8, 8)
	assert.Error(t, err)
}

func TestMapSaveLoad(t *testing.T) {
	m, err := Flat(16, 16, 16)
	require.NoError(t, err)
	m.Set(block.Coord{X: 3, Y: 4, H: 12}, block.Gold)
	m.SetSpawn(block.Coord{X: 1, Y: 2, H: 9})

	path := filepath.Join(t.TempDir(), "maps", "main.map")
	require.NoError(t, m.Save(path))

	loaded, err := LoadMap(path)
	require.NoError(t, err)
	assert.Equal(t, 16, loaded.Width())
	assert.Equal(t, block.Gold, loaded.Get(block.Coord{X: 3, Y: 4, H: 12}))
	assert.Equal(t, block.Grass, loaded.Get(block.Coord{X: 0, Y: 0, H: 7}))
	assert.Equal(t, block.Admincrete, loaded.Get(block.Coord{X: 0, Y: 0, H: 0}))
	assert.Equal(t, block.Coord{X: 1, Y: 2, H: 9}, loaded.Spawn())
	assert.Equal(t, m.Snapshot(), loaded.Snapshot())
}

func TestMapWriteLevel(t *testing.T) {
	m, err := Flat(4, 4, 4)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, m.WriteLevel(&buf, gzip.BestSpeed))

	zr, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)

	require.Len(t, data, 4+64)
	assert.Equal(t, uint32(64), binary.BigEndian.Uint32(data[:4]))
	assert.Equal(t, m.Snapshot(), data[4:])
}

func TestWorldAppliesMutationsInOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	m, err := NewMap(8, 8, 8)
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		seen []block.Type
		olds []block.Type
		done = make(chan struct{})
	)
	onApplied := func(_ *World, mut Mutation, old block.Type) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, mut.Type)
		olds = append(olds, old)
		if len(seen) == 3 {
			close(done)
		}
	}

	w := New("main", m, testRanks(t), onApplied, nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(stopped)
	}()

	c := block.Coord{X: 1, Y: 1, H: 1}
	w.QueueMutation(Mutation{Coord: c, Type: block.Stone, Actor: "alice"})
	w.QueueMutation(Mutation{Coord: c, Type: block.Dirt, Actor: "alice"})
	w.QueueMutation(Mutation{Coord: c, Type: block.Gold, Actor: "alice"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("mutations were not applied")
	}
	cancel()
	<-stopped

	assert.Equal(t, []block.Type{block.Stone, block.Dirt, block.Gold}, seen)
	assert.Equal(t, []block.Type{block.Air, block.Stone, block.Dirt}, olds)
	assert.Equal(t, block.Gold, w.GetBlock(c))
	assert.Equal(t, uint64(3), w.AppliedMutations())
}

func TestWorldDropsOutOfBoundsMutation(t *testing.T) {
	m, err := NewMap(4, 4, 4)
	require.NoError(t, err)
	w := New("main", m, testRanks(t), nil, nil)

	w.QueueMutation(Mutation{Coord: block.Coord{X: 10}, Type: block.Stone})
	w.QueueMutation(Mutation{Coord: block.Coord{X: 1}, Type: block.Stone})
	assert.Equal(t, 1, w.ApplyPending())
	assert.Equal(t, int64(0), w.PendingMutations())
}

func TestWorldLock(t *testing.T) {
	m, err := NewMap(4, 4, 4)
	require.NoError(t, err)
	w := New("main", m, testRanks(t), nil, nil)

	assert.False(t, w.IsLocked())
	assert.True(t, w.SetLocked(true))
	assert.False(t, w.SetLocked(true))
	assert.True(t, w.IsLocked())
	assert.True(t, w.SetLocked(false))
}
