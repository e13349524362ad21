package placement

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siohaza/blocksmith/internal/antispam"
	"github.com/siohaza/blocksmith/internal/block"
	"github.com/siohaza/blocksmith/internal/callbacks"
	"github.com/siohaza/blocksmith/internal/player"
	"github.com/siohaza/blocksmith/internal/rank"
	"github.com/siohaza/blocksmith/internal/world"
)

type sentBlock struct {
	Coord block.Coord
	Type  block.Type
}

type fakeSession struct {
	messages []string
	blocks   []sentBlock
	kicked   string
}

func (s *fakeSession) SendBlock(c block.Coord, t block.Type) error {
	s.blocks = append(s.blocks, sentBlock{c, t})
	return nil
}

func (s *fakeSession) SendMessage(msg string) error {
	s.messages = append(s.messages, msg)
	return nil
}

func (s *fakeSession) Kick(reason string) error {
	s.kicked = reason
	return nil
}

func (s *fakeSession) RemoteAddr() string { return "127.0.0.1:1" }

func (s *fakeSession) lastBlock() sentBlock {
	if len(s.blocks) == 0 {
		return sentBlock{Type: block.Type(255)}
	}
	return s.blocks[len(s.blocks)-1]
}

type kickRecord struct {
	name, reason, announcement string
}

type fakeKicker struct {
	kicks []kickRecord
}

func (k *fakeKicker) KickPlayer(p *player.Player, reason, announcement string) {
	k.kicks = append(k.kicks, kickRecord{p.Name(), reason, announcement})
	_ = p.Kick(reason)
}

type vetoHook struct {
	callbacks.DefaultCallbacks
	vetoPlacing  bool
	vetoChanging bool
	placed       int
	seenAllowed  []bool
}

func (h *vetoHook) OnPlacingBlock(p *player.Player, c block.Coord, old, placed block.Type, allowed bool) bool {
	h.seenAllowed = append(h.seenAllowed, allowed)
	return !h.vetoPlacing
}

func (h *vetoHook) OnBlockChanging(p *player.Player, c block.Coord, old, placed block.Type) bool {
	return !h.vetoChanging
}

func (h *vetoHook) OnPlayerPlacedBlock(p *player.Player, c block.Coord, old, placed block.Type) {
	h.placed++
}

type fixture struct {
	ranks  *rank.Registry
	world  *world.World
	auth   *Authorizer
	hook   *vetoHook
	kicker *fakeKicker
	clock  time.Time
	opts   Options

	// players in the world, keyed by name, receive applied mutations the
	// way the server relays them
	sessions map[string]*fakeSession
}

func (f *fixture) relay(_ *world.World, m world.Mutation, _ block.Type) {
	for name, s := range f.sessions {
		if m.Predicted && name == m.Actor {
			continue
		}
		_ = s.SendBlock(m.Coord, m.Type)
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	set, err := rank.NewSet(rank.DefaultDefinitions(), "guest", nil)
	require.NoError(t, err)
	ranks := rank.NewRegistry(set, nil)

	m, err := world.NewMap(32, 32, 32)
	require.NoError(t, err)

	f := &fixture{
		ranks:    ranks,
		hook:     &vetoHook{},
		kicker:   &fakeKicker{},
		clock:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		sessions: make(map[string]*fakeSession),
	}
	f.world = world.New("main", m, ranks, f.relay, nil)
	chain := callbacks.NewCallbackChain(nil)
	chain.Register(f.hook)
	f.opts = Options{
		Hooks:  chain,
		Kicker: f.kicker,
		Now:    func() time.Time { return f.clock },
	}
	f.auth = New(f.opts)
	return f
}

func (f *fixture) player(t *testing.T, name, rankName string) (*player.Player, *fakeSession) {
	t.Helper()
	r := f.ranks.Current().ByName(rankName)
	require.NotNil(t, r)
	s := &fakeSession{}
	p := player.New(1, name, r, f.ranks, s, antispam.DefaultPolicy())
	p.SetWorld(f.world)
	p.SetPosition(player.Position{X: 10 * 32, Y: 10 * 32, H: 10 * 32})
	f.sessions[name] = s
	return p, s
}

func (f *fixture) set(c block.Coord, t block.Type) {
	f.world.Map().Set(c, t)
}

var target = block.Coord{X: 11, Y: 10, H: 10}

func TestAdmincreteGate(t *testing.T) {
	f := newFixture(t)
	p, s := f.player(t, "alice", "builder")

	// neither a permissive zone nor the allow list gets around the type gate
	zone := &world.Zone{
		Name:     "open",
		Bounds:   world.NewBounds(block.Coord{}, block.Coord{X: 31, Y: 31, H: 31}),
		Security: world.NewController(f.ranks),
	}
	require.NoError(t, f.world.Zones.Add(zone))
	f.world.BuildAuth.Include("alice")

	out := f.auth.PlaceBlock(p, target, block.Admincrete, true)
	assert.Equal(t, StageDecision, out.Stage)
	assert.Equal(t, BlocktypeDenied, out.Result)
	assert.Equal(t, []string{MsgBlocktypeDenied}, s.messages)
	assert.Equal(t, sentBlock{target, block.Air}, s.lastBlock())
	assert.Equal(t, int64(0), f.world.PendingMutations())

	op, _ := f.player(t, "carol", "op")
	out = f.auth.PlaceBlock(op, target, block.Admincrete, true)
	assert.Equal(t, Allowed, out.Result)
}

func TestDeletingAdmincreteNeedsCapability(t *testing.T) {
	f := newFixture(t)
	p, _ := f.player(t, "alice", "builder")
	f.set(target, block.Admincrete)

	out := f.auth.PlaceBlock(p, target, block.Stone, false)
	assert.Equal(t, BlocktypeDenied, out.Result)
}

func TestFluidsNeedCapabilities(t *testing.T) {
	f := newFixture(t)
	p, _ := f.player(t, "alice", "guest")

	for _, fluid := range []block.Type{block.Water, block.StillWater, block.Lava, block.StillLava} {
		out := f.auth.PlaceBlock(p, target, fluid, true)
		assert.Equal(t, BlocktypeDenied, out.Result, fluid.String())
	}

	builder, _ := f.player(t, "bob", "builder")
	assert.Equal(t, Allowed, f.auth.PlaceBlock(builder, target, block.Water, true).Result)
	assert.Equal(t, BlocktypeDenied, f.auth.PlaceBlock(builder, target, block.Lava, true).Result)
}

func TestStairStacking(t *testing.T) {
	f := newFixture(t)
	p, s := f.player(t, "alice", "builder")
	below := target.Below()
	f.set(below, block.Stair)

	out := f.auth.PlaceBlock(p, target, block.Stair, true)
	require.Equal(t, StageApplied, out.Stage)
	assert.Equal(t, below, out.Coord)
	assert.Equal(t, block.DoubleStair, out.Type)
	assert.Equal(t, []sentBlock{{target, block.Air}}, s.blocks, "only the predicted stair is taken back before the edit applies")

	f.world.ApplyPending()
	assert.Equal(t, block.DoubleStair, f.world.GetBlock(below))
	assert.Equal(t, block.Air, f.world.GetBlock(target))

	// the double stair reaches the actor exactly once, through the relay
	assert.Equal(t, []sentBlock{{target, block.Air}, {below, block.DoubleStair}}, s.blocks)
}

func TestStairOnGroundIsPlain(t *testing.T) {
	f := newFixture(t)
	p, s := f.player(t, "alice", "builder")
	f.set(target.Below(), block.Stone)

	out := f.auth.PlaceBlock(p, target, block.Stair, true)
	assert.Equal(t, target, out.Coord)
	assert.Equal(t, block.Stair, out.Type)
	assert.Empty(t, s.blocks, "nothing to correct when the client got it right")
}

func TestDeleteModePlacesAir(t *testing.T) {
	f := newFixture(t)
	p, _ := f.player(t, "alice", "guest")
	f.set(target, block.Stone)

	out := f.auth.PlaceBlock(p, target, block.Dirt, false)
	require.Equal(t, StageApplied, out.Stage)
	assert.Equal(t, block.Air, out.Type)

	f.world.ApplyPending()
	assert.Equal(t, block.Air, f.world.GetBlock(target))
	assert.Equal(t, player.Stats{BlocksDeleted: 1}, p.Stats())
	assert.Equal(t, 1, f.hook.placed)
}

func TestBindingSubstitutesAndEchoes(t *testing.T) {
	f := newFixture(t)
	p, s := f.player(t, "alice", "guest")
	require.NoError(t, p.Bind(block.Stone, block.Gold))

	out := f.auth.PlaceBlock(p, target, block.Stone, true)
	assert.Equal(t, block.Gold, out.Type)
	assert.Equal(t, sentBlock{target, block.Gold}, s.lastBlock())
}

func TestPaintReplacesInsteadOfDeleting(t *testing.T) {
	f := newFixture(t)
	p, s := f.player(t, "alice", "guest")
	p.SetPainting(true)
	f.set(target, block.Stone)

	out := f.auth.PlaceBlock(p, target, block.Brick, false)
	assert.Equal(t, block.Brick, out.Type)
	assert.Equal(t, sentBlock{target, block.Brick}, s.lastBlock())
}

func TestRelayAllUpdates(t *testing.T) {
	f := newFixture(t)
	f.opts.RelayAllUpdates = true
	auth := New(f.opts)
	p, s := f.player(t, "alice", "guest")

	auth.PlaceBlock(p, target, block.Stone, true)
	assert.Equal(t, []sentBlock{{target, block.Stone}}, s.blocks)
}

func TestOutOfReachIsReverted(t *testing.T) {
	f := newFixture(t)
	p, s := f.player(t, "alice", "guest")
	far := block.Coord{X: 30, Y: 10, H: 10}

	out := f.auth.PlaceBlock(p, far, block.Stone, true)
	assert.Equal(t, StageReach, out.Stage)
	assert.Equal(t, []sentBlock{{far, block.Air}}, s.blocks)
	assert.Empty(t, s.messages)
	assert.Empty(t, s.kicked)
}

func TestFrozenIsReverted(t *testing.T) {
	f := newFixture(t)
	p, s := f.player(t, "alice", "guest")
	p.SetFrozen(true)

	out := f.auth.PlaceBlock(p, target, block.Stone, true)
	assert.Equal(t, StageReach, out.Stage)
	assert.Len(t, s.blocks, 1)
	assert.Equal(t, []string{MsgFrozen}, s.messages)
	assert.Equal(t, int64(0), f.world.PendingMutations())
}

func TestCheckEditor(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(f *fixture, p *player.Player)
		stage   Stage
		message string
	}{
		{name: "frozen", prepare: func(_ *fixture, p *player.Player) { p.SetFrozen(true) }, stage: StageReach, message: MsgFrozen},
		{name: "spectating", prepare: func(_ *fixture, p *player.Player) { p.SetSpectating(true) }, stage: StageMode, message: MsgSpectating},
		{name: "locked", prepare: func(f *fixture, _ *player.Player) { f.world.SetLocked(true) }, stage: StageMode, message: MsgWorldLocked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			p, s := f.player(t, "alice", "builder")
			tt.prepare(f, p)

			stage, ok := f.auth.CheckEditor(p)
			assert.False(t, ok)
			assert.Equal(t, tt.stage, stage)
			assert.Equal(t, []string{tt.message}, s.messages)
		})
	}

	f := newFixture(t)
	p, s := f.player(t, "alice", "builder")
	stage, ok := f.auth.CheckEditor(p)
	assert.True(t, ok)
	assert.Equal(t, StageApplied, stage)
	assert.Empty(t, s.messages)
}

func TestModeGates(t *testing.T) {
	f := newFixture(t)
	p, s := f.player(t, "alice", "guest")

	p.SetSpectating(true)
	out := f.auth.PlaceBlock(p, target, block.Stone, true)
	assert.Equal(t, StageMode, out.Stage)
	assert.Equal(t, []string{MsgSpectating}, s.messages)

	p.SetSpectating(false)
	f.world.SetLocked(true)
	out = f.auth.PlaceBlock(p, target, block.Stone, true)
	assert.Equal(t, StageMode, out.Stage)
	assert.Equal(t, MsgWorldLocked, s.messages[1])
	assert.Len(t, s.blocks, 2)
}

func TestSelectionInterceptsEdit(t *testing.T) {
	f := newFixture(t)
	p, s := f.player(t, "alice", "builder")

	var marks []block.Coord
	require.NoError(t, p.Selection.Request(1, func(_ *player.Player, m []block.Coord, _ any) {
		marks = m
	}, nil))

	out := f.auth.PlaceBlock(p, target, block.Stone, true)
	assert.Equal(t, StageSelection, out.Stage)
	assert.Equal(t, []block.Coord{target}, marks)
	assert.Equal(t, []sentBlock{{target, block.Air}}, s.blocks)
	assert.Equal(t, int64(0), f.world.PendingMutations())
}

func TestZoneOverrides(t *testing.T) {
	f := newFixture(t)
	p, s := f.player(t, "alice", "guest")

	vault := &world.Zone{
		Name:     "vault",
		Bounds:   world.NewBounds(target, target),
		Security: world.NewController(f.ranks),
	}
	vault.Security.SetMinRank(f.ranks.Current().ByName("op"))
	require.NoError(t, f.world.Zones.Add(vault))

	out := f.auth.PlaceBlock(p, target, block.Stone, true)
	assert.Equal(t, ZoneDenied, out.Result)
	assert.Equal(t, []string{`You are not allowed to build in zone "vault".`}, s.messages)

	// an allowing zone wins over a world that would refuse the player
	require.NoError(t, f.world.Zones.Remove("vault"))
	garden := &world.Zone{
		Name:     "garden",
		Bounds:   world.NewBounds(target, target),
		Security: world.NewController(f.ranks),
	}
	garden.Security.Include("alice")
	require.NoError(t, f.world.Zones.Add(garden))
	f.world.BuildAuth.SetMinRank(f.ranks.Current().ByName("op"))

	out = f.auth.PlaceBlock(p, target, block.Stone, true)
	assert.Equal(t, Allowed, out.Result)
}

func TestWorldDenials(t *testing.T) {
	f := newFixture(t)
	p, s := f.player(t, "alice", "guest")

	f.world.BuildAuth.SetMinRank(f.ranks.Current().ByName("builder"))
	out := f.auth.PlaceBlock(p, target, block.Stone, true)
	assert.Equal(t, WorldDenied, out.Result)
	assert.Equal(t, MsgWorldRank, s.messages[0])

	f.world.BuildAuth.SetMinRank(nil)
	f.world.BuildAuth.Exclude("alice")
	out = f.auth.PlaceBlock(p, target, block.Stone, true)
	assert.Equal(t, WorldDenied, out.Result)
	assert.Equal(t, MsgWorldDenyListed, s.messages[1])

	f.world.BuildAuth.Include("alice")
	out = f.auth.PlaceBlock(p, target, block.Stone, true)
	assert.Equal(t, Allowed, out.Result)
}

func TestRankDenied(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ranks.Revoke("guest", rank.Build, rank.Delete))
	p, s := f.player(t, "alice", "guest")

	out := f.auth.PlaceBlock(p, target, block.Stone, true)
	assert.Equal(t, RankDenied, out.Result)
	assert.Equal(t, []string{MsgRankDenied}, s.messages)

	// clearing an empty cell needs neither capability
	out = f.auth.PlaceBlock(p, target, block.Stone, false)
	assert.Equal(t, Allowed, out.Result)

	f.set(target, block.Stone)
	out = f.auth.PlaceBlock(p, target, block.Stone, false)
	assert.Equal(t, RankDenied, out.Result)
}

func TestPluginVeto(t *testing.T) {
	f := newFixture(t)
	p, s := f.player(t, "alice", "guest")

	f.hook.vetoPlacing = true
	out := f.auth.PlaceBlock(p, target, block.Stone, true)
	assert.Equal(t, PluginDenied, out.Result)
	assert.Empty(t, s.messages)
	assert.Equal(t, []sentBlock{{target, block.Air}}, s.blocks)

	// a veto cannot turn a denial into anything else
	out = f.auth.PlaceBlock(p, target, block.Admincrete, true)
	assert.Equal(t, BlocktypeDenied, out.Result)
	assert.Equal(t, []bool{true, false}, f.hook.seenAllowed)
}

func TestBlockChangingVeto(t *testing.T) {
	f := newFixture(t)
	p, s := f.player(t, "alice", "guest")

	f.hook.vetoChanging = true
	out := f.auth.PlaceBlock(p, target, block.Stone, true)
	assert.Equal(t, StageVeto, out.Stage)
	assert.Equal(t, int64(0), f.world.PendingMutations())
	assert.Len(t, s.blocks, 1)
	assert.Equal(t, player.Stats{}, p.Stats())
}

func TestBlockSpamKick(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ranks.SetLimits("guest", rank.Limits{AntiGriefBlocks: 5, AntiGriefSeconds: 5}))
	p, s := f.player(t, "alice", "guest")

	start := f.clock
	for i := 0; i < 5; i++ {
		f.clock = start.Add(time.Duration(i) * 800 * time.Millisecond)
		out := f.auth.PlaceBlock(p, block.Coord{X: 10 + i%2, Y: 10, H: 10 + i%3}, block.Stone, true)
		require.Equal(t, StageApplied, out.Stage, "block %d", i+1)
	}

	f.clock = start.Add(4 * time.Second)
	out := f.auth.PlaceBlock(p, target, block.Stone, true)
	assert.Equal(t, StageSpam, out.Stage)
	require.Len(t, f.kicker.kicks, 1)
	assert.Equal(t, antispam.BlockKickReason, f.kicker.kicks[0].reason)
	assert.Equal(t, fmt.Sprintf(antispam.BlockKickBroadcast, "&7alice"), f.kicker.kicks[0].announcement)
	assert.Equal(t, antispam.BlockKickReason, s.kicked)
}

func TestSpacedEditsAreNotSpam(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ranks.SetLimits("guest", rank.Limits{AntiGriefBlocks: 5, AntiGriefSeconds: 5}))
	p, _ := f.player(t, "alice", "guest")

	start := f.clock
	for i := 0; i < 6; i++ {
		f.clock = start.Add(time.Duration(i) * 2 * time.Second)
		out := f.auth.PlaceBlock(p, target, block.Stone, true)
		require.Equal(t, StageApplied, out.Stage, "block %d", i+1)
	}
	assert.Empty(t, f.kicker.kicks)
}
