package rank

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func defaultSet(t *testing.T) *Set {
	t.Helper()
	set, err := NewSet(DefaultDefinitions(), "guest", quietLogger())
	require.NoError(t, err)
	return set
}

func TestNewSetPositions(t *testing.T) {
	set := defaultSet(t)

	require.Equal(t, 4, set.Len())
	assert.Equal(t, "owner", set.Highest().Name)
	assert.Equal(t, "guest", set.Lowest().Name)
	assert.Equal(t, "guest", set.Default().Name)

	assert.Equal(t, 3, set.ByName("owner").Position)
	assert.Equal(t, 0, set.ByName("guest").Position)
	assert.True(t, set.ByName("op").Above(set.ByName("builder")))
	assert.True(t, set.ByName("op").AtLeast(set.ByName("op")))

	assert.Equal(t, "op", set.NextUp(set.ByName("builder")).Name)
	assert.Nil(t, set.NextUp(set.Highest()))
	assert.Equal(t, "guest", set.NextDown(set.ByName("builder")).Name)
	assert.Nil(t, set.NextDown(set.Lowest()))
}

func TestNewSetSkipsDefectiveRanks(t *testing.T) {
	defs := []Definition{
		{ID: "aaaaaaaaaaaaaaaa", Name: "admin", Permissions: []string{"chat", "warp_drive"}},
		{ID: "bbbbbbbbbbbbbbbb", Name: "bad name!"},
		{ID: "short", Name: "shortid"},
		{ID: "cccccccccccccccc", Name: "member", Color: "&z", Prefix: "++"},
	}

	set, err := NewSet(defs, "nobody", quietLogger())
	require.NoError(t, err)
	require.Equal(t, 2, set.Len())

	admin := set.ByName("admin")
	require.NotNil(t, admin)
	assert.True(t, admin.Can(Chat))
	assert.Equal(t, 1, admin.Capabilities().Len())

	member := set.ByName("member")
	require.NotNil(t, member)
	assert.Empty(t, member.Color)
	assert.Empty(t, member.Prefix)
	assert.Equal(t, DefaultAntiGriefBlocks, member.AntiGriefBlocks)

	assert.Equal(t, member, set.Default(), "unknown default falls back to the lowest rank")
}

func TestNewSetDuplicateIDIsFatal(t *testing.T) {
	defs := []Definition{
		{ID: "aaaaaaaaaaaaaaaa", Name: "one"},
		{ID: "aaaaaaaaaaaaaaaa", Name: "two"},
	}
	_, err := NewSet(defs, "", quietLogger())
	assert.ErrorIs(t, err, ErrDuplicateID)

	_, err = NewSet(nil, "", quietLogger())
	assert.Error(t, err)
}

func TestNewSetIssuesMissingIDs(t *testing.T) {
	set, err := NewSet([]Definition{{Name: "anon"}}, "", quietLogger())
	require.NoError(t, err)
	assert.Len(t, set.ByName("anon").ID, IDLength)
}

func TestNewSetCapabilityDependencies(t *testing.T) {
	defs := []Definition{
		{ID: "aaaaaaaaaaaaaaaa", Name: "odd", Permissions: []string{"ban_ip", "ban_all", "patrol"}},
	}
	set, err := NewSet(defs, "", quietLogger())
	require.NoError(t, err)

	odd := set.ByName("odd")
	assert.False(t, odd.Can(BanIP))
	assert.False(t, odd.Can(BanAll))
	assert.False(t, odd.Can(Patrol))
}

func TestFind(t *testing.T) {
	set := defaultSet(t)

	assert.Equal(t, "op", set.Find("OP").Name)
	assert.Equal(t, "builder", set.Find("bui").Name)
	assert.Equal(t, "owner", set.Find("ow").Name)
	assert.Nil(t, set.Find("o"), "ambiguous prefix")
	assert.Nil(t, set.Find(""))
	assert.Nil(t, set.Find("moderator"))
}

func TestCeilings(t *testing.T) {
	set := defaultSet(t)
	op := set.ByName("op")
	owner := set.ByName("owner")
	builder := set.ByName("builder")
	guest := set.ByName("guest")

	assert.True(t, op.HasCustomCeiling(Promote))
	assert.Equal(t, builder, op.Ceiling(Promote))
	assert.Equal(t, op, op.Ceiling(Kick), "unset ceilings default to the rank itself")

	assert.True(t, op.CanActOn(Promote, builder))
	assert.False(t, op.CanActOn(Promote, op))
	assert.True(t, op.CanActOn(Kick, op))
	assert.False(t, op.CanActOn(Kick, owner))
	assert.False(t, op.CanActOn(Kick, nil))

	assert.True(t, owner.CanSee(op))
	assert.False(t, op.CanSee(op))
	assert.False(t, guest.CanSee(builder))
}

func TestCapabilityParsing(t *testing.T) {
	c, err := ParseCapability(" Use-Color-Codes ")
	require.NoError(t, err)
	assert.Equal(t, UseColorCodes, c)

	_, err = ParseCapability("fly")
	assert.ErrorIs(t, err, ErrUnknownCapability)

	set, err := NewCapabilitySet(Chat, Build, Chat)
	require.NoError(t, err)
	assert.Equal(t, 2, set.Len())
	assert.Equal(t, []string{"build", "chat"}, set.Names())
	assert.False(t, set.Without(Build).Has(Build))

	_, err = NewCapabilitySet(Capability(200))
	assert.Error(t, err)
}

func TestRegistryEdits(t *testing.T) {
	reg := NewRegistry(defaultSet(t), quietLogger())

	require.NoError(t, reg.Add(Definition{Name: "mod", Permissions: []string{"chat", "kick"}}, 2))
	set := reg.Current()
	require.Equal(t, 5, set.Len())
	mod := set.ByName("mod")
	require.NotNil(t, mod)
	assert.Equal(t, 2, mod.Position)
	assert.True(t, mod.Can(Kick))

	assert.ErrorIs(t, reg.Add(Definition{Name: "MOD"}, 0), ErrNameTaken)

	require.NoError(t, reg.Rename("builder", "architect"))
	set = reg.Current()
	assert.Nil(t, set.ByName("builder"))
	assert.Equal(t, "architect", set.ByName("op").Ceiling(Promote).Name)

	require.NoError(t, reg.Grant("guest", Draw))
	assert.True(t, reg.Current().ByName("guest").Can(Draw))
	require.NoError(t, reg.Revoke("guest", Draw, Chat))
	assert.False(t, reg.Current().ByName("guest").Can(Chat))

	require.NoError(t, reg.SetCeiling("mod", Kick, "guest"))
	assert.Equal(t, "guest", reg.Current().ByName("mod").Ceiling(Kick).Name)
	require.NoError(t, reg.ResetCeiling("mod", Kick))
	assert.False(t, reg.Current().ByName("mod").HasCustomCeiling(Kick))

	require.NoError(t, reg.Move("guest", 0))
	assert.Equal(t, "guest", reg.Current().Highest().Name)
	assert.Error(t, reg.Move("guest", 10))
	assert.ErrorIs(t, reg.Move("nobody", 0), ErrUnknownRank)
}

func TestRegistrySetLimits(t *testing.T) {
	reg := NewRegistry(defaultSet(t), quietLogger())

	err := reg.SetLimits("guest", Limits{AntiGriefBlocks: 10, AntiGriefSeconds: 2, DrawLimit: 64, IdleKickAfter: 15 * time.Minute})
	require.NoError(t, err)
	guest := reg.Current().ByName("guest")
	assert.Equal(t, 10, guest.AntiGriefBlocks)
	assert.Equal(t, 64, guest.DrawLimit)
	assert.Equal(t, 15*time.Minute, guest.IdleKickAfter)

	assert.Error(t, reg.SetLimits("guest", Limits{AntiGriefBlocks: MaxAntiGriefBlocks + 1}))
	assert.Error(t, reg.SetLimits("guest", Limits{IdleKickAfter: -time.Minute}))
}

func TestRegistryDeleteResetsDependentCeilings(t *testing.T) {
	reg := NewRegistry(defaultSet(t), quietLogger())
	builderID := reg.Current().ByName("builder").ID

	changed, err := reg.Delete("builder")
	require.NoError(t, err)
	assert.True(t, changed)

	set := reg.Current()
	assert.False(t, set.ByName("op").HasCustomCeiling(Promote))
	assert.Equal(t, set.Default(), reg.Resolve(builderID), "stale ids resolve to the default rank")

	changed, err = reg.Delete("guest")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "op", reg.Current().Default().Name)
}

func TestRegistryCannotDeleteLastRank(t *testing.T) {
	set, err := NewSet([]Definition{{ID: "aaaaaaaaaaaaaaaa", Name: "only"}}, "", quietLogger())
	require.NoError(t, err)
	reg := NewRegistry(set, quietLogger())

	_, err = reg.Delete("only")
	assert.Error(t, err)
	_, err = reg.Delete("missing")
	assert.ErrorIs(t, err, ErrUnknownRank)
}

func TestSaveAndLoadFile(t *testing.T) {
	set := defaultSet(t)
	path := filepath.Join(t.TempDir(), "conf", "ranks.toml")

	require.NoError(t, set.Save(path))
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	loaded, err := LoadFile(path, quietLogger())
	require.NoError(t, err)

	require.Equal(t, set.Len(), loaded.Len())
	for _, want := range set.Ranks() {
		got := loaded.ByID(want.ID)
		require.NotNil(t, got, want.Name)
		assert.Equal(t, want.Name, got.Name)
		assert.Equal(t, want.Position, got.Position)
		assert.Equal(t, want.Capabilities(), got.Capabilities())
		assert.Equal(t, want.DrawLimit, got.DrawLimit)
		assert.Equal(t, want.IdleKickAfter, got.IdleKickAfter)
	}
	assert.Equal(t, "builder", loaded.ByName("op").Ceiling(Demote).Name)
	assert.Equal(t, "guest", loaded.DefaultName())
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.toml"), quietLogger())
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Parse([]byte("[[rank]\nname="), quietLogger())
	assert.Error(t, err)
}

func TestGenerateID(t *testing.T) {
	a, b := GenerateID(), GenerateID()
	assert.Len(t, a, IDLength)
	assert.NotEqual(t, a, b)
}
