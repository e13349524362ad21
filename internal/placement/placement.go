// Package placement decides whether a player's block edit is legal and turns
// accepted edits into world mutations.
package placement

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/siohaza/blocksmith/internal/antispam"
	"github.com/siohaza/blocksmith/internal/block"
	"github.com/siohaza/blocksmith/internal/player"
	"github.com/siohaza/blocksmith/internal/rank"
	"github.com/siohaza/blocksmith/internal/validation"
	"github.com/siohaza/blocksmith/internal/world"
)

type Result int

const (
	Allowed Result = iota
	BlocktypeDenied
	RankDenied
	WorldDenied
	ZoneDenied
	PluginDenied
)

func (r Result) String() string {
	switch r {
	case Allowed:
		return "allowed"
	case BlocktypeDenied:
		return "blocktype denied"
	case RankDenied:
		return "rank denied"
	case WorldDenied:
		return "world denied"
	case ZoneDenied:
		return "zone denied"
	case PluginDenied:
		return "plugin denied"
	default:
		return "unknown"
	}
}

// Stage names the step of PlaceBlock that settled the request.
type Stage int

const (
	StageIgnored Stage = iota
	StageReach
	StageMode
	StageSpam
	StageSelection
	StageDecision
	StageVeto
	StageApplied
)

const (
	MsgFrozen          = "You are frozen and cannot build."
	MsgSpectating      = "You cannot build or delete while spectating."
	MsgWorldLocked     = "This map is currently locked (read-only)."
	MsgBlocktypeDenied = "You are not permitted to affect this block type."
	MsgRankDenied      = "Your rank is not allowed to build."
	MsgWorldRank       = "Your rank is not allowed to build in this world."
	MsgWorldDenyListed = "You are not allowed to build in this world."
	MsgZoneDenied      = "You are not allowed to build in zone \"%s\"."
	MsgBuildHere       = "You are not allowed to build here."
)

// Hooks lets observers watch and veto edits. Vetoes return false.
type Hooks interface {
	OnPlacingBlock(p *player.Player, c block.Coord, old, placed block.Type, allowed bool) bool
	OnBlockChanging(p *player.Player, c block.Coord, old, placed block.Type) bool
	OnPlayerPlacedBlock(p *player.Player, c block.Coord, old, placed block.Type)
}

// Kicker disconnects a player and tells everyone else why.
type Kicker interface {
	KickPlayer(p *player.Player, reason, announcement string)
}

type Options struct {
	Hooks           Hooks
	Kicker          Kicker
	RelayAllUpdates bool
	Now             func() time.Time
	Logger          *slog.Logger
}

type Authorizer struct {
	hooks    Hooks
	kicker   Kicker
	relayAll bool
	now      func() time.Time
	logger   *slog.Logger
}

func New(opts Options) *Authorizer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Authorizer{
		hooks:    opts.Hooks,
		kicker:   opts.Kicker,
		relayAll: opts.RelayAllUpdates,
		now:      opts.Now,
		logger:   opts.Logger,
	}
}

// Outcome reports how PlaceBlock handled a request.
type Outcome struct {
	Stage  Stage
	Result Result
	// Coord and Type are the mutation that was queued, if any.
	Coord block.Coord
	Type  block.Type
}

// PlaceBlock handles a block edit from p at c. build is false when the client
// deleted a block; requested is the block the client had selected.
func (a *Authorizer) PlaceBlock(p *player.Player, c block.Coord, requested block.Type, build bool) Outcome {
	w := p.World()
	if w == nil || !w.InBounds(c) || !requested.Valid() {
		return Outcome{Stage: StageIgnored}
	}

	pos := p.Position()
	if !p.IsFrozen() && !validation.IsWithinReach(c, pos.X, pos.Y, pos.H) {
		p.RevertBlock(c)
		a.logger.Warn("player tried to edit a block out of range",
			"player", p.Name(), "coord", c.String(), "position", pos.Block().String())
		return Outcome{Stage: StageReach}
	}
	if stage, ok := a.CheckEditor(p); !ok {
		p.RevertBlock(c)
		return Outcome{Stage: stage}
	}

	if !p.IsConsole() && a.detectBlockSpam(p) {
		return Outcome{Stage: StageSpam}
	}

	painting := p.IsPainting()
	requiresUpdate := p.Binding(requested) != requested || painting
	t := requested
	if !build && !painting {
		t = block.Air
	}
	t = p.Binding(t)

	if p.Selection.Active() {
		p.RevertBlock(c)
		p.Selection.AddMark(p, c)
		return Outcome{Stage: StageSelection}
	}

	below := c.Below()
	stacking := t == block.Stair && c.H > 0 && w.GetBlock(below) == block.Stair

	target, placed := c, t
	if stacking {
		target, placed = below, block.DoubleStair
	}

	result := a.CanPlace(w, p, target, placed)
	if result != Allowed {
		a.explainDenial(w, p, target, result)
		p.RevertBlock(c)
		return Outcome{Stage: StageDecision, Result: result}
	}

	old := w.GetBlock(target)
	if a.hooks != nil && !a.hooks.OnBlockChanging(p, target, old, placed) {
		p.RevertBlock(c)
		return Outcome{Stage: StageVeto, Result: PluginDenied}
	}

	p.RecordPlacement(old, placed)
	w.QueueMutation(world.Mutation{Coord: target, Type: placed, Actor: p.Name(), Predicted: !stacking})
	if a.hooks != nil {
		a.hooks.OnPlayerPlacedBlock(p, target, old, placed)
	}

	if stacking {
		// there is no packet for placing a double stair, so the stair the
		// client predicted is taken back; the unpredicted mutation echoes the
		// double stair to everyone in the world, p included
		p.RevertBlock(c)
	} else if requiresUpdate || a.relayAll {
		p.SendBlock(c, placed)
	}

	return Outcome{Stage: StageApplied, Result: Allowed, Coord: target, Type: placed}
}

// CheckEditor runs the checks that refuse every edit regardless of where it
// lands: a frozen player, a spectator and a locked world. Draw commands call
// it before queueing anything. On refusal p has already been told why and the
// returned stage names the check that failed.
func (a *Authorizer) CheckEditor(p *player.Player) (Stage, bool) {
	w := p.World()
	switch {
	case w == nil:
		return StageIgnored, false
	case p.IsFrozen():
		p.Message(MsgFrozen)
		return StageReach, false
	case p.IsSpectating():
		p.Message(MsgSpectating)
		return StageMode, false
	case w.IsLocked():
		p.Message(MsgWorldLocked)
		return StageMode, false
	}
	return StageApplied, true
}

// CanPlace runs the type, zone and world checks for placing placed at c, then
// gives hooks a chance to veto an allowed edit.
func (a *Authorizer) CanPlace(w *world.World, p *player.Player, c block.Coord, placed block.Type) Result {
	old := w.GetBlock(c)
	result := a.decide(w, p, c, old, placed)

	if a.hooks != nil && !a.hooks.OnPlacingBlock(p, c, old, placed, result == Allowed) && result == Allowed {
		result = PluginDenied
	}
	return result
}

func (a *Authorizer) decide(w *world.World, p *player.Player, c block.Coord, old, placed block.Type) Result {
	switch {
	case placed == block.Admincrete && !p.Can(rank.PlaceAdmincrete):
		return BlocktypeDenied
	case (placed == block.Water || placed == block.StillWater) && !p.Can(rank.PlaceWater):
		return BlocktypeDenied
	case (placed == block.Lava || placed == block.StillLava) && !p.Can(rank.PlaceLava):
		return BlocktypeDenied
	case old == block.Admincrete && !p.Can(rank.DeleteAdmincrete):
		return BlocktypeDenied
	}

	if p.IsConsole() {
		return Allowed
	}

	switch w.ZoneCheck(c, p) {
	case world.ZoneAllow:
		return Allowed
	case world.ZoneDeny:
		return ZoneDenied
	}

	switch w.CheckBuild(p) {
	case world.Allowed:
		if (placed == block.Air || p.Can(rank.Build)) && (old == block.Air || p.Can(rank.Delete)) {
			return Allowed
		}
		return RankDenied
	case world.AllowListed:
		return Allowed
	default:
		return WorldDenied
	}
}

func (a *Authorizer) explainDenial(w *world.World, p *player.Player, c block.Coord, result Result) {
	switch result {
	case BlocktypeDenied:
		p.Message(MsgBlocktypeDenied)
	case RankDenied:
		p.Message(MsgRankDenied)
	case WorldDenied:
		switch w.CheckBuild(p) {
		case world.RankTooLow, world.RankTooHigh:
			p.Message(MsgWorldRank)
		default:
			p.Message(MsgWorldDenyListed)
		}
	case ZoneDenied:
		if z := w.FindDeniedZone(c, p); z != nil {
			p.Message(MsgZoneDenied, z.Name)
		} else {
			p.Message(MsgBuildHere)
		}
	}
}

func (a *Authorizer) detectBlockSpam(p *player.Player) bool {
	r := p.Rank()
	kick, span := p.Antispam.CheckBlock(a.now(), r.AntiGriefBlocks, r.AntiGriefSeconds)
	if !kick {
		return false
	}

	a.logger.Warn("suspicious activity: player exceeded block rate limit",
		"player", p.Name(),
		"blocks", r.AntiGriefBlocks,
		"seconds", span.Seconds(),
		"limit_seconds", r.AntiGriefSeconds)

	if a.kicker != nil {
		a.kicker.KickPlayer(p, antispam.BlockKickReason, fmt.Sprintf(antispam.BlockKickBroadcast, p.ClassyName()))
	} else {
		_ = p.Kick(antispam.BlockKickReason)
	}
	return true
}
