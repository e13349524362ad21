package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/siohaza/blocksmith/internal/bans"
	"github.com/siohaza/blocksmith/internal/block"
	"github.com/siohaza/blocksmith/internal/placement"
	"github.com/siohaza/blocksmith/internal/player"
	"github.com/siohaza/blocksmith/internal/playerdb"
	"github.com/siohaza/blocksmith/internal/protocol"
	"github.com/siohaza/blocksmith/internal/rank"
	"github.com/siohaza/blocksmith/internal/validation"
	"github.com/siohaza/blocksmith/internal/world"
)

// Draws bigger than this ask for /ok first.
const confirmDrawVolume = 2000

const historyLines = 10

type commandFunc func(s *Server, p *player.Player, args []string)

type command struct {
	name  string
	usage string
	help  string
	// perms must all be held to run the command
	perms   []rank.Capability
	handler commandFunc
}

func builtinCommands() map[string]*command {
	list := []*command{
		{name: "help", usage: "/help [command]", help: "Lists commands or shows how to use one.", handler: cmdHelp},
		{name: "mark", usage: "/mark", help: "Marks the block you are standing in.", handler: cmdMark},
		{name: "cancel", usage: "/cancel", help: "Cancels the current selection.", handler: cmdCancel},
		{name: "bind", usage: "/bind [block [replacement]]", help: "Places replacement whenever you place block.", perms: []rank.Capability{rank.Build}, handler: cmdBind},
		{name: "paint", usage: "/paint", help: "Deleting a block replaces it with the one you hold.", perms: []rank.Capability{rank.Build, rank.Delete}, handler: cmdPaint},
		{name: "ignore", usage: "/ignore [player]", help: "Hides chat from a player.", handler: cmdIgnore},
		{name: "unignore", usage: "/unignore player", help: "Shows chat from a player again.", handler: cmdUnignore},
		{name: "ok", usage: "/ok", help: "Confirms the last command that asked for it.", handler: cmdOK},
		{name: "kick", usage: "/kick player [reason]", help: "Disconnects a player.", perms: []rank.Capability{rank.Kick}, handler: cmdKick},
		{name: "ban", usage: "/ban player [reason]", help: "Bans a player name.", perms: []rank.Capability{rank.Ban}, handler: cmdBan},
		{name: "banip", usage: "/banip player|address [reason]", help: "Bans an address.", perms: []rank.Capability{rank.Ban, rank.BanIP}, handler: cmdBanIP},
		{name: "unban", usage: "/unban player|address", help: "Lifts a ban.", perms: []rank.Capability{rank.Ban}, handler: cmdUnban},
		{name: "rank", usage: "/rank player rank [reason]", help: "Promotes or demotes a player.", handler: cmdRank},
		{name: "hide", usage: "/hide", help: "Toggles invisibility.", perms: []rank.Capability{rank.Hide}, handler: cmdHide},
		{name: "freeze", usage: "/freeze player", help: "Stops or releases a player.", perms: []rank.Capability{rank.Freeze}, handler: cmdFreeze},
		{name: "lock", usage: "/lock", help: "Makes the world read-only.", perms: []rank.Capability{rank.Lock}, handler: cmdLock},
		{name: "unlock", usage: "/unlock", help: "Lifts a world lock.", perms: []rank.Capability{rank.Lock}, handler: cmdUnlock},
		{name: "spectate", usage: "/spectate", help: "Toggles read-only spectating.", handler: cmdSpectate},
		{name: "cuboid", usage: "/cuboid [block]", help: "Fills the box between two marks.", perms: []rank.Capability{rank.Draw}, handler: cmdCuboid},
		{name: "zone", usage: "/zone add|remove|list|include|exclude|minrank ...", help: "Manages build zones.", handler: cmdZone},
		{name: "info", usage: "/info [player]", help: "Shows what is known about a player.", handler: cmdInfo},
		{name: "ranks", usage: "/ranks", help: "Lists ranks, most senior first.", handler: cmdRanks},
		{name: "me", usage: "/me action", help: "Describes an action in chat.", perms: []rank.Capability{rank.Chat}, handler: cmdMe},
		{name: "say", usage: "/say message", help: "Makes an announcement.", perms: []rank.Capability{rank.Say}, handler: cmdSay},
		{name: "players", usage: "/players", help: "Lists online players.", handler: cmdPlayers},
		{name: "history", usage: "/history", help: "Shows recent changes to a block.", perms: []rank.Capability{rank.ViewOthersInfo}, handler: cmdHistory},
		{name: "plugins", usage: "/plugins [reload]", help: "Lists loaded plugins.", handler: cmdPlugins},
	}

	out := make(map[string]*command, len(list))
	for _, c := range list {
		out[c.name] = c
	}
	return out
}

// runCommand executes line, a command without its leading slash.
func (s *Server) runCommand(p *player.Player, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	name := strings.ToLower(fields[0])
	args := fields[1:]

	if cmd, ok := s.commands[name]; ok {
		for _, c := range cmd.perms {
			if !p.Can(c) {
				s.noAccess(p, c)
				return
			}
		}
		p.Touch(s.now())
		cmd.handler(s, p, args)
		return
	}

	if s.plugins != nil && s.plugins.Commands().Get(name) != nil {
		reply, err := s.plugins.Commands().Execute(p, name, args)
		if err != nil {
			p.Message("&c%s", err.Error())
			s.logger.Warn("plugin command failed", "command", name, "player", p.Name(), "error", err)
			return
		}
		if reply != "" {
			p.Message("%s", reply)
		}
		return
	}

	p.Message("Unknown command \"%s\". Type /help for available commands.", name)
}

// noAccess names the least senior rank that holds c.
func (s *Server) noAccess(p *player.Player, c rank.Capability) {
	ranks := s.ranks.Current().Ranks()
	for i := len(ranks) - 1; i >= 0; i-- {
		if ranks[i].Can(c) {
			p.Message("&cThis command requires %s&c+ rank.", ranks[i].ClassyName())
			return
		}
	}
	p.Message("&cNo rank has permission to do that.")
}

// ask stores fn until p types /ok.
func (s *Server) ask(p *player.Player, name, question string, fn func()) {
	p.RequireConfirmation(name, s.now())
	s.confirmations[p] = fn
	p.Message("&e%s Type &a/ok&e to continue.", question)
}

func (s *Server) confirm(p *player.Player) {
	fn := s.confirmations[p]
	delete(s.confirmations, p)
	if _, ok := p.TakeConfirmation(s.now()); !ok || fn == nil {
		p.Message("There is nothing to confirm.")
		return
	}
	fn()
}

// findOnline resolves name for p and reports the failure itself.
func (s *Server) findOnline(p *player.Player, name string) (*player.Player, bool) {
	target, ok := s.players.Find(p, name)
	if !ok {
		p.Message("No players found matching \"%s\"", name)
	}
	return target, ok
}

// accountRank is the rank of name whether or not the player is online.
func (s *Server) accountRank(name string) (string, *rank.Rank, bool) {
	if p, ok := s.players.GetByName(name); ok {
		return p.Name(), p.Rank(), true
	}
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	rec, err := s.db.Lookup(ctx, name)
	if err != nil {
		if !errors.Is(err, playerdb.ErrNotFound) {
			s.logger.Warn("failed to look up player", "player", name, "error", err)
		}
		return "", nil, false
	}
	return rec.Name, s.ranks.Resolve(rec.RankID), true
}

func joinReason(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

func cmdHelp(s *Server, p *player.Player, args []string) {
	if len(args) > 0 {
		name := strings.ToLower(strings.TrimPrefix(args[0], "/"))
		if cmd, ok := s.commands[name]; ok {
			p.Message("&e%s", cmd.usage)
			p.Message("%s", cmd.help)
			return
		}
		if s.plugins != nil {
			if cmd := s.plugins.Commands().Get(name); cmd != nil {
				p.Message("&e%s", cmd.Usage)
				p.Message("%s", cmd.Description)
				return
			}
		}
		p.Message("Unknown command \"%s\".", name)
		return
	}

	var names []string
	for name, cmd := range s.commands {
		if p.Can(cmd.perms...) {
			names = append(names, name)
		}
	}
	if s.plugins != nil {
		for _, cmd := range s.plugins.Commands().List(p) {
			names = append(names, cmd.Name)
		}
	}
	sort.Strings(names)
	p.Message("Commands: %s", strings.Join(names, ", "))
}

func cmdMark(s *Server, p *player.Player, _ []string) {
	if !p.Selection.Active() {
		p.Message("Cannot mark: no selection in progress.")
		return
	}
	c := p.Position().Block()
	if w := p.World(); w != nil && !w.InBounds(c) {
		p.Message("You are outside the map.")
		return
	}
	p.Selection.AddMark(p, c)
}

func cmdCancel(s *Server, p *player.Player, _ []string) {
	if p.Selection.Cancel() {
		p.Message("Selection cancelled.")
	} else {
		p.Message("There is no selection to cancel.")
	}
}

func cmdBind(s *Server, p *player.Player, args []string) {
	switch len(args) {
	case 0:
		p.ResetBindings()
		p.Message("All bindings have been reset.")
	case 1:
		from, err := block.Parse(args[0])
		if err != nil {
			p.Message("Unknown block type \"%s\"", args[0])
			return
		}
		_ = p.Bind(from, from)
		p.Message("%s is no longer bound.", from)
	default:
		from, err := block.Parse(args[0])
		if err != nil {
			p.Message("Unknown block type \"%s\"", args[0])
			return
		}
		to, err := block.Parse(args[1])
		if err != nil {
			p.Message("Unknown block type \"%s\"", args[1])
			return
		}
		if err := p.Bind(from, to); err != nil {
			p.Message("&c%s", err.Error())
			return
		}
		p.Message("%s is now replaced with %s.", from, to)
	}
}

func cmdPaint(s *Server, p *player.Player, _ []string) {
	p.SetPainting(!p.IsPainting())
	if p.IsPainting() {
		p.Message("Paint mode on. Deleting a block replaces it with the block you hold.")
	} else {
		p.Message("Paint mode off.")
	}
}

func cmdIgnore(s *Server, p *player.Player, args []string) {
	if len(args) == 0 {
		list := p.IgnoreList()
		if len(list) == 0 {
			p.Message("You are not ignoring anyone.")
			return
		}
		p.Message("Ignoring: %s", strings.Join(list, ", "))
		return
	}

	name := args[0]
	if target, ok := s.players.Find(p, name); ok {
		name = target.Name()
	}
	if !validation.IsValidPlayerName(name) {
		p.Message("\"%s\" is not a valid player name.", name)
		return
	}
	if strings.EqualFold(name, p.Name()) {
		p.Message("You cannot ignore yourself.")
		return
	}
	if p.Ignore(name) {
		p.Message("You are now ignoring %s.", name)
	} else {
		p.Message("You are already ignoring %s.", name)
	}
}

func cmdUnignore(s *Server, p *player.Player, args []string) {
	if len(args) == 0 {
		p.Message("Usage: /unignore player")
		return
	}
	if p.Unignore(args[0]) {
		p.Message("You are no longer ignoring %s.", args[0])
	} else {
		p.Message("You are not ignoring %s.", args[0])
	}
}

func cmdOK(s *Server, p *player.Player, _ []string) {
	s.confirm(p)
}

func cmdKick(s *Server, p *player.Player, args []string) {
	if len(args) == 0 {
		p.Message("Usage: /kick player [reason]")
		return
	}
	target, ok := s.findOnline(p, args[0])
	if !ok {
		return
	}
	if target == p {
		p.Message("You cannot kick yourself.")
		return
	}
	if !p.CanActOn(rank.Kick, target.Rank()) {
		p.Message("&cYou can only kick players ranked %s&c or lower.", p.Rank().Ceiling(rank.Kick).ClassyName())
		return
	}

	reason := joinReason(args[1:])
	msg := fmt.Sprintf("Kicked by %s", p.Name())
	if reason != "" {
		msg += ": " + reason
	}
	s.kick(target, p.Name(), msg, fmt.Sprintf("%s&e was kicked by %s", target.ClassyName(), p.ClassyName()))
}

func cmdBan(s *Server, p *player.Player, args []string) {
	if len(args) == 0 {
		p.Message("Usage: /ban player [reason]")
		return
	}
	name := args[0]
	if target, ok := s.players.Find(p, name); ok {
		name = target.Name()
	}
	if !validation.IsValidPlayerName(name) {
		p.Message("\"%s\" is not a valid player name.", name)
		return
	}
	if strings.EqualFold(name, p.Name()) {
		p.Message("You cannot ban yourself.")
		return
	}
	if _, r, ok := s.accountRank(name); ok && !p.CanActOn(rank.Ban, r) {
		p.Message("&cYou can only ban players ranked %s&c or lower.", p.Rank().Ceiling(rank.Ban).ClassyName())
		return
	}

	reason := joinReason(args[1:])
	if err := s.banManager.AddBanByName(name, reason, p.Name(), 0); err != nil {
		s.logger.Error("failed to save ban", "player", name, "error", err)
		p.Message("&cFailed to save the ban.")
		return
	}
	s.db.RecordBan(name, p.Name(), reason, s.now())
	s.logger.Info("player banned", "player", name, "by", p.Name(), "reason", reason)
	s.Broadcast("&c%s&c was banned by %s", name, p.ClassyName())

	if target, ok := s.players.GetByName(name); ok {
		s.kick(target, p.Name(), banMessage(&bans.Ban{BannedBy: p.Name(), Reason: reason}), "")
	}
}

func cmdBanIP(s *Server, p *player.Player, args []string) {
	if len(args) == 0 {
		p.Message("Usage: /banip player|address [reason]")
		return
	}

	var name, ip string
	if target, ok := s.players.Find(p, args[0]); ok {
		if target == p {
			p.Message("You cannot ban yourself.")
			return
		}
		name, ip = target.Name(), target.RemoteAddr()
	} else if net.ParseIP(args[0]) != nil {
		ip = args[0]
	} else {
		p.Message("No players or addresses found matching \"%s\"", args[0])
		return
	}

	var affected []*player.Player
	for _, other := range s.players.GetAll() {
		if other.RemoteAddr() != ip {
			continue
		}
		if other == p || !p.CanActOn(rank.Ban, other.Rank()) {
			p.Message("&cYou cannot ban the address of %s&c.", other.ClassyName())
			return
		}
		affected = append(affected, other)
	}

	reason := joinReason(args[1:])
	if err := s.banManager.AddBan(ip, name, reason, p.Name(), 0); err != nil {
		s.logger.Error("failed to save ip ban", "ip", ip, "error", err)
		p.Message("&cFailed to save the ban.")
		return
	}
	s.logger.Info("address banned", "ip", ip, "player", name, "by", p.Name(), "reason", reason)
	p.Message("Address %s is now banned.", ip)

	msg := banMessage(&bans.Ban{BannedBy: p.Name(), Reason: reason})
	for _, other := range affected {
		s.db.RecordBan(other.Name(), p.Name(), reason, s.now())
		s.kick(other, p.Name(), msg, fmt.Sprintf("&c%s&c was banned by %s", other.Name(), p.ClassyName()))
	}
}

func cmdUnban(s *Server, p *player.Player, args []string) {
	if len(args) == 0 {
		p.Message("Usage: /unban player|address")
		return
	}
	arg := args[0]

	var err error
	if net.ParseIP(arg) != nil {
		if !p.Can(rank.BanIP) {
			s.noAccess(p, rank.BanIP)
			return
		}
		err = s.banManager.RemoveBan(arg)
	} else {
		err = s.banManager.RemoveBanByName(arg)
	}
	switch {
	case errors.Is(err, bans.ErrNotBanned):
		p.Message("%s is not banned.", arg)
		return
	case err != nil:
		s.logger.Error("failed to save bans", "error", err)
		p.Message("&cFailed to save the ban list.")
		return
	}

	s.db.RecordUnban(arg, p.Name(), "", s.now())
	s.logger.Info("ban lifted", "target", arg, "by", p.Name())
	s.Broadcast("&a%s&a was unbanned by %s", arg, p.ClassyName())
}

func cmdRank(s *Server, p *player.Player, args []string) {
	if len(args) < 2 {
		p.Message("Usage: /rank player rank [reason]")
		return
	}

	name := args[0]
	if target, ok := s.players.Find(p, name); ok {
		name = target.Name()
	}
	name, oldRank, ok := s.accountRank(name)
	if !ok {
		p.Message("No player found matching \"%s\"", args[0])
		return
	}
	newRank := s.ranks.Current().Find(args[1])
	if newRank == nil {
		p.Message("No rank found matching \"%s\"", args[1])
		return
	}
	if newRank.ID == oldRank.ID {
		p.Message("%s is already ranked %s", name, newRank.ClassyName())
		return
	}
	if strings.EqualFold(name, p.Name()) && !p.IsConsole() {
		p.Message("You cannot change your own rank.")
		return
	}

	verb, c := "promoted", rank.Promote
	if newRank.Position < oldRank.Position {
		verb, c = "demoted", rank.Demote
	}
	if !p.Can(c) {
		s.noAccess(p, c)
		return
	}
	if !p.CanActOn(c, oldRank) || !p.CanActOn(c, newRank) {
		p.Message("&cYou can only %s players up to %s&c.", strings.TrimSuffix(verb, "d"), p.Rank().Ceiling(c).ClassyName())
		return
	}

	reason := joinReason(args[2:])
	s.db.RecordRankChange(name, p.Name(), oldRank.ID, newRank.ID, reason, s.now())
	s.logger.Info("rank changed", "player", name, "by", p.Name(), "from", oldRank.Name, "to", newRank.Name)

	if target, ok := s.players.GetByName(name); ok {
		wasOp := userType(target)
		target.SetRank(newRank)
		if t := userType(target); t != wasOp {
			s.sendTo(target, &protocol.PacketUserType{UserType: t})
		}
		target.Message("You were %s to %s&f by %s", verb, newRank.ClassyName(), p.ClassyName())
		s.refreshVisibility(target)
	}
	s.Broadcast("%s&e was %s to %s&e by %s", name, verb, newRank.ClassyName(), p.ClassyName())
}

// refreshVisibility spawns or despawns subject for everyone after a change
// that can affect CanSee.
func (s *Server) refreshVisibility(subject *player.Player) {
	despawn := &protocol.PacketDespawnPlayer{PlayerID: subject.ID}
	for _, other := range s.players.GetAll() {
		if other == subject {
			continue
		}
		s.sendTo(other, despawn)
		if other.CanSee(subject) {
			s.sendTo(other, spawnPacket(subject))
		}
	}
}

func cmdHide(s *Server, p *player.Player, _ []string) {
	if p.IsConsole() {
		return
	}
	hidden := !p.IsHidden()
	if hidden {
		s.broadcastVisible(p, fmt.Sprintf("%s&e left the server.", p.ClassyName()))
	}
	p.SetHidden(hidden)
	s.refreshVisibility(p)

	if hidden {
		p.Message("&8You are now hidden.")
		s.logger.Info("player hid", "player", p.Name())
	} else {
		s.broadcastVisible(p, fmt.Sprintf("%s&e joined the server.", p.ClassyName()))
		p.Message("&8You are no longer hidden.")
		s.logger.Info("player unhid", "player", p.Name())
	}
}

func cmdFreeze(s *Server, p *player.Player, args []string) {
	if len(args) == 0 {
		p.Message("Usage: /freeze player")
		return
	}
	target, ok := s.findOnline(p, args[0])
	if !ok {
		return
	}
	if !p.CanActOn(rank.Freeze, target.Rank()) {
		p.Message("&cYou can only freeze players ranked %s&c or lower.", p.Rank().Ceiling(rank.Freeze).ClassyName())
		return
	}

	frozen := !target.IsFrozen()
	target.SetFrozen(frozen)
	if frozen {
		s.Broadcast("%s&e was frozen by %s", target.ClassyName(), p.ClassyName())
	} else {
		s.Broadcast("%s&e was unfrozen by %s", target.ClassyName(), p.ClassyName())
	}
}

func cmdLock(s *Server, p *player.Player, _ []string) {
	w := p.World()
	if !w.SetLocked(true) {
		p.Message("%s is already locked.", w.Name())
		return
	}
	s.logger.Info("world locked", "world", w.Name(), "by", p.Name())
	s.Broadcast("&eWorld %s was locked by %s", w.Name(), p.ClassyName())
}

func cmdUnlock(s *Server, p *player.Player, _ []string) {
	w := p.World()
	if !w.SetLocked(false) {
		p.Message("%s is not locked.", w.Name())
		return
	}
	s.logger.Info("world unlocked", "world", w.Name(), "by", p.Name())
	s.Broadcast("&eWorld %s was unlocked by %s", w.Name(), p.ClassyName())
}

func cmdSpectate(s *Server, p *player.Player, _ []string) {
	p.SetSpectating(!p.IsSpectating())
	if p.IsSpectating() {
		p.Message("You are now spectating. Your edits will be ignored.")
	} else {
		p.Message("You are no longer spectating.")
	}
}

func cmdCuboid(s *Server, p *player.Player, args []string) {
	fill := block.Stone
	if len(args) > 0 {
		t, err := block.Parse(args[0])
		if err != nil {
			p.Message("Unknown block type \"%s\"", args[0])
			return
		}
		fill = t
	}
	if _, ok := s.authorizer.CheckEditor(p); !ok {
		return
	}

	err := p.Selection.Request(2, func(actor *player.Player, marks []block.Coord, arg any) {
		s.drawCuboid(actor, world.NewBounds(marks[0], marks[1]), arg.(block.Type))
	}, fill, rank.Draw)
	if err != nil {
		s.logger.Error("failed to start selection", "error", err)
		return
	}
	p.Message("Cuboid: place or remove two blocks, or type /mark twice.")
}

func (s *Server) drawCuboid(p *player.Player, b world.Bounds, fill block.Type) {
	// the player may have been frozen or the world locked while marking
	if _, ok := s.authorizer.CheckEditor(p); !ok {
		return
	}
	volume := b.Volume()
	if limit := p.Rank().DrawLimit; !p.IsConsole() && limit > 0 && volume > limit {
		p.Message("&cYou tried to draw %d blocks but your limit is %d.", volume, limit)
		return
	}

	draw := func() {
		if _, ok := s.authorizer.CheckEditor(p); !ok {
			return
		}
		w := p.World()
		queued, denied := 0, 0
		for h := b.Min.H; h <= b.Max.H; h++ {
			for y := b.Min.Y; y <= b.Max.Y; y++ {
				for x := b.Min.X; x <= b.Max.X; x++ {
					c := block.Coord{X: x, Y: y, H: h}
					if !w.InBounds(c) || w.GetBlock(c) == fill {
						continue
					}
					if s.authorizer.CanPlace(w, p, c, fill) != placement.Allowed {
						denied++
						continue
					}
					w.QueueMutation(world.Mutation{Coord: c, Type: fill, Actor: p.Name()})
					queued++
				}
			}
		}
		s.logger.Info("cuboid drawn", "player", p.Name(), "block", fill.String(), "queued", queued, "denied", denied)
		p.Message("Drawing %d blocks of %s.", queued, fill)
		if denied > 0 {
			p.Message("&c%d blocks could not be changed.", denied)
		}
	}

	if volume > confirmDrawVolume && !p.IsConsole() {
		s.ask(p, "cuboid", fmt.Sprintf("This will affect up to %d blocks.", volume), draw)
		return
	}
	draw()
}

func cmdZone(s *Server, p *player.Player, args []string) {
	w := p.World()
	if len(args) == 0 || strings.EqualFold(args[0], "list") {
		zones := w.Zones.List()
		if len(zones) == 0 {
			p.Message("There are no zones in %s.", w.Name())
			return
		}
		for _, z := range zones {
			if minRank := z.Security.MinRank(); minRank != nil {
				p.Message("%s: %s to %s, %s&f+", z.Name, z.Bounds.Min, z.Bounds.Max, minRank.ClassyName())
			} else {
				p.Message("%s: %s to %s", z.Name, z.Bounds.Min, z.Bounds.Max)
			}
		}
		return
	}

	if !p.Can(rank.ManageZones) {
		s.noAccess(p, rank.ManageZones)
		return
	}
	if len(args) < 2 {
		p.Message("Usage: /zone add|remove|list|include|exclude|minrank ...")
		return
	}

	sub, name := strings.ToLower(args[0]), args[1]
	switch sub {
	case "add":
		minRank := s.ranks.Current().Default()
		if len(args) > 2 {
			if minRank = s.ranks.Current().Find(args[2]); minRank == nil {
				p.Message("No rank found matching \"%s\"", args[2])
				return
			}
		}
		if w.Zones.Find(name) != nil {
			p.Message("Zone \"%s\" already exists.", name)
			return
		}
		err := p.Selection.Request(2, func(actor *player.Player, marks []block.Coord, _ any) {
			security := world.NewController(s.ranks)
			security.SetMinRank(minRank)
			zone := &world.Zone{
				Name:      name,
				Bounds:    world.NewBounds(marks[0], marks[1]),
				Security:  security,
				CreatedBy: actor.Name(),
			}
			if err := w.Zones.Add(zone); err != nil {
				actor.Message("&c%s", err.Error())
				return
			}
			s.logger.Info("zone created", "zone", name, "world", w.Name(), "by", actor.Name(), "volume", zone.Bounds.Volume())
			actor.Message("Zone \"%s\" created, %d blocks.", name, zone.Bounds.Volume())
		}, nil, rank.ManageZones)
		if err != nil {
			s.logger.Error("failed to start selection", "error", err)
			return
		}
		p.Message("Zone: place or remove two blocks, or type /mark twice.")

	case "remove":
		if err := w.Zones.Remove(name); err != nil {
			p.Message("&c%s", err.Error())
			return
		}
		s.logger.Info("zone removed", "zone", name, "world", w.Name(), "by", p.Name())
		p.Message("Zone \"%s\" removed.", name)

	case "include", "exclude":
		z := w.Zones.Find(name)
		if z == nil {
			p.Message("No zone named \"%s\".", name)
			return
		}
		if len(args) < 3 || !validation.IsValidPlayerName(args[2]) {
			p.Message("Usage: /zone %s zone player", sub)
			return
		}
		if sub == "include" {
			z.Security.Include(args[2])
			p.Message("%s may now build in zone \"%s\".", args[2], z.Name)
		} else {
			z.Security.Exclude(args[2])
			p.Message("%s may no longer build in zone \"%s\".", args[2], z.Name)
		}

	case "minrank":
		z := w.Zones.Find(name)
		if z == nil {
			p.Message("No zone named \"%s\".", name)
			return
		}
		if len(args) < 3 {
			p.Message("Usage: /zone minrank zone rank")
			return
		}
		r := s.ranks.Current().Find(args[2])
		if r == nil {
			p.Message("No rank found matching \"%s\"", args[2])
			return
		}
		z.Security.SetMinRank(r)
		p.Message("Zone \"%s\" now requires %s&f+.", z.Name, r.ClassyName())

	default:
		p.Message("Unknown zone command \"%s\".", sub)
	}
}

func cmdInfo(s *Server, p *player.Player, args []string) {
	target := p
	if len(args) > 0 {
		name := args[0]
		if online, ok := s.players.Find(p, name); ok {
			target = online
		} else {
			if !p.Can(rank.ViewOthersInfo) {
				s.noAccess(p, rank.ViewOthersInfo)
				return
			}
			showRecord(s, p, name)
			return
		}
	}
	if target != p && !p.Can(rank.ViewOthersInfo) {
		s.noAccess(p, rank.ViewOthersInfo)
		return
	}

	stats := target.Stats()
	online := s.now().Sub(target.LoginTime()).Round(time.Second)
	p.Message("%s&f is ranked %s&f, online for %s.", target.ClassyName(), target.Rank().ClassyName(), online)
	p.Message("Built %d and deleted %d blocks, wrote %d messages this session.",
		stats.BlocksPlaced, stats.BlocksDeleted, stats.MessagesWritten)
	if p.Can(rank.ViewOthersInfo) && !target.IsConsole() {
		p.Message("Address: %s", target.RemoteAddr())
	}
	if target.IsFrozen() {
		p.Message("&bFrozen.")
	}
	if target.IsMuted(s.now()) {
		p.Message("&bMuted until %s.", target.MutedUntil().Format(time.TimeOnly))
	}
}

func showRecord(s *Server, p *player.Player, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	rec, err := s.db.Lookup(ctx, name)
	if err != nil {
		if errors.Is(err, playerdb.ErrNotFound) {
			p.Message("No player found matching \"%s\"", name)
		} else {
			s.logger.Warn("failed to look up player", "player", name, "error", err)
			p.Message("&cCould not look up %s.", name)
		}
		return
	}

	r := s.ranks.Resolve(rec.RankID)
	p.Message("%s is ranked %s&f, offline. Last seen %s.", rec.Name, r.ClassyName(), rec.LastLogin.Format(time.DateTime))
	p.Message("Visited %d times, kicked %d times. Built %d and deleted %d blocks, wrote %d messages.",
		rec.TimesVisited, rec.TimesKicked, rec.BlocksPlaced, rec.BlocksDeleted, rec.MessagesWritten)
	if rec.Banned {
		p.Message("&cBanned by %s: %s", rec.BannedBy, rec.BanReason)
	}
}

func cmdRanks(s *Server, p *player.Player, _ []string) {
	var names []string
	for _, r := range s.ranks.Current().Ranks() {
		names = append(names, r.ClassyName())
	}
	p.Message("Ranks: %s", strings.Join(names, "&f, "))
}

func cmdMe(s *Server, p *player.Player, args []string) {
	if len(args) == 0 {
		p.Message("Usage: /me action")
		return
	}
	if !s.allowChat(p) {
		return
	}
	text := s.prepareText(p, joinReason(args))
	if !s.callbacks.OnChatMessage(p, text) {
		return
	}
	p.RecordMessage()
	line := fmt.Sprintf("&d* %s %s", p.Name(), text)
	for _, target := range s.players.GetAll() {
		if !target.IsIgnoring(p.Name()) {
			target.Message("%s", line)
		}
	}
	s.logger.Info("chat", "player", p.Name(), "action", text)
}

func cmdSay(s *Server, p *player.Player, args []string) {
	if len(args) == 0 {
		p.Message("Usage: /say message")
		return
	}
	s.Broadcast("&e%s", s.prepareText(p, joinReason(args)))
}

func cmdPlayers(s *Server, p *player.Player, _ []string) {
	var names []string
	for _, other := range s.players.GetAll() {
		if p.CanSee(other) {
			names = append(names, other.ClassyName())
		}
	}
	if len(names) == 0 {
		p.Message("There are no players online.")
		return
	}
	p.Message("Players online (%d): %s", len(names), strings.Join(names, "&f, "))
}

func cmdHistory(s *Server, p *player.Player, _ []string) {
	err := p.Selection.Request(1, func(actor *player.Player, marks []block.Coord, _ any) {
		c := marks[0]
		entries, err := s.journal.History(actor.World().Name(), c)
		if err != nil {
			s.logger.Warn("failed to read block history", "coord", c.String(), "error", err)
		}
		if len(entries) == 0 {
			actor.Message("No changes recorded at %s.", c)
			return
		}
		if len(entries) > historyLines {
			entries = entries[len(entries)-historyLines:]
		}
		for _, e := range entries {
			who := e.Actor
			if who == "" {
				who = "(server)"
			}
			actor.Message("%s %s: %s -> %s", e.Time.Format(time.DateTime), who, e.Old, e.New)
		}
	}, nil, rank.ViewOthersInfo)
	if err != nil {
		s.logger.Error("failed to start selection", "error", err)
		return
	}
	p.Message("History: click a block to see who changed it.")
}

func cmdPlugins(s *Server, p *player.Player, args []string) {
	if s.plugins == nil {
		p.Message("Plugins are disabled.")
		return
	}
	if len(args) > 0 && strings.EqualFold(args[0], "reload") {
		if !p.IsConsole() {
			p.Message("&cPlugins can only be reloaded from the console.")
			return
		}
		if err := s.plugins.Reload(s.config.Plugins.Dir); err != nil {
			p.Message("&cReload failed: %s", err.Error())
			return
		}
	}
	names := s.plugins.Plugins()
	if len(names) == 0 {
		p.Message("No plugins loaded.")
		return
	}
	p.Message("Plugins: %s", strings.Join(names, ", "))
}
