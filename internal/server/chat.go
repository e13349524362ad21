package server

import (
	"fmt"
	"strings"

	"github.com/siohaza/blocksmith/internal/antispam"
	"github.com/siohaza/blocksmith/internal/player"
	"github.com/siohaza/blocksmith/internal/rank"
)

type MessageType int

const (
	MessageInvalid MessageType = iota
	MessageChat
	MessageCommand
	MessageConfirmation
	MessagePrivate
	MessageRank
)

func (t MessageType) String() string {
	switch t {
	case MessageChat:
		return "chat"
	case MessageCommand:
		return "command"
	case MessageConfirmation:
		return "confirmation"
	case MessagePrivate:
		return "private"
	case MessageRank:
		return "rank"
	default:
		return "invalid"
	}
}

// ClassifyMessage sorts a line typed by a player. A leading "//" escapes the
// slash so the line is sent as chat.
func ClassifyMessage(raw string) MessageType {
	switch {
	case raw == "":
		return MessageInvalid
	case strings.HasPrefix(raw, "//"):
		return MessageChat
	case strings.EqualFold(raw, "/ok"):
		return MessageConfirmation
	case raw[0] == '/':
		if len(strings.TrimSpace(raw[1:])) == 0 {
			return MessageInvalid
		}
		return MessageCommand
	case strings.HasPrefix(raw, "@@"):
		if target, text := splitTarget(raw[2:]); target == "" || text == "" {
			return MessageInvalid
		}
		return MessageRank
	case raw[0] == '@':
		if target, text := splitTarget(raw[1:]); target == "" || text == "" {
			return MessageInvalid
		}
		return MessagePrivate
	default:
		return MessageChat
	}
}

// splitTarget splits "name text" and tolerates a space before the name.
func splitTarget(s string) (target, text string) {
	s = strings.TrimLeft(s, " ")
	target, text, ok := strings.Cut(s, " ")
	if !ok {
		return target, ""
	}
	return target, strings.TrimSpace(text)
}

// replacePercentCodes turns %x into the &x colour code.
func replacePercentCodes(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	b := []byte(s)
	for i := 0; i+1 < len(b); i++ {
		if b[i] == '%' && isColorCode(b[i+1]) {
			b[i] = '&'
		}
	}
	return string(b)
}

func (s *Server) handleMessage(p *player.Player, raw string) {
	switch ClassifyMessage(raw) {
	case MessageChat:
		if !s.allowChat(p) {
			return
		}
		s.chat(p, strings.TrimPrefix(raw, "/"))

	case MessageCommand:
		s.logger.Info("command", "player", p.Name(), "line", raw)
		s.runCommand(p, raw[1:])

	case MessageConfirmation:
		s.confirm(p)

	case MessagePrivate:
		if !s.allowChat(p) {
			return
		}
		target, text := splitTarget(raw[1:])
		s.privateMessage(p, target, text)

	case MessageRank:
		if !s.allowChat(p) {
			return
		}
		target, text := splitTarget(raw[2:])
		s.rankMessage(p, target, text)

	default:
		p.Message("Unknown command.")
	}
}

// allowChat applies the chat permission, an active mute and the spam
// detector. A rejected message is dropped and the sender told why.
func (s *Server) allowChat(p *player.Player) bool {
	if p.IsConsole() {
		return true
	}
	if !p.Can(rank.Chat) {
		p.Message(MsgChatDenied)
		return false
	}

	now := s.now()
	if p.IsMuted(now) {
		left := p.MutedUntil().Sub(now).Seconds()
		p.Message("You are muted for another %.0f seconds.", left)
		return false
	}

	switch p.Antispam.CheckChat(now) {
	case antispam.Mute:
		d := p.Antispam.MuteDuration()
		p.Mute(now.Add(d))
		p.Message(antispam.MuteNotice, int(d.Seconds()))
		s.logger.Info("player auto-muted for spam", "player", p.Name(), "warnings", p.Antispam.Warnings())
		return false
	case antispam.Kick:
		s.KickPlayer(p, antispam.ChatKickReason, fmt.Sprintf(antispam.ChatKickBroadcast, p.ClassyName()))
		return false
	}

	p.Touch(now)
	return true
}

func (s *Server) prepareText(p *player.Player, text string) string {
	if p.Can(rank.UseColorCodes) {
		return replacePercentCodes(text)
	}
	return text
}

func (s *Server) chat(p *player.Player, text string) {
	text = s.prepareText(p, text)
	if !s.callbacks.OnChatMessage(p, text) {
		s.logger.Debug("chat message vetoed", "player", p.Name())
		return
	}
	p.RecordMessage()

	s.logger.Info("chat", "player", p.Name(), "message", text)
	line := fmt.Sprintf("%s&f: %s", p.ClassyName(), text)
	for _, target := range s.players.GetAll() {
		if target.IsIgnoring(p.Name()) {
			continue
		}
		target.Message("%s", line)
	}
}

func (s *Server) privateMessage(p *player.Player, name, text string) {
	text = s.prepareText(p, text)
	target, ok := s.players.Find(p, name)
	if !ok {
		p.Message("No players found matching \"%s\"", name)
		return
	}
	if target.IsIgnoring(p.Name()) {
		p.Message("&cCannot PM %s&c: you are ignored.", target.ClassyName())
		return
	}

	p.RecordMessage()
	s.logger.Info("private message", "from", p.Name(), "to", target.Name(), "message", text)
	target.Message("&bfrom %s: %s", p.Name(), text)
	if target != p {
		p.Message("&bto %s: %s", target.Name(), text)
	}
}

func (s *Server) rankMessage(p *player.Player, rankName, text string) {
	text = s.prepareText(p, text)
	r := s.ranks.Current().Find(rankName)
	if r == nil {
		p.Message("No rank found matching \"%s\"", rankName)
		return
	}

	p.RecordMessage()
	s.logger.Info("rank message", "from", p.Name(), "rank", r.Name, "message", text)
	line := fmt.Sprintf("&b(%s&b)%s&b: %s", r.ClassyName(), p.ClassyName(), text)
	sent := false
	for _, target := range s.players.GetAll() {
		if target.Rank().ID != r.ID || target.IsIgnoring(p.Name()) {
			continue
		}
		target.Message("%s", line)
		sent = sent || target == p
	}
	if !sent {
		p.Message("%s", line)
	}
}

// Broadcast sends msg to every player and logs it.
func (s *Server) Broadcast(format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	s.logger.Info("broadcast", "message", stripColors(msg))
	for _, p := range s.players.GetAll() {
		p.Message("%s", msg)
	}
}

// broadcastVisible sends msg to players allowed to see subject.
func (s *Server) broadcastVisible(subject *player.Player, msg string) {
	for _, p := range s.players.GetAll() {
		if p.CanSee(subject) {
			p.Message("%s", msg)
		}
	}
}
