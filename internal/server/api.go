package server

import (
	"fmt"

	"github.com/siohaza/blocksmith/internal/block"
	"github.com/siohaza/blocksmith/internal/rank"
)

// The methods below are what plugins see of the server. They may run on the
// server loop or on the world consumer, so they only touch thread-safe state.

func (s *Server) ServerName() string {
	return s.config.Server.Name
}

func (s *Server) PlayerCount() int {
	return s.players.Count()
}

func (s *Server) PlayerNames() []string {
	all := s.players.GetAll()
	names := make([]string, 0, len(all))
	for _, p := range all {
		names = append(names, p.Name())
	}
	return names
}

func (s *Server) PlayerRank(name string) (string, bool) {
	p, ok := s.players.GetByName(name)
	if !ok {
		return "", false
	}
	return p.Rank().Name, true
}

func (s *Server) PlayerCan(name string, c rank.Capability) bool {
	p, ok := s.players.GetByName(name)
	return ok && p.Can(c)
}

func (s *Server) BroadcastMessage(message string) {
	s.Broadcast("%s", message)
}

func (s *Server) MessagePlayer(name, message string) bool {
	p, ok := s.players.GetByName(name)
	if !ok {
		return false
	}
	p.Message("%s", message)
	return true
}

func (s *Server) KickPlayerByName(name, reason string) bool {
	p, ok := s.players.GetByName(name)
	if !ok {
		return false
	}
	s.KickPlayer(p, reason, fmt.Sprintf("%s&e was kicked: %s", p.ClassyName(), reason))
	return true
}

func (s *Server) BlockAt(c block.Coord) (block.Type, bool) {
	if !s.world.InBounds(c) {
		return block.Air, false
	}
	return s.world.GetBlock(c), true
}
