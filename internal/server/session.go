package server

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/siohaza/blocksmith/internal/block"
	"github.com/siohaza/blocksmith/internal/network"
	"github.com/siohaza/blocksmith/internal/player"
	"github.com/siohaza/blocksmith/internal/protocol"
)

type packet interface {
	Write(w io.Writer) error
}

// session is the server side of one client connection. While the level is
// being sent, outgoing packets are held back so that block updates never
// reach the client ahead of the map they apply to.
type session struct {
	conn *network.Conn

	// player, record and pending are only touched from the server loop.
	// pending is set while the player's record is being looked up.
	player  *player.Player
	record  string
	pending bool

	mu      sync.Mutex
	loading bool
	held    [][]byte
	kicked  bool
	reason  string
}

var _ player.Session = (*session)(nil)

func newSession(conn *network.Conn) *session {
	return &session{conn: conn}
}

func (s *session) send(p packet) error {
	data, err := protocol.Encode(p)
	if err != nil {
		return fmt.Errorf("failed to encode packet: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kicked {
		return network.ErrClosed
	}
	if s.loading {
		s.held = append(s.held, data)
		return nil
	}
	return s.conn.Send(data)
}

// sendNow skips the hold used during level loading.
func (s *session) sendNow(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kicked {
		return network.ErrClosed
	}
	return s.conn.Send(data)
}

func (s *session) beginLoading() {
	s.mu.Lock()
	s.loading = true
	s.mu.Unlock()
}

func (s *session) finishLoading() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = false
	held := s.held
	s.held = nil
	if s.kicked {
		return
	}
	for _, data := range held {
		if err := s.conn.Send(data); err != nil {
			return
		}
	}
}

func (s *session) SendBlock(c block.Coord, t block.Type) error {
	return s.send(&protocol.PacketSetBlock{Coord: c, Type: t})
}

func (s *session) SendMessage(msg string) error {
	for _, line := range protocol.SplitMessage(msg) {
		if err := s.send(&protocol.PacketMessage{Message: line}); err != nil {
			return err
		}
	}
	return nil
}

// Kick sends the disconnect packet and closes the connection once everything
// queued before it has been written. Only the first call has any effect.
func (s *session) Kick(reason string) error {
	data, err := protocol.Encode(&protocol.PacketDisconnect{Reason: reason})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.kicked {
		s.mu.Unlock()
		return nil
	}
	s.kicked = true
	s.reason = reason
	s.held = nil
	err = s.conn.Send(data)
	s.mu.Unlock()

	s.conn.Close()
	return err
}

func (s *session) Kicked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kicked
}

func (s *session) KickReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *session) RemoteAddr() string {
	return s.conn.RemoteAddr()
}

// consoleSession prints messages for the operator at the terminal.
type consoleSession struct {
	mu  sync.Mutex
	out io.Writer
}

func (c *consoleSession) SendBlock(block.Coord, block.Type) error { return nil }

func (c *consoleSession) SendMessage(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.out, stripColors(msg))
	return err
}

func (c *consoleSession) Kick(string) error { return nil }

func (c *consoleSession) RemoteAddr() string { return "127.0.0.1" }

// stripColors drops &x colour codes.
func stripColors(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '&' && i+1 < len(s) && isColorCode(s[i+1]) {
			i++
			continue
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

func isColorCode(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
