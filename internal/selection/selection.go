// Package selection collects a fixed number of marked coordinates from a
// player before running a deferred action.
package selection

import (
	"errors"
	"fmt"

	"github.com/siohaza/blocksmith/internal/block"
	"github.com/siohaza/blocksmith/internal/rank"
)

const (
	MarkProgress    = "Block #%d marked at %s. Place mark #%d."
	PermissionsLost = "You are no longer allowed to complete this action."
)

var ErrInvalidCount = errors.New("selection needs at least one mark")

type Actor interface {
	Can(caps ...rank.Capability) bool
	Message(format string, args ...any)
}

type Callback[A Actor] func(actor A, marks []block.Coord, arg any)

// Selection belongs to one player and is driven only from that player's
// connection goroutine.
type Selection[A Actor] struct {
	expected int
	marks    []block.Coord
	callback Callback[A]
	arg      any
	perms    []rank.Capability
}

// Request arms the selection, discarding any marks collected so far.
func (s *Selection[A]) Request(count int, cb Callback[A], arg any, perms ...rank.Capability) error {
	if count < 1 {
		return ErrInvalidCount
	}
	if cb == nil {
		return fmt.Errorf("selection callback is nil")
	}
	s.expected = count
	s.marks = make([]block.Coord, 0, count)
	s.callback = cb
	s.arg = arg
	s.perms = append([]rank.Capability(nil), perms...)
	return nil
}

func (s *Selection[A]) Active() bool {
	return s.expected > 0
}

func (s *Selection[A]) Expected() int {
	return s.expected
}

func (s *Selection[A]) Count() int {
	return len(s.marks)
}

func (s *Selection[A]) Marks() []block.Coord {
	out := make([]block.Coord, len(s.marks))
	copy(out, s.marks)
	return out
}

// AddMark records c. The last mark re-checks the required capabilities and,
// if they still hold, runs the callback. It reports whether the selection
// finished, successfully or not.
func (s *Selection[A]) AddMark(actor A, c block.Coord) bool {
	if !s.Active() {
		return false
	}

	s.marks = append(s.marks, c)
	if len(s.marks) < s.expected {
		actor.Message(MarkProgress, len(s.marks), c, len(s.marks)+1)
		return false
	}

	cb, arg, marks, perms := s.callback, s.arg, s.marks, s.perms
	s.Reset()

	if !actor.Can(perms...) {
		actor.Message(PermissionsLost)
		return true
	}
	cb(actor, marks, arg)
	return true
}

// Cancel drops an armed selection and reports whether one was active.
func (s *Selection[A]) Cancel() bool {
	active := s.Active()
	s.Reset()
	return active
}

func (s *Selection[A]) Reset() {
	s.expected = 0
	s.marks = nil
	s.callback = nil
	s.arg = nil
	s.perms = nil
}
