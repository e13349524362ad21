package selection

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siohaza/blocksmith/internal/block"
	"github.com/siohaza/blocksmith/internal/rank"
)

type fakeActor struct {
	caps     rank.CapabilitySet
	messages []string
}

func (a *fakeActor) Can(caps ...rank.Capability) bool {
	for _, c := range caps {
		if !a.caps.Has(c) {
			return false
		}
	}
	return true
}

func (a *fakeActor) Message(format string, args ...any) {
	a.messages = append(a.messages, fmt.Sprintf(format, args...))
}

func newActor(t *testing.T, caps ...rank.Capability) *fakeActor {
	set, err := rank.NewCapabilitySet(caps...)
	require.NoError(t, err)
	return &fakeActor{caps: set}
}

func TestSelectionCompletes(t *testing.T) {
	a := newActor(t, rank.Draw)
	var s Selection[*fakeActor]

	var got []block.Coord
	var gotArg any
	calls := 0
	err := s.Request(2, func(actor *fakeActor, marks []block.Coord, arg any) {
		calls++
		got = marks
		gotArg = arg
	}, "cuboid", rank.Draw)
	require.NoError(t, err)
	require.True(t, s.Active())

	done := s.AddMark(a, block.Coord{X: 1, Y: 2, H: 3})
	assert.False(t, done)
	assert.Equal(t, 1, s.Count())
	require.Len(t, a.messages, 1)
	assert.Equal(t, "Block #1 marked at (1,2,3). Place mark #2.", a.messages[0])

	done = s.AddMark(a, block.Coord{X: 4, Y: 5, H: 6})
	assert.True(t, done)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []block.Coord{{X: 1, Y: 2, H: 3}, {X: 4, Y: 5, H: 6}}, got)
	assert.Equal(t, "cuboid", gotArg)
	assert.False(t, s.Active())
}

func TestSelectionRechecksPermissions(t *testing.T) {
	a := newActor(t, rank.Draw)
	var s Selection[*fakeActor]

	called := false
	require.NoError(t, s.Request(2, func(*fakeActor, []block.Coord, any) { called = true }, nil, rank.Draw))

	s.AddMark(a, block.Coord{})
	a.caps = a.caps.Without(rank.Draw)
	done := s.AddMark(a, block.Coord{X: 1})

	assert.True(t, done)
	assert.False(t, called)
	assert.Equal(t, PermissionsLost, a.messages[len(a.messages)-1])
	assert.False(t, s.Active())
}

func TestSelectionCancel(t *testing.T) {
	a := newActor(t)
	var s Selection[*fakeActor]

	assert.False(t, s.Cancel())

	called := false
	require.NoError(t, s.Request(3, func(*fakeActor, []block.Coord, any) { called = true }, nil))
	s.AddMark(a, block.Coord{})
	assert.True(t, s.Cancel())
	assert.False(t, s.Active())
	assert.Equal(t, 0, s.Count())

	assert.False(t, s.AddMark(a, block.Coord{}))
	assert.False(t, called)
}

func TestSelectionRequestReplacesPending(t *testing.T) {
	a := newActor(t)
	var s Selection[*fakeActor]

	require.NoError(t, s.Request(2, func(*fakeActor, []block.Coord, any) {}, nil))
	s.AddMark(a, block.Coord{})

	var got []block.Coord
	require.NoError(t, s.Request(1, func(_ *fakeActor, marks []block.Coord, _ any) { got = marks }, nil))
	assert.Equal(t, 0, s.Count())

	assert.True(t, s.AddMark(a, block.Coord{X: 9}))
	assert.Equal(t, []block.Coord{{X: 9}}, got)
}

func TestSelectionRejectsBadRequest(t *testing.T) {
	var s Selection[*fakeActor]
	assert.ErrorIs(t, s.Request(0, func(*fakeActor, []block.Coord, any) {}, nil), ErrInvalidCount)
	assert.Error(t, s.Request(1, nil, nil))
	assert.False(t, s.Active())
}
