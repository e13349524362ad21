package validation

import (
	"testing"

	"github.com/siohaza/blocksmith/internal/block"

	"github.com/stretchr/testify/assert"
)

func TestIsValidPlayerName(t *testing.T) {
	assert.True(t, IsValidPlayerName("Notch"))
	assert.True(t, IsValidPlayerName("a.b_c9"))
	assert.False(t, IsValidPlayerName("x"))
	assert.False(t, IsValidPlayerName("seventeen_chars_x"))
	assert.False(t, IsValidPlayerName("bad name"))
	assert.False(t, IsValidPlayerName("&cred"))
}

func TestRankFields(t *testing.T) {
	assert.True(t, IsValidRankName("builder_2"))
	assert.False(t, IsValidRankName(""))
	assert.False(t, IsValidRankName("with.dot"))

	assert.True(t, IsValidRankID("0123456789abcdef"))
	assert.False(t, IsValidRankID("0123456789abcde"))
	assert.False(t, IsValidRankID("0123456789abcde!"))

	assert.True(t, IsValidRankPrefix(""))
	assert.True(t, IsValidRankPrefix("+"))
	assert.False(t, IsValidRankPrefix("&"))
	assert.False(t, IsValidRankPrefix(" "))
	assert.False(t, IsValidRankPrefix("++"))

	assert.True(t, IsValidColorCode(""))
	assert.True(t, IsValidColorCode("&e"))
	assert.False(t, IsValidColorCode("&g"))
	assert.False(t, IsValidColorCode("e"))
}

func TestIsWithinReach(t *testing.T) {
	c := block.Coord{X: 10, Y: 10, H: 10}
	assert.True(t, IsWithinReach(c, 320, 320, 320))
	assert.True(t, IsWithinReach(c, 320+MaxReach, 320, 320-MaxReach))
	assert.False(t, IsWithinReach(c, 320+MaxReach+1, 320, 320))
}

func TestIsValidBlockPosition(t *testing.T) {
	assert.True(t, IsValidBlockPosition(block.Coord{}, 16, 16, 16))
	assert.True(t, IsValidBlockPosition(block.Coord{X: 15, Y: 15, H: 15}, 16, 16, 16))
	assert.False(t, IsValidBlockPosition(block.Coord{X: 16}, 16, 16, 16))
	assert.False(t, IsValidBlockPosition(block.Coord{H: -1}, 16, 16, 16))
}
