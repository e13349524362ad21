package validation

import (
	"github.com/siohaza/blocksmith/internal/block"
)

// MaxReach is how far from the player's position, in 1/32-block units per
// axis, a block edit may land before it is treated as a hack.
const MaxReach = 6 * 32

func IsValidPlayerName(name string) bool {
	if len(name) < 2 || len(name) > 16 {
		return false
	}
	for i := 0; i < len(name); i++ {
		ch := name[i]
		if !isAlnum(ch) && ch != '_' && ch != '.' {
			return false
		}
	}
	return true
}

func IsValidRankName(name string) bool {
	if len(name) < 1 || len(name) > 16 {
		return false
	}
	for i := 0; i < len(name); i++ {
		if !isAlnum(name[i]) && name[i] != '_' {
			return false
		}
	}
	return true
}

func IsValidRankID(id string) bool {
	if len(id) != 16 {
		return false
	}
	for i := 0; i < len(id); i++ {
		if !isAlnum(id[i]) {
			return false
		}
	}
	return true
}

// IsValidRankPrefix allows an empty prefix or one printable character that
// is not a chat formatting marker.
func IsValidRankPrefix(prefix string) bool {
	if prefix == "" {
		return true
	}
	if len(prefix) > 1 {
		return false
	}
	ch := prefix[0]
	return ch > ' ' && ch != '&' && ch != '`' && ch != '^' && ch <= '}'
}

func IsValidColorCode(color string) bool {
	if color == "" {
		return true
	}
	if len(color) != 2 || color[0] != '&' {
		return false
	}
	ch := color[1]
	return (ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'f')
}

// IsWithinReach compares a block coordinate against a position given in
// 1/32-block units.
func IsWithinReach(c block.Coord, posX, posY, posH int) bool {
	return abs(c.X*32-posX) <= MaxReach &&
		abs(c.Y*32-posY) <= MaxReach &&
		abs(c.H*32-posH) <= MaxReach
}

func IsValidBlockPosition(c block.Coord, width, length, height int) bool {
	return c.X >= 0 && c.X < width &&
		c.Y >= 0 && c.Y < length &&
		c.H >= 0 && c.H < height
}

func isAlnum(ch byte) bool {
	return (ch >= '0' && ch <= '9') || (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z')
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
