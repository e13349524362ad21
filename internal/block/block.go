package block

import (
	"fmt"
	"strconv"
	"strings"
)

type Type uint8

const (
	Air Type = iota
	Stone
	Grass
	Dirt
	Cobblestone
	Plank
	Sapling
	Admincrete
	Water
	StillWater
	Lava
	StillLava
	Sand
	Gravel
	GoldOre
	IronOre
	Coal
	Log
	Leaves
	Sponge
	Glass
	Red
	Orange
	Yellow
	Lime
	Green
	Teal
	Aqua
	Cyan
	Blue
	Indigo
	Violet
	Magenta
	Pink
	Black
	Gray
	White
	YellowFlower
	RedFlower
	BrownMushroom
	RedMushroom
	Gold
	Iron
	DoubleStair
	Stair
	Brick
	TNT
	Books
	MossyRocks
	Obsidian
)

// Count is the number of block types a Classic v7 client understands.
const Count = 50

var names = [Count]string{
	"air", "stone", "grass", "dirt", "cobblestone", "plank", "sapling", "admincrete",
	"water", "stillwater", "lava", "stilllava", "sand", "gravel", "goldore", "ironore",
	"coal", "log", "leaves", "sponge", "glass", "red", "orange", "yellow",
	"lime", "green", "teal", "aqua", "cyan", "blue", "indigo", "violet",
	"magenta", "pink", "black", "gray", "white", "yellowflower", "redflower", "brownmushroom",
	"redmushroom", "gold", "iron", "doublestair", "stair", "brick", "tnt", "books",
	"mossyrocks", "obsidian",
}

var aliases = map[string]Type{
	"bedrock":    Admincrete,
	"adminium":   Admincrete,
	"wood":       Plank,
	"planks":     Plank,
	"trunk":      Log,
	"cobble":     Cobblestone,
	"slab":       Stair,
	"step":       Stair,
	"doubleslab": DoubleStair,
	"bookcase":   Books,
	"shelf":      Books,
	"mossy":      MossyRocks,
	"grey":       Gray,
}

func (t Type) Valid() bool {
	return t < Count
}

func (t Type) String() string {
	if !t.Valid() {
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
	return names[t]
}

// IsFluid reports whether placing t requires a fluid capability.
func (t Type) IsFluid() bool {
	return t == Water || t == StillWater || t == Lava || t == StillLava
}

// Parse accepts a block name, an alias, or a numeric id.
func Parse(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Air, fmt.Errorf("empty block name")
	}

	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n >= Count {
			return Air, fmt.Errorf("block id out of range: %d", n)
		}
		return Type(n), nil
	}

	for i, name := range names {
		if name == s {
			return Type(i), nil
		}
	}

	if t, ok := aliases[s]; ok {
		return t, nil
	}

	return Air, fmt.Errorf("unknown block type: %q", s)
}

type Coord struct {
	X, Y, H int
}

func (c Coord) Below() Coord {
	return Coord{X: c.X, Y: c.Y, H: c.H - 1}
}

func (c Coord) String() string {
	return fmt.Sprintf("(%d,%d,%d)", c.X, c.Y, c.H)
}
