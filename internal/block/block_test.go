package block

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input string
		want  Type
	}{
		{"stone", Stone},
		{"  Obsidian ", Obsidian},
		{"stillwater", StillWater},
		{"0", Air},
		{"49", Obsidian},
		{"wood", Plank},
		{"bedrock", Admincrete},
		{"slab", Stair},
		{"GREY", Gray},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, input := range []string{"", "   ", "50", "-1", "diamond"} {
		_, err := Parse(input)
		assert.Error(t, err, "input %q", input)
	}
}

func TestTypeNames(t *testing.T) {
	for i := 0; i < Count; i++ {
		typ := Type(i)
		got, err := Parse(typ.String())
		require.NoError(t, err)
		assert.Equal(t, typ, got)
	}
	assert.Equal(t, "unknown(77)", Type(77).String())
	assert.False(t, Type(Count).Valid())
}

func TestIsFluid(t *testing.T) {
	assert.True(t, Water.IsFluid())
	assert.True(t, StillLava.IsFluid())
	assert.False(t, Sand.IsFluid())
}

func TestCoord(t *testing.T) {
	c := Coord{X: 1, Y: 2, H: 3}
	assert.Equal(t, Coord{X: 1, Y: 2, H: 2}, c.Below())
	assert.Equal(t, "(1,2,3)", c.String())
}
