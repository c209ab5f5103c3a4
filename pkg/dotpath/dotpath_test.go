package dotpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() Map {
	return Wrap(map[string]any{
		"a": 1,
		"b": map[string]any{
			"c": "x",
			"d": map[string]any{
				"e": 2,
			},
		},
		"s": "leaf",
	})
}

func TestGet(t *testing.T) {
	m := sample()

	tests := []struct {
		name string
		path string
		def  any
		want any
	}{
		{"top level", "a", nil, 1},
		{"nested", "b.c", nil, "x"},
		{"deep", "b.d.e", nil, 2},
		{"missing top", "z", "dflt", "dflt"},
		{"missing nested", "b.z", "dflt", "dflt"},
		{"through non-map", "s.x", "dflt", "dflt"},
		{"intermediate itself", "b.d", nil, map[string]any{"e": 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Get(tt.path, tt.def))
		})
	}
}

func TestContains(t *testing.T) {
	m := sample()

	assert.True(t, m.Contains("a"))
	assert.True(t, m.Contains("b.d.e"))
	assert.False(t, m.Contains("b.z"))
	assert.False(t, m.Contains("z.z"))
	assert.False(t, m.Contains("s.x"))
}

func TestSetCreatesIntermediates(t *testing.T) {
	m := New()
	require.NoError(t, m.Set("x.y.z", 3))

	assert.Equal(t, 3, m.Get("x.y.z", nil))
	assert.Equal(t, map[string]any{"z": 3}, m.Get("x.y", nil))
}

func TestSetExisting(t *testing.T) {
	m := sample()
	require.NoError(t, m.Set("b.c", "updated"))
	assert.Equal(t, "updated", m.Get("b.c", nil))

	// Sibling values are untouched.
	assert.Equal(t, 2, m.Get("b.d.e", nil))
}

func TestSetThroughNonMapFails(t *testing.T) {
	m := sample()
	err := m.Set("s.x", 1)
	require.Error(t, err)
}

func TestSetDefault(t *testing.T) {
	m := sample()

	v, err := m.SetDefault("b.c", "other")
	require.NoError(t, err)
	assert.Equal(t, "x", v, "existing value wins")

	v, err = m.SetDefault("b.new", "fresh")
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
	assert.Equal(t, "fresh", m.Get("b.new", nil))
}

func TestWrapSharesUnderlying(t *testing.T) {
	raw := map[string]any{"k": map[string]any{}}
	m := Wrap(raw)
	require.NoError(t, m.Set("k.v", 1))

	inner := raw["k"].(map[string]any)
	assert.Equal(t, 1, inner["v"])
}
