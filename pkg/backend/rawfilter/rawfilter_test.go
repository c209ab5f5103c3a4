package rawfilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileEmptyMatchesAll(t *testing.T) {
	f, err := Compile("")
	require.NoError(t, err)
	require.Nil(t, f)

	ok, err := f.Evaluate(map[string]any{"verb": "post"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluate(t *testing.T) {
	f, err := Compile(`activity.verb == "post"`)
	require.NoError(t, err)

	tests := []struct {
		name   string
		record map[string]any
		want   bool
	}{
		{"match", map[string]any{"verb": "post"}, true},
		{"no match", map[string]any{"verb": "like"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.Evaluate(tt.record)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateGuardedKey(t *testing.T) {
	f, err := Compile(`"target" in activity && activity.target == "t1"`)
	require.NoError(t, err)

	ok, err := f.Evaluate(map[string]any{"verb": "post"})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.Evaluate(map[string]any{"verb": "post", "target": "t1"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateMissingKeyErrors(t *testing.T) {
	f, err := Compile(`activity.target == "t1"`)
	require.NoError(t, err)

	_, err = f.Evaluate(map[string]any{"verb": "post"})
	require.Error(t, err)
}

func TestCompileRejectsNonBoolean(t *testing.T) {
	_, err := Compile(`activity.verb`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boolean")
}

func TestCompileRejectsBadSyntax(t *testing.T) {
	_, err := Compile(`activity.verb ==`)
	require.Error(t, err)
}

func TestStringFunctions(t *testing.T) {
	f, err := Compile(`activity.verb.startsWith("po")`)
	require.NoError(t, err)

	ok, err := f.Evaluate(map[string]any{"verb": "post"})
	require.NoError(t, err)
	assert.True(t, ok)
}
