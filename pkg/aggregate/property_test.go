package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPropertyAggregatorNestedGrouping(t *testing.T) {
	records := []map[string]any{
		{"a": 1, "b": 2, "c": map[string]any{"d": 3, "e": 4}},
		{"a": 3, "b": 2, "c": map[string]any{"d": 5, "e": 4}},
		{"a": 4, "b": 2, "c": map[string]any{"d": 6, "e": 4}},
		{"a": 5, "b": 3, "c": map[string]any{"d": 6, "e": 4}},
	}

	out, err := Run(records, []Aggregator{
		&PropertyAggregator{Properties: []string{"b", "c.e"}},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)

	merged := out[0]
	assert.Equal(t, []any{1, 3, 4}, merged["a"])
	assert.Equal(t, 2, merged["b"])
	assert.Equal(t, map[string]any{"d": []any{3, 5, 6}, "e": 4}, merged["c"])
	assert.Equal(t, []string{"b", "c.e"}, merged["grouped_by_attributes"])
	assert.Equal(t, []any{2, 4}, merged["grouped_by_values"])

	assert.Equal(t, records[3], out[1], "trailing singleton passes through unchanged")
}

func TestPropertyAggregatorTopLevelGrouping(t *testing.T) {
	records := []map[string]any{
		{"verb": "post", "actor": "u1"},
		{"verb": "post", "actor": "u2"},
		{"verb": "like", "actor": "u3"},
	}

	out, err := Run(records, []Aggregator{
		&PropertyAggregator{Properties: []string{"verb"}},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, "post", out[0]["verb"])
	assert.Equal(t, []any{"u1", "u2"}, out[0]["actor"])
	assert.Equal(t, records[2], out[1])
}

func TestPropertyAggregatorRunLength(t *testing.T) {
	// Equal keys separated by a different key form distinct groups.
	records := []map[string]any{
		{"verb": "post", "actor": "u1"},
		{"verb": "like", "actor": "u2"},
		{"verb": "post", "actor": "u3"},
	}

	out, err := Run(records, []Aggregator{
		&PropertyAggregator{Properties: []string{"verb"}},
	})
	require.NoError(t, err)
	assert.Len(t, out, 3)
}

func TestPropertyAggregatorPredicate(t *testing.T) {
	records := []map[string]any{
		{"verb": "post", "actor": "u1"},
		{"verb": "post", "actor": "u2"},
		{"verb": "share", "actor": "u3"},
		{"verb": "share", "actor": "u4"},
	}

	out, err := Run(records, []Aggregator{
		&PropertyAggregator{Properties: []string{"verb"}, ActivityKey: "verb", ActivityValue: "post"},
	})
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, []any{"u1", "u2"}, out[0]["actor"])
	// Non-matching activities never merge, even with equal keys.
	assert.Equal(t, records[2], out[1])
	assert.Equal(t, records[3], out[2])
}

func TestPropertyAggregatorInvalidPredicate(t *testing.T) {
	_, err := Run(
		[]map[string]any{{"verb": "post"}, {"verb": "post"}},
		[]Aggregator{&PropertyAggregator{Properties: []string{"verb"}, ActivityKey: "verb", ActivityValue: "("}},
	)
	require.Error(t, err)
}

func TestPropertyAggregatorMissingPathSkipped(t *testing.T) {
	// A record missing a grouped path contributes a shorter key tuple and
	// never merges with fully keyed neighbors.
	records := []map[string]any{
		{"verb": "post", "actor": "u1"},
		{"actor": "u2"},
		{"actor": "u3"},
	}

	out, err := Run(records, []Aggregator{
		&PropertyAggregator{Properties: []string{"verb"}},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, records[0], out[0])
	assert.Equal(t, []any{"u2", "u3"}, out[1]["actor"])
}

func TestPropertyAggregatorNoProperties(t *testing.T) {
	records := []map[string]any{{"a": 1}, {"a": 1}}

	out, err := Run(records, []Aggregator{&PropertyAggregator{}})
	require.NoError(t, err)
	assert.Equal(t, records, out)
}

func TestRunLeavesInputRecordsIntact(t *testing.T) {
	records := []map[string]any{
		{"verb": "post", "actor": "u1", "c": map[string]any{"d": 1, "e": 2}},
		{"verb": "post", "actor": "u2", "c": map[string]any{"d": 3, "e": 2}},
	}

	_, err := Run(records, []Aggregator{
		&PropertyAggregator{Properties: []string{"verb", "c.e"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "u1", records[0]["actor"])
	assert.Equal(t, map[string]any{"d": 1, "e": 2}, records[0]["c"])
}

type markerStage struct{ key string }

func (s *markerStage) Process(current, original []map[string]any, pipeline []Aggregator) ([]map[string]any, error) {
	for _, rec := range current {
		rec[s.key] = len(pipeline)
	}
	return current, nil
}

func TestRunAppliesStagesInOrder(t *testing.T) {
	records := []map[string]any{{"id": "a1"}}

	out, err := Run(records, []Aggregator{&markerStage{key: "first"}, &markerStage{key: "second"}})
	require.NoError(t, err)
	assert.Contains(t, out[0], "first")
	assert.Contains(t, out[0], "second")
}
