package activitystream

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testClock = func() time.Time {
	return time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("gen-%d", n)
	}
}

func TestObjectDefaults(t *testing.T) {
	t.Run("missing id generated", func(t *testing.T) {
		m := NewObject(map[string]any{"objectType": "user"}, WithIDGenerator(sequentialIDs()))
		assert.Equal(t, "gen-1", m.Dict()["id"])
	})

	t.Run("numeric id coerced to string", func(t *testing.T) {
		m := NewObject(map[string]any{"id": 1234, "objectType": "user"})
		assert.Equal(t, "1234", m.Dict()["id"])
	})

	t.Run("float id from json coerced without decimal", func(t *testing.T) {
		m := NewObject(map[string]any{"id": float64(1234), "objectType": "user"})
		assert.Equal(t, "1234", m.Dict()["id"])
	})
}

func TestObjectValidate(t *testing.T) {
	valid := func() map[string]any {
		return map[string]any{
			"id":         "o1",
			"objectType": "item",
			"published":  "2012-07-05T12:00:00Z",
		}
	}

	t.Run("valid", func(t *testing.T) {
		require.NoError(t, NewObject(valid()).Validate())
	})

	t.Run("missing objectType", func(t *testing.T) {
		dict := valid()
		delete(dict, "objectType")
		err := NewObject(dict).Validate()
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "objectType", verr.Field)
	})

	t.Run("missing published", func(t *testing.T) {
		dict := valid()
		delete(dict, "published")
		require.Error(t, NewObject(dict).Validate())
	})

	t.Run("invalid image media link", func(t *testing.T) {
		dict := valid()
		dict["image"] = map[string]any{"width": 100}
		err := NewObject(dict).Validate()
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "url", verr.Field)
	})

	t.Run("valid image media link", func(t *testing.T) {
		dict := valid()
		dict["image"] = map[string]any{"url": "http://example.com/x.png"}
		require.NoError(t, NewObject(dict).Validate())
	})
}

func TestActivityValidate(t *testing.T) {
	valid := func() map[string]any {
		return map[string]any{
			"id":    "a1",
			"verb":  "post",
			"actor": "u1",
			"object": map[string]any{
				"id":         "o1",
				"objectType": "item",
				"published":  "2012-07-05T12:00:00Z",
			},
		}
	}

	t.Run("valid", func(t *testing.T) {
		require.NoError(t, NewActivity(valid()).Validate())
	})

	t.Run("missing verb", func(t *testing.T) {
		dict := valid()
		delete(dict, "verb")
		require.Error(t, NewActivity(dict).Validate())
	})

	t.Run("caller supplied updated is tolerated", func(t *testing.T) {
		dict := valid()
		dict["updated"] = "2012-07-05T12:00:00Z"
		require.NoError(t, NewActivity(dict).Validate())
	})

	t.Run("nested object slot without published fails", func(t *testing.T) {
		dict := valid()
		dict["object"] = map[string]any{"id": "o1", "objectType": "item"}
		require.Error(t, NewActivity(dict).Validate())
	})

	t.Run("nested object slot gets id injected", func(t *testing.T) {
		dict := valid()
		dict["actor"] = map[string]any{"objectType": "user", "published": "2012-07-05T12:00:00Z"}
		m := NewActivity(dict, WithIDGenerator(sequentialIDs()))
		require.NoError(t, m.Validate())
		actor := m.Dict()["actor"].(map[string]any)
		assert.NotEmpty(t, actor["id"])
	})

	t.Run("audience element validated", func(t *testing.T) {
		dict := valid()
		dict["to"] = []any{map[string]any{"objectType": "user"}}
		require.Error(t, NewActivity(dict).Validate())
	})

	t.Run("audience ids pass through", func(t *testing.T) {
		dict := valid()
		dict["to"] = []any{"u2", "u3"}
		require.NoError(t, NewActivity(dict).Validate())
	})
}

func TestActivityResponseSlotDefaults(t *testing.T) {
	m := NewActivity(map[string]any{"id": "a1", "verb": "post", "actor": "u1", "object": "o1"})

	replies := m.Dict()["replies"].(map[string]any)
	assert.Equal(t, 0, replies["totalItems"])
	assert.Empty(t, replies["items"])
}

func TestSubActivityDropsResponseSlots(t *testing.T) {
	m := NewSubActivity(map[string]any{"id": "r1", "verb": "reply", "actor": "u1", "object": "o1"})

	assert.NotContains(t, m.Dict(), "replies")
	assert.NotContains(t, m.Dict(), "likes")
}

func TestParsedDict(t *testing.T) {
	t.Run("published defaults and updated stamped", func(t *testing.T) {
		m := NewActivity(
			map[string]any{"id": "a1", "verb": "post", "actor": "u1", "object": "o1"},
			WithClock(testClock),
		)
		parsed := m.ParsedDict()

		assert.Equal(t, "2024-03-01T10:30:00Z", parsed["published"])
		assert.Equal(t, "2024-03-01T10:30:00Z", parsed["updated"])
	})

	t.Run("published preserved on reparse", func(t *testing.T) {
		m := NewActivity(
			map[string]any{"id": "a1", "verb": "post", "actor": "u1", "object": "o1",
				"published": "2012-07-05T12:00:00Z"},
			WithClock(testClock),
		)
		parsed := m.ParsedDict()

		assert.Equal(t, "2012-07-05T12:00:00Z", parsed["published"])
		assert.Equal(t, "2024-03-01T10:30:00Z", parsed["updated"])
	})

	t.Run("object published left untouched when absent is invalid anyway", func(t *testing.T) {
		m := NewObject(
			map[string]any{"id": "o1", "objectType": "item", "published": time.Date(2012, 7, 5, 12, 0, 0, 0, time.UTC)},
			WithClock(testClock),
		)
		parsed := m.ParsedDict()

		assert.Equal(t, "2012-07-05T12:00:00Z", parsed["published"])
		assert.NotContains(t, parsed, "updated", "objects do not reserve updated")
	})

	t.Run("empty response slots removed", func(t *testing.T) {
		m := NewActivity(map[string]any{"id": "a1", "verb": "post", "actor": "u1", "object": "o1"})
		parsed := m.ParsedDict()

		assert.NotContains(t, parsed, "replies")
		assert.NotContains(t, parsed, "likes")
	})

	t.Run("non-empty response slots kept and items parsed", func(t *testing.T) {
		m := NewActivity(
			map[string]any{
				"id": "a1", "verb": "post", "actor": "u1", "object": "o1",
				"replies": map[string]any{
					"totalItems": 1,
					"items": []any{
						map[string]any{"verb": "reply", "published": time.Date(2013, 1, 1, 0, 0, 0, 0, time.UTC)},
					},
				},
			},
			WithClock(testClock),
		)
		parsed := m.ParsedDict()

		replies := parsed["replies"].(map[string]any)
		item := replies["items"].([]any)[0].(map[string]any)
		assert.Equal(t, "2013-01-01T00:00:00Z", item["published"])
	})

	t.Run("nested map dates normalized", func(t *testing.T) {
		m := NewActivity(
			map[string]any{
				"id": "a1", "verb": "post", "actor": "u1",
				"object": map[string]any{
					"id": "o1", "objectType": "item",
					"published": time.Date(2012, 7, 5, 12, 0, 0, 0, time.UTC),
				},
			},
			WithClock(testClock),
		)
		parsed := m.ParsedDict()

		obj := parsed["object"].(map[string]any)
		assert.Equal(t, "2012-07-05T12:00:00Z", obj["published"])
	})

	t.Run("returns a deep copy", func(t *testing.T) {
		dict := map[string]any{"id": "a1", "verb": "post", "actor": "u1", "object": "o1",
			"published": "2012-07-05T12:00:00Z"}
		m := NewActivity(dict)
		parsed := m.ParsedDict()
		parsed["verb"] = "mutated"

		assert.Equal(t, "post", dict["verb"])
	})

	t.Run("extension fields preserved", func(t *testing.T) {
		m := NewActivity(map[string]any{"id": "a1", "verb": "post", "actor": "u1", "object": "o1",
			"customField": "kept"})
		assert.Equal(t, "kept", m.ParsedDict()["customField"])
	})
}

func TestCoerceID(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{"abc", "abc"},
		{1234, "1234"},
		{int64(99), "99"},
		{float64(42), "42"},
		{float64(4.5), "4.5"},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := CoerceID(tt.in); got != tt.want {
			t.Errorf("CoerceID(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
