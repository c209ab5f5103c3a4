package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	activities map[string]map[string]any
	objects    map[string]map[string]any

	objectFetchCalls int
}

func (f *fakeFetcher) hydrator() *Hydrator {
	return &Hydrator{
		FetchActivities: func(_ context.Context, ids []string) ([]map[string]any, error) {
			var out []map[string]any
			for _, id := range ids {
				if rec, ok := f.activities[id]; ok {
					out = append(out, rec)
				}
			}
			return out, nil
		},
		FetchObjects: func(_ context.Context, ids []string) ([]map[string]any, error) {
			f.objectFetchCalls++
			var out []map[string]any
			for _, id := range ids {
				if obj, ok := f.objects[id]; ok {
					out = append(out, obj)
				}
			}
			return out, nil
		},
	}
}

func TestHydrateObjects(t *testing.T) {
	f := &fakeFetcher{
		activities: map[string]map[string]any{},
		objects: map[string]map[string]any{
			"u1": {"id": "u1", "objectType": "user", "displayName": "User One"},
			"o1": {"id": "o1", "objectType": "item"},
		},
	}
	activity := map[string]any{
		"id": "a1", "verb": "post", "actor": "u1", "object": "o1",
		"to": []any{"u1", "ghost"},
	}

	out, err := f.hydrator().Hydrate(context.Background(), []map[string]any{activity})
	require.NoError(t, err)
	require.Len(t, out, 1)

	actor := out[0]["actor"].(map[string]any)
	assert.Equal(t, "User One", actor["displayName"])
	assert.Equal(t, "item", out[0]["object"].(map[string]any)["objectType"])

	to := out[0]["to"].([]any)
	assert.Equal(t, "u1", to[0].(map[string]any)["id"])
	assert.Equal(t, map[string]any{}, to[1], "dangling audience id resolves empty")

	assert.Equal(t, 1, f.objectFetchCalls, "object fetch is a single batch")
}

func TestHydrateDanglingActorIsEmpty(t *testing.T) {
	f := &fakeFetcher{
		activities: map[string]map[string]any{},
		objects:    map[string]map[string]any{},
	}
	activity := map[string]any{"id": "a1", "verb": "post", "actor": "ghost", "object": "gone"}

	out, err := f.hydrator().Hydrate(context.Background(), []map[string]any{activity})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, out[0]["actor"])
	assert.Equal(t, map[string]any{}, out[0]["object"])
}

func TestHydrateReplyProjection(t *testing.T) {
	parent := map[string]any{
		"id": "a1", "verb": "post", "actor": "u1", "object": "o1",
		"replies": map[string]any{
			"totalItems": 1,
			"items": []any{
				map[string]any{
					"id": "r1", "verb": "reply", "actor": "u2", "published": "2024-03-01T10:30:00Z",
					"object": map[string]any{"objectType": "activity", "id": "r1"},
				},
			},
		},
	}
	f := &fakeFetcher{
		activities: map[string]map[string]any{
			// The stored reply record is dehydrated: its object slot is the
			// id of the reply object, which lives in the objects collection.
			"r1": {
				"id": "r1", "verb": "reply", "actor": "u2", "published": "2024-03-01T10:30:00Z",
				"object": "ro1",
			},
		},
		objects: map[string]map[string]any{
			"u1": {"id": "u1", "objectType": "user"},
			"u2": {"id": "u2", "objectType": "user"},
			"o1": {"id": "o1", "objectType": "item"},
			"ro1": {
				"objectType": "reply", "id": "ro1", "content": "hi",
				"inReplyTo": []any{map[string]any{
					"objectType": "activity", "id": "a1", "displayName": "post",
					"published": "2012-07-05T12:00:00Z",
				}},
			},
		},
	}

	out, err := f.hydrator().Hydrate(context.Background(), []map[string]any{parent})
	require.NoError(t, err)

	replies := out[0]["replies"].(map[string]any)
	assert.Equal(t, 1, replies["totalItems"])
	item := replies["items"].([]any)[0].(map[string]any)

	// The projection's object is the materialized reply, carrying the full
	// reply object.
	replyAct := item["object"].(map[string]any)
	assert.Equal(t, "reply", replyAct["verb"])
	replyObj := replyAct["object"].(map[string]any)
	assert.Equal(t, "hi", replyObj["content"])

	// At projection depth the parent stays a reference stub, not a second
	// full copy of the record being returned.
	inReplyTo := replyObj["inReplyTo"].([]any)[0].(map[string]any)
	assert.Equal(t, "a1", inReplyTo["id"])
	assert.NotContains(t, inReplyTo, "verb")

	// The reply's actor and object are hydrated in the same fetch round as
	// everything else.
	assert.Equal(t, "u2", item["actor"].(map[string]any)["id"])
	assert.Equal(t, 1, f.objectFetchCalls)
}

func TestHydrateDropsMissingSubActivity(t *testing.T) {
	parent := map[string]any{
		"id": "a1", "verb": "post", "actor": "u1", "object": "o1",
		"replies": map[string]any{
			"totalItems": 1,
			"items": []any{
				map[string]any{
					"id": "gone", "verb": "reply", "actor": "u2",
					"object": map[string]any{"objectType": "activity", "id": "gone"},
				},
			},
		},
	}
	f := &fakeFetcher{
		activities: map[string]map[string]any{},
		objects:    map[string]map[string]any{},
	}

	out, err := f.hydrator().Hydrate(context.Background(), []map[string]any{parent})
	require.NoError(t, err)

	replies := out[0]["replies"].(map[string]any)
	assert.Equal(t, 0, replies["totalItems"])
	assert.Empty(t, replies["items"])
}

func TestHydrateDirectReplyMaterializesParent(t *testing.T) {
	reply := map[string]any{
		"id": "r1", "verb": "reply", "actor": "u2", "object": "ro1",
	}
	f := &fakeFetcher{
		activities: map[string]map[string]any{
			"a1": {"id": "a1", "verb": "post", "actor": "u1", "object": "o1"},
		},
		objects: map[string]map[string]any{
			"u1": {"id": "u1", "objectType": "user"},
			"u2": {"id": "u2", "objectType": "user"},
			"o1": {"id": "o1", "objectType": "item"},
			"ro1": {
				"objectType": "reply", "id": "ro1",
				"inReplyTo": []any{map[string]any{
					"objectType": "activity", "id": "a1", "displayName": "post",
					"published": "2012-07-05T12:00:00Z",
				}},
			},
		},
	}

	out, err := f.hydrator().Hydrate(context.Background(), []map[string]any{reply})
	require.NoError(t, err)

	// The inReplyTo reference only becomes visible once the reply object is
	// substituted in, so the parent is resolved in the delta round.
	inReplyTo := out[0]["object"].(map[string]any)["inReplyTo"].([]any)[0].(map[string]any)
	assert.Equal(t, "post", inReplyTo["verb"], "parent record is merged into the stub")
	assert.Equal(t, "u1", inReplyTo["actor"].(map[string]any)["id"])
	assert.Equal(t, 2, f.objectFetchCalls)
}

func TestHydrateMutualReferencesTerminate(t *testing.T) {
	a := map[string]any{
		"id": "a", "verb": "post", "actor": "u1",
		"object": map[string]any{"objectType": "activity", "id": "b"},
	}
	f := &fakeFetcher{
		activities: map[string]map[string]any{
			"b": {
				"id": "b", "verb": "share", "actor": "u1",
				"object": map[string]any{"objectType": "activity", "id": "a"},
			},
		},
		objects: map[string]map[string]any{
			"u1": {"id": "u1", "objectType": "user"},
		},
	}

	out, err := f.hydrator().Hydrate(context.Background(), []map[string]any{a})
	require.NoError(t, err)

	obj := out[0]["object"].(map[string]any)
	assert.Equal(t, "share", obj["verb"])
	// The back-reference stays a stub instead of looping.
	back := obj["object"].(map[string]any)
	assert.Equal(t, "a", back["id"])
	assert.NotContains(t, back, "verb")
}

func TestHydrateEmptyInput(t *testing.T) {
	f := &fakeFetcher{}
	out, err := f.hydrator().Hydrate(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}
