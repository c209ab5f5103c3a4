package activitystream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parentActivity(t *testing.T, opts ...Option) *Model {
	t.Helper()
	return NewActivity(map[string]any{
		"id":        "a1",
		"verb":      "post",
		"actor":     "u1",
		"object":    "o1",
		"published": "2012-07-05T12:00:00Z",
	}, opts...)
}

func TestBuildSubActivityReply(t *testing.T) {
	m := parentActivity(t, WithIDGenerator(sequentialIDs()), WithClock(testClock))

	sub, parent := m.BuildSubActivity(SubActivityParams{
		Actor:      "u2",
		Content:    "nice post",
		Verb:       "reply",
		Collection: "replies",
	})

	assert.Equal(t, "u2", sub["actor"])
	assert.Equal(t, "reply", sub["verb"])
	assert.Equal(t, "2024-03-01T10:30:00Z", sub["published"])

	obj := sub["object"].(map[string]any)
	assert.Equal(t, "reply", obj["objectType"])
	assert.Equal(t, "gen-1", obj["id"])
	assert.Equal(t, "nice post", obj["content"])

	inReplyTo := obj["inReplyTo"].([]any)[0].(map[string]any)
	assert.Equal(t, "activity", inReplyTo["objectType"])
	assert.Equal(t, "post", inReplyTo["displayName"])
	assert.Equal(t, "a1", inReplyTo["id"])
	assert.Equal(t, "2012-07-05T12:00:00Z", inReplyTo["published"])

	replies := parent["replies"].(map[string]any)
	assert.Equal(t, 1, replies["totalItems"])
	items := replies["items"].([]any)
	require.Len(t, items, 1)
	projection := items[0].(map[string]any)
	assert.Equal(t, "reply", projection["verb"])
	assert.Equal(t, "2024-03-01T10:30:00Z", projection["published"])
	assert.Equal(t, map[string]any{"objectType": "activity"}, projection["object"])
}

func TestBuildSubActivityProjectionOrder(t *testing.T) {
	m := parentActivity(t, WithIDGenerator(sequentialIDs()), WithClock(testClock))

	m.BuildSubActivity(SubActivityParams{
		Actor: "u2", Content: "first", Verb: "reply", Collection: "replies",
		Published: "2024-03-01T09:00:00Z",
	})
	_, parent := m.BuildSubActivity(SubActivityParams{
		Actor: "u3", Content: "second", Verb: "reply", Collection: "replies",
		Published: "2024-03-01T09:05:00Z",
	})

	replies := parent["replies"].(map[string]any)
	assert.Equal(t, 2, replies["totalItems"])
	items := replies["items"].([]any)
	require.Len(t, items, 2)

	// Newest projection sits at the head.
	assert.Equal(t, "2024-03-01T09:05:00Z", items[0].(map[string]any)["published"])
	assert.Equal(t, "2024-03-01T09:00:00Z", items[1].(map[string]any)["published"])
}

func TestBuildSubActivityContentMap(t *testing.T) {
	m := parentActivity(t, WithIDGenerator(sequentialIDs()), WithClock(testClock))

	sub, _ := m.BuildSubActivity(SubActivityParams{
		Actor:      "u2",
		Content:    map[string]any{"displayName": "thumbs up", "rating": 5},
		Verb:       "like",
		Collection: "likes",
	})

	obj := sub["object"].(map[string]any)
	assert.Equal(t, "thumbs up", obj["displayName"])
	assert.Equal(t, 5, obj["rating"])
	assert.NotContains(t, obj, "content")
	assert.Equal(t, "like", obj["objectType"])
}

func TestBuildSubActivityObjectTypeOverride(t *testing.T) {
	m := parentActivity(t, WithIDGenerator(sequentialIDs()), WithClock(testClock))

	sub, _ := m.BuildSubActivity(SubActivityParams{
		Actor:      "u2",
		Verb:       "reply",
		ObjectType: "comment",
		Collection: "replies",
	})

	obj := sub["object"].(map[string]any)
	assert.Equal(t, "comment", obj["objectType"])
}

func TestBuildSubActivityExtraOverrides(t *testing.T) {
	m := parentActivity(t, WithIDGenerator(sequentialIDs()), WithClock(testClock))

	sub, _ := m.BuildSubActivity(SubActivityParams{
		Actor:      "u2",
		Verb:       "reply",
		Collection: "replies",
		Extra: map[string]any{
			"generator": "mobile-app",
			"actor":     "u9",
		},
	})

	assert.Equal(t, "mobile-app", sub["generator"])
	assert.Equal(t, "u9", sub["actor"], "extra fields win over generated ones")
}

func TestBuildSubActivityExtraObjectKeepsGeneratedID(t *testing.T) {
	m := parentActivity(t, WithIDGenerator(sequentialIDs()), WithClock(testClock))

	sub, _ := m.BuildSubActivity(SubActivityParams{
		Actor:      "u2",
		Verb:       "reply",
		Collection: "replies",
		Extra: map[string]any{
			"object": map[string]any{"objectType": "note", "content": "override"},
		},
	})

	obj := sub["object"].(map[string]any)
	assert.Equal(t, "note", obj["objectType"])
	assert.NotEmpty(t, obj["id"], "replacement object still gets an id")
}

func TestBuildSubActivityPublishedOverride(t *testing.T) {
	m := parentActivity(t, WithIDGenerator(sequentialIDs()), WithClock(testClock))

	sub, _ := m.BuildSubActivity(SubActivityParams{
		Actor:      "u2",
		Verb:       "reply",
		Collection: "replies",
		Published:  time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC),
	})

	assert.Equal(t, "2020-01-02T03:04:05Z", sub["published"])
	obj := sub["object"].(map[string]any)
	assert.Equal(t, "2020-01-02T03:04:05Z", obj["published"])
}

func TestCompleteProjection(t *testing.T) {
	m := parentActivity(t, WithIDGenerator(sequentialIDs()), WithClock(testClock))
	sub, parent := m.BuildSubActivity(SubActivityParams{
		Actor:      map[string]any{"id": "u2", "objectType": "user"},
		Content:    "hello",
		Verb:       "reply",
		Collection: "replies",
	})
	sub["id"] = "sub-1"

	CompleteProjection(parent, "replies", sub)

	projection := parent["replies"].(map[string]any)["items"].([]any)[0].(map[string]any)
	assert.Equal(t, "sub-1", projection["id"])
	assert.Equal(t, "u2", projection["actor"])
	assert.Equal(t, sub["published"], projection["published"])
	assert.Equal(t, "sub-1", projection["object"].(map[string]any)["id"])
}

func TestCompleteProjectionMissingSlotIsNoop(t *testing.T) {
	parent := map[string]any{"id": "a1"}
	CompleteProjection(parent, "replies", map[string]any{"id": "sub-1"})
	assert.NotContains(t, parent, "replies")
}
