package client

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spate-io/spate/pkg/backend"
	"github.com/spate-io/spate/pkg/backend/kv"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	b, err := kv.New(kv.Config{Path: filepath.Join(t.TempDir(), "store.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return New(b)
}

func user(id string) map[string]any {
	return map[string]any{"id": id, "objectType": "user", "published": "2024-03-01T10:30:00Z"}
}

func TestClientActivityFlow(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	_, err := c.CreateObject(ctx, user("u1"))
	require.NoError(t, err)

	created, err := c.CreateActivity(ctx, map[string]any{
		"id": "a1", "verb": "post", "actor": "u1",
		"object": map[string]any{"id": "o1", "objectType": "item", "published": "2024-03-01T10:30:00Z"},
	})
	require.NoError(t, err)
	assert.Equal(t, "u1", created["actor"].(map[string]any)["id"])

	reply, parent, err := c.CreateReply(ctx, "a1", user("u2"), "nice", nil)
	require.NoError(t, err)
	assert.Equal(t, "reply", reply["verb"])
	assert.EqualValues(t, 1, parent["replies"].(map[string]any)["totalItems"])

	like, parent, err := c.CreateLike(ctx, "a1", user("u3"), nil, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, parent["likes"].(map[string]any)["totalItems"])

	got, err := c.GetActivities(ctx, []string{"a1"}, backend.GetOptions{})
	require.NoError(t, err)
	require.Len(t, got, 1)

	parent, err = c.DeleteLike(ctx, backend.ExtractID(like))
	require.NoError(t, err)
	assert.NotContains(t, parent, "likes")

	parent, err = c.DeleteReply(ctx, backend.ExtractID(reply))
	require.NoError(t, err)
	assert.NotContains(t, parent, "replies")

	require.NoError(t, c.DeleteActivity(ctx, "a1"))
	got, err = c.GetActivities(ctx, []string{"a1"}, backend.GetOptions{})
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, c.ClearAll(ctx))
	objs, err := c.GetObjects(ctx, []string{"u1"})
	require.NoError(t, err)
	assert.Empty(t, objs)
}
