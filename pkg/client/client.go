// Package client is the thin facade applications use to talk to an activity
// store. It adds nothing over the backend contract beyond the named reply
// and like helpers; embedders who need the full surface can reach the
// backend directly.
package client

import (
	"context"

	"github.com/spate-io/spate/pkg/backend"
)

// Client wraps a backend.
type Client struct {
	backend backend.Backend
}

// New returns a client over the given backend.
func New(b backend.Backend) *Client {
	return &Client{backend: b}
}

// Backend returns the backend the client was initialized with.
func (c *Client) Backend() backend.Backend {
	return c.backend
}

// CreateObject stores an object that can be referenced from activities.
// Creating an id that already exists overwrites the stored object.
func (c *Client) CreateObject(ctx context.Context, obj map[string]any) (map[string]any, error) {
	return c.backend.ObjectCreate(ctx, obj)
}

// GetObjects returns the stored objects for ids; missing ids drop out.
func (c *Client) GetObjects(ctx context.Context, ids []string) ([]map[string]any, error) {
	return c.backend.ObjectGet(ctx, ids)
}

// DeleteObject removes a stored object.
func (c *Client) DeleteObject(ctx context.Context, objOrID any) error {
	return c.backend.ObjectDelete(ctx, objOrID)
}

// CreateActivity stores an activity. Embedded objects are saved as
// first-class objects; references to ids that do not exist are stored as
// given and come back as empty maps on retrieval.
func (c *Client) CreateActivity(ctx context.Context, activity map[string]any) (map[string]any, error) {
	return c.backend.ActivityCreate(ctx, activity)
}

// UpdateActivity replaces a stored activity; a missing record is created.
// The activity must carry an id.
func (c *Client) UpdateActivity(ctx context.Context, activity map[string]any) (map[string]any, error) {
	return c.backend.ActivityUpdate(ctx, activity)
}

// GetActivities returns the hydrated activities for ids, filtered per opts,
// in the order the ids were given.
func (c *Client) GetActivities(ctx context.Context, ids []string, opts backend.GetOptions) ([]map[string]any, error) {
	return c.backend.ActivityGet(ctx, ids, opts)
}

// DeleteActivity removes an activity and its sub-activities.
func (c *Client) DeleteActivity(ctx context.Context, activityOrID any) error {
	return c.backend.ActivityDelete(ctx, activityOrID)
}

// CreateReply creates a reply on an activity and returns the reply and the
// updated parent, both hydrated.
func (c *Client) CreateReply(ctx context.Context, activityOrID, actor, content any, extra map[string]any) (reply, parent map[string]any, err error) {
	return c.backend.SubActivityCreate(ctx, activityOrID, actor, content, "reply", extra)
}

// CreateLike creates a like on an activity and returns the like and the
// updated parent, both hydrated.
func (c *Client) CreateLike(ctx context.Context, activityOrID, actor, content any, extra map[string]any) (like, parent map[string]any, err error) {
	return c.backend.SubActivityCreate(ctx, activityOrID, actor, content, "like", extra)
}

// DeleteReply deletes a reply and returns the updated parent.
func (c *Client) DeleteReply(ctx context.Context, subOrID any) (map[string]any, error) {
	return c.backend.SubActivityDelete(ctx, subOrID, "reply")
}

// DeleteLike deletes a like and returns the updated parent.
func (c *Client) DeleteLike(ctx context.Context, subOrID any) (map[string]any, error) {
	return c.backend.SubActivityDelete(ctx, subOrID, "like")
}

// ClearAll deletes all stored data.
func (c *Client) ClearAll(ctx context.Context) error {
	return c.backend.ClearAll(ctx)
}

// ClearAllObjects deletes all stored objects.
func (c *Client) ClearAllObjects(ctx context.Context) error {
	return c.backend.ClearAllObjects(ctx)
}

// ClearAllActivities deletes all stored activities.
func (c *Client) ClearAllActivities(ctx context.Context) error {
	return c.backend.ClearAllActivities(ctx)
}
