// Package backend defines the storage contract shared by every activity
// store, plus the store-independent machinery: dehydration of object slots
// on write (with rollback), hydration of object references and sub-activity
// projections on read, and the server-side filter stages the query path
// applies before hydration.
package backend

import (
	"context"

	"github.com/spate-io/spate/pkg/activitystream"
	"github.com/spate-io/spate/pkg/aggregate"
)

// GetOptions narrows an ActivityGet call.
type GetOptions struct {
	// Filters keeps a record iff at least one (key, allowed) pair has the
	// record's value at key present in allowed. A nil map applies no
	// property filter; an empty non-nil map rejects everything.
	Filters map[string][]any

	// RawFilter is an expression evaluated against each record; records it
	// does not find truthy are dropped. Empty means no raw filter.
	RawFilter string

	// AudienceTargeting keeps a record iff one of its configured audience
	// slots intersects the allowed id list for that slot.
	AudienceTargeting map[string][]string

	// IncludePublic additionally keeps records carrying no audience slots
	// at all when AudienceTargeting is set.
	IncludePublic bool

	// Pipeline is applied, in order, to the hydrated result list.
	Pipeline []aggregate.Aggregator
}

// Backend is the contract every activity store implements. All record
// parameters and results are raw Activity Streams documents; activityOrID
// style parameters accept either a record or a bare id.
type Backend interface {
	ObjectCreate(ctx context.Context, obj map[string]any) (map[string]any, error)
	ObjectUpdate(ctx context.Context, obj map[string]any) (map[string]any, error)
	ObjectGet(ctx context.Context, ids []string) ([]map[string]any, error)
	ObjectDelete(ctx context.Context, objOrID any) error
	ObjectExists(ctx context.Context, objOrID any) (bool, error)

	ActivityCreate(ctx context.Context, activity map[string]any) (map[string]any, error)
	ActivityUpdate(ctx context.Context, activity map[string]any) (map[string]any, error)
	ActivityGet(ctx context.Context, ids []string, opts GetOptions) ([]map[string]any, error)
	ActivityDelete(ctx context.Context, activityOrID any) error
	ActivityExists(ctx context.Context, activityOrID any) (bool, error)

	SubActivityCreate(ctx context.Context, activityOrID, actor, content any, verb string, extra map[string]any) (sub, parent map[string]any, err error)
	SubActivityDelete(ctx context.Context, subOrID any, verb string) (parent map[string]any, err error)

	ClearAll(ctx context.Context) error
	ClearAllObjects(ctx context.Context) error
	ClearAllActivities(ctx context.Context) error
}

// ExtractID returns the id of a record-or-id parameter: maps yield their
// coerced id field, everything else is coerced directly.
func ExtractID(v any) string {
	if rec, ok := v.(map[string]any); ok {
		return activitystream.CoerceID(rec["id"])
	}
	return activitystream.CoerceID(v)
}

// Listify wraps a single id or record into a one-element list.
func Listify(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, m := range t {
			out[i] = m
		}
		return out
	default:
		return []any{t}
	}
}
