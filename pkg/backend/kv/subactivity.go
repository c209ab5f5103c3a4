package kv

import (
	"context"
	"strings"
	"time"

	"github.com/spate-io/spate/pkg/activitystream"
	"github.com/spate-io/spate/pkg/backend"
)

// SubActivityCreate creates a reply or like on the given parent activity:
// the sub-activity is stored as a first-class activity carrying an
// inReplyTo reference, and its projection is inserted at the head of the
// parent's response slot. Returns the hydrated sub-activity and the
// hydrated updated parent.
func (b *Backend) SubActivityCreate(ctx context.Context, activityOrID, actor, content any, verb string, extra map[string]any) (sub, parent map[string]any, err error) {
	ctx, span := tracer.Start(ctx, "kv.SubActivityCreate")
	defer span.End()
	start := time.Now()
	defer func() { b.observe("sub_activity_create", start, err) }()

	verb = strings.ToLower(verb)
	collection, ok := activitystream.SubActivityCollections[verb]
	if !ok {
		return nil, nil, &backend.InvalidVerbError{Verb: verb, Reason: "unsupported sub-activity verb"}
	}
	if backend.ExtractID(actor) == "" {
		return nil, nil, &backend.InvalidIDError{Kind: "actor"}
	}
	parentID := backend.ExtractID(activityOrID)
	if parentID == "" {
		return nil, nil, &backend.InvalidIDError{Kind: "activity"}
	}

	raw, _, err := b.fetchRawActivity(ctx, parentID)
	if err != nil {
		return nil, nil, err
	}
	if raw == nil {
		return nil, nil, &backend.NotFoundError{Kind: "activity", ID: parentID}
	}

	model := activitystream.NewActivity(raw, b.modelOpts()...)
	subDict, parentDict := model.BuildSubActivity(activitystream.SubActivityParams{
		Actor:      actor,
		Content:    content,
		Verb:       verb,
		Collection: collection,
		Extra:      extra,
	})

	sub, err = b.ActivityCreate(ctx, subDict)
	if err != nil {
		return nil, nil, err
	}

	activitystream.CompleteProjection(parentDict, collection, sub)
	parent, err = b.ActivityUpdate(ctx, parentDict)
	if err != nil {
		return nil, nil, err
	}
	return sub, parent, nil
}

// SubActivityDelete removes a reply or like. The delete is typed: the
// stored record's verb must match the expected one. The matching projection
// is removed from the parent, totalItems is decremented and the slot
// disappears entirely when it hits zero. Returns the hydrated updated
// parent.
func (b *Backend) SubActivityDelete(ctx context.Context, subOrID any, verb string) (parent map[string]any, err error) {
	ctx, span := tracer.Start(ctx, "kv.SubActivityDelete")
	defer span.End()
	start := time.Now()
	defer func() { b.observe("sub_activity_delete", start, err) }()

	verb = strings.ToLower(verb)
	collection, ok := activitystream.SubActivityCollections[verb]
	if !ok {
		return nil, &backend.InvalidVerbError{Verb: verb, Reason: "unsupported sub-activity verb"}
	}
	subID := backend.ExtractID(subOrID)
	if subID == "" {
		return nil, &backend.InvalidIDError{Kind: "activity"}
	}

	raw, env, err := b.fetchRawActivity(ctx, subID)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, &backend.NotFoundError{Kind: "activity", ID: subID}
	}
	if stored := activitystream.CoerceID(raw["verb"]); stored != verb {
		return nil, &backend.InvalidVerbError{Verb: stored, Reason: "stored record verb does not match the requested delete"}
	}

	parentID := activitystream.CoerceID(env.Indexes[indexInReplyTo])
	if parentID == "" {
		parentID = parentRef(raw)
	}
	parentRaw, _, err := b.fetchRawActivity(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parentRaw == nil {
		return nil, &backend.NotFoundError{Kind: "activity", ID: parentID}
	}

	if slot, ok := parentRaw[collection].(map[string]any); ok {
		items := backend.Listify(slot["items"])
		kept := make([]any, 0, len(items))
		for _, elem := range items {
			item, ok := elem.(map[string]any)
			if ok && activitystream.CoerceID(item["id"]) == subID {
				continue
			}
			kept = append(kept, elem)
		}
		slot["items"] = kept
		slot["totalItems"] = len(kept)
		if len(kept) == 0 {
			delete(parentRaw, collection)
		}
	}

	parent, err = b.ActivityUpdate(ctx, parentRaw)
	if err != nil {
		return nil, err
	}
	if err := b.ActivityDelete(ctx, subID); err != nil {
		return nil, err
	}
	return parent, nil
}
