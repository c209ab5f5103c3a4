package sqldb

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/spate-io/spate/pkg/activitystream"
	"github.com/spate-io/spate/pkg/backend"
)

// SubActivityCreate creates a reply or like on the given parent activity.
// The sub-activity is stored as a first-class activity plus one row in its
// collection table keyed by the parent, so the parent row itself is never
// touched and concurrent creates cannot lose entries. Returns the hydrated
// sub-activity and the hydrated parent with its recomputed response slots.
func (b *Backend) SubActivityCreate(ctx context.Context, activityOrID, actor, content any, verb string, extra map[string]any) (sub, parent map[string]any, err error) {
	ctx, span := tracer.Start(ctx, "sqldb.SubActivityCreate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("db.operation", "sub_activity_create")),
	)
	defer span.End()
	start := time.Now()
	defer func() { b.observe("sub_activity_create", start, err) }()

	verb = strings.ToLower(verb)
	collection, ok := activitystream.SubActivityCollections[verb]
	if !ok {
		return nil, nil, &backend.InvalidVerbError{Verb: verb, Reason: "unsupported sub-activity verb"}
	}
	actorID := backend.ExtractID(actor)
	if actorID == "" {
		return nil, nil, &backend.InvalidIDError{Kind: "actor"}
	}
	parentID := backend.ExtractID(activityOrID)
	if parentID == "" {
		return nil, nil, &backend.InvalidIDError{Kind: "activity"}
	}

	parents, err := b.fetchRawActivities(ctx, []string{parentID})
	if err != nil {
		return nil, nil, err
	}
	if len(parents) == 0 {
		return nil, nil, &backend.NotFoundError{Kind: "activity", ID: parentID}
	}

	if verb == "like" {
		var exists bool
		err = b.db.QueryRowContext(ctx,
			"SELECT EXISTS (SELECT 1 FROM likes WHERE actor = ? AND in_reply_to = ?)",
			actorID, parentID).Scan(&exists)
		if err != nil {
			return nil, nil, err
		}
		if exists {
			return nil, nil, &backend.DuplicateError{Kind: "like", ID: actorID}
		}
	}

	model := activitystream.NewActivity(parents[0], b.modelOpts()...)
	subDict, _ := model.BuildSubActivity(activitystream.SubActivityParams{
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

	var subContent any
	if obj, ok := sub["object"].(map[string]any); ok {
		subContent = obj["content"]
	}
	_, err = b.db.ExecContext(ctx,
		"INSERT INTO "+subActivityTables[collection]+
			" (id, in_reply_to, actor, published, updated, content) VALUES (?, ?, ?, ?, ?, ?)",
		backend.ExtractID(sub), parentID, backend.ExtractID(sub["actor"]),
		sub["published"], sub["published"], subContent)
	if err != nil {
		return nil, nil, err
	}

	parent, err = b.getHydrated(ctx, parentID)
	if err != nil {
		return nil, nil, err
	}
	return sub, parent, nil
}

// SubActivityDelete removes a reply or like. The delete is typed: the
// stored record's verb must match the expected one. The collection row and
// the sub-activity record are both removed; the parent's slot shrinks on
// the next read since it is computed from the table. Returns the hydrated
// parent.
func (b *Backend) SubActivityDelete(ctx context.Context, subOrID any, verb string) (parent map[string]any, err error) {
	ctx, span := tracer.Start(ctx, "sqldb.SubActivityDelete",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("db.operation", "sub_activity_delete")),
	)
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

	subs, err := b.fetchRawActivities(ctx, []string{subID})
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, &backend.NotFoundError{Kind: "activity", ID: subID}
	}
	if stored := activitystream.CoerceID(subs[0]["verb"]); stored != verb {
		return nil, &backend.InvalidVerbError{Verb: stored, Reason: "stored record verb does not match the requested delete"}
	}

	table := subActivityTables[collection]
	var parentID string
	err = b.db.QueryRowContext(ctx,
		"SELECT in_reply_to FROM "+table+" WHERE id = ?", subID).Scan(&parentID)
	if err != nil {
		return nil, err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", subID); err != nil {
		return nil, err
	}
	for _, slot := range audienceSlots() {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM "+audienceTable(slot)+" WHERE activity = ?", subID); err != nil {
			return nil, err
		}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM activities WHERE id = ?", subID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return b.getHydrated(ctx, parentID)
}
