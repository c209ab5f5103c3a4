package sqldb

import (
	"context"
	"time"

	"github.com/spate-io/spate/pkg/activitystream"
	"github.com/spate-io/spate/pkg/backend"
)

// ObjectCreate validates, parses and stores an object. Creation by an id
// that already exists overwrites the stored row wholesale.
func (b *Backend) ObjectCreate(ctx context.Context, obj map[string]any) (parsed map[string]any, err error) {
	start := time.Now()
	defer func() { b.observe("object_create", start, err) }()

	model := activitystream.NewObject(obj, b.modelOpts()...)
	if err = model.Validate(); err != nil {
		return nil, err
	}
	parsed = model.ParsedDict()

	args, err := toRow(parsed, objectMapping)
	if err != nil {
		return nil, err
	}
	if _, err = b.db.ExecContext(ctx, upsertStatement("objects", objectMapping), args...); err != nil {
		return nil, err
	}
	return parsed, nil
}

// ObjectUpdate replaces a stored object. The object must carry an id.
func (b *Backend) ObjectUpdate(ctx context.Context, obj map[string]any) (map[string]any, error) {
	if backend.ExtractID(obj) == "" {
		return nil, &backend.InvalidIDError{Kind: "object"}
	}
	return b.ObjectCreate(ctx, obj)
}

// ObjectGet returns the stored objects for ids in the requested order;
// missing ids drop out.
func (b *Backend) ObjectGet(ctx context.Context, objIDs []string) (out []map[string]any, err error) {
	start := time.Now()
	defer func() { b.observe("object_get", start, err) }()

	if len(objIDs) == 0 {
		return nil, nil
	}

	query := "SELECT " + columnList(objectMapping) + " FROM objects WHERE id IN (" + placeholders(len(objIDs)) + ")"
	rows, err := b.db.QueryContext(ctx, query, idArgs(objIDs)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]map[string]any, len(objIDs))
	for rows.Next() {
		record, err := scanRow(rows, objectMapping)
		if err != nil {
			return nil, err
		}
		byID[backend.ExtractID(record)] = record
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range objIDs {
		if record, ok := byID[id]; ok {
			out = append(out, record)
		}
	}
	return out, nil
}

// ObjectDelete removes a stored object. Deleting a missing object is a
// no-op.
func (b *Backend) ObjectDelete(ctx context.Context, objOrID any) (err error) {
	start := time.Now()
	defer func() { b.observe("object_delete", start, err) }()

	id := backend.ExtractID(objOrID)
	if id == "" {
		return &backend.InvalidIDError{Kind: "object"}
	}
	_, err = b.db.ExecContext(ctx, "DELETE FROM objects WHERE id = ?", id)
	return err
}

// ObjectExists reports whether an object with the given id is stored.
func (b *Backend) ObjectExists(ctx context.Context, objOrID any) (bool, error) {
	id := backend.ExtractID(objOrID)
	if id == "" {
		return false, &backend.InvalidIDError{Kind: "object"}
	}
	var exists bool
	err := b.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM objects WHERE id = ?)", id).Scan(&exists)
	return exists, err
}

func (b *Backend) modelOpts() []activitystream.Option {
	return []activitystream.Option{
		activitystream.WithIDGenerator(b.newID),
		activitystream.WithClock(b.now),
	}
}
