package sqldb

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/spate-io/spate/internal/metrics"
	"github.com/spate-io/spate/internal/timeutil"
	"github.com/spate-io/spate/pkg/activitystream"
	"github.com/spate-io/spate/pkg/aggregate"
	"github.com/spate-io/spate/pkg/backend"
	"github.com/spate-io/spate/pkg/backend/rawfilter"
)

// collectionVerbs is the response slot to verb mapping, derived from the
// verb to slot table the model layer owns.
var collectionVerbs = func() map[string]string {
	out := make(map[string]string, len(activitystream.SubActivityCollections))
	for verb, coll := range activitystream.SubActivityCollections {
		out[coll] = verb
	}
	return out
}()

// ActivityCreate stores a new activity: embedded objects are upserted and
// reduced to ids, the row is written together with its audience rows, and
// the record is returned hydrated. Creating an id that already exists fails
// with a DuplicateError.
func (b *Backend) ActivityCreate(ctx context.Context, activity map[string]any) (hydrated map[string]any, err error) {
	ctx, span := tracer.Start(ctx, "sqldb.ActivityCreate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("db.operation", "activity_create")),
	)
	defer span.End()
	start := time.Now()
	defer func() { b.observe("activity_create", start, err) }()

	if id := backend.ExtractID(activity); id != "" {
		exists, err := b.ActivityExists(ctx, id)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, &backend.DuplicateError{Kind: "activity", ID: id}
		}
	}

	return b.storeActivity(ctx, activity)
}

// ActivityUpdate replaces a stored activity. The activity must carry an id;
// a missing record is created.
func (b *Backend) ActivityUpdate(ctx context.Context, activity map[string]any) (map[string]any, error) {
	if backend.ExtractID(activity) == "" {
		return nil, &backend.InvalidIDError{Kind: "activity"}
	}
	return b.storeActivity(ctx, activity)
}

// storeActivity runs the dehydration sequence and persists the parsed
// record: the activity row is upserted and the audience join rows are
// rewritten in one transaction. Response slots are never stored; they are
// computed from the replies and likes tables at read time.
func (b *Backend) storeActivity(ctx context.Context, activity map[string]any) (map[string]any, error) {
	rollback, err := backend.DehydrateObjects(ctx, b, activity)
	if err != nil {
		return nil, err
	}

	model := activitystream.NewActivity(activity, b.modelOpts()...)
	if err := model.Validate(); err != nil {
		rollback(ctx)
		return nil, err
	}
	parsed := model.ParsedDict()
	id := backend.ExtractID(parsed)

	row := activitystream.DeepCopyMap(parsed)
	audience := make(map[string][]string)
	for _, slot := range audienceSlots() {
		for _, elem := range backend.Listify(row[slot]) {
			if ref := backend.ExtractID(elem); ref != "" {
				audience[slot] = append(audience[slot], ref)
			}
		}
		delete(row, slot)
	}
	for _, slot := range activitystream.ActivityDescriptor.ResponseSlots {
		delete(row, slot)
	}
	// The read path stamps records; the stamp is not part of the record.
	delete(row, backend.TimestampKey)

	args, err := toRow(row, activityMapping)
	if err != nil {
		rollback(ctx)
		return nil, err
	}

	err = func() error {
		tx, err := b.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, upsertStatement("activities", activityMapping), args...); err != nil {
			return err
		}
		for _, slot := range audienceSlots() {
			table := audienceTable(slot)
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE activity = ?", id); err != nil {
				return err
			}
			for _, ref := range audience[slot] {
				if _, err := tx.ExecContext(ctx,
					"INSERT INTO "+table+" (object, activity) VALUES (?, ?)", ref, id); err != nil {
					return err
				}
			}
		}
		return tx.Commit()
	}()
	if err != nil {
		rollback(ctx)
		return nil, err
	}

	return b.getHydrated(ctx, id)
}

// ActivityExists reports whether an activity with the given id is stored.
func (b *Backend) ActivityExists(ctx context.Context, activityOrID any) (bool, error) {
	id := backend.ExtractID(activityOrID)
	if id == "" {
		return false, &backend.InvalidIDError{Kind: "activity"}
	}
	var exists bool
	err := b.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM activities WHERE id = ?)", id).Scan(&exists)
	return exists, err
}

// ActivityDelete removes an activity, its audience rows and the
// sub-activities collected under it.
func (b *Backend) ActivityDelete(ctx context.Context, activityOrID any) (err error) {
	ctx, span := tracer.Start(ctx, "sqldb.ActivityDelete",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("db.operation", "activity_delete")),
	)
	defer span.End()
	start := time.Now()
	defer func() { b.observe("activity_delete", start, err) }()

	id := backend.ExtractID(activityOrID)
	if id == "" {
		return &backend.InvalidIDError{Kind: "activity"}
	}
	exists, err := b.ActivityExists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return &backend.NotFoundError{Kind: "activity", ID: id}
	}

	doomed := []string{id}
	for _, table := range subActivityTables {
		rows, err := b.db.QueryContext(ctx, "SELECT id FROM "+table+" WHERE in_reply_to = ?", id)
		if err != nil {
			return err
		}
		for rows.Next() {
			var subID string
			if err := rows.Scan(&subID); err != nil {
				rows.Close()
				return err
			}
			doomed = append(doomed, subID)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range subActivityTables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE in_reply_to = ?", id); err != nil {
			return err
		}
	}
	in := placeholders(len(doomed))
	for _, slot := range audienceSlots() {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM "+audienceTable(slot)+" WHERE activity IN ("+in+")", idArgs(doomed)...); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM activities WHERE id IN ("+in+")", idArgs(doomed)...); err != nil {
		return err
	}
	return tx.Commit()
}

// ActivityGet fetches the requested activities, applies the audience and
// property reduces, hydrates the survivors and runs the aggregation
// pipeline. Results come back in the caller's id order; missing ids drop
// out silently.
func (b *Backend) ActivityGet(ctx context.Context, activityIDs []string, opts backend.GetOptions) (records []map[string]any, err error) {
	ctx, span := tracer.Start(ctx, "sqldb.ActivityGet",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.operation", "activity_get"),
			attribute.Int("query.ids", len(activityIDs)),
		),
	)
	defer span.End()
	start := time.Now()
	defer func() { b.observe("activity_get", start, err) }()

	if len(activityIDs) == 0 {
		return nil, nil
	}

	filter, err := rawfilter.Compile(opts.RawFilter)
	if err != nil {
		return nil, err
	}

	records, err = b.fetchRawActivities(ctx, activityIDs)
	if err != nil {
		return nil, err
	}

	records = backend.ReduceAudience(records, opts.AudienceTargeting, opts.IncludePublic)
	records, err = backend.ReduceProperties(records, opts.Filters, filter.Func())
	if err != nil {
		return nil, err
	}
	backend.SortByTimestamp(records)
	records = backend.Reorder(records, activityIDs)

	records, err = b.hydrator().Hydrate(ctx, records)
	if err != nil {
		return nil, err
	}

	records, err = aggregate.Run(records, opts.Pipeline)
	if err != nil {
		return nil, err
	}

	metrics.QueryResults.Observe(float64(len(records)))
	return records, nil
}

// fetchRawActivities loads dehydrated records in the requested order,
// reattaching the audience slots from the join tables and the response
// slots from the replies and likes tables, and stamping each record with
// its creation instant. Missing ids drop out.
func (b *Backend) fetchRawActivities(ctx context.Context, activityIDs []string) ([]map[string]any, error) {
	if len(activityIDs) == 0 {
		return nil, nil
	}

	query := "SELECT " + columnList(activityMapping) + " FROM activities WHERE id IN (" + placeholders(len(activityIDs)) + ")"
	rows, err := b.db.QueryContext(ctx, query, idArgs(activityIDs)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]map[string]any, len(activityIDs))
	for rows.Next() {
		record, err := scanRow(rows, activityMapping)
		if err != nil {
			return nil, err
		}
		byID[backend.ExtractID(record)] = record
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var records []map[string]any
	for _, id := range activityIDs {
		if record, ok := byID[id]; ok {
			records = append(records, record)
		}
	}
	if len(records) == 0 {
		return nil, nil
	}

	if err := b.attachAudience(ctx, records); err != nil {
		return nil, err
	}
	if err := b.attachSubActivities(ctx, records); err != nil {
		return nil, err
	}

	now := b.now()
	for _, record := range records {
		published := timeutil.Parse(activitystream.CoerceID(record["published"]), now)
		record[backend.TimestampKey] = timeutil.UnixMilli(published)
	}
	return records, nil
}

func (b *Backend) attachAudience(ctx context.Context, records []map[string]any) error {
	ids := idsOfRecords(records)
	in := placeholders(len(ids))

	for _, slot := range audienceSlots() {
		rows, err := b.db.QueryContext(ctx,
			"SELECT object, activity FROM "+audienceTable(slot)+" WHERE activity IN ("+in+") ORDER BY id", idArgs(ids)...)
		if err != nil {
			return err
		}

		targets := make(map[string][]any)
		for rows.Next() {
			var object, activity string
			if err := rows.Scan(&object, &activity); err != nil {
				rows.Close()
				return err
			}
			targets[activity] = append(targets[activity], object)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, record := range records {
			if list, ok := targets[backend.ExtractID(record)]; ok {
				record[slot] = list
			}
		}
	}
	return nil
}

// attachSubActivities reconstructs the response slots from the side tables:
// totalItems is the row count and items are projections ordered newest
// first. Activities with no rows get no slot at all.
func (b *Backend) attachSubActivities(ctx context.Context, records []map[string]any) error {
	ids := idsOfRecords(records)
	in := placeholders(len(ids))

	for collection, table := range subActivityTables {
		rows, err := b.db.QueryContext(ctx,
			"SELECT id, in_reply_to, actor, published FROM "+table+
				" WHERE in_reply_to IN ("+in+") ORDER BY published DESC, id DESC", idArgs(ids)...)
		if err != nil {
			return err
		}

		items := make(map[string][]any)
		for rows.Next() {
			var subID, parentID, actor, published string
			if err := rows.Scan(&subID, &parentID, &actor, &published); err != nil {
				rows.Close()
				return err
			}
			items[parentID] = append(items[parentID], map[string]any{
				"id":        subID,
				"verb":      collectionVerbs[collection],
				"actor":     actor,
				"published": published,
				"object":    map[string]any{"id": subID, "objectType": "activity"},
			})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, record := range records {
			if list, ok := items[backend.ExtractID(record)]; ok {
				record[collection] = map[string]any{
					"totalItems": len(list),
					"items":      list,
				}
			}
		}
	}
	return nil
}

func (b *Backend) hydrator() *backend.Hydrator {
	return &backend.Hydrator{
		FetchActivities: b.fetchRawActivities,
		FetchObjects:    b.ObjectGet,
	}
}

// getHydrated returns one activity in its fully hydrated form.
func (b *Backend) getHydrated(ctx context.Context, id string) (map[string]any, error) {
	records, err := b.fetchRawActivities(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, &backend.NotFoundError{Kind: "activity", ID: id}
	}
	records, err = b.hydrator().Hydrate(ctx, records)
	if err != nil {
		return nil, err
	}
	return records[0], nil
}

func idsOfRecords(records []map[string]any) []string {
	out := make([]string, len(records))
	for i, record := range records {
		out[i] = backend.ExtractID(record)
	}
	return out
}
