package kv

import (
	"context"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/spate-io/spate/internal/metrics"
	"github.com/spate-io/spate/pkg/aggregate"
	"github.com/spate-io/spate/pkg/backend"
	"github.com/spate-io/spate/pkg/backend/rawfilter"
)

// ActivityGet fetches the requested activities, applies the audience and
// property reduces, hydrates the survivors and runs the aggregation
// pipeline. Results come back in the caller's id order; missing ids drop
// out silently.
func (b *Backend) ActivityGet(ctx context.Context, activityIDs []string, opts backend.GetOptions) (records []map[string]any, err error) {
	ctx, span := tracer.Start(ctx, "kv.ActivityGet",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "bbolt"),
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

	records, err = b.getManyActivities(ctx, activityIDs, opts)
	if err != nil {
		return nil, err
	}

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

// getManyActivities is the map/reduce pipeline over raw records: fetch and
// stamp each requested id, reduce by audience and properties, sort by the
// creation stamp, then reorder into the caller's id order.
func (b *Backend) getManyActivities(ctx context.Context, activityIDs []string, opts backend.GetOptions) ([]map[string]any, error) {
	filter, err := rawfilter.Compile(opts.RawFilter)
	if err != nil {
		return nil, err
	}

	records, err := b.fetchStampedActivities(ctx, activityIDs)
	if err != nil {
		return nil, err
	}

	records = backend.ReduceAudience(records, opts.AudienceTargeting, opts.IncludePublic)

	records, err = backend.ReduceProperties(records, opts.Filters, filter.Func())
	if err != nil {
		return nil, err
	}

	backend.SortByTimestamp(records)
	return backend.Reorder(records, activityIDs), nil
}

// fetchStampedActivities fetches raw dehydrated records in one view
// transaction, stamping each with its creation instant. Missing ids drop
// out.
func (b *Backend) fetchStampedActivities(ctx context.Context, activityIDs []string) ([]map[string]any, error) {
	var records []map[string]any
	err := b.db.View(func(tx *bolt.Tx) error {
		for _, id := range activityIDs {
			env, err := b.getEnvelope(tx, b.activities, id)
			if err != nil {
				return err
			}
			if env == nil {
				continue
			}
			env.Data[backend.TimestampKey] = env.Indexes[indexTimestamp]
			records = append(records, env.Data)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (b *Backend) fetchRawObjects(ctx context.Context, objIDs []string) ([]map[string]any, error) {
	return b.ObjectGet(ctx, objIDs)
}

func (b *Backend) hydrator() *backend.Hydrator {
	return &backend.Hydrator{
		FetchActivities: b.fetchStampedActivities,
		FetchObjects:    b.fetchRawObjects,
	}
}

// fetchRawActivity returns one stored activity without stamping, or nil.
func (b *Backend) fetchRawActivity(ctx context.Context, id string) (map[string]any, *envelope, error) {
	var env *envelope
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		env, err = b.getEnvelope(tx, b.activities, id)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	if env == nil {
		return nil, nil, nil
	}
	return env.Data, env, nil
}
