// Package kv implements the activity store on an embedded bolt key/value
// database. Records are stored dehydrated, one bucket per collection, with
// secondary index entries maintained in side buckets for admin scans; the
// query path stamps each fetched record with its creation instant and runs
// the reduce stages client-side.
package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/klog/v2"

	"github.com/spate-io/spate/internal/ids"
	"github.com/spate-io/spate/internal/metrics"
	"github.com/spate-io/spate/internal/timeutil"
	"github.com/spate-io/spate/pkg/activitystream"
	"github.com/spate-io/spate/pkg/backend"
)

var tracer = otel.Tracer("spate/backend/kv")

const (
	defaultObjectsBucket    = "objects"
	defaultActivitiesBucket = "activities"

	// keySep joins an index value and a record id inside index bucket keys.
	keySep = "\x00"
)

// Index names maintained per record.
const (
	indexTimestamp = "timestamp_int"
	indexModified  = "modified_int"
	indexVerb      = "verb_bin"
	indexActor     = "actor_bin"
	indexObject    = "object_bin"
	indexTarget    = "target_bin"
	indexInReplyTo = "inreplyto_bin"
)

// Config configures the bolt-backed store.
type Config struct {
	// Path is the bolt database file. Required.
	Path string

	ObjectsBucket    string
	ActivitiesBucket string

	// OpenTimeout bounds the wait for the file lock.
	OpenTimeout time.Duration

	// Publisher optionally publishes store mutations to NATS.
	Publisher ChangePublisherConfig
}

func (c Config) withDefaults() Config {
	if c.ObjectsBucket == "" {
		c.ObjectsBucket = defaultObjectsBucket
	}
	if c.ActivitiesBucket == "" {
		c.ActivitiesBucket = defaultActivitiesBucket
	}
	if c.OpenTimeout == 0 {
		c.OpenTimeout = 5 * time.Second
	}
	return c
}

// Backend is the bolt-backed activity store.
type Backend struct {
	db         *bolt.DB
	objects    string
	activities string
	publisher  *ChangePublisher

	newID ids.Generator
	now   func() time.Time
}

var _ backend.Backend = (*Backend)(nil)

// Option customizes the backend.
type Option func(*Backend)

// WithIDGenerator substitutes the id generator.
func WithIDGenerator(gen ids.Generator) Option {
	return func(b *Backend) { b.newID = gen }
}

// WithClock substitutes the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// WithPublisher substitutes the change publisher.
func WithPublisher(p *ChangePublisher) Option {
	return func(b *Backend) { b.publisher = p }
}

// New opens (creating if needed) the bolt database at cfg.Path and prepares
// the collection and index buckets.
func New(cfg Config, opts ...Option) (*Backend, error) {
	if cfg.Path == "" {
		return nil, &backend.ConfigurationError{Reason: "store path is required"}
	}
	cfg = cfg.withDefaults()

	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{Timeout: cfg.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", cfg.Path, err)
	}

	b := &Backend{
		db:         db,
		objects:    cfg.ObjectsBucket,
		activities: cfg.ActivitiesBucket,
		newID:      ids.New,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.publisher == nil {
		publisher, err := NewChangePublisher(cfg.Publisher)
		if err != nil {
			db.Close()
			return nil, err
		}
		b.publisher = publisher
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range b.bucketNames() {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare buckets: %w", err)
	}

	klog.V(2).InfoS("Opened activity store", "path", cfg.Path)
	return b, nil
}

// Close closes the underlying database.
func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) bucketNames() []string {
	names := []string{b.objects, b.activities}
	for _, index := range []string{indexTimestamp, indexModified} {
		names = append(names, indexBucketName(b.objects, index))
	}
	for _, index := range []string{
		indexTimestamp, indexModified, indexVerb, indexActor,
		indexObject, indexTarget, indexInReplyTo,
	} {
		names = append(names, indexBucketName(b.activities, index))
	}
	return names
}

func indexBucketName(bucket, index string) string {
	return bucket + "." + index
}

// envelope is the stored value: the dehydrated record plus its secondary
// index values.
type envelope struct {
	Data    map[string]any `json:"data"`
	Indexes map[string]any `json:"indexes"`
}

func (b *Backend) modelOpts() []activitystream.Option {
	return []activitystream.Option{
		activitystream.WithIDGenerator(b.newID),
		activitystream.WithClock(b.now),
	}
}

func (b *Backend) timestamp() int64 {
	return timeutil.UnixMilli(b.now())
}

// generalIndexes builds the shared index values. The creation instant from
// a previous envelope is preserved; the modification instant always moves.
func (b *Backend) generalIndexes(old *envelope) map[string]any {
	now := b.timestamp()
	indexes := map[string]any{
		indexTimestamp: now,
		indexModified:  now,
	}
	if old != nil {
		if ts, ok := old.Indexes[indexTimestamp]; ok {
			indexes[indexTimestamp] = ts
		}
	}
	return indexes
}

func activityIndexes(indexes map[string]any, parsed map[string]any, parentID string) {
	indexes[indexVerb] = activitystream.CoerceID(parsed["verb"])
	indexes[indexActor] = backend.ExtractID(parsed["actor"])
	indexes[indexObject] = backend.ExtractID(parsed["object"])
	if target := backend.ExtractID(parsed["target"]); target != "" {
		indexes[indexTarget] = target
	}
	if parentID != "" {
		indexes[indexInReplyTo] = parentID
	}
}

// indexKeyValue encodes an index value for ordered scans: integers are
// zero-padded, strings pass through.
func indexKeyValue(v any) string {
	if n, ok := asInt64(v); ok {
		return fmt.Sprintf("%020d", n)
	}
	return activitystream.CoerceID(v)
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// putEnvelope stores the envelope and refreshes its index bucket entries.
func (b *Backend) putEnvelope(tx *bolt.Tx, bucket, id string, env *envelope) error {
	coll := tx.Bucket([]byte(bucket))
	if coll == nil {
		return &backend.ConfigurationError{Reason: "bucket missing: " + bucket}
	}

	if prev := coll.Get([]byte(id)); prev != nil {
		var old envelope
		if err := json.Unmarshal(prev, &old); err == nil {
			if err := b.dropIndexEntries(tx, bucket, id, old.Indexes); err != nil {
				return err
			}
		}
	}

	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", id, err)
	}
	if err := coll.Put([]byte(id), value); err != nil {
		return err
	}

	for index, v := range env.Indexes {
		ib := tx.Bucket([]byte(indexBucketName(bucket, index)))
		if ib == nil {
			continue
		}
		key := indexKeyValue(v) + keySep + id
		if err := ib.Put([]byte(key), nil); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) dropIndexEntries(tx *bolt.Tx, bucket, id string, indexes map[string]any) error {
	for index, v := range indexes {
		ib := tx.Bucket([]byte(indexBucketName(bucket, index)))
		if ib == nil {
			continue
		}
		key := indexKeyValue(v) + keySep + id
		if err := ib.Delete([]byte(key)); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) deleteRecord(tx *bolt.Tx, bucket, id string) error {
	coll := tx.Bucket([]byte(bucket))
	if coll == nil {
		return &backend.ConfigurationError{Reason: "bucket missing: " + bucket}
	}
	if prev := coll.Get([]byte(id)); prev != nil {
		var old envelope
		if err := json.Unmarshal(prev, &old); err == nil {
			if err := b.dropIndexEntries(tx, bucket, id, old.Indexes); err != nil {
				return err
			}
		}
	}
	return coll.Delete([]byte(id))
}

func (b *Backend) getEnvelope(tx *bolt.Tx, bucket, id string) (*envelope, error) {
	coll := tx.Bucket([]byte(bucket))
	if coll == nil {
		return nil, &backend.ConfigurationError{Reason: "bucket missing: " + bucket}
	}
	value := coll.Get([]byte(id))
	if value == nil {
		return nil, nil
	}
	var env envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", id, err)
	}
	return &env, nil
}

// ScanIndex returns the ids carrying the given value under a secondary
// index of the activities collection, in key order. Admin and analytic use
// only; the query path does not depend on it.
func (b *Backend) ScanIndex(ctx context.Context, index, value string) ([]string, error) {
	var matches []string
	prefix := []byte(value + keySep)
	err := b.db.View(func(tx *bolt.Tx) error {
		ib := tx.Bucket([]byte(indexBucketName(b.activities, index)))
		if ib == nil {
			return &backend.ConfigurationError{Reason: "unknown index: " + index}
		}
		c := ib.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			matches = append(matches, string(k[len(prefix):]))
		}
		return nil
	})
	return matches, err
}

func (b *Backend) observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.QueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	metrics.QueryTotal.WithLabelValues(op, status).Inc()
}

func (b *Backend) publish(ctx context.Context, kind, op, id string, record map[string]any) {
	if err := b.publisher.Publish(ctx, kind, op, id, record); err != nil {
		klog.ErrorS(err, "Failed to publish store change", "kind", kind, "op", op, "id", id)
	}
}

// ObjectCreate validates, parses and stores an object. Creation by an id
// that already exists overwrites the stored content wholesale.
func (b *Backend) ObjectCreate(ctx context.Context, obj map[string]any) (parsed map[string]any, err error) {
	start := time.Now()
	defer func() { b.observe("object_create", start, err) }()

	model := activitystream.NewObject(obj, b.modelOpts()...)
	if err = model.Validate(); err != nil {
		return nil, err
	}
	parsed = model.ParsedDict()
	id := backend.ExtractID(parsed)

	err = b.db.Update(func(tx *bolt.Tx) error {
		old, err := b.getEnvelope(tx, b.objects, id)
		if err != nil {
			return err
		}
		return b.putEnvelope(tx, b.objects, id, &envelope{
			Data:    parsed,
			Indexes: b.generalIndexes(old),
		})
	})
	if err != nil {
		return nil, err
	}

	b.publish(ctx, "object", "stored", id, parsed)
	return parsed, nil
}

// ObjectUpdate replaces a stored object. The object must carry an id.
func (b *Backend) ObjectUpdate(ctx context.Context, obj map[string]any) (map[string]any, error) {
	if backend.ExtractID(obj) == "" {
		return nil, &backend.InvalidIDError{Kind: "object"}
	}
	return b.ObjectCreate(ctx, obj)
}

// ObjectGet returns the stored objects for ids; missing ids drop out.
func (b *Backend) ObjectGet(ctx context.Context, objIDs []string) (out []map[string]any, err error) {
	start := time.Now()
	defer func() { b.observe("object_get", start, err) }()

	err = b.db.View(func(tx *bolt.Tx) error {
		for _, id := range objIDs {
			env, err := b.getEnvelope(tx, b.objects, id)
			if err != nil {
				return err
			}
			if env != nil {
				out = append(out, env.Data)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
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
	err = b.db.Update(func(tx *bolt.Tx) error {
		return b.deleteRecord(tx, b.objects, id)
	})
	if err != nil {
		return err
	}
	b.publish(ctx, "object", "deleted", id, nil)
	return nil
}

// ObjectExists reports whether an object with the given id is stored.
func (b *Backend) ObjectExists(ctx context.Context, objOrID any) (bool, error) {
	id := backend.ExtractID(objOrID)
	if id == "" {
		return false, &backend.InvalidIDError{Kind: "object"}
	}
	exists := false
	err := b.db.View(func(tx *bolt.Tx) error {
		env, err := b.getEnvelope(tx, b.objects, id)
		exists = env != nil
		return err
	})
	return exists, err
}

// ActivityCreate stores a new activity: embedded objects are upserted and
// reduced to ids, the record is validated and parsed, stored with its
// indexes, and returned hydrated. Creating an id that already exists fails
// with a DuplicateError.
func (b *Backend) ActivityCreate(ctx context.Context, activity map[string]any) (hydrated map[string]any, err error) {
	ctx, span := tracer.Start(ctx, "kv.ActivityCreate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "bbolt"),
			attribute.String("db.operation", "activity_create"),
		),
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
// record. Sub-activity records additionally index their parent, read from
// the inReplyTo stub they carry.
func (b *Backend) storeActivity(ctx context.Context, activity map[string]any) (map[string]any, error) {
	// The parent reference must be read before dehydration turns the
	// sub-activity object into an id string.
	_, isSub := activitystream.SubActivityCollections[strings.ToLower(activitystream.CoerceID(activity["verb"]))]
	parentID := ""
	if isSub {
		parentID = parentRef(activity)
	}

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

	err = b.db.Update(func(tx *bolt.Tx) error {
		old, err := b.getEnvelope(tx, b.activities, id)
		if err != nil {
			return err
		}
		if isSub && parentID == "" {
			// Updates of an already dehydrated record keep their stored
			// parent.
			if old != nil {
				parentID = activitystream.CoerceID(old.Indexes[indexInReplyTo])
			}
			if parentID == "" {
				return &activitystream.ValidationError{Field: "object.inReplyTo", Reason: "sub-activity is missing its parent reference"}
			}
		}
		indexes := b.generalIndexes(old)
		activityIndexes(indexes, parsed, parentID)
		return b.putEnvelope(tx, b.activities, id, &envelope{Data: parsed, Indexes: indexes})
	})
	if err != nil {
		rollback(ctx)
		return nil, err
	}

	b.publish(ctx, "activity", "stored", id, parsed)

	hydrated, err := b.hydrator().Hydrate(ctx, []map[string]any{activitystream.DeepCopyMap(parsed)})
	if err != nil {
		return nil, err
	}
	return hydrated[0], nil
}

// parentRef extracts the parent activity id from a sub-activity's
// inReplyTo stub.
func parentRef(parsed map[string]any) string {
	obj, ok := parsed["object"].(map[string]any)
	if !ok {
		return ""
	}
	for _, elem := range backend.Listify(obj["inReplyTo"]) {
		if stub, ok := elem.(map[string]any); ok {
			if id := activitystream.CoerceID(stub["id"]); id != "" {
				return id
			}
		}
	}
	return ""
}

// ActivityExists reports whether an activity with the given id is stored.
func (b *Backend) ActivityExists(ctx context.Context, activityOrID any) (bool, error) {
	id := backend.ExtractID(activityOrID)
	if id == "" {
		return false, &backend.InvalidIDError{Kind: "activity"}
	}
	exists := false
	err := b.db.View(func(tx *bolt.Tx) error {
		env, err := b.getEnvelope(tx, b.activities, id)
		exists = env != nil
		return err
	})
	return exists, err
}

// ActivityDelete removes an activity and cascades to the sub-activities
// referenced from its response slots.
func (b *Backend) ActivityDelete(ctx context.Context, activityOrID any) (err error) {
	ctx, span := tracer.Start(ctx, "kv.ActivityDelete",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "bbolt"),
			attribute.String("db.operation", "activity_delete"),
		),
	)
	defer span.End()
	start := time.Now()
	defer func() { b.observe("activity_delete", start, err) }()

	id := backend.ExtractID(activityOrID)
	if id == "" {
		return &backend.InvalidIDError{Kind: "activity"}
	}

	err = b.db.Update(func(tx *bolt.Tx) error {
		env, err := b.getEnvelope(tx, b.activities, id)
		if err != nil {
			return err
		}
		if env == nil {
			return &backend.NotFoundError{Kind: "activity", ID: id}
		}
		for _, coll := range activitystream.ActivityDescriptor.ResponseSlots {
			slot, ok := env.Data[coll].(map[string]any)
			if !ok {
				continue
			}
			for _, elem := range backend.Listify(slot["items"]) {
				item, ok := elem.(map[string]any)
				if !ok {
					continue
				}
				subID := activitystream.CoerceID(item["id"])
				if subID == "" {
					continue
				}
				if err := b.deleteRecord(tx, b.activities, subID); err != nil {
					return err
				}
			}
		}
		return b.deleteRecord(tx, b.activities, id)
	})
	if err != nil {
		return err
	}
	b.publish(ctx, "activity", "deleted", id, nil)
	return nil
}

// ClearAll removes every stored record.
func (b *Backend) ClearAll(ctx context.Context) error {
	if err := b.ClearAllActivities(ctx); err != nil {
		return err
	}
	return b.ClearAllObjects(ctx)
}

// ClearAllObjects removes every stored object.
func (b *Backend) ClearAllObjects(ctx context.Context) error {
	return b.clearCollection(b.objects)
}

// ClearAllActivities removes every stored activity.
func (b *Backend) ClearAllActivities(ctx context.Context) error {
	return b.clearCollection(b.activities)
}

func (b *Backend) clearCollection(bucket string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		for _, name := range b.bucketNames() {
			if name != bucket && !strings.HasPrefix(name, bucket+".") {
				continue
			}
			if err := tx.DeleteBucket([]byte(name)); err != nil {
				return err
			}
			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
}
