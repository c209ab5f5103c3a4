// Package sqldb implements the activity store on a relational database.
// Objects and activities live in their own tables with JSON columns for
// media links and extension fields; replies and likes live in side tables
// keyed by the parent activity, so the parent row is never mutated and the
// response slots are computed at read time; audience targeting lives in one
// join table per slot. Tests and the CLI use the embedded sqlite driver, but
// the statements stick to portable SQL.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"k8s.io/klog/v2"
	_ "modernc.org/sqlite"

	"github.com/spate-io/spate/internal/ids"
	"github.com/spate-io/spate/internal/metrics"
	"github.com/spate-io/spate/pkg/backend"
)

var tracer = otel.Tracer("spate/backend/sqldb")

// Config configures the relational store.
type Config struct {
	// Driver is the database/sql driver name. Defaults to "sqlite".
	Driver string
	// DSN is the driver connection string. Required.
	DSN string

	// MaxOpenConns and MaxIdleConns bound the connection pool.
	MaxOpenConns int
	MaxIdleConns int
}

func (c Config) withDefaults() Config {
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	return c
}

// Backend is the relational activity store.
type Backend struct {
	db *sql.DB

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

// New opens the database and creates the schema when absent.
func New(cfg Config, opts ...Option) (*Backend, error) {
	if cfg.DSN == "" {
		return nil, &backend.ConfigurationError{Reason: "database connection string is required"}
	}
	cfg = cfg.withDefaults()

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	b := &Backend{db: db, newID: ids.New, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}

	if err := b.CreateTables(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	klog.V(2).InfoS("Opened relational activity store", "driver", cfg.Driver)
	return b, nil
}

// Close closes the underlying pool.
func (b *Backend) Close() error {
	return b.db.Close()
}

// subActivityTables maps a response slot to its table; audienceSlots carry
// one join table each, named after the slot.
var subActivityTables = map[string]string{
	"replies": "replies",
	"likes":   "likes",
}

func audienceTable(slot string) string {
	return `"` + slot + `"`
}

var createStatements = []string{
	`CREATE TABLE IF NOT EXISTS objects (
		id TEXT PRIMARY KEY,
		object_type TEXT NOT NULL,
		display_name TEXT,
		content TEXT,
		published TEXT NOT NULL,
		updated TEXT,
		image TEXT,
		other_data TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS activities (
		id TEXT PRIMARY KEY,
		verb TEXT NOT NULL,
		actor TEXT NOT NULL REFERENCES objects (id) ON DELETE CASCADE,
		object TEXT REFERENCES objects (id) ON DELETE SET NULL,
		target TEXT REFERENCES objects (id) ON DELETE SET NULL,
		author TEXT REFERENCES objects (id) ON DELETE SET NULL,
		generator TEXT REFERENCES objects (id) ON DELETE SET NULL,
		provider TEXT REFERENCES objects (id) ON DELETE SET NULL,
		content TEXT,
		published TEXT NOT NULL,
		updated TEXT,
		icon TEXT,
		other_data TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS replies (
		id TEXT PRIMARY KEY,
		in_reply_to TEXT NOT NULL REFERENCES activities (id) ON DELETE CASCADE,
		actor TEXT NOT NULL REFERENCES objects (id) ON DELETE CASCADE,
		published TEXT NOT NULL,
		updated TEXT,
		content TEXT,
		other_data TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS likes (
		id TEXT PRIMARY KEY,
		in_reply_to TEXT NOT NULL REFERENCES activities (id) ON DELETE CASCADE,
		actor TEXT NOT NULL REFERENCES objects (id) ON DELETE CASCADE,
		published TEXT NOT NULL,
		updated TEXT,
		content TEXT,
		other_data TEXT,
		UNIQUE (actor, in_reply_to)
	)`,
	`CREATE INDEX IF NOT EXISTS replies_in_reply_to ON replies (in_reply_to)`,
	`CREATE INDEX IF NOT EXISTS likes_in_reply_to ON likes (in_reply_to)`,
	`CREATE TABLE IF NOT EXISTS "to" (
		id INTEGER PRIMARY KEY,
		object TEXT REFERENCES objects (id) ON DELETE CASCADE,
		activity TEXT REFERENCES activities (id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS "bto" (
		id INTEGER PRIMARY KEY,
		object TEXT REFERENCES objects (id) ON DELETE CASCADE,
		activity TEXT REFERENCES activities (id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS "cc" (
		id INTEGER PRIMARY KEY,
		object TEXT REFERENCES objects (id) ON DELETE CASCADE,
		activity TEXT REFERENCES activities (id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS "bcc" (
		id INTEGER PRIMARY KEY,
		object TEXT REFERENCES objects (id) ON DELETE CASCADE,
		activity TEXT REFERENCES activities (id) ON DELETE CASCADE
	)`,
}

var dropStatements = []string{
	`DROP TABLE IF EXISTS "bcc"`,
	`DROP TABLE IF EXISTS "cc"`,
	`DROP TABLE IF EXISTS "bto"`,
	`DROP TABLE IF EXISTS "to"`,
	`DROP TABLE IF EXISTS likes`,
	`DROP TABLE IF EXISTS replies`,
	`DROP TABLE IF EXISTS activities`,
	`DROP TABLE IF EXISTS objects`,
}

// CreateTables creates the schema when absent.
func (b *Backend) CreateTables(ctx context.Context) error {
	for _, stmt := range createStatements {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// DropTables removes the schema.
func (b *Backend) DropTables(ctx context.Context) error {
	for _, stmt := range dropStatements {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to drop schema: %w", err)
		}
	}
	return nil
}

// ClearAll drops and recreates the schema.
func (b *Backend) ClearAll(ctx context.Context) error {
	if err := b.DropTables(ctx); err != nil {
		return err
	}
	return b.CreateTables(ctx)
}

// ClearAllObjects is not supported: activity rows reference object rows, so
// objects cannot be wiped independently.
func (b *Backend) ClearAllObjects(ctx context.Context) error {
	return &backend.OperationNotSupportedError{Op: "clear_all_objects"}
}

// ClearAllActivities removes every activity, its sub-activities and its
// audience rows. Objects stay.
func (b *Backend) ClearAllActivities(ctx context.Context) error {
	tables := []string{"replies", "likes"}
	for _, slot := range audienceSlots() {
		tables = append(tables, audienceTable(slot))
	}
	tables = append(tables, "activities")

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range tables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (b *Backend) observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.QueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	metrics.QueryTotal.WithLabelValues(op, status).Inc()
}
