// Package activitystream implements the model layer for Activity Streams 1.0
// records. Records are map[string]any documents; each model kind (Object,
// Activity, MediaLink) is described by a Descriptor that carries its field
// taxonomy, and a Model pairs a record with its descriptor to provide
// validation, default population and the parsed (storage-ready) form.
package activitystream

import (
	"fmt"
	"slices"
	"time"

	"github.com/spate-io/spate/internal/ids"
	"github.com/spate-io/spate/internal/timeutil"
)

// Object-valued slots and datetime fields are common to every model kind.
var (
	// ObjectFields are the slots whose values reference first-class objects.
	ObjectFields = []string{"actor", "generator", "object", "provider", "target", "author"}
	// DatetimeFields are normalized to RFC 3339 UTC strings on parse.
	DatetimeFields = []string{"published", "updated"}
)

// Descriptor carries the field taxonomy of a model kind. Taxonomies live on
// the descriptor, not on record instances.
type Descriptor struct {
	// Required fields must be present and truthy to validate.
	Required []string
	// Reserved fields are system-maintained; callers may not supply them,
	// with published/updated exempt because parsing overwrites them anyway.
	Reserved []string
	// Media fields hold MediaLink values.
	Media []string
	// ResponseSlots hold {totalItems, items} collections of sub-activity
	// projections.
	ResponseSlots []string
	// DirectAudience and IndirectAudience hold lists of object ids.
	DirectAudience   []string
	IndirectAudience []string
}

// AudienceFields returns the direct and indirect audience slots in order.
func (d *Descriptor) AudienceFields() []string {
	return append(slices.Clone(d.DirectAudience), d.IndirectAudience...)
}

var (
	// ObjectDescriptor describes a first-class object (user, item, media...).
	ObjectDescriptor = &Descriptor{
		Required: []string{"objectType", "id", "published"},
		Media:    []string{"image"},
	}

	// ActivityDescriptor describes an activity record.
	ActivityDescriptor = &Descriptor{
		Required:         []string{"verb", "actor", "object"},
		Reserved:         []string{"updated"},
		Media:            []string{"icon"},
		ResponseSlots:    []string{"replies", "likes"},
		DirectAudience:   []string{"to", "bto"},
		IndirectAudience: []string{"cc", "bcc"},
	}

	// MediaLinkDescriptor describes an embedded media link.
	MediaLinkDescriptor = &Descriptor{
		Required: []string{"url"},
	}
)

// ValidationError reports a record that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Reason, e.Field)
}

// Model pairs a record with its descriptor. Constructing a model populates
// defaults in place: the id is coerced to a string (generating a fresh one
// when absent) and activity response slots are initialized to zero.
type Model struct {
	desc  *Descriptor
	dict  map[string]any
	newID ids.Generator
	now   func() time.Time
}

// Option customizes model construction.
type Option func(*Model)

// WithIDGenerator substitutes the id generator.
func WithIDGenerator(gen ids.Generator) Option {
	return func(m *Model) { m.newID = gen }
}

// WithClock substitutes the time source used for published/updated stamps.
func WithClock(now func() time.Time) Option {
	return func(m *Model) { m.now = now }
}

func newModel(desc *Descriptor, dict map[string]any, opts ...Option) *Model {
	m := &Model{desc: desc, dict: dict, newID: ids.New, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	m.setDefaults()
	return m
}

// NewObject wraps a record as an Object model.
func NewObject(dict map[string]any, opts ...Option) *Model {
	return newModel(ObjectDescriptor, dict, opts...)
}

// NewMediaLink wraps a record as a MediaLink model.
func NewMediaLink(dict map[string]any, opts ...Option) *Model {
	return newModel(MediaLinkDescriptor, dict, opts...)
}

// NewActivity wraps a record as an Activity model and initializes empty
// response slots.
func NewActivity(dict map[string]any, opts ...Option) *Model {
	m := newModel(ActivityDescriptor, dict, opts...)
	for _, slot := range m.desc.ResponseSlots {
		if _, ok := m.dict[slot]; !ok {
			m.dict[slot] = map[string]any{"totalItems": 0, "items": []any{}}
		}
	}
	return m
}

// NewSubActivity wraps a reply or like record. Sub-activities are ordinary
// activities that never carry response slots of their own.
func NewSubActivity(dict map[string]any, opts ...Option) *Model {
	m := newModel(ActivityDescriptor, dict, opts...)
	for _, slot := range m.desc.ResponseSlots {
		delete(m.dict, slot)
	}
	return m
}

// Dict returns the underlying record.
func (m *Model) Dict() map[string]any {
	return m.dict
}

func (m *Model) setDefaults() {
	id := CoerceID(m.dict["id"])
	if id == "" {
		id = m.newID()
	}
	m.dict["id"] = id
}

// Validate checks required, reserved and nested fields per the descriptor.
// Nested object and media values given as maps validate recursively;
// audience list elements that are maps validate as objects.
func (m *Model) Validate() error {
	for _, field := range m.desc.Required {
		if !truthy(m.dict[field]) {
			return &ValidationError{Field: field, Reason: "required field missing"}
		}
	}

	for _, field := range m.desc.Reserved {
		if field == "updated" || field == "published" {
			// Overwritten on parse, so callers may supply them.
			continue
		}
		if m.dict[field] != nil {
			return &ValidationError{Field: field, Reason: "reserved field name used"}
		}
	}

	for _, field := range m.desc.Media {
		if nested, ok := m.dict[field].(map[string]any); ok && len(nested) > 0 {
			if err := NewMediaLink(nested, m.options()...).Validate(); err != nil {
				return err
			}
		}
	}

	for _, field := range ObjectFields {
		if nested, ok := m.dict[field].(map[string]any); ok && len(nested) > 0 {
			if err := NewObject(nested, m.options()...).Validate(); err != nil {
				return err
			}
		}
	}

	for _, field := range m.desc.AudienceFields() {
		for _, elem := range asList(m.dict[field]) {
			if nested, ok := elem.(map[string]any); ok && len(nested) > 0 {
				if err := NewObject(nested, m.options()...).Validate(); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func (m *Model) options() []Option {
	return []Option{WithIDGenerator(m.newID), WithClock(m.now)}
}

// ParsedDict returns a deep copy of the record ready for storage: datetime
// fields are normalized to RFC 3339 UTC strings, published defaults to now,
// updated is restamped for kinds that reserve it, and response slots with no
// items are removed entirely.
func (m *Model) ParsedDict() map[string]any {
	now := m.now()

	if !truthy(m.dict["published"]) {
		m.dict["published"] = timeutil.Format(now)
	}
	if slices.Contains(m.desc.Reserved, "updated") {
		m.dict["updated"] = timeutil.Format(now)
	}

	parsed := m.parseData(DeepCopyMap(m.dict), now)

	for _, slot := range m.desc.ResponseSlots {
		coll, ok := parsed[slot].(map[string]any)
		if !ok {
			continue
		}
		items := asList(coll["items"])
		if len(items) == 0 {
			delete(parsed, slot)
			continue
		}
		for i, item := range items {
			if nested, ok := item.(map[string]any); ok {
				items[i] = m.parseData(nested, now)
			}
		}
		coll["items"] = items
	}

	return parsed
}

// parseData normalizes one nesting level and recurses into map values.
// Response slots are handled by ParsedDict and skipped here.
func (m *Model) parseData(data map[string]any, now time.Time) map[string]any {
	for _, field := range DatetimeFields {
		if v, ok := data[field]; ok && truthy(v) {
			data[field] = timeutil.Normalize(v, now)
		}
	}

	for k, v := range data {
		if slices.Contains(m.desc.ResponseSlots, k) {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			data[k] = m.parseData(nested, now)
		}
	}

	return data
}
