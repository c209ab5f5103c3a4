package sqldb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spate-io/spate/pkg/activitystream"
)

// fieldColumn maps one record field to its column. Fields without a column
// of their own are folded into the other_data JSON column and restored on
// read.
type fieldColumn struct {
	field  string
	column string
}

var objectMapping = []fieldColumn{
	{"id", "id"},
	{"objectType", "object_type"},
	{"displayName", "display_name"},
	{"content", "content"},
	{"published", "published"},
	{"updated", "updated"},
	{"image", "image"},
}

var activityMapping = []fieldColumn{
	{"id", "id"},
	{"verb", "verb"},
	{"actor", "actor"},
	{"object", "object"},
	{"target", "target"},
	{"author", "author"},
	{"generator", "generator"},
	{"provider", "provider"},
	{"content", "content"},
	{"published", "published"},
	{"updated", "updated"},
	{"icon", "icon"},
}

// jsonFields are stored as serialized JSON rather than scalar text.
var jsonFields = map[string]bool{
	"image": true,
	"icon":  true,
}

func audienceSlots() []string {
	return activitystream.ActivityDescriptor.AudienceFields()
}

// columnList renders the select/insert column list for a mapping, with
// other_data last.
func columnList(mapping []fieldColumn) string {
	cols := make([]string, 0, len(mapping)+1)
	for _, fc := range mapping {
		cols = append(cols, fc.column)
	}
	cols = append(cols, "other_data")
	return strings.Join(cols, ", ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// toRow flattens a parsed record into column values in mapping order plus
// other_data. Mapped fields land in their columns; whatever remains is
// serialized into other_data.
func toRow(record map[string]any, mapping []fieldColumn) ([]any, error) {
	rest := activitystream.DeepCopyMap(record)

	args := make([]any, 0, len(mapping)+1)
	for _, fc := range mapping {
		v, ok := rest[fc.field]
		delete(rest, fc.field)
		if !ok || v == nil {
			args = append(args, nil)
			continue
		}
		if jsonFields[fc.field] {
			data, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("failed to encode %s: %w", fc.field, err)
			}
			args = append(args, string(data))
			continue
		}
		switch t := v.(type) {
		case string:
			args = append(args, t)
		case map[string]any, []any:
			data, err := json.Marshal(t)
			if err != nil {
				return nil, fmt.Errorf("failed to encode %s: %w", fc.field, err)
			}
			args = append(args, string(data))
		default:
			args = append(args, activitystream.CoerceID(t))
		}
	}

	if len(rest) == 0 {
		return append(args, nil), nil
	}
	data, err := json.Marshal(rest)
	if err != nil {
		return nil, fmt.Errorf("failed to encode extension fields: %w", err)
	}
	return append(args, string(data)), nil
}

// scanRow reads one row produced by a columnList select back into a record.
func scanRow(rows *sql.Rows, mapping []fieldColumn) (map[string]any, error) {
	values := make([]sql.NullString, len(mapping)+1)
	dest := make([]any, len(values))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}

	record := make(map[string]any, len(mapping))
	for i, fc := range mapping {
		if !values[i].Valid {
			continue
		}
		if jsonFields[fc.field] {
			var nested map[string]any
			if err := json.Unmarshal([]byte(values[i].String), &nested); err != nil {
				return nil, fmt.Errorf("failed to decode %s: %w", fc.field, err)
			}
			record[fc.field] = nested
			continue
		}
		record[fc.field] = values[i].String
	}

	if other := values[len(mapping)]; other.Valid && other.String != "" {
		var extra map[string]any
		if err := json.Unmarshal([]byte(other.String), &extra); err != nil {
			return nil, fmt.Errorf("failed to decode extension fields: %w", err)
		}
		for k, v := range extra {
			record[k] = v
		}
	}

	return record, nil
}

// upsertStatement builds an insert that overwrites every column on id
// conflict, so re-creating an existing record replaces it wholesale.
func upsertStatement(table string, mapping []fieldColumn) string {
	var sets []string
	for _, fc := range mapping {
		if fc.column == "id" {
			continue
		}
		sets = append(sets, fc.column+" = excluded."+fc.column)
	}
	sets = append(sets, "other_data = excluded.other_data")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO UPDATE SET %s",
		table, columnList(mapping), placeholders(len(mapping)+1), strings.Join(sets, ", "))
}

func idArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
