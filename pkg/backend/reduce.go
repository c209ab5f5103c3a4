package backend

import (
	"encoding/json"
	"reflect"
	"slices"

	"github.com/spate-io/spate/pkg/activitystream"
)

// TimestampKey is the transient key the map phase stamps each fetched
// record with, carrying the creation instant used by the sort reduce.
const TimestampKey = "timestamp"

var audienceSlots = []string{"to", "bto", "cc", "bcc"}

// RawFilterFunc evaluates a caller-supplied filter expression against one
// record.
type RawFilterFunc func(record map[string]any) (bool, error)

// ReduceAudience keeps records targeted at the allowed audience: a record
// survives iff some audience slot it carries is configured in targeting and
// intersects the allowed ids, or, when includePublic is set, the record
// carries no audience slots at all.
func ReduceAudience(records []map[string]any, targeting map[string][]string, includePublic bool) []map[string]any {
	if len(targeting) == 0 {
		return records
	}

	kept := make([]map[string]any, 0, len(records))
	for _, record := range records {
		if keepForAudience(record, targeting, includePublic) {
			kept = append(kept, record)
		}
	}
	return kept
}

func keepForAudience(record map[string]any, targeting map[string][]string, includePublic bool) bool {
	if includePublic {
		public := true
		for _, slot := range audienceSlots {
			if _, ok := record[slot]; ok {
				public = false
				break
			}
		}
		if public {
			return true
		}
	}

	for _, slot := range audienceSlots {
		allowed, configured := targeting[slot]
		if !configured {
			continue
		}
		targets, ok := record[slot]
		if !ok {
			continue
		}
		for _, target := range Listify(targets) {
			if slices.Contains(allowed, activitystream.CoerceID(target)) {
				return true
			}
		}
	}
	return false
}

// ReduceProperties applies the raw filter and the key/allowed-values
// filters. A record survives iff the raw filter (when set) is truthy on it
// and, when filters is a non-nil map, at least one (key, allowed) pair has
// the record's value at key present in allowed. A nil filters map applies
// no property filter; an empty non-nil map rejects every record.
func ReduceProperties(records []map[string]any, filters map[string][]any, rawFilter RawFilterFunc) ([]map[string]any, error) {
	if filters == nil && rawFilter == nil {
		return records, nil
	}

	kept := make([]map[string]any, 0, len(records))
	for _, record := range records {
		if rawFilter != nil {
			ok, err := rawFilter(record)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		if filters != nil && !matchesAnyFilter(record, filters) {
			continue
		}
		kept = append(kept, record)
	}
	return kept, nil
}

func matchesAnyFilter(record map[string]any, filters map[string][]any) bool {
	for key, allowed := range filters {
		value, ok := record[key]
		if !ok {
			continue
		}
		for _, candidate := range allowed {
			if looseEqual(value, candidate) {
				return true
			}
		}
	}
	return false
}

// looseEqual compares two values under JSON semantics: numbers compare by
// value regardless of Go type, everything else structurally.
func looseEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// SortByTimestamp orders records ascending by their stamped creation
// instant. The sort is stable so equal stamps keep fetch order.
func SortByTimestamp(records []map[string]any) {
	slices.SortStableFunc(records, func(a, b map[string]any) int {
		at, bt := stampOf(a), stampOf(b)
		switch {
		case at < bt:
			return -1
		case at > bt:
			return 1
		default:
			return 0
		}
	})
}

func stampOf(record map[string]any) int64 {
	switch t := record[TimestampKey].(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case json.Number:
		n, _ := t.Int64()
		return n
	default:
		return 0
	}
}

// Reorder reindexes records into the caller's id order. Ids with no
// surviving record drop out silently; records keep their identity.
func Reorder(records []map[string]any, ids []string) []map[string]any {
	byID := make(map[string]map[string]any, len(records))
	for _, record := range records {
		byID[ExtractID(record)] = record
	}

	ordered := make([]map[string]any, 0, len(records))
	for _, id := range ids {
		if record, ok := byID[id]; ok {
			ordered = append(ordered, record)
		}
	}
	return ordered
}
