package aggregate

import (
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strings"

	"github.com/spate-io/spate/pkg/activitystream"
	"github.com/spate-io/spate/pkg/dotpath"
)

// PropertyAggregator rolls consecutive activities that share the same values
// at Properties into a single entry, turning every non-grouped field into a
// list of the member values. Grouping is run-length: only consecutive
// activities with an equal key tuple merge, so callers wanting global
// grouping must presort.
type PropertyAggregator struct {
	// Properties are the attribute paths to group by; dotted paths reach
	// into nested maps.
	Properties []string

	// ActivityKey and ActivityValue form an optional participation
	// predicate: when both are set, an activity whose value at ActivityKey
	// does not match the ActivityValue regex (anchored at the start) passes
	// through as its own group of one.
	ActivityKey   string
	ActivityValue string
}

// groupKey identifies a run of activities. Passthrough keys never compare
// equal so excluded activities stay singletons.
type groupKey struct {
	passthrough bool
	values      []any
}

func (k groupKey) equal(other groupKey) bool {
	if k.passthrough || other.passthrough {
		return false
	}
	return reflect.DeepEqual(k.values, other.values)
}

func (a *PropertyAggregator) Process(current, original []map[string]any, pipeline []Aggregator) ([]map[string]any, error) {
	if len(a.Properties) == 0 {
		return current, nil
	}

	predicate, err := a.compilePredicate()
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(current))
	var run []map[string]any
	var runKey groupKey

	flush := func() {
		if len(run) == 0 {
			return
		}
		out = append(out, a.fold(run, runKey))
		run = nil
	}

	for _, record := range current {
		key := a.keyFor(record, predicate)
		if len(run) > 0 && key.equal(runKey) {
			run = append(run, record)
			continue
		}
		flush()
		run = []map[string]any{record}
		runKey = key
	}
	flush()

	return out, nil
}

func (a *PropertyAggregator) compilePredicate() (*regexp.Regexp, error) {
	if a.ActivityKey == "" || a.ActivityValue == "" {
		return nil, nil
	}
	re, err := regexp.Compile("^(?:" + a.ActivityValue + ")")
	if err != nil {
		return nil, fmt.Errorf("invalid aggregator predicate %q: %w", a.ActivityValue, err)
	}
	return re, nil
}

// keyFor computes the group key: the values present at Properties, in order,
// with missing paths skipped.
func (a *PropertyAggregator) keyFor(record map[string]any, predicate *regexp.Regexp) groupKey {
	doc := dotpath.Wrap(record)

	if predicate != nil {
		v, ok := doc.Lookup(a.ActivityKey)
		if !ok || v == nil || !predicate.MatchString(fmt.Sprint(v)) {
			return groupKey{passthrough: true}
		}
	}

	var values []any
	for _, attr := range a.Properties {
		if v, ok := doc.Lookup(attr); ok && v != nil {
			values = append(values, v)
		}
	}
	return groupKey{values: values}
}

// fold collapses one run into a single entry. Singleton runs pass through
// unchanged; larger runs start from a deep copy of the first member, listify
// every non-grouped field, then append the remaining members' values.
func (a *PropertyAggregator) fold(run []map[string]any, key groupKey) map[string]any {
	if len(run) == 1 {
		return run[0]
	}

	agg := dotpath.Wrap(activitystream.DeepCopyMap(run[0]))
	nestedRoots := a.listify(agg)

	for _, member := range run[1:] {
		doc := dotpath.Wrap(member)

		for k := range agg {
			if slices.Contains(a.Properties, k) || slices.Contains(nestedRoots, k) {
				continue
			}
			list, _ := agg[k].([]any)
			agg[k] = append(list, member[k])
		}

		for _, attr := range a.Properties {
			nestedDict, deepest, ok := splitLast(attr)
			if !ok {
				continue
			}
			if v, found := doc.Lookup(attr); !found || v == nil {
				continue
			}
			inner, _ := doc.Get(nestedDict, nil).(map[string]any)
			for k, v := range inner {
				if k == deepest {
					continue
				}
				path := nestedDict + "." + k
				list, _ := agg.Get(path, nil).([]any)
				agg.Set(path, append(list, v))
			}
		}
	}

	agg["grouped_by_values"] = key.values
	agg["grouped_by_attributes"] = slices.Clone(a.Properties)
	return agg
}

// listify converts the first member's non-grouped fields into one-element
// lists. For a dotted group attribute, the siblings of its deepest segment
// are listified in place and the attribute's top-level root is left alone;
// the returned roots are excluded from appending too.
func (a *PropertyAggregator) listify(agg dotpath.Map) []string {
	var nestedRoots []string

	for _, attr := range a.Properties {
		nestedDict, deepest, ok := splitLast(attr)
		if !ok {
			continue
		}
		if v, found := agg.Lookup(attr); !found || v == nil {
			continue
		}
		root, _, _ := strings.Cut(attr, ".")
		nestedRoots = append(nestedRoots, root)

		inner, _ := agg.Get(nestedDict, nil).(map[string]any)
		for k, v := range inner {
			if k != deepest {
				agg.Set(nestedDict+"."+k, []any{v})
			}
		}
	}

	for k, v := range agg {
		if !slices.Contains(a.Properties, k) && !slices.Contains(nestedRoots, k) {
			agg[k] = []any{v}
		}
	}

	return nestedRoots
}

// splitLast splits a dotted path at its final separator; ok is false for
// paths with no separator.
func splitLast(path string) (head, tail string, ok bool) {
	i := strings.LastIndex(path, ".")
	if i < 0 {
		return "", "", false
	}
	return path[:i], path[i+1:], true
}
