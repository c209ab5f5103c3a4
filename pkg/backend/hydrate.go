package backend

import (
	"context"

	"go.opentelemetry.io/otel"

	"github.com/spate-io/spate/internal/metrics"
	"github.com/spate-io/spate/pkg/activitystream"
)

var tracer = otel.Tracer("spate/backend")

// Hydrator turns dehydrated activities into the fully nested returned form:
// sub-activity projections are materialized into full activity records and
// every object reference is replaced by the referenced object's current
// content. Dangling object references resolve to an empty map, never an
// error; projections whose sub-activity is gone are dropped and totalItems
// is recomputed.
type Hydrator struct {
	// FetchActivities returns the raw dehydrated records for ids, dropping
	// ids that do not exist.
	FetchActivities func(ctx context.Context, ids []string) ([]map[string]any, error)
	// FetchObjects returns the stored objects for ids, dropping missing ids.
	FetchObjects func(ctx context.Context, ids []string) ([]map[string]any, error)
}

// Hydrate hydrates the given activities in place and returns them. Object
// fetches are batched: the initial round resolves every id reachable from
// the input, and one delta round resolves the ids introduced by
// sub-activities materialized out of the first round's objects (a reply's
// object carries its inReplyTo reference, which only becomes visible once
// that object is substituted in).
func (h *Hydrator) Hydrate(ctx context.Context, activities []map[string]any) ([]map[string]any, error) {
	if len(activities) == 0 {
		return activities, nil
	}

	ctx, span := tracer.Start(ctx, "backend.Hydrate")
	defer span.End()

	known, err := h.fetchActivityRefs(ctx, activities, nil)
	if err != nil {
		return nil, err
	}
	for _, activity := range activities {
		path := map[string]bool{ExtractID(activity): true}
		h.splice(activity, known, path, false)
	}

	ids := make(map[string]bool)
	for _, activity := range activities {
		collectObjectIDs(activity, false, ids)
	}
	objects, err := h.fetchObjectMap(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, activity := range activities {
		substituteObjects(activity, objects, false)
	}

	// Substituted objects may have exposed new activity references, e.g.
	// a reply's object carrying inReplyTo. Materialize those and resolve
	// the object ids they introduce in one delta fetch.
	known, err = h.fetchActivityRefs(ctx, activities, known)
	if err != nil {
		return nil, err
	}
	for _, activity := range activities {
		path := map[string]bool{ExtractID(activity): true}
		h.splice(activity, known, path, true)
	}

	delta := make(map[string]bool)
	for _, activity := range activities {
		collectObjectIDs(activity, false, delta)
	}
	for id := range delta {
		if ids[id] {
			delete(delta, id)
		}
	}
	if len(delta) > 0 {
		more, err := h.fetchObjectMap(ctx, delta)
		if err != nil {
			return nil, err
		}
		for id, obj := range more {
			objects[id] = obj
		}
	}
	for _, activity := range activities {
		substituteObjects(activity, objects, false)
	}

	return activities, nil
}

// fetchActivityRefs resolves every activity-typed reference reachable from
// the input, breadth-first. Ids already fetched are never requested again,
// so mutually referential activities terminate. A prior result may be
// passed in to extend it.
func (h *Hydrator) fetchActivityRefs(ctx context.Context, activities []map[string]any, known map[string]map[string]any) (map[string]map[string]any, error) {
	if known == nil {
		known = make(map[string]map[string]any, len(activities))
	}
	for _, activity := range activities {
		known[ExtractID(activity)] = activity
	}
	visited := make(map[string]bool, len(known))
	for id := range known {
		visited[id] = true
	}

	frontier := activities
	for len(frontier) > 0 {
		var want []string
		for _, activity := range frontier {
			for _, ref := range activityRefs(activity, false) {
				if ref != "" && !visited[ref] {
					visited[ref] = true
					want = append(want, ref)
				}
			}
		}
		if len(want) == 0 {
			break
		}

		fetched, err := h.FetchActivities(ctx, want)
		if err != nil {
			return nil, err
		}
		for _, record := range fetched {
			known[ExtractID(record)] = record
		}
		frontier = fetched
	}

	return known, nil
}

// activityRefs collects the ids of activity-typed references on one record:
// object-valued slots whose value declares objectType "activity", and every
// inReplyTo entry of an object-valued slot.
func activityRefs(activity map[string]any, skipSub bool) []string {
	var refs []string
	for _, key := range activitystream.ObjectFields {
		obj, ok := activity[key].(map[string]any)
		if !ok {
			continue
		}
		if obj["objectType"] == "activity" {
			refs = append(refs, activitystream.CoerceID(obj["id"]))
		}
		for _, elem := range Listify(obj["inReplyTo"]) {
			if ref, ok := elem.(map[string]any); ok {
				refs = append(refs, activitystream.CoerceID(ref["id"]))
			}
		}
	}
	if !skipSub {
		for _, coll := range activitystream.ActivityDescriptor.ResponseSlots {
			slot, ok := activity[coll].(map[string]any)
			if !ok {
				continue
			}
			for _, elem := range Listify(slot["items"]) {
				if item, ok := elem.(map[string]any); ok {
					refs = append(refs, activityRefs(item, skipSub)...)
				}
			}
		}
	}
	return refs
}

// splice materializes activity-typed references in place, merging a deep
// copy of the fetched record into each stub. path carries the ids already
// materialized on this branch; references back into the path stay stubs so
// that cycles terminate. Returns false when an object-slot reference could
// not be resolved, which makes the enclosing projection droppable.
func (h *Hydrator) splice(activity map[string]any, known map[string]map[string]any, path map[string]bool, skipSub bool) bool {
	resolved := true

	materialize := func(stub map[string]any) bool {
		ref := activitystream.CoerceID(stub["id"])
		full, ok := known[ref]
		if !ok {
			return false
		}
		if path[ref] {
			return true
		}
		for k, v := range full {
			stub[k] = activitystream.DeepCopy(v)
		}
		h.splice(stub, known, withID(path, ref), true)
		return true
	}

	for _, key := range activitystream.ObjectFields {
		obj, ok := activity[key].(map[string]any)
		if !ok {
			continue
		}
		if obj["objectType"] == "activity" {
			if !materialize(obj) {
				resolved = false
			}
		}
		for _, elem := range Listify(obj["inReplyTo"]) {
			if stub, ok := elem.(map[string]any); ok {
				// A missing parent stays a stub rather than failing the
				// record.
				materialize(stub)
			}
		}
	}

	if !skipSub {
		for _, coll := range activitystream.ActivityDescriptor.ResponseSlots {
			slot, ok := activity[coll].(map[string]any)
			if !ok {
				continue
			}
			items := Listify(slot["items"])
			kept := make([]any, 0, len(items))
			for _, elem := range items {
				item, ok := elem.(map[string]any)
				if !ok {
					continue
				}
				if h.splice(item, known, path, true) {
					kept = append(kept, item)
				}
			}
			slot["items"] = kept
			slot["totalItems"] = len(kept)
		}
	}

	return resolved
}

func withID(path map[string]bool, id string) map[string]bool {
	out := make(map[string]bool, len(path)+1)
	for k := range path {
		out[k] = true
	}
	out[id] = true
	return out
}

// collectObjectIDs harvests candidate object ids: id strings in object and
// audience slots, string elements of audience lists, and the same walk
// recursively through materialized activity references, inReplyTo entries
// and response-slot items.
func collectObjectIDs(activity map[string]any, skipSub bool, ids map[string]bool) {
	fields := append(append([]string{}, activitystream.ObjectFields...),
		activitystream.ActivityDescriptor.AudienceFields()...)
	for _, key := range fields {
		switch value := activity[key].(type) {
		case string:
			ids[value] = true
		case map[string]any:
			if value["objectType"] == "activity" {
				collectObjectIDs(value, skipSub, ids)
			}
			for _, elem := range Listify(value["inReplyTo"]) {
				if nested, ok := elem.(map[string]any); ok {
					collectObjectIDs(nested, skipSub, ids)
				}
			}
		case []any:
			for _, elem := range value {
				if s, ok := elem.(string); ok {
					ids[s] = true
				}
			}
		}
	}
	if !skipSub {
		for _, coll := range activitystream.ActivityDescriptor.ResponseSlots {
			slot, ok := activity[coll].(map[string]any)
			if !ok {
				continue
			}
			for _, elem := range Listify(slot["items"]) {
				if item, ok := elem.(map[string]any); ok {
					collectObjectIDs(item, skipSub, ids)
				}
			}
		}
	}
}

func (h *Hydrator) fetchObjectMap(ctx context.Context, ids map[string]bool) (map[string]map[string]any, error) {
	want := make([]string, 0, len(ids))
	for id := range ids {
		want = append(want, id)
	}

	objects := make(map[string]map[string]any, len(want))
	if len(want) == 0 {
		return objects, nil
	}

	metrics.HydrationObjectFetches.Observe(float64(len(want)))
	fetched, err := h.FetchObjects(ctx, want)
	if err != nil {
		return nil, err
	}
	for _, obj := range fetched {
		objects[ExtractID(obj)] = obj
	}
	return objects, nil
}

// substituteObjects replaces id strings with the fetched object content.
// Missing ids become empty maps.
func substituteObjects(activity map[string]any, objects map[string]map[string]any, skipSub bool) {
	lookup := func(id string) map[string]any {
		if obj, ok := objects[id]; ok {
			return activitystream.DeepCopyMap(obj)
		}
		return map[string]any{}
	}

	fields := append(append([]string{}, activitystream.ObjectFields...),
		activitystream.ActivityDescriptor.AudienceFields()...)
	for _, key := range fields {
		switch value := activity[key].(type) {
		case string:
			activity[key] = lookup(value)
		case map[string]any:
			if value["objectType"] == "activity" {
				substituteObjects(value, objects, skipSub)
			}
			for _, elem := range Listify(value["inReplyTo"]) {
				if nested, ok := elem.(map[string]any); ok {
					substituteObjects(nested, objects, skipSub)
				}
			}
		case []any:
			for i, elem := range value {
				if s, ok := elem.(string); ok {
					value[i] = lookup(s)
				}
			}
		}
	}
	if !skipSub {
		for _, coll := range activitystream.ActivityDescriptor.ResponseSlots {
			slot, ok := activity[coll].(map[string]any)
			if !ok {
				continue
			}
			for _, elem := range Listify(slot["items"]) {
				if item, ok := elem.(map[string]any); ok {
					substituteObjects(item, objects, skipSub)
				}
			}
		}
	}
}
