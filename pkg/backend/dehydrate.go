package backend

import (
	"context"

	"k8s.io/klog/v2"

	"github.com/spate-io/spate/pkg/activitystream"
)

// ObjectWriter is the slice of Backend the dehydration sequence needs.
type ObjectWriter interface {
	ObjectCreate(ctx context.Context, obj map[string]any) (map[string]any, error)
	ObjectUpdate(ctx context.Context, obj map[string]any) (map[string]any, error)
	ObjectGet(ctx context.Context, ids []string) ([]map[string]any, error)
	ObjectDelete(ctx context.Context, objOrID any) error
	ObjectExists(ctx context.Context, objOrID any) (bool, error)
}

// DehydrateObjects reduces every object-valued slot and audience element of
// the activity that is given as a full record down to its id, upserting the
// contained objects through store. The activity is mutated in place.
//
// The sequence is compensated: if any upsert or the caller's subsequent
// store fails, calling the returned rollback deletes the objects this pass
// created and restores the prior contents of the ones it overwrote.
func DehydrateObjects(ctx context.Context, store ObjectWriter, activity map[string]any) (rollback func(context.Context), err error) {
	var created []string
	var modified []map[string]any

	rollback = func(ctx context.Context) {
		for _, id := range created {
			if err := store.ObjectDelete(ctx, id); err != nil {
				klog.ErrorS(err, "rollback: failed to delete created object", "id", id)
			}
		}
		for _, prior := range modified {
			if _, err := store.ObjectUpdate(ctx, prior); err != nil {
				klog.ErrorS(err, "rollback: failed to restore modified object",
					"id", ExtractID(prior))
			}
		}
	}

	upsert := func(obj map[string]any) error {
		id := ExtractID(obj)
		exists := false
		if id != "" {
			var err error
			exists, err = store.ObjectExists(ctx, id)
			if err != nil {
				return err
			}
		}

		if exists {
			prior, err := store.ObjectGet(ctx, []string{id})
			if err != nil {
				return err
			}
			if _, err := store.ObjectUpdate(ctx, obj); err != nil {
				return err
			}
			if len(prior) > 0 {
				modified = append(modified, prior[0])
			}
			return nil
		}

		stored, err := store.ObjectCreate(ctx, obj)
		if err != nil {
			return err
		}
		created = append(created, ExtractID(stored))
		return nil
	}

	for _, key := range activitystream.ObjectFields {
		obj, ok := activity[key].(map[string]any)
		if !ok {
			continue
		}
		if err := upsert(obj); err != nil {
			rollback(ctx)
			return nil, err
		}
		activity[key] = obj["id"]
	}

	for _, key := range activitystream.ActivityDescriptor.AudienceFields() {
		targets, ok := activity[key].([]any)
		if !ok {
			continue
		}
		for i, target := range targets {
			obj, ok := target.(map[string]any)
			if !ok {
				continue
			}
			if err := upsert(obj); err != nil {
				rollback(ctx)
				return nil, err
			}
			targets[i] = obj["id"]
		}
	}

	return rollback, nil
}
