package activitystream

import (
	"github.com/spate-io/spate/internal/timeutil"
)

// SubActivityCollections maps a supported sub-activity verb to the parent
// response slot that collects its projections.
var SubActivityCollections = map[string]string{
	"reply": "replies",
	"like":  "likes",
}

// SubActivityParams configures BuildSubActivity.
type SubActivityParams struct {
	// Actor is the object creating the sub-activity: an id or an object map.
	Actor any
	// Content is a string stored under object.content, or a map merged into
	// the sub-activity object.
	Content any
	// Verb is the sub-activity verb ("reply" or "like").
	Verb string
	// ObjectType of the sub-activity object; defaults to Verb.
	ObjectType string
	// Collection is the parent response slot ("replies" or "likes").
	Collection string
	// Extra fields override the generated sub-activity fields, published
	// included. The sub-activity object id is still generated when absent.
	Extra map[string]any
	// Published optionally fixes the creation time (string or time.Time).
	Published any
}

// BuildSubActivity builds a reply/like activity for this parent and inserts
// its projection at the head of the parent's response slot (newest first),
// incrementing totalItems. It returns the sub-activity record and the parsed
// parent record; the projection's id/actor/object.id are back-filled by the
// backend once the sub-activity has been stored.
func (m *Model) BuildSubActivity(p SubActivityParams) (sub, parent map[string]any) {
	now := m.now()

	published := timeutil.Format(now)
	if p.Published != nil {
		published = timeutil.Normalize(p.Published, now)
	}

	objectType := p.ObjectType
	if objectType == "" {
		objectType = p.Verb
	}

	inReplyTo := map[string]any{
		"objectType":  "activity",
		"displayName": m.dict["verb"],
		"id":          m.dict["id"],
		"published":   timeutil.Normalize(m.dict["published"], now),
	}

	subObject := map[string]any{
		"objectType": objectType,
		"id":         m.newID(),
		"published":  published,
		"inReplyTo":  []any{inReplyTo},
	}
	switch content := p.Content.(type) {
	case nil:
	case map[string]any:
		for k, v := range content {
			subObject[k] = v
		}
	default:
		subObject["content"] = content
	}

	sub = map[string]any{
		"actor":     p.Actor,
		"object":    subObject,
		"verb":      p.Verb,
		"published": published,
	}
	for k, v := range p.Extra {
		sub[k] = v
	}
	if obj, ok := sub["object"].(map[string]any); ok {
		if CoerceID(obj["id"]) == "" {
			obj["id"] = m.newID()
		}
	}

	projection := map[string]any{
		"verb":      p.Verb,
		"published": published,
		"object":    map[string]any{"objectType": "activity"},
	}

	slot, ok := m.dict[p.Collection].(map[string]any)
	if !ok {
		slot = map[string]any{"totalItems": 0, "items": []any{}}
		m.dict[p.Collection] = slot
	}
	slot["totalItems"] = intValue(slot["totalItems"]) + 1
	slot["items"] = append([]any{projection}, asList(slot["items"])...)

	return sub, m.ParsedDict()
}

// CompleteProjection back-fills the head projection of the given response
// slot with the stored sub-activity's identity: its id, actor object id and
// published stamp.
func CompleteProjection(parent map[string]any, collection string, sub map[string]any) {
	slot, ok := parent[collection].(map[string]any)
	if !ok {
		return
	}
	items := asList(slot["items"])
	if len(items) == 0 {
		return
	}
	head, ok := items[0].(map[string]any)
	if !ok {
		return
	}

	head["id"] = sub["id"]
	head["actor"] = CoerceID(extractRef(sub["actor"]))
	head["published"] = sub["published"]
	if obj, ok := head["object"].(map[string]any); ok {
		obj["id"] = sub["id"]
	}
}

// extractRef returns the id of an object reference that may be an id string
// or an object map.
func extractRef(v any) any {
	if obj, ok := v.(map[string]any); ok {
		return obj["id"]
	}
	return v
}
