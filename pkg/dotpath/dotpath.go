// Package dotpath provides dotted-path access over nested string-keyed maps,
// so "a.b.c" reads and writes m["a"]["b"]["c"]. Activity records travel
// through the engine as map[string]any; dotpath is how the aggregators and
// filters reach into them without caring about nesting depth.
package dotpath

import (
	"fmt"
	"strings"
)

// Map wraps a nested map[string]any with dotted-path accessors. The zero
// value is not usable; wrap an existing map or start from New.
type Map map[string]any

// New returns an empty Map.
func New() Map {
	return Map{}
}

// Wrap adapts an existing map without copying it. Mutations through the
// returned Map are visible in m.
func Wrap(m map[string]any) Map {
	return Map(m)
}

// Get returns the value at the dotted path, or def when the path is missing
// or an intermediate is not a mapping.
func (m Map) Get(path string, def any) any {
	v, ok := m.Lookup(path)
	if !ok {
		return def
	}
	return v
}

// Lookup returns the value at the dotted path and whether it was found.
func (m Map) Lookup(path string) (any, bool) {
	cur := map[string]any(m)
	key := path
	for {
		head, rest, nested := strings.Cut(key, ".")
		v, ok := cur[head]
		if !ok {
			return nil, false
		}
		if !nested {
			return v, true
		}
		next, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		cur = next
		key = rest
	}
}

// Contains reports whether the dotted path resolves to a value.
func (m Map) Contains(path string) bool {
	_, ok := m.Lookup(path)
	return ok
}

// Set writes value at the dotted path, creating missing intermediate maps on
// demand. It fails when an existing intermediate is not a mapping.
func (m Map) Set(path string, value any) error {
	cur := map[string]any(m)
	key := path
	for {
		head, rest, nested := strings.Cut(key, ".")
		if !nested {
			cur[head] = value
			return nil
		}
		v, ok := cur[head]
		if !ok {
			next := map[string]any{}
			cur[head] = next
			cur = next
		} else {
			next, ok := v.(map[string]any)
			if !ok {
				return fmt.Errorf("cannot set %q in %q: not a mapping", rest, head)
			}
			cur = next
		}
		key = rest
	}
}

// SetDefault returns the value at the dotted path, first storing def there
// when the path is absent.
func (m Map) SetDefault(path string, def any) (any, error) {
	if v, ok := m.Lookup(path); ok {
		return v, nil
	}
	if err := m.Set(path, def); err != nil {
		return nil, err
	}
	return def, nil
}
