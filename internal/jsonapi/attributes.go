package jsonapi

import "sort"

// Attributes is the attribute container of a resource. It is not safe for
// concurrent use; the owning pool serializes access.
type Attributes struct {
	m map[string]any
}

// NewAttributes returns a container holding a deep copy of m.
func NewAttributes(m map[string]any) *Attributes {
	return &Attributes{m: copyMap(m)}
}

func (a *Attributes) Get(key string) (any, bool) {
	v, ok := a.m[key]
	return v, ok
}

// String returns the attribute as a string, or "" when absent or not a string.
func (a *Attributes) String(key string) string {
	s, _ := a.m[key].(string)
	return s
}

func (a *Attributes) Set(key string, value any) {
	if a.m == nil {
		a.m = make(map[string]any)
	}
	a.m[key] = copyValue(value)
}

// Update sets every key of values.
func (a *Attributes) Update(values map[string]any) {
	for k, v := range values {
		a.Set(k, v)
	}
}

func (a *Attributes) Delete(key string) {
	delete(a.m, key)
}

func (a *Attributes) Has(key string) bool {
	_, ok := a.m[key]
	return ok
}

// Keys returns the attribute names in sorted order.
func (a *Attributes) Keys() []string {
	keys := make([]string, 0, len(a.m))
	for k := range a.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Values returns the attribute values ordered like Keys.
func (a *Attributes) Values() []any {
	keys := a.Keys()
	values := make([]any, len(keys))
	for i, k := range keys {
		values[i] = copyValue(a.m[k])
	}
	return values
}

// Pick returns a copy restricted to keys.
func (a *Attributes) Pick(keys ...string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := a.m[k]; ok {
			out[k] = copyValue(v)
		}
	}
	return out
}

// Omit returns a copy without keys.
func (a *Attributes) Omit(keys ...string) map[string]any {
	skip := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		skip[k] = struct{}{}
	}
	out := make(map[string]any, len(a.m))
	for k, v := range a.m {
		if _, ok := skip[k]; !ok {
			out[k] = copyValue(v)
		}
	}
	return out
}

func (a *Attributes) IsEmpty() bool { return len(a.m) == 0 }

func (a *Attributes) Len() int { return len(a.m) }

// Map returns a deep copy of the attributes.
func (a *Attributes) Map() map[string]any {
	return copyMap(a.m)
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}
