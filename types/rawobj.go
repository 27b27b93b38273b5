package types

import (
	"encoding/json"
	"strings"
)

// RawApObj wraps a decoded (usually JSON-LD-compacted) document and offers
// dotted-path accessors for fields whose shape varies between remote
// implementations.
type RawApObj struct {
	data map[string]any
}

func LoadAsRawApObj(body []byte) (*RawApObj, error) {
	var data map[string]any
	err := json.Unmarshal(body, &data)
	return &RawApObj{data}, err
}

func RawApObjFromMap(data map[string]any) *RawApObj {
	return &RawApObj{data}
}

func (r *RawApObj) GetData() map[string]any {
	return r.data
}

func (r *RawApObj) get(key string) (any, bool) {
	keys := strings.Split(key, ".")
	var value any = r.data
	for _, k := range keys {
		if value == nil {
			return nil, false
		}
		m, ok := value.(map[string]any)
		if !ok {
			return nil, false
		}
		value, ok = m[k]
		if !ok {
			return nil, false
		}
	}
	return value, true
}

func (r *RawApObj) GetRaw(key string) (*RawApObj, bool) {
	value, ok := r.get(key)
	if !ok {
		return nil, false
	}
	m, ok := value.(map[string]any)
	if !ok {
		return nil, false
	}
	return &RawApObj{m}, true
}

// GetRawList returns a field as a list of objects, wrapping a single object
// into a one-element list.
func (r *RawApObj) GetRawList(key string) []*RawApObj {
	value, ok := r.get(key)
	if !ok {
		return nil
	}

	switch v := value.(type) {
	case map[string]any:
		return []*RawApObj{{v}}
	case []any:
		out := make([]*RawApObj, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, &RawApObj{m})
			}
		}
		return out
	default:
		return nil
	}
}

// GetStringList returns a field as a list of strings, wrapping a single
// string into a one-element list. Non-string members are skipped.
func (r *RawApObj) GetStringList(key string) []string {
	value, ok := r.get(key)
	if !ok {
		return nil
	}
	return AsList(value)
}

func (r *RawApObj) GetString(key string) (string, bool) {
	value, ok := r.get(key)
	if !ok {
		return "", false
	}

	if arr, ok := value.([]any); ok {
		if len(arr) == 0 {
			return "", false
		}
		value = arr[0]
	}

	str, ok := value.(string)
	return str, ok
}

func (r *RawApObj) MustGetString(key string) string {
	str, ok := r.GetString(key)
	if !ok {
		return ""
	}
	return str
}
