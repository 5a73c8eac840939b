package config

import "encoding/json"

// UnmarshalJSON captures the "type" field plus all other sibling keys into
// TypeSpecific, since each backend type defines its own extra fields and
// the top-level schema cannot enumerate them all.
func (b *BackendConfig) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return b.fromRawMap(raw, func(v json.RawMessage) (any, error) {
		var out any
		err := json.Unmarshal(v, &out)
		return out, err
	})
}

// UnmarshalYAML implements the yaml.Unmarshaler interface via a generic
// map decode, mirroring UnmarshalJSON's split of "type" vs. extra fields.
func (b *BackendConfig) UnmarshalYAML(unmarshal func(any) error) error {
	var raw map[string]any
	if err := unmarshal(&raw); err != nil {
		return err
	}
	b.TypeSpecific = make(map[string]any, len(raw))
	for k, v := range raw {
		if k == "type" {
			if s, ok := v.(string); ok {
				b.Type = s
			}
			continue
		}
		b.TypeSpecific[k] = v
	}
	return nil
}

func (b *BackendConfig) fromRawMap(raw map[string]json.RawMessage, decodeAny func(json.RawMessage) (any, error)) error {
	b.TypeSpecific = make(map[string]any, len(raw))
	for k, v := range raw {
		if k == "type" {
			if err := json.Unmarshal(v, &b.Type); err != nil {
				return err
			}
			continue
		}
		val, err := decodeAny(v)
		if err != nil {
			return err
		}
		b.TypeSpecific[k] = val
	}
	return nil
}

// StringField returns a string type-specific field, or "" if absent/wrong type.
func (b BackendConfig) StringField(name string) string {
	if v, ok := b.TypeSpecific[name]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// IntField returns an int type-specific field, or 0 if absent/wrong type.
func (b BackendConfig) IntField(name string) int {
	if v, ok := b.TypeSpecific[name]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return 0
}

// StringMapField returns a map[string]string type-specific field.
func (b BackendConfig) StringMapField(name string) map[string]string {
	out := map[string]string{}
	v, ok := b.TypeSpecific[name]
	if !ok {
		return out
	}
	m, ok := v.(map[string]any)
	if !ok {
		return out
	}
	for k, val := range m {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}

// HasField reports whether a type-specific field is present.
func (b BackendConfig) HasField(name string) bool {
	_, ok := b.TypeSpecific[name]
	return ok
}
