package domain

import (
	"bytes"
	"encoding/json"
	"sort"
)

// ValueString turns a JSON value from the wire into the stored text.
// Strings are stored unquoted; numbers, booleans, objects and arrays keep
// their compact JSON text. A missing or null value is the empty string.
func ValueString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", ErrInvalidArgument.WithDetails("bad string value").WithCause(err)
		}
		return s, nil
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", ErrInvalidArgument.WithDetails("bad JSON value").WithCause(err)
	}
	return buf.String(), nil
}

// DecodeObject parses a JSON object of key/value pairs, as accepted by
// init and load, into stored text values.
func DecodeObject(data []byte) (map[string]string, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, ErrInvalidArgument.WithDetails("data must be a JSON object").WithCause(err)
	}
	if obj == nil {
		return nil, ErrInvalidArgument.WithDetails("data must be a JSON object")
	}

	out := make(map[string]string, len(obj))
	for k, v := range obj {
		s, err := ValueString(v)
		if err != nil {
			return nil, err
		}
		out[k] = s
	}
	return out, nil
}

// RecordsFromMap converts a key/value mapping into records sorted by key.
func RecordsFromMap(m map[string]string) []Record {
	recs := make([]Record, 0, len(m))
	for k, v := range m {
		recs = append(recs, Record{Key: k, Value: v})
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Key < recs[j].Key })
	return recs
}
