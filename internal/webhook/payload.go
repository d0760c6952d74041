package webhook

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Payload is a read-only view of a decoded JSON body. Lookups take dotted
// paths and return zero values for anything missing or of the wrong type, so
// extractors can try several provider shapes without nested checks.
type Payload struct {
	raw  []byte
	root map[string]any
}

// DecodePayload parses body, which must be a JSON object.
func DecodePayload(body []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var root map[string]any
	if err := dec.Decode(&root); err != nil {
		return Payload{}, err
	}
	if root == nil {
		root = map[string]any{}
	}
	return Payload{raw: body, root: root}, nil
}

// PayloadFromMap wraps an already decoded object.
func PayloadFromMap(m map[string]any) Payload {
	if m == nil {
		m = map[string]any{}
	}
	return Payload{root: m}
}

// Raw returns the body the payload was decoded from.
func (p Payload) Raw() []byte { return p.raw }

// Map returns the decoded object.
func (p Payload) Map() map[string]any { return p.root }

func (p Payload) lookup(path string) (any, bool) {
	var cur any = p.root
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

// String returns the first non-empty string found at paths. Numbers are
// formatted, since providers send some ids either way.
func (p Payload) String(paths ...string) string {
	for _, path := range paths {
		v, ok := p.lookup(path)
		if !ok {
			continue
		}
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				return s
			}
		case json.Number:
			return t.String()
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		}
	}
	return ""
}

// Float returns the first number found at paths. Numeric strings count.
func (p Payload) Float(paths ...string) (float64, bool) {
	for _, path := range paths {
		v, ok := p.lookup(path)
		if !ok {
			continue
		}
		switch t := v.(type) {
		case json.Number:
			if f, err := t.Float64(); err == nil {
				return f, true
			}
		case float64:
			return t, true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

// Bool returns the first boolean found at paths.
func (p Payload) Bool(paths ...string) (bool, bool) {
	for _, path := range paths {
		if v, ok := p.lookup(path); ok {
			if b, ok := v.(bool); ok {
				return b, true
			}
		}
	}
	return false, false
}

// Object returns the first object found at paths.
func (p Payload) Object(paths ...string) (Payload, bool) {
	for _, path := range paths {
		if v, ok := p.lookup(path); ok {
			if m, ok := v.(map[string]any); ok {
				return Payload{root: m}, true
			}
		}
	}
	return Payload{root: map[string]any{}}, false
}

// Array returns the objects of the first array found at paths.
func (p Payload) Array(paths ...string) []Payload {
	for _, path := range paths {
		v, ok := p.lookup(path)
		if !ok {
			continue
		}
		items, ok := v.([]any)
		if !ok {
			continue
		}
		out := make([]Payload, 0, len(items))
		for _, item := range items {
			if m, ok := item.(map[string]any); ok {
				out = append(out, Payload{root: m})
			}
		}
		return out
	}
	return nil
}

// Time returns the first timestamp found at paths. Unix seconds,
// milliseconds and RFC 3339 strings are accepted.
func (p Payload) Time(paths ...string) (time.Time, bool) {
	for _, path := range paths {
		if f, ok := p.Float(path); ok && f > 0 {
			if f > 1e12 {
				return time.UnixMilli(int64(f)).UTC(), true
			}
			sec := int64(f)
			return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC(), true
		}
		if s := p.String(path); s != "" {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}
