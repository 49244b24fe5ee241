package nlp

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// DecodeFirstObject finds the first JSON object in free-form model output
// that decodes into T. Leading prose, code fences and trailing text are
// skipped. ok is false when no candidate decodes.
func DecodeFirstObject[T any](text string) (T, bool) {
	var zero T
	for i := strings.IndexByte(text, '{'); i >= 0; {
		var v T
		dec := json.NewDecoder(strings.NewReader(text[i:]))
		if err := dec.Decode(&v); err == nil {
			return v, true
		}

		next := strings.IndexByte(text[i+1:], '{')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return zero, false
}

// looseFloat accepts a JSON number, a numeric string ("150", "$1,200") or null.
// Anything else decodes as absent rather than failing the whole object.
type looseFloat struct {
	Value float64
	Valid bool
}

func (f *looseFloat) UnmarshalJSON(b []byte) error {
	*f = looseFloat{}
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}

	s := string(b)
	if b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return nil
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	f.Value = v
	f.Valid = true
	return nil
}

// looseString accepts a JSON string, a number, a bool or null
type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	*s = ""
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return nil
		}
		*s = looseString(strings.TrimSpace(v))
		return nil
	}
	if b[0] == '{' || b[0] == '[' {
		return nil
	}
	*s = looseString(b)
	return nil
}

// isNullish reports whether a model-provided string means "no value"
func isNullish(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "null", "none", "n/a", "na", "unknown", "not specified", "not mentioned":
		return true
	}
	return false
}
