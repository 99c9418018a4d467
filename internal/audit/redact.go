package audit

import (
	"encoding/json"
	"reflect"
	"strings"
)

// Markers substituted for redacted content.
const (
	RedactedMarker = "***REDACTED***"
	DepthMarker    = "[REDACTED - MAX DEPTH]"
)

const (
	DefaultMaxDepth = 3
	DefaultMaxList  = 10
)

// DefaultSensitiveTerms are matched case-insensitively as substrings of map
// keys.
var DefaultSensitiveTerms = []string{
	"password", "token", "authorization", "secret", "key",
	"client_secret", "access_token", "refresh_token",
	"bearer", "api_key", "oauth_token", "jwt",
	"ssn", "credit_card", "pin", "cvv", "tax_id",
	"private_key", "rsa_key", "dsa_key",
	"sf_user_id", "instance_url", "consumer_key", "consumer_secret",
}

// Redactor masks sensitive keys in structured context. The shape of the
// input is preserved: a sensitive key keeps its place with a marker value.
type Redactor struct {
	Terms    []string
	MaxDepth int
	MaxList  int
}

// DefaultRedactor returns a Redactor with the built-in settings.
func DefaultRedactor() Redactor {
	return Redactor{Terms: DefaultSensitiveTerms, MaxDepth: DefaultMaxDepth, MaxList: DefaultMaxList}
}

// Redact returns a redacted copy of v. Values nested MaxDepth levels deep
// are replaced by DepthMarker and lists are cut to MaxList items.
func (r Redactor) Redact(v any) any {
	if r.MaxDepth <= 0 {
		r.MaxDepth = DefaultMaxDepth
	}
	if r.MaxList <= 0 {
		r.MaxList = DefaultMaxList
	}
	if r.Terms == nil {
		r.Terms = DefaultSensitiveTerms
	}
	return r.walk(v, 0)
}

// RedactMap is Redact for the common top-level case.
func (r Redactor) RedactMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, _ := r.Redact(m).(map[string]any)
	return out
}

func (r Redactor) walk(v any, depth int) any {
	if depth >= r.MaxDepth {
		return DepthMarker
	}

	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if r.sensitive(k) {
				out[k] = RedactedMarker
				continue
			}
			out[k] = r.walk(child, depth+1)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if r.sensitive(k) {
				out[k] = RedactedMarker
				continue
			}
			out[k] = r.walk(child, depth+1)
		}
		return out
	case []any:
		n := min(len(val), r.MaxList)
		out := make([]any, n)
		for i := 0; i < n; i++ {
			out[i] = r.walk(val[i], depth+1)
		}
		return out
	case []string:
		n := min(len(val), r.MaxList)
		out := make([]any, n)
		for i := 0; i < n; i++ {
			out[i] = r.walk(val[i], depth+1)
		}
		return out
	default:
		if !composite(v) {
			return v
		}
		plain, ok := toPlain(v)
		if !ok {
			return RedactedMarker
		}
		return r.walk(plain, depth)
	}
}

// composite reports whether v is anything but a nil or scalar value, such as
// a typed map, slice, struct or pointer the type switch in walk does not know.
func composite(v any) bool {
	if v == nil {
		return false
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return false
	}
	return true
}

// toPlain converts any JSON-encodable value into map[string]any, []any or a
// scalar, the shapes walk understands. Values that do not encode are
// reported as not ok and must not be passed through.
func toPlain(v any) (any, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, false
	}
	return out, true
}

func (r Redactor) sensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, term := range r.Terms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}
