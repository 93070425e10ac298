package expr

import (
	"log/slog"
	"reflect"
	"strings"
)

// DefaultDeniedNames are property names that are never exposed to
// expressions, nor reachable through them.
var DefaultDeniedNames = []string{"__proto__", "prototype", "constructor"}

// Sanitizer strips values that must not reach an expression scope:
// functions, channels, denylisted keys, and anything nested deeper than
// MaxDepth (which is replaced by an empty object and logged).
type Sanitizer struct {
	MaxDepth    int
	DeniedNames []string
	Logger      *slog.Logger
}

// Sanitize returns a sanitized copy of vars. It never fails.
func (s *Sanitizer) Sanitize(vars map[string]interface{}) map[string]interface{} {
	out, _ := s.value(vars, 0)
	if m, ok := out.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{}
}

func (s *Sanitizer) denied(key string) bool {
	if strings.HasPrefix(key, "__") {
		return true
	}
	for _, name := range s.DeniedNames {
		if key == name {
			return true
		}
	}
	return false
}

func (s *Sanitizer) tooDeep(depth int) bool {
	if depth < s.MaxDepth {
		return false
	}
	if s.Logger != nil {
		s.Logger.Warn("expression scope exceeds maximum depth, value replaced with empty object",
			"max_depth", s.MaxDepth)
	}
	return true
}

// value sanitizes v; the bool is false when v must be dropped entirely.
func (s *Sanitizer) value(v interface{}, depth int) (interface{}, bool) {
	switch t := v.(type) {
	case nil, string, bool, int, int32, int64, uint, uint64, float32, float64:
		return t, true
	case map[string]interface{}:
		if s.tooDeep(depth) {
			return map[string]interface{}{}, true
		}
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			if s.denied(k) {
				continue
			}
			if sv, keep := s.value(item, depth+1); keep {
				out[k] = sv
			}
		}
		return out, true
	case []interface{}:
		if s.tooDeep(depth) {
			return map[string]interface{}{}, true
		}
		out := make([]interface{}, 0, len(t))
		for _, item := range t {
			if sv, keep := s.value(item, depth+1); keep {
				out = append(out, sv)
			}
		}
		return out, true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return nil, false
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil, true
		}
	}

	generic, err := normalize(v)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Debug("dropping value that cannot be exposed to expressions", "type", rv.Type().String(), "error", err)
		}
		return nil, false
	}
	return s.value(generic, depth)
}
