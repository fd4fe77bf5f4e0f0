package modules

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"
)

// Params is the open parameter bag passed to a module.
type Params map[string]any

// Merge overlays override onto base without mutating either.
func Merge(base, override Params) Params {
	out := make(Params, len(base)+len(override))
	maps.Copy(out, base)
	maps.Copy(out, override)
	return out
}

func (p Params) Has(key string) bool {
	v, ok := p[key]
	return ok && v != nil
}

// Str returns the trimmed string form of key, or "".
func (p Params) Str(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case fmt.Stringer:
		return strings.TrimSpace(t.String())
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func (p Params) Float(key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		if strings.TrimSpace(t) == "" {
			return def, nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("parameter %q: %q is not a number", key, t)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("parameter %q: unsupported type %T", key, v)
	}
}

func (p Params) Int(key string, def int) (int, error) {
	f, err := p.Float(key, float64(def))
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

func (p Params) Bool(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "":
			return def, nil
		case "1", "true", "on", "yes", "enable", "enabled":
			return true, nil
		case "0", "false", "off", "no", "disable", "disabled":
			return false, nil
		}
		return false, fmt.Errorf("parameter %q: %q is not a boolean", key, t)
	default:
		f, err := p.Float(key, 0)
		if err != nil {
			return false, fmt.Errorf("parameter %q: unsupported type %T", key, v)
		}
		return f != 0, nil
	}
}

// Duration reads seconds (number) or a Go duration string ("1m30s").
func (p Params) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	if s, isStr := v.(string); isStr {
		s = strings.TrimSpace(s)
		if s == "" {
			return def, nil
		}
		if d, err := time.ParseDuration(s); err == nil {
			return d, nil
		}
	}
	f, err := p.Float(key, def.Seconds())
	if err != nil {
		return 0, err
	}
	if f < 0 {
		return 0, fmt.Errorf("parameter %q: must not be negative", key)
	}
	return time.Duration(f * float64(time.Second)), nil
}

// List reads a list of objects.
func (p Params) List(key string) ([]Params, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case []Params:
		return t, nil
	case []map[string]any:
		out := make([]Params, 0, len(t))
		for _, m := range t {
			out = append(out, Params(m))
		}
		return out, nil
	case []any:
		out := make([]Params, 0, len(t))
		for i, item := range t {
			switch m := item.(type) {
			case map[string]any:
				out = append(out, Params(m))
			case Params:
				out = append(out, m)
			case string:
				out = append(out, Params{"app": m})
			default:
				return nil, fmt.Errorf("parameter %q[%d]: unsupported type %T", key, i, item)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("parameter %q: expected a list, got %T", key, v)
	}
}
