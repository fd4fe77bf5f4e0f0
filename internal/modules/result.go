package modules

import (
	"encoding/json"
	"maps"
)

const (
	FieldInputError = "input_error"
	FieldCancelled  = "cancelled"
)

// Result is the open module result: Module and Success are always present,
// everything else is action-specific and lives in Fields.
type Result struct {
	Module  string
	Success bool
	Error   string
	Warning string
	Fields  map[string]any
}

// NewResult starts an empty result for module.
func NewResult(module string) Result {
	return Result{Module: module, Fields: map[string]any{}}
}

// Failure is a result carrying only an error.
func Failure(module, msg string) Result {
	r := NewResult(module)
	r.Error = msg
	return r
}

// InputFailure marks a result produced before any device was touched.
func InputFailure(module, msg string) Result {
	r := Failure(module, msg)
	r.Fields[FieldInputError] = true
	return r
}

// Cancelled marks a result cut short by cancellation.
func Cancelled(module string) Result {
	r := Failure(module, "cancelled")
	r.Fields[FieldCancelled] = true
	return r
}

// Set stores a field and returns r for chaining.
func (r *Result) Set(key string, value any) *Result {
	if r.Fields == nil {
		r.Fields = map[string]any{}
	}
	r.Fields[key] = value
	return r
}

func (r Result) Get(key string) any {
	return r.Fields[key]
}

func (r Result) IsInputError() bool {
	v, _ := r.Fields[FieldInputError].(bool)
	return v
}

func (r Result) IsCancelled() bool {
	v, _ := r.Fields[FieldCancelled].(bool)
	return v
}

// Warn appends to the warning text.
func (r *Result) Warn(msg string) {
	if r.Warning == "" {
		r.Warning = msg
		return
	}
	r.Warning += "; " + msg
}

// Clone copies r with its top-level field map.
func (r Result) Clone() Result {
	out := r
	out.Fields = maps.Clone(r.Fields)
	return out
}

// MarshalJSON flattens Fields next to module/success/error/warning.
func (r Result) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(r.Fields)+4)
	for k, v := range r.Fields {
		flat[k] = v
	}
	flat["module"] = r.Module
	flat["success"] = r.Success
	if r.Error != "" {
		flat["error"] = r.Error
	}
	if r.Warning != "" {
		flat["warning"] = r.Warning
	}
	return json.Marshal(flat)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (r *Result) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	out := Result{Fields: map[string]any{}}
	for k, v := range flat {
		switch k {
		case "module":
			out.Module, _ = v.(string)
		case "success":
			out.Success, _ = v.(bool)
		case "error":
			out.Error, _ = v.(string)
		case "warning":
			out.Warning, _ = v.(string)
		default:
			out.Fields[k] = v
		}
	}
	*r = out
	return nil
}
