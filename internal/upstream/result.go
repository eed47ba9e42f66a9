package upstream

import (
	"encoding/json"
)

// ErrAuthRequired is the message returned when no bearer token can be resolved.
const ErrAuthRequired = "Authentication required."

// Result is the normalized outcome of one backend call: either a decoded JSON
// value or an error message, never both.
type Result struct {
	Value any
	Err   string
}

// Success wraps a decoded backend value.
func Success(v any) Result { return Result{Value: v} }

// Failure wraps an error message.
func Failure(msg string) Result { return Result{Err: msg} }

func (r Result) OK() bool { return r.Err == "" }

// MarshalJSON renders failures as {"error": msg} and successes as the value itself.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Err != "" {
		return json.Marshal(map[string]string{"error": r.Err})
	}
	return json.Marshal(r.Value)
}

func noContent() Result {
	return Success(map[string]any{"success": true})
}
