package protocol

import "time"

// Surfaces that record call history.
const (
	SurfaceREST = "rest"
	SurfaceMCP  = "mcp"
)

type ToolInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Required    []string `json:"required,omitempty"`
	Properties  []string `json:"properties,omitempty"`
}

type PropertyDetail struct {
	Name        string   `json:"name"`
	Type        string   `json:"type,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Default     string   `json:"default,omitempty"`
	Description string   `json:"description,omitempty"`
	Required    bool     `json:"required"`
}

type ToolDetail struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Properties  []PropertyDetail `json:"properties,omitempty"`
}

type HistoryItem struct {
	At         time.Time              `json:"at"`
	Surface    string                 `json:"surface"`
	Operation  string                 `json:"operation"`
	Args       map[string]interface{} `json:"args,omitempty"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	DurationMs int64                  `json:"duration_ms"`
}

// FieldError names one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ErrorBody is the REST error envelope for requests rejected before any
// backend call.
type ErrorBody struct {
	Error  string       `json:"error"`
	Detail []FieldError `json:"detail,omitempty"`
}
