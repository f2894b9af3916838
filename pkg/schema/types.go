// Package schema provides output-schema validation for extraction jobs. A
// job's schema is compiled once, registered under the job id, and reused for
// every item of that job; validation runs under a hard wall-clock timeout so
// a pathological payload can never hang a worker.
package schema

// PropertyType enumerates the value types a property may declare.
type PropertyType string

const (
	TypeString  PropertyType = "string"
	TypeNumber  PropertyType = "number"
	TypeBoolean PropertyType = "boolean"
	TypeArray   PropertyType = "array"
	TypeObject  PropertyType = "object"
	TypeAny     PropertyType = "any"
)

// ValidationRules are optional constraints applied to a property's value.
type ValidationRules struct {
	MinLength   *int     `json:"minLength,omitempty"`
	MaxLength   *int     `json:"maxLength,omitempty"`
	Pattern     string   `json:"pattern,omitempty"`
	Format      string   `json:"format,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Minimum     *float64 `json:"minimum,omitempty"`
	Maximum     *float64 `json:"maximum,omitempty"`
	MinItems    *int     `json:"minItems,omitempty"`
	MaxItems    *int     `json:"maxItems,omitempty"`
	UniqueItems bool     `json:"uniqueItems,omitempty"`
}

// Property describes one field of a schema.
type Property struct {
	Type       PropertyType         `json:"type"`
	Required   bool                 `json:"required,omitempty"`
	Properties map[string]*Property `json:"properties,omitempty"`
	Items      *Property            `json:"items,omitempty"`
	Validation *ValidationRules     `json:"validation,omitempty"`
}

// Schema is the declared shape of a job's extraction output.
type Schema struct {
	Name       string               `json:"name"`
	Type       PropertyType         `json:"type"`
	Properties map[string]*Property `json:"properties,omitempty"`
	Items      *Property            `json:"items,omitempty"`
}

// ValidationError describes one violation found during validation.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ValidationResult is the outcome of validating one candidate object.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors"`
}

// FormatValidator checks a string value against a named format.
type FormatValidator func(value string) bool
