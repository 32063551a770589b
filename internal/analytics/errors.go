package analytics

import "fmt"

// ConfigurationError reports an analytics setting outside its domain.
// It is returned before any aggregation starts and is never retried.
type ConfigurationError struct {
	// Field is the override key, e.g. "min_samples".
	Field string
	// Value is the rejected input as received.
	Value any
	// Reason describes the violated domain, e.g. "must be >= 1".
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s=%v: %s", e.Field, e.Value, e.Reason)
}

// ReasonUnknownSetting is the Reason of a ConfigurationError raised for a
// key that is not an override.
const ReasonUnknownSetting = "is not a known setting"

// InputSchemaError reports a required field that is absent or malformed in
// one of the supplied tables.
type InputSchemaError struct {
	Table  string
	Field  string
	Row    int
	Reason string
}

func (e *InputSchemaError) Error() string {
	return fmt.Sprintf("invalid %s row %d: field %s %s", e.Table, e.Row, e.Field, e.Reason)
}

func configErr(field string, value any, reason string) *ConfigurationError {
	return &ConfigurationError{Field: field, Value: value, Reason: reason}
}

func schemaErr(table string, row int, field, reason string) *InputSchemaError {
	return &InputSchemaError{Table: table, Row: row, Field: field, Reason: reason}
}
