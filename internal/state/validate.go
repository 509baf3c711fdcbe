package state

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ambulink/ambulink/internal/core"
)

// ValidationError is returned when a value has the wrong shape for its slice
type ValidationError struct {
	Slice  core.SliceName
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", core.ErrValidation, e.Slice, e.Reason)
}

// Unwrap returns core.ErrValidation
func (e *ValidationError) Unwrap() error { return core.ErrValidation }

// Validator checks a candidate slice value
type Validator func(value json.RawMessage) error

var validators = map[core.SliceName]Validator{
	core.SliceTrips:        requireArray,
	core.SliceLeads:        requireArray,
	core.SliceAlerts:       requireArray,
	core.SliceReports:      requireArray,
	core.SliceAmbulances:   requireArray,
	core.SliceFinancials:   requireArray,
	core.SliceCustomGraphs: requireArray,
	core.SliceSettings:     requireObject,
}

func requireArray(value json.RawMessage) error {
	if leading(value) != '[' {
		return fmt.Errorf("want an array, got %s", kind(value))
	}
	return nil
}

func requireObject(value json.RawMessage) error {
	if leading(value) != '{' {
		return fmt.Errorf("want an object, got %s", kind(value))
	}
	return nil
}

func leading(value json.RawMessage) byte {
	trimmed := bytes.TrimLeft(value, " \t\r\n")
	if len(trimmed) == 0 {
		return 0
	}
	return trimmed[0]
}

func kind(value json.RawMessage) string {
	switch c := leading(value); {
	case c == '[':
		return "array"
	case c == '{':
		return "object"
	case c == '"':
		return "string"
	case c == 't' || c == 'f':
		return "boolean"
	case c == 'n':
		return "null"
	case c == 0:
		return "nothing"
	default:
		return "number"
	}
}

// validate checks value against the slice's table entry
func validate(slice core.SliceName, value json.RawMessage) error {
	v, ok := validators[slice]
	if !ok {
		return fmt.Errorf("%w: %q", core.ErrUnknownSlice, slice)
	}
	if err := v(value); err != nil {
		return &ValidationError{Slice: slice, Reason: err.Error()}
	}
	return nil
}

// encode converts a caller value into compact JSON
func encode(value any) (json.RawMessage, error) {
	var data []byte
	switch v := value.(type) {
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	default:
		b, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrSerialization, err)
		}
		return b, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrSerialization, err)
	}
	return buf.Bytes(), nil
}

// Validate checks value against the validator registered for slice
func Validate(slice core.SliceName, value json.RawMessage) error {
	return validate(slice, value)
}

// Encode converts a caller value into compact JSON, failing with
// core.ErrSerialization
func Encode(value any) (json.RawMessage, error) {
	return encode(value)
}
