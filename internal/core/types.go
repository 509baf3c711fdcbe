// Package core defines the fundamental types for Ambulink.
// Slices are the unit of validation, persistence and change notification.
package core

import (
	"encoding/json"
	"fmt"
)

// -----------------------------------------------------------------------------
// SLICES - named, independently persisted units of console state
// -----------------------------------------------------------------------------

// SliceName is a type-safe identifier for state slices
type SliceName string

// The fixed slice enumeration. Writing any other name fails.
const (
	SliceTrips        SliceName = "trips"
	SliceLeads        SliceName = "leads"
	SliceAlerts       SliceName = "alerts"
	SliceReports      SliceName = "reports"
	SliceAmbulances   SliceName = "ambulances"
	SliceFinancials   SliceName = "financials"
	SliceCustomGraphs SliceName = "customGraphs"
	SliceSettings     SliceName = "settings"
)

// Reserved in-memory keys. They are never persisted or mirrored.
const (
	KeyCurrentUser  = "currentUser"
	KeySystemStatus = "systemStatus"
)

// Durable keys that are not slices.
const (
	KeyInitialized = "initialized"
)

// SliceShape describes the JSON shape a slice must hold
type SliceShape int

const (
	ShapeCollection SliceShape = iota // ordered sequence
	ShapeObject                       // structured object
)

func (s SliceShape) String() string {
	switch s {
	case ShapeCollection:
		return "array"
	case ShapeObject:
		return "object"
	default:
		return "unknown"
	}
}

var sliceShapes = map[SliceName]SliceShape{
	SliceTrips:        ShapeCollection,
	SliceLeads:        ShapeCollection,
	SliceAlerts:       ShapeCollection,
	SliceReports:      ShapeCollection,
	SliceAmbulances:   ShapeCollection,
	SliceFinancials:   ShapeCollection,
	SliceCustomGraphs: ShapeCollection,
	SliceSettings:     ShapeObject,
}

// AllSlices returns every slice in a stable order
func AllSlices() []SliceName {
	return []SliceName{
		SliceTrips,
		SliceLeads,
		SliceAlerts,
		SliceReports,
		SliceAmbulances,
		SliceFinancials,
		SliceCustomGraphs,
		SliceSettings,
	}
}

// ParseSlice converts a key into a known slice name
func ParseSlice(key string) (SliceName, error) {
	name := SliceName(key)
	if _, ok := sliceShapes[name]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSlice, key)
	}
	return name, nil
}

// Known reports whether the slice belongs to the enumeration
func (s SliceName) Known() bool {
	_, ok := sliceShapes[s]
	return ok
}

// Shape returns the required JSON shape of the slice
func (s SliceName) Shape() SliceShape {
	return sliceShapes[s]
}

// IsCollection reports whether the slice holds an ordered sequence
func (s SliceName) IsCollection() bool {
	shape, ok := sliceShapes[s]
	return ok && shape == ShapeCollection
}

func (s SliceName) String() string { return string(s) }

// IsReservedKey reports whether key is held in memory only
func IsReservedKey(key string) bool {
	return key == KeyCurrentUser || key == KeySystemStatus
}

// -----------------------------------------------------------------------------
// DEFAULTS
// -----------------------------------------------------------------------------

// DefaultValue returns the initialized value of a slice
func DefaultValue(slice SliceName) json.RawMessage {
	switch slice {
	case SliceSettings:
		return mustJSON(DefaultSettings())
	case SliceAmbulances:
		return mustJSON(DefaultFleet())
	default:
		if slice.IsCollection() {
			return json.RawMessage("[]")
		}
		return nil
	}
}

// DefaultValues returns the seed written on first initialization
func DefaultValues() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(sliceShapes)+1)
	for _, slice := range AllSlices() {
		out[string(slice)] = DefaultValue(slice)
	}
	out[KeyInitialized] = json.RawMessage("true")
	return out
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("core: marshal default: %v", err))
	}
	return data
}

// -----------------------------------------------------------------------------
// USER
// -----------------------------------------------------------------------------

// User is the operator signed into the console. Held in memory only.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Role  string `json:"role,omitempty"`
	Email string `json:"email,omitempty"`
}
