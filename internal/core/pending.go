package core

import (
	"encoding/json"
	"time"
)

// WriteOp is the kind of a queued write
type WriteOp string

const (
	OpReplace WriteOp = "replace" // replace the whole slice
	OpAppend  WriteOp = "append"  // append one item to a collection slice
)

// PendingWrite is a slice write captured while offline
type PendingWrite struct {
	ID         string          `json:"id"`
	Slice      SliceName       `json:"slice"`
	Op         WriteOp         `json:"op"`
	Value      json.RawMessage `json:"value"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Clock      *Clock          `json:"clock,omitempty"` // replace writes; nil for legacy entries
}

// SystemStatus is the memory-only connectivity summary
type SystemStatus struct {
	Online         bool       `json:"online"`
	LastSync       *time.Time `json:"lastSync"`
	PendingUpdates int        `json:"pendingUpdates"`
}
