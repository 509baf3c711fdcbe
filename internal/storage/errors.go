package storage

import (
	"fmt"

	"github.com/ambulink/ambulink/internal/core"
)

// Error describes a failed durable store operation. Kind is one of the
// core sentinels (ErrSerialization, ErrQuotaExceeded, ErrCorruptData) or nil
// for driver failures; Err is the underlying cause.
type Error struct {
	Op   string
	Key  string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Kind != nil && e.Err != nil:
		return fmt.Sprintf("storage %s %q: %v: %v", e.Op, e.Key, e.Kind, e.Err)
	case e.Kind != nil:
		return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Kind)
	default:
		return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
	}
}

// Unwrap exposes both the sentinel kind and the cause to errors.Is/As
func (e *Error) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func serializationError(op, key string, err error) *Error {
	return &Error{Op: op, Key: key, Kind: core.ErrSerialization, Err: err}
}

func quotaError(key string, used, limit int64) *Error {
	return &Error{
		Op:   "save",
		Key:  key,
		Kind: core.ErrQuotaExceeded,
		Err:  fmt.Errorf("%d bytes would exceed quota of %d", used, limit),
	}
}

func corruptError(key string, err error) *Error {
	return &Error{Op: "get", Key: key, Kind: core.ErrCorruptData, Err: err}
}
