package firn

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotInitialized is returned when a write phase runs before metadata
// has been declared.
var ErrNotInitialized = errors.New("write metadata not declared")

// ErrStaleBase is returned by commit when the branch moved past the
// session's base snapshot.
var ErrStaleBase = errors.New("branch head changed since session started")

// ConfigError indicates contradictory or invalid write options. It is
// always raised before any store mutation, so retrying after correcting
// the input is safe.
type ConfigError struct {
	Msg string
}

func configErrf(format string, args ...any) error {
	return &ConfigError{fmt.Sprintf(format, args...)}
}

func (e *ConfigError) Error() string {
	return e.Msg
}

// IsConfigError reports whether err is (or wraps) a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// TaskError reports a failed deferred write, carrying the target
// location so the caller can tell which chunk failed.
type TaskError struct {
	Path   string
	Coords ChunkCoords
	Err    error
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

func (e *TaskError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Path)
	if e.Coords != nil {
		buf.WriteByte('/')
		buf.WriteString(e.Coords.String())
	}
	buf.WriteString(": ")
	buf.WriteString(e.Err.Error())
	return buf.String()
}

// ConflictError indicates that two change-sets touched the same
// location where disjointness was assumed. This is a precondition
// violation upstream and is never retryable.
type ConflictError struct {
	Key string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting changes at %s", e.Key)
}
