package cache

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a cache after Close.
	ErrClosed = errors.New("cache: cache is closed")
	// ErrNoExecutor is returned by Resolve when the cache was built without
	// an executor (administrative caches opened only for stats and
	// invalidation).
	ErrNoExecutor = errors.New("cache: no executor configured")
)

// ParameterArityError reports a mismatch between the number of positional
// placeholders in a query template and the number of bound parameters. The
// query is never executed with a truncated or padded parameter list.
type ParameterArityError struct {
	Query        string
	Placeholders int
	Params       int
}

func (e *ParameterArityError) Error() string {
	return fmt.Sprintf("cache: query expects %d parameters, got %d", e.Placeholders, e.Params)
}

// ParameterTypeError reports a parameter whose value does not match its
// declared type.
type ParameterTypeError struct {
	Index    int
	Declared ParamType
	Value    any
}

func (e *ParameterTypeError) Error() string {
	return fmt.Sprintf("cache: parameter %d: cannot bind %T as %s", e.Index, e.Value, e.Declared)
}

// QueryExecutionError wraps a failure from the underlying query execution.
// The cache stores nothing when execution fails; the error reaches the
// caller as it would without a cache in front.
type QueryExecutionError struct {
	Query string
	Err   error
}

func (e *QueryExecutionError) Error() string {
	return fmt.Sprintf("cache: query execution failed: %v", e.Err)
}

func (e *QueryExecutionError) Unwrap() error {
	return e.Err
}

// SerializationError wraps a failure to encode a query result for storage
// or decode a stored payload back into the caller's type.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("cache: result serialization failed: %v", e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}
