package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig signals a bad connection entry or an inconsistent schema declaration.
	ErrConfig = errors.New("configuration error")
	// ErrField signals a field that could not be prepared or an unknown lookup.
	ErrField = errors.New("field error")
	// ErrSkipDocument is returned by a prepare hook to drop a document from an update.
	ErrSkipDocument = errors.New("skip document")
	// ErrSearch signals a backend transport failure or a malformed response.
	ErrSearch = errors.New("search error")
	// ErrMoreLikeThis signals a more-like-this request without a seed document.
	ErrMoreLikeThis = errors.New("more like this error")
	// ErrSpatial signals geometry that is not a point.
	ErrSpatial = errors.New("spatial error")
	// ErrNotFound signals a missing document or object.
	ErrNotFound = errors.New("not found")
	// ErrNotRegistered signals an entity type without a registered index.
	ErrNotRegistered = errors.New("model not registered")
	// ErrNegativeIndex signals a negative offset on a result set.
	ErrNegativeIndex = errors.New("negative indexing is not supported")
	// ErrIndexOutOfRange signals an offset past the end of a result set.
	ErrIndexOutOfRange = errors.New("index out of range")
	// ErrNotImplemented signals a feature the selected backend does not provide.
	ErrNotImplemented = errors.New("not implemented")
)

// SearchError wraps a backend failure with the connection and operation it came from.
type SearchError struct {
	Alias  string
	Engine string
	Op     string
	Err    error
}

func (e *SearchError) Error() string {
	return fmt.Sprintf("%s: %s %s: %s", ErrSearch.Error(), e.Engine, e.Op, e.Err.Error())
}

func (e *SearchError) Unwrap() error { return e.Err }

// Is reports ErrSearch for every SearchError.
func (e *SearchError) Is(target error) bool { return target == ErrSearch }

// NewSearchError creates a search error.
func NewSearchError(alias, engine, op string, err error) error {
	return &SearchError{Alias: alias, Engine: engine, Op: op, Err: err}
}

// FieldError wraps a failure to prepare or address a named field.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrField.Error(), e.Field, e.Err.Error())
}

func (e *FieldError) Unwrap() error { return e.Err }

// Is reports ErrField for every FieldError.
func (e *FieldError) Is(target error) bool { return target == ErrField }

// NewFieldError creates a field error.
func NewFieldError(field string, err error) error {
	return &FieldError{Field: field, Err: err}
}

// HTTPStatusError reports a non-success status returned by a search engine.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// IsStatus reports whether err carries the given engine status code.
func IsStatus(err error, code int) bool {
	var se *HTTPStatusError
	return errors.As(err, &se) && se.StatusCode == code
}
