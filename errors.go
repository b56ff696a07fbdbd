package needle

import "github.com/kailas-cloud/needle/internal/domain"

// Sentinel errors, matched with errors.Is.
var (
	ErrConfig          = domain.ErrConfig
	ErrField           = domain.ErrField
	ErrSkipDocument    = domain.ErrSkipDocument
	ErrSearch          = domain.ErrSearch
	ErrMoreLikeThis    = domain.ErrMoreLikeThis
	ErrSpatial         = domain.ErrSpatial
	ErrNotFound        = domain.ErrNotFound
	ErrNotRegistered   = domain.ErrNotRegistered
	ErrNegativeIndex   = domain.ErrNegativeIndex
	ErrIndexOutOfRange = domain.ErrIndexOutOfRange
	ErrNotImplemented  = domain.ErrNotImplemented
)

// SearchError carries the alias, engine and operation of a backend failure.
type SearchError = domain.SearchError

// FieldError names the field an error came from.
type FieldError = domain.FieldError
