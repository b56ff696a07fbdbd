// Package batch reports the per-object outcome of bulk index writes.
package batch

import (
	"fmt"

	"github.com/kailas-cloud/needle/internal/domain/model"
)

// Op is the index write a result reports on.
type Op string

// Index writes.
const (
	OpUpdate Op = "update"
	OpRemove Op = "remove"
)

// ItemStatus is the outcome of one object.
type ItemStatus string

// Status values.
const (
	StatusOK    ItemStatus = "ok"
	StatusError ItemStatus = "error"
)

// Result is the outcome of writing one object, addressed by its
// "app.model.pk" identifier.
type Result struct {
	op    Op
	id    string
	model model.Model
	pk    string
	err   error
}

// Done records a write that reached every routed alias.
func Done(op Op, id string) Result { return newResult(op, id, nil) }

// Failed records a write that at least one alias rejected.
func Failed(op Op, id string, err error) Result { return newResult(op, id, err) }

func newResult(op Op, id string, err error) Result {
	r := Result{op: op, id: id, err: err}
	// malformed identifiers keep a zero model; err already says why
	if m, pk, perr := model.ParseIdentifier(id); perr == nil {
		r.model, r.pk = m, pk
	}
	return r
}

// Op returns the write that was attempted.
func (r Result) Op() Op { return r.op }

// ID returns the document identifier.
func (r Result) ID() string { return r.id }

// Model returns the entity type parsed from the identifier.
func (r Result) Model() model.Model { return r.model }

// PK returns the primary key parsed from the identifier.
func (r Result) PK() string { return r.pk }

// Status reports ok or error.
func (r Result) Status() ItemStatus {
	if r.err != nil {
		return StatusError
	}
	return StatusOK
}

// Err returns the failure, if any.
func (r Result) Err() error { return r.err }

func (r Result) String() string {
	if r.err != nil {
		return fmt.Sprintf("%s %s: %v", r.op, r.id, r.err)
	}
	return fmt.Sprintf("%s %s: %s", r.op, r.id, StatusOK)
}

// Summarize returns nil when every write succeeded. Otherwise the error
// counts the failures and wraps the first one.
func Summarize(op Op, results []Result) error {
	failed := 0
	var first error
	for _, r := range results {
		if r.err == nil {
			continue
		}
		if first == nil {
			first = fmt.Errorf("%s: %w", r.id, r.err)
		}
		failed++
	}
	if first == nil {
		return nil
	}
	return fmt.Errorf("%s: %d of %d objects failed: %w", op, failed, len(results), first)
}
