// Package store implements the Record Store Adapter (spec §4.5): the
// only abstraction the rest of kueue uses to read and conditionally
// mutate job documents. Callers never see a lock — every mutation is a
// single-document compare-and-swap keyed on the fields named in Query.
package store

import (
	"context"
	"errors"

	"github.com/kueuedb/kueue/pkg/types"
)

// ErrPrecondition is returned when a conditional update's Query no
// longer matches the stored document — another caller won the race.
// Per spec §7 this is never retried by the core; callers decide.
var ErrPrecondition = errors.New("store: precondition failed")

// ErrNotFound is returned by FindOne when no document matches the query,
// and by Remove when the id is unknown. FindAndModify reports a missing
// match as ErrPrecondition instead.
var ErrNotFound = errors.New("store: not found")

// Query selects documents. A zero value matches every document; narrow it
// with ByID and the With* helpers. Only the fields actually set are applied, so Query
// doubles as both a read filter and a CAS precondition.
type Query struct {
	ID     types.JobID
	IDs    []types.JobID
	Type   string
	Types  []string
	Status types.Status
	RunID  types.RunID

	hasID     bool
	hasStatus bool
	hasRunID  bool
}

func ByID(id types.JobID) Query { return Query{ID: id, hasID: true} }

func (q Query) WithStatus(s types.Status) Query {
	q.Status = s
	q.hasStatus = true
	return q
}

func (q Query) WithRunID(r types.RunID) Query {
	q.RunID = r
	q.hasRunID = true
	return q
}

// Match reports whether a document satisfies the query's constraints.
func (q Query) Match(j *types.Job) bool {
	if q.hasID && j.ID != q.ID {
		return false
	}
	if len(q.IDs) > 0 && !containsID(q.IDs, j.ID) {
		return false
	}
	if q.Type != "" && j.Type != q.Type {
		return false
	}
	if len(q.Types) > 0 && !containsString(q.Types, j.Type) {
		return false
	}
	if q.hasStatus && j.Status != q.Status {
		return false
	}
	if q.hasRunID && j.RunID != q.RunID {
		return false
	}
	return true
}

func containsID(ids []types.JobID, id types.JobID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func containsString(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// Mutation is applied to a document that already satisfies a Query. It
// receives a clone of the stored document and returns the value to
// persist; returning an error aborts the mutation without writing
// anything (used by the state machine to reject illegal transitions
// discovered only once the real document is in hand).
type Mutation func(current *types.Job) (*types.Job, error)

// Store is the Record Store Adapter interface. Every method here may
// suspend on I/O; the only atomicity guarantee is per-document.
type Store interface {
	// FindOne returns the first document matching q, or ErrNotFound.
	FindOne(ctx context.Context, q Query) (*types.Job, error)

	// Find returns every document matching q, in unspecified order.
	Find(ctx context.Context, q Query) ([]*types.Job, error)

	// Insert assigns the document an ID if it has none and persists it.
	Insert(ctx context.Context, job *types.Job) (types.JobID, error)

	// Update applies mutate to every document matching q and persists
	// the results. It returns the count of documents actually changed.
	// If multi is false, at most one document is updated.
	Update(ctx context.Context, q Query, mutate Mutation, multi bool) (int, error)

	// FindAndModify atomically mutates at most one document matching q
	// and returns the document as it was *before* mutation. It returns
	// ErrPrecondition if no live document currently satisfies q (either
	// none exists, or one exists but lost the race to another caller).
	FindAndModify(ctx context.Context, q Query, mutate Mutation) (*types.Job, error)

	// Remove deletes a document outright. Not part of the normal job
	// lifecycle; used by administrative cleanup.
	Remove(ctx context.Context, id types.JobID) error
}
