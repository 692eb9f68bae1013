package storage

import (
	"context"
	"errors"
	"fmt"
)

// QuerySpec is the backend-facing description of a query.
type QuerySpec struct {
	Filters    []Filter
	Limit      int    // <= 0 means unlimited
	StartAfter string // document id; empty means from the start
}

// QueryRunner executes a QuerySpec against a collection.
type QueryRunner interface {
	RunQuery(ctx context.Context, spec QuerySpec) (DocumentStream, error)
}

// Query is an immutable query builder. Every method returns a new Query and
// leaves the receiver unchanged.
type Query struct {
	runner QueryRunner
	spec   QuerySpec
}

// NewQuery returns an empty query executed by r.
func NewQuery(r QueryRunner) Query {
	return Query{runner: r}
}

// Where adds a filter. Filters are combined with AND.
func (q Query) Where(field string, op Operator, value any) Query {
	filters := make([]Filter, len(q.spec.Filters), len(q.spec.Filters)+1)
	copy(filters, q.spec.Filters)
	q.spec.Filters = append(filters, Filter{Field: field, Op: op, Value: value})
	return q
}

// Limit caps the number of results. n <= 0 removes the cap.
func (q Query) Limit(n int) Query {
	q.spec.Limit = n
	return q
}

// StartAfter restricts results to documents strictly after doc in insertion
// order. A nil doc clears the restriction.
func (q Query) StartAfter(doc *Document) Query {
	if doc == nil {
		q.spec.StartAfter = ""
	} else {
		q.spec.StartAfter = doc.ID
	}
	return q
}

// Spec returns the query description.
func (q Query) Spec() QuerySpec {
	spec := q.spec
	spec.Filters = append([]Filter(nil), q.spec.Filters...)
	return spec
}

// Stream validates and executes the query. Results reflect the collection
// at call time.
func (q Query) Stream(ctx context.Context) (DocumentStream, error) {
	if q.runner == nil {
		return nil, errors.New("query has no collection")
	}
	for _, f := range q.spec.Filters {
		if f.Field == "" {
			return nil, errors.New("filter field must not be empty")
		}
		if f.Op != OpEqual {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedOperator, f.Op)
		}
	}
	return q.runner.RunQuery(ctx, q.Spec())
}
