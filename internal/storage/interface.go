package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnsupportedOperator is returned when a query uses an operator other
// than equality.
var ErrUnsupportedOperator = errors.New("unsupported filter operator")

// Operator is a filter comparison operator.
type Operator string

// OpEqual is the only supported operator.
const OpEqual Operator = "=="

// Filter narrows a query to documents whose Field compares to Value.
type Filter struct {
	Field string
	Op    Operator
	Value any
}

// Repository is a store of named document collections. Implementations must
// give Add and Stream snapshot-consistent views under concurrent use.
type Repository interface {
	Collection(name string) Collection
	Ping(ctx context.Context) error
	Close()
}

// Collection is an append-only, insertion-ordered set of documents.
type Collection interface {
	// Add stores data and returns the id assigned to it.
	Add(ctx context.Context, data map[string]any) (string, error)
	// Get looks up a document by id. A miss is reported as found=false with
	// a nil error.
	Get(ctx context.Context, id string) (doc *Document, found bool, err error)
	// Query starts a query over the collection.
	Query() Query
}

// DocumentStream is a one-shot iterator over query results.
type DocumentStream interface {
	Next() bool
	Document() *Document
	Err() error
	Close()
}

// Document is a stored record with its assigned id. Numbers in Data are
// json.Number values.
type Document struct {
	ID   string
	Data map[string]any
}

// DataTo decodes the document data into v, which should be a pointer to a
// struct with json tags.
func (d *Document) DataTo(v any) error {
	raw, err := json.Marshal(d.Data)
	if err != nil {
		return fmt.Errorf("encoding document %s: %w", d.ID, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding document %s: %w", d.ID, err)
	}
	return nil
}

// ToData converts a struct with json tags into document data.
func ToData(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	return decodeData(raw)
}

// Collect drains s into a slice and closes it.
func Collect(s DocumentStream) ([]*Document, error) {
	defer s.Close()
	var docs []*Document
	for s.Next() {
		docs = append(docs, s.Document())
	}
	return docs, s.Err()
}

// encodeData is the persisted form shared by every backend.
func encodeData(data map[string]any) ([]byte, error) {
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	return raw, nil
}

func decodeData(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	return data, nil
}

// sliceStream streams documents that were already materialized.
type sliceStream struct {
	docs []*Document
	pos  int
	err  error
}

func (s *sliceStream) Next() bool {
	if s.err != nil || s.pos >= len(s.docs) {
		return false
	}
	s.pos++
	return true
}

func (s *sliceStream) Document() *Document {
	if s.pos == 0 || s.pos > len(s.docs) {
		return nil
	}
	return s.docs[s.pos-1]
}

func (s *sliceStream) Err() error { return s.err }

func (s *sliceStream) Close() { s.pos = len(s.docs) }
