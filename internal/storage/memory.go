package storage

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"

	"github.com/google/uuid"
)

// MemoryRepository keeps collections in process memory. It is intended for
// tests and single-node development; contents are lost on exit.
type MemoryRepository struct {
	mu          sync.RWMutex
	collections map[string]*memData
}

// memData is one collection: documents in insertion order plus an id index.
type memData struct {
	docs  []memDoc
	index map[string]int
}

// memDoc holds the encoded form for output and a decoded form for filtering.
// Neither is ever handed to callers.
type memDoc struct {
	id     string
	raw    []byte
	fields map[string]any
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{collections: make(map[string]*memData)}
}

func (m *MemoryRepository) Collection(name string) Collection {
	return &memoryCollection{repo: m, name: name}
}

func (m *MemoryRepository) Ping(ctx context.Context) error { return ctx.Err() }

func (m *MemoryRepository) Close() {}

type memoryCollection struct {
	repo *MemoryRepository
	name string
}

func (c *memoryCollection) Add(ctx context.Context, data map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	raw, err := encodeData(data)
	if err != nil {
		return "", err
	}
	fields, err := decodeData(raw)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()

	c.repo.mu.Lock()
	defer c.repo.mu.Unlock()
	d, ok := c.repo.collections[c.name]
	if !ok {
		d = &memData{index: make(map[string]int)}
		c.repo.collections[c.name] = d
	}
	d.index[id] = len(d.docs)
	d.docs = append(d.docs, memDoc{id: id, raw: raw, fields: fields})
	return id, nil
}

func (c *memoryCollection) Get(ctx context.Context, id string) (*Document, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	c.repo.mu.RLock()
	var raw []byte
	if d, ok := c.repo.collections[c.name]; ok {
		if pos, ok := d.index[id]; ok {
			raw = d.docs[pos].raw
		}
	}
	c.repo.mu.RUnlock()

	if raw == nil {
		return nil, false, nil
	}
	data, err := decodeData(raw)
	if err != nil {
		return nil, false, err
	}
	return &Document{ID: id, Data: data}, true, nil
}

func (c *memoryCollection) Query() Query {
	return NewQuery(c)
}

func (c *memoryCollection) RunQuery(ctx context.Context, spec QuerySpec) (DocumentStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	wants, err := encodeFilters(spec.Filters)
	if err != nil {
		return nil, err
	}

	// Snapshot matching documents under the read lock, decode after.
	var hits []memDoc
	c.repo.mu.RLock()
	if d, ok := c.repo.collections[c.name]; ok {
		start := 0
		if spec.StartAfter != "" {
			pos, ok := d.index[spec.StartAfter]
			if !ok {
				start = len(d.docs)
			} else {
				start = pos + 1
			}
		}
		for _, doc := range d.docs[start:] {
			if spec.Limit > 0 && len(hits) >= spec.Limit {
				break
			}
			if matches(doc.fields, spec.Filters, wants) {
				hits = append(hits, doc)
			}
		}
	}
	c.repo.mu.RUnlock()

	out := make([]*Document, 0, len(hits))
	for _, h := range hits {
		data, err := decodeData(h.raw)
		if err != nil {
			return nil, err
		}
		out = append(out, &Document{ID: h.id, Data: data})
	}
	return &sliceStream{docs: out}, nil
}

// encodeFilters renders filter values in their stored JSON form so that an
// int64 and the json.Number it was persisted as compare equal.
func encodeFilters(filters []Filter) ([][]byte, error) {
	wants := make([][]byte, len(filters))
	for i, f := range filters {
		b, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		wants[i] = b
	}
	return wants, nil
}

func matches(fields map[string]any, filters []Filter, wants [][]byte) bool {
	for i, f := range filters {
		v, ok := fields[f.Field]
		if !ok {
			return false
		}
		got, err := json.Marshal(v)
		if err != nil || !jsonEqual(got, wants[i]) {
			return false
		}
	}
	return true
}

// jsonEqual compares two encoded scalars. Numbers compare by exact value, so
// 1 and 1.0 are equal while neighbouring int64 values never are.
func jsonEqual(a, b []byte) bool {
	if string(a) == string(b) {
		return true
	}
	if len(a) == 0 || len(b) == 0 || a[0] == '"' || b[0] == '"' {
		return false
	}
	ra, okA := new(big.Rat).SetString(string(a))
	rb, okB := new(big.Rat).SetString(string(b))
	return okA && okB && ra.Cmp(rb) == 0
}
