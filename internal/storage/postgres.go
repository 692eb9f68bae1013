package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository stores every collection in a single JSONB table.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository opens a pgxpool connection and returns a ready
// repository. Migrations are not applied; see RunMigrations.
func NewPostgresRepository(ctx context.Context, connStr string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresRepository{pool: pool}, nil
}

func (p *PostgresRepository) Collection(name string) Collection {
	return &pgCollection{pool: p.pool, name: name}
}

func (p *PostgresRepository) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresRepository) Close() {
	p.pool.Close()
}

type pgCollection struct {
	pool *pgxpool.Pool
	name string
}

func (c *pgCollection) Add(ctx context.Context, data map[string]any) (string, error) {
	raw, err := encodeData(data)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err = c.pool.Exec(ctx,
		`INSERT INTO documents (id, collection, data) VALUES ($1, $2, $3::jsonb)`,
		id, c.name, raw,
	)
	if err != nil {
		return "", fmt.Errorf("inserting into %s: %w", c.name, err)
	}
	return id, nil
}

func (c *pgCollection) Get(ctx context.Context, id string) (*Document, bool, error) {
	// Ids are always UUIDs; anything else cannot exist.
	if _, err := uuid.Parse(id); err != nil {
		return nil, false, nil
	}
	var raw []byte
	err := c.pool.QueryRow(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND id = $2`,
		c.name, id,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reading %s/%s: %w", c.name, id, err)
	}
	data, err := decodeData(raw)
	if err != nil {
		return nil, false, err
	}
	return &Document{ID: id, Data: data}, true, nil
}

func (c *pgCollection) Query() Query {
	return NewQuery(c)
}

func (c *pgCollection) RunQuery(ctx context.Context, spec QuerySpec) (DocumentStream, error) {
	if spec.StartAfter != "" {
		if _, err := uuid.Parse(spec.StartAfter); err != nil {
			return &sliceStream{}, nil
		}
	}
	sql, args, err := buildQuery(c.name, spec)
	if err != nil {
		return nil, err
	}
	rows, err := c.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", c.name, err)
	}
	return &rowStream{rows: rows}, nil
}

// buildQuery renders spec as SQL. Each equality filter becomes a JSONB
// containment test so the GIN index on data can serve it.
func buildQuery(collection string, spec QuerySpec) (string, []any, error) {
	var sb strings.Builder
	args := []any{collection}
	sb.WriteString(`SELECT id::text, data FROM documents WHERE collection = $1`)

	for _, f := range spec.Filters {
		b, err := json.Marshal(map[string]any{f.Field: f.Value})
		if err != nil {
			return "", nil, fmt.Errorf("encoding filter on %s: %w", f.Field, err)
		}
		args = append(args, string(b))
		fmt.Fprintf(&sb, ` AND data @> $%d::jsonb`, len(args))
	}
	if spec.StartAfter != "" {
		// An unknown id yields NULL, and seq > NULL matches nothing.
		args = append(args, spec.StartAfter)
		fmt.Fprintf(&sb, ` AND seq > (SELECT seq FROM documents WHERE collection = $1 AND id = $%d)`, len(args))
	}
	sb.WriteString(` ORDER BY seq`)
	if spec.Limit > 0 {
		args = append(args, spec.Limit)
		fmt.Fprintf(&sb, ` LIMIT $%d`, len(args))
	}
	return sb.String(), args, nil
}

type rowStream struct {
	rows pgx.Rows
	cur  *Document
	err  error
}

func (s *rowStream) Next() bool {
	if s.err != nil {
		return false
	}
	if !s.rows.Next() {
		s.err = s.rows.Err()
		s.cur = nil
		return false
	}
	var (
		id  string
		raw []byte
	)
	if err := s.rows.Scan(&id, &raw); err != nil {
		s.err = fmt.Errorf("scanning document: %w", err)
		s.rows.Close()
		return false
	}
	data, err := decodeData(raw)
	if err != nil {
		s.err = err
		s.rows.Close()
		return false
	}
	s.cur = &Document{ID: id, Data: data}
	return true
}

func (s *rowStream) Document() *Document { return s.cur }

func (s *rowStream) Err() error { return s.err }

func (s *rowStream) Close() { s.rows.Close() }
