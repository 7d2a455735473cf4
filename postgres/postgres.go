// Package postgres persists embeddings to the authoritative relational store
// and finds rows that still need one.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when the target row does not exist.
var ErrNotFound = errors.New("postgres: row not found")

// DB is the subset of *pgxpool.Pool used here.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Open connects a pool and verifies it with a ping.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// Table names the table and columns holding texts and their embeddings.
type Table struct {
	// Name may be schema qualified ("public.messages").
	Name string `mapstructure:"name"`
	// IDColumn defaults to "id".
	IDColumn string `mapstructure:"id_column"`
	// TextColumn defaults to "content".
	TextColumn string `mapstructure:"text_column"`
	// EmbeddingColumn defaults to "embedding". It must accept float4[] or a
	// pgvector column with an implicit cast.
	EmbeddingColumn string `mapstructure:"embedding_column"`
	// EmbeddedAtColumn defaults to "embedded_at".
	EmbeddedAtColumn string `mapstructure:"embedded_at_column"`
}

func (t Table) withDefaults() Table {
	if t.IDColumn == "" {
		t.IDColumn = "id"
	}
	if t.TextColumn == "" {
		t.TextColumn = "content"
	}
	if t.EmbeddingColumn == "" {
		t.EmbeddingColumn = "embedding"
	}
	if t.EmbeddedAtColumn == "" {
		t.EmbeddedAtColumn = "embedded_at"
	}
	return t
}

func ident(name string) string {
	if schema, table, ok := strings.Cut(name, "."); ok {
		return pgx.Identifier{schema, table}.Sanitize()
	}
	return pgx.Identifier{name}.Sanitize()
}

// Store writes embeddings to one table.
type Store struct {
	db         DB
	updateSQL  string
	pendingSQL string
}

// New creates a Store over db for table t.
func New(db DB, t Table) (*Store, error) {
	if t.Name == "" {
		return nil, errors.New("postgres: table name is required")
	}
	t = t.withDefaults()
	table := ident(t.Name)
	id, text := ident(t.IDColumn), ident(t.TextColumn)
	emb, at := ident(t.EmbeddingColumn), ident(t.EmbeddedAtColumn)

	return &Store{
		db: db,
		updateSQL: fmt.Sprintf(
			`UPDATE %s SET %s = $1, %s = now() WHERE %s::text = $2`,
			table, emb, at, id),
		pendingSQL: fmt.Sprintf(
			`SELECT %s::text, %s FROM %s WHERE %s IS NULL AND %s IS NOT NULL ORDER BY %s LIMIT $1`,
			id, text, table, emb, text, id),
	}, nil
}

// SaveEmbedding stores vector on the row with recordID.
func (s *Store) SaveEmbedding(ctx context.Context, recordID string, vector []float32) error {
	tag, err := s.db.Exec(ctx, s.updateSQL, vector, recordID)
	if err != nil {
		return fmt.Errorf("postgres: save embedding for %q: %w", recordID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, recordID)
	}
	return nil
}

// Row is a record whose embedding is missing.
type Row struct {
	ID   string
	Text string
}

// Pending returns up to limit rows without an embedding, in id order.
func (s *Store) Pending(ctx context.Context, limit int) ([]Row, error) {
	rows, err := s.db.Query(ctx, s.pendingSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: query pending rows: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (Row, error) {
		var row Row
		err := r.Scan(&row.ID, &row.Text)
		return row, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan pending rows: %w", err)
	}
	return out, nil
}
