package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// SQL stores every collection in one documents table with a JSON body.
type SQL struct {
	db      *sql.DB
	dialect Dialect
}

var _ Store = (*SQL)(nil)

// Open connects to dsn with the given dialect and creates the documents table.
func Open(ctx context.Context, dialect Dialect, dsn string) (*SQL, error) {
	var driver string
	switch dialect {
	case Postgres:
		driver = "postgres"
	case SQLite:
		driver = "sqlite"
	default:
		return nil, fmt.Errorf("unsupported docstore dialect %q", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == SQLite {
		// sqlite allows a single writer; serialize through one connection
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQL{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQL) migrate(ctx context.Context) error {
	dataType := "TEXT"
	if s.dialect == Postgres {
		dataType = "JSONB"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			data ` + dataType + ` NOT NULL,
			revision BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (collection, id)
		)`,
		`CREATE INDEX IF NOT EXISTS documents_collection_idx ON documents (collection)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate documents table: %w", err)
		}
	}
	return nil
}

func (s *SQL) Close() error {
	return s.db.Close()
}

// rebind turns ? placeholders into $n for Postgres.
func (s *SQL) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQL) Get(ctx context.Context, collection, id string) (*Document, error) {
	query := s.rebind(`SELECT data, revision, updated_at FROM documents WHERE collection = ? AND id = ?`)
	return s.scanOne(s.db.QueryRowContext(ctx, query, collection, id), id, "get")
}

func (s *SQL) scanOne(row *sql.Row, id, op string) (*Document, error) {
	var (
		raw      []byte
		rev      int64
		updateNs int64
	)
	err := row.Scan(&raw, &rev, &updateNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	data, err := decodeMap(raw)
	if err != nil {
		return nil, err
	}
	return &Document{ID: id, Data: data, Revision: rev, UpdatedAt: time.Unix(0, updateNs).UTC()}, nil
}

func (s *SQL) Set(ctx context.Context, collection, id string, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	query := s.rebind(`
		INSERT INTO documents (collection, id, data, revision, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (collection, id) DO UPDATE
		SET data = excluded.data, revision = documents.revision + 1, updated_at = excluded.updated_at
	`)
	if _, err := s.db.ExecContext(ctx, query, collection, id, string(raw), time.Now().UnixNano()); err != nil {
		return &TransportError{Op: "set", Err: err}
	}
	return nil
}

func (s *SQL) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &TransportError{Op: "update", Err: err}
	}
	defer tx.Rollback()

	selectQuery := `SELECT data, revision, updated_at FROM documents WHERE collection = ? AND id = ?`
	if s.dialect == Postgres {
		selectQuery += ` FOR UPDATE`
	}
	doc, err := s.scanOne(tx.QueryRowContext(ctx, s.rebind(selectQuery), collection, id), id, "update")
	if err != nil {
		return err
	}
	if err := applyFields(doc.Data, fields); err != nil {
		return err
	}
	raw, err := json.Marshal(doc.Data)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	updateQuery := s.rebind(`UPDATE documents SET data = ?, revision = revision + 1, updated_at = ? WHERE collection = ? AND id = ?`)
	if _, err := tx.ExecContext(ctx, updateQuery, string(raw), time.Now().UnixNano(), collection, id); err != nil {
		return &TransportError{Op: "update", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &TransportError{Op: "update", Err: err}
	}
	return nil
}

func (s *SQL) Delete(ctx context.Context, collection, id string) error {
	query := s.rebind(`DELETE FROM documents WHERE collection = ? AND id = ?`)
	if _, err := s.db.ExecContext(ctx, query, collection, id); err != nil {
		return &TransportError{Op: "delete", Err: err}
	}
	return nil
}

func (s *SQL) Query(ctx context.Context, collection, field string, value any) ([]*Document, error) {
	var (
		query string
		args  []any
	)
	switch s.dialect {
	case Postgres:
		query = `SELECT id, data, revision, updated_at FROM documents WHERE collection = $1 AND data #>> $2 = $3`
		args = []any{collection, pq.Array(strings.Split(field, ".")), fmt.Sprint(value)}
	default:
		query = `SELECT id, data, revision, updated_at FROM documents WHERE collection = ? AND CAST(json_extract(data, ?) AS TEXT) = ?`
		args = []any{collection, "$." + field, fmt.Sprint(value)}
	}
	return s.scanMany(ctx, "query", query, args...)
}

func (s *SQL) List(ctx context.Context, collection string) ([]*Document, error) {
	query := s.rebind(`SELECT id, data, revision, updated_at FROM documents WHERE collection = ?`)
	return s.scanMany(ctx, "list", query, collection)
}

func (s *SQL) scanMany(ctx context.Context, op, query string, args ...any) ([]*Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		var (
			id       string
			raw      []byte
			rev      int64
			updateNs int64
		)
		if err := rows.Scan(&id, &raw, &rev, &updateNs); err != nil {
			return nil, &TransportError{Op: op, Err: err}
		}
		data, err := decodeMap(raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, &Document{ID: id, Data: data, Revision: rev, UpdatedAt: time.Unix(0, updateNs).UTC()})
	}
	if err := rows.Err(); err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	return docs, nil
}

func (s *SQL) CompareAndSet(ctx context.Context, collection, id string, data map[string]any, expected int64) (int64, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("failed to encode document: %w", err)
	}
	now := time.Now().UnixNano()

	var res sql.Result
	if expected == 0 {
		query := s.rebind(`
			INSERT INTO documents (collection, id, data, revision, updated_at)
			VALUES (?, ?, ?, 1, ?)
			ON CONFLICT (collection, id) DO NOTHING
		`)
		res, err = s.db.ExecContext(ctx, query, collection, id, string(raw), now)
	} else {
		query := s.rebind(`
			UPDATE documents SET data = ?, revision = revision + 1, updated_at = ?
			WHERE collection = ? AND id = ? AND revision = ?
		`)
		res, err = s.db.ExecContext(ctx, query, string(raw), now, collection, id, expected)
	}
	if err != nil {
		return 0, &TransportError{Op: "compare_and_set", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &TransportError{Op: "compare_and_set", Err: err}
	}
	if n == 0 {
		current, err := s.Get(ctx, collection, id)
		if errors.Is(err, ErrNotFound) {
			return 0, ErrRevisionMismatch
		}
		if err != nil {
			return 0, err
		}
		return current.Revision, ErrRevisionMismatch
	}
	return expected + 1, nil
}
