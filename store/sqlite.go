package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// OpenDB opens the per-identity SQLite database at path and runs migrations.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Row is the persisted shape of a record: the primary key, the merge
// timestamp, any declared plaintext columns, and an opaque body holding the
// remaining fields (plain JSON or ciphertext, depending on the layer above).
type Row struct {
	ID        string
	UpdatedAt string
	Body      string
	Plain     map[string]string
}

// SQLStore is the plain row-level SQLite layer. It knows nothing about
// encryption; the CryptoStore decorator decides what goes into each body.
type SQLStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serialize writes to avoid SQLite lock contention
}

// NewSQLStore wraps an open database.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// DB exposes the underlying handle for operational queries.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (c *Collection) columns() []string {
	cols := []string{"id", "updated_at"}
	for _, pf := range c.PlainFields {
		cols = append(cols, pf.Column)
	}
	return append(cols, "body")
}

// PutRow inserts or replaces a row.
func (s *SQLStore) PutRow(ctx context.Context, c *Collection, row Row) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.putRow(ctx, s.db, c, row)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) putRow(ctx context.Context, ex execer, c *Collection, row Row) error {
	cols := c.columns()
	args := []any{row.ID, row.UpdatedAt}
	for _, pf := range c.PlainFields {
		args = append(args, row.Plain[pf.Column])
	}
	args = append(args, row.Body)

	query := fmt.Sprintf(`INSERT OR REPLACE INTO "%s" (%s) VALUES (%s)`,
		c.Table, strings.Join(cols, ", "), placeholders(len(cols)))
	if _, err := ex.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to put row %s.%s: %w", c.Table, row.ID, err)
	}
	return nil
}

// GetRow returns the row with the given id, or ErrNotFound.
func (s *SQLStore) GetRow(ctx context.Context, c *Collection, id string) (Row, error) {
	query := fmt.Sprintf(`SELECT %s FROM "%s" WHERE id = ?`,
		strings.Join(c.columns(), ", "), c.Table)
	row, err := scanRow(c, s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, ErrNotFound
	}
	if err != nil {
		return Row{}, fmt.Errorf("failed to get row %s.%s: %w", c.Table, id, err)
	}
	return row, nil
}

// ListRows returns rows of a collection. With a non-empty whereColumn, only
// rows whose column equals value are returned.
func (s *SQLStore) ListRows(ctx context.Context, c *Collection, whereColumn, value string) ([]Row, error) {
	query := fmt.Sprintf(`SELECT %s FROM "%s"`, strings.Join(c.columns(), ", "), c.Table)
	var args []any
	if whereColumn != "" {
		query += fmt.Sprintf(` WHERE "%s" = ?`, whereColumn)
		args = append(args, value)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rows of %s: %w", c.Table, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		row, err := scanRow(c, rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row of %s: %w", c.Table, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows of %s: %w", c.Table, err)
	}
	return out, nil
}

// DeleteRow removes the row with the given id. Missing rows are a no-op.
func (s *SQLStore) DeleteRow(ctx context.Context, c *Collection, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	query := fmt.Sprintf(`DELETE FROM "%s" WHERE id = ?`, c.Table)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete row %s.%s: %w", c.Table, id, err)
	}
	return nil
}

// DeleteRowsWhere removes all rows whose column equals value.
func (s *SQLStore) DeleteRowsWhere(ctx context.Context, c *Collection, column, value string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	query := fmt.Sprintf(`DELETE FROM "%s" WHERE "%s" = ?`, c.Table, column)
	if _, err := s.db.ExecContext(ctx, query, value); err != nil {
		return fmt.Errorf("failed to delete rows of %s by %s: %w", c.Table, column, err)
	}
	return nil
}

// ReplaceAllRows atomically replaces the entire collection contents.
func (s *SQLStore) ReplaceAllRows(ctx context.Context, c *Collection, rows []Row) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s"`, c.Table)); err != nil {
		return fmt.Errorf("failed to clear %s: %w", c.Table, err)
	}
	for _, row := range rows {
		if err := s.putRow(ctx, tx, c, row); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetMeta returns the value stored under key, or ErrNotFound.
func (s *SQLStore) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get meta %s: %w", key, err)
	}
	return value, nil
}

// SetMeta stores value under key.
func (s *SQLStore) SetMeta(ctx context.Context, key, value string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sync_meta (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set meta %s: %w", key, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(c *Collection, sc rowScanner) (Row, error) {
	dests := make([]any, 0, len(c.PlainFields)+3)
	var row Row
	row.Plain = make(map[string]string, len(c.PlainFields))
	dests = append(dests, &row.ID, &row.UpdatedAt)
	plainVals := make([]string, len(c.PlainFields))
	for i := range c.PlainFields {
		dests = append(dests, &plainVals[i])
	}
	dests = append(dests, &row.Body)
	if err := sc.Scan(dests...); err != nil {
		return Row{}, err
	}
	for i, pf := range c.PlainFields {
		row.Plain[pf.Column] = plainVals[i]
	}
	return row, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// splitRecord separates a record into its persisted plaintext columns and the
// residual fields destined for the body column.
func splitRecord(c *Collection, rec Record) (Row, map[string]any) {
	row := Row{
		ID:        rec.ID(),
		UpdatedAt: rec.UpdatedAt(),
		Plain:     make(map[string]string, len(c.PlainFields)),
	}
	residual := make(map[string]any, len(rec))
	for field, val := range rec {
		if field == "id" || field == "updatedAt" {
			continue
		}
		if col, ok := c.plainColumn(field); ok {
			if s, ok := val.(string); ok {
				row.Plain[col] = s
			} else {
				row.Plain[col] = fmt.Sprint(val)
			}
			continue
		}
		residual[field] = val
	}
	return row, residual
}

// joinRecord reassembles a record from its persisted parts. residual may be
// nil when the body could not be decoded; the plaintext-preserved fields are
// still returned so one corrupted row never fails a listing.
func joinRecord(c *Collection, row Row, residual map[string]any) Record {
	rec := make(Record, len(residual)+len(row.Plain)+2)
	for field, val := range residual {
		rec[field] = val
	}
	rec["id"] = row.ID
	rec["updatedAt"] = row.UpdatedAt
	for _, pf := range c.PlainFields {
		rec[pf.Field] = row.Plain[pf.Column]
	}
	return rec
}

func encodeResidual(residual map[string]any) (string, error) {
	data, err := json.Marshal(residual)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record body: %w", err)
	}
	return string(data), nil
}

func decodeResidual(body string) (map[string]any, error) {
	var residual map[string]any
	if err := json.Unmarshal([]byte(body), &residual); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record body: %w", err)
	}
	return residual, nil
}
