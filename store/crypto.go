package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/platesync/platesync/cipher"
)

// CryptoStore implements Store around a plain SQLStore, encrypting record
// bodies on write and decrypting them on read. With a nil key it passes
// bodies through as plain JSON; this is a supported degraded mode for
// sessions that never expose the private key locally, distinguishable on
// read by the body shape.
type CryptoStore struct {
	sql    *SQLStore
	key    *cipher.Key // nil in degraded mode
	logger *slog.Logger
}

// NewCryptoStore composes the encrypting decorator around sql. key may be
// nil to run unencrypted.
func NewCryptoStore(sql *SQLStore, key *cipher.Key, logger *slog.Logger) *CryptoStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CryptoStore{sql: sql, key: key, logger: logger}
}

// Encrypted reports whether the store seals record bodies.
func (s *CryptoStore) Encrypted() bool { return s.key != nil }

func (s *CryptoStore) Put(ctx context.Context, collection string, rec Record) error {
	c, err := LookupCollection(collection)
	if err != nil {
		return err
	}
	if rec.ID() == "" {
		return fmt.Errorf("record in %s has no id", collection)
	}

	row, residual := splitRecord(c, rec)
	body, err := encodeResidual(residual)
	if err != nil {
		return err
	}
	if s.key != nil {
		sealed, err := cipher.Seal([]byte(body), *s.key)
		if err != nil {
			return fmt.Errorf("failed to seal record %s.%s: %w", collection, rec.ID(), err)
		}
		body = sealed
	}
	row.Body = body
	return s.sql.PutRow(ctx, c, row)
}

func (s *CryptoStore) Get(ctx context.Context, collection, id string) (Record, error) {
	c, err := LookupCollection(collection)
	if err != nil {
		return nil, err
	}
	row, err := s.sql.GetRow(ctx, c, id)
	if err != nil {
		return nil, err
	}
	return s.decodeRow(c, row), nil
}

func (s *CryptoStore) List(ctx context.Context, collection string) ([]Record, error) {
	return s.list(ctx, collection, "", "")
}

func (s *CryptoStore) ListBy(ctx context.Context, collection, field, value string) ([]Record, error) {
	return s.list(ctx, collection, field, value)
}

func (s *CryptoStore) list(ctx context.Context, collection, field, value string) ([]Record, error) {
	c, err := LookupCollection(collection)
	if err != nil {
		return nil, err
	}
	whereColumn := ""
	if field != "" {
		col, ok := c.plainColumn(field)
		if !ok {
			return nil, fmt.Errorf("field %q of %s is not locally queryable", field, collection)
		}
		whereColumn = col
	}
	rows, err := s.sql.ListRows(ctx, c, whereColumn, value)
	if err != nil {
		return nil, err
	}
	recs := make([]Record, 0, len(rows))
	for _, row := range rows {
		recs = append(recs, s.decodeRow(c, row))
	}
	return recs, nil
}

func (s *CryptoStore) Delete(ctx context.Context, collection, id string) error {
	c, err := LookupCollection(collection)
	if err != nil {
		return err
	}
	return s.sql.DeleteRow(ctx, c, id)
}

func (s *CryptoStore) DeleteBy(ctx context.Context, collection, field, value string) error {
	c, err := LookupCollection(collection)
	if err != nil {
		return err
	}
	col, ok := c.plainColumn(field)
	if !ok {
		return fmt.Errorf("field %q of %s is not locally queryable", field, collection)
	}
	return s.sql.DeleteRowsWhere(ctx, c, col, value)
}

func (s *CryptoStore) ReplaceAll(ctx context.Context, collection string, recs []Record) error {
	c, err := LookupCollection(collection)
	if err != nil {
		return err
	}
	rows := make([]Row, 0, len(recs))
	for _, rec := range recs {
		row, residual := splitRecord(c, rec)
		body, err := encodeResidual(residual)
		if err != nil {
			return err
		}
		if s.key != nil {
			sealed, err := cipher.Seal([]byte(body), *s.key)
			if err != nil {
				return fmt.Errorf("failed to seal record %s.%s: %w", collection, rec.ID(), err)
			}
			body = sealed
		}
		row.Body = body
		rows = append(rows, row)
	}
	return s.sql.ReplaceAllRows(ctx, c, rows)
}

// decodeRow recovers the plain record from a persisted row. A body that
// cannot be decrypted or parsed yields the plaintext-preserved fields only;
// the failure is logged, never propagated, so one corrupted row cannot fail
// an entire listing.
func (s *CryptoStore) decodeRow(c *Collection, row Row) Record {
	body := row.Body
	if s.key != nil && cipher.LooksEncrypted(body) {
		plain, err := cipher.Open(body, *s.key)
		if err != nil {
			s.logger.Warn("failed to decrypt record body, returning plain fields only",
				"collection", c.Name, "id", row.ID, "error", err)
			return joinRecord(c, row, nil)
		}
		body = string(plain)
	}
	if body == "" {
		return joinRecord(c, row, nil)
	}
	residual, err := decodeResidual(body)
	if err != nil {
		s.logger.Warn("failed to parse record body, returning plain fields only",
			"collection", c.Name, "id", row.ID, "error", err)
		return joinRecord(c, row, nil)
	}
	return joinRecord(c, row, residual)
}
