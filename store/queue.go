package store

import (
	"context"
	"fmt"
	"time"
)

// Queue entry actions.
const (
	ActionUpsert = "upsert"
	ActionDelete = "delete"
)

// QueueEntry is one durable "this entity changed" intent. Entries are owned
// by the sync queue: created on every collection write or delete, removed on
// successful publish, left in place for retry on failure.
type QueueEntry struct {
	ID         int64
	EntityType string
	EntityID   string
	Action     string
	CreatedAt  time.Time
}

// Enqueue durably appends a queue entry, coalescing with any pending entry
// for the same entity (the flush re-reads current state anyway, so one entry
// per entity suffices and a delete supersedes a queued upsert).
func (s *SQLStore) Enqueue(ctx context.Context, entityType, entityID, action string) error {
	if action != ActionUpsert && action != ActionDelete {
		return fmt.Errorf("invalid queue action %q", action)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM sync_queue_entry WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID)
	if err != nil {
		return fmt.Errorf("failed to coalesce queue entries: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sync_queue_entry (entity_type, entity_id, action, created_at) VALUES (?, ?, ?, ?)`,
		entityType, entityID, action, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to enqueue %s.%s: %w", entityType, entityID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// PendingEntries returns all queued entries in enqueue order.
func (s *SQLStore) PendingEntries(ctx context.Context) ([]QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, action, created_at
		FROM sync_queue_entry ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue entries: %w", err)
	}
	defer rows.Close()

	var entries []QueueEntry
	for rows.Next() {
		var e QueueEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.CreatedAt = t
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue entries: %w", err)
	}
	return entries, nil
}

// DeleteEntry removes a queue entry after its publish succeeded. It reports
// whether the entry was still present, so two overlapping flushes cannot both
// claim the same entry.
func (s *SQLStore) DeleteEntry(ctx context.Context, id int64) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue_entry WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete queue entry %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// PurgeEntriesBefore drops entries older than cutoff regardless of publish
// outcome, bounding queue growth when relays stay unreachable.
func (s *SQLStore) PurgeEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_queue_entry WHERE created_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to purge stale queue entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

// QueueDepth returns the number of pending entries.
func (s *SQLStore) QueueDepth(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue_entry`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue entries: %w", err)
	}
	return n, nil
}
