package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/platesync/platesync/cipher"
	"github.com/platesync/platesync/store"
)

// newerThan reports whether timestamp a is strictly newer than b. Both are
// ISO-8601 strings; unparsable values fall back to lexicographic comparison,
// which orders correctly for same-offset ISO-8601.
func newerThan(a, b string) bool {
	ta, errA := time.Parse(time.RFC3339Nano, a)
	tb, errB := time.Parse(time.RFC3339Nano, b)
	if errA == nil && errB == nil {
		return ta.After(tb)
	}
	return a > b
}

// supersedes reports whether event a supersedes event b at the same address:
// strictly greater created_at wins, and equal created_at breaks the tie by
// the lexicographically greater event id, so relay iteration order never
// decides.
func supersedes(a, b *nostr.Event) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.ID > b.ID
}

// latestByAddress deduplicates raw relay results, keeping only the
// superseding event per address. Events without a d tag are dropped.
func latestByAddress(events []*nostr.Event) map[string]*nostr.Event {
	latest := make(map[string]*nostr.Event)
	for _, ev := range events {
		addr := ev.Tags.GetD()
		if addr == "" {
			continue
		}
		if cur, ok := latest[addr]; !ok || supersedes(ev, cur) {
			latest[addr] = ev
		}
	}
	return latest
}

// appliedMark remembers the last event applied at an address so redeliveries
// and stragglers older than what we already hold are no-ops.
type appliedMark struct {
	createdAt nostr.Timestamp
	id        string
}

// applyEvent decrypts one relay event and merges it into the local store
// with last-writer-wins at record granularity. It returns whether anything
// was applied. Undecryptable or malformed payloads are skipped, never
// escalated, so one bad record cannot abort a sync pass.
func (e *Engine) applyEvent(ctx context.Context, ev *nostr.Event) (bool, error) {
	addr := ev.Tags.GetD()
	if addr == "" {
		return false, fmt.Errorf("event %s has no address tag", ev.ID)
	}
	c, id, err := ParseAddress(addr)
	if err != nil {
		return false, err
	}

	// Gate on the per-address high-water mark: a redelivered or superseded
	// event is a no-op regardless of arrival order.
	e.appliedMu.Lock()
	if mark, ok := e.applied[addr]; ok {
		if ev.CreatedAt < mark.createdAt || (ev.CreatedAt == mark.createdAt && ev.ID <= mark.id) {
			e.appliedMu.Unlock()
			return false, nil
		}
	}
	e.appliedMu.Unlock()

	plain, err := cipher.Open(ev.Content, e.key)
	if err != nil {
		e.logger.Warn("skipping undecryptable event", "address", addr, "event", ev.ID, "error", err)
		return false, nil
	}

	applied, err := e.mergePayload(ctx, c, id, plain)
	if err != nil {
		return false, err
	}

	e.appliedMu.Lock()
	e.applied[addr] = appliedMark{createdAt: ev.CreatedAt, id: ev.ID}
	e.appliedMu.Unlock()

	if applied {
		e.notifyChange(c.Name)
	}
	return applied, nil
}

func (e *Engine) mergePayload(ctx context.Context, c *store.Collection, id string, plain []byte) (bool, error) {
	var generic map[string]any
	if err := json.Unmarshal(plain, &generic); err != nil {
		return false, fmt.Errorf("failed to parse payload for %s: %w", c.Name, err)
	}

	if isTombstone(generic) {
		return e.applyTombstone(ctx, c, id)
	}

	switch c.Snapshot {
	case store.SnapshotComposite:
		var payload compositePayload
		if err := json.Unmarshal(plain, &payload); err != nil {
			return false, fmt.Errorf("failed to parse composite payload for %s: %w", c.Name, err)
		}
		return e.mergeComposite(ctx, c, id, payload)

	case store.SnapshotWholeCollection:
		var payload collectionPayload
		if err := json.Unmarshal(plain, &payload); err != nil {
			return false, fmt.Errorf("failed to parse collection payload for %s: %w", c.Name, err)
		}
		if err := e.st.ReplaceAll(ctx, c.Name, payload.Items); err != nil {
			return false, err
		}
		return true, nil

	default:
		return e.mergePerRow(ctx, c, id, store.Record(generic))
	}
}

// applyTombstone removes the local record (and, for composite parents, its
// child rows) rather than merging anything.
func (e *Engine) applyTombstone(ctx context.Context, c *store.Collection, id string) (bool, error) {
	if err := e.st.Delete(ctx, c.Name, id); err != nil {
		return false, err
	}
	if c.Snapshot == store.SnapshotComposite {
		child, err := store.LookupCollection(c.Child)
		if err != nil {
			return false, err
		}
		if err := e.st.DeleteBy(ctx, child.Name, child.ParentField, id); err != nil {
			return false, err
		}
	}
	return true, nil
}

// mergePerRow adopts the snapshot wholesale when its updatedAt is strictly
// newer than the local copy; ties favor the existing local record to keep
// replays free of redundant writes.
func (e *Engine) mergePerRow(ctx context.Context, c *store.Collection, id string, incoming store.Record) (bool, error) {
	if incoming.ID() == "" {
		incoming["id"] = id
	}
	local, err := e.st.Get(ctx, c.Name, id)
	if err == nil && !newerThan(incoming.UpdatedAt(), local.UpdatedAt()) {
		return false, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	if err := e.st.Put(ctx, c.Name, incoming); err != nil {
		return false, err
	}
	return true, nil
}

// mergeComposite replaces the parent row and fully replaces its child rows
// (delete-then-reinsert) when the parent snapshot is strictly newer.
func (e *Engine) mergeComposite(ctx context.Context, c *store.Collection, id string, payload compositePayload) (bool, error) {
	if payload.List.ID() == "" {
		payload.List["id"] = id
	}
	local, err := e.st.Get(ctx, c.Name, id)
	if err == nil && !newerThan(payload.List.UpdatedAt(), local.UpdatedAt()) {
		return false, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	if err := e.st.Put(ctx, c.Name, payload.List); err != nil {
		return false, err
	}
	child, err := store.LookupCollection(c.Child)
	if err != nil {
		return false, err
	}
	if err := e.st.DeleteBy(ctx, child.Name, child.ParentField, id); err != nil {
		return false, err
	}
	for _, item := range payload.Items {
		if err := e.st.Put(ctx, child.Name, item); err != nil {
			return false, err
		}
	}
	return true, nil
}
