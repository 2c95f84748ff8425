package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/platesync/platesync/cipher"
	"github.com/platesync/platesync/store"
)

// Transport is the relay surface the syncer needs. *relaypool.Pool
// implements it; tests substitute fakes.
type Transport interface {
	// Publish fans the event out to all relays and succeeds when at least
	// one acknowledges.
	Publish(ctx context.Context, ev nostr.Event) error
	// Query returns merged raw results from all reachable relays.
	Query(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error)
	// Subscribe opens a merged live subscription.
	Subscribe(ctx context.Context, filter nostr.Filter) (<-chan *nostr.Event, func(), error)
}

const (
	// DefaultDebounce coalesces bursts of writes into a single flush.
	DefaultDebounce = 2 * time.Second
	// DefaultStaleAfter bounds queue growth: entries older than this are
	// dropped unconditionally during flush, accepting silent loss for a
	// device that stayed offline that long.
	DefaultStaleAfter = 7 * 24 * time.Hour
)

// Publisher drains the durable sync queue: it re-reads current record state,
// encrypts a full snapshot (or tombstone) per entity, and publishes one
// addressed event to all configured relays.
type Publisher struct {
	sql       *store.SQLStore
	st        store.Store
	transport Transport
	key       cipher.Key
	secretKey string
	logger    *slog.Logger

	debounce   time.Duration
	staleAfter time.Duration

	timerMu sync.Mutex
	timer   *time.Timer

	// flushMu serializes overlapping flushes from the debounce timer,
	// force sync, and the reconnect handler.
	flushMu sync.Mutex

	flushDone func(err error) // optional observer, set by the engine
}

// newPublisher wires a publisher over an open session's stores.
func newPublisher(sql *store.SQLStore, st store.Store, transport Transport, key cipher.Key, secretKey string, debounce, staleAfter time.Duration, logger *slog.Logger) *Publisher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		sql:        sql,
		st:         st,
		transport:  transport,
		key:        key,
		secretKey:  secretKey,
		logger:     logger,
		debounce:   debounce,
		staleAfter: staleAfter,
	}
}

// Enqueue durably records that an entity changed and (re)arms the debounce
// timer. Child collections replicate through their parent: an item change is
// remapped to an upsert of its shopping list, which requires the item row to
// still exist; callers deleting an item enqueue the parent list themselves.
// Whole-collection types always enqueue as an upsert of the full snapshot.
func (p *Publisher) Enqueue(ctx context.Context, entityType, entityID, action string) error {
	c, err := store.LookupCollection(entityType)
	if err != nil {
		return err
	}

	if c.Parent != "" {
		rec, err := p.st.Get(ctx, c.Name, entityID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("cannot resolve parent of deleted %s %s; enqueue the %s instead",
				c.Name, entityID, c.Parent)
		}
		if err != nil {
			return err
		}
		parentID, _ := rec[c.ParentField].(string)
		if parentID == "" {
			return fmt.Errorf("%s %s has no %s", c.Name, entityID, c.ParentField)
		}
		entityType, entityID, action = c.Parent, parentID, store.ActionUpsert
	} else if c.Snapshot == store.SnapshotWholeCollection {
		// Removing one row still replicates as the remaining snapshot.
		entityID, action = "", store.ActionUpsert
	}

	if err := p.sql.Enqueue(ctx, entityType, entityID, action); err != nil {
		return err
	}
	p.armDebounce(ctx)
	return nil
}

// armDebounce restarts the debounce timer so rapid edits coalesce into one
// flush carrying the final state.
func (p *Publisher) armDebounce(ctx context.Context) {
	p.timerMu.Lock()
	defer p.timerMu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.debounce, func() {
		err := p.Flush(context.WithoutCancel(ctx))
		if err != nil {
			p.logger.Warn("debounced flush failed", "error", err)
		}
		if p.flushDone != nil {
			p.flushDone(err)
		}
	})
}

// Stop cancels any pending debounce timer.
func (p *Publisher) Stop() {
	p.timerMu.Lock()
	defer p.timerMu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// Flush drains the queue. Safe to invoke concurrently from multiple
// triggers: overlapping flushes serialize, each entry is deleted immediately
// after its own successful publish, and a publish that fails on every relay
// leaves its entry queued without blocking the entries after it. Flush
// returns an error only when nothing could be published at all.
func (p *Publisher) Flush(ctx context.Context) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	if purged, err := p.sql.PurgeEntriesBefore(ctx, time.Now().Add(-p.staleAfter)); err != nil {
		p.logger.Warn("failed to purge stale queue entries", "error", err)
	} else if purged > 0 {
		p.logger.Info("dropped stale queue entries", "count", purged)
	}

	entries, err := p.sql.PendingEntries(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	published := 0
	var lastErr error
	for _, entry := range entries {
		if err := p.publishEntry(ctx, entry); err != nil {
			if errors.Is(err, errNothingToPublish) {
				// Entity vanished between enqueue and flush; nothing to
				// replicate for it anymore.
				if _, err := p.sql.DeleteEntry(ctx, entry.ID); err != nil {
					p.logger.Warn("failed to drop empty queue entry", "id", entry.ID, "error", err)
				}
				continue
			}
			lastErr = err
			p.logger.Warn("publish failed, entry left queued for retry",
				"entity", entry.EntityType, "id", entry.EntityID, "error", err)
			continue
		}
		removed, err := p.sql.DeleteEntry(ctx, entry.ID)
		if err != nil {
			return err
		}
		if removed {
			published++
		}
	}

	if published == 0 && lastErr != nil {
		return fmt.Errorf("failed to publish any queued change: %w", lastErr)
	}
	return nil
}

// publishEntry builds, seals, signs, and publishes one entry's event.
func (p *Publisher) publishEntry(ctx context.Context, entry store.QueueEntry) error {
	c, err := store.LookupCollection(entry.EntityType)
	if err != nil {
		return err
	}

	var plain []byte
	if entry.Action == store.ActionDelete {
		plain, err = buildTombstone(entry.EntityID)
	} else {
		plain, err = buildSnapshot(ctx, p.st, c, entry.EntityID)
	}
	if err != nil {
		return err
	}

	content, err := cipher.Seal(plain, p.key)
	if err != nil {
		return err
	}

	ev := nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      EventKind,
		Tags:      nostr.Tags{{"d", Address(c, entry.EntityID)}},
		Content:   content,
	}
	if err := ev.Sign(p.secretKey); err != nil {
		return fmt.Errorf("failed to sign event: %w", err)
	}
	return p.transport.Publish(ctx, ev)
}
