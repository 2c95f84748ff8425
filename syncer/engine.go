// Package syncer reconciles the encrypted local store with the union of what
// all configured relays hold for one identity. Local mutations are queued
// durably, debounced, encrypted, and published as addressed events; remote
// events are fetched (bounded by a persisted watermark), deduplicated by
// address, and merged with last-writer-wins at record granularity, then
// consumed incrementally over a live subscription.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/platesync/platesync/cipher"
	"github.com/platesync/platesync/store"
)

// WatermarkKey is the sync_meta key holding the unix-seconds created_at of
// the newest event ever merged during an initial sync.
const WatermarkKey = "last_sync_timestamp"

// Config tunes engine behavior. Zero values pick defaults.
type Config struct {
	Debounce         time.Duration // queue flush debounce (default 2s)
	StaleAfter       time.Duration // queue entry retention (default 7 days)
	SyncedResetDelay time.Duration // synced → idle auto-reset (default 2s)
	BackoffMin       time.Duration // retry backoff floor (default 1s)
	BackoffMax       time.Duration // retry backoff ceiling (default 60s)

	// OnStatus observes sync indicator transitions.
	OnStatus func(Status)
	// OnChange is invoked with the collection name after remote data was
	// merged locally, so the UI can re-render.
	OnChange func(collection string)
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() *Config {
	return &Config{
		Debounce:         DefaultDebounce,
		StaleAfter:       DefaultStaleAfter,
		SyncedResetDelay: 2 * time.Second,
		BackoffMin:       1 * time.Second,
		BackoffMax:       60 * time.Second,
	}
}

// Engine owns the sync queue publisher and the reconciliation loop for one
// open session. A session without a private key yields a disabled engine:
// every operation is a no-op and the status stays idle, which is the
// supported degraded mode rather than an error.
type Engine struct {
	sql       *store.SQLStore
	st        store.Store
	transport Transport
	key       cipher.Key
	secretKey string
	pubKey    string
	logger    *slog.Logger
	config    *Config

	status    *statusMachine
	publisher *Publisher
	onChange  func(string)
	disabled  bool

	appliedMu sync.Mutex
	applied   map[string]appliedMark

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine wires an engine over an open session and transport. secretKeyHex
// signs outgoing events and must belong to the session's identity; when the
// session has no conversation key the engine comes up disabled.
func NewEngine(sess *store.Session, transport Transport, secretKeyHex string, config *Config, logger *slog.Logger) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	st, err := sess.Store()
	if err != nil {
		return nil, err
	}
	sqlStore, err := sess.SQL()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		sql:       sqlStore,
		st:        st,
		transport: transport,
		logger:    logger,
		config:    config,
		applied:   make(map[string]appliedMark),
		onChange:  config.OnChange,
	}
	e.status = newStatusMachine(config.SyncedResetDelay, config.OnStatus)

	key, ok := sess.Key()
	if !ok || secretKeyHex == "" {
		e.disabled = true
		logger.Info("sync disabled for session without private key", "identity", sess.Identity())
		return e, nil
	}

	pub, err := nostr.GetPublicKey(secretKeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to compute public key: %w", err)
	}
	if pub != sess.Identity() {
		return nil, fmt.Errorf("private key does not match session identity %s", sess.Identity())
	}

	e.key = key
	e.secretKey = secretKeyHex
	e.pubKey = pub
	e.publisher = newPublisher(sqlStore, st, transport, key, secretKeyHex,
		config.Debounce, config.StaleAfter, logger)
	e.publisher.flushDone = func(err error) {
		if err != nil {
			e.status.set(StatusError)
		} else {
			e.status.set(StatusSynced)
		}
	}
	return e, nil
}

// Status returns the current sync indicator state.
func (e *Engine) Status() Status { return e.status.get() }

// Disabled reports whether the engine runs in the no-key degraded mode.
func (e *Engine) Disabled() bool { return e.disabled }

// Enqueue records that an entity changed so the next flush replicates it.
// A disabled engine absorbs the call.
func (e *Engine) Enqueue(ctx context.Context, entityType, entityID, action string) error {
	if e.disabled {
		return nil
	}
	if err := e.publisher.Enqueue(ctx, entityType, entityID, action); err != nil {
		return err
	}
	e.status.set(StatusSyncing)
	return nil
}

// ForceFlush drains the queue immediately, bypassing the debounce.
func (e *Engine) ForceFlush(ctx context.Context) error {
	if e.disabled {
		return nil
	}
	e.status.set(StatusSyncing)
	err := e.publisher.Flush(ctx)
	if err != nil {
		e.status.set(StatusError)
		return err
	}
	e.status.set(StatusSynced)
	return nil
}

// Start launches the reconciliation loop: initial catch-up sync, a queue
// flush (so changes queued while offline are not delayed behind the
// subscription handshake), then the live subscription. Lost subscriptions
// re-run the catch-up with exponential backoff; LWW merging makes replayed
// events no-ops.
func (e *Engine) Start(ctx context.Context) error {
	if e.disabled {
		return nil
	}
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel != nil {
		return errors.New("syncer: engine already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(1)
	go e.run(runCtx)
	return nil
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()
	backoff := e.config.BackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := e.InitialSync(ctx); err != nil {
			e.logger.Warn("initial sync failed", "error", err)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, e.config.BackoffMax)
			continue
		}

		// Reconnect policy: flush queued changes before subscribing.
		if err := e.publisher.Flush(ctx); err != nil {
			e.logger.Warn("queue flush failed", "error", err)
			e.status.set(StatusError)
		}

		backoff = e.config.BackoffMin
		if err := e.live(ctx); err != nil {
			e.logger.Warn("live subscription ended", "error", err)
		}
		if !sleepCtx(ctx, backoff) {
			return
		}
	}
}

// InitialSync queries all relays for this identity's events past the saved
// watermark, deduplicates by address keeping the superseding event, merges
// each survivor, and persists the advanced watermark. Single-event failures
// are logged and skipped; only a transport-wide failure aborts the pass.
func (e *Engine) InitialSync(ctx context.Context) error {
	if e.disabled {
		return nil
	}
	e.status.set(StatusSyncing)

	watermark, err := e.Watermark(ctx)
	if err != nil {
		e.status.set(StatusError)
		return err
	}

	events, err := e.transport.Query(ctx, e.filter(watermark))
	if err != nil {
		e.status.set(StatusError)
		return fmt.Errorf("failed to query relays: %w", err)
	}

	maxSeen := watermark
	for _, ev := range events {
		if int64(ev.CreatedAt) > maxSeen {
			maxSeen = int64(ev.CreatedAt)
		}
	}
	for addr, ev := range latestByAddress(events) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := e.applyEvent(ctx, ev); err != nil {
			e.logger.Warn("skipping unmergeable event", "address", addr, "error", err)
		}
	}

	if maxSeen > watermark {
		if err := e.sql.SetMeta(ctx, WatermarkKey, strconv.FormatInt(maxSeen, 10)); err != nil {
			e.status.set(StatusError)
			return err
		}
	}
	e.status.set(StatusSynced)
	return nil
}

// live consumes the standing subscription until it ends or ctx is canceled.
// Each delivered event merges under the same newest-wins rule, independent
// of transport ordering or duplication.
func (e *Engine) live(ctx context.Context) error {
	watermark, err := e.Watermark(ctx)
	if err != nil {
		return err
	}
	ch, stop, err := e.transport.Subscribe(ctx, e.filter(watermark))
	if err != nil {
		return err
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return errors.New("subscription closed")
			}
			if ctx.Err() != nil {
				// A delivery racing Close must not touch the store.
				return nil
			}
			if _, err := e.applyEvent(ctx, ev); err != nil {
				e.logger.Warn("skipping unmergeable event", "event", ev.ID, "error", err)
			}
		}
	}
}

// filter scopes a relay query or subscription to this identity's address
// space, strictly after the watermark.
func (e *Engine) filter(watermark int64) nostr.Filter {
	f := nostr.Filter{
		Kinds:   []int{EventKind},
		Authors: []string{e.pubKey},
	}
	if watermark > 0 {
		since := nostr.Timestamp(watermark + 1)
		f.Since = &since
	}
	return f
}

// Watermark returns the persisted unix-seconds watermark, or 0 meaning full
// history on first run.
func (e *Engine) Watermark(ctx context.Context) (int64, error) {
	raw, err := e.sql.GetMeta(ctx, WatermarkKey)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	wm, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse watermark %q: %w", raw, err)
	}
	return wm, nil
}

// Close stops the live subscription and any pending debounce timer. No
// merges occur after Close returns.
func (e *Engine) Close() {
	e.runMu.Lock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.runMu.Unlock()
	if e.publisher != nil {
		e.publisher.Stop()
	}
	e.wg.Wait()
}

func (e *Engine) notifyChange(collection string) {
	if e.onChange != nil {
		e.onChange(collection)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
