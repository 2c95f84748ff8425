package syncer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/platesync/platesync/store"
)

func TestInitialSyncBootstrapsEmptyDevice(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	// Relay history: an old and a superseding snapshot of the same meal, plus
	// an unrelated plan.
	env.transport.queryEvents = []*nostr.Event{
		makeEvent(t, env, "platesync:meal:m1",
			mealRecord("m1", "2024-01-01T10:00:00Z", "Pizza"), 100),
		makeEvent(t, env, "platesync:meal:m1",
			mealRecord("m1", "2024-01-02T10:00:00Z", "Tacos"), 200),
		makeEvent(t, env, "platesync:plan:p1", store.Record{
			"id": "p1", "updatedAt": "2024-01-01T10:00:00Z", "date": "2024-01-05", "mealId": "m1",
		}, 150),
	}

	require.NoError(t, env.engine.InitialSync(ctx))

	meal, err := env.st.Get(ctx, "meal", "m1")
	require.NoError(t, err)
	require.Equal(t, "Tacos", meal["title"])

	plan, err := env.st.Get(ctx, "plan", "p1")
	require.NoError(t, err)
	require.Equal(t, "2024-01-05", plan["date"])

	wm, err := env.engine.Watermark(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(200), wm)
	require.Equal(t, StatusSynced, env.engine.Status())
}

func TestInitialSyncAdvancesWatermarkAndFilter(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	f := env.engine.filter(0)
	require.Equal(t, []int{EventKind}, f.Kinds)
	require.Equal(t, []string{env.pubKey}, f.Authors)
	require.Nil(t, f.Since)

	env.transport.queryEvents = []*nostr.Event{
		makeEvent(t, env, "platesync:meal:m1",
			mealRecord("m1", "2024-01-01T10:00:00Z", "Tacos"), 500),
	}
	require.NoError(t, env.engine.InitialSync(ctx))

	wm, err := env.engine.Watermark(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(500), wm)

	// The next pass asks only for events strictly past the watermark.
	f = env.engine.filter(wm)
	require.NotNil(t, f.Since)
	require.Equal(t, nostr.Timestamp(501), *f.Since)
}

func TestInitialSyncFailsWhenAllRelaysUnreachable(t *testing.T) {
	env := newTestEnv(t, nil)
	env.transport.queryErr = errors.New("all relays down")

	require.Error(t, env.engine.InitialSync(context.Background()))
	require.Equal(t, StatusError, env.engine.Status())

	wm, err := env.engine.Watermark(context.Background())
	require.NoError(t, err)
	require.Zero(t, wm)
}

func TestInitialSyncSkipsUnmergeableEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.transport.queryEvents = []*nostr.Event{
		{ID: "deadbeef", CreatedAt: 300, Kind: EventKind,
			Tags: nostr.Tags{{"d", "platesync:nonsense:x"}}, Content: "AuTm"},
		makeEvent(t, env, "platesync:meal:m1",
			mealRecord("m1", "2024-01-01T10:00:00Z", "Tacos"), 100),
	}

	require.NoError(t, env.engine.InitialSync(ctx))

	// The good event applied and the watermark covers the bad one too, so it
	// is never re-fetched.
	_, err := env.st.Get(ctx, "meal", "m1")
	require.NoError(t, err)
	wm, err := env.engine.Watermark(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(300), wm)
}

func TestLiveSubscriptionMergesDeliveredEvents(t *testing.T) {
	changed := make(chan string, 8)
	config := DefaultConfig()
	config.Debounce = time.Minute
	config.SyncedResetDelay = 0
	config.OnChange = func(collection string) { changed <- collection }
	env := newTestEnv(t, config)
	ctx := context.Background()

	require.NoError(t, env.engine.Start(ctx))

	env.transport.sub <- makeEvent(t, env, "platesync:meal:m1",
		mealRecord("m1", "2024-01-01T10:00:00Z", "Tacos"), 100)

	select {
	case collection := <-changed:
		require.Equal(t, "meal", collection)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for merge notification")
	}

	rec, err := env.st.Get(ctx, "meal", "m1")
	require.NoError(t, err)
	require.Equal(t, "Tacos", rec["title"])

	env.engine.Close()
}

// TestTwoDeviceScenario pipes device A's actually published events into
// device B: B bootstraps the meal via initial sync, then removes it when A's
// tombstone arrives over the live subscription.
func TestTwoDeviceScenario(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sk := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	ctx := context.Background()

	newDevice := func(transport Transport) (*Engine, store.Store) {
		sess, err := store.OpenSession(t.TempDir(), pub, sk, logger)
		require.NoError(t, err)
		t.Cleanup(func() { sess.Close() })
		config := DefaultConfig()
		config.Debounce = time.Minute
		config.SyncedResetDelay = 0
		engine, err := NewEngine(sess, transport, sk, config, logger)
		require.NoError(t, err)
		t.Cleanup(engine.Close)
		st, err := sess.Store()
		require.NoError(t, err)
		return engine, st
	}

	transportA := newFakeTransport()
	engineA, storeA := newDevice(transportA)
	transportB := newFakeTransport()
	engineB, storeB := newDevice(transportB)

	// Device A creates a meal and flushes it out.
	require.NoError(t, storeA.Put(ctx, "meal", mealRecord("m1", "2024-01-01T10:00:00Z", "Tacos")))
	require.NoError(t, engineA.Enqueue(ctx, "meal", "m1", store.ActionUpsert))
	require.NoError(t, engineA.ForceFlush(ctx))
	published := transportA.publishedEvents()
	require.Len(t, published, 1)
	require.Equal(t, "platesync:meal:m1", published[0].Tags.GetD())

	// Device B has never seen m1; initial sync against the relay history
	// materializes it.
	transportB.queryEvents = []*nostr.Event{&published[0]}
	require.NoError(t, engineB.InitialSync(ctx))
	rec, err := storeB.Get(ctx, "meal", "m1")
	require.NoError(t, err)
	require.Equal(t, "Tacos", rec["title"])

	require.NoError(t, engineB.Start(ctx))

	// Ensure the tombstone's created_at lands in a strictly later second
	// than the snapshot it supersedes.
	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, storeA.Delete(ctx, "meal", "m1"))
	require.NoError(t, engineA.Enqueue(ctx, "meal", "m1", store.ActionDelete))
	require.NoError(t, engineA.ForceFlush(ctx))
	published = transportA.publishedEvents()
	require.Len(t, published, 2)

	transportB.sub <- &published[1]
	require.Eventually(t, func() bool {
		_, err := storeB.Get(ctx, "meal", "m1")
		return errors.Is(err, store.ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)

	engineB.Close()
}

func TestStartTwiceFails(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.engine.Start(context.Background()))
	require.Error(t, env.engine.Start(context.Background()))
	env.engine.Close()
}

func TestEngineWithoutKeyIsDisabled(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sk := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)

	sess, err := store.OpenSession(t.TempDir(), pub, "", logger)
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })

	engine, err := NewEngine(sess, newFakeTransport(), "", nil, logger)
	require.NoError(t, err)
	require.True(t, engine.Disabled())
	require.Equal(t, StatusIdle, engine.Status())

	ctx := context.Background()
	require.NoError(t, engine.Enqueue(ctx, "meal", "m1", store.ActionUpsert))
	require.NoError(t, engine.ForceFlush(ctx))
	require.NoError(t, engine.InitialSync(ctx))
	require.NoError(t, engine.Start(ctx))
	engine.Close()
	require.Equal(t, StatusIdle, engine.Status())
}

func TestEngineRejectsMismatchedKey(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	skA := nostr.GeneratePrivateKey()
	pubA, err := nostr.GetPublicKey(skA)
	require.NoError(t, err)
	skB := nostr.GeneratePrivateKey()

	sess, err := store.OpenSession(t.TempDir(), pubA, skA, logger)
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })

	_, err = NewEngine(sess, newFakeTransport(), skB, nil, logger)
	require.Error(t, err)
}

func TestStatusSyncedAutoResetsToIdle(t *testing.T) {
	m := newStatusMachine(20*time.Millisecond, nil)

	m.set(StatusSyncing)
	m.set(StatusSynced)
	require.Eventually(t, func() bool { return m.get() == StatusIdle },
		2*time.Second, 5*time.Millisecond)
}
