package syncer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/platesync/platesync/cipher"
	"github.com/platesync/platesync/store"
)

// fakeTransport substitutes the relay pool: publishes are captured, queries
// return canned events, subscriptions read from a test-fed channel.
type fakeTransport struct {
	mu          sync.Mutex
	published   []nostr.Event
	publishErr  error
	queryEvents []*nostr.Event
	queryErr    error
	sub         chan *nostr.Event
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sub: make(chan *nostr.Event, 16)}
}

func (f *fakeTransport) Publish(_ context.Context, ev nostr.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, ev)
	return nil
}

func (f *fakeTransport) Query(context.Context, nostr.Filter) ([]*nostr.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queryEvents, f.queryErr
}

func (f *fakeTransport) Subscribe(context.Context, nostr.Filter) (<-chan *nostr.Event, func(), error) {
	return f.sub, func() {}, nil
}

func (f *fakeTransport) setPublishErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishErr = err
}

func (f *fakeTransport) publishedEvents() []nostr.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]nostr.Event(nil), f.published...)
}

type testEnv struct {
	engine    *Engine
	transport *fakeTransport
	st        store.Store
	sql       *store.SQLStore
	key       cipher.Key
	secretKey string
	pubKey    string
}

func newTestEnv(t *testing.T, config *Config) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sk := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)

	sess, err := store.OpenSession(t.TempDir(), pub, sk, logger)
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })

	if config == nil {
		config = DefaultConfig()
		config.Debounce = time.Minute // tests flush explicitly unless they opt in
		config.SyncedResetDelay = 0
	}

	transport := newFakeTransport()
	engine, err := NewEngine(sess, transport, sk, config, logger)
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	st, err := sess.Store()
	require.NoError(t, err)
	sqlStore, err := sess.SQL()
	require.NoError(t, err)
	key, ok := sess.Key()
	require.True(t, ok)

	return &testEnv{
		engine:    engine,
		transport: transport,
		st:        st,
		sql:       sqlStore,
		key:       key,
		secretKey: sk,
		pubKey:    pub,
	}
}

// makeEvent builds a signed, sealed relay event the way a peer device would.
func makeEvent(t *testing.T, env *testEnv, addr string, payload any, createdAt nostr.Timestamp) *nostr.Event {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	content, err := cipher.Seal(data, env.key)
	require.NoError(t, err)
	ev := nostr.Event{
		CreatedAt: createdAt,
		Kind:      EventKind,
		Tags:      nostr.Tags{{"d", addr}},
		Content:   content,
	}
	require.NoError(t, ev.Sign(env.secretKey))
	return &ev
}

// openPayload decrypts a published event's content back to JSON.
func openPayload(t *testing.T, env *testEnv, ev nostr.Event) map[string]any {
	t.Helper()
	plain, err := cipher.Open(ev.Content, env.key)
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(plain, &payload))
	return payload
}

func mealRecord(id, updatedAt, title string) store.Record {
	return store.Record{"id": id, "updatedAt": updatedAt, "title": title}
}
