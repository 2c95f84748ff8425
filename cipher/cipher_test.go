package cipher

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) Key {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	key, err := DeriveConversationKey(sk)
	require.NoError(t, err)
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := testKey(t)

	plain := []byte(`{"id":"m1","title":"Tacos","updatedAt":"2024-01-01T10:00:00Z"}`)
	ct, err := Seal(plain, key)
	require.NoError(t, err)
	require.NotEqual(t, string(plain), ct)
	require.False(t, IsChunked(ct))

	got, err := Open(ct, key)
	require.NoError(t, err)
	require.Equal(t, plain, got)
}

func TestSealProducesFreshCiphertext(t *testing.T) {
	key := testKey(t)

	plain := []byte("same plaintext")
	a, err := Seal(plain, key)
	require.NoError(t, err)
	b, err := Seal(plain, key)
	require.NoError(t, err)
	// Fresh nonce per message: equality checks must use decrypted content.
	require.NotEqual(t, a, b)
}

func TestChunkBoundary(t *testing.T) {
	key := testKey(t)

	// Exactly the ceiling: single ciphertext, no envelope.
	exact := bytes.Repeat([]byte("a"), MaxPlainBytes)
	ct, err := Seal(exact, key)
	require.NoError(t, err)
	require.False(t, IsChunked(ct))
	got, err := Open(ct, key)
	require.NoError(t, err)
	require.Equal(t, exact, got)

	// One byte over: two chunks.
	over := bytes.Repeat([]byte("b"), MaxPlainBytes+1)
	ct, err = Seal(over, key)
	require.NoError(t, err)
	require.True(t, IsChunked(ct))
	var env struct {
		Chunks []string `json:"_chunks"`
	}
	require.NoError(t, json.Unmarshal([]byte(ct), &env))
	require.Len(t, env.Chunks, 2)
	got, err = Open(ct, key)
	require.NoError(t, err)
	require.Equal(t, over, got)
}

func TestChunkedLargePayload(t *testing.T) {
	key := testKey(t)

	// Large enough to span several chunks, e.g. an embedded photo.
	large := bytes.Repeat([]byte("0123456789abcdef"), 20_000) // 320 KB
	ct, err := Seal(large, key)
	require.NoError(t, err)
	require.True(t, IsChunked(ct))

	got, err := Open(ct, key)
	require.NoError(t, err)
	require.Equal(t, large, got)
}

func TestOpenWrongKeyFails(t *testing.T) {
	key := testKey(t)
	other := testKey(t)

	ct, err := Seal([]byte("secret"), key)
	require.NoError(t, err)

	_, err = Open(ct, other)
	require.Error(t, err)
}

func TestLooksEncrypted(t *testing.T) {
	key := testKey(t)

	ct, err := Seal([]byte("x"), key)
	require.NoError(t, err)
	require.True(t, LooksEncrypted(ct))

	chunked, err := Seal(bytes.Repeat([]byte("x"), MaxPlainBytes+1), key)
	require.NoError(t, err)
	require.True(t, LooksEncrypted(chunked))

	require.False(t, LooksEncrypted(`{"id":"m1","title":"Tacos"}`))
	require.False(t, LooksEncrypted(""))
}
