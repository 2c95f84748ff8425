// Package cipher implements self-encryption for replicated payloads.
//
// Payloads are encrypted with the NIP-44 v2 scheme under a conversation key
// derived from the user's own key pair, so only the key holder's devices can
// read them. Payloads larger than the relay message ceiling are split into
// independently encrypted chunks carried in a JSON envelope.
package cipher

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"
)

// MaxPlainBytes is the per-message plaintext ceiling. Relays commonly cap
// messages around 65535 bytes; 60000 leaves headroom for the NIP-44 framing
// and the event envelope around it.
const MaxPlainBytes = 60_000

// Key is a derived NIP-44 conversation key.
type Key [32]byte

// ErrNoKey is returned when an operation requires a key but none is set.
var ErrNoKey = errors.New("cipher: no conversation key")

// chunkEnvelope wraps an oversized payload as ordered, independently
// encrypted chunks. The underscore keeps the field from colliding with
// record payload fields.
type chunkEnvelope struct {
	Chunks []string `json:"_chunks"`
}

// DeriveConversationKey computes the NIP-44 conversation key between the
// given secret key and its own public key. The derivation involves a
// secp256k1 ECDH, so callers should derive once per session and reuse the
// result rather than deriving per operation.
func DeriveConversationKey(secretKeyHex string) (Key, error) {
	var key Key
	pub, err := nostr.GetPublicKey(secretKeyHex)
	if err != nil {
		return key, fmt.Errorf("failed to compute public key: %w", err)
	}
	ck, err := nip44.GenerateConversationKey(pub, secretKeyHex)
	if err != nil {
		return key, fmt.Errorf("failed to derive conversation key: %w", err)
	}
	copy(key[:], ck[:])
	return key, nil
}

// Zero overwrites the key material in place.
func (k *Key) Zero() {
	for i := range k {
		k[i] = 0
	}
}

// Seal encrypts plain under key. Plaintexts up to MaxPlainBytes produce a
// single NIP-44 ciphertext string. Anything larger is split into ordered
// chunks of at most MaxPlainBytes, each encrypted independently, and
// returned as a JSON envelope {"_chunks":[...]} so the two shapes are
// distinguishable on decrypt without external metadata.
//
// Encrypting the same plaintext twice produces different ciphertext (fresh
// nonce per message); callers must never compare ciphertext for equality.
func Seal(plain []byte, key Key) (string, error) {
	if len(plain) <= MaxPlainBytes {
		ct, err := nip44.Encrypt(string(plain), [32]byte(key))
		if err != nil {
			return "", fmt.Errorf("failed to encrypt payload: %w", err)
		}
		return ct, nil
	}

	var env chunkEnvelope
	for off := 0; off < len(plain); off += MaxPlainBytes {
		end := off + MaxPlainBytes
		if end > len(plain) {
			end = len(plain)
		}
		ct, err := nip44.Encrypt(string(plain[off:end]), [32]byte(key))
		if err != nil {
			return "", fmt.Errorf("failed to encrypt chunk %d: %w", len(env.Chunks), err)
		}
		env.Chunks = append(env.Chunks, ct)
	}

	out, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chunk envelope: %w", err)
	}
	return string(out), nil
}

// Open decrypts content produced by Seal, detecting the envelope shape:
// a JSON object with a "_chunks" array is decrypted chunk by chunk and
// reassembled in order, anything else is treated as a single NIP-44
// ciphertext.
func Open(content string, key Key) ([]byte, error) {
	if IsChunked(content) {
		var env chunkEnvelope
		if err := json.Unmarshal([]byte(content), &env); err != nil {
			return nil, fmt.Errorf("failed to parse chunk envelope: %w", err)
		}
		var plain []byte
		for i, ct := range env.Chunks {
			part, err := nip44.Decrypt(ct, [32]byte(key))
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt chunk %d: %w", i, err)
			}
			plain = append(plain, part...)
		}
		return plain, nil
	}

	plain, err := nip44.Decrypt(content, [32]byte(key))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt payload: %w", err)
	}
	return []byte(plain), nil
}

// IsChunked reports whether content is a multi-chunk envelope.
func IsChunked(content string) bool {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return false
	}
	var probe struct {
		Chunks []json.RawMessage `json:"_chunks"`
	}
	if err := json.Unmarshal([]byte(trimmed), &probe); err != nil {
		return false
	}
	return probe.Chunks != nil
}

// LooksEncrypted reports whether body appears to be ciphertext rather than a
// plain JSON record. Plain records (degraded sessions without a key, or
// legacy rows written before encryption) are stored as JSON objects; NIP-44
// ciphertext is base64 and a chunk envelope is a JSON object carrying only
// "_chunks".
func LooksEncrypted(body string) bool {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return false
	}
	if IsChunked(trimmed) {
		return true
	}
	return !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[")
}
