package syncer

import (
	"fmt"
	"strings"

	"github.com/platesync/platesync/store"
)

// EventKind is the NOSTR event kind used for all replicated payloads
// (parameterized replaceable application data).
const EventKind = 30078

// addrPrefix namespaces this application's addresses on shared relays.
const addrPrefix = "platesync"

// Address returns the deterministic d-tag value for an entity. Per-row and
// composite collections address each record; whole-collection snapshot types
// use a fixed per-collection address.
func Address(c *store.Collection, id string) string {
	if c.Snapshot == store.SnapshotWholeCollection {
		return addrPrefix + ":" + c.Name
	}
	return addrPrefix + ":" + c.Name + ":" + id
}

// ParseAddress splits a d-tag value back into collection and entity id.
// The id is empty for whole-collection addresses.
func ParseAddress(addr string) (*store.Collection, string, error) {
	parts := strings.SplitN(addr, ":", 3)
	if len(parts) < 2 || parts[0] != addrPrefix {
		return nil, "", fmt.Errorf("not a %s address: %q", addrPrefix, addr)
	}
	c, err := store.LookupCollection(parts[1])
	if err != nil {
		return nil, "", err
	}
	id := ""
	if len(parts) == 3 {
		id = parts[2]
	}
	if c.Snapshot != store.SnapshotWholeCollection && id == "" {
		return nil, "", fmt.Errorf("address %q is missing an entity id", addr)
	}
	return c, id, nil
}
