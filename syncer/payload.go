package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/platesync/platesync/store"
)

// deletedMarker flags a tombstone payload.
const deletedMarker = "_deleted"

// compositePayload carries a shopping list together with its items as one
// snapshot.
type compositePayload struct {
	List  store.Record   `json:"list"`
	Items []store.Record `json:"items"`
}

// collectionPayload carries the full contents of a whole-collection snapshot
// type (frequentItem, setting).
type collectionPayload struct {
	Items []store.Record `json:"items"`
}

// buildTombstone returns the encrypted-side payload marking deletion of the
// record at an address.
func buildTombstone(id string) ([]byte, error) {
	data, err := json.Marshal(map[string]any{"id": id, deletedMarker: true})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tombstone: %w", err)
	}
	return data, nil
}

func isTombstone(payload map[string]any) bool {
	v, ok := payload[deletedMarker].(bool)
	return ok && v
}

// errNothingToPublish signals that the entity behind a queue entry no longer
// exists, so the entry can be dropped (a queued delete would have superseded
// the upsert).
var errNothingToPublish = errors.New("syncer: nothing to publish")

// buildSnapshot reads the current state of the entity from the store (never
// a cached copy, so the last local edit wins) and serializes the full
// snapshot appropriate for the collection's replication shape.
func buildSnapshot(ctx context.Context, st store.Store, c *store.Collection, id string) ([]byte, error) {
	switch c.Snapshot {
	case store.SnapshotComposite:
		parent, err := st.Get(ctx, c.Name, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, errNothingToPublish
		}
		if err != nil {
			return nil, err
		}
		child, err := store.LookupCollection(c.Child)
		if err != nil {
			return nil, err
		}
		items, err := st.ListBy(ctx, child.Name, child.ParentField, id)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(compositePayload{List: parent, Items: items})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal composite snapshot: %w", err)
		}
		return data, nil

	case store.SnapshotWholeCollection:
		items, err := st.List(ctx, c.Name)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(collectionPayload{Items: items})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal collection snapshot: %w", err)
		}
		return data, nil

	default:
		rec, err := st.Get(ctx, c.Name, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, errNothingToPublish
		}
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
		}
		return data, nil
	}
}
