package store

import "fmt"

// SnapshotKind describes how a collection is replicated.
type SnapshotKind int

const (
	// SnapshotPerRow publishes one event per record.
	SnapshotPerRow SnapshotKind = iota
	// SnapshotComposite publishes a parent record together with its child
	// rows as one event (the shopping list and its items).
	SnapshotComposite
	// SnapshotWholeCollection publishes the entire collection contents as
	// one event at a fixed address.
	SnapshotWholeCollection
)

// PlainField is a record field persisted as a dedicated plaintext column so
// local queries do not require decrypting every row.
type PlainField struct {
	Field  string // record field name, e.g. "shoppingListId"
	Column string // sqlite column name, e.g. "shopping_list_id"
}

// Collection describes one replicated entity collection.
type Collection struct {
	Name        string // wire/collection name, e.g. "shoppingListItem"
	Table       string // local table name
	PlainFields []PlainField
	Snapshot    SnapshotKind

	// For composite children: the parent collection and the child field
	// holding the parent id. Child changes replicate through the parent.
	Parent      string
	ParentField string

	// For composite parents: the child collection name.
	Child string
}

// Collections is the registry of replicated collections. The sync queue and
// watermark tables are operational metadata, not collections, and are never
// encrypted or replicated.
var Collections = []Collection{
	{Name: "meal", Table: "meal"},
	{Name: "plan", Table: "plan", PlainFields: []PlainField{{Field: "date", Column: "date"}}},
	{Name: "snack", Table: "snack"},
	{Name: "event", Table: "event", PlainFields: []PlainField{{Field: "date", Column: "date"}}},
	{Name: "shoppingList", Table: "shopping_list", Snapshot: SnapshotComposite, Child: "shoppingListItem"},
	{Name: "shoppingListItem", Table: "shopping_list_item",
		PlainFields: []PlainField{{Field: "shoppingListId", Column: "shopping_list_id"}},
		Parent:      "shoppingList", ParentField: "shoppingListId"},
	{Name: "frequentItem", Table: "frequent_item", Snapshot: SnapshotWholeCollection},
	{Name: "setting", Table: "setting", Snapshot: SnapshotWholeCollection},
}

// LookupCollection returns the registered collection with the given name.
func LookupCollection(name string) (*Collection, error) {
	for i := range Collections {
		if Collections[i].Name == name {
			return &Collections[i], nil
		}
	}
	return nil, fmt.Errorf("unknown collection %q", name)
}

func (c *Collection) plainColumn(field string) (string, bool) {
	for _, pf := range c.PlainFields {
		if pf.Field == field {
			return pf.Column, true
		}
	}
	return "", false
}
