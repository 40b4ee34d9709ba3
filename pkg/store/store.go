package store

import (
	"context"
	"encoding/json"
)

// Document is the field set of a single document.
type Document map[string]any

// deleteSentinel marks a field for removal during a merge write.
type deleteSentinel struct{}

// DeleteField removes the field it is assigned to when written with merge=true.
// This mirrors partial-field deletion so a nested record can be dropped without
// disturbing sibling fields.
var DeleteField = deleteSentinel{}

// ChangeKind classifies a collection entry change.
type ChangeKind int

const (
	// ChangeAdded means the entry is new to the subscription.
	ChangeAdded ChangeKind = iota
	// ChangeModified means an existing entry was rewritten.
	ChangeModified
	// ChangeRemoved means the entry was deleted.
	ChangeRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeModified:
		return "modified"
	case ChangeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Change describes one collection entry change delivered to a query subscription.
// Changes arriving in the same callback invocation were observed as one batch.
type Change struct {
	Kind ChangeKind
	ID   string
	Data Document
}

// UnsubscribeFunc cancels a subscription. Safe to call more than once.
type UnsubscribeFunc func()

// Store is a document database with merge-update semantics and push-based
// change notification. Documents live at slash-separated paths; collections
// hold timestamp-ordered entries appended under a path of their own.
type Store interface {
	// Get returns the document at path, reporting whether it exists.
	Get(ctx context.Context, path string) (Document, bool, error)

	// Set writes the document at path. With merge=true existing fields are
	// kept unless overwritten, and fields set to DeleteField are removed.
	// With merge=false the document is replaced wholesale.
	Set(ctx context.Context, path string, data Document, merge bool) error

	// Delete removes the document at path. Deleting an absent document is not
	// an error.
	Delete(ctx context.Context, path string) error

	// Subscribe delivers the document at path after every write to it. The
	// callback runs on a dispatch goroutine owned by the subscription;
	// deliveries for one subscription are serialized in write order.
	Subscribe(path string, fn func(Document)) (UnsubscribeFunc, error)

	// Append writes an entry into the collection at path under the given id.
	// Re-appending an existing id overwrites it.
	Append(ctx context.Context, path, id string, data Document) error

	// QuerySubscribe watches the collection at path for entries whose field
	// equals value, keeping at most limit recent entries in scope. Entries
	// that already exist when the subscription opens are not replayed; only
	// subsequent appends are delivered.
	QuerySubscribe(path, field string, value any, limit int, fn func([]Change)) (UnsubscribeFunc, error)
}

// Encode converts a typed value into a Document via its JSON form.
func Encode(v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Decode fills a typed value from a Document via its JSON form. Tolerant of
// the numeric widening a JSON round trip introduces.
func Decode(doc Document, v any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
