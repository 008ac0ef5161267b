// Package remote talks to the shared document store all clients
// reconcile against. Documents are flat field maps grouped into
// collections; rooms carry their messages as a sub-collection.
package remote

import (
	"context"
	"errors"
)

const (
	CollectionUsers  = "users"
	CollectionRooms  = "chatRooms"
	CollectionStatus = "status"

	SubMessages = "messages"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("remote: document not found")

// Fields is the wire shape of a document.
type Fields map[string]any

// Tx is the view of the store inside RunTransaction. All writes land
// atomically when the transaction function returns nil.
type Tx interface {
	Get(collection, id string) (Fields, error)
	Set(collection, id string, f Fields) error
	UpdateFields(collection, id string, f Fields) error
	Delete(collection, id string) error
	GetSub(collection, id, sub, subID string) (Fields, error)
	SetSub(collection, id, sub, subID string, f Fields) error
}

// Store is the document store transport. Implementations must be safe
// for concurrent use.
type Store interface {
	Get(ctx context.Context, collection, id string) (Fields, error)
	Set(ctx context.Context, collection, id string, f Fields) error
	UpdateFields(ctx context.Context, collection, id string, f Fields) error
	Delete(ctx context.Context, collection, id string) error

	GetSub(ctx context.Context, collection, id, sub, subID string) (Fields, error)
	SetSub(ctx context.Context, collection, id, sub, subID string, f Fields) error
	ListSub(ctx context.Context, collection, id, sub string) (map[string]Fields, error)

	List(ctx context.Context, collection string) (map[string]Fields, error)

	RunTransaction(ctx context.Context, fn func(Tx) error) error

	// Listen reports changes to one document as notification ticks.
	// Sub-collection writes tick the parent document. The returned
	// cancel func releases the listener.
	Listen(collection, id string) (<-chan struct{}, func())
}

func asString(f Fields, key string) string {
	s, _ := f[key].(string)
	return s
}

func asInt64(f Fields, key string) int64 {
	switch v := f[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func asInt(f Fields, key string) int {
	return int(asInt64(f, key))
}

func asBool(f Fields, key string) bool {
	b, _ := f[key].(bool)
	return b
}

func asStrings(f Fields, key string) []string {
	switch v := f[key].(type) {
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
