package remote

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store. It backs tests and offline
// development; the daemon swaps in a networked implementation behind
// the same interface.
type MemoryStore struct {
	mu        sync.Mutex
	docs      map[string]Fields            // collection/id
	subs      map[string]map[string]Fields // collection/id/sub -> subID
	listeners map[string][]chan struct{}   // collection/id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:      make(map[string]Fields),
		subs:      make(map[string]map[string]Fields),
		listeners: make(map[string][]chan struct{}),
	}
}

func docKey(collection, id string) string { return collection + "/" + id }

func subKey(collection, id, sub string) string { return collection + "/" + id + "/" + sub }

func cloneFields(f Fields) Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		if s, ok := v.([]string); ok {
			out[k] = append([]string(nil), s...)
			continue
		}
		out[k] = v
	}
	return out
}

func (s *MemoryStore) Get(ctx context.Context, collection, id string) (Fields, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.docs[docKey(collection, id)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneFields(f), nil
}

func (s *MemoryStore) Set(ctx context.Context, collection, id string, f Fields) error {
	s.mu.Lock()
	s.docs[docKey(collection, id)] = cloneFields(f)
	s.mu.Unlock()
	s.notify(docKey(collection, id))
	return nil
}

func (s *MemoryStore) UpdateFields(ctx context.Context, collection, id string, f Fields) error {
	s.mu.Lock()
	doc, ok := s.docs[docKey(collection, id)]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	for k, v := range cloneFields(f) {
		doc[k] = v
	}
	s.mu.Unlock()
	s.notify(docKey(collection, id))
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	delete(s.docs, docKey(collection, id))
	// Sub-collections die with their parent.
	for key := range s.subs {
		if len(key) > len(docKey(collection, id)) && key[:len(docKey(collection, id))+1] == docKey(collection, id)+"/" {
			delete(s.subs, key)
		}
	}
	s.mu.Unlock()
	s.notify(docKey(collection, id))
	return nil
}

func (s *MemoryStore) GetSub(ctx context.Context, collection, id, sub, subID string) (Fields, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.subs[subKey(collection, id, sub)]
	if !ok {
		return nil, ErrNotFound
	}
	f, ok := coll[subID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneFields(f), nil
}

func (s *MemoryStore) SetSub(ctx context.Context, collection, id, sub, subID string, f Fields) error {
	s.mu.Lock()
	coll, ok := s.subs[subKey(collection, id, sub)]
	if !ok {
		coll = make(map[string]Fields)
		s.subs[subKey(collection, id, sub)] = coll
	}
	coll[subID] = cloneFields(f)
	s.mu.Unlock()
	s.notify(docKey(collection, id))
	return nil
}

func (s *MemoryStore) ListSub(ctx context.Context, collection, id, sub string) (map[string]Fields, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Fields)
	for subID, f := range s.subs[subKey(collection, id, sub)] {
		out[subID] = cloneFields(f)
	}
	return out, nil
}

func (s *MemoryStore) List(ctx context.Context, collection string) (map[string]Fields, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Fields)
	prefix := collection + "/"
	for key, f := range s.docs {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			out[key[len(prefix):]] = cloneFields(f)
		}
	}
	return out, nil
}

// memoryTx buffers writes until commit. Reads see the overlay first,
// then the store. Nothing touches the store if fn fails.
type memoryTx struct {
	s        *MemoryStore
	docs     map[string]Fields            // nil value marks deletion
	subs     map[string]map[string]Fields // subkey -> subID
	subWipes map[string]bool              // parent doc keys whose subs die on delete
}

func (tx *memoryTx) Get(collection, id string) (Fields, error) {
	key := docKey(collection, id)
	if f, ok := tx.docs[key]; ok {
		if f == nil {
			return nil, ErrNotFound
		}
		return cloneFields(f), nil
	}
	f, ok := tx.s.docs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneFields(f), nil
}

func (tx *memoryTx) Set(collection, id string, f Fields) error {
	tx.docs[docKey(collection, id)] = cloneFields(f)
	return nil
}

func (tx *memoryTx) UpdateFields(collection, id string, f Fields) error {
	doc, err := tx.Get(collection, id)
	if err != nil {
		return err
	}
	for k, v := range cloneFields(f) {
		doc[k] = v
	}
	tx.docs[docKey(collection, id)] = doc
	return nil
}

func (tx *memoryTx) Delete(collection, id string) error {
	tx.docs[docKey(collection, id)] = nil
	tx.subWipes[docKey(collection, id)] = true
	return nil
}

func (tx *memoryTx) GetSub(collection, id, sub, subID string) (Fields, error) {
	if coll, ok := tx.subs[subKey(collection, id, sub)]; ok {
		if f, ok := coll[subID]; ok {
			return cloneFields(f), nil
		}
	}
	coll, ok := tx.s.subs[subKey(collection, id, sub)]
	if !ok {
		return nil, ErrNotFound
	}
	f, ok := coll[subID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneFields(f), nil
}

func (tx *memoryTx) SetSub(collection, id, sub, subID string, f Fields) error {
	key := subKey(collection, id, sub)
	if tx.subs[key] == nil {
		tx.subs[key] = make(map[string]Fields)
	}
	tx.subs[key][subID] = cloneFields(f)
	return nil
}

func (tx *memoryTx) commit() []string {
	var touched []string
	for key, f := range tx.docs {
		if f == nil {
			delete(tx.s.docs, key)
		} else {
			tx.s.docs[key] = f
		}
		touched = append(touched, key)
	}
	for parent := range tx.subWipes {
		for key := range tx.s.subs {
			if len(key) > len(parent) && key[:len(parent)+1] == parent+"/" {
				delete(tx.s.subs, key)
			}
		}
	}
	for key, coll := range tx.subs {
		dst, ok := tx.s.subs[key]
		if !ok {
			dst = make(map[string]Fields)
			tx.s.subs[key] = dst
		}
		for subID, f := range coll {
			dst[subID] = f
		}
		// collection/id/sub -> collection/id
		for i := len(key) - 1; i >= 0; i-- {
			if key[i] == '/' {
				touched = append(touched, key[:i])
				break
			}
		}
	}
	return touched
}

// RunTransaction runs fn with exclusive access to the store and
// commits its buffered writes if fn returns nil.
func (s *MemoryStore) RunTransaction(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	tx := &memoryTx{
		s:        s,
		docs:     make(map[string]Fields),
		subs:     make(map[string]map[string]Fields),
		subWipes: make(map[string]bool),
	}
	err := fn(tx)
	var touched []string
	if err == nil {
		touched = tx.commit()
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	for _, key := range touched {
		s.notify(key)
	}
	return nil
}

func (s *MemoryStore) Listen(collection, id string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	key := docKey(collection, id)
	s.mu.Lock()
	s.listeners[key] = append(s.listeners[key], ch)
	s.mu.Unlock()
	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		chans := s.listeners[key]
		for i, c := range chans {
			if c == ch {
				s.listeners[key] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

// notify ticks every listener of a document. Ticks coalesce; a
// listener that has not drained its channel gets no extra tick.
func (s *MemoryStore) notify(key string) {
	s.mu.Lock()
	chans := append([]chan struct{}(nil), s.listeners[key]...)
	s.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
