package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store implementation. It backs the unit tests
// and the single-process example; every participant sharing the same instance
// observes the same documents.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]Document

	// Collections keyed by path, entries keyed by id.
	collections map[string]map[string]Document

	docSubs   map[string]map[string]*docSub
	querySubs map[string]map[string]*querySub
}

type docSub struct {
	queue chan Document
	done  chan struct{}
	once  sync.Once
}

type querySub struct {
	field string
	value any
	limit int
	seen  map[string]bool
	queue chan []Change
	done  chan struct{}
	once  sync.Once
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:        make(map[string]Document),
		collections: make(map[string]map[string]Document),
		docSubs:     make(map[string]map[string]*docSub),
		querySubs:   make(map[string]map[string]*querySub),
	}
}

// Get returns the document at path.
func (m *MemoryStore) Get(ctx context.Context, path string) (Document, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[path]
	if !ok {
		return nil, false, nil
	}
	return cloneDocument(doc), true, nil
}

// Set writes the document at path and notifies document subscribers.
func (m *MemoryStore) Set(ctx context.Context, path string, data Document, merge bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()

	var next Document
	if merge {
		next = cloneDocument(m.docs[path])
		if next == nil {
			next = Document{}
		}
	} else {
		next = Document{}
	}
	for k, v := range data {
		if _, del := v.(deleteSentinel); del {
			delete(next, k)
			continue
		}
		next[k] = v
	}
	m.docs[path] = next

	subs := make([]*docSub, 0, len(m.docSubs[path]))
	for _, s := range m.docSubs[path] {
		subs = append(subs, s)
	}
	snapshot := cloneDocument(next)
	m.mu.Unlock()

	for _, s := range subs {
		select {
		case s.queue <- snapshot:
		case <-s.done:
		}
	}
	return nil
}

// Delete removes the document at path.
func (m *MemoryStore) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	_, existed := m.docs[path]
	delete(m.docs, path)

	var subs []*docSub
	if existed {
		for _, s := range m.docSubs[path] {
			subs = append(subs, s)
		}
	}
	m.mu.Unlock()

	for _, s := range subs {
		select {
		case s.queue <- nil:
		case <-s.done:
		}
	}
	return nil
}

// Subscribe watches the document at path.
func (m *MemoryStore) Subscribe(path string, fn func(Document)) (UnsubscribeFunc, error) {
	sub := &docSub{
		queue: make(chan Document, 64),
		done:  make(chan struct{}),
	}
	id := uuid.NewString()

	m.mu.Lock()
	if m.docSubs[path] == nil {
		m.docSubs[path] = make(map[string]*docSub)
	}
	m.docSubs[path][id] = sub
	m.mu.Unlock()

	go func() {
		for {
			select {
			case doc := <-sub.queue:
				fn(doc)
			case <-sub.done:
				return
			}
		}
	}()

	return func() {
		sub.once.Do(func() { close(sub.done) })
		m.mu.Lock()
		delete(m.docSubs[path], id)
		m.mu.Unlock()
	}, nil
}

// Append writes an entry into the collection at path and notifies matching
// query subscribers.
func (m *MemoryStore) Append(ctx context.Context, path, id string, data Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()

	col := m.collections[path]
	if col == nil {
		col = make(map[string]Document)
		m.collections[path] = col
	}
	_, existed := col[id]
	col[id] = cloneDocument(data)

	kind := ChangeAdded
	if existed {
		kind = ChangeModified
	}

	type delivery struct {
		sub   *querySub
		batch []Change
	}
	var deliveries []delivery
	for _, s := range m.querySubs[path] {
		if !matchField(data, s.field, s.value) {
			continue
		}
		if !withinWindow(col, s.field, s.value, s.limit, id, data) {
			continue
		}
		k := kind
		if s.seen[id] {
			k = ChangeModified
		}
		s.seen[id] = true
		deliveries = append(deliveries, delivery{
			sub:   s,
			batch: []Change{{Kind: k, ID: id, Data: cloneDocument(data)}},
		})
	}
	m.mu.Unlock()

	for _, d := range deliveries {
		select {
		case d.sub.queue <- d.batch:
		case <-d.sub.done:
		}
	}
	return nil
}

// QuerySubscribe watches a collection for entries whose field equals value.
// Existing entries are marked seen and never replayed as added.
func (m *MemoryStore) QuerySubscribe(path, field string, value any, limit int, fn func([]Change)) (UnsubscribeFunc, error) {
	sub := &querySub{
		field: field,
		value: value,
		limit: limit,
		seen:  make(map[string]bool),
		queue: make(chan []Change, 64),
		done:  make(chan struct{}),
	}
	id := uuid.NewString()

	m.mu.Lock()
	for entryID, data := range m.collections[path] {
		if matchField(data, field, value) {
			sub.seen[entryID] = true
		}
	}
	if m.querySubs[path] == nil {
		m.querySubs[path] = make(map[string]*querySub)
	}
	m.querySubs[path][id] = sub
	m.mu.Unlock()

	go func() {
		for {
			select {
			case batch := <-sub.queue:
				fn(batch)
			case <-sub.done:
				return
			}
		}
	}()

	return func() {
		sub.once.Do(func() { close(sub.done) })
		m.mu.Lock()
		delete(m.querySubs[path], id)
		m.mu.Unlock()
	}, nil
}

// CollectionIDs returns the ids of a collection sorted lexically. Intended for
// tests and diagnostics.
func (m *MemoryStore) CollectionIDs(path string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.collections[path]))
	for id := range m.collections[path] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func matchField(data Document, field string, value any) bool {
	got, ok := data[field]
	return ok && got == value
}

// withinWindow reports whether the entry ranks inside the limit most recent
// matching entries by timestamp. A stale entry appended behind a full window
// is outside the subscription's scope and never delivered.
func withinWindow(col map[string]Document, field string, value any, limit int, id string, data Document) bool {
	if limit <= 0 {
		return true
	}
	ts := timestampOf(data)
	newer := 0
	for otherID, other := range col {
		if otherID == id || !matchField(other, field, value) {
			continue
		}
		if timestampOf(other) > ts {
			newer++
		}
	}
	return newer < limit
}

func timestampOf(data Document) float64 {
	switch t := data["timestamp"].(type) {
	case int64:
		return float64(t)
	case float64:
		return t
	case int:
		return float64(t)
	default:
		return 0
	}
}

func cloneDocument(doc Document) Document {
	if doc == nil {
		return nil
	}
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Document:
		return cloneDocument(t)
	case map[string]any:
		return cloneDocument(Document(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}
