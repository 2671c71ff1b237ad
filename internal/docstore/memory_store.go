package docstore

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/safetrade/internal/faults"
)

type docKey struct {
	coll string
	id   string
}

type version struct {
	n    uint64
	body []byte
}

// MemoryStore is an in-process UnitOfWork with optimistic concurrency.
// Each unit records the versions it read; commit fails with a conflict if
// any of them moved, and the runner re-executes the unit.
type MemoryStore struct {
	runner

	mu    sync.RWMutex
	docs  map[docKey]version
	colls map[string]uint64 // bumped on any write, guards scans

	// beforeCommit runs with the commit lock held. Tests use it to inject
	// concurrent writes.
	beforeCommit func(m *MemoryStore)
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts Options) *MemoryStore {
	if opts.MaxAttempts <= 0 {
		opts = DefaultOptions()
	}
	m := &MemoryStore{
		docs:  make(map[docKey]version),
		colls: make(map[string]uint64),
	}
	m.runner = runner{name: "memory", opts: opts, begin: m.begin}
	return m
}

func (m *MemoryStore) Run(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return m.run(ctx, false, fn)
}

func (m *MemoryStore) View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return m.run(ctx, true, fn)
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) begin(ctx context.Context, _ bool) (txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memTxn{
		store:   m,
		reads:   make(map[docKey]uint64),
		scans:   make(map[string]uint64),
		writes:  make(map[docKey][]byte),
		inserts: make(map[docKey]bool),
	}, nil
}

// writeLocked applies one document write. Caller holds mu.
func (m *MemoryStore) writeLocked(k docKey, body []byte) {
	cur := m.docs[k]
	m.docs[k] = version{n: cur.n + 1, body: body}
	m.colls[k.coll]++
}

type memTxn struct {
	store   *MemoryStore
	reads   map[docKey]uint64 // 0 = read as absent
	scans   map[string]uint64
	writes  map[docKey][]byte
	order   []docKey
	inserts map[docKey]bool
}

func (t *memTxn) get(ctx context.Context, coll, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k := docKey{coll, id}
	if body, ok := t.writes[k]; ok {
		return body, nil
	}
	t.store.mu.RLock()
	v, ok := t.store.docs[k]
	t.store.mu.RUnlock()
	if _, seen := t.reads[k]; !seen {
		t.reads[k] = v.n
	}
	if !ok {
		return nil, errAbsent
	}
	return v.body, nil
}

func (t *memTxn) put(ctx context.Context, coll, id string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k := docKey{coll, id}
	if _, ok := t.writes[k]; !ok {
		t.order = append(t.order, k)
	}
	t.writes[k] = body
	return nil
}

func (t *memTxn) insert(ctx context.Context, coll, id string, body []byte) error {
	k := docKey{coll, id}
	if _, ok := t.writes[k]; ok {
		return faults.ErrConflict
	}
	t.store.mu.RLock()
	_, exists := t.store.docs[k]
	t.store.mu.RUnlock()
	if exists {
		return faults.ErrConflict
	}
	t.inserts[k] = true
	return t.put(ctx, coll, id, body)
}

func (t *memTxn) scan(ctx context.Context, coll string, _ *match) ([]doc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	merged := make(map[string][]byte)

	t.store.mu.RLock()
	if _, seen := t.scans[coll]; !seen {
		t.scans[coll] = t.store.colls[coll]
	}
	for k, v := range t.store.docs {
		if k.coll == coll {
			merged[k.id] = v.body
		}
	}
	t.store.mu.RUnlock()

	for k, body := range t.writes {
		if k.coll == coll {
			merged[k.id] = body
		}
	}

	out := make([]doc, 0, len(merged))
	for id, body := range merged {
		out = append(out, doc{id: id, body: body})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out, nil
}

func (t *memTxn) commit() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.beforeCommit != nil {
		s.beforeCommit(s)
	}
	for k, n := range t.reads {
		if s.docs[k].n != n {
			return faults.ErrConflict
		}
	}
	for coll, n := range t.scans {
		if s.colls[coll] != n {
			return faults.ErrConflict
		}
	}
	for k := range t.inserts {
		if _, exists := s.docs[k]; exists {
			return faults.ErrConflict
		}
	}
	for _, k := range t.order {
		s.writeLocked(k, t.writes[k])
	}
	return nil
}

func (t *memTxn) rollback() {}
