package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/josephsvk/DRTA/internal/ports"
	"github.com/josephsvk/DRTA/internal/types"
)

// Store is an in-process AllocationStore. A single allocation mutex is held
// for the whole Allocate call; inserts are staged and applied only when the
// transaction body returns nil.
type Store struct {
	alloc sync.Mutex // serializes Allocate
	mu    sync.RWMutex

	records   map[string]types.EnrollmentRecord // by unique ID
	ports     map[int]string
	addresses map[string]string
	nextID    int64

	now func() time.Time
}

func NewStore() *Store {
	return &Store{
		records:   map[string]types.EnrollmentRecord{},
		ports:     map[int]string{},
		addresses: map[string]string{},
		now:       time.Now,
	}
}

type tx struct {
	s      *Store
	staged []types.EnrollmentRecord
}

func (s *Store) Allocate(ctx context.Context, fn ports.AllocateFunc) (types.EnrollmentRecord, error) {
	s.alloc.Lock()
	defer s.alloc.Unlock()

	if err := ctx.Err(); err != nil {
		return types.EnrollmentRecord{}, err
	}
	t := &tx{s: s}
	rec, err := fn(ctx, t)
	if err != nil {
		return types.EnrollmentRecord{}, err
	}
	// Last chance to abort before anything becomes visible.
	if err := ctx.Err(); err != nil {
		return types.EnrollmentRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-check the constraints at commit; staged records may collide with
	// each other if the body inserted more than once.
	for i, r := range t.staged {
		if s.conflicts(r) {
			return types.EnrollmentRecord{}, types.ErrConflict
		}
		for _, o := range t.staged[:i] {
			if o.Port == r.Port || o.Address == r.Address || o.UniqueID == r.UniqueID {
				return types.EnrollmentRecord{}, types.ErrConflict
			}
		}
	}
	for _, r := range t.staged {
		s.records[r.UniqueID] = r
		s.ports[r.Port] = r.UniqueID
		s.addresses[r.Address] = r.UniqueID
	}
	return rec, nil
}

func (s *Store) conflicts(r types.EnrollmentRecord) bool {
	if _, ok := s.ports[r.Port]; ok {
		return true
	}
	if _, ok := s.addresses[r.Address]; ok {
		return true
	}
	_, ok := s.records[r.UniqueID]
	return ok
}

func (t *tx) NextFreePort(ctx context.Context, start, end int) (int, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for p := start; p < end; p++ {
		if _, used := t.s.ports[p]; !used {
			return p, nil
		}
	}
	return 0, types.ErrPortRangeExhausted
}

func (t *tx) IsAddressTaken(ctx context.Context, address string) (bool, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	_, ok := t.s.addresses[address]
	return ok, nil
}

func (t *tx) Insert(ctx context.Context, rec types.EnrollmentRecord) (types.EnrollmentRecord, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.s.conflicts(rec) {
		return types.EnrollmentRecord{}, types.ErrConflict
	}
	// IDs handed out to rolled back transactions are burnt, never reused.
	t.s.nextID++
	rec.ID = t.s.nextID
	rec.CreatedAt = t.s.now().UTC()
	t.staged = append(t.staged, rec)
	return rec, nil
}

func (s *Store) List(ctx context.Context) ([]types.EnrollmentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.EnrollmentRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Get(ctx context.Context, uniqueID string) (types.EnrollmentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[uniqueID]
	if !ok {
		return types.EnrollmentRecord{}, types.ErrNotFound
	}
	return r, nil
}

func (s *Store) Delete(ctx context.Context, uniqueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[uniqueID]
	if !ok {
		return types.ErrNotFound
	}
	delete(s.records, uniqueID)
	delete(s.ports, r.Port)
	delete(s.addresses, r.Address)
	return nil
}

func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = map[string]types.EnrollmentRecord{}
	s.ports = map[int]string{}
	s.addresses = map[string]string{}
	return nil
}

func (s *Store) Close() error { return nil }
