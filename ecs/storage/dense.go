package storage

import (
	"sync"

	"github.com/pkg/errors"

	ecs "github.com/DangerosoDavo/renderecs"
)

type denseStrategy struct{}

// NewDenseStrategy constructs a dense storage strategy: one slot per entity
// index, suited to components nearly every entity of a world carries
// (transforms, visibility records).
func NewDenseStrategy() ecs.StorageStrategy {
	return denseStrategy{}
}

func (denseStrategy) Name() string {
	return "dense"
}

func (denseStrategy) NewStore(t ecs.ComponentType) ecs.ComponentStore {
	return &denseStore{typ: t}
}

type denseStore struct {
	mu    sync.RWMutex
	typ   ecs.ComponentType
	slots []denseSlot
	count int
}

type denseSlot struct {
	generation uint32
	value      any
	occupied   bool
}

func (s *denseStore) ComponentType() ecs.ComponentType {
	return s.typ
}

func (s *denseStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

func (s *denseStore) Has(id ecs.EntityID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasLocked(id)
}

func (s *denseStore) hasLocked(id ecs.EntityID) bool {
	idx := int(id.Index())
	if idx >= len(s.slots) {
		return false
	}
	slot := s.slots[idx]
	return slot.occupied && slot.generation == id.Generation()
}

func (s *denseStore) Get(id ecs.EntityID) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasLocked(id) {
		return nil, false
	}
	return s.slots[int(id.Index())].value, true
}

// Iterate visits occupied slots in index order over a snapshot, so fn may
// mutate the store.
func (s *denseStore) Iterate(fn func(ecs.EntityID, any) bool) {
	type entry struct {
		id    ecs.EntityID
		value any
	}
	s.mu.RLock()
	entries := make([]entry, 0, s.count)
	for idx, slot := range s.slots {
		if slot.occupied {
			entries = append(entries, entry{id: ecs.EntityIDFromParts(uint32(idx), slot.generation), value: slot.value})
		}
	}
	s.mu.RUnlock()

	for _, e := range entries {
		if !fn(e.id, e.value) {
			return
		}
	}
}

// Set stores value for id. A slot held by an older generation of the same
// index is taken over; the stale value is dropped.
func (s *denseStore) Set(id ecs.EntityID, value any) error {
	if id.IsZero() {
		return errors.Wrapf(ecs.ErrZeroEntity, "dense %s", s.typ)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureCapacity(int(id.Index()) + 1)
	slot := &s.slots[int(id.Index())]
	if !slot.occupied {
		s.count++
	}
	slot.occupied = true
	slot.generation = id.Generation()
	slot.value = value
	return nil
}

func (s *denseStore) Remove(id ecs.EntityID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasLocked(id) {
		return false
	}
	s.slots[int(id.Index())] = denseSlot{}
	s.count--
	return true
}

func (s *denseStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots = s.slots[:0]
	s.count = 0
}

func (s *denseStore) ensureCapacity(size int) {
	if size <= len(s.slots) {
		return
	}
	s.slots = append(s.slots, make([]denseSlot, size-len(s.slots))...)
}

var _ ecs.ComponentStore = (*denseStore)(nil)
