package storage

import (
	"reflect"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	ecs "github.com/DangerosoDavo/renderecs"
)

// NewSharedStrategy constructs a shared storage strategy. Entities holding an
// equal value reference one stored instance, which suits asset handles: many
// mirrors point at the same mesh or material.
//
// Shared values are immutable from the perspective of a single entity. To
// change one entity's value, Set a new value; the old instance is released
// once no entity references it.
func NewSharedStrategy() ecs.StorageStrategy {
	return sharedStrategy{}
}

type sharedStrategy struct{}

func (sharedStrategy) Name() string {
	return "shared"
}

func (sharedStrategy) NewStore(t ecs.ComponentType) ecs.ComponentStore {
	return &sharedStore{
		typ:           t,
		entityToValue: make(map[ecs.EntityID]uint32),
		valueToData:   make(map[uint32]*sharedValue),
		comparable:    make(map[any]uint32),
		nextValueID:   1,
	}
}

type sharedValue struct {
	data     any
	refCount int
}

type sharedStore struct {
	mu            sync.RWMutex
	typ           ecs.ComponentType
	entityToValue map[ecs.EntityID]uint32
	valueToData   map[uint32]*sharedValue
	// comparable indexes values whose dynamic type supports ==, so handle
	// lookups skip the DeepEqual scan.
	comparable  map[any]uint32
	nextValueID uint32
	count       int
}

func (s *sharedStore) ComponentType() ecs.ComponentType {
	return s.typ
}

func (s *sharedStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

func (s *sharedStore) Has(id ecs.EntityID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.entityToValue[id]
	return exists
}

func (s *sharedStore) Get(id ecs.EntityID) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	valueID, exists := s.entityToValue[id]
	if !exists {
		return nil, false
	}
	sharedVal, ok := s.valueToData[valueID]
	if !ok {
		return nil, false
	}
	return sharedVal.data, true
}

// Iterate visits entities in ascending index order.
func (s *sharedStore) Iterate(fn func(ecs.EntityID, any) bool) {
	s.mu.RLock()
	ids := maps.Keys(s.entityToValue)
	slices.SortFunc(ids, func(a, b ecs.EntityID) int { return a.Compare(b) })
	values := make([]any, len(ids))
	for i, id := range ids {
		if v, ok := s.valueToData[s.entityToValue[id]]; ok {
			values[i] = v.data
		}
	}
	s.mu.RUnlock()

	for i, id := range ids {
		if !fn(id, values[i]) {
			return
		}
	}
}

func (s *sharedStore) Set(id ecs.EntityID, value any) error {
	if id.IsZero() {
		return errors.Wrapf(ecs.ErrZeroEntity, "shared %s", s.typ)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if oldValueID, exists := s.entityToValue[id]; exists {
		s.releaseLocked(oldValueID)
	} else {
		s.count++
	}
	s.entityToValue[id] = s.acquireLocked(value)
	return nil
}

func (s *sharedStore) Remove(id ecs.EntityID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	valueID, exists := s.entityToValue[id]
	if !exists {
		return false
	}
	delete(s.entityToValue, id)
	s.releaseLocked(valueID)
	s.count--
	return true
}

func (s *sharedStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entityToValue = make(map[ecs.EntityID]uint32)
	s.valueToData = make(map[uint32]*sharedValue)
	s.comparable = make(map[any]uint32)
	s.count = 0
}

func isComparable(value any) bool {
	return value != nil && reflect.TypeOf(value).Comparable()
}

// acquireLocked returns the value ID holding an equal value, creating one if needed.
func (s *sharedStore) acquireLocked(value any) uint32 {
	if isComparable(value) {
		if valueID, ok := s.comparable[value]; ok {
			s.valueToData[valueID].refCount++
			return valueID
		}
	} else {
		for valueID, sharedVal := range s.valueToData {
			if reflect.DeepEqual(sharedVal.data, value) {
				sharedVal.refCount++
				return valueID
			}
		}
	}

	valueID := s.nextValueID
	s.nextValueID++
	s.valueToData[valueID] = &sharedValue{data: value, refCount: 1}
	if isComparable(value) {
		s.comparable[value] = valueID
	}
	return valueID
}

func (s *sharedStore) releaseLocked(valueID uint32) {
	sharedVal, ok := s.valueToData[valueID]
	if !ok {
		return
	}
	sharedVal.refCount--
	if sharedVal.refCount > 0 {
		return
	}
	delete(s.valueToData, valueID)
	if isComparable(sharedVal.data) {
		delete(s.comparable, sharedVal.data)
	}
}

// Stats returns sharing statistics for the store.
func (s *sharedStore) Stats() SharedStorageStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return SharedStorageStats{
		EntityCount:      s.count,
		UniqueValueCount: len(s.valueToData),
		SharingRatio:     float64(s.count) / float64(max(len(s.valueToData), 1)),
	}
}

// SharedStorageStats provides metrics about shared component storage efficiency.
type SharedStorageStats struct {
	EntityCount      int     // entities with this component
	UniqueValueCount int     // distinct stored values
	SharingRatio     float64 // entities per distinct value
}

// StatsOf reports sharing statistics when view is backed by the shared strategy.
func StatsOf(view ecs.ComponentView) (SharedStorageStats, bool) {
	store, ok := view.(*sharedStore)
	if !ok {
		return SharedStorageStats{}, false
	}
	return store.Stats(), true
}

var _ ecs.ComponentStore = (*sharedStore)(nil)
