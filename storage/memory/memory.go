// Package memory provides an in-memory implementation of the
// entitlement.Store interface. Primarily intended for testing and
// development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/planpilot/metering/pkg/entitlement"
)

// Store implements entitlement.Store using in-memory maps guarded by a
// single mutex, which makes every record mutation atomic per store.
type Store struct {
	mu      sync.RWMutex
	records map[string]*entitlement.Record
	events  map[string]*entitlement.ProcessedEvent
	clock   func() time.Time
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		records: make(map[string]*entitlement.Record),
		events:  make(map[string]*entitlement.ProcessedEvent),
		clock:   time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (s *Store) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// Get implements entitlement.Store.
func (s *Store) Get(ctx context.Context, userID string) (*entitlement.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[userID]
	if !ok {
		return nil, entitlement.ErrRecordNotFound
	}
	return rec.Clone(), nil
}

// CreateDefault implements entitlement.Store.
func (s *Store) CreateDefault(ctx context.Context, userID, email string) (*entitlement.Record, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[userID]; ok {
		return rec.Clone(), nil
	}

	now := s.clock().UTC()
	rec := &entitlement.Record{
		UserID:         userID,
		Email:          email,
		Tier:           entitlement.TierFree,
		Status:         entitlement.StatusActive,
		QuotaUsed:      0,
		QuotaResetDate: entitlement.StartOfDayUTC(now),
		Version:        1,
		UpdatedAt:      now,
	}
	s.records[userID] = rec
	return rec.Clone(), nil
}

// ConditionalUpdate implements entitlement.Store.
func (s *Store) ConditionalUpdate(ctx context.Context, userID string, expectedVersion int64, mutate entitlement.MutateFunc) (*entitlement.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conditionalUpdateLocked(userID, expectedVersion, mutate)
}

// ApplyEvent implements entitlement.Store.
func (s *Store) ApplyEvent(ctx context.Context, userID, eventID, action string, expectedVersion int64, mutate entitlement.MutateFunc) (*entitlement.Record, error) {
	if eventID == "" {
		return nil, fmt.Errorf("event id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[eventID]; ok {
		return nil, entitlement.ErrEventAlreadyProcessed
	}

	rec, err := s.conditionalUpdateLocked(userID, expectedVersion, mutate)
	if err != nil {
		return nil, err
	}

	s.events[eventID] = &entitlement.ProcessedEvent{
		EventID:     eventID,
		Action:      action,
		ProcessedAt: s.clock().UTC(),
	}
	return rec, nil
}

// HasProcessedEvent implements entitlement.Store.
func (s *Store) HasProcessedEvent(ctx context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.events[eventID]
	return ok, nil
}

// FindByCustomerID implements entitlement.Store.
func (s *Store) FindByCustomerID(ctx context.Context, customerID string) (*entitlement.Record, error) {
	if customerID == "" {
		return nil, entitlement.ErrRecordNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.records {
		if rec.ProviderCustomerID == customerID {
			return rec.Clone(), nil
		}
	}
	return nil, entitlement.ErrRecordNotFound
}

// FindLatestUnlinked implements entitlement.Store.
func (s *Store) FindLatestUnlinked(ctx context.Context) (*entitlement.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *entitlement.Record
	for _, rec := range s.records {
		if rec.ProviderCustomerID != "" {
			continue
		}
		if latest == nil || rec.UpdatedAt.After(latest.UpdatedAt) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, entitlement.ErrRecordNotFound
	}
	return latest.Clone(), nil
}

// FindByEmail implements entitlement.Store.
func (s *Store) FindByEmail(ctx context.Context, email string) (*entitlement.Record, error) {
	if email == "" {
		return nil, entitlement.ErrRecordNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.records {
		if rec.Email == email {
			return rec.Clone(), nil
		}
	}
	return nil, entitlement.ErrRecordNotFound
}

// Clear removes all data (useful for testing).
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]*entitlement.Record)
	s.events = make(map[string]*entitlement.ProcessedEvent)
}

// conditionalUpdateLocked applies the versioned read-modify-write. Caller
// holds the write lock.
func (s *Store) conditionalUpdateLocked(userID string, expectedVersion int64, mutate entitlement.MutateFunc) (*entitlement.Record, error) {
	cur, ok := s.records[userID]
	if !ok {
		return nil, entitlement.ErrRecordNotFound
	}
	if cur.Version != expectedVersion {
		return nil, entitlement.ErrVersionConflict
	}

	next := cur.Clone()
	if err := mutate(next); err != nil {
		if errors.Is(err, entitlement.ErrNoChange) {
			return cur.Clone(), nil
		}
		return nil, err
	}

	next.Version = cur.Version + 1
	next.UpdatedAt = s.clock().UTC()
	s.records[userID] = next
	return next.Clone(), nil
}
