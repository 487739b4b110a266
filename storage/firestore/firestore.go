// Package firestore provides a Google Cloud Firestore implementation of the
// entitlement.Store interface. Conditional updates run inside Firestore
// transactions; the version field is re-checked in the transaction so a
// concurrent commit surfaces as ErrVersionConflict. Webhook dedup uses
// tx.Create on the processed-events collection, which fails the transaction
// atomically when the document already exists.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/planpilot/metering/pkg/entitlement"
)

// Store implements entitlement.Store using Google Cloud Firestore.
type Store struct {
	client            *firestore.Client
	recordsCollection string
	eventsCollection  string
	clock             func() time.Time
}

// Config holds Firestore store configuration.
type Config struct {
	// RecordsCollection is the collection for entitlement records
	// Default: "entitlement_records"
	RecordsCollection string

	// EventsCollection is the collection for processed webhook events
	// Default: "processed_webhook_events"
	EventsCollection string
}

// New creates a new Firestore store.
func New(client *firestore.Client, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}
	if config.RecordsCollection == "" {
		config.RecordsCollection = "entitlement_records"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "processed_webhook_events"
	}

	return &Store{
		client:            client,
		recordsCollection: config.RecordsCollection,
		eventsCollection:  config.EventsCollection,
		clock:             time.Now,
	}, nil
}

// SetClock overrides the time source. Test hook.
func (s *Store) SetClock(clock func() time.Time) {
	s.clock = clock
}

func (s *Store) recordDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.recordsCollection).Doc(userID)
}

func (s *Store) eventDoc(eventID string) *firestore.DocumentRef {
	return s.client.Collection(s.eventsCollection).Doc(eventID)
}

// Get implements entitlement.Store.
func (s *Store) Get(ctx context.Context, userID string) (*entitlement.Record, error) {
	snap, err := s.recordDoc(userID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, entitlement.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return decodeSnap(snap)
}

// CreateDefault implements entitlement.Store.
func (s *Store) CreateDefault(ctx context.Context, userID, email string) (*entitlement.Record, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	now := s.clock().UTC()
	rec := &entitlement.Record{
		UserID:         userID,
		Email:          email,
		Tier:           entitlement.TierFree,
		Status:         entitlement.StatusActive,
		QuotaResetDate: entitlement.StartOfDayUTC(now),
		Version:        1,
		UpdatedAt:      now,
	}

	_, err := s.recordDoc(userID).Create(ctx, rec)
	if status.Code(err) == codes.AlreadyExists {
		return s.Get(ctx, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create default record: %w", err)
	}
	return rec, nil
}

// ConditionalUpdate implements entitlement.Store.
func (s *Store) ConditionalUpdate(ctx context.Context, userID string, expectedVersion int64, mutate entitlement.MutateFunc) (*entitlement.Record, error) {
	return s.update(ctx, userID, "", "", expectedVersion, mutate)
}

// ApplyEvent implements entitlement.Store.
func (s *Store) ApplyEvent(ctx context.Context, userID, eventID, action string, expectedVersion int64, mutate entitlement.MutateFunc) (*entitlement.Record, error) {
	if eventID == "" {
		return nil, fmt.Errorf("event id is required")
	}
	return s.update(ctx, userID, eventID, action, expectedVersion, mutate)
}

func (s *Store) update(ctx context.Context, userID, eventID, action string, expectedVersion int64, mutate entitlement.MutateFunc) (*entitlement.Record, error) {
	var result *entitlement.Record

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(s.recordDoc(userID))
		if status.Code(err) == codes.NotFound {
			return entitlement.ErrRecordNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get record: %w", err)
		}
		cur, err := decodeSnap(snap)
		if err != nil {
			return err
		}
		if cur.Version != expectedVersion {
			return entitlement.ErrVersionConflict
		}

		next := cur.Clone()
		if err := mutate(next); err != nil {
			if errors.Is(err, entitlement.ErrNoChange) {
				result = cur
				return nil
			}
			return err
		}

		next.Version = cur.Version + 1
		next.UpdatedAt = s.clock().UTC()

		if eventID != "" {
			event := entitlement.ProcessedEvent{
				EventID:     eventID,
				Action:      action,
				ProcessedAt: next.UpdatedAt,
			}
			if err := tx.Create(s.eventDoc(eventID), event); err != nil {
				return fmt.Errorf("failed to record event: %w", err)
			}
		}
		if err := tx.Set(s.recordDoc(userID), next); err != nil {
			return fmt.Errorf("failed to set record: %w", err)
		}

		result = next
		return nil
	})

	if status.Code(err) == codes.AlreadyExists && eventID != "" {
		return nil, entitlement.ErrEventAlreadyProcessed
	}
	if status.Code(err) == codes.Aborted {
		return nil, entitlement.ErrVersionConflict
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// HasProcessedEvent implements entitlement.Store.
func (s *Store) HasProcessedEvent(ctx context.Context, eventID string) (bool, error) {
	_, err := s.eventDoc(eventID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return true, nil
}

// FindByCustomerID implements entitlement.Store.
func (s *Store) FindByCustomerID(ctx context.Context, customerID string) (*entitlement.Record, error) {
	if customerID == "" {
		return nil, entitlement.ErrRecordNotFound
	}
	return s.queryOne(ctx, s.client.Collection(s.recordsCollection).
		Where("providerCustomerId", "==", customerID).
		Limit(1))
}

// FindLatestUnlinked implements entitlement.Store.
func (s *Store) FindLatestUnlinked(ctx context.Context) (*entitlement.Record, error) {
	return s.queryOne(ctx, s.client.Collection(s.recordsCollection).
		Where("providerCustomerId", "==", "").
		OrderBy("updatedAt", firestore.Desc).
		Limit(1))
}

// FindByEmail implements entitlement.Store.
func (s *Store) FindByEmail(ctx context.Context, email string) (*entitlement.Record, error) {
	if email == "" {
		return nil, entitlement.ErrRecordNotFound
	}
	return s.queryOne(ctx, s.client.Collection(s.recordsCollection).
		Where("email", "==", email).
		Limit(1))
}

func (s *Store) queryOne(ctx context.Context, q firestore.Query) (*entitlement.Record, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return nil, entitlement.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	return decodeSnap(snap)
}

func decodeSnap(snap *firestore.DocumentSnapshot) (*entitlement.Record, error) {
	var rec entitlement.Record
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &rec, nil
}
