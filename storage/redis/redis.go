// Package redis provides a Redis implementation of the entitlement.Store
// interface. Record mutations use Redis optimistic transactions (WATCH /
// MULTI / EXEC): a concurrent write to a watched key aborts the EXEC, which
// surfaces as ErrVersionConflict and is retried by the caller.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/planpilot/metering/pkg/entitlement"
)

// Store implements entitlement.Store using Redis.
type Store struct {
	client redis.UniversalClient
	config Config
	clock  func() time.Time
}

// Config holds Redis store configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "metering:")
	KeyPrefix string

	// EventTTL bounds how long webhook dedup rows are kept
	// (0 = no expiration)
	EventTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "metering:",
		EventTTL:  0,
	}
}

// New creates a new Redis store.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "metering:"
	}

	return &Store{
		client: client,
		config: config,
		clock:  time.Now,
	}, nil
}

// SetClock overrides the time source. Test hook.
func (s *Store) SetClock(clock func() time.Time) {
	s.clock = clock
}

// Ping checks the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) recordKey(userID string) string {
	return s.config.KeyPrefix + "record:" + userID
}

func (s *Store) customerKey(customerID string) string {
	return s.config.KeyPrefix + "cust:" + customerID
}

func (s *Store) emailKey(email string) string {
	return s.config.KeyPrefix + "email:" + email
}

func (s *Store) unlinkedKey() string {
	return s.config.KeyPrefix + "unlinked"
}

func (s *Store) eventKey(eventID string) string {
	return s.config.KeyPrefix + "event:" + eventID
}

// Get implements entitlement.Store.
func (s *Store) Get(ctx context.Context, userID string) (*entitlement.Record, error) {
	data, err := s.client.Get(ctx, s.recordKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, entitlement.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return decodeRecord(data)
}

// CreateDefault implements entitlement.Store.
func (s *Store) CreateDefault(ctx context.Context, userID, email string) (*entitlement.Record, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	var rec *entitlement.Record
	key := s.recordKey(userID)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == nil {
			rec, err = decodeRecord(data)
			return err
		}
		if !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to get record: %w", err)
		}

		now := s.clock().UTC()
		rec = &entitlement.Record{
			UserID:         userID,
			Email:          email,
			Tier:           entitlement.TierFree,
			Status:         entitlement.StatusActive,
			QuotaResetDate: entitlement.StartOfDayUTC(now),
			Version:        1,
			UpdatedAt:      now,
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.writeRecord(ctx, pipe, nil, rec)
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		// Another writer created the record first.
		return s.Get(ctx, userID)
	}
	if err != nil {
		return nil, err
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

// update is the shared versioned read-modify-write. When eventID is set,
// the dedup row is written in the same EXEC as the record, so a crash can
// never persist one without the other.
func (s *Store) update(ctx context.Context, userID, eventID, action string, expectedVersion int64, mutate entitlement.MutateFunc) (*entitlement.Record, error) {
	var result *entitlement.Record
	recordKey := s.recordKey(userID)
	watched := []string{recordKey}
	if eventID != "" {
		watched = append(watched, s.eventKey(eventID))
	}

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		if eventID != "" {
			exists, err := tx.Exists(ctx, s.eventKey(eventID)).Result()
			if err != nil {
				return fmt.Errorf("failed to check processed event: %w", err)
			}
			if exists > 0 {
				return entitlement.ErrEventAlreadyProcessed
			}
		}

		data, err := tx.Get(ctx, recordKey).Bytes()
		if errors.Is(err, redis.Nil) {
			return entitlement.ErrRecordNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get record: %w", err)
		}
		cur, err := decodeRecord(data)
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

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := s.writeRecord(ctx, pipe, cur, next); err != nil {
				return err
			}
			if eventID != "" {
				event := entitlement.ProcessedEvent{
					EventID:     eventID,
					Action:      action,
					ProcessedAt: next.UpdatedAt,
				}
				eventData, err := json.Marshal(event)
				if err != nil {
					return fmt.Errorf("failed to encode event: %w", err)
				}
				pipe.Set(ctx, s.eventKey(eventID), eventData, s.config.EventTTL)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = next
		return nil
	}, watched...)

	if errors.Is(err, redis.TxFailedErr) {
		return nil, entitlement.ErrVersionConflict
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// writeRecord queues the record SET plus index maintenance. prev is nil on
// create.
func (s *Store) writeRecord(ctx context.Context, pipe redis.Pipeliner, prev, rec *entitlement.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	pipe.Set(ctx, s.recordKey(rec.UserID), data, 0)

	if prev != nil && prev.ProviderCustomerID != "" && prev.ProviderCustomerID != rec.ProviderCustomerID {
		pipe.Del(ctx, s.customerKey(prev.ProviderCustomerID))
	}
	if rec.ProviderCustomerID != "" {
		pipe.Set(ctx, s.customerKey(rec.ProviderCustomerID), rec.UserID, 0)
		pipe.ZRem(ctx, s.unlinkedKey(), rec.UserID)
	} else {
		pipe.ZAdd(ctx, s.unlinkedKey(), redis.Z{
			Score:  float64(rec.UpdatedAt.UnixMilli()),
			Member: rec.UserID,
		})
	}

	if prev != nil && prev.Email != "" && prev.Email != rec.Email {
		pipe.Del(ctx, s.emailKey(prev.Email))
	}
	if rec.Email != "" {
		pipe.Set(ctx, s.emailKey(rec.Email), rec.UserID, 0)
	}
	return nil
}

// HasProcessedEvent implements entitlement.Store.
func (s *Store) HasProcessedEvent(ctx context.Context, eventID string) (bool, error) {
	exists, err := s.client.Exists(ctx, s.eventKey(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return exists > 0, nil
}

// FindByCustomerID implements entitlement.Store.
func (s *Store) FindByCustomerID(ctx context.Context, customerID string) (*entitlement.Record, error) {
	if customerID == "" {
		return nil, entitlement.ErrRecordNotFound
	}

	userID, err := s.client.Get(ctx, s.customerKey(customerID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, entitlement.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up customer index: %w", err)
	}
	return s.Get(ctx, userID)
}

// FindLatestUnlinked implements entitlement.Store.
func (s *Store) FindLatestUnlinked(ctx context.Context) (*entitlement.Record, error) {
	members, err := s.client.ZRevRange(ctx, s.unlinkedKey(), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query unlinked index: %w", err)
	}
	if len(members) == 0 {
		return nil, entitlement.ErrRecordNotFound
	}
	return s.Get(ctx, members[0])
}

// FindByEmail implements entitlement.Store.
func (s *Store) FindByEmail(ctx context.Context, email string) (*entitlement.Record, error) {
	if email == "" {
		return nil, entitlement.ErrRecordNotFound
	}

	userID, err := s.client.Get(ctx, s.emailKey(email)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, entitlement.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up email index: %w", err)
	}
	return s.Get(ctx, userID)
}

func decodeRecord(data []byte) (*entitlement.Record, error) {
	var rec entitlement.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &rec, nil
}
