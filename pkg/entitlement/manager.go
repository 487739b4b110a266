package entitlement

import (
	"context"
	"errors"
	"time"
)

// Config holds quota manager configuration.
type Config struct {
	// MaxRetries bounds the conditional-update retry loop (default: 5).
	MaxRetries int

	// RetryBackoff is the base delay between retries (default: 10ms).
	// The delay grows linearly with the attempt number.
	RetryBackoff time.Duration

	// Clock returns the current time (default: time.Now). Injected for tests.
	Clock func() time.Time

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics is used for tracking operations (default: NoopMetrics).
	Metrics Metrics
}

// Manager serves the synchronous entitlement paths: the daily
// check-then-consume protocol, status reads, and admin resets. All state
// lives in the Store; every write goes through its conditional-update
// primitive with bounded retry.
type Manager struct {
	store  Store
	config Config
}

// NewManager creates a new quota manager backed by the given store.
func NewManager(store Store, config Config) (*Manager, error) {
	if store == nil {
		return nil, ErrStoreUnavailable
	}

	if config.MaxRetries <= 0 {
		config.MaxRetries = 5
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 10 * time.Millisecond
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	return &Manager{store: store, config: config}, nil
}

// CheckAndConsume atomically performs the daily rollover, checks the
// tier's limit, and consumes one unit of quota. Allowed=false means the
// daily limit is reached; it is a terminal business outcome, not an error.
// ErrConflictRetryExhausted is the transient counterpart: the caller may
// retry the whole call.
//
// The unlimited tier bypasses the counter without writing, so concurrent
// unlimited calls never contend.
func (m *Manager) CheckAndConsume(ctx context.Context, userID, email string) (*ConsumeResult, error) {
	start := m.config.Clock()

	for attempt := 0; attempt < m.config.MaxRetries; attempt++ {
		rec, err := m.loadOrCreate(ctx, userID, email)
		if err != nil {
			return nil, err
		}

		today := StartOfDayUTC(m.config.Clock())

		if rec.Tier == TierProPlus {
			m.config.Metrics.RecordConsume(string(rec.Tier), true, m.config.Clock().Sub(start))
			return &ConsumeResult{Allowed: true, Remaining: Unlimited, ResetDate: today}, nil
		}

		var res ConsumeResult
		_, err = m.store.ConditionalUpdate(ctx, userID, rec.Version, func(r *Record) error {
			rolled := ApplyRollover(r, today)
			if rolled {
				m.config.Metrics.RecordRollover()
			}

			limit := LimitFor(r.Tier)
			if r.QuotaUsed < limit {
				r.QuotaUsed++
				res = ConsumeResult{Allowed: true, Remaining: limit - r.QuotaUsed, ResetDate: r.QuotaResetDate}
				return nil
			}

			// Denied. QuotaUsed may exceed limit after a mid-day downgrade;
			// remaining clamps to 0 and the counter is left alone.
			res = ConsumeResult{Allowed: false, Remaining: 0, ResetDate: r.QuotaResetDate}
			if rolled {
				return nil
			}
			return ErrNoChange
		})

		if errors.Is(err, ErrVersionConflict) {
			m.config.Metrics.RecordConflictRetry("check_and_consume")
			if err := m.backoff(ctx, attempt); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		m.config.Metrics.RecordConsume(string(rec.Tier), res.Allowed, m.config.Clock().Sub(start))
		return &res, nil
	}

	m.config.Metrics.RecordRetryExhausted("check_and_consume")
	m.config.Logger.Warn("check_and_consume retries exhausted", Field{"user_id", userID})
	return nil, ErrConflictRetryExhausted
}

// Status returns the user's materialized entitlement view. Reading a stale
// record triggers the lazy rollover as a side effect; the conditional
// write makes the reset happen exactly once even when two readers race.
func (m *Manager) Status(ctx context.Context, userID, email string) (*StatusResult, error) {
	for attempt := 0; attempt < m.config.MaxRetries; attempt++ {
		rec, err := m.loadOrCreate(ctx, userID, email)
		if err != nil {
			return nil, err
		}

		today := StartOfDayUTC(m.config.Clock())

		if NeedsRollover(rec, today) && rec.Tier != TierProPlus {
			rec, err = m.store.ConditionalUpdate(ctx, userID, rec.Version, func(r *Record) error {
				if !ApplyRollover(r, today) {
					return ErrNoChange
				}
				m.config.Metrics.RecordRollover()
				return nil
			})
			if errors.Is(err, ErrVersionConflict) {
				m.config.Metrics.RecordConflictRetry("status")
				if err := m.backoff(ctx, attempt); err != nil {
					return nil, err
				}
				continue
			}
			if err != nil {
				return nil, err
			}
		}

		return m.statusFor(rec, today), nil
	}

	m.config.Metrics.RecordRetryExhausted("status")
	return nil, ErrConflictRetryExhausted
}

// ForceReset zeroes the user's daily counter for today. Privileged support
// remediation; goes through the same conditional-update path as everything
// else.
func (m *Manager) ForceReset(ctx context.Context, userID string) (*Record, error) {
	for attempt := 0; attempt < m.config.MaxRetries; attempt++ {
		rec, err := m.store.Get(ctx, userID)
		if err != nil {
			return nil, err
		}

		today := StartOfDayUTC(m.config.Clock())
		updated, err := m.store.ConditionalUpdate(ctx, userID, rec.Version, func(r *Record) error {
			r.QuotaUsed = 0
			if r.QuotaResetDate.Before(today) {
				r.QuotaResetDate = today
			}
			return nil
		})
		if errors.Is(err, ErrVersionConflict) {
			m.config.Metrics.RecordConflictRetry("force_reset")
			if err := m.backoff(ctx, attempt); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		m.config.Logger.Info("quota force-reset", Field{"user_id", userID})
		return updated, nil
	}

	m.config.Metrics.RecordRetryExhausted("force_reset")
	return nil, ErrConflictRetryExhausted
}

func (m *Manager) loadOrCreate(ctx context.Context, userID, email string) (*Record, error) {
	rec, err := m.store.Get(ctx, userID)
	if errors.Is(err, ErrRecordNotFound) {
		return m.store.CreateDefault(ctx, userID, email)
	}
	return rec, err
}

func (m *Manager) statusFor(rec *Record, today time.Time) *StatusResult {
	limit := LimitFor(rec.Tier)
	used := rec.QuotaUsed
	if NeedsRollover(rec, today) {
		// Pro-plus records may carry a stale reset date since the unlimited
		// path never writes; report today's counter as empty.
		used = 0
	}

	resetDate := rec.QuotaResetDate
	if resetDate.Before(today) {
		resetDate = today
	}

	return &StatusResult{
		UserID:        rec.UserID,
		Email:         rec.Email,
		Tier:          rec.Tier,
		Status:        rec.Status,
		Used:          used,
		Limit:         limit,
		Remaining:     RemainingFor(rec, today),
		ResetDate:     resetDate,
		BillingPeriod: rec.BillingPeriod,
		ExpiresAt:     rec.ExpiresAt,
	}
}

func (m *Manager) backoff(ctx context.Context, attempt int) error {
	delay := m.config.RetryBackoff * time.Duration(attempt+1)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
