package lockout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultMaxAttempts = 5
	DefaultDuration    = 15 * time.Minute
)

var (
	// ErrStoreUnavailable means the guard could not prove the identity is not
	// locked. Login must be refused.
	ErrStoreUnavailable = errors.New("lockout store unavailable")
	ErrUnknownIdentity  = errors.New("unknown identity")
)

// State is the per-identity record kept by a Store.
type State struct {
	Failures    int
	LockedUntil *time.Time
}

// Store persists State. Mutate must run fn as an atomic read-modify-write
// for a single identity; different identities must not block each other.
type Store interface {
	Mutate(ctx context.Context, id uuid.UUID, fn func(*State)) error
}

// Status is a snapshot of an identity's lockout state.
type Status struct {
	Failures    int           `json:"failures"`
	LockedUntil *time.Time    `json:"locked_until,omitempty"`
	RetryAfter  time.Duration `json:"-"`
}

func (s Status) Locked() bool {
	return s.LockedUntil != nil
}

// Guard counts failed logins and locks an identity for a fixed duration once
// the threshold is reached.
type Guard struct {
	store       Store
	maxAttempts int
	duration    time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

type Option func(*Guard)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

func NewGuard(store Store, maxAttempts int, duration time.Duration, logger *slog.Logger, opts ...Option) *Guard {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if duration <= 0 {
		duration = DefaultDuration
	}
	g := &Guard{
		store:       store,
		maxAttempts: maxAttempts,
		duration:    duration,
		now:         time.Now,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RecordFailure counts one failed attempt. Failures while locked change
// nothing; a stale lock is cleared first so the failure starts a new series.
func (g *Guard) RecordFailure(ctx context.Context, id uuid.UUID) (Status, error) {
	var status Status
	var lockedNow bool
	err := g.mutate(ctx, id, func(st *State) {
		now := g.now()
		lockedNow = false
		if st.LockedUntil != nil {
			if now.Before(*st.LockedUntil) {
				status = g.status(*st, now)
				return
			}
			*st = State{}
		}

		st.Failures++
		if st.Failures >= g.maxAttempts {
			until := now.Add(g.duration).UTC()
			st.LockedUntil = &until
			lockedNow = true
		}
		status = g.status(*st, now)
	})
	if err != nil {
		return Status{}, err
	}
	if lockedNow {
		g.logger.Warn("identity locked", "user_id", id, "failures", status.Failures, "locked_until", *status.LockedUntil)
	}
	return status, nil
}

// Admit accepts a verified login. In the same atomic step it refuses the
// login if a lock is active, otherwise it resets the counter. A lock set by
// concurrent failures after the caller's first check is still honored.
func (g *Guard) Admit(ctx context.Context, id uuid.UUID) (Status, error) {
	var status Status
	err := g.mutate(ctx, id, func(st *State) {
		now := g.now()
		if st.LockedUntil != nil && now.Before(*st.LockedUntil) {
			status = g.status(*st, now)
			return
		}
		*st = State{}
		status = Status{}
	})
	if err != nil {
		return Status{}, err
	}
	return status, nil
}

// RecordSuccess resets the counter and any lock unconditionally.
func (g *Guard) RecordSuccess(ctx context.Context, id uuid.UUID) error {
	return g.mutate(ctx, id, func(st *State) {
		*st = State{}
	})
}

// IsLocked reports whether the identity is inside a lockout window. An
// expired lock is cleared as part of the check.
func (g *Guard) IsLocked(ctx context.Context, id uuid.UUID) (bool, error) {
	status, err := g.Status(ctx, id)
	if err != nil {
		return false, err
	}
	return status.Locked(), nil
}

// Status returns the current state, clearing an expired lock.
func (g *Guard) Status(ctx context.Context, id uuid.UUID) (Status, error) {
	var status Status
	err := g.mutate(ctx, id, func(st *State) {
		now := g.now()
		if st.LockedUntil != nil && !now.Before(*st.LockedUntil) {
			*st = State{}
		}
		status = g.status(*st, now)
	})
	return status, err
}

func (g *Guard) status(st State, now time.Time) Status {
	s := Status{Failures: st.Failures, LockedUntil: st.LockedUntil}
	if st.LockedUntil != nil {
		s.RetryAfter = st.LockedUntil.Sub(now)
	}
	return s
}

func (g *Guard) mutate(ctx context.Context, id uuid.UUID, fn func(*State)) error {
	if err := g.store.Mutate(ctx, id, fn); err != nil {
		if errors.Is(err, ErrUnknownIdentity) {
			return err
		}
		g.logger.Error("lockout store failure", "user_id", id, "error", err)
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}
