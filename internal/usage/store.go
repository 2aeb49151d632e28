package usage

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/hugh/tollgate/internal/database/models"
)

var (
	// ErrStoreUnavailable wraps every store fault. No charge is recorded when
	// it is returned.
	ErrStoreUnavailable = errors.New("usage store unavailable")

	// ErrDuplicateIdempotencyKey is returned by a store when a concurrent
	// charge recorded the same key first.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// DebitFunc decides a charge while the account is locked. account is nil when
// the organization has no quota account; prior is the event already recorded
// under the request's idempotency key, if any. Returning an event commits it:
// the store adds its credits to consumed and appends it atomically.
type DebitFunc func(account *models.QuotaAccount, prior *models.UsageEvent) *models.UsageEvent

// Store serializes debits per organization. Different organizations never
// block each other.
type Store interface {
	Debit(ctx context.Context, orgID uuid.UUID, idempotencyKey string, fn DebitFunc) error
}
