package usage

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/hugh/tollgate/internal/database/models"
)

// MemoryStore is an in-process Store with one mutex per organization.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*memoryAccount
	periods  *Periods
}

type memoryAccount struct {
	mu      sync.Mutex
	account *models.QuotaAccount
	events  []models.UsageEvent
	keys    map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[uuid.UUID]*memoryAccount)}
}

// WithPeriods makes every debit first roll an expired account into the
// current period.
func (s *MemoryStore) WithPeriods(p *Periods) *MemoryStore {
	s.periods = p
	return s
}

// Put installs or replaces an organization's account.
func (s *MemoryStore) Put(account models.QuotaAccount) {
	a := s.entry(account.OrganizationID)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.account = &account
}

// Account returns a copy of the organization's account.
func (s *MemoryStore) Account(orgID uuid.UUID) (models.QuotaAccount, bool) {
	a := s.entry(orgID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.account == nil {
		return models.QuotaAccount{}, false
	}
	return *a.account, true
}

// Events returns a copy of the organization's events in insertion order.
func (s *MemoryStore) Events(orgID uuid.UUID) []models.UsageEvent {
	a := s.entry(orgID)
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.UsageEvent(nil), a.events...)
}

func (s *MemoryStore) Debit(ctx context.Context, orgID uuid.UUID, idempotencyKey string, fn DebitFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a := s.entry(orgID)
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.account != nil && s.periods != nil {
		if _, err := s.periods.Advance(a.account, s.periods.Now()); err != nil {
			return err
		}
	}

	var account *models.QuotaAccount
	if a.account != nil {
		snapshot := *a.account
		account = &snapshot
	}

	var prior *models.UsageEvent
	if idx, ok := a.keys[idempotencyKey]; ok && idempotencyKey != "" {
		event := a.events[idx]
		prior = &event
	}

	event := fn(account, prior)
	if event == nil {
		return nil
	}
	if a.account == nil {
		return errors.New("charge committed without a quota account")
	}

	a.account.Consumed += event.CreditsCharged
	a.events = append(a.events, *event)
	if idempotencyKey != "" {
		a.keys[idempotencyKey] = len(a.events) - 1
	}
	return nil
}

func (s *MemoryStore) entry(orgID uuid.UUID) *memoryAccount {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[orgID]
	if !ok {
		a = &memoryAccount{keys: make(map[string]int)}
		s.accounts[orgID] = a
	}
	return a
}
