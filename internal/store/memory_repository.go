package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/danielabrahamx/blink/internal/domain"
)

// MemoryRepository keeps settlements in process memory. It is used when no
// DATABASE_URL is configured and in tests.
type MemoryRepository struct {
	mu          sync.Mutex
	settlements []domain.Settlement
	now         func() time.Time
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{now: func() time.Time { return time.Now().UTC() }}
}

func (r *MemoryRepository) CreateSettlement(_ context.Context, s *domain.Settlement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settlements = append(r.settlements, cloneSettlement(*s))
	return nil
}

func (r *MemoryRepository) UpdateSettlementByCustodyTx(_ context.Context, custodyTxID string, update SettlementUpdate) (*domain.Settlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.settlements {
		s := &r.settlements[i]
		if s.Status != domain.SettlementSubmitted || !matches(s.CustodyTxID, custodyTxID) {
			continue
		}
		s.Status = update.Status
		if update.TxHash != nil {
			s.TxHash = ptr(*update.TxHash)
		}
		if update.FailureReason != nil {
			s.FailureReason = ptr(*update.FailureReason)
		}
		s.UpdatedAt = r.now()
		out := cloneSettlement(*s)
		return &out, nil
	}
	return nil, domain.ErrSettlementNotFound
}

func (r *MemoryRepository) ListSettlements(_ context.Context, limit int) ([]domain.Settlement, error) {
	return r.list(func(domain.Settlement) bool { return true }, limit, true), nil
}

func (r *MemoryRepository) ListSettlementsByStatus(_ context.Context, status string, limit int) ([]domain.Settlement, error) {
	return r.list(func(s domain.Settlement) bool { return s.Status == status }, limit, false), nil
}

func (r *MemoryRepository) list(keep func(domain.Settlement) bool, limit int, newestFirst bool) []domain.Settlement {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.Settlement
	for _, s := range r.settlements {
		if keep(s) {
			out = append(out, cloneSettlement(s))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit = NormalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out
}

func matches(field *string, id string) bool {
	return field != nil && *field == id
}

func ptr(s string) *string {
	return &s
}

func cloneSettlement(s domain.Settlement) domain.Settlement {
	clone := s
	for _, f := range []struct {
		dst **string
		src *string
	}{
		{&clone.Recipient, s.Recipient},
		{&clone.ApprovalTxID, s.ApprovalTxID},
		{&clone.CustodyTxID, s.CustodyTxID},
		{&clone.TxHash, s.TxHash},
		{&clone.FailedStep, s.FailedStep},
		{&clone.FailureReason, s.FailureReason},
	} {
		if f.src != nil {
			*f.dst = ptr(*f.src)
		}
	}
	return clone
}
