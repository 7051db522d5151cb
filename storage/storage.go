// Package storage wraps the relational store behind the atomic operations
// the loan engine relies on: upsert-and-increment nonce allocation and
// conditional status transitions. Both run as single-statement round trips
// so correctness does not depend on in-process locks.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gaslend/loan"
	"gaslend/models"
)

// allocation conflicts are retried a handful of times before surfacing.
const maxAllocateRetries = 3

// Store provides persistence for offers, nonce counters and policies.
type Store struct {
	db *gorm.DB
}

// New wraps an opened gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for migrations and tests.
func (s *Store) DB() *gorm.DB { return s.db }

// AllocateNonce atomically reserves the next nonce for a borrower. The
// first allocation creates the counter row; every call is a single
// INSERT ... ON CONFLICT ... RETURNING, so concurrent callers always
// observe distinct, gap-free values.
func (s *Store) AllocateNonce(ctx context.Context, borrower string) (uint64, error) {
	var lastErr error
	for attempt := 0; attempt < maxAllocateRetries; attempt++ {
		row := models.BorrowerNonce{Borrower: borrower, NextNonce: 1, UpdatedAt: time.Now().UTC()}
		err := s.db.WithContext(ctx).Clauses(
			clause.OnConflict{
				Columns: []clause.Column{{Name: "borrower"}},
				DoUpdates: clause.Assignments(map[string]interface{}{
					"next_nonce": gorm.Expr("next_nonce + 1"),
					"updated_at": time.Now().UTC(),
				}),
			},
			clause.Returning{Columns: []clause.Column{{Name: "next_nonce"}}},
		).Create(&row).Error
		if err == nil {
			if row.NextNonce == 0 {
				return 0, fmt.Errorf("%w: allocator returned empty counter", loan.ErrConflict)
			}
			return row.NextNonce - 1, nil
		}
		if !retriable(err) {
			return 0, fmt.Errorf("allocate nonce: %w", err)
		}
		lastErr = err
	}
	return 0, fmt.Errorf("%w: allocate nonce for %s: %v", loan.ErrConflict, borrower, lastErr)
}

// InsertOffer persists a freshly signed offer in issued state.
func (s *Store) InsertOffer(ctx context.Context, offer *models.Offer) error {
	if offer.ID == uuid.Nil {
		offer.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(offer).Error; err != nil {
		return fmt.Errorf("insert offer: %w", err)
	}
	return nil
}

// GetOffer fetches an offer by its replay key.
func (s *Store) GetOffer(ctx context.Context, borrower string, nonce uint64) (*models.Offer, error) {
	var offer models.Offer
	err := s.db.WithContext(ctx).First(&offer, "borrower = ? AND nonce = ?", borrower, nonce).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, loan.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get offer: %w", err)
	}
	return &offer, nil
}

// GetOfferByID fetches an offer by record id, scoped to the issuing agent.
func (s *Store) GetOfferByID(ctx context.Context, agentID string, id uuid.UUID) (*models.Offer, error) {
	var offer models.Offer
	err := s.db.WithContext(ctx).First(&offer, "id = ? AND agent_id = ?", id, agentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, loan.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get offer by id: %w", err)
	}
	return &offer, nil
}

// ListFilter narrows offer listings.
type ListFilter struct {
	Status   models.OfferStatus
	Borrower string
	Limit    int
	Offset   int
}

// ListOffers returns an agent's offers, newest first.
func (s *Store) ListOffers(ctx context.Context, agentID string, filter ListFilter) ([]models.Offer, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Where("agent_id = ?", agentID)
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Borrower != "" {
		q = q.Where("borrower = ?", filter.Borrower)
	}
	var offers []models.Offer
	if err := q.Order("created_at DESC").Limit(limit).Offset(filter.Offset).Find(&offers).Error; err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	return offers, nil
}

// TransitionStatus performs the conditional status update guarding the
// lifecycle state machine. It reports whether this caller won the
// transition; a false return with nil error means another caller (or an
// earlier pass) already moved the row out of the expected state.
func (s *Store) TransitionStatus(ctx context.Context, borrower string, nonce uint64, from, to models.OfferStatus, updates map[string]interface{}) (bool, error) {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = to
	updates["updated_at"] = time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&models.Offer{}).
		Where("borrower = ? AND nonce = ? AND status = ?", borrower, nonce, from).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("transition %s -> %s: %w", from, to, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// MarkExecuting flips issued -> executing, recording the attempt time.
// Exactly one concurrent caller observes true.
func (s *Store) MarkExecuting(ctx context.Context, borrower string, nonce uint64, at time.Time) (bool, error) {
	return s.TransitionStatus(ctx, borrower, nonce, models.StatusIssued, models.StatusExecuting, map[string]interface{}{
		"executing_at": at,
	})
}

// MarkExecuted settles executing -> executed with the chain outcome.
func (s *Store) MarkExecuted(ctx context.Context, borrower string, nonce uint64, txHash, loanID string, at time.Time) (bool, error) {
	return s.TransitionStatus(ctx, borrower, nonce, models.StatusExecuting, models.StatusExecuted, map[string]interface{}{
		"tx_hash":     txHash,
		"loan_id":     loanID,
		"executed_at": at,
	})
}

// MarkFailed settles executing -> failed with the revert reason.
func (s *Store) MarkFailed(ctx context.Context, borrower string, nonce uint64, reason string, at time.Time) (bool, error) {
	if len(reason) > 512 {
		reason = reason[:512]
	}
	return s.TransitionStatus(ctx, borrower, nonce, models.StatusExecuting, models.StatusFailed, map[string]interface{}{
		"last_error": reason,
		"failed_at":  at,
	})
}

// MarkExpired lazily settles issued -> expired.
func (s *Store) MarkExpired(ctx context.Context, borrower string, nonce uint64) (bool, error) {
	return s.TransitionStatus(ctx, borrower, nonce, models.StatusIssued, models.StatusExpired, nil)
}

// RecordTxHash annotates an executing offer with the submitted hash before
// the receipt lands, so reconciliation can find it if confirmation stalls.
func (s *Store) RecordTxHash(ctx context.Context, borrower string, nonce uint64, txHash string) error {
	err := s.db.WithContext(ctx).Model(&models.Offer{}).
		Where("borrower = ? AND nonce = ? AND status = ?", borrower, nonce, models.StatusExecuting).
		Update("tx_hash", txHash).Error
	if err != nil {
		return fmt.Errorf("record tx hash: %w", err)
	}
	return nil
}

// ListStuckExecuting returns offers that entered executing before the
// cutoff and never settled. Reconciliation resolves them against the chain.
func (s *Store) ListStuckExecuting(ctx context.Context, cutoff time.Time, limit int) ([]models.Offer, error) {
	if limit <= 0 {
		limit = 100
	}
	var offers []models.Offer
	err := s.db.WithContext(ctx).
		Where("status = ? AND executing_at < ?", models.StatusExecuting, cutoff).
		Order("executing_at ASC").Limit(limit).Find(&offers).Error
	if err != nil {
		return nil, fmt.Errorf("list stuck executing: %w", err)
	}
	return offers, nil
}

// CountExecuting returns the number of offers currently in the executing
// state across all borrowers.
func (s *Store) CountExecuting(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Offer{}).
		Where("status = ?", models.StatusExecuting).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count executing: %w", err)
	}
	return count, nil
}

// UpsertBorrowerPolicy creates or replaces a borrower's offer caps.
func (s *Store) UpsertBorrowerPolicy(ctx context.Context, policy *models.BorrowerPolicy) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "borrower"}},
		UpdateAll: true,
	}).Create(policy).Error
	if err != nil {
		return fmt.Errorf("upsert borrower policy: %w", err)
	}
	return nil
}

// GetBorrowerPolicy returns the policy row, or nil when none is registered.
func (s *Store) GetBorrowerPolicy(ctx context.Context, borrower string) (*models.BorrowerPolicy, error) {
	var policy models.BorrowerPolicy
	err := s.db.WithContext(ctx).First(&policy, "borrower = ?", borrower).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get borrower policy: %w", err)
	}
	return &policy, nil
}

// retriable reports whether a storage error is a transient conflict worth
// another attempt (sqlite busy/locked, serialization failures).
func retriable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "busy") ||
		strings.Contains(msg, "could not serialize") ||
		strings.Contains(msg, "deadlock")
}
