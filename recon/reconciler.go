// Package recon resolves offers stuck in the executing state. Execution
// never guesses at an indeterminate chain outcome, so a crashed process or
// a confirmation timeout leaves executing rows behind; this pass settles
// them against the chain's own receipt records.
package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gaslend/chainrpc"
	"gaslend/models"
	"gaslend/observability/metrics"
	"gaslend/storage"
)

// ReceiptSource exposes the receipt lookup the reconciler depends on.
type ReceiptSource interface {
	GetReceipt(ctx context.Context, txHash string) (*chainrpc.Receipt, error)
}

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	Store  *storage.Store
	Chain  ReceiptSource
	Logger *slog.Logger

	// MinAge is how long an offer must sit in executing before the
	// reconciler touches it; fresh rows are still owned by their executor.
	MinAge time.Duration
	// BatchSize bounds how many stuck offers one run examines.
	BatchSize int

	Now func() time.Time
}

// Result summarizes one reconciliation run.
type Result struct {
	Examined int
	Executed int
	Failed   int
	Pending  int
}

// Reconciler settles stuck executions against chain receipts.
type Reconciler struct {
	store     *storage.Store
	chain     ReceiptSource
	logger    *slog.Logger
	minAge    time.Duration
	batchSize int
	now       func() time.Time
}

// New constructs a reconciler with sane defaults.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("recon: store required")
	}
	if cfg.Chain == nil {
		return nil, fmt.Errorf("recon: chain receipt source required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	minAge := cfg.MinAge
	if minAge <= 0 {
		minAge = 5 * time.Minute
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		store:     cfg.Store,
		chain:     cfg.Chain,
		logger:    logger,
		minAge:    minAge,
		batchSize: batch,
		now:       now,
	}, nil
}

// Run examines stuck executing offers and settles the ones with a definite
// receipt. Offers whose receipt is still pending, whose lookup fails, or
// that never recorded a transaction hash are left untouched for the next
// pass; only a confirmed success or revert moves a row.
func (r *Reconciler) Run(ctx context.Context) (Result, error) {
	cutoff := r.now().UTC().Add(-r.minAge)
	stuck, err := r.store.ListStuckExecuting(ctx, cutoff, r.batchSize)
	if err != nil {
		return Result{}, err
	}
	result := Result{Examined: len(stuck)}
	for i := range stuck {
		offer := &stuck[i]
		if err := ctx.Err(); err != nil {
			return result, err
		}
		switch r.resolve(ctx, offer) {
		case models.StatusExecuted:
			result.Executed++
		case models.StatusFailed:
			result.Failed++
		default:
			result.Pending++
		}
	}
	if result.Examined > 0 {
		r.logger.Info("reconciliation run",
			"examined", result.Examined,
			"executed", result.Executed,
			"failed", result.Failed,
			"pending", result.Pending,
		)
	}
	// The gauge is corrected from the stored count rather than adjusted by
	// deltas, so in-flight work from a previous process cannot skew it.
	if executing, err := r.store.CountExecuting(ctx); err != nil {
		r.logger.Warn("count executing offers", "err", err)
	} else {
		metrics.ExecutingOffers.Set(float64(executing))
	}
	return result, nil
}

func (r *Reconciler) resolve(ctx context.Context, offer *models.Offer) models.OfferStatus {
	if offer.TxHash == "" {
		// Submission never recorded a hash: the call may still have reached
		// the node, so the row stays for operator inspection.
		r.logger.Warn("executing offer has no tx hash",
			"borrower", offer.Borrower, "nonce", offer.Nonce, "executing_at", offer.ExecutingAt)
		return models.StatusExecuting
	}
	receipt, err := r.chain.GetReceipt(ctx, offer.TxHash)
	if err != nil {
		if !errors.Is(err, chainrpc.ErrReceiptPending) {
			r.logger.Warn("receipt lookup failed",
				"borrower", offer.Borrower, "nonce", offer.Nonce, "tx_hash", offer.TxHash, "err", err)
		}
		return models.StatusExecuting
	}
	now := r.now().UTC()
	if receipt.Success {
		won, err := r.store.MarkExecuted(ctx, offer.Borrower, offer.Nonce, offer.TxHash, receipt.LoanID, now)
		if err != nil {
			r.logger.Warn("mark executed", "borrower", offer.Borrower, "nonce", offer.Nonce, "err", err)
			return models.StatusExecuting
		}
		if won {
			metrics.OfferExecutions.WithLabelValues("executed").Inc()
			r.logger.Info("reconciled stuck execution to executed",
				"borrower", offer.Borrower, "nonce", offer.Nonce, "tx_hash", offer.TxHash)
		}
		return models.StatusExecuted
	}
	reason := receipt.RevertReason
	if reason == "" {
		reason = "execution reverted"
	}
	won, err := r.store.MarkFailed(ctx, offer.Borrower, offer.Nonce, reason, now)
	if err != nil {
		r.logger.Warn("mark failed", "borrower", offer.Borrower, "nonce", offer.Nonce, "err", err)
		return models.StatusExecuting
	}
	if won {
		metrics.OfferExecutions.WithLabelValues("failed").Inc()
		r.logger.Info("reconciled stuck execution to failed",
			"borrower", offer.Borrower, "nonce", offer.Nonce, "tx_hash", offer.TxHash, "reason", reason)
	}
	return models.StatusFailed
}
