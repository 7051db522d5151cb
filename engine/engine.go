// Package engine implements the gas loan core: offer issuance (nonce
// allocation, canonical payload signing, persistence) and execution
// (acceptance verification, the issued -> executing transition, chain
// settlement, and lifecycle bookkeeping).
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"gaslend/auth"
	"gaslend/chainrpc"
	"gaslend/loan"
	"gaslend/models"
	"gaslend/observability/metrics"
	"gaslend/signer"
	"gaslend/storage"
)

// ChainClient abstracts the settlement node methods the engine uses.
type ChainClient interface {
	ChainID() uint64
	Submit(ctx context.Context, sub chainrpc.Submission) (string, error)
	AwaitReceipt(ctx context.Context, txHash string, timeout time.Duration) (*chainrpc.Receipt, error)
}

// Config captures the engine's dependencies and tunables.
type Config struct {
	Store    *storage.Store
	Signer   signer.Signer
	Chain    ChainClient
	Contract string
	Logger   *slog.Logger

	// DefaultOfferTTL applies when a request omits the offer TTL.
	DefaultOfferTTL time.Duration
	// MaxOfferTTL bounds requested TTLs.
	MaxOfferTTL time.Duration
	// MaxDuration bounds requested loan durations absent a stricter policy.
	MaxDuration time.Duration
	// ConfirmTimeout bounds the receipt wait; on timeout the offer stays
	// executing for reconciliation to resolve.
	ConfirmTimeout time.Duration

	Now func() time.Time
}

// Engine is the offer issuance and execution core.
type Engine struct {
	store          *storage.Store
	signer         signer.Signer
	chain          ChainClient
	contract       string
	logger         *slog.Logger
	defaultTTL     time.Duration
	maxTTL         time.Duration
	maxDuration    time.Duration
	confirmTimeout time.Duration
	now            func() time.Time
}

// New constructs an engine, applying defaults for unset tunables.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DefaultOfferTTL <= 0 {
		cfg.DefaultOfferTTL = 15 * time.Minute
	}
	if cfg.MaxOfferTTL <= 0 {
		cfg.MaxOfferTTL = time.Hour
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 90 * 24 * time.Hour
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		store:          cfg.Store,
		signer:         cfg.Signer,
		chain:          cfg.Chain,
		contract:       strings.TrimSpace(cfg.Contract),
		logger:         cfg.Logger,
		defaultTTL:     cfg.DefaultOfferTTL,
		maxTTL:         cfg.MaxOfferTTL,
		maxDuration:    cfg.MaxDuration,
		confirmTimeout: cfg.ConfirmTimeout,
		now:            cfg.Now,
	}
}

// CreateOfferRequest carries validated transport input for offer issuance.
type CreateOfferRequest struct {
	Borrower        string
	Principal       string
	InterestBps     uint32
	DurationSeconds int64
	OfferTTLSeconds int64
	Action          uint8
	MetadataHash    string
}

// OfferResponse returns everything the borrower's client needs to
// independently reconstruct the canonical payload, verify the service
// signature, and countersign.
type OfferResponse struct {
	ID            uuid.UUID          `json:"id"`
	Borrower      string             `json:"borrower"`
	Principal     string             `json:"principal"`
	InterestBps   uint32             `json:"interestBps"`
	Nonce         uint64             `json:"nonce"`
	IssuedAt      int64              `json:"issuedAt"`
	DueAt         int64              `json:"dueAt"`
	ExpiresAt     int64              `json:"expiresAt"`
	Action        uint8              `json:"action"`
	MetadataHash  string             `json:"metadataHash"`
	Signature     string             `json:"signature"`
	SignerAddress string             `json:"signerAddress"`
	ChainID       uint64             `json:"chainId"`
	Contract      string             `json:"contract"`
	Status        models.OfferStatus `json:"status"`
}

// CreateOffer validates the request, allocates the borrower's next nonce,
// signs the canonical payload, and persists the offer in issued state.
// Every call mints a fresh nonce; retried requests produce distinct offers
// that simply race at execution time.
func (e *Engine) CreateOffer(ctx context.Context, identity *auth.Context, req CreateOfferRequest) (*OfferResponse, error) {
	borrower, err := loan.NormalizeAddress(req.Borrower)
	if err != nil {
		return nil, err
	}
	if req.DurationSeconds <= 0 {
		return nil, fmt.Errorf("%w: durationSeconds must be positive", loan.ErrValidation)
	}
	if req.DurationSeconds > int64(e.maxDuration/time.Second) {
		return nil, fmt.Errorf("%w: durationSeconds exceeds maximum %d", loan.ErrValidation, int64(e.maxDuration/time.Second))
	}
	ttl := e.defaultTTL
	if req.OfferTTLSeconds > 0 {
		ttl = time.Duration(req.OfferTTLSeconds) * time.Second
		if ttl > e.maxTTL {
			return nil, fmt.Errorf("%w: offerTtlSeconds exceeds maximum %d", loan.ErrValidation, int64(e.maxTTL/time.Second))
		}
	}
	if req.InterestBps > loan.MaxInterestBps {
		return nil, fmt.Errorf("%w: interestBps %d exceeds %d", loan.ErrValidation, req.InterestBps, loan.MaxInterestBps)
	}
	principal, err := loan.OfferPayload{Principal: req.Principal}.PrincipalBig()
	if err != nil {
		return nil, err
	}
	metadata, err := loan.NormalizeMetadataHash(req.MetadataHash)
	if err != nil {
		return nil, err
	}
	if err := e.checkPolicy(ctx, borrower, req); err != nil {
		return nil, err
	}

	// All validation precedes allocation: a rejected request must not
	// consume a nonce.
	nonce, err := e.store.AllocateNonce(ctx, borrower)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	payload := loan.OfferPayload{
		Borrower:     borrower,
		Principal:    strings.TrimSpace(req.Principal),
		InterestBps:  req.InterestBps,
		DueAt:        now.Unix() + req.DurationSeconds,
		Nonce:        nonce,
		IssuedAt:     now.Unix(),
		ExpiresAt:    now.Unix() + int64(ttl/time.Second),
		Action:       req.Action,
		MetadataHash: req.MetadataHash,
	}
	digest, err := payload.Digest()
	if err != nil {
		return nil, err
	}
	sig, err := e.signer.Sign(ctx, digest)
	if err != nil {
		return nil, fmt.Errorf("sign offer: %w", err)
	}

	offer := &models.Offer{
		ID:           uuid.New(),
		Borrower:     borrower,
		Nonce:        nonce,
		AgentID:      identity.AgentID,
		Principal:    principal.String(),
		InterestBps:  req.InterestBps,
		Action:       req.Action,
		MetadataHash: metadata,
		Signature:    signer.EncodeSignature(sig),
		Status:       models.StatusIssued,
		IssuedAt:     payload.IssuedAt,
		DueAt:        payload.DueAt,
		ExpiresAt:    payload.ExpiresAt,
	}
	if err := e.store.InsertOffer(ctx, offer); err != nil {
		return nil, err
	}
	metrics.OffersIssued.Inc()
	e.logger.Info("offer issued",
		"agent_id", identity.AgentID,
		"borrower", borrower,
		"nonce", nonce,
		"principal", offer.Principal,
		"expires_at", offer.ExpiresAt,
	)
	return e.offerResponse(offer), nil
}

func (e *Engine) checkPolicy(ctx context.Context, borrower string, req CreateOfferRequest) error {
	policy, err := e.store.GetBorrowerPolicy(ctx, borrower)
	if err != nil {
		return err
	}
	if policy == nil {
		return nil
	}
	if !policy.Enabled {
		return fmt.Errorf("%w: offers disabled for borrower", loan.ErrValidation)
	}
	if policy.MaxDurationSecs > 0 && req.DurationSeconds > policy.MaxDurationSecs {
		return fmt.Errorf("%w: durationSeconds exceeds borrower policy %d", loan.ErrValidation, policy.MaxDurationSecs)
	}
	if strings.TrimSpace(policy.MaxPrincipal) != "" {
		requested := loan.OfferPayload{Principal: req.Principal, Borrower: borrower}
		value, err := requested.PrincipalBig()
		if err != nil {
			return err
		}
		ceiling := loan.OfferPayload{Principal: policy.MaxPrincipal, Borrower: borrower}
		limit, err := ceiling.PrincipalBig()
		if err != nil {
			return fmt.Errorf("borrower policy principal cap: %w", err)
		}
		if value.Cmp(limit) > 0 {
			return fmt.Errorf("%w: principal exceeds borrower policy %s", loan.ErrValidation, policy.MaxPrincipal)
		}
	}
	return nil
}

// ExecuteResponse reports the settlement outcome for an accepted offer.
type ExecuteResponse struct {
	Borrower string             `json:"borrower"`
	Nonce    uint64             `json:"nonce"`
	Status   models.OfferStatus `json:"status"`
	TxHash   string             `json:"txHash"`
	LoanID   string             `json:"loanId,omitempty"`
}

// ExecuteOffer verifies the borrower's acceptance signature, wins the
// issued -> executing transition, and settles the offer on chain. Exactly
// one concurrent caller per (borrower, nonce) reaches the chain; the others
// observe AlreadyExecuting. Indeterminate chain outcomes leave the record
// executing for reconciliation rather than guessing a terminal state.
func (e *Engine) ExecuteOffer(ctx context.Context, borrower string, nonce uint64, borrowerSigHex string) (*ExecuteResponse, error) {
	normalized, err := loan.NormalizeAddress(borrower)
	if err != nil {
		return nil, err
	}
	offer, err := e.store.GetOffer(ctx, normalized, nonce)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	if offer.Status == models.StatusIssued && now.Unix() > offer.ExpiresAt {
		if _, err := e.store.MarkExpired(ctx, normalized, nonce); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: expired at %d", loan.ErrExpired, offer.ExpiresAt)
	}
	switch offer.Status {
	case models.StatusIssued:
	case models.StatusExecuting:
		return nil, loan.ErrAlreadyExecuting
	case models.StatusExpired:
		return nil, loan.ErrExpired
	default:
		return nil, fmt.Errorf("%w: offer already %s", loan.ErrInvalidState, offer.Status)
	}

	if err := e.verifyAcceptance(offer, borrowerSigHex); err != nil {
		return nil, err
	}

	won, err := e.store.MarkExecuting(ctx, normalized, nonce, now)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, loan.ErrAlreadyExecuting
	}
	metrics.ExecutingOffers.Inc()

	// The fetch and the transition both suspend; expiry must hold at the
	// last gate before chain state is touched.
	if e.now().UTC().Unix() > offer.ExpiresAt {
		metrics.ExecutingOffers.Dec()
		if _, err := e.store.MarkFailed(ctx, normalized, nonce, "expired before submission", e.now().UTC()); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: expired before submission", loan.ErrExpired)
	}

	sub := chainrpc.Submission{
		Contract:          e.contract,
		Borrower:          offer.Borrower,
		Principal:         offer.Principal,
		InterestBps:       offer.InterestBps,
		DueAt:             offer.DueAt,
		Nonce:             offer.Nonce,
		IssuedAt:          offer.IssuedAt,
		ExpiresAt:         offer.ExpiresAt,
		Action:            offer.Action,
		MetadataHash:      offer.MetadataHash,
		ServiceSignature:  offer.Signature,
		BorrowerSignature: strings.TrimSpace(borrowerSigHex),
	}
	txHash, err := e.chain.Submit(ctx, sub)
	if err != nil {
		// The call may or may not have reached the node; the record stays
		// executing and reconciliation settles it later.
		metrics.OfferExecutions.WithLabelValues("transient").Inc()
		e.logger.Warn("execution submit indeterminate", "borrower", normalized, "nonce", nonce, "err", err)
		return nil, err
	}
	if err := e.store.RecordTxHash(ctx, normalized, nonce, txHash); err != nil {
		e.logger.Warn("record tx hash", "borrower", normalized, "nonce", nonce, "err", err)
	}

	receipt, err := e.chain.AwaitReceipt(ctx, txHash, e.confirmTimeout)
	if err != nil {
		metrics.OfferExecutions.WithLabelValues("transient").Inc()
		e.logger.Warn("execution confirmation indeterminate",
			"borrower", normalized, "nonce", nonce, "tx_hash", txHash, "err", err)
		return nil, err
	}
	return e.settle(ctx, offer, txHash, receipt)
}

// settle applies a definite receipt to an executing offer.
func (e *Engine) settle(ctx context.Context, offer *models.Offer, txHash string, receipt *chainrpc.Receipt) (*ExecuteResponse, error) {
	now := e.now().UTC()
	if receipt.Success {
		if _, err := e.store.MarkExecuted(ctx, offer.Borrower, offer.Nonce, txHash, receipt.LoanID, now); err != nil {
			return nil, err
		}
		metrics.ExecutingOffers.Dec()
		metrics.OfferExecutions.WithLabelValues("executed").Inc()
		e.logger.Info("offer executed",
			"borrower", offer.Borrower, "nonce", offer.Nonce, "tx_hash", txHash, "loan_id", receipt.LoanID)
		return &ExecuteResponse{
			Borrower: offer.Borrower,
			Nonce:    offer.Nonce,
			Status:   models.StatusExecuted,
			TxHash:   txHash,
			LoanID:   receipt.LoanID,
		}, nil
	}
	reason := receipt.RevertReason
	if reason == "" {
		reason = "execution reverted"
	}
	if _, err := e.store.MarkFailed(ctx, offer.Borrower, offer.Nonce, reason, now); err != nil {
		return nil, err
	}
	metrics.ExecutingOffers.Dec()
	metrics.OfferExecutions.WithLabelValues("failed").Inc()
	e.logger.Warn("offer execution reverted",
		"borrower", offer.Borrower, "nonce", offer.Nonce, "tx_hash", txHash, "reason", reason)
	return nil, fmt.Errorf("%w: %s", loan.ErrChainFatal, reason)
}

// verifyAcceptance recomputes the canonical digest from the stored offer
// and checks the borrower's countersignature against it.
func (e *Engine) verifyAcceptance(offer *models.Offer, borrowerSigHex string) error {
	payload := loan.OfferPayload{
		Borrower:     offer.Borrower,
		Principal:    offer.Principal,
		InterestBps:  offer.InterestBps,
		DueAt:        offer.DueAt,
		Nonce:        offer.Nonce,
		IssuedAt:     offer.IssuedAt,
		ExpiresAt:    offer.ExpiresAt,
		Action:       offer.Action,
		MetadataHash: offer.MetadataHash,
	}
	digest, err := payload.Digest()
	if err != nil {
		return err
	}
	sig, err := signer.DecodeSignature(borrowerSigHex)
	if err != nil {
		return fmt.Errorf("%w: %v", loan.ErrInvalidSignature, err)
	}
	recovered, err := signer.RecoverAddress(digest, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", loan.ErrInvalidSignature, err)
	}
	if strings.ToLower(recovered.Hex()) != offer.Borrower {
		return fmt.Errorf("%w: signature not from borrower", loan.ErrInvalidSignature)
	}
	return nil
}

// ListOffers returns an agent's offers, settling lazy expiry on the way out.
func (e *Engine) ListOffers(ctx context.Context, identity *auth.Context, filter storage.ListFilter) ([]OfferResponse, error) {
	offers, err := e.store.ListOffers(ctx, identity.AgentID, filter)
	if err != nil {
		return nil, err
	}
	out := make([]OfferResponse, 0, len(offers))
	for i := range offers {
		e.lazyExpire(ctx, &offers[i])
		out = append(out, *e.offerResponse(&offers[i]))
	}
	return out, nil
}

// GetOffer returns a single offer by record id, scoped to the issuing agent.
func (e *Engine) GetOffer(ctx context.Context, identity *auth.Context, id uuid.UUID) (*OfferResponse, error) {
	offer, err := e.store.GetOfferByID(ctx, identity.AgentID, id)
	if err != nil {
		return nil, err
	}
	e.lazyExpire(ctx, offer)
	return e.offerResponse(offer), nil
}

func (e *Engine) lazyExpire(ctx context.Context, offer *models.Offer) {
	if offer.Status != models.StatusIssued || e.now().UTC().Unix() <= offer.ExpiresAt {
		return
	}
	won, err := e.store.MarkExpired(ctx, offer.Borrower, offer.Nonce)
	if err != nil {
		e.logger.Warn("lazy expire", "borrower", offer.Borrower, "nonce", offer.Nonce, "err", err)
		return
	}
	if won {
		offer.Status = models.StatusExpired
	}
}

// BorrowerPolicyRequest registers or replaces a borrower's offer caps.
type BorrowerPolicyRequest struct {
	Borrower        string
	MaxPrincipal    string
	MaxDurationSecs int64
	Enabled         bool
}

// RegisterBorrowerPolicy stores per-borrower caps applied at issuance.
func (e *Engine) RegisterBorrowerPolicy(ctx context.Context, identity *auth.Context, req BorrowerPolicyRequest) error {
	borrower, err := loan.NormalizeAddress(req.Borrower)
	if err != nil {
		return err
	}
	if strings.TrimSpace(req.MaxPrincipal) != "" {
		check := loan.OfferPayload{Principal: req.MaxPrincipal}
		if _, err := check.PrincipalBig(); err != nil {
			return err
		}
	}
	if req.MaxDurationSecs < 0 {
		return fmt.Errorf("%w: maxDurationSecs must not be negative", loan.ErrValidation)
	}
	policy := &models.BorrowerPolicy{
		Borrower:        borrower,
		MaxPrincipal:    strings.TrimSpace(req.MaxPrincipal),
		MaxDurationSecs: req.MaxDurationSecs,
		Enabled:         req.Enabled,
	}
	if err := e.store.UpsertBorrowerPolicy(ctx, policy); err != nil {
		return err
	}
	e.logger.Info("borrower policy registered", "agent_id", identity.AgentID, "borrower", borrower)
	return nil
}

func (e *Engine) offerResponse(offer *models.Offer) *OfferResponse {
	return &OfferResponse{
		ID:            offer.ID,
		Borrower:      offer.Borrower,
		Principal:     offer.Principal,
		InterestBps:   offer.InterestBps,
		Nonce:         offer.Nonce,
		IssuedAt:      offer.IssuedAt,
		DueAt:         offer.DueAt,
		ExpiresAt:     offer.ExpiresAt,
		Action:        offer.Action,
		MetadataHash:  offer.MetadataHash,
		Signature:     offer.Signature,
		SignerAddress: e.signer.Address().Hex(),
		ChainID:       e.chain.ChainID(),
		Contract:      e.contract,
		Status:        offer.Status,
	}
}
