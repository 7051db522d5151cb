package engine

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"gaslend/auth"
	"gaslend/chainrpc"
	"gaslend/loan"
	"gaslend/models"
	"gaslend/signer"
	"gaslend/storage"
)

const testContract = "0x00000000000000000000000000000000000000cc"

var testIdentity = &auth.Context{AgentID: "agent-1", AgentName: "relayer-one", Karma: 10}

type testEnv struct {
	engine   *Engine
	store    *storage.Store
	chain    *fakeChain
	clock    *fakeClock
	service  *signer.KeySigner
	borrower *ecdsa.PrivateKey
}

func borrowerAddress(key *ecdsa.PrivateKey) string {
	addr, _ := loan.NormalizeAddress(ethcrypto.PubkeyToAddress(key.PublicKey).Hex())
	return addr
}

func setupEngine(t *testing.T, chain *fakeChain) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=busy_timeout(10000)", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("raw db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	serviceKey, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("service key: %v", err)
	}
	service, err := signer.NewFromHex(fmt.Sprintf("%x", ethcrypto.FromECDSA(serviceKey)))
	if err != nil {
		t.Fatalf("service signer: %v", err)
	}
	borrowerKey, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("borrower key: %v", err)
	}

	clock := newFakeClock(time.Unix(1_700_000_000, 0).UTC())
	store := storage.New(db)
	eng := New(Config{
		Store:           store,
		Signer:          service,
		Chain:           chain,
		Contract:        testContract,
		Logger:          slog.Default(),
		DefaultOfferTTL: 15 * time.Minute,
		MaxOfferTTL:     time.Hour,
		ConfirmTimeout:  time.Second,
		Now:             clock.Now,
	})
	return &testEnv{engine: eng, store: store, chain: chain, clock: clock, service: service, borrower: borrowerKey}
}

func (env *testEnv) createOffer(t *testing.T) *OfferResponse {
	t.Helper()
	resp, err := env.engine.CreateOffer(context.Background(), testIdentity, CreateOfferRequest{
		Borrower:        borrowerAddress(env.borrower),
		Principal:       "1000000000000000000",
		InterestBps:     500,
		DurationSeconds: 86400,
	})
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	return resp
}

func (env *testEnv) countersign(t *testing.T, resp *OfferResponse) string {
	t.Helper()
	payload := loan.OfferPayload{
		Borrower:     resp.Borrower,
		Principal:    resp.Principal,
		InterestBps:  resp.InterestBps,
		DueAt:        resp.DueAt,
		Nonce:        resp.Nonce,
		IssuedAt:     resp.IssuedAt,
		ExpiresAt:    resp.ExpiresAt,
		Action:       resp.Action,
		MetadataHash: resp.MetadataHash,
	}
	digest, err := payload.Digest()
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	sig, err := ethcrypto.Sign(digest, env.borrower)
	if err != nil {
		t.Fatalf("countersign: %v", err)
	}
	return signer.EncodeSignature(sig)
}

func TestCreateOfferFirstNonceAndTerms(t *testing.T) {
	env := setupEngine(t, &fakeChain{})
	resp := env.createOffer(t)

	if resp.Nonce != 0 {
		t.Fatalf("first nonce %d, want 0", resp.Nonce)
	}
	if resp.DueAt != resp.IssuedAt+86400 {
		t.Fatalf("dueAt %d, want issuedAt+86400", resp.DueAt)
	}
	if resp.ExpiresAt != resp.IssuedAt+900 {
		t.Fatalf("expiresAt %d, want issuedAt+900", resp.ExpiresAt)
	}
	if resp.ChainID != 8453 || resp.Contract != testContract {
		t.Fatalf("chain binding missing: %+v", resp)
	}
	if resp.SignerAddress != env.service.Address().Hex() {
		t.Fatalf("signer address %s", resp.SignerAddress)
	}

	// The returned fields alone must reconstruct a verifiable payload.
	payload := loan.OfferPayload{
		Borrower:     resp.Borrower,
		Principal:    resp.Principal,
		InterestBps:  resp.InterestBps,
		DueAt:        resp.DueAt,
		Nonce:        resp.Nonce,
		IssuedAt:     resp.IssuedAt,
		ExpiresAt:    resp.ExpiresAt,
		Action:       resp.Action,
		MetadataHash: resp.MetadataHash,
	}
	digest, err := payload.Digest()
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	sig, err := signer.DecodeSignature(resp.Signature)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	recovered, err := signer.RecoverAddress(digest, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != env.service.Address() {
		t.Fatalf("offer signature recovers to %s, want %s", recovered.Hex(), env.service.Address().Hex())
	}
}

func TestCreateOfferMintsDistinctNonces(t *testing.T) {
	env := setupEngine(t, &fakeChain{})
	first := env.createOffer(t)
	second := env.createOffer(t)
	if first.Nonce == second.Nonce {
		t.Fatalf("retried create reused nonce %d", first.Nonce)
	}
	if second.Nonce != first.Nonce+1 {
		t.Fatalf("nonces not gap-free: %d then %d", first.Nonce, second.Nonce)
	}
}

func TestCreateOfferValidation(t *testing.T) {
	env := setupEngine(t, &fakeChain{})
	base := CreateOfferRequest{
		Borrower:        borrowerAddress(env.borrower),
		Principal:       "1000",
		InterestBps:     500,
		DurationSeconds: 3600,
	}
	cases := map[string]func(*CreateOfferRequest){
		"bad borrower":     func(r *CreateOfferRequest) { r.Borrower = "not-an-address" },
		"zero duration":    func(r *CreateOfferRequest) { r.DurationSeconds = 0 },
		"ttl over max":     func(r *CreateOfferRequest) { r.OfferTTLSeconds = 7200 },
		"interest too big": func(r *CreateOfferRequest) { r.InterestBps = 10001 },
		"zero principal":   func(r *CreateOfferRequest) { r.Principal = "0" },
	}
	for name, mutate := range cases {
		req := base
		mutate(&req)
		_, err := env.engine.CreateOffer(context.Background(), testIdentity, req)
		if !errors.Is(err, loan.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
}

func TestCreateOfferRejectionConsumesNoNonce(t *testing.T) {
	env := setupEngine(t, &fakeChain{})
	ctx := context.Background()
	borrower := borrowerAddress(env.borrower)

	rejects := []CreateOfferRequest{
		{Borrower: borrower, Principal: "1000", InterestBps: 10001, DurationSeconds: 3600},
		{Borrower: borrower, Principal: "1.5", InterestBps: 500, DurationSeconds: 3600},
		{Borrower: borrower, Principal: "1000", InterestBps: 500, DurationSeconds: 3600, MetadataHash: "0x1234"},
	}
	for i, req := range rejects {
		if _, err := env.engine.CreateOffer(ctx, testIdentity, req); !errors.Is(err, loan.ErrValidation) {
			t.Fatalf("reject %d: expected validation error, got %v", i, err)
		}
	}

	resp := env.createOffer(t)
	if resp.Nonce != 0 {
		t.Fatalf("first valid offer got nonce %d: a rejected request consumed a nonce", resp.Nonce)
	}
}

func TestCreateOfferEnforcesBorrowerPolicy(t *testing.T) {
	env := setupEngine(t, &fakeChain{})
	ctx := context.Background()
	borrower := borrowerAddress(env.borrower)

	err := env.engine.RegisterBorrowerPolicy(ctx, testIdentity, BorrowerPolicyRequest{
		Borrower:        borrower,
		MaxPrincipal:    "500",
		MaxDurationSecs: 7200,
		Enabled:         true,
	})
	if err != nil {
		t.Fatalf("register policy: %v", err)
	}

	_, err = env.engine.CreateOffer(ctx, testIdentity, CreateOfferRequest{
		Borrower: borrower, Principal: "501", InterestBps: 100, DurationSeconds: 3600,
	})
	if !errors.Is(err, loan.ErrValidation) {
		t.Fatalf("principal cap: expected validation error, got %v", err)
	}
	_, err = env.engine.CreateOffer(ctx, testIdentity, CreateOfferRequest{
		Borrower: borrower, Principal: "400", InterestBps: 100, DurationSeconds: 7201,
	})
	if !errors.Is(err, loan.ErrValidation) {
		t.Fatalf("duration cap: expected validation error, got %v", err)
	}
	if _, err = env.engine.CreateOffer(ctx, testIdentity, CreateOfferRequest{
		Borrower: borrower, Principal: "400", InterestBps: 100, DurationSeconds: 3600,
	}); err != nil {
		t.Fatalf("within policy: %v", err)
	}
}

func TestExecuteOfferHappyPath(t *testing.T) {
	chain := &fakeChain{txHash: "0xabc", receipt: &chainrpc.Receipt{Success: true, LoanID: "42"}}
	env := setupEngine(t, chain)
	resp := env.createOffer(t)
	acceptance := env.countersign(t, resp)

	result, err := env.engine.ExecuteOffer(context.Background(), resp.Borrower, resp.Nonce, acceptance)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Status != models.StatusExecuted || result.TxHash != "0xabc" || result.LoanID != "42" {
		t.Fatalf("unexpected result %+v", result)
	}

	stored, err := env.store.GetOffer(context.Background(), resp.Borrower, resp.Nonce)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != models.StatusExecuted || stored.TxHash != "0xabc" || stored.LoanID != "42" {
		t.Fatalf("stored record %+v", stored)
	}
	if stored.ExecutedAt == nil || stored.ExecutingAt == nil {
		t.Fatal("lifecycle timestamps missing")
	}

	subs := chain.submitted()
	if len(subs) != 1 {
		t.Fatalf("expected one submission, got %d", len(subs))
	}
	if subs[0].ServiceSignature != resp.Signature || subs[0].BorrowerSignature != acceptance {
		t.Fatal("submission missing either signature")
	}
	if subs[0].Contract != testContract || subs[0].Principal != resp.Principal {
		t.Fatalf("submission fields %+v", subs[0])
	}
}

func TestExecuteOfferRejectsForeignSignature(t *testing.T) {
	env := setupEngine(t, &fakeChain{})
	resp := env.createOffer(t)

	stranger, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("stranger key: %v", err)
	}
	payload := loan.OfferPayload{
		Borrower: resp.Borrower, Principal: resp.Principal, InterestBps: resp.InterestBps,
		DueAt: resp.DueAt, Nonce: resp.Nonce, IssuedAt: resp.IssuedAt,
		ExpiresAt: resp.ExpiresAt, Action: resp.Action, MetadataHash: resp.MetadataHash,
	}
	digest, err := payload.Digest()
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	sig, err := ethcrypto.Sign(digest, stranger)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	_, err = env.engine.ExecuteOffer(context.Background(), resp.Borrower, resp.Nonce, signer.EncodeSignature(sig))
	if !errors.Is(err, loan.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
	stored, err := env.store.GetOffer(context.Background(), resp.Borrower, resp.Nonce)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != models.StatusIssued {
		t.Fatalf("signature mismatch mutated state to %s", stored.Status)
	}
}

func TestExecuteOfferExpired(t *testing.T) {
	env := setupEngine(t, &fakeChain{})
	resp := env.createOffer(t)
	acceptance := env.countersign(t, resp)

	env.clock.Advance(16 * time.Minute)
	_, err := env.engine.ExecuteOffer(context.Background(), resp.Borrower, resp.Nonce, acceptance)
	if !errors.Is(err, loan.ErrExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
	stored, err := env.store.GetOffer(context.Background(), resp.Borrower, resp.Nonce)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != models.StatusExpired {
		t.Fatalf("status %s, want expired", stored.Status)
	}
	if len(env.chain.submitted()) != 0 {
		t.Fatal("expired offer reached the chain")
	}
}

func TestExecuteOfferConcurrentSingleWinner(t *testing.T) {
	chain := &fakeChain{submitDelay: 50 * time.Millisecond, receipt: &chainrpc.Receipt{Success: true, LoanID: "9"}}
	env := setupEngine(t, chain)
	resp := env.createOffer(t)
	acceptance := env.countersign(t, resp)

	type outcome struct {
		result *ExecuteResponse
		err    error
	}
	results := make(chan outcome, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := env.engine.ExecuteOffer(context.Background(), resp.Borrower, resp.Nonce, acceptance)
			results <- outcome{result: r, err: err}
		}()
	}
	wg.Wait()
	close(results)

	var executed, alreadyExecuting int
	for out := range results {
		switch {
		case out.err == nil && out.result.Status == models.StatusExecuted:
			executed++
		case errors.Is(out.err, loan.ErrAlreadyExecuting):
			alreadyExecuting++
		default:
			t.Fatalf("unexpected outcome: %+v err=%v", out.result, out.err)
		}
	}
	if executed != 1 || alreadyExecuting != 1 {
		t.Fatalf("executed=%d alreadyExecuting=%d, want 1/1", executed, alreadyExecuting)
	}
	if len(chain.submitted()) != 1 {
		t.Fatalf("chain saw %d submissions, want 1", len(chain.submitted()))
	}
}

func TestExecuteOfferIndeterminateLeavesExecuting(t *testing.T) {
	chain := &fakeChain{
		txHash:     "0xslow",
		receiptErr: fmt.Errorf("%w: confirmation timed out", loan.ErrChainTransient),
	}
	env := setupEngine(t, chain)
	resp := env.createOffer(t)

	_, err := env.engine.ExecuteOffer(context.Background(), resp.Borrower, resp.Nonce, env.countersign(t, resp))
	if !errors.Is(err, loan.ErrChainTransient) {
		t.Fatalf("expected transient chain error, got %v", err)
	}
	stored, err := env.store.GetOffer(context.Background(), resp.Borrower, resp.Nonce)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != models.StatusExecuting {
		t.Fatalf("indeterminate outcome moved status to %s", stored.Status)
	}
	if stored.TxHash != "0xslow" {
		t.Fatalf("tx hash %q not recorded for reconciliation", stored.TxHash)
	}
}

func TestExecuteOfferRevertMarksFailed(t *testing.T) {
	chain := &fakeChain{
		txHash:  "0xrevert",
		receipt: &chainrpc.Receipt{Success: false, RevertReason: "pool drained"},
	}
	env := setupEngine(t, chain)
	resp := env.createOffer(t)

	_, err := env.engine.ExecuteOffer(context.Background(), resp.Borrower, resp.Nonce, env.countersign(t, resp))
	if !errors.Is(err, loan.ErrChainFatal) {
		t.Fatalf("expected fatal chain error, got %v", err)
	}
	stored, err := env.store.GetOffer(context.Background(), resp.Borrower, resp.Nonce)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != models.StatusFailed || stored.LastError != "pool drained" {
		t.Fatalf("stored record %+v", stored)
	}
	if stored.FailedAt == nil {
		t.Fatal("failed_at missing")
	}
}

func TestExecuteOfferTerminalStatesReported(t *testing.T) {
	chain := &fakeChain{txHash: "0xabc", receipt: &chainrpc.Receipt{Success: true}}
	env := setupEngine(t, chain)
	resp := env.createOffer(t)
	acceptance := env.countersign(t, resp)

	if _, err := env.engine.ExecuteOffer(context.Background(), resp.Borrower, resp.Nonce, acceptance); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	_, err := env.engine.ExecuteOffer(context.Background(), resp.Borrower, resp.Nonce, acceptance)
	if !errors.Is(err, loan.ErrInvalidState) {
		t.Fatalf("expected invalid state for executed offer, got %v", err)
	}
}

func TestExecuteOfferNotFound(t *testing.T) {
	env := setupEngine(t, &fakeChain{})
	_, err := env.engine.ExecuteOffer(context.Background(), borrowerAddress(env.borrower), 99, "0x00")
	if !errors.Is(err, loan.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListOffersLazyExpiry(t *testing.T) {
	env := setupEngine(t, &fakeChain{})
	resp := env.createOffer(t)

	env.clock.Advance(time.Hour)
	offers, err := env.engine.ListOffers(context.Background(), testIdentity, storage.ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(offers) != 1 || offers[0].Status != models.StatusExpired {
		t.Fatalf("lazy expiry not applied: %+v", offers)
	}
	stored, err := env.store.GetOffer(context.Background(), resp.Borrower, resp.Nonce)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != models.StatusExpired {
		t.Fatalf("stored status %s", stored.Status)
	}
}

func TestGetOfferScopedToAgent(t *testing.T) {
	env := setupEngine(t, &fakeChain{})
	resp := env.createOffer(t)

	if _, err := env.engine.GetOffer(context.Background(), testIdentity, resp.ID); err != nil {
		t.Fatalf("own offer: %v", err)
	}
	other := &auth.Context{AgentID: "agent-2"}
	_, err := env.engine.GetOffer(context.Background(), other, resp.ID)
	if !errors.Is(err, loan.ErrNotFound) {
		t.Fatalf("expected not found across agents, got %v", err)
	}
}
