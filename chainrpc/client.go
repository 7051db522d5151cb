// Package chainrpc submits settled loan executions to the chain node and
// polls for their receipts over JSON-RPC.
package chainrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"gaslend/loan"
)

// Submission is the settlement contract call for an accepted offer. It
// carries the canonical payload fields plus both signatures so the contract
// can verify the attestation and the acceptance independently.
type Submission struct {
	Contract          string `json:"contract"`
	Borrower          string `json:"borrower"`
	Principal         string `json:"principal"`
	InterestBps       uint32 `json:"interestBps"`
	DueAt             int64  `json:"dueAt"`
	Nonce             uint64 `json:"nonce"`
	IssuedAt          int64  `json:"issuedAt"`
	ExpiresAt         int64  `json:"expiresAt"`
	Action            uint8  `json:"action"`
	MetadataHash      string `json:"metadataHash"`
	ServiceSignature  string `json:"serviceSignature"`
	BorrowerSignature string `json:"borrowerSignature"`
}

// Receipt is the confirmed outcome of a submitted execution.
type Receipt struct {
	Success      bool
	LoanID       string
	RevertReason string
}

// ErrReceiptPending marks a receipt that has not landed yet; callers decide
// whether to keep polling.
var ErrReceiptPending = errors.New("chainrpc: receipt pending")

// Config represents the client configuration.
type Config struct {
	URL          string
	ChainID      uint64
	Timeout      time.Duration
	PollInterval time.Duration
	// SubmitPerSecond throttles settlement submissions toward the node.
	SubmitPerSecond float64
}

// Client is a thin JSON-RPC wrapper around the settlement node.
type Client struct {
	url          string
	chainID      uint64
	httpClient   *http.Client
	pollInterval time.Duration
	submitLimit  *rate.Limiter
	nextID       atomic.Int64
}

// NewClient constructs a JSON-RPC client targeting the supplied URL.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	perSecond := cfg.SubmitPerSecond
	if perSecond <= 0 {
		perSecond = 5
	}
	return &Client{
		url:          strings.TrimSpace(cfg.URL),
		chainID:      cfg.ChainID,
		pollInterval: poll,
		submitLimit:  rate.NewLimiter(rate.Limit(perSecond), 1),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// ChainID reports the chain the client targets.
func (c *Client) ChainID() uint64 { return c.chainID }

// Submit posts the execution call and returns its transaction hash. Errors
// are transient: the node either accepted the call or it never entered the
// mempool, so no terminal state may be derived from a failure here.
func (c *Client) Submit(ctx context.Context, sub Submission) (string, error) {
	if err := c.submitLimit.Wait(ctx); err != nil {
		return "", fmt.Errorf("%w: submit throttle: %v", loan.ErrChainTransient, err)
	}
	var result struct {
		TxHash string `json:"txHash"`
	}
	if err := c.call(ctx, "loan_submitExecution", []interface{}{sub}, &result); err != nil {
		return "", fmt.Errorf("%w: submit: %v", loan.ErrChainTransient, err)
	}
	txHash := strings.TrimSpace(result.TxHash)
	if txHash == "" {
		return "", fmt.Errorf("%w: node returned empty tx hash", loan.ErrChainTransient)
	}
	return txHash, nil
}

// GetReceipt fetches the receipt for a submitted execution. A pending
// receipt returns ErrReceiptPending.
func (c *Client) GetReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	var result struct {
		Status       string `json:"status"`
		LoanID       string `json:"loanId"`
		RevertReason string `json:"revertReason"`
	}
	if err := c.call(ctx, "loan_getReceipt", []interface{}{txHash}, &result); err != nil {
		return nil, fmt.Errorf("%w: receipt: %v", loan.ErrChainTransient, err)
	}
	switch strings.ToLower(strings.TrimSpace(result.Status)) {
	case "success":
		return &Receipt{Success: true, LoanID: strings.TrimSpace(result.LoanID)}, nil
	case "reverted":
		return &Receipt{Success: false, RevertReason: strings.TrimSpace(result.RevertReason)}, nil
	case "", "pending":
		return nil, ErrReceiptPending
	default:
		return nil, fmt.Errorf("%w: unknown receipt status %q", loan.ErrChainTransient, result.Status)
	}
}

// AwaitReceipt polls until the receipt lands or the timeout elapses. A
// timeout is indeterminate and surfaces as a transient chain error.
func (c *Client) AwaitReceipt(ctx context.Context, txHash string, timeout time.Duration) (*Receipt, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.GetReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ErrReceiptPending) && !errors.Is(err, loan.ErrChainTransient) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: confirmation timed out for %s", loan.ErrChainTransient, txHash)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", loan.ErrChainTransient, ctx.Err())
		case <-ticker.C:
		}
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if c == nil || c.httpClient == nil {
		return fmt.Errorf("chainrpc: client not configured")
	}
	id := c.nextID.Add(1)
	reqBody := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	buf, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("chainrpc: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("chainrpc: error %d %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("chainrpc: unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("chainrpc: empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
