package engine

import (
	"context"
	"sync"
	"time"

	"gaslend/chainrpc"
)

// fakeChain scripts settlement outcomes for engine tests.
type fakeChain struct {
	chainID     uint64
	txHash      string
	submitErr   error
	submitDelay time.Duration
	receipt     *chainrpc.Receipt
	receiptErr  error

	mu          sync.Mutex
	submissions []chainrpc.Submission
}

func (f *fakeChain) ChainID() uint64 {
	if f.chainID == 0 {
		return 8453
	}
	return f.chainID
}

func (f *fakeChain) Submit(ctx context.Context, sub chainrpc.Submission) (string, error) {
	if f.submitDelay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(f.submitDelay):
		}
	}
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.mu.Lock()
	f.submissions = append(f.submissions, sub)
	f.mu.Unlock()
	if f.txHash == "" {
		return "0xsubmitted", nil
	}
	return f.txHash, nil
}

func (f *fakeChain) AwaitReceipt(context.Context, string, time.Duration) (*chainrpc.Receipt, error) {
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	if f.receipt != nil {
		return f.receipt, nil
	}
	return &chainrpc.Receipt{Success: true, LoanID: "1"}, nil
}

func (f *fakeChain) submitted() []chainrpc.Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]chainrpc.Submission, len(f.submissions))
	copy(out, f.submissions)
	return out
}

// fakeClock is an adjustable engine clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
