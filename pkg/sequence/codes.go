// Package sequence hands out the human-readable codes printed on loans,
// receipts and ledger postings.
package sequence

import (
	"context"
	"fmt"
	"time"
)

// Allocator returns the next number in a named scope. Implementations must
// never return the same number twice for one scope.
type Allocator interface {
	Next(ctx context.Context, scope string) (int64, error)
}

// Codes formats allocated numbers into the identifier layouts
// LN-{branch}-{yy}-{seq:5}, PAY-{yy}-{seq:6}, TXN-{yy}-{seq:7}, SAV-{yy}-{seq:6},
// GRP-{branch}-{yy}-{seq:4} and MEM-{branch}-{yy}-{seq:5}.
type Codes struct {
	alloc Allocator
	now   func() time.Time
}

func NewCodes(alloc Allocator, now func() time.Time) *Codes {
	if now == nil {
		now = time.Now
	}
	return &Codes{alloc: alloc, now: now}
}

func (c *Codes) Loan(ctx context.Context, branchCode string) (string, error) {
	return c.format(ctx, "loan:"+branchCode, "LN-"+branchCode, 5)
}

func (c *Codes) Payment(ctx context.Context) (string, error) {
	return c.format(ctx, "payment", "PAY", 6)
}

func (c *Codes) Transaction(ctx context.Context) (string, error) {
	return c.format(ctx, "transaction", "TXN", 7)
}

func (c *Codes) SavingsAccount(ctx context.Context) (string, error) {
	return c.format(ctx, "savings", "SAV", 6)
}

func (c *Codes) Group(ctx context.Context, branchCode string) (string, error) {
	return c.format(ctx, "group:"+branchCode, "GRP-"+branchCode, 4)
}

func (c *Codes) Member(ctx context.Context, branchCode string) (string, error) {
	return c.format(ctx, "member:"+branchCode, "MEM-"+branchCode, 5)
}

func (c *Codes) format(ctx context.Context, scope, prefix string, width int) (string, error) {
	seq, err := c.alloc.Next(ctx, scope)
	if err != nil {
		return "", fmt.Errorf("allocate %s number: %w", scope, err)
	}
	return fmt.Sprintf("%s-%02d-%0*d", prefix, c.now().Year()%100, width, seq), nil
}
