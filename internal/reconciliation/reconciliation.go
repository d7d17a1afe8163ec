// Package reconciliation replays the escrow arithmetic and reports
// records whose balances, splits, or refund instructions disagree.
package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/tradeweave/settlement/internal/escrow"
	"github.com/tradeweave/settlement/internal/money"
)

// Store is the escrow surface the checker reads. It never writes.
type Store interface {
	ListByStatus(ctx context.Context, status escrow.Status, limit int) ([]*escrow.Escrow, error)
	ListInstructionsByOrder(ctx context.Context, orderID string) ([]*escrow.RefundInstruction, error)
}

// Finding describes one inconsistent escrow.
type Finding struct {
	OrderID string   `json:"orderId"`
	Status  string   `json:"status"`
	Issues  []string `json:"issues"`
}

// Report is the outcome of one reconciliation pass.
type Report struct {
	CheckedAt  time.Time `json:"checkedAt"`
	Checked    int       `json:"checked"`
	Consistent int       `json:"consistent"`
	Findings   []Finding `json:"findings"`
}

// Checker replays escrow arithmetic.
type Checker struct {
	store Store
	limit int
}

// NewChecker creates a reconciliation checker.
func NewChecker(store Store) *Checker {
	return &Checker{store: store, limit: 500}
}

// Run checks every escrow across all statuses and returns the findings.
func (c *Checker) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		CheckedAt: time.Now(),
		Findings:  []Finding{},
	}

	statuses := []escrow.Status{
		escrow.StatusHeld, escrow.StatusReleased,
		escrow.StatusRefunded, escrow.StatusDisputed,
	}
	for _, status := range statuses {
		escrows, err := c.store.ListByStatus(ctx, status, c.limit)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s escrows: %w", status, err)
		}
		for _, e := range escrows {
			report.Checked++
			issues := c.check(ctx, e)
			if len(issues) == 0 {
				report.Consistent++
				continue
			}
			report.Findings = append(report.Findings, Finding{
				OrderID: e.OrderID,
				Status:  string(e.Status),
				Issues:  issues,
			})
		}
	}
	return report, nil
}

func (c *Checker) check(ctx context.Context, e *escrow.Escrow) []string {
	var issues []string

	if err := e.CheckInvariant(); err != nil {
		issues = append(issues, err.Error())
	}

	switch e.Status {
	case escrow.StatusReleased:
		if e.ReleasedAt == nil {
			issues = append(issues, "released escrow has no release timestamp")
		}
		if e.Split == nil {
			issues = append(issues, "released escrow has no payout split")
		} else if e.Split.Total() != e.ReleasedAmount {
			issues = append(issues, fmt.Sprintf("split legs sum to %s, released %s",
				money.Format(e.Split.Total()), money.Format(e.ReleasedAmount)))
		}
	case escrow.StatusRefunded:
		if e.RefundedAt == nil {
			issues = append(issues, "refunded escrow has no refund timestamp")
		}
		if e.HeldAmount != 0 {
			issues = append(issues, fmt.Sprintf("refunded escrow still holds %s", money.Format(e.HeldAmount)))
		}
	case escrow.StatusDisputed:
		if e.FrozenAt == nil {
			issues = append(issues, "disputed escrow has no freeze timestamp")
		}
	}

	// Every minor unit leaving the ledger as a refund must be backed by
	// an instruction.
	if e.RefundedAmount > 0 {
		instructions, err := c.store.ListInstructionsByOrder(ctx, e.OrderID)
		if err != nil {
			issues = append(issues, fmt.Sprintf("failed to list refund instructions: %v", err))
			return issues
		}
		var total int64
		for _, ins := range instructions {
			total += ins.Amount
		}
		if total != e.RefundedAmount {
			issues = append(issues, fmt.Sprintf("instructions cover %s, ledger refunded %s",
				money.Format(total), money.Format(e.RefundedAmount)))
		}
	}

	return issues
}
