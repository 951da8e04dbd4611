package lending

import (
	"context"

	"github.com/google/uuid"

	"github.com/mcclellann/microcredit/pkg/ledger"
	"github.com/mcclellann/microcredit/pkg/models"
	"github.com/mcclellann/microcredit/pkg/store"
)

// GetLoan retrieves a loan by its ID.
func (s *Service) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	var loan *models.Loan
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		loan, err = tx.GetLoan(ctx, id)
		return err
	})
	return loan, err
}

// MemberLoans lists a member's loans, newest first.
func (s *Service) MemberLoans(ctx context.Context, memberID uuid.UUID) ([]*models.Loan, error) {
	var loans []*models.Loan
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetMember(ctx, memberID); err != nil {
			return err
		}
		var err error
		loans, err = tx.ListLoansByMember(ctx, memberID)
		return err
	})
	return loans, err
}

// PendingLoans lists loans awaiting approval, optionally for one branch.
func (s *Service) PendingLoans(ctx context.Context, branchID *uuid.UUID) ([]*models.Loan, error) {
	var loans []*models.Loan
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		loans, err = tx.ListLoansByStatus(ctx, models.LoanPending, branchID)
		return err
	})
	return loans, err
}

// Installments returns a loan's schedule.
func (s *Service) Installments(ctx context.Context, loanID uuid.UUID) ([]*models.Installment, error) {
	var out []*models.Installment
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetLoan(ctx, loanID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListInstallments(ctx, loanID)
		return err
	})
	return out, err
}

// Payments returns a loan's receipts, oldest first.
func (s *Service) Payments(ctx context.Context, loanID uuid.UUID) ([]*models.Payment, error) {
	var out []*models.Payment
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetLoan(ctx, loanID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListPaymentsByLoan(ctx, loanID)
		return err
	})
	return out, err
}

// MemberPayments returns every receipt a member has paid across all loans.
func (s *Service) MemberPayments(ctx context.Context, memberID uuid.UUID) ([]*models.Payment, error) {
	var out []*models.Payment
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetMember(ctx, memberID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListPaymentsByMember(ctx, memberID)
		return err
	})
	return out, err
}

// LoanTransactions returns the ledger postings tied to a loan.
func (s *Service) LoanTransactions(ctx context.Context, loanID uuid.UUID) ([]*models.Transaction, error) {
	var out []*models.Transaction
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListTransactionsForLoan(ctx, loanID)
		return err
	})
	return out, err
}

// TrialBalance reports the chart of accounts with side totals.
func (s *Service) TrialBalance(ctx context.Context) (ledger.TrialBalance, error) {
	var tb ledger.TrialBalance
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		tb, err = ledger.BuildTrialBalance(ctx, tx)
		return err
	})
	return tb, err
}
