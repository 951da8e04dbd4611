package lending

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mcclellann/microcredit/pkg/apperr"
	"github.com/mcclellann/microcredit/pkg/collection"
	"github.com/mcclellann/microcredit/pkg/ledger"
	"github.com/mcclellann/microcredit/pkg/models"
	"github.com/mcclellann/microcredit/pkg/store"
	"github.com/mcclellann/microcredit/pkg/validation"
)

// CollectRequest is one cash receipt against a loan. With no InstallmentID the
// lowest-numbered unpaid installment is used.
type CollectRequest struct {
	LoanID        uuid.UUID            `json:"loan_id" validate:"required"`
	InstallmentID *uuid.UUID           `json:"installment_id,omitempty"`
	Amount        decimal.Decimal      `json:"amount" validate:"gt=0,cents"`
	Method        models.PaymentMethod `json:"payment_method" validate:"required,oneof=cash mobile_banking bank_transfer"`
	Reference     string               `json:"transaction_reference" validate:"max=100"`
	CollectedBy   uuid.UUID            `json:"collected_by" validate:"required"`
	Remarks       string               `json:"remarks" validate:"max=500"`
}

// Receipt is everything one collection wrote.
type Receipt struct {
	Payment      *models.Payment       `json:"payment"`
	Installment  *models.Installment   `json:"installment"`
	Loan         *models.Loan          `json:"loan"`
	Transactions []*models.Transaction `json:"transactions"`
}

// CollectPayment applies cash to one installment fine first, then interest,
// then principal, and books the receipt and its ledger postings together.
// Cash above what the installment owes is refused rather than carried over.
func (s *Service) CollectPayment(ctx context.Context, req CollectRequest) (*Receipt, error) {
	const op = "lending.CollectPayment"
	if err := validation.Struct(op, req); err != nil {
		return nil, err
	}

	unlock := s.lockLoan(req.LoanID)
	defer unlock()

	r := &Receipt{}
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		loan, err := tx.GetLoan(ctx, req.LoanID)
		if err != nil {
			return err
		}
		if !loan.Status.Collectable() {
			return apperr.BusinessRule(op, "loan %s is %s and cannot take payments", loan.LoanCode, loan.Status)
		}

		installments, err := tx.ListInstallments(ctx, loan.ID)
		if err != nil {
			return err
		}
		inst, err := collection.SelectInstallment(installments, req.InstallmentID)
		if err != nil {
			return err
		}
		if inst == nil {
			return apperr.BusinessRule(op, "loan %s has no outstanding installment", loan.LoanCode)
		}
		if !inst.Open() {
			return apperr.BusinessRule(op, "installment %d of loan %s is already paid", inst.Number, loan.LoanCode)
		}

		now := s.now()
		collection.RefreshFine(inst, s.fines, now)
		due := collection.DueOf(inst)
		if req.Amount.GreaterThan(due.Total()) {
			return apperr.BusinessRule(op, "amount %s exceeds the %s outstanding on installment %d",
				req.Amount.StringFixed(2), due.Total().StringFixed(2), inst.Number)
		}

		alloc := collection.Allocate(req.Amount, due)
		collection.ApplyToInstallment(inst, alloc, now)
		collection.ApplyToLoan(loan, alloc, installments, now)

		code, err := s.codes(tx).Payment(ctx)
		if err != nil {
			return err
		}
		payment := &models.Payment{
			ID:            uuid.New(),
			PaymentCode:   code,
			LoanID:        loan.ID,
			MemberID:      loan.MemberID,
			InstallmentID: &inst.ID,
			PaymentDate:   now,
			PrincipalPaid: alloc.Principal,
			InterestPaid:  alloc.Interest,
			FinePaid:      alloc.Fine,
			TotalAmount:   alloc.Applied(),
			Method:        req.Method,
			Reference:     req.Reference,
			CollectedBy:   req.CollectedBy,
			Remarks:       req.Remarks,
		}
		if err := tx.CreatePayment(ctx, payment); err != nil {
			return err
		}
		if err := tx.UpdateInstallment(ctx, inst); err != nil {
			return err
		}
		if err := tx.UpdateLoan(ctx, loan); err != nil {
			return err
		}

		poster := ledger.NewPoster(tx, s.codes(tx), s.now)
		txns, err := poster.PostRepayment(ctx, payment, loan.LoanCode)
		if err != nil {
			return err
		}

		r.Payment, r.Installment, r.Loan, r.Transactions = payment, inst, loan, txns
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("payment collected",
		zap.String("payment_code", r.Payment.PaymentCode),
		zap.String("loan_code", r.Loan.LoanCode),
		zap.Int("installment", r.Installment.Number),
		zap.String("fine", r.Payment.FinePaid.StringFixed(2)),
		zap.String("interest", r.Payment.InterestPaid.StringFixed(2)),
		zap.String("principal", r.Payment.PrincipalPaid.StringFixed(2)),
		zap.String("loan_status", string(r.Loan.Status)))
	if r.Loan.Status == models.LoanClosed {
		s.log.Info("loan closed", zap.String("loan_code", r.Loan.LoanCode))
	}
	return r, nil
}

// SweepOverdue marks every unpaid installment past its due date as Overdue and
// refreshes its fine. It returns how many installments changed.
func (s *Service) SweepOverdue(ctx context.Context) (int, error) {
	var loans []*models.Loan
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		for _, status := range []models.LoanStatus{models.LoanDisbursed, models.LoanActive} {
			batch, err := tx.ListLoansByStatus(ctx, status, nil)
			if err != nil {
				return err
			}
			loans = append(loans, batch...)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, loan := range loans {
		n, err := s.sweepLoan(ctx, loan.ID)
		if err != nil {
			return changed, err
		}
		changed += n
	}
	s.log.Info("overdue sweep finished", zap.Int("loans", len(loans)), zap.Int("installments", changed))
	return changed, nil
}

func (s *Service) sweepLoan(ctx context.Context, loanID uuid.UUID) (int, error) {
	unlock := s.lockLoan(loanID)
	defer unlock()

	changed := 0
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		installments, err := tx.ListInstallments(ctx, loanID)
		if err != nil {
			return err
		}
		now := s.now()
		for _, inst := range installments {
			if !collection.MarkOverdue(inst, s.fines, now) {
				continue
			}
			if err := tx.UpdateInstallment(ctx, inst); err != nil {
				return err
			}
			changed++
		}
		return nil
	})
	return changed, err
}

// FineQuote is what an installment owes if paid now.
type FineQuote struct {
	InstallmentID uuid.UUID       `json:"installment_id"`
	LateDays      int             `json:"late_days"`
	Fine          decimal.Decimal `json:"fine"`
	FineDue       decimal.Decimal `json:"fine_due"`
	InterestDue   decimal.Decimal `json:"interest_due"`
	PrincipalDue  decimal.Decimal `json:"principal_due"`
	Outstanding   decimal.Decimal `json:"outstanding"`
}

// QuoteInstallment computes the current fine and outstanding amounts for an
// installment without writing anything.
func (s *Service) QuoteInstallment(ctx context.Context, installmentID uuid.UUID) (*FineQuote, error) {
	var q *FineQuote
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		inst, err := tx.GetInstallment(ctx, installmentID)
		if err != nil {
			return err
		}
		collection.RefreshFine(inst, s.fines, s.now())
		due := collection.DueOf(inst)
		q = &FineQuote{
			InstallmentID: inst.ID,
			LateDays:      inst.LateDays,
			Fine:          inst.FineAmount,
			FineDue:       due.Fine,
			InterestDue:   due.Interest,
			PrincipalDue:  due.Principal,
			Outstanding:   due.Total(),
		}
		return nil
	})
	return q, err
}
