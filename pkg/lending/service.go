// Package lending runs the loan lifecycle: application, approval or rejection,
// disbursement, collection, write-off and the overdue sweep. Every mutating
// call is one unit of work and serializes on the loan it touches.
package lending

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mcclellann/microcredit/pkg/amortization"
	"github.com/mcclellann/microcredit/pkg/apperr"
	"github.com/mcclellann/microcredit/pkg/collection"
	"github.com/mcclellann/microcredit/pkg/config"
	"github.com/mcclellann/microcredit/pkg/ledger"
	"github.com/mcclellann/microcredit/pkg/lock"
	"github.com/mcclellann/microcredit/pkg/logger"
	"github.com/mcclellann/microcredit/pkg/models"
	"github.com/mcclellann/microcredit/pkg/sequence"
	"github.com/mcclellann/microcredit/pkg/store"
	"github.com/mcclellann/microcredit/pkg/validation"
)

// Settings are the fixed eligibility and fine thresholds.
type Settings struct {
	FinePerDay        decimal.Decimal
	MinSavingsBalance decimal.Decimal
	MinGroupRating    decimal.Decimal
}

func DefaultSettings() Settings {
	return Settings{
		FinePerDay:        collection.DefaultFinePerDay,
		MinSavingsBalance: decimal.NewFromInt(100),
		MinGroupRating:    decimal.RequireFromString("0.5"),
	}
}

// SettingsFromConfig parses the lending section of the configuration.
func SettingsFromConfig(c config.LendingConfig) (Settings, error) {
	var s Settings
	var err error
	if s.FinePerDay, err = decimal.NewFromString(c.FinePerDay); err != nil {
		return Settings{}, fmt.Errorf("lending.fine_per_day: %w", err)
	}
	if s.MinSavingsBalance, err = decimal.NewFromString(c.MinSavingsBalance); err != nil {
		return Settings{}, fmt.Errorf("lending.min_savings_balance: %w", err)
	}
	if s.MinGroupRating, err = decimal.NewFromString(c.MinGroupRating); err != nil {
		return Settings{}, fmt.Errorf("lending.min_group_rating: %w", err)
	}
	return s, nil
}

// Service is the loan lifecycle orchestrator.
type Service struct {
	store    store.Storage
	alloc    sequence.Allocator
	settings Settings
	fines    collection.FineCalculator
	now      func() time.Time
	locks    *lock.KeyedMutex
	log      *zap.Logger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithAllocator numbers codes from a shared allocator instead of the store.
func WithAllocator(a sequence.Allocator) Option {
	return func(s *Service) { s.alloc = a }
}

func WithSettings(settings Settings) Option {
	return func(s *Service) { s.settings = settings }
}

// WithLocks shares a lock table with other services.
func WithLocks(l *lock.KeyedMutex) Option {
	return func(s *Service) { s.locks = l }
}

func NewService(st store.Storage, opts ...Option) *Service {
	s := &Service{
		store:    st,
		settings: DefaultSettings(),
		now:      time.Now,
		locks:    lock.NewKeyedMutex(),
		log:      logger.L().Named("lending"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.fines = collection.NewFineCalculator(s.settings.FinePerDay)
	return s
}

func (s *Service) lockLoan(id uuid.UUID) func() {
	return s.locks.Lock("loan:" + id.String())
}

func (s *Service) codes(tx store.Tx) *sequence.Codes {
	return store.Codes(tx, s.alloc, s.now)
}

// ApplyRequest is a member's loan application.
type ApplyRequest struct {
	MemberID       uuid.UUID             `json:"member_id" validate:"required"`
	Principal      decimal.Decimal       `json:"principal" validate:"gt=0,cents"`
	InterestRate   decimal.Decimal       `json:"interest_rate" validate:"gte=0"`
	InterestMethod models.InterestMethod `json:"interest_method" validate:"required,oneof=flat reducing_balance declining_balance_emi"`
	DurationWeeks  int                   `json:"duration_weeks" validate:"gt=0,lte=520"`
	LoanType       string                `json:"loan_type" validate:"max=50"`
	Purpose        string                `json:"purpose" validate:"max=500"`
}

// Apply checks eligibility, prices the loan and records it as Pending.
func (s *Service) Apply(ctx context.Context, req ApplyRequest) (*models.Loan, error) {
	const op = "lending.Apply"
	if err := validation.Struct(op, req); err != nil {
		return nil, err
	}
	terms := amortization.Terms{
		Principal:  req.Principal,
		AnnualRate: req.InterestRate,
		Weeks:      req.DurationWeeks,
		Method:     req.InterestMethod,
	}
	priced, err := amortization.Calculate(terms)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock("member:" + req.MemberID.String())
	defer unlock()

	var loan *models.Loan
	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		profile, err := tx.GetMemberProfile(ctx, req.MemberID)
		if err != nil {
			return err
		}
		if err := s.checkEligibility(ctx, tx, profile); err != nil {
			return err
		}

		branch, err := tx.GetBranch(ctx, profile.Member.BranchID)
		if err != nil {
			return err
		}
		code, err := s.codes(tx).Loan(ctx, branch.Code)
		if err != nil {
			return err
		}

		loan = &models.Loan{
			ID:                  uuid.New(),
			LoanCode:            code,
			MemberID:            profile.Member.ID,
			BranchID:            profile.Member.BranchID,
			GroupID:             profile.Member.GroupID,
			LoanType:            req.LoanType,
			Purpose:             req.Purpose,
			Principal:           req.Principal,
			InterestRate:        req.InterestRate,
			InterestMethod:      req.InterestMethod,
			DurationWeeks:       req.DurationWeeks,
			TotalInterest:       priced.TotalInterest,
			TotalPayable:        priced.TotalPayable,
			PeriodicInstallment: priced.PeriodicInstallment,
			PaidAmount:          decimal.Zero,
			RemainingBalance:    priced.TotalPayable,
			Status:              models.LoanPending,
			ApplicationDate:     s.now(),
		}
		return tx.CreateLoan(ctx, loan)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("loan application received",
		zap.String("loan_code", loan.LoanCode),
		zap.String("member_id", loan.MemberID.String()),
		zap.String("principal", loan.Principal.StringFixed(2)),
		zap.String("method", string(loan.InterestMethod)))
	return loan, nil
}

func (s *Service) checkEligibility(ctx context.Context, tx store.Tx, p *models.MemberProfile) error {
	const op = "lending.Apply"
	if p.Member.Status != models.MemberActive {
		return apperr.BusinessRule(op, "member %s is %s", p.Member.MemberCode, p.Member.Status)
	}
	if p.Savings == nil || !p.Savings.IsActive {
		return apperr.BusinessRule(op, "member %s has no active savings account", p.Member.MemberCode)
	}
	if p.Savings.Balance.LessThan(s.settings.MinSavingsBalance) {
		return apperr.BusinessRule(op, "savings balance %s is below the required %s",
			p.Savings.Balance.StringFixed(2), s.settings.MinSavingsBalance.StringFixed(2))
	}
	open, err := tx.HasOpenLoan(ctx, p.Member.ID)
	if err != nil {
		return err
	}
	if open {
		return apperr.BusinessRule(op, "member %s already has an open loan", p.Member.MemberCode)
	}
	if p.Group != nil && p.Group.PerformanceRating.LessThan(s.settings.MinGroupRating) {
		return apperr.BusinessRule(op, "group %s rating %s is below %s",
			p.Group.GroupCode, p.Group.PerformanceRating, s.settings.MinGroupRating)
	}
	return nil
}

// transition loads a loan under its lock, checks the move to next is allowed,
// lets mutate change it and writes it back.
func (s *Service) transition(ctx context.Context, op string, loanID uuid.UUID, next models.LoanStatus,
	mutate func(tx store.Tx, loan *models.Loan) error) (*models.Loan, error) {

	unlock := s.lockLoan(loanID)
	defer unlock()

	var loan *models.Loan
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		loan, err = tx.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if !loan.Status.CanTransitionTo(next) {
			return apperr.BusinessRule(op, "loan %s is %s and cannot become %s", loan.LoanCode, loan.Status, next)
		}
		if err := mutate(tx, loan); err != nil {
			return err
		}
		loan.Status = next
		return tx.UpdateLoan(ctx, loan)
	})
	if err != nil {
		return nil, err
	}
	return loan, nil
}

// Approve moves a Pending loan to Approved.
func (s *Service) Approve(ctx context.Context, loanID, approverID uuid.UUID) (*models.Loan, error) {
	const op = "lending.Approve"
	if approverID == uuid.Nil {
		return nil, apperr.Validation(op, "approver is required")
	}
	loan, err := s.transition(ctx, op, loanID, models.LoanApproved, func(_ store.Tx, loan *models.Loan) error {
		now := s.now()
		loan.ApprovalDate = &now
		loan.ApprovedBy = &approverID
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("loan approved", zap.String("loan_code", loan.LoanCode), zap.String("approved_by", approverID.String()))
	return loan, nil
}

// Reject moves a Pending loan to Rejected with a reason.
func (s *Service) Reject(ctx context.Context, loanID, rejectedBy uuid.UUID, reason string) (*models.Loan, error) {
	const op = "lending.Reject"
	if rejectedBy == uuid.Nil {
		return nil, apperr.Validation(op, "rejecting officer is required")
	}
	if reason == "" {
		return nil, apperr.Validation(op, "rejection reason is required")
	}
	loan, err := s.transition(ctx, op, loanID, models.LoanRejected, func(_ store.Tx, loan *models.Loan) error {
		loan.RejectionReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("loan rejected", zap.String("loan_code", loan.LoanCode),
		zap.String("rejected_by", rejectedBy.String()), zap.String("reason", reason))
	return loan, nil
}

// Disbursement is the result of handing a loan out.
type Disbursement struct {
	Loan         *models.Loan          `json:"loan"`
	Installments []*models.Installment `json:"installments"`
	Transaction  *models.Transaction   `json:"transaction"`
}

// Disburse lays out the schedule of an Approved loan, bumps the member's loan
// cycle and posts the disbursement.
func (s *Service) Disburse(ctx context.Context, loanID, disbursedBy uuid.UUID) (*Disbursement, error) {
	const op = "lending.Disburse"
	if disbursedBy == uuid.Nil {
		return nil, apperr.Validation(op, "disbursing officer is required")
	}
	out := &Disbursement{}
	loan, err := s.transition(ctx, op, loanID, models.LoanDisbursed, func(tx store.Tx, loan *models.Loan) error {
		now := s.now()
		terms := amortization.Terms{
			Principal:  loan.Principal,
			AnnualRate: loan.InterestRate,
			Weeks:      loan.DurationWeeks,
			Method:     loan.InterestMethod,
		}
		priced := amortization.Result{
			TotalInterest:       loan.TotalInterest,
			TotalPayable:        loan.TotalPayable,
			PeriodicInstallment: loan.PeriodicInstallment,
		}
		periods, err := amortization.Schedule(terms, priced, now)
		if err != nil {
			return err
		}

		out.Installments = buildInstallments(loan.ID, periods)
		if err := tx.CreateInstallments(ctx, out.Installments); err != nil {
			return err
		}

		// the loan closes when its schedule is paid, so totals follow the schedule
		loan.TotalInterest, loan.TotalPayable = amortization.Totals(periods)
		loan.RemainingBalance = loan.TotalPayable.Sub(loan.PaidAmount)
		loan.DisbursementDate = &now

		member, err := tx.GetMember(ctx, loan.MemberID)
		if err != nil {
			return err
		}
		member.LoanCycle++
		if err := tx.UpdateMember(ctx, member); err != nil {
			return err
		}

		poster := ledger.NewPoster(tx, s.codes(tx), s.now)
		out.Transaction, err = poster.PostDisbursement(ctx, loan, disbursedBy)
		return err
	})
	if err != nil {
		return nil, err
	}
	out.Loan = loan

	s.log.Info("loan disbursed",
		zap.String("loan_code", loan.LoanCode),
		zap.String("principal", loan.Principal.StringFixed(2)),
		zap.String("total_payable", loan.TotalPayable.StringFixed(2)),
		zap.Int("installments", len(out.Installments)),
		zap.String("transaction_code", out.Transaction.TransactionCode))
	return out, nil
}

func buildInstallments(loanID uuid.UUID, periods []amortization.Period) []*models.Installment {
	out := make([]*models.Installment, 0, len(periods))
	for _, p := range periods {
		out = append(out, &models.Installment{
			ID:              uuid.New(),
			LoanID:          loanID,
			Number:          p.Number,
			DueDate:         p.DueDate,
			PrincipalAmount: p.Principal,
			InterestAmount:  p.Interest,
			TotalAmount:     p.Total,
			PaidAmount:      decimal.Zero,
			RemainingAmount: p.Total,
			PrincipalPaid:   decimal.Zero,
			InterestPaid:    decimal.Zero,
			FineAmount:      decimal.Zero,
			FinePaid:        decimal.Zero,
			Status:          models.InstallmentPending,
		})
	}
	return out
}

// WriteOff closes a Disbursed or Active loan as uncollectable and moves its
// unpaid principal to loan-loss expense.
func (s *Service) WriteOff(ctx context.Context, loanID, by uuid.UUID, reason string) (*models.Loan, error) {
	const op = "lending.WriteOff"
	if by == uuid.Nil {
		return nil, apperr.Validation(op, "writing-off officer is required")
	}
	if reason == "" {
		return nil, apperr.Validation(op, "write-off reason is required")
	}
	var posted *models.Transaction
	loan, err := s.transition(ctx, op, loanID, models.LoanWrittenOff, func(tx store.Tx, loan *models.Loan) error {
		installments, err := tx.ListInstallments(ctx, loan.ID)
		if err != nil {
			return err
		}
		outstanding := decimal.Zero
		for _, inst := range installments {
			outstanding = outstanding.Add(inst.PrincipalDue())
		}

		poster := ledger.NewPoster(tx, s.codes(tx), s.now)
		posted, err = poster.PostWriteOff(ctx, loan, outstanding, by)
		if err != nil {
			return err
		}
		now := s.now()
		loan.ClosedDate = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	fields := []zap.Field{zap.String("loan_code", loan.LoanCode), zap.String("reason", reason)}
	if posted != nil {
		fields = append(fields, zap.String("amount", posted.Amount.StringFixed(2)), zap.String("transaction_code", posted.TransactionCode))
	}
	s.log.Warn("loan written off", fields...)
	return loan, nil
}
