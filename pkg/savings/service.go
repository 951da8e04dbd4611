// Package savings opens member savings accounts and records deposits and
// withdrawals together with their ledger postings.
package savings

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mcclellann/microcredit/pkg/apperr"
	"github.com/mcclellann/microcredit/pkg/ledger"
	"github.com/mcclellann/microcredit/pkg/lock"
	"github.com/mcclellann/microcredit/pkg/logger"
	"github.com/mcclellann/microcredit/pkg/models"
	"github.com/mcclellann/microcredit/pkg/sequence"
	"github.com/mcclellann/microcredit/pkg/store"
	"github.com/mcclellann/microcredit/pkg/validation"
)

type Service struct {
	store store.Storage
	alloc sequence.Allocator
	now   func() time.Time
	locks *lock.KeyedMutex
	log   *zap.Logger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithAllocator(a sequence.Allocator) Option {
	return func(s *Service) { s.alloc = a }
}

func WithLocks(l *lock.KeyedMutex) Option {
	return func(s *Service) { s.locks = l }
}

func NewService(st store.Storage, opts ...Option) *Service {
	s := &Service{
		store: st,
		now:   time.Now,
		locks: lock.NewKeyedMutex(),
		log:   logger.L().Named("savings"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenRequest opens the single savings account a member may hold.
type OpenRequest struct {
	MemberID                uuid.UUID       `json:"member_id" validate:"required"`
	CompulsoryWeeklySavings decimal.Decimal `json:"compulsory_weekly_savings" validate:"gte=0,cents"`
	InitialDeposit          decimal.Decimal `json:"initial_deposit" validate:"gte=0,cents"`
	ProcessedBy             uuid.UUID       `json:"processed_by" validate:"required"`
}

// Open creates the member's savings account with a zero balance and, when
// given, books the initial deposit in the same unit of work.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*models.SavingsAccount, error) {
	const op = "savings.Open"
	if err := validation.Struct(op, req); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock("member:" + req.MemberID.String())
	defer unlock()

	var account *models.SavingsAccount
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		member, err := tx.GetMember(ctx, req.MemberID)
		if err != nil {
			return err
		}
		if member.Status == models.MemberBlacklisted {
			return apperr.BusinessRule(op, "member %s is blacklisted", member.MemberCode)
		}
		_, err = tx.GetSavingsAccountByMember(ctx, member.ID)
		if err == nil {
			return apperr.BusinessRule(op, "member %s already has a savings account", member.MemberCode)
		}
		if apperr.KindOf(err) != apperr.KindNotFound {
			return err
		}

		codes := store.Codes(tx, s.alloc, s.now)
		number, err := codes.SavingsAccount(ctx)
		if err != nil {
			return err
		}
		account = &models.SavingsAccount{
			ID:                      uuid.New(),
			AccountNumber:           number,
			MemberID:                member.ID,
			Balance:                 decimal.Zero,
			CompulsoryWeeklySavings: req.CompulsoryWeeklySavings,
			TotalDeposits:           decimal.Zero,
			TotalWithdrawals:        decimal.Zero,
			IsActive:                true,
			OpeningDate:             s.now(),
		}
		if err := tx.CreateSavingsAccount(ctx, account); err != nil {
			return err
		}
		if req.InitialDeposit.IsPositive() {
			_, err := s.move(ctx, tx, account, models.SavingsDeposit, MovementRequest{
				AccountID:   account.ID,
				Amount:      req.InitialDeposit,
				ProcessedBy: req.ProcessedBy,
				Remarks:     "Opening deposit",
			})
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("savings account opened",
		zap.String("account_number", account.AccountNumber),
		zap.String("member_id", account.MemberID.String()),
		zap.String("balance", account.Balance.StringFixed(2)))
	return account, nil
}

// MovementRequest is a deposit into or withdrawal from an account.
type MovementRequest struct {
	AccountID   uuid.UUID       `json:"account_id" validate:"required"`
	Amount      decimal.Decimal `json:"amount" validate:"gt=0,cents"`
	Reference   string          `json:"reference" validate:"max=100"`
	ProcessedBy uuid.UUID       `json:"processed_by" validate:"required"`
	Remarks     string          `json:"remarks" validate:"max=500"`
}

// Movement is what one deposit or withdrawal wrote.
type Movement struct {
	Account     *models.SavingsAccount     `json:"account"`
	Transaction *models.SavingsTransaction `json:"transaction"`
	Posting     *models.Transaction        `json:"posting"`
}

// Deposit adds money to an active account.
func (s *Service) Deposit(ctx context.Context, req MovementRequest) (*Movement, error) {
	return s.apply(ctx, "savings.Deposit", models.SavingsDeposit, req)
}

// Withdraw takes money out of an active account. The balance never goes
// negative; a larger request is refused and nothing changes.
func (s *Service) Withdraw(ctx context.Context, req MovementRequest) (*Movement, error) {
	return s.apply(ctx, "savings.Withdraw", models.SavingsWithdrawal, req)
}

func (s *Service) apply(ctx context.Context, op string, typ models.SavingsTransactionType, req MovementRequest) (*Movement, error) {
	if err := validation.Struct(op, req); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock("savings:" + req.AccountID.String())
	defer unlock()

	var m *Movement
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		account, err := tx.GetSavingsAccount(ctx, req.AccountID)
		if err != nil {
			return err
		}
		m, err = s.move(ctx, tx, account, typ, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("savings "+string(typ),
		zap.String("account_number", m.Account.AccountNumber),
		zap.String("amount", m.Transaction.Amount.StringFixed(2)),
		zap.String("balance_after", m.Transaction.BalanceAfter.StringFixed(2)),
		zap.String("transaction_code", m.Posting.TransactionCode))
	return m, nil
}

func (s *Service) move(ctx context.Context, tx store.Tx, account *models.SavingsAccount, typ models.SavingsTransactionType, req MovementRequest) (*Movement, error) {
	const op = "savings.move"
	if !account.IsActive {
		return nil, apperr.BusinessRule(op, "savings account %s is not active", account.AccountNumber)
	}

	switch typ {
	case models.SavingsDeposit:
		account.Balance = account.Balance.Add(req.Amount)
		account.TotalDeposits = account.TotalDeposits.Add(req.Amount)
	case models.SavingsWithdrawal:
		if account.Balance.LessThan(req.Amount) {
			return nil, apperr.BusinessRule(op, "insufficient balance: %s available, %s requested",
				account.Balance.StringFixed(2), req.Amount.StringFixed(2))
		}
		account.Balance = account.Balance.Sub(req.Amount)
		account.TotalWithdrawals = account.TotalWithdrawals.Add(req.Amount)
	}

	now := s.now()
	st := &models.SavingsTransaction{
		ID:               uuid.New(),
		SavingsAccountID: account.ID,
		Type:             typ,
		Amount:           req.Amount,
		BalanceAfter:     account.Balance,
		TransactionDate:  now,
		Reference:        req.Reference,
		ProcessedBy:      req.ProcessedBy,
		Remarks:          req.Remarks,
	}
	if err := tx.UpdateSavingsAccount(ctx, account); err != nil {
		return nil, err
	}
	if err := tx.CreateSavingsTransaction(ctx, st); err != nil {
		return nil, err
	}

	poster := ledger.NewPoster(tx, store.Codes(tx, s.alloc, s.now), s.now)
	posting, err := poster.PostSavings(ctx, account, st)
	if err != nil {
		return nil, err
	}
	return &Movement{Account: account, Transaction: st, Posting: posting}, nil
}

// Account retrieves a savings account by its ID.
func (s *Service) Account(ctx context.Context, id uuid.UUID) (*models.SavingsAccount, error) {
	var a *models.SavingsAccount
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		a, err = tx.GetSavingsAccount(ctx, id)
		return err
	})
	return a, err
}

// AccountByMember retrieves the savings account a member holds.
func (s *Service) AccountByMember(ctx context.Context, memberID uuid.UUID) (*models.SavingsAccount, error) {
	var a *models.SavingsAccount
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		a, err = tx.GetSavingsAccountByMember(ctx, memberID)
		return err
	})
	return a, err
}

// Statement lists an account's movements, oldest first.
func (s *Service) Statement(ctx context.Context, accountID uuid.UUID) ([]*models.SavingsTransaction, error) {
	var out []*models.SavingsTransaction
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetSavingsAccount(ctx, accountID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListSavingsTransactions(ctx, accountID)
		return err
	})
	return out, err
}
