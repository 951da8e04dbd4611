package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/mcclellann/microcredit/pkg/models"
	"github.com/mcclellann/microcredit/pkg/sequence"
)

// Storage is the persistence port. All reads and writes happen inside a unit
// of work; a unit of work either commits every write it made or none.
type Storage interface {
	// WithinTx runs fn in one transaction, committing if fn returns nil and
	// rolling back otherwise.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	// Sequences reports the last number issued per code scope.
	Sequences(ctx context.Context) (map[string]int64, error)

	Close() error
}

// Tx is the set of operations available inside a unit of work. Create and
// Update stamp audit fields; Update on versioned rows fails with a conflict
// when the row changed since it was read.
type Tx interface {
	sequence.Allocator

	CreateBranch(ctx context.Context, branch *models.Branch) error
	GetBranch(ctx context.Context, id uuid.UUID) (*models.Branch, error)

	CreateGroup(ctx context.Context, group *models.Group) error
	GetGroup(ctx context.Context, id uuid.UUID) (*models.Group, error)
	UpdateGroup(ctx context.Context, group *models.Group) error

	CreateMember(ctx context.Context, member *models.Member) error
	GetMember(ctx context.Context, id uuid.UUID) (*models.Member, error)
	UpdateMember(ctx context.Context, member *models.Member) error
	// GetMemberProfile loads a member with its savings account and group.
	GetMemberProfile(ctx context.Context, memberID uuid.UUID) (*models.MemberProfile, error)

	CreateSavingsAccount(ctx context.Context, account *models.SavingsAccount) error
	GetSavingsAccount(ctx context.Context, id uuid.UUID) (*models.SavingsAccount, error)
	GetSavingsAccountByMember(ctx context.Context, memberID uuid.UUID) (*models.SavingsAccount, error)
	UpdateSavingsAccount(ctx context.Context, account *models.SavingsAccount) error
	CreateSavingsTransaction(ctx context.Context, st *models.SavingsTransaction) error
	ListSavingsTransactions(ctx context.Context, accountID uuid.UUID) ([]*models.SavingsTransaction, error)

	CreateLoan(ctx context.Context, loan *models.Loan) error
	GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error)
	UpdateLoan(ctx context.Context, loan *models.Loan) error
	ListLoansByMember(ctx context.Context, memberID uuid.UUID) ([]*models.Loan, error)
	// ListLoansByStatus filters by branch too when branchID is non-nil.
	ListLoansByStatus(ctx context.Context, status models.LoanStatus, branchID *uuid.UUID) ([]*models.Loan, error)
	HasOpenLoan(ctx context.Context, memberID uuid.UUID) (bool, error)

	CreateInstallments(ctx context.Context, installments []*models.Installment) error
	ListInstallments(ctx context.Context, loanID uuid.UUID) ([]*models.Installment, error)
	GetInstallment(ctx context.Context, id uuid.UUID) (*models.Installment, error)
	UpdateInstallment(ctx context.Context, inst *models.Installment) error

	CreatePayment(ctx context.Context, payment *models.Payment) error
	ListPaymentsByLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Payment, error)
	ListPaymentsByMember(ctx context.Context, memberID uuid.UUID) ([]*models.Payment, error)

	// GetLedgerAccountByCode returns a not-found error when the code is unused.
	GetLedgerAccountByCode(ctx context.Context, code string) (*models.LedgerAccount, error)
	CreateLedgerAccount(ctx context.Context, account *models.LedgerAccount) error
	UpdateLedgerAccount(ctx context.Context, account *models.LedgerAccount) error
	ListLedgerAccounts(ctx context.Context) ([]*models.LedgerAccount, error)

	CreateTransaction(ctx context.Context, txn *models.Transaction) error
	ListTransactions(ctx context.Context) ([]*models.Transaction, error)
	ListTransactionsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Transaction, error)
}
