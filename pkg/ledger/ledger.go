// Package ledger posts double-entry transactions against the fixed chart of
// accounts and keeps the running account balances in step with them.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mcclellann/microcredit/pkg/apperr"
	"github.com/mcclellann/microcredit/pkg/models"
	"github.com/mcclellann/microcredit/pkg/sequence"
	"github.com/mcclellann/microcredit/pkg/store"
)

// Chart of accounts codes.
const (
	Cash             = "CASH"
	LoanReceivable   = "LOAN_RECEIVABLE"
	SavingsLiability = "SAVINGS_LIABILITY"
	InterestIncome   = "INTEREST_INCOME"
	FineIncome       = "FINE_INCOME"
	LoanLossExpense  = "LOAN_LOSS_EXPENSE"
)

type chartEntry struct {
	name string
	typ  models.AccountType
}

var chart = map[string]chartEntry{
	Cash:             {"Cash", models.AccountAsset},
	LoanReceivable:   {"Loan Receivable", models.AccountAsset},
	SavingsLiability: {"Savings Liability", models.AccountLiability},
	InterestIncome:   {"Interest Income", models.AccountIncome},
	FineIncome:       {"Fine Income", models.AccountIncome},
	LoanLossExpense:  {"Loan Loss Expense", models.AccountExpense},
}

// Entry describes one posting before it is numbered and stored.
type Entry struct {
	Type        models.TransactionType
	Debit       string
	Credit      string
	Amount      decimal.Decimal
	Description string
	Reference   string
	LoanID      *uuid.UUID
	PaymentID   *uuid.UUID
	CreatedBy   uuid.UUID
}

// Poster records postings inside one unit of work. Accounts it touches are
// cached for its lifetime only; build a new Poster per transaction.
type Poster struct {
	tx       store.Tx
	codes    *sequence.Codes
	now      func() time.Time
	accounts map[string]*models.LedgerAccount
}

func NewPoster(tx store.Tx, codes *sequence.Codes, now func() time.Time) *Poster {
	if now == nil {
		now = time.Now
	}
	return &Poster{
		tx:       tx,
		codes:    codes,
		now:      now,
		accounts: make(map[string]*models.LedgerAccount),
	}
}

// Account returns the account for code, creating it on first reference.
func (p *Poster) Account(ctx context.Context, code string) (*models.LedgerAccount, error) {
	if a, ok := p.accounts[code]; ok {
		return a, nil
	}
	def, ok := chart[code]
	if !ok {
		return nil, apperr.Validation("ledger.Account", "unknown account code %q", code)
	}

	a, err := p.tx.GetLedgerAccountByCode(ctx, code)
	if apperr.KindOf(err) == apperr.KindNotFound {
		a = &models.LedgerAccount{
			ID:       uuid.New(),
			Code:     code,
			Name:     def.name,
			Type:     def.typ,
			Balance:  decimal.Zero,
			IsActive: true,
		}
		err = p.tx.CreateLedgerAccount(ctx, a)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", code, err)
	}
	p.accounts[code] = a
	return a, nil
}

// Post moves e.Amount from the credit account to the debit account and appends
// the matching transaction.
func (p *Poster) Post(ctx context.Context, e Entry) (*models.Transaction, error) {
	if !e.Amount.IsPositive() {
		return nil, apperr.Validation("ledger.Post", "posting amount must be positive, got %s", e.Amount)
	}
	if e.Debit == e.Credit {
		return nil, apperr.Validation("ledger.Post", "debit and credit account are both %s", e.Debit)
	}

	debit, err := p.Account(ctx, e.Debit)
	if err != nil {
		return nil, err
	}
	credit, err := p.Account(ctx, e.Credit)
	if err != nil {
		return nil, err
	}

	code, err := p.codes.Transaction(ctx)
	if err != nil {
		return nil, err
	}

	debit.Debit(e.Amount)
	credit.Credit(e.Amount)
	if err := p.tx.UpdateLedgerAccount(ctx, debit); err != nil {
		return nil, err
	}
	if err := p.tx.UpdateLedgerAccount(ctx, credit); err != nil {
		return nil, err
	}

	txn := &models.Transaction{
		ID:              uuid.New(),
		TransactionCode: code,
		TransactionDate: p.now(),
		Type:            e.Type,
		DebitAccountID:  debit.ID,
		CreditAccountID: credit.ID,
		Amount:          e.Amount,
		Description:     e.Description,
		Reference:       e.Reference,
		LoanID:          e.LoanID,
		PaymentID:       e.PaymentID,
		CreatedBy:       e.CreatedBy,
	}
	if err := p.tx.CreateTransaction(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// PostDisbursement books the principal handed to the member.
func (p *Poster) PostDisbursement(ctx context.Context, loan *models.Loan, by uuid.UUID) (*models.Transaction, error) {
	return p.Post(ctx, Entry{
		Type:        models.TransactionLoanDisbursement,
		Debit:       LoanReceivable,
		Credit:      Cash,
		Amount:      loan.Principal,
		Description: "Loan disbursement " + loan.LoanCode,
		Reference:   loan.LoanCode,
		LoanID:      &loan.ID,
		CreatedBy:   by,
	})
}

// PostRepayment books one posting per nonzero component of a payment.
func (p *Poster) PostRepayment(ctx context.Context, payment *models.Payment, loanCode string) ([]*models.Transaction, error) {
	parts := []struct {
		typ    models.TransactionType
		credit string
		amount decimal.Decimal
		label  string
	}{
		{models.TransactionLoanRepayment, LoanReceivable, payment.PrincipalPaid, "Principal repayment"},
		{models.TransactionInterestIncome, InterestIncome, payment.InterestPaid, "Interest income"},
		{models.TransactionFineCollection, FineIncome, payment.FinePaid, "Fine collection"},
	}

	var out []*models.Transaction
	for _, part := range parts {
		if !part.amount.IsPositive() {
			continue
		}
		txn, err := p.Post(ctx, Entry{
			Type:        part.typ,
			Debit:       Cash,
			Credit:      part.credit,
			Amount:      part.amount,
			Description: fmt.Sprintf("%s %s", part.label, loanCode),
			Reference:   payment.PaymentCode,
			LoanID:      &payment.LoanID,
			PaymentID:   &payment.ID,
			CreatedBy:   payment.CollectedBy,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, nil
}

// PostSavings books a savings deposit or withdrawal.
func (p *Poster) PostSavings(ctx context.Context, account *models.SavingsAccount, st *models.SavingsTransaction) (*models.Transaction, error) {
	e := Entry{
		Amount:    st.Amount,
		Reference: account.AccountNumber,
		CreatedBy: st.ProcessedBy,
	}
	switch st.Type {
	case models.SavingsDeposit:
		e.Type, e.Debit, e.Credit = models.TransactionSavingsDeposit, Cash, SavingsLiability
		e.Description = "Savings deposit " + account.AccountNumber
	case models.SavingsWithdrawal:
		e.Type, e.Debit, e.Credit = models.TransactionSavingsWithdrawal, SavingsLiability, Cash
		e.Description = "Savings withdrawal " + account.AccountNumber
	default:
		return nil, apperr.Validation("ledger.PostSavings", "unknown savings transaction type %q", st.Type)
	}
	return p.Post(ctx, e)
}

// PostWriteOff moves the unpaid principal of a loan to loan-loss expense. It
// returns nil when no principal is outstanding.
func (p *Poster) PostWriteOff(ctx context.Context, loan *models.Loan, outstanding decimal.Decimal, by uuid.UUID) (*models.Transaction, error) {
	if !outstanding.IsPositive() {
		return nil, nil
	}
	return p.Post(ctx, Entry{
		Type:        models.TransactionLoanWriteOff,
		Debit:       LoanLossExpense,
		Credit:      LoanReceivable,
		Amount:      outstanding,
		Description: "Loan write-off " + loan.LoanCode,
		Reference:   loan.LoanCode,
		LoanID:      &loan.ID,
		CreatedBy:   by,
	})
}

// TrialBalance sums account balances on each side of the books.
type TrialBalance struct {
	Accounts     []*models.LedgerAccount `json:"accounts"`
	TotalDebits  decimal.Decimal         `json:"total_debits"`
	TotalCredits decimal.Decimal         `json:"total_credits"`
}

// Balanced reports whether debit-normal and credit-normal balances agree.
func (tb TrialBalance) Balanced() bool {
	return tb.TotalDebits.Equal(tb.TotalCredits)
}

// BuildTrialBalance reads every account and totals it by its natural side.
func BuildTrialBalance(ctx context.Context, tx store.Tx) (TrialBalance, error) {
	accounts, err := tx.ListLedgerAccounts(ctx)
	if err != nil {
		return TrialBalance{}, err
	}
	tb := TrialBalance{Accounts: accounts, TotalDebits: decimal.Zero, TotalCredits: decimal.Zero}
	for _, a := range accounts {
		if a.Type.DebitNormal() {
			tb.TotalDebits = tb.TotalDebits.Add(a.Balance)
		} else {
			tb.TotalCredits = tb.TotalCredits.Add(a.Balance)
		}
	}
	return tb, nil
}
