package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AccountType string

const (
	AccountAsset     AccountType = "asset"
	AccountLiability AccountType = "liability"
	AccountEquity    AccountType = "equity"
	AccountIncome    AccountType = "income"
	AccountExpense   AccountType = "expense"
)

// DebitNormal reports whether a debit increases an account of this type.
func (t AccountType) DebitNormal() bool {
	return t == AccountAsset || t == AccountExpense
}

type TransactionType string

const (
	TransactionLoanDisbursement  TransactionType = "loan_disbursement"
	TransactionLoanRepayment     TransactionType = "loan_repayment"
	TransactionInterestIncome    TransactionType = "interest_income"
	TransactionFineCollection    TransactionType = "fine_collection"
	TransactionSavingsDeposit    TransactionType = "savings_deposit"
	TransactionSavingsWithdrawal TransactionType = "savings_withdrawal"
	TransactionLoanWriteOff      TransactionType = "loan_write_off"
)

// LedgerAccount is a general-ledger account. Balance carries the account's
// natural sign and only changes through Debit/Credit.
type LedgerAccount struct {
	ID       uuid.UUID       `json:"id"`
	Code     string          `json:"account_code"`
	Name     string          `json:"account_name"`
	Type     AccountType     `json:"account_type"`
	Balance  decimal.Decimal `json:"balance"`
	IsActive bool            `json:"is_active"`
	Version  int64           `json:"version"`
	Audit
}

func (a *LedgerAccount) Debit(amount decimal.Decimal) {
	if a.Type.DebitNormal() {
		a.Balance = a.Balance.Add(amount)
	} else {
		a.Balance = a.Balance.Sub(amount)
	}
}

func (a *LedgerAccount) Credit(amount decimal.Decimal) {
	if a.Type.DebitNormal() {
		a.Balance = a.Balance.Sub(amount)
	} else {
		a.Balance = a.Balance.Add(amount)
	}
}

// Transaction is one immutable double-entry posting.
type Transaction struct {
	ID              uuid.UUID       `json:"id"`
	TransactionCode string          `json:"transaction_code"`
	TransactionDate time.Time       `json:"transaction_date"`
	Type            TransactionType `json:"transaction_type"`
	DebitAccountID  uuid.UUID       `json:"debit_account_id"`
	CreditAccountID uuid.UUID       `json:"credit_account_id"`
	Amount          decimal.Decimal `json:"amount"`
	Description     string          `json:"description"`
	Reference       string          `json:"reference,omitempty"`
	LoanID          *uuid.UUID      `json:"loan_id,omitempty"`
	PaymentID       *uuid.UUID      `json:"payment_id,omitempty"`
	CreatedBy       uuid.UUID       `json:"created_by"`
	CreatedAt       time.Time       `json:"created_at"`
}

type SavingsTransactionType string

const (
	SavingsDeposit    SavingsTransactionType = "deposit"
	SavingsWithdrawal SavingsTransactionType = "withdrawal"
)

// SavingsAccount holds a member's savings. Balance is TotalDeposits minus
// TotalWithdrawals and never goes negative.
type SavingsAccount struct {
	ID                      uuid.UUID       `json:"id"`
	AccountNumber           string          `json:"account_number"`
	MemberID                uuid.UUID       `json:"member_id"`
	Balance                 decimal.Decimal `json:"balance"`
	CompulsoryWeeklySavings decimal.Decimal `json:"compulsory_weekly_savings"`
	TotalDeposits           decimal.Decimal `json:"total_deposits"`
	TotalWithdrawals        decimal.Decimal `json:"total_withdrawals"`
	IsActive                bool            `json:"is_active"`
	OpeningDate             time.Time       `json:"opening_date"`
	Version                 int64           `json:"version"`
	Audit
}

// SavingsTransaction is an append-only savings movement with the balance it left.
type SavingsTransaction struct {
	ID               uuid.UUID              `json:"id"`
	SavingsAccountID uuid.UUID              `json:"savings_account_id"`
	Type             SavingsTransactionType `json:"transaction_type"`
	Amount           decimal.Decimal        `json:"amount"`
	BalanceAfter     decimal.Decimal        `json:"balance_after"`
	TransactionDate  time.Time              `json:"transaction_date"`
	Reference        string                 `json:"reference,omitempty"`
	ProcessedBy      uuid.UUID              `json:"processed_by"`
	Remarks          string                 `json:"remarks,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}
