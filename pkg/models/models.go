package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Audit carries the bookkeeping columns every mutable row has. The unit of work
// stamps them; nothing else should write them.
type Audit struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	IsDeleted bool      `json:"is_deleted"`
}

// Touch stamps the audit block for a write at now.
func (a *Audit) Touch(now time.Time) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
}

type InterestMethod string

const (
	InterestFlat             InterestMethod = "flat"
	InterestReducingBalance  InterestMethod = "reducing_balance"
	InterestDecliningBalance InterestMethod = "declining_balance_emi"
)

// Valid reports whether m is one of the supported interest methods.
func (m InterestMethod) Valid() bool {
	switch m {
	case InterestFlat, InterestReducingBalance, InterestDecliningBalance:
		return true
	}
	return false
}

type LoanStatus string

const (
	LoanPending    LoanStatus = "pending"
	LoanApproved   LoanStatus = "approved"
	LoanDisbursed  LoanStatus = "disbursed"
	LoanActive     LoanStatus = "active"
	LoanClosed     LoanStatus = "closed"
	LoanRejected   LoanStatus = "rejected"
	LoanWrittenOff LoanStatus = "written_off"
)

var loanTransitions = map[LoanStatus][]LoanStatus{
	LoanPending:   {LoanApproved, LoanRejected},
	LoanApproved:  {LoanDisbursed},
	LoanDisbursed: {LoanActive, LoanClosed, LoanWrittenOff},
	LoanActive:    {LoanActive, LoanClosed, LoanWrittenOff},
}

// CanTransitionTo reports whether the loan state machine allows s -> next.
func (s LoanStatus) CanTransitionTo(next LoanStatus) bool {
	for _, allowed := range loanTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Open reports whether a loan in this status blocks a new application.
func (s LoanStatus) Open() bool {
	return s == LoanApproved || s == LoanDisbursed || s == LoanActive
}

// Collectable reports whether repayments may be recorded against the loan.
func (s LoanStatus) Collectable() bool {
	return s == LoanDisbursed || s == LoanActive
}

type InstallmentStatus string

const (
	InstallmentPending InstallmentStatus = "pending"
	InstallmentPartial InstallmentStatus = "partial"
	InstallmentPaid    InstallmentStatus = "paid"
	InstallmentOverdue InstallmentStatus = "overdue"
)

type PaymentMethod string

const (
	PaymentCash          PaymentMethod = "cash"
	PaymentMobileBanking PaymentMethod = "mobile_banking"
	PaymentBankTransfer  PaymentMethod = "bank_transfer"
)

// Loan is a member's loan. Totals are fixed at application and reconciled to the
// installment schedule at disbursement; running totals move only with payments.
type Loan struct {
	ID                  uuid.UUID       `json:"id"`
	LoanCode            string          `json:"loan_code"`
	MemberID            uuid.UUID       `json:"member_id"`
	BranchID            uuid.UUID       `json:"branch_id"`
	GroupID             *uuid.UUID      `json:"group_id,omitempty"`
	LoanType            string          `json:"loan_type"`
	Purpose             string          `json:"purpose"`
	Principal           decimal.Decimal `json:"principal"`
	InterestRate        decimal.Decimal `json:"interest_rate"` // annual, percent
	InterestMethod      InterestMethod  `json:"interest_method"`
	DurationWeeks       int             `json:"duration_weeks"`
	TotalInterest       decimal.Decimal `json:"total_interest"`
	TotalPayable        decimal.Decimal `json:"total_payable"`
	PeriodicInstallment decimal.Decimal `json:"periodic_installment"`
	PaidAmount          decimal.Decimal `json:"paid_amount"`
	RemainingBalance    decimal.Decimal `json:"remaining_balance"`
	PaidInstallments    int             `json:"paid_installments"`
	Status              LoanStatus      `json:"status"`
	ApplicationDate     time.Time       `json:"application_date"`
	ApprovalDate        *time.Time      `json:"approval_date,omitempty"`
	ApprovedBy          *uuid.UUID      `json:"approved_by,omitempty"`
	RejectionReason     string          `json:"rejection_reason,omitempty"`
	DisbursementDate    *time.Time      `json:"disbursement_date,omitempty"`
	LastPaymentDate     *time.Time      `json:"last_payment_date,omitempty"`
	ClosedDate          *time.Time      `json:"closed_date,omitempty"`
	Version             int64           `json:"version"`
	Audit
}

// Installment is one scheduled weekly repayment. Fine is tracked apart from
// TotalAmount; PaidAmount counts interest and principal only.
type Installment struct {
	ID              uuid.UUID         `json:"id"`
	LoanID          uuid.UUID         `json:"loan_id"`
	Number          int               `json:"installment_number"`
	DueDate         time.Time         `json:"due_date"`
	PrincipalAmount decimal.Decimal   `json:"principal_amount"`
	InterestAmount  decimal.Decimal   `json:"interest_amount"`
	TotalAmount     decimal.Decimal   `json:"total_amount"`
	PaidAmount      decimal.Decimal   `json:"paid_amount"`
	RemainingAmount decimal.Decimal   `json:"remaining_amount"`
	PrincipalPaid   decimal.Decimal   `json:"principal_paid"`
	InterestPaid    decimal.Decimal   `json:"interest_paid"`
	FineAmount      decimal.Decimal   `json:"fine_amount"`
	FinePaid        decimal.Decimal   `json:"fine_paid"`
	LateDays        int               `json:"late_days"`
	Status          InstallmentStatus `json:"status"`
	PaymentDate     *time.Time        `json:"payment_date,omitempty"`
	Audit
}

// InterestDue is the unpaid part of the interest component.
func (i *Installment) InterestDue() decimal.Decimal {
	return nonNegative(i.InterestAmount.Sub(i.InterestPaid))
}

// PrincipalDue is the unpaid part of the principal component.
func (i *Installment) PrincipalDue() decimal.Decimal {
	return nonNegative(i.PrincipalAmount.Sub(i.PrincipalPaid))
}

// FineDue is the accrued fine not yet collected.
func (i *Installment) FineDue() decimal.Decimal {
	return nonNegative(i.FineAmount.Sub(i.FinePaid))
}

// Outstanding is everything still owed on the installment, fine included.
func (i *Installment) Outstanding() decimal.Decimal {
	return i.FineDue().Add(i.InterestDue()).Add(i.PrincipalDue())
}

// Open reports whether the installment still expects money.
func (i *Installment) Open() bool {
	return i.Status != InstallmentPaid
}

// Payment is an immutable cash receipt. PrincipalPaid + InterestPaid + FinePaid
// always equals TotalAmount.
type Payment struct {
	ID            uuid.UUID       `json:"id"`
	PaymentCode   string          `json:"payment_code"`
	LoanID        uuid.UUID       `json:"loan_id"`
	MemberID      uuid.UUID       `json:"member_id"`
	InstallmentID *uuid.UUID      `json:"installment_id,omitempty"`
	PaymentDate   time.Time       `json:"payment_date"`
	PrincipalPaid decimal.Decimal `json:"principal_paid"`
	InterestPaid  decimal.Decimal `json:"interest_paid"`
	FinePaid      decimal.Decimal `json:"fine_paid"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Method        PaymentMethod   `json:"payment_method"`
	Reference     string          `json:"transaction_reference,omitempty"`
	CollectedBy   uuid.UUID       `json:"collected_by"`
	Remarks       string          `json:"remarks,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
