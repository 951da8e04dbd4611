package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mcclellann/microcredit/pkg/apperr"
	"github.com/mcclellann/microcredit/pkg/models"
)

const loanColumns = `id, loan_code, member_id, branch_id, group_id, loan_type, purpose, principal, interest_rate, interest_method, duration_weeks,
	total_interest, total_payable, periodic_installment, paid_amount, remaining_balance, paid_installments, status,
	application_date, approval_date, approved_by, rejection_reason, disbursement_date, last_payment_date, closed_date,
	version, created_at, updated_at, is_deleted`

func scanLoan(row scanner) (*models.Loan, error) {
	var l models.Loan
	var groupID, approvedBy uuid.NullUUID
	var approval, disbursed, lastPayment, closed sql.NullTime
	err := row.Scan(
		&l.ID, &l.LoanCode, &l.MemberID, &l.BranchID, &groupID, &l.LoanType, &l.Purpose, &l.Principal, &l.InterestRate, &l.InterestMethod, &l.DurationWeeks,
		&l.TotalInterest, &l.TotalPayable, &l.PeriodicInstallment, &l.PaidAmount, &l.RemainingBalance, &l.PaidInstallments, &l.Status,
		&l.ApplicationDate, &approval, &approvedBy, &l.RejectionReason, &disbursed, &lastPayment, &closed,
		&l.Version, &l.CreatedAt, &l.UpdatedAt, &l.IsDeleted,
	)
	if err != nil {
		return nil, err
	}
	l.GroupID = uuidPtr(groupID)
	l.ApprovedBy = uuidPtr(approvedBy)
	l.ApprovalDate = timePtr(approval)
	l.DisbursementDate = timePtr(disbursed)
	l.LastPaymentDate = timePtr(lastPayment)
	l.ClosedDate = timePtr(closed)
	return &l, nil
}

// CreateLoan inserts a new loan.
func (t *sqliteTx) CreateLoan(ctx context.Context, l *models.Loan) error {
	l.Touch(t.stamp())
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO loans (`+loanColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID.String(), l.LoanCode, l.MemberID.String(), l.BranchID.String(), nullableUUID(l.GroupID), l.LoanType, l.Purpose, l.Principal, l.InterestRate, l.InterestMethod, l.DurationWeeks,
		l.TotalInterest, l.TotalPayable, l.PeriodicInstallment, l.PaidAmount, l.RemainingBalance, l.PaidInstallments, l.Status,
		l.ApplicationDate, nullableTime(l.ApprovalDate), nullableUUID(l.ApprovedBy), l.RejectionReason, nullableTime(l.DisbursementDate), nullableTime(l.LastPaymentDate), nullableTime(l.ClosedDate),
		l.Version, l.CreatedAt, l.UpdatedAt, l.IsDeleted,
	)
	if err != nil {
		return createErr("loan", err)
	}
	return nil
}

// GetLoan retrieves a loan by its ID.
func (t *sqliteTx) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	l, err := scanLoan(t.tx.QueryRowContext(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE id = ? AND is_deleted = 0`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("store.GetLoan", "loan %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return l, nil
}

// UpdateLoan writes the loan back if the row is still at l.Version. Pricing
// inputs and identity columns are immutable and not part of the update.
func (t *sqliteTx) UpdateLoan(ctx context.Context, l *models.Loan) error {
	l.Touch(t.stamp())
	res, err := t.tx.ExecContext(ctx,
		`UPDATE loans SET total_interest = ?, total_payable = ?, periodic_installment = ?, paid_amount = ?, remaining_balance = ?,
		paid_installments = ?, status = ?, approval_date = ?, approved_by = ?, rejection_reason = ?, disbursement_date = ?,
		last_payment_date = ?, closed_date = ?, updated_at = ?, is_deleted = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		l.TotalInterest, l.TotalPayable, l.PeriodicInstallment, l.PaidAmount, l.RemainingBalance,
		l.PaidInstallments, l.Status, nullableTime(l.ApprovalDate), nullableUUID(l.ApprovedBy), l.RejectionReason, nullableTime(l.DisbursementDate),
		nullableTime(l.LastPaymentDate), nullableTime(l.ClosedDate), l.UpdatedAt, l.IsDeleted,
		l.ID.String(), l.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	if err := t.checkVersioned(ctx, res, "loans", l.ID, "store.UpdateLoan"); err != nil {
		return err
	}
	l.Version++
	return nil
}

func (t *sqliteTx) queryLoans(ctx context.Context, query string, args ...any) ([]*models.Loan, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	defer rows.Close()

	var loans []*models.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, l)
	}
	return loans, rows.Err()
}

// ListLoansByMember returns a member's loans, newest application first.
func (t *sqliteTx) ListLoansByMember(ctx context.Context, memberID uuid.UUID) ([]*models.Loan, error) {
	return t.queryLoans(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE member_id = ? AND is_deleted = 0 ORDER BY application_date DESC, loan_code DESC`,
		memberID.String())
}

// ListLoansByStatus returns loans in a status, optionally within one branch.
func (t *sqliteTx) ListLoansByStatus(ctx context.Context, status models.LoanStatus, branchID *uuid.UUID) ([]*models.Loan, error) {
	if branchID == nil {
		return t.queryLoans(ctx,
			`SELECT `+loanColumns+` FROM loans WHERE status = ? AND is_deleted = 0 ORDER BY application_date, loan_code`,
			status)
	}
	return t.queryLoans(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE status = ? AND branch_id = ? AND is_deleted = 0 ORDER BY application_date, loan_code`,
		status, branchID.String())
}

// HasOpenLoan reports whether the member has a loan that is approved, disbursed
// or active.
func (t *sqliteTx) HasOpenLoan(ctx context.Context, memberID uuid.UUID) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM loans WHERE member_id = ? AND is_deleted = 0 AND status IN (?, ?, ?)`,
		memberID.String(), models.LoanApproved, models.LoanDisbursed, models.LoanActive,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check open loans: %w", err)
	}
	return n > 0, nil
}

const installmentColumns = `id, loan_id, installment_number, due_date, principal_amount, interest_amount, total_amount, paid_amount, remaining_amount,
	principal_paid, interest_paid, fine_amount, fine_paid, late_days, status, payment_date, created_at, updated_at, is_deleted`

func scanInstallment(row scanner) (*models.Installment, error) {
	var i models.Installment
	var paidAt sql.NullTime
	err := row.Scan(
		&i.ID, &i.LoanID, &i.Number, &i.DueDate, &i.PrincipalAmount, &i.InterestAmount, &i.TotalAmount, &i.PaidAmount, &i.RemainingAmount,
		&i.PrincipalPaid, &i.InterestPaid, &i.FineAmount, &i.FinePaid, &i.LateDays, &i.Status, &paidAt, &i.CreatedAt, &i.UpdatedAt, &i.IsDeleted,
	)
	if err != nil {
		return nil, err
	}
	i.PaymentDate = timePtr(paidAt)
	return &i, nil
}

// CreateInstallments inserts a loan's schedule.
func (t *sqliteTx) CreateInstallments(ctx context.Context, installments []*models.Installment) error {
	stmt, err := t.tx.PrepareContext(ctx,
		`INSERT INTO installments (`+installmentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare installment insert: %w", err)
	}
	defer stmt.Close()

	now := t.stamp()
	for _, i := range installments {
		i.Touch(now)
		_, err := stmt.ExecContext(ctx,
			i.ID.String(), i.LoanID.String(), i.Number, i.DueDate, i.PrincipalAmount, i.InterestAmount, i.TotalAmount, i.PaidAmount, i.RemainingAmount,
			i.PrincipalPaid, i.InterestPaid, i.FineAmount, i.FinePaid, i.LateDays, i.Status, nullableTime(i.PaymentDate), i.CreatedAt, i.UpdatedAt, i.IsDeleted,
		)
		if err != nil {
			return createErr(fmt.Sprintf("installment %d", i.Number), err)
		}
	}
	return nil
}

// ListInstallments returns a loan's schedule ordered by installment number.
func (t *sqliteTx) ListInstallments(ctx context.Context, loanID uuid.UUID) ([]*models.Installment, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+installmentColumns+` FROM installments WHERE loan_id = ? AND is_deleted = 0 ORDER BY installment_number`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list installments: %w", err)
	}
	defer rows.Close()

	var out []*models.Installment
	for rows.Next() {
		i, err := scanInstallment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan installment row: %w", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// GetInstallment retrieves an installment by its ID.
func (t *sqliteTx) GetInstallment(ctx context.Context, id uuid.UUID) (*models.Installment, error) {
	i, err := scanInstallment(t.tx.QueryRowContext(ctx,
		`SELECT `+installmentColumns+` FROM installments WHERE id = ? AND is_deleted = 0`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("store.GetInstallment", "installment %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get installment: %w", err)
	}
	return i, nil
}

// UpdateInstallment writes back the paid and fine columns of an installment.
func (t *sqliteTx) UpdateInstallment(ctx context.Context, i *models.Installment) error {
	i.Touch(t.stamp())
	res, err := t.tx.ExecContext(ctx,
		`UPDATE installments SET paid_amount = ?, remaining_amount = ?, principal_paid = ?, interest_paid = ?, fine_amount = ?, fine_paid = ?,
		late_days = ?, status = ?, payment_date = ?, updated_at = ?, is_deleted = ? WHERE id = ?`,
		i.PaidAmount, i.RemainingAmount, i.PrincipalPaid, i.InterestPaid, i.FineAmount, i.FinePaid,
		i.LateDays, i.Status, nullableTime(i.PaymentDate), i.UpdatedAt, i.IsDeleted, i.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update installment: %w", err)
	}
	return checkUpdated(res, "store.UpdateInstallment", "installment", i.ID)
}

const paymentColumns = `id, payment_code, loan_id, member_id, installment_id, payment_date, principal_paid, interest_paid, fine_paid, total_amount,
	method, reference, collected_by, remarks, created_at`

// CreatePayment appends a payment receipt.
func (t *sqliteTx) CreatePayment(ctx context.Context, p *models.Payment) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = t.stamp()
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO payments (`+paymentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.PaymentCode, p.LoanID.String(), p.MemberID.String(), nullableUUID(p.InstallmentID), p.PaymentDate, p.PrincipalPaid, p.InterestPaid, p.FinePaid, p.TotalAmount,
		p.Method, p.Reference, p.CollectedBy.String(), p.Remarks, p.CreatedAt,
	)
	if err != nil {
		return createErr("payment", err)
	}
	return nil
}

// ListPaymentsByLoan returns a loan's payments oldest first.
func (t *sqliteTx) ListPaymentsByLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Payment, error) {
	return t.listPayments(ctx, `loan_id = ?`, loanID.String())
}

// ListPaymentsByMember returns every payment a member made across loans, oldest first.
func (t *sqliteTx) ListPaymentsByMember(ctx context.Context, memberID uuid.UUID) ([]*models.Payment, error) {
	return t.listPayments(ctx, `member_id = ?`, memberID.String())
}

func (t *sqliteTx) listPayments(ctx context.Context, where string, arg any) ([]*models.Payment, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE `+where+` ORDER BY payment_date, payment_code`, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var out []*models.Payment
	for rows.Next() {
		var p models.Payment
		var instID uuid.NullUUID
		if err := rows.Scan(&p.ID, &p.PaymentCode, &p.LoanID, &p.MemberID, &instID, &p.PaymentDate, &p.PrincipalPaid, &p.InterestPaid, &p.FinePaid, &p.TotalAmount,
			&p.Method, &p.Reference, &p.CollectedBy, &p.Remarks, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment row: %w", err)
		}
		p.InstallmentID = uuidPtr(instID)
		out = append(out, &p)
	}
	return out, rows.Err()
}
