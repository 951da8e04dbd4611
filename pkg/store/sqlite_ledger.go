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

const ledgerAccountColumns = `id, code, name, type, balance, is_active, version, created_at, updated_at, is_deleted`

func scanLedgerAccount(row scanner) (*models.LedgerAccount, error) {
	var a models.LedgerAccount
	err := row.Scan(&a.ID, &a.Code, &a.Name, &a.Type, &a.Balance, &a.IsActive, &a.Version, &a.CreatedAt, &a.UpdatedAt, &a.IsDeleted)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetLedgerAccountByCode retrieves a ledger account by its chart code.
func (t *sqliteTx) GetLedgerAccountByCode(ctx context.Context, code string) (*models.LedgerAccount, error) {
	a, err := scanLedgerAccount(t.tx.QueryRowContext(ctx,
		`SELECT `+ledgerAccountColumns+` FROM ledger_accounts WHERE code = ? AND is_deleted = 0`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("store.GetLedgerAccountByCode", "ledger account %s not found", code)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger account: %w", err)
	}
	return a, nil
}

// CreateLedgerAccount inserts a new ledger account.
func (t *sqliteTx) CreateLedgerAccount(ctx context.Context, a *models.LedgerAccount) error {
	a.Touch(t.stamp())
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO ledger_accounts (`+ledgerAccountColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.Code, a.Name, a.Type, a.Balance, a.IsActive, a.Version, a.CreatedAt, a.UpdatedAt, a.IsDeleted,
	)
	if err != nil {
		return createErr("ledger account", err)
	}
	return nil
}

// UpdateLedgerAccount writes the balance back if the row is still at a.Version.
func (t *sqliteTx) UpdateLedgerAccount(ctx context.Context, a *models.LedgerAccount) error {
	a.Touch(t.stamp())
	res, err := t.tx.ExecContext(ctx,
		`UPDATE ledger_accounts SET name = ?, balance = ?, is_active = ?, updated_at = ?, is_deleted = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		a.Name, a.Balance, a.IsActive, a.UpdatedAt, a.IsDeleted, a.ID.String(), a.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update ledger account: %w", err)
	}
	if err := t.checkVersioned(ctx, res, "ledger_accounts", a.ID, "store.UpdateLedgerAccount"); err != nil {
		return err
	}
	a.Version++
	return nil
}

// ListLedgerAccounts returns the chart of accounts ordered by code.
func (t *sqliteTx) ListLedgerAccounts(ctx context.Context) ([]*models.LedgerAccount, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+ledgerAccountColumns+` FROM ledger_accounts WHERE is_deleted = 0 ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger accounts: %w", err)
	}
	defer rows.Close()

	var out []*models.LedgerAccount
	for rows.Next() {
		a, err := scanLedgerAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger account row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const transactionColumns = `id, transaction_code, transaction_date, type, debit_account_id, credit_account_id, amount, description, reference,
	loan_id, payment_id, created_by, created_at`

// CreateTransaction appends a ledger posting.
func (t *sqliteTx) CreateTransaction(ctx context.Context, txn *models.Transaction) error {
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = t.stamp()
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO transactions (`+transactionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID.String(), txn.TransactionCode, txn.TransactionDate, txn.Type, txn.DebitAccountID.String(), txn.CreditAccountID.String(), txn.Amount, txn.Description, txn.Reference,
		nullableUUID(txn.LoanID), nullableUUID(txn.PaymentID), txn.CreatedBy.String(), txn.CreatedAt,
	)
	if err != nil {
		return createErr("transaction", err)
	}
	return nil
}

func (t *sqliteTx) queryTransactions(ctx context.Context, query string, args ...any) ([]*models.Transaction, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var out []*models.Transaction
	for rows.Next() {
		var txn models.Transaction
		var loanID, paymentID uuid.NullUUID
		if err := rows.Scan(&txn.ID, &txn.TransactionCode, &txn.TransactionDate, &txn.Type, &txn.DebitAccountID, &txn.CreditAccountID, &txn.Amount, &txn.Description, &txn.Reference,
			&loanID, &paymentID, &txn.CreatedBy, &txn.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		txn.LoanID = uuidPtr(loanID)
		txn.PaymentID = uuidPtr(paymentID)
		out = append(out, &txn)
	}
	return out, rows.Err()
}

// ListTransactions returns every posting in code order.
func (t *sqliteTx) ListTransactions(ctx context.Context) ([]*models.Transaction, error) {
	return t.queryTransactions(ctx, `SELECT `+transactionColumns+` FROM transactions ORDER BY transaction_code`)
}

// ListTransactionsForLoan returns the postings tied to one loan.
func (t *sqliteTx) ListTransactionsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Transaction, error) {
	return t.queryTransactions(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE loan_id = ? ORDER BY transaction_code`, loanID.String())
}
