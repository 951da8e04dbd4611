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

// CreateBranch inserts a new branch.
func (t *sqliteTx) CreateBranch(ctx context.Context, b *models.Branch) error {
	b.Touch(t.stamp())
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO branches (id, code, name, created_at, updated_at, is_deleted) VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID.String(), b.Code, b.Name, b.CreatedAt, b.UpdatedAt, b.IsDeleted,
	)
	if err != nil {
		return createErr("branch", err)
	}
	return nil
}

// GetBranch retrieves a branch by its ID.
func (t *sqliteTx) GetBranch(ctx context.Context, id uuid.UUID) (*models.Branch, error) {
	var b models.Branch
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, code, name, created_at, updated_at, is_deleted FROM branches WHERE id = ? AND is_deleted = 0`, id.String(),
	).Scan(&b.ID, &b.Code, &b.Name, &b.CreatedAt, &b.UpdatedAt, &b.IsDeleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("store.GetBranch", "branch %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get branch: %w", err)
	}
	return &b, nil
}

const groupColumns = `id, group_code, name, branch_id, status, performance_rating, created_at, updated_at, is_deleted`

func scanGroup(row scanner) (*models.Group, error) {
	var g models.Group
	err := row.Scan(&g.ID, &g.GroupCode, &g.Name, &g.BranchID, &g.Status, &g.PerformanceRating, &g.CreatedAt, &g.UpdatedAt, &g.IsDeleted)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// CreateGroup inserts a new lending group.
func (t *sqliteTx) CreateGroup(ctx context.Context, g *models.Group) error {
	g.Touch(t.stamp())
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO member_groups (`+groupColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID.String(), g.GroupCode, g.Name, g.BranchID.String(), g.Status, g.PerformanceRating, g.CreatedAt, g.UpdatedAt, g.IsDeleted,
	)
	if err != nil {
		return createErr("group", err)
	}
	return nil
}

// GetGroup retrieves a group by its ID.
func (t *sqliteTx) GetGroup(ctx context.Context, id uuid.UUID) (*models.Group, error) {
	g, err := scanGroup(t.tx.QueryRowContext(ctx,
		`SELECT `+groupColumns+` FROM member_groups WHERE id = ? AND is_deleted = 0`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("store.GetGroup", "group %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	return g, nil
}

// UpdateGroup updates a group's name, status and rating.
func (t *sqliteTx) UpdateGroup(ctx context.Context, g *models.Group) error {
	g.Touch(t.stamp())
	res, err := t.tx.ExecContext(ctx,
		`UPDATE member_groups SET name = ?, status = ?, performance_rating = ?, updated_at = ?, is_deleted = ? WHERE id = ?`,
		g.Name, g.Status, g.PerformanceRating, g.UpdatedAt, g.IsDeleted, g.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update group: %w", err)
	}
	return checkUpdated(res, "store.UpdateGroup", "group", g.ID)
}

const memberColumns = `id, member_code, full_name, phone, branch_id, group_id, status, join_date, loan_cycle, created_at, updated_at, is_deleted`

func scanMember(row scanner) (*models.Member, error) {
	var m models.Member
	var groupID uuid.NullUUID
	err := row.Scan(&m.ID, &m.MemberCode, &m.FullName, &m.Phone, &m.BranchID, &groupID, &m.Status, &m.JoinDate, &m.LoanCycle, &m.CreatedAt, &m.UpdatedAt, &m.IsDeleted)
	if err != nil {
		return nil, err
	}
	m.GroupID = uuidPtr(groupID)
	return &m, nil
}

// CreateMember inserts a new member.
func (t *sqliteTx) CreateMember(ctx context.Context, m *models.Member) error {
	m.Touch(t.stamp())
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO members (`+memberColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.MemberCode, m.FullName, m.Phone, m.BranchID.String(), nullableUUID(m.GroupID), m.Status, m.JoinDate, m.LoanCycle, m.CreatedAt, m.UpdatedAt, m.IsDeleted,
	)
	if err != nil {
		return createErr("member", err)
	}
	return nil
}

// GetMember retrieves a member by its ID.
func (t *sqliteTx) GetMember(ctx context.Context, id uuid.UUID) (*models.Member, error) {
	m, err := scanMember(t.tx.QueryRowContext(ctx,
		`SELECT `+memberColumns+` FROM members WHERE id = ? AND is_deleted = 0`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("store.GetMember", "member %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return m, nil
}

// UpdateMember updates the mutable member fields.
func (t *sqliteTx) UpdateMember(ctx context.Context, m *models.Member) error {
	m.Touch(t.stamp())
	res, err := t.tx.ExecContext(ctx,
		`UPDATE members SET full_name = ?, phone = ?, group_id = ?, status = ?, loan_cycle = ?, updated_at = ?, is_deleted = ? WHERE id = ?`,
		m.FullName, m.Phone, nullableUUID(m.GroupID), m.Status, m.LoanCycle, m.UpdatedAt, m.IsDeleted, m.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update member: %w", err)
	}
	return checkUpdated(res, "store.UpdateMember", "member", m.ID)
}

// GetMemberProfile loads a member with its savings account and group, either
// of which may be absent.
func (t *sqliteTx) GetMemberProfile(ctx context.Context, memberID uuid.UUID) (*models.MemberProfile, error) {
	m, err := t.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	p := &models.MemberProfile{Member: m}

	sa, err := t.GetSavingsAccountByMember(ctx, memberID)
	switch {
	case err == nil:
		p.Savings = sa
	case apperr.KindOf(err) != apperr.KindNotFound:
		return nil, err
	}

	if m.GroupID != nil {
		g, err := t.GetGroup(ctx, *m.GroupID)
		switch {
		case err == nil:
			p.Group = g
		case apperr.KindOf(err) != apperr.KindNotFound:
			return nil, err
		}
	}
	return p, nil
}

const savingsColumns = `id, account_number, member_id, balance, compulsory_weekly_savings, total_deposits, total_withdrawals, is_active, opening_date, version, created_at, updated_at, is_deleted`

func scanSavingsAccount(row scanner) (*models.SavingsAccount, error) {
	var a models.SavingsAccount
	err := row.Scan(&a.ID, &a.AccountNumber, &a.MemberID, &a.Balance, &a.CompulsoryWeeklySavings, &a.TotalDeposits, &a.TotalWithdrawals, &a.IsActive, &a.OpeningDate, &a.Version, &a.CreatedAt, &a.UpdatedAt, &a.IsDeleted)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateSavingsAccount inserts a new savings account.
func (t *sqliteTx) CreateSavingsAccount(ctx context.Context, a *models.SavingsAccount) error {
	a.Touch(t.stamp())
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO savings_accounts (`+savingsColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.AccountNumber, a.MemberID.String(), a.Balance, a.CompulsoryWeeklySavings, a.TotalDeposits, a.TotalWithdrawals, a.IsActive, a.OpeningDate, a.Version, a.CreatedAt, a.UpdatedAt, a.IsDeleted,
	)
	if err != nil {
		return createErr("savings account", err)
	}
	return nil
}

// GetSavingsAccount retrieves a savings account by its ID.
func (t *sqliteTx) GetSavingsAccount(ctx context.Context, id uuid.UUID) (*models.SavingsAccount, error) {
	a, err := scanSavingsAccount(t.tx.QueryRowContext(ctx,
		`SELECT `+savingsColumns+` FROM savings_accounts WHERE id = ? AND is_deleted = 0`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("store.GetSavingsAccount", "savings account %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get savings account: %w", err)
	}
	return a, nil
}

// GetSavingsAccountByMember retrieves the savings account owned by a member.
func (t *sqliteTx) GetSavingsAccountByMember(ctx context.Context, memberID uuid.UUID) (*models.SavingsAccount, error) {
	a, err := scanSavingsAccount(t.tx.QueryRowContext(ctx,
		`SELECT `+savingsColumns+` FROM savings_accounts WHERE member_id = ? AND is_deleted = 0`, memberID.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("store.GetSavingsAccountByMember", "member %s has no savings account", memberID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get savings account: %w", err)
	}
	return a, nil
}

// UpdateSavingsAccount writes balances back if the row is still at a.Version.
func (t *sqliteTx) UpdateSavingsAccount(ctx context.Context, a *models.SavingsAccount) error {
	a.Touch(t.stamp())
	res, err := t.tx.ExecContext(ctx,
		`UPDATE savings_accounts SET balance = ?, compulsory_weekly_savings = ?, total_deposits = ?, total_withdrawals = ?, is_active = ?, updated_at = ?, is_deleted = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		a.Balance, a.CompulsoryWeeklySavings, a.TotalDeposits, a.TotalWithdrawals, a.IsActive, a.UpdatedAt, a.IsDeleted, a.ID.String(), a.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update savings account: %w", err)
	}
	if err := t.checkVersioned(ctx, res, "savings_accounts", a.ID, "store.UpdateSavingsAccount"); err != nil {
		return err
	}
	a.Version++
	return nil
}

// CreateSavingsTransaction appends a savings movement.
func (t *sqliteTx) CreateSavingsTransaction(ctx context.Context, st *models.SavingsTransaction) error {
	if st.CreatedAt.IsZero() {
		st.CreatedAt = t.stamp()
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO savings_transactions (id, savings_account_id, type, amount, balance_after, transaction_date, reference, processed_by, remarks, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID.String(), st.SavingsAccountID.String(), st.Type, st.Amount, st.BalanceAfter, st.TransactionDate, st.Reference, st.ProcessedBy.String(), st.Remarks, st.CreatedAt,
	)
	if err != nil {
		return createErr("savings transaction", err)
	}
	return nil
}

// ListSavingsTransactions returns an account's movements oldest first.
func (t *sqliteTx) ListSavingsTransactions(ctx context.Context, accountID uuid.UUID) ([]*models.SavingsTransaction, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, savings_account_id, type, amount, balance_after, transaction_date, reference, processed_by, remarks, created_at
		FROM savings_transactions WHERE savings_account_id = ? ORDER BY transaction_date, rowid`, accountID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list savings transactions: %w", err)
	}
	defer rows.Close()

	var out []*models.SavingsTransaction
	for rows.Next() {
		var st models.SavingsTransaction
		if err := rows.Scan(&st.ID, &st.SavingsAccountID, &st.Type, &st.Amount, &st.BalanceAfter, &st.TransactionDate, &st.Reference, &st.ProcessedBy, &st.Remarks, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan savings transaction: %w", err)
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}
