package savings

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcclellann/microcredit/pkg/apperr"
	"github.com/mcclellann/microcredit/pkg/enrollment"
	"github.com/mcclellann/microcredit/pkg/ledger"
	"github.com/mcclellann/microcredit/pkg/models"
	"github.com/mcclellann/microcredit/pkg/store"
)

var (
	fixedNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	teller   = uuid.New()
)

func setup(t *testing.T) (*Service, *store.SQLiteStore, *enrollment.Service, *models.Branch) {
	t.Helper()
	now := func() time.Time { return fixedNow }
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "savings.db"), store.WithClock(now))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	enroll := enrollment.NewService(st, enrollment.WithClock(now))
	branch, err := enroll.CreateBranch(context.Background(), enrollment.BranchRequest{Code: "DHK", Name: "Dhaka"})
	require.NoError(t, err)
	return NewService(st, WithClock(now)), st, enroll, branch
}

func newMember(t *testing.T, enroll *enrollment.Service, branch *models.Branch) *models.Member {
	t.Helper()
	m, err := enroll.CreateMember(context.Background(), enrollment.MemberRequest{BranchID: branch.ID, FullName: "Nasrin Akter"})
	require.NoError(t, err)
	return m
}

func balances(t *testing.T, st *store.SQLiteStore) ledger.TrialBalance {
	t.Helper()
	var tb ledger.TrialBalance
	err := st.WithinTx(context.Background(), func(tx store.Tx) error {
		var err error
		tb, err = ledger.BuildTrialBalance(context.Background(), tx)
		return err
	})
	require.NoError(t, err)
	return tb
}

func accountBalance(tb ledger.TrialBalance, code string) decimal.Decimal {
	for _, a := range tb.Accounts {
		if a.Code == code {
			return a.Balance
		}
	}
	return decimal.Zero
}

func TestOpen(t *testing.T) {
	svc, st, enroll, branch := setup(t)
	ctx := context.Background()
	m := newMember(t, enroll, branch)

	a, err := svc.Open(ctx, OpenRequest{
		MemberID:                m.ID,
		CompulsoryWeeklySavings: decimal.NewFromInt(20),
		InitialDeposit:          decimal.NewFromInt(250),
		ProcessedBy:             teller,
	})
	require.NoError(t, err)
	assert.Equal(t, "SAV-26-000001", a.AccountNumber)
	assert.True(t, a.Balance.Equal(decimal.NewFromInt(250)))
	assert.True(t, a.TotalDeposits.Equal(decimal.NewFromInt(250)))
	assert.True(t, a.IsActive)

	byMember, err := svc.AccountByMember(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, byMember.ID)

	tb := balances(t, st)
	assert.True(t, tb.Balanced())
	assert.True(t, accountBalance(tb, ledger.SavingsLiability).Equal(decimal.NewFromInt(250)))
	assert.True(t, accountBalance(tb, ledger.Cash).Equal(decimal.NewFromInt(250)))

	_, err = svc.Open(ctx, OpenRequest{MemberID: m.ID, ProcessedBy: teller})
	assert.ErrorIs(t, err, apperr.ErrBusinessRule)
}

func TestOpenWithoutDepositPostsNothing(t *testing.T) {
	svc, st, enroll, branch := setup(t)
	m := newMember(t, enroll, branch)

	a, err := svc.Open(context.Background(), OpenRequest{MemberID: m.ID, ProcessedBy: teller})
	require.NoError(t, err)
	assert.True(t, a.Balance.IsZero())

	stmt, err := svc.Statement(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Empty(t, stmt)
	assert.Empty(t, balances(t, st).Accounts)
}

func TestOpenRefusals(t *testing.T) {
	svc, _, enroll, branch := setup(t)
	ctx := context.Background()

	_, err := svc.Open(ctx, OpenRequest{MemberID: uuid.New(), ProcessedBy: teller})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	m := newMember(t, enroll, branch)
	_, err = svc.Open(ctx, OpenRequest{MemberID: m.ID, InitialDeposit: decimal.NewFromInt(-5), ProcessedBy: teller})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = svc.Open(ctx, OpenRequest{MemberID: m.ID, InitialDeposit: decimal.RequireFromString("100.005"), ProcessedBy: teller})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = enroll.SetMemberStatus(ctx, m.ID, models.MemberBlacklisted)
	require.NoError(t, err)
	_, err = svc.Open(ctx, OpenRequest{MemberID: m.ID, ProcessedBy: teller})
	assert.ErrorIs(t, err, apperr.ErrBusinessRule)
}

func TestWithdrawBeyondBalanceIsRefused(t *testing.T) {
	svc, st, enroll, branch := setup(t)
	ctx := context.Background()
	m := newMember(t, enroll, branch)
	a, err := svc.Open(ctx, OpenRequest{MemberID: m.ID, InitialDeposit: decimal.NewFromInt(100), ProcessedBy: teller})
	require.NoError(t, err)

	_, err = svc.Withdraw(ctx, MovementRequest{AccountID: a.ID, Amount: decimal.NewFromInt(150), ProcessedBy: teller})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrBusinessRule)
	assert.Contains(t, err.Error(), "insufficient balance")

	after, err := svc.Account(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, after.Balance.Equal(decimal.NewFromInt(100)))
	assert.True(t, after.TotalWithdrawals.IsZero())

	stmt, err := svc.Statement(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, stmt, 1)
	assert.True(t, accountBalance(balances(t, st), ledger.SavingsLiability).Equal(decimal.NewFromInt(100)))
}

func TestSubCentMovementsAreRefused(t *testing.T) {
	svc, st, enroll, branch := setup(t)
	ctx := context.Background()
	m := newMember(t, enroll, branch)
	a, err := svc.Open(ctx, OpenRequest{MemberID: m.ID, InitialDeposit: decimal.NewFromInt(100), ProcessedBy: teller})
	require.NoError(t, err)

	_, err = svc.Deposit(ctx, MovementRequest{AccountID: a.ID, Amount: decimal.RequireFromString("0.005"), ProcessedBy: teller})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = svc.Withdraw(ctx, MovementRequest{AccountID: a.ID, Amount: decimal.RequireFromString("12.345"), ProcessedBy: teller})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	after, err := svc.Account(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, after.Balance.Equal(decimal.NewFromInt(100)))
	assert.True(t, accountBalance(balances(t, st), ledger.SavingsLiability).Equal(decimal.NewFromInt(100)))
}

func TestDepositAndWithdraw(t *testing.T) {
	svc, st, enroll, branch := setup(t)
	ctx := context.Background()
	m := newMember(t, enroll, branch)
	a, err := svc.Open(ctx, OpenRequest{MemberID: m.ID, ProcessedBy: teller})
	require.NoError(t, err)

	dep, err := svc.Deposit(ctx, MovementRequest{AccountID: a.ID, Amount: decimal.NewFromInt(300), Reference: "weekly", ProcessedBy: teller})
	require.NoError(t, err)
	assert.Equal(t, models.SavingsDeposit, dep.Transaction.Type)
	assert.True(t, dep.Transaction.BalanceAfter.Equal(decimal.NewFromInt(300)))
	assert.Equal(t, models.TransactionSavingsDeposit, dep.Posting.Type)
	assert.Equal(t, "TXN-26-0000001", dep.Posting.TransactionCode)

	wd, err := svc.Withdraw(ctx, MovementRequest{AccountID: a.ID, Amount: decimal.NewFromInt(300), ProcessedBy: teller})
	require.NoError(t, err)
	assert.True(t, wd.Account.Balance.IsZero(), "withdrawing the exact balance is allowed")
	assert.True(t, wd.Account.TotalDeposits.Equal(decimal.NewFromInt(300)))
	assert.True(t, wd.Account.TotalWithdrawals.Equal(decimal.NewFromInt(300)))
	assert.Equal(t, models.TransactionSavingsWithdrawal, wd.Posting.Type)

	stmt, err := svc.Statement(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, stmt, 2)
	assert.Equal(t, models.SavingsDeposit, stmt[0].Type)
	assert.Equal(t, models.SavingsWithdrawal, stmt[1].Type)

	tb := balances(t, st)
	assert.True(t, tb.Balanced())
	assert.True(t, accountBalance(tb, ledger.Cash).IsZero())

	_, err = svc.Deposit(ctx, MovementRequest{AccountID: a.ID, Amount: decimal.Zero, ProcessedBy: teller})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = svc.Deposit(ctx, MovementRequest{AccountID: uuid.New(), Amount: decimal.NewFromInt(1), ProcessedBy: teller})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestConcurrentWithdrawalsNeverOverdraw(t *testing.T) {
	svc, _, enroll, branch := setup(t)
	ctx := context.Background()
	m := newMember(t, enroll, branch)
	a, err := svc.Open(ctx, OpenRequest{MemberID: m.ID, InitialDeposit: decimal.NewFromInt(100), ProcessedBy: teller})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Withdraw(ctx, MovementRequest{AccountID: a.ID, Amount: decimal.NewFromInt(30), ProcessedBy: teller})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, apperr.ErrBusinessRule)
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, ok)
	after, err := svc.Account(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, after.Balance.Equal(decimal.NewFromInt(10)))
}
