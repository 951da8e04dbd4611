package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcclellann/microcredit/pkg/config"
	"github.com/mcclellann/microcredit/pkg/lending"
	"github.com/mcclellann/microcredit/pkg/models"
	"github.com/mcclellann/microcredit/pkg/savings"
)

var officer = uuid.New()

func testConfig(t *testing.T) config.Config {
	return config.Config{
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "api.db")},
		Lending:  config.LendingConfig{FinePerDay: "5", MinSavingsBalance: "100", MinGroupRating: "0.5"},
		Sequence: config.SequenceConfig{Backend: "sql"},
	}
}

func setupTestServer(t *testing.T, cfg config.Config) (*app, http.Handler) {
	t.Helper()
	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a, NewServer(a.lending, a.savings, a.enrollment).Routes()
}

func do(t *testing.T, h http.Handler, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if out != nil && rr.Code < 300 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), out), rr.Body.String())
	}
	return rr.Code
}

// enroll registers a branch and a member with a funded savings account.
func enroll(t *testing.T, h http.Handler) (models.Member, models.SavingsAccount) {
	t.Helper()
	var branch models.Branch
	require.Equal(t, http.StatusCreated, do(t, h, "POST", "/branches", map[string]string{"branch_code": "DHK", "name": "Dhaka"}, &branch))

	var member models.Member
	require.Equal(t, http.StatusCreated, do(t, h, "POST", "/members", map[string]any{
		"branch_id": branch.ID, "full_name": "Rahima Begum", "phone": "+8801711000000",
	}, &member))
	assert.True(t, strings.HasPrefix(member.MemberCode, "MEM-DHK-"), member.MemberCode)

	var account models.SavingsAccount
	require.Equal(t, http.StatusCreated, do(t, h, "POST", "/savings", map[string]any{
		"member_id": member.ID, "initial_deposit": "500", "processed_by": officer,
	}, &account))
	return member, account
}

func TestAPI_LoanLifecycle(t *testing.T) {
	_, h := setupTestServer(t, testConfig(t))
	member, _ := enroll(t, h)

	var loan models.Loan
	require.Equal(t, http.StatusCreated, do(t, h, "POST", "/loans", map[string]any{
		"member_id":       member.ID,
		"principal":       "1000",
		"interest_rate":   "10",
		"interest_method": "flat",
		"duration_weeks":  4,
	}, &loan))
	assert.Equal(t, models.LoanPending, loan.Status)
	assert.True(t, loan.TotalPayable.Equal(decimal.NewFromInt(1100)))

	var pending []models.Loan
	require.Equal(t, http.StatusOK, do(t, h, "GET", "/loans?branch_id="+loan.BranchID.String(), nil, &pending))
	assert.Len(t, pending, 1)

	base := "/loans/" + loan.ID.String()
	require.Equal(t, http.StatusOK, do(t, h, "POST", base+"/approve", map[string]any{"by": officer}, &loan))
	assert.Equal(t, models.LoanApproved, loan.Status)

	var d lending.Disbursement
	require.Equal(t, http.StatusOK, do(t, h, "POST", base+"/disburse", map[string]any{"by": officer}, &d))
	assert.Len(t, d.Installments, 4)
	assert.Equal(t, models.TransactionLoanDisbursement, d.Transaction.Type)

	var receipt lending.Receipt
	require.Equal(t, http.StatusCreated, do(t, h, "POST", base+"/payments", map[string]any{
		"amount": "100", "payment_method": "cash", "collected_by": officer,
	}, &receipt))
	assert.True(t, receipt.Payment.InterestPaid.Equal(decimal.NewFromInt(25)))
	assert.True(t, receipt.Payment.PrincipalPaid.Equal(decimal.NewFromInt(75)))
	assert.Equal(t, models.LoanActive, receipt.Loan.Status)

	var payments []models.Payment
	require.Equal(t, http.StatusOK, do(t, h, "GET", base+"/payments", nil, &payments))
	assert.Len(t, payments, 1)

	var byMember []models.Payment
	require.Equal(t, http.StatusOK, do(t, h, "GET", "/members/"+member.ID.String()+"/payments", nil, &byMember))
	require.Len(t, byMember, 1)
	assert.Equal(t, receipt.Payment.ID, byMember[0].ID)
	assert.Equal(t, http.StatusNotFound, do(t, h, "GET", "/members/"+uuid.NewString()+"/payments", nil, nil))

	var installments []models.Installment
	require.Equal(t, http.StatusOK, do(t, h, "GET", base+"/installments", nil, &installments))
	require.Len(t, installments, 4)
	assert.Equal(t, models.InstallmentPartial, installments[0].Status)

	var quote lending.FineQuote
	require.Equal(t, http.StatusOK, do(t, h, "GET", "/installments/"+installments[0].ID.String()+"/quote", nil, &quote))
	assert.True(t, quote.Outstanding.Equal(decimal.NewFromInt(175)))

	var txns []models.Transaction
	require.Equal(t, http.StatusOK, do(t, h, "GET", base+"/transactions", nil, &txns))
	assert.Len(t, txns, 3)

	var tb struct {
		Balanced bool `json:"balanced"`
	}
	require.Equal(t, http.StatusOK, do(t, h, "GET", "/ledger/trial-balance", nil, &tb))
	assert.True(t, tb.Balanced)

	var sweep map[string]int
	require.Equal(t, http.StatusOK, do(t, h, "POST", "/jobs/sweep-overdue", nil, &sweep))
	assert.Zero(t, sweep["installments_updated"])
}

func TestAPI_ErrorMapping(t *testing.T) {
	_, h := setupTestServer(t, testConfig(t))
	member, account := enroll(t, h)

	assert.Equal(t, http.StatusBadRequest, do(t, h, "GET", "/loans/not-a-uuid", nil, nil))
	assert.Equal(t, http.StatusNotFound, do(t, h, "GET", "/loans/"+uuid.NewString(), nil, nil))
	assert.Equal(t, http.StatusConflict, do(t, h, "POST", "/branches", map[string]string{"branch_code": "DHK", "name": "Again"}, nil))
	assert.Equal(t, http.StatusBadRequest, do(t, h, "POST", "/loans", map[string]any{
		"member_id": member.ID, "principal": "0", "interest_rate": "10", "interest_method": "flat", "duration_weeks": 4,
	}, nil))

	// overdrawing savings is refused
	assert.Equal(t, http.StatusUnprocessableEntity, do(t, h, "POST", "/savings/"+account.ID.String()+"/withdrawals", map[string]any{
		"amount": "600", "processed_by": officer,
	}, nil))

	var mv savings.Movement
	require.Equal(t, http.StatusCreated, do(t, h, "POST", "/savings/"+account.ID.String()+"/withdrawals", map[string]any{
		"amount": "450", "processed_by": officer,
	}, &mv))
	assert.True(t, mv.Account.Balance.Equal(decimal.NewFromInt(50)))

	assert.Equal(t, http.StatusUnprocessableEntity, do(t, h, "POST", "/loans", map[string]any{
		"member_id": member.ID, "principal": "1000", "interest_rate": "10", "interest_method": "flat", "duration_weeks": 4,
	}, nil), "savings below minimum")

	req := httptest.NewRequest("POST", "/branches", bytes.NewBufferString("{"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
}

func TestAPI_GroupsAndMembers(t *testing.T) {
	_, h := setupTestServer(t, testConfig(t))
	member, _ := enroll(t, h)

	var profile struct {
		Member  models.Member          `json:"member"`
		Savings *models.SavingsAccount `json:"savings"`
	}
	require.Equal(t, http.StatusOK, do(t, h, "GET", "/members/"+member.ID.String(), nil, &profile))
	require.NotNil(t, profile.Savings)
	assert.True(t, profile.Savings.Balance.Equal(decimal.NewFromInt(500)))

	var g models.Group
	require.Equal(t, http.StatusCreated, do(t, h, "POST", "/groups", map[string]any{"branch_id": member.BranchID, "name": "Shapla"}, &g))
	assert.Equal(t, models.GroupForming, g.Status)

	require.Equal(t, http.StatusOK, do(t, h, "PATCH", "/groups/"+g.ID.String(), map[string]any{"status": "active", "performance_rating": "0.8"}, &g))
	assert.Equal(t, models.GroupActive, g.Status)
	assert.True(t, g.PerformanceRating.Equal(decimal.RequireFromString("0.8")))

	require.Equal(t, http.StatusOK, do(t, h, "PUT", "/members/"+member.ID.String()+"/status", map[string]string{"status": "inactive"}, &member))
	assert.Equal(t, models.MemberInactive, member.Status)

	var loans []models.Loan
	require.Equal(t, http.StatusOK, do(t, h, "GET", "/members/"+member.ID.String()+"/loans", nil, &loans))
	assert.Empty(t, loans)
}

func TestNewApp_RedisSequencesContinueFromDatabase(t *testing.T) {
	cfg := testConfig(t)

	// issue numbers through the SQL allocator first
	first, h := setupTestServer(t, cfg)
	member, _ := enroll(t, h)
	first.Close()

	mr := miniredis.RunT(t)
	cfg.Sequence.Backend = "redis"
	cfg.Redis.Addr = mr.Addr()
	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	got, err := mr.Get("microcredit:seq:savings")
	require.NoError(t, err)
	assert.Equal(t, "1", got)

	h = NewServer(a.lending, a.savings, a.enrollment).Routes()
	var next models.Member
	require.Equal(t, http.StatusCreated, do(t, h, "POST", "/members", map[string]any{
		"branch_id": member.BranchID, "full_name": "Second member",
	}, &next))
	assert.True(t, strings.HasSuffix(next.MemberCode, "-00002"), next.MemberCode)
}

func TestNewApp_RedisUnavailable(t *testing.T) {
	cfg := testConfig(t)
	mr := miniredis.RunT(t)
	cfg.Sequence.Backend = "redis"
	cfg.Redis.Addr = mr.Addr()
	mr.Close()

	_, err := newApp(context.Background(), cfg)
	assert.Error(t, err)
}

func TestRootCommand(t *testing.T) {
	t.Setenv("MICROFIN_DATABASE_PATH", filepath.Join(t.TempDir(), "cli.db"))

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"migrate"})
	require.NoError(t, root.Execute())

	root = newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"sweep-overdue"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "0 installments updated")
}
