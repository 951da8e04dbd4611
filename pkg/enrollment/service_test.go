package enrollment

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcclellann/microcredit/pkg/apperr"
	"github.com/mcclellann/microcredit/pkg/models"
	"github.com/mcclellann/microcredit/pkg/store"
)

func newService(t *testing.T) *Service {
	t.Helper()
	now := func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) }
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "enrollment.db"), store.WithClock(now))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewService(st, WithClock(now))
}

func TestCreateBranch(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	b, err := svc.CreateBranch(ctx, BranchRequest{Code: "DHK", Name: "Dhaka"})
	require.NoError(t, err)
	assert.Equal(t, "DHK", b.Code)

	_, err = svc.CreateBranch(ctx, BranchRequest{Code: "D-1", Name: "Bad"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = svc.CreateBranch(ctx, BranchRequest{Code: "DHK", Name: "Dhaka again"})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestCreateGroupAndMemberCodes(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	dhk, err := svc.CreateBranch(ctx, BranchRequest{Code: "DHK", Name: "Dhaka"})
	require.NoError(t, err)
	ctg, err := svc.CreateBranch(ctx, BranchRequest{Code: "CTG", Name: "Chattogram"})
	require.NoError(t, err)

	g, err := svc.CreateGroup(ctx, GroupRequest{BranchID: dhk.ID, Name: "Shapla"})
	require.NoError(t, err)
	assert.Equal(t, "GRP-DHK-26-0001", g.GroupCode)
	assert.Equal(t, models.GroupForming, g.Status)
	assert.True(t, g.PerformanceRating.IsZero())

	m1, err := svc.CreateMember(ctx, MemberRequest{BranchID: dhk.ID, GroupID: &g.ID, FullName: "Amena Khatun", Phone: "+8801711000000"})
	require.NoError(t, err)
	assert.Equal(t, "MEM-DHK-26-00001", m1.MemberCode)
	assert.Equal(t, models.MemberActive, m1.Status)
	assert.Zero(t, m1.LoanCycle)

	m2, err := svc.CreateMember(ctx, MemberRequest{BranchID: dhk.ID, FullName: "Jahanara"})
	require.NoError(t, err)
	assert.Equal(t, "MEM-DHK-26-00002", m2.MemberCode)

	m3, err := svc.CreateMember(ctx, MemberRequest{BranchID: ctg.ID, FullName: "Rokeya"})
	require.NoError(t, err)
	assert.Equal(t, "MEM-CTG-26-00001", m3.MemberCode, "numbering is per branch")

	p, err := svc.Profile(ctx, m1.ID)
	require.NoError(t, err)
	require.NotNil(t, p.Group)
	assert.Equal(t, g.ID, p.Group.ID)
	assert.Nil(t, p.Savings)
}

func TestCreateMemberRefusals(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	dhk, err := svc.CreateBranch(ctx, BranchRequest{Code: "DHK", Name: "Dhaka"})
	require.NoError(t, err)
	ctg, err := svc.CreateBranch(ctx, BranchRequest{Code: "CTG", Name: "Chattogram"})
	require.NoError(t, err)
	g, err := svc.CreateGroup(ctx, GroupRequest{BranchID: ctg.ID, Name: "Padma"})
	require.NoError(t, err)

	_, err = svc.CreateMember(ctx, MemberRequest{BranchID: dhk.ID, GroupID: &g.ID, FullName: "Crossed"})
	assert.ErrorIs(t, err, apperr.ErrBusinessRule)

	_, err = svc.UpdateGroup(ctx, g.ID, GroupUpdate{Status: models.GroupInactive})
	require.NoError(t, err)
	_, err = svc.CreateMember(ctx, MemberRequest{BranchID: ctg.ID, GroupID: &g.ID, FullName: "Late joiner"})
	assert.ErrorIs(t, err, apperr.ErrBusinessRule)

	_, err = svc.CreateMember(ctx, MemberRequest{BranchID: uuid.New(), FullName: "Nowhere"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = svc.CreateMember(ctx, MemberRequest{BranchID: dhk.ID})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = svc.CreateMember(ctx, MemberRequest{BranchID: dhk.ID, FullName: "Bad phone", Phone: "call me"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestUpdateGroup(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	b, err := svc.CreateBranch(ctx, BranchRequest{Code: "DHK", Name: "Dhaka"})
	require.NoError(t, err)
	g, err := svc.CreateGroup(ctx, GroupRequest{BranchID: b.ID, Name: "Shapla"})
	require.NoError(t, err)

	rating := decimal.RequireFromString("0.75")
	updated, err := svc.UpdateGroup(ctx, g.ID, GroupUpdate{Status: models.GroupActive, PerformanceRating: &rating})
	require.NoError(t, err)
	assert.Equal(t, models.GroupActive, updated.Status)
	assert.True(t, updated.PerformanceRating.Equal(rating))

	// status only leaves the rating alone
	updated, err = svc.UpdateGroup(ctx, g.ID, GroupUpdate{Status: models.GroupInactive})
	require.NoError(t, err)
	assert.True(t, updated.PerformanceRating.Equal(rating))

	got, err := svc.Group(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GroupInactive, got.Status)

	negative := decimal.NewFromInt(-1)
	_, err = svc.UpdateGroup(ctx, g.ID, GroupUpdate{PerformanceRating: &negative})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = svc.UpdateGroup(ctx, g.ID, GroupUpdate{Status: "dormant"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestSetMemberStatus(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	b, err := svc.CreateBranch(ctx, BranchRequest{Code: "DHK", Name: "Dhaka"})
	require.NoError(t, err)
	m, err := svc.CreateMember(ctx, MemberRequest{BranchID: b.ID, FullName: "Salma"})
	require.NoError(t, err)

	updated, err := svc.SetMemberStatus(ctx, m.ID, models.MemberBlacklisted)
	require.NoError(t, err)
	assert.Equal(t, models.MemberBlacklisted, updated.Status)

	_, err = svc.SetMemberStatus(ctx, m.ID, "retired")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = svc.SetMemberStatus(ctx, uuid.New(), models.MemberActive)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
