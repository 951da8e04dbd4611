// Package enrollment registers branches, lending groups and members.
package enrollment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mcclellann/microcredit/pkg/apperr"
	"github.com/mcclellann/microcredit/pkg/logger"
	"github.com/mcclellann/microcredit/pkg/models"
	"github.com/mcclellann/microcredit/pkg/sequence"
	"github.com/mcclellann/microcredit/pkg/store"
	"github.com/mcclellann/microcredit/pkg/validation"
)

type Service struct {
	store store.Storage
	alloc sequence.Allocator
	now   func() time.Time
	log   *zap.Logger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithAllocator(a sequence.Allocator) Option {
	return func(s *Service) { s.alloc = a }
}

func NewService(st store.Storage, opts ...Option) *Service {
	s := &Service{store: st, now: time.Now, log: logger.L().Named("enrollment")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type BranchRequest struct {
	Code string `json:"branch_code" validate:"required,alphanum,min=2,max=10"`
	Name string `json:"name" validate:"required,max=100"`
}

// CreateBranch registers a branch. Its code is embedded in loan, group and
// member codes.
func (s *Service) CreateBranch(ctx context.Context, req BranchRequest) (*models.Branch, error) {
	if err := validation.Struct("enrollment.CreateBranch", req); err != nil {
		return nil, err
	}
	b := &models.Branch{ID: uuid.New(), Code: req.Code, Name: req.Name}
	if err := s.store.WithinTx(ctx, func(tx store.Tx) error { return tx.CreateBranch(ctx, b) }); err != nil {
		return nil, err
	}
	s.log.Info("branch created", zap.String("branch_code", b.Code))
	return b, nil
}

type GroupRequest struct {
	BranchID uuid.UUID `json:"branch_id" validate:"required"`
	Name     string    `json:"name" validate:"required,max=100"`
}

// CreateGroup registers a group in Forming status with a zero rating.
func (s *Service) CreateGroup(ctx context.Context, req GroupRequest) (*models.Group, error) {
	if err := validation.Struct("enrollment.CreateGroup", req); err != nil {
		return nil, err
	}
	var g *models.Group
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		branch, err := tx.GetBranch(ctx, req.BranchID)
		if err != nil {
			return err
		}
		code, err := store.Codes(tx, s.alloc, s.now).Group(ctx, branch.Code)
		if err != nil {
			return err
		}
		g = &models.Group{
			ID:                uuid.New(),
			GroupCode:         code,
			Name:              req.Name,
			BranchID:          branch.ID,
			Status:            models.GroupForming,
			PerformanceRating: decimal.Zero,
		}
		return tx.CreateGroup(ctx, g)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("group created", zap.String("group_code", g.GroupCode))
	return g, nil
}

type GroupUpdate struct {
	Status            models.GroupStatus `json:"status" validate:"omitempty,oneof=forming active inactive"`
	PerformanceRating *decimal.Decimal   `json:"performance_rating" validate:"omitempty,gte=0"`
}

// UpdateGroup changes a group's status and/or performance rating.
func (s *Service) UpdateGroup(ctx context.Context, groupID uuid.UUID, req GroupUpdate) (*models.Group, error) {
	if err := validation.Struct("enrollment.UpdateGroup", req); err != nil {
		return nil, err
	}
	var g *models.Group
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		g, err = tx.GetGroup(ctx, groupID)
		if err != nil {
			return err
		}
		if req.Status != "" {
			g.Status = req.Status
		}
		if req.PerformanceRating != nil {
			g.PerformanceRating = *req.PerformanceRating
		}
		return tx.UpdateGroup(ctx, g)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("group updated", zap.String("group_code", g.GroupCode),
		zap.String("status", string(g.Status)), zap.String("rating", g.PerformanceRating.String()))
	return g, nil
}

type MemberRequest struct {
	BranchID uuid.UUID  `json:"branch_id" validate:"required"`
	GroupID  *uuid.UUID `json:"group_id,omitempty"`
	FullName string     `json:"full_name" validate:"required,max=150"`
	Phone    string     `json:"phone" validate:"omitempty,e164|numeric"`
}

// CreateMember registers an Active member in a branch, optionally in one of
// the branch's groups.
func (s *Service) CreateMember(ctx context.Context, req MemberRequest) (*models.Member, error) {
	const op = "enrollment.CreateMember"
	if err := validation.Struct(op, req); err != nil {
		return nil, err
	}
	var m *models.Member
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		branch, err := tx.GetBranch(ctx, req.BranchID)
		if err != nil {
			return err
		}
		if req.GroupID != nil {
			g, err := tx.GetGroup(ctx, *req.GroupID)
			if err != nil {
				return err
			}
			if g.BranchID != branch.ID {
				return apperr.BusinessRule(op, "group %s belongs to another branch", g.GroupCode)
			}
			if g.Status == models.GroupInactive {
				return apperr.BusinessRule(op, "group %s is inactive", g.GroupCode)
			}
		}
		code, err := store.Codes(tx, s.alloc, s.now).Member(ctx, branch.Code)
		if err != nil {
			return err
		}
		m = &models.Member{
			ID:         uuid.New(),
			MemberCode: code,
			FullName:   req.FullName,
			Phone:      req.Phone,
			BranchID:   branch.ID,
			GroupID:    req.GroupID,
			Status:     models.MemberActive,
			JoinDate:   s.now(),
		}
		return tx.CreateMember(ctx, m)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("member registered", zap.String("member_code", m.MemberCode))
	return m, nil
}

// SetMemberStatus activates, deactivates or blacklists a member.
func (s *Service) SetMemberStatus(ctx context.Context, memberID uuid.UUID, status models.MemberStatus) (*models.Member, error) {
	const op = "enrollment.SetMemberStatus"
	switch status {
	case models.MemberActive, models.MemberInactive, models.MemberBlacklisted:
	default:
		return nil, apperr.Validation(op, "unknown member status %q", status)
	}
	var m *models.Member
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		m, err = tx.GetMember(ctx, memberID)
		if err != nil {
			return err
		}
		m.Status = status
		return tx.UpdateMember(ctx, m)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("member status changed", zap.String("member_code", m.MemberCode), zap.String("status", string(status)))
	return m, nil
}

// Profile returns a member with their savings account and group.
func (s *Service) Profile(ctx context.Context, memberID uuid.UUID) (*models.MemberProfile, error) {
	var p *models.MemberProfile
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		p, err = tx.GetMemberProfile(ctx, memberID)
		return err
	})
	return p, err
}

// Group retrieves a group by its ID.
func (s *Service) Group(ctx context.Context, id uuid.UUID) (*models.Group, error) {
	var g *models.Group
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		g, err = tx.GetGroup(ctx, id)
		return err
	})
	return g, err
}
