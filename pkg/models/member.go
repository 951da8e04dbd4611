package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type MemberStatus string

const (
	MemberActive      MemberStatus = "active"
	MemberInactive    MemberStatus = "inactive"
	MemberBlacklisted MemberStatus = "blacklisted"
)

type GroupStatus string

const (
	GroupForming  GroupStatus = "forming"
	GroupActive   GroupStatus = "active"
	GroupInactive GroupStatus = "inactive"
)

type Branch struct {
	ID   uuid.UUID `json:"id"`
	Code string    `json:"branch_code"`
	Name string    `json:"name"`
	Audit
}

type Group struct {
	ID                uuid.UUID       `json:"id"`
	GroupCode         string          `json:"group_code"`
	Name              string          `json:"name"`
	BranchID          uuid.UUID       `json:"branch_id"`
	Status            GroupStatus     `json:"status"`
	PerformanceRating decimal.Decimal `json:"performance_rating"`
	Audit
}

type Member struct {
	ID         uuid.UUID    `json:"id"`
	MemberCode string       `json:"member_code"`
	FullName   string       `json:"full_name"`
	Phone      string       `json:"phone"`
	BranchID   uuid.UUID    `json:"branch_id"`
	GroupID    *uuid.UUID   `json:"group_id,omitempty"`
	Status     MemberStatus `json:"status"`
	JoinDate   time.Time    `json:"join_date"`
	LoanCycle  int          `json:"loan_cycle"`
	Audit
}

// MemberProfile is a member together with the rows loan eligibility looks at.
// Savings and Group are nil when absent.
type MemberProfile struct {
	Member  *Member
	Savings *SavingsAccount
	Group   *Group
}
