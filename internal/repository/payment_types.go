package repository

import (
	"time"

	"github.com/shopspring/decimal"
)

// ── Payment workflow enums ───────────────────────────────────────────────────

// PaymentStatus is the single source of truth for a payment's workflow state.
type PaymentStatus string

const (
	PaymentStatusDraft               PaymentStatus = "draft"
	PaymentStatusPendingIntermediate PaymentStatus = "pending_intermediate"
	PaymentStatusPendingFinal        PaymentStatus = "pending_final"
	PaymentStatusApproved            PaymentStatus = "approved"
	PaymentStatusRejected            PaymentStatus = "rejected"
	PaymentStatusPaid                PaymentStatus = "paid"
)

// Normalize maps the legacy aliases and an unset status onto canonical values.
func (s PaymentStatus) Normalize() PaymentStatus {
	switch s {
	case "":
		return PaymentStatusDraft
	case "pending_tech_director":
		return PaymentStatusPendingIntermediate
	case "pending_ceo":
		return PaymentStatusPendingFinal
	}
	return s
}

func (s PaymentStatus) Valid() bool {
	switch s.Normalize() {
	case PaymentStatusDraft, PaymentStatusPendingIntermediate, PaymentStatusPendingFinal,
		PaymentStatusApproved, PaymentStatusRejected, PaymentStatusPaid:
		return true
	}
	return false
}

// ApprovalAction is the event recorded in an ApprovalRecord.
type ApprovalAction string

const (
	ActionSubmitted ApprovalAction = "submitted"
	ActionApprove   ApprovalAction = "approve"
	ActionReject    ApprovalAction = "reject"
	ActionPaid      ApprovalAction = "paid"
)

// Display labels for ApprovalRecord.ApproverRole.
const (
	RoleLabelCreator      = "creator"
	RoleLabelIntermediate = "tech_director"
	RoleLabelFinal        = "ceo"
)

// ── Aggregates ───────────────────────────────────────────────────────────────

// Payment is the aggregate root of the approval workflow.
type Payment struct {
	ID          int64
	Amount      decimal.Decimal
	Description *string

	CategoryID    *int64
	LegalEntityID *int64
	ContractorID  *int64
	DepartmentID  *int64
	ServiceID     *int64

	Status    PaymentStatus
	CreatedBy int64

	IntermediateApproverID *int64
	IntermediateApprovedAt *time.Time
	IntermediateComment    *string

	FinalApproverID *int64
	FinalApprovedAt *time.Time
	FinalComment    *string

	SubmittedAt *time.Time
	PaidAt      *time.Time

	InvoiceNumber *string
	InvoiceDate   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a copy that shares no mutable state with p.
func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// Service is reference data carrying the two approver slots for its payments.
type Service struct {
	ID                     int64
	Name                   string
	IntermediateApproverID *int64
	FinalApproverID        *int64
}

// ApprovalRecord is one immutable audit-log row.
type ApprovalRecord struct {
	ID           int64
	PaymentID    int64
	ApproverID   int64
	ApproverRole string
	Action       ApprovalAction
	Comment      *string
	CreatedAt    time.Time
}

// PaymentFilter narrows PaymentStore.List.
type PaymentFilter struct {
	Status    *PaymentStatus
	CreatedBy *int64
	ServiceID *int64
	Limit     int
	Offset    int
}
