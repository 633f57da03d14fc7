package repository

import "time"

type TicketStatus string

const (
	TicketStatusDraft    TicketStatus = "draft"
	TicketStatusPending  TicketStatus = "pending"
	TicketStatusApproved TicketStatus = "approved"
	TicketStatusRejected TicketStatus = "rejected"
)

// TicketDecision is one approver's vote in the current submission cycle.
type TicketDecision string

const (
	DecisionPending TicketDecision = "pending"
	DecisionApprove TicketDecision = "approve"
	DecisionReject  TicketDecision = "reject"
)

// Ticket is a support ticket approved in parallel by every listed approver.
type Ticket struct {
	ID          int64
	Title       string
	Description *string
	Status      TicketStatus
	CreatedBy   int64
	SubmittedAt *time.Time
	ResolvedAt  *time.Time
	Approvers   []TicketApprover
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TicketApprover is one slot in a ticket's approver list.
type TicketApprover struct {
	UserID    int64
	Decision  TicketDecision
	DecidedAt *time.Time
	Comment   *string
}

// Clone returns a deep copy of t.
func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	c := *t
	c.Approvers = append([]TicketApprover(nil), t.Approvers...)
	return &c
}

// Approver returns the slot for userID.
func (t *Ticket) Approver(userID int64) (*TicketApprover, bool) {
	for i := range t.Approvers {
		if t.Approvers[i].UserID == userID {
			return &t.Approvers[i], true
		}
	}
	return nil, false
}

// AllApproved reports whether every listed approver approved.
func (t *Ticket) AllApproved() bool {
	if len(t.Approvers) == 0 {
		return false
	}
	for _, a := range t.Approvers {
		if a.Decision != DecisionApprove {
			return false
		}
	}
	return true
}

// TicketApprovalRecord is the ticket counterpart of ApprovalRecord.
type TicketApprovalRecord struct {
	ID         int64
	TicketID   int64
	ApproverID int64
	Action     ApprovalAction
	Comment    *string
	CreatedAt  time.Time
}
