package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-ap-payments/internal/platform/errors"
)

// TicketRepository manages tickets, their approver slots and their history.
// Ticket and approver writes are expected to run inside one transaction.
type TicketRepository struct {
	q Querier
}

// NewTicketRepository creates a new TicketRepository.
func NewTicketRepository(q Querier) *TicketRepository {
	return &TicketRepository{q: q}
}

// Create inserts a ticket and its approver slots.
func (r *TicketRepository) Create(ctx context.Context, t *Ticket) error {
	query := `
		INSERT INTO tickets (title, description, status, created_by)
		VALUES ($1, $2, $3::ticket_status, $4)
		RETURNING id, created_at, updated_at
	`

	err := r.q.QueryRow(ctx, query, t.Title, t.Description, t.Status, t.CreatedBy).
		Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create ticket")
	}

	approverQuery := `
		INSERT INTO ticket_approvers (ticket_id, user_id, position, decision)
		VALUES ($1, $2, $3, $4::ticket_decision)
	`
	for i := range t.Approvers {
		a := &t.Approvers[i]
		if a.Decision == "" {
			a.Decision = DecisionPending
		}
		if _, err := r.q.Exec(ctx, approverQuery, t.ID, a.UserID, i, a.Decision); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create ticket approver")
		}
	}
	return nil
}

// GetByID retrieves a ticket with its approvers.
func (r *TicketRepository) GetByID(ctx context.Context, id int64) (*Ticket, error) {
	return r.get(ctx, id, false)
}

// GetForUpdate retrieves a ticket and locks its row until the transaction ends.
func (r *TicketRepository) GetForUpdate(ctx context.Context, id int64) (*Ticket, error) {
	return r.get(ctx, id, true)
}

func (r *TicketRepository) get(ctx context.Context, id int64, lock bool) (*Ticket, error) {
	query := `
		SELECT id, title, description, status, created_by,
		       submitted_at, resolved_at, created_at, updated_at
		FROM tickets
		WHERE id = $1
	`
	if lock {
		query += ` FOR UPDATE`
	}

	t := &Ticket{}
	err := r.q.QueryRow(ctx, query, id).Scan(
		&t.ID,
		&t.Title,
		&t.Description,
		&t.Status,
		&t.CreatedBy,
		&t.SubmittedAt,
		&t.ResolvedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("ticket", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get ticket")
	}

	approvers, err := r.listApprovers(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Approvers = approvers
	return t, nil
}

func (r *TicketRepository) listApprovers(ctx context.Context, ticketID int64) ([]TicketApprover, error) {
	query := `
		SELECT user_id, decision, decided_at, comment
		FROM ticket_approvers
		WHERE ticket_id = $1
		ORDER BY position ASC
	`

	rows, err := r.q.Query(ctx, query, ticketID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get ticket approvers")
	}
	defer rows.Close()

	approvers := make([]TicketApprover, 0)
	for rows.Next() {
		var a TicketApprover
		if err := rows.Scan(&a.UserID, &a.Decision, &a.DecidedAt, &a.Comment); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan ticket approver")
		}
		approvers = append(approvers, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read ticket approvers")
	}
	return approvers, nil
}

// UpdateState writes the ticket status and every approver decision. The
// ticket update is guarded on the previous status.
func (r *TicketRepository) UpdateState(ctx context.Context, t *Ticket, from TicketStatus) error {
	query := `
		UPDATE tickets
		SET status       = $3::ticket_status,
		    submitted_at = $4,
		    resolved_at  = $5,
		    updated_at   = NOW()
		WHERE id = $1 AND status = $2::ticket_status
		RETURNING updated_at
	`

	err := r.q.QueryRow(ctx, query, t.ID, from, t.Status, t.SubmittedAt, t.ResolvedAt).Scan(&t.UpdatedAt)
	if err == pgx.ErrNoRows {
		return ErrStaleStatus
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update ticket status")
	}

	approverQuery := `
		UPDATE ticket_approvers
		SET decision   = $3::ticket_decision,
		    decided_at = $4,
		    comment    = $5
		WHERE ticket_id = $1 AND user_id = $2
	`
	for _, a := range t.Approvers {
		if _, err := r.q.Exec(ctx, approverQuery, t.ID, a.UserID, a.Decision, a.DecidedAt, a.Comment); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update ticket approver")
		}
	}
	return nil
}

// AppendRecord inserts one immutable ticket history record.
func (r *TicketRepository) AppendRecord(ctx context.Context, rec *TicketApprovalRecord) error {
	query := `
		INSERT INTO ticket_approval_records (ticket_id, approver_id, action, comment)
		VALUES ($1, $2, $3::approval_action, $4)
		RETURNING id, created_at
	`

	err := r.q.QueryRow(ctx, query, rec.TicketID, rec.ApproverID, rec.Action, rec.Comment).
		Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append ticket record")
	}
	return nil
}

// ListRecords returns a ticket's history, newest first.
func (r *TicketRepository) ListRecords(ctx context.Context, ticketID int64) ([]*TicketApprovalRecord, error) {
	query := `
		SELECT id, ticket_id, approver_id, action, comment, created_at
		FROM ticket_approval_records
		WHERE ticket_id = $1
		ORDER BY created_at DESC, id DESC
	`

	rows, err := r.q.Query(ctx, query, ticketID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get ticket history")
	}
	defer rows.Close()

	records := make([]*TicketApprovalRecord, 0)
	for rows.Next() {
		rec := &TicketApprovalRecord{}
		if err := rows.Scan(&rec.ID, &rec.TicketID, &rec.ApproverID, &rec.Action, &rec.Comment, &rec.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan ticket record")
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read ticket records")
	}
	return records, nil
}
