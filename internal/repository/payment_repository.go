package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-ap-payments/internal/platform/errors"
)

const paymentColumns = `
	id, amount, description,
	category_id, legal_entity_id, contractor_id, department_id, service_id,
	status, created_by,
	intermediate_approver_id, intermediate_approved_at, intermediate_comment,
	final_approver_id, final_approved_at, final_comment,
	submitted_at, paid_at,
	invoice_number, invoice_date,
	created_at, updated_at`

// canonicalStatus folds the legacy enum labels onto their current names.
const canonicalStatus = `CASE status
		WHEN 'pending_tech_director' THEN 'pending_intermediate'
		WHEN 'pending_ceo' THEN 'pending_final'
		ELSE status::text END`

// PaymentRepository handles payment data operations.
type PaymentRepository struct {
	q Querier
}

// NewPaymentRepository creates a new payment repository
func NewPaymentRepository(q Querier) *PaymentRepository {
	return &PaymentRepository{q: q}
}

// Create inserts a payment and fills its generated fields.
func (r *PaymentRepository) Create(ctx context.Context, p *Payment) error {
	query := `
		INSERT INTO payments (amount, description,
		                      category_id, legal_entity_id, contractor_id, department_id, service_id,
		                      status, created_by, invoice_number, invoice_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::payment_status, $9, $10, $11)
		RETURNING id, created_at, updated_at
	`

	err := r.q.QueryRow(ctx, query,
		p.Amount,
		p.Description,
		p.CategoryID,
		p.LegalEntityID,
		p.ContractorID,
		p.DepartmentID,
		p.ServiceID,
		p.Status,
		p.CreatedBy,
		p.InvoiceNumber,
		p.InvoiceDate,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create payment")
	}
	return nil
}

// GetByID retrieves a payment by ID
func (r *PaymentRepository) GetByID(ctx context.Context, id int64) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	return r.getOne(ctx, query, id)
}

// GetForUpdate retrieves a payment and locks its row until the transaction ends.
func (r *PaymentRepository) GetForUpdate(ctx context.Context, id int64) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1 FOR UPDATE`
	return r.getOne(ctx, query, id)
}

func (r *PaymentRepository) getOne(ctx context.Context, query string, id int64) (*Payment, error) {
	p, err := scanPayment(r.q.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("payment", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get payment")
	}
	return p, nil
}

// List retrieves payments with filtering and pagination
func (r *PaymentRepository) List(ctx context.Context, f PaymentFilter) ([]*Payment, int64, error) {
	where := " WHERE 1=1"
	args := []any{}
	argCount := 1

	if f.Status != nil {
		where += fmt.Sprintf(" AND %s = $%d", canonicalStatus, argCount)
		args = append(args, f.Status.Normalize())
		argCount++
	}
	if f.CreatedBy != nil {
		where += fmt.Sprintf(" AND created_by = $%d", argCount)
		args = append(args, *f.CreatedBy)
		argCount++
	}
	if f.ServiceID != nil {
		where += fmt.Sprintf(" AND service_id = $%d", argCount)
		args = append(args, *f.ServiceID)
		argCount++
	}

	var total int64
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM payments`+where, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count payments")
	}

	query := `SELECT ` + paymentColumns + ` FROM payments` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", argCount, argCount+1)

	var limit any
	if f.Limit > 0 {
		limit = f.Limit
	}

	rows, err := r.q.Query(ctx, query, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to list payments")
	}
	defer rows.Close()

	payments, err := scanPayments(rows)
	if err != nil {
		return nil, 0, err
	}
	return payments, total, nil
}

// ListPendingFor returns payments whose current stage is waiting on userID.
// Approvers are read from the service at query time.
func (r *PaymentRepository) ListPendingFor(ctx context.Context, userID int64) ([]*Payment, error) {
	query := `
		SELECT ` + prefixed("p", paymentColumns) + `
		FROM payments p
		JOIN services s ON s.id = p.service_id
		WHERE (p.status IN ('pending_intermediate', 'pending_tech_director') AND s.intermediate_approver_id = $1)
		   OR (p.status IN ('pending_final', 'pending_ceo') AND s.final_approver_id = $1)
		ORDER BY p.submitted_at ASC NULLS LAST, p.id ASC
	`

	rows, err := r.q.Query(ctx, query, userID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending payments")
	}
	defer rows.Close()

	return scanPayments(rows)
}

// UpdateDetails writes the fields a creator may edit while the payment is a draft.
func (r *PaymentRepository) UpdateDetails(ctx context.Context, p *Payment) error {
	query := `
		UPDATE payments
		SET amount = $2,
		    description = $3,
		    category_id = $4,
		    legal_entity_id = $5,
		    contractor_id = $6,
		    department_id = $7,
		    service_id = $8,
		    invoice_number = $9,
		    invoice_date = $10,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'draft'::payment_status
		RETURNING updated_at
	`

	err := r.q.QueryRow(ctx, query,
		p.ID,
		p.Amount,
		p.Description,
		p.CategoryID,
		p.LegalEntityID,
		p.ContractorID,
		p.DepartmentID,
		p.ServiceID,
		p.InvoiceNumber,
		p.InvoiceDate,
	).Scan(&p.UpdatedAt)
	if err == pgx.ErrNoRows {
		return ErrStaleStatus
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update payment")
	}
	return nil
}

// UpdateWorkflow applies a transition. The status guard in the WHERE clause
// backs up the row lock taken by GetForUpdate.
func (r *PaymentRepository) UpdateWorkflow(ctx context.Context, p *Payment, from PaymentStatus) error {
	query := `
		UPDATE payments
		SET status = $3::payment_status,
		    intermediate_approver_id = $4,
		    intermediate_approved_at = $5,
		    intermediate_comment = $6,
		    final_approver_id = $7,
		    final_approved_at = $8,
		    final_comment = $9,
		    submitted_at = COALESCE(submitted_at, $10),
		    paid_at = $11,
		    updated_at = NOW()
		WHERE id = $1 AND ` + canonicalStatus + ` = $2
		RETURNING submitted_at, updated_at
	`

	err := r.q.QueryRow(ctx, query,
		p.ID,
		from.Normalize(),
		p.Status,
		p.IntermediateApproverID,
		p.IntermediateApprovedAt,
		p.IntermediateComment,
		p.FinalApproverID,
		p.FinalApprovedAt,
		p.FinalComment,
		p.SubmittedAt,
		p.PaidAt,
	).Scan(&p.SubmittedAt, &p.UpdatedAt)
	if err == pgx.ErrNoRows {
		return ErrStaleStatus
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update payment status")
	}
	return nil
}

// Delete removes a draft payment. The approval_records foreign key refuses
// the delete when history exists.
func (r *PaymentRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM payments WHERE id = $1 AND status = 'draft'::payment_status`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete payment")
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleStatus
	}
	return nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type paymentScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row paymentScanner) (*Payment, error) {
	p := &Payment{}
	err := row.Scan(
		&p.ID,
		&p.Amount,
		&p.Description,
		&p.CategoryID,
		&p.LegalEntityID,
		&p.ContractorID,
		&p.DepartmentID,
		&p.ServiceID,
		&p.Status,
		&p.CreatedBy,
		&p.IntermediateApproverID,
		&p.IntermediateApprovedAt,
		&p.IntermediateComment,
		&p.FinalApproverID,
		&p.FinalApprovedAt,
		&p.FinalComment,
		&p.SubmittedAt,
		&p.PaidAt,
		&p.InvoiceNumber,
		&p.InvoiceDate,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = p.Status.Normalize()
	return p, nil
}

func scanPayments(rows pgx.Rows) ([]*Payment, error) {
	payments := make([]*Payment, 0)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan payment")
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read payments")
	}
	return payments, nil
}
