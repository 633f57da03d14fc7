package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-ap-payments/internal/platform/errors"
)

// ApprovalRecordRepository appends and reads immutable approval records.
type ApprovalRecordRepository struct {
	q Querier
}

// NewApprovalRecordRepository creates a new ApprovalRecordRepository.
func NewApprovalRecordRepository(q Querier) *ApprovalRecordRepository {
	return &ApprovalRecordRepository{q: q}
}

// Append inserts one record. The table has an update/delete-prevention
// trigger so this is the only mutation operation exposed.
func (r *ApprovalRecordRepository) Append(ctx context.Context, rec *ApprovalRecord) error {
	query := `
		INSERT INTO approval_records
		    (payment_id, approver_id, approver_role, action, comment)
		VALUES ($1, $2, $3, $4::approval_action, $5)
		RETURNING id, created_at
	`

	err := r.q.QueryRow(ctx, query,
		rec.PaymentID,
		rec.ApproverID,
		rec.ApproverRole,
		rec.Action,
		rec.Comment,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append approval record")
	}
	return nil
}

// ListByPayment returns a payment's history, newest first.
func (r *ApprovalRecordRepository) ListByPayment(ctx context.Context, paymentID int64) ([]*ApprovalRecord, error) {
	query := `
		SELECT id, payment_id, approver_id, approver_role, action, comment, created_at
		FROM approval_records
		WHERE payment_id = $1
		ORDER BY created_at DESC, id DESC
	`

	rows, err := r.q.Query(ctx, query, paymentID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval history")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListRecent returns the newest records across all payments.
func (r *ApprovalRecordRepository) ListRecent(ctx context.Context, limit int) ([]*ApprovalRecord, error) {
	query := `
		SELECT id, payment_id, approver_id, approver_role, action, comment, created_at
		FROM approval_records
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`

	rows, err := r.q.Query(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get recent approvals")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// CountByPayment returns the number of records for a payment.
func (r *ApprovalRecordRepository) CountByPayment(ctx context.Context, paymentID int64) (int, error) {
	var n int
	err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM approval_records WHERE payment_id = $1`, paymentID).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count approval records")
	}
	return n, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *ApprovalRecordRepository) scanRows(rows pgx.Rows) ([]*ApprovalRecord, error) {
	records := make([]*ApprovalRecord, 0)
	for rows.Next() {
		rec := &ApprovalRecord{}
		err := rows.Scan(
			&rec.ID,
			&rec.PaymentID,
			&rec.ApproverID,
			&rec.ApproverRole,
			&rec.Action,
			&rec.Comment,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval record")
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read approval records")
	}
	return records, nil
}
