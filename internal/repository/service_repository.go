package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-ap-payments/internal/platform/errors"
)

// ServiceRepository reads the services reference table. Services are
// maintained elsewhere; this core only needs their approver slots.
type ServiceRepository struct {
	q Querier
}

// NewServiceRepository creates a new ServiceRepository.
func NewServiceRepository(q Querier) *ServiceRepository {
	return &ServiceRepository{q: q}
}

// GetByID retrieves a service by primary key.
func (r *ServiceRepository) GetByID(ctx context.Context, id int64) (*Service, error) {
	query := `
		SELECT id, name, intermediate_approver_id, final_approver_id
		FROM services
		WHERE id = $1
	`

	s := &Service{}
	err := r.q.QueryRow(ctx, query, id).Scan(&s.ID, &s.Name, &s.IntermediateApproverID, &s.FinalApproverID)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("service", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get service")
	}
	return s, nil
}
