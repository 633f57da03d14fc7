package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-ap-payments/internal/auth"
	"github.com/pesio-ai/be-ap-payments/internal/platform/errors"
	"github.com/pesio-ai/be-ap-payments/internal/platform/logger"
	"github.com/pesio-ai/be-ap-payments/internal/repository"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// maxAmount is the first value that no longer fits NUMERIC(18, 2).
var maxAmount = decimal.New(1, 16)

var validate = newValidator()

// newValidator reports field errors under their json names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// PaymentService handles payment records outside the approval workflow:
// creation, draft edits, reads and draft deletion.
type PaymentService struct {
	store repository.Store
	gate  *auth.Gate
	log   *logger.Logger
}

// NewPaymentService creates a new payment service
func NewPaymentService(store repository.Store, gate *auth.Gate, log *logger.Logger) *PaymentService {
	return &PaymentService{store: store, gate: gate, log: log}
}

// PaymentRequest carries the creator-editable fields of a payment.
type PaymentRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	Description   *string         `json:"description" validate:"omitempty,max=2000"`
	CategoryID    *int64          `json:"category_id" validate:"omitempty,gt=0"`
	LegalEntityID *int64          `json:"legal_entity_id" validate:"omitempty,gt=0"`
	ContractorID  *int64          `json:"contractor_id" validate:"omitempty,gt=0"`
	DepartmentID  *int64          `json:"department_id" validate:"omitempty,gt=0"`
	ServiceID     *int64          `json:"service_id" validate:"omitempty,gt=0"`
	InvoiceNumber *string         `json:"invoice_number" validate:"omitempty,max=100"`
	// InvoiceDate is YYYY-MM-DD.
	InvoiceDate *string `json:"invoice_date" validate:"omitempty,datetime=2006-01-02"`
}

// ListPaymentsRequest filters List.
type ListPaymentsRequest struct {
	Status    *repository.PaymentStatus
	CreatedBy *int64
	ServiceID *int64
	Page      int
	PageSize  int
}

// Create stores a new draft payment owned by the caller.
func (s *PaymentService) Create(ctx context.Context, actor *auth.Principal, req *PaymentRequest) (*repository.Payment, error) {
	if err := s.gate.Authorize(actor, auth.PermPaymentsCreate); err != nil {
		return nil, err
	}

	p := &repository.Payment{
		Status:    repository.PaymentStatusDraft,
		CreatedBy: actor.UserID,
	}
	if err := applyRequest(p, req); err != nil {
		return nil, err
	}

	if err := s.store.Payments().Create(ctx, p); err != nil {
		return nil, err
	}

	s.log.Info().
		Int64("payment_id", p.ID).
		Str("amount", p.Amount.String()).
		Int64("created_by", p.CreatedBy).
		Msg("Payment created")

	return p, nil
}

// Get returns a payment to its creator or to a holder of payments.read.
func (s *PaymentService) Get(ctx context.Context, actor *auth.Principal, id int64) (*repository.Payment, error) {
	if actor == nil {
		return nil, errors.Unauthenticated("authentication required")
	}
	p, err := s.store.Payments().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.CreatedBy != actor.UserID {
		if err := s.gate.Authorize(actor, auth.PermPaymentsRead); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// List returns one page of payments and the total match count.
func (s *PaymentService) List(ctx context.Context, actor *auth.Principal, req ListPaymentsRequest) ([]*repository.Payment, int64, error) {
	if err := s.gate.Authorize(actor, auth.PermPaymentsRead); err != nil {
		return nil, 0, err
	}
	if req.Status != nil && !req.Status.Valid() {
		return nil, 0, errors.InvalidInput("status", fmt.Sprintf("unknown status '%s'", *req.Status))
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	page := max(req.Page, 1)

	return s.store.Payments().List(ctx, repository.PaymentFilter{
		Status:    req.Status,
		CreatedBy: req.CreatedBy,
		ServiceID: req.ServiceID,
		Limit:     pageSize,
		Offset:    (page - 1) * pageSize,
	})
}

// Update edits a draft payment. Only its creator or a holder of
// payments.update may edit it.
func (s *PaymentService) Update(ctx context.Context, actor *auth.Principal, id int64, req *PaymentRequest) (*repository.Payment, error) {
	if actor == nil {
		return nil, errors.Unauthenticated("authentication required")
	}

	var updated *repository.Payment
	err := s.store.InTransaction(ctx, func(tx repository.Repositories) error {
		p, err := tx.Payments().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if p.CreatedBy != actor.UserID && !s.gate.Allows(actor, auth.PermPaymentsUpdate) {
			return errors.Forbidden("only the creator or a holder of payments.update may edit this payment")
		}
		if p.Status.Normalize() != repository.PaymentStatusDraft {
			return errors.InvalidTransition(string(p.Status), "update")
		}
		if err := applyRequest(p, req); err != nil {
			return err
		}
		if err := tx.Payments().UpdateDetails(ctx, p); err != nil {
			if stderrors.Is(err, repository.ErrStaleStatus) {
				return errors.InvalidTransition(string(p.Status), "update")
			}
			return err
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Int64("payment_id", updated.ID).
		Int64("updated_by", actor.UserID).
		Msg("Payment updated")

	return updated, nil
}

// Delete removes a draft payment that has never entered the workflow.
func (s *PaymentService) Delete(ctx context.Context, actor *auth.Principal, id int64) error {
	if actor == nil {
		return errors.Unauthenticated("authentication required")
	}

	err := s.store.InTransaction(ctx, func(tx repository.Repositories) error {
		p, err := tx.Payments().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if p.CreatedBy != actor.UserID {
			if err := s.gate.Authorize(actor, auth.PermPaymentsDelete); err != nil {
				return err
			}
		}
		if p.Status.Normalize() != repository.PaymentStatusDraft {
			return errors.InvalidTransition(string(p.Status), "delete")
		}

		n, err := tx.Approvals().CountByPayment(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return errors.New(errors.ErrCodeInvalidTransition, "payment with approval history cannot be deleted")
		}

		if err := tx.Payments().Delete(ctx, id); err != nil {
			if stderrors.Is(err, repository.ErrStaleStatus) {
				return errors.InvalidTransition(string(p.Status), "delete")
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Info().
		Int64("payment_id", id).
		Int64("deleted_by", actor.UserID).
		Msg("Payment deleted")

	return nil
}

// applyRequest validates req and copies it onto p.
func applyRequest(p *repository.Payment, req *PaymentRequest) error {
	if req == nil {
		return errors.InvalidInput("body", "request body is required")
	}
	if err := validateStruct(req); err != nil {
		return err
	}
	if !req.Amount.IsPositive() {
		return errors.InvalidInput("amount", "amount must be greater than zero")
	}
	if req.Amount.Exponent() < -2 && !req.Amount.Equal(req.Amount.Round(2)) {
		return errors.InvalidInput("amount", "amount must have at most two decimal places")
	}
	if req.Amount.GreaterThanOrEqual(maxAmount) {
		return errors.InvalidInput("amount", "amount must be less than 10000000000000000")
	}

	var invoiceDate *time.Time
	if req.InvoiceDate != nil && *req.InvoiceDate != "" {
		d, err := time.Parse("2006-01-02", *req.InvoiceDate)
		if err != nil {
			return errors.InvalidInput("invoice_date", "invalid date format, expected YYYY-MM-DD")
		}
		invoiceDate = &d
	}

	p.Amount = req.Amount
	p.Description = trimmed(req.Description)
	p.CategoryID = req.CategoryID
	p.LegalEntityID = req.LegalEntityID
	p.ContractorID = req.ContractorID
	p.DepartmentID = req.DepartmentID
	p.ServiceID = req.ServiceID
	p.InvoiceNumber = trimmed(req.InvoiceNumber)
	p.InvoiceDate = invoiceDate
	return nil
}

// validateStruct runs validator tags and reports the first failing field.
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if stderrors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return errors.InvalidInput(fe.Field(), fmt.Sprintf("failed '%s' validation", fe.Tag()))
	}
	return errors.InvalidInput("body", err.Error())
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	if t == "" {
		return nil
	}
	return &t
}
