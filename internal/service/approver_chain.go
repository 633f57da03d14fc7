package service

import (
	"context"

	"github.com/pesio-ai/be-ap-payments/internal/platform/errors"
	"github.com/pesio-ai/be-ap-payments/internal/repository"
)

// ApproverChain is the pair of users allowed to decide a payment.
type ApproverChain struct {
	Intermediate int64
	Final        int64
}

// For returns the approver of stage, or zero for StageNone.
func (c ApproverChain) For(stage Stage) int64 {
	switch stage {
	case StageIntermediate:
		return c.Intermediate
	case StageFinal:
		return c.Final
	}
	return 0
}

// ResolveApproverChain reads the current approver mapping of the payment's
// service. It is evaluated on every decision; nothing is snapshotted at
// submission time.
func ResolveApproverChain(ctx context.Context, services repository.ServiceStore, p *repository.Payment) (ApproverChain, error) {
	if p.ServiceID == nil {
		return ApproverChain{}, errors.MissingApprovalChain(p.ID, "payment has no service")
	}

	svc, err := services.GetByID(ctx, *p.ServiceID)
	if errors.CodeOf(err) == errors.ErrCodeNotFound {
		return ApproverChain{}, errors.MissingApprovalChain(p.ID, "service does not exist")
	}
	if err != nil {
		return ApproverChain{}, err
	}

	if svc.IntermediateApproverID == nil || *svc.IntermediateApproverID <= 0 {
		return ApproverChain{}, errors.MissingApprovalChain(p.ID, "service has no intermediate approver")
	}
	if svc.FinalApproverID == nil || *svc.FinalApproverID <= 0 {
		return ApproverChain{}, errors.MissingApprovalChain(p.ID, "service has no final approver")
	}

	return ApproverChain{
		Intermediate: *svc.IntermediateApproverID,
		Final:        *svc.FinalApproverID,
	}, nil
}
