package service

import (
	"github.com/pesio-ai/be-ap-payments/internal/platform/errors"
	"github.com/pesio-ai/be-ap-payments/internal/repository"
)

// Action is a request made of the payment workflow engine.
type Action string

const (
	ActionSubmit     Action = "submit"
	ActionApprove    Action = "approve"
	ActionReject     Action = "reject"
	ActionMarkAsPaid Action = "mark_as_paid"
)

// Recorded is the action written to the approval record for a.
func (a Action) Recorded() repository.ApprovalAction {
	switch a {
	case ActionSubmit:
		return repository.ActionSubmitted
	case ActionApprove:
		return repository.ActionApprove
	case ActionReject:
		return repository.ActionReject
	case ActionMarkAsPaid:
		return repository.ActionPaid
	}
	return repository.ApprovalAction(a)
}

// Stage is the approval slot a pending payment is waiting on.
type Stage int

const (
	StageNone Stage = iota
	StageIntermediate
	StageFinal
)

// StageOf returns the stage a payment in status s is waiting on.
func StageOf(s repository.PaymentStatus) Stage {
	switch s.Normalize() {
	case repository.PaymentStatusPendingIntermediate:
		return StageIntermediate
	case repository.PaymentStatusPendingFinal:
		return StageFinal
	}
	return StageNone
}

// Next is the payment state machine. It is defined for every (status, action)
// pair: anything not listed below is an invalid transition.
func Next(from repository.PaymentStatus, action Action) (repository.PaymentStatus, error) {
	from = from.Normalize()

	switch action {
	case ActionSubmit:
		if from == repository.PaymentStatusDraft || from == repository.PaymentStatusRejected {
			return repository.PaymentStatusPendingIntermediate, nil
		}
	case ActionApprove:
		switch from {
		case repository.PaymentStatusPendingIntermediate:
			return repository.PaymentStatusPendingFinal, nil
		case repository.PaymentStatusPendingFinal:
			return repository.PaymentStatusApproved, nil
		}
	case ActionReject:
		if from == repository.PaymentStatusPendingIntermediate || from == repository.PaymentStatusPendingFinal {
			return repository.PaymentStatusRejected, nil
		}
	case ActionMarkAsPaid:
		if from == repository.PaymentStatusApproved {
			return repository.PaymentStatusPaid, nil
		}
	}
	return from, errors.InvalidTransition(string(from), string(action))
}
