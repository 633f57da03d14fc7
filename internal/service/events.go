package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-ap-payments/internal/platform/errors"
)

// Workflow labels used for notifications and metrics.
const (
	WorkflowPayment = "payment"
	WorkflowTicket  = "ticket"
)

// Notification event types.
const (
	EventPaymentSubmitted        = "payment_submitted"
	EventPaymentApprovalRequired = "payment_approval_required"
	EventPaymentApproved         = "payment_approved"
	EventPaymentRejected         = "payment_rejected"
	EventPaymentPaid             = "payment_paid"

	EventTicketSubmitted = "ticket_submitted"
	EventTicketApproved  = "ticket_approved"
	EventTicketRejected  = "ticket_rejected"
)

// Notifier publishes workflow events after commit. Implementations swallow
// and log their own failures.
type Notifier interface {
	PublishPaymentEvent(ctx context.Context, eventType string, paymentID, actorID int64, recipients []int64, payload map[string]any)
	PublishTicketEvent(ctx context.Context, eventType string, ticketID, actorID int64, recipients []int64, payload map[string]any)
}

// TransitionObserver receives one observation per attempted transition.
type TransitionObserver interface {
	ObserveTransition(workflow, action, outcome string, elapsed time.Duration)
}

type nopNotifier struct{}

func (nopNotifier) PublishPaymentEvent(context.Context, string, int64, int64, []int64, map[string]any) {
}

func (nopNotifier) PublishTicketEvent(context.Context, string, int64, int64, []int64, map[string]any) {
}

type nopObserver struct{}

func (nopObserver) ObserveTransition(string, string, string, time.Duration) {}

// outcomeOf labels err for metrics: "ok" or the lower-cased error code.
func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	switch errors.CodeOf(err) {
	case errors.ErrCodeUnauthenticated:
		return "unauthenticated"
	case errors.ErrCodeForbidden:
		return "forbidden"
	case errors.ErrCodeNotFound:
		return "not_found"
	case errors.ErrCodeMissingApprovalChain:
		return "missing_approval_chain"
	case errors.ErrCodeInvalidTransition:
		return "invalid_transition"
	case errors.ErrCodeInvalidInput:
		return "invalid_input"
	}
	return "internal"
}
