package service

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/pesio-ai/be-ap-payments/internal/auth"
	"github.com/pesio-ai/be-ap-payments/internal/platform/errors"
	"github.com/pesio-ai/be-ap-payments/internal/platform/logger"
	"github.com/pesio-ai/be-ap-payments/internal/repository"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 500
)

// ApprovalWorkflowService is the payment approval engine. It owns the status
// column and every approver and timestamp field after creation.
type ApprovalWorkflowService struct {
	store    repository.Store
	gate     *auth.Gate
	notifier Notifier
	observer TransitionObserver
	log      *logger.Logger
	now      func() time.Time
}

// NewApprovalWorkflowService creates a new ApprovalWorkflowService. A nil
// notifier or observer disables that side channel.
func NewApprovalWorkflowService(
	store repository.Store,
	gate *auth.Gate,
	notifier Notifier,
	observer TransitionObserver,
	log *logger.Logger,
) *ApprovalWorkflowService {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &ApprovalWorkflowService{
		store:    store,
		gate:     gate,
		notifier: notifier,
		observer: observer,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// transitionResult is what an applied transition hands back for logging and
// notification once the transaction has committed.
type transitionResult struct {
	payment    *repository.Payment
	from       repository.PaymentStatus
	record     *repository.ApprovalRecord
	event      string
	recipients []int64
}

// applyFunc mutates p for the transition and returns the record to append.
// It runs inside the transaction after the state machine accepted the action.
type applyFunc func(ctx context.Context, tx repository.Repositories, p *repository.Payment, from repository.PaymentStatus) (*transitionResult, error)

// ── Submit ────────────────────────────────────────────────────────────────────

// Submit sends a draft or rejected payment into intermediate approval.
func (s *ApprovalWorkflowService) Submit(ctx context.Context, actor *auth.Principal, paymentID int64) (*repository.Payment, error) {
	return s.transition(ctx, actor, paymentID, ActionSubmit,
		func(ctx context.Context, tx repository.Repositories, p *repository.Payment, from repository.PaymentStatus) (*transitionResult, error) {
			if err := s.authorizeSubmit(actor, p); err != nil {
				return nil, err
			}
			chain, err := ResolveApproverChain(ctx, tx.Services(), p)
			if err != nil {
				return nil, err
			}

			now := s.now()
			if p.SubmittedAt == nil {
				p.SubmittedAt = &now
			}
			// A new cycle starts with empty stage outcomes.
			p.IntermediateApproverID, p.IntermediateApprovedAt, p.IntermediateComment = nil, nil, nil
			p.FinalApproverID, p.FinalApprovedAt, p.FinalComment = nil, nil, nil

			label := repository.RoleLabelCreator
			if actor.UserID != p.CreatedBy {
				label = roleLabel(actor, repository.RoleLabelCreator)
			}
			return &transitionResult{
				record:     &repository.ApprovalRecord{ApproverRole: label},
				event:      EventPaymentSubmitted,
				recipients: []int64{chain.Intermediate},
			}, nil
		})
}

// authorizeSubmit allows the creator holding payments.create, or anyone
// holding payments.update. Administrators pass through the gate.
func (s *ApprovalWorkflowService) authorizeSubmit(actor *auth.Principal, p *repository.Payment) error {
	if actor.UserID == p.CreatedBy && s.gate.Allows(actor, auth.PermPaymentsCreate) {
		return nil
	}
	if s.gate.Allows(actor, auth.PermPaymentsUpdate) {
		return nil
	}
	return errors.Forbidden("only the creator or a holder of payments.update may submit this payment")
}

// ── Decide ────────────────────────────────────────────────────────────────────

// Decide approves or rejects the payment's current stage. The caller must be
// the approver the service currently names for that stage; administrators
// get no bypass here.
func (s *ApprovalWorkflowService) Decide(ctx context.Context, actor *auth.Principal, paymentID int64, action Action, comment *string) (*repository.Payment, error) {
	if action != ActionApprove && action != ActionReject {
		return nil, errors.InvalidInput("action", "action must be approve or reject")
	}
	comment = normalizeComment(comment)

	return s.transition(ctx, actor, paymentID, action,
		func(ctx context.Context, tx repository.Repositories, p *repository.Payment, from repository.PaymentStatus) (*transitionResult, error) {
			chain, err := ResolveApproverChain(ctx, tx.Services(), p)
			if err != nil {
				return nil, err
			}
			stage := StageOf(from)
			if actor.UserID != chain.For(stage) {
				return nil, errors.Forbidden("caller is not the approver for the current stage")
			}

			now := s.now()
			approverID := actor.UserID
			res := &transitionResult{record: &repository.ApprovalRecord{Comment: comment}}

			switch stage {
			case StageIntermediate:
				res.record.ApproverRole = repository.RoleLabelIntermediate
				p.IntermediateApprovedAt = &now
				p.IntermediateComment = comment
				if action == ActionApprove {
					p.IntermediateApproverID = &approverID
					res.event = EventPaymentApprovalRequired
					res.recipients = []int64{chain.Final}
				}
			case StageFinal:
				res.record.ApproverRole = repository.RoleLabelFinal
				p.FinalApprovedAt = &now
				p.FinalComment = comment
				if action == ActionApprove {
					p.FinalApproverID = &approverID
					res.event = EventPaymentApproved
					res.recipients = []int64{p.CreatedBy}
				}
			}
			if action == ActionReject {
				res.event = EventPaymentRejected
				res.recipients = []int64{p.CreatedBy}
			}
			return res, nil
		})
}

// Approve is Decide with ActionApprove.
func (s *ApprovalWorkflowService) Approve(ctx context.Context, actor *auth.Principal, paymentID int64, comment *string) (*repository.Payment, error) {
	return s.Decide(ctx, actor, paymentID, ActionApprove, comment)
}

// Reject is Decide with ActionReject.
func (s *ApprovalWorkflowService) Reject(ctx context.Context, actor *auth.Principal, paymentID int64, comment *string) (*repository.Payment, error) {
	return s.Decide(ctx, actor, paymentID, ActionReject, comment)
}

// ── Mark as paid ──────────────────────────────────────────────────────────────

// MarkAsPaid records disbursement of an approved payment.
func (s *ApprovalWorkflowService) MarkAsPaid(ctx context.Context, actor *auth.Principal, paymentID int64, comment *string) (*repository.Payment, error) {
	comment = normalizeComment(comment)

	return s.transition(ctx, actor, paymentID, ActionMarkAsPaid,
		func(ctx context.Context, tx repository.Repositories, p *repository.Payment, from repository.PaymentStatus) (*transitionResult, error) {
			now := s.now()
			p.PaidAt = &now
			return &transitionResult{
				record:     &repository.ApprovalRecord{ApproverRole: roleLabel(actor, "accountant"), Comment: comment},
				event:      EventPaymentPaid,
				recipients: []int64{p.CreatedBy},
			}, nil
		})
}

// ── Reads ─────────────────────────────────────────────────────────────────────

// History returns every approval record of a payment, newest first.
func (s *ApprovalWorkflowService) History(ctx context.Context, actor *auth.Principal, paymentID int64) ([]*repository.ApprovalRecord, error) {
	if err := s.gate.AuthorizeAny(actor, auth.PermPaymentsRead, auth.PermApprovalsRead); err != nil {
		return nil, err
	}
	if _, err := s.store.Payments().GetByID(ctx, paymentID); err != nil {
		return nil, err
	}
	return s.store.Approvals().ListByPayment(ctx, paymentID)
}

// RecentActivity returns the newest approval records across all payments.
// limit defaults to 50 and is capped at 500.
func (s *ApprovalWorkflowService) RecentActivity(ctx context.Context, actor *auth.Principal, limit int) ([]*repository.ApprovalRecord, error) {
	if err := s.gate.Authorize(actor, auth.PermApprovalsRead); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	return s.store.Approvals().ListRecent(ctx, limit)
}

// PendingFor lists the payments whose current stage waits on the caller.
func (s *ApprovalWorkflowService) PendingFor(ctx context.Context, actor *auth.Principal) ([]*repository.Payment, error) {
	if actor == nil {
		return nil, errors.Unauthenticated("authentication required")
	}
	return s.store.Payments().ListPendingFor(ctx, actor.UserID)
}

// ── Engine ────────────────────────────────────────────────────────────────────

// transition runs one workflow step in a single transaction: lock the row,
// check the state machine, apply, write the guarded update and append the
// record. Logging, metrics and notification happen after commit.
func (s *ApprovalWorkflowService) transition(ctx context.Context, actor *auth.Principal, paymentID int64, action Action, apply applyFunc) (*repository.Payment, error) {
	start := time.Now()

	var res *transitionResult
	err := func() error {
		if actor == nil {
			return errors.Unauthenticated("authentication required")
		}
		if action == ActionMarkAsPaid {
			if err := s.gate.Authorize(actor, auth.PermPaymentsMarkPaid); err != nil {
				return err
			}
		}

		return s.store.InTransaction(ctx, func(tx repository.Repositories) error {
			p, err := tx.Payments().GetForUpdate(ctx, paymentID)
			if err != nil {
				return err
			}
			from := p.Status.Normalize()

			to, err := Next(from, action)
			if err != nil {
				return err
			}

			r, err := apply(ctx, tx, p, from)
			if err != nil {
				return err
			}
			p.Status = to

			if err := tx.Payments().UpdateWorkflow(ctx, p, from); err != nil {
				if stderrors.Is(err, repository.ErrStaleStatus) {
					return errors.InvalidTransition(string(from), string(action))
				}
				return err
			}

			r.record.PaymentID = p.ID
			r.record.ApproverID = actor.UserID
			r.record.Action = action.Recorded()
			if err := tx.Approvals().Append(ctx, r.record); err != nil {
				return err
			}

			r.payment = p
			r.from = from
			res = r
			return nil
		})
	}()

	s.observer.ObserveTransition(WorkflowPayment, string(action), outcomeOf(err), time.Since(start))

	if err != nil {
		s.logFailure(err, paymentID, action, actor)
		return nil, err
	}

	s.log.Info().
		Int64("payment_id", res.payment.ID).
		Str("from", string(res.from)).
		Str("to", string(res.payment.Status)).
		Int64("actor_id", actor.UserID).
		Msg("Payment transition applied")

	s.notifier.PublishPaymentEvent(ctx, res.event, res.payment.ID, actor.UserID, res.recipients, map[string]any{
		"status":  string(res.payment.Status),
		"from":    string(res.from),
		"amount":  res.payment.Amount.String(),
		"comment": res.record.Comment,
	})

	return res.payment, nil
}

func (s *ApprovalWorkflowService) logFailure(err error, paymentID int64, action Action, actor *auth.Principal) {
	ev := s.log.Warn()
	if errors.CodeOf(err) == errors.ErrCodeInternal {
		ev = s.log.Error().Stack()
	}
	if actor != nil {
		ev = ev.Int64("actor_id", actor.UserID)
	}
	ev.Err(err).
		Int64("payment_id", paymentID).
		Str("action", string(action)).
		Msg("Payment transition refused")
}

// roleLabel derives a display label from the caller's roles.
func roleLabel(p *auth.Principal, fallback string) string {
	if roles := p.Roles(); len(roles) > 0 {
		return roles[0]
	}
	return fallback
}

func normalizeComment(c *string) *string {
	if c == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*c)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
