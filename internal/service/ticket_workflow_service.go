package service

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/pesio-ai/be-ap-payments/internal/auth"
	"github.com/pesio-ai/be-ap-payments/internal/platform/errors"
	"github.com/pesio-ai/be-ap-payments/internal/platform/logger"
	"github.com/pesio-ai/be-ap-payments/internal/repository"
)

// TicketWorkflowService runs the parallel-approver ticket workflow. Every
// listed approver must approve; the first reject resolves the ticket.
type TicketWorkflowService struct {
	store    repository.Store
	gate     *auth.Gate
	notifier Notifier
	observer TransitionObserver
	log      *logger.Logger
	now      func() time.Time
}

// NewTicketWorkflowService creates a new TicketWorkflowService.
func NewTicketWorkflowService(
	store repository.Store,
	gate *auth.Gate,
	notifier Notifier,
	observer TransitionObserver,
	log *logger.Logger,
) *TicketWorkflowService {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &TicketWorkflowService{
		store:    store,
		gate:     gate,
		notifier: notifier,
		observer: observer,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateTicketRequest represents a create ticket request
type CreateTicketRequest struct {
	Title       string  `json:"title" validate:"required,max=255"`
	Description *string `json:"description" validate:"omitempty,max=5000"`
	Approvers   []int64 `json:"approvers" validate:"required,min=1,unique,dive,gt=0"`
}

// Create stores a draft ticket with its approver list.
func (s *TicketWorkflowService) Create(ctx context.Context, actor *auth.Principal, req *CreateTicketRequest) (*repository.Ticket, error) {
	if err := s.gate.Authorize(actor, auth.PermTicketsCreate); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, errors.InvalidInput("body", "request body is required")
	}
	if err := validateStruct(req); err != nil {
		return nil, err
	}

	t := &repository.Ticket{
		Title:       req.Title,
		Description: trimmed(req.Description),
		Status:      repository.TicketStatusDraft,
		CreatedBy:   actor.UserID,
	}
	for _, id := range req.Approvers {
		t.Approvers = append(t.Approvers, repository.TicketApprover{UserID: id, Decision: repository.DecisionPending})
	}

	err := s.store.InTransaction(ctx, func(tx repository.Repositories) error {
		return tx.Tickets().Create(ctx, t)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Int64("ticket_id", t.ID).
		Int("approvers", len(t.Approvers)).
		Int64("created_by", t.CreatedBy).
		Msg("Ticket created")

	return t, nil
}

// Get returns a ticket to its creator, its approvers, or a holder of tickets.read.
func (s *TicketWorkflowService) Get(ctx context.Context, actor *auth.Principal, id int64) (*repository.Ticket, error) {
	if actor == nil {
		return nil, errors.Unauthenticated("authentication required")
	}
	t, err := s.store.Tickets().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, isApprover := t.Approver(actor.UserID); !isApprover && t.CreatedBy != actor.UserID {
		if err := s.gate.Authorize(actor, auth.PermTicketsRead); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Submit moves a draft or rejected ticket to pending. Resubmission clears
// every approver's previous decision.
func (s *TicketWorkflowService) Submit(ctx context.Context, actor *auth.Principal, ticketID int64) (*repository.Ticket, error) {
	return s.transition(ctx, actor, ticketID, ActionSubmit, nil,
		func(t *repository.Ticket) (string, []int64, error) {
			if !(actor.UserID == t.CreatedBy && s.gate.Allows(actor, auth.PermTicketsCreate)) &&
				!s.gate.Allows(actor, auth.PermTicketsUpdate) {
				return "", nil, errors.Forbidden("only the creator or a holder of tickets.update may submit this ticket")
			}
			if t.Status != repository.TicketStatusDraft && t.Status != repository.TicketStatusRejected {
				return "", nil, errors.InvalidTransition(string(t.Status), string(ActionSubmit))
			}

			now := s.now()
			t.Status = repository.TicketStatusPending
			if t.SubmittedAt == nil {
				t.SubmittedAt = &now
			}
			t.ResolvedAt = nil
			recipients := make([]int64, 0, len(t.Approvers))
			for i := range t.Approvers {
				t.Approvers[i].Decision = repository.DecisionPending
				t.Approvers[i].DecidedAt = nil
				t.Approvers[i].Comment = nil
				recipients = append(recipients, t.Approvers[i].UserID)
			}
			return EventTicketSubmitted, recipients, nil
		})
}

// Decide records one approver's vote on a pending ticket.
func (s *TicketWorkflowService) Decide(ctx context.Context, actor *auth.Principal, ticketID int64, action Action, comment *string) (*repository.Ticket, error) {
	if action != ActionApprove && action != ActionReject {
		return nil, errors.InvalidInput("action", "action must be approve or reject")
	}
	comment = normalizeComment(comment)

	return s.transition(ctx, actor, ticketID, action, comment,
		func(t *repository.Ticket) (string, []int64, error) {
			if t.Status != repository.TicketStatusPending {
				return "", nil, errors.InvalidTransition(string(t.Status), string(action))
			}
			slot, ok := t.Approver(actor.UserID)
			if !ok {
				return "", nil, errors.Forbidden("caller is not an approver of this ticket")
			}
			if slot.Decision != repository.DecisionPending {
				return "", nil, errors.InvalidTransition(string(t.Status), "decide twice")
			}

			now := s.now()
			slot.DecidedAt = &now
			slot.Comment = comment

			if action == ActionReject {
				slot.Decision = repository.DecisionReject
				t.Status = repository.TicketStatusRejected
				t.ResolvedAt = &now
				return EventTicketRejected, []int64{t.CreatedBy}, nil
			}

			slot.Decision = repository.DecisionApprove
			if t.AllApproved() {
				t.Status = repository.TicketStatusApproved
				t.ResolvedAt = &now
				return EventTicketApproved, []int64{t.CreatedBy}, nil
			}
			return "", nil, nil
		})
}

// History returns a ticket's records, newest first.
func (s *TicketWorkflowService) History(ctx context.Context, actor *auth.Principal, ticketID int64) ([]*repository.TicketApprovalRecord, error) {
	if _, err := s.Get(ctx, actor, ticketID); err != nil {
		return nil, err
	}
	return s.store.Tickets().ListRecords(ctx, ticketID)
}

// transition locks the ticket, lets mutate apply the change and persists the
// state and one history record in the same transaction. mutate returns the
// event to publish after commit, or "" for none.
func (s *TicketWorkflowService) transition(
	ctx context.Context,
	actor *auth.Principal,
	ticketID int64,
	action Action,
	comment *string,
	mutate func(t *repository.Ticket) (event string, recipients []int64, err error),
) (*repository.Ticket, error) {
	start := time.Now()

	var (
		result     *repository.Ticket
		from       repository.TicketStatus
		event      string
		recipients []int64
	)
	err := func() error {
		if actor == nil {
			return errors.Unauthenticated("authentication required")
		}
		return s.store.InTransaction(ctx, func(tx repository.Repositories) error {
			t, err := tx.Tickets().GetForUpdate(ctx, ticketID)
			if err != nil {
				return err
			}
			from = t.Status

			event, recipients, err = mutate(t)
			if err != nil {
				return err
			}

			if err := tx.Tickets().UpdateState(ctx, t, from); err != nil {
				if stderrors.Is(err, repository.ErrStaleStatus) {
					return errors.InvalidTransition(string(from), string(action))
				}
				return err
			}
			if err := tx.Tickets().AppendRecord(ctx, &repository.TicketApprovalRecord{
				TicketID:   t.ID,
				ApproverID: actor.UserID,
				Action:     action.Recorded(),
				Comment:    comment,
			}); err != nil {
				return err
			}
			result = t
			return nil
		})
	}()

	s.observer.ObserveTransition(WorkflowTicket, string(action), outcomeOf(err), time.Since(start))

	if err != nil {
		s.log.Warn().Err(err).
			Int64("ticket_id", ticketID).
			Str("action", string(action)).
			Msg("Ticket transition refused")
		return nil, err
	}

	s.log.Info().
		Int64("ticket_id", result.ID).
		Str("from", string(from)).
		Str("to", string(result.Status)).
		Int64("actor_id", actor.UserID).
		Msg("Ticket transition applied")

	if event != "" {
		s.notifier.PublishTicketEvent(ctx, event, result.ID, actor.UserID, recipients, map[string]any{
			"status": string(result.Status),
			"title":  result.Title,
		})
	}
	return result, nil
}
