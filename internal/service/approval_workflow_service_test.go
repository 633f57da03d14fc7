package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ap-payments/internal/auth"
	"github.com/pesio-ai/be-ap-payments/internal/platform/errors"
	"github.com/pesio-ai/be-ap-payments/internal/platform/logger"
	"github.com/pesio-ai/be-ap-payments/internal/repository"
)

func ptr[T any](v T) *T { return &v }

const (
	creatorID      int64 = 1
	intermediateID int64 = 10
	finalID        int64 = 20
	strangerID     int64 = 99
	serviceID      int64 = 7
)

type publishedEvent struct {
	eventType  string
	entityID   int64
	actorID    int64
	recipients []int64
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (n *recordingNotifier) PublishPaymentEvent(_ context.Context, eventType string, paymentID, actorID int64, recipients []int64, _ map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, publishedEvent{eventType, paymentID, actorID, recipients})
}

func (n *recordingNotifier) PublishTicketEvent(_ context.Context, eventType string, ticketID, actorID int64, recipients []int64, _ map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, publishedEvent{eventType, ticketID, actorID, recipients})
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.eventType)
	}
	return out
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (o *countingObserver) ObserveTransition(workflow, action, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = make(map[string]int)
	}
	o.outcomes[workflow+"/"+action+"/"+outcome]++
}

type fixture struct {
	store    repository.Store
	engine   *ApprovalWorkflowService
	payments *PaymentService
	notifier *recordingNotifier
	observer *countingObserver

	creator      *auth.Principal
	intermediate *auth.Principal
	final        *auth.Principal
	stranger     *auth.Principal
	accountant   *auth.Principal
	admin        *auth.Principal

	// putService creates or replaces an approval chain.
	putService func(t *testing.T, svc repository.Service)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	return newFixtureOn(t, store, func(_ *testing.T, svc repository.Service) { store.PutService(svc) })
}

// newFixtureOn wires the services over store and seeds the Hosting chain
// (intermediate 10, final 20) through putService.
func newFixtureOn(t *testing.T, store repository.Store, putService func(*testing.T, repository.Service)) *fixture {
	t.Helper()
	putService(t, repository.Service{
		ID:                     serviceID,
		Name:                   "Hosting",
		IntermediateApproverID: ptr(intermediateID),
		FinalApproverID:        ptr(finalID),
	})

	gate := auth.NewGate()
	notifier := &recordingNotifier{}
	observer := &countingObserver{}
	log := logger.Nop()

	return &fixture{
		store:    store,
		engine:   NewApprovalWorkflowService(store, gate, notifier, observer, log),
		payments: NewPaymentService(store, gate, log),
		notifier: notifier,
		observer: observer,

		creator:      auth.NewPrincipal(creatorID, []string{"employee"}, []string{auth.PermPaymentsCreate, auth.PermPaymentsRead}),
		intermediate: auth.NewPrincipal(intermediateID, []string{"tech_director"}, []string{auth.PermPaymentsRead}),
		final:        auth.NewPrincipal(finalID, []string{"ceo"}, []string{auth.PermPaymentsRead}),
		stranger:     auth.NewPrincipal(strangerID, []string{"employee"}, []string{auth.PermPaymentsRead}),
		accountant:   auth.NewPrincipal(30, []string{"accountant"}, []string{auth.PermPaymentsMarkPaid, auth.PermApprovalsRead}),
		admin:        auth.NewPrincipal(40, []string{"Admin"}, nil),

		putService: putService,
	}
}

func (f *fixture) createPayment(t *testing.T, svc *int64) *repository.Payment {
	t.Helper()
	p, err := f.payments.Create(context.Background(), f.creator, &PaymentRequest{
		Amount:    decimal.RequireFromString("1500.00"),
		ServiceID: svc,
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) historyLen(t *testing.T, paymentID int64) int {
	t.Helper()
	n, err := f.store.Approvals().CountByPayment(context.Background(), paymentID)
	require.NoError(t, err)
	return n
}

func (f *fixture) reload(t *testing.T, paymentID int64) *repository.Payment {
	t.Helper()
	p, err := f.store.Payments().GetByID(context.Background(), paymentID)
	require.NoError(t, err)
	return p
}

func requireCode(t *testing.T, err error, code errors.Code) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, errors.CodeOf(err), err.Error())
}

func TestHappyPathThroughBothStages(t *testing.T) {
	checkHappyPath(t, newFixture(t))
}

func checkHappyPath(t *testing.T, f *fixture) {
	ctx := context.Background()
	p := f.createPayment(t, ptr(serviceID))

	got, err := f.engine.Submit(ctx, f.creator, p.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.PaymentStatusPendingIntermediate, got.Status)
	require.NotNil(t, got.SubmittedAt)
	assert.Equal(t, 1, f.historyLen(t, p.ID))

	got, err = f.engine.Approve(ctx, f.intermediate, p.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, repository.PaymentStatusPendingFinal, got.Status)
	require.NotNil(t, got.IntermediateApprovedAt)
	assert.Equal(t, ptr(intermediateID), got.IntermediateApproverID)
	assert.Equal(t, 2, f.historyLen(t, p.ID))

	_, err = f.engine.Approve(ctx, f.stranger, p.ID, nil)
	requireCode(t, err, errors.ErrCodeForbidden)
	assert.Equal(t, repository.PaymentStatusPendingFinal, f.reload(t, p.ID).Status)
	assert.Equal(t, 2, f.historyLen(t, p.ID))

	got, err = f.engine.Approve(ctx, f.final, p.ID, ptr("ok"))
	require.NoError(t, err)
	assert.Equal(t, repository.PaymentStatusApproved, got.Status)
	require.NotNil(t, got.FinalApprovedAt)
	assert.Equal(t, ptr("ok"), got.FinalComment)
	assert.Equal(t, 3, f.historyLen(t, p.ID))

	history, err := f.engine.History(ctx, f.creator, p.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, repository.ActionApprove, history[0].Action)
	assert.Equal(t, finalID, history[0].ApproverID)
	assert.Equal(t, repository.RoleLabelFinal, history[0].ApproverRole)
	assert.Equal(t, repository.ActionSubmitted, history[2].Action)
	assert.Equal(t, repository.RoleLabelCreator, history[2].ApproverRole)

	assert.Equal(t, []string{EventPaymentSubmitted, EventPaymentApprovalRequired, EventPaymentApproved}, f.notifier.types())
	assert.Equal(t, 1, f.observer.outcomes["payment/approve/forbidden"])
}

func TestRejectAndResubmitKeepsFirstSubmittedAt(t *testing.T) {
	checkResubmitKeepsFirstSubmittedAt(t, newFixture(t))
}

func checkResubmitKeepsFirstSubmittedAt(t *testing.T, f *fixture) {
	ctx := context.Background()
	p := f.createPayment(t, ptr(serviceID))

	submitted, err := f.engine.Submit(ctx, f.creator, p.ID)
	require.NoError(t, err)
	require.NotNil(t, submitted.SubmittedAt)
	firstSubmittedAt := *f.reload(t, p.ID).SubmittedAt

	rejected, err := f.engine.Reject(ctx, f.intermediate, p.ID, ptr("missing invoice"))
	require.NoError(t, err)
	assert.Equal(t, repository.PaymentStatusRejected, rejected.Status)
	assert.Nil(t, rejected.FinalApproverID)
	assert.Equal(t, ptr("missing invoice"), rejected.IntermediateComment)
	assert.NotNil(t, rejected.IntermediateApprovedAt)
	assert.Equal(t, 2, f.historyLen(t, p.ID))

	f.engine.now = func() time.Time { return firstSubmittedAt.Add(time.Hour) }
	again, err := f.engine.Submit(ctx, f.creator, p.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.PaymentStatusPendingIntermediate, again.Status)
	assert.Equal(t, 3, f.historyLen(t, p.ID))
	require.NotNil(t, again.SubmittedAt)
	assert.True(t, again.SubmittedAt.Equal(firstSubmittedAt))
	assert.True(t, f.reload(t, p.ID).SubmittedAt.Equal(firstSubmittedAt))
}

func TestSubmitWithoutServiceFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.createPayment(t, nil)

	_, err := f.engine.Submit(ctx, f.creator, p.ID)
	requireCode(t, err, errors.ErrCodeMissingApprovalChain)
	assert.Equal(t, repository.PaymentStatusDraft, f.reload(t, p.ID).Status)
	assert.Zero(t, f.historyLen(t, p.ID))
	assert.Empty(t, f.notifier.types())
}

func TestSubmitTwiceIsInvalidTransition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.createPayment(t, ptr(serviceID))

	_, err := f.engine.Submit(ctx, f.creator, p.ID)
	require.NoError(t, err)

	_, err = f.engine.Submit(ctx, f.creator, p.ID)
	requireCode(t, err, errors.ErrCodeInvalidTransition)
	assert.Equal(t, 1, f.historyLen(t, p.ID))
}

func TestSubmitPermissions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p := f.createPayment(t, ptr(serviceID))
	_, err := f.engine.Submit(ctx, f.stranger, p.ID)
	requireCode(t, err, errors.ErrCodeForbidden)

	creatorWithoutCreate := auth.NewPrincipal(creatorID, []string{"employee"}, nil)
	_, err = f.engine.Submit(ctx, creatorWithoutCreate, p.ID)
	requireCode(t, err, errors.ErrCodeForbidden)

	editor := auth.NewPrincipal(55, []string{"office_manager"}, []string{auth.PermPaymentsUpdate})
	got, err := f.engine.Submit(ctx, editor, p.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.PaymentStatusPendingIntermediate, got.Status)

	q := f.createPayment(t, ptr(serviceID))
	_, err = f.engine.Submit(ctx, f.admin, q.ID)
	require.NoError(t, err)

	_, err = f.engine.Submit(ctx, nil, q.ID)
	requireCode(t, err, errors.ErrCodeUnauthenticated)
}

func TestOnlyStageApproverMayDecide(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.createPayment(t, ptr(serviceID))
	_, err := f.engine.Submit(ctx, f.creator, p.ID)
	require.NoError(t, err)

	for _, actor := range []*auth.Principal{f.final, f.stranger, f.creator, f.admin} {
		_, err := f.engine.Approve(ctx, actor, p.ID, nil)
		requireCode(t, err, errors.ErrCodeForbidden)
		_, err = f.engine.Reject(ctx, actor, p.ID, nil)
		requireCode(t, err, errors.ErrCodeForbidden)
	}
	assert.Equal(t, repository.PaymentStatusPendingIntermediate, f.reload(t, p.ID).Status)
	assert.Equal(t, 1, f.historyLen(t, p.ID))
}

func TestDecideOnDraftIsInvalidTransition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.createPayment(t, ptr(serviceID))

	_, err := f.engine.Approve(ctx, f.intermediate, p.ID, nil)
	requireCode(t, err, errors.ErrCodeInvalidTransition)
	assert.Zero(t, f.historyLen(t, p.ID))

	_, err = f.engine.Decide(ctx, f.intermediate, p.ID, ActionMarkAsPaid, nil)
	requireCode(t, err, errors.ErrCodeInvalidInput)
}

func TestApproverChangeAppliesAtDecisionTime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.createPayment(t, ptr(serviceID))
	_, err := f.engine.Submit(ctx, f.creator, p.ID)
	require.NoError(t, err)

	f.putService(t, repository.Service{
		ID:                     serviceID,
		Name:                   "Hosting",
		IntermediateApproverID: ptr[int64](11),
		FinalApproverID:        ptr(finalID),
	})

	_, err = f.engine.Approve(ctx, f.intermediate, p.ID, nil)
	requireCode(t, err, errors.ErrCodeForbidden)

	replacement := auth.NewPrincipal(11, nil, nil)
	got, err := f.engine.Approve(ctx, replacement, p.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, repository.PaymentStatusPendingFinal, got.Status)
}

func TestSelfChainApprovesBothStages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.putService(t, repository.Service{ID: 8, Name: "Solo", IntermediateApproverID: ptr(finalID), FinalApproverID: ptr(finalID)})
	p := f.createPayment(t, ptr[int64](8))

	_, err := f.engine.Submit(ctx, f.creator, p.ID)
	require.NoError(t, err)
	_, err = f.engine.Approve(ctx, f.final, p.ID, nil)
	require.NoError(t, err)
	got, err := f.engine.Approve(ctx, f.final, p.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, repository.PaymentStatusApproved, got.Status)
}

func TestConcurrentFinalApprovalsExactlyOneWins(t *testing.T) {
	checkConcurrentFinalApprovals(t, newFixture(t))
}

func checkConcurrentFinalApprovals(t *testing.T, f *fixture) {
	ctx := context.Background()
	p := f.createPayment(t, ptr(serviceID))
	_, err := f.engine.Submit(ctx, f.creator, p.ID)
	require.NoError(t, err)
	_, err = f.engine.Approve(ctx, f.intermediate, p.ID, nil)
	require.NoError(t, err)

	const racers = 8
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.Approve(ctx, f.final, p.ID, nil)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.Equal(t, errors.ErrCodeInvalidTransition, errors.CodeOf(err))
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, repository.PaymentStatusApproved, f.reload(t, p.ID).Status)
	assert.Equal(t, 3, f.historyLen(t, p.ID))
}

func TestMarkAsPaid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.createPayment(t, ptr(serviceID))

	_, err := f.engine.MarkAsPaid(ctx, f.accountant, p.ID, nil)
	requireCode(t, err, errors.ErrCodeInvalidTransition)

	_, err = f.engine.Submit(ctx, f.creator, p.ID)
	require.NoError(t, err)
	_, err = f.engine.Approve(ctx, f.intermediate, p.ID, nil)
	require.NoError(t, err)
	_, err = f.engine.Approve(ctx, f.final, p.ID, nil)
	require.NoError(t, err)

	_, err = f.engine.MarkAsPaid(ctx, f.creator, p.ID, nil)
	requireCode(t, err, errors.ErrCodeForbidden)

	got, err := f.engine.MarkAsPaid(ctx, f.accountant, p.ID, ptr("wire 42"))
	require.NoError(t, err)
	assert.Equal(t, repository.PaymentStatusPaid, got.Status)
	assert.NotNil(t, got.PaidAt)
	assert.Equal(t, 4, f.historyLen(t, p.ID))

	history, err := f.engine.History(ctx, f.accountant, p.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.ActionPaid, history[0].Action)
	assert.Equal(t, "accountant", history[0].ApproverRole)

	_, err = f.engine.MarkAsPaid(ctx, f.accountant, p.ID, nil)
	requireCode(t, err, errors.ErrCodeInvalidTransition)
}

func TestAuditCountNeverDecreases(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.createPayment(t, ptr(serviceID))

	steps := []func() error{
		func() error { _, err := f.engine.Submit(ctx, f.creator, p.ID); return err },
		func() error { _, err := f.engine.Approve(ctx, f.final, p.ID, nil); return err },
		func() error { _, err := f.engine.Reject(ctx, f.intermediate, p.ID, nil); return err },
		func() error { _, err := f.engine.Approve(ctx, f.intermediate, p.ID, nil); return err },
		func() error { _, err := f.engine.Submit(ctx, f.creator, p.ID); return err },
		func() error { _, err := f.engine.Approve(ctx, f.intermediate, p.ID, nil); return err },
		func() error { _, err := f.engine.Approve(ctx, f.final, p.ID, nil); return err },
	}
	wantOK := []bool{true, false, true, false, true, true, true}

	prev := 0
	for i, step := range steps {
		err := step()
		n := f.historyLen(t, p.ID)
		if wantOK[i] {
			require.NoError(t, err, "step %d", i)
			assert.Equal(t, prev+1, n, "step %d", i)
		} else {
			require.Error(t, err, "step %d", i)
			assert.Equal(t, prev, n, "step %d", i)
		}
		prev = n
	}
	assert.Equal(t, repository.PaymentStatusApproved, f.reload(t, p.ID).Status)
}

func TestHistoryRequiresReadPermission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.createPayment(t, ptr(serviceID))

	_, err := f.engine.History(ctx, auth.NewPrincipal(77, nil, nil), p.ID)
	requireCode(t, err, errors.ErrCodeForbidden)

	_, err = f.engine.History(ctx, f.accountant, 12345)
	requireCode(t, err, errors.ErrCodeNotFound)
}

func TestRecentActivityAndPendingQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.createPayment(t, ptr(serviceID))
	b := f.createPayment(t, ptr(serviceID))

	_, err := f.engine.Submit(ctx, f.creator, a.ID)
	require.NoError(t, err)
	_, err = f.engine.Submit(ctx, f.creator, b.ID)
	require.NoError(t, err)
	_, err = f.engine.Approve(ctx, f.intermediate, b.ID, nil)
	require.NoError(t, err)

	pending, err := f.engine.PendingFor(ctx, f.intermediate)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)

	pending, err = f.engine.PendingFor(ctx, f.final)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)

	recent, err := f.engine.RecentActivity(ctx, f.accountant, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, b.ID, recent[0].PaymentID)
	assert.Equal(t, repository.ActionApprove, recent[0].Action)

	all, err := f.engine.RecentActivity(ctx, f.accountant, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = f.engine.RecentActivity(ctx, f.creator, 10)
	requireCode(t, err, errors.ErrCodeForbidden)
}
