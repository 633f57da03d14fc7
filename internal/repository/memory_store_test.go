package repository

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ap-payments/internal/platform/errors"
)

func int64p(v int64) *int64 { return &v }

func newDraft(t *testing.T, s *MemoryStore, createdBy int64, serviceID *int64) *Payment {
	t.Helper()
	p := &Payment{
		Amount:    decimal.RequireFromString("1500.00"),
		Status:    PaymentStatusDraft,
		CreatedBy: createdBy,
		ServiceID: serviceID,
	}
	require.NoError(t, s.Payments().Create(context.Background(), p))
	return p
}

func TestMemoryStoreRollbackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := newDraft(t, s, 1, nil)

	boom := stderrors.New("boom")
	err := s.InTransaction(ctx, func(tx Repositories) error {
		cur, err := tx.Payments().GetForUpdate(ctx, p.ID)
		require.NoError(t, err)
		cur.Status = PaymentStatusPendingIntermediate
		require.NoError(t, tx.Payments().UpdateWorkflow(ctx, cur, PaymentStatusDraft))
		require.NoError(t, tx.Approvals().Append(ctx, &ApprovalRecord{
			PaymentID: p.ID, ApproverID: 1, ApproverRole: RoleLabelCreator, Action: ActionSubmitted,
		}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.Payments().GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentStatusDraft, got.Status)

	n, err := s.Approvals().CountByPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryStoreCommit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := newDraft(t, s, 1, nil)

	err := s.InTransaction(ctx, func(tx Repositories) error {
		cur, err := tx.Payments().GetForUpdate(ctx, p.ID)
		if err != nil {
			return err
		}
		cur.Status = PaymentStatusPendingIntermediate
		if err := tx.Payments().UpdateWorkflow(ctx, cur, PaymentStatusDraft); err != nil {
			return err
		}
		return tx.Approvals().Append(ctx, &ApprovalRecord{
			PaymentID: p.ID, ApproverID: 1, ApproverRole: RoleLabelCreator, Action: ActionSubmitted,
		})
	})
	require.NoError(t, err)

	got, err := s.Payments().GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentStatusPendingIntermediate, got.Status)

	history, err := s.Approvals().ListByPayment(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ActionSubmitted, history[0].Action)
}

func TestMemoryStoreStatusGuard(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := newDraft(t, s, 1, nil)

	p.Status = PaymentStatusApproved
	err := s.Payments().UpdateWorkflow(ctx, p, PaymentStatusPendingFinal)
	assert.ErrorIs(t, err, ErrStaleStatus)

	got, err := s.Payments().GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentStatusDraft, got.Status)
}

func TestMemoryStoreSubmittedAtKeepsFirstValue(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := newDraft(t, s, 1, nil)

	first := s.now()
	p.Status = PaymentStatusPendingIntermediate
	p.SubmittedAt = &first
	require.NoError(t, s.Payments().UpdateWorkflow(ctx, p, PaymentStatusDraft))

	p.Status = PaymentStatusRejected
	require.NoError(t, s.Payments().UpdateWorkflow(ctx, p, PaymentStatusPendingIntermediate))

	later := first.Add(1)
	p.Status = PaymentStatusPendingIntermediate
	p.SubmittedAt = &later
	require.NoError(t, s.Payments().UpdateWorkflow(ctx, p, PaymentStatusRejected))

	got, err := s.Payments().GetByID(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.SubmittedAt)
	assert.True(t, got.SubmittedAt.Equal(first))
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := newDraft(t, s, 1, nil)

	got, err := s.Payments().GetByID(ctx, p.ID)
	require.NoError(t, err)
	got.Status = PaymentStatusPaid

	again, err := s.Payments().GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentStatusDraft, again.Status)
}

func TestMemoryStoreListPendingFor(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.PutService(Service{ID: 7, Name: "Hosting", IntermediateApproverID: int64p(10), FinalApproverID: int64p(20)})

	a := newDraft(t, s, 1, int64p(7))
	b := newDraft(t, s, 1, int64p(7))
	newDraft(t, s, 1, int64p(7))

	a.Status = PaymentStatusPendingIntermediate
	require.NoError(t, s.Payments().UpdateWorkflow(ctx, a, PaymentStatusDraft))
	b.Status = PaymentStatusPendingFinal
	require.NoError(t, s.Payments().UpdateWorkflow(ctx, b, PaymentStatusDraft))

	mine, err := s.Payments().ListPendingFor(ctx, 10)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, a.ID, mine[0].ID)

	final, err := s.Payments().ListPendingFor(ctx, 20)
	require.NoError(t, err)
	require.Len(t, final, 1)
	assert.Equal(t, b.ID, final[0].ID)
}

func TestMemoryStoreListFilterAndPage(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i := 0; i < 5; i++ {
		newDraft(t, s, 1, nil)
	}
	newDraft(t, s, 2, nil)

	page, total, err := s.Payments().List(ctx, PaymentFilter{CreatedBy: int64p(1), Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
	require.Len(t, page, 2)
	assert.Greater(t, page[0].ID, page[1].ID)
}

func TestMemoryStoreDeleteRefusesHistory(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := newDraft(t, s, 1, nil)
	require.NoError(t, s.Approvals().Append(ctx, &ApprovalRecord{
		PaymentID: p.ID, ApproverID: 1, ApproverRole: RoleLabelCreator, Action: ActionSubmitted,
	}))

	assert.Error(t, s.Payments().Delete(ctx, p.ID))
	_, err := s.Payments().GetByID(ctx, p.ID)
	assert.NoError(t, err)

	clean := newDraft(t, s, 1, nil)
	require.NoError(t, s.Payments().Delete(ctx, clean.ID))
	_, err = s.Payments().GetByID(ctx, clean.ID)
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
}

func TestMemoryStoreRolesAndPermissions(t *testing.T) {
	s := NewMemoryStore()
	s.PutRolePermissions("accountant", "payments.read", "payments.mark_paid")
	s.PutRolePermissions("employee", "payments.create", "payments.read")
	s.PutUserRoles(5, "employee", "accountant")

	roles, perms, err := s.RolesAndPermissions(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"accountant", "employee"}, roles)
	assert.Equal(t, []string{"payments.create", "payments.mark_paid", "payments.read"}, perms)
}
