package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ap-payments/internal/platform/errors"
	"github.com/pesio-ai/be-ap-payments/internal/repository"
)

func TestNextIsTotal(t *testing.T) {
	legal := map[repository.PaymentStatus]map[Action]repository.PaymentStatus{
		repository.PaymentStatusDraft: {
			ActionSubmit: repository.PaymentStatusPendingIntermediate,
		},
		repository.PaymentStatusRejected: {
			ActionSubmit: repository.PaymentStatusPendingIntermediate,
		},
		repository.PaymentStatusPendingIntermediate: {
			ActionApprove: repository.PaymentStatusPendingFinal,
			ActionReject:  repository.PaymentStatusRejected,
		},
		repository.PaymentStatusPendingFinal: {
			ActionApprove: repository.PaymentStatusApproved,
			ActionReject:  repository.PaymentStatusRejected,
		},
		repository.PaymentStatusApproved: {
			ActionMarkAsPaid: repository.PaymentStatusPaid,
		},
		repository.PaymentStatusPaid: {},
	}
	actions := []Action{ActionSubmit, ActionApprove, ActionReject, ActionMarkAsPaid}

	for from, allowed := range legal {
		for _, action := range actions {
			to, err := Next(from, action)
			if want, ok := allowed[action]; ok {
				require.NoError(t, err, "%s/%s", from, action)
				assert.Equal(t, want, to, "%s/%s", from, action)
				continue
			}
			require.Error(t, err, "%s/%s", from, action)
			assert.Equal(t, errors.ErrCodeInvalidTransition, errors.CodeOf(err))
			assert.Equal(t, from, to)
		}
	}
}

func TestNextNeverSkipsStages(t *testing.T) {
	to, err := Next(repository.PaymentStatusDraft, ActionApprove)
	require.Error(t, err)
	assert.Equal(t, repository.PaymentStatusDraft, to)

	_, err = Next(repository.PaymentStatusPendingIntermediate, ActionMarkAsPaid)
	assert.Error(t, err)
}

func TestNextAcceptsLegacyAliasesAndNull(t *testing.T) {
	to, err := Next("", ActionSubmit)
	require.NoError(t, err)
	assert.Equal(t, repository.PaymentStatusPendingIntermediate, to)

	to, err = Next("pending_tech_director", ActionApprove)
	require.NoError(t, err)
	assert.Equal(t, repository.PaymentStatusPendingFinal, to)

	to, err = Next("pending_ceo", ActionApprove)
	require.NoError(t, err)
	assert.Equal(t, repository.PaymentStatusApproved, to)
}

func TestInvalidTransitionMessageNamesDraftForNull(t *testing.T) {
	_, err := Next("", ActionApprove)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'draft'")
}

func TestStageOf(t *testing.T) {
	assert.Equal(t, StageIntermediate, StageOf(repository.PaymentStatusPendingIntermediate))
	assert.Equal(t, StageFinal, StageOf("pending_ceo"))
	assert.Equal(t, StageNone, StageOf(repository.PaymentStatusApproved))
}
