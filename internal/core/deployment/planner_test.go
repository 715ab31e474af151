package deployment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/domain"
)

// =============================================================================
// PlanOperation Tests
// =============================================================================

func TestPlanOperation_Table(t *testing.T) {
	statuses := []domain.DeploymentStatus{
		domain.StatusPending,
		domain.StatusRunning,
		domain.StatusStopped,
		domain.StatusError,
		domain.StatusDeleted,
	}

	type outcome struct {
		ok       bool
		teardown bool
		bringup  bool
	}

	want := map[Operation]map[domain.DeploymentStatus]outcome{
		OpStart: {
			domain.StatusPending: {ok: true, bringup: true},
			domain.StatusRunning: {},
			domain.StatusStopped: {ok: true, bringup: true},
			domain.StatusError:   {ok: true, bringup: true},
			domain.StatusDeleted: {},
		},
		OpStop: {
			domain.StatusPending: {},
			domain.StatusRunning: {ok: true, teardown: true},
			domain.StatusStopped: {},
			domain.StatusError:   {},
			domain.StatusDeleted: {},
		},
		OpRestart: {
			domain.StatusPending: {},
			domain.StatusRunning: {ok: true, teardown: true, bringup: true},
			domain.StatusStopped: {ok: true, bringup: true},
			domain.StatusError:   {ok: true, bringup: true},
			domain.StatusDeleted: {},
		},
		OpDelete: {
			domain.StatusPending: {ok: true},
			domain.StatusRunning: {ok: true, teardown: true},
			domain.StatusStopped: {ok: true, teardown: true},
			domain.StatusError:   {ok: true, teardown: true},
			domain.StatusDeleted: {},
		},
	}

	for op, byStatus := range want {
		for _, status := range statuses {
			expected := byStatus[status]
			t.Run(string(op)+"/"+string(status), func(t *testing.T) {
				plan, err := PlanOperation(op, status)
				if !expected.ok {
					assert.ErrorIs(t, err, domain.ErrInvalidTransition)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, expected.teardown, plan.Teardown)
				assert.Equal(t, expected.bringup, plan.Bringup)
				// a restart of a running deployment passes through stopped
				from := status
				if plan.Teardown && plan.Bringup {
					from = domain.StatusStopped
				}
				assert.NoError(t, domain.ValidateTransition(from, plan.Final))
			})
		}
	}
}

func TestPlanOperation_ErrorNamesReason(t *testing.T) {
	_, err := PlanOperation(OpStop, domain.StatusPending)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stop from pending")
	assert.Contains(t, err.Error(), "not running")
}

func TestPlanOperation_UnknownOperation(t *testing.T) {
	_, err := PlanOperation(Operation("explode"), domain.StatusRunning)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}
