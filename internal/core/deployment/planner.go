package deployment

import (
	"fmt"

	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/domain"
)

// =============================================================================
// Lifecycle Operation Planning
// =============================================================================

// Operation is a lifecycle verb.
type Operation string

const (
	OpStart   Operation = "start"
	OpStop    Operation = "stop"
	OpRestart Operation = "restart"
	OpDelete  Operation = "delete"
)

// OperationPlan is the engine work an operation needs from a given status.
type OperationPlan struct {
	// Teardown brings the composition down first.
	Teardown bool
	// Bringup builds the image and brings the composition up.
	Bringup bool
	// Final is the status reached when the engine work succeeds.
	Final domain.DeploymentStatus
}

// PlanOperation decides what op requires from status. Illegal combinations
// wrap domain.ErrInvalidTransition with the reason.
//
//	start:   pending, stopped, error → bring up → running
//	stop:    running → tear down → stopped
//	restart: running → tear down, bring up → running
//	         stopped, error → bring up → running
//	delete:  any live status → tear down (best effort) → deleted
func PlanOperation(op Operation, status domain.DeploymentStatus) (OperationPlan, error) {
	if status == domain.StatusDeleted {
		return OperationPlan{}, invalid(op, status, "deployment is deleted")
	}

	switch op {
	case OpStart:
		if status == domain.StatusRunning {
			return OperationPlan{}, invalid(op, status, "deployment is already running")
		}
		return OperationPlan{Bringup: true, Final: domain.StatusRunning}, nil

	case OpStop:
		if status != domain.StatusRunning {
			return OperationPlan{}, invalid(op, status, "deployment is not running")
		}
		return OperationPlan{Teardown: true, Final: domain.StatusStopped}, nil

	case OpRestart:
		switch status {
		case domain.StatusRunning:
			return OperationPlan{Teardown: true, Bringup: true, Final: domain.StatusRunning}, nil
		case domain.StatusStopped, domain.StatusError:
			return OperationPlan{Bringup: true, Final: domain.StatusRunning}, nil
		default:
			return OperationPlan{}, invalid(op, status, "deployment has never been started")
		}

	case OpDelete:
		// pending deployments never reached the engine
		return OperationPlan{Teardown: status != domain.StatusPending, Final: domain.StatusDeleted}, nil
	}

	return OperationPlan{}, invalid(op, status, "unknown operation")
}

func invalid(op Operation, status domain.DeploymentStatus, reason string) error {
	return fmt.Errorf("%s from %s: %s: %w", op, status, reason, domain.ErrInvalidTransition)
}
