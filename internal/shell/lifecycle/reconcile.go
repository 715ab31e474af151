package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/domain"
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/shell/docker"
)

// =============================================================================
// Reconcile
// =============================================================================

// Reconcile compares a running deployment with its container. When the
// container is gone or no longer running the deployment moves to error and
// a reconciled event is written. The second return reports whether the
// record changed. Engine errors other than a missing container leave the
// record as it is.
func (o *Orchestrator) Reconcile(ctx context.Context, id int64) (d *domain.Deployment, changed bool, err error) {
	start := time.Now()
	defer func() { o.observe("reconcile", start, err) }()

	unlock := o.locks.Lock(id)
	defer unlock()

	d, err = o.load(ctx, "reconcile", id)
	if err != nil {
		return nil, false, err
	}
	if d.Status != domain.StatusRunning {
		return d, false, nil
	}

	detail, err := o.containerProblem(ctx, d)
	if err != nil {
		return d, false, NewOperationError("reconcile", id, err.Error(), err)
	}
	if detail == "" {
		return d, false, nil
	}

	if d.ContainerID != "" {
		if tail := o.logTail(ctx, d.ContainerID); tail != "" {
			d.LogTail = tail
		}
	}
	if err := d.TransitionToError(detail); err != nil {
		return d, false, NewOperationError("reconcile", id, err.Error(), domain.ErrInvalidTransition)
	}
	if err := o.store.UpdateDeployment(ctx, d); err != nil {
		return d, false, NewOperationError("reconcile", id, err.Error(), sentinelOf(err, nil))
	}
	o.recordEvent(ctx, id, domain.EventReconciled, detail)

	o.logger.Warn("deployment no longer running",
		"deployment_id", id,
		"detail", detail,
	)
	return d, true, nil
}

// containerProblem describes why d's container is not running, or returns
// "" when it is.
func (o *Orchestrator) containerProblem(ctx context.Context, d *domain.Deployment) (string, error) {
	if d.ContainerID == "" {
		return "no container recorded for running deployment", nil
	}

	stateCtx, cancel := context.WithTimeout(ctx, o.config.EngineTimeout)
	defer cancel()

	state, err := o.engine.ContainerState(stateCtx, d.ContainerID)
	if err != nil {
		if errors.Is(err, docker.ErrContainerNotFound) {
			return fmt.Sprintf("container %s not found", shortID(d.ContainerID)), nil
		}
		return "", err
	}
	if state.Running {
		return "", nil
	}

	detail := fmt.Sprintf("container %s is %s (exit code %d)", shortID(d.ContainerID), state.Status, state.ExitCode)
	if state.Error != "" {
		detail += ": " + state.Error
	}
	return detail, nil
}
