// Package workers contains background workers for the deployer.
package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/domain"
)

// Reconcilable is the part of the lifecycle controller the reconciler drives.
type Reconcilable interface {
	ListByStatus(ctx context.Context, status domain.DeploymentStatus) ([]domain.Deployment, error)
	Reconcile(ctx context.Context, id int64) (*domain.Deployment, bool, error)
}

// ReconcilerConfig configures the reconciler worker.
type ReconcilerConfig struct {
	// Interval is the time between reconcile cycles.
	// Default: 30 seconds.
	Interval time.Duration

	// DeploymentTimeout bounds the check of a single deployment.
	// Default: 15 seconds.
	DeploymentTimeout time.Duration

	// MaxConcurrent is the maximum number of deployments checked at once.
	// Default: 5.
	MaxConcurrent int
}

// DefaultReconcilerConfig returns the default configuration.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Interval:          30 * time.Second,
		DeploymentTimeout: 15 * time.Second,
		MaxConcurrent:     5,
	}
}

// CycleResult summarizes one reconcile cycle.
type CycleResult struct {
	Checked int
	Changed int
	Failed  int
}

// Reconciler periodically compares running deployments with their
// containers and marks the ones whose container is gone or exited.
type Reconciler struct {
	target Reconcilable
	config ReconcilerConfig
	logger *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReconciler creates a new reconciler worker.
func NewReconciler(target Reconcilable, config ReconcilerConfig, logger *slog.Logger) *Reconciler {
	defaults := DefaultReconcilerConfig()
	if config.Interval == 0 {
		config.Interval = defaults.Interval
	}
	if config.DeploymentTimeout == 0 {
		config.DeploymentTimeout = defaults.DeploymentTimeout
	}
	if config.MaxConcurrent == 0 {
		config.MaxConcurrent = defaults.MaxConcurrent
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Reconciler{
		target: target,
		config: config,
		logger: logger.With("component", "reconciler"),
	}
}

// Start begins the reconciler background goroutine.
func (r *Reconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	r.wg.Add(1)
	go r.run(r.ctx)

	r.logger.Info("reconciler started",
		"interval", r.config.Interval,
		"max_concurrent", r.config.MaxConcurrent,
	)
}

// Stop cancels the loop and waits for the running cycle to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	r.logger.Info("reconciler stopped")
}

func (r *Reconciler) run(ctx context.Context) {
	defer r.wg.Done()

	r.RunCycle(ctx)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// RunCycle reconciles every running deployment once.
func (r *Reconciler) RunCycle(ctx context.Context) CycleResult {
	ctx, cancel := context.WithTimeout(ctx, r.config.Interval)
	defer cancel()

	deployments, err := r.target.ListByStatus(ctx, domain.StatusRunning)
	if err != nil {
		r.logger.Error("failed to list running deployments", "error", err)
		return CycleResult{}
	}
	if len(deployments) == 0 {
		r.logger.Debug("no running deployments")
		return CycleResult{}
	}

	var (
		mu     sync.Mutex
		result CycleResult
		wg     sync.WaitGroup
	)
	sem := make(chan struct{}, r.config.MaxConcurrent)

	for i := range deployments {
		id := deployments[i].ID

		wg.Add(1)
		go func() {
			defer wg.Done()

			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
				defer func() { <-sem }()
			}

			changed, err := r.check(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			result.Checked++
			switch {
			case err != nil:
				result.Failed++
			case changed:
				result.Changed++
			}
		}()
	}
	wg.Wait()

	r.logger.Debug("completed reconcile cycle",
		"checked", result.Checked,
		"changed", result.Changed,
		"failed", result.Failed,
	)
	return result
}

func (r *Reconciler) check(ctx context.Context, id int64) (bool, error) {
	checkCtx, cancel := context.WithTimeout(ctx, r.config.DeploymentTimeout)
	defer cancel()

	d, changed, err := r.target.Reconcile(checkCtx, id)
	if err != nil {
		r.logger.Warn("reconcile failed", "deployment_id", id, "error", err)
		return false, err
	}
	if changed {
		r.logger.Info("deployment marked failed", "deployment_id", id, "error", d.ErrorMessage)
	}
	return changed, nil
}
