package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/artifact"
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/catalog"
	coredeployment "github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/deployment"
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/detect"
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/domain"
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/shell/docker"
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/shell/store"
)

// =============================================================================
// Collaborators
// =============================================================================

// Engine is the container engine the orchestrator drives.
type Engine interface {
	BuildImage(ctx context.Context, req docker.BuildRequest) (string, error)
	ComposeUp(ctx context.Context, req docker.ComposeRequest) (string, error)
	ComposeDown(ctx context.Context, req docker.ComposeRequest) error
	Logs(ctx context.Context, containerID string, lines int) (string, error)
	ContainerState(ctx context.Context, containerID string) (docker.ContainerState, error)
}

// PortAllocator hands out host ports.
type PortAllocator interface {
	Allocate(ctx context.Context) (int, error)
	Reserve(ctx context.Context, port int) error
	Release(port int)
}

// Recorder observes finished operations.
type Recorder interface {
	ObserveOperation(op, outcome string, elapsed time.Duration)
}

// Operation outcomes reported to the Recorder.
const (
	OutcomeSuccess  = "success"
	OutcomeFailed   = "failed"
	OutcomeRejected = "rejected"
)

type nopRecorder struct{}

func (nopRecorder) ObserveOperation(string, string, time.Duration) {}

// =============================================================================
// Orchestrator
// =============================================================================

// Config holds orchestrator configuration.
type Config struct {
	// EngineTimeout bounds every engine invocation.
	EngineTimeout time.Duration
	// LogLines is the number of container output lines kept as the log tail.
	LogLines int
	// ReposRoot is the directory ScanRepositories lists.
	ReposRoot string
}

func DefaultConfig() Config {
	return Config{
		EngineTimeout: 5 * time.Minute,
		LogLines:      100,
	}
}

// Orchestrator is the lifecycle controller. Calls on one deployment id are
// mutually exclusive; different ids proceed concurrently.
type Orchestrator struct {
	store    store.Store
	ports    PortAllocator
	engine   Engine
	recorder Recorder
	config   Config
	locks    *keyedMutex
	logger   *slog.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(s store.Store, ports PortAllocator, engine Engine, config Config, logger *slog.Logger) *Orchestrator {
	defaults := DefaultConfig()
	if config.EngineTimeout <= 0 {
		config.EngineTimeout = defaults.EngineTimeout
	}
	if config.LogLines <= 0 {
		config.LogLines = defaults.LogLines
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    s,
		ports:    ports,
		engine:   engine,
		recorder: nopRecorder{},
		config:   config,
		locks:    newKeyedMutex(),
		logger:   logger.With("component", "lifecycle"),
	}
}

// WithRecorder sets the operation recorder.
func (o *Orchestrator) WithRecorder(r Recorder) *Orchestrator {
	if r != nil {
		o.recorder = r
	}
	return o
}

// =============================================================================
// Detect
// =============================================================================

// Detect classifies the tree at repoPath.
func (o *Orchestrator) Detect(ctx context.Context, repoPath string) (domain.DetectionResult, error) {
	if err := checkRepoPath(repoPath); err != nil {
		return domain.DetectionResult{}, NewOperationError("detect", 0, err.Error(), ErrInvalidRepoPath)
	}
	return detect.ClassifyPath(repoPath), nil
}

func checkRepoPath(repoPath string) error {
	if repoPath == "" {
		return errors.New("repository path is empty")
	}
	info, err := os.Stat(repoPath)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", repoPath)
	}
	return nil
}

// =============================================================================
// Create
// =============================================================================

// CreateParams are the inputs to Create.
type CreateParams struct {
	RepositoryID int64
	RepoName     string
	RepoPath     string
	// StackOverride replaces the classified stack when set.
	StackOverride domain.Stack
	// DBType replaces the classified database when set; DBNone removes it.
	DBType *domain.DBType
	Domain *string
	// Port requests a specific host port. Zero allocates the lowest free one.
	Port int
}

// Create classifies the repository, reserves a port, renders both artifacts
// and persists a pending deployment. An unknown stack without an override
// fails before any port is taken.
func (o *Orchestrator) Create(ctx context.Context, params CreateParams) (d *domain.Deployment, err error) {
	start := time.Now()
	defer func() { o.observe("create", start, err) }()

	if err := checkRepoPath(params.RepoPath); err != nil {
		return nil, NewOperationError("create", 0, err.Error(), ErrInvalidRepoPath)
	}

	det := detect.ClassifyPath(params.RepoPath)
	if params.StackOverride != "" && params.StackOverride != det.Stack {
		det = det.WithStack(params.StackOverride)
	}
	if det.Stack == domain.StackUnknown {
		return nil, NewOperationError("create", 0,
			fmt.Sprintf("no stack recognized in %s", params.RepoPath), domain.ErrClassificationAmbiguous)
	}
	if params.DBType != nil {
		det.DBType = *params.DBType
		det.RequiresDB = det.DBType != domain.DBNone
	}
	det = catalog.Fill(det)

	port, err := o.acquirePort(ctx, params.Port)
	if err != nil {
		return nil, err
	}
	// The hold only bridges allocation and persistence.
	defer o.ports.Release(port)

	d = domain.NewDeployment(params.RepositoryID, params.RepoName, params.RepoPath, det, port)
	d.Domain = params.Domain
	if err := renderArtifacts(d, det); err != nil {
		return nil, NewOperationError("create", 0, err.Error(), domain.ErrArtifactGeneration)
	}

	err = o.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.CreateDeployment(ctx, d); err != nil {
			return err
		}
		msg := fmt.Sprintf("classified as %s (%.0f%%), port %d", d.Stack, d.Confidence, d.AssignedPort)
		return tx.CreateDeploymentEvent(ctx, domain.NewDeploymentEvent(d.ID, domain.EventCreated, msg))
	})
	if err != nil {
		return nil, NewOperationError("create", 0, err.Error(), sentinelOf(err, nil))
	}

	o.logger.Info("deployment created",
		"deployment_id", d.ID,
		"stack", d.Stack,
		"port", d.AssignedPort,
	)
	return d, nil
}

// acquirePort reserves requested, or allocates the lowest free port when
// requested is zero.
func (o *Orchestrator) acquirePort(ctx context.Context, requested int) (int, error) {
	if requested == 0 {
		port, err := o.ports.Allocate(ctx)
		if err != nil {
			return 0, NewOperationError("create", 0, err.Error(), sentinelOf(err, domain.ErrPortExhausted))
		}
		return port, nil
	}
	if err := o.ports.Reserve(ctx, requested); err != nil {
		return 0, NewOperationError("create", 0, err.Error(), sentinelOf(err, nil))
	}
	return requested, nil
}

// renderArtifacts fills the build file and composition of d from det.
func renderArtifacts(d *domain.Deployment, det domain.DetectionResult) error {
	out, err := artifact.Render(d.RepoName, det, d.AssignedPort)
	if err != nil {
		return err
	}
	d.DockerPath = domain.BuildFileName
	d.DockerfileContent = out.BuildFile
	d.ComposeContent = out.Composition
	return nil
}

// =============================================================================
// Start / Stop / Restart
// =============================================================================

// Start builds and runs a pending, stopped or failed deployment. A non-empty
// repoPath replaces the stored one.
func (o *Orchestrator) Start(ctx context.Context, id int64, repoPath string) (d *domain.Deployment, err error) {
	start := time.Now()
	defer func() { o.observe("start", start, err) }()

	unlock := o.locks.Lock(id)
	defer unlock()

	d, err = o.load(ctx, "start", id)
	if err != nil {
		return nil, err
	}
	plan, err := coredeployment.PlanOperation(coredeployment.OpStart, d.Status)
	if err != nil {
		return nil, NewOperationError("start", id, err.Error(), domain.ErrInvalidTransition)
	}
	if repoPath != "" {
		d.RepoPath = repoPath
	}

	if err := o.execute(ctx, "start", d, plan, nil); err != nil {
		return d, err
	}
	o.recordEvent(ctx, d.ID, domain.EventStarted, fmt.Sprintf("container %s on port %d", shortID(d.ContainerID), d.AssignedPort))
	return d, nil
}

// Stop tears down a running deployment. Its port stays reserved.
func (o *Orchestrator) Stop(ctx context.Context, id int64) (d *domain.Deployment, err error) {
	start := time.Now()
	defer func() { o.observe("stop", start, err) }()

	unlock := o.locks.Lock(id)
	defer unlock()

	d, err = o.load(ctx, "stop", id)
	if err != nil {
		return nil, err
	}
	plan, err := coredeployment.PlanOperation(coredeployment.OpStop, d.Status)
	if err != nil {
		return nil, NewOperationError("stop", id, err.Error(), domain.ErrInvalidTransition)
	}

	if err := o.execute(ctx, "stop", d, plan, nil); err != nil {
		return d, err
	}
	o.recordEvent(ctx, d.ID, domain.EventStopped, "")
	return d, nil
}

// Restart stops a running deployment and starts it again; stopped and
// failed deployments are only started. With regenerate the artifacts are
// rendered again from the stored classification and port first.
func (o *Orchestrator) Restart(ctx context.Context, id int64, regenerate bool) (d *domain.Deployment, err error) {
	start := time.Now()
	defer func() { o.observe("restart", start, err) }()

	unlock := o.locks.Lock(id)
	defer unlock()

	d, err = o.load(ctx, "restart", id)
	if err != nil {
		return nil, err
	}
	plan, err := coredeployment.PlanOperation(coredeployment.OpRestart, d.Status)
	if err != nil {
		return nil, NewOperationError("restart", id, err.Error(), domain.ErrInvalidTransition)
	}

	var prepare func() error
	if regenerate {
		prepare = func() error { return o.regenerate(d) }
	}
	if err := o.execute(ctx, "restart", d, plan, prepare); err != nil {
		return d, err
	}
	o.recordEvent(ctx, d.ID, domain.EventRestarted, fmt.Sprintf("container %s", shortID(d.ContainerID)))
	return d, nil
}

// regenerate renders the artifacts again. Stack, port and database come from
// the record; commands are refreshed from the tree when it still classifies
// as the same stack.
func (o *Orchestrator) regenerate(d *domain.Deployment) error {
	det := domain.DetectionResult{
		Stack:        d.Stack,
		Framework:    d.Framework,
		InternalPort: d.InternalPort,
		RequiresDB:   d.RequiresDB,
		DBType:       d.DBType,
	}
	if current := detect.ClassifyPath(d.RepoPath); current.Stack == d.Stack {
		det.BuildCommand = current.BuildCommand
		det.RunCommand = current.RunCommand
		det.Framework = current.Framework
	}
	det = catalog.Fill(det)

	if err := renderArtifacts(d, det); err != nil {
		return err
	}
	d.Framework = det.Framework
	o.logger.Info("artifacts regenerated", "deployment_id", d.ID, "stack", d.Stack)
	return nil
}

// execute performs the engine work of plan and leaves d in plan.Final.
// prepare runs between teardown and bring-up; its failure is an artifact
// generation error.
func (o *Orchestrator) execute(ctx context.Context, op string, d *domain.Deployment, plan coredeployment.OperationPlan, prepare func() error) error {
	if plan.Teardown {
		next := plan.Final
		if plan.Bringup {
			next = domain.StatusStopped
		}
		if err := o.tearDown(ctx, op, d, next); err != nil {
			return err
		}
	}
	if prepare != nil {
		if err := prepare(); err != nil {
			return o.fail(ctx, op, d, domain.ErrArtifactGeneration, err)
		}
	}
	if plan.Bringup {
		return o.bringUp(ctx, op, d, plan.Final)
	}
	return nil
}

// bringUp writes the artifacts, builds the image, starts the composition and
// moves d to final. Any failure moves d to error and is persisted.
func (o *Orchestrator) bringUp(ctx context.Context, op string, d *domain.Deployment, final domain.DeploymentStatus) error {
	if err := writeArtifacts(d); err != nil {
		return o.fail(ctx, op, d, domain.ErrArtifactGeneration, err)
	}

	project := coredeployment.ProjectName(d.ID, d.RepoName)
	tmpl, _ := catalog.Lookup(d.Stack)

	buildCtx, cancel := context.WithTimeout(ctx, o.config.EngineTimeout)
	_, err := o.engine.BuildImage(buildCtx, docker.BuildRequest{
		DeploymentID: d.ID,
		Project:      project,
		ContextDir:   d.RepoPath,
		Dockerfile:   domain.BuildFileName,
		Excludes:     tmpl.Excludes,
	})
	err = timeoutErr(buildCtx, err)
	cancel()
	if err != nil {
		return o.fail(ctx, op, d, domain.ErrEngineBuildFailed, err)
	}

	upCtx, cancel := context.WithTimeout(ctx, o.config.EngineTimeout)
	containerID, err := o.engine.ComposeUp(upCtx, o.composeRequest(d, false))
	err = timeoutErr(upCtx, err)
	cancel()
	if err != nil {
		return o.fail(ctx, op, d, domain.ErrEngineStartFailed, err)
	}

	d.ContainerID = containerID
	d.LogTail = o.logTail(ctx, containerID)
	if err := d.Transition(final); err != nil {
		return NewOperationError(op, d.ID, err.Error(), domain.ErrInvalidTransition)
	}
	if err := o.store.UpdateDeployment(ctx, d); err != nil {
		return NewOperationError(op, d.ID, err.Error(), sentinelOf(err, nil))
	}

	o.logger.Info("deployment running",
		"deployment_id", d.ID,
		"container_id", shortID(containerID),
		"port", d.AssignedPort,
	)
	return nil
}

// tearDown brings the composition down and moves d to next.
func (o *Orchestrator) tearDown(ctx context.Context, op string, d *domain.Deployment, next domain.DeploymentStatus) error {
	if d.ContainerID != "" {
		d.LogTail = o.logTail(ctx, d.ContainerID)
	}

	downCtx, cancel := context.WithTimeout(ctx, o.config.EngineTimeout)
	err := timeoutErr(downCtx, o.engine.ComposeDown(downCtx, o.composeRequest(d, false)))
	cancel()
	if err != nil {
		return o.fail(ctx, op, d, domain.ErrEngineStopFailed, err)
	}

	if err := d.Transition(next); err != nil {
		return NewOperationError(op, d.ID, err.Error(), domain.ErrInvalidTransition)
	}
	if err := o.store.UpdateDeployment(ctx, d); err != nil {
		return NewOperationError(op, d.ID, err.Error(), sentinelOf(err, nil))
	}

	o.logger.Info("deployment stopped", "deployment_id", d.ID, "port", d.AssignedPort)
	return nil
}

func (o *Orchestrator) composeRequest(d *domain.Deployment, removeVolumes bool) docker.ComposeRequest {
	project := coredeployment.ProjectName(d.ID, d.RepoName)
	return docker.ComposeRequest{
		DeploymentID:  d.ID,
		Project:       project,
		Composition:   d.ComposeContent,
		AppService:    artifact.AppServiceName(d.RepoName, d.DBType),
		Image:         coredeployment.ImageName(project),
		Variables:     coredeployment.DeploymentVariables(d.ID, project, d.AssignedPort, d.InternalPort),
		RemoveVolumes: removeVolumes,
	}
}

// writeArtifacts writes both artifacts into the repository, replacing
// whatever is there.
func writeArtifacts(d *domain.Deployment) error {
	if err := checkRepoPath(d.RepoPath); err != nil {
		return err
	}
	files := map[string]string{
		domain.BuildFileName:   d.DockerfileContent,
		domain.ComposeFileName: d.ComposeContent,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(d.RepoPath, name), []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

// logTail captures recent container output. Failures leave it empty.
func (o *Orchestrator) logTail(ctx context.Context, containerID string) string {
	if containerID == "" {
		return ""
	}
	logCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := o.engine.Logs(logCtx, containerID, o.config.LogLines)
	if err != nil {
		o.logger.Debug("failed to capture logs", "container_id", shortID(containerID), "error", err)
		return ""
	}
	return out
}

// fail records an engine failure on d and returns the operation error. The
// collaborator's message is kept verbatim; container id and port are untouched.
func (o *Orchestrator) fail(ctx context.Context, op string, d *domain.Deployment, sentinel error, cause error) error {
	if errors.Is(cause, domain.ErrEngineTimeout) {
		sentinel = domain.ErrEngineTimeout
	}
	msg := cause.Error()

	o.logger.Error("engine operation failed",
		"op", op,
		"deployment_id", d.ID,
		"error", msg,
	)

	// Persist even when the caller has gone away.
	persistCtx := context.WithoutCancel(ctx)
	if err := d.TransitionToError(msg); err != nil {
		o.logger.Error("failed to mark deployment failed", "deployment_id", d.ID, "error", err)
	} else if err := o.store.UpdateDeployment(persistCtx, d); err != nil {
		o.logger.Error("failed to persist failure", "deployment_id", d.ID, "error", err)
	}
	o.recordEvent(persistCtx, d.ID, domain.EventFailed, fmt.Sprintf("%s: %s", op, msg))

	return NewOperationError(op, d.ID, msg, sentinel)
}

// timeoutErr marks err as an engine timeout when ctx hit its deadline.
func timeoutErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", domain.ErrEngineTimeout, err)
	}
	return err
}

// =============================================================================
// Delete
// =============================================================================

// DeleteResult reports the port freed by Delete.
type DeleteResult struct {
	Released bool   `json:"released"`
	Port     int    `json:"port"`
	Warning  string `json:"warning,omitempty"`
}

// Delete tears the deployment down, removes its record and frees its port.
// Teardown failures are recorded as a warning and never block the delete.
func (o *Orchestrator) Delete(ctx context.Context, id int64) (res DeleteResult, err error) {
	start := time.Now()
	defer func() { o.observe("delete", start, err) }()

	unlock := o.locks.Lock(id)
	defer unlock()

	d, err := o.load(ctx, "delete", id)
	if err != nil {
		return DeleteResult{}, err
	}
	plan, err := coredeployment.PlanOperation(coredeployment.OpDelete, d.Status)
	if err != nil {
		return DeleteResult{}, NewOperationError("delete", id, err.Error(), domain.ErrInvalidTransition)
	}

	if plan.Teardown {
		downCtx, cancel := context.WithTimeout(ctx, o.config.EngineTimeout)
		downErr := timeoutErr(downCtx, o.engine.ComposeDown(downCtx, o.composeRequest(d, true)))
		cancel()
		if downErr != nil {
			res.Warning = downErr.Error()
			o.logger.Warn("teardown failed, deleting anyway",
				"deployment_id", id,
				"error", downErr,
			)
		}
	}

	if err := o.store.DeleteDeployment(ctx, id); err != nil {
		return DeleteResult{}, NewOperationError("delete", id, err.Error(), sentinelOf(err, nil))
	}
	o.ports.Release(d.AssignedPort)

	o.logger.Info("deployment deleted", "deployment_id", id, "port", d.AssignedPort)
	res.Released = true
	res.Port = d.AssignedPort
	return res, nil
}

// =============================================================================
// Reads
// =============================================================================

// Get returns one deployment.
func (o *Orchestrator) Get(ctx context.Context, id int64) (*domain.Deployment, error) {
	return o.load(ctx, "get", id)
}

// ListByRepo returns every deployment of a repository, newest first.
func (o *Orchestrator) ListByRepo(ctx context.Context, repositoryID int64) ([]domain.Deployment, error) {
	out, err := o.store.ListDeploymentsByRepository(ctx, repositoryID, store.DefaultListOptions())
	if err != nil {
		return nil, NewOperationError("list", 0, err.Error(), sentinelOf(err, nil))
	}
	return out, nil
}

// List returns a page of deployments.
func (o *Orchestrator) List(ctx context.Context, opts store.ListOptions) ([]domain.Deployment, error) {
	out, err := o.store.ListDeployments(ctx, opts.Normalize())
	if err != nil {
		return nil, NewOperationError("list", 0, err.Error(), sentinelOf(err, nil))
	}
	return out, nil
}

// ListByStatus returns deployments in one status.
func (o *Orchestrator) ListByStatus(ctx context.Context, status domain.DeploymentStatus) ([]domain.Deployment, error) {
	out, err := o.store.ListDeploymentsByStatus(ctx, status, store.ListOptions{Limit: 1000})
	if err != nil {
		return nil, NewOperationError("list", 0, err.Error(), sentinelOf(err, nil))
	}
	return out, nil
}

// Events returns the event history of a deployment, newest first.
func (o *Orchestrator) Events(ctx context.Context, id int64, limit int) ([]domain.DeploymentEvent, error) {
	if _, err := o.load(ctx, "events", id); err != nil {
		return nil, err
	}
	events, err := o.store.ListDeploymentEvents(ctx, id, limit)
	if err != nil {
		return nil, NewOperationError("events", id, err.Error(), sentinelOf(err, nil))
	}
	return events, nil
}

// =============================================================================
// Helpers
// =============================================================================

func (o *Orchestrator) load(ctx context.Context, op string, id int64) (*domain.Deployment, error) {
	d, err := o.store.GetDeployment(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			return nil, NewOperationError(op, id, "deployment not found", domain.ErrRecordNotFound)
		}
		return nil, NewOperationError(op, id, err.Error(), err)
	}
	return d, nil
}

func (o *Orchestrator) recordEvent(ctx context.Context, id int64, eventType domain.EventType, message string) {
	if err := o.store.CreateDeploymentEvent(ctx, domain.NewDeploymentEvent(id, eventType, message)); err != nil {
		o.logger.Warn("failed to record event",
			"deployment_id", id,
			"event", eventType,
			"error", err,
		)
	}
}

func (o *Orchestrator) observe(op string, start time.Time, err error) {
	outcome := OutcomeSuccess
	switch {
	case errors.Is(err, domain.ErrInvalidTransition):
		outcome = OutcomeRejected
	case err != nil:
		outcome = OutcomeFailed
	}
	o.recorder.ObserveOperation(op, outcome, time.Since(start))
}

// sentinelOf returns the taxonomy sentinel err wraps, or fallback, or err itself.
func sentinelOf(err, fallback error) error {
	for _, s := range []error{
		domain.ErrPortExhausted,
		domain.ErrPortConflict,
		domain.ErrPortOutOfRange,
		domain.ErrRecordNotFound,
	} {
		if errors.Is(err, s) {
			return s
		}
	}
	if fallback != nil {
		return fallback
	}
	return err
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
