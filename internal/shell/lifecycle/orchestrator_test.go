package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coredeployment "github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/deployment"
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/domain"
	coreports "github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/ports"
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/shell/docker"
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/shell/ports"
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/shell/store"
)

// =============================================================================
// Stub Engine
// =============================================================================

type stubEngine struct {
	mu sync.Mutex

	buildErr error
	upErr    error
	downErr  error
	stateErr error
	state    docker.ContainerState
	// block makes ComposeUp wait for its context to end.
	block bool
	delay time.Duration
	logs  string

	builds []docker.BuildRequest
	ups    []docker.ComposeRequest
	downs  []docker.ComposeRequest

	inFlight    map[string]int
	maxInFlight int
	nextID      int
}

func newStubEngine() *stubEngine {
	return &stubEngine{
		inFlight: make(map[string]int),
		state:    docker.ContainerState{Running: true, Status: docker.ContainerStatusRunning},
		logs:     "listening on :3000\n",
	}
}

func (s *stubEngine) enter(project string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight[project]++
	if s.inFlight[project] > s.maxInFlight {
		s.maxInFlight = s.inFlight[project]
	}
}

func (s *stubEngine) leave(project string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight[project]--
}

func (s *stubEngine) BuildImage(ctx context.Context, req docker.BuildRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.builds = append(s.builds, req)
	if s.buildErr != nil {
		return "", s.buildErr
	}
	return "sha256:" + req.Project, nil
}

func (s *stubEngine) ComposeUp(ctx context.Context, req docker.ComposeRequest) (string, error) {
	s.enter(req.Project)
	defer s.leave(req.Project)

	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ups = append(s.ups, req)
	if s.upErr != nil {
		return "", s.upErr
	}
	s.nextID++
	return fmt.Sprintf("c%015d", s.nextID), nil
}

func (s *stubEngine) ComposeDown(ctx context.Context, req docker.ComposeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downs = append(s.downs, req)
	return s.downErr
}

func (s *stubEngine) Logs(ctx context.Context, containerID string, lines int) (string, error) {
	return s.logs, nil
}

func (s *stubEngine) ContainerState(ctx context.Context, containerID string) (docker.ContainerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stateErr != nil {
		return docker.ContainerState{}, s.stateErr
	}
	st := s.state
	st.ID = containerID
	return st, nil
}

type recordingRecorder struct {
	mu       sync.Mutex
	outcomes map[string][]string
}

func (r *recordingRecorder) ObserveOperation(op, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = make(map[string][]string)
	}
	r.outcomes[op] = append(r.outcomes[op], outcome)
}

// =============================================================================
// Helpers
// =============================================================================

type fixture struct {
	orch   *Orchestrator
	engine *stubEngine
	ports  *ports.Allocator
	store  store.Store
}

func setup(t *testing.T, start, end int) fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	alloc, err := ports.NewAllocator(st, ports.Config{Range: coreports.PortRange{Start: start, End: end}}, logger)
	require.NoError(t, err)

	engine := newStubEngine()
	orch := NewOrchestrator(st, alloc, engine, Config{EngineTimeout: time.Second, LogLines: 20}, logger)
	return fixture{orch: orch, engine: engine, ports: alloc, store: st}
}

func nodeRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"name":"shop","dependencies":{"express":"^4.18.2"}}`)
	return dir
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func (f fixture) create(t *testing.T, repoID int64, dir string) *domain.Deployment {
	t.Helper()
	d, err := f.orch.Create(context.Background(), CreateParams{RepositoryID: repoID, RepoName: "shop", RepoPath: dir})
	require.NoError(t, err)
	return d
}

func (f fixture) running(t *testing.T) *domain.Deployment {
	t.Helper()
	d := f.create(t, 1, nodeRepo(t))
	d, err := f.orch.Start(context.Background(), d.ID, "")
	require.NoError(t, err)
	require.Equal(t, domain.StatusRunning, d.Status)
	return d
}

func freeCount(t *testing.T, f fixture) int {
	t.Helper()
	n, err := f.ports.FreeCount(context.Background())
	require.NoError(t, err)
	return n
}

// =============================================================================
// Create
// =============================================================================

func TestCreate_ManifestOnlyNode(t *testing.T) {
	f := setup(t, 20000, 20010)
	dir := nodeRepo(t)

	d, err := f.orch.Create(context.Background(), CreateParams{RepositoryID: 7, RepoName: "shop", RepoPath: dir})
	require.NoError(t, err)

	assert.NotZero(t, d.ID)
	assert.Equal(t, domain.StatusPending, d.Status)
	assert.Equal(t, domain.StackNode, d.Stack)
	assert.Equal(t, "Express", d.Framework)
	assert.GreaterOrEqual(t, d.Confidence, 80.0)
	assert.False(t, d.RequiresDB)
	assert.Equal(t, 20000, d.AssignedPort)
	assert.Contains(t, d.DockerfileContent, "FROM node:18-alpine")
	assert.Contains(t, d.ComposeContent, `"20000:3000"`)
	assert.Empty(t, d.ContainerID)
	assert.Equal(t, 0, f.ports.Held(), "hold dropped once persisted")

	stored, err := f.orch.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.DockerfileContent, stored.DockerfileContent)

	events, err := f.orch.Events(context.Background(), d.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventCreated, events[0].Type)

	_, err = os.Stat(filepath.Join(dir, domain.BuildFileName))
	assert.True(t, os.IsNotExist(err), "artifacts are written on start")
}

func TestCreate_UnknownConsumesNoPort(t *testing.T) {
	f := setup(t, 20000, 20004)
	dir := t.TempDir()
	writeFile(t, dir, "notes.txt", "hello")
	before := freeCount(t, f)

	_, err := f.orch.Create(context.Background(), CreateParams{RepositoryID: 1, RepoName: "notes", RepoPath: dir})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrClassificationAmbiguous)
	assert.Equal(t, before, freeCount(t, f))

	all, err := f.orch.List(context.Background(), store.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCreate_StackOverride(t *testing.T) {
	f := setup(t, 20000, 20004)
	dir := t.TempDir()
	writeFile(t, dir, "notes.txt", "hello")

	d, err := f.orch.Create(context.Background(), CreateParams{
		RepositoryID:  1,
		RepoName:      "notes",
		RepoPath:      dir,
		StackOverride: domain.StackPython,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StackPython, d.Stack)
	assert.Equal(t, 8000, d.InternalPort)
	assert.Contains(t, d.DockerfileContent, "python:3.11-slim")
}

func TestCreate_DatabaseOverride(t *testing.T) {
	f := setup(t, 20000, 20004)
	db := domain.DBPostgreSQL

	d, err := f.orch.Create(context.Background(), CreateParams{
		RepositoryID: 1,
		RepoName:     "shop",
		RepoPath:     nodeRepo(t),
		DBType:       &db,
	})
	require.NoError(t, err)
	assert.True(t, d.RequiresDB)
	assert.Equal(t, domain.DBPostgreSQL, d.DBType)
	assert.Contains(t, d.ComposeContent, "postgres:15-alpine")
	assert.Contains(t, d.ComposeContent, "DATABASE_URL")
}

func TestCreate_InvalidRepoPath(t *testing.T) {
	f := setup(t, 20000, 20004)

	_, err := f.orch.Create(context.Background(), CreateParams{RepositoryID: 1, RepoName: "x", RepoPath: filepath.Join(t.TempDir(), "missing")})
	assert.ErrorIs(t, err, ErrInvalidRepoPath)
}

func TestCreate_RequestedPort(t *testing.T) {
	f := setup(t, 20000, 20004)
	dir := nodeRepo(t)
	ctx := context.Background()

	d, err := f.orch.Create(ctx, CreateParams{RepositoryID: 1, RepoName: "shop", RepoPath: dir, Port: 20003})
	require.NoError(t, err)
	assert.Equal(t, 20003, d.AssignedPort)
	assert.Contains(t, d.ComposeContent, `"20003:3000"`)

	_, err = f.orch.Create(ctx, CreateParams{RepositoryID: 2, RepoName: "shop", RepoPath: dir, Port: 20003})
	assert.ErrorIs(t, err, domain.ErrPortConflict)

	_, err = f.orch.Create(ctx, CreateParams{RepositoryID: 2, RepoName: "shop", RepoPath: dir, Port: 30000})
	assert.ErrorIs(t, err, domain.ErrPortOutOfRange)

	next := f.create(t, 3, dir)
	assert.Equal(t, 20000, next.AssignedPort)
	assert.Equal(t, 0, f.ports.Held())
}

func TestCreate_RequestedPortBoundOnHost(t *testing.T) {
	f := setup(t, 20000, 20004)
	f.ports.WithProbe(func(port int) bool { return port != 20002 })

	_, err := f.orch.Create(context.Background(), CreateParams{RepositoryID: 1, RepoName: "shop", RepoPath: nodeRepo(t), Port: 20002})
	assert.ErrorIs(t, err, domain.ErrPortConflict)
	assert.Equal(t, 5, freeCount(t, f))
}

func TestCreate_RenderFailureIsArtifactGeneration(t *testing.T) {
	f := setup(t, 20000, 20004)

	_, err := f.orch.Create(context.Background(), CreateParams{RepositoryID: 1, RepoPath: nodeRepo(t)})
	assert.ErrorIs(t, err, domain.ErrArtifactGeneration)
	assert.Equal(t, 0, f.ports.Held())
	assert.Equal(t, 5, freeCount(t, f))
}

func TestCreate_PoolOfFiveExhaustsOnSixth(t *testing.T) {
	f := setup(t, 30000, 30004)
	dir := nodeRepo(t)

	seen := make(map[int]bool)
	for i := 0; i < 5; i++ {
		d := f.create(t, int64(i+1), dir)
		assert.False(t, seen[d.AssignedPort])
		seen[d.AssignedPort] = true
	}

	_, err := f.orch.Create(context.Background(), CreateParams{RepositoryID: 6, RepoName: "shop", RepoPath: dir})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPortExhausted)
	assert.Equal(t, 0, f.ports.Held())
}

func TestCreate_ConcurrentCallersGetDistinctPorts(t *testing.T) {
	f := setup(t, 20000, 20100)
	dir := nodeRepo(t)

	const n = 12
	var wg sync.WaitGroup
	results := make([]int, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := f.orch.Create(context.Background(), CreateParams{RepositoryID: int64(i + 1), RepoName: "shop", RepoPath: dir})
			errs[i] = err
			if err == nil {
				results[i] = d.AssignedPort
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.False(t, seen[results[i]], "port %d handed out twice", results[i])
		seen[results[i]] = true
	}
}

// =============================================================================
// Start
// =============================================================================

func TestStart_Success(t *testing.T) {
	f := setup(t, 20000, 20010)
	dir := nodeRepo(t)
	d := f.create(t, 1, dir)

	got, err := f.orch.Start(context.Background(), d.ID, "")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.NotEmpty(t, got.ContainerID)
	assert.NotNil(t, got.StartedAt)
	assert.Equal(t, "listening on :3000\n", got.LogTail)

	dockerfile, err := os.ReadFile(filepath.Join(dir, domain.BuildFileName))
	require.NoError(t, err)
	assert.Equal(t, d.DockerfileContent, string(dockerfile))
	composeFile, err := os.ReadFile(filepath.Join(dir, domain.ComposeFileName))
	require.NoError(t, err)
	assert.Equal(t, d.ComposeContent, string(composeFile))

	require.Len(t, f.engine.builds, 1)
	build := f.engine.builds[0]
	assert.Equal(t, dir, build.ContextDir)
	assert.Equal(t, fmt.Sprintf("deploy-%d-shop", d.ID), build.Project)
	assert.Contains(t, build.Excludes, "node_modules")

	require.Len(t, f.engine.ups, 1)
	up := f.engine.ups[0]
	assert.Equal(t, "shop", up.AppService)
	assert.Equal(t, d.ComposeContent, up.Composition)
	assert.Equal(t, "20000", up.Variables["ASSIGNED_PORT"])

	stored, err := f.orch.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, stored.Status)
	assert.Equal(t, got.ContainerID, stored.ContainerID)
}

func TestStart_OverridesRepoPath(t *testing.T) {
	f := setup(t, 20000, 20010)
	d := f.create(t, 1, nodeRepo(t))
	other := nodeRepo(t)

	got, err := f.orch.Start(context.Background(), d.ID, other)
	require.NoError(t, err)
	assert.Equal(t, other, got.RepoPath)
	assert.FileExists(t, filepath.Join(other, domain.ComposeFileName))
}

func TestStart_EngineFailureRecordsError(t *testing.T) {
	f := setup(t, 20000, 20010)
	d := f.create(t, 1, nodeRepo(t))
	engineMsg := "Bind for 0.0.0.0:20000 failed: port is already allocated"
	f.engine.upErr = errors.New(engineMsg)

	_, err := f.orch.Start(context.Background(), d.ID, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrEngineStartFailed)

	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, engineMsg, opErr.Message)

	stored, err := f.orch.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, stored.Status)
	assert.Equal(t, engineMsg, stored.ErrorMessage)
	assert.Empty(t, stored.ContainerID)
	assert.Equal(t, d.AssignedPort, stored.AssignedPort)

	events, err := f.orch.Events(context.Background(), d.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, domain.EventFailed, events[0].Type)
}

func TestStart_BuildFailure(t *testing.T) {
	f := setup(t, 20000, 20010)
	d := f.create(t, 1, nodeRepo(t))
	f.engine.buildErr = errors.New("npm ERR! missing script: build")

	_, err := f.orch.Start(context.Background(), d.ID, "")
	assert.ErrorIs(t, err, domain.ErrEngineBuildFailed)
	assert.Empty(t, f.engine.ups, "compose up never runs after a failed build")

	stored, err := f.orch.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, stored.Status)
	assert.Equal(t, "npm ERR! missing script: build", stored.ErrorMessage)
}

func TestStart_EngineTimeout(t *testing.T) {
	f := setup(t, 20000, 20010)
	f.orch.config.EngineTimeout = 20 * time.Millisecond
	d := f.create(t, 1, nodeRepo(t))
	f.engine.block = true

	_, err := f.orch.Start(context.Background(), d.ID, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrEngineTimeout)

	stored, err := f.orch.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, stored.Status)
}

func TestStart_AlreadyRunningRejected(t *testing.T) {
	f := setup(t, 20000, 20010)
	d := f.running(t)

	_, err := f.orch.Start(context.Background(), d.ID, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	stored, err := f.orch.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ContainerID, stored.ContainerID)
	assert.Len(t, f.engine.ups, 1)
}

func TestStart_FromErrorRecovers(t *testing.T) {
	f := setup(t, 20000, 20010)
	d := f.create(t, 1, nodeRepo(t))
	f.engine.upErr = errors.New("boom")
	_, err := f.orch.Start(context.Background(), d.ID, "")
	require.Error(t, err)

	f.engine.upErr = nil
	got, err := f.orch.Start(context.Background(), d.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.Empty(t, got.ErrorMessage)
}

func TestStart_NotFound(t *testing.T) {
	f := setup(t, 20000, 20010)

	_, err := f.orch.Start(context.Background(), 404, "")
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
}

// =============================================================================
// Stop / Restart
// =============================================================================

func TestStop_KeepsPort(t *testing.T) {
	f := setup(t, 20000, 20010)
	d := f.running(t)
	before := freeCount(t, f)

	got, err := f.orch.Stop(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, got.Status)
	assert.NotNil(t, got.StoppedAt)
	assert.Equal(t, d.AssignedPort, got.AssignedPort)
	assert.Equal(t, before, freeCount(t, f))

	require.Len(t, f.engine.downs, 1)
	assert.False(t, f.engine.downs[0].RemoveVolumes)

	_, err = f.orch.Stop(context.Background(), d.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestStop_PendingRejected(t *testing.T) {
	f := setup(t, 20000, 20010)
	d := f.create(t, 1, nodeRepo(t))

	_, err := f.orch.Stop(context.Background(), d.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Empty(t, f.engine.downs)
}

func TestStop_EngineFailure(t *testing.T) {
	f := setup(t, 20000, 20010)
	d := f.running(t)
	f.engine.downErr = errors.New("daemon unreachable")

	_, err := f.orch.Stop(context.Background(), d.ID)
	assert.ErrorIs(t, err, domain.ErrEngineStopFailed)

	stored, err := f.orch.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, stored.Status)
	assert.Equal(t, "daemon unreachable", stored.ErrorMessage)
}

func TestRestart_Running(t *testing.T) {
	f := setup(t, 20000, 20010)
	d := f.running(t)

	got, err := f.orch.Restart(context.Background(), d.ID, false)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.NotEqual(t, d.ContainerID, got.ContainerID)
	assert.Len(t, f.engine.downs, 1)
	assert.Len(t, f.engine.ups, 2)
}

func TestOperations_ReachPlannedStatus(t *testing.T) {
	f := setup(t, 20000, 20010)
	ctx := context.Background()
	d := f.create(t, 1, nodeRepo(t))
	require.Nil(t, d.StoppedAt)

	steps := []struct {
		op  coredeployment.Operation
		run func() (*domain.Deployment, error)
	}{
		{coredeployment.OpStart, func() (*domain.Deployment, error) { return f.orch.Start(ctx, d.ID, "") }},
		{coredeployment.OpRestart, func() (*domain.Deployment, error) { return f.orch.Restart(ctx, d.ID, false) }},
		{coredeployment.OpStop, func() (*domain.Deployment, error) { return f.orch.Stop(ctx, d.ID) }},
		{coredeployment.OpRestart, func() (*domain.Deployment, error) { return f.orch.Restart(ctx, d.ID, false) }},
	}
	for _, step := range steps {
		before, err := f.orch.Get(ctx, d.ID)
		require.NoError(t, err)
		plan, err := coredeployment.PlanOperation(step.op, before.Status)
		require.NoError(t, err)

		got, err := step.run()
		require.NoError(t, err, step.op)
		assert.Equal(t, plan.Final, got.Status, step.op)
	}

	final, err := f.orch.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.NotNil(t, final.StoppedAt, "restart of a running deployment passes through stopped")
	assert.Len(t, f.engine.downs, 2)
	assert.Len(t, f.engine.ups, 3)
}

func TestRestart_StoppedOnlyStarts(t *testing.T) {
	f := setup(t, 20000, 20010)
	d := f.running(t)
	_, err := f.orch.Stop(context.Background(), d.ID)
	require.NoError(t, err)

	got, err := f.orch.Restart(context.Background(), d.ID, false)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.Len(t, f.engine.downs, 1, "no second teardown")
}

func TestRestart_PendingRejected(t *testing.T) {
	f := setup(t, 20000, 20010)
	d := f.create(t, 1, nodeRepo(t))

	_, err := f.orch.Restart(context.Background(), d.ID, false)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestRestart_Regenerate(t *testing.T) {
	f := setup(t, 20000, 20010)
	d := f.running(t)

	stale := *d
	stale.DockerfileContent = "FROM scratch\n"
	require.NoError(t, f.store.UpdateDeployment(context.Background(), &stale))

	got, err := f.orch.Restart(context.Background(), d.ID, true)
	require.NoError(t, err)
	assert.Equal(t, d.DockerfileContent, got.DockerfileContent)
	assert.Equal(t, d.AssignedPort, got.AssignedPort)

	written, err := os.ReadFile(filepath.Join(got.RepoPath, domain.BuildFileName))
	require.NoError(t, err)
	assert.Equal(t, d.DockerfileContent, string(written))

	f2 := setup(t, 20000, 20010)
	d2 := f2.running(t)
	stale2 := *d2
	stale2.DockerfileContent = "FROM scratch\n"
	require.NoError(t, f2.store.UpdateDeployment(context.Background(), &stale2))
	kept, err := f2.orch.Restart(context.Background(), d2.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "FROM scratch\n", kept.DockerfileContent, "artifacts untouched without regenerate")
}

func TestStart_MissingCheckoutIsArtifactGeneration(t *testing.T) {
	f := setup(t, 20000, 20010)
	dir := nodeRepo(t)
	d := f.create(t, 1, dir)
	require.NoError(t, os.RemoveAll(dir))

	_, err := f.orch.Start(context.Background(), d.ID, "")
	assert.ErrorIs(t, err, domain.ErrArtifactGeneration)
	assert.Empty(t, f.engine.builds)

	stored, err := f.orch.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, stored.Status)
}

func TestRestart_RegenerateFailureIsArtifactGeneration(t *testing.T) {
	f := setup(t, 20000, 20010)
	d := f.running(t)

	corrupt := *d
	corrupt.InternalPort = 70000
	require.NoError(t, f.store.UpdateDeployment(context.Background(), &corrupt))

	_, err := f.orch.Restart(context.Background(), d.ID, true)
	assert.ErrorIs(t, err, domain.ErrArtifactGeneration)
	assert.Len(t, f.engine.downs, 1)
	assert.Len(t, f.engine.builds, 1, "no build after the failed render")

	stored, err := f.orch.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, stored.Status)
	assert.Equal(t, d.AssignedPort, stored.AssignedPort)
}

// =============================================================================
// Delete
// =============================================================================

func TestDelete_ReleasesPort(t *testing.T) {
	f := setup(t, 20000, 20004)
	initial := freeCount(t, f)

	d := f.running(t)
	assert.Equal(t, initial-1, freeCount(t, f))

	res, err := f.orch.Delete(context.Background(), d.ID)
	require.NoError(t, err)
	assert.True(t, res.Released)
	assert.Equal(t, d.AssignedPort, res.Port)
	assert.Empty(t, res.Warning)
	assert.Equal(t, initial, freeCount(t, f))

	require.Len(t, f.engine.downs, 1)
	assert.True(t, f.engine.downs[0].RemoveVolumes)

	_, err = f.orch.Get(context.Background(), d.ID)
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)

	again := f.create(t, 2, nodeRepo(t))
	assert.Equal(t, d.AssignedPort, again.AssignedPort, "freed port is reusable")
}

func TestDelete_PendingSkipsEngine(t *testing.T) {
	f := setup(t, 20000, 20004)
	d := f.create(t, 1, nodeRepo(t))

	_, err := f.orch.Delete(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Empty(t, f.engine.downs)
}

func TestDelete_TeardownFailureDoesNotBlock(t *testing.T) {
	f := setup(t, 20000, 20004)
	d := f.running(t)
	f.engine.downErr = errors.New("no such container")

	res, err := f.orch.Delete(context.Background(), d.ID)
	require.NoError(t, err)
	assert.True(t, res.Released)
	assert.Equal(t, "no such container", res.Warning)

	_, err = f.orch.Get(context.Background(), d.ID)
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func TestDelete_NotFound(t *testing.T) {
	f := setup(t, 20000, 20004)

	_, err := f.orch.Delete(context.Background(), 99)
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func TestPortConservation(t *testing.T) {
	f := setup(t, 20000, 20009)
	initial := freeCount(t, f)

	var ids []int64
	for i := 0; i < 4; i++ {
		ids = append(ids, f.create(t, int64(i+1), nodeRepo(t)).ID)
	}
	assert.Equal(t, initial-4, freeCount(t, f))

	_, err := f.orch.Start(context.Background(), ids[0], "")
	require.NoError(t, err)
	_, err = f.orch.Stop(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, initial-4, freeCount(t, f), "stop keeps the port")

	for _, id := range ids {
		_, err := f.orch.Delete(context.Background(), id)
		require.NoError(t, err)
	}
	assert.Equal(t, initial, freeCount(t, f))
}

// =============================================================================
// State Machine
// =============================================================================

func TestStateMachine_Legality(t *testing.T) {
	ctx := context.Background()

	type step struct {
		op      string
		wantErr error
		want    domain.DeploymentStatus
	}
	tests := []struct {
		name  string
		steps []step
	}{
		{"pending stop", []step{{"stop", domain.ErrInvalidTransition, domain.StatusPending}}},
		{"pending restart", []step{{"restart", domain.ErrInvalidTransition, domain.StatusPending}}},
		{"running start", []step{{"start", nil, domain.StatusRunning}, {"start", domain.ErrInvalidTransition, domain.StatusRunning}}},
		{"stopped stop", []step{{"start", nil, domain.StatusRunning}, {"stop", nil, domain.StatusStopped}, {"stop", domain.ErrInvalidTransition, domain.StatusStopped}}},
		{"stop start", []step{{"start", nil, domain.StatusRunning}, {"stop", nil, domain.StatusStopped}, {"start", nil, domain.StatusRunning}}},
		{"restart cycle", []step{{"start", nil, domain.StatusRunning}, {"restart", nil, domain.StatusRunning}, {"stop", nil, domain.StatusStopped}, {"restart", nil, domain.StatusRunning}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, 20000, 20004)
			d := f.create(t, 1, nodeRepo(t))

			for _, s := range tt.steps {
				var err error
				switch s.op {
				case "start":
					_, err = f.orch.Start(ctx, d.ID, "")
				case "stop":
					_, err = f.orch.Stop(ctx, d.ID)
				case "restart":
					_, err = f.orch.Restart(ctx, d.ID, false)
				}
				if s.wantErr != nil {
					assert.ErrorIs(t, err, s.wantErr, s.op)
				} else {
					assert.NoError(t, err, s.op)
				}
				stored, err := f.orch.Get(ctx, d.ID)
				require.NoError(t, err)
				assert.Equal(t, s.want, stored.Status, s.op)
			}
		})
	}
}

// =============================================================================
// Concurrency
// =============================================================================

func TestLifecycleCallsOnOneIDAreSerialized(t *testing.T) {
	f := setup(t, 20000, 20010)
	d := f.running(t)
	f.engine.delay = 5 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.orch.Restart(context.Background(), d.ID, false)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.engine.maxInFlight)
	assert.Equal(t, 0, f.orch.locks.size())
}

// =============================================================================
// Reads
// =============================================================================

func TestListByRepo_KeepsHistory(t *testing.T) {
	f := setup(t, 20000, 20010)
	dir := nodeRepo(t)
	first := f.create(t, 5, dir)
	second := f.create(t, 5, dir)
	f.create(t, 6, dir)

	list, err := f.orch.ListByRepo(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, list, 2)

	ids := []int64{list[0].ID, list[1].ID}
	assert.ElementsMatch(t, []int64{first.ID, second.ID}, ids)
	assert.NotEqual(t, list[0].AssignedPort, list[1].AssignedPort)
}

func TestEvents_NewestFirst(t *testing.T) {
	f := setup(t, 20000, 20010)
	d := f.running(t)
	_, err := f.orch.Stop(context.Background(), d.ID)
	require.NoError(t, err)

	events, err := f.orch.Events(context.Background(), d.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, domain.EventStopped, events[0].Type)
	assert.Equal(t, domain.EventStarted, events[1].Type)
	assert.Equal(t, domain.EventCreated, events[2].Type)

	_, err = f.orch.Events(context.Background(), 999, 10)
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func TestDetect(t *testing.T) {
	f := setup(t, 20000, 20010)

	res, err := f.orch.Detect(context.Background(), nodeRepo(t))
	require.NoError(t, err)
	assert.Equal(t, domain.StackNode, res.Stack)

	_, err = f.orch.Detect(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidRepoPath)
}

func TestRecorderObservesOutcomes(t *testing.T) {
	f := setup(t, 20000, 20010)
	rec := &recordingRecorder{}
	f.orch.WithRecorder(rec)

	d := f.create(t, 1, nodeRepo(t))
	_, _ = f.orch.Stop(context.Background(), d.ID)
	f.engine.upErr = errors.New("boom")
	_, _ = f.orch.Start(context.Background(), d.ID, "")

	assert.Equal(t, []string{OutcomeSuccess}, rec.outcomes["create"])
	assert.Equal(t, []string{OutcomeRejected}, rec.outcomes["stop"])
	assert.Equal(t, []string{OutcomeFailed}, rec.outcomes["start"])
}

func TestOperationError(t *testing.T) {
	err := NewOperationError("start", 3, "port is already allocated", domain.ErrEngineStartFailed)
	assert.Equal(t, "start deployment 3: port is already allocated", err.Error())
	assert.ErrorIs(t, err, domain.ErrEngineStartFailed)

	err = NewOperationError("create", 0, "no free port", domain.ErrPortExhausted)
	assert.Equal(t, "create: no free port", err.Error())
}
