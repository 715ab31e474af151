package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/artifact"
	coredeployment "github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/deployment"
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/domain"
)

// =============================================================================
// Fake Client
// =============================================================================

type fakeContainer struct {
	spec   ContainerSpec
	status ContainerStatus
}

// fakeClient is an in-memory Client. Containers report healthy unless
// listed in health.
type fakeClient struct {
	mu sync.Mutex

	nextID     int
	containers map[string]*fakeContainer
	order      []string // container names in creation order
	networks   map[string]map[string]string
	volumes    map[string]map[string]string
	pulled     []string
	builds     []ImageBuildSpec

	health    map[string]string // container name → health
	failStart map[string]error  // container name → start error
	buildErr  error
	logs      []byte
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		containers: make(map[string]*fakeContainer),
		networks:   make(map[string]map[string]string),
		volumes:    make(map[string]map[string]string),
		health:     make(map[string]string),
		failStart:  make(map[string]error),
	}
}

func matches(labels map[string]string, opts ListOptions) bool {
	sel, ok := opts.Filters["label"]
	if !ok {
		return true
	}
	k, v, _ := strings.Cut(sel, "=")
	return labels[k] == v
}

func (f *fakeClient) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if c.spec.Name == spec.Name {
			return "", NewDockerError("CreateContainer", "container", spec.Name, "container already exists", ErrContainerAlreadyExists)
		}
	}
	f.nextID++
	id := fmt.Sprintf("container%04d", f.nextID)
	f.containers[id] = &fakeContainer{spec: spec, status: ContainerStatusCreated}
	f.order = append(f.order, spec.Name)
	return id, nil
}

func (f *fakeClient) StartContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return NewDockerError("StartContainer", "container", id, "container not found", ErrContainerNotFound)
	}
	if err := f.failStart[c.spec.Name]; err != nil {
		return NewDockerError("StartContainer", "container", id, err.Error(), err)
	}
	c.status = ContainerStatusRunning
	return nil
}

func (f *fakeClient) StopContainer(ctx context.Context, id string, timeout *time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.status = ContainerStatusExited
	}
	return nil
}

func (f *fakeClient) RemoveContainer(ctx context.Context, id string, opts RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return NewDockerError("RemoveContainer", "container", id, "container not found", ErrContainerNotFound)
	}
	delete(f.containers, id)
	return nil
}

func (f *fakeClient) InspectContainer(ctx context.Context, id string) (*ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return nil, NewDockerError("InspectContainer", "container", id, "container not found", ErrContainerNotFound)
	}
	health := HealthHealthy
	if h, ok := f.health[c.spec.Name]; ok {
		health = h
	}
	return &ContainerInfo{ID: id, Name: c.spec.Name, Status: c.status, Health: health, Labels: c.spec.Labels}, nil
}

func (f *fakeClient) ListContainers(ctx context.Context, opts ListOptions) ([]ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ContainerInfo
	for id, c := range f.containers {
		if matches(c.spec.Labels, opts) {
			out = append(out, ContainerInfo{ID: id, Name: c.spec.Name, Status: c.status, Labels: c.spec.Labels})
		}
	}
	return out, nil
}

func (f *fakeClient) ContainerLogs(ctx context.Context, id string, opts LogOptions) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.logs)), nil
}

func (f *fakeClient) CreateNetwork(ctx context.Context, spec NetworkSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.networks[spec.Name]; ok {
		return "", NewDockerError("CreateNetwork", "network", spec.Name, "network already exists", ErrNetworkAlreadyExists)
	}
	f.networks[spec.Name] = spec.Labels
	return "net-" + spec.Name, nil
}

func (f *fakeClient) RemoveNetwork(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.networks, name)
	return nil
}

func (f *fakeClient) ListNetworks(ctx context.Context, opts ListOptions) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for name, labels := range f.networks {
		if matches(labels, opts) {
			out = append(out, name)
		}
	}
	return out, nil
}

func (f *fakeClient) CreateVolume(ctx context.Context, spec VolumeSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes[spec.Name] = spec.Labels
	return spec.Name, nil
}

func (f *fakeClient) RemoveVolume(ctx context.Context, name string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.volumes, name)
	return nil
}

func (f *fakeClient) ListVolumes(ctx context.Context, opts ListOptions) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for name, labels := range f.volumes {
		if matches(labels, opts) {
			out = append(out, name)
		}
	}
	return out, nil
}

func (f *fakeClient) BuildImage(ctx context.Context, spec ImageBuildSpec, onOutput BuildOutputFunc) (string, error) {
	f.builds = append(f.builds, spec)
	if f.buildErr != nil {
		return "", f.buildErr
	}
	if onOutput != nil {
		onOutput("Step 1/1 : FROM alpine")
	}
	return "sha256:feed", nil
}

func (f *fakeClient) PullImage(ctx context.Context, image string) error {
	f.pulled = append(f.pulled, image)
	return nil
}

func (f *fakeClient) ImageExists(ctx context.Context, image string) (bool, error) {
	return false, nil
}

func (f *fakeClient) Ping(ctx context.Context) error { return nil }
func (f *fakeClient) Close() error                   { return nil }

func (f *fakeClient) byName(name string) (string, *fakeContainer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, c := range f.containers {
		if c.spec.Name == name {
			return id, c
		}
	}
	return "", nil
}

// =============================================================================
// Helpers
// =============================================================================

func testEngine(cli Client) *Engine {
	return NewEngine(cli, EngineConfig{HealthPollInterval: time.Millisecond, StopTimeout: time.Second}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func composition(t *testing.T, db domain.DBType) string {
	t.Helper()
	out, err := artifact.GenerateComposition(artifact.ComposeSpec{
		RepoName:     "api",
		Stack:        domain.StackNode,
		ExternalPort: 20001,
		InternalPort: 3000,
		DBType:       db,
	})
	require.NoError(t, err)
	return out
}

func composeRequest(t *testing.T, db domain.DBType) ComposeRequest {
	return ComposeRequest{
		DeploymentID: 1,
		Project:      coredeployment.ProjectName(1, "api"),
		Composition:  composition(t, db),
		AppService:   artifact.AppServiceName("api", db),
	}
}

// =============================================================================
// ComposeUp Tests
// =============================================================================

func TestComposeUp_AppOnly(t *testing.T) {
	cli := newFakeClient()
	e := testEngine(cli)
	req := composeRequest(t, domain.DBNone)

	id, err := e.ComposeUp(context.Background(), req)
	require.NoError(t, err)

	appID, app := cli.byName("deploy-1-api-api")
	require.NotNil(t, app)
	assert.Equal(t, appID, id)
	assert.Equal(t, ContainerStatusRunning, app.status)
	assert.Equal(t, "deploy-1-api:latest", app.spec.Image)
	assert.Equal(t, "deploy-1-api", app.spec.Labels[coredeployment.LabelProject])
	assert.Equal(t, "1", app.spec.Labels[coredeployment.LabelDeployment])
	assert.Equal(t, "api", app.spec.Labels[coredeployment.LabelService])
	require.Len(t, app.spec.Ports, 1)
	assert.Equal(t, 3000, app.spec.Ports[0].ContainerPort)
	assert.Equal(t, 20001, app.spec.Ports[0].HostPort)
	assert.Equal(t, []string{"deploy-1-api_app-network"}, app.spec.Networks)
	assert.Equal(t, []string{"api"}, app.spec.NetworkAliases["deploy-1-api_app-network"])

	assert.Contains(t, cli.networks, "deploy-1-api_app-network")
	assert.Empty(t, cli.pulled, "built image is never pulled")
}

func TestComposeUp_DatabaseStartsFirst(t *testing.T) {
	cli := newFakeClient()
	e := testEngine(cli)

	id, err := e.ComposeUp(context.Background(), composeRequest(t, domain.DBPostgreSQL))
	require.NoError(t, err)

	assert.Equal(t, []string{"deploy-1-api-database", "deploy-1-api-api"}, cli.order)
	appID, _ := cli.byName("deploy-1-api-api")
	assert.Equal(t, appID, id)

	_, db := cli.byName("deploy-1-api-database")
	require.NotNil(t, db)
	require.Len(t, db.spec.Volumes, 1)
	assert.True(t, db.spec.Volumes[0].Named)
	assert.Equal(t, "deploy-1-api_api-db-data", db.spec.Volumes[0].Source)
	assert.NotNil(t, db.spec.HealthCheck)
	assert.Contains(t, cli.volumes, "deploy-1-api_api-db-data")
	assert.Contains(t, cli.pulled, "postgres:15-alpine")
}

func TestComposeUp_UnhealthyDependencyCleansUp(t *testing.T) {
	cli := newFakeClient()
	cli.health["deploy-1-api-database"] = HealthUnhealthy
	e := testEngine(cli)

	_, err := e.ComposeUp(context.Background(), composeRequest(t, domain.DBPostgreSQL))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnhealthy)
	assert.Empty(t, cli.containers)
	assert.Empty(t, cli.networks)
}

func TestComposeUp_WaitHonorsContext(t *testing.T) {
	cli := newFakeClient()
	cli.health["deploy-1-api-database"] = HealthStarting
	e := testEngine(cli)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := e.ComposeUp(ctx, composeRequest(t, domain.DBPostgreSQL))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestComposeUp_StartFailureVerbatim(t *testing.T) {
	cli := newFakeClient()
	cli.failStart["deploy-1-api-api"] = errors.New("Bind for 0.0.0.0:20001 failed: port is already allocated")
	e := testEngine(cli)

	_, err := e.ComposeUp(context.Background(), composeRequest(t, domain.DBNone))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port is already allocated")
	assert.Empty(t, cli.containers)
}

func TestComposeUp_ReplacesLeftovers(t *testing.T) {
	cli := newFakeClient()
	e := testEngine(cli)
	req := composeRequest(t, domain.DBNone)

	first, err := e.ComposeUp(context.Background(), req)
	require.NoError(t, err)
	second, err := e.ComposeUp(context.Background(), req)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Len(t, cli.containers, 1)
}

func TestComposeUp_InvalidComposition(t *testing.T) {
	e := testEngine(newFakeClient())

	_, err := e.ComposeUp(context.Background(), ComposeRequest{Project: "deploy-1-x", Composition: "services: ["})
	assert.ErrorIs(t, err, ErrInvalidComposition)

	req := composeRequest(t, domain.DBNone)
	req.AppService = "missing"
	_, err = e.ComposeUp(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidComposition)
}

func TestComposeUp_DefaultAppService(t *testing.T) {
	cli := newFakeClient()
	e := testEngine(cli)
	req := composeRequest(t, domain.DBRedis)
	req.AppService = ""

	id, err := e.ComposeUp(context.Background(), req)
	require.NoError(t, err)
	appID, _ := cli.byName("deploy-1-api-api")
	assert.Equal(t, appID, id)
}

// =============================================================================
// ComposeDown Tests
// =============================================================================

func TestComposeDown_KeepsVolumesByDefault(t *testing.T) {
	cli := newFakeClient()
	e := testEngine(cli)
	req := composeRequest(t, domain.DBPostgreSQL)

	_, err := e.ComposeUp(context.Background(), req)
	require.NoError(t, err)

	require.NoError(t, e.ComposeDown(context.Background(), req))
	assert.Empty(t, cli.containers)
	assert.Empty(t, cli.networks)
	assert.Len(t, cli.volumes, 1)

	req.RemoveVolumes = true
	require.NoError(t, e.ComposeDown(context.Background(), req))
	assert.Empty(t, cli.volumes)
}

func TestComposeDown_OnlyTouchesOwnProject(t *testing.T) {
	cli := newFakeClient()
	e := testEngine(cli)

	one := composeRequest(t, domain.DBNone)
	two := one
	two.DeploymentID = 2
	two.Project = coredeployment.ProjectName(2, "api")

	_, err := e.ComposeUp(context.Background(), one)
	require.NoError(t, err)
	_, err = e.ComposeUp(context.Background(), two)
	require.NoError(t, err)

	require.NoError(t, e.ComposeDown(context.Background(), one))

	_, other := cli.byName("deploy-2-api-api")
	assert.NotNil(t, other)
	assert.Len(t, cli.containers, 1)
}

func TestComposeDown_NothingToRemove(t *testing.T) {
	e := testEngine(newFakeClient())
	assert.NoError(t, e.ComposeDown(context.Background(), ComposeRequest{Project: "deploy-9-none"}))
}

// =============================================================================
// Build, Logs and State Tests
// =============================================================================

func TestEngineBuildImage_TagsProjectImage(t *testing.T) {
	cli := newFakeClient()
	e := testEngine(cli)

	id, err := e.BuildImage(context.Background(), BuildRequest{
		DeploymentID: 3,
		Project:      "deploy-3-web",
		ContextDir:   "/src/web",
		Dockerfile:   "Dockerfile",
		Excludes:     []string{".git", "node_modules"},
	})
	require.NoError(t, err)
	assert.Equal(t, "sha256:feed", id)

	require.Len(t, cli.builds, 1)
	b := cli.builds[0]
	assert.Equal(t, "deploy-3-web:latest", b.Tag)
	assert.Equal(t, "/src/web", b.ContextDir)
	assert.Equal(t, []string{".git", "node_modules"}, b.Excludes)
	assert.Equal(t, "3", b.Labels[coredeployment.LabelDeployment])
}

func TestEngineBuildImage_Failure(t *testing.T) {
	cli := newFakeClient()
	cli.buildErr = NewDockerError("BuildImage", "image", "x", "npm ERR! missing script", ErrImageBuildFailed)
	e := testEngine(cli)

	_, err := e.BuildImage(context.Background(), BuildRequest{Project: "deploy-1-x", ContextDir: "/tmp"})
	assert.ErrorIs(t, err, ErrImageBuildFailed)
	assert.Contains(t, err.Error(), "npm ERR! missing script")
}

func TestEngineLogs_Demultiplexes(t *testing.T) {
	var raw bytes.Buffer
	stdout := stdcopy.NewStdWriter(&raw, stdcopy.Stdout)
	stderr := stdcopy.NewStdWriter(&raw, stdcopy.Stderr)
	_, _ = stdout.Write([]byte("listening on 3000\n"))
	_, _ = stderr.Write([]byte("warning: dev mode\n"))

	cli := newFakeClient()
	cli.logs = raw.Bytes()
	e := testEngine(cli)

	out, err := e.Logs(context.Background(), "abc", 50)
	require.NoError(t, err)
	assert.Equal(t, "listening on 3000\nwarning: dev mode\n", out)
}

func TestEngineContainerState(t *testing.T) {
	cli := newFakeClient()
	e := testEngine(cli)

	id, err := e.ComposeUp(context.Background(), composeRequest(t, domain.DBNone))
	require.NoError(t, err)

	state, err := e.ContainerState(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, state.Running)
	assert.Equal(t, ContainerStatusRunning, state.Status)

	_, err = e.ContainerState(context.Background(), "gone")
	assert.ErrorIs(t, err, ErrContainerNotFound)
}
