package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/docker/docker/pkg/stdcopy"

	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/compose"
	coredeployment "github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/deployment"
)

// =============================================================================
// Engine - Runs Compositions as Projects
// =============================================================================

// BuildRequest asks for the project image to be built from a directory.
type BuildRequest struct {
	DeploymentID int64
	Project      string
	ContextDir   string
	Dockerfile   string
	Excludes     []string
}

// ComposeRequest identifies a project and the composition it runs.
type ComposeRequest struct {
	DeploymentID int64
	Project      string
	Composition  string
	// AppService is the service whose container id ComposeUp returns.
	// Defaults to the first service with a build section.
	AppService string
	// Image is used for services built from source. Defaults to the project image.
	Image     string
	Variables map[string]string
	// RemoveVolumes also drops the project's named volumes on ComposeDown.
	RemoveVolumes bool
}

// ContainerState is the engine's view of one container.
type ContainerState struct {
	ID         string
	Status     ContainerStatus
	Running    bool
	Health     string
	ExitCode   int
	Error      string
	FinishedAt *time.Time
}

// EngineConfig tunes the engine's waits.
type EngineConfig struct {
	HealthPollInterval time.Duration
	StopTimeout        time.Duration
}

// DefaultEngineConfig returns the polling and stop defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		HealthPollInterval: 2 * time.Second,
		StopTimeout:        10 * time.Second,
	}
}

// Engine builds images and runs compositions on one Docker daemon.
type Engine struct {
	docker Client
	config EngineConfig
	logger *slog.Logger
}

// NewEngine creates an engine over a Docker client.
func NewEngine(docker Client, config EngineConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultEngineConfig()
	if config.HealthPollInterval <= 0 {
		config.HealthPollInterval = defaults.HealthPollInterval
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = defaults.StopTimeout
	}
	return &Engine{
		docker: docker,
		config: config,
		logger: logger.With("component", "engine"),
	}
}

// Ping checks the daemon.
func (e *Engine) Ping(ctx context.Context) error {
	return e.docker.Ping(ctx)
}

// =============================================================================
// Build
// =============================================================================

// BuildImage builds the project image and returns its id.
func (e *Engine) BuildImage(ctx context.Context, req BuildRequest) (string, error) {
	tag := coredeployment.ImageName(req.Project)
	e.logger.Info("building image", "deployment_id", req.DeploymentID, "image", tag)

	id, err := e.docker.BuildImage(ctx, ImageBuildSpec{
		ContextDir: req.ContextDir,
		Dockerfile: req.Dockerfile,
		Tag:        tag,
		Excludes:   req.Excludes,
		Labels:     coredeployment.ManagedLabels(req.Project, req.DeploymentID),
	}, func(line string) {
		e.logger.Debug("build output", "deployment_id", req.DeploymentID, "line", line)
	})
	if err != nil {
		return "", err
	}

	e.logger.Info("image built", "deployment_id", req.DeploymentID, "image", tag, "image_id", id)
	return id, nil
}

// =============================================================================
// Compose Up
// =============================================================================

// ComposeUp creates the project's networks, volumes and containers and
// returns the id of the application container. Containers left over from an
// earlier run of the same project are replaced. On failure the containers
// created by this call are removed again.
func (e *Engine) ComposeUp(ctx context.Context, req ComposeRequest) (string, error) {
	spec, err := compose.ParseComposeSpec(ctx, req.Composition, req.Project)
	if err != nil {
		return "", NewDockerError("ComposeUp", "project", req.Project, err.Error(), ErrInvalidComposition)
	}

	appService := req.AppService
	if appService == "" {
		appService = defaultAppService(spec)
	}
	if _, ok := spec.Service(appService); !ok {
		return "", NewDockerError("ComposeUp", "project", req.Project,
			fmt.Sprintf("service %q not in composition", appService), ErrInvalidComposition)
	}

	image := req.Image
	if image == "" {
		image = coredeployment.ImageName(req.Project)
	}

	plan := coredeployment.PlanComposition(coredeployment.CompositionParams{
		Project:      req.Project,
		DeploymentID: req.DeploymentID,
		Spec:         spec,
		AppService:   appService,
		BuiltImage:   image,
		Variables:    req.Variables,
	})

	e.logger.Info("starting project",
		"deployment_id", req.DeploymentID,
		"project", req.Project,
		"containers", len(plan.Containers),
	)

	// 1. Replace leftovers from an earlier run
	if err := e.removeContainers(ctx, req.Project); err != nil {
		return "", NewDockerError("ComposeUp", "project", req.Project, err.Error(), err)
	}

	// 2. Networks
	var createdNetworks []string
	for _, n := range plan.Networks {
		if _, err := e.docker.CreateNetwork(ctx, NetworkSpec{Name: n.Name, Driver: n.Driver, Labels: n.Labels}); err != nil {
			if errors.Is(err, ErrNetworkAlreadyExists) {
				e.logger.Debug("network already exists, reusing", "network", n.Name)
				continue
			}
			e.removeNetworks(ctx, createdNetworks)
			return "", NewDockerError("ComposeUp", "network", n.Name, err.Error(), err)
		}
		createdNetworks = append(createdNetworks, n.Name)
	}

	// 3. Named volumes
	for _, v := range plan.Volumes {
		if _, err := e.docker.CreateVolume(ctx, VolumeSpec{Name: v.Name, Driver: v.Driver, Labels: v.Labels}); err != nil {
			e.removeNetworks(ctx, createdNetworks)
			return "", NewDockerError("ComposeUp", "volume", v.Name, err.Error(), err)
		}
	}

	// 4. Containers in dependency order
	created := make(map[string]string, len(plan.Containers))
	var order []string
	fail := func(err error) (string, error) {
		e.cleanupContainers(ctx, order, created)
		e.removeNetworks(ctx, createdNetworks)
		return "", err
	}

	for _, cp := range plan.Containers {
		for _, dep := range cp.WaitHealthy {
			depID, ok := created[dep]
			if !ok {
				continue
			}
			if err := e.waitHealthy(ctx, depID, dep); err != nil {
				return fail(NewDockerError("ComposeUp", "container", dep, err.Error(), err))
			}
		}

		if cp.Image != image {
			e.ensureImage(ctx, cp.Image)
		}

		id, err := e.docker.CreateContainer(ctx, containerSpecFromPlan(cp))
		if err != nil {
			return fail(NewDockerError("ComposeUp", "container", cp.Name, err.Error(), err))
		}
		created[cp.Name] = id
		order = append(order, cp.Name)

		if err := e.docker.StartContainer(ctx, id); err != nil {
			return fail(NewDockerError("ComposeUp", "container", cp.Name, err.Error(), err))
		}
		e.logger.Debug("started container", "service", cp.Service, "container_id", shortID(id))
	}

	appID := created[plan.AppContainer]
	e.logger.Info("project started",
		"deployment_id", req.DeploymentID,
		"project", req.Project,
		"container_id", shortID(appID),
	)
	return appID, nil
}

func defaultAppService(spec *compose.ParsedSpec) string {
	for _, s := range spec.Services {
		if s.Build != nil {
			return s.Name
		}
	}
	if len(spec.Services) > 0 {
		return spec.Services[0].Name
	}
	return ""
}

// ensureImage pulls a missing image. Pull failures are left for container
// creation to report.
func (e *Engine) ensureImage(ctx context.Context, image string) {
	if image == "" {
		return
	}
	exists, _ := e.docker.ImageExists(ctx, image)
	if exists {
		return
	}
	e.logger.Info("pulling image", "image", image)
	if err := e.docker.PullImage(ctx, image); err != nil {
		e.logger.Warn("failed to pull image, trying anyway", "image", image, "error", err)
	}
}

// waitHealthy polls a container until it reports healthy, or running when
// it has no health check.
func (e *Engine) waitHealthy(ctx context.Context, containerID, name string) error {
	for {
		info, err := e.docker.InspectContainer(ctx, containerID)
		if err != nil {
			return err
		}
		switch {
		case info.Health == HealthHealthy:
			return nil
		case info.Health == HealthUnhealthy:
			return fmt.Errorf("%s: %w", name, ErrUnhealthy)
		case info.Health == "" && info.Status == ContainerStatusRunning:
			return nil
		case info.Status == ContainerStatusExited || info.Status == ContainerStatusDead:
			return fmt.Errorf("%s exited with code %d: %w", name, info.ExitCode, ErrContainerNotRunning)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.config.HealthPollInterval):
		}
	}
}

func containerSpecFromPlan(cp coredeployment.ContainerPlan) ContainerSpec {
	spec := ContainerSpec{
		Name:       cp.Name,
		Image:      cp.Image,
		Command:    cp.Command,
		Entrypoint: cp.Entrypoint,
		Env:        cp.Env,
		Labels:     cp.Labels,
		Networks:   cp.Networks,
		RestartPolicy: RestartPolicy{
			Name:              cp.RestartPolicy.Name,
			MaximumRetryCount: cp.RestartPolicy.MaximumRetryCount,
		},
		Resources: ResourceLimits{
			CPULimit:    cp.Resources.CPULimit,
			MemoryLimit: cp.Resources.MemoryLimit,
		},
	}

	if len(cp.Aliases) > 0 {
		spec.NetworkAliases = make(map[string][]string, len(cp.Networks))
		for _, n := range cp.Networks {
			spec.NetworkAliases[n] = cp.Aliases
		}
	}
	for _, p := range cp.Ports {
		spec.Ports = append(spec.Ports, PortBinding{
			ContainerPort: p.ContainerPort,
			HostPort:      p.HostPort,
			Protocol:      p.Protocol,
			HostIP:        p.HostIP,
		})
	}
	for _, v := range cp.Volumes {
		spec.Volumes = append(spec.Volumes, VolumeMount{
			Source:   v.Source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
			Named:    v.Named,
		})
	}
	if cp.HealthCheck != nil {
		spec.HealthCheck = &HealthCheck{
			Test:        cp.HealthCheck.Test,
			Interval:    cp.HealthCheck.Interval,
			Timeout:     cp.HealthCheck.Timeout,
			Retries:     cp.HealthCheck.Retries,
			StartPeriod: cp.HealthCheck.StartPeriod,
		}
	}
	return spec
}

// =============================================================================
// Compose Down
// =============================================================================

// ComposeDown stops and removes every container and network carrying the
// project label. Named volumes are removed only when RemoveVolumes is set.
func (e *Engine) ComposeDown(ctx context.Context, req ComposeRequest) error {
	e.logger.Info("stopping project", "deployment_id", req.DeploymentID, "project", req.Project)

	if err := e.removeContainers(ctx, req.Project); err != nil {
		return NewDockerError("ComposeDown", "project", req.Project, err.Error(), err)
	}

	filter := projectFilter(req.Project)
	networks, err := e.docker.ListNetworks(ctx, filter)
	if err != nil {
		return NewDockerError("ComposeDown", "project", req.Project, err.Error(), err)
	}
	var errs []error
	for _, n := range networks {
		if err := e.docker.RemoveNetwork(ctx, n); err != nil && !errors.Is(err, ErrNetworkNotFound) {
			errs = append(errs, err)
		}
	}

	if req.RemoveVolumes {
		volumes, err := e.docker.ListVolumes(ctx, filter)
		if err != nil {
			return NewDockerError("ComposeDown", "project", req.Project, err.Error(), err)
		}
		for _, v := range volumes {
			if err := e.docker.RemoveVolume(ctx, v, true); err != nil && !errors.Is(err, ErrVolumeNotFound) {
				errs = append(errs, err)
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		return NewDockerError("ComposeDown", "project", req.Project, err.Error(), err)
	}

	e.logger.Info("project stopped", "deployment_id", req.DeploymentID, "project", req.Project)
	return nil
}

// removeContainers stops and removes all containers of a project.
func (e *Engine) removeContainers(ctx context.Context, project string) error {
	opts := projectFilter(project)
	opts.All = true
	containers, err := e.docker.ListContainers(ctx, opts)
	if err != nil {
		return err
	}

	timeout := e.config.StopTimeout
	var errs []error
	for _, c := range containers {
		if c.Status == ContainerStatusRunning {
			if err := e.docker.StopContainer(ctx, c.ID, &timeout); err != nil && !errors.Is(err, ErrContainerNotRunning) {
				e.logger.Warn("failed to stop container", "container_id", shortID(c.ID), "error", err)
			}
		}
		if err := e.docker.RemoveContainer(ctx, c.ID, RemoveOptions{Force: true}); err != nil && !errors.Is(err, ErrContainerNotFound) {
			errs = append(errs, err)
			continue
		}
		e.logger.Debug("removed container", "container_id", shortID(c.ID), "name", c.Name)
	}
	return errors.Join(errs...)
}

func (e *Engine) cleanupContainers(ctx context.Context, order []string, created map[string]string) {
	for i := len(order) - 1; i >= 0; i-- {
		id := created[order[i]]
		if err := e.docker.RemoveContainer(ctx, id, RemoveOptions{Force: true}); err != nil {
			e.logger.Warn("failed to clean up container", "container_id", shortID(id), "error", err)
		}
	}
}

func (e *Engine) removeNetworks(ctx context.Context, names []string) {
	for _, n := range names {
		if err := e.docker.RemoveNetwork(ctx, n); err != nil {
			e.logger.Warn("failed to clean up network", "network", n, "error", err)
		}
	}
}

func projectFilter(project string) ListOptions {
	return ListOptions{
		Filters: map[string]string{
			"label": coredeployment.LabelProject + "=" + project,
		},
	}
}

// =============================================================================
// Inspection
// =============================================================================

// Logs returns the last lines of a container's combined output.
func (e *Engine) Logs(ctx context.Context, containerID string, lines int) (string, error) {
	tail := "all"
	if lines > 0 {
		tail = strconv.Itoa(lines)
	}
	reader, err := e.docker.ContainerLogs(ctx, containerID, LogOptions{Tail: tail})
	if err != nil {
		return "", err
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		return buf.String(), NewDockerError("Logs", "container", containerID, err.Error(), err)
	}
	return buf.String(), nil
}

// ContainerState reports the state of one container. A missing container
// returns ErrContainerNotFound.
func (e *Engine) ContainerState(ctx context.Context, containerID string) (ContainerState, error) {
	info, err := e.docker.InspectContainer(ctx, containerID)
	if err != nil {
		return ContainerState{}, err
	}
	return ContainerState{
		ID:         info.ID,
		Status:     info.Status,
		Running:    info.Status == ContainerStatusRunning,
		Health:     info.Health,
		ExitCode:   info.ExitCode,
		Error:      info.Error,
		FinishedAt: info.FinishedAt,
	}, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
