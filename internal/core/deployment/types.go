package deployment

import (
	"time"

	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/compose"
)

// =============================================================================
// Plan Types
// =============================================================================

// Plan is everything the engine creates for one composition, in creation order.
type Plan struct {
	Project    string
	Networks   []NetworkPlan
	Volumes    []NamedVolumePlan
	Containers []ContainerPlan
	// AppContainer is the name of the application service's container.
	AppContainer string
}

// NetworkPlan is a network to create before any container.
type NetworkPlan struct {
	Name   string
	Driver string
	Labels map[string]string
}

// NamedVolumePlan is a named volume to create before any container.
type NamedVolumePlan struct {
	Name   string
	Driver string
	Labels map[string]string
}

// ContainerPlan represents a planned container configuration.
// This is the pure output of planning, ready for the shell to execute.
type ContainerPlan struct {
	Name          string
	Service       string
	Image         string
	Command       []string
	Entrypoint    []string
	Env           map[string]string
	Labels        map[string]string
	Ports         []PortPlan
	Volumes       []VolumePlan
	Networks      []string
	Aliases       []string
	RestartPolicy RestartPolicyPlan
	Resources     ResourcePlan
	HealthCheck   *HealthCheckPlan
	// WaitHealthy lists container names that must report healthy first.
	WaitHealthy []string
}

// PortPlan represents a planned port binding.
type PortPlan struct {
	ContainerPort int
	HostPort      int
	Protocol      string
	HostIP        string
}

// VolumePlan represents a planned volume mount.
type VolumePlan struct {
	Source   string
	Target   string
	ReadOnly bool
	Named    bool
}

// RestartPolicyPlan represents a restart policy.
type RestartPolicyPlan struct {
	Name              string
	MaximumRetryCount int
}

// ResourcePlan represents resource limits.
type ResourcePlan struct {
	CPULimit    float64
	MemoryLimit int64
}

// HealthCheckPlan represents a health check configuration.
type HealthCheckPlan struct {
	Test        []string
	Interval    time.Duration
	Timeout     time.Duration
	Retries     int
	StartPeriod time.Duration
}

// =============================================================================
// Builder Parameter Types
// =============================================================================

// BuildContainerPlanParams contains all inputs for building a container plan.
type BuildContainerPlanParams struct {
	Project      string
	DeploymentID int64
	Service      compose.Service
	// Image replaces the service image; set for services built from source.
	Image     string
	Variables map[string]string
}

// CompositionParams contains all inputs for planning a whole composition.
type CompositionParams struct {
	Project      string
	DeploymentID int64
	Spec         *compose.ParsedSpec
	AppService   string
	// BuiltImage is used for every service that declares a build section.
	BuiltImage string
	Variables  map[string]string
}

// =============================================================================
// Container Labels
// =============================================================================

// Label keys used to find managed engine resources.
const (
	LabelManaged    = "com.repodeployer.managed"
	LabelDeployment = "com.repodeployer.deployment"
	LabelProject    = "com.repodeployer.project"
	LabelService    = "com.repodeployer.service"
)

// DefaultNetwork is used for services that join no network explicitly.
const DefaultNetwork = "default"
