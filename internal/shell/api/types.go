package api

import (
	"time"

	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/catalog"
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/domain"
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/shell/lifecycle"
)

// =============================================================================
// Request Types
// =============================================================================

// DetectRequest is the request body for classifying a checkout.
type DetectRequest struct {
	RepoPath string `json:"repo_path" validate:"required"`
}

// CreateDeploymentRequest is the request body for creating a deployment.
type CreateDeploymentRequest struct {
	RepositoryID int64   `json:"repository_id" validate:"required,gt=0"`
	RepoName     string  `json:"repo_name" validate:"required,max=255"`
	RepoPath     string  `json:"repo_path" validate:"required"`
	Stack        string  `json:"stack,omitempty" validate:"omitempty,oneof=node python php go golang nodejs ruby java csharp rust static"`
	DBType       *string `json:"db_type,omitempty" validate:"omitempty,oneof=postgresql postgres pg mysql mariadb mongodb mongo redis none"`
	Domain       *string `json:"domain,omitempty" validate:"omitempty,hostname_rfc1123"`
	Port         int     `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
}

// StartDeploymentRequest is the optional request body for starting a deployment.
type StartDeploymentRequest struct {
	RepoPath string `json:"repo_path,omitempty"`
}

// RestartDeploymentRequest is the optional request body for restarting a deployment.
type RestartDeploymentRequest struct {
	Regenerate bool `json:"regenerate,omitempty"`
}

// =============================================================================
// Response Types
// =============================================================================

// DeploymentResponse is the response for deployment operations.
type DeploymentResponse struct {
	ID                int64      `json:"id"`
	RepositoryID      int64      `json:"repository_id"`
	RepoName          string     `json:"repo_name"`
	RepoPath          string     `json:"repo_path"`
	Stack             string     `json:"stack"`
	Confidence        float64    `json:"confidence_score"`
	Framework         string     `json:"framework,omitempty"`
	InternalPort      int        `json:"internal_port"`
	RequiresDB        bool       `json:"requires_db"`
	DBType            string     `json:"db_type,omitempty"`
	DetectedFiles     []string   `json:"detected_files"`
	AssignedPort      int        `json:"assigned_port"`
	Domain            *string    `json:"domain,omitempty"`
	DockerPath        string     `json:"docker_path"`
	DockerfileContent string     `json:"dockerfile_content"`
	ComposeContent    string     `json:"compose_content"`
	Status            string     `json:"status"`
	ContainerID       string     `json:"container_id,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	LogTail           string     `json:"log_tail,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	StoppedAt         *time.Time `json:"stopped_at,omitempty"`
}

// DeploymentListResponse wraps a page of deployments.
type DeploymentListResponse struct {
	Deployments []DeploymentResponse `json:"deployments"`
	Limit       int                  `json:"limit,omitempty"`
	Offset      int                  `json:"offset,omitempty"`
}

// DeleteDeploymentResponse reports the port freed by a delete.
type DeleteDeploymentResponse struct {
	Released bool   `json:"released"`
	Port     int    `json:"port"`
	Warning  string `json:"warning,omitempty"`
}

// EventListResponse wraps a deployment's event history.
type EventListResponse struct {
	Events []domain.DeploymentEvent `json:"events"`
}

// ScanResponse lists the checkouts under the repositories root.
type ScanResponse struct {
	Repositories []lifecycle.ScannedRepository `json:"repositories"`
}

// CatalogResponse lists the per-stack defaults.
type CatalogResponse struct {
	Templates []catalog.Template `json:"templates"`
}

// HealthResponse is the response for health check.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the response for readiness check.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	FreePorts *int              `json:"free_ports,omitempty"`
}

// ErrorResponse is the response for errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
