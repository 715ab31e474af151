package domain

import (
	"time"
)

// =============================================================================
// Deployment Status
// =============================================================================

type DeploymentStatus string

const (
	StatusPending DeploymentStatus = "pending"
	StatusRunning DeploymentStatus = "running"
	StatusStopped DeploymentStatus = "stopped"
	StatusError   DeploymentStatus = "error"
	StatusDeleted DeploymentStatus = "deleted"
)

// Valid reports whether s is a known status.
func (s DeploymentStatus) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// =============================================================================
// Database Types
// =============================================================================

type DBType string

const (
	DBNone       DBType = ""
	DBPostgreSQL DBType = "postgresql"
	DBMySQL      DBType = "mysql"
	DBMongoDB    DBType = "mongodb"
	DBRedis      DBType = "redis"
)

// ParseDBType accepts the canonical names plus the common aliases used in manifests.
func ParseDBType(s string) (DBType, bool) {
	switch s {
	case "":
		return DBNone, true
	case "postgresql", "postgres", "pg":
		return DBPostgreSQL, true
	case "mysql", "mariadb":
		return DBMySQL, true
	case "mongodb", "mongo":
		return DBMongoDB, true
	case "redis":
		return DBRedis, true
	}
	return DBNone, false
}

// =============================================================================
// Deployment
// =============================================================================

// Deployment is one attempt to run a repository checkout in a container.
// A repository may accumulate many deployments over time.
type Deployment struct {
	ID           int64  `json:"id"`
	RepositoryID int64  `json:"repository_id"`
	RepoName     string `json:"repo_name"`
	RepoPath     string `json:"repo_path"`

	// Classification
	Stack         Stack    `json:"stack"`
	Confidence    float64  `json:"confidence_score"`
	Framework     string   `json:"framework,omitempty"`
	InternalPort  int      `json:"internal_port"`
	RequiresDB    bool     `json:"requires_db"`
	DBType        DBType   `json:"db_type,omitempty"`
	DetectedFiles []string `json:"detected_files,omitempty"`

	// Resource assignment
	AssignedPort int     `json:"assigned_port"`
	Domain       *string `json:"domain,omitempty"`

	// Generated artifacts
	DockerPath        string `json:"docker_path"`
	DockerfileContent string `json:"dockerfile_content"`
	ComposeContent    string `json:"compose_content"`

	// Runtime
	Status       DeploymentStatus `json:"status"`
	ContainerID  string           `json:"container_id,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	LogTail      string           `json:"log_tail,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
}

// BuildFileName is the name the generated build file is written under.
const BuildFileName = "Dockerfile"

// GeneratedBuildFileHeader opens every generated build file. Classification
// ignores build files that start with it.
const GeneratedBuildFileHeader = "# Generated Dockerfile"

// ComposeFileName is the name the generated composition is written under.
const ComposeFileName = "docker-compose.yml"

// NewDeployment builds a pending deployment from a classification and an allocated port.
func NewDeployment(repositoryID int64, repoName, repoPath string, det DetectionResult, port int) *Deployment {
	now := time.Now().UTC()
	files := make([]string, len(det.DetectedFiles))
	copy(files, det.DetectedFiles)
	return &Deployment{
		RepositoryID:  repositoryID,
		RepoName:      repoName,
		RepoPath:      repoPath,
		Stack:         det.Stack,
		Confidence:    det.Confidence,
		Framework:     det.Framework,
		InternalPort:  det.InternalPort,
		RequiresDB:    det.RequiresDB,
		DBType:        det.DBType,
		DetectedFiles: files,
		AssignedPort:  port,
		DockerPath:    BuildFileName,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Transition moves the deployment to a new status, stamping start/stop times.
func (d *Deployment) Transition(to DeploymentStatus) error {
	if err := ValidateTransition(d.Status, to); err != nil {
		return err
	}

	now := time.Now().UTC()
	d.Status = to
	d.UpdatedAt = now

	switch to {
	case StatusRunning:
		d.StartedAt = &now
		d.ErrorMessage = ""
	case StatusStopped:
		d.StoppedAt = &now
	}
	return nil
}

// TransitionToError records an engine failure. The container id and the
// assigned port are left untouched.
func (d *Deployment) TransitionToError(message string) error {
	if err := ValidateTransition(d.Status, StatusError); err != nil {
		return err
	}
	d.Status = StatusError
	d.ErrorMessage = message
	d.UpdatedAt = time.Now().UTC()
	return nil
}

// =============================================================================
// State Machine
// =============================================================================

var validTransitions = map[DeploymentStatus][]DeploymentStatus{
	StatusPending: {StatusRunning, StatusError, StatusDeleted},
	StatusRunning: {StatusStopped, StatusError, StatusDeleted},
	StatusStopped: {StatusRunning, StatusError, StatusDeleted},
	StatusError:   {StatusRunning, StatusError, StatusDeleted},
	StatusDeleted: {},
}

// ValidateTransition checks if a status transition is valid.
func ValidateTransition(from, to DeploymentStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return ErrInvalidTransition
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return ErrInvalidTransition
}
