// Package lifecycle drives deployments through their states: it classifies
// source trees, reserves ports, renders artifacts and calls the container
// engine, persisting every transition.
package lifecycle

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrInvalidRepoPath is returned when a repository path is not a directory.
	ErrInvalidRepoPath = errors.New("repository path is not a directory")

	// ErrReposRootUnset is returned by ScanRepositories without a configured root.
	ErrReposRootUnset = errors.New("repositories root is not configured")
)

// OperationError carries the verbatim text reported by a collaborator
// alongside the taxonomy sentinel it maps to.
type OperationError struct {
	Op           string // e.g. "start"
	DeploymentID int64
	Message      string
	Err          error
}

func (e *OperationError) Error() string {
	if e.DeploymentID != 0 {
		return fmt.Sprintf("%s deployment %d: %s", e.Op, e.DeploymentID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

func NewOperationError(op string, deploymentID int64, message string, err error) *OperationError {
	return &OperationError{
		Op:           op,
		DeploymentID: deploymentID,
		Message:      message,
		Err:          err,
	}
}
