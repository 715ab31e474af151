// Package store persists deployments and their event history.
package store

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/domain"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrNotFound is the record-not-found member of the domain taxonomy.
	ErrNotFound = domain.ErrRecordNotFound

	// ErrDuplicatePort is returned when another record already holds the port.
	ErrDuplicatePort = domain.ErrPortConflict

	ErrForeignKey       = errors.New("foreign key constraint violated")
	ErrConnectionFailed = errors.New("database connection failed")
	ErrMigrationFailed  = errors.New("database migration failed")
	ErrInvalidData      = errors.New("invalid data format")
	ErrTxFailed         = errors.New("transaction failed")
	ErrUnknownDriver    = errors.New("unsupported database driver")
)

// StoreError wraps errors with additional context.
type StoreError struct {
	Op      string // e.g. "CreateDeployment"
	Entity  string // e.g. "deployment"
	ID      string
	Message string
	Err     error
}

func (e *StoreError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s %s: %s", e.Op, e.Entity, e.ID, e.Message)
	}
	if e.Entity != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Entity, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func NewStoreError(op, entity, id, message string, err error) *StoreError {
	return &StoreError{
		Op:      op,
		Entity:  entity,
		ID:      id,
		Message: message,
		Err:     err,
	}
}

func idString(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}
