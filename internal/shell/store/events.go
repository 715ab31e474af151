package store

import (
	"context"
	"time"

	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/domain"
)

// =============================================================================
// Deployment Event Operations
// =============================================================================

// eventTimeLayout is fixed width so text ordering matches time ordering.
const eventTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type eventRow struct {
	ID           string `db:"id"`
	DeploymentID int64  `db:"deployment_id"`
	Type         string `db:"type"`
	Message      string `db:"message"`
	CreatedAt    string `db:"created_at"`
}

func (s *SQLStore) CreateDeploymentEvent(ctx context.Context, event *domain.DeploymentEvent) error {
	return createDeploymentEvent(ctx, s.db, event)
}

func (s *SQLStore) ListDeploymentEvents(ctx context.Context, deploymentID int64, limit int) ([]domain.DeploymentEvent, error) {
	return listDeploymentEvents(ctx, s.db, deploymentID, limit)
}

func (s *txStore) CreateDeploymentEvent(ctx context.Context, event *domain.DeploymentEvent) error {
	return createDeploymentEvent(ctx, s.tx, event)
}

func (s *txStore) ListDeploymentEvents(ctx context.Context, deploymentID int64, limit int) ([]domain.DeploymentEvent, error) {
	return listDeploymentEvents(ctx, s.tx, deploymentID, limit)
}

func createDeploymentEvent(ctx context.Context, exec executor, event *domain.DeploymentEvent) error {
	query := exec.Rebind(`
		INSERT INTO deployment_events (id, deployment_id, type, message, created_at)
		VALUES (?, ?, ?, ?, ?)`)

	_, err := exec.ExecContext(ctx, query,
		event.ID,
		event.DeploymentID,
		string(event.Type),
		event.Message,
		event.CreatedAt.UTC().Format(eventTimeLayout),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return NewStoreError("CreateDeploymentEvent", "deployment_event", event.ID, "deployment not found", ErrNotFound)
		}
		return NewStoreError("CreateDeploymentEvent", "deployment_event", event.ID, err.Error(), err)
	}
	return nil
}

// listDeploymentEvents returns events newest first.
func listDeploymentEvents(ctx context.Context, exec executor, deploymentID int64, limit int) ([]domain.DeploymentEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := exec.Rebind(`
		SELECT id, deployment_id, type, message, created_at
		FROM deployment_events
		WHERE deployment_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`)

	var rows []eventRow
	if err := exec.SelectContext(ctx, &rows, query, deploymentID, limit); err != nil {
		return nil, NewStoreError("ListDeploymentEvents", "deployment_event", "", err.Error(), err)
	}

	events := make([]domain.DeploymentEvent, 0, len(rows))
	for _, row := range rows {
		createdAt, _ := time.Parse(time.RFC3339Nano, row.CreatedAt)
		events = append(events, domain.DeploymentEvent{
			ID:           row.ID,
			DeploymentID: row.DeploymentID,
			Type:         domain.EventType(row.Type),
			Message:      row.Message,
			CreatedAt:    createdAt,
		})
	}
	return events, nil
}
