package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Deployment Events
// =============================================================================

type EventType string

const (
	EventCreated    EventType = "created"
	EventStarted    EventType = "started"
	EventStopped    EventType = "stopped"
	EventRestarted  EventType = "restarted"
	EventFailed     EventType = "failed"
	EventReconciled EventType = "reconciled"
)

// DeploymentEvent is an append-only audit entry for a lifecycle operation.
type DeploymentEvent struct {
	ID           string    `json:"id"`
	DeploymentID int64     `json:"deployment_id"`
	Type         EventType `json:"type"`
	Message      string    `json:"message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func NewDeploymentEvent(deploymentID int64, eventType EventType, message string) *DeploymentEvent {
	return &DeploymentEvent{
		ID:           uuid.New().String(),
		DeploymentID: deploymentID,
		Type:         eventType,
		Message:      message,
		CreatedAt:    time.Now().UTC(),
	}
}
