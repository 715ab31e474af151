package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/domain"
)

// =============================================================================
// Deployment Operations
// =============================================================================

// deploymentRow represents a deployment row in the database.
type deploymentRow struct {
	ID                int64   `db:"id"`
	RepositoryID      int64   `db:"repository_id"`
	RepoName          string  `db:"repo_name"`
	RepoPath          string  `db:"repo_path"`
	Stack             string  `db:"stack"`
	Confidence        float64 `db:"confidence_score"`
	Framework         string  `db:"framework"`
	InternalPort      int     `db:"internal_port"`
	RequiresDB        bool    `db:"requires_db"`
	DBType            string  `db:"db_type"`
	DetectedFiles     *string `db:"detected_files"`
	AssignedPort      int     `db:"assigned_port"`
	Domain            *string `db:"domain"`
	DockerPath        string  `db:"docker_path"`
	DockerfileContent string  `db:"dockerfile_content"`
	ComposeContent    string  `db:"compose_content"`
	Status            string  `db:"status"`
	ContainerID       string  `db:"container_id"`
	ErrorMessage      string  `db:"error_message"`
	LogTail           string  `db:"log_tail"`
	CreatedAt         string  `db:"created_at"`
	UpdatedAt         string  `db:"updated_at"`
	StartedAt         *string `db:"started_at"`
	StoppedAt         *string `db:"stopped_at"`
}

func (s *SQLStore) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return createDeployment(ctx, s.db, deployment)
}

func (s *SQLStore) GetDeployment(ctx context.Context, id int64) (*domain.Deployment, error) {
	return getDeployment(ctx, s.db, id)
}

func (s *SQLStore) UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return updateDeployment(ctx, s.db, deployment)
}

func (s *SQLStore) DeleteDeployment(ctx context.Context, id int64) error {
	return deleteDeployment(ctx, s.db, id)
}

func (s *SQLStore) ListDeployments(ctx context.Context, opts ListOptions) ([]domain.Deployment, error) {
	return listDeployments(ctx, s.db, opts)
}

func (s *SQLStore) ListDeploymentsByRepository(ctx context.Context, repositoryID int64, opts ListOptions) ([]domain.Deployment, error) {
	return listDeploymentsByRepository(ctx, s.db, repositoryID, opts)
}

func (s *SQLStore) ListDeploymentsByStatus(ctx context.Context, status domain.DeploymentStatus, opts ListOptions) ([]domain.Deployment, error) {
	return listDeploymentsByStatus(ctx, s.db, status, opts)
}

func (s *SQLStore) GetUsedPorts(ctx context.Context) ([]int, error) {
	return getUsedPorts(ctx, s.db)
}

func (s *txStore) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return createDeployment(ctx, s.tx, deployment)
}

func (s *txStore) GetDeployment(ctx context.Context, id int64) (*domain.Deployment, error) {
	return getDeployment(ctx, s.tx, id)
}

func (s *txStore) UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return updateDeployment(ctx, s.tx, deployment)
}

func (s *txStore) DeleteDeployment(ctx context.Context, id int64) error {
	return deleteDeployment(ctx, s.tx, id)
}

func (s *txStore) ListDeployments(ctx context.Context, opts ListOptions) ([]domain.Deployment, error) {
	return listDeployments(ctx, s.tx, opts)
}

func (s *txStore) ListDeploymentsByRepository(ctx context.Context, repositoryID int64, opts ListOptions) ([]domain.Deployment, error) {
	return listDeploymentsByRepository(ctx, s.tx, repositoryID, opts)
}

func (s *txStore) ListDeploymentsByStatus(ctx context.Context, status domain.DeploymentStatus, opts ListOptions) ([]domain.Deployment, error) {
	return listDeploymentsByStatus(ctx, s.tx, status, opts)
}

func (s *txStore) GetUsedPorts(ctx context.Context) ([]int, error) {
	return getUsedPorts(ctx, s.tx)
}

// =============================================================================
// Shared Implementations
// =============================================================================

func deploymentToRow(d *domain.Deployment) (map[string]any, error) {
	files := d.DetectedFiles
	if files == nil {
		files = []string{}
	}
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"id":                 d.ID,
		"repository_id":      d.RepositoryID,
		"repo_name":          d.RepoName,
		"repo_path":          d.RepoPath,
		"stack":              string(d.Stack),
		"confidence_score":   d.Confidence,
		"framework":          d.Framework,
		"internal_port":      d.InternalPort,
		"requires_db":        d.RequiresDB,
		"db_type":            string(d.DBType),
		"detected_files":     string(filesJSON),
		"assigned_port":      d.AssignedPort,
		"domain":             d.Domain,
		"docker_path":        d.DockerPath,
		"dockerfile_content": d.DockerfileContent,
		"compose_content":    d.ComposeContent,
		"status":             string(d.Status),
		"container_id":       d.ContainerID,
		"error_message":      d.ErrorMessage,
		"log_tail":           d.LogTail,
		"created_at":         d.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":         d.UpdatedAt.UTC().Format(time.RFC3339),
		"started_at":         formatTimePtr(d.StartedAt),
		"stopped_at":         formatTimePtr(d.StoppedAt),
	}, nil
}

func createDeployment(ctx context.Context, exec executor, deployment *domain.Deployment) error {
	row, err := deploymentToRow(deployment)
	if err != nil {
		return NewStoreError("CreateDeployment", "deployment", "", "failed to serialize detected files", ErrInvalidData)
	}

	query := `
		INSERT INTO deployments (
			repository_id, repo_name, repo_path,
			stack, confidence_score, framework, internal_port, requires_db, db_type, detected_files,
			assigned_port, domain,
			docker_path, dockerfile_content, compose_content,
			status, container_id, error_message, log_tail,
			created_at, updated_at, started_at, stopped_at
		) VALUES (
			:repository_id, :repo_name, :repo_path,
			:stack, :confidence_score, :framework, :internal_port, :requires_db, :db_type, :detected_files,
			:assigned_port, :domain,
			:docker_path, :dockerfile_content, :compose_content,
			:status, :container_id, :error_message, :log_tail,
			:created_at, :updated_at, :started_at, :stopped_at
		) RETURNING id`

	bound, args, err := sqlx.Named(query, row)
	if err != nil {
		return NewStoreError("CreateDeployment", "deployment", "", err.Error(), ErrInvalidData)
	}

	var id int64
	if err := exec.GetContext(ctx, &id, exec.Rebind(bound), args...); err != nil {
		if isUniqueViolation(err) {
			return NewStoreError("CreateDeployment", "deployment", "",
				"port "+strconv.Itoa(deployment.AssignedPort)+" is already assigned", ErrDuplicatePort)
		}
		return NewStoreError("CreateDeployment", "deployment", "", err.Error(), err)
	}

	deployment.ID = id
	return nil
}

func getDeployment(ctx context.Context, exec executor, id int64) (*domain.Deployment, error) {
	query := exec.Rebind(`SELECT * FROM deployments WHERE id = ?`)

	var row deploymentRow
	if err := exec.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetDeployment", "deployment", idString(id), "deployment not found", ErrNotFound)
		}
		return nil, NewStoreError("GetDeployment", "deployment", idString(id), err.Error(), err)
	}

	return rowToDeployment(&row)
}

func updateDeployment(ctx context.Context, exec executor, deployment *domain.Deployment) error {
	row, err := deploymentToRow(deployment)
	if err != nil {
		return NewStoreError("UpdateDeployment", "deployment", idString(deployment.ID), "failed to serialize detected files", ErrInvalidData)
	}

	query := `
		UPDATE deployments SET
			repo_name = :repo_name,
			repo_path = :repo_path,
			stack = :stack,
			confidence_score = :confidence_score,
			framework = :framework,
			internal_port = :internal_port,
			requires_db = :requires_db,
			db_type = :db_type,
			detected_files = :detected_files,
			assigned_port = :assigned_port,
			domain = :domain,
			docker_path = :docker_path,
			dockerfile_content = :dockerfile_content,
			compose_content = :compose_content,
			status = :status,
			container_id = :container_id,
			error_message = :error_message,
			log_tail = :log_tail,
			updated_at = :updated_at,
			started_at = :started_at,
			stopped_at = :stopped_at
		WHERE id = :id`

	bound, args, err := sqlx.Named(query, row)
	if err != nil {
		return NewStoreError("UpdateDeployment", "deployment", idString(deployment.ID), err.Error(), ErrInvalidData)
	}

	result, err := exec.ExecContext(ctx, exec.Rebind(bound), args...)
	if err != nil {
		if isUniqueViolation(err) {
			return NewStoreError("UpdateDeployment", "deployment", idString(deployment.ID), "port is already assigned", ErrDuplicatePort)
		}
		return NewStoreError("UpdateDeployment", "deployment", idString(deployment.ID), err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UpdateDeployment", "deployment", idString(deployment.ID), "deployment not found", ErrNotFound)
	}

	return nil
}

func deleteDeployment(ctx context.Context, exec executor, id int64) error {
	query := exec.Rebind(`DELETE FROM deployments WHERE id = ?`)

	result, err := exec.ExecContext(ctx, query, id)
	if err != nil {
		return NewStoreError("DeleteDeployment", "deployment", idString(id), err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("DeleteDeployment", "deployment", idString(id), "deployment not found", ErrNotFound)
	}

	return nil
}

func listDeployments(ctx context.Context, exec executor, opts ListOptions) ([]domain.Deployment, error) {
	opts = opts.Normalize()
	query := exec.Rebind(`SELECT * FROM deployments ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`)
	return selectDeployments(ctx, exec, "ListDeployments", query, opts.Limit, opts.Offset)
}

func listDeploymentsByRepository(ctx context.Context, exec executor, repositoryID int64, opts ListOptions) ([]domain.Deployment, error) {
	opts = opts.Normalize()
	query := exec.Rebind(`SELECT * FROM deployments WHERE repository_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`)
	return selectDeployments(ctx, exec, "ListDeploymentsByRepository", query, repositoryID, opts.Limit, opts.Offset)
}

func listDeploymentsByStatus(ctx context.Context, exec executor, status domain.DeploymentStatus, opts ListOptions) ([]domain.Deployment, error) {
	opts = opts.Normalize()
	query := exec.Rebind(`SELECT * FROM deployments WHERE status = ? ORDER BY id ASC LIMIT ? OFFSET ?`)
	return selectDeployments(ctx, exec, "ListDeploymentsByStatus", query, string(status), opts.Limit, opts.Offset)
}

func selectDeployments(ctx context.Context, exec executor, op, query string, args ...any) ([]domain.Deployment, error) {
	var rows []deploymentRow
	if err := exec.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, NewStoreError(op, "deployment", "", err.Error(), err)
	}

	deployments := make([]domain.Deployment, 0, len(rows))
	for i := range rows {
		d, err := rowToDeployment(&rows[i])
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, nil
}

func getUsedPorts(ctx context.Context, exec executor) ([]int, error) {
	query := exec.Rebind(`SELECT assigned_port FROM deployments WHERE status <> ? ORDER BY assigned_port`)

	var ports []int
	if err := exec.SelectContext(ctx, &ports, query, string(domain.StatusDeleted)); err != nil {
		return nil, NewStoreError("GetUsedPorts", "deployment", "", err.Error(), err)
	}
	return ports, nil
}

func rowToDeployment(row *deploymentRow) (*domain.Deployment, error) {
	createdAt, _ := time.Parse(time.RFC3339, row.CreatedAt)
	updatedAt, _ := time.Parse(time.RFC3339, row.UpdatedAt)

	files := []string{}
	if row.DetectedFiles != nil && *row.DetectedFiles != "" && *row.DetectedFiles != "null" {
		if err := json.Unmarshal([]byte(*row.DetectedFiles), &files); err != nil {
			return nil, NewStoreError("rowToDeployment", "deployment", idString(row.ID), "failed to parse detected files", ErrInvalidData)
		}
	}

	return &domain.Deployment{
		ID:                row.ID,
		RepositoryID:      row.RepositoryID,
		RepoName:          row.RepoName,
		RepoPath:          row.RepoPath,
		Stack:             domain.Stack(row.Stack),
		Confidence:        row.Confidence,
		Framework:         row.Framework,
		InternalPort:      row.InternalPort,
		RequiresDB:        row.RequiresDB,
		DBType:            domain.DBType(row.DBType),
		DetectedFiles:     files,
		AssignedPort:      row.AssignedPort,
		Domain:            row.Domain,
		DockerPath:        row.DockerPath,
		DockerfileContent: row.DockerfileContent,
		ComposeContent:    row.ComposeContent,
		Status:            domain.DeploymentStatus(row.Status),
		ContainerID:       row.ContainerID,
		ErrorMessage:      row.ErrorMessage,
		LogTail:           row.LogTail,
		CreatedAt:         createdAt,
		UpdatedAt:         updatedAt,
		StartedAt:         parseTimePtr(row.StartedAt),
		StoppedAt:         parseTimePtr(row.StoppedAt),
	}, nil
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func parseTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil
	}
	return &t
}
