package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func newTestDeployment(repoID int64, port int) *domain.Deployment {
	det := domain.DetectionResult{
		Stack:         domain.StackNode,
		Confidence:    85,
		Framework:     "Express",
		InternalPort:  3000,
		DetectedFiles: []string{"package.json", "package-lock.json"},
	}
	d := domain.NewDeployment(repoID, "shop", "/srv/repos/shop", det, port)
	d.DockerfileContent = "FROM node:18-alpine\n"
	d.ComposeContent = "services:\n  shop:\n    build: .\n"
	return d
}

func createTestDeployment(t *testing.T, s Store, repoID int64, port int) *domain.Deployment {
	t.Helper()
	d := newTestDeployment(repoID, port)
	require.NoError(t, s.CreateDeployment(context.Background(), d))
	return d
}

// =============================================================================
// Open Tests
// =============================================================================

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("oracle", "whatever")
	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func TestOpen_SQLite(t *testing.T) {
	s, err := Open(DriverSQLite, ":memory:")
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, DriverSQLite, s.Driver())
	assert.NoError(t, s.Ping(context.Background()))
}

// =============================================================================
// Deployment CRUD Tests
// =============================================================================

func TestCreateDeployment_AssignsID(t *testing.T) {
	s := setupTestStore(t)

	first := createTestDeployment(t, s, 1, 20000)
	second := createTestDeployment(t, s, 1, 20001)

	assert.NotZero(t, first.ID)
	assert.Greater(t, second.ID, first.ID)
}

func TestGetDeployment_RoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	d := newTestDeployment(42, 20005)
	hostname := "shop.local"
	d.Domain = &hostname
	d.RequiresDB = true
	d.DBType = domain.DBPostgreSQL
	require.NoError(t, s.CreateDeployment(ctx, d))

	got, err := s.GetDeployment(ctx, d.ID)
	require.NoError(t, err)

	assert.Equal(t, int64(42), got.RepositoryID)
	assert.Equal(t, domain.StackNode, got.Stack)
	assert.Equal(t, 85.0, got.Confidence)
	assert.Equal(t, "Express", got.Framework)
	assert.Equal(t, 3000, got.InternalPort)
	assert.True(t, got.RequiresDB)
	assert.Equal(t, domain.DBPostgreSQL, got.DBType)
	assert.Equal(t, []string{"package.json", "package-lock.json"}, got.DetectedFiles)
	assert.Equal(t, 20005, got.AssignedPort)
	require.NotNil(t, got.Domain)
	assert.Equal(t, "shop.local", *got.Domain)
	assert.Equal(t, d.DockerfileContent, got.DockerfileContent)
	assert.Equal(t, d.ComposeContent, got.ComposeContent)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Empty(t, got.ContainerID)
	assert.Nil(t, got.StartedAt)
	assert.WithinDuration(t, d.CreatedAt, got.CreatedAt, time.Second)
}

func TestGetDeployment_NotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetDeployment(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)

	var storeErr *StoreError
	require.True(t, errors.As(err, &storeErr))
	assert.Equal(t, "GetDeployment", storeErr.Op)
	assert.Equal(t, "999", storeErr.ID)
}

func TestCreateDeployment_DuplicatePort(t *testing.T) {
	s := setupTestStore(t)
	createTestDeployment(t, s, 1, 20000)

	err := s.CreateDeployment(context.Background(), newTestDeployment(2, 20000))
	assert.ErrorIs(t, err, ErrDuplicatePort)
	assert.ErrorIs(t, err, domain.ErrPortConflict)
}

func TestUpdateDeployment(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	d := createTestDeployment(t, s, 1, 20000)

	require.NoError(t, d.Transition(domain.StatusRunning))
	d.ContainerID = "c0ffee"
	d.LogTail = "listening on 3000"
	require.NoError(t, s.UpdateDeployment(ctx, d))

	got, err := s.GetDeployment(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.Equal(t, "c0ffee", got.ContainerID)
	assert.Equal(t, "listening on 3000", got.LogTail)
	assert.NotNil(t, got.StartedAt)
}

func TestUpdateDeployment_NotFound(t *testing.T) {
	s := setupTestStore(t)
	d := newTestDeployment(1, 20000)
	d.ID = 77

	err := s.UpdateDeployment(context.Background(), d)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteDeployment(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	d := createTestDeployment(t, s, 1, 20000)

	require.NoError(t, s.DeleteDeployment(ctx, d.ID))

	_, err := s.GetDeployment(ctx, d.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteDeployment(ctx, d.ID), ErrNotFound)
}

func TestDeleteDeployment_FreesPortForReuse(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	d := createTestDeployment(t, s, 1, 20000)

	require.NoError(t, s.DeleteDeployment(ctx, d.ID))
	createTestDeployment(t, s, 2, 20000)
}

// =============================================================================
// Listing Tests
// =============================================================================

func TestListDeploymentsByRepository_RetainsHistory(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	createTestDeployment(t, s, 1, 20000)
	createTestDeployment(t, s, 1, 20001)
	createTestDeployment(t, s, 2, 20002)

	repo1, err := s.ListDeploymentsByRepository(ctx, 1, DefaultListOptions())
	require.NoError(t, err)
	assert.Len(t, repo1, 2)
	assert.Greater(t, repo1[0].ID, repo1[1].ID, "newest first")

	repo3, err := s.ListDeploymentsByRepository(ctx, 3, DefaultListOptions())
	require.NoError(t, err)
	assert.Empty(t, repo3)
}

func TestListDeployments_Pagination(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		createTestDeployment(t, s, int64(i), 20000+i)
	}

	page, err := s.ListDeployments(ctx, ListOptions{Limit: 2, Offset: 0})
	require.NoError(t, err)
	assert.Len(t, page, 2)

	rest, err := s.ListDeployments(ctx, ListOptions{Limit: 10, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, rest, 3)
}

func TestListDeploymentsByStatus(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	running := createTestDeployment(t, s, 1, 20000)
	require.NoError(t, running.Transition(domain.StatusRunning))
	require.NoError(t, s.UpdateDeployment(ctx, running))
	createTestDeployment(t, s, 2, 20001)

	got, err := s.ListDeploymentsByStatus(ctx, domain.StatusRunning, DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, running.ID, got[0].ID)
}

func TestGetUsedPorts(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	ports, err := s.GetUsedPorts(ctx)
	require.NoError(t, err)
	assert.Empty(t, ports)

	createTestDeployment(t, s, 1, 20010)
	createTestDeployment(t, s, 1, 20003)

	ports, err = s.GetUsedPorts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{20003, 20010}, ports)
}

func TestListOptions_Normalize(t *testing.T) {
	assert.Equal(t, 100, ListOptions{}.Normalize().Limit)
	assert.Equal(t, 1000, ListOptions{Limit: 5000}.Normalize().Limit)
	assert.Equal(t, 0, ListOptions{Offset: -3}.Normalize().Offset)
}

// =============================================================================
// Event Tests
// =============================================================================

func TestDeploymentEvents(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	d := createTestDeployment(t, s, 1, 20000)

	first := domain.NewDeploymentEvent(d.ID, domain.EventCreated, "")
	first.CreatedAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, s.CreateDeploymentEvent(ctx, first))
	require.NoError(t, s.CreateDeploymentEvent(ctx, domain.NewDeploymentEvent(d.ID, domain.EventStarted, "container abc")))

	events, err := s.ListDeploymentEvents(ctx, d.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventStarted, events[0].Type)
	assert.Equal(t, "container abc", events[0].Message)
	assert.Equal(t, domain.EventCreated, events[1].Type)
}

func TestDeploymentEvents_UnknownDeployment(t *testing.T) {
	s := setupTestStore(t)

	err := s.CreateDeploymentEvent(context.Background(), domain.NewDeploymentEvent(404, domain.EventCreated, ""))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeploymentEvents_CascadeOnDelete(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	d := createTestDeployment(t, s, 1, 20000)
	require.NoError(t, s.CreateDeploymentEvent(ctx, domain.NewDeploymentEvent(d.ID, domain.EventCreated, "")))

	require.NoError(t, s.DeleteDeployment(ctx, d.ID))

	events, err := s.ListDeploymentEvents(ctx, d.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

// =============================================================================
// Transaction Tests
// =============================================================================

func TestWithTx_Commit(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	var id int64
	err := s.WithTx(ctx, func(tx Store) error {
		d := newTestDeployment(1, 20000)
		if err := tx.CreateDeployment(ctx, d); err != nil {
			return err
		}
		id = d.ID
		return tx.CreateDeploymentEvent(ctx, domain.NewDeploymentEvent(d.ID, domain.EventCreated, ""))
	})
	require.NoError(t, err)

	_, err = s.GetDeployment(ctx, id)
	assert.NoError(t, err)
}

func TestWithTx_Rollback(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx Store) error {
		if err := tx.CreateDeployment(ctx, newTestDeployment(1, 20000)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	ports, err := s.GetUsedPorts(ctx)
	require.NoError(t, err)
	assert.Empty(t, ports)
}

func TestConcurrentCreate_UniquePorts(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.CreateDeployment(ctx, newTestDeployment(1, 20000))
		}()
	}
	wg.Wait()
	close(errs)

	var ok, conflicts int
	for err := range errs {
		if err == nil {
			ok++
		} else if errors.Is(err, ErrDuplicatePort) {
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 9, conflicts)
}
