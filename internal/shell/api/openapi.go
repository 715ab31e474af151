package api

import (
	"net/http"

	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/domain"
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/shell/api/openapi"
)

// newDocument describes every route served by Routes.
func newDocument(version string) *openapi.Generator {
	g := openapi.NewGenerator(
		openapi.WithTitle("Repo Deployer API"),
		openapi.WithVersion(version),
		openapi.WithDescription("Classifies repository checkouts, generates container artifacts and runs them on the local Docker engine"),
	)

	const (
		deployments  = "Deployments"
		repositories = "Repositories"
		system       = "System"
	)
	lifecycleErrors := []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusBadGateway, http.StatusGatewayTimeout}

	g.Register(
		openapi.Route{
			Method: http.MethodGet, Path: "/health", OperationID: "health",
			Summary: "Liveness probe", Tag: system, Response: HealthResponse{},
		},
		openapi.Route{
			Method: http.MethodGet, Path: "/ready", OperationID: "ready",
			Summary: "Readiness probe", Tag: system, Response: ReadyResponse{},
			Errors: []int{http.StatusServiceUnavailable},
		},
		openapi.Route{
			Method: http.MethodGet, Path: "/api/v1/catalog", OperationID: "listCatalog",
			Summary: "List per-stack defaults", Tag: system, Response: CatalogResponse{},
		},
		openapi.Route{
			Method: http.MethodPost, Path: "/api/v1/deployments/detect", OperationID: "detectStack",
			Summary: "Classify a repository checkout", Tag: deployments,
			Request: DetectRequest{}, Response: domain.DetectionResult{},
			Errors: []int{http.StatusBadRequest},
		},
		openapi.Route{
			Method: http.MethodPost, Path: "/api/v1/deployments", OperationID: "createDeployment",
			Summary: "Classify, reserve a port and generate artifacts", Tag: deployments,
			Request: CreateDeploymentRequest{}, Response: DeploymentResponse{}, Status: http.StatusCreated,
			Errors: []int{http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusServiceUnavailable},
		},
		openapi.Route{
			Method: http.MethodGet, Path: "/api/v1/deployments", OperationID: "listDeployments",
			Summary: "List deployments", Tag: deployments, Query: []string{"limit", "offset"},
			Response: DeploymentListResponse{}, Errors: []int{http.StatusBadRequest},
		},
		openapi.Route{
			Method: http.MethodGet, Path: "/api/v1/deployments/{id}", OperationID: "getDeployment",
			Summary: "Get a deployment", Tag: deployments, Response: DeploymentResponse{},
			Errors: []int{http.StatusBadRequest, http.StatusNotFound},
		},
		openapi.Route{
			Method: http.MethodDelete, Path: "/api/v1/deployments/{id}", OperationID: "deleteDeployment",
			Summary: "Tear down, remove and release the port", Tag: deployments,
			Response: DeleteDeploymentResponse{}, Errors: []int{http.StatusBadRequest, http.StatusNotFound},
		},
		openapi.Route{
			Method: http.MethodPost, Path: "/api/v1/deployments/{id}/start", OperationID: "startDeployment",
			Summary: "Build and run a deployment", Tag: deployments,
			Request: StartDeploymentRequest{}, Response: DeploymentResponse{}, Errors: lifecycleErrors,
		},
		openapi.Route{
			Method: http.MethodPost, Path: "/api/v1/deployments/{id}/stop", OperationID: "stopDeployment",
			Summary: "Stop a running deployment", Tag: deployments,
			Response: DeploymentResponse{}, Errors: lifecycleErrors,
		},
		openapi.Route{
			Method: http.MethodPost, Path: "/api/v1/deployments/{id}/restart", OperationID: "restartDeployment",
			Summary: "Restart a deployment", Tag: deployments,
			Request: RestartDeploymentRequest{}, Response: DeploymentResponse{}, Errors: lifecycleErrors,
		},
		openapi.Route{
			Method: http.MethodGet, Path: "/api/v1/deployments/{id}/events", OperationID: "listDeploymentEvents",
			Summary: "Event history, newest first", Tag: deployments, Query: []string{"limit"},
			Response: EventListResponse{}, Errors: []int{http.StatusBadRequest, http.StatusNotFound},
		},
		openapi.Route{
			Method: http.MethodGet, Path: "/api/v1/repositories/scan", OperationID: "scanRepositories",
			Summary: "Classify every checkout under the repositories root", Tag: repositories,
			Response: ScanResponse{}, Errors: []int{http.StatusBadRequest, http.StatusNotImplemented},
		},
		openapi.Route{
			Method: http.MethodGet, Path: "/api/v1/repositories/{repoID}/deployments", OperationID: "listRepositoryDeployments",
			Summary: "Deployments of one repository, newest first", Tag: repositories,
			Response: DeploymentListResponse{}, Errors: []int{http.StatusBadRequest},
		},
	)
	return g
}
