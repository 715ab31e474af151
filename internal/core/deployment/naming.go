package deployment

import (
	"fmt"

	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/domain"
)

// =============================================================================
// Resource Naming Functions
// =============================================================================

// ProjectName is the engine namespace for one deployment.
// Pattern: deploy-{id}-{slug}
//
// Example:
//
//	ProjectName(42, "My API") // returns "deploy-42-my-api"
func ProjectName(deploymentID int64, repoName string) string {
	return fmt.Sprintf("deploy-%d-%s", deploymentID, domain.Slugify(repoName))
}

// ImageName is the tag given to the image built for a project.
func ImageName(project string) string {
	return project + ":latest"
}

// NetworkName scopes a composition network to a project.
// Pattern: {project}_{network}
func NetworkName(project, network string) string {
	return fmt.Sprintf("%s_%s", project, network)
}

// VolumeName scopes a named volume to a project.
// Pattern: {project}_{volume}
func VolumeName(project, volume string) string {
	return fmt.Sprintf("%s_%s", project, volume)
}

// ContainerName names the container for a service in a project.
// Pattern: {project}-{service}
func ContainerName(project, service string) string {
	return fmt.Sprintf("%s-%s", project, service)
}
