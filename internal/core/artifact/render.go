package artifact

import (
	"fmt"

	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/catalog"
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/domain"
)

// Artifacts are the two files written into a repository before a build.
type Artifacts struct {
	BuildFile   string
	Composition string
}

// Render produces both artifacts for a classified repository published on
// externalPort. det should already be completed with catalog.Fill.
func Render(repoName string, det domain.DetectionResult, externalPort int) (Artifacts, error) {
	tmpl, _ := catalog.Lookup(det.Stack)

	spec := BuildSpecFromDetection(det)
	spec.Env = tmpl.Env
	buildFile, err := GenerateBuildFile(spec)
	if err != nil {
		return Artifacts{}, fmt.Errorf("render build file: %w", err)
	}

	composition, err := GenerateComposition(ComposeSpec{
		RepoName:     repoName,
		Stack:        det.Stack,
		ExternalPort: externalPort,
		InternalPort: det.InternalPort,
		DBType:       det.DBType,
	})
	if err != nil {
		return Artifacts{}, fmt.Errorf("render composition: %w", err)
	}

	return Artifacts{BuildFile: buildFile, Composition: composition}, nil
}
