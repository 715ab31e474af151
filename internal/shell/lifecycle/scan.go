package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/detect"
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/domain"
)

// =============================================================================
// Repository Scan
// =============================================================================

// ScannedRepository is one checkout found under the repositories root.
type ScannedRepository struct {
	Name      string                 `json:"name"`
	Path      string                 `json:"path"`
	Detection domain.DetectionResult `json:"detection"`
}

// ScanRepositories lists the directories under the repositories root and
// classifies each. Hidden directories are skipped.
func (o *Orchestrator) ScanRepositories(ctx context.Context) (repos []ScannedRepository, err error) {
	start := time.Now()
	defer func() { o.observe("scan", start, err) }()

	root := o.config.ReposRoot
	if root == "" {
		return nil, NewOperationError("scan", 0, "set repos.root to enable scanning", ErrReposRootUnset)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, NewOperationError("scan", 0, err.Error(), ErrInvalidRepoPath)
	}

	repos = make([]ScannedRepository, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, NewOperationError("scan", 0, err.Error(), err)
		}
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(root, entry.Name())
		repos = append(repos, ScannedRepository{
			Name:      entry.Name(),
			Path:      path,
			Detection: detect.ClassifyPath(path),
		})
	}

	o.logger.Debug("scanned repositories", "root", root, "count", len(repos))
	return repos, nil
}
