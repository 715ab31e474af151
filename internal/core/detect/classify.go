// Package detect classifies a source tree into a runtime stack.
//
// Evidence for each stack lives in the Rules table. A single scoring loop
// sums the weights of matched markers, picks the best stack, and then a
// manifest pass fills in framework, database and version details. An authored
// Dockerfile or compose file short-circuits scoring entirely.
package detect

import (
	"bufio"
	"bytes"
	"context"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/distribution/reference"

	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/catalog"
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/compose"
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/domain"
)

// ClassifyPath classifies the directory at dir.
func ClassifyPath(dir string) domain.DetectionResult {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return domain.Unknown()
	}
	return Classify(os.DirFS(dir))
}

// Classify inspects the top level of fsys and reports its most likely stack.
// It never fails: unreadable or empty trees yield domain.Unknown().
func Classify(fsys fs.FS) domain.DetectionResult {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return domain.Unknown()
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return domain.Unknown()
	}
	sort.Strings(names)

	if result, ok := classifyAuthored(fsys, names); ok {
		return result
	}

	best, ok := bestCandidate(scoreAll(fsys, names))
	if !ok {
		return domain.Unknown()
	}
	return finish(fsys, names, best.stack, float64(best.score), best.files, true)
}

// =============================================================================
// Scoring
// =============================================================================

type candidate struct {
	stack       domain.Stack
	score       int
	specificity Specificity
	files       []string
}

func scoreRule(rule Rule, names []string) candidate {
	c := candidate{stack: rule.Stack, specificity: -1}
	seen := make(map[string]bool)
	for _, m := range rule.Markers {
		matched := matchNames(names, m.Pattern)
		if len(matched) == 0 {
			continue
		}
		c.score += m.Weight
		if m.Specificity > c.specificity {
			c.specificity = m.Specificity
		}
		for _, f := range matched {
			if !seen[f] {
				seen[f] = true
				c.files = append(c.files, f)
			}
		}
	}
	return c
}

// scoreAll scores every stack. Static is only considered when nothing else
// has evidence and the tree holds no JSX/TSX sources under src/.
func scoreAll(fsys fs.FS, names []string) []candidate {
	var (
		out    []candidate
		static *Rule
	)
	for i := range Rules {
		rule := Rules[i]
		if rule.Stack == domain.StackStatic {
			static = &Rules[i]
			continue
		}
		if c := scoreRule(rule, names); c.score > 0 {
			out = append(out, c)
		}
	}

	if len(out) == 0 && static != nil && !hasComponentSources(fsys) {
		if c := scoreRule(*static, names); c.score > 0 {
			out = append(out, c)
		}
	}
	return out
}

// bestCandidate orders by score, then marker specificity, then stack priority.
func bestCandidate(cs []candidate) (candidate, bool) {
	if len(cs) == 0 {
		return candidate{}, false
	}
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].score != cs[j].score {
			return cs[i].score > cs[j].score
		}
		if cs[i].specificity != cs[j].specificity {
			return cs[i].specificity > cs[j].specificity
		}
		return cs[i].stack.Priority() < cs[j].stack.Priority()
	})
	return cs[0], true
}

func hasComponentSources(fsys fs.FS) bool {
	entries, err := fs.ReadDir(fsys, "src")
	if err != nil {
		return false
	}
	for _, e := range entries {
		switch path.Ext(e.Name()) {
		case ".tsx", ".jsx":
			return true
		}
	}
	return false
}

// =============================================================================
// Authored Artifacts
// =============================================================================

// classifyAuthored reports the stack implied by an existing Dockerfile or
// compose file. Files whose images map to no stack fall through to scoring,
// as do build files the artifact generator wrote.
func classifyAuthored(fsys fs.FS, names []string) (domain.DetectionResult, bool) {
	present := make(map[string]bool, len(names))
	for _, n := range names {
		present[n] = true
	}

	for _, name := range BuildFileNames {
		if !present[name] {
			continue
		}
		data, err := fs.ReadFile(fsys, name)
		if err != nil || generatedBuildFile(data) {
			continue
		}
		for _, image := range fromImages(data) {
			if stack, ok := stackForImage(image); ok {
				return finish(fsys, names, stack, AuthoredConfidence, []string{name}, false), true
			}
		}
	}

	for _, name := range ComposeFileNames {
		if !present[name] {
			continue
		}
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			continue
		}
		spec, err := compose.ParseComposeSpec(context.Background(), string(data), "")
		if err != nil {
			continue
		}
		for _, image := range spec.Images() {
			if stack, ok := stackForImage(image); ok {
				return finish(fsys, names, stack, AuthoredConfidence, []string{name}, false), true
			}
		}
	}

	return domain.DetectionResult{}, false
}

// fromImages returns the image of every FROM instruction, in order.
func fromImages(dockerfile []byte) []string {
	var images []string
	sc := bufio.NewScanner(bytes.NewReader(dockerfile))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || !strings.EqualFold(fields[0], "FROM") {
			continue
		}
		image := fields[1]
		// FROM --platform=linux/amd64 image
		for i := 1; strings.HasPrefix(image, "--") && i+1 < len(fields); i++ {
			image = fields[i+1]
		}
		images = append(images, image)
	}
	return images
}

// stackForImage parses image as a Docker reference and matches its
// repository path against imageRules. "mongo:7.0" is repository
// "library/mongo" and matches nothing.
func stackForImage(image string) (domain.Stack, bool) {
	named, err := reference.ParseNormalizedNamed(strings.ToLower(image))
	if err != nil {
		return domain.StackUnknown, false
	}
	components := strings.Split(reference.Path(named), "/")
	for i := len(components) - 1; i >= 0; i-- {
		for _, r := range imageRules {
			if components[i] == r.Name || strings.HasPrefix(components[i], r.Name+"-") {
				return r.Stack, true
			}
		}
	}
	return domain.StackUnknown, false
}

// generatedBuildFile reports whether data was written by the artifact
// generator rather than authored.
func generatedBuildFile(data []byte) bool {
	return bytes.HasPrefix(data, []byte(domain.GeneratedBuildFileHeader))
}

// =============================================================================
// Result Assembly
// =============================================================================

func finish(fsys fs.FS, names []string, stack domain.Stack, raw float64, files []string, bonus bool) domain.DetectionResult {
	scan := scanManifests(fsys, names, stack)

	confidence := raw
	if bonus && scan.Known {
		confidence += FrameworkBonus
	}

	detected := append([]string(nil), files...)
	sort.Strings(detected)

	result := domain.DetectionResult{
		Stack:           stack,
		Confidence:      clamp(confidence, 0, 100),
		DetectedFiles:   detected,
		Framework:       scan.Framework,
		RunCommand:      scan.RunCommand,
		DBType:          scan.DBType,
		RequiresDB:      scan.DBType != domain.DBNone,
		DetectedVersion: scan.Version,
	}
	return catalog.Fill(result)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
