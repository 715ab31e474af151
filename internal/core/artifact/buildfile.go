// Package artifact renders container build files and compositions from a
// classification. Rendering is pure: identical input yields identical text.
package artifact

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/catalog"
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/domain"
)

var (
	ErrInvalidPort     = errors.New("port must be between 1 and 65535")
	ErrMissingRunCmd   = errors.New("run command is required")
	ErrMissingRepoName = errors.New("repository name is required")
)

// HealthcheckOptions are shared by every generated build file.
const HealthcheckOptions = "--interval=30s --timeout=3s --start-period=40s --retries=3"

// BuildSpec is the input to GenerateBuildFile. Empty commands take the
// catalog defaults for Stack.
type BuildSpec struct {
	Stack        domain.Stack
	Framework    string
	InternalPort int
	BuildCommand string
	RunCommand   string
	Env          map[string]string
}

// BuildSpecFromDetection builds a BuildSpec from a classification result.
func BuildSpecFromDetection(r domain.DetectionResult) BuildSpec {
	return BuildSpec{
		Stack:        r.Stack,
		Framework:    r.Framework,
		InternalPort: r.InternalPort,
		BuildCommand: r.BuildCommand,
		RunCommand:   r.RunCommand,
	}
}

// =============================================================================
// Rendering
// =============================================================================

type envVar struct {
	Key   string
	Value string
}

type buildFileData struct {
	Label     string
	Stack     domain.Stack
	Manual    bool
	WorkDir   string
	Skeleton  Skeleton
	Install   []string
	Build     []string
	Env       []envVar
	Port      int
	Health    string
	HealthOpt string
	Cmd       string
}

var buildFileTemplate = template.Must(template.New("Dockerfile").Funcs(template.FuncMap{
	"join": strings.Join,
}).Parse(domain.GeneratedBuildFileHeader + ` for {{.Label}} application
# Stack: {{.Stack}}
{{- if .Manual}}
# Manual configuration required: review the install steps and command.
{{- end}}

FROM {{.Skeleton.BaseImage}}{{if .Skeleton.TwoStage}} AS builder{{end}}

WORKDIR {{.WorkDir}}
{{- if and (not .Skeleton.TwoStage) .Skeleton.UserSetup}}

RUN {{.Skeleton.UserSetup}}
{{- end}}
{{- range .Skeleton.Setup}}
{{.}}
{{- end}}
{{- if .Skeleton.Manifests}}

COPY {{join .Skeleton.Manifests " "}} ./
{{- end}}
{{- range .Install}}
RUN {{.}}
{{- end}}

COPY {{if not .Skeleton.TwoStage}}--chown={{.Skeleton.User}}:{{.Skeleton.User}} {{end}}. .
{{- range .Build}}
RUN {{.}}
{{- end}}
{{- if .Skeleton.TwoStage}}

FROM {{.Skeleton.RuntimeImage}}

WORKDIR {{.WorkDir}}
{{- range .Skeleton.RuntimeSetup}}
{{.}}
{{- end}}
{{- if .Skeleton.UserSetup}}
RUN {{.Skeleton.UserSetup}}
{{- end}}

COPY --from=builder --chown={{.Skeleton.User}}:{{.Skeleton.User}} {{.Skeleton.Artifact}} {{.Skeleton.ArtifactDest}}
{{- end}}
{{- if .Env}}
{{range .Env}}
ENV {{.Key}}={{.Value}}
{{- end}}
{{- end}}

USER {{.Skeleton.User}}

EXPOSE {{.Port}}

HEALTHCHECK {{.HealthOpt}} \
  CMD {{.Health}}

CMD {{.Cmd}}
`))

// GenerateBuildFile renders a Dockerfile for spec.
func GenerateBuildFile(spec BuildSpec) (string, error) {
	tmpl, _ := catalog.Lookup(spec.Stack)
	skel, _ := SkeletonFor(spec.Stack)

	port := spec.InternalPort
	if port == 0 {
		port = tmpl.DefaultPort
	}
	if port < 1 || port > 65535 {
		return "", fmt.Errorf("generate build file: %w", ErrInvalidPort)
	}

	buildCmd := spec.BuildCommand
	if buildCmd == "" {
		buildCmd = tmpl.BuildCommand
	}
	runCmd := spec.RunCommand
	if runCmd == "" {
		runCmd = tmpl.RunCommand
	}

	cmd := skel.Cmd
	if cmd == nil {
		cmd = strings.Fields(runCmd)
	}
	if len(cmd) == 0 {
		return "", fmt.Errorf("generate build file for %s: %w", spec.Stack, ErrMissingRunCmd)
	}

	label := spec.Framework
	if label == "" {
		label = tmpl.DisplayName
	}

	healthPath := tmpl.HealthPath
	if healthPath == "" {
		healthPath = "/"
	}

	env := map[string]string{"PORT": fmt.Sprint(port)}
	for k, v := range skel.PortEnv {
		env[k] = fmt.Sprintf(v, port)
	}
	for k, v := range tmpl.Env {
		env[k] = v
	}
	for k, v := range spec.Env {
		env[k] = v
	}

	data := buildFileData{
		Label:     label,
		Stack:     spec.Stack,
		Manual:    skel.Manual,
		WorkDir:   catalog.WorkDir,
		Skeleton:  skel,
		Install:   spliceBuild(skel.Install, buildCmd),
		Build:     spliceBuild(skel.Build, buildCmd),
		Env:       sortedEnv(env),
		Port:      port,
		Health:    probeCommand(skel.Probe, port, healthPath),
		HealthOpt: HealthcheckOptions,
		Cmd:       execForm(cmd),
	}

	var buf bytes.Buffer
	if err := buildFileTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render build file: %w", err)
	}
	return buf.String(), nil
}

// spliceBuild substitutes the build command into steps, dropping steps that
// need it when it is empty.
func spliceBuild(steps []string, buildCmd string) []string {
	out := make([]string, 0, len(steps))
	for _, s := range steps {
		if strings.Contains(s, buildStep) {
			if buildCmd == "" {
				continue
			}
			s = strings.ReplaceAll(s, buildStep, buildCmd)
		}
		out = append(out, s)
	}
	return out
}

func sortedEnv(env map[string]string) []envVar {
	out := make([]envVar, 0, len(env))
	for k, v := range env {
		out = append(out, envVar{Key: k, Value: quoteEnv(v)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func quoteEnv(v string) string {
	if v != "" && !strings.ContainsAny(v, " \t\"'$\\") {
		return v
	}
	return fmt.Sprintf("%q", v)
}

// execForm renders args as a JSON array for exec-form CMD.
func execForm(args []string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(args)
	return strings.TrimSpace(buf.String())
}
