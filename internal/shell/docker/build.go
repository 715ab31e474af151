package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/pkg/archive"
)

// =============================================================================
// Image Build
// =============================================================================

// BuildImage tars spec.ContextDir, honoring spec.Excludes, and builds it.
// Build output lines are passed to onOutput when it is not nil. The returned
// id is the image id reported by the daemon, or the tag when none was sent.
func (d *DockerClient) BuildImage(ctx context.Context, spec ImageBuildSpec, onOutput BuildOutputFunc) (string, error) {
	if strings.TrimSpace(spec.ContextDir) == "" {
		return "", NewDockerError("BuildImage", "image", spec.Tag, "build directory cannot be empty", ErrImageBuildFailed)
	}
	if strings.TrimSpace(spec.Tag) == "" {
		return "", NewDockerError("BuildImage", "image", "", "image tag cannot be empty", ErrImageBuildFailed)
	}

	buildCtx, err := archive.TarWithOptions(spec.ContextDir, &archive.TarOptions{
		ExcludePatterns: spec.Excludes,
	})
	if err != nil {
		return "", NewDockerError("BuildImage", "image", spec.Tag, "create build context: "+err.Error(), ErrImageBuildFailed)
	}
	defer buildCtx.Close()

	resp, err := d.cli.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:        []string{spec.Tag},
		Dockerfile:  spec.Dockerfile,
		Remove:      true,
		ForceRemove: true,
		Labels:      spec.Labels,
		BuildArgs:   spec.BuildArgs,
	})
	if err != nil {
		return "", NewDockerError("BuildImage", "image", spec.Tag, err.Error(), ErrImageBuildFailed)
	}
	defer resp.Body.Close()

	id, err := decodeBuildStream(resp.Body, onOutput)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", NewDockerError("BuildImage", "image", spec.Tag, err.Error(), ctxErr)
		}
		return "", NewDockerError("BuildImage", "image", spec.Tag, err.Error(), ErrImageBuildFailed)
	}
	if id == "" {
		id = spec.Tag
	}
	return id, nil
}

// decodeBuildStream consumes the daemon's JSON message stream. The first
// error message in the stream is returned verbatim.
func decodeBuildStream(r io.Reader, onOutput BuildOutputFunc) (string, error) {
	var imageID string
	decoder := json.NewDecoder(r)
	for {
		var msg buildMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return imageID, nil
			}
			return "", fmt.Errorf("decode build output: %w", err)
		}

		if errMsg := msg.errorMessage(); errMsg != "" {
			return "", errors.New(errMsg)
		}
		if id, ok := msg.Aux["ID"].(string); ok && id != "" {
			imageID = id
		}
		if line := msg.render(); line != "" && onOutput != nil {
			onOutput(line)
		}
	}
}

type buildMessage struct {
	Stream      string           `json:"stream"`
	Status      string           `json:"status"`
	ID          string           `json:"id"`
	Progress    string           `json:"progress"`
	Error       string           `json:"error"`
	ErrorDetail buildErrorDetail `json:"errorDetail"`
	Aux         map[string]any   `json:"aux"`
}

type buildErrorDetail struct {
	Message string `json:"message"`
}

func (m buildMessage) errorMessage() string {
	if msg := strings.TrimSpace(m.Error); msg != "" {
		return msg
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}

func (m buildMessage) render() string {
	if m.Stream != "" {
		return strings.TrimRight(m.Stream, "\n")
	}
	if m.Status == "" {
		return ""
	}
	parts := make([]string, 0, 3)
	if id := strings.TrimSpace(m.ID); id != "" {
		parts = append(parts, id)
	}
	parts = append(parts, strings.TrimSpace(m.Status))
	if p := strings.TrimSpace(m.Progress); p != "" {
		parts = append(parts, p)
	}
	return strings.Join(parts, " ")
}
