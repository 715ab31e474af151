package artifact

import (
	"fmt"

	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/domain"
)

// =============================================================================
// Skeletons
// =============================================================================

// buildStep marks where the caller's build command is spliced into Install or Build.
const buildStep = "<build>"

// Skeleton describes how one stack is containerized. A set RuntimeImage makes
// the build two-stage: everything up to Build runs in the builder, and only
// Artifact is copied into the runtime stage.
type Skeleton struct {
	BaseImage    string
	RuntimeImage string

	// Setup holds complete instructions run before any sources are copied.
	Setup []string
	// Manifests are copied ahead of the source tree so dependency layers cache.
	Manifests []string
	Install   []string // RUN steps after manifests are copied
	Build     []string // RUN steps after the full source copy

	Artifact     string // path inside the builder
	ArtifactDest string // path inside the runtime stage

	RuntimeSetup []string // complete instructions for the runtime stage
	UserSetup    string   // RUN step creating User, empty when the image ships one
	User         string

	Probe probeKind
	// PortEnv names extra variables that must carry the listen address.
	PortEnv map[string]string
	// Cmd, when set, replaces the run command. Two-stage skeletons set it
	// because the run command refers to builder paths.
	Cmd []string
	// Manual marks skeletons that need hand editing before they can run.
	Manual bool
}

// TwoStage reports whether the skeleton uses a separate runtime image.
func (s Skeleton) TwoStage() bool {
	return s.RuntimeImage != ""
}

type probeKind int

const (
	probeWget probeKind = iota
	probeCurl
	probePython
	probePHP
	probeTCP
)

// probeCommand renders the HEALTHCHECK command for a probe.
func probeCommand(kind probeKind, port int, path string) string {
	url := fmt.Sprintf("http://localhost:%d%s", port, path)
	switch kind {
	case probeCurl:
		return fmt.Sprintf("curl -fsS %s || exit 1", url)
	case probePython:
		return fmt.Sprintf(`python -c "import urllib.request; urllib.request.urlopen('%s')" || exit 1`, url)
	case probePHP:
		return fmt.Sprintf(`php -r "exit(@file_get_contents('%s') === false ? 1 : 0);"`, url)
	case probeTCP:
		return fmt.Sprintf("bash -c '</dev/tcp/127.0.0.1/%d' || exit 1", port)
	default:
		return fmt.Sprintf("wget -q --spider %s || exit 1", url)
	}
}

const (
	aptCleanup    = "rm -rf /var/lib/apt/lists/*"
	debianUser    = "useradd --create-home --shell /usr/sbin/nologin app"
	alpineUser    = "adduser -D -H app"
	appUser       = "app"
	javaJarSelect = "find target -maxdepth 1 -name '*.jar' ! -name '*-plain.jar' ! -name 'original-*' | head -n 1 | xargs -I{} cp {} app.jar"
)

var skeletons = map[domain.Stack]Skeleton{
	domain.StackNode: {
		BaseImage: "node:18-alpine",
		Manifests: []string{"package*.json"},
		Install:   []string{buildStep},
		Build:     []string{"npm run build --if-present"},
		User:      "node",
		Probe:     probeWget,
	},
	domain.StackPython: {
		BaseImage: "python:3.11-slim",
		Setup: []string{
			"RUN apt-get update && apt-get install -y --no-install-recommends build-essential && " + aptCleanup,
		},
		Manifests: []string{"requirements.txt"},
		Install:   []string{buildStep},
		UserSetup: debianUser,
		User:      appUser,
		Probe:     probePython,
	},
	domain.StackPHP: {
		BaseImage: "php:8.2-cli",
		Setup: []string{
			"RUN apt-get update && apt-get install -y --no-install-recommends git unzip libpq-dev && " + aptCleanup,
			"RUN docker-php-ext-install pdo pdo_mysql pdo_pgsql",
			"COPY --from=composer:2 /usr/bin/composer /usr/bin/composer",
		},
		Manifests: []string{"composer.json", "composer.lock*"},
		Install:   []string{buildStep + " --no-dev --no-scripts --optimize-autoloader"},
		User:      "www-data",
		Probe:     probePHP,
	},
	domain.StackGo: {
		BaseImage:    "golang:1.21-alpine",
		RuntimeImage: "alpine:latest",
		Manifests:    []string{"go.mod", "go.sum*"},
		Install:      []string{"go mod download"},
		Build:        []string{"CGO_ENABLED=0 GOOS=linux " + buildStep},
		Artifact:     "/app/app",
		ArtifactDest: "./app",
		RuntimeSetup: []string{"RUN apk add --no-cache ca-certificates"},
		UserSetup:    alpineUser,
		User:         appUser,
		Probe:        probeWget,
		Cmd:          []string{"./app"},
	},
	domain.StackRuby: {
		BaseImage: "ruby:3.2-slim",
		Setup: []string{
			"RUN apt-get update && apt-get install -y --no-install-recommends build-essential git curl libpq-dev && " + aptCleanup,
		},
		Manifests: []string{"Gemfile", "Gemfile.lock*"},
		Install:   []string{buildStep},
		UserSetup: debianUser,
		User:      appUser,
		Probe:     probeCurl,
	},
	domain.StackJava: {
		BaseImage:    "maven:3.9-eclipse-temurin-21",
		RuntimeImage: "eclipse-temurin:21-jre-alpine",
		Manifests:    []string{"pom.xml"},
		Install:      []string{"mvn -B dependency:resolve"},
		Build:        []string{buildStep, javaJarSelect},
		Artifact:     "/app/app.jar",
		ArtifactDest: "app.jar",
		UserSetup:    alpineUser,
		User:         appUser,
		Probe:        probeWget,
		Cmd:          []string{"sh", "-c", "exec java $JAVA_OPTS -jar app.jar"},
	},
	domain.StackCSharp: {
		BaseImage:    "mcr.microsoft.com/dotnet/sdk:8.0",
		RuntimeImage: "mcr.microsoft.com/dotnet/aspnet:8.0",
		Manifests:    []string{"*.csproj"},
		Install:      []string{"dotnet restore"},
		Build:        []string{buildStep, "dotnet publish -c Release -o out /p:AssemblyName=app"},
		Artifact:     "/app/out/",
		ArtifactDest: "./",
		RuntimeSetup: []string{
			"RUN apt-get update && apt-get install -y --no-install-recommends curl && " + aptCleanup,
		},
		User:    appUser,
		Probe:   probeCurl,
		PortEnv: map[string]string{"ASPNETCORE_URLS": "http://+:%d"},
		Cmd:     []string{"dotnet", "app.dll"},
	},
	domain.StackRust: {
		BaseImage:    "rust:latest",
		RuntimeImage: "debian:bookworm-slim",
		Manifests:    []string{"Cargo.toml", "Cargo.lock*"},
		Install: []string{
			"mkdir -p src && echo 'fn main() {}' > src/main.rs && cargo build --release && rm -rf src",
		},
		Build: []string{
			"touch src/main.rs",
			buildStep,
			`cp "$(find target/release -maxdepth 1 -type f -perm -u+x | head -n 1)" /app/server`,
		},
		Artifact:     "/app/server",
		ArtifactDest: "./server",
		RuntimeSetup: []string{
			"RUN apt-get update && apt-get install -y --no-install-recommends ca-certificates curl && " + aptCleanup,
		},
		UserSetup: debianUser,
		User:      appUser,
		Probe:     probeCurl,
		Cmd:       []string{"./server"},
	},
	domain.StackStatic: {
		BaseImage: "node:18-alpine",
		Setup:     []string{"RUN npm install -g http-server"},
		User:      "node",
		Probe:     probeWget,
	},
}

var fallbackSkeleton = Skeleton{
	BaseImage: "ubuntu:22.04",
	UserSetup: debianUser,
	User:      appUser,
	Probe:     probeTCP,
	Cmd:       []string{"/bin/bash"},
	Manual:    true,
}

// SkeletonFor returns the skeleton for stack, falling back to a generic
// Ubuntu image for stacks without one.
func SkeletonFor(stack domain.Stack) (Skeleton, bool) {
	s, ok := skeletons[stack]
	if !ok {
		return fallbackSkeleton, false
	}
	return s, true
}
