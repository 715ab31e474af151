package artifact

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/catalog"
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/domain"
)

func TestGenerateBuildFile_EveryStackHasInvariants(t *testing.T) {
	stacks := append(catalog.Stacks(), domain.StackUnknown)
	for _, stack := range stacks {
		t.Run(string(stack), func(t *testing.T) {
			out, err := GenerateBuildFile(BuildSpec{Stack: stack})
			require.NoError(t, err)

			tmpl, _ := catalog.Lookup(stack)
			assert.Contains(t, out, "WORKDIR /app")
			assert.Contains(t, out, "HEALTHCHECK "+HealthcheckOptions)
			assert.Contains(t, out, "EXPOSE "+strconv.Itoa(tmpl.DefaultPort))
			assert.Regexp(t, `(?m)^USER \S+$`, out)
			assert.NotContains(t, out, "USER root")
			assert.Regexp(t, `(?m)^CMD \[".*"\]$`, out)
			assert.NotContains(t, out, buildStep)
		})
	}
}

func TestGenerateBuildFile_TwoStageStacks(t *testing.T) {
	tests := []struct {
		stack   domain.Stack
		builder string
		runtime string
	}{
		{domain.StackGo, "golang:1.21-alpine", "alpine:latest"},
		{domain.StackJava, "maven:3.9-eclipse-temurin-21", "eclipse-temurin:21-jre-alpine"},
		{domain.StackCSharp, "mcr.microsoft.com/dotnet/sdk:8.0", "mcr.microsoft.com/dotnet/aspnet:8.0"},
		{domain.StackRust, "rust:latest", "debian:bookworm-slim"},
	}

	for _, tt := range tests {
		t.Run(string(tt.stack), func(t *testing.T) {
			out, err := GenerateBuildFile(BuildSpec{Stack: tt.stack})
			require.NoError(t, err)

			assert.Contains(t, out, "FROM "+tt.builder+" AS builder")
			assert.Contains(t, out, "FROM "+tt.runtime+"\n")
			assert.Contains(t, out, "COPY --from=builder")
			assert.Equal(t, 2, strings.Count(out, "\nFROM "))

			// USER applies to the runtime stage only
			assert.Greater(t, strings.Index(out, "USER "), strings.Index(out, "FROM "+tt.runtime))
		})
	}
}

func TestGenerateBuildFile_SingleStageStacks(t *testing.T) {
	for _, stack := range []domain.Stack{domain.StackNode, domain.StackPython, domain.StackPHP, domain.StackRuby, domain.StackStatic} {
		out, err := GenerateBuildFile(BuildSpec{Stack: stack})
		require.NoError(t, err)
		assert.Equal(t, 1, strings.Count(out, "\nFROM "), stack)
		assert.NotContains(t, out, "AS builder", stack)
		assert.Contains(t, out, "COPY --chown=", stack)
	}
}

func TestGenerateBuildFile_Node(t *testing.T) {
	out, err := GenerateBuildFile(BuildSpec{
		Stack:        domain.StackNode,
		Framework:    "Express",
		InternalPort: 4000,
		RunCommand:   "node server.js",
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(out, "# Generated Dockerfile for Express application\n# Stack: node\n"))
	assert.Contains(t, out, "FROM node:18-alpine\n")
	assert.Contains(t, out, "COPY package*.json ./\nRUN npm install\n")
	assert.Contains(t, out, "RUN npm run build --if-present")
	assert.Contains(t, out, "ENV NODE_ENV=production\nENV PORT=4000\n")
	assert.Contains(t, out, "USER node")
	assert.Contains(t, out, "EXPOSE 4000")
	assert.Contains(t, out, "wget -q --spider http://localhost:4000/health || exit 1")
	assert.True(t, strings.HasSuffix(out, "CMD [\"node\",\"server.js\"]\n"))
}

func TestGenerateBuildFile_PythonFrameworkCommand(t *testing.T) {
	out, err := GenerateBuildFile(BuildSpec{
		Stack:      domain.StackPython,
		Framework:  "Django",
		RunCommand: "python manage.py runserver 0.0.0.0:8000",
	})
	require.NoError(t, err)

	assert.Contains(t, out, "FROM python:3.11-slim")
	assert.Contains(t, out, "RUN useradd --create-home")
	assert.Contains(t, out, "RUN pip install -r requirements.txt")
	assert.Contains(t, out, "ENV PYTHONUNBUFFERED=1")
	assert.Contains(t, out, `CMD ["python","manage.py","runserver","0.0.0.0:8000"]`)
}

func TestGenerateBuildFile_Go(t *testing.T) {
	out, err := GenerateBuildFile(BuildSpec{Stack: domain.StackGo})
	require.NoError(t, err)

	assert.Contains(t, out, "COPY go.mod go.sum* ./\nRUN go mod download\n")
	assert.Contains(t, out, "RUN CGO_ENABLED=0 GOOS=linux go build -o app")
	assert.Contains(t, out, "RUN adduser -D -H app")
	assert.Contains(t, out, "COPY --from=builder --chown=app:app /app/app ./app")
	assert.Contains(t, out, `CMD ["./app"]`)
}

func TestGenerateBuildFile_CSharpListensOnPort(t *testing.T) {
	out, err := GenerateBuildFile(BuildSpec{Stack: domain.StackCSharp, InternalPort: 5000})
	require.NoError(t, err)
	assert.Contains(t, out, "ENV ASPNETCORE_URLS=http://+:5000")
	assert.Contains(t, out, `CMD ["dotnet","app.dll"]`)
}

func TestGenerateBuildFile_EmptyBuildCommandDropsStep(t *testing.T) {
	out, err := GenerateBuildFile(BuildSpec{Stack: domain.StackStatic})
	require.NoError(t, err)
	assert.Contains(t, out, "RUN npm install -g http-server")
	assert.Contains(t, out, `CMD ["http-server","-p","3000"]`)
}

func TestGenerateBuildFile_UnknownStackFallback(t *testing.T) {
	out, err := GenerateBuildFile(BuildSpec{Stack: domain.StackUnknown})
	require.NoError(t, err)
	assert.Contains(t, out, "FROM ubuntu:22.04")
	assert.Contains(t, out, "# Manual configuration required")
	assert.Contains(t, out, "EXPOSE 3000")
	assert.Contains(t, out, "/dev/tcp/127.0.0.1/3000")
}

func TestGenerateBuildFile_EnvQuoting(t *testing.T) {
	out, err := GenerateBuildFile(BuildSpec{
		Stack: domain.StackNode,
		Env:   map[string]string{"GREETING": "hello world", "EMPTY": ""},
	})
	require.NoError(t, err)
	assert.Contains(t, out, `ENV GREETING="hello world"`)
	assert.Contains(t, out, `ENV EMPTY=""`)
}

func TestGenerateBuildFile_InvalidPort(t *testing.T) {
	_, err := GenerateBuildFile(BuildSpec{Stack: domain.StackNode, InternalPort: 70000})
	assert.ErrorIs(t, err, ErrInvalidPort)

	_, err = GenerateBuildFile(BuildSpec{Stack: domain.StackNode, InternalPort: -1})
	assert.ErrorIs(t, err, ErrInvalidPort)
}

func TestGenerateBuildFile_Idempotent(t *testing.T) {
	spec := BuildSpec{
		Stack:        domain.StackRuby,
		Framework:    "Rails",
		InternalPort: 3000,
		RunCommand:   "bundle exec rails server -b 0.0.0.0 -p 3000",
		Env:          map[string]string{"B": "2", "A": "1", "C": "3"},
	}
	first, err := GenerateBuildFile(spec)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := GenerateBuildFile(spec)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestBuildSpecFromDetection(t *testing.T) {
	spec := BuildSpecFromDetection(domain.DetectionResult{
		Stack:        domain.StackPython,
		Framework:    "Flask",
		InternalPort: 8000,
		BuildCommand: "pip install -r requirements.txt",
		RunCommand:   "flask run --host=0.0.0.0 --port=8000",
	})
	assert.Equal(t, domain.StackPython, spec.Stack)
	assert.Equal(t, "Flask", spec.Framework)
	assert.Equal(t, 8000, spec.InternalPort)
	assert.Equal(t, "flask run --host=0.0.0.0 --port=8000", spec.RunCommand)
}
