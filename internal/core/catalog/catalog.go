// Package catalog holds the static per-stack defaults consulted when a
// classification leaves a field empty.
package catalog

import (
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/domain"
)

// WorkDir is the working directory every generated image uses.
const WorkDir = "/app"

// Template is the set of defaults for one stack.
type Template struct {
	Stack        domain.Stack      `json:"stack"`
	DisplayName  string            `json:"display_name"`
	DefaultPort  int               `json:"default_port"`
	BuildCommand string            `json:"build_command,omitempty"`
	RunCommand   string            `json:"run_command"`
	Env          map[string]string `json:"environment,omitempty"`
	Excludes     []string          `json:"excludes"`
	HealthPath   string            `json:"health_path,omitempty"`
	WorkDir      string            `json:"working_directory"`
}

var templates = map[domain.Stack]Template{
	domain.StackNode: {
		DisplayName:  "Node.js",
		DefaultPort:  3000,
		BuildCommand: "npm install",
		RunCommand:   "npm start",
		Env:          map[string]string{"NODE_ENV": "production"},
		Excludes:     []string{"node_modules", ".git", ".gitignore"},
		HealthPath:   "/health",
	},
	domain.StackPython: {
		DisplayName:  "Python",
		DefaultPort:  8000,
		BuildCommand: "pip install -r requirements.txt",
		RunCommand:   "python main.py",
		Env:          map[string]string{"PYTHONUNBUFFERED": "1"},
		Excludes:     []string{"__pycache__", ".git", "venv", ".venv"},
		HealthPath:   "/health",
	},
	domain.StackPHP: {
		DisplayName:  "PHP",
		DefaultPort:  8000,
		BuildCommand: "composer install",
		RunCommand:   "php -S 0.0.0.0:8000",
		Env:          map[string]string{"PHP_DISPLAY_ERRORS": "0"},
		Excludes:     []string{"vendor", ".git", "node_modules"},
		HealthPath:   "/health.php",
	},
	domain.StackGo: {
		DisplayName:  "Go",
		DefaultPort:  8080,
		BuildCommand: "go build -o app",
		RunCommand:   "./app",
		Env:          map[string]string{"CGO_ENABLED": "0"},
		Excludes:     []string{".git", "vendor"},
		HealthPath:   "/health",
	},
	domain.StackRuby: {
		DisplayName:  "Ruby",
		DefaultPort:  3000,
		BuildCommand: "bundle install",
		RunCommand:   "rails server -b 0.0.0.0",
		Env:          map[string]string{"RAILS_ENV": "production"},
		Excludes:     []string{"vendor", ".git", "node_modules"},
		HealthPath:   "/health",
	},
	domain.StackJava: {
		DisplayName:  "Java",
		DefaultPort:  8080,
		BuildCommand: "mvn clean package -DskipTests",
		RunCommand:   "java -jar target/app.jar",
		Env:          map[string]string{"JAVA_OPTS": "-Xmx512m"},
		Excludes:     []string{".git", "target"},
		HealthPath:   "/health",
	},
	domain.StackCSharp: {
		DisplayName:  ".NET / C#",
		DefaultPort:  5000,
		BuildCommand: "dotnet build",
		RunCommand:   "dotnet run",
		Env:          map[string]string{"ASPNETCORE_ENVIRONMENT": "Production"},
		Excludes:     []string{".git", "bin", "obj"},
		HealthPath:   "/health",
	},
	domain.StackRust: {
		DisplayName:  "Rust",
		DefaultPort:  8080,
		BuildCommand: "cargo build --release",
		RunCommand:   "./target/release/app",
		Excludes:     []string{".git", "target"},
	},
	domain.StackStatic: {
		DisplayName: "Static Site",
		DefaultPort: 3000,
		RunCommand:  "http-server -p 3000",
		Excludes:    []string{".git", "node_modules"},
	},
}

// fallback is used for stacks without an entry.
var fallback = Template{
	Stack:       domain.StackUnknown,
	DisplayName: "Unknown",
	DefaultPort: 3000,
	Excludes:    []string{".git"},
	WorkDir:     WorkDir,
}

// Lookup returns a copy of the template for stack.
func Lookup(stack domain.Stack) (Template, bool) {
	t, ok := templates[stack]
	if !ok {
		return clone(fallback), false
	}
	t.Stack = stack
	t.WorkDir = WorkDir
	return clone(t), true
}

// Stacks lists every stack with a template, in tie-break priority order.
func Stacks() []domain.Stack {
	out := make([]domain.Stack, 0, len(templates))
	for _, s := range domain.KnownStacks {
		if _, ok := templates[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// All returns copies of every template in priority order.
func All() []Template {
	stacks := Stacks()
	out := make([]Template, 0, len(stacks))
	for _, s := range stacks {
		t, _ := Lookup(s)
		out = append(out, t)
	}
	return out
}

// Fill completes the fields a classification left empty from the stack's template.
func Fill(r domain.DetectionResult) domain.DetectionResult {
	t, _ := Lookup(r.Stack)
	if r.InternalPort == 0 {
		r.InternalPort = t.DefaultPort
	}
	if r.BuildCommand == "" {
		r.BuildCommand = t.BuildCommand
	}
	if r.RunCommand == "" {
		r.RunCommand = t.RunCommand
	}
	return r
}

func clone(t Template) Template {
	if t.Env != nil {
		env := make(map[string]string, len(t.Env))
		for k, v := range t.Env {
			env[k] = v
		}
		t.Env = env
	}
	t.Excludes = append([]string(nil), t.Excludes...)
	return t
}
