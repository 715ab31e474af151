package detect

import (
	"encoding/json"
	"io/fs"
	"path"
	"regexp"
	"strings"

	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/domain"
)

// =============================================================================
// Framework and Database Markers
// =============================================================================

// frameworkRule names a framework found by Needle. For node the needle is a
// dependency name and for python a normalized package name; elsewhere it is a
// lowercase substring of the manifest.
type frameworkRule struct {
	Needle     string
	Name       string
	RunCommand string
}

type dbRule struct {
	Needle string
	DB     domain.DBType
}

// manifestFiles are the files searched per stack, in order. Globs are allowed.
var manifestFiles = map[domain.Stack][]string{
	domain.StackNode:   {"package.json"},
	domain.StackPython: {"requirements.txt", "pyproject.toml", "Pipfile", "setup.py"},
	domain.StackPHP:    {"composer.json"},
	domain.StackGo:     {"go.mod"},
	domain.StackRuby:   {"Gemfile"},
	domain.StackJava:   {"pom.xml", "build.gradle", "build.gradle.kts"},
	domain.StackCSharp: {"*.csproj"},
	domain.StackRust:   {"Cargo.toml"},
}

var frameworkRules = map[domain.Stack][]frameworkRule{
	domain.StackNode: {
		{Needle: "next", Name: "Next.js"},
		{Needle: "nuxt", Name: "Nuxt"},
		{Needle: "@nestjs/core", Name: "NestJS"},
		{Needle: "gatsby", Name: "Gatsby"},
		{Needle: "express", Name: "Express"},
		{Needle: "fastify", Name: "Fastify"},
		{Needle: "@hapi/hapi", Name: "Hapi"},
		{Needle: "hapi", Name: "Hapi"},
		{Needle: "react", Name: "React"},
		{Needle: "react-dom", Name: "React"},
		{Needle: "vue", Name: "Vue"},
		{Needle: "svelte", Name: "Svelte"},
	},
	domain.StackPython: {
		{Needle: "django", Name: "Django", RunCommand: "python manage.py runserver 0.0.0.0:8000"},
		{Needle: "fastapi", Name: "FastAPI", RunCommand: "uvicorn main:app --host 0.0.0.0 --port 8000"},
		{Needle: "flask", Name: "Flask", RunCommand: "flask run --host=0.0.0.0 --port=8000"},
		{Needle: "pyramid", Name: "Pyramid"},
		{Needle: "tornado", Name: "Tornado"},
	},
	domain.StackPHP: {
		{Needle: "laravel/framework", Name: "Laravel"},
		{Needle: "symfony/", Name: "Symfony"},
		{Needle: "wordpress", Name: "WordPress"},
		{Needle: "drupal/", Name: "Drupal"},
		{Needle: "slim/slim", Name: "Slim"},
	},
	domain.StackGo: {
		{Needle: "github.com/gin-gonic/gin", Name: "Gin"},
		{Needle: "github.com/labstack/echo", Name: "Echo"},
		{Needle: "github.com/gofiber/fiber", Name: "Fiber"},
		{Needle: "github.com/go-chi/chi", Name: "Chi"},
		{Needle: "github.com/gorilla/mux", Name: "Gorilla"},
	},
	domain.StackRuby: {
		{Needle: "rails", Name: "Rails", RunCommand: "bundle exec rails server -b 0.0.0.0 -p 3000"},
		{Needle: "sinatra", Name: "Sinatra"},
		{Needle: "hanami", Name: "Hanami"},
	},
	domain.StackJava: {
		{Needle: "spring-boot", Name: "Spring Boot"},
		{Needle: "quarkus", Name: "Quarkus"},
		{Needle: "micronaut", Name: "Micronaut"},
		{Needle: "springframework", Name: "Spring"},
	},
	domain.StackCSharp: {
		{Needle: "microsoft.net.sdk.web", Name: "ASP.NET Core"},
		{Needle: "microsoft.aspnetcore", Name: "ASP.NET Core"},
	},
	domain.StackRust: {
		{Needle: "actix-web", Name: "Actix-web"},
		{Needle: "rocket", Name: "Rocket"},
		{Needle: "axum", Name: "Axum"},
		{Needle: "warp", Name: "Warp"},
	},
}

var dbRules = map[domain.Stack][]dbRule{
	domain.StackNode: {
		{"pg", domain.DBPostgreSQL},
		{"postgres", domain.DBPostgreSQL},
		{"mysql", domain.DBMySQL},
		{"mysql2", domain.DBMySQL},
		{"mongoose", domain.DBMongoDB},
		{"mongodb", domain.DBMongoDB},
		{"redis", domain.DBRedis},
		{"ioredis", domain.DBRedis},
	},
	domain.StackPython: {
		{"psycopg", domain.DBPostgreSQL},
		{"psycopg-binary", domain.DBPostgreSQL},
		{"psycopg2", domain.DBPostgreSQL},
		{"psycopg2-binary", domain.DBPostgreSQL},
		{"asyncpg", domain.DBPostgreSQL},
		{"sqlalchemy", domain.DBPostgreSQL},
		{"mysqlclient", domain.DBMySQL},
		{"pymysql", domain.DBMySQL},
		{"aiomysql", domain.DBMySQL},
		{"pymongo", domain.DBMongoDB},
		{"mongoengine", domain.DBMongoDB},
		{"motor", domain.DBMongoDB},
		{"redis", domain.DBRedis},
		{"aioredis", domain.DBRedis},
	},
	domain.StackPHP: {
		{"pdo_pgsql", domain.DBPostgreSQL},
		{"doctrine/", domain.DBPostgreSQL},
		{"pdo_mysql", domain.DBMySQL},
		{"mongodb/mongodb", domain.DBMongoDB},
		{"predis/predis", domain.DBRedis},
	},
	domain.StackGo: {
		{"github.com/lib/pq", domain.DBPostgreSQL},
		{"github.com/jackc/pgx", domain.DBPostgreSQL},
		{"gorm.io/driver/postgres", domain.DBPostgreSQL},
		{"github.com/go-sql-driver/mysql", domain.DBMySQL},
		{"gorm.io/driver/mysql", domain.DBMySQL},
		{"go.mongodb.org/mongo-driver", domain.DBMongoDB},
		{"github.com/redis/go-redis", domain.DBRedis},
		{"github.com/go-redis/redis", domain.DBRedis},
	},
	domain.StackRuby: {
		{`gem "pg"`, domain.DBPostgreSQL},
		{`gem 'pg'`, domain.DBPostgreSQL},
		{"mysql2", domain.DBMySQL},
		{"mongoid", domain.DBMongoDB},
		{"redis", domain.DBRedis},
	},
	domain.StackJava: {
		{"postgresql", domain.DBPostgreSQL},
		{"mysql-connector", domain.DBMySQL},
		{"mongodb", domain.DBMongoDB},
		{"jedis", domain.DBRedis},
		{"data-redis", domain.DBRedis},
	},
	domain.StackCSharp: {
		{"npgsql", domain.DBPostgreSQL},
		{"mysql", domain.DBMySQL},
		{"mongodb.driver", domain.DBMongoDB},
		{"stackexchange.redis", domain.DBRedis},
	},
	domain.StackRust: {
		{"postgres", domain.DBPostgreSQL},
		{"mysql", domain.DBMySQL},
		{"mongodb", domain.DBMongoDB},
		{"redis", domain.DBRedis},
	},
}

// defaultFrameworks labels a stack whose manifests name no known framework.
var defaultFrameworks = map[domain.Stack]string{
	domain.StackNode:   "Node.js",
	domain.StackPython: "Python",
	domain.StackPHP:    "PHP",
	domain.StackGo:     "Go",
	domain.StackRuby:   "Ruby",
	domain.StackJava:   "Java",
	domain.StackCSharp: ".NET",
	domain.StackRust:   "Rust",
	domain.StackStatic: "Static Site",
}

// =============================================================================
// Manifest Scan
// =============================================================================

type packageJSON struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	Engines         struct {
		Node string `json:"node"`
	} `json:"engines"`
}

// manifestScan is what the secondary pass learned about the winning stack.
type manifestScan struct {
	Framework  string
	RunCommand string
	DBType     domain.DBType
	Version    string
	Known      bool // a specific framework matched
}

var (
	goDirective    = regexp.MustCompile(`(?m)^go\s+([0-9][0-9.]*)\s*$`)
	pythonToken    = regexp.MustCompile(`[a-z0-9][a-z0-9._-]*`)
	pythonNameSeps = regexp.MustCompile(`[-_.]+`)
)

// scanManifests runs the framework, database and version pass for stack.
// Unreadable files are skipped.
func scanManifests(fsys fs.FS, names []string, stack domain.Stack) manifestScan {
	scan := manifestScan{Framework: defaultFrameworks[stack]}

	if stack == domain.StackNode {
		scanNode(fsys, &scan)
		return scan
	}

	var content strings.Builder
	for _, pattern := range manifestFiles[stack] {
		for _, name := range matchNames(names, pattern) {
			data, err := fs.ReadFile(fsys, name)
			if err != nil {
				continue
			}
			content.WriteString(strings.ToLower(string(data)))
			content.WriteByte('\n')
		}
	}
	text := content.String()

	has := func(needle string) bool { return strings.Contains(text, needle) }
	if stack == domain.StackPython {
		packages := pythonPackages(text)
		has = func(needle string) bool { return packages[needle] }
	}

	for _, rule := range frameworkRules[stack] {
		if has(rule.Needle) {
			scan.Framework = rule.Name
			scan.RunCommand = rule.RunCommand
			scan.Known = true
			break
		}
	}
	for _, rule := range dbRules[stack] {
		if has(rule.Needle) {
			scan.DBType = rule.DB
			break
		}
	}

	switch stack {
	case domain.StackGo:
		if m := goDirective.FindStringSubmatch(text); m != nil {
			scan.Version = m[1]
		}
	case domain.StackPython:
		scan.Version = readTrimmed(fsys, ".python-version")
	case domain.StackRuby:
		scan.Version = readTrimmed(fsys, ".ruby-version")
	}

	return scan
}

func scanNode(fsys fs.FS, scan *manifestScan) {
	data, err := fs.ReadFile(fsys, "package.json")
	if err != nil {
		return
	}
	var pkg packageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return
	}

	has := func(dep string) bool {
		if _, ok := pkg.Dependencies[dep]; ok {
			return true
		}
		_, ok := pkg.DevDependencies[dep]
		return ok
	}

	for _, rule := range frameworkRules[domain.StackNode] {
		if has(rule.Needle) {
			scan.Framework = rule.Name
			scan.RunCommand = rule.RunCommand
			scan.Known = true
			break
		}
	}
	for _, rule := range dbRules[domain.StackNode] {
		if has(rule.Needle) {
			scan.DBType = rule.DB
			break
		}
	}

	scan.Version = pkg.Engines.Node
	if scan.Version == "" {
		scan.Version = readTrimmed(fsys, ".nvmrc")
	}
}

// pythonPackages collects the normalized names that appear as whole tokens in
// lowercased Python manifests, line by line with comments dropped, so
// "django-redis-cache" does not count as "redis".
func pythonPackages(text string) map[string]bool {
	packages := make(map[string]bool)
	for _, line := range strings.Split(text, "\n") {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		for _, tok := range pythonToken.FindAllString(line, -1) {
			packages[pythonNameSeps.ReplaceAllString(tok, "-")] = true
		}
	}
	return packages
}

func readTrimmed(fsys fs.FS, name string) string {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// matchNames returns the names matching pattern, which may be a glob.
func matchNames(names []string, pattern string) []string {
	var out []string
	for _, n := range names {
		if ok, _ := path.Match(pattern, n); ok {
			out = append(out, n)
		}
	}
	return out
}
