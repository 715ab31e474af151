package artifact

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/catalog"
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/domain"
)

// Default credentials written into generated database services.
const (
	DBUser         = "appuser"
	DBPassword     = "apppassword"
	DBRootPassword = "rootpassword"

	// NetworkName is the bridge network shared by every generated service.
	NetworkName = "app-network"
)

// ComposeSpec is the input to GenerateComposition.
type ComposeSpec struct {
	RepoName     string
	Stack        domain.Stack
	ExternalPort int
	InternalPort int
	DBType       domain.DBType
	Env          map[string]string
}

// dbService describes the backing service generated for one database type.
type dbService struct {
	Service  string
	Image    string
	Env      func(name string) map[string]string
	DataPath string
	Volume   string // suffix appended to the repository slug
	Test     []string
	URLEnv   string
	URL      func(name string) string
}

var dbServices = map[domain.DBType]dbService{
	domain.DBPostgreSQL: {
		Service: "database",
		Image:   "postgres:15-alpine",
		Env: func(name string) map[string]string {
			return map[string]string{
				"POSTGRES_USER":     DBUser,
				"POSTGRES_PASSWORD": DBPassword,
				"POSTGRES_DB":       name,
			}
		},
		DataPath: "/var/lib/postgresql/data",
		Volume:   "-db-data",
		Test:     []string{"CMD-SHELL", "pg_isready -U " + DBUser},
		URLEnv:   "DATABASE_URL",
		URL: func(name string) string {
			return fmt.Sprintf("postgresql://%s:%s@database:5432/%s", DBUser, DBPassword, name)
		},
	},
	domain.DBMySQL: {
		Service: "database",
		Image:   "mysql:8.0",
		Env: func(name string) map[string]string {
			return map[string]string{
				"MYSQL_ROOT_PASSWORD": DBRootPassword,
				"MYSQL_DATABASE":      name,
				"MYSQL_USER":          DBUser,
				"MYSQL_PASSWORD":      DBPassword,
			}
		},
		DataPath: "/var/lib/mysql",
		Volume:   "-db-data",
		Test:     []string{"CMD", "mysqladmin", "ping", "-h", "localhost"},
		URLEnv:   "DATABASE_URL",
		URL: func(name string) string {
			return fmt.Sprintf("mysql://%s:%s@database:3306/%s", DBUser, DBPassword, name)
		},
	},
	domain.DBMongoDB: {
		Service: "database",
		Image:   "mongo:7.0",
		Env: func(name string) map[string]string {
			return map[string]string{
				"MONGO_INITDB_ROOT_USERNAME": DBUser,
				"MONGO_INITDB_ROOT_PASSWORD": DBPassword,
				"MONGO_INITDB_DATABASE":      name,
			}
		},
		DataPath: "/data/db",
		Volume:   "-db-data",
		Test:     []string{"CMD", "mongosh", "--quiet", "--eval", "db.adminCommand('ping')"},
		URLEnv:   "MONGODB_URI",
		URL: func(name string) string {
			return fmt.Sprintf("mongodb://%s:%s@database:27017/%s?authSource=admin", DBUser, DBPassword, name)
		},
	},
	domain.DBRedis: {
		Service:  "cache",
		Image:    "redis:7-alpine",
		Env:      func(string) map[string]string { return nil },
		DataPath: "/data",
		Volume:   "-cache-data",
		Test:     []string{"CMD", "redis-cli", "ping"},
		URLEnv:   "REDIS_URL",
		URL:      func(string) string { return "redis://cache:6379" },
	},
}

// DatabaseService returns the service name generated for db, or "" when db
// needs no backing service.
func DatabaseService(db domain.DBType) string {
	return dbServices[db].Service
}

// AppServiceName returns the composition key of the application service.
func AppServiceName(repoName string, db domain.DBType) string {
	name := domain.Slugify(repoName)
	if name == DatabaseService(db) {
		name += "-app"
	}
	return name
}

// GenerateComposition renders a docker-compose document with one application
// service and, when DBType is set, one database service.
func GenerateComposition(spec ComposeSpec) (string, error) {
	if spec.RepoName == "" {
		return "", fmt.Errorf("generate composition: %w", ErrMissingRepoName)
	}
	if !validPort(spec.ExternalPort) {
		return "", fmt.Errorf("generate composition: external port %d: %w", spec.ExternalPort, ErrInvalidPort)
	}

	tmpl, _ := catalog.Lookup(spec.Stack)
	internal := spec.InternalPort
	if internal == 0 {
		internal = tmpl.DefaultPort
	}
	if !validPort(internal) {
		return "", fmt.Errorf("generate composition: internal port %d: %w", internal, ErrInvalidPort)
	}

	slug := domain.Slugify(spec.RepoName)
	appName := AppServiceName(spec.RepoName, spec.DBType)

	env := map[string]string{"PORT": strconv.Itoa(internal)}
	for k, v := range tmpl.Env {
		env[k] = v
	}
	for k, v := range spec.Env {
		env[k] = v
	}

	db, hasDB := dbServices[spec.DBType]
	if hasDB {
		env[db.URLEnv] = db.URL(slug)
	}

	app := newMapping()
	app.add("build", scalar("."))
	app.add("container_name", scalar(slug+"-app"))
	app.add("ports", sequence(quoted(fmt.Sprintf("%d:%d", spec.ExternalPort, internal))))
	app.add("environment", envMapping(env))
	app.add("restart", scalar("unless-stopped"))
	app.add("networks", sequence(scalar(NetworkName)))
	if hasDB {
		cond := newMapping()
		cond.add("condition", scalar("service_healthy"))
		deps := newMapping()
		deps.add(db.Service, cond.node)
		app.add("depends_on", deps.node)
	}

	services := newMapping()
	services.add(appName, app.node)

	root := newMapping()
	volumes := newMapping()

	if hasDB {
		volume := slug + db.Volume

		svc := newMapping()
		svc.add("image", scalar(db.Image))
		svc.add("container_name", scalar(slug+"-"+db.Service))
		if dbEnv := db.Env(slug); len(dbEnv) > 0 {
			svc.add("environment", envMapping(dbEnv))
		}
		svc.add("volumes", sequence(scalar(volume+":"+db.DataPath)))

		test := make([]*yaml.Node, 0, len(db.Test))
		for _, t := range db.Test {
			test = append(test, quoted(t))
		}
		hc := newMapping()
		hc.add("test", flow(sequence(test...)))
		hc.add("interval", scalar("10s"))
		hc.add("timeout", scalar("5s"))
		hc.add("retries", scalar("5"))
		svc.add("healthcheck", hc.node)
		svc.add("restart", scalar("unless-stopped"))
		svc.add("networks", sequence(scalar(NetworkName)))

		services.add(db.Service, svc.node)
		volumes.add(volume, newMapping().node)
	}

	root.add("services", services.node)

	network := newMapping()
	network.add("driver", scalar("bridge"))
	networks := newMapping()
	networks.add(NetworkName, network.node)
	root.add("networks", networks.node)

	if len(volumes.node.Content) > 0 {
		root.add("volumes", volumes.node)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{root.node}}); err != nil {
		return "", fmt.Errorf("encode composition: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("encode composition: %w", err)
	}
	return buf.String(), nil
}

func validPort(p int) bool {
	return p >= 1 && p <= 65535
}

// =============================================================================
// YAML Nodes
// =============================================================================

type mapping struct {
	node *yaml.Node
}

func newMapping() mapping {
	return mapping{node: &yaml.Node{Kind: yaml.MappingNode}}
}

func (m mapping) add(key string, value *yaml.Node) {
	m.node.Content = append(m.node.Content, scalar(key), value)
}

func scalar(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Value: v}
}

func quoted(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Style: yaml.DoubleQuotedStyle, Value: v}
}

func sequence(items ...*yaml.Node) *yaml.Node {
	return &yaml.Node{Kind: yaml.SequenceNode, Content: items}
}

func flow(n *yaml.Node) *yaml.Node {
	n.Style = yaml.FlowStyle
	return n
}

// envMapping renders env with sorted keys and quoted values.
func envMapping(env map[string]string) *yaml.Node {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	m := newMapping()
	for _, k := range keys {
		m.add(k, quoted(env[k]))
	}
	return m.node
}
