package detect

import (
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/domain"
)

// =============================================================================
// Evidence Rules
// =============================================================================

// Specificity ranks how strongly a marker pins down a stack.
type Specificity int

const (
	SpecificityExtension Specificity = iota // loose source files
	SpecificitySecondary                    // lockfiles, wrappers, entry pages
	SpecificityManifest                     // dependency manifests
)

// Marker weights.
const (
	WeightManifest  = 70
	WeightSecondary = 10
	WeightExtension = 5
	WeightEntryPage = 40
	// FrameworkBonus is added when a known framework is found in the winning stack.
	FrameworkBonus = 15
	// AuthoredConfidence is reported when a build file or composition already exists.
	AuthoredConfidence = 95
)

// Marker is one piece of evidence. Pattern is either an exact file name or a
// path.Match glob, matched against top-level entries.
type Marker struct {
	Pattern     string
	Weight      int
	Specificity Specificity
}

// Rule is the evidence table for one stack.
type Rule struct {
	Stack   domain.Stack
	Markers []Marker
}

func manifest(p string) Marker  { return Marker{p, WeightManifest, SpecificityManifest} }
func secondary(p string) Marker { return Marker{p, WeightSecondary, SpecificitySecondary} }
func extension(p string) Marker { return Marker{p, WeightExtension, SpecificityExtension} }

// Rules is consulted by one generic scoring loop. Order matches domain.KnownStacks.
var Rules = []Rule{
	{domain.StackNode, []Marker{
		manifest("package.json"),
		secondary("package-lock.json"),
		secondary("yarn.lock"),
		secondary("pnpm-lock.yaml"),
		secondary(".nvmrc"),
		extension("*.js"),
		extension("*.ts"),
		extension("*.mjs"),
	}},
	{domain.StackPython, []Marker{
		manifest("requirements.txt"),
		manifest("pyproject.toml"),
		manifest("setup.py"),
		manifest("Pipfile"),
		secondary("poetry.lock"),
		secondary("Pipfile.lock"),
		secondary(".python-version"),
		extension("*.py"),
	}},
	{domain.StackGo, []Marker{
		manifest("go.mod"),
		secondary("go.sum"),
		extension("*.go"),
	}},
	{domain.StackJava, []Marker{
		manifest("pom.xml"),
		manifest("build.gradle"),
		manifest("build.gradle.kts"),
		secondary("mvnw"),
		secondary("gradlew"),
		extension("*.java"),
		extension("*.kt"),
	}},
	{domain.StackCSharp, []Marker{
		manifest("*.csproj"),
		manifest("*.sln"),
		secondary("global.json"),
		extension("*.cs"),
	}},
	{domain.StackRust, []Marker{
		manifest("Cargo.toml"),
		secondary("Cargo.lock"),
		extension("*.rs"),
	}},
	{domain.StackRuby, []Marker{
		manifest("Gemfile"),
		secondary("Gemfile.lock"),
		secondary("config.ru"),
		secondary("Rakefile"),
		extension("*.rb"),
	}},
	{domain.StackPHP, []Marker{
		manifest("composer.json"),
		secondary("composer.lock"),
		secondary("artisan"),
		extension("*.php"),
	}},
	{domain.StackStatic, []Marker{
		{Pattern: "index.html", Weight: WeightEntryPage, Specificity: SpecificitySecondary},
		{Pattern: "index.htm", Weight: WeightEntryPage, Specificity: SpecificitySecondary},
		extension("*.html"),
		extension("*.css"),
	}},
}

// =============================================================================
// Authored Artifacts
// =============================================================================

// BuildFileNames are recognized authored build files.
var BuildFileNames = []string{"Dockerfile"}

// ComposeFileNames are recognized authored compositions, in lookup order.
var ComposeFileNames = []string{"docker-compose.yml", "docker-compose.yaml", "compose.yaml", "compose.yml"}

// imageRule maps a base image repository name to a stack.
type imageRule struct {
	Name  string
	Stack domain.Stack
}

// imageRules are matched against the path components of a normalized image
// reference, last component first. A component matches a rule when it equals
// Name or starts with Name followed by "-".
var imageRules = []imageRule{
	{"node", domain.StackNode},
	{"python", domain.StackPython},
	{"pypy", domain.StackPython},
	{"php", domain.StackPHP},
	{"composer", domain.StackPHP},
	{"golang", domain.StackGo},
	{"go", domain.StackGo},
	{"ruby", domain.StackRuby},
	{"jruby", domain.StackRuby},
	{"openjdk", domain.StackJava},
	{"eclipse-temurin", domain.StackJava},
	{"amazoncorretto", domain.StackJava},
	{"maven", domain.StackJava},
	{"gradle", domain.StackJava},
	{"java", domain.StackJava},
	{"dotnet", domain.StackCSharp},
	{"rust", domain.StackRust},
	{"nginx", domain.StackStatic},
	{"httpd", domain.StackStatic},
}
