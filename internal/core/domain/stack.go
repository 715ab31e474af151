package domain

import "strings"

// =============================================================================
// Stack
// =============================================================================

// Stack is a language/runtime family the engine knows how to containerize.
type Stack string

const (
	StackNode    Stack = "node"
	StackPython  Stack = "python"
	StackPHP     Stack = "php"
	StackGo      Stack = "go"
	StackRuby    Stack = "ruby"
	StackJava    Stack = "java"
	StackCSharp  Stack = "csharp"
	StackRust    Stack = "rust"
	StackStatic  Stack = "static"
	StackUnknown Stack = "unknown"
)

// KnownStacks lists every classifiable stack in tie-break priority order.
var KnownStacks = []Stack{
	StackNode,
	StackPython,
	StackGo,
	StackJava,
	StackCSharp,
	StackRust,
	StackRuby,
	StackPHP,
	StackStatic,
}

// ParseStack returns the stack named by s. Unrecognized names yield StackUnknown and false.
func ParseStack(s string) (Stack, bool) {
	st := Stack(strings.ToLower(strings.TrimSpace(s)))
	if st == "golang" {
		st = StackGo
	}
	if st == "nodejs" {
		st = StackNode
	}
	for _, k := range KnownStacks {
		if k == st {
			return k, true
		}
	}
	return StackUnknown, false
}

// Priority returns the tie-break rank of s; lower wins.
func (s Stack) Priority() int {
	for i, k := range KnownStacks {
		if k == s {
			return i
		}
	}
	return len(KnownStacks)
}

// =============================================================================
// Detection Result
// =============================================================================

// DetectionResult is the output of classifying a source tree.
type DetectionResult struct {
	Stack           Stack    `json:"stack"`
	Confidence      float64  `json:"confidence_score"`
	DetectedFiles   []string `json:"detected_files"`
	Framework       string   `json:"framework,omitempty"`
	InternalPort    int      `json:"internal_port"`
	BuildCommand    string   `json:"build_command,omitempty"`
	RunCommand      string   `json:"run_command,omitempty"`
	RequiresDB      bool     `json:"requires_db"`
	DBType          DBType   `json:"db_type,omitempty"`
	DetectedVersion string   `json:"detected_version,omitempty"`
}

// WithStack swaps the stack and drops everything the classifier derived
// from the old one.
func (r DetectionResult) WithStack(stack Stack) DetectionResult {
	r.Stack = stack
	r.Framework = ""
	r.InternalPort = 0
	r.BuildCommand = ""
	r.RunCommand = ""
	r.DetectedVersion = ""
	return r
}

// Unknown returns the result reported for an empty or unreadable tree.
func Unknown() DetectionResult {
	return DetectionResult{Stack: StackUnknown, Confidence: 0, DetectedFiles: []string{}}
}
