package deployment

import (
	"regexp"
	"strconv"
)

// =============================================================================
// Variable Substitution Functions
// =============================================================================

// varPlaceholder matches ${VAR} and ${VAR:-default}. Group 2 is set only when
// the ":-" form is used, even for an empty default.
var varPlaceholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// SubstituteVariables replaces ${VAR} and ${VAR:-default} placeholders.
// Unknown variables without a default are left as written.
//
// Example:
//
//	SubstituteVariables("http://localhost:${ASSIGNED_PORT}", map[string]string{"ASSIGNED_PORT": "20001"})
//	// Returns: "http://localhost:20001"
func SubstituteVariables(value string, variables map[string]string) string {
	return varPlaceholder.ReplaceAllStringFunc(value, func(match string) string {
		m := varPlaceholder.FindStringSubmatch(match)
		if val, ok := variables[m[1]]; ok {
			return val
		}
		if m[2] != "" {
			return m[3]
		}
		return match
	})
}

// DeploymentVariables are the values available to composition placeholders.
func DeploymentVariables(deploymentID int64, project string, assignedPort, internalPort int) map[string]string {
	return map[string]string{
		"DEPLOYMENT_ID": strconv.FormatInt(deploymentID, 10),
		"PROJECT_NAME":  project,
		"ASSIGNED_PORT": strconv.Itoa(assignedPort),
		"INTERNAL_PORT": strconv.Itoa(internalPort),
	}
}
