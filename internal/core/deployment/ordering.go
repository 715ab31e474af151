package deployment

import (
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/compose"
)

// =============================================================================
// Service Ordering Functions
// =============================================================================

// TopologicalSort sorts services by their dependencies using Kahn's algorithm.
// Services with no dependencies come first; among ready services the input
// order is kept, so the result is deterministic.
//
// If a cycle exists (which the parser rejects), the remaining services are
// appended in input order.
//
// Example:
//
//	// Services: web → api → db
//	sorted := TopologicalSort([]compose.Service{
//	    {Name: "web", DependsOn: []string{"api"}},
//	    {Name: "api", DependsOn: []string{"db"}},
//	    {Name: "db"},
//	})
//	// Result: [db, api, web]
func TopologicalSort(services []compose.Service) []compose.Service {
	if len(services) == 0 {
		return services
	}

	known := make(map[string]bool, len(services))
	for _, svc := range services {
		known[svc.Name] = true
	}

	inDegree := make(map[string]int, len(services))
	dependents := make(map[string][]string)
	for _, svc := range services {
		for _, dep := range svc.DependsOn {
			if !known[dep] {
				continue
			}
			inDegree[svc.Name]++
			dependents[dep] = append(dependents[dep], svc.Name)
		}
	}

	ready := make(map[string]bool)
	for _, svc := range services {
		if inDegree[svc.Name] == 0 {
			ready[svc.Name] = true
		}
	}

	result := make([]compose.Service, 0, len(services))
	placed := make(map[string]bool, len(services))
	for len(ready) > 0 {
		// take the first ready service in input order
		for _, svc := range services {
			if !ready[svc.Name] {
				continue
			}
			delete(ready, svc.Name)
			placed[svc.Name] = true
			result = append(result, svc)
			for _, d := range dependents[svc.Name] {
				inDegree[d]--
				if inDegree[d] == 0 {
					ready[d] = true
				}
			}
			break
		}
	}

	for _, svc := range services {
		if !placed[svc.Name] {
			result = append(result, svc)
		}
	}

	return result
}
