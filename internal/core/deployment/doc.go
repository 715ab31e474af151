// Package deployment turns a parsed composition into an engine execution plan.
//
// Everything here is pure. The Docker shell consumes the plans:
//
//	project := deployment.ProjectName(d.ID, d.RepoName)
//	plan := deployment.PlanComposition(deployment.CompositionParams{...})
//	for _, c := range plan.Containers { ... }
//
// Resource names are scoped by project so two deployments of the same
// repository never share a container, network or volume.
package deployment
