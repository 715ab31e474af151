package deployment

import (
	"sort"
	"strconv"
	"time"

	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/compose"
)

// =============================================================================
// Container Plan Building Functions
// =============================================================================

// ManagedLabels are the labels stamped on every resource of a project.
func ManagedLabels(project string, deploymentID int64) map[string]string {
	return map[string]string{
		LabelManaged:    "true",
		LabelDeployment: strconv.FormatInt(deploymentID, 10),
		LabelProject:    project,
	}
}

// BuildContainerPlan builds a ContainerPlan from a compose service.
//
// The container name is project scoped and any container_name in the
// composition is ignored, so container identities never collide across
// deployments. Named volumes and networks are prefixed with the project.
// Environment placeholders are substituted from Variables.
func BuildContainerPlan(params BuildContainerPlanParams) ContainerPlan {
	svc := params.Service

	image := svc.Image
	if params.Image != "" {
		image = params.Image
	}

	plan := ContainerPlan{
		Name:       ContainerName(params.Project, svc.Name),
		Service:    svc.Name,
		Image:      image,
		Command:    svc.Command,
		Entrypoint: svc.Entrypoint,
		Env:        make(map[string]string, len(svc.Environment)),
		Labels:     ManagedLabels(params.Project, params.DeploymentID),
		Aliases:    []string{svc.Name},
	}
	plan.Labels[LabelService] = svc.Name

	for k, v := range svc.Environment {
		plan.Env[k] = SubstituteVariables(v, params.Variables)
	}

	for _, p := range svc.Ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		plan.Ports = append(plan.Ports, PortPlan{
			ContainerPort: int(p.Target),
			HostPort:      int(p.Published),
			Protocol:      proto,
			HostIP:        p.HostIP,
		})
	}

	for _, v := range svc.Volumes {
		vp := VolumePlan{Source: v.Source, Target: v.Target, ReadOnly: v.ReadOnly}
		if v.Type == compose.VolumeMountTypeVolume && v.Source != "" {
			vp.Source = VolumeName(params.Project, v.Source)
			vp.Named = true
		}
		plan.Volumes = append(plan.Volumes, vp)
	}

	networks := svc.Networks
	if len(networks) == 0 {
		networks = []string{DefaultNetwork}
	}
	for _, n := range networks {
		plan.Networks = append(plan.Networks, NetworkName(params.Project, n))
	}

	for _, dep := range svc.WaitHealthy {
		plan.WaitHealthy = append(plan.WaitHealthy, ContainerName(params.Project, dep))
	}

	if svc.HealthCheck != nil {
		plan.HealthCheck = &HealthCheckPlan{
			Test:        svc.HealthCheck.Test,
			Retries:     svc.HealthCheck.Retries,
			Interval:    parseDuration(svc.HealthCheck.Interval),
			Timeout:     parseDuration(svc.HealthCheck.Timeout),
			StartPeriod: parseDuration(svc.HealthCheck.StartPeriod),
		}
	}

	if svc.Resources.CPULimit > 0 {
		plan.Resources.CPULimit = svc.Resources.CPULimit
	}
	if svc.Resources.MemoryLimit > 0 {
		plan.Resources.MemoryLimit = svc.Resources.MemoryLimit
	}

	plan.RestartPolicy = mapRestartPolicy(svc.Restart)

	for k, v := range svc.Labels {
		if _, reserved := plan.Labels[k]; !reserved {
			plan.Labels[k] = v
		}
	}

	return plan
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// mapRestartPolicy maps compose restart policy to Docker restart policy name.
func mapRestartPolicy(policy compose.RestartPolicy) RestartPolicyPlan {
	switch policy {
	case compose.RestartAlways:
		return RestartPolicyPlan{Name: "always"}
	case compose.RestartOnFailure:
		return RestartPolicyPlan{Name: "on-failure"}
	case compose.RestartUnlessStopped:
		return RestartPolicyPlan{Name: "unless-stopped"}
	default:
		return RestartPolicyPlan{Name: "no"}
	}
}

// =============================================================================
// Composition Planning
// =============================================================================

// PlanComposition plans networks, volumes and containers for a parsed
// composition. Containers come in dependency order.
func PlanComposition(params CompositionParams) Plan {
	plan := Plan{
		Project:      params.Project,
		AppContainer: ContainerName(params.Project, params.AppService),
	}
	labels := ManagedLabels(params.Project, params.DeploymentID)

	declared := make(map[string]compose.Network, len(params.Spec.Networks))
	for _, n := range params.Spec.Networks {
		declared[n.Name] = n
	}

	used := make(map[string]bool)
	for _, svc := range params.Spec.Services {
		if len(svc.Networks) == 0 {
			used[DefaultNetwork] = true
		}
		for _, n := range svc.Networks {
			used[n] = true
		}
	}
	networkNames := make([]string, 0, len(used))
	for n := range used {
		networkNames = append(networkNames, n)
	}
	sort.Strings(networkNames)

	for _, n := range networkNames {
		driver := declared[n].Driver
		if driver == "" {
			driver = "bridge"
		}
		plan.Networks = append(plan.Networks, NetworkPlan{
			Name:   NetworkName(params.Project, n),
			Driver: driver,
			Labels: copyLabels(labels),
		})
	}

	for _, v := range params.Spec.Volumes {
		if v.External {
			continue
		}
		plan.Volumes = append(plan.Volumes, NamedVolumePlan{
			Name:   VolumeName(params.Project, v.Name),
			Driver: v.Driver,
			Labels: copyLabels(labels),
		})
	}

	for _, svc := range TopologicalSort(params.Spec.Services) {
		var image string
		if svc.Build != nil {
			image = params.BuiltImage
		}
		plan.Containers = append(plan.Containers, BuildContainerPlan(BuildContainerPlanParams{
			Project:      params.Project,
			DeploymentID: params.DeploymentID,
			Service:      svc,
			Image:        image,
			Variables:    params.Variables,
		}))
	}

	return plan
}

func copyLabels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
