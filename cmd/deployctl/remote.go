package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/shell/api"
)

// =============================================================================
// Remote Commands
// =============================================================================

func (a *app) listCmd() *cobra.Command {
	var (
		limit  int
		offset int
		repoID int64
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deployments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				resp *api.DeploymentListResponse
				err  error
			)
			if repoID > 0 {
				resp, err = a.client().ListRepositoryDeployments(cmd.Context(), repoID)
			} else {
				resp, err = a.client().ListDeployments(cmd.Context(), limit, offset)
			}
			if err != nil {
				return fmt.Errorf("failed to list deployments: %w", err)
			}
			return a.print(resp, func(w io.Writer) error {
				return deploymentTable(w, resp.Deployments)
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of deployments")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of deployments to skip")
	cmd.Flags().Int64Var(&repoID, "repo", 0, "Only deployments of this repository id")
	return cmd
}

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			d, err := a.client().GetDeployment(cmd.Context(), id)
			if err != nil {
				return err
			}
			return a.printDeployment(d)
		},
	}
}

func (a *app) createCmd() *cobra.Command {
	var (
		req    api.CreateDeploymentRequest
		db     string
		domain string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Classify a checkout, reserve a port and store a pending deployment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("db") {
				req.DBType = &db
			}
			if domain != "" {
				req.Domain = &domain
			}
			d, err := a.client().CreateDeployment(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("failed to create deployment: %w", err)
			}
			return a.printDeployment(d)
		},
	}

	cmd.Flags().Int64Var(&req.RepositoryID, "repo-id", 0, "Repository id")
	cmd.Flags().StringVar(&req.RepoName, "name", "", "Repository name")
	cmd.Flags().StringVar(&req.RepoPath, "path", "", "Checkout path on the deployer host")
	cmd.Flags().StringVar(&req.Stack, "stack", "", "Override the classified stack")
	cmd.Flags().StringVar(&db, "db", "", "Override the database (postgresql, mysql, mongodb, redis or none)")
	cmd.Flags().StringVar(&domain, "domain", "", "Domain recorded on the deployment")
	cmd.Flags().IntVar(&req.Port, "port", 0, "Host port to reserve (defaults to the lowest free port)")
	cmd.MarkFlagRequired("repo-id")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("path")
	return cmd
}

func (a *app) startCmd() *cobra.Command {
	var repoPath string

	cmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Build and run a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			d, err := a.client().StartDeployment(cmd.Context(), id, repoPath)
			if err != nil {
				return fmt.Errorf("failed to start deployment %d: %w", id, err)
			}
			return a.printDeployment(d)
		},
	}

	cmd.Flags().StringVar(&repoPath, "path", "", "Replace the stored checkout path")
	return cmd
}

func (a *app) stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a running deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			d, err := a.client().StopDeployment(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("failed to stop deployment %d: %w", id, err)
			}
			return a.printDeployment(d)
		},
	}
}

func (a *app) restartCmd() *cobra.Command {
	var regenerate bool

	cmd := &cobra.Command{
		Use:   "restart <id>",
		Short: "Restart a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			d, err := a.client().RestartDeployment(cmd.Context(), id, regenerate)
			if err != nil {
				return fmt.Errorf("failed to restart deployment %d: %w", id, err)
			}
			return a.printDeployment(d)
		},
	}

	cmd.Flags().BoolVar(&regenerate, "regenerate", false, "Render the artifacts again before starting")
	return cmd
}

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Tear down a deployment and release its port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			resp, err := a.client().DeleteDeployment(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("failed to delete deployment %d: %w", id, err)
			}
			return a.print(resp, func(w io.Writer) error {
				fmt.Fprintf(w, "deleted %d, port %d released\n", id, resp.Port)
				if resp.Warning != "" {
					fmt.Fprintf(w, "warning: %s\n", resp.Warning)
				}
				return nil
			})
		},
	}
}

func (a *app) eventsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "events <id>",
		Short: "Show a deployment's event history, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			resp, err := a.client().Events(cmd.Context(), id, limit)
			if err != nil {
				return err
			}
			return a.print(resp, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "TIME\tTYPE\tMESSAGE")
				for _, e := range resp.Events {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", e.CreatedAt.Format(time.RFC3339), e.Type, e.Message)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of events")
	return cmd
}

func (a *app) scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Classify every checkout under the deployer's repositories root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := a.client().Scan(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(resp, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tSTACK\tCONFIDENCE\tPATH")
				for _, r := range resp.Repositories {
					fmt.Fprintf(tw, "%s\t%s\t%.0f%%\t%s\n", r.Name, r.Detection.Stack, r.Detection.Confidence, r.Path)
				}
				return tw.Flush()
			})
		},
	}
}

// =============================================================================
// Helpers
// =============================================================================

func (a *app) printDeployment(d *api.DeploymentResponse) error {
	return a.print(d, func(w io.Writer) error {
		return deploymentTable(w, []api.DeploymentResponse{*d})
	})
}

func deploymentTable(w io.Writer, deployments []api.DeploymentResponse) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tREPO\tSTACK\tPORT\tSTATUS\tCONTAINER\tERROR")
	for _, d := range deployments {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
			d.ID, d.RepoName, d.Stack, d.AssignedPort, d.Status, dash(shortContainer(d.ContainerID)), dash(d.ErrorMessage))
	}
	return tw.Flush()
}

func shortContainer(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid deployment id %q", s)
	}
	return id, nil
}
