package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/artifact"
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/catalog"
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/detect"
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/domain"
)

// =============================================================================
// Local Commands
// =============================================================================

func (a *app) detectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detect <path>",
		Short: "Classify a repository checkout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkDir(args[0]); err != nil {
				return err
			}
			det := catalog.Fill(detect.ClassifyPath(args[0]))
			return a.print(det, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "STACK\tCONFIDENCE\tFRAMEWORK\tPORT\tDATABASE\tFILES")
				fmt.Fprintf(tw, "%s\t%.0f%%\t%s\t%d\t%s\t%s\n",
					det.Stack, det.Confidence, dash(det.Framework), det.InternalPort,
					dash(string(det.DBType)), strings.Join(det.DetectedFiles, ","))
				return tw.Flush()
			})
		},
	}
}

type generateOptions struct {
	name  string
	port  int
	stack string
	db    string
	write bool
	only  string
}

func (a *app) generateCmd() *cobra.Command {
	var opts generateOptions

	cmd := &cobra.Command{
		Use:   "generate <path>",
		Short: "Render the Dockerfile and compose file for a checkout",
		Long: `Render the Dockerfile and compose file the deployer would generate for a
checkout. Files are printed unless --write is given, in which case they are
written into the checkout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.generate(args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.name, "name", "", "Repository name (defaults to the directory name)")
	cmd.Flags().IntVar(&opts.port, "port", 20000, "Host port to publish")
	cmd.Flags().StringVar(&opts.stack, "stack", "", "Override the classified stack")
	cmd.Flags().StringVar(&opts.db, "db", "", "Override the database (postgresql, mysql, mongodb, redis or none)")
	cmd.Flags().BoolVar(&opts.write, "write", false, "Write the files into the checkout")
	cmd.Flags().StringVar(&opts.only, "only", "", "Print one file: dockerfile or compose")
	return cmd
}

func (a *app) generate(dir string, opts generateOptions) error {
	if err := checkDir(dir); err != nil {
		return err
	}
	if opts.port < 1 || opts.port > 65535 {
		return fmt.Errorf("port %d out of range", opts.port)
	}

	det := detect.ClassifyPath(dir)
	if opts.stack != "" {
		stack, ok := domain.ParseStack(opts.stack)
		if !ok {
			return fmt.Errorf("unknown stack %q", opts.stack)
		}
		if stack != det.Stack {
			det = det.WithStack(stack)
		}
	}
	if det.Stack == domain.StackUnknown {
		return fmt.Errorf("no stack recognized in %s; pass --stack", dir)
	}
	if opts.db != "" {
		db := opts.db
		if db == "none" {
			db = ""
		}
		dbType, ok := domain.ParseDBType(db)
		if !ok {
			return fmt.Errorf("unknown database %q", opts.db)
		}
		det.DBType = dbType
		det.RequiresDB = dbType != domain.DBNone
	}
	det = catalog.Fill(det)

	name := opts.name
	if name == "" {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return err
		}
		name = filepath.Base(abs)
	}

	out, err := artifact.Render(name, det, opts.port)
	if err != nil {
		return err
	}

	if opts.write {
		files := map[string]string{
			domain.BuildFileName:   out.BuildFile,
			domain.ComposeFileName: out.Composition,
		}
		for _, fname := range []string{domain.BuildFileName, domain.ComposeFileName} {
			path := filepath.Join(dir, fname)
			if err := os.WriteFile(path, []byte(files[fname]), 0o644); err != nil {
				return fmt.Errorf("write %s: %w", fname, err)
			}
			fmt.Fprintf(a.out, "wrote %s\n", path)
		}
		return nil
	}

	switch opts.only {
	case "dockerfile":
		_, err = io.WriteString(a.out, out.BuildFile)
	case "compose":
		_, err = io.WriteString(a.out, out.Composition)
	case "":
		_, err = fmt.Fprintf(a.out, "# %s\n%s\n# %s\n%s", domain.BuildFileName, out.BuildFile, domain.ComposeFileName, out.Composition)
	default:
		err = fmt.Errorf("--only must be dockerfile or compose, got %q", opts.only)
	}
	return err
}

func (a *app) catalogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List the per-stack defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			templates := catalog.All()
			return a.print(templates, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "STACK\tNAME\tPORT\tBUILD\tRUN")
				for _, t := range templates {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
						t.Stack, t.DisplayName, t.DefaultPort, dash(t.BuildCommand), t.RunCommand)
				}
				return tw.Flush()
			})
		},
	}
}

// =============================================================================
// Helpers
// =============================================================================

func checkDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
