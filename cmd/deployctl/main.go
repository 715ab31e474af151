// Command deployctl is the operator CLI. Local verbs classify checkouts and
// render artifacts without a server; remote verbs drive a running deployer.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Version information (set by build)
var Version = "dev"

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries the state shared by every command.
type app struct {
	out     io.Writer
	apiURL  string
	output  string
	timeout time.Duration
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}

	root := &cobra.Command{
		Use:   "deployctl",
		Short: "Operator CLI for the repository deployer",
		Long: `deployctl classifies repository checkouts, renders their Dockerfile and
compose file, and drives deployments on a running deployer.`,
		Version:      Version,
		SilenceUsage: true,
	}
	root.SetOut(out)

	defaultURL := os.Getenv("DEPLOYER_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}
	root.PersistentFlags().StringVar(&a.apiURL, "api", defaultURL, "Deployer API URL")
	root.PersistentFlags().StringVarP(&a.output, "output", "o", "json", "Output format: json, yaml or table")
	root.PersistentFlags().DurationVar(&a.timeout, "timeout", 10*time.Minute, "HTTP request timeout")

	root.AddCommand(
		a.detectCmd(),
		a.generateCmd(),
		a.catalogCmd(),
		a.listCmd(),
		a.getCmd(),
		a.createCmd(),
		a.startCmd(),
		a.stopCmd(),
		a.restartCmd(),
		a.deleteCmd(),
		a.eventsCmd(),
		a.scanCmd(),
	)
	return root
}

func (a *app) client() *Client {
	return NewClient(a.apiURL, a.timeout)
}

// print writes v in the selected format. table falls back to tableFn when set.
func (a *app) print(v any, tableFn func(io.Writer) error) error {
	switch a.output {
	case "yaml":
		// Round-trip through JSON so keys match the API field names.
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(a.out)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	case "table":
		if tableFn != nil {
			return tableFn(a.out)
		}
		fallthrough
	case "json", "":
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format %q", a.output)
	}
}
