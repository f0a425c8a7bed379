// Package cmd implements the scanledger CLI commands.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/lvonguyen/scanledger/internal/app"
	"github.com/lvonguyen/scanledger/internal/config"
)

var version = "dev"

// SetVersion sets the CLI version from build flags.
func SetVersion(v string) {
	version = v
}

// Execute runs the root command against os.Args.
func Execute() error {
	return NewRootCmd(os.Stdout).Execute()
}

type options struct {
	configPath string
	output     string
	out        io.Writer
}

// NewRootCmd builds the command tree writing results to out.
func NewRootCmd(out io.Writer) *cobra.Command {
	opts := &options{out: out}

	root := &cobra.Command{
		Use:   "scanledger",
		Short: "Vulnerability scan import ledger",
		Long: `scanledger imports vulnerability scanner exports (CSV or JSON, optionally
gzip-compressed) into an append-only ledger and answers cross-batch questions:
which hosts carry a finding, which findings a host carries.

Files may be local paths or s3://bucket/key objects.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to config file (default: built-in defaults)")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "Output format: table, json")

	root.AddCommand(
		newImportCmd(opts),
		newHostsCmd(opts),
		newFindingsCmd(opts),
		newBatchesCmd(opts),
		newSummaryCmd(opts),
		newVersionCmd(opts),
	)
	return root
}

// withApp loads configuration, builds the pipeline, and closes it after fn.
func (o *options) withApp(ctx context.Context, fn func(a *app.App) error) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.configPath == "" {
		cfg.Logging.Level = "warn"
	}
	cfg.Logging.Format = "console"

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	return fn(a)
}

func (o *options) printJSON(v any) error {
	enc := json.NewEncoder(o.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (o *options) validateOutput() error {
	switch o.output {
	case "table", "json":
		return nil
	default:
		return fmt.Errorf("unsupported output format %q", o.output)
	}
}

func newVersionCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(o.out, "scanledger %s\n", version)
		},
	}
}
