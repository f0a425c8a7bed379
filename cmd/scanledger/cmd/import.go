package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lvonguyen/scanledger/internal/app"
	"github.com/lvonguyen/scanledger/internal/importer"
	"github.com/lvonguyen/scanledger/internal/ingestion"
)

func newImportCmd(o *options) *cobra.Command {
	var (
		vendor   string
		parallel int
	)

	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import scan exports, one batch per file",
		Long: `Import each file as its own batch. Files are imported concurrently; a
failed file does not affect the others.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.validateOutput(); err != nil {
				return err
			}
			return o.withApp(cmd.Context(), func(a *app.App) error {
				results := importAll(cmd.Context(), a, args, vendor, parallel)
				return o.printImports(results)
			})
		},
	}

	cmd.Flags().StringVar(&vendor, "vendor", "", "Declare the scanner vendor instead of detecting it")
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 4, "Files imported at once")
	return cmd
}

type importOutcome struct {
	Location string           `json:"location"`
	Result   *importer.Result `json:"result,omitempty"`
	Error    string           `json:"error,omitempty"`
	err      error
}

func importAll(ctx context.Context, a *app.App, locations []string, vendor string, parallel int) []importOutcome {
	outcomes := make([]importOutcome, len(locations))

	var g errgroup.Group
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for i, loc := range locations {
		g.Go(func() error {
			res, err := importOne(ctx, a, loc, vendor)
			outcomes[i] = importOutcome{Location: loc, Result: res, err: err}
			if err != nil {
				outcomes[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func importOne(ctx context.Context, a *app.App, location, vendor string) (*importer.Result, error) {
	obj, err := a.Opener.Open(ctx, location)
	if err != nil {
		return nil, err
	}
	defer obj.Body.Close()

	return a.Importer.Import(ctx, obj.Body, ingestion.Source{
		Filename: obj.Name,
		Size:     max(obj.Size, 0),
		Vendor:   vendor,
	})
}

func (o *options) printImports(outcomes []importOutcome) error {
	var failed int
	for _, oc := range outcomes {
		if oc.err != nil {
			failed++
		}
	}

	if o.output == "json" {
		if err := o.printJSON(outcomes); err != nil {
			return err
		}
	} else {
		tw := tabwriter.NewWriter(o.out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "FILE\tBATCH\tVENDOR\tROWS\tCOMMITTED\tSKIPPED\tDUPLICATES\tSTATUS")
		for _, oc := range outcomes {
			if oc.Result == nil {
				fmt.Fprintf(tw, "%s\t-\t-\t-\t-\t-\t-\t%s\n", oc.Location, oc.Error)
				continue
			}
			r := oc.Result
			status := string(r.Status)
			if oc.err != nil {
				status = oc.Error
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%d\t%d\t%d\t%s\n",
				oc.Location, r.BatchID, r.Vendor, r.TotalRows, r.Committed, r.Skipped, r.Duplicates, status)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d imports failed", failed, len(outcomes))
	}
	return nil
}
