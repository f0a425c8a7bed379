package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lvonguyen/scanledger/internal/app"
)

// errNoQuery is returned when hosts gets neither selector.
var errNoQuery = errors.New("one of --finding or --cve is required")

func newHostsCmd(o *options) *cobra.Command {
	var finding, cve string

	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "List hosts affected by a finding or CVE across all batches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.validateOutput(); err != nil {
				return err
			}
			if finding == "" && cve == "" {
				return errNoQuery
			}
			return o.withApp(cmd.Context(), func(a *app.App) error {
				var (
					hosts []string
					err   error
				)
				if finding != "" {
					hosts, err = a.Engine.AffectedHosts(cmd.Context(), finding)
				} else {
					hosts, err = a.Engine.HostsForCVE(cmd.Context(), cve)
				}
				if err != nil {
					return err
				}
				return o.printList("HOST", hosts)
			})
		},
	}

	cmd.Flags().StringVar(&finding, "finding", "", "Finding key")
	cmd.Flags().StringVar(&cve, "cve", "", "CVE identifier")
	cmd.MarkFlagsMutuallyExclusive("finding", "cve")
	return cmd
}

func newFindingsCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "findings HOST",
		Short: "List finding keys reported for a host across all batches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.validateOutput(); err != nil {
				return err
			}
			return o.withApp(cmd.Context(), func(a *app.App) error {
				keys, err := a.Engine.FindingsForHost(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return o.printList("FINDING", keys)
			})
		},
	}
}

func newBatchesCmd(o *options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "batches",
		Aliases: []string{"ledger"},
		Short:   "List import batches, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.validateOutput(); err != nil {
				return err
			}
			return o.withApp(cmd.Context(), func(a *app.App) error {
				batches, err := a.Store.ListBatches(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if o.output == "json" {
					return o.printJSON(batches)
				}
				tw := tabwriter.NewWriter(o.out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tFILE\tVENDOR\tSCAN DATE\tIMPORTED\tROWS\tCOMMITTED\tSKIPPED")
				for _, b := range batches {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
						b.ID, b.Filename, b.Vendor, b.ScanDate, b.ImportedAt.Format("2006-01-02 15:04"),
						b.RowCount, b.Committed, b.Skipped)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum batches to list (0 for all)")
	return cmd
}

func newSummaryCmd(o *options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "List findings by number of affected hosts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.validateOutput(); err != nil {
				return err
			}
			return o.withApp(cmd.Context(), func(a *app.App) error {
				sum, err := a.Engine.Summary(cmd.Context())
				if err != nil {
					return err
				}
				if limit > 0 && limit < len(sum) {
					sum = sum[:limit]
				}
				if o.output == "json" {
					return o.printJSON(sum)
				}
				tw := tabwriter.NewWriter(o.out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "HOSTS\tFINDING")
				for _, s := range sum {
					fmt.Fprintf(tw, "%d\t%s\n", s.HostCount, s.FindingKey)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 25, "Maximum findings to list (0 for all)")
	return cmd
}

func (o *options) printList(header string, items []string) error {
	if o.output == "json" {
		return o.printJSON(items)
	}
	fmt.Fprintln(o.out, header)
	for _, it := range items {
		fmt.Fprintln(o.out, it)
	}
	return nil
}
