package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func (a *app) newHistoryCmd() *cobra.Command {
	var (
		limit int
		all   bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent scan and reconcile runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			root := ""
			if !all {
				if err := a.cfg.RequireRoot(); err != nil {
					return err
				}
				root = a.cfg.RootPath()
			}

			mgr, err := a.openState()
			if err != nil {
				return err
			}
			defer mgr.Close()

			runs, err := mgr.History(root, limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no runs recorded")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tROOT\tSTARTED\tSTATUS\tSCANNED\tASSIGNED\tUNMATCHED\tSKIPPED\tERROR")
			for _, r := range runs {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
					r.ID, r.Kind, r.Root, r.StartTime.Local().Format(time.DateTime), r.Status,
					r.Scanned, r.Assigned, r.Unmatched, r.Skipped, r.Error)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs")
	cmd.Flags().BoolVar(&all, "all", false, "show runs of every sync root")
	return cmd
}
