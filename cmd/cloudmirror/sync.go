package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ning0612/cloudmirror/internal/domain"
	"github.com/Ning0612/cloudmirror/internal/lock"
	"github.com/Ning0612/cloudmirror/internal/reconcile"
	"github.com/Ning0612/cloudmirror/internal/state"
)

func (a *app) newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Record the files under the sync root as the local tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.cfg.RequireRoot(); err != nil {
				return err
			}
			root := a.cfg.RootPath()

			release, err := lock.Acquire(a.cfg.StateDir(), "scan "+root)
			if err != nil {
				return err
			}
			defer release()

			mgr, err := a.openState()
			if err != nil {
				return err
			}
			defer mgr.Close()

			start := time.Now()
			tree, res, err := a.reconciler().Snapshot(cmd.Context(), root)
			if saveErr := a.saveRun(mgr, state.KindScan, root, start, res, err); saveErr != nil {
				return saveErr
			}
			if err != nil {
				return err
			}

			prev, err := mgr.LoadTree(root)
			switch {
			case err == nil:
				inherited := tree.InheritHandles(prev)
				a.log.Debug("kept handles from previous scan", "count", inherited)
			case !errors.Is(err, domain.ErrNotFound):
				a.log.Warn("previous local tree unreadable, handles reset", "error", err)
			}

			if err := mgr.SaveTree(root, tree); err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), "scanned", res)
			return nil
		},
	}
}

func (a *app) newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Match the recorded local tree to the files on disk",
		Long: "Give every node of the recorded local tree the filesystem id of the\n" +
			"disk file with the same fingerprint and the closest path.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.cfg.RequireRoot(); err != nil {
				return err
			}
			root := a.cfg.RootPath()

			release, err := lock.Acquire(a.cfg.StateDir(), "reconcile "+root)
			if err != nil {
				return err
			}
			defer release()

			mgr, err := a.openState()
			if err != nil {
				return err
			}
			defer mgr.Close()

			tree, err := mgr.LoadTree(root)
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("no local tree recorded for %s, run scan first: %w", root, err)
			}
			if err != nil {
				return err
			}

			start := time.Now()
			res, err := a.reconciler().AssignFilesystemIDs(cmd.Context(), tree, root)
			if saveErr := a.saveRun(mgr, state.KindReconcile, root, start, res, err); saveErr != nil {
				return saveErr
			}
			if err != nil {
				return err
			}

			if err := mgr.SaveTree(root, tree); err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), "reconciled", res)
			return nil
		},
	}
}

func (a *app) saveRun(mgr *state.Manager, kind, root string, start time.Time, res reconcile.Result, runErr error) error {
	if _, err := mgr.SaveRun(state.NewRunRecord(kind, root, start, res, runErr)); err != nil {
		if runErr != nil {
			a.log.Error("failed to record run", "error", err)
			return nil
		}
		return err
	}
	return nil
}

func printResult(w io.Writer, verb string, res reconcile.Result) {
	fmt.Fprintf(w, "%s %d files: %d assigned, %d unmatched, %d skipped (%s)\n",
		verb, res.Scanned, res.Assigned, res.Unmatched, res.Skipped, res.Duration.Round(time.Millisecond))
}
