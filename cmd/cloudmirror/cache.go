package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Ning0612/cloudmirror/internal/domain"
	"github.com/Ning0612/cloudmirror/internal/fingerprint"
	"github.com/Ning0612/cloudmirror/internal/fsaccess"
	"github.com/Ning0612/cloudmirror/internal/lock"
	"github.com/Ning0612/cloudmirror/internal/mirror"
	"github.com/Ning0612/cloudmirror/internal/node"
)

func (a *app) newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and seed the node cache",
	}
	cmd.AddCommand(
		a.newCacheImportCmd(),
		a.newCacheStatsCmd(),
		a.newCacheGetCmd(),
		a.newCacheFindCmd(),
	)
	return cmd
}

func (a *app) newCacheImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import",
		Short: "Publish the recorded local tree into the node cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.cfg.RequireRoot(); err != nil {
				return err
			}
			root := a.cfg.RootPath()

			release, err := lock.Acquire(a.cfg.StateDir(), "cache import "+root)
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
			if err != nil {
				return err
			}

			m, closeCache, err := a.openCache()
			if err != nil {
				return err
			}
			defer closeCache()

			im := &mirror.Importer{Cache: m, Log: a.log, RootName: filepath.Base(root)}
			st, err := im.Import(tree)
			if err != nil {
				return err
			}
			// the tree now carries the handles
			if err := mgr.SaveTree(root, tree); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d nodes: %d created, %d updated\n",
				st.Created+st.Updated, st.Created, st.Updated)
			return nil
		},
	}
}

func (a *app) newCacheStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show node cache occupancy after session load",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, closeCache, err := a.openCache()
			if err != nil {
				return err
			}
			defer closeCache()

			total, err := m.NodeCount()
			if err != nil {
				return err
			}
			s := m.Stats()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "nodes:        %d\n", total)
			fmt.Fprintf(out, "in ram:       %d\n", s.Resident)
			fmt.Fprintf(out, "in lru:       %d / %d\n", s.InLRU, s.LRUMaxSize)
			fmt.Fprintf(out, "pinned:       %d\n", s.Pinned)
			fmt.Fprintf(out, "fingerprints: %d\n", s.Fingerprints)
			return nil
		},
	}
}

func (a *app) newCacheGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get HANDLE",
		Short: "Show a node and its children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := parseHandle(args[0])
			if err != nil {
				return err
			}

			m, closeCache, err := a.openCache()
			if err != nil {
				return err
			}
			defer closeCache()

			n, ok := m.GetNodeByHandle(h)
			if !ok {
				return fmt.Errorf("%w: %s", domain.ErrNotFound, h)
			}

			out := cmd.OutOrStdout()
			printNode(out, n)
			if n.Type.IsContainer() {
				for _, c := range m.GetChildren(h) {
					fmt.Fprintf(out, "  %s\t%s\t%s\n", c.Handle, c.Type, c.Name())
				}
			}
			return nil
		},
	}
}

func (a *app) newCacheFindCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "find FILE",
		Short: "List the nodes whose content fingerprint matches a local file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fp, err := fingerprint.FromPath(fsaccess.NewOS(), args[0], fingerprint.Offsets64)
			if err != nil {
				return err
			}

			m, closeCache, err := a.openCache()
			if err != nil {
				return err
			}
			defer closeCache()

			nodes := m.GetNodesByFingerprint(fp)
			if len(nodes) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no node matches %s\n", fp)
				return nil
			}
			for _, n := range nodes {
				printNode(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}
}

func printNode(w io.Writer, n *node.Node) {
	fmt.Fprintf(w, "%s\t%s\t%s\tparent=%s\tsize=%d", n.Handle, n.Type, n.Name(), n.Parent, n.Size)
	if n.Type == domain.TypeFile {
		fmt.Fprintf(w, "\tfp=%s", n.Fingerprint)
	}
	fmt.Fprintln(w)
}

func parseHandle(s string) (domain.Handle, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return domain.NoHandle, fmt.Errorf("%w: %q", domain.ErrInvalidHandle, s)
	}
	h := domain.Handle(v)
	if !h.Valid() {
		return domain.NoHandle, fmt.Errorf("%w: %q", domain.ErrInvalidHandle, s)
	}
	return h, nil
}
