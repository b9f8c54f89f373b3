package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Ning0612/cloudmirror/internal/cache"
	"github.com/Ning0612/cloudmirror/internal/config"
	"github.com/Ning0612/cloudmirror/internal/domain"
	"github.com/Ning0612/cloudmirror/internal/fsaccess"
	"github.com/Ning0612/cloudmirror/internal/logger"
	"github.com/Ning0612/cloudmirror/internal/reconcile"
	"github.com/Ning0612/cloudmirror/internal/state"
	"github.com/Ning0612/cloudmirror/internal/store"
)

// app carries what every subcommand shares
type app struct {
	configPath string
	rootFlag   string
	stateFlag  string

	cfg *config.Config
	log logger.Logger
}

// run executes one command line. The global logger is shut down on return.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	defer logger.Shutdown()

	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "cloudmirror",
		Short: "Local side of a cloud drive mirror",
		Long: "cloudmirror keeps the node cache of a cloud drive and matches the\n" +
			"files under a local sync root to the nodes they mirror.",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "config file (default: search config.yaml)")
	flags.StringVar(&a.rootFlag, "root", "", "local sync root, overrides sync.root")
	flags.StringVar(&a.stateFlag, "state", "", "state directory, overrides store.path")

	root.AddCommand(
		a.newFingerprintCmd(),
		a.newScanCmd(),
		a.newReconcileCmd(),
		a.newHistoryCmd(),
		a.newCacheCmd(),
	)
	return root
}

// setup loads the configuration and starts logging
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if errors.Is(err, domain.ErrConfigNotFound) && a.configPath == "" {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if a.rootFlag != "" {
		cfg.Sync.Root = a.rootFlag
	}
	if a.stateFlag != "" {
		cfg.Store.Path = a.stateFlag
	}
	a.cfg = cfg

	if err := logger.Init(cfg.LoggerSettings()); err != nil {
		return err
	}
	a.log = logger.With("command", cmd.Name())
	return nil
}

func (a *app) reconciler() *reconcile.Reconciler {
	return &reconcile.Reconciler{
		FS:         fsaccess.NewOS(),
		Syncable:   a.cfg.Sync.Syncable,
		DebrisPath: a.cfg.Sync.Debris,
		Log:        a.log.With("component", "reconcile"),
	}
}

func (a *app) openState() (*state.Manager, error) {
	mgr, err := state.NewManager(a.cfg.StateDir())
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	return mgr, nil
}

// openCache opens the node store and brings up a cache session over it
func (a *app) openCache() (*cache.Manager, func(), error) {
	st, err := store.NewSQLiteStore(a.cfg.NodeDBPath())
	if err != nil {
		return nil, nil, fmt.Errorf("open node store: %w", err)
	}

	m, err := cache.New(st, a.cfg.CacheSettings(), a.log)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	if _, err := m.LoadNodes(); err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("load nodes: %w", err)
	}

	closeFn := func() {
		if err := st.Close(); err != nil {
			a.log.Warn("failed to close node store", "error", err)
		}
	}
	return m, closeFn, nil
}
