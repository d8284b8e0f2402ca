package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"replinet/internal/config"
	"replinet/internal/core"
	"replinet/internal/rcode"
	"replinet/internal/store"
)

var (
	runFrom          string
	runLabel         string
	runFor           time.Duration
	runSnapshotEvery time.Duration
	runKeep          int
	runWatch         bool
)

// runCmd runs a memory until interrupted.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Load a snapshot and run the memory",
	Long: `Loads the latest snapshot (or --from ID), starts the time and reduction
cores and runs until interrupted or --for elapses. The memory is saved on
exit and every --snapshot-every. With metrics.listen set, Prometheus metrics
are served on /metrics.`,
	RunE: runMemory,
}

func init() {
	runCmd.Flags().StringVar(&runFrom, "from", "", "Snapshot ID to start from (default: latest)")
	runCmd.Flags().StringVar(&runLabel, "label", "run", "Label of the snapshots written by this run")
	runCmd.Flags().DurationVar(&runFor, "for", 0, "Stop after this long (0 runs until interrupted)")
	runCmd.Flags().DurationVar(&runSnapshotEvery, "snapshot-every", 0, "Save the memory periodically")
	runCmd.Flags().IntVar(&runKeep, "keep", 0, "Prune all but the N most recent snapshots on exit")
	runCmd.Flags().BoolVar(&runWatch, "watch", true, "Apply configuration changes while running")
}

func runMemory(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if runFor > 0 {
		ctx, cancel = context.WithTimeout(ctx, runFor)
		defer cancel()
	}

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			logger.Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	m, err := startMemory(ctx, st)
	if err != nil {
		return err
	}

	ref, err := m.Start()
	if err != nil {
		return err
	}
	logger.Info("memory started",
		zap.Uint64("time_reference", ref),
		zap.Int("objects", m.ObjectCount()),
		zap.Int("reduction_cores", m.Settings().ReductionCores),
		zap.Int("time_cores", m.Settings().TimeCores))

	if runWatch {
		stopWatch := watchConfig(ctx, m)
		defer stopWatch()
	}

	g, gctx := errgroup.WithContext(ctx)
	if addr := cfg.Metrics.Listen; addr != "" {
		srv := &http.Server{Addr: addr, Handler: metricsHandler()}
		g.Go(func() error {
			logger.Info("serving metrics", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	if runSnapshotEvery > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(runSnapshotEvery)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if _, err := saveMemory(gctx, st, m, runLabel); err != nil {
						logger.Warn("periodic snapshot failed", zap.Error(err))
					}
				}
			}
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	runErr := g.Wait()
	m.Stop()

	// The run context is gone; the final save gets its own.
	saveCtx, saveCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer saveCancel()
	id, err := saveMemory(saveCtx, st, m, runLabel)
	if err != nil {
		return err
	}
	logger.Info("memory saved", zap.String("snapshot", id), zap.Int("objects", m.ObjectCount()))
	if runKeep > 0 {
		if n, err := st.Prune(saveCtx, runKeep); err != nil {
			logger.Warn("prune failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("pruned snapshots", zap.Int("removed", n))
		}
	}
	return runErr
}

// startMemory loads the snapshot to run, or an empty memory when the
// database has none.
func startMemory(ctx context.Context, st *store.SnapshotStore) (*core.Mem, error) {
	settings := core.SettingsFromConfig(cfg)
	eject := core.WithEjector(func(c *rcode.Object, fn uint16) {
		logger.Info("command", zap.String("function", rcode.OpcodeName(fn)), zap.Uint64("oid", c.OID()))
	})

	var (
		snap *store.Snapshot
		err  error
	)
	if runFrom != "" {
		snap, err = st.Load(ctx, runFrom)
	} else {
		snap, err = st.LatestOf(ctx, store.KindFull, "")
	}
	switch {
	case errors.Is(err, store.ErrNoSnapshot) && runFrom == "":
		logger.Info("no snapshot found, starting from an empty memory")
		return newBootImage().load(settings, eject)
	case err != nil:
		return nil, err
	}
	logger.Info("loading snapshot", zap.String("snapshot", snap.ID), zap.Int("objects", snap.ObjectCount))
	return loadSnapshot(snap, settings, eject)
}

// watchConfig applies tunables and the log level on every change of the
// configuration file.
func watchConfig(ctx context.Context, m *core.Mem) func() {
	w, err := config.NewWatcher(configPath, func(c *config.Config) {
		if err := c.Validate(); err != nil {
			logger.Warn("ignoring invalid configuration", zap.Error(err))
			return
		}
		m.Tune(core.SettingsFromConfig(c))
		if err := applyLogLevel(c.Logging); err != nil {
			logger.Warn("ignoring log level", zap.Error(err))
		}
	})
	if err != nil {
		logger.Warn("configuration watcher unavailable", zap.Error(err))
		return func() {}
	}
	if err := w.Start(ctx); err != nil {
		logger.Warn("configuration watcher unavailable", zap.Error(err))
		return func() {}
	}
	return w.Stop
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
