// Command lakesync runs the model-library coordination service: a local
// HTTP/WebSocket API over the dual-side index, the transfer queue, and
// the duplicate scanner.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/modellake/lakesync/internal/api"
	"github.com/modellake/lakesync/internal/bundle"
	"github.com/modellake/lakesync/internal/config"
	"github.com/modellake/lakesync/internal/dedupe"
	"github.com/modellake/lakesync/internal/event"
	"github.com/modellake/lakesync/internal/executor"
	"github.com/modellake/lakesync/internal/hashwork"
	"github.com/modellake/lakesync/internal/index"
	"github.com/modellake/lakesync/internal/logging"
	"github.com/modellake/lakesync/internal/queue"
	"github.com/modellake/lakesync/internal/sources"
	"github.com/modellake/lakesync/internal/store"
)

var version = "dev"

// Exit codes: 0 normal, 2 invalid config, 3 app-data dir inaccessible,
// 4 fatal filesystem error at startup.
const (
	exitOK         = 0
	exitError      = 1
	exitBadConfig  = 2
	exitBadDataDir = 3
	exitBadStartup = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		verbose     bool
		quiet       bool
		logFile     string
		showVersion bool
	)

	code := exitOK

	rootCmd := &cobra.Command{
		Use:           "lakesync",
		Short:         "Coordinate a model library across a fast local root and a slow lake root",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if showVersion {
				fmt.Fprintf(os.Stdout, "lakesync %s\n", version)
				return nil
			}

			closeLog, err := logging.Setup(logging.Options{
				Verbose: verbose,
				Quiet:   quiet,
				LogFile: logFile,
			})
			if err != nil {
				code = exitBadStartup
				return err
			}
			defer closeLog()

			cfg, err := config.Load()
			if err != nil {
				code = exitBadConfig
				return fmt.Errorf("config: %w", err)
			}

			if err := cfg.EnsureAppDataDir(); err != nil {
				code = exitBadDataDir
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := serve(ctx, cfg); err != nil {
				code = exitBadStartup
				return err
			}
			return nil
		},
	}

	flags := rootCmd.Flags()
	flags.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	flags.BoolVarP(&quiet, "quiet", "q", false, "warnings and errors only")
	flags.StringVar(&logFile, "log-file", "", "append JSON logs to this file")
	flags.BoolVar(&showVersion, "version", false, "print version and exit")

	if err := rootCmd.Execute(); err != nil {
		slog.Error("lakesync failed", "error", err)
		if code == exitOK {
			code = exitError
		}
	}
	return code
}

// serve wires the engine and runs the executor and API server until ctx
// is cancelled.
func serve(ctx context.Context, cfg config.Config) error {
	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	bus := event.New()
	idx := index.NewStore()
	refresher := &index.Refresher{Cfg: cfg, Index: idx, Cache: st, Bus: bus}
	hashes := hashwork.NewPool(cfg, st, idx, bus)

	q, err := queue.New(cfg, st)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}

	ded := dedupe.NewEngine(cfg, st, idx, hashes)
	exec := executor.New(cfg, q, st, idx, hashes, ded, bus)

	srcs := sources.NewManager(cfg.LakeRoot)
	bundles := bundle.NewStore(st)

	// Initial index build, both sides; the API can serve while this runs
	// but starting populated avoids an empty first diff.
	for _, side := range config.Sides {
		n, err := refresher.Refresh(ctx, side)
		if err != nil {
			return fmt.Errorf("initial scan: %w", err)
		}
		slog.Info("indexed", "side", string(side), "files", n)
	}

	server := api.NewServer(api.Deps{
		Cfg:       cfg,
		Store:     st,
		Index:     idx,
		Refresher: refresher,
		Queue:     q,
		Dedupe:    ded,
		Sources:   srcs,
		Bundles:   bundles,
		Bus:       bus,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		exec.Run(ctx)
	}()

	err = server.ListenAndServe(ctx)
	wg.Wait()
	return err
}
