package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"channel-relay/pkg/config"
	"channel-relay/pkg/database"
	"channel-relay/pkg/events"
	"channel-relay/pkg/mq"
	"channel-relay/pkg/observability"
	"channel-relay/pkg/pipeline"
	"channel-relay/pkg/remote"
	"channel-relay/pkg/statusapi"
	"channel-relay/pkg/task"
)

const source = "relay"

var (
	configFile string
	listStatus []string
	listLimit  int
)

// store is everything the relay needs from its durable backend.
type store interface {
	pipeline.Store
	pipeline.StatsStore
	statusapi.History
}

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Replicate new uploads from a source channel to a target channel",
	Long: `relay watches a source channel feed, downloads each new item one at a
time and uploads it to the target channel, retrying failures with
exponential backoff.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitor and pipeline until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		return run(cfg, logger)
	},
}

var initDBCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Create the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		_, closeStore, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeStore()
		logger.Info("schema ready", "postgres", cfg.Database.URL != "", "sqlite_path", cfg.Database.SQLitePath)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked items, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := setup()
		if err != nil {
			return err
		}
		st, closeStore, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		var recs []task.Record
		if len(listStatus) > 0 {
			statuses := make([]task.Status, len(listStatus))
			for i, s := range listStatus {
				statuses[i] = task.Status(s)
			}
			recs, err = st.ListByStatus(cmd.Context(), statuses...)
		} else {
			recs, err = st.Recent(cmd.Context(), listLimit)
		}
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tRETRIES\tREMOTE\tTITLE")
		for _, r := range recs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", r.ExternalID, r.Status, r.RetryCount, r.RemoteID, r.Title)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", os.Getenv("RELAY_CONFIG"), "path to the YAML config file")
	listCmd.Flags().StringSliceVar(&listStatus, "status", nil, "only list items with these statuses")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum number of items when no status is given")
	rootCmd.AddCommand(runCmd, initDBCmd, listCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	logger := observability.NewLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// openStore picks Postgres when a database URL is configured and the local
// SQLite file otherwise. Both are migrated on open.
func openStore(ctx context.Context, cfg *config.Config) (store, func(), error) {
	if cfg.Database.URL != "" {
		db, err := database.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return nil, nil, err
		}
		if err := db.InitSchema(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
		return db, db.Close, nil
	}
	lite, err := database.OpenLite(cfg.Database.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	return lite, func() {
		if err := lite.Close(); err != nil {
			slog.Error("failed to close database", "error", err)
		}
	}, nil
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if cfg.Source.FeedURL == "" || cfg.Target.UploadURL == "" {
		return errors.New("source.feed_url and target.upload_url are required to run")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer closeStore()

	bus := events.NewBus(cfg.Pipeline.EventHistorySize, logger)
	observability.Attach(bus)
	pipeline.NewStatsRecorder(st, logger).Attach(bus)

	var wg sync.WaitGroup
	bridgeCtx, stopBridge := context.WithCancel(context.Background())
	defer stopBridge()
	if cfg.RabbitMQ.URL != "" {
		mqClient, err := mq.Dial(cfg.RabbitMQ.URL)
		if err != nil {
			return err
		}
		defer mqClient.Close()
		if err := mqClient.SetupTopology(); err != nil {
			return fmt.Errorf("failed to setup rabbitmq topology: %w", err)
		}
		// Progress is too chatty for the broker; dashboards see the stage
		// transitions.
		bridge := mq.NewBridge(mqClient, cfg.RabbitMQ.BufferSize, logger,
			events.DownloadProgress, events.UploadProgress)
		bridge.Attach(bus)
		wg.Add(1)
		go func() {
			defer wg.Done()
			bridge.Run(bridgeCtx)
		}()
	}

	downloader, err := remote.NewHTTPDownloader(cfg.Pipeline.DownloadDir, nil)
	if err != nil {
		return err
	}
	orch := pipeline.NewOrchestrator(cfg.OrchestratorConfig(), pipeline.Deps{
		Queue:      task.NewQueue(cfg.Pipeline.MaxConcurrent, cfg.Pipeline.MaxRetries, logger),
		Bus:        bus,
		Store:      st,
		Downloader: downloader,
		Uploader:   remote.NewHTTPUploader(cfg.Target.UploadURL, cfg.Target.Token, nil),
		Logger:     logger,
	})

	n, err := orch.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover unfinished items: %w", err)
	}
	logger.Info("recovered unfinished items", "count", n)

	poller := pipeline.NewPoller(cfg.PollerConfig(), remote.NewFeedMonitor(cfg.Source.FeedURL, nil),
		func(ctx context.Context, item task.Item) error {
			_, err := orch.Submit(ctx, item)
			return err
		}, bus, logger)

	api := statusapi.New(cfg.HTTP.Addr, statusapi.Deps{
		Pipeline: orch,
		Monitor:  poller,
		History:  st,
		Bus:      bus,
		Logger:   logger,
	})

	bus.Publish(events.AppStarted, map[string]any{
		"max_concurrent": cfg.Pipeline.MaxConcurrent,
		"max_retries":    cfg.Pipeline.MaxRetries,
	}, source)
	logger.Info("relay started", "feed", cfg.Source.FeedURL, "addr", cfg.HTTP.Addr)

	errCh := make(chan error, 3)
	var runWg sync.WaitGroup
	for name, fn := range map[string]func(context.Context) error{
		"orchestrator": orch.Run,
		"poller":       poller.Run,
		"statusapi":    api.Run,
	} {
		runWg.Add(1)
		go func() {
			defer runWg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("component stopped", "component", name, "error", err)
				errCh <- fmt.Errorf("%s: %w", name, err)
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping pipeline...")
	// The orchestrator empties its queue on the way out.
	final := orch.Snapshot().Queue
	runWg.Wait()

	bus.Publish(events.AppShutdown, map[string]any{events.KeyStats: final}, source)
	stopBridge()
	wg.Wait()
	logger.Info("relay stopped gracefully")

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}
