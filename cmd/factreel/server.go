package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/factreel/internal/api"
	"github.com/kalambet/factreel/internal/approval"
	"github.com/kalambet/factreel/internal/collab"
	"github.com/kalambet/factreel/internal/config"
	"github.com/kalambet/factreel/internal/extract"
	"github.com/kalambet/factreel/internal/history"
	"github.com/kalambet/factreel/internal/ideas"
	"github.com/kalambet/factreel/internal/lane"
	"github.com/kalambet/factreel/internal/notify"
	"github.com/kalambet/factreel/internal/pipeline"
	"github.com/kalambet/factreel/internal/scheduler"
	"github.com/kalambet/factreel/internal/stage"
	"github.com/kalambet/factreel/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the factreel daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running factreel daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show factreel daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "factreel.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "factreel version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Write PID file. Check if the daemon is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("factreel is already running (PID %d)", pid)
			return fmt.Errorf("daemon already running (PID %d)", pid)
		}
		printWarning("factreel is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("daemon already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	channels, err := config.LoadChannels(cfg.Storage.ChannelsFile)
	if err != nil {
		return fmt.Errorf("loading channels: %w", err)
	}
	slog.Info("channels loaded", "count", len(channels), "file", cfg.Storage.ChannelsFile)

	// Assemble the pipeline: storage-backed gate and history, one collaborator
	// client behind every external stage.
	hist := history.New(store, cfg.Dedup.Retention, cfg.Dedup.Similarity)
	gate := approval.NewGate(store, cfg.Approval.TTL)
	lanes := lane.New()
	notifier := notify.LogNotifier{}
	collabClient := collab.New(cfg.Collab.URL)

	exec := stage.New(stage.Policy{
		MaxAttempts: cfg.Pipeline.MaxAttempts,
		BaseBackoff: cfg.Pipeline.BaseBackoff,
		Multiplier:  cfg.Pipeline.Multiplier,
		Timeout:     cfg.Pipeline.StageTimeout,
	})

	orch := pipeline.New(pipeline.Deps{
		Store:    store,
		Lanes:    lanes,
		Gate:     gate,
		Executor: exec,
		Collaborators: pipeline.Collaborators{
			Content: extract.New(),
			Facts:   collabClient,
			Images:  collabClient,
			Cards:   collabClient,
			Videos:  collabClient,
			Publish: collabClient,
		},
		Notifier:            notifier,
		History:             hist,
		ChannelDescriptions: config.Descriptions(channels),
		Workers:             cfg.Pipeline.Workers,
	})

	coordinator := ideas.NewCoordinator(collabClient, hist, cfg.Dedup.MaxRounds)
	approver := ideas.NewApprover(gate, notifier, func(ctx context.Context, idea ideas.Idea) (string, error) {
		return orch.Submit(ctx, pipeline.Input{
			Channel:     idea.Channel,
			Kind:        pipeline.KindIdea,
			Text:        idea.Title,
			Fact:        &pipeline.Fact{Title: idea.Title, Body: idea.Body},
			Fingerprint: idea.Fingerprint,
		})
	})

	sched := scheduler.New(store, func(ctx context.Context, t storage.Trigger) {
		batch, err := coordinator.Generate(ctx, t.Channel, t.IdeaCount)
		if err != nil {
			slog.Error("trigger batch generation failed",
				"trigger_id", t.ID, "channel", t.Channel, "error", err)
			return
		}
		if len(batch) == 0 {
			slog.Warn("trigger produced no ideas", "trigger_id", t.ID, "channel", t.Channel)
			return
		}
		if err := approver.Propose(batch); err != nil {
			slog.Error("proposing idea batch", "trigger_id", t.ID, "error", err)
		}
	}, cfg.Scheduler.Tick)

	// Startup recovery: resolve overdue approvals, replay decisions whose
	// resume never ran, then re-admit interrupted jobs.
	if err := gate.ExpireStale(); err != nil {
		return fmt.Errorf("expiring stale approvals: %w", err)
	}
	if err := gate.Replay(); err != nil {
		return fmt.Errorf("replaying decisions: %w", err)
	}
	if err := orch.Recover(); err != nil {
		return fmt.Errorf("recovering jobs: %w", err)
	}

	go func() {
		if err := orch.Run(ctx); err != nil {
			slog.Error("orchestrator stopped", "error", err)
		}
	}()
	go sched.Run(ctx)
	go hist.RunCompaction(ctx.Done(), cfg.Dedup.CompactionInterval)

	handler := api.NewAppHandler(api.AppDeps{
		Store: store,
		Jobs:  orch,
		Gate:  gate,
		Token: cfg.Server.Token,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "factreel listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("factreel is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop factreel (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to factreel (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	running := false
	if err != nil {
		printStatus("Daemon", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Daemon", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Daemon", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Collaborator", "%s", cfg.Collab.URL)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)

	if running {
		apiCli, err := newAPIClient()
		if err != nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if resp, err := apiCli.get(ctx, "/approvals"); err == nil {
			var pending []map[string]any
			if decodeJSON(resp, &pending) == nil {
				printStatus("Pending approvals", "%d", len(pending))
			}
		}
		if resp, err := apiCli.get(ctx, "/triggers"); err == nil {
			var triggers []map[string]any
			if decodeJSON(resp, &triggers) == nil {
				printStatus("Triggers", "%d", len(triggers))
			}
		}
	}
	return nil
}
