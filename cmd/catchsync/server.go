package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/catchsync/internal/api"
	"github.com/kalambet/catchsync/internal/config"
	"github.com/kalambet/catchsync/internal/engine"
	"github.com/kalambet/catchsync/internal/telemetry"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the catchsync daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running catchsync daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon, queue and connectivity status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "catchsync.pid")
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

func newLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "catchsync version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")
	if cfg.Remote.Token == "" {
		slog.Warn("no remote token configured, submissions will be sent unauthenticated")
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("catchsync is already running (PID %d)", pid)
			return fmt.Errorf("daemon already running (PID %d)", pid)
		}
		printWarning("catchsync is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("daemon already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics, err := telemetry.NewProvider(cfg.Metrics.Enabled)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metrics.Shutdown(shutdownCtx); err != nil {
			slog.Warn("shutting down metrics", "error", err)
		}
	}()

	eng, err := engine.Open(engine.Options{
		DataDir:       cfg.Storage.DataDir,
		BaseURL:       cfg.Remote.BaseURL,
		Token:         cfg.Remote.Token,
		UploadTimeout: cfg.Remote.UploadTimeout,
		MaxAttempts:   cfg.Sync.MaxAttempts,
		Debounce:      cfg.Sync.Debounce,
		SyncInterval:  cfg.Sync.Interval,
		ProbeURL:      cfg.EffectiveProbeURL(),
		ProbeTimeout:  cfg.Connectivity.ProbeTimeout,
		PollInterval:  cfg.Connectivity.PollInterval,
		MeterProvider: metrics.MeterProvider,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("opening engine: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			slog.Warn("closing engine", "error", err)
		}
	}()

	handler := api.NewAppHandler(api.AppDeps{
		Engine:         eng,
		Token:          apiToken,
		MetricsHandler: metrics.Handler,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	srv.BaseContext = func(net.Listener) context.Context { return gctx }

	g.Go(func() error {
		return eng.Run(gctx)
	})

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "catchsync listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Engine: eng, Version: version})
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("catchsync is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop catchsync (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to catchsync (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printWarning("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}

	resp, err := client.get(ctx, "/sync")
	if err != nil {
		printStatus("Daemon", "stopped")
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}

	var st engine.Status
	if err := decodeJSON(resp, &st); err != nil {
		printStatus("Daemon", "error (%v)", err)
		return nil
	}

	printStatus("Daemon", "running on port %d", cfg.Server.Port)
	printStatusReport(st, time.Now())
	printStatus("Remote", "%s", cfg.Remote.BaseURL)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func printStatusReport(st engine.Status, now time.Time) {
	switch {
	case st.Connectivity == nil:
		printStatus("Network", "unknown")
	case st.Online:
		printStatus("Network", "%s", colorize(colorGreen, "online"))
	case st.Connectivity.Connected:
		printStatus("Network", "%s", colorize(colorYellow, "connected, remote unreachable"))
	default:
		printStatus("Network", "%s", colorize(colorRed, "offline"))
	}

	pending := fmt.Sprintf("%d", st.Pending)
	if st.Exhausted > 0 {
		pending += colorize(colorRed, fmt.Sprintf(" (%d need attention)", st.Exhausted))
	}
	printStatus("Pending", "%s", pending)

	if st.Syncing {
		printStatus("Sync", "running (%d/%d)", st.Progress.Completed, st.Progress.Total)
	}
	if st.LastSync != nil {
		printStatus("Last sync", "%s", humanAge(*st.LastSync, now))
	} else {
		printStatus("Last sync", "never")
	}
	if st.LastResult != nil {
		printStatus("Last result", "%d synced, %d failed", st.LastResult.Synced, st.LastResult.Failed)
	}
}
