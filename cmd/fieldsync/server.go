package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kalambet/fieldsync/internal/api"
	"github.com/kalambet/fieldsync/internal/cachestore"
	"github.com/kalambet/fieldsync/internal/config"
	"github.com/kalambet/fieldsync/internal/connectivity"
	"github.com/kalambet/fieldsync/internal/events"
	"github.com/kalambet/fieldsync/internal/intercept"
	"github.com/kalambet/fieldsync/internal/metadata"
	"github.com/kalambet/fieldsync/internal/remote"
	"github.com/kalambet/fieldsync/internal/scheduler"
	"github.com/kalambet/fieldsync/internal/storage"
	"github.com/kalambet/fieldsync/internal/syncer"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the fieldsync daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running fieldsync daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "serve MCP tools on stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "fieldsync.pid")
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

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setupLogging installs the default logger. With a log file, output is also
// written to a rotating file.
func setupLogging(cfg config.LogConfig) io.Closer {
	var out io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		out = io.MultiWriter(os.Stderr, rotator)
		closer = rotator
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: parseLevel(cfg.Level)})))
	return closer
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "fieldsync version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logCloser := setupLogging(cfg.Log)
	defer logCloser.Close()

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("fieldsync is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("fieldsync is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()
	meta := metadata.NewManager(store)
	if err := seedSyncConfig(meta, cfg.Sync); err != nil {
		return err
	}

	// Interception layer.
	cache, err := cachestore.Open(filepath.Join(cfg.Storage.DataDir, "cache"), slog.Default())
	if err != nil {
		return fmt.Errorf("opening cache store: %w", err)
	}
	defer cache.Close()
	layer, err := intercept.New(cache, intercept.Config{
		Origin:      cfg.Remote.Origin,
		Version:     cfg.Cache.Version,
		ShellAssets: cfg.Cache.Assets(),
		Timeout:     cfg.Remote.Timeout,
	})
	if err != nil {
		return fmt.Errorf("building interception layer: %w", err)
	}

	// Remote client, pointed at the interception proxy.
	var remoteToken atomic.Pointer[string]
	remoteToken.Store(&cfg.Remote.Token)
	tokens := remote.TokenFunc(func(context.Context) (string, error) {
		if tok := *remoteToken.Load(); tok != "" {
			return tok, nil
		}
		return "", remote.ErrNoToken
	})
	proxyOrigin := fmt.Sprintf("http://127.0.0.1:%d", cfg.Proxy.Port)
	remoteClient := remote.NewClient(proxyOrigin, tokens, cfg.Remote.Timeout)

	bus := events.NewBus()
	defer bus.Close()

	orch := syncer.New(syncer.Deps{
		Store:    store,
		Remote:   remoteClient,
		Metadata: meta,
		Events:   bus,
	}, syncer.Config{
		PhaseTimeout:       cfg.Sync.PhaseTimeout,
		ForcedPollInterval: cfg.Sync.ForcedPollInterval,
		Retention:          cfg.Sync.Retention,
	})
	defer orch.Wait()

	syncCfg, err := meta.SyncConfig()
	if err != nil {
		return fmt.Errorf("reading sync config: %w", err)
	}
	sched := scheduler.New(syncCfg.Times(), orch.ScheduledPull)
	orch.SetScheduler(sched)

	// Goroutines below read these copies; cfg is not touched after startup.
	origin := cfg.Remote.Origin
	probeInterval := cfg.Sync.ProbeInterval
	proxyAddr := fmt.Sprintf("127.0.0.1:%d", cfg.Proxy.Port)
	maxConns := cfg.Proxy.MaxConns
	fileSync := &fileSyncTracker{target: orch, last: cfg.Sync}

	monitor := connectivity.NewMonitor(origin, orch, probeInterval, cfg.Remote.Timeout)

	hub := api.NewEventHub(bus)
	defer hub.Close()
	appHandler := api.NewAppHandler(api.AppDeps{
		Sync:   orch,
		Store:  store,
		Config: meta,
		Events: hub,
		Token:  apiToken,
	})

	topRouter := chi.NewRouter()
	topRouter.Mount("/", appHandler)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           topRouter,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return layer.Serve(gctx, proxyAddr, maxConns)
	})
	g.Go(func() error {
		installShell(gctx, layer, probeInterval)
		return nil
	})
	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})
	g.Go(func() error {
		orch.RunForcedPoll(gctx)
		return nil
	})
	g.Go(func() error {
		monitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		w := config.NewWatcher(func(next config.Config) {
			remoteToken.Store(&next.Remote.Token)
			fileSync.apply(next.Sync)
		})
		if err := w.Run(gctx); err != nil {
			slog.Warn("config watcher stopped", "error", err)
		}
		return nil
	})

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Sync: orch, Version: version})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "fieldsync listening on %s (proxy %s -> %s)\n", addr, proxyOrigin, origin)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		// Graceful shutdown with timeout.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// installShell retries the shell install until it succeeds, then activates
// the layer. Until then requests pass straight through to the origin.
func installShell(ctx context.Context, layer *intercept.Layer, retry time.Duration) {
	for {
		err := layer.Install(ctx)
		if err == nil {
			if err := layer.Activate(); err != nil {
				slog.Error("activating interception layer", "error", err)
			}
			return
		}
		slog.Warn("shell install failed, retrying", "error", err, "retry_in", retry)
		select {
		case <-ctx.Done():
			return
		case <-time.After(retry):
		}
	}
}

// seedSyncConfig stores the file's sync keys as configSync unless a value
// was already saved through the API.
func seedSyncConfig(meta *metadata.Manager, file config.SyncConfig) error {
	all, err := meta.All()
	if err != nil {
		return fmt.Errorf("reading metadata: %w", err)
	}
	if _, ok := all[metadata.KeySyncConfig]; ok {
		return nil
	}
	sc := metadata.SyncConfig{DownloadTimes: file.Times(), SendOnCheckout: file.SendOnCheckout}
	if err := sc.Validate(); err != nil {
		slog.Warn("ignoring invalid sync keys in config file", "error", err)
		return nil
	}
	return meta.SetSyncConfig(sc)
}

// syncReconfigurer is implemented by syncer.Orchestrator.
type syncReconfigurer interface {
	Reconfigure(cfg metadata.SyncConfig) error
}

// fileSyncTracker pushes edited sync keys from the config file into the
// orchestrator, which persists them and re-arms the scheduler. It is only
// used from the config watcher goroutine.
type fileSyncTracker struct {
	target syncReconfigurer
	last   config.SyncConfig
}

// apply reports whether next changed the sync keys and was accepted.
func (t *fileSyncTracker) apply(next config.SyncConfig) bool {
	if reflect.DeepEqual(t.last.Times(), next.Times()) && t.last.SendOnCheckout == next.SendOnCheckout {
		return false
	}
	sc := metadata.SyncConfig{DownloadTimes: next.Times(), SendOnCheckout: next.SendOnCheckout}
	if err := t.target.Reconfigure(sc); err != nil {
		slog.Warn("sync keys from config file rejected", "error", err)
		return false
	}
	t.last = next
	slog.Info("sync config updated from config file", "horariosDownload", sc.DownloadTimes)
	return true
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
		printError("fieldsync is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop fieldsync (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to fieldsync (PID %d)", pid)
	return nil
}
