package main

import (
	"context"
	"encoding/json"
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

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/shelf/internal/activity"
	"github.com/kalambet/shelf/internal/api"
	"github.com/kalambet/shelf/internal/config"
	"github.com/kalambet/shelf/internal/kv"
	"github.com/kalambet/shelf/internal/reaper"
	"github.com/kalambet/shelf/internal/reqcache"
	"github.com/kalambet/shelf/internal/rowcache"
	"github.com/kalambet/shelf/internal/storage"
	"github.com/kalambet/shelf/internal/telemetry"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemons and HTTP API (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		storeKind, _ := cmd.Flags().GetString("store")
		mcpStdio, _ := cmd.Flags().GetBool("mcp")
		return runServer(storeKind, mcpStdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running shelf server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show shelf status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().String("store", "redis", "key-value store: redis or memory")
	startCmd.Flags().Bool("mcp", false, "serve MCP tools over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "shelf.pid")
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

// storeSet opens one store connection per daemon. The memory store is a
// single shared instance since it only exists inside this process.
type storeSet struct {
	kind   string
	cfg    config.RedisConfig
	mem    *kv.Memory
	opened []kv.Store
}

func (s *storeSet) open(ctx context.Context) (kv.Store, error) {
	switch s.kind {
	case "memory":
		if s.mem == nil {
			s.mem = kv.NewMemory()
		}
		return s.mem, nil
	case "redis":
		st, err := kv.OpenRedis(ctx, kv.RedisOptions{
			Addr:         s.cfg.Addr,
			Password:     s.cfg.Password,
			DB:           s.cfg.DB,
			Prefix:       s.cfg.Prefix,
			DialTimeout:  s.cfg.DialTimeout,
			ReadTimeout:  s.cfg.ReadTimeout,
			WriteTimeout: s.cfg.WriteTimeout,
		})
		if err != nil {
			return nil, err
		}
		s.opened = append(s.opened, st)
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store %q (want redis or memory)", s.kind)
	}
}

func (s *storeSet) close() {
	for _, st := range s.opened {
		if err := st.Close(); err != nil {
			slog.Warn("closing store connection", "error", err)
		}
	}
}

func runServer(storeKind string, mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "shelf version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.Setup(ctx, "shelf", cfg.Telemetry.Enabled, cfg.Telemetry.Endpoint)
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("flushing traces", "error", err)
		}
	}()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	stores := &storeSet{kind: storeKind, cfg: cfg.Redis}
	defer stores.close()
	if storeKind == "memory" {
		printWarning("using the in-memory store; all state is lost on exit")
	}

	var conns [4]kv.Store
	for i := range conns {
		if conns[i], err = stores.open(ctx); err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
	}
	workerKV, reaperKV, trimmerKV, apiKV := conns[0], conns[1], conns[2], conns[3]

	worker := rowcache.NewWorker(workerKV, store, cfg.Schedule.PollInterval,
		rowcache.WithLogger(logger),
		rowcache.WithTracerProvider(tp),
		rowcache.WithClaimTTL(cfg.Schedule.ClaimTTL),
	)
	sessionReaper := reaper.New(
		activity.NewTracker(reaperKV, cfg.Activity.ViewedCap),
		reaper.Config{
			Ceiling:      cfg.Reaper.Ceiling,
			BatchCap:     cfg.Reaper.BatchCap,
			IncludeCart:  cfg.Reaper.IncludeCart,
			IdleInterval: cfg.Reaper.IdleInterval,
		},
		reaper.WithLogger(logger),
		reaper.WithTracerProvider(tp),
	)
	trimmer := reaper.NewTrimmer(
		activity.NewTracker(trimmerKV, cfg.Activity.ViewedCap),
		cfg.Reaper.KeepTop,
		cfg.Reaper.TrimInterval,
		reaper.WithLogger(logger),
		reaper.WithTracerProvider(tp),
	)

	tracker := activity.NewTracker(apiKV, cfg.Activity.ViewedCap)
	cache := reqcache.New(apiKV, tracker, reqcache.Config{
		RankThreshold: cfg.Cache.RankThreshold,
		TTL:           cfg.Cache.TTL,
	}, reqcache.WithLogger(logger))

	apiToken := cfg.Server.APIToken
	if apiToken == "" {
		apiToken = uuid.New().String()
		printWarning("no API token configured; using ephemeral token %s", apiToken)
	}

	handler := api.NewAppHandler(api.AppDeps{
		KV:        apiKV,
		Inventory: store,
		Tracker:   tracker,
		Cache:     cache,
		Token:     apiToken,
		Logger:    logger,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConnections)
	}

	g, gctx := errgroup.WithContext(ctx)
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return gctx
		},
	}

	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		sessionReaper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		trimmer.Run(gctx)
		return nil
	})
	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "shelf listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if mcpStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{KV: apiKV, Tracker: tracker})
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		logger.Info("MCP server started (stdio transport)")
	}

	return g.Wait()
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
		printError("shelf is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop shelf (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to shelf (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &apiClient{
		baseURL:    serverURL,
		token:      cfg.Server.APIToken,
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}

	running := false
	resp, err := client.get(ctx, "/health")
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case resp.StatusCode == http.StatusOK:
		resp.Body.Close()
		running = true
		printStatus("Server", "running on port %d", cfg.Server.Port)
	default:
		resp.Body.Close()
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
	}

	printStatus("Redis", "%s (db %d)", cfg.Redis.Addr, cfg.Redis.DB)
	printStatus("Reaper ceiling", "%d sessions", cfg.Reaper.Ceiling)

	if running && cfg.Server.APIToken != "" {
		if n, err := countJobs(ctx, client, "/schedule?limit=100"); err == nil {
			printBacklog("Scheduled rows", n, 100, false)
		}
		if n, err := countJobs(ctx, client, "/schedule?overdue=true&limit=100"); err == nil {
			printBacklog("Overdue rows", n, 100, true)
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countJobs(ctx context.Context, client *apiClient, path string) (int, error) {
	resp, err := client.get(ctx, path)
	if err != nil {
		return 0, err
	}
	var jobs []json.RawMessage
	if err := decodeJSON(resp, &jobs); err != nil {
		return 0, err
	}
	return len(jobs), nil
}
