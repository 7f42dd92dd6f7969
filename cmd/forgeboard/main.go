// Package main is the forgeboard server entry point: a kanban-style task
// board whose cards are executed by coding agents in isolated git worktrees.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/forgeboard/forgeboard/internal/api"
	"github.com/forgeboard/forgeboard/internal/board"
	"github.com/forgeboard/forgeboard/internal/common/config"
	"github.com/forgeboard/forgeboard/internal/common/httpmw"
	"github.com/forgeboard/forgeboard/internal/common/logger"
	"github.com/forgeboard/forgeboard/internal/container"
	"github.com/forgeboard/forgeboard/internal/db"
	"github.com/forgeboard/forgeboard/internal/events"
	"github.com/forgeboard/forgeboard/internal/gitsync"
	"github.com/forgeboard/forgeboard/internal/lifecycle"
	"github.com/forgeboard/forgeboard/internal/profiles"
	"github.com/forgeboard/forgeboard/internal/store"
	"github.com/forgeboard/forgeboard/internal/tracing"
	"github.com/forgeboard/forgeboard/internal/worktree"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "forgeboard: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting forgeboard")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database: single writer connection plus a read pool, both on WAL.
	dbPath, err := cfg.Database.ExpandedDatabasePath()
	if err != nil {
		return fmt.Errorf("failed to resolve database path: %w", err)
	}
	dbOpts := db.Options{
		BusyTimeout: time.Duration(cfg.Database.BusyTimeoutMS) * time.Millisecond,
		ReaderConns: cfg.Database.MaxReadConns,
	}
	writer, err := db.OpenWriter(dbPath, dbOpts)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	reader, err := db.OpenReader(dbPath, dbOpts)
	if err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to open read pool: %w", err)
	}

	st, err := store.NewOwned(writer, reader)
	if err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer func() { _ = st.Close() }()
	log.Info("database initialized", zap.String("path", dbPath))

	// Event bus: NATS when configured, in-memory otherwise.
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = busCleanup() }()

	worktreeMgr, err := worktree.NewManager(worktree.Config{
		BasePath:        cfg.Worktree.BasePath,
		BranchPrefix:    cfg.Worktree.BranchPrefix,
		CleanupOnRemove: cfg.Worktree.CleanupOnRemove,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to initialize worktree manager: %w", err)
	}

	// No executor backend is wired yet; starts are recorded as failed
	// processes and the rest of the system stays usable.
	containerSvc := container.NewLocalService(st, worktreeMgr, provided.Bus, nil, cfg.Worktree.BranchPrefix, log)

	lifecycleMgr := lifecycle.NewManager(st, containerSvc, worktreeMgr, provided.Bus, log)

	gitSvc := gitsync.NewService(gitsync.NewCli(), cfg.GitSync.DefaultRemote, log)

	profileMgr := profiles.NewManager(cfg.Profiles.Dir, cfg.Profiles.Debounce(), log)
	defer profileMgr.Close()
	if err := registerProjectProfiles(ctx, st, profileMgr, log); err != nil {
		return err
	}

	streamer := board.NewStreamer(st, provided.Bus, cfg.Board.HiddenRefreshDuration(), log)

	if cfg.Logging.Format == "json" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), corsMiddleware(),
		httpmw.RequestLogger(log),
		httpmw.OtelTracing("forgeboard"))
	api.NewServer(st, lifecycleMgr, containerSvc, gitSvc, streamer, profileMgr, log).RegisterRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutting down forgeboard")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("http server shutdown error", zap.Error(err))
		}

		// Let in-flight worktree reclamation finish before the store closes.
		lifecycleMgr.Wait()

		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracing shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		return err
	}

	log.Info("forgeboard stopped")
	return nil
}

// registerProjectProfiles binds every known project to its workspace profile
// cache so executor profiles resolve from the first request on.
func registerProjectProfiles(ctx context.Context, st *store.Store, profileMgr *profiles.Manager, log *logger.Logger) error {
	projects, err := st.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("failed to list projects: %w", err)
	}
	for _, project := range projects {
		if _, err := profileMgr.Register(project.ID, project.GitRepoPath); err != nil {
			log.Warn("failed to register profile cache",
				zap.String("project_id", project.ID),
				zap.Error(err))
		}
	}
	return nil
}

// corsMiddleware allows browser clients on other origins to reach the HTTP
// and websocket endpoints.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
