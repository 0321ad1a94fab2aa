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
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/webdav-gateway/davengine/internal/auth"
	"github.com/webdav-gateway/davengine/internal/config"
	"github.com/webdav-gateway/davengine/internal/middleware"
	"github.com/webdav-gateway/davengine/internal/webdav"
	"github.com/webdav-gateway/davengine/internal/webdav/lock"
	davxml "github.com/webdav-gateway/davengine/internal/webdav/xml"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configFile string
		envFile    string
	)

	root := &cobra.Command{
		Use:           "davengine",
		Short:         "WebDAV class 1/2 server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadEnvFile(envFile); err != nil {
				return err
			}
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.Flags().StringVarP(&configFile, "config", "c", "", "config file path")
	root.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")

	root.AddCommand(&cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print a bcrypt hash for auth.users[].password_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	})
	return root
}

func run(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	logger, logCloser, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ========================================
	// 后端
	// ========================================

	fs, err := newFileSystem(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("create storage: %w", err)
	}
	logger.WithField("type", cfg.Storage.Type).Info("storage initialized")

	props, err := newPropertyStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer props.Close()
	logger.WithField("backend", cfg.Properties.Backend).Info("property store initialized")

	locks, err := newLockManager(ctx, cfg.Locks, cfg.LockPolicy(), logger)
	if err != nil {
		return err
	}
	if locks != nil {
		defer locks.Close()
		logger.WithField("backend", cfg.Locks.Backend).Info("lock manager initialized")
	}

	authService, err := auth.NewService(cfg.Auth)
	if err != nil {
		return fmt.Errorf("create auth service: %w", err)
	}
	homes := make([]string, 0, len(authService.Users())+1)
	for _, u := range authService.Users() {
		homes = append(homes, u.HomePath)
	}
	if authService.AnonymousEnabled() {
		homes = append(homes, authService.AnonymousUser().HomePath)
	}
	if err := ensureHomes(ctx, fs, homes); err != nil {
		return err
	}

	// ========================================
	// WebDAV
	// ========================================

	maxUpload, err := cfg.MaxUploadBytes()
	if err != nil {
		return err
	}
	behaviour, err := cfg.TargetBehaviour()
	if err != nil {
		return err
	}
	formatter := davxml.NewFormatter(cfg.WebDAV.PrettyXML)

	opts := []webdav.Option{
		webdav.WithPrefix(cfg.WebDAV.Prefix),
		webdav.WithMaxUploadSize(maxUpload),
		webdav.WithTargetBehaviour(behaviour),
		webdav.WithFormatter(formatter),
		webdav.WithLogger(logger),
	}
	if locks != nil {
		opts = append(opts, webdav.WithLockManager(locks))
	}
	handler := webdav.NewHandler(fs, props, opts...)
	dispatcher := webdav.NewDispatcher(handler, handler.Class2(), formatter)

	router := newRouter(cfg, logger, authService, dispatcher, locks)

	srv := &http.Server{
		Addr:           cfg.Server.Address,
		Handler:        router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithFields(logrus.Fields{
			"address": cfg.Server.Address,
			"prefix":  cfg.WebDAV.Prefix,
			"dav":     dispatcher.DAVHeader(),
		}).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")

		timeout := cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server exited")
	return nil
}

// newRouter 组装中间件和路由
func newRouter(cfg *config.Config, logger *logrus.Logger, authService *auth.Service, d *webdav.Dispatcher, locks *lock.LockManager) *gin.Engine {
	gin.SetMode(cfg.GetGINMode())

	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.CORSMiddleware())

	router.GET("/health", func(c *gin.Context) {
		body := gin.H{
			"status": "healthy",
			"time":   time.Now().Unix(),
			"dav":    d.DAVHeader(),
		}
		if locks != nil {
			body["active_locks"] = locks.ActiveCount()
		}
		c.JSON(http.StatusOK, body)
	})

	authGroup := router.Group("/api/auth")
	{
		authGroup.POST("/login", handleLogin(authService))
		authGroup.GET("/me", middleware.AuthMiddleware(authService), handleGetMe(authService))
	}

	davGroup := router.Group(cfg.WebDAV.Prefix)
	davGroup.Use(middleware.AuthMiddleware(authService))
	d.RegisterRoutes(davGroup)

	router.NoRoute(d.NoRoute)
	return router
}
