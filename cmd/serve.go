package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/template-detector/internal/config"
	"github.com/example/template-detector/internal/handlers"
	"github.com/example/template-detector/internal/hub"
	"github.com/example/template-detector/internal/jobs"
	"github.com/example/template-detector/internal/logging"
	"github.com/example/template-detector/internal/match"
	"github.com/example/template-detector/internal/session"
	"github.com/example/template-detector/internal/video"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the upload page and websocket server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if serveAddr != "" {
			cfg.HTTPAddr = serveAddr
		}
		return runServer(cmd.Context(), cfg)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides HTTP_ADDR)")
	rootCmd.AddCommand(serveCmd)
}

func runServer(ctx context.Context, cfg config.Config) error {
	logger, err := logging.NewLogger(cfg.LogFile)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if _, err := match.New(cfg.Matcher); err != nil {
		return err
	}

	initCtx, initCancel := context.WithTimeout(ctx, 5*time.Second)
	cache, closeCache, err := newCache(initCtx, cfg, logger)
	initCancel()
	if err != nil {
		return err
	}
	defer closeCache()

	sessions, err := session.NewManager(cfg.SessionSecret, cfg.SessionTTL, cfg.SecureCookie)
	if err != nil {
		return err
	}

	wsHub := hub.New(logger)
	opener := jobs.FFmpegOpener(video.NewOpener(cfg.FFmpegPath, cfg.FFprobePath, logger))
	svc := jobs.NewService(cache, wsHub, opener, logger, jobs.Config{
		Lease:         cfg.JobLease,
		StatusTTL:     cfg.StatusTTL,
		ProgressEvery: cfg.ProgressEvery,
		Matcher:       cfg.Matcher,
	})
	wsHub.OnIdle = func(sessionID string) {
		if jobID, err := svc.Cancel(sessionID); err == nil {
			logging.WithOperation(logger, "hub.idle", jobID).Info("cancelled job of disconnected session")
		}
	}

	r := gin.Default()
	r.MaxMultipartMemory = 32 << 20
	handlers.RegisterRoutes(r, svc, wsHub, sessions.Middleware(), handlers.Options{
		UploadDir:        cfg.UploadDir,
		MaxUploadBytes:   cfg.MaxUploadBytes,
		DefaultThreshold: cfg.DefaultThreshold,
	}, logger)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("template detector listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("matcher", cfg.Matcher),
		zap.Bool("redis", cfg.RedisAddr != ""))
	serveErr := serveHTTPServer(ctx, server, cfg.ShutdownTimeout, logger, nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Warn("jobs did not stop in time", zap.Error(err))
	}
	return serveErr
}

// newCache selects Redis when REDIS_ADDR is set and the in-process cache otherwise.
func newCache(ctx context.Context, cfg config.Config, logger *zap.Logger) (jobs.Cache, func(), error) {
	if cfg.RedisAddr == "" {
		logger.Info("REDIS_ADDR not set, using in-process job cache")
		return jobs.NewMemoryCache(), func() {}, nil
	}
	client, err := initRedis(ctx, cfg.RedisAddr)
	if err != nil {
		return nil, nil, err
	}
	return jobs.NewRedisCache(client), func() {
		if err := client.Close(); err != nil {
			logger.Warn("redis close failed", zap.Error(err))
		}
	}, nil
}

func initRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// serveHTTPServer serves until the server fails or ctx is done, then drains
// in-flight requests for up to shutdownTimeout. A nil listener uses server.Addr.
func serveHTTPServer(ctx context.Context, server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("received shutdown signal", zap.NamedError("cause", context.Cause(ctx)))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
