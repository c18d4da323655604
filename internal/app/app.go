package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"postscheduler-go/internal/auth"
	"postscheduler-go/internal/config"
	"postscheduler-go/internal/dispatch"
	"postscheduler-go/internal/publisher"
	"postscheduler-go/internal/scheduler"
	"postscheduler-go/internal/storage"
)

const retentionSweepInterval = 24 * time.Hour

// Application holds all the major components of the service.
type Application struct {
	Config        *config.Config
	Logger        *logrus.Logger
	Storage       *storage.SQLiteStorage
	Posts         *storage.PostStore
	Credentials   *storage.CredentialStore
	Auth          *auth.OAuthManager
	Dispatcher    *dispatch.Dispatcher
	Scheduler     *scheduler.Scheduler
	Router        *gin.Engine
	HttpServer    *http.Server
	MetricsServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and initializes a new Application instance.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*Application, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	// Setup: Database
	dbCfg := storage.DefaultConfig()
	dbCfg.Path = cfg.DBPath
	store, err := storage.OpenDatabase(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	posts := storage.NewPostStore(store.DB())
	credentials := storage.NewCredentialStore(store.DB(), []byte(cfg.EncryptionKey))

	// Setup: Auth
	oauthConf := auth.NewOAuthConfig(auth.ProviderConfig{
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		AuthURL:      cfg.Auth.AuthURL,
		TokenURL:     cfg.Auth.TokenURL,
		RedirectURL:  cfg.Auth.RedirectURL,
		Scopes:       cfg.Auth.Scopes,
	})
	authClient := &http.Client{Timeout: cfg.Auth.Timeout.Duration}
	refresher := auth.NewRefresher(oauthConf, authClient)
	resolver := auth.NewResolver(credentials, refresher, cfg.Dispatch.ExpirySkew.Duration, logger.WithField("component", "resolver"))
	oauthManager := auth.NewOAuthManager(oauthConf, credentials, auth.NewInMemoryStateStore(auth.DefaultStateTTL), authClient)

	// Setup: Dispatcher and its scheduler
	pub := publisher.NewClient(cfg.Publisher.Endpoint, &http.Client{Timeout: cfg.Publisher.Timeout.Duration})
	dispatcher := dispatch.New(posts, resolver, pub, dispatch.Config{
		BatchSize:          cfg.Dispatch.BatchSize,
		MaxBatchesPerRun:   cfg.Dispatch.MaxBatchesPerRun,
		ErrorMessageMaxLen: cfg.Dispatch.ErrorMessageMaxLen,
		Concurrency:        cfg.Dispatch.Concurrency,
		ClaimRows:          cfg.Dispatch.ClaimRows,
		ClaimTimeout:       cfg.Dispatch.ClaimTimeout.Duration,
	}, logger.WithField("component", "dispatcher"))

	appCtx, cancel := context.WithCancel(ctx)
	sched, err := scheduler.NewScheduler(appCtx, dispatcher, cfg.Dispatch.Schedule, logger.WithField("component", "scheduler"))
	if err != nil {
		cancel()
		store.Close()
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	// Setup: HTTP Server for metrics
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		Storage:       store,
		Posts:         posts,
		Credentials:   credentials,
		Auth:          oauthManager,
		Dispatcher:    dispatcher,
		Scheduler:     sched,
		MetricsServer: metricsServer,
		ctx:           appCtx,
		cancel:        cancel,
	}

	// Setup: Main HTTP Server
	app.Router = app.routes()
	app.HttpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           app.Router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// a dispatch run triggered over HTTP can take a while
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return app, nil
}

// Start begins the application's services. Server failures after startup
// are logged; Start itself does not block.
func (a *Application) Start(ctx context.Context) error {
	a.Logger.Info("Starting application services...")

	a.Scheduler.Start()
	a.Logger.WithField("schedule", a.Config.Dispatch.Schedule).Info("Scheduler started")

	if a.Config.Dispatch.PostedRetention.Duration > 0 {
		a.wg.Add(1)
		go a.retentionLoop(a.Config.Dispatch.PostedRetention.Duration)
	}

	a.serve("metrics", a.MetricsServer)
	a.serve("http", a.HttpServer)
	return nil
}

func (a *Application) serve(name string, srv *http.Server) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Logger.WithField("addr", srv.Addr).Infof("Starting %s server", name)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.WithError(err).Errorf("%s server stopped unexpectedly", name)
		}
	}()
}

// retentionLoop deletes old posted rows once a day.
func (a *Application) retentionLoop(retention time.Duration) {
	defer a.wg.Done()
	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()

	for {
		deleted, err := a.Posts.CleanupPostedPosts(a.ctx, retention)
		if err != nil {
			a.Logger.WithError(err).Warn("Failed to clean up posted posts")
		} else if deleted > 0 {
			a.Logger.WithField("deleted", deleted).Info("Cleaned up posted posts")
		}

		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop gracefully shuts down the application's services.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.Info("Stopping application services...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := a.HttpServer.Shutdown(shutdownCtx); err != nil {
		a.Logger.WithError(err).Warn("HTTP server shutdown error")
	}
	if err := a.MetricsServer.Shutdown(shutdownCtx); err != nil {
		a.Logger.WithError(err).Warn("Metrics server shutdown error")
	}

	// waits for an in-flight scheduled run
	a.Scheduler.Stop()
	a.Logger.Info("Scheduler stopped")

	a.cancel()
	a.wg.Wait()

	if err := a.Storage.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}

	a.Logger.Info("Application stopped gracefully")
	return nil
}
