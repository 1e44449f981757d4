package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/api/idtoken"

	"github.com/tyemirov/dreamboard/internal/authkit"
	"github.com/tyemirov/dreamboard/internal/authkitmongo"
	"github.com/tyemirov/dreamboard/internal/authkitpg"
	"github.com/tyemirov/dreamboard/internal/web"
)

const (
	postgresDriverGORM = "gorm"
	postgresDriverPGX  = "pgx"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
	validator, err := idtoken.NewValidator(ctx)
	if err != nil {
		return nil, err
	}
	return validator, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	logger, loggerErr := buildLogger(viper.GetString("log_level"))
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	listenAddr := viper.GetString("listen_addr")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	userStore, closeStore, storeErr := buildUserStore(commandContext, logger, viper.GetString("database_url"), viper.GetString("postgres_driver"))
	if storeErr != nil {
		return storeErr
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("user store close failed", zap.Error(err))
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metricsRecorder, metricsErr := authkit.NewPrometheusMetrics(registry)
	if metricsErr != nil {
		return metricsErr
	}

	controller, controllerErr := authkit.NewSessionController(serverConfig, authkit.Dependencies{
		Users:   userStore,
		Logger:  logger,
		Metrics: metricsRecorder,
	})
	if controllerErr != nil {
		return controllerErr
	}

	var googleSignIn *authkit.GoogleSignIn
	if serverConfig.GoogleWebClientID != "" {
		validator, validatorErr := buildGoogleTokenValidator(commandContext)
		if validatorErr != nil {
			return fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
		}
		nonceStore := authkit.NewMemoryNonceStore(serverConfig.NonceTTL, nil)
		var googleErr error
		googleSignIn, googleErr = authkit.NewGoogleSignIn(commandContext, controller, nonceStore, validator)
		if googleErr != nil {
			return googleErr
		}
		logger.Info("google sign-in enabled")
	}

	var corsOrigins []string
	if enableCORS {
		corsOrigins = corsAllowedOrigins
	}
	router, routerErr := newRouter(logger, controller, googleSignIn, registry, enableCORS, corsOrigins)
	if routerErr != nil {
		return routerErr
	}

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, shutdownGracePeriod)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func newRouter(logger *zap.Logger, controller *authkit.SessionController, googleSignIn *authkit.GoogleSignIn, gatherer prometheus.Gatherer, enableCORS bool, corsOrigins []string) (*gin.Engine, error) {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsOrigins)
		if corsErr != nil {
			return nil, corsErr
		}
		router.Use(corsMiddleware)
	}

	router.GET("/healthz", web.HandleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api/v1")
	authkit.MountAuthRoutes(api, controller, googleSignIn)
	api.GET("/user/current", authkit.RequireUser(controller), web.HandleCurrentUser(logger))

	return router, nil
}

// buildUserStore selects the credential store from the database URL scheme.
func buildUserStore(ctx context.Context, logger *zap.Logger, databaseURL string, postgresDriver string) (authkit.UserStore, func() error, error) {
	noopClose := func() error { return nil }
	databaseURL = strings.TrimSpace(databaseURL)
	if databaseURL == "" {
		logger.Info("using in-memory user store")
		return authkit.NewMemoryUserStore(), noopClose, nil
	}

	parsed, parseErr := url.Parse(databaseURL)
	if parseErr != nil {
		return nil, nil, fmt.Errorf("user_store.parse_url: %w", parseErr)
	}
	scheme := strings.ToLower(parsed.Scheme)

	switch {
	case scheme == "mongodb" || scheme == "mongodb+srv":
		store, err := authkitmongo.NewMongoUserStore(ctx, authkitmongo.Config{URI: databaseURL})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using persistent user store", zap.String("driver", "mongodb"))
		return store, func() error { return store.Close(context.Background()) }, nil
	case (scheme == "postgres" || scheme == "postgresql") && postgresDriver == postgresDriverPGX:
		pool, err := authkitpg.BuildPool(ctx, databaseURL)
		if err != nil {
			return nil, nil, err
		}
		if migrateErr := authkitpg.Migrate(ctx, pool); migrateErr != nil {
			pool.Close()
			return nil, nil, migrateErr
		}
		logger.Info("using persistent user store", zap.String("driver", "pgx"))
		return authkitpg.NewPostgresUserStore(pool), func() error { pool.Close(); return nil }, nil
	case (scheme == "postgres" || scheme == "postgresql") && postgresDriver != postgresDriverGORM && postgresDriver != "":
		return nil, nil, configError(configCodeUnsupportedDriver, fmt.Sprintf("postgres_driver must be %q or %q, got %q", postgresDriverGORM, postgresDriverPGX, postgresDriver))
	default:
		store, err := authkit.NewDatabaseUserStore(ctx, databaseURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using persistent user store", zap.String("driver", store.Driver()))
		return store, store.Close, nil
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	parsedLevel, parseErr := zapcore.ParseLevel(strings.TrimSpace(level))
	if parseErr != nil {
		return nil, fmt.Errorf("%s: %w", configCodeInvalidLogLevel, parseErr)
	}
	loggerConfig := zap.NewProductionConfig()
	loggerConfig.Level = zap.NewAtomicLevelAt(parsedLevel)
	return loggerConfig.Build()
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
