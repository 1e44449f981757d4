package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"google.golang.org/api/idtoken"

	"github.com/tyemirov/dreamboard/internal/authkit"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func setValidSigningConfig() {
	viper.Set("access_signing_key", "access-secret")
	viper.Set("refresh_signing_key", "refresh-secret")
	viper.Set("access_ttl", time.Minute)
	viper.Set("refresh_ttl", time.Hour)
}

func TestZapLoggerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(zapLoggerMiddleware(zaptest.NewLogger(t)))
	router.GET("/ping", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusNoContent, recorder.Code)
}

func TestRunServerMissingConfig(t *testing.T) {
	resetViper(t)

	err := runServer(&cobra.Command{}, nil)
	require.EqualError(t, err, "config.uninitialized_server_config: server configuration not prepared; PreRunE must execute before RunE")
}

func TestLoadServerConfigValidation(t *testing.T) {
	testCases := []struct {
		name     string
		override func()
		expected string
	}{
		{
			name:     "missing access key",
			override: func() { viper.Set("access_signing_key", "") },
			expected: "config.missing_access_signing_key: access_signing_key must be provided",
		},
		{
			name:     "missing refresh key",
			override: func() { viper.Set("refresh_signing_key", "") },
			expected: "config.missing_refresh_signing_key: refresh_signing_key must be provided",
		},
		{
			name:     "identical keys",
			override: func() { viper.Set("refresh_signing_key", "access-secret") },
			expected: "config.identical_signing_keys: access_signing_key and refresh_signing_key must differ",
		},
		{
			name:     "non-positive access ttl",
			override: func() { viper.Set("access_ttl", 0) },
			expected: "config.invalid_access_ttl: access_ttl must be greater than zero",
		},
		{
			name:     "non-positive refresh ttl",
			override: func() { viper.Set("refresh_ttl", -time.Second) },
			expected: "config.invalid_refresh_ttl: refresh_ttl must be greater than zero",
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			resetViper(t)
			setValidSigningConfig()
			testCase.override()

			_, err := LoadServerConfig()
			require.EqualError(t, err, testCase.expected)
		})
	}
}

func TestLoadServerConfigDefaultsAndCookieMode(t *testing.T) {
	resetViper(t)
	setValidSigningConfig()
	viper.Set("cookie_domain", "dreamboard.example")
	viper.Set("google_web_client_id", "  client-id  ")

	config, err := LoadServerConfig()
	require.NoError(t, err)
	require.Equal(t, "dreamboard", config.JWTIssuer)
	require.Equal(t, authkit.DefaultNonceTTL, config.NonceTTL)
	require.Equal(t, authkit.DefaultRefreshCookieName, config.RefreshCookieName)
	require.Equal(t, authkit.DefaultRefreshCookiePath, config.RefreshCookiePath)
	require.Equal(t, http.SameSiteStrictMode, config.SameSiteMode)
	require.Equal(t, "dreamboard.example", config.CookieDomain)
	require.Equal(t, "client-id", config.GoogleWebClientID)
	require.False(t, config.AllowInsecureHTTP)

	viper.Set("enable_cors", true)
	config, err = LoadServerConfig()
	require.NoError(t, err)
	require.Equal(t, http.SameSiteNoneMode, config.SameSiteMode)

	viper.Set("dev_insecure_http", true)
	config, err = LoadServerConfig()
	require.NoError(t, err)
	require.Equal(t, http.SameSiteLaxMode, config.SameSiteMode, "SameSite=None cookies must be Secure")
	require.True(t, config.AllowInsecureHTTP)
}

func TestLoadEnvFile(t *testing.T) {
	t.Setenv("APP_ACCESS_SIGNING_KEY", "")
	require.NoError(t, os.Unsetenv("APP_ACCESS_SIGNING_KEY"))

	envPath := filepath.Join(t.TempDir(), "dreamboard.env")
	require.NoError(t, os.WriteFile(envPath, []byte("APP_ACCESS_SIGNING_KEY=from-dotenv\n"), 0o600))

	require.NoError(t, loadEnvFile(envPath))
	require.Equal(t, "from-dotenv", os.Getenv("APP_ACCESS_SIGNING_KEY"))

	err := loadEnvFile(filepath.Join(t.TempDir(), "missing.env"))
	require.ErrorContains(t, err, "config.env_file")

	testChdir(t, t.TempDir())
	require.NoError(t, loadEnvFile(""), "a missing default .env is ignored")
}

func TestBuildUserStore(t *testing.T) {
	logger := zaptest.NewLogger(t)

	store, closeStore, err := buildUserStore(testContext(t), logger, "", "")
	require.NoError(t, err)
	require.IsType(t, &authkit.MemoryUserStore{}, store)
	require.NoError(t, closeStore())

	sqliteURL := "sqlite://" + filepath.Join(t.TempDir(), "users.db")
	store, closeStore, err = buildUserStore(testContext(t), logger, sqliteURL, postgresDriverPGX)
	require.NoError(t, err)
	require.IsType(t, &authkit.DatabaseUserStore{}, store)
	require.NoError(t, closeStore())

	_, _, err = buildUserStore(testContext(t), logger, "postgres://localhost/dreamboard", "mysql")
	require.ErrorContains(t, err, configCodeUnsupportedDriver)

	_, _, err = buildUserStore(testContext(t), logger, "mysql://localhost/dreamboard", "")
	require.ErrorIs(t, err, authkit.ErrUnsupportedDialect)
}

func TestBuildLogger(t *testing.T) {
	logger, err := buildLogger("debug")
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zap.DebugLevel))

	logger, err = buildLogger("")
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zap.DebugLevel))

	_, err = buildLogger("verbose")
	require.ErrorContains(t, err, configCodeInvalidLogLevel)
}

func TestNewRouterServesAuthFlow(t *testing.T) {
	gin.SetMode(gin.TestMode)

	registry := prometheus.NewRegistry()
	metricsRecorder, err := authkit.NewPrometheusMetrics(registry)
	require.NoError(t, err)
	controller, err := authkit.NewSessionController(authkit.ServerConfig{
		AccessSigningKey:  []byte("access-secret"),
		RefreshSigningKey: []byte("refresh-secret"),
		JWTIssuer:         "dreamboard",
	}, authkit.Dependencies{Users: authkit.NewMemoryUserStore(), Metrics: metricsRecorder})
	require.NoError(t, err)

	router, err := newRouter(zaptest.NewLogger(t), controller, nil, registry, true, []string{"https://app.example.com"})
	require.NoError(t, err)

	recorder := httptest.NewRecorder()
	registerRequest := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register",
		strings.NewReader(`{"username":"alice","email":"alice@example.com","password":"secret-password"}`))
	registerRequest.Header.Set("Content-Type", "application/json")
	registerRequest.Header.Set("Origin", "https://app.example.com")
	router.ServeHTTP(recorder, registerRequest)
	require.Equal(t, http.StatusCreated, recorder.Code, recorder.Body.String())
	require.Equal(t, "https://app.example.com", recorder.Header().Get("Access-Control-Allow-Origin"))

	var registered map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &registered))
	accessToken, ok := registered["accessToken"].(string)
	require.True(t, ok)

	recorder = httptest.NewRecorder()
	currentRequest := httptest.NewRequest(http.MethodGet, "/api/v1/user/current", nil)
	currentRequest.Header.Set("Authorization", "Bearer "+accessToken)
	router.ServeHTTP(recorder, currentRequest)
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Contains(t, recorder.Body.String(), `"username":"alice"`)

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/auth/nonce", nil))
	require.Equal(t, http.StatusNotFound, recorder.Code, "google routes are absent without a client id")

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, recorder.Code)

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Contains(t, recorder.Body.String(), `dreamboard_auth_events_total{event="auth.register.success"} 1`)
}

func TestNewRouterRejectsInvalidCORSOrigins(t *testing.T) {
	controller, err := authkit.NewSessionController(authkit.ServerConfig{
		AccessSigningKey:  []byte("access-secret"),
		RefreshSigningKey: []byte("refresh-secret"),
	}, authkit.Dependencies{Users: authkit.NewMemoryUserStore()})
	require.NoError(t, err)

	_, err = newRouter(zap.NewNop(), controller, nil, prometheus.NewRegistry(), true, nil)
	require.Error(t, err)
}

func TestRunServerGoogleValidatorInitFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	resetViper(t)
	withServeHTTPStub(t, func(server *http.Server) error {
		return http.ErrServerClosed
	})
	withGoogleValidatorBuilderStub(t, func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
		return nil, errors.New("validator_fail")
	})

	setValidSigningConfig()
	viper.Set("google_web_client_id", "client")

	err := runServer(commandWithConfig(t), nil)
	require.EqualError(t, err, "config.google_validator_init: validator_fail")
}

func TestRunServerSuccess(t *testing.T) {
	gin.SetMode(gin.TestMode)

	testCases := []struct {
		name     string
		settings map[string]any
	}{
		{name: "in-memory store", settings: map[string]any{}},
		{
			name: "sqlite store with google and cors",
			settings: map[string]any{
				"google_web_client_id": "client",
				"database_url":         "sqlite://" + filepath.Join(t.TempDir(), "users.db"),
				"enable_cors":          true,
				"cors_allowed_origins": []string{"http://localhost:5173"},
				"dev_insecure_http":    true,
				"cookie_domain":        "localhost",
			},
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			resetViper(t)
			var configuredHandler http.Handler
			withServeHTTPStub(t, func(server *http.Server) error {
				configuredHandler = server.Handler
				return http.ErrServerClosed
			})
			withGoogleValidatorBuilderStub(t, func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
				return noopGoogleValidator{}, nil
			})

			viper.Set("listen_addr", ":0")
			setValidSigningConfig()
			for key, value := range testCase.settings {
				viper.Set(key, value)
			}

			require.NoError(t, runServer(commandWithConfig(t), nil))
			require.NotNil(t, configuredHandler)
		})
	}
}

func TestNewRootCommandHelp(t *testing.T) {
	resetViper(t)
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--help"})
	require.NoError(t, cmd.Execute())
}

func TestRootCommandReportsMissingSecrets(t *testing.T) {
	resetViper(t)
	testChdir(t, t.TempDir())
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--access_signing_key", "only-access"})
	cmd.SilenceErrors = true

	err := cmd.Execute()
	require.EqualError(t, err, "config.missing_refresh_signing_key: refresh_signing_key must be provided")
}

func commandWithConfig(t *testing.T) *cobra.Command {
	t.Helper()
	config, err := LoadServerConfig()
	require.NoError(t, err)
	command := &cobra.Command{}
	command.SetContext(context.WithValue(testContext(t), serverConfigContextKey, config))
	return command
}

func withServeHTTPStub(t *testing.T, stub func(server *http.Server) error) {
	t.Helper()
	previous := serveHTTP
	serveHTTP = stub
	t.Cleanup(func() {
		serveHTTP = previous
	})
}

type noopGoogleValidator struct{}

func (noopGoogleValidator) Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
	return &idtoken.Payload{}, nil
}

func withGoogleValidatorBuilderStub(t *testing.T, stub func(ctx context.Context) (authkit.GoogleTokenValidator, error)) {
	t.Helper()
	previous := buildGoogleTokenValidator
	buildGoogleTokenValidator = stub
	t.Cleanup(func() {
		buildGoogleTokenValidator = previous
	})
}
