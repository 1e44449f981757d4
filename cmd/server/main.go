package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tyemirov/dreamboard/internal/authkit"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "dreamboard",
		Short:        "Dreamboard API: password and Google sign-in with JWT access tokens and refresh cookies",
		SilenceUsage: true,
		PreRunE:      prepareServerConfig,
		RunE:         runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("env_file", "", "Optional dotenv file loaded before reading APP_* variables")
	rootCmd.Flags().String("log_level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().String("access_signing_key", "", "HS256 secret for access tokens")
	rootCmd.Flags().String("refresh_signing_key", "", "HS256 secret for refresh tokens; must differ from the access secret")
	rootCmd.Flags().Duration("access_ttl", authkit.DefaultAccessTTL, "Access token TTL")
	rootCmd.Flags().Duration("refresh_ttl", authkit.DefaultRefreshTTL, "Refresh token TTL")
	rootCmd.Flags().String("jwt_issuer", "dreamboard", "Issuer claim for minted tokens")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	rootCmd.Flags().String("database_url", "", "User store URL (postgres://, sqlite://, mongodb://; leave empty for in-memory store)")
	rootCmd.Flags().String("postgres_driver", postgresDriverGORM, "Driver for postgres:// URLs (gorm or pgx)")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients (required to set SameSite=None cookies)")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	rootCmd.Flags().String("google_web_client_id", "", "Google Web OAuth Client ID; enables Google sign-in when set")
	rootCmd.Flags().Duration("nonce_ttl", authkit.DefaultNonceTTL, "Nonce lifetime for Google Sign-In exchanges")

	rootCmd.Flags().VisitAll(func(flag *pflag.Flag) {
		_ = viper.BindPFlag(flag.Name, flag)
	})

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	configCodeMissingAccessKey        = "config.missing_access_signing_key"
	configCodeMissingRefreshKey       = "config.missing_refresh_signing_key"
	configCodeIdenticalSigningKeys    = "config.identical_signing_keys"
	configCodeInvalidAccessTTL        = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodeEnvFile                 = "config.env_file"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit     = "config.google_validator_init"
	configCodeInvalidLogLevel         = "config.invalid_log_level"
	configCodeUnsupportedDriver       = "config.unsupported_postgres_driver"
)

const defaultEnvFile = ".env"

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	if err := loadEnvFile(viper.GetString("env_file")); err != nil {
		return err
	}
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

// loadEnvFile exports variables from path without overriding the process
// environment. A missing default .env file is not an error.
func loadEnvFile(path string) error {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = defaultEnvFile
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%s: %w", configCodeEnvFile, err)
	}
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads the authkit configuration from viper.
func LoadServerConfig() (authkit.ServerConfig, error) {
	accessSigningKey := viper.GetString("access_signing_key")
	if accessSigningKey == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingAccessKey, "access_signing_key must be provided")
	}

	refreshSigningKey := viper.GetString("refresh_signing_key")
	if refreshSigningKey == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingRefreshKey, "refresh_signing_key must be provided")
	}
	if refreshSigningKey == accessSigningKey {
		return authkit.ServerConfig{}, configError(configCodeIdenticalSigningKeys, "access_signing_key and refresh_signing_key must differ")
	}

	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}

	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}

	nonceTTL := authkit.DefaultNonceTTL
	if configuredNonceTTL := viper.GetDuration("nonce_ttl"); configuredNonceTTL > 0 {
		nonceTTL = configuredNonceTTL
	}

	issuer := strings.TrimSpace(viper.GetString("jwt_issuer"))
	if issuer == "" {
		issuer = "dreamboard"
	}

	allowInsecureHTTP := viper.GetBool("dev_insecure_http")
	sameSite := cookieSameSite(viper.GetBool("enable_cors"), allowInsecureHTTP)

	return authkit.ServerConfig{
		AccessSigningKey:  []byte(accessSigningKey),
		RefreshSigningKey: []byte(refreshSigningKey),
		JWTIssuer:         issuer,
		AccessTTL:         accessTTL,
		RefreshTTL:        refreshTTL,
		CookieDomain:      viper.GetString("cookie_domain"),
		RefreshCookieName: authkit.DefaultRefreshCookieName,
		RefreshCookiePath: authkit.DefaultRefreshCookiePath,
		SameSiteMode:      sameSite,
		AllowInsecureHTTP: allowInsecureHTTP,
		GoogleWebClientID: strings.TrimSpace(viper.GetString("google_web_client_id")),
		NonceTTL:          nonceTTL,
	}, nil
}

// cookieSameSite picks the refresh cookie mode. Cross-origin clients need None,
// which browsers only accept on Secure cookies; insecure dev servers get Lax,
// which still reaches same-site origins on other ports.
func cookieSameSite(enableCORS bool, allowInsecureHTTP bool) http.SameSite {
	switch {
	case !enableCORS:
		return http.SameSiteStrictMode
	case allowInsecureHTTP:
		return http.SameSiteLaxMode
	default:
		return http.SameSiteNoneMode
	}
}

const shutdownGracePeriod = 10 * time.Second
