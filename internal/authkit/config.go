package authkit

import (
	"net/http"
	"time"
)

// Default session parameters.
const (
	DefaultAccessTTL         = 5 * time.Minute
	DefaultRefreshTTL        = 7 * 24 * time.Hour
	DefaultNonceTTL          = 5 * time.Minute
	DefaultRefreshCookieName = "refreshToken"
	DefaultRefreshCookiePath = "/api/v1/auth/refresh"
)

// ServerConfig configures signing secrets, cookies, and TTLs.
type ServerConfig struct {
	AccessSigningKey  []byte
	RefreshSigningKey []byte
	JWTIssuer         string
	AccessTTL         time.Duration
	RefreshTTL        time.Duration
	CookieDomain      string
	RefreshCookieName string
	// RefreshCookiePath must match the route that serves refresh requests.
	RefreshCookiePath string
	SameSiteMode      http.SameSite
	AllowInsecureHTTP bool
	GoogleWebClientID string
	NonceTTL          time.Duration
}

func (configuration ServerConfig) withDefaults() ServerConfig {
	if configuration.AccessTTL <= 0 {
		configuration.AccessTTL = DefaultAccessTTL
	}
	if configuration.RefreshTTL <= 0 {
		configuration.RefreshTTL = DefaultRefreshTTL
	}
	if configuration.NonceTTL <= 0 {
		configuration.NonceTTL = DefaultNonceTTL
	}
	if configuration.RefreshCookieName == "" {
		configuration.RefreshCookieName = DefaultRefreshCookieName
	}
	if configuration.RefreshCookiePath == "" {
		configuration.RefreshCookiePath = DefaultRefreshCookiePath
	}
	if configuration.SameSiteMode == 0 {
		configuration.SameSiteMode = http.SameSiteStrictMode
	}
	return configuration
}
