package web

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const corsPreflightMaxAge = 10 * time.Minute

var (
	errWildcardOrigin      = errors.New("cors.origin.wildcard")
	errEmptyAllowedOrigins = errors.New("cors.origins.empty")
	errInvalidOrigin       = errors.New("cors.origin.invalid")
)

// ConfigureCORS lets the listed frontend origins call the API with the
// refresh cookie and a bearer header. Credentials are always sent, so every
// origin must be explicit.
func ConfigureCORS(logger *zap.Logger, allowedOrigins []string) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins, err := sanitizeOrigins(logger, allowedOrigins)
	if err != nil {
		return nil, err
	}
	logger.Info("cors enabled", zap.Strings("origins", origins))
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           corsPreflightMaxAge,
	}), nil
}

// sanitizeOrigins normalizes configured origins, drops blanks and duplicates,
// and keeps the configured order.
func sanitizeOrigins(logger *zap.Logger, configured []string) ([]string, error) {
	origins := make([]string, 0, len(configured))
	seen := make(map[string]struct{}, len(configured))
	for _, raw := range configured {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		origin, secure, err := normalizeOrigin(trimmed)
		if err != nil {
			return nil, err
		}
		if _, duplicate := seen[origin]; duplicate {
			continue
		}
		if !secure {
			logger.Warn("plain http cors origin outside loopback",
				zap.String("code", "cors.origin.insecure"),
				zap.String("origin", origin))
		}
		seen[origin] = struct{}{}
		origins = append(origins, origin)
	}
	if len(origins) == 0 {
		return nil, errEmptyAllowedOrigins
	}
	return origins, nil
}

// normalizeOrigin reduces raw to scheme://host[:port] in lower case with the
// default port removed. secure is false for plain http on a non-loopback host.
func normalizeOrigin(raw string) (origin string, secure bool, err error) {
	if strings.Contains(raw, "*") {
		return "", false, fmt.Errorf("%w: %s", errWildcardOrigin, raw)
	}
	parsed, parseErr := url.Parse(raw)
	if parseErr != nil || parsed.Host == "" {
		return "", false, fmt.Errorf("%w: %s", errInvalidOrigin, raw)
	}
	if parsed.User != nil || (parsed.Path != "" && parsed.Path != "/") || parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", false, fmt.Errorf("%w: %s must be scheme://host[:port]", errInvalidOrigin, raw)
	}

	scheme := strings.ToLower(parsed.Scheme)
	host := strings.ToLower(parsed.Hostname())
	port := parsed.Port()
	switch {
	case scheme == "https" && port == "443", scheme == "http" && port == "80":
		port = ""
	case scheme != "https" && scheme != "http":
		return "", false, fmt.Errorf("%w: %s uses scheme %q", errInvalidOrigin, raw, scheme)
	}

	hostPort := host
	if strings.Contains(host, ":") {
		hostPort = "[" + host + "]"
	}
	if port != "" {
		hostPort = net.JoinHostPort(host, port)
	}
	return scheme + "://" + hostPort, scheme == "https" || isLoopbackHost(host), nil
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
