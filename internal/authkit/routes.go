package authkit

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var errHTTPSRequired = newServiceError(KindValidation, http.StatusBadRequest, "session.google.https_required", "HTTPS required")

type sessionResponse struct {
	PublicUser
	AccessToken string `json:"accessToken"`
}

// MountAuthRoutes registers /auth/register, /auth/login, /auth/refresh, and
// /auth/logout on router. When google is non-nil /auth/nonce and /auth/google
// are registered too.
func MountAuthRoutes(router gin.IRouter, controller *SessionController, google *GoogleSignIn) {
	configuration := controller.configuration
	authGroup := router.Group("/auth")

	authGroup.POST("/register", func(contextGin *gin.Context) {
		var input RegisterInput
		if err := contextGin.ShouldBindJSON(&input); err != nil {
			respondError(contextGin, controller.logger, ErrMissingField)
			return
		}
		session, err := controller.Register(contextGin.Request.Context(), input)
		if err != nil {
			respondError(contextGin, controller.logger, err)
			return
		}
		writeRefreshCookie(contextGin, configuration, session.RefreshToken)
		contextGin.JSON(http.StatusCreated, sessionResponse{PublicUser: session.User, AccessToken: session.AccessToken.Value})
	})

	authGroup.POST("/login", func(contextGin *gin.Context) {
		var input LoginInput
		if err := contextGin.ShouldBindJSON(&input); err != nil {
			respondError(contextGin, controller.logger, ErrMissingField)
			return
		}
		session, err := controller.Login(contextGin.Request.Context(), input)
		if err != nil {
			respondError(contextGin, controller.logger, err)
			return
		}
		writeRefreshCookie(contextGin, configuration, session.RefreshToken)
		contextGin.JSON(http.StatusOK, sessionResponse{PublicUser: session.User, AccessToken: session.AccessToken.Value})
	})

	authGroup.POST("/refresh", func(contextGin *gin.Context) {
		refreshValue := ""
		refreshCookie, cookieErr := contextGin.Request.Cookie(configuration.RefreshCookieName)
		if cookieErr == nil && refreshCookie != nil {
			refreshValue = refreshCookie.Value
		}
		accessToken, err := controller.Refresh(contextGin.Request.Context(), refreshValue)
		if err != nil {
			respondError(contextGin, controller.logger, err)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"accessToken": accessToken.Value})
	})

	authGroup.POST("/logout", RequireUser(controller), func(contextGin *gin.Context) {
		user, ok := CurrentUser(contextGin)
		if !ok {
			respondError(contextGin, controller.logger, ErrInvalidAccessToken)
			return
		}
		if err := controller.Logout(contextGin.Request.Context(), user.ID); err != nil {
			respondError(contextGin, controller.logger, err)
			return
		}
		clearRefreshCookie(contextGin, configuration)
		contextGin.JSON(http.StatusOK, gin.H{"message": "Logged out successfully"})
	})

	if google == nil {
		return
	}

	authGroup.GET("/nonce", func(contextGin *gin.Context) {
		nonce, err := google.IssueNonce(contextGin.Request.Context())
		if err != nil {
			respondError(contextGin, controller.logger, err)
			return
		}
		contextGin.Header("Cache-Control", "no-store")
		contextGin.JSON(http.StatusOK, gin.H{"nonce": nonce})
	})

	authGroup.POST("/google", func(contextGin *gin.Context) {
		var input GoogleSignInInput
		if err := contextGin.ShouldBindJSON(&input); err != nil {
			respondError(contextGin, controller.logger, ErrMissingField)
			return
		}
		if !configuration.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
			respondError(contextGin, controller.logger, errHTTPSRequired)
			return
		}
		session, err := google.SignIn(contextGin.Request.Context(), input)
		if err != nil {
			respondError(contextGin, controller.logger, err)
			return
		}
		writeRefreshCookie(contextGin, configuration, session.RefreshToken)
		contextGin.JSON(http.StatusOK, sessionResponse{PublicUser: session.User, AccessToken: session.AccessToken.Value})
	})
}

func respondError(contextGin *gin.Context, logger *zap.Logger, err error) {
	status, message, code := DescribeError(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.String("code", code), zap.String("path", contextGin.FullPath()), zap.Error(err))
	} else {
		logger.Debug("request rejected", zap.String("code", code), zap.String("path", contextGin.FullPath()))
	}
	contextGin.AbortWithStatusJSON(status, gin.H{"message": message})
}

func writeRefreshCookie(contextGin *gin.Context, configuration ServerConfig, refreshToken IssuedToken) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.RefreshCookieName,
		Value:    refreshToken.Value,
		Path:     configuration.RefreshCookiePath,
		Domain:   configuration.CookieDomain,
		Expires:  refreshToken.ExpiresAt,
		MaxAge:   int(configuration.RefreshTTL.Seconds()),
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}

func clearRefreshCookie(contextGin *gin.Context, configuration ServerConfig) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.RefreshCookieName,
		Value:    "",
		Path:     configuration.RefreshCookiePath,
		Domain:   configuration.CookieDomain,
		MaxAge:   -1,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	if strings.EqualFold(request.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	return splitErr == nil && host == "localhost"
}
