package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tyemirov/dreamboard/internal/authkit"
)

// HandleCurrentUser returns the profile attached by authkit.RequireUser.
func HandleCurrentUser(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		user, ok := authkit.CurrentUser(contextGin)
		if !ok {
			logger.Warn("current user requested without authenticated identity",
				zap.String("code", "web.current_user.missing_identity"))
			contextGin.JSON(http.StatusUnauthorized, gin.H{"message": "Not authorized, no token"})
			return
		}
		contextGin.JSON(http.StatusOK, user)
	}
}

// HandleHealth reports liveness.
func HandleHealth(contextGin *gin.Context) {
	contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
}
