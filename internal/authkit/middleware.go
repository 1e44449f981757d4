package authkit

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tyemirov/dreamboard/pkg/sessionvalidator"
)

// UserContextKey is the gin context key holding the authenticated PublicUser.
const UserContextKey = "auth_user"

type userContextKey struct{}

// RequireUser validates the bearer access token, reloads the user from the
// store, and attaches the public profile to the gin and request contexts.
func RequireUser(controller *SessionController) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		user, err := controller.authenticate(contextGin.Request.Context(), contextGin.GetHeader("Authorization"))
		if err != nil {
			controller.metrics.Increment(metricMiddlewareReject)
			status, message, code := DescribeError(err)
			if status >= http.StatusInternalServerError {
				controller.logger.Error("authenticate request", zap.String("code", code), zap.Error(err))
			}
			contextGin.AbortWithStatusJSON(status, gin.H{"message": message})
			return
		}
		publicUser := user.Public()
		contextGin.Set(UserContextKey, publicUser)
		contextGin.Request = contextGin.Request.WithContext(ContextWithUser(contextGin.Request.Context(), publicUser))
		contextGin.Next()
	}
}

func (controller *SessionController) authenticate(ctx context.Context, authorizationHeader string) (User, error) {
	token, extractErr := sessionvalidator.ExtractBearerToken(authorizationHeader)
	if extractErr != nil {
		return User{}, ErrMissingToken
	}
	claims, verifyErr := controller.tokens.VerifyAccessToken(token)
	if verifyErr != nil {
		if errors.Is(verifyErr, sessionvalidator.ErrTokenExpired) {
			return User{}, ErrAccessTokenExpired
		}
		return User{}, ErrInvalidAccessToken
	}
	user, findErr := controller.users.FindByID(ctx, claims.UserID)
	if findErr != nil {
		if errors.Is(findErr, ErrUserNotFound) {
			return User{}, ErrInvalidAccessToken
		}
		return User{}, findErr
	}
	return user, nil
}

// ContextWithUser stores user in ctx.
func ContextWithUser(ctx context.Context, user PublicUser) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext returns the user attached by RequireUser.
func UserFromContext(ctx context.Context) (PublicUser, bool) {
	user, ok := ctx.Value(userContextKey{}).(PublicUser)
	return user, ok
}

// CurrentUser returns the user attached to the gin context by RequireUser.
func CurrentUser(contextGin *gin.Context) (PublicUser, bool) {
	value, exists := contextGin.Get(UserContextKey)
	if !exists {
		return PublicUser{}, false
	}
	user, ok := value.(PublicUser)
	return user, ok
}
