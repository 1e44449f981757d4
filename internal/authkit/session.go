package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var errMissingUserStore = errors.New("session.new.missing_user_store")

// Dependencies are the collaborators a SessionController needs. Only Users is
// required; the rest fall back to bcrypt, the system clock, a no-op logger,
// and no-op metrics.
type Dependencies struct {
	Users   UserStore
	Hasher  PasswordHasher
	Clock   Clock
	Logger  *zap.Logger
	Metrics MetricsRecorder
}

// RegisterInput carries the registration form.
type RegisterInput struct {
	Username string `json:"username" validate:"required"`
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// LoginInput carries the login form.
type LoginInput struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Session is the outcome of a successful register or login.
type Session struct {
	User         PublicUser
	AccessToken  IssuedToken
	RefreshToken IssuedToken
}

// SessionController orchestrates register, login, refresh, and logout.
type SessionController struct {
	configuration  ServerConfig
	users          UserStore
	hasher         PasswordHasher
	tokens         *TokenService
	logger         *zap.Logger
	metrics        MetricsRecorder
	inputValidator *validator.Validate
}

// NewSessionController validates configuration and wires the controller.
func NewSessionController(configuration ServerConfig, dependencies Dependencies) (*SessionController, error) {
	if dependencies.Users == nil {
		return nil, errMissingUserStore
	}
	configuration = configuration.withDefaults()
	tokens, err := NewTokenService(configuration, dependencies.Clock)
	if err != nil {
		return nil, err
	}
	hasher := dependencies.Hasher
	if hasher == nil {
		hasher = NewBcryptHasher()
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := dependencies.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &SessionController{
		configuration:  configuration,
		users:          dependencies.Users,
		hasher:         hasher,
		tokens:         tokens,
		logger:         logger,
		metrics:        metrics,
		inputValidator: validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

// Configuration returns the effective configuration with defaults applied.
func (controller *SessionController) Configuration() ServerConfig {
	return controller.configuration
}

// Tokens exposes the token service used by the controller.
func (controller *SessionController) Tokens() *TokenService {
	return controller.tokens
}

// Users exposes the backing store.
func (controller *SessionController) Users() UserStore {
	return controller.users
}

// Register creates an account and starts its first session.
func (controller *SessionController) Register(ctx context.Context, input RegisterInput) (Session, error) {
	input.Username = strings.TrimSpace(input.Username)
	input.Email = strings.TrimSpace(input.Email)
	session, err := controller.register(ctx, input)
	if err != nil {
		controller.metrics.Increment(metricRegisterFailure)
		return Session{}, fmt.Errorf("session.register: %w", err)
	}
	controller.metrics.Increment(metricRegisterSuccess)
	controller.logger.Info("user registered", zap.String("code", "session.register.success"), zap.String("user_id", session.User.ID))
	return session, nil
}

func (controller *SessionController) register(ctx context.Context, input RegisterInput) (Session, error) {
	if err := controller.inputValidator.Struct(input); err != nil {
		return Session{}, ErrMissingField
	}
	if err := controller.ensureAvailable(ctx, FieldUsername, input.Username, ErrDuplicateUsername); err != nil {
		return Session{}, err
	}
	if err := controller.ensureAvailable(ctx, FieldEmail, input.Email, ErrDuplicateEmail); err != nil {
		return Session{}, err
	}
	passwordHash, hashErr := controller.hasher.Hash(input.Password)
	if hashErr != nil {
		return Session{}, hashErr
	}
	created, createErr := controller.users.Create(ctx, User{
		Username:     input.Username,
		Email:        input.Email,
		PasswordHash: passwordHash,
		Role:         RoleUser,
	})
	if createErr != nil {
		return Session{}, createErr
	}
	return controller.startSession(ctx, created)
}

func (controller *SessionController) ensureAvailable(ctx context.Context, field UserField, value string, duplicate error) error {
	_, err := controller.users.FindByField(ctx, field, value)
	if err == nil {
		return duplicate
	}
	if errors.Is(err, ErrUserNotFound) {
		return nil
	}
	return err
}

// Login verifies credentials and replaces any previous session of the user.
func (controller *SessionController) Login(ctx context.Context, input LoginInput) (Session, error) {
	input.Email = strings.TrimSpace(input.Email)
	session, err := controller.login(ctx, input)
	if err != nil {
		controller.metrics.Increment(metricLoginFailure)
		return Session{}, fmt.Errorf("session.login: %w", err)
	}
	controller.metrics.Increment(metricLoginSuccess)
	controller.logger.Info("user logged in", zap.String("code", "session.login.success"), zap.String("user_id", session.User.ID))
	return session, nil
}

func (controller *SessionController) login(ctx context.Context, input LoginInput) (Session, error) {
	if err := controller.inputValidator.Struct(input); err != nil {
		return Session{}, ErrMissingField
	}
	user, findErr := controller.users.FindByField(ctx, FieldEmail, input.Email)
	if findErr != nil {
		if errors.Is(findErr, ErrUserNotFound) {
			return Session{}, ErrInvalidEmail
		}
		return Session{}, findErr
	}
	if compareErr := controller.hasher.Compare(user.PasswordHash, input.Password); compareErr != nil {
		return Session{}, compareErr
	}
	return controller.startSession(ctx, user)
}

// startSession issues a token pair and stores the refresh digest, superseding
// whatever the slot held before.
func (controller *SessionController) startSession(ctx context.Context, user User) (Session, error) {
	accessToken, accessErr := controller.tokens.IssueAccessToken(user.ID)
	if accessErr != nil {
		return Session{}, accessErr
	}
	refreshToken, refreshErr := controller.tokens.IssueRefreshToken(user.ID)
	if refreshErr != nil {
		return Session{}, refreshErr
	}
	digest := hashOpaque(refreshToken.Value)
	if storeErr := controller.users.UpdateRefreshToken(ctx, user.ID, &digest); storeErr != nil {
		return Session{}, storeErr
	}
	return Session{
		User:         user.Public(),
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}, nil
}

// Refresh exchanges a stored refresh token for a new access token. The
// refresh token itself is not rotated.
func (controller *SessionController) Refresh(ctx context.Context, refreshToken string) (IssuedToken, error) {
	accessToken, err := controller.refresh(ctx, refreshToken)
	if err != nil {
		controller.metrics.Increment(metricRefreshFailure)
		return IssuedToken{}, fmt.Errorf("session.refresh: %w", err)
	}
	controller.metrics.Increment(metricRefreshSuccess)
	return accessToken, nil
}

func (controller *SessionController) refresh(ctx context.Context, refreshToken string) (IssuedToken, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return IssuedToken{}, ErrMissingToken
	}
	claims, verifyErr := controller.tokens.VerifyRefreshToken(refreshToken)
	if verifyErr != nil {
		return IssuedToken{}, ErrInvalidOrExpiredToken
	}
	user, findErr := controller.users.FindByID(ctx, claims.UserID)
	if findErr != nil {
		if errors.Is(findErr, ErrUserNotFound) {
			return IssuedToken{}, ErrTokenMismatch
		}
		return IssuedToken{}, findErr
	}
	if !refreshDigestMatches(user.RefreshTokenDigest, refreshToken) {
		return IssuedToken{}, ErrTokenMismatch
	}
	return controller.tokens.IssueAccessToken(user.ID)
}

// Logout clears the refresh slot of userID. Clearing an empty slot or a
// deleted user succeeds.
func (controller *SessionController) Logout(ctx context.Context, userID string) error {
	err := controller.users.UpdateRefreshToken(ctx, userID, nil)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return fmt.Errorf("session.logout: %w", err)
	}
	controller.metrics.Increment(metricLogoutSuccess)
	controller.logger.Info("user logged out", zap.String("code", "session.logout.success"), zap.String("user_id", userID))
	return nil
}
