package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/api/idtoken"
)

const (
	googleUsernameAttempts   = 5
	googleUsernameSuffixSize = 4
)

var errMissingGoogleClientID = errors.New("google.new.missing_client_id")

// GoogleTokenValidator validates Google ID tokens. *idtoken.Validator satisfies it.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, idToken string, audience string) (*idtoken.Payload, error)
}

// GoogleSignInInput carries the Google sign-in request.
type GoogleSignInInput struct {
	GoogleIDToken string `json:"google_id_token" validate:"required"`
	Nonce         string `json:"nonce" validate:"required"`
}

// GoogleSignIn exchanges verified Google identities for dreamboard sessions.
type GoogleSignIn struct {
	controller *SessionController
	validator  GoogleTokenValidator
	nonces     NonceStore
	clientID   string
}

// NewGoogleSignIn wires Google sign-in on top of controller. A nil validator
// uses idtoken.NewValidator.
func NewGoogleSignIn(ctx context.Context, controller *SessionController, nonces NonceStore, validator GoogleTokenValidator) (*GoogleSignIn, error) {
	clientID := strings.TrimSpace(controller.configuration.GoogleWebClientID)
	if clientID == "" {
		return nil, errMissingGoogleClientID
	}
	if nonces == nil {
		nonces = NewMemoryNonceStore(controller.configuration.NonceTTL, nil)
	}
	if validator == nil {
		googleValidator, err := idtoken.NewValidator(ctx)
		if err != nil {
			return nil, fmt.Errorf("google.new.validator: %w", err)
		}
		validator = googleValidator
	}
	return &GoogleSignIn{
		controller: controller,
		validator:  validator,
		nonces:     nonces,
		clientID:   clientID,
	}, nil
}

// IssueNonce returns a one-time nonce for the client to embed in its Google request.
func (google *GoogleSignIn) IssueNonce(ctx context.Context) (string, error) {
	return google.nonces.Issue(ctx)
}

// SignIn validates the Google ID token and starts a session for the matching
// user, creating one on first sign-in.
func (google *GoogleSignIn) SignIn(ctx context.Context, input GoogleSignInInput) (Session, error) {
	session, err := google.signIn(ctx, input)
	if err != nil {
		google.controller.metrics.Increment(metricGoogleFailure)
		return Session{}, fmt.Errorf("session.google: %w", err)
	}
	google.controller.metrics.Increment(metricGoogleSuccess)
	google.controller.logger.Info("user signed in with google", zap.String("code", "session.google.success"), zap.String("user_id", session.User.ID))
	return session, nil
}

func (google *GoogleSignIn) signIn(ctx context.Context, input GoogleSignInInput) (Session, error) {
	input.GoogleIDToken = strings.TrimSpace(input.GoogleIDToken)
	input.Nonce = strings.TrimSpace(input.Nonce)
	if err := google.controller.inputValidator.Struct(input); err != nil {
		return Session{}, ErrMissingField
	}
	if err := google.nonces.Consume(ctx, input.Nonce); err != nil {
		return Session{}, ErrInvalidNonce
	}
	payload, validateErr := google.validator.Validate(ctx, input.GoogleIDToken, google.clientID)
	if validateErr != nil || payload == nil {
		return Session{}, ErrInvalidGoogleToken
	}
	issuer, _ := payload.Claims["iss"].(string)
	if issuer != "https://accounts.google.com" && issuer != "accounts.google.com" {
		return Session{}, ErrInvalidGoogleToken
	}
	tokenNonce, _ := payload.Claims["nonce"].(string)
	if tokenNonce != input.Nonce {
		return Session{}, ErrInvalidNonce
	}
	email, _ := payload.Claims["email"].(string)
	emailVerified, _ := payload.Claims["email_verified"].(bool)
	email = strings.TrimSpace(email)
	if email == "" || !emailVerified {
		return Session{}, ErrInvalidGoogleToken
	}
	picture, _ := payload.Claims["picture"].(string)

	user, findErr := google.controller.users.FindByField(ctx, FieldEmail, email)
	switch {
	case findErr == nil:
	case errors.Is(findErr, ErrUserNotFound):
		created, createErr := google.createUser(ctx, email, picture)
		if createErr != nil {
			return Session{}, createErr
		}
		user = created
	default:
		return Session{}, findErr
	}
	return google.controller.startSession(ctx, user)
}

func (google *GoogleSignIn) createUser(ctx context.Context, email string, picture string) (User, error) {
	unusablePassword, _, randomErr := generateRandomOpaque(randomOpaqueByteLength)
	if randomErr != nil {
		return User{}, randomErr
	}
	passwordHash, hashErr := google.controller.hasher.Hash(unusablePassword)
	if hashErr != nil {
		return User{}, hashErr
	}
	base := usernameFromEmail(email)
	candidate := base
	for attempt := 0; attempt < googleUsernameAttempts; attempt++ {
		created, createErr := google.controller.users.Create(ctx, User{
			Username:     candidate,
			Email:        email,
			PasswordHash: passwordHash,
			Role:         RoleUser,
			Photo:        picture,
		})
		if createErr == nil {
			return created, nil
		}
		if !errors.Is(createErr, ErrDuplicateUsername) {
			return User{}, createErr
		}
		suffix, _, suffixErr := generateRandomOpaque(googleUsernameSuffixSize)
		if suffixErr != nil {
			return User{}, suffixErr
		}
		candidate = base + "-" + strings.ToLower(suffix)
	}
	return User{}, fmt.Errorf("google.create_user: %w", ErrDuplicateUsername)
}

// usernameFromEmail keeps the letters, digits, dots, dashes, and underscores
// of the local part.
func usernameFromEmail(email string) string {
	localPart := email
	if at := strings.Index(email, "@"); at >= 0 {
		localPart = email[:at]
	}
	var builder strings.Builder
	for _, character := range strings.ToLower(localPart) {
		switch {
		case character >= 'a' && character <= 'z',
			character >= '0' && character <= '9',
			character == '.', character == '-', character == '_':
			builder.WriteRune(character)
		}
	}
	if builder.Len() == 0 {
		return "user"
	}
	return builder.String()
}
