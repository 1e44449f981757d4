package authkit

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"

	"github.com/tyemirov/dreamboard/pkg/sessionvalidator"
)

// notBeforeSkew tolerates small clock drift between the issuer and verifiers.
const notBeforeSkew = 30 * time.Second

var (
	// ErrMissingSigningKeys indicates an empty access or refresh secret.
	ErrMissingSigningKeys = errors.New("jwt.config.missing_signing_key")
	// ErrIdenticalSigningKeys indicates the access and refresh secrets are the same.
	ErrIdenticalSigningKeys = errors.New("jwt.config.identical_signing_keys")
)

// IssuedToken is a signed JWT and its expiry.
type IssuedToken struct {
	Value     string
	ExpiresAt time.Time
}

// TokenService issues and verifies access and refresh tokens.
type TokenService struct {
	accessSigningKey  []byte
	refreshSigningKey []byte
	issuer            string
	accessTTL         time.Duration
	refreshTTL        time.Duration
	clock             Clock
}

// NewTokenService validates the signing secrets and returns a TokenService.
func NewTokenService(configuration ServerConfig, clock Clock) (*TokenService, error) {
	configuration = configuration.withDefaults()
	if len(configuration.AccessSigningKey) == 0 || len(configuration.RefreshSigningKey) == 0 {
		return nil, fmt.Errorf("jwt.new: %w", ErrMissingSigningKeys)
	}
	if bytes.Equal(configuration.AccessSigningKey, configuration.RefreshSigningKey) {
		return nil, fmt.Errorf("jwt.new: %w", ErrIdenticalSigningKeys)
	}
	if clock == nil {
		clock = systemClock{}
	}
	return &TokenService{
		accessSigningKey:  configuration.AccessSigningKey,
		refreshSigningKey: configuration.RefreshSigningKey,
		issuer:            configuration.JWTIssuer,
		accessTTL:         configuration.AccessTTL,
		refreshTTL:        configuration.RefreshTTL,
		clock:             clock,
	}, nil
}

// IssueAccessToken signs a short-lived token for subjectID.
func (service *TokenService) IssueAccessToken(subjectID string) (IssuedToken, error) {
	return service.mint(subjectID, service.accessSigningKey, service.accessTTL)
}

// IssueRefreshToken signs a long-lived token for subjectID with the refresh secret.
func (service *TokenService) IssueRefreshToken(subjectID string) (IssuedToken, error) {
	return service.mint(subjectID, service.refreshSigningKey, service.refreshTTL)
}

// Verify checks token against secret using the service clock and issuer.
func (service *TokenService) Verify(token string, secret []byte) (*sessionvalidator.Claims, error) {
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: secret,
		Issuer:     service.issuer,
		Clock:      service.clock,
	})
	if err != nil {
		return nil, err
	}
	return validator.ValidateToken(token)
}

// VerifyAccessToken checks an access token.
func (service *TokenService) VerifyAccessToken(token string) (*sessionvalidator.Claims, error) {
	return service.Verify(token, service.accessSigningKey)
}

// VerifyRefreshToken checks a refresh token.
func (service *TokenService) VerifyRefreshToken(token string) (*sessionvalidator.Claims, error) {
	return service.Verify(token, service.refreshSigningKey)
}

func (service *TokenService) mint(subjectID string, signingKey []byte, ttl time.Duration) (IssuedToken, error) {
	if strings.TrimSpace(subjectID) == "" {
		return IssuedToken{}, errors.New("jwt.mint.failure: subject must be non-empty")
	}
	now := service.clock.Now().UTC()
	expiresAt := now.Add(ttl)
	claims := sessionvalidator.Claims{
		UserID: subjectID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    service.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-notBeforeSkew)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        ulid.Make().String(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("jwt.mint.failure: %w", err)
	}
	return IssuedToken{Value: signed, ExpiresAt: expiresAt}, nil
}
