package sessionvalidator

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

type fixedClock struct {
	current time.Time
}

func (clock fixedClock) Now() time.Time {
	return clock.current
}

func mintToken(t *testing.T, signingKey []byte, issuer string, issuedAt time.Time, ttl time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: "user-123",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   "user-123",
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	})
	result, err := token.SignedString(signingKey)
	require.NoError(t, err, "failed to sign token")
	return result
}

func TestNewValidatorRequiresSigningKey(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Issuer: "issuer"})
	require.ErrorIs(t, err, ErrMissingSigningKey)
}

func TestNewValidatorDefaults(t *testing.T) {
	t.Parallel()

	validator, err := New(Config{SigningKey: []byte("secret")})
	require.NoError(t, err)
	require.NotNil(t, validator.clock, "expected default clock to be set")
	require.Empty(t, validator.issuer)
}

func TestValidateTokenSuccess(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	validator, err := New(Config{
		SigningKey: []byte("secret-key"),
		Issuer:     "issuer",
		Clock:      fixedClock{current: now},
	})
	require.NoError(t, err)
	tokenValue := mintToken(t, []byte("secret-key"), "issuer", now, time.Minute)

	claims, validateErr := validator.ValidateToken(tokenValue)
	require.NoError(t, validateErr)
	require.Equal(t, "user-123", claims.GetUserID())
	require.True(t, claims.GetExpiresAt().Equal(now.Add(time.Minute)), "unexpected expiry: %v", claims.GetExpiresAt())
}

func TestValidateTokenRejectsInvalidCases(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	tests := []struct {
		name      string
		tokenFunc func() string
		expectErr error
	}{
		{
			name:      "empty token",
			tokenFunc: func() string { return "" },
			expectErr: ErrMissingToken,
		},
		{
			name:      "garbage",
			tokenFunc: func() string { return "not.a.jwt" },
			expectErr: ErrInvalidToken,
		},
		{
			name: "bad signature",
			tokenFunc: func() string {
				return mintToken(t, []byte("other-key"), "issuer", now, time.Minute)
			},
			expectErr: ErrInvalidToken,
		},
		{
			name: "bad signature on expired token",
			tokenFunc: func() string {
				return mintToken(t, []byte("other-key"), "issuer", now.Add(-2*time.Minute), time.Minute)
			},
			expectErr: ErrInvalidToken,
		},
		{
			name: "wrong issuer",
			tokenFunc: func() string {
				return mintToken(t, []byte("secret-key"), "other-issuer", now, time.Minute)
			},
			expectErr: ErrInvalidIssuer,
		},
		{
			name: "expired",
			tokenFunc: func() string {
				return mintToken(t, []byte("secret-key"), "issuer", now.Add(-2*time.Minute), time.Minute)
			},
			expectErr: ErrTokenExpired,
		},
	}

	validator, err := New(Config{
		SigningKey: []byte("secret-key"),
		Issuer:     "issuer",
		Clock:      fixedClock{current: now},
	})
	require.NoError(t, err)

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			_, validateErr := validator.ValidateToken(testCase.tokenFunc())
			require.ErrorIs(t, validateErr, testCase.expectErr)
		})
	}
}

func TestVerifyUsesSystemClock(t *testing.T) {
	t.Parallel()

	fresh := mintToken(t, []byte("secret-key"), "issuer", time.Now().UTC(), time.Minute)
	claims, err := Verify(fresh, []byte("secret-key"))
	require.NoError(t, err)
	require.Equal(t, "user-123", claims.UserID)

	stale := mintToken(t, []byte("secret-key"), "issuer", time.Now().UTC().Add(-time.Hour), time.Minute)
	_, err = Verify(stale, []byte("secret-key"))
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestExtractBearerToken(t *testing.T) {
	t.Parallel()

	token, err := ExtractBearerToken("Bearer abc.def.ghi")
	require.NoError(t, err)
	require.Equal(t, "abc.def.ghi", token)

	for _, header := range []string{"", "Bearer", "Bearer ", "Basic abc", "bearer abc", "Bearer a b"} {
		_, err := ExtractBearerToken(header)
		require.ErrorIs(t, err, ErrMissingToken, "header %q", header)
	}
}

func TestValidateRequest(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	tokenValue := mintToken(t, []byte("secret-key"), "issuer", now, time.Minute)
	validator, err := New(Config{
		SigningKey: []byte("secret-key"),
		Issuer:     "issuer",
		Clock:      fixedClock{current: now},
	})
	require.NoError(t, err)

	request := httptest.NewRequest(http.MethodGet, "/protected", nil)
	request.Header.Set("Authorization", "Bearer "+tokenValue)
	claims, validateErr := validator.ValidateRequest(request)
	require.NoError(t, validateErr)
	require.Equal(t, "user-123", claims.GetUserID())

	badRequest := httptest.NewRequest(http.MethodGet, "/protected", nil)
	_, missingErr := validator.ValidateRequest(badRequest)
	require.ErrorIs(t, missingErr, ErrMissingToken)
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	now := time.Unix(1700000000, 0).UTC()
	tokenValue := mintToken(t, []byte("secret-key"), "issuer", now, time.Minute)
	expiredValue := mintToken(t, []byte("secret-key"), "issuer", now.Add(-time.Hour), time.Minute)
	validator, err := New(Config{
		SigningKey: []byte("secret-key"),
		Issuer:     "issuer",
		Clock:      fixedClock{current: now},
	})
	require.NoError(t, err)

	router := gin.New()
	router.Use(validator.GinMiddleware("claims"))
	router.GET("/protected", func(contextGin *gin.Context) {
		value, exists := contextGin.Get("claims")
		require.True(t, exists, "claims missing")
		_, ok := value.(*Claims)
		require.True(t, ok, "unexpected claims type: %T", value)
		contextGin.Status(http.StatusOK)
	})

	request := httptest.NewRequest(http.MethodGet, "/protected", nil)
	request.Header.Set("Authorization", "Bearer "+tokenValue)
	response := httptest.NewRecorder()
	router.ServeHTTP(response, request)
	require.Equal(t, http.StatusOK, response.Code)

	cases := []struct {
		name    string
		header  string
		message string
	}{
		{name: "missing", header: "", message: "Not authorized, no token"},
		{name: "expired", header: "Bearer " + expiredValue, message: "Access token expired"},
		{name: "tampered", header: "Bearer " + tokenValue + "x", message: "Not authorized, invalid token"},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			failing := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if testCase.header != "" {
				failing.Header.Set("Authorization", testCase.header)
			}
			recorder := httptest.NewRecorder()
			router.ServeHTTP(recorder, failing)
			require.Equal(t, http.StatusUnauthorized, recorder.Code)

			var payload map[string]string
			require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &payload))
			require.Equal(t, testCase.message, payload["message"])
		})
	}
}
