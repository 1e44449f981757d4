package authkit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/api/idtoken"
)

type controllableClock struct {
	current time.Time
}

func (clock *controllableClock) Now() time.Time {
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.current = clock.current.Add(duration)
}

func newTestServerConfig() ServerConfig {
	return ServerConfig{
		AccessSigningKey:  []byte("access-secret-for-tests"),
		RefreshSigningKey: []byte("refresh-secret-for-tests"),
		JWTIssuer:         "dreamboard-test",
		AccessTTL:         5 * time.Minute,
		RefreshTTL:        7 * 24 * time.Hour,
		GoogleWebClientID: "client-id",
	}
}

type testHarness struct {
	controller *SessionController
	users      UserStore
	clock      *controllableClock
	metrics    *CounterMetrics
}

func newTestHarness(t *testing.T, users UserStore) testHarness {
	t.Helper()
	if users == nil {
		users = NewMemoryUserStore()
	}
	clock := &controllableClock{current: time.Now().UTC()}
	metrics := NewCounterMetrics()
	controller, err := NewSessionController(newTestServerConfig(), Dependencies{
		Users:   users,
		Hasher:  BcryptHasher{Cost: bcrypt.MinCost},
		Clock:   clock,
		Logger:  zaptest.NewLogger(t),
		Metrics: metrics,
	})
	require.NoError(t, err)
	return testHarness{controller: controller, users: users, clock: clock, metrics: metrics}
}

func (harness testHarness) register(t *testing.T, username string, email string, password string) Session {
	t.Helper()
	session, err := harness.controller.Register(context.Background(), RegisterInput{
		Username: username,
		Email:    email,
		Password: password,
	})
	require.NoError(t, err)
	return session
}

// failingUserStore wraps a store and injects errors per operation.
type failingUserStore struct {
	UserStore
	findErr   error
	createErr error
	updateErr error
	deleted   map[string]bool
}

func (store *failingUserStore) FindByField(ctx context.Context, field UserField, value string) (User, error) {
	if store.findErr != nil {
		return User{}, store.findErr
	}
	return store.UserStore.FindByField(ctx, field, value)
}

func (store *failingUserStore) FindByID(ctx context.Context, userID string) (User, error) {
	if store.findErr != nil {
		return User{}, store.findErr
	}
	if store.deleted[userID] {
		return User{}, ErrUserNotFound
	}
	return store.UserStore.FindByID(ctx, userID)
}

func (store *failingUserStore) Create(ctx context.Context, user User) (User, error) {
	if store.createErr != nil {
		return User{}, store.createErr
	}
	return store.UserStore.Create(ctx, user)
}

func (store *failingUserStore) UpdateRefreshToken(ctx context.Context, userID string, digest *string) error {
	if store.updateErr != nil {
		return store.updateErr
	}
	return store.UserStore.UpdateRefreshToken(ctx, userID, digest)
}

type validatorResult struct {
	payload          *idtoken.Payload
	err              error
	expectedAudience string
}

type fakeGoogleValidator struct {
	results map[string]validatorResult
}

func (validator *fakeGoogleValidator) Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
	result, ok := validator.results[token]
	if !ok {
		return nil, errors.New("unknown token")
	}
	if result.expectedAudience != "" && result.expectedAudience != audience {
		return nil, errors.New("unexpected audience")
	}
	return result.payload, result.err
}
