// Package storetest holds the behaviour every authkit.UserStore must share.
package storetest

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tyemirov/dreamboard/internal/authkit"
)

// Factory returns an empty store for a single subtest.
type Factory func(t *testing.T) authkit.UserStore

// Run exercises store semantics against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("create assigns defaults", func(t *testing.T) {
		store := newStore(t)
		created, err := store.Create(context.Background(), newUser("alice"))
		require.NoError(t, err)
		require.NotEmpty(t, created.ID)
		_, parseErr := uuid.Parse(created.ID)
		require.NoError(t, parseErr, "id should be a uuid")
		require.Equal(t, authkit.RoleUser, created.Role)
		require.False(t, created.CreatedAt.IsZero())
		require.Nil(t, created.RefreshTokenDigest)

		loaded, err := store.FindByID(context.Background(), created.ID)
		require.NoError(t, err)
		require.Equal(t, created.Username, loaded.Username)
		require.Equal(t, created.Email, loaded.Email)
		require.Equal(t, created.PasswordHash, loaded.PasswordHash)
		require.Nil(t, loaded.RefreshTokenDigest)
	})

	t.Run("find by field", func(t *testing.T) {
		store := newStore(t)
		created, err := store.Create(context.Background(), newUser("bob"))
		require.NoError(t, err)

		byUsername, err := store.FindByField(context.Background(), authkit.FieldUsername, "bob")
		require.NoError(t, err)
		require.Equal(t, created.ID, byUsername.ID)

		byEmail, err := store.FindByField(context.Background(), authkit.FieldEmail, "bob@example.com")
		require.NoError(t, err)
		require.Equal(t, created.ID, byEmail.ID)

		_, err = store.FindByField(context.Background(), authkit.FieldEmail, "nobody@example.com")
		require.ErrorIs(t, err, authkit.ErrUserNotFound)

		_, err = store.FindByField(context.Background(), authkit.UserField("password_hash"), "x")
		require.ErrorIs(t, err, authkit.ErrUnsupportedField)
	})

	t.Run("find unknown id", func(t *testing.T) {
		store := newStore(t)
		_, err := store.FindByID(context.Background(), uuid.NewString())
		require.ErrorIs(t, err, authkit.ErrUserNotFound)
	})

	t.Run("unique username and email", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Create(context.Background(), newUser("carol"))
		require.NoError(t, err)

		sameUsername := newUser("carol")
		sameUsername.Email = "other@example.com"
		_, err = store.Create(context.Background(), sameUsername)
		require.ErrorIs(t, err, authkit.ErrDuplicateUsername)

		sameEmail := newUser("carol2")
		sameEmail.Email = "carol@example.com"
		_, err = store.Create(context.Background(), sameEmail)
		require.ErrorIs(t, err, authkit.ErrDuplicateEmail)
	})

	t.Run("refresh slot replace and clear", func(t *testing.T) {
		store := newStore(t)
		created, err := store.Create(context.Background(), newUser("dave"))
		require.NoError(t, err)

		first := "digest-one"
		require.NoError(t, store.UpdateRefreshToken(context.Background(), created.ID, &first))
		loaded, err := store.FindByID(context.Background(), created.ID)
		require.NoError(t, err)
		require.NotNil(t, loaded.RefreshTokenDigest)
		require.Equal(t, "digest-one", *loaded.RefreshTokenDigest)

		second := "digest-two"
		require.NoError(t, store.UpdateRefreshToken(context.Background(), created.ID, &second))
		loaded, err = store.FindByID(context.Background(), created.ID)
		require.NoError(t, err)
		require.Equal(t, "digest-two", *loaded.RefreshTokenDigest)

		require.NoError(t, store.UpdateRefreshToken(context.Background(), created.ID, nil))
		loaded, err = store.FindByID(context.Background(), created.ID)
		require.NoError(t, err)
		require.Nil(t, loaded.RefreshTokenDigest)

		require.NoError(t, store.UpdateRefreshToken(context.Background(), created.ID, nil), "clearing twice is harmless")
	})

	t.Run("refresh slot of unknown user", func(t *testing.T) {
		store := newStore(t)
		digest := "digest"
		err := store.UpdateRefreshToken(context.Background(), uuid.NewString(), &digest)
		require.ErrorIs(t, err, authkit.ErrUserNotFound)
	})

	t.Run("concurrent updates keep one digest", func(t *testing.T) {
		store := newStore(t)
		created, err := store.Create(context.Background(), newUser("erin"))
		require.NoError(t, err)

		candidates := []string{"digest-a", "digest-b", "digest-c", "digest-d"}
		updateErrs := make(chan error, len(candidates))
		var waitGroup sync.WaitGroup
		for _, candidate := range candidates {
			waitGroup.Add(1)
			go func(value string) {
				defer waitGroup.Done()
				updateErrs <- store.UpdateRefreshToken(context.Background(), created.ID, &value)
			}(candidate)
		}
		waitGroup.Wait()
		close(updateErrs)
		for updateErr := range updateErrs {
			require.NoError(t, updateErr)
		}

		loaded, err := store.FindByID(context.Background(), created.ID)
		require.NoError(t, err)
		require.NotNil(t, loaded.RefreshTokenDigest)
		require.Contains(t, candidates, *loaded.RefreshTokenDigest)
	})
}

func newUser(username string) authkit.User {
	return authkit.User{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: "$2a$10$abcdefghijklmnopqrstuuabcdefghijklmnopqrstuvwxyzABCDE",
		Photo:        "https://example.com/" + username + ".png",
	}
}
