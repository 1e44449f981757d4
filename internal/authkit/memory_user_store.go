package authkit

import (
	"context"
	"fmt"
	"sync"
)

// MemoryUserStore keeps users in process memory.
type MemoryUserStore struct {
	mutex sync.RWMutex
	users map[string]User
	clock Clock
}

// NewMemoryUserStore constructs an empty in-memory store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[string]User), clock: systemClock{}}
}

func (store *MemoryUserStore) FindByField(ctx context.Context, field UserField, value string) (User, error) {
	if field != FieldUsername && field != FieldEmail {
		return User{}, fmt.Errorf("user_store.field.%s: %w", field, ErrUnsupportedField)
	}
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	for _, user := range store.users {
		if fieldValue(user, field) == value {
			return cloneUser(user), nil
		}
	}
	return User{}, fmt.Errorf("user_store.find.%s: %w", field, ErrUserNotFound)
}

func (store *MemoryUserStore) FindByID(ctx context.Context, userID string) (User, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	user, ok := store.users[userID]
	if !ok {
		return User{}, fmt.Errorf("user_store.find.id: %w", ErrUserNotFound)
	}
	return cloneUser(user), nil
}

func (store *MemoryUserStore) Create(ctx context.Context, user User) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, existing := range store.users {
		if existing.Username == user.Username {
			return User{}, fmt.Errorf("user_store.create: %w", ErrDuplicateUsername)
		}
		if existing.Email == user.Email {
			return User{}, fmt.Errorf("user_store.create: %w", ErrDuplicateEmail)
		}
	}
	prepared := user.WithDefaults(store.clock.Now())
	store.users[prepared.ID] = cloneUser(prepared)
	return prepared, nil
}

func (store *MemoryUserStore) UpdateRefreshToken(ctx context.Context, userID string, digest *string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	user, ok := store.users[userID]
	if !ok {
		return fmt.Errorf("user_store.update_refresh: %w", ErrUserNotFound)
	}
	user.RefreshTokenDigest = cloneDigest(digest)
	store.users[userID] = user
	return nil
}

func fieldValue(user User, field UserField) string {
	if field == FieldUsername {
		return user.Username
	}
	return user.Email
}

func cloneUser(user User) User {
	user.RefreshTokenDigest = cloneDigest(user.RefreshTokenDigest)
	return user
}

func cloneDigest(digest *string) *string {
	if digest == nil {
		return nil
	}
	value := *digest
	return &value
}
