package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("user_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("user_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("user_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("user_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("user_store.unsupported_no_scheme")
)

// DatabaseUserStore persists users with GORM on Postgres or SQLite.
type DatabaseUserStore struct {
	db          *gorm.DB
	driverLabel string
	clock       Clock
}

// Driver exposes the selected database driver label.
func (store *DatabaseUserStore) Driver() string {
	return store.driverLabel
}

// Close releases the underlying connection pool.
func (store *DatabaseUserStore) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return fmt.Errorf("user_store.close.%s: %w", store.driverLabel, err)
	}
	return sqlDB.Close()
}

type userRecord struct {
	ID                 string    `gorm:"column:id;primaryKey"`
	Username           string    `gorm:"column:username;uniqueIndex:idx_users_username;not null"`
	Email              string    `gorm:"column:email;uniqueIndex:idx_users_email;not null"`
	PasswordHash       string    `gorm:"column:password_hash;not null"`
	RefreshTokenDigest *string   `gorm:"column:refresh_token_digest"`
	Role               string    `gorm:"column:role;not null;default:user"`
	Photo              string    `gorm:"column:photo;not null;default:''"`
	CreatedAt          time.Time `gorm:"column:created_at;not null"`
}

func (userRecord) TableName() string {
	return "users"
}

func (record userRecord) toUser() User {
	return User{
		ID:                 record.ID,
		Username:           record.Username,
		Email:              record.Email,
		PasswordHash:       record.PasswordHash,
		RefreshTokenDigest: record.RefreshTokenDigest,
		Role:               record.Role,
		Photo:              record.Photo,
		CreatedAt:          record.CreatedAt.UTC(),
	}
}

func recordFromUser(user User) userRecord {
	return userRecord{
		ID:                 user.ID,
		Username:           user.Username,
		Email:              user.Email,
		PasswordHash:       user.PasswordHash,
		RefreshTokenDigest: user.RefreshTokenDigest,
		Role:               user.Role,
		Photo:              user.Photo,
		CreatedAt:          user.CreatedAt,
	}
}

// NewDatabaseUserStore opens databaseURL and migrates the users table.
func NewDatabaseUserStore(ctx context.Context, databaseURL string) (*DatabaseUserStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("user_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("user_store.open.%s: %w", driverLabel, openErr)
	}
	if driverLabel == "sqlite" {
		sqlDB, sqlErr := gormDB.DB()
		if sqlErr != nil {
			return nil, fmt.Errorf("user_store.open.%s: %w", driverLabel, sqlErr)
		}
		// SQLite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&userRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("user_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseUserStore{
		db:          gormDB,
		driverLabel: driverLabel,
		clock:       systemClock{},
	}, nil
}

func (store *DatabaseUserStore) FindByField(ctx context.Context, field UserField, value string) (User, error) {
	column, columnErr := fieldColumn(field)
	if columnErr != nil {
		return User{}, columnErr
	}
	var record userRecord
	err := store.db.WithContext(ctx).Where(column+" = ?", value).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, fmt.Errorf("user_store.find.%s.%s: %w", field, store.driverLabel, ErrUserNotFound)
		}
		return User{}, fmt.Errorf("user_store.find.%s.%s: %w", field, store.driverLabel, err)
	}
	return record.toUser(), nil
}

func (store *DatabaseUserStore) FindByID(ctx context.Context, userID string) (User, error) {
	var record userRecord
	err := store.db.WithContext(ctx).Where("id = ?", userID).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, fmt.Errorf("user_store.find.id.%s: %w", store.driverLabel, ErrUserNotFound)
		}
		return User{}, fmt.Errorf("user_store.find.id.%s: %w", store.driverLabel, err)
	}
	return record.toUser(), nil
}

func (store *DatabaseUserStore) Create(ctx context.Context, user User) (User, error) {
	prepared := user.WithDefaults(store.clock.Now())
	record := recordFromUser(prepared)
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		if duplicateErr := classifyDuplicate(err); duplicateErr != nil {
			return User{}, fmt.Errorf("user_store.create.%s: %w", store.driverLabel, duplicateErr)
		}
		return User{}, fmt.Errorf("user_store.create.%s: %w", store.driverLabel, err)
	}
	return prepared, nil
}

func (store *DatabaseUserStore) UpdateRefreshToken(ctx context.Context, userID string, digest *string) error {
	var value interface{} = gorm.Expr("NULL")
	if digest != nil {
		value = *digest
	}
	result := store.db.WithContext(ctx).Model(&userRecord{}).
		Where("id = ?", userID).
		Update("refresh_token_digest", value)
	if result.Error != nil {
		return fmt.Errorf("user_store.update_refresh.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("user_store.update_refresh.%s: %w", store.driverLabel, ErrUserNotFound)
	}
	return nil
}

func fieldColumn(field UserField) (string, error) {
	switch field {
	case FieldUsername:
		return "username", nil
	case FieldEmail:
		return "email", nil
	default:
		return "", fmt.Errorf("user_store.field.%s: %w", field, ErrUnsupportedField)
	}
}

// classifyDuplicate maps unique-index violations from either dialect onto the
// duplicate sentinels. It returns nil for any other error.
func classifyDuplicate(err error) error {
	message := strings.ToLower(err.Error())
	if !errors.Is(err, gorm.ErrDuplicatedKey) && !strings.Contains(message, "unique") && !strings.Contains(message, "duplicate") {
		return nil
	}
	switch {
	case strings.Contains(message, "email"):
		return ErrDuplicateEmail
	case strings.Contains(message, "username"):
		return ErrDuplicateUsername
	default:
		return nil
	}
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("user_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("user_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("user_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("user_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
