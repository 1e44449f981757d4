// Package authkitmongo stores dreamboard users in MongoDB.
package authkitmongo

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/tyemirov/dreamboard/internal/authkit"
)

const (
	// DefaultDatabase is used when the connection URI names no database.
	DefaultDatabase = "dreamboard"
	usersCollection = "users"

	usernameIndex = "username_unique"
	emailIndex    = "email_unique"
)

var errEmptyURI = errors.New("user_store.mongo.empty_uri")

type userDocument struct {
	ID                 string    `bson:"_id"`
	Username           string    `bson:"username"`
	Email              string    `bson:"email"`
	PasswordHash       string    `bson:"passwordHash"`
	RefreshTokenDigest *string   `bson:"refreshTokenDigest"`
	Role               string    `bson:"role"`
	Photo              string    `bson:"photo"`
	CreatedAt          time.Time `bson:"createdAt"`
}

func (document userDocument) toUser() authkit.User {
	return authkit.User{
		ID:                 document.ID,
		Username:           document.Username,
		Email:              document.Email,
		PasswordHash:       document.PasswordHash,
		RefreshTokenDigest: document.RefreshTokenDigest,
		Role:               document.Role,
		Photo:              document.Photo,
		CreatedAt:          document.CreatedAt.UTC(),
	}
}

// MongoUserStore persists users in a single MongoDB collection.
type MongoUserStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	now        func() time.Time
}

// Config selects the MongoDB deployment and database.
type Config struct {
	URI string
	// Database overrides the database named in URI.
	Database string
}

// NewMongoUserStore connects, pings, and ensures the unique indexes exist.
func NewMongoUserStore(ctx context.Context, configuration Config) (*MongoUserStore, error) {
	if strings.TrimSpace(configuration.URI) == "" {
		return nil, errEmptyURI
	}
	databaseName := configuration.Database
	if databaseName == "" {
		databaseName = databaseFromURI(configuration.URI)
	}
	client, err := mongo.Connect(options.Client().ApplyURI(configuration.URI))
	if err != nil {
		return nil, fmt.Errorf("user_store.mongo.connect: %w", err)
	}
	if pingErr := client.Ping(ctx, readpref.Primary()); pingErr != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("user_store.mongo.ping: %w", pingErr)
	}
	collection := client.Database(databaseName).Collection(usersCollection)
	_, indexErr := collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetUnique(true).SetName(usernameIndex)},
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true).SetName(emailIndex)},
	})
	if indexErr != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("user_store.mongo.indexes: %w", indexErr)
	}
	return &MongoUserStore{client: client, collection: collection, now: time.Now}, nil
}

// Close disconnects the client.
func (store *MongoUserStore) Close(ctx context.Context) error {
	return store.client.Disconnect(ctx)
}

func (store *MongoUserStore) FindByField(ctx context.Context, field authkit.UserField, value string) (authkit.User, error) {
	var key string
	switch field {
	case authkit.FieldUsername:
		key = "username"
	case authkit.FieldEmail:
		key = "email"
	default:
		return authkit.User{}, fmt.Errorf("user_store.field.%s: %w", field, authkit.ErrUnsupportedField)
	}
	user, err := store.findOne(ctx, bson.D{{Key: key, Value: value}})
	if err != nil {
		return authkit.User{}, fmt.Errorf("user_store.find.%s.mongo: %w", field, err)
	}
	return user, nil
}

func (store *MongoUserStore) FindByID(ctx context.Context, userID string) (authkit.User, error) {
	user, err := store.findOne(ctx, bson.D{{Key: "_id", Value: userID}})
	if err != nil {
		return authkit.User{}, fmt.Errorf("user_store.find.id.mongo: %w", err)
	}
	return user, nil
}

func (store *MongoUserStore) Create(ctx context.Context, user authkit.User) (authkit.User, error) {
	prepared := user.WithDefaults(store.now())
	_, err := store.collection.InsertOne(ctx, userDocument{
		ID:                 prepared.ID,
		Username:           prepared.Username,
		Email:              prepared.Email,
		PasswordHash:       prepared.PasswordHash,
		RefreshTokenDigest: prepared.RefreshTokenDigest,
		Role:               prepared.Role,
		Photo:              prepared.Photo,
		CreatedAt:          prepared.CreatedAt,
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			switch {
			case strings.Contains(err.Error(), emailIndex):
				return authkit.User{}, fmt.Errorf("user_store.create.mongo: %w", authkit.ErrDuplicateEmail)
			case strings.Contains(err.Error(), usernameIndex):
				return authkit.User{}, fmt.Errorf("user_store.create.mongo: %w", authkit.ErrDuplicateUsername)
			}
		}
		return authkit.User{}, fmt.Errorf("user_store.create.mongo: %w", err)
	}
	return prepared, nil
}

// UpdateRefreshToken replaces the slot with a single-document update.
func (store *MongoUserStore) UpdateRefreshToken(ctx context.Context, userID string, digest *string) error {
	result, err := store.collection.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: userID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "refreshTokenDigest", Value: digest}}}},
	)
	if err != nil {
		return fmt.Errorf("user_store.update_refresh.mongo: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("user_store.update_refresh.mongo: %w", authkit.ErrUserNotFound)
	}
	return nil
}

func (store *MongoUserStore) findOne(ctx context.Context, filter bson.D) (authkit.User, error) {
	var document userDocument
	err := store.collection.FindOne(ctx, filter).Decode(&document)
	switch {
	case err == nil:
		return document.toUser(), nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return authkit.User{}, authkit.ErrUserNotFound
	default:
		return authkit.User{}, err
	}
}

func databaseFromURI(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		return DefaultDatabase
	}
	name := strings.Trim(parsed.Path, "/")
	if name == "" {
		return DefaultDatabase
	}
	return name
}
