// Package data provides DB models and stores.
package data

import (
	"context"
	"errors"
	"time"

	"github.com/PaulBabatuyi/leadmarket/internal/inbox"
	"github.com/PaulBabatuyi/leadmarket/internal/normalize"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// projectionFields limits user reads done on behalf of chat.
var projectionFields = bson.D{
	{Key: "_id", Value: 1},
	{Key: "firstName", Value: 1},
	{Key: "lastName", Value: 1},
	{Key: "avatar", Value: 1},
	{Key: "email", Value: 1},
	{Key: "role", Value: 1},
}

// UsersStore performs user DB operations.
type UsersStore struct {
	coll *mongo.Collection
}

// NewUsersStore returns a UsersStore using the provided collection.
func NewUsersStore(coll *mongo.Collection) *UsersStore {
	return &UsersStore{coll: coll}
}

// CreateUser inserts a new user. The password must already be hashed.
func (u *UsersStore) CreateUser(ctx context.Context, user *User) (*User, error) {
	now := time.Now().UTC()
	doc := *user
	doc.ID = bson.ObjectID{}
	doc.Email = normalize.Email(user.Email)
	doc.CreatedAt = now
	doc.UpdatedAt = now

	result, err := u.coll.InsertOne(ctx, &doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrUserExists
		}
		return nil, err
	}
	doc.ID = result.InsertedID.(bson.ObjectID)
	return &doc, nil
}

// GetUserByEmail finds a user by email.
func (u *UsersStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return u.findOne(ctx, bson.D{{Key: "email", Value: normalize.Email(email)}})
}

// GetUserByID finds a user by its ObjectID hex.
func (u *UsersStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrUserNotFound
	}
	return u.findOne(ctx, bson.D{{Key: "_id", Value: oid}})
}

func (u *UsersStore) findOne(ctx context.Context, filter bson.D) (*User, error) {
	var user User
	if err := u.coll.FindOne(ctx, filter).Decode(&user); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// UserExists checks if a user exists by email.
func (u *UsersStore) UserExists(ctx context.Context, email string) (bool, error) {
	count, err := u.coll.CountDocuments(ctx, bson.D{{Key: "email", Value: normalize.Email(email)}})
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ProjectionsByIDs returns the projections of the users with the given ids in
// one query. Malformed ids are ignored.
func (u *UsersStore) ProjectionsByIDs(ctx context.Context, ids []string) ([]inbox.UserProjection, error) {
	oids := objectIDs(ids)
	if len(oids) == 0 {
		return nil, nil
	}
	return u.projections(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: oids}}}})
}

// ProjectionsByEmails returns the projections of the users with the given emails in one query.
func (u *UsersStore) ProjectionsByEmails(ctx context.Context, emails []string) ([]inbox.UserProjection, error) {
	normalized := normalize.Unique(emails, normalize.Email)
	if len(normalized) == 0 {
		return nil, nil
	}
	return u.projections(ctx, bson.D{{Key: "email", Value: bson.D{{Key: "$in", Value: normalized}}}})
}

func (u *UsersStore) projections(ctx context.Context, filter bson.D) ([]inbox.UserProjection, error) {
	cursor, err := u.coll.Find(ctx, filter, options.Find().SetProjection(projectionFields))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var users []User
	if err := cursor.All(ctx, &users); err != nil {
		return nil, err
	}
	out := make([]inbox.UserProjection, 0, len(users))
	for i := range users {
		out = append(out, users[i].Projection())
	}
	return out, nil
}

// AddPushSubscription stores sub for the user, replacing any subscription with the same endpoint.
func (u *UsersStore) AddPushSubscription(ctx context.Context, userID string, sub PushSubscription) error {
	oid, err := bson.ObjectIDFromHex(userID)
	if err != nil {
		return ErrUserNotFound
	}
	if err := u.RemovePushSubscription(ctx, userID, sub.Endpoint); err != nil {
		return err
	}
	_, err = u.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: oid}},
		bson.D{
			{Key: "$push", Value: bson.D{{Key: "pushSubscriptions", Value: sub}}},
			{Key: "$set", Value: bson.D{{Key: "updatedAt", Value: time.Now().UTC()}}},
		})
	return err
}

// RemovePushSubscription drops the subscription with the given endpoint.
func (u *UsersStore) RemovePushSubscription(ctx context.Context, userID, endpoint string) error {
	oid, err := bson.ObjectIDFromHex(userID)
	if err != nil {
		return ErrUserNotFound
	}
	res, err := u.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: oid}},
		bson.D{{Key: "$pull", Value: bson.D{{Key: "pushSubscriptions", Value: bson.D{{Key: "endpoint", Value: endpoint}}}}}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrUserNotFound
	}
	return nil
}

// PushSubscriptions returns the user's web-push subscriptions.
func (u *UsersStore) PushSubscriptions(ctx context.Context, userID string) ([]PushSubscription, error) {
	user, err := u.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return user.PushSubscriptions, nil
}
