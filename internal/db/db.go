// Package db manages MongoDB connections and collections.
package db

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

// Collection names.
const (
	Users    = "users"
	Messages = "messages"
	Requests = "requests"
	Jobs     = "jobs"
	Counters = "counters"
)

// DefaultDatabase is used when no database name is configured.
const DefaultDatabase = "leadmarket"

// Client wraps mongo.Client and exposes collections.
type Client struct {
	// client is safe for concurrent use and shared by every store.
	client *mongo.Client
	db     *mongo.Database
}

// New connects to MongoDB, pings the primary and returns a Client bound to dbName.
func New(ctx context.Context, mongoURI, dbName string) (*Client, error) {
	if dbName == "" {
		dbName = DefaultDatabase
	}
	opts := options.Client().
		ApplyURI(mongoURI).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &Client{client: client, db: client.Database(dbName)}, nil
}

// Collection returns the named collection.
func (c *Client) Collection(name string) *mongo.Collection {
	return c.db.Collection(name)
}

// UsersCollection returns the users collection.
func (c *Client) UsersCollection() *mongo.Collection { return c.Collection(Users) }

// MessagesCollection returns the messages collection.
func (c *Client) MessagesCollection() *mongo.Collection { return c.Collection(Messages) }

// RequestsCollection returns the requests collection.
func (c *Client) RequestsCollection() *mongo.Collection { return c.Collection(Requests) }

// JobsCollection returns the jobs collection.
func (c *Client) JobsCollection() *mongo.Collection { return c.Collection(Jobs) }

// CountersCollection returns the collection backing message sequence numbers.
func (c *Client) CountersCollection() *mongo.Collection { return c.Collection(Counters) }

// Drop removes every collection the service uses. Tests only.
func (c *Client) Drop(ctx context.Context) error {
	for _, name := range []string{Users, Messages, Requests, Jobs, Counters} {
		if err := c.Collection(name).Drop(ctx); err != nil {
			return fmt.Errorf("drop %s: %w", name, err)
		}
	}
	return nil
}

// Close disconnects from MongoDB.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// indexes lists the index models per collection.
func indexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		Users: {
			// One account per email; also serves the by-email sender fallback.
			{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		Messages: {
			// Inbox listing: all messages to a receiver, newest first.
			{Keys: bson.D{{Key: "receiver", Value: 1}, {Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}},
			// Unread counts and mark-as-read.
			{Keys: bson.D{{Key: "sender", Value: 1}, {Key: "receiver", Value: 1}, {Key: "read", Value: 1}}},
			{Keys: bson.D{{Key: "messageFor", Value: 1}}},
		},
		Jobs: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "runAt", Value: 1}}},
		},
	}
}

// CreateIndexes creates the indexes the stores rely on.
func (c *Client) CreateIndexes(ctx context.Context) error {
	for name, models := range indexes() {
		if _, err := c.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create %s indexes: %w", name, err)
		}
	}
	return nil
}
