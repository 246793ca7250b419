package data

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// RequestsStore reads and minimally writes service requests.
type RequestsStore struct {
	coll *mongo.Collection
}

// NewRequestsStore returns a RequestsStore using coll.
func NewRequestsStore(coll *mongo.Collection) *RequestsStore {
	return &RequestsStore{coll: coll}
}

// CreateRequest inserts a request with no hired affiliate.
func (r *RequestsStore) CreateRequest(ctx context.Context, req *Request) (*Request, error) {
	now := time.Now().UTC()
	doc := *req
	doc.ID = bson.ObjectID{}
	doc.HiredAffiliate = nil
	doc.CreatedAt = now
	doc.UpdatedAt = now

	result, err := r.coll.InsertOne(ctx, &doc)
	if err != nil {
		return nil, err
	}
	doc.ID = result.InsertedID.(bson.ObjectID)
	return &doc, nil
}

// GetRequest finds a request by its ObjectID hex.
func (r *RequestsStore) GetRequest(ctx context.Context, id string) (*Request, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrRequestNotFound
	}
	var req Request
	if err := r.coll.FindOne(ctx, bson.D{{Key: "_id", Value: oid}}).Decode(&req); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	return &req, nil
}

// HireAffiliate sets the request's hired affiliate, turning its conversations active.
func (r *RequestsStore) HireAffiliate(ctx context.Context, id, affiliateID string) (*Request, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrRequestNotFound
	}
	affiliate, err := bson.ObjectIDFromHex(affiliateID)
	if err != nil {
		return nil, ErrUserNotFound
	}
	var req Request
	err = r.coll.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: oid}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "hiredAffiliate", Value: affiliate},
			{Key: "updatedAt", Value: time.Now().UTC()},
		}}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&req)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	return &req, nil
}
