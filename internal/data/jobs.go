package data

import (
	"context"
	"errors"
	"time"

	"github.com/PaulBabatuyi/leadmarket/internal/jobs"
	"github.com/google/uuid"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ErrJobNotFound is returned when a job id matches nothing.
var ErrJobNotFound = errors.New("job not found")

// JobsStore implements jobs.Store on a Mongo collection.
type JobsStore struct {
	coll *mongo.Collection
}

// NewJobsStore returns a JobsStore using coll.
func NewJobsStore(coll *mongo.Collection) *JobsStore {
	return &JobsStore{coll: coll}
}

// Enqueue implements jobs.Store.
func (s *JobsStore) Enqueue(ctx context.Context, job *jobs.Job) error {
	now := time.Now().UTC()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
	job.Status = jobs.StatusPending
	job.Attempts = 0
	job.CreatedAt = now
	job.UpdatedAt = now
	_, err := s.coll.InsertOne(ctx, job)
	return err
}

// Claim implements jobs.Store. The status flip is a single FindOneAndUpdate,
// so concurrent runners never claim the same job.
func (s *JobsStore) Claim(ctx context.Context, now, staleBefore time.Time) (*jobs.Job, error) {
	var job jobs.Job
	err := s.coll.FindOneAndUpdate(ctx,
		claimFilter(now, staleBefore),
		bson.D{
			{Key: "$set", Value: bson.D{
				{Key: "status", Value: jobs.StatusRunning},
				{Key: "updatedAt", Value: now},
			}},
			{Key: "$inc", Value: bson.D{{Key: "attempts", Value: 1}}},
		},
		options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "runAt", Value: 1}}).
			SetReturnDocument(options.After),
	).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

// Complete implements jobs.Store.
func (s *JobsStore) Complete(ctx context.Context, id string) error {
	return s.set(ctx, id, bson.D{{Key: "status", Value: jobs.StatusDone}})
}

// Retry implements jobs.Store.
func (s *JobsStore) Retry(ctx context.Context, id, lastError string, runAt time.Time) error {
	return s.set(ctx, id, bson.D{
		{Key: "status", Value: jobs.StatusPending},
		{Key: "lastError", Value: lastError},
		{Key: "runAt", Value: runAt},
	})
}

// Fail implements jobs.Store.
func (s *JobsStore) Fail(ctx context.Context, id, lastError string) error {
	return s.set(ctx, id, bson.D{
		{Key: "status", Value: jobs.StatusFailed},
		{Key: "lastError", Value: lastError},
	})
}

func (s *JobsStore) set(ctx context.Context, id string, fields bson.D) error {
	fields = append(fields, bson.E{Key: "updatedAt", Value: time.Now().UTC()})
	res, err := s.coll.UpdateOne(ctx, bson.D{{Key: "_id", Value: id}}, bson.D{{Key: "$set", Value: fields}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrJobNotFound
	}
	return nil
}

func claimFilter(now, staleBefore time.Time) bson.D {
	return bson.D{{Key: "$or", Value: bson.A{
		bson.D{
			{Key: "status", Value: jobs.StatusPending},
			{Key: "runAt", Value: bson.D{{Key: "$lte", Value: now}}},
		},
		bson.D{
			{Key: "status", Value: jobs.StatusRunning},
			{Key: "updatedAt", Value: bson.D{{Key: "$lt", Value: staleBefore}}},
		},
	}}}
}
