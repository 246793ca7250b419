package data

import (
	"context"
	"strconv"
	"time"

	"github.com/PaulBabatuyi/leadmarket/internal/inbox"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// newestFirst is the sort used by every listing; _id breaks createdAt ties.
var newestFirst = bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}

// MessagesStore provides message database operations and implements inbox.Source.
type MessagesStore struct {
	coll     *mongo.Collection
	counters *Sequence
	requests string
	users    string
}

// NewMessagesStore returns a MessagesStore. requestsColl and usersColl name the
// collections joined by the inbox pipelines.
func NewMessagesStore(coll *mongo.Collection, counters *Sequence, requestsColl, usersColl string) *MessagesStore {
	return &MessagesStore{coll: coll, counters: counters, requests: requestsColl, users: usersColl}
}

// SaveMessage inserts a message with the next sequential id and returns it.
func (m *MessagesStore) SaveMessage(ctx context.Context, in NewMessage) (*inbox.Message, error) {
	sender, err := bson.ObjectIDFromHex(in.Sender)
	if err != nil {
		return nil, inbox.ErrInvalidID
	}
	receiver, err := bson.ObjectIDFromHex(in.Receiver)
	if err != nil {
		return nil, inbox.ErrInvalidID
	}
	doc := messageDoc{
		Sender:    sender,
		Receiver:  receiver,
		Text:      in.Text,
		File:      in.File,
		CreatedBy: in.CreatedBy,
	}
	if in.MessageFor != "" {
		if doc.MessageFor, err = bson.ObjectIDFromHex(in.MessageFor); err != nil {
			return nil, inbox.ErrInvalidID
		}
		doc.MessageForModel = inbox.MessageForRequest
	}

	seq, err := m.counters.Next(ctx, "messages")
	if err != nil {
		return nil, err
	}
	doc.Seq = strconv.FormatInt(seq, 10)
	doc.CreatedAt = time.Now().UTC()
	doc.UpdatedAt = doc.CreatedAt

	result, err := m.coll.InsertOne(ctx, &doc)
	if err != nil {
		return nil, err
	}
	doc.ID = result.InsertedID.(bson.ObjectID)
	msg := doc.message()
	return &msg, nil
}

// MarkThreadRead sets the read timestamp on every unread message sender sent
// to reader (optionally only for one request) and returns how many changed.
// Running it again changes nothing.
func (m *MessagesStore) MarkThreadRead(ctx context.Context, reader, sender, messageFor string, at time.Time) (int64, error) {
	readerID, err := bson.ObjectIDFromHex(reader)
	if err != nil {
		return 0, inbox.ErrInvalidID
	}
	senderID, err := bson.ObjectIDFromHex(sender)
	if err != nil {
		return 0, inbox.ErrInvalidID
	}
	filter := bson.D{
		{Key: "receiver", Value: readerID},
		{Key: "sender", Value: bson.D{{Key: "$in", Value: bson.A{senderID, sender}}}},
		{Key: "read", Value: nil},
	}
	if messageFor != "" {
		mf, err := bson.ObjectIDFromHex(messageFor)
		if err != nil {
			return 0, inbox.ErrInvalidID
		}
		filter = append(filter, bson.E{Key: "messageFor", Value: mf})
	}
	res, err := m.coll.UpdateMany(ctx, filter, bson.D{{Key: "$set", Value: bson.D{
		{Key: "read", Value: at},
		{Key: "updatedAt", Value: at},
	}}})
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// LatestBySender implements inbox.Source.
func (m *MessagesStore) LatestBySender(ctx context.Context, q inbox.Query) ([]inbox.Row, error) {
	pipeline, err := m.latestBySenderPipeline(q)
	if err != nil {
		return nil, err
	}
	return m.rows(ctx, pipeline)
}

// Thread implements inbox.Source.
func (m *MessagesStore) Thread(ctx context.Context, q inbox.ThreadQuery) ([]inbox.Row, error) {
	filter, err := threadFilter(q)
	if err != nil {
		return nil, err
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: filter}},
		{{Key: "$sort", Value: newestFirst}},
		{{Key: "$skip", Value: q.Skip}},
	}
	if q.Limit > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$limit", Value: q.Limit}})
	}
	pipeline = append(pipeline, m.requestLookup())
	pipeline = append(pipeline, m.senderLookup()...)
	return m.rows(ctx, pipeline)
}

// CountThread implements inbox.Source.
func (m *MessagesStore) CountThread(ctx context.Context, q inbox.ThreadQuery) (int64, error) {
	filter, err := threadFilter(q)
	if err != nil {
		return 0, err
	}
	return m.coll.CountDocuments(ctx, filter)
}

func (m *MessagesStore) rows(ctx context.Context, pipeline mongo.Pipeline) ([]inbox.Row, error) {
	cursor, err := m.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []rowDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	rows := make([]inbox.Row, 0, len(docs))
	for i := range docs {
		rows = append(rows, docs[i].row())
	}
	return rows, nil
}

// inboxStages selects the receiver's messages, joins the linked request and
// applies the customer type filter.
func (m *MessagesStore) inboxStages(f inbox.Filter) (mongo.Pipeline, error) {
	receiver, err := bson.ObjectIDFromHex(f.Receiver)
	if err != nil {
		return nil, inbox.ErrInvalidID
	}
	match := bson.D{{Key: "receiver", Value: receiver}}
	if f.Unread {
		match = append(match, bson.E{Key: "read", Value: nil})
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: match}},
		m.requestLookup(),
	}
	switch f.CustomerType {
	case inbox.ActiveCustomer:
		pipeline = append(pipeline, bson.D{{Key: "$match", Value: bson.D{
			{Key: "request.hiredAffiliate", Value: bson.D{{Key: "$ne", Value: nil}}},
		}}})
	case inbox.PotentialCustomer:
		pipeline = append(pipeline, bson.D{{Key: "$match", Value: bson.D{
			{Key: "request.hiredAffiliate", Value: nil},
		}}})
	}
	return pipeline, nil
}

// latestBySenderPipeline groups by stored sender key, keeps the newest message
// of each group, sorts groups newest first and pages them before joining users.
func (m *MessagesStore) latestBySenderPipeline(q inbox.Query) (mongo.Pipeline, error) {
	pipeline, err := m.inboxStages(q.Filter)
	if err != nil {
		return nil, err
	}
	pipeline = append(pipeline,
		bson.D{{Key: "$sort", Value: newestFirst}},
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: groupKeyExpr()},
			{Key: "latest", Value: bson.D{{Key: "$first", Value: "$$ROOT"}}},
		}}},
		bson.D{{Key: "$replaceRoot", Value: bson.D{{Key: "newRoot", Value: "$latest"}}}},
		bson.D{{Key: "$sort", Value: newestFirst}},
		bson.D{{Key: "$skip", Value: q.Skip}},
	)
	if q.Limit > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$limit", Value: q.Limit}})
	}
	pipeline = append(pipeline, m.senderLookup()...)
	return pipeline, nil
}

func (m *MessagesStore) requestLookup() bson.D {
	return bson.D{{Key: "$lookup", Value: bson.D{
		{Key: "from", Value: m.requests},
		{Key: "localField", Value: "messageFor"},
		{Key: "foreignField", Value: "_id"},
		{Key: "as", Value: "request"},
	}}}
}

// senderLookup joins the sender when it is stored as an ObjectID reference
// and strips fields chat must not see.
func (m *MessagesStore) senderLookup() mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$lookup", Value: bson.D{
			{Key: "from", Value: m.users},
			{Key: "localField", Value: "sender"},
			{Key: "foreignField", Value: "_id"},
			{Key: "as", Value: "senderUser"},
		}}},
		{{Key: "$project", Value: bson.D{
			{Key: "senderUser.password", Value: 0},
			{Key: "senderUser.pushSubscriptions", Value: 0},
			{Key: "senderUser.phone", Value: 0},
		}}},
	}
}

// groupKeyExpr mirrors inbox.GroupKey: embedded sender _id, then the sender
// value itself, then createdBy, then the message id.
func groupKeyExpr() bson.D {
	asString := func(expr any) bson.D {
		return bson.D{{Key: "$convert", Value: bson.D{
			{Key: "input", Value: expr},
			{Key: "to", Value: "string"},
			{Key: "onError", Value: nil},
			{Key: "onNull", Value: nil},
		}}}
	}
	return bson.D{{Key: "$ifNull", Value: bson.A{
		asString("$sender._id"),
		bson.D{{Key: "$ifNull", Value: bson.A{
			asString("$sender"),
			bson.D{{Key: "$ifNull", Value: bson.A{
				"$createdBy",
				bson.D{{Key: "$toString", Value: "$_id"}},
			}}},
		}}},
	}}}
}

// threadFilter matches both directions of a conversation. The sender is
// matched both as an ObjectID and as its hex form found in older documents.
func threadFilter(q inbox.ThreadQuery) (bson.D, error) {
	viewer, err := bson.ObjectIDFromHex(q.Viewer)
	if err != nil {
		return nil, inbox.ErrInvalidID
	}
	other, err := bson.ObjectIDFromHex(q.Other)
	if err != nil {
		return nil, inbox.ErrInvalidID
	}
	filter := bson.D{{Key: "$or", Value: bson.A{
		bson.D{
			{Key: "sender", Value: bson.D{{Key: "$in", Value: bson.A{other, q.Other}}}},
			{Key: "receiver", Value: viewer},
		},
		bson.D{
			{Key: "sender", Value: bson.D{{Key: "$in", Value: bson.A{viewer, q.Viewer}}}},
			{Key: "receiver", Value: other},
		},
	}}}
	if q.MessageFor != "" {
		mf, err := bson.ObjectIDFromHex(q.MessageFor)
		if err != nil {
			return nil, inbox.ErrInvalidID
		}
		filter = append(filter,
			bson.E{Key: "messageFor", Value: mf},
			bson.E{Key: "messageForModel", Value: inbox.MessageForRequest},
		)
	}
	return filter, nil
}

// Sequence hands out increasing numbers per name from a counters collection.
type Sequence struct {
	coll *mongo.Collection
}

// NewSequence returns a Sequence backed by coll.
func NewSequence(coll *mongo.Collection) *Sequence {
	return &Sequence{coll: coll}
}

// Next atomically increments and returns the counter called name.
func (s *Sequence) Next(ctx context.Context, name string) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := s.coll.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: name}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "seq", Value: 1}}}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, err
	}
	return doc.Seq, nil
}
