package data

import (
	"errors"
	"time"

	"github.com/PaulBabatuyi/leadmarket/internal/inbox"

	"go.mongodb.org/mongo-driver/v2/bson"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrUserExists      = errors.New("user already exists")
	ErrRequestNotFound = errors.New("request not found")
)

// Role is a user's marketplace role.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleAffiliate Role = "affiliate"
	RoleClient    Role = "client"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleAffiliate, RoleClient:
		return true
	}
	return false
}

// PushSubscription is a browser web-push subscription.
type PushSubscription struct {
	Endpoint string `bson:"endpoint" json:"endpoint" validate:"required,url"`
	P256dh   string `bson:"p256dh" json:"p256dh" validate:"required"`
	Auth     string `bson:"auth" json:"auth" validate:"required"`
}

// User maps to the users collection.
type User struct {
	ID                bson.ObjectID      `bson:"_id,omitempty"`
	Email             string             `bson:"email"`
	Password          string             `bson:"password,omitempty"`
	FirstName         string             `bson:"firstName"`
	LastName          string             `bson:"lastName"`
	Avatar            string             `bson:"avatar,omitempty"`
	Phone             string             `bson:"phone,omitempty"`
	Role              Role               `bson:"role"`
	PushSubscriptions []PushSubscription `bson:"pushSubscriptions,omitempty"`
	CreatedAt         time.Time          `bson:"createdAt"`
	UpdatedAt         time.Time          `bson:"updatedAt"`
}

// Projection returns the minimal view chat exposes.
func (u *User) Projection() inbox.UserProjection {
	return inbox.UserProjection{
		ID:        u.ID.Hex(),
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Avatar:    u.Avatar,
		Email:     u.Email,
		Role:      string(u.Role),
	}
}

// Request maps to the requests collection (owned by the requests subsystem;
// chat only reads it apart from the minimal create/hire operations).
type Request struct {
	ID             bson.ObjectID  `bson:"_id,omitempty"`
	Title          string         `bson:"title"`
	RequesterOwner bson.ObjectID  `bson:"requesterOwner"`
	HiredAffiliate *bson.ObjectID `bson:"hiredAffiliate"`
	CreatedBy      string         `bson:"createdBy,omitempty"`
	CreatedAt      time.Time      `bson:"createdAt"`
	UpdatedAt      time.Time      `bson:"updatedAt"`
}

// Snapshot returns the part of the request a conversation carries.
func (r *Request) Snapshot() *inbox.RequestSnapshot {
	s := &inbox.RequestSnapshot{
		ID:        r.ID.Hex(),
		Title:     r.Title,
		CreatedBy: r.CreatedBy,
	}
	if !r.RequesterOwner.IsZero() {
		s.RequesterOwner = r.RequesterOwner.Hex()
	}
	if r.HiredAffiliate != nil && !r.HiredAffiliate.IsZero() {
		s.HiredAffiliate = r.HiredAffiliate.Hex()
	}
	return s
}

// NewMessage is the input of SaveMessage. Ids are ObjectID hex strings.
type NewMessage struct {
	Sender     string
	Receiver   string
	Text       string
	File       *inbox.Attachment
	MessageFor string
	CreatedBy  string
}

// messageDoc maps to the messages collection. Sender is left untyped because
// older documents store it as an ObjectID, a hex string, an embedded user or not at all.
type messageDoc struct {
	ID              bson.ObjectID     `bson:"_id,omitempty"`
	Seq             string            `bson:"id"`
	Sender          any               `bson:"sender,omitempty"`
	Receiver        bson.ObjectID     `bson:"receiver"`
	Text            string            `bson:"text"`
	File            *inbox.Attachment `bson:"file,omitempty"`
	MessageFor      bson.ObjectID     `bson:"messageFor,omitempty"`
	MessageForModel string            `bson:"messageForModel,omitempty"`
	Read            *time.Time        `bson:"read"`
	CreatedAt       time.Time         `bson:"createdAt"`
	UpdatedAt       time.Time         `bson:"updatedAt"`
	CreatedBy       string            `bson:"createdBy,omitempty"`
}

// rowDoc is a message as produced by the inbox pipelines, with the joined
// sender user and request (each zero or one element).
type rowDoc struct {
	ID              bson.ObjectID     `bson:"_id"`
	Seq             string            `bson:"id"`
	Sender          any               `bson:"sender"`
	Receiver        bson.ObjectID     `bson:"receiver"`
	Text            string            `bson:"text"`
	File            *inbox.Attachment `bson:"file,omitempty"`
	MessageFor      bson.ObjectID     `bson:"messageFor"`
	MessageForModel string            `bson:"messageForModel"`
	Read            *time.Time        `bson:"read"`
	CreatedAt       time.Time         `bson:"createdAt"`
	UpdatedAt       time.Time         `bson:"updatedAt"`
	CreatedBy       string            `bson:"createdBy"`
	SenderUser      []User            `bson:"senderUser"`
	Request         []Request         `bson:"request"`
}

func (d *messageDoc) message() inbox.Message {
	m := inbox.Message{
		ID:              d.ID.Hex(),
		Seq:             d.Seq,
		Receiver:        d.Receiver.Hex(),
		Text:            d.Text,
		File:            d.File,
		MessageForModel: d.MessageForModel,
		Read:            d.Read,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
		CreatedBy:       d.CreatedBy,
	}
	if raw, ok := ClassifySender(d.Sender).(inbox.RawID); ok {
		m.SenderID = raw.ID
	}
	if !d.MessageFor.IsZero() {
		m.MessageFor = d.MessageFor.Hex()
	}
	return m
}

func (d *rowDoc) row() inbox.Row {
	md := messageDoc{
		ID:              d.ID,
		Seq:             d.Seq,
		Sender:          d.Sender,
		Receiver:        d.Receiver,
		Text:            d.Text,
		File:            d.File,
		MessageFor:      d.MessageFor,
		MessageForModel: d.MessageForModel,
		Read:            d.Read,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
		CreatedBy:       d.CreatedBy,
	}
	r := inbox.Row{Message: md.message(), Sender: ClassifySender(d.Sender)}
	if len(d.SenderUser) > 0 {
		r.Sender = inbox.Resolved{User: d.SenderUser[0].Projection()}
		r.Message.SenderID = d.SenderUser[0].ID.Hex()
	}
	if len(d.Request) > 0 {
		r.Request = d.Request[0].Snapshot()
	}
	return r
}

// ClassifySender classifies a stored sender value: an ObjectID, a hex string,
// an embedded user document or anything else.
func ClassifySender(v any) inbox.SenderRef {
	switch s := v.(type) {
	case bson.ObjectID:
		return inbox.RawID{ID: s.Hex()}
	case string:
		return inbox.ParseSenderID(s)
	case bson.D:
		for _, e := range s {
			if e.Key == "_id" {
				return ClassifySender(e.Value)
			}
		}
	case bson.M:
		if id, ok := s["_id"]; ok {
			return ClassifySender(id)
		}
	}
	return inbox.Unknown{}
}

// objectIDs parses the valid ids, skipping malformed ones.
func objectIDs(ids []string) []bson.ObjectID {
	out := make([]bson.ObjectID, 0, len(ids))
	for _, id := range ids {
		if oid, err := bson.ObjectIDFromHex(id); err == nil {
			out = append(out, oid)
		}
	}
	return out
}
