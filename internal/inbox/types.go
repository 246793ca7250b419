// Package inbox builds a user's chat inbox: one entry per conversation partner,
// with the partner's identity recovered even when the stored message does not
// reference it cleanly.
package inbox

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/PaulBabatuyi/leadmarket/internal/normalize"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// MessageForRequest is the only model a message is currently attached to.
const MessageForRequest = "request"

var (
	// ErrInvalidCustomerType is returned for a customerType filter value other than active/potential.
	ErrInvalidCustomerType = errors.New("invalid customer type")
	// ErrInvalidID is returned when a caller-supplied identifier is not an ObjectID hex string.
	ErrInvalidID = errors.New("invalid identifier")
)

// UserProjection is the minimal user view chat reads from the users collection.
type UserProjection struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Avatar    string `json:"avatar,omitempty"`
	Email     string `json:"email,omitempty"`
	Role      string `json:"role,omitempty"`
}

// SenderRef is the stored sender of a message, classified.
// It is one of Resolved, RawID or Unknown.
type SenderRef interface {
	senderRef()
}

// Resolved is a sender the store already joined to a user.
type Resolved struct{ User UserProjection }

// RawID is an identifier-shaped sender that has not been joined yet.
type RawID struct{ ID string }

// Unknown is an absent or malformed sender.
type Unknown struct{}

func (Resolved) senderRef() {}
func (RawID) senderRef()    {}
func (Unknown) senderRef()  {}

// ParseSenderID classifies a bare string sender. Malformed identifiers are Unknown.
func ParseSenderID(s string) SenderRef {
	s = normalize.ID(s)
	if !IsObjectIDHex(s) {
		return Unknown{}
	}
	return RawID{ID: s}
}

// IsObjectIDHex reports whether s is a 24 character hex ObjectID.
func IsObjectIDHex(s string) bool {
	_, err := bson.ObjectIDFromHex(s)
	return err == nil
}

// Sender is attached to every entry after resolution: either a real user
// projection or a synthetic placeholder with a nil ID.
type Sender struct {
	ID        *string `json:"id"`
	FirstName string  `json:"firstName"`
	LastName  string  `json:"lastName"`
	Avatar    string  `json:"avatar,omitempty"`
	Email     string  `json:"email,omitempty"`
	Role      string  `json:"role,omitempty"`
	Synthetic bool    `json:"synthetic,omitempty"`
}

// SenderFromProjection builds a resolved sender.
func SenderFromProjection(u UserProjection) Sender {
	id := u.ID
	return Sender{
		ID:        &id,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Avatar:    u.Avatar,
		Email:     u.Email,
		Role:      u.Role,
	}
}

// Placeholder builds the synthetic sender used when nothing resolves.
func Placeholder(email string) Sender {
	return Sender{FirstName: "Unknown", LastName: "User", Email: email, Synthetic: true}
}

// UserID returns the resolved user id, or "" for placeholders.
func (s Sender) UserID() string {
	if s.ID == nil {
		return ""
	}
	return *s.ID
}

// Attachment is an optional file sent with a message.
type Attachment struct {
	URL      string `json:"url" bson:"url"`
	MimeType string `json:"mimeType" bson:"mimeType"`
}

// Message is one chat message as returned to callers. SenderID carries the
// stored sender id when it was identifier-shaped.
type Message struct {
	ID              string      `json:"_id"`
	Seq             string      `json:"id"`
	SenderID        string      `json:"sender,omitempty"`
	Receiver        string      `json:"receiver"`
	Text            string      `json:"text"`
	File            *Attachment `json:"file,omitempty"`
	MessageFor      string      `json:"messageFor,omitempty"`
	MessageForModel string      `json:"messageForModel,omitempty"`
	Read            *time.Time  `json:"read"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
	CreatedBy       string      `json:"createdBy,omitempty"`
}

// RequestSnapshot is the part of a request a conversation needs.
type RequestSnapshot struct {
	ID             string `json:"_id"`
	Title          string `json:"title,omitempty"`
	RequesterOwner string `json:"requesterOwner,omitempty"`
	HiredAffiliate string `json:"hiredAffiliate,omitempty"`
	CreatedBy      string `json:"createdBy,omitempty"`
}

// Row is a message with everything sender resolution may use.
type Row struct {
	Message Message
	Sender  SenderRef
	Request *RequestSnapshot
}

// Entry is a resolved row. Its sender and request replace the bare ids of
// the embedded message when encoded.
type Entry struct {
	Message
	Sender  Sender           `json:"sender"`
	Request *RequestSnapshot `json:"messageFor,omitempty"`
}

// Page is the caller-facing listing shape shared by inbox and thread views.
type Page struct {
	Result      []Entry `json:"result"`
	Count       int64   `json:"count"`
	UnreadCount *int64  `json:"unreadCount,omitempty"`
	Skip        int64   `json:"skip"`
}

// CustomerType filters inbox entries by the state of the linked request.
type CustomerType string

const (
	AnyCustomer       CustomerType = ""
	ActiveCustomer    CustomerType = "active"
	PotentialCustomer CustomerType = "potential"
)

// ParseCustomerTypes turns raw filter values (repeated or comma separated)
// into a single filter. No value, or both values, means no filter.
func ParseCustomerTypes(values []string) (CustomerType, error) {
	seen := map[CustomerType]bool{}
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			switch CustomerType(part) {
			case "":
			case ActiveCustomer, PotentialCustomer:
				seen[CustomerType(part)] = true
			default:
				return AnyCustomer, ErrInvalidCustomerType
			}
		}
	}
	if len(seen) != 1 {
		return AnyCustomer, nil
	}
	for ct := range seen {
		return ct, nil
	}
	return AnyCustomer, nil
}

// Matches reports whether a message linked to req passes the filter.
// A message without a linked request counts as potential.
func (c CustomerType) Matches(req *RequestSnapshot) bool {
	hired := req != nil && req.HiredAffiliate != ""
	switch c {
	case ActiveCustomer:
		return hired
	case PotentialCustomer:
		return !hired
	default:
		return true
	}
}

// Filter selects the messages an inbox is built from.
type Filter struct {
	Receiver     string
	CustomerType CustomerType
	// Unread keeps only messages not read yet.
	Unread bool
}

// Query is a paginated inbox query.
type Query struct {
	Filter
	Skip  int64
	Limit int64
}

// ThreadQuery selects the conversation between Viewer and Other, optionally
// restricted to one request.
type ThreadQuery struct {
	Viewer     string
	Other      string
	MessageFor string
	Skip       int64
	Limit      int64
}

// Source is the message store the inbox reads from.
type Source interface {
	// LatestBySender returns the newest message per stored sender key, newest
	// first. A zero Limit returns every group.
	LatestBySender(ctx context.Context, q Query) ([]Row, error)
	// Thread returns a page of the conversation, newest first.
	Thread(ctx context.Context, q ThreadQuery) ([]Row, error)
	// CountThread counts messages in the conversation.
	CountThread(ctx context.Context, q ThreadQuery) (int64, error)
}
