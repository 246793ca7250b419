// Package chat implements the messaging use cases on top of the stores and
// the inbox core: sending, read receipts, listings and live delivery.
package chat

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/PaulBabatuyi/leadmarket/internal/data"
	"github.com/PaulBabatuyi/leadmarket/internal/inbox"
	"github.com/PaulBabatuyi/leadmarket/internal/jobs"
	"github.com/PaulBabatuyi/leadmarket/internal/normalize"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var (
	ErrReceiverNotFound = errors.New("receiver not found")
	ErrSelfMessage      = errors.New("cannot message yourself")
	ErrEmptyMessage     = errors.New("message has no text or file")
	ErrInvalidInput     = errors.New("invalid message")
)

// previewLen bounds the message text copied into notifications.
const previewLen = 120

// EventType names a live event.
type EventType string

const (
	EventMessageNew  EventType = "message.new"
	EventMessageRead EventType = "message.read"
)

// Event is pushed to a user's live connections.
type Event struct {
	Type       EventType      `json:"type"`
	Message    *inbox.Message `json:"message,omitempty"`
	Reader     string         `json:"reader,omitempty"`
	MessageFor string         `json:"messageFor,omitempty"`
	ReadAt     *time.Time     `json:"readAt,omitempty"`
	Updated    int64          `json:"updated,omitempty"`
}

// Deliverer pushes events to connected clients.
type Deliverer interface {
	// Deliver sends ev to every live connection of userID.
	Deliver(userID string, ev *Event) error
	// Online reports whether userID has at least one live connection.
	Online(userID string) bool
}

// Users is the user store the service needs.
type Users interface {
	GetUserByID(ctx context.Context, id string) (*data.User, error)
}

// Messages is the message store the service writes to.
type Messages interface {
	SaveMessage(ctx context.Context, in data.NewMessage) (*inbox.Message, error)
	MarkThreadRead(ctx context.Context, reader, sender, messageFor string, at time.Time) (int64, error)
}

// Requests is the request store used to check messageFor.
type Requests interface {
	GetRequest(ctx context.Context, id string) (*data.Request, error)
}

// Actor is the authenticated caller.
type Actor struct {
	ID    string
	Email string
}

// SendInput is a new message.
type SendInput struct {
	Receiver   string            `json:"receiver" validate:"required,len=24,hexadecimal"`
	Text       string            `json:"text" validate:"max=5000"`
	File       *inbox.Attachment `json:"file,omitempty"`
	MessageFor string            `json:"messageFor,omitempty" validate:"omitempty,len=24,hexadecimal"`
}

// Deps wires a Service.
type Deps struct {
	Users     Users
	Messages  Messages
	Requests  Requests
	Queue     jobs.Store
	Inbox     *inbox.Aggregator
	Deliverer Deliverer
	Log       *zap.Logger
}

// Service is the chat application service.
type Service struct {
	users    Users
	msgs     Messages
	requests Requests
	queue    jobs.Store
	inbox    *inbox.Aggregator
	hub      Deliverer
	validate *validator.Validate
	now      func() time.Time
	log      *zap.Logger
}

// NewService returns a Service. A nil Deliverer treats every user as offline.
func NewService(d Deps) *Service {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		users:    d.Users,
		msgs:     d.Messages,
		requests: d.Requests,
		queue:    d.Queue,
		inbox:    d.Inbox,
		hub:      d.Deliverer,
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
		log:      log.Named("chat"),
	}
}

// Send stores a message from sender and delivers it live, or queues push and
// mail notifications when the receiver is offline.
func (s *Service) Send(ctx context.Context, sender Actor, in SendInput) (*inbox.Message, error) {
	in.Receiver = normalize.ID(in.Receiver)
	in.MessageFor = normalize.ID(in.MessageFor)
	in.Text = strings.TrimSpace(in.Text)
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if in.Text == "" && (in.File == nil || in.File.URL == "") {
		return nil, ErrEmptyMessage
	}
	if in.Receiver == sender.ID {
		return nil, ErrSelfMessage
	}

	receiver, err := s.users.GetUserByID(ctx, in.Receiver)
	if err != nil {
		if errors.Is(err, data.ErrUserNotFound) {
			return nil, ErrReceiverNotFound
		}
		return nil, err
	}
	if in.MessageFor != "" {
		if _, err := s.requests.GetRequest(ctx, in.MessageFor); err != nil {
			return nil, err
		}
	}

	msg, err := s.msgs.SaveMessage(ctx, data.NewMessage{
		Sender:     sender.ID,
		Receiver:   in.Receiver,
		Text:       html.EscapeString(in.Text),
		File:       in.File,
		MessageFor: in.MessageFor,
		CreatedBy:  sender.Email,
	})
	if err != nil {
		return nil, err
	}

	if s.online(in.Receiver) {
		err := s.hub.Deliver(in.Receiver, &Event{Type: EventMessageNew, Message: msg})
		if err == nil {
			return msg, nil
		}
		s.log.Debug("live delivery failed", zap.String("receiver", in.Receiver), zap.Error(err))
	}
	s.notifyOffline(ctx, sender, receiver, msg)
	return msg, nil
}

func (s *Service) online(userID string) bool {
	return s.hub != nil && s.hub.Online(userID)
}

// notifyOffline queues the push and mail jobs for a message. The message is
// already stored, so queue failures are only logged.
func (s *Service) notifyOffline(ctx context.Context, sender Actor, receiver *data.User, msg *inbox.Message) {
	if s.queue == nil {
		return
	}
	title := "New message from " + sender.Email
	body := preview(msg.Text)
	if body == "" && msg.File != nil {
		body = "Sent you a file"
	}
	payload := map[string]string{"messageId": msg.ID, "sender": sender.ID}
	if msg.MessageFor != "" {
		payload["messageFor"] = msg.MessageFor
	}
	queued := []*jobs.Job{
		{Kind: jobs.KindSendPush, UserID: receiver.ID.Hex(), Title: title, Body: body, Data: payload},
		{Kind: jobs.KindSendMail, UserID: receiver.ID.Hex(), Email: receiver.Email, Title: title, Body: body, Data: payload},
	}
	for _, job := range queued {
		if err := s.queue.Enqueue(ctx, job); err != nil {
			s.log.Warn("enqueue notification failed",
				zap.String("kind", string(job.Kind)),
				zap.String("message_id", msg.ID),
				zap.Error(err))
		}
	}
}

func preview(text string) string {
	text = html.UnescapeString(text)
	r := []rune(text)
	if len(r) <= previewLen {
		return text
	}
	return string(r[:previewLen]) + "…"
}

// MarkRead marks everything other sent to reader as read and tells other,
// returning how many messages changed. Repeating it is a no-op.
func (s *Service) MarkRead(ctx context.Context, reader, other, messageFor string) (int64, error) {
	at := s.now()
	n, err := s.msgs.MarkThreadRead(ctx, reader, other, messageFor, at)
	if err != nil {
		return 0, err
	}
	if n > 0 && s.online(other) {
		ev := &Event{Type: EventMessageRead, Reader: reader, MessageFor: messageFor, ReadAt: &at, Updated: n}
		if err := s.hub.Deliver(other, ev); err != nil {
			s.log.Debug("read receipt not delivered", zap.String("user", other), zap.Error(err))
		}
	}
	return n, nil
}

// Inbox lists the caller's conversations.
func (s *Service) Inbox(ctx context.Context, receiver string, customerTypes []string, skip int64) (*inbox.Page, error) {
	return s.inbox.Inbox(ctx, receiver, customerTypes, skip)
}

// Thread lists the caller's conversation with other.
func (s *Service) Thread(ctx context.Context, viewer, other, messageFor string, skip int64) (*inbox.Page, error) {
	return s.inbox.Thread(ctx, viewer, other, messageFor, skip)
}

// UnreadCount returns how many senders have unread messages for receiver.
func (s *Service) UnreadCount(ctx context.Context, receiver string) (int64, error) {
	return s.inbox.UnreadCount(ctx, receiver)
}
