// Package chatv1 defines the leadmarket.chat.v1 wire contract: request and
// response messages, the gRPC service descriptor, and a client.
//
// Messages are plain Go structs carried by the JSON codec registered in this
// package, so clients must call with grpc.CallContentSubtype(CodecName).
package chatv1

import (
	"time"

	"github.com/PaulBabatuyi/leadmarket/internal/chat"
	"github.com/PaulBabatuyi/leadmarket/internal/inbox"
)

type RegisterRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required,min=8,max=72"`
	FirstName string `json:"firstName" validate:"required,max=100"`
	LastName  string `json:"lastName" validate:"max=100"`
	Role      string `json:"role" validate:"omitempty,oneof=client affiliate"`
}

func (r *RegisterRequest) GetEmail() string {
	if r == nil {
		return ""
	}
	return r.Email
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

func (r *LoginRequest) GetEmail() string {
	if r == nil {
		return ""
	}
	return r.Email
}

// AuthResponse is returned by Register and Login.
type AuthResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type ListInboxRequest struct {
	CustomerType []string `json:"customerType,omitempty"`
	Skip         int64    `json:"skip,omitempty" validate:"gte=0"`
}

type GetThreadRequest struct {
	UserID     string `json:"userId" validate:"required,len=24,hexadecimal"`
	MessageFor string `json:"messageFor,omitempty" validate:"omitempty,len=24,hexadecimal"`
	Skip       int64  `json:"skip,omitempty" validate:"gte=0"`
}

// Page is the listing returned by ListInbox and GetThread.
type Page = inbox.Page

// Message is a stored chat message.
type Message = inbox.Message

type SendMessageRequest struct {
	Receiver   string            `json:"receiver"`
	Text       string            `json:"text,omitempty"`
	File       *inbox.Attachment `json:"file,omitempty"`
	MessageFor string            `json:"messageFor,omitempty"`
}

type MarkReadRequest struct {
	UserID     string `json:"userId" validate:"required,len=24,hexadecimal"`
	MessageFor string `json:"messageFor,omitempty" validate:"omitempty,len=24,hexadecimal"`
}

type MarkReadResponse struct {
	Updated int64 `json:"updated"`
}

type UnreadCountRequest struct{}

type UnreadCountResponse struct {
	UnreadCount int64 `json:"unreadCount"`
}

type SubscribeRequest struct{}

// Event is a live update pushed on Subscribe.
type Event = chat.Event
