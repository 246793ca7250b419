package main

import (
	"context"
	"errors"
	"sync"

	v1 "github.com/PaulBabatuyi/leadmarket/api/chat/v1"
	"github.com/PaulBabatuyi/leadmarket/internal/auth"
	"github.com/PaulBabatuyi/leadmarket/internal/chat"
	"github.com/PaulBabatuyi/leadmarket/internal/data"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Register hashes the password, stores the user and returns a token.
func (s *Server) Register(ctx context.Context, req *v1.RegisterRequest) (*v1.AuthResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	resp, err := s.register(ctx, req)
	if err != nil {
		return nil, grpcError(s.log, "register", err)
	}
	return resp, nil
}

func (s *Server) register(ctx context.Context, req *v1.RegisterRequest) (*v1.AuthResponse, error) {
	hashed, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}
	role := data.Role(req.Role)
	if role == "" {
		role = data.RoleClient
	}
	user, err := s.users.CreateUser(ctx, &data.User{
		Email:     req.Email,
		Password:  hashed,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Role:      role,
	})
	if err != nil {
		return nil, err
	}
	return s.issue(user)
}

// Login authenticates a user and returns a token.
func (s *Server) Login(ctx context.Context, req *v1.LoginRequest) (*v1.AuthResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	resp, err := s.login(ctx, req)
	if err != nil {
		return nil, grpcError(s.log, "login", err)
	}
	return resp, nil
}

func (s *Server) login(ctx context.Context, req *v1.LoginRequest) (*v1.AuthResponse, error) {
	user, err := s.users.GetUserByEmail(ctx, req.Email)
	if errors.Is(err, data.ErrUserNotFound) {
		return nil, errInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := auth.CheckPassword(user.Password, req.Password); err != nil {
		return nil, errInvalidCredentials
	}
	return s.issue(user)
}

func (s *Server) issue(user *data.User) (*v1.AuthResponse, error) {
	token, expiresAt, err := s.auth.GenerateToken(user.ID, user.Email, string(user.Role))
	if err != nil {
		return nil, err
	}
	return &v1.AuthResponse{Token: token, UserID: user.ID.Hex(), ExpiresAt: expiresAt}, nil
}

// ListInbox returns one page of the caller's inbox.
func (s *Server) ListInbox(ctx context.Context, req *v1.ListInboxRequest) (*v1.Page, error) {
	claims, ok := getClaimsFromContext(ctx)
	if !ok {
		return nil, status.Errorf(codes.Unauthenticated, "missing auth claims")
	}
	page, err := s.chat.Inbox(ctx, claims.UserID, req.CustomerType, req.Skip)
	if err != nil {
		return nil, grpcError(s.log, "list inbox", err)
	}
	return page, nil
}

// GetThread returns one page of the conversation with req.UserID.
func (s *Server) GetThread(ctx context.Context, req *v1.GetThreadRequest) (*v1.Page, error) {
	claims, ok := getClaimsFromContext(ctx)
	if !ok {
		return nil, status.Errorf(codes.Unauthenticated, "missing auth claims")
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	page, err := s.chat.Thread(ctx, claims.UserID, req.UserID, req.MessageFor, req.Skip)
	if err != nil {
		return nil, grpcError(s.log, "get thread", err)
	}
	return page, nil
}

// SendMessage stores a message and delivers it to the receiver.
func (s *Server) SendMessage(ctx context.Context, req *v1.SendMessageRequest) (*v1.Message, error) {
	claims, ok := getClaimsFromContext(ctx)
	if !ok {
		return nil, status.Errorf(codes.Unauthenticated, "missing auth claims")
	}
	msg, err := s.chat.Send(ctx, chat.Actor{ID: claims.UserID, Email: claims.Email}, chat.SendInput{
		Receiver:   req.Receiver,
		Text:       req.Text,
		File:       req.File,
		MessageFor: req.MessageFor,
	})
	if err != nil {
		return nil, grpcError(s.log, "send message", err)
	}
	return msg, nil
}

// MarkRead marks the conversation with req.UserID as read.
func (s *Server) MarkRead(ctx context.Context, req *v1.MarkReadRequest) (*v1.MarkReadResponse, error) {
	claims, ok := getClaimsFromContext(ctx)
	if !ok {
		return nil, status.Errorf(codes.Unauthenticated, "missing auth claims")
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	n, err := s.chat.MarkRead(ctx, claims.UserID, req.UserID, req.MessageFor)
	if err != nil {
		return nil, grpcError(s.log, "mark read", err)
	}
	return &v1.MarkReadResponse{Updated: n}, nil
}

// UnreadCount returns how many senders have unread messages for the caller.
func (s *Server) UnreadCount(ctx context.Context, _ *v1.UnreadCountRequest) (*v1.UnreadCountResponse, error) {
	claims, ok := getClaimsFromContext(ctx)
	if !ok {
		return nil, status.Errorf(codes.Unauthenticated, "missing auth claims")
	}
	n, err := s.chat.UnreadCount(ctx, claims.UserID)
	if err != nil {
		return nil, grpcError(s.log, "unread count", err)
	}
	return &v1.UnreadCountResponse{UnreadCount: n}, nil
}

// Subscribe registers the stream in the hub and holds it open until the
// client goes away.
func (s *Server) Subscribe(_ *v1.SubscribeRequest, stream v1.ChatService_SubscribeServer) error {
	claims, ok := getClaimsFromContext(stream.Context())
	if !ok {
		return status.Errorf(codes.Unauthenticated, "missing auth claims")
	}
	id := s.hub.Register(claims.UserID, &lockedStream{stream: stream})
	defer s.hub.Unregister(claims.UserID, id)
	s.log.Debug("subscriber connected", zap.String("user", claims.UserID), zap.Int64("conn", id))

	<-stream.Context().Done()
	if err := stream.Context().Err(); err != nil && !errors.Is(err, context.Canceled) {
		return status.FromContextError(err).Err()
	}
	return nil
}

// lockedStream serializes sends; the hub may deliver from several goroutines.
type lockedStream struct {
	mu     sync.Mutex
	stream v1.ChatService_SubscribeServer
}

func (l *lockedStream) Send(ev *chat.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stream.Send(ev)
}
