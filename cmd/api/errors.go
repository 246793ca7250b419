package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/PaulBabatuyi/leadmarket/internal/chat"
	"github.com/PaulBabatuyi/leadmarket/internal/data"
	"github.com/PaulBabatuyi/leadmarket/internal/inbox"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	errForbidden          = errors.New("forbidden")
	errInvalidCredentials = errors.New("invalid credentials")
)

// classify maps a domain error to a gRPC code and a message safe to return.
func classify(err error) (codes.Code, string) {
	switch {
	case errors.Is(err, inbox.ErrInvalidID),
		errors.Is(err, inbox.ErrInvalidCustomerType),
		errors.Is(err, chat.ErrInvalidInput),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrSelfMessage):
		return codes.InvalidArgument, err.Error()
	case errors.Is(err, chat.ErrReceiverNotFound),
		errors.Is(err, data.ErrUserNotFound),
		errors.Is(err, data.ErrRequestNotFound):
		return codes.NotFound, err.Error()
	case errors.Is(err, data.ErrUserExists):
		return codes.AlreadyExists, err.Error()
	case errors.Is(err, errInvalidCredentials):
		return codes.PermissionDenied, err.Error()
	case errors.Is(err, errForbidden):
		return codes.PermissionDenied, err.Error()
	case errors.Is(err, context.Canceled):
		return codes.Canceled, "request canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded, "deadline exceeded"
	}
	return codes.Internal, "internal error"
}

// grpcError converts err to a status error, logging anything unexpected.
func grpcError(log *zap.Logger, op string, err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	code, msg := classify(err)
	if code == codes.Internal {
		log.Error(op+" failed", zap.Error(err))
	}
	return status.Error(code, msg)
}

var httpStatus = map[codes.Code]int{
	codes.InvalidArgument:  http.StatusBadRequest,
	codes.NotFound:         http.StatusNotFound,
	codes.AlreadyExists:    http.StatusConflict,
	codes.PermissionDenied: http.StatusForbidden,
	codes.Unauthenticated:  http.StatusUnauthorized,
	codes.Canceled:         499,
	codes.DeadlineExceeded: http.StatusGatewayTimeout,
	codes.Internal:         http.StatusInternalServerError,
}

// writeErr writes err as a JSON error response.
func writeErr(w http.ResponseWriter, log *zap.Logger, op string, err error) {
	code, msg := classify(err)
	if code == codes.Internal {
		log.Error(op+" failed", zap.Error(err))
	}
	writeError(w, httpStatus[code], msg)
}
