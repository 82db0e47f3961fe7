package client

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrNotConnected   = errors.New("not connected to server")
	ErrInvalidOptions = errors.New("invalid client options")
	ErrTimeout        = errors.New("request timed out")
	// ErrUnavailable covers an unreachable server and one that is shutting down
	ErrUnavailable    = errors.New("server unavailable")
	ErrKeyNotFound    = errors.New("key not found")
	ErrStoreNotFound  = errors.New("store not found")
	ErrStoreExists    = errors.New("store already exists")
	ErrInvalidRequest = errors.New("invalid request")
)

// IsRetryableError reports whether err is transient
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// fromStatus maps gRPC status codes back to client errors
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	var sentinel error
	switch st.Code() {
	case codes.NotFound:
		sentinel = ErrStoreNotFound
	case codes.AlreadyExists:
		sentinel = ErrStoreExists
	case codes.InvalidArgument, codes.ResourceExhausted:
		sentinel = ErrInvalidRequest
	case codes.DeadlineExceeded:
		sentinel = ErrTimeout
	case codes.Unavailable:
		sentinel = ErrUnavailable
	default:
		return err
	}
	return fmt.Errorf("%w: %s", sentinel, st.Message())
}
