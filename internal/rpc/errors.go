package rpc

import (
	"context"
	"errors"
	"strconv"

	"connectrpc.com/connect"
	"go.uber.org/zap"

	"github.com/kkkkikiki/activation/internal/service"
	"github.com/kkkkikiki/activation/internal/token"
)

// toConnectError maps domain errors to connect codes. Internal failures are
// logged with their cause and reach the caller as a generic retryable error.
func toConnectError(err error, procedure string, logger *zap.Logger) error {
	var rejection *service.RejectionError
	switch {
	case errors.As(err, &rejection):
		return rejectionError(rejection)
	case errors.Is(err, token.ErrInvalidToken):
		return connect.NewError(connect.CodePermissionDenied, errors.New("invalid token"))
	case errors.Is(err, service.ErrNotFound):
		return connect.NewError(connect.CodeNotFound, errors.New("not found"))
	case errors.Is(err, service.ErrInvalidRequest):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	}

	logger.Error("request failed", zap.String("procedure", procedure), zap.Error(err))
	return connect.NewError(connect.CodeUnavailable, errors.New("temporarily unavailable, retry"))
}

func rejectionError(r *service.RejectionError) error {
	switch r.Reason {
	case service.ReasonRateLimited:
		cerr := connect.NewError(connect.CodeResourceExhausted, errors.New("rate limited"))
		cerr.Meta().Set("Retry-After", strconv.Itoa(int(r.RetryAfter.Seconds())))
		return cerr
	case service.ReasonConcurrentAttempt:
		return connect.NewError(connect.CodeAborted, errors.New("concurrent attempt in progress, retry"))
	default:
		cerr := connect.NewError(connect.CodeFailedPrecondition, errors.New(string(r.Reason)))
		cerr.Meta().Set("Reason", string(r.Reason))
		return cerr
	}
}
