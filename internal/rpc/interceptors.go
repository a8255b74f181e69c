package rpc

import (
	"context"
	"errors"
	"time"

	"connectrpc.com/connect"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// NewLoggingInterceptor logs one line per unary call
func NewLoggingInterceptor(logger *zap.Logger) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			res, err := next(ctx, req)

			fields := []zap.Field{
				zap.String("procedure", req.Spec().Procedure),
				zap.String("peer", req.Peer().Addr),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				fields = append(fields, zap.String("code", connect.CodeOf(err).String()))
				logger.Info("rpc finished with error", fields...)
				return res, err
			}
			logger.Debug("rpc finished", fields...)
			return res, nil
		}
	}
}

// NewAdmissionInterceptor sheds load once the process-wide rate is exceeded.
// A nil limiter admits everything.
func NewAdmissionInterceptor(limiter *rate.Limiter) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			if limiter != nil && !limiter.Allow() {
				return nil, connect.NewError(connect.CodeResourceExhausted, errors.New("server busy"))
			}
			return next(ctx, req)
		}
	}
}

// NewLimiter returns a limiter for maxRPS, or nil when maxRPS is not positive
func NewLimiter(maxRPS int) *rate.Limiter {
	if maxRPS <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(maxRPS), maxRPS)
}
