package client

import (
	"context"
	stdErrors "errors"

	warperrors "github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/errors"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/protocol"
)

type caller func(ctx context.Context, m protocol.Method, group string) (protocol.Frame, error)

func invoke[T any](ctx context.Context, call caller, m protocol.Method, group string) (T, error) {
	f, err := call(ctx, m, group)
	if err != nil {
		var zero T
		return zero, err
	}
	return protocol.DecodeResult[T](f)
}

func ctxError(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return warperrors.ErrTimeout
	}
	return err
}
