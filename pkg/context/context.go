package pkgcontext

import (
	"context"
	"errors"
)

// WithCancelOnAnotherContext returns a child of parent that is also
// cancelled when other is done. The returned cancel func must be called
// to release resources.
func WithCancelOnAnotherContext(parent, other context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(other, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// IsContextError tells whether err is caused by ctx being done.
func IsContextError(ctx context.Context, err error) bool {
	ctxErr := ctx.Err()
	return ctxErr != nil && errors.Is(err, ctxErr)
}
