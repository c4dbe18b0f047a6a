package provider

import (
	"context"
	"time"
)

// WithTimeout bounds each completion call to d. A context that already
// carries a deadline keeps it; a zero d disables the middleware.
func WithTimeout(d time.Duration) Middleware {
	return func(next Client) Client {
		if d <= 0 {
			return next
		}
		return WrapClient(next, func(ctx context.Context, req Request) (Response, error) {
			if _, hasDeadline := ctx.Deadline(); !hasDeadline {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}
			return next.Complete(ctx, req)
		})
	}
}
