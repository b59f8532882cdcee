package middleware

import (
	"context"
	"time"

	"github.com/qvcloud/msgbus"
)

// Logging returns middleware that logs every handled request with its
// processing duration. A nil logger disables it.
func Logging(l msgbus.Logger) msgbus.Middleware {
	return func(next msgbus.Handler) msgbus.Handler {
		return func(ctx context.Context, req *msgbus.Request) error {
			if l == nil {
				return next(ctx, req)
			}

			start := time.Now()
			err := next(ctx, req)
			if err != nil {
				l.Warnf("msgbus: handled %s id=%s elapsed=%s err=%v", req.Topic, req.ID, time.Since(start), err)
				return err
			}
			l.Debugf("msgbus: handled %s id=%s elapsed=%s", req.Topic, req.ID, time.Since(start))
			return nil
		}
	}
}
