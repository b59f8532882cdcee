package middleware

import (
	"context"
	"fmt"
	"runtime"

	"github.com/qvcloud/msgbus"
)

// Recovery returns middleware that converts handler panics into errors
// so a panicking handler cannot take down the Serve loop. The stack is
// logged when a logger is given.
func Recovery(l msgbus.Logger) msgbus.Middleware {
	return func(next msgbus.Handler) msgbus.Handler {
		return func(ctx context.Context, req *msgbus.Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					if l != nil {
						buf := make([]byte, 4096)
						n := runtime.Stack(buf, false)
						l.Warnf("msgbus: panic handling %s: %v\n%s", req.Topic, r, buf[:n])
					}
					err = fmt.Errorf("msgbus: panic recovered: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}
