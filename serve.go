package msgbus

import "context"

// Serve drives the connector's receive loop until ctx is cancelled or
// receiving fails, invoking h for every request. Handler errors do not
// stop the loop: they go to Options.ErrorHandler when one is set and
// are otherwise logged at debug level.
func Serve(ctx context.Context, c Connector, h Handler) error {
	opts := c.Options()

	for {
		req, err := c.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		if err := h(ctx, req); err != nil {
			if opts.ErrorHandler != nil {
				opts.ErrorHandler(ctx, req, err)
			} else if opts.Logger != nil {
				opts.Logger.Debugf("msgbus: handler failed on %s: %v", req.Topic, err)
			}
		}
	}
}
