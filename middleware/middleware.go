// Package middleware provides Handler middleware for Serve loops.
package middleware

import "github.com/qvcloud/msgbus"

// Chain applies the given middleware to h. The first middleware becomes
// the outermost wrapper.
func Chain(h msgbus.Handler, mw ...msgbus.Middleware) msgbus.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
