// Package middleware wraps bus handlers with cross-cutting behaviour:
// panic recovery, logging and tracing.
//
//	handler = middleware.Chain(handler,
//	    middleware.Recovery(logger),
//	    middleware.Logging(logger),
//	    middleware.Tracing(tracer),
//	)
package middleware

import "github.com/plaenen/evstore/pkg/messaging"

// Middleware decorates a handler.
type Middleware func(next messaging.Handler) messaging.Handler

// Chain applies mws to h. The first middleware is the outermost.
func Chain(h messaging.Handler, mws ...Middleware) messaging.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
