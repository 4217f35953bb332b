// Package httputil provides HTTP utilities for standardized
// request/response handling.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteForbidden(w, "invalid signature")
//	httputil.WriteServiceUnavailable(w, "queue full")
//
// # Request Parsing
//
//	var req webhookEvent
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)
package httputil
