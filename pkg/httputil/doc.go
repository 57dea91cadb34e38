// Package httputil provides HTTP helpers shared by the API handlers.
//
// # Responses
//
// Every error is rendered as {"error": "..."}:
//
//	httputil.WriteJSON(w, http.StatusOK, balance)
//	httputil.WriteBadRequest(w, "unknown price id")
//	httputil.WriteServiceUnavailable(w, "billing is not configured")
//
// # Requests
//
// ParseJSON tolerates an empty body and rejects unknown fields. ReadBody
// returns the raw bytes, which webhook signature checks need.
//
// # Middleware
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.RequestLoggerMiddleware(logger),
//		httputil.RecoveryMiddleware,
//	)(router)
package httputil
