// Package httputil provides helpers for JSON request and response handling.
//
// Responses:
//
//	httputil.WriteSuccess(w, quote)
//	httputil.WriteErrorResponse(w, http.StatusUnprocessableEntity, httputil.ErrorResponse{
//		Error:   "no pricing tier",
//		Message: "Please contact sales for custom pricing",
//	})
//
// Requests:
//
//	var req ChargeRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return
//	}
//	id, ok := httputil.ParsePathStringOrError(w, r, "id")
//
// Middleware:
//
//	router.Use(httputil.RequestIDMiddleware, httputil.RecoveryMiddleware(logger), httputil.LoggingMiddleware(logger))
package httputil
