package testutil

import (
	"context"
	"net/http"
	"time"

	id "pich/pkg/domain"
	"pich/pkg/requestcontext"
)

// WithUserID adds a user ID to the request context, as the auth middleware
// does for authenticated requests.
func WithUserID(req *http.Request, userID id.UserID) *http.Request {
	return req.WithContext(requestcontext.WithUserID(req.Context(), userID))
}

// WithRequestID adds a request ID to the request context.
func WithRequestID(req *http.Request, requestID string) *http.Request {
	return req.WithContext(requestcontext.WithRequestID(req.Context(), requestID))
}

// WithBearer sets the Authorization header.
func WithBearer(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

// UserContext returns a background context carrying userID and a fixed request time.
func UserContext(userID id.UserID, now time.Time) context.Context {
	ctx := requestcontext.WithUserID(context.Background(), userID)
	return requestcontext.WithTime(ctx, now)
}
