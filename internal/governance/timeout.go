package governance

import (
	"context"
	"net/http"
	"time"
)

// DefaultRequestTimeout bounds a single API request when none is configured.
const DefaultRequestTimeout = 30 * time.Second

// WithRequestTimeout derives a request context that expires after timeout.
// A non-positive timeout leaves the request context unchanged.
func WithRequestTimeout(r *http.Request, timeout time.Duration) (*http.Request, context.CancelFunc) {
	if timeout <= 0 {
		return r, func() {}
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	return r.WithContext(ctx), cancel
}
