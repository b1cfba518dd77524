// Package correlation carries a request correlation id from the façade
// through the coordinator to remote participants and back into logs.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// MaxIDLength bounds accepted correlation ids.
const MaxIDLength = 128

// HeaderName carries the correlation id between the coordinator, its callers
// and remote participants.
const HeaderName = "X-Correlation-Id"

type contextKey struct{}

// Set returns a context carrying id. Invalid ids leave ctx unchanged.
func Set(ctx context.Context, id string) context.Context {
	id, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, id)
}

// ID returns the correlation id carried by ctx, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Has reports whether ctx carries a correlation id.
func Has(ctx context.Context) bool {
	return ID(ctx) != ""
}

// FromRequest resolves the id for an inbound request: a valid header wins,
// then an id already on the request context, then a fresh one.
func FromRequest(r *http.Request) (context.Context, string) {
	ctx := r.Context()
	id, ok := Normalize(r.Header.Get(HeaderName))
	if !ok {
		if id = ID(ctx); id == "" {
			id = Generate()
		}
	}
	return Set(ctx, id), id
}

// Inject copies the correlation id carried by ctx onto an outgoing request.
func Inject(ctx context.Context, req *http.Request) {
	if id := ID(ctx); id != "" {
		req.Header.Set(HeaderName, id)
	}
}

// Normalize trims id and accepts it when it is non-empty printable ASCII
// within MaxIDLength.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x20 || id[i] > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate returns a new time-ordered id.
func Generate() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
