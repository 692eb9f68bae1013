package api

import (
	"context"

	"github.com/org/msgarchive/internal/audit"
	"github.com/rs/zerolog/log"
)

// withRequestID records id for audit entries and attaches a request-scoped
// logger carrying it.
func withRequestID(ctx context.Context, id string) context.Context {
	ctx = audit.WithRequestID(ctx, id)
	return log.With().Str("request_id", id).Logger().WithContext(ctx)
}
