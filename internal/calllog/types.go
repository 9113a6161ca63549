// Package calllog persists finalized call metrics.
package calllog

import (
	"context"

	"github.com/ent0n29/voicerelay/internal/session"
)

// Logger receives one finalized CallMetrics record per call.
type Logger interface {
	LogCall(ctx context.Context, m session.CallMetrics) error
	Recent(ctx context.Context, limit int) ([]session.CallMetrics, error)
	Close() error
}
