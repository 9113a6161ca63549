package calllog

import (
	"context"
	"strings"
)

// New creates a postgres-backed logger when configured, otherwise in-memory.
func New(ctx context.Context, databaseURL string) (Logger, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemory(500), nil
	}
	return NewPostgres(ctx, databaseURL)
}

// Mode names the backing store for health output.
func Mode(l Logger) string {
	switch l.(type) {
	case *Postgres:
		return "postgres"
	case *InMemory:
		return "in-memory"
	default:
		return "custom"
	}
}
