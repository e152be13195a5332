package worklog

import (
	"context"
	"strings"
)

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

// Kind names the backing store for logs and metrics.
func Kind(s Store) string {
	switch s.(type) {
	case *PostgresStore:
		return "postgres"
	case *InMemoryStore:
		return "memory"
	default:
		return "custom"
	}
}
