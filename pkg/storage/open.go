package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Open returns the store named by driver: "sqlite" (default) or "memory".
func Open(ctx context.Context, driver, path string, logger *slog.Logger) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		if path == "" {
			return nil, fmt.Errorf("storage path is required for the sqlite driver")
		}
		return OpenSQLite(ctx, path, WithSQLiteLogger(logger))
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
