package database

import (
	"context"
	"fmt"
	"strings"
)

// Open picks the backend by URL scheme: postgres:// and postgresql:// use Postgres,
// bolt:// is a path to a BoltDB file
func Open(ctx context.Context, url string) (Storage, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return OpenPostgres(ctx, url)
	case strings.HasPrefix(url, "bolt://"):
		return OpenBolt(strings.TrimPrefix(url, "bolt://"))
	default:
		return nil, fmt.Errorf("unsupported database URL %q, expected postgres:// or bolt://", url)
	}
}
