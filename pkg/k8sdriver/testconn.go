package k8sdriver

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// TestConnection dials connStr and runs a trivial round trip, used after
// deployment to confirm the Postgres instance actually accepts connections
// rather than just reporting its pod as ready.
func TestConnection(ctx context.Context, connStr string, timeout time.Duration) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := pgx.Connect(dialCtx, connStr)
	if err != nil {
		return false, fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close(dialCtx)

	if err := conn.Ping(dialCtx); err != nil {
		return false, fmt.Errorf("pinging: %w", err)
	}
	return true, nil
}
