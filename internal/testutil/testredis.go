package testutil

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

// TestRedis returns a client pointed at a redis server listening on
// localhost:6379. The test is skipped when no such server answers.
//
// The database will be wiped before this function returns. The client will be closed when the test
// completes.
func TestRedis(t *testing.T) *redis.Client {
	t.Helper()

	c := redis.NewClient(&redis.Options{
		Addr:        "localhost:6379",
		DialTimeout: time.Second,
	})
	t.Cleanup(func() { c.Close() })
	if err := c.Ping(context.Background()).Err(); err != nil {
		t.Skipf("no local redis: %v", err)
	}
	wipeRedis(t, c)
	return c
}

func wipeRedis(t *testing.T, c *redis.Client) {
	host, _, err := net.SplitHostPort(c.Options().Addr)
	require.NoError(t, err)
	if host != "localhost" && host != "127.0.0.1" {
		t.Fatal("refusing to wipe non-local database")
	}
	require.NoError(t, c.FlushDB(context.Background()).Err())
}
