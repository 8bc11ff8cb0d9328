// Package testutil holds the shared harness for tests that need a Redis server
// or a completion provider.
package testutil

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	redisclient "promptchain/internal/redis"
)

// NewRedis starts a miniredis server and connects a client to it. Both are
// closed when the test ends.
func NewRedis(t *testing.T) (*miniredis.Miniredis, *redisclient.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := redisclient.NewClient(&redisclient.Config{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return mr, client
}
