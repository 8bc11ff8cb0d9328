package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoin_TriggersOnceAtZero(t *testing.T) {
	_, client := setupRedis(t)
	ctx := context.Background()
	rdb := client.Redis()

	keys := JoinKeys{Confirmed: "n:confirmed", Pending: "n:pending", Stream: "items"}
	require.NoError(t, rdb.Set(ctx, keys.Pending, 2, 0).Err())
	ready := ItemReady{PipelineID: "p", ItemID: "n"}

	r, err := Join(ctx, rdb, keys, "a", ready)
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.Remaining)
	assert.False(t, r.Triggered())

	r, err = Join(ctx, rdb, keys, "a", ready)
	require.NoError(t, err)
	assert.True(t, r.Duplicate())

	r, err = Join(ctx, rdb, keys, "b", ready)
	require.NoError(t, err)
	assert.True(t, r.Triggered())

	entries, err := rdb.XRange(ctx, "items", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var got ItemReady
	require.NoError(t, Message{ID: entries[0].ID, Values: entries[0].Values}.Decode(&got))
	assert.Equal(t, ready, got)
}

func TestJoin_ConcurrentPredecessors(t *testing.T) {
	_, client := setupRedis(t)
	ctx := context.Background()
	rdb := client.Redis()

	const predecessors = 8
	keys := JoinKeys{Confirmed: "n:confirmed", Pending: "n:pending", Stream: "items"}
	require.NoError(t, rdb.Set(ctx, keys.Pending, predecessors, 0).Err())

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		triggered int
	)
	for i := 0; i < predecessors; i++ {
		for attempt := 0; attempt < 3; attempt++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				r, err := Join(ctx, rdb, keys, id, ItemReady{PipelineID: "p", ItemID: "n"})
				assert.NoError(t, err)
				if r.Triggered() {
					mu.Lock()
					triggered++
					mu.Unlock()
				}
			}(fmt.Sprintf("pred-%d", i))
		}
	}
	wg.Wait()

	assert.Equal(t, 1, triggered)
	n, err := rdb.XLen(ctx, "items").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := rdb.Get(ctx, keys.Pending).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(0), left)
}
