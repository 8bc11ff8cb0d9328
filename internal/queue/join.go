package queue

import (
	"context"

	"github.com/go-redis/redis/v8"

	"promptchain/internal/common/errors"
)

// joinScript records that one predecessor of a node finished. The confirmed
// set makes the step idempotent per predecessor: a repeated call returns -1
// and changes nothing. The node's ready message is published by the call that
// takes the counter to exactly zero.
//
// KEYS[1] confirmed set, KEYS[2] pending counter, KEYS[3] items stream
// ARGV[1] predecessor id, ARGV[2] ready payload
var joinScript = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 0 then
	return -1
end
local left = redis.call('DECR', KEYS[2])
if left == 0 then
	redis.call('XADD', KEYS[3], '*', 'payload', ARGV[2])
end
return left
`)

// JoinKeys locates the join state of one node.
type JoinKeys struct {
	Confirmed string
	Pending   string
	Stream    string
}

// JoinResult reports the outcome of one join step.
type JoinResult struct {
	// Remaining is the counter after the step, or -1 if the predecessor had
	// already been counted.
	Remaining int64
}

// Triggered reports whether this step made the node ready.
func (r JoinResult) Triggered() bool { return r.Remaining == 0 }

// Duplicate reports whether the predecessor had already been counted.
func (r JoinResult) Duplicate() bool { return r.Remaining < 0 }

// Join atomically counts predecessorID as finished for the node described by
// keys, publishing ready to keys.Stream when it was the last one outstanding.
func Join(ctx context.Context, rdb redis.Scripter, keys JoinKeys, predecessorID string, ready ItemReady) (JoinResult, error) {
	payload, err := encodePayload(ready)
	if err != nil {
		return JoinResult{}, err
	}

	left, err := joinScript.Run(ctx, rdb,
		[]string{keys.Confirmed, keys.Pending, keys.Stream},
		predecessorID, payload,
	).Int64()
	if err != nil {
		return JoinResult{}, errors.ConnectionError("join step failed", err)
	}
	return JoinResult{Remaining: left}, nil
}
