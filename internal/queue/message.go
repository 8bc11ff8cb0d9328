// Package queue carries pipeline work over Redis streams: the message
// envelopes written to the items and requests streams, per-node event
// records, the consumer-group pull loop that reads them back, and the atomic
// join step that decides when a node becomes ready.
package queue

import (
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"promptchain/internal/common/errors"
)

// Stream entry field names.
const (
	PayloadField = "payload"
	EventField   = "event"
	ContentField = "content"
)

// Message is one stream entry delivered to a consumer.
type Message struct {
	ID     string
	Values map[string]interface{}
}

// Field returns a field of the entry as a string.
func (m Message) Field(name string) string {
	v, ok := m.Values[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Decode unmarshals the JSON payload field into v.
func (m Message) Decode(v interface{}) error {
	payload := m.Field(PayloadField)
	if payload == "" {
		return errors.ValidationError(fmt.Sprintf("message %s has no payload", m.ID), nil)
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return errors.ValidationError(fmt.Sprintf("message %s has a malformed payload", m.ID), err)
	}
	return nil
}

// ItemReady says a node's predecessors are all finished.
type ItemReady struct {
	PipelineID string `json:"pipelineId"`
	ItemID     string `json:"itemId"`
}

// RequestReady says a node's request should be executed. Request holds the
// node's serialised request configuration.
type RequestReady struct {
	PipelineID string          `json:"pipelineId"`
	ItemID     string          `json:"itemId"`
	Request    json.RawMessage `json:"request"`
}

// Envelope builds the XADD arguments that publish v as a JSON payload.
func Envelope(stream string, v interface{}) (*redis.XAddArgs, error) {
	payload, err := encodePayload(v)
	if err != nil {
		return nil, err
	}
	return &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: map[string]interface{}{PayloadField: payload},
	}, nil
}

func encodePayload(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", errors.InternalError("failed to encode message payload", err)
	}
	return string(data), nil
}

// EventKind tags an entry of a node's own event stream.
type EventKind string

const (
	EventBegin   EventKind = "begin"
	EventContent EventKind = "content"
	EventEnd     EventKind = "end"
)

// Event is one record of a node's event stream.
type Event struct {
	ID      string    `json:"id"`
	Kind    EventKind `json:"event"`
	Content string    `json:"content"`
}

// EventArgs builds the XADD arguments for a node event.
func EventArgs(stream string, kind EventKind, content string) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: map[string]interface{}{
			ContentField: content,
			EventField:   string(kind),
		},
	}
}

// ParseEvent reads a node event back from a stream entry.
func ParseEvent(m Message) (Event, error) {
	kind := EventKind(m.Field(EventField))
	switch kind {
	case EventBegin, EventContent, EventEnd:
	default:
		return Event{}, errors.ValidationError(fmt.Sprintf("entry %s has unknown event %q", m.ID, kind), nil)
	}
	return Event{ID: m.ID, Kind: kind, Content: m.Field(ContentField)}, nil
}

func fromXMessages(in []redis.XMessage) []Message {
	out := make([]Message, 0, len(in))
	for _, m := range in {
		out = append(out, Message{ID: m.ID, Values: m.Values})
	}
	return out
}
