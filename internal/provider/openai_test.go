package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptchain/internal/common/errors"
	"promptchain/internal/common/logging"
)

type capturedRequest struct {
	Model      string                   `json:"model"`
	Messages   []map[string]interface{} `json:"messages"`
	Stream     bool                     `json:"stream"`
	Tools      []map[string]interface{} `json:"tools"`
	ToolChoice map[string]interface{}   `json:"tool_choice"`
}

func newTestServer(t *testing.T, handler func(w http.ResponseWriter, req capturedRequest)) *OpenAI {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		var req capturedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		handler(w, req)
	}))
	t.Cleanup(server.Close)

	p, err := NewOpenAI(OpenAIConfig{APIKey: "test", BaseURL: server.URL + "/v1"}, logging.Nop())
	require.NoError(t, err)
	return p
}

func completion(message string) string {
	return fmt.Sprintf(`{"id":"1","object":"chat.completion","choices":[{"index":0,"message":%s,"finish_reason":"stop"}]}`, message)
}

func TestNewOpenAI_RequiresKey(t *testing.T) {
	_, err := NewOpenAI(OpenAIConfig{}, logging.Nop())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeConfig))
}

func TestOpenAI_CreateResponse(t *testing.T) {
	var seen capturedRequest
	p := newTestServer(t, func(w http.ResponseWriter, req capturedRequest) {
		seen = req
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, completion(`{"role":"assistant","content":"hi there"}`))
	})

	temp := float32(0.2)
	out, err := p.CreateResponse(context.Background(), Request{
		SystemMessage: "be brief",
		Messages:      []Message{{Role: RoleUser, Content: "hello"}},
		Config:        &Config{Model: "custom-model", Temperature: &temp},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi there", out)

	assert.Equal(t, "custom-model", seen.Model)
	require.Len(t, seen.Messages, 2)
	assert.Equal(t, "system", seen.Messages[0]["role"])
	assert.Equal(t, "be brief", seen.Messages[0]["content"])
	assert.Equal(t, "hello", seen.Messages[1]["content"])
}

func TestOpenAI_CreateResponse_ServerError(t *testing.T) {
	p := newTestServer(t, func(w http.ResponseWriter, req capturedRequest) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":{"message":"boom","type":"server_error"}}`)
	})

	_, err := p.CreateResponse(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeProvider))
}

func TestOpenAI_CreateFunctionCall(t *testing.T) {
	var seen capturedRequest
	p := newTestServer(t, func(w http.ResponseWriter, req capturedRequest) {
		seen = req
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, completion(`{"role":"assistant","content":"","tool_calls":[{"id":"c1","type":"function","function":{"name":"classify","arguments":"{\"label\":\"spam\"}"}}]}`))
	})

	call, err := p.CreateFunctionCall(context.Background(), Request{
		Messages:     []Message{{Role: RoleUser, Content: "classify this"}},
		Functions:    []Function{{Name: "classify", Parameters: map[string]interface{}{"type": "object"}}},
		FunctionName: "classify",
	})
	require.NoError(t, err)
	assert.Equal(t, "classify", call.Name)
	assert.JSONEq(t, `{"label":"spam"}`, string(call.Arguments))

	require.Len(t, seen.Tools, 1)
	fn, ok := seen.ToolChoice["function"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "classify", fn["name"])
}

func TestOpenAI_CreateFunctionCall_RequiresName(t *testing.T) {
	p := newTestServer(t, func(w http.ResponseWriter, req capturedRequest) {
		t.Fatal("no request expected")
	})

	_, err := p.CreateFunctionCall(context.Background(), Request{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
}

func TestOpenAI_CreateStream(t *testing.T) {
	p := newTestServer(t, func(w http.ResponseWriter, req capturedRequest) {
		assert.True(t, req.Stream)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, delta := range []string{"a", "", "b", "c"} {
			fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", delta)
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	})

	stream, err := p.CreateStream(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "go"}}})
	require.NoError(t, err)
	defer stream.Close()

	var got []string
	for {
		delta, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, delta)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}
