// Package provider is the boundary to the text-completion service. Pipelines
// only ever see the Provider interface; OpenAI is the production adapter and
// Breaker guards any Provider with a circuit breaker.
package provider

import (
	"context"
	"encoding/json"
)

// Chat roles understood by every adapter.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleFunction  = "function"
)

// Message is one role-tagged chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// Function describes a callable function the model may be asked to invoke.
type Function struct {
	Name        string                 `json:"name" yaml:"name" validate:"required"`
	Description string                 `json:"description,omitempty" yaml:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty" yaml:"parameters"`
}

// Config overrides provider defaults for one request.
type Config struct {
	Model       string   `json:"model,omitempty" yaml:"model"`
	Temperature *float32 `json:"temperature,omitempty" yaml:"temperature" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   *int     `json:"maxTokens,omitempty" yaml:"maxTokens" validate:"omitempty,gt=0"`
	TopP        *float32 `json:"topP,omitempty" yaml:"topP" validate:"omitempty,gte=0,lte=1"`
	Stop        []string `json:"stop,omitempty" yaml:"stop"`
}

// Request is a fully hydrated completion request.
type Request struct {
	Messages      []Message
	SystemMessage string
	Functions     []Function
	FunctionName  string
	Config        *Config
}

// FunctionCall is the structured result of a function-call request.
type FunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// DeltaStream yields incremental text. Recv returns io.EOF once the provider
// signals it is done.
type DeltaStream interface {
	Recv() (string, error)
	Close() error
}

// Provider is a completion service.
type Provider interface {
	CreateResponse(ctx context.Context, req Request) (string, error)
	CreateFunctionCall(ctx context.Context, req Request) (*FunctionCall, error)
	CreateStream(ctx context.Context, req Request) (DeltaStream, error)
}
