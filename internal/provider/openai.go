package provider

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"

	"promptchain/internal/common/errors"
	"promptchain/internal/common/logging"
)

// DefaultModel is used when neither the adapter nor the request names a model.
const DefaultModel = "gpt-4o-mini"

// OpenAIConfig configures the OpenAI adapter.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAI talks to an OpenAI compatible chat completion endpoint.
type OpenAI struct {
	client *openai.Client
	model  string
	logger logging.Logger
}

// NewOpenAI creates the adapter.
func NewOpenAI(config OpenAIConfig, logger logging.Logger) (*OpenAI, error) {
	if config.APIKey == "" {
		return nil, errors.ConfigError("OpenAI API key is required")
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	model := config.Model
	if model == "" {
		model = DefaultModel
	}

	logger = logging.OrGlobal(logger)
	logger.Info("Initializing OpenAI provider", logging.String("model", model))

	return &OpenAI{
		client: openai.NewClientWithConfig(clientConfig),
		model:  model,
		logger: logger,
	}, nil
}

func (o *OpenAI) chatRequest(req Request) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{Model: o.model}

	if req.SystemMessage != "" {
		out.Messages = append(out.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemMessage,
		})
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
			Name:    m.Name,
		})
	}

	if c := req.Config; c != nil {
		if c.Model != "" {
			out.Model = c.Model
		}
		if c.Temperature != nil {
			out.Temperature = *c.Temperature
		}
		if c.MaxTokens != nil {
			out.MaxCompletionTokens = *c.MaxTokens
		}
		if c.TopP != nil {
			out.TopP = *c.TopP
		}
		if len(c.Stop) > 0 {
			out.Stop = c.Stop
		}
	}

	for _, f := range req.Functions {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        f.Name,
				Description: f.Description,
				Parameters:  f.Parameters,
			},
		})
	}

	return out
}

// CreateResponse returns the full text of the first choice.
func (o *OpenAI) CreateResponse(ctx context.Context, req Request) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, o.chatRequest(req))
	if err != nil {
		return "", errors.ProviderError("OpenAI chat completion failed", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.ProviderError("OpenAI returned no choices", nil)
	}

	o.logger.Debug("Received response from OpenAI",
		logging.String("finish_reason", string(resp.Choices[0].FinishReason)),
	)
	return resp.Choices[0].Message.Content, nil
}

// CreateFunctionCall forces the model to call req.FunctionName and returns
// the arguments it produced.
func (o *OpenAI) CreateFunctionCall(ctx context.Context, req Request) (*FunctionCall, error) {
	if req.FunctionName == "" {
		return nil, errors.ValidationError("function name is required for a function call", nil)
	}

	chat := o.chatRequest(req)
	chat.ToolChoice = openai.ToolChoice{
		Type:     openai.ToolTypeFunction,
		Function: openai.ToolFunction{Name: req.FunctionName},
	}

	resp, err := o.client.CreateChatCompletion(ctx, chat)
	if err != nil {
		return nil, errors.ProviderError("OpenAI function call failed", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.ProviderError("OpenAI returned no choices", nil)
	}

	for _, call := range resp.Choices[0].Message.ToolCalls {
		if call.Function.Name != req.FunctionName {
			continue
		}
		args := json.RawMessage(call.Function.Arguments)
		if !json.Valid(args) {
			return nil, errors.ProviderError(fmt.Sprintf("function %s returned invalid arguments", req.FunctionName), nil)
		}
		return &FunctionCall{Name: call.Function.Name, Arguments: args}, nil
	}
	return nil, errors.ProviderError(fmt.Sprintf("OpenAI did not call function %s", req.FunctionName), nil)
}

// CreateStream opens a streamed completion.
func (o *OpenAI) CreateStream(ctx context.Context, req Request) (DeltaStream, error) {
	chat := o.chatRequest(req)
	chat.Stream = true

	stream, err := o.client.CreateChatCompletionStream(ctx, chat)
	if err != nil {
		return nil, errors.ProviderError("OpenAI stream failed to open", err)
	}
	return &openAIStream{stream: stream}, nil
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
}

func (s *openAIStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if stderrors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", errors.ProviderError("OpenAI stream interrupted", err)
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		return resp.Choices[0].Delta.Content, nil
	}
}

func (s *openAIStream) Close() error {
	s.stream.Close()
	return nil
}
