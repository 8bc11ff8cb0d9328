package testutil

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"promptchain/internal/provider"
)

// MockProvider implements provider.Provider for testing. Responses are looked
// up by the content of the request's last message, falling back to the
// defaults.
type MockProvider struct {
	mu       sync.Mutex
	requests []provider.Request

	Responses       map[string]string
	DefaultResponse string
	Deltas          []string
	Arguments       json.RawMessage

	// Control error injection
	ErrorOnMethod map[string]error
	// failures counts the remaining calls that fail for methods set by FailTimes.
	failures map[string]int
	// StreamError is returned by the stream after all Deltas were received.
	StreamError error
}

// NewMockProvider creates a new mock provider
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Responses:       make(map[string]string),
		DefaultResponse: "ok",
		Arguments:       json.RawMessage(`{}`),
		ErrorOnMethod:   make(map[string]error),
		failures:        make(map[string]int),
	}
}

func (m *MockProvider) record(method string, req provider.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	err := m.ErrorOnMethod[method]
	if n, ok := m.failures[method]; ok && err != nil {
		if n <= 1 {
			delete(m.failures, method)
			delete(m.ErrorOnMethod, method)
		} else {
			m.failures[method] = n - 1
		}
	}
	return err
}

// SetError makes method fail with err until cleared with a nil err.
func (m *MockProvider) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, method)
	if err == nil {
		delete(m.ErrorOnMethod, method)
		return
	}
	m.ErrorOnMethod[method] = err
}

// FailTimes makes the next n calls of method fail with err.
func (m *MockProvider) FailTimes(method string, err error, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ErrorOnMethod[method] = err
	m.failures[method] = n
}

// Requests returns every request received so far.
func (m *MockProvider) Requests() []provider.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]provider.Request, len(m.requests))
	copy(out, m.requests)
	return out
}

func (m *MockProvider) CreateResponse(ctx context.Context, req provider.Request) (string, error) {
	if err := m.record("CreateResponse", req); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(req.Messages) > 0 {
		if out, ok := m.Responses[req.Messages[len(req.Messages)-1].Content]; ok {
			return out, nil
		}
	}
	return m.DefaultResponse, nil
}

func (m *MockProvider) CreateFunctionCall(ctx context.Context, req provider.Request) (*provider.FunctionCall, error) {
	if err := m.record("CreateFunctionCall", req); err != nil {
		return nil, err
	}
	return &provider.FunctionCall{Name: req.FunctionName, Arguments: m.Arguments}, nil
}

func (m *MockProvider) CreateStream(ctx context.Context, req provider.Request) (provider.DeltaStream, error) {
	if err := m.record("CreateStream", req); err != nil {
		return nil, err
	}
	return NewSliceStream(m.StreamError, m.Deltas...), nil
}

// SliceStream replays a fixed list of deltas.
type SliceStream struct {
	deltas []string
	err    error
	closed bool
}

// NewSliceStream returns a stream yielding deltas and then err, or io.EOF
// when err is nil.
func NewSliceStream(err error, deltas ...string) *SliceStream {
	return &SliceStream{deltas: deltas, err: err}
}

func (s *SliceStream) Recv() (string, error) {
	if len(s.deltas) == 0 {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	d := s.deltas[0]
	s.deltas = s.deltas[1:]
	return d, nil
}

func (s *SliceStream) Close() error {
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *SliceStream) Closed() bool {
	return s.closed
}
