// Package pipeline compiles nested request graphs into flat node maps,
// persists them, and exposes per-node views over their runtime state.
package pipeline

import (
	"encoding/json"
	"fmt"

	"promptchain/internal/common/errors"
	"promptchain/internal/provider"
	"promptchain/internal/transform"
)

// SnapshotVersion is the version written by Marshal. Unmarshal rejects others.
const SnapshotVersion = 1

// Kind selects the provider operation a request runs.
type Kind string

const (
	KindMessage  Kind = "message"
	KindFunction Kind = "function"
	KindStream   Kind = "stream"
)

// Message is a chat message whose content may be lazy.
type Message struct {
	Role    string           `json:"role"`
	Content *transform.Value `json:"content"`
	Name    string           `json:"name,omitempty"`
}

// RequestConfig is the compiled request of one node.
type RequestConfig struct {
	ID            string              `json:"id"`
	Alias         string              `json:"alias"`
	Kind          Kind                `json:"kind"`
	Messages      []Message           `json:"messages"`
	SystemMessage *transform.Value    `json:"systemMessage,omitempty"`
	FunctionName  string              `json:"functionName,omitempty"`
	Functions     []provider.Function `json:"functions,omitempty"`
	Config        *provider.Config    `json:"config,omitempty"`
	AutoConfirm   bool                `json:"autoConfirm"`
}

// Values returns every lazy-capable value of the request: the system message
// first, then message contents in order.
func (r *RequestConfig) Values() []*transform.Value {
	values := make([]*transform.Value, 0, len(r.Messages)+1)
	if r.SystemMessage != nil {
		values = append(values, r.SystemMessage)
	}
	for _, m := range r.Messages {
		values = append(values, m.Content)
	}
	return values
}

// Node is one vertex of a compiled pipeline.
type Node struct {
	ID      string         `json:"id"`
	PrevIDs []string       `json:"prevIds"`
	NextIDs []string       `json:"nextIds"`
	IsBegin bool           `json:"isBegin,omitempty"`
	IsEnd   bool           `json:"isEnd,omitempty"`
	Request *RequestConfig `json:"request,omitempty"`
}

// Role names the node's place in the graph: begin, end or ordinary.
func (n *Node) Role() string {
	switch {
	case n.IsBegin:
		return "begin"
	case n.IsEnd:
		return "end"
	default:
		return "ordinary"
	}
}

// Pipeline is one compiled graph instance. It is never edited after
// compilation; runtime state lives in per-node keys.
type Pipeline struct {
	Version int              `json:"version"`
	ID      string           `json:"id"`
	BeginID string           `json:"beginId"`
	EndID   string           `json:"endId"`
	Items   map[string]*Node `json:"items"`
}

// Node looks up a node by id.
func (p *Pipeline) Node(id string) (*Node, error) {
	n, ok := p.Items[id]
	if !ok {
		return nil, errors.NotFoundError("pipeline item").
			WithContext("pipeline_id", p.ID).
			WithContext("item_id", id)
	}
	return n, nil
}

// AliasIndex maps request aliases to node ids.
func (p *Pipeline) AliasIndex() map[string]string {
	index := make(map[string]string, len(p.Items))
	for id, n := range p.Items {
		if n.Request != nil {
			index[n.Request.Alias] = id
		}
	}
	return index
}

// Validate checks the structural invariants of a pipeline: exactly one begin
// and one end node matching BeginID and EndID, a request on every ordinary
// node, and edges recorded on both of their endpoints.
func (p *Pipeline) Validate() error {
	var begins, ends int
	for id, n := range p.Items {
		if n.ID != id {
			return errors.ValidationError(fmt.Sprintf("item %s is stored under %s", n.ID, id), nil)
		}
		if n.IsBegin && n.IsEnd {
			return errors.ValidationError(fmt.Sprintf("item %s is both begin and end", id), nil)
		}
		if n.IsBegin {
			begins++
			if id != p.BeginID || len(n.PrevIDs) != 0 {
				return errors.ValidationError(fmt.Sprintf("begin item %s is inconsistent", id), nil)
			}
		}
		if n.IsEnd {
			ends++
			if id != p.EndID || len(n.NextIDs) != 0 {
				return errors.ValidationError(fmt.Sprintf("end item %s is inconsistent", id), nil)
			}
		}
		if !n.IsBegin && !n.IsEnd && n.Request == nil {
			return errors.ValidationError(fmt.Sprintf("item %s has no request", id), nil)
		}

		for _, prev := range n.PrevIDs {
			pn, ok := p.Items[prev]
			if !ok || !contains(pn.NextIDs, id) {
				return errors.ValidationError(fmt.Sprintf("edge %s -> %s is one-sided", prev, id), nil)
			}
		}
		for _, next := range n.NextIDs {
			nn, ok := p.Items[next]
			if !ok || !contains(nn.PrevIDs, id) {
				return errors.ValidationError(fmt.Sprintf("edge %s -> %s is one-sided", id, next), nil)
			}
		}
	}
	if begins != 1 || ends != 1 {
		return errors.ValidationError(fmt.Sprintf("pipeline needs one begin and one end item, has %d and %d", begins, ends), nil)
	}
	return nil
}

// Marshal encodes the versioned snapshot.
func (p *Pipeline) Marshal() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, errors.InternalError("failed to encode pipeline", err)
	}
	return data, nil
}

// Unmarshal decodes and validates a snapshot written by Marshal.
func Unmarshal(data []byte) (*Pipeline, error) {
	var p Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.ValidationError("failed to decode pipeline", err)
	}
	if p.Version != SnapshotVersion {
		return nil, errors.ValidationError(fmt.Sprintf("unsupported pipeline version %d", p.Version), nil)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
