package pipeline

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/heimdalr/dag"
	"github.com/lucsky/cuid"

	"promptchain/internal/common/errors"
	"promptchain/internal/provider"
	"promptchain/internal/transform"
)

var validate = validator.New()

// Shape tags a Graph node.
type Shape string

const (
	ShapeSequence Shape = "sequence"
	ShapeParallel Shape = "parallel"
	ShapeSingle   Shape = "single"
)

// Graph is the authored, nested form of a pipeline.
//
// In a sequence each child depends on the terminal nodes of the child before
// it. In a parallel every child shares the parallel's predecessors and the
// union of their terminals is the parallel's terminal set. A single is one
// request.
type Graph struct {
	Shape    Shape        `json:"shape" yaml:"shape"`
	Children []Graph      `json:"children,omitempty" yaml:"children"`
	Request  *RequestSpec `json:"request,omitempty" yaml:"request"`
}

func Sequence(children ...Graph) Graph { return Graph{Shape: ShapeSequence, Children: children} }
func Parallel(children ...Graph) Graph { return Graph{Shape: ShapeParallel, Children: children} }
func Single(req RequestSpec) Graph     { return Graph{Shape: ShapeSingle, Request: &req} }

// MessageSpec is an authored chat message. Content is any value accepted by
// transform.Converter, including *transform.Value.
type MessageSpec struct {
	Role    string      `json:"role" yaml:"role" validate:"required,oneof=system user assistant function"`
	Content interface{} `json:"content" yaml:"content" validate:"required"`
	Name    string      `json:"name,omitempty" yaml:"name"`
}

// RequestSpec is an authored request.
type RequestSpec struct {
	Alias         string              `json:"alias,omitempty" yaml:"alias"`
	Kind          Kind                `json:"kind,omitempty" yaml:"kind" validate:"omitempty,oneof=message function stream"`
	Messages      []MessageSpec       `json:"messages" yaml:"messages" validate:"required,min=1,dive"`
	SystemMessage interface{}         `json:"systemMessage,omitempty" yaml:"systemMessage"`
	FunctionName  string              `json:"functionName,omitempty" yaml:"functionName" validate:"required_if=Kind function"`
	Functions     []provider.Function `json:"functions,omitempty" yaml:"functions" validate:"dive"`
	Config        *provider.Config    `json:"config,omitempty" yaml:"config"`
	// AutoConfirm defaults to true.
	AutoConfirm *bool `json:"autoConfirm,omitempty" yaml:"autoConfirm"`
}

type compiler struct {
	conv  *transform.Converter
	nodes map[string]*Node
	order []string
}

// Compile flattens g into a pipeline with synthetic begin and end nodes.
// Every ordinary node without a predecessor depends on begin and every node
// without a successor feeds end.
func Compile(g Graph) (*Pipeline, error) {
	c := &compiler{
		conv:  transform.NewConverter(),
		nodes: make(map[string]*Node),
	}
	if _, err := c.reduce(g, nil); err != nil {
		return nil, err
	}

	p := &Pipeline{
		Version: SnapshotVersion,
		ID:      cuid.New(),
		BeginID: cuid.New(),
		EndID:   cuid.New(),
		Items:   c.nodes,
	}
	begin := &Node{ID: p.BeginID, IsBegin: true}
	end := &Node{ID: p.EndID, IsEnd: true}

	for _, id := range c.order {
		n := c.nodes[id]
		if len(n.PrevIDs) == 0 {
			n.PrevIDs = []string{begin.ID}
		}
	}

	c.nodes[begin.ID] = begin
	c.nodes[end.ID] = end

	for _, id := range append([]string{begin.ID}, c.order...) {
		n := c.nodes[id]
		for _, prev := range n.PrevIDs {
			pn := c.nodes[prev]
			pn.NextIDs = append(pn.NextIDs, id)
		}
	}
	for _, id := range append([]string{begin.ID}, c.order...) {
		n := c.nodes[id]
		if len(n.NextIDs) == 0 {
			n.NextIDs = []string{end.ID}
			end.PrevIDs = append(end.PrevIDs, id)
		}
	}

	if err := c.checkReferences(p); err != nil {
		return nil, err
	}
	if err := checkReachability(p); err != nil {
		return nil, err
	}
	return p, nil
}

// reduce adds the nodes of g, each depending on prev, and returns the ids of
// g's terminal nodes.
func (c *compiler) reduce(g Graph, prev []string) ([]string, error) {
	switch g.Shape {
	case ShapeSingle:
		if g.Request == nil {
			return nil, errors.ConfigError("single must have a request")
		}
		id := cuid.New()
		req, err := c.request(id, g.Request)
		if err != nil {
			return nil, err
		}
		c.nodes[id] = &Node{
			ID:      id,
			PrevIDs: append([]string(nil), prev...),
			Request: req,
		}
		c.order = append(c.order, id)
		return []string{id}, nil

	case ShapeSequence:
		if len(g.Children) == 0 {
			return nil, errors.ConfigError("sequence must have at least one element")
		}
		current := prev
		for _, child := range g.Children {
			next, err := c.reduce(child, current)
			if err != nil {
				return nil, err
			}
			current = next
		}
		return current, nil

	case ShapeParallel:
		if len(g.Children) == 0 {
			return nil, errors.ConfigError("parallel must have at least one element")
		}
		var terminals []string
		for _, child := range g.Children {
			t, err := c.reduce(child, prev)
			if err != nil {
				return nil, err
			}
			terminals = append(terminals, t...)
		}
		return terminals, nil
	}
	return nil, errors.ConfigErrorf("unknown graph shape %q", g.Shape)
}

func (c *compiler) request(id string, spec *RequestSpec) (*RequestConfig, error) {
	if err := validate.Struct(spec); err != nil {
		return nil, errors.ConfigErrorf("invalid request %q: %v", spec.Alias, err)
	}

	req := &RequestConfig{
		ID:           id,
		Alias:        spec.Alias,
		Kind:         spec.Kind,
		FunctionName: spec.FunctionName,
		Functions:    spec.Functions,
		Config:       spec.Config,
		AutoConfirm:  true,
	}
	if req.Alias == "" {
		req.Alias = id
	}
	if req.Kind == "" {
		req.Kind = KindMessage
	}
	if spec.AutoConfirm != nil {
		req.AutoConfirm = *spec.AutoConfirm
	}
	if req.Kind == KindFunction && !hasFunction(spec.Functions, spec.FunctionName) {
		return nil, errors.ConfigErrorf("request %q calls undeclared function %q", req.Alias, spec.FunctionName)
	}

	if spec.SystemMessage != nil {
		v, err := c.conv.Transform(spec.SystemMessage)
		if err != nil {
			return nil, errors.ConfigErrorf("request %q system message: %v", req.Alias, err)
		}
		req.SystemMessage = v
	}
	for i, m := range spec.Messages {
		v, err := c.conv.Transform(m.Content)
		if err != nil {
			return nil, errors.ConfigErrorf("request %q message %d: %v", req.Alias, i, err)
		}
		req.Messages = append(req.Messages, Message{Role: m.Role, Content: v, Name: m.Name})
	}
	return req, nil
}

func hasFunction(functions []provider.Function, name string) bool {
	for _, f := range functions {
		if f.Name == name {
			return true
		}
	}
	return false
}

// checkReferences rejects duplicate aliases and references that could never
// resolve: ordinals past the node's predecessor count and unknown aliases.
func (c *compiler) checkReferences(p *Pipeline) error {
	aliases := make(map[string]string, len(c.order))
	for _, id := range c.order {
		alias := c.nodes[id].Request.Alias
		if other, ok := aliases[alias]; ok {
			return errors.ConfigErrorf("alias %q is used by both %s and %s", alias, other, id)
		}
		aliases[alias] = id
	}

	for _, id := range c.order {
		n := c.nodes[id]
		req := transform.FindRequiredReferences(n.Request.Values()...)
		for _, ord := range req.Ordinals {
			if ord >= len(n.PrevIDs) {
				return errors.ConfigErrorf("request %q references predecessor %d but has %d", n.Request.Alias, ord, len(n.PrevIDs))
			}
		}
		for _, alias := range req.Aliases {
			if _, ok := aliases[alias]; !ok {
				return errors.ConfigErrorf("request %q references unknown alias %q", n.Request.Alias, alias)
			}
		}
		for _, pattern := range req.Patterns {
			if _, err := transform.CompilePattern(pattern); err != nil {
				return errors.ConfigErrorf("request %q has an invalid pattern %q: %v", n.Request.Alias, pattern, err)
			}
		}
	}
	return nil
}

// checkReachability loads the edges into a DAG, which rejects cycles, and
// verifies that every node descends from begin and every node but end
// reaches end.
func checkReachability(p *Pipeline) error {
	d := dag.NewDAG()
	for id := range p.Items {
		if err := d.AddVertexByID(id, id); err != nil {
			return errors.ConfigErrorf("failed to add item %s: %v", id, err)
		}
	}
	for id, n := range p.Items {
		for _, next := range n.NextIDs {
			if err := d.AddEdge(id, next); err != nil {
				return errors.ConfigErrorf("adding edge from %s to %s failed: %v", id, next, err)
			}
		}
	}

	descendants, err := d.GetDescendants(p.BeginID)
	if err != nil {
		return errors.ConfigErrorf("failed to walk from begin: %v", err)
	}
	ancestors, err := d.GetAncestors(p.EndID)
	if err != nil {
		return errors.ConfigErrorf("failed to walk to end: %v", err)
	}

	for id := range p.Items {
		if id != p.BeginID {
			if _, ok := descendants[id]; !ok {
				return errors.ConfigError(fmt.Sprintf("item %s is not reachable from begin", id))
			}
		}
		if id != p.EndID {
			if _, ok := ancestors[id]; !ok {
				return errors.ConfigError(fmt.Sprintf("item %s does not reach end", id))
			}
		}
	}
	return nil
}
