package pipeline

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"promptchain/internal/common/errors"
	"promptchain/internal/transform"
)

// ParseGraph decodes a YAML (or JSON) graph definition. Strings inside
// message contents and system messages are parsed as templates, so
// "${prev:0}" and "${alias:name|pattern|group}" become references.
func ParseGraph(data []byte) (Graph, error) {
	var g Graph
	if err := yaml.Unmarshal(data, &g); err != nil {
		return Graph{}, errors.ConfigErrorf("failed to parse graph: %v", err)
	}
	if err := templateGraph(&g); err != nil {
		return Graph{}, err
	}
	return g, nil
}

// LoadGraph reads and parses a graph definition from r.
func LoadGraph(r io.Reader) (Graph, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Graph{}, errors.ConfigErrorf("failed to read graph: %v", err)
	}
	return ParseGraph(data)
}

func templateGraph(g *Graph) error {
	for i := range g.Children {
		if err := templateGraph(&g.Children[i]); err != nil {
			return err
		}
	}
	if g.Request == nil {
		return nil
	}

	var err error
	if g.Request.SystemMessage, err = templated(g.Request.SystemMessage); err != nil {
		return err
	}
	for i := range g.Request.Messages {
		if g.Request.Messages[i].Content, err = templated(g.Request.Messages[i].Content); err != nil {
			return err
		}
	}
	return nil
}

// templated replaces every string in v with its parsed template.
func templated(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case string:
		parsed, err := transform.ParseTemplate(t)
		if err != nil {
			return nil, errors.ConfigErrorf("invalid template %q: %v", t, err)
		}
		return parsed, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			parsed, err := templated(item)
			if err != nil {
				return nil, err
			}
			out[i] = parsed
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			parsed, err := templated(item)
			if err != nil {
				return nil, err
			}
			out[k] = parsed
		}
		return out, nil
	case nil, bool, int, int64, float64:
		return t, nil
	}
	return nil, errors.ConfigError(fmt.Sprintf("unsupported value of type %T in graph", v))
}
