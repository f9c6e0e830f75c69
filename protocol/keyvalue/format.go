package keyvalue

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadYAML parses every YAML document in r and merges its leaves into p.
// Nested mapping keys are joined with ".", sequence items append "[i]" to
// the key of the sequence. Keys already present are overwritten in place.
func (p *Properties) LoadYAML(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	for {
		var doc yaml.Node
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		flattenNode(&doc, "", p)
	}
}

func flattenNode(n *yaml.Node, key string, props *Properties) {
	switch n.Kind {
	case yaml.DocumentNode:
		for _, c := range n.Content {
			flattenNode(c, key, props)
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, v := n.Content[i], n.Content[i+1]
			if k.Tag == "!!merge" {
				flattenMerge(v, key, props)
				continue
			}
			flattenNode(v, joinKey(key, k.Value), props)
		}
	case yaml.SequenceNode:
		for i, c := range n.Content {
			flattenNode(c, fmt.Sprintf("%s[%d]", key, i), props)
		}
	case yaml.AliasNode:
		if n.Alias != nil {
			flattenNode(n.Alias, key, props)
		}
	case yaml.ScalarNode:
		// A bare scalar document has nothing to key it by.
		if key == "" {
			return
		}
		props.Set(key, scalarText(n))
	}
}

// flattenMerge expands a "<<" merge key, which refers to one mapping or to a
// sequence of them.
func flattenMerge(v *yaml.Node, key string, props *Properties) {
	if v.Kind == yaml.SequenceNode {
		for _, c := range v.Content {
			flattenNode(c, key, props)
		}
		return
	}
	flattenNode(v, key, props)
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func scalarText(n *yaml.Node) string {
	if n.Tag == "!!null" {
		return ""
	}
	return n.Value
}

func isYAML(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".yml") || strings.HasSuffix(lower, ".yaml")
}
