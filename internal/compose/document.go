// Package compose reads and rewrites compose manifests. The manifest is kept
// as a yaml.v3 node tree so that key order, comments and anchors survive a
// rewrite.
package compose

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"errors"

	"gopkg.in/yaml.v3"

	"github.com/web-casa/dockerops/internal/errdefs"
)

// Document is a parsed compose manifest.
type Document struct {
	node *yaml.Node // document node, Content[0] is the root mapping
}

// Parse decodes a manifest. The root must be a mapping.
func Parse(data []byte) (*Document, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, &errdefs.ParseError{Err: err}
	}
	if node.Kind != yaml.DocumentNode || len(node.Content) == 0 || resolve(node.Content[0]).Kind != yaml.MappingNode {
		return nil, &errdefs.ParseError{Err: errors.New("manifest root is not a mapping")}
	}
	return &Document{node: &node}, nil
}

// Bytes re-encodes the manifest with two space indentation.
func (d *Document) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(d.node); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (d *Document) root() *yaml.Node {
	return resolve(d.node.Content[0])
}

// services returns the service definitions in declaration order.
func (d *Document) services() []*yaml.Node {
	var out []*yaml.Node
	for _, svc := range d.namedServices() {
		out = append(out, svc.node)
	}
	return out
}

type namedService struct {
	name string
	node *yaml.Node
}

// namedServices is services with the key each definition was first seen
// under. A definition shared through an anchor is returned once.
func (d *Document) namedServices() []namedService {
	services := resolve(lookup(d.root(), "services"))
	if services == nil || services.Kind != yaml.MappingNode {
		return nil
	}
	var out []namedService
	seen := make(map[*yaml.Node]bool)
	for i := 1; i < len(services.Content); i += 2 {
		svc := resolve(services.Content[i])
		if svc == nil || svc.Kind != yaml.MappingNode || seen[svc] {
			continue
		}
		seen[svc] = true
		out = append(out, namedService{name: resolve(services.Content[i-1]).Value, node: svc})
	}
	return out
}

// Fingerprint returns the lowercase hex MD5 of a manifest.
func Fingerprint(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// ── node helpers ──

func resolve(n *yaml.Node) *yaml.Node {
	for depth := 0; n != nil && n.Kind == yaml.AliasNode && depth < 64; depth++ {
		n = n.Alias
	}
	return n
}

func lookup(m *yaml.Node, key string) *yaml.Node {
	m = resolve(m)
	if m == nil || m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if k := resolve(m.Content[i]); k.Kind == yaml.ScalarNode && k.Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

// set replaces the value of key in m, appending the pair when absent.
func set(m *yaml.Node, key string, val *yaml.Node) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if k := resolve(m.Content[i]); k.Kind == yaml.ScalarNode && k.Value == key {
			m.Content[i+1] = val
			return
		}
	}
	m.Content = append(m.Content, str(key), val)
}

// child returns the value of key in m with the wanted kind, replacing a
// missing or null value with an empty node of that kind.
func child(m *yaml.Node, key string, kind yaml.Kind) *yaml.Node {
	if v := resolve(lookup(m, key)); v != nil && v.Kind == kind {
		return v
	}
	n := &yaml.Node{Kind: kind}
	switch kind {
	case yaml.MappingNode:
		n.Tag = "!!map"
	case yaml.SequenceNode:
		n.Tag = "!!seq"
	}
	set(m, key, n)
	return n
}

func str(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
}

func isString(n *yaml.Node) bool {
	return n != nil && n.Kind == yaml.ScalarNode && n.ShortTag() == "!!str"
}

func isNull(n *yaml.Node) bool {
	return n == nil || (n.Kind == yaml.ScalarNode && n.ShortTag() == "!!null")
}
