package security

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// YAMLLimits bounds the resources an untrusted YAML document may consume.
type YAMLLimits struct {
	MaxFileSize  int64 // bytes
	MaxDepth     int
	MaxNodes     int
	MaxKeyLength int   // bytes
	MaxValueSize int64 // bytes
}

// DefaultYAMLLimits returns limits generous enough for agent definitions.
func DefaultYAMLLimits() YAMLLimits {
	return YAMLLimits{
		MaxFileSize:  1024 * 1024,
		MaxDepth:     20,
		MaxNodes:     10000,
		MaxKeyLength: 256,
		MaxValueSize: 256 * 1024,
	}
}

// SafeYAMLParser validates document shape before decoding into Go values.
// Alias expansion is checked against the same node budget, which stops
// billion-laughs style documents.
type SafeYAMLParser struct {
	limits YAMLLimits
	strict bool
}

// NewSafeYAMLParser creates a parser with the given limits.
func NewSafeYAMLParser(limits YAMLLimits) *SafeYAMLParser {
	return &SafeYAMLParser{limits: limits}
}

// Strict makes the parser reject keys that do not map to a struct field.
func (p *SafeYAMLParser) Strict() *SafeYAMLParser {
	p.strict = true
	return p
}

// Unmarshal validates data and decodes it into v.
func (p *SafeYAMLParser) Unmarshal(data []byte, v any) error {
	if int64(len(data)) > p.limits.MaxFileSize {
		return fmt.Errorf("YAML document size %d bytes exceeds maximum %d bytes", len(data), p.limits.MaxFileSize)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("YAML parse error: %w", err)
	}
	if root.Kind == 0 {
		return errors.New("YAML document is empty")
	}

	w := &yamlWalker{limits: p.limits}
	if err := w.walk(&root, 0); err != nil {
		return err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(p.strict)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("YAML decode error: %w", err)
	}
	return nil
}

// UnmarshalReader reads at most MaxFileSize+1 bytes from r and decodes them.
func (p *SafeYAMLParser) UnmarshalReader(r io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(r, p.limits.MaxFileSize+1))
	if err != nil {
		return fmt.Errorf("read YAML: %w", err)
	}
	return p.Unmarshal(data, v)
}

type yamlWalker struct {
	limits YAMLLimits
	nodes  int
}

func (w *yamlWalker) walk(node *yaml.Node, depth int) error {
	if depth > w.limits.MaxDepth {
		return fmt.Errorf("YAML nesting depth %d exceeds maximum %d", depth, w.limits.MaxDepth)
	}
	w.nodes++
	if w.nodes > w.limits.MaxNodes {
		return fmt.Errorf("YAML node count exceeds maximum %d", w.limits.MaxNodes)
	}

	switch node.Kind {
	case yaml.DocumentNode:
		for _, child := range node.Content {
			if err := w.walk(child, depth); err != nil {
				return err
			}
		}
	case yaml.MappingNode:
		if len(node.Content)%2 != 0 {
			return errors.New("invalid YAML mapping: odd number of elements")
		}
		for i := 0; i < len(node.Content); i += 2 {
			if len(node.Content[i].Value) > w.limits.MaxKeyLength {
				return fmt.Errorf("YAML key length %d exceeds maximum %d", len(node.Content[i].Value), w.limits.MaxKeyLength)
			}
			if err := w.walk(node.Content[i+1], depth+1); err != nil {
				return err
			}
		}
	case yaml.SequenceNode:
		for _, child := range node.Content {
			if err := w.walk(child, depth+1); err != nil {
				return err
			}
		}
	case yaml.ScalarNode:
		if int64(len(node.Value)) > w.limits.MaxValueSize {
			return fmt.Errorf("YAML value size %d bytes exceeds maximum %d bytes", len(node.Value), w.limits.MaxValueSize)
		}
	case yaml.AliasNode:
		if node.Alias != nil {
			return w.walk(node.Alias, depth+1)
		}
	}
	return nil
}
