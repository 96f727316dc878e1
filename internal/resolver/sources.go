package resolver

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Literal is a fixed URL list, such as command-line arguments.
type Literal struct {
	Label string
	List  []string
}

// Name implements Source.
func (l Literal) Name() string {
	if l.Label == "" {
		return "literal"
	}
	return l.Label
}

// URLs implements Source.
func (l Literal) URLs(_ context.Context) ([]string, error) {
	out := make([]string, 0, len(l.List))
	for _, u := range l.List {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out, nil
}

// File reads URLs from disk. Accepted layouts are a newline-delimited list
// (blank lines and # comments ignored), a YAML or JSON array, or a record with a
// "urls" field.
type File struct {
	Path string
}

// Name implements Source.
func (f File) Name() string {
	return "file:" + f.Path
}

// URLs implements Source.
func (f File) URLs(_ context.Context) ([]string, error) {
	data, err := os.ReadFile(f.Path) //nolint:gosec // User-provided URL file path is intentional
	if err != nil {
		return nil, fmt.Errorf("read url file: %w", err)
	}
	return ParseList(data, filepath.Ext(f.Path))
}

type urlRecord struct {
	URLs []string `yaml:"urls"`
}

// ParseList decodes URL file contents. ext is a hint; structured content is
// detected regardless of extension.
func ParseList(data []byte, ext string) ([]string, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var root yaml.Node
	yamlErr := yaml.Unmarshal(trimmed, &root)
	structured := yamlErr == nil && len(root.Content) > 0 &&
		(root.Content[0].Kind == yaml.SequenceNode || root.Content[0].Kind == yaml.MappingNode)

	switch {
	case structured:
		return decodeStructured(root.Content[0])
	case isStructuredExt(ext):
		if yamlErr != nil {
			return nil, fmt.Errorf("parse url file: %w", yamlErr)
		}
		return nil, fmt.Errorf("parse url file: expected a list or a record with a urls field")
	default:
		return parseLines(trimmed), nil
	}
}

func decodeStructured(node *yaml.Node) ([]string, error) {
	var urls []string
	if node.Kind == yaml.SequenceNode {
		if err := node.Decode(&urls); err != nil {
			return nil, fmt.Errorf("decode url list: %w", err)
		}
	} else {
		var rec urlRecord
		if err := node.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode url record: %w", err)
		}
		urls = rec.URLs
	}
	out := urls[:0]
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out, nil
}

func parseLines(data []byte) []string {
	var out []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}

func isStructuredExt(ext string) bool {
	switch strings.ToLower(ext) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}
