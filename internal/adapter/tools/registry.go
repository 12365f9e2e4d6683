// Package tools exposes schema-validated invocation of out-of-process tools.
// Tools are declared in a YAML manifest; input and output payloads are
// validated against compiled JSON Schemas on every call.
package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// manifest mirrors the YAML tool declaration file.
type manifest struct {
	Tools []toolDecl `yaml:"tools"`
}

type toolDecl struct {
	Name         string         `yaml:"name"`
	Description  string         `yaml:"description"`
	Endpoint     string         `yaml:"endpoint"`
	TimeoutMs    int            `yaml:"timeout_ms"`
	InputSchema  map[string]any `yaml:"input_schema"`
	OutputSchema map[string]any `yaml:"output_schema"`
}

// Tool is one registered tool with compiled schemas.
type Tool struct {
	Name        string
	Description string
	Endpoint    string
	TimeoutMs   int
	input       *jsonschema.Schema
	output      *jsonschema.Schema
}

// Registry holds the declared tools, keyed by name.
type Registry struct {
	tools map[string]*Tool
}

// LoadRegistry reads and compiles the manifest at path.
func LoadRegistry(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=tools.load path=%s: %w", path, err)
	}
	return ParseRegistry(raw)
}

// ParseRegistry compiles a manifest from raw YAML.
func ParseRegistry(raw []byte) (*Registry, error) {
	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("op=tools.parse: %w", err)
	}
	reg := &Registry{tools: make(map[string]*Tool, len(m.Tools))}
	for _, decl := range m.Tools {
		if decl.Name == "" || decl.Endpoint == "" {
			return nil, fmt.Errorf("op=tools.parse: tool missing name or endpoint")
		}
		if _, dup := reg.tools[decl.Name]; dup {
			return nil, fmt.Errorf("op=tools.parse: duplicate tool %q", decl.Name)
		}
		t := &Tool{
			Name:        decl.Name,
			Description: decl.Description,
			Endpoint:    decl.Endpoint,
			TimeoutMs:   decl.TimeoutMs,
		}
		if decl.InputSchema != nil {
			in, err := compileSchema(decl.Name+"/input", decl.InputSchema)
			if err != nil {
				return nil, err
			}
			t.input = in
		}
		if decl.OutputSchema != nil {
			out, err := compileSchema(decl.Name+"/output", decl.OutputSchema)
			if err != nil {
				return nil, err
			}
			t.output = out
		}
		reg.tools[decl.Name] = t
	}
	return reg, nil
}

// compileSchema round-trips the YAML map through JSON so the compiler sees
// canonical JSON values, then compiles it.
func compileSchema(id string, schema map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("op=tools.schema id=%s: %w", id, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("op=tools.schema id=%s: %w", id, err)
	}
	c := jsonschema.NewCompiler()
	url := "inmem://" + id + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("op=tools.schema id=%s: %w", id, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("op=tools.schema id=%s: %w", id, err)
	}
	return sch, nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Descriptions returns a name -> description map for prompt assembly.
func (r *Registry) Descriptions() map[string]string {
	out := make(map[string]string, len(r.tools))
	for name, t := range r.tools {
		out[name] = t.Description
	}
	return out
}
