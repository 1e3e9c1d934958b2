package schema

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Generator reflects a configuration value into a JSON schema document.
type Generator struct {
	value    any
	comments map[string]string
}

// GeneratorOpt is a functional option for configuring a [Generator].
type GeneratorOpt func(*Generator)

// WithGoComments loads Go doc comments from the package at dir, keyed by its
// import path, so they appear as schema descriptions.
func WithGoComments(importPath, dir string) GeneratorOpt {
	return func(g *Generator) {
		g.comments[importPath] = dir
	}
}

// NewGenerator creates a [Generator] for the given configuration value.
func NewGenerator(value any, opts ...GeneratorOpt) *Generator {
	g := &Generator{
		value:    value,
		comments: map[string]string{},
	}
	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Generate produces the JSON schema document.
func (g *Generator) Generate() ([]byte, error) {
	r := &jsonschema.Reflector{}

	for importPath, dir := range g.comments {
		err := r.AddGoComments(importPath, dir)
		if err != nil {
			return nil, fmt.Errorf("add go comments for %s: %w", importPath, err)
		}
	}

	jss := r.Reflect(g.value)

	out, err := json.MarshalIndent(jss, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}

	return append(out, '\n'), nil
}
