package converge

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jsierles/opscode-agent/shared/payload"
	"gopkg.in/yaml.v3"
)

// Recipe is a named, ordered resource collection.
type Recipe struct {
	Name      string
	Resources []*Resource
}

type recipeDocument struct {
	Resources []payload.Resource `yaml:"resources"`
}

// LoadRecipe reads a recipe file and binds its resources to node without converging them.
func LoadRecipe(path string, node *Node) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading recipe %s: %w", path, err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return ParseRecipe(name, data, node)
}

// ParseRecipe decodes a recipe document:
//
//	resources:
//	  - type: file
//	    name: /etc/motd
//	    action: create
//	    attributes:
//	      content: "hello from ${node.name}"
//
// Unknown keys are syntax errors. An empty document is an empty recipe.
func ParseRecipe(name string, data []byte, node *Node) (*Recipe, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc recipeDocument
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, newError(KindRecipeSyntax, err, "recipe %s", name)
	}

	recipe := &Recipe{Name: name, Resources: make([]*Resource, 0, len(doc.Resources))}
	for i, spec := range doc.Resources {
		res, err := NewResource(spec, node)
		if err != nil {
			return nil, fmt.Errorf("recipe %s, resource %d: %w", name, i+1, err)
		}
		recipe.Resources = append(recipe.Resources, res)
	}
	return recipe, nil
}
