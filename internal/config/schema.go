package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/systemshift/graphdiff/internal/diff"
)

// LoadSchema reads a schema snapshot. An empty path yields an empty schema.
func LoadSchema(path string) (*diff.Schema, error) {
	schema := &diff.Schema{Kinds: make(map[string]diff.KindSchema)}
	if path == "" {
		return schema, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schema %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, schema); err != nil {
		return nil, fmt.Errorf("parsing schema %s: %w", path, err)
	}
	for kind, k := range schema.Kinds {
		for name, rel := range k.Relationships {
			switch rel.Cardinality {
			case "", diff.CardinalityOne, diff.CardinalityMany:
			default:
				return nil, fmt.Errorf("schema %s: %s.%s has unknown cardinality %q", path, kind, name, rel.Cardinality)
			}
		}
	}
	return schema, nil
}
