package diff

// Schema is the snapshot of node kinds a diff is computed against. It is
// passed explicitly to every stage that needs it.
type Schema struct {
	Kinds map[string]KindSchema `yaml:"kinds" json:"kinds"`
}

// KindSchema describes one node kind.
type KindSchema struct {
	Label         string                        `yaml:"label" json:"label,omitempty"`
	Relationships map[string]RelationshipSchema `yaml:"relationships" json:"relationships,omitempty"`
}

// RelationshipSchema describes one relationship of a kind.
type RelationshipSchema struct {
	Label       string      `yaml:"label" json:"label,omitempty"`
	Cardinality Cardinality `yaml:"cardinality" json:"cardinality"`
}

// Relationship returns the schema of a relationship. Relationships the
// snapshot does not know are treated as cardinality many.
func (s *Schema) Relationship(kind, name string) RelationshipSchema {
	if s != nil {
		if k, ok := s.Kinds[kind]; ok {
			if rel, ok := k.Relationships[name]; ok {
				if rel.Cardinality == "" {
					rel.Cardinality = CardinalityMany
				}
				return rel
			}
		}
	}
	return RelationshipSchema{Cardinality: CardinalityMany}
}
