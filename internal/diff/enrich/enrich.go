// Package enrich holds the passes run over a diff root after it is built or
// combined. Every pass returns a new root and leaves its input untouched.
package enrich

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/systemshift/graphdiff/internal/diff"
)

// Enricher is one pass over a diff root.
type Enricher interface {
	// Name identifies the pass in logs.
	Name() string
	// Enrich returns an annotated copy of root.
	Enrich(ctx context.Context, root *diff.Root) (*diff.Root, error)
}

// Pipeline runs enrichers in order, feeding each the output of the previous.
type Pipeline struct {
	enrichers []Enricher
	logger    *zap.Logger
}

// NewPipeline returns a pipeline over the given passes.
func NewPipeline(logger *zap.Logger, enrichers ...Enricher) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{enrichers: enrichers, logger: logger}
}

// Enrich runs every pass. The first failing pass aborts the pipeline.
func (p *Pipeline) Enrich(ctx context.Context, root *diff.Root) (*diff.Root, error) {
	out := root
	for _, e := range p.enrichers {
		start := time.Now()
		next, err := e.Enrich(ctx, out)
		if err != nil {
			return nil, fmt.Errorf("running enricher %s: %w", e.Name(), err)
		}
		out = next
		p.logger.Debug("enricher finished",
			zap.String("enricher", e.Name()),
			zap.String("diff_branch", root.DiffBranch),
			zap.Duration("duration", time.Since(start)))
	}
	return out, nil
}

// Summary recomputes every counter of the tree.
type Summary struct{}

func (Summary) Name() string { return "summary" }

func (Summary) Enrich(_ context.Context, root *diff.Root) (*diff.Root, error) {
	out := root.Clone()
	out.Recount()
	return out, nil
}

// SchemaLabels fills relationship group labels and cardinalities from a
// schema snapshot.
type SchemaLabels struct {
	Schema *diff.Schema
}

func (SchemaLabels) Name() string { return "schema_labels" }

func (s SchemaLabels) Enrich(_ context.Context, root *diff.Root) (*diff.Root, error) {
	out := root.Clone()
	for _, n := range out.Nodes {
		for name, g := range n.Relationships {
			rel := s.Schema.Relationship(n.Kind, name)
			if rel.Label != "" {
				g.Label = rel.Label
			}
			if g.Cardinality == "" {
				g.Cardinality = rel.Cardinality
			}
		}
		if n.Label == "" && s.Schema != nil {
			if k, ok := s.Schema.Kinds[n.Kind]; ok && k.Label != "" {
				n.Label = k.Label + " " + n.UUID
			}
		}
	}
	return out, nil
}
