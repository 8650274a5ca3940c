package enrich

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/systemshift/graphdiff/internal/diff"
)

// LabelSource resolves display labels of nodes as seen on a branch at a
// point in time. Unknown ids are left out of the result.
type LabelSource interface {
	NodeLabels(ctx context.Context, branch string, at time.Time, ids []string) (map[string]string, error)
}

const (
	defaultLabelBatchSize = 100
	defaultLabelWorkers   = 4
)

// Labels sets node and peer display labels. Ids are looked up on the diff
// branch first; ids it does not know, such as nodes removed on it, are looked
// up on the base branch.
type Labels struct {
	source    LabelSource
	batchSize int
	workers   int
	logger    *zap.Logger
}

// NewLabels returns a label pass. Non-positive sizes fall back to defaults.
func NewLabels(source LabelSource, batchSize, workers int, logger *zap.Logger) *Labels {
	if batchSize <= 0 {
		batchSize = defaultLabelBatchSize
	}
	if workers <= 0 {
		workers = defaultLabelWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Labels{source: source, batchSize: batchSize, workers: workers, logger: logger}
}

func (l *Labels) Name() string { return "labels" }

func (l *Labels) Enrich(ctx context.Context, root *diff.Root) (*diff.Root, error) {
	out := root.Clone()
	ids := labelIDs(out)
	if len(ids) == 0 {
		return out, nil
	}

	// Labels are read at the last instant inside the window.
	at := out.ToTime.Add(-time.Nanosecond)
	labels, err := l.fetch(ctx, out.DiffBranch, at, ids)
	if err != nil {
		return nil, err
	}
	if out.BaseBranch != out.DiffBranch {
		var missing []string
		for _, id := range ids {
			if _, ok := labels[id]; !ok {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			base, err := l.fetch(ctx, out.BaseBranch, at, missing)
			if err != nil {
				return nil, err
			}
			for id, label := range base {
				labels[id] = label
			}
		}
	}

	for _, n := range out.Nodes {
		if label, ok := labels[n.UUID]; ok {
			n.Label = label
		}
		for _, g := range n.Relationships {
			for _, rel := range g.Relationships {
				if label, ok := labels[rel.PeerID]; ok {
					rel.PeerLabel = label
				}
			}
		}
	}
	l.logger.Debug("labels resolved",
		zap.String("branch", out.DiffBranch),
		zap.Int("requested", len(ids)),
		zap.Int("resolved", len(labels)))
	return out, nil
}

// fetch looks ids up in batches, running up to l.workers batches at once.
func (l *Labels) fetch(ctx context.Context, branch string, at time.Time, ids []string) (map[string]string, error) {
	var (
		mu     sync.Mutex
		labels = make(map[string]string, len(ids))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)
	for start := 0; start < len(ids); start += l.batchSize {
		end := min(start+l.batchSize, len(ids))
		batch := ids[start:end]
		g.Go(func() error {
			got, err := l.source.NodeLabels(gctx, branch, at, batch)
			if err != nil {
				return fmt.Errorf("fetching labels on %s: %w", branch, err)
			}
			mu.Lock()
			for id, label := range got {
				labels[id] = label
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return labels, nil
}

func labelIDs(root *diff.Root) []string {
	seen := make(map[string]bool)
	for _, n := range root.Nodes {
		seen[n.UUID] = true
		for _, g := range n.Relationships {
			for _, rel := range g.Relationships {
				seen[rel.PeerID] = true
			}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
