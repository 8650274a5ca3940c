package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveDiffUpdate(t *testing.T) {
	before := testutil.ToFloat64(diffUpdates.WithLabelValues(ModeExtend))
	ObserveDiffUpdate(ModeExtend, time.Now())
	assert.Equal(t, before+1, testutil.ToFloat64(diffUpdates.WithLabelValues(ModeExtend)))
}

func TestSetConflicts(t *testing.T) {
	SetConflicts("feature", 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(diffConflicts.WithLabelValues("feature")))
	SetConflicts("feature", 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(diffConflicts.WithLabelValues("feature")))
}

func TestMergeCounters(t *testing.T) {
	nodes := testutil.ToFloat64(mergeNodes.WithLabelValues("skipped"))
	errs := testutil.ToFloat64(mergeErrors)
	MergedNode("skipped")
	MergeFailed()
	assert.Equal(t, nodes+1, testutil.ToFloat64(mergeNodes.WithLabelValues("skipped")))
	assert.Equal(t, errs+1, testutil.ToFloat64(mergeErrors))
}
