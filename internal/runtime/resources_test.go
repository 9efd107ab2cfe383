package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResourceTrackerSnapshot(t *testing.T) {
	tracker := newResourceTracker()

	first := tracker.Snapshot()
	assert.Zero(t, first.CPUPercent, "no baseline yet")
	assert.NotZero(t, first.HeapBytes)
	assert.NotZero(t, first.Goroutines)

	second := tracker.Snapshot()
	assert.GreaterOrEqual(t, second.CPUPercent, 0.0)
	assert.GreaterOrEqual(t, second.GCCycles, first.GCCycles)
}

func TestNilResourceTracker(t *testing.T) {
	var tracker *resourceTracker
	assert.Equal(t, ResourceUsage{}, tracker.Snapshot())
}
