package kunwind

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeduperObserveFirstReportsOnce(t *testing.T) {
	metrics := NewMetrics()
	events := NewEventChannel(8, metrics)
	d := NewDeduper(metrics)

	rec := &TraceRecord{PID: 1, Lists: []FrameList{mkFrameList(Frame{File: 1, Kind: KindNative})}}

	r1 := d.Observe(1, rec, false, events)
	assert.True(t, r1.Reported)
	assert.Equal(t, uint64(1), r1.Count)

	r2 := d.Observe(1, rec, false, events)
	assert.False(t, r2.Reported, "a second Observe for the same hash must not re-report")
	assert.Equal(t, uint64(2), r2.Count, "known_traces_hit still counts the occurrence")

	assert.Equal(t, 1, d.KnownTraceCount())
}

func TestDeduperDrainKeepsKnownTraces(t *testing.T) {
	metrics := NewMetrics()
	events := NewEventChannel(8, metrics)
	d := NewDeduper(metrics)
	rec := &TraceRecord{PID: 1}

	r1 := d.Observe(5, rec, false, events)
	require.True(t, r1.Reported)

	gotRec, ok := d.Drain(5)
	require.True(t, ok)
	assert.Same(t, rec, gotRec)

	// known_traces is monotonic across Drain: a later identical trace
	// still short-circuits through the fast isKnown path (property 4).
	r2 := d.Observe(5, rec, false, events)
	assert.False(t, r2.Reported)
	assert.Equal(t, 1, d.KnownTraceCount())

	_, ok = d.Drain(5)
	assert.False(t, ok, "draining an already-drained hash finds nothing in-flight")
}

func TestDeduperObserveTriggersTracesReadyOnlyWhenNeeded(t *testing.T) {
	metrics := NewMetrics()
	events := NewEventChannel(8, metrics)
	d := NewDeduper(metrics)

	d.Observe(1, &TraceRecord{}, false, events)
	assert.Equal(t, 0, events.Len(), "a purely-native trace never triggers TRACES_READY")

	d.Observe(2, &TraceRecord{}, true, events)
	assert.Equal(t, 1, events.Len())
}

func TestNeedsSymbolization(t *testing.T) {
	native := []FrameList{mkFrameList(Frame{Kind: KindNative})}
	assert.False(t, needsSymbolization(native))

	mixed := []FrameList{mkFrameList(Frame{Kind: KindNative}, Frame{Kind: KindPython})}
	assert.True(t, needsSymbolization(mixed))
}

func TestDeduperKnownTracesCapacity(t *testing.T) {
	metrics := NewMetrics()
	events := NewEventChannel(8, metrics)
	d := NewDeduper(metrics)

	for i := uint64(0); i < MaxKnownTraces+10; i++ {
		d.Observe(i, &TraceRecord{}, false, events)
	}
	assert.LessOrEqual(t, d.KnownTraceCount(), MaxKnownTraces)
	assert.Greater(t, metrics.Get(MetricDedupMapFull), uint64(0))
}
