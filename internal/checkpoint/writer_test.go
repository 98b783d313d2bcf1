package checkpoint

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pathhole/internal/metrics"
	"pathhole/internal/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu        sync.Mutex
	fail      error
	telemetry []model.TelemetrySample
	potholes  []model.PotholeEvent
	calls     int
}

func (m *memSink) SaveTelemetry(_ context.Context, s model.TelemetrySample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail != nil {
		return m.fail
	}
	m.telemetry = append(m.telemetry, s)
	return nil
}

func (m *memSink) SavePothole(_ context.Context, p model.PotholeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail != nil {
		return m.fail
	}
	m.potholes = append(m.potholes, p)
	return nil
}

func (m *memSink) snapshot() ([]model.TelemetrySample, []model.PotholeEvent, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.TelemetrySample(nil), m.telemetry...), append([]model.PotholeEvent(nil), m.potholes...), m.calls
}

func testConfig() model.CheckpointConfig {
	return model.CheckpointConfig{
		TelemetryInterval: 2 * time.Second,
		WriteTimeout:      time.Second,
		BreakerFailures:   2,
		BreakerCooldown:   time.Hour,
	}
}

func stop(t *testing.T, w *Writer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))
}

var sample = model.Telemetry{SpeedLeft: 100, SpeedRight: 90}

func TestTelemetryThrottledToOnePerInterval(t *testing.T) {
	w := NewWriter(testConfig(), nil, nil)
	sink := &memSink{}
	w.AddSink("mem", sink)

	base := time.UnixMilli(1_700_000_000_000)
	queued := 0
	// 50 samples within one second
	for i := 0; i < 50; i++ {
		if w.Telemetry(base.Add(time.Duration(i)*20*time.Millisecond), sample, "") {
			queued++
		}
	}
	assert.Equal(t, 1, queued)

	assert.False(t, w.Telemetry(base.Add(1999*time.Millisecond), sample, ""))
	assert.True(t, w.Telemetry(base.Add(2000*time.Millisecond), sample, ""))
	assert.False(t, w.Telemetry(base.Add(3000*time.Millisecond), sample, ""))
	assert.True(t, w.Telemetry(base.Add(10*time.Second), sample, ""))

	w.Start()
	stop(t, w)
	telemetry, _, _ := sink.snapshot()
	require.Len(t, telemetry, 3)
	assert.Equal(t, base.UnixMilli(), telemetry[0].TS)
	assert.Equal(t, 100, telemetry[0].SpeedLeft)
	assert.Equal(t, 90, telemetry[0].SpeedRight)
}

func TestPotholesAreNeverThrottled(t *testing.T) {
	w := NewWriter(testConfig(), nil, nil)
	sink := &memSink{}
	w.AddSink("mem", sink)

	now := time.UnixMilli(1_700_000_000_000)
	for i := 0; i < 5; i++ {
		assert.True(t, w.Pothole(now, model.Pothole{Severity: model.SeverityHigh, Value: 4}, "route-1"))
	}
	w.Start()
	stop(t, w)

	_, potholes, _ := sink.snapshot()
	require.Len(t, potholes, 5)
	assert.Equal(t, "route-1", potholes[0].RouteID)
	assert.NotEqual(t, potholes[0].ID, potholes[1].ID)
}

func TestEverySinkReceivesEachEvent(t *testing.T) {
	w := NewWriter(testConfig(), nil, nil)
	a, b := &memSink{}, &memSink{}
	w.AddSink("a", a)
	w.AddSink("b", b)
	w.Start()

	w.Pothole(time.Now(), model.Pothole{Severity: model.SeverityLow, Value: 1}, "")
	stop(t, w)

	_, pa, _ := a.snapshot()
	_, pb, _ := b.snapshot()
	require.Len(t, pa, 1)
	require.Len(t, pb, 1)
	assert.Equal(t, pa[0].ID, pb[0].ID)
}

func TestFailuresAreSwallowedAndBreakerSkipsSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := metrics.NewRecorder(reg)
	w := NewWriter(testConfig(), nil, rec)
	failing := &memSink{fail: errors.New("disk full")}
	healthy := &memSink{}
	w.AddSink("failing", failing)
	w.AddSink("healthy", healthy)

	now := time.Now()
	for i := 0; i < 4; i++ {
		assert.True(t, w.Pothole(now, model.Pothole{Severity: model.SeverityLow, Value: 1}, ""))
	}
	w.Start()
	stop(t, w)

	_, _, calls := failing.snapshot()
	assert.Equal(t, 2, calls, "breaker opens after two consecutive failures")
	_, potholes, _ := healthy.snapshot()
	assert.Len(t, potholes, 4, "a failing sink does not affect the others")
	assert.Equal(t, 0, w.Pending())
}

func TestStopRejectsNewEvents(t *testing.T) {
	w := NewWriter(testConfig(), nil, nil)
	sink := &memSink{}
	w.AddSink("mem", sink)
	w.Start()
	stop(t, w)

	assert.False(t, w.Pothole(time.Now(), model.Pothole{Severity: model.SeverityLow}, ""))
	assert.Equal(t, 0, w.Pending())
	_, potholes, _ := sink.snapshot()
	assert.Empty(t, potholes)
}

func TestTelemetryAfterStopCountsAsDropped(t *testing.T) {
	reg := prometheus.NewRegistry()
	w := NewWriter(testConfig(), nil, metrics.NewRecorder(reg))
	w.AddSink("mem", &memSink{})
	w.Start()
	stop(t, w)

	now := time.UnixMilli(1_700_000_000_000)
	assert.False(t, w.Telemetry(now, sample, ""))
	assert.InDelta(t, 1.0, w.limiter.TokensAt(now), 1e-9, "throttle token untouched")

	expected := `
# HELP checkpoint_events_total Checkpoint lifecycle events by kind and result
# TYPE checkpoint_events_total counter
checkpoint_events_total{kind="telemetry",result="dropped"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "checkpoint_events_total"))
}

func TestEnqueueDoesNotBlockOnSlowSink(t *testing.T) {
	w := NewWriter(testConfig(), nil, nil)
	release := make(chan struct{})
	w.AddSink("slow", blockingSink{release: release})
	w.Start()

	start := time.Now()
	for i := 0; i < 100; i++ {
		w.Pothole(start, model.Pothole{Severity: model.SeverityLow}, "")
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.Greater(t, w.Pending(), 0)

	close(release)
	stop(t, w)
	assert.Equal(t, 0, w.Pending())
}

type blockingSink struct{ release chan struct{} }

func (b blockingSink) SaveTelemetry(ctx context.Context, _ model.TelemetrySample) error {
	return b.wait(ctx)
}

func (b blockingSink) SavePothole(ctx context.Context, _ model.PotholeEvent) error {
	return b.wait(ctx)
}

func (b blockingSink) wait(ctx context.Context) error {
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
