package playback

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/opendialogue/internal/observe"
	"github.com/MrWong99/opendialogue/pkg/audio"
	audiomock "github.com/MrWong99/opendialogue/pkg/audio/mock"
	ttsmock "github.com/MrWong99/opendialogue/pkg/provider/tts/mock"
)

// recorder is an Observer that records events as "start:<id>" / "end:<id>".
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) OnSpeakerStart(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "start:"+id)
}

func (r *recorder) OnSpeakerEnd(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "end:"+id)
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// assertSerial fails unless every start is followed by the matching end
// before the next start.
func assertSerial(t *testing.T, events []string) {
	t.Helper()
	open := ""
	for i, ev := range events {
		kind, id, _ := strings.Cut(ev, ":")
		switch kind {
		case "start":
			if open != "" {
				t.Fatalf("event %d %q starts while %q is still playing: %v", i, ev, open, events)
			}
			open = id
		case "end":
			if open == id {
				open = ""
			}
		}
	}
}

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// counter returns the value of the data point of the named int64 sum whose
// attribute key equals value, or 0 when absent.
func counter(t *testing.T, reader *sdkmetric.ManualReader, name, key, value string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not an int64 sum", name)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				if key == "" {
					total += dp.Value
					continue
				}
				if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.Emit() == value {
					total += dp.Value
				}
			}
			return total
		}
	}
	return 0
}

// harness bundles a running scheduler over mock collaborators.
type harness struct {
	dev     *audiomock.Device
	tts     *ttsmock.Provider
	gate    *Gate
	cache   *Cache
	synth   *Synthesizer
	sched   *Scheduler
	metrics *observe.Metrics
	reader  *sdkmetric.ManualReader
}

func newHarness(t *testing.T, dev *audiomock.Device, prov *ttsmock.Provider, opts ...SchedulerOption) *harness {
	t.Helper()
	m, reader := newTestMetrics(t)
	cache, err := NewCache(WithCacheMetrics(m))
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	gate := NewGate(func(context.Context) (audio.Device, error) { return dev, nil },
		WithGateMetrics(m), WithResumeTimeout(200*time.Millisecond))
	synth := NewSynthesizer(prov, cache, WithSynthMetrics(m))
	sched := NewScheduler(gate, synth, append([]SchedulerOption{WithSchedulerMetrics(m)}, opts...)...)
	t.Cleanup(func() {
		_ = sched.Close()
		_ = gate.Close()
	})
	return &harness{dev: dev, tts: prov, gate: gate, cache: cache, synth: synth, sched: sched, metrics: m, reader: reader}
}

// waitAll waits for every channel or fails the test after a timeout.
func waitAll(t *testing.T, chans ...<-chan struct{}) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for i, ch := range chans {
		select {
		case <-ch:
		case <-deadline:
			t.Fatalf("item %d did not reach a terminal state", i)
		}
	}
}
