package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/behrlich/mfcache/admission"
	"github.com/behrlich/mfcache/throughput"
)

// fakeStats is a directly-settable MissRatioSource for deterministic
// monitor tests.
type fakeStats struct{ ratio float64 }

func (f *fakeStats) MissRatio() float64 { return f.ratio }

func fastMonitor(adm *admission.State, stats MissRatioSource, cacheLog, coreLog *throughput.Log) *Monitor {
	m := New(adm, stats, cacheLog, coreLog, nil)
	m.waitStableSleep = time.Millisecond
	m.measureThroughput = time.Millisecond
	return m
}

// Property 10: while in FALLBACK, data_admit=true and load_admit=1.0
// are always observable — checked at the instant New() returns and
// before Run ever executes.
func TestInitialStateIsFallback(t *testing.T) {
	adm := admission.New()
	assert.True(t, adm.QueryDataAdmit())
	assert.Equal(t, 1.0, adm.QueryLoadAdmit())
}

func TestWaitStableReturnsOnceStable(t *testing.T) {
	adm := admission.New()
	stats := &fakeStats{ratio: 0.5}
	m := fastMonitor(adm, stats, throughput.New(16), throughput.New(16))

	ctx := context.Background()
	ratio, ok := m.waitStable(ctx)
	assert.True(t, ok)
	assert.Equal(t, 0.5, ratio)
}

func TestWaitStableRespectsCancellation(t *testing.T) {
	adm := admission.New()
	stats := &fakeStats{ratio: 0.0}
	m := fastMonitor(adm, stats, throughput.New(16), throughput.New(16))
	m.waitStableSleep = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := m.waitStable(ctx)
	assert.False(t, ok)
}

// Property 11: tune_load_admit always leaves load_admit in [0,1].
func TestTuneLoadAdmitStaysInBounds(t *testing.T) {
	adm := admission.New()
	stats := &fakeStats{ratio: 0.1}
	cacheLog := throughput.New(1024)
	coreLog := throughput.New(1024)
	m := fastMonitor(adm, stats, cacheLog, coreLog)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	m.tuneLoadAdmit(ctx, 0.1)

	la := adm.QueryLoadAdmit()
	assert.GreaterOrEqual(t, la, 0.0)
	assert.LessOrEqual(t, la, 1.0)
}

// Property 12: if miss_ratio exceeds base+0.2 during tuning, the
// monitor returns to FALLBACK within one probe interval.
func TestWorkloadShiftDuringTuneReturnsPromptly(t *testing.T) {
	adm := admission.New()
	stats := &fakeStats{ratio: 0.9} // already far above any base
	cacheLog := throughput.New(16)
	coreLog := throughput.New(16)
	m := fastMonitor(adm, stats, cacheLog, coreLog)

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		m.tuneLoadAdmit(ctx, 0.1)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tuneLoadAdmit did not return on workload shift")
	}
}

// Property 13: two consecutive committed passes at load_admit==1.0
// trigger intensity collapse and Run returns to FALLBACK, observable
// by data_admit/load_admit being reset on the next loop iteration.
func TestRunRestartsOnIntensityCollapse(t *testing.T) {
	adm := admission.New()
	stats := &fakeStats{ratio: 0.05}
	cacheLog := throughput.New(16)
	coreLog := throughput.New(16)
	m := fastMonitor(adm, stats, cacheLog, coreLog)

	// With empty throughput logs every probe measures 0 kB/s, so every
	// neighbour ties at tp2 and the centre always wins — load_admit
	// never moves off whatever it was seeded at (1.0 from FALLBACK),
	// forcing intensity collapse on the very first tune pass.
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	m.Run(ctx)

	// After intensity collapse the loop resets to FALLBACK defaults
	// before waiting again; with the short deadline we just assert no
	// panic/deadlock occurred and the switches remain in range.
	la := adm.QueryLoadAdmit()
	assert.GreaterOrEqual(t, la, 0.0)
	assert.LessOrEqual(t, la, 1.0)
}
