// Package monitor implements the adaptive control loop that tunes the
// admission switches (spec §4.4): wait for workload stability, freeze
// data_admit, hill-climb load_admit against combined device
// throughput, detect workload shifts and intensity collapse, and
// restart. Grounded on mf_monitor.c's monitor_wait_stable /
// monitor_measure_throughput / monitor_tune_load_admit / monitor_func,
// re-expressed with context.Context cancellation in place of the
// atomic should_stop + pthread_exit idiom (spec §9, "detached threads
// → tasks with explicit join handles").
package monitor

import (
	"context"
	"time"

	"github.com/behrlich/mfcache/admission"
	"github.com/behrlich/mfcache/internal/constants"
	"github.com/behrlich/mfcache/internal/logging"
	"github.com/behrlich/mfcache/throughput"
)

// MissRatioSource is whatever tracks the cumulative read-miss ratio
// the monitor samples; satisfied by *internal/metrics.Metrics.
type MissRatioSource interface {
	MissRatio() float64
}

// Monitor owns no state shared with anything else (spec §3: "Owned
// exclusively by the monitor task; never shared"); its locals are
// plain struct fields private to the running goroutine.
type Monitor struct {
	admission *admission.State
	stats     MissRatioSource
	cacheLog  *throughput.Log
	coreLog   *throughput.Log
	logger    *logging.Logger

	waitStableSleep    time.Duration
	measureThroughput  time.Duration
	wstThreshold       float64
	workloadChangeThr  float64
	tuningStep         float64
}

// New builds a Monitor over the given admission state, miss-ratio
// source and per-device throughput logs, using the spec's published
// constants (spec §6, "Configuration surface").
func New(adm *admission.State, stats MissRatioSource, cacheLog, coreLog *throughput.Log, logger *logging.Logger) *Monitor {
	if logger == nil {
		logger = logging.Default()
	}
	return &Monitor{
		admission:         adm,
		stats:             stats,
		cacheLog:          cacheLog,
		coreLog:           coreLog,
		logger:            logger,
		waitStableSleep:   constants.WaitStableSleepInterval,
		measureThroughput: constants.MeasureThroughputInterval,
		wstThreshold:      constants.WaitStableThreshold,
		workloadChangeThr: constants.WorkloadChangeThreshold,
		tuningStep:        constants.LoadAdmitTuningStep,
	}
}

// Run is the main loop (spec §4.4.5): FALLBACK defaults, wait for
// stability, freeze data_admit, hill-climb, repeat — until ctx is
// cancelled. Intended to run in its own goroutine.
func (m *Monitor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		m.admission.SetDataAdmit(true)
		m.admission.SetLoadAdmit(1.0)

		baseMissRatio, ok := m.waitStable(ctx)
		if !ok {
			return
		}

		m.admission.SetDataAdmit(false)
		m.tuneLoadAdmit(ctx, baseMissRatio)
	}
}

// waitStable samples the miss ratio until two consecutive samples are
// within wstThreshold of each other (spec §4.4.2). Returns ok=false if
// ctx was cancelled mid-wait.
func (m *Monitor) waitStable(ctx context.Context) (baseMissRatio float64, ok bool) {
	last := -0.1
	for {
		if ctx.Err() != nil {
			return 0, false
		}
		current := m.stats.MissRatio()
		if abs(current-last) <= m.wstThreshold {
			return current, true
		}
		last = current

		select {
		case <-ctx.Done():
			return 0, false
		case <-time.After(m.waitStableSleep):
		}
	}
}

// measure sets load_admit to la, lets the devices run for one
// measurement interval, then returns combined cache+core throughput in
// kB/s (spec §4.4.3).
func (m *Monitor) measure(ctx context.Context, la float64) float64 {
	m.admission.SetLoadAdmit(la)

	select {
	case <-ctx.Done():
		return 0
	case <-time.After(m.measureThroughput):
	}

	endMs := nowMs()
	beginMs := endMs - float64(m.measureThroughput.Milliseconds())
	return m.cacheLog.Query(beginMs, endMs) + m.coreLog.Query(beginMs, endMs)
}

// probe evaluates a candidate load_admit la, returning -0.1 without
// measuring if la falls outside [0,1] so it never wins a comparison
// (spec §4.4.4, "probes below 0 or above 1 are marked -0.1").
func (m *Monitor) probe(ctx context.Context, la float64) float64 {
	if la < 0.0 || la > 1.0 {
		return -0.1
	}
	return m.measure(ctx, la)
}

// tuneLoadAdmit hill-climbs load_admit to maximise combined throughput
// (spec §4.4.4), returning when the workload shifts or the client
// stops saturating cache bandwidth (intensity collapse, two
// consecutive passes committing load_admit==1.0).
func (m *Monitor) tuneLoadAdmit(ctx context.Context, baseMissRatio float64) {
	secondChance := false

	for {
		if ctx.Err() != nil {
			return
		}

		la2 := m.admission.QueryLoadAdmit()
		tp2 := m.measure(ctx, la2)

		la3 := la2 + m.tuningStep
		tp3 := m.probe(ctx, la3)
		la1 := la2 - m.tuningStep
		tp1 := m.probe(ctx, la1)

		m.admission.SetLoadAdmit(la2)

		committed, shifted := m.slopeFollow(ctx, baseMissRatio, la1, tp1, la2, tp2, la3, tp3)
		if shifted {
			return
		}

		if committed == 1.0 {
			if secondChance {
				return
			}
			secondChance = true
			continue
		}
		secondChance = false
	}
}

// slopeFollow runs the inner loop of spec §4.4.4 step 4: sample miss
// ratio, bail out to FALLBACK on workload shift, otherwise walk the
// three-probe window toward whichever neighbour has higher throughput
// until the centre probe wins, then commit load_admit := la2.
func (m *Monitor) slopeFollow(ctx context.Context, baseMissRatio, la1, tp1, la2, tp2, la3, tp3 float64) (committed float64, shifted bool) {
	for {
		if ctx.Err() != nil {
			return 0, true
		}

		if m.stats.MissRatio() > baseMissRatio+m.workloadChangeThr {
			return 0, true
		}

		switch {
		case tp2 >= tp3 && tp2 >= tp1:
			m.admission.SetLoadAdmit(la2)
			return la2, false

		case tp3 >= tp1:
			la1, tp1 = la2, tp2
			la2, tp2 = la3, tp3
			la3 = la3 + m.tuningStep
			if la3 >= 1.0 {
				la3 = 1.0
				tp3 = -0.1
				m.admission.SetLoadAdmit(la2)
				return la2, false
			}
			tp3 = m.measure(ctx, la3)

		default:
			la3, tp3 = la2, tp2
			la2, tp2 = la1, tp1
			la1 = la1 - m.tuningStep
			if la1 <= 0.0 {
				la1 = 0.0
				tp1 = -0.1
				m.admission.SetLoadAdmit(la2)
				return la2, false
			}
			tp1 = m.measure(ctx, la1)
		}
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func nowMs() float64 {
	return float64(time.Now().UnixNano()) / 1e6
}
