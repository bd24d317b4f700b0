// Package admission holds the two process-wide switches the
// multi-factor read engine consults on every request: data_admit (may
// a miss be promoted into the cache) and load_admit (probability a hit
// is served from cache rather than spilled to core).
//
// Readers vastly outnumber writers (every cache read touches both
// switches once; only the monitor writes). Grounded on the original
// mf_monitor.c rwlock-guarded globals, generalized to one rwmutex per
// switch so reads of one never block on writes of the other.
package admission

import (
	"math/rand"
	"sync"
	"time"
)

// State holds the two admission switches. The zero value is not ready
// for use; construct with New.
type State struct {
	dataMu    sync.RWMutex
	dataAdmit bool

	loadMu    sync.RWMutex
	loadAdmit float64

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates a State in the initial FALLBACK configuration:
// data_admit=true, load_admit=1.0.
func New() *State {
	return &State{
		dataAdmit: true,
		loadAdmit: 1.0,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// QueryDataAdmit returns the current data_admit switch.
func (s *State) QueryDataAdmit() bool {
	s.dataMu.RLock()
	defer s.dataMu.RUnlock()
	return s.dataAdmit
}

// QueryLoadAdmit returns the current load_admit switch.
func (s *State) QueryLoadAdmit() float64 {
	s.loadMu.RLock()
	defer s.loadMu.RUnlock()
	return s.loadAdmit
}

// SetDataAdmit sets the data_admit switch. Monitor-only.
func (s *State) SetDataAdmit(v bool) {
	s.dataMu.Lock()
	s.dataAdmit = v
	s.dataMu.Unlock()
}

// SetLoadAdmit sets the load_admit switch. Monitor-only. Values are
// not clamped here: the monitor is responsible for keeping load_admit
// within [0,1] (spec property 11); this setter just publishes it.
func (s *State) SetLoadAdmit(v float64) {
	s.loadMu.Lock()
	s.loadAdmit = v
	s.loadMu.Unlock()
}

// SampleLoadAdmitAllowed draws uniform(0,1) and compares it against the
// current load_admit, implementing "a hit is served from cache with
// probability load_admit". Each request should call this exactly once
// and pin the result for its lifetime.
func (s *State) SampleLoadAdmitAllowed() bool {
	s.rngMu.Lock()
	u := s.rng.Float64()
	s.rngMu.Unlock()
	return u <= s.QueryLoadAdmit()
}
