// Package mfcache implements a hybrid caching engine that fronts a
// slower backing store ("core") with a faster device ("cache") and
// decides, per read, whether to serve from cache or spill to core
// under two independent admission switches. See SPEC_FULL.md for the
// full design; this file wires the admission, throughput, monitor,
// mapping, engine and device packages into one Cache.
package mfcache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/behrlich/mfcache/admission"
	"github.com/behrlich/mfcache/config"
	"github.com/behrlich/mfcache/device"
	"github.com/behrlich/mfcache/engine"
	"github.com/behrlich/mfcache/internal/logging"
	"github.com/behrlich/mfcache/internal/metrics"
	"github.com/behrlich/mfcache/mapping"
	"github.com/behrlich/mfcache/monitor"
	"github.com/behrlich/mfcache/throughput"
)

// Mode re-exports config.Mode so callers only need to import this
// package for the common case.
type Mode = config.Mode

const (
	ModePT   = config.ModePT
	ModeWA   = config.ModeWA
	ModeWB   = config.ModeWB
	ModeWT   = config.ModeWT
	ModeMFWA = config.ModeMFWA
	ModeMFWB = config.ModeMFWB
	ModeMFWT = config.ModeMFWT
)

// Cache is one running instance of the multi-factor caching engine:
// an admission state, two throughput logs, two device queues, a
// mapping table, a read engine, and (for the mf* modes) a background
// monitor goroutine.
type Cache struct {
	mode config.Mode

	admission *admission.State
	cacheLog  *throughput.Log
	coreLog   *throughput.Log

	cacheVol   device.Volume
	coreVol    device.Volume
	cacheQueue *device.Queue
	coreQueue  *device.Queue

	mapping *mapping.Table
	read    *engine.ReadEngine
	write   engine.WritePolicy
	metrics *metrics.Metrics
	logger  *logging.Logger

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}

	closeOnce sync.Once
}

// Open constructs and starts a Cache from cfg, using the given cache
// and core volumes (e.g. device.NewMemVolume for tests/benchmarks, or
// a device.SocketVolume dialed to a simulated SSD).
func Open(cfg config.Config, cacheVol, coreVol device.Volume, logger *logging.Logger) (*Cache, error) {
	if logger == nil {
		logger = logging.Default()
	}

	logCap := cfg.LogCapacity
	if logCap <= 0 {
		logCap = 120_000
	}
	queueDepth := cfg.QueueDepth
	if queueDepth <= 0 {
		queueDepth = 4096
	}

	adm := admission.New()
	cacheLog := throughput.New(logCap)
	coreLog := throughput.New(logCap)
	m := metrics.New()

	cacheQueue := device.NewQueue(cacheVol, cacheLog, logger, queueDepth)
	coreQueue := device.NewQueue(coreVol, coreLog, logger, queueDepth)
	cacheQueue.Start()
	coreQueue.Start()

	lineCount := int(cfg.CacheSizeBytes / engine.LineSize)
	if lineCount <= 0 {
		lineCount = 1
	}
	mapTable := mapping.NewTable(lineCount)

	variant, err := variantFor(cfg.Mode)
	if err != nil {
		cacheQueue.ForceStop()
		coreQueue.ForceStop()
		return nil, err
	}

	readEngine := engine.NewReadEngine(variant, mapTable, adm, cacheQueue, coreQueue, m, logger)
	writePolicy := writePolicyFor(cfg.Mode, mapTable, cacheQueue, coreQueue, m)

	c := &Cache{
		mode:       cfg.Mode,
		admission:  adm,
		cacheLog:   cacheLog,
		coreLog:    coreLog,
		cacheVol:   cacheVol,
		coreVol:    coreVol,
		cacheQueue: cacheQueue,
		coreQueue:  coreQueue,
		mapping:    mapTable,
		read:       readEngine,
		write:      writePolicy,
		metrics:    m,
		logger:     logger,
	}

	if isMultiFactor(cfg.Mode) {
		ctx, cancel := context.WithCancel(context.Background())
		c.monitorCancel = cancel
		c.monitorDone = make(chan struct{})
		mon := monitor.New(adm, m, cacheLog, coreLog, logger)
		go func() {
			defer close(c.monitorDone)
			mon.Run(ctx)
		}()
	}

	return c, nil
}

func variantFor(mode config.Mode) (engine.Variant, error) {
	switch mode {
	case config.ModeMFWA:
		return engine.MFWA, nil
	case config.ModeMFWB:
		return engine.MFWB, nil
	case config.ModeMFWT:
		return engine.MFWT, nil
	case config.ModePT, config.ModeWA, config.ModeWB, config.ModeWT:
		// Non-multi-factor modes still route reads through the MFWA
		// read path. No monitor runs for them, so data_admit/load_admit
		// stay at their initial true/1.0 unless a caller pins them with
		// Cache.SetStaticAdmission; pt reads bypass the cache in
		// Cache.Read.
		return engine.MFWA, nil
	default:
		return 0, NewError("open", CodeMapping, fmt.Sprintf("unknown mode %q", mode))
	}
}

// writePolicyFor pairs each mode with its classical base write policy
// (spec.md §4.3's "each pairing the multi-factor read path with a
// classical write policy"): wa/mfwa write-around, wb/mfwb write-back,
// wt/mfwt write-through. pt has no real write semantics of its own, so
// it gets write-around, matching its bypass-everything read behaviour.
func writePolicyFor(mode config.Mode, mapTable *mapping.Table, cacheQueue, coreQueue *device.Queue, m *metrics.Metrics) engine.WritePolicy {
	switch mode {
	case config.ModeWB, config.ModeMFWB:
		return engine.NewWriteBack(mapTable, cacheQueue, coreQueue, m)
	case config.ModeWT, config.ModeMFWT:
		return engine.NewWriteThrough(mapTable, cacheQueue, coreQueue, m)
	default: // ModePT, ModeWA, ModeMFWA
		return engine.NewWriteAround(mapTable, cacheQueue, coreQueue, m)
	}
}

func isMultiFactor(mode config.Mode) bool {
	switch mode {
	case config.ModeMFWA, config.ModeMFWB, config.ModeMFWT:
		return true
	default:
		return false
	}
}

// SetStaticAdmission pins data_admit/load_admit directly, bypassing the
// monitor. Open does not call it: in the non-multi-factor modes
// (pt/wa/wb/wt) the switches stay at their initial data_admit=true,
// load_admit=1.0, and pt reads bypass the cache in Read instead.
func (c *Cache) SetStaticAdmission(dataAdmit bool, loadAdmit float64) {
	c.admission.SetDataAdmit(dataAdmit)
	c.admission.SetLoadAdmit(loadAdmit)
}

// Read serves one read request through the cache's read engine. Errors
// reaching onDone are wrapped as *Error so callers can branch on Code
// via errors.Is/IsCode (spec §7's error taxonomy).
func (c *Cache) Read(addr uint64, buf []byte, onDone func(error)) {
	if c.mode == config.ModePT {
		c.read.SetBypassed(true)
	}
	c.read.Serve(addr, buf, func(err error) {
		if onDone != nil {
			onDone(wrapEngineErr(err))
		}
	})
}

// Write routes one write request through the cache's configured base
// write policy (write-around, write-back, or write-through, per the
// mode Open was given). Writes are not multi-factor: the policy is
// fixed at Open time and every write takes the same path regardless of
// the admission switches (spec.md's Non-goal: "not a write-path
// optimiser — writes follow the chosen base policy unchanged").
func (c *Cache) Write(addr uint64, buf []byte, onDone func(error)) {
	r := engine.NewWriteRequest(addr, buf, func(err error) {
		if onDone != nil {
			onDone(wrapEngineErr(err))
		}
	})
	c.write.Write(r)
}

// wrapEngineErr maps the engine package's sentinel errors onto
// mfcache's structured Code taxonomy, keeping engine free of a
// dependency on the root package (which would cycle back into it).
func wrapEngineErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, engine.ErrNoMem):
		return WrapError("read", CodeNoMem, err)
	case errors.Is(err, engine.ErrMapping):
		return WrapError("read", CodeMapping, err)
	case errors.Is(err, engine.ErrLock):
		return WrapError("read", CodeLock, err)
	default:
		return WrapError("read", CodeCoreIO, err)
	}
}

// Metrics returns the cache's running statistics.
func (c *Cache) Metrics() *metrics.Metrics { return c.metrics }

// Mode reports the configured cache mode.
func (c *Cache) Mode() config.Mode { return c.mode }

// Close stops the monitor (if running) and both device queues,
// releasing all background goroutines. Idempotent.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		if c.monitorCancel != nil {
			c.monitorCancel()
			<-c.monitorDone
		}
		c.cacheQueue.ForceStop()
		c.coreQueue.ForceStop()
		c.cacheQueue.Wait()
		c.coreQueue.Wait()
	})
	return nil
}
