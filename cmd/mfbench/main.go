// Command mfbench drives a mfcache.Cache against an in-memory or
// socket-backed pair of devices, issuing a synthetic read workload and
// printing hit/miss, miss-ratio and latency statistics. Grounded on go-ublk's
// cmd/ublk-mem/main.go (flag parsing, leveled logging setup, signal
// handling) and on calvinalkan-agent-task's pflag-based CLI commands.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/behrlich/mfcache"
	"github.com/behrlich/mfcache/config"
	"github.com/behrlich/mfcache/device"
	"github.com/behrlich/mfcache/internal/logging"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr *os.File) int {
	fs := flag.NewFlagSet("mfbench", flag.ContinueOnError)
	fs.SetOutput(stderr)

	mode := fs.String("mode", "mfwa", "cache mode: pt|wa|wb|wt|mfwa|mfwb|mfwt")
	backend := fs.String("backend", "mem", "device backend: mem|socket")
	cacheAddr := fs.String("cache-addr", "", "unix socket path for the cache device (backend=socket)")
	coreAddr := fs.String("core-addr", "", "unix socket path for the core device (backend=socket)")
	cacheSize := fs.Int64("cache-size", 64<<20, "cache device size in bytes")
	coreSize := fs.Int64("core-size", 1<<30, "core device size in bytes")
	cacheBps := fs.Float64("cache-bps", 200<<20, "simulated cache device bandwidth, bytes/sec (backend=mem only)")
	coreBps := fs.Float64("core-bps", 100<<20, "simulated core device bandwidth, bytes/sec (backend=mem only)")
	duration := fs.Duration("duration", 5*time.Second, "how long to run the benchmark")
	concurrency := fs.Int("concurrency", 16, "number of concurrent request submitters")
	rateLimit := fs.Float64("rate", 0, "max requests/sec across all submitters, 0 = unlimited")
	hotsetFraction := fs.Float64("hotset", 0.1, "fraction of the address space treated as hot (likely to hit)")
	verbose := fs.Bool("v", false, "verbose logging")
	configPath := fs.String("config", "", "explicit config file path (JSONC)")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 2
	}

	logCfg := logging.DefaultConfig()
	if *verbose {
		logCfg.Level = logging.LevelDebug
	}
	logCfg.Output = stderr
	logger := logging.NewLogger(logCfg)
	logging.SetDefault(logger)

	workDir, err := os.Getwd()
	if err != nil {
		logger.Error("failed to determine working directory", "error", err)
		return 1
	}

	cfg, _, err := config.Load(workDir, *configPath, os.Environ())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}
	cfg.Mode = config.Mode(*mode)
	cfg.CacheSizeBytes = *cacheSize
	cfg.CoreSizeBytes = *coreSize
	cfg.CacheBytesPerSec = *cacheBps
	cfg.CoreBytesPerSec = *coreBps

	cacheVol, coreVol, closeVols, err := openVolumes(*backend, cfg, *cacheAddr, *coreAddr)
	if err != nil {
		logger.Error("failed to open devices", "error", err)
		return 1
	}
	defer closeVols()

	cache, err := mfcache.Open(cfg, cacheVol, coreVol, logger)
	if err != nil {
		logger.Error("failed to open cache", "error", err)
		return 1
	}
	defer cache.Close()

	logger.Info("benchmark starting", "mode", cfg.Mode, "duration", duration.String(), "concurrency", *concurrency)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	runWorkload(ctx, cache, *concurrency, *hotsetFraction, *rateLimit)

	snap := cache.Metrics().Snap()
	fmt.Fprintf(stdout, "reads=%d cache_hits=%d cache_misses=%d spilled_hits=%d pass_throughs=%d miss_ratio=%.4f avg_latency=%s\n",
		snap.ReadOps, snap.CacheHits, snap.CacheMisses, snap.SpilledHits, snap.PassThroughs, snap.MissRatio, snap.AverageLatency)

	return 0
}

// openVolumes constructs the cache/core device pair for the chosen
// backend: "mem" simulates both devices in-process (spec §6.2's
// bandwidth-throttled in-memory volume), "socket" dials each device as
// a simulated SSD over its own Unix-domain socket (spec §6.1's wire
// protocol), making device.SocketVolume reachable from this binary
// rather than only unit-tested in isolation.
func openVolumes(backend string, cfg config.Config, cacheAddr, coreAddr string) (cacheVol, coreVol device.Volume, closeFn func(), err error) {
	switch backend {
	case "mem":
		cacheVol = device.NewMemVolume(cfg.CacheSizeBytes, cfg.CacheBytesPerSec, 0)
		coreVol = device.NewMemVolume(cfg.CoreSizeBytes, cfg.CoreBytesPerSec, 0)
		return cacheVol, coreVol, func() {}, nil

	case "socket":
		if cacheAddr == "" || coreAddr == "" {
			return nil, nil, nil, fmt.Errorf("backend=socket requires -cache-addr and -core-addr")
		}
		cv, err := device.DialSocketVolume(cacheAddr, cfg.CacheSizeBytes, true)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("dial cache device: %w", err)
		}
		ov, err := device.DialSocketVolume(coreAddr, cfg.CoreSizeBytes, true)
		if err != nil {
			cv.Close()
			return nil, nil, nil, fmt.Errorf("dial core device: %w", err)
		}
		return cv, ov, func() { cv.Close(); ov.Close() }, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown backend %q, want mem|socket", backend)
	}
}

// runWorkload issues reads from concurrency submitter goroutines,
// biasing addresses toward a hot set so the cache observes a
// meaningful mix of hits and misses, until ctx is cancelled.
// ratePerSec caps the aggregate request rate across all submitters;
// 0 leaves them unthrottled.
func runWorkload(ctx context.Context, cache *mfcache.Cache, concurrency int, hotsetFraction, ratePerSec float64) {
	const addressSpaceLines = 1 << 16
	hotLines := int(float64(addressSpaceLines) * hotsetFraction)
	if hotLines < 1 {
		hotLines = 1
	}

	var limiter *time.Ticker
	if ratePerSec > 0 {
		limiter = time.NewTicker(time.Duration(float64(time.Second) / ratePerSec))
		defer limiter.Stop()
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		seed := int64(i + 1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				if limiter != nil {
					select {
					case <-limiter.C:
					case <-ctx.Done():
						return
					}
				}

				var line int
				if rng.Float64() < 0.9 {
					line = rng.Intn(hotLines)
				} else {
					line = rng.Intn(addressSpaceLines)
				}
				addr := uint64(line) * 4096

				done := make(chan struct{})
				cache.Read(addr, make([]byte, 4096), func(error) { close(done) })
				select {
				case <-done:
				case <-ctx.Done():
					return
				}
			}
		}(seed)
	}
	wg.Wait()
}
