// Command terrascan runs one progressive-scan-and-tile-streaming
// process: an HTTP server exposing the admin debug surface and the
// viewer-facing task API over a single in-process Controller.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/recursive-emergence/terrascan/internal/adminhttp"
	"github.com/recursive-emergence/terrascan/internal/apihttp"
	"github.com/recursive-emergence/terrascan/internal/cache"
	"github.com/recursive-emergence/terrascan/internal/config"
	"github.com/recursive-emergence/terrascan/internal/controller"
	"github.com/recursive-emergence/terrascan/internal/executor"
	"github.com/recursive-emergence/terrascan/internal/fsutil"
	"github.com/recursive-emergence/terrascan/internal/monitoring"
	"github.com/recursive-emergence/terrascan/internal/registry"
	"github.com/recursive-emergence/terrascan/internal/sampler"
	"github.com/recursive-emergence/terrascan/internal/snapshot"
	"github.com/recursive-emergence/terrascan/internal/timeutil"
	"github.com/recursive-emergence/terrascan/internal/version"
)

var logf = monitoring.Component("terrascan")

var (
	listen       = flag.String("listen", ":8080", "HTTP listen address")
	configPath   = flag.String("config", "", "Path to a JSON tuning-config file (optional; defaults apply otherwise)")
	cacheRoot    = flag.String("cache-root", "", "Durable cache root directory (overrides config's cache_root)")
	registryPath = flag.String("registry", "terrascan.db", "Path to the SQLite task registry database")
	synthetic    = flag.Bool("synthetic", false, "Use the synthetic sampler instead of an HTTP elevation service (tests/demo only)")
	printVersion = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	if *printVersion {
		fmt.Println(version.String())
		return
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("loading config: %v", err)
		}
		cfg = loaded
	}

	root := cfg.GetCacheRoot()
	if *cacheRoot != "" {
		root = *cacheRoot
	}
	c, err := cache.NewFileCache(fsutil.OSFileSystem{}, root)
	if err != nil {
		log.Fatalf("opening cache at %q: %v", root, err)
	}

	reg, err := registry.Open(*registryPath)
	if err != nil {
		log.Fatalf("opening task registry at %q: %v", *registryPath, err)
	}
	defer reg.Close()

	smplr := resolveSampler(cfg)

	renderer := snapshot.NewPlotRenderer()
	clock := timeutil.RealClock{}

	execCfg := executor.Config{
		Workers:       cfg.GetWorkerCount(),
		MaxAttempts:   cfg.GetMaxAttempts(),
		SampleTimeout: time.Duration(cfg.GetSamplerDeadlineMs()) * time.Millisecond,
		BackoffBase:   100 * time.Millisecond,
		BackoffCap:    2 * time.Second,
	}

	svc := controller.New(c, smplr, renderer, execCfg, cfg.GetBusCapacity(), clock)
	svc.SetRegistry(reg)
	svc.SetSlowSessionTimeout(time.Duration(cfg.GetSlowSessionTimeoutMs()) * time.Millisecond)
	svc.SetSnapshotRegenDelta(cfg.GetSnapshotRegenDelta())

	if err := svc.LoadFromCache(); err != nil {
		log.Fatalf("loading tasks from cache: %v", err)
	}

	mux := http.NewServeMux()
	adminhttp.Attach(mux, svc, reg)
	apihttp.Attach(mux, svc, c, apihttp.Options{
		HeartbeatInterval: time.Duration(cfg.GetHeartbeatIntervalMs()) * time.Millisecond,
		IdleTimeout:       time.Duration(cfg.GetSessionIdleTimeoutMs()) * time.Millisecond,
		SessionBuffer:     cfg.GetSessionBuffer(),
		Clock:             clock,
	})

	server := &http.Server{
		Addr:    *listen,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logf("listening on %s (cache=%s registry=%s)", *listen, root, *registryPath)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("terrascan: server error: %v", err)
		}
	}()

	<-ctx.Done()
	logf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logf("graceful shutdown failed, forcing close: %v", err)
		if err := server.Close(); err != nil {
			logf("force close error: %v", err)
		}
	}

	wg.Wait()
	logf("shutdown complete")
}

// resolveSampler picks the production HTTP sampler when an endpoint is
// configured, or the synthetic sampler when --synthetic was passed
// explicitly. It never composes the two with sampler.Fallback: a
// synthetic fallback is for tests/demo use only, and silently
// substituting it for a production sampler's failure would hide a real
// outage behind plausible-looking terrain (spec §4.1).
func resolveSampler(cfg *config.Config) sampler.Sampler {
	endpoint := cfg.GetSamplerEndpoint()
	if endpoint == "" {
		if !*synthetic {
			log.Fatalf("no sampler_endpoint configured and --synthetic not set; refusing to start without a real sampler")
		}
		logf("using synthetic sampler (--synthetic)")
		return &sampler.SyntheticSampler{}
	}
	deadline := time.Duration(cfg.GetSamplerDeadlineMs()) * time.Millisecond
	return sampler.NewHTTPSampler(endpoint, deadline)
}
