package pool

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/sadewadee/katexd/internal/config"
)

func BenchmarkPoolStats(b *testing.B) {
	cfg := config.PoolConfig{
		MinWorkers:      4,
		MaxWorkers:      32,
		MaxJobs:         10000,
		AllocateTimeout: config.Duration(30 * time.Second),
		RequestTimeout:  config.Duration(30 * time.Second),
	}

	p := New(cfg, config.RendererConfig{Binary: "node", Script: "katex-worker.js"}, nil)
	p.totalRequests.Store(1000000)
	p.busyWorkers.Store(10)
	p.activeWorkers.Store(20)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		p.Stats()
	}
}

func BenchmarkBuildEnv(b *testing.B) {
	cfg := config.PoolConfig{
		MinWorkers: 4,
		MaxWorkers: 32,
		MaxJobs:    10000,
	}
	rendererCfg := config.RendererConfig{
		Binary: "node",
		Script: "katex-worker.js",
		Env: map[string]string{
			"NODE_OPTIONS": "--max-old-space-size=256",
			"NODE_ENV":     "production",
			"LANG":         "C",
			"TZ":           "UTC",
		},
	}

	p := New(cfg, rendererCfg, nil)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		p.buildEnv()
	}
}

func BenchmarkNeedsRecycle(b *testing.B) {
	cfg := config.PoolConfig{
		MaxJobs: 10000,
	}
	p := New(cfg, config.RendererConfig{}, nil)

	w := &Worker{}
	w.jobs.Store(5000)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		p.needsRecycle(w)
	}
}

func BenchmarkPoolRender(b *testing.B) {
	cfg := config.PoolConfig{
		MinWorkers:      4,
		MaxWorkers:      4,
		AllocateTimeout: config.Duration(30 * time.Second),
	}
	rendererCfg := config.RendererConfig{
		Binary: os.Args[0],
		Env:    map[string]string{fakeWorkerEnv: "1"},
	}

	p := New(cfg, rendererCfg, testLogger())
	if err := p.Start(); err != nil {
		b.Fatal(err)
	}
	defer p.Stop()

	ctx := context.Background()
	b.ResetTimer()
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := p.Render(ctx, `\frac{a}{b}`, nil); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
