package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sadewadee/katexd/internal/config"
	"github.com/sadewadee/katexd/internal/protocol"
	"github.com/sadewadee/katexd/internal/render"
)

// ErrClosed is returned by Render once the pool is stopping.
var ErrClosed = errors.New("pool shutting down")

const (
	workerStartTimeout = 10 * time.Second
	pingTimeout        = 2 * time.Second
	readyTimeout       = 2 * time.Second
	watchdogInterval   = 5 * time.Second
)

// Pool manages a pool of KaTeX renderer processes. It implements
// render.Renderer.
type Pool struct {
	cfg      config.PoolConfig
	renderer config.RendererConfig
	logger   *slog.Logger

	workers   []*Worker
	mu        sync.RWMutex
	closed    bool
	available chan *Worker
	nextID    atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	// Metrics
	totalRequests atomic.Int64
	activeWorkers atomic.Int32
	busyWorkers   atomic.Int32
}

var _ render.Renderer = (*Pool)(nil)

// New creates a new worker pool with the given configuration.
func New(poolCfg config.PoolConfig, rendererCfg config.RendererConfig, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())

	// Room for a full set of retiring workers alongside their replacements.
	size := 2 * poolCfg.MaxWorkers
	if size < 1 {
		size = 1
	}

	return &Pool{
		cfg:       poolCfg,
		renderer:  rendererCfg,
		logger:    logger,
		available: make(chan *Worker, size),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start initializes the pool by spawning the minimum number of workers.
func (p *Pool) Start() error {
	p.logger.Info("starting worker pool",
		"min_workers", p.cfg.MinWorkers,
		"max_workers", p.cfg.MaxWorkers,
		"max_jobs", p.cfg.MaxJobs,
		"binary", p.renderer.Binary,
	)

	for i := 0; i < p.cfg.MinWorkers; i++ {
		w, err := p.spawnWorker()
		if err != nil {
			p.Stop()
			return fmt.Errorf("spawning initial worker %d: %w", i, err)
		}
		p.offer(w)
	}

	go p.watchdog()

	return nil
}

// Render dispatches one job to an idle worker and returns the produced HTML.
func (p *Pool) Render(ctx context.Context, markup string, options map[string]any) (string, error) {
	p.totalRequests.Add(1)

	job, err := protocol.EncodeRender(markup, options)
	if err != nil {
		return "", err
	}

	w, err := p.acquire(ctx)
	if err != nil {
		return "", err
	}
	p.busyWorkers.Add(1)

	type execResult struct {
		html string
		err  error
	}
	done := make(chan execResult, 1)
	go func() {
		html, err := w.Exec(job)
		done <- execResult{html, err}
	}()

	var timeout <-chan time.Time
	if d := p.cfg.RequestTimeout.Duration(); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case r := <-done:
		p.finish(w, r.err)
		return r.html, r.err
	case <-timeout:
		p.logger.Error("worker request timeout", "worker_id", w.ID(), "timeout", p.cfg.RequestTimeout.Duration())
		p.busyWorkers.Add(-1)
		w.kill()
		go p.replaceWorker(w)
		return "", fmt.Errorf("render timeout after %s", p.cfg.RequestTimeout.Duration())
	case <-ctx.Done():
		// The job is already on the pipe; let it finish before reusing the worker.
		go func() {
			r := <-done
			p.finish(w, r.err)
		}()
		return "", ctx.Err()
	case <-p.ctx.Done():
		p.busyWorkers.Add(-1)
		return "", ErrClosed
	}
}

// acquire takes the next claimable worker off the idle queue.
func (p *Pool) acquire(ctx context.Context) (*Worker, error) {
	wait := p.cfg.AllocateTimeout.Duration()
	var timeout <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timeout = t.C
	}

	for {
		select {
		case w, ok := <-p.available:
			if !ok {
				return nil, ErrClosed
			}
			// Retired workers are stopped by the reload drain.
			if w.Retired() || !w.claim() {
				continue
			}
			if !w.IsAlive() {
				p.logger.Warn("dead worker detected", "worker_id", w.ID())
				go p.replaceWorker(w)
				continue
			}
			return w, nil
		case <-timeout:
			return nil, fmt.Errorf("no available worker within %s (pool exhausted)", wait)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.ctx.Done():
			return nil, ErrClosed
		}
	}
}

// finish returns a worker to the pool after a job, or replaces it when the
// job left it unusable.
func (p *Pool) finish(w *Worker, err error) {
	p.busyWorkers.Add(-1)

	if err != nil && !render.IsEngineError(err) {
		p.logger.Error("worker exec failed", "worker_id", w.ID(), "error", err)
		go p.replaceWorker(w)
		return
	}

	if p.needsRecycle(w) {
		go p.replaceWorker(w)
		return
	}

	// Wait for WORKER_READY before returning to pool. A worker that never
	// signals is killed so it cannot stay busy forever.
	ready, rerr := w.readFrameTimeout(readyTimeout)
	if rerr != nil || ready.Type != protocol.TypeWorkerReady {
		p.logger.Warn("worker not ready after job", "worker_id", w.ID(), "error", rerr)
		go p.replaceWorker(w)
		return
	}
	p.release(w)
}

func (p *Pool) release(w *Worker) {
	w.setState(StateIdle)
	if w.Retired() {
		return
	}
	p.offer(w)
}

// offer puts an idle worker on the queue, stopping it if the pool is closed
// or the queue is full.
func (p *Pool) offer(w *Worker) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		go p.discard(w)
		return
	}
	select {
	case p.available <- w:
	default:
		p.logger.Warn("idle queue full, stopping worker", "worker_id", w.ID())
		go p.discard(w)
	}
}

func (p *Pool) discard(w *Worker) {
	if err := w.Stop(); err != nil {
		p.logger.Warn("error stopping worker", "worker_id", w.ID(), "error", err)
	}
	p.removeWorker(w)
}

// Stop gracefully shuts down all workers in the pool.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	workers := make([]*Worker, len(p.workers))
	copy(workers, p.workers)
	p.mu.Unlock()

	p.logger.Info("stopping worker pool")
	p.cancel()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			if err := w.Stop(); err != nil {
				p.logger.Warn("error stopping worker", "worker_id", w.ID(), "error", err)
			}
		}(w)
	}
	wg.Wait()

	close(p.available)
	p.logger.Info("worker pool stopped")
	return nil
}

// Stats returns current pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	total := len(p.workers)
	p.mu.RUnlock()

	busy := int(p.busyWorkers.Load())
	return PoolStats{
		TotalWorkers:  total,
		ActiveWorkers: int(p.activeWorkers.Load()),
		BusyWorkers:   busy,
		IdleWorkers:   max(total-busy, 0),
		TotalRequests: p.totalRequests.Load(),
		QueueDepth:    len(p.available),
	}
}

// PoolStats holds pool metrics.
type PoolStats struct {
	TotalWorkers  int   `json:"total_workers"`
	ActiveWorkers int   `json:"active_workers"`
	BusyWorkers   int   `json:"busy_workers"`
	IdleWorkers   int   `json:"idle_workers"`
	TotalRequests int64 `json:"total_requests"`
	QueueDepth    int   `json:"queue_depth"`
}

func (p *Pool) spawnWorker() (*Worker, error) {
	id := int(p.nextID.Add(1))

	w, err := NewWorker(id, p.renderer.Binary, p.workerArgs(), p.buildEnv(), p.logger, workerStartTimeout)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.workers = append(p.workers, w)
	p.activeWorkers.Add(1)
	p.mu.Unlock()

	p.logger.Debug("worker spawned", "worker_id", id)
	return w, nil
}

func (p *Pool) replaceWorker(old *Worker) {
	p.logger.Debug("replacing worker", "worker_id", old.ID(), "jobs", old.Jobs())

	if err := old.Stop(); err != nil {
		p.logger.Warn("error stopping old worker", "worker_id", old.ID(), "error", err)
	}

	// A worker already removed has had its replacement spawned elsewhere.
	if !p.removeWorker(old) {
		return
	}

	// Only spawn replacement if pool is still running
	if p.ctx.Err() != nil || old.Retired() {
		return
	}

	w, err := p.spawnWorker()
	if err != nil {
		p.logger.Error("failed to spawn replacement worker", "error", err)
		return
	}
	p.offer(w)
}

func (p *Pool) removeWorker(w *Worker) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, worker := range p.workers {
		if worker.ID() == w.ID() {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			p.activeWorkers.Add(-1)
			return true
		}
	}
	return false
}

func (p *Pool) needsRecycle(w *Worker) bool {
	return p.cfg.MaxJobs > 0 && w.Jobs() >= int64(p.cfg.MaxJobs)
}

func (p *Pool) workerArgs() []string {
	var args []string
	if p.renderer.Script != "" {
		args = append(args, p.renderer.Script)
	}
	if p.renderer.KatexPath != "" {
		args = append(args, "--katex", p.renderer.KatexPath)
	}
	return append(args, p.renderer.Args...)
}

func (p *Pool) buildEnv() []string {
	env := []string{}
	if p.cfg.MaxJobs > 0 {
		env = append(env, fmt.Sprintf("KATEXD_MAX_JOBS=%d", p.cfg.MaxJobs))
	}

	for _, k := range slices.Sorted(maps.Keys(p.renderer.Env)) {
		env = append(env, fmt.Sprintf("%s=%s", k, p.renderer.Env[k]))
	}

	return env
}

// watchdog monitors worker health and pool scaling.
func (p *Pool) watchdog() {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.checkHealth()
			p.autoScale()
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Pool) checkHealth() {
	p.mu.RLock()
	workers := make([]*Worker, len(p.workers))
	copy(workers, p.workers)
	p.mu.RUnlock()

	for _, w := range workers {
		if w.State() == StateBusy {
			continue
		}
		if !w.IsAlive() {
			p.logger.Warn("dead worker detected", "worker_id", w.ID())
			go p.replaceWorker(w)
		}
	}

	// Probe each idle worker once; a wedged renderer fails the ping.
	for n := len(p.available); n > 0; n-- {
		var w *Worker
		select {
		case w = <-p.available:
		default:
		}
		if w == nil {
			return
		}
		if w.Retired() || !w.claim() {
			continue
		}
		if err := w.Ping(pingTimeout); err != nil {
			p.logger.Warn("worker failed health check", "worker_id", w.ID(), "error", err)
			go p.replaceWorker(w)
			continue
		}
		p.release(w)
	}
}

func (p *Pool) autoScale() {
	stats := p.Stats()
	if stats.TotalWorkers == 0 {
		return
	}

	// Scale up if busy percentage exceeds threshold (80%)
	busyPct := float64(stats.BusyWorkers) / float64(stats.TotalWorkers) * 100
	if busyPct >= 80 && stats.TotalWorkers < p.cfg.MaxWorkers {
		p.logger.Info("scaling up workers", "busy_pct", busyPct, "current", stats.TotalWorkers)
		w, err := p.spawnWorker()
		if err != nil {
			p.logger.Error("scale-up failed", "error", err)
			return
		}
		p.offer(w)
		return
	}

	// Scale down if idle workers exceed threshold and above minimum
	if busyPct <= 20 && stats.TotalWorkers > p.cfg.MinWorkers {
		select {
		case w, ok := <-p.available:
			if !ok {
				return
			}
			if w.Retired() || !w.claimStop() {
				return
			}
			p.logger.Info("scaling down workers", "busy_pct", busyPct, "current", stats.TotalWorkers)
			go p.discard(w)
		default:
			// No idle workers available to remove
		}
	}
}

// Reload gracefully replaces all workers (zero-downtime restart). New
// workers start first; old ones finish their current job and then stop.
func (p *Pool) Reload() error {
	p.logger.Info("graceful reload starting")

	p.mu.RLock()
	oldWorkers := make([]*Worker, len(p.workers))
	copy(oldWorkers, p.workers)
	p.mu.RUnlock()

	newWorkers := make([]*Worker, 0, p.cfg.MinWorkers)
	for i := 0; i < p.cfg.MinWorkers; i++ {
		w, err := p.spawnWorker()
		if err != nil {
			p.logger.Error("reload: failed to spawn new worker", "error", err)
			for _, nw := range newWorkers {
				p.discard(nw)
			}
			return fmt.Errorf("reload failed: %w", err)
		}
		newWorkers = append(newWorkers, w)
	}
	for _, w := range oldWorkers {
		w.retired.Store(true)
	}
	for _, w := range newWorkers {
		p.offer(w)
	}

	p.logger.Info("reload: new workers spawned", "count", len(newWorkers))

	go p.drain(oldWorkers, len(newWorkers))
	return nil
}

// drain stops retired workers as soon as each one is idle.
func (p *Pool) drain(workers []*Worker, replacements int) {
	for _, w := range workers {
		for !w.claimStop() && w.State() != StateStopped {
			select {
			case <-time.After(100 * time.Millisecond):
			case <-p.ctx.Done():
				return
			}
		}
		p.discard(w)
	}
	p.logger.Info("graceful reload complete", "old_stopped", len(workers), "new_active", replacements)
}
