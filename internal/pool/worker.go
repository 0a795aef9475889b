package pool

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sadewadee/katexd/internal/protocol"
	"github.com/sadewadee/katexd/internal/render"
)

// WorkerState represents the current state of a worker.
type WorkerState int

const (
	StateIdle    WorkerState = iota // Worker is ready for a request
	StateBusy                       // Worker is processing a request
	StateStopped                    // Worker has been stopped
)

var errWorkerExited = errors.New("worker process exited")

// Worker is a single KaTeX renderer process speaking the wire protocol on
// its stdin and stdout.
type Worker struct {
	id       int
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	state    atomic.Int32
	retired  atomic.Bool
	jobs     atomic.Int64
	lastUsed atomic.Int64 // unix timestamp
	exited   chan struct{}
	stopOnce sync.Once
	stopErr  error
	mu       sync.Mutex
}

// NewWorker starts a renderer process and waits up to startTimeout for its
// WORKER_READY signal.
func NewWorker(id int, binary string, args, env []string, logger *slog.Logger, startTimeout time.Duration) (*Worker, error) {
	cmd := exec.Command(binary, args...)
	cmd.Env = append(os.Environ(), env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}

	cmd.Stderr = &stderrLogger{logger: logger, workerID: id}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting renderer process: %w", err)
	}

	w := &Worker{
		id:     id,
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		exited: make(chan struct{}),
	}
	w.state.Store(int32(StateIdle))
	w.lastUsed.Store(time.Now().Unix())

	go func() {
		w.stopErr = cmd.Wait()
		close(w.exited)
	}()

	// Wait for WORKER_READY signal from the renderer
	frame, err := w.readFrameTimeout(startTimeout)
	if err != nil {
		w.kill()
		return nil, fmt.Errorf("waiting for worker ready: %w", err)
	}
	if frame.Type != protocol.TypeWorkerReady {
		w.kill()
		return nil, fmt.Errorf("expected WORKER_READY, got type 0x%02x", frame.Type)
	}

	return w, nil
}

// ID returns the worker's unique identifier.
func (w *Worker) ID() int {
	return w.id
}

// State returns the current worker state.
func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

// claim moves an idle worker to busy. It fails for busy or stopped workers.
func (w *Worker) claim() bool {
	return w.state.CompareAndSwap(int32(StateIdle), int32(StateBusy))
}

// claimStop moves an idle worker straight to stopped so nothing can claim it.
func (w *Worker) claimStop() bool {
	return w.state.CompareAndSwap(int32(StateIdle), int32(StateStopped))
}

func (w *Worker) setState(s WorkerState) {
	if w.State() != StateStopped {
		w.state.Store(int32(s))
	}
}

// Jobs returns the number of requests this worker has handled.
func (w *Worker) Jobs() int64 {
	return w.jobs.Load()
}

// Retired reports whether the worker is draining after a reload.
func (w *Worker) Retired() bool {
	return w.retired.Load()
}

// Exec sends one encoded render job and reads the result. A rejection from
// KaTeX is returned as *render.Error; any other error means the process is
// unusable.
func (w *Worker) Exec(job *protocol.WireFrame) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.IsAlive() {
		return "", fmt.Errorf("worker %d: %w", w.id, errWorkerExited)
	}

	defer func() {
		w.lastUsed.Store(time.Now().Unix())
		w.jobs.Add(1)
	}()

	if err := protocol.WriteWireFrame(w.stdin, job); err != nil {
		return "", fmt.Errorf("sending job to worker %d: %w", w.id, err)
	}

	resp, err := protocol.ReadWireFrame(w.stdout)
	if err != nil {
		return "", fmt.Errorf("reading result from worker %d: %w", w.id, err)
	}

	switch resp.Type {
	case protocol.TypeResult:
		hdr, html, err := protocol.DecodeResult(resp)
		if err != nil {
			return "", fmt.Errorf("worker %d: %w", w.id, err)
		}
		if !hdr.OK {
			msg := hdr.Error
			if msg == "" {
				msg = "render failed"
			}
			return "", render.NewError(msg)
		}
		return string(html), nil
	case protocol.TypeError:
		return "", fmt.Errorf("worker %d failed: %s", w.id, resp.Payload)
	default:
		return "", fmt.Errorf("worker %d: unexpected frame type 0x%02x", w.id, resp.Type)
	}
}

// ReadFrame reads a single frame from the worker's stdout.
func (w *Worker) ReadFrame() (*protocol.WireFrame, error) {
	return protocol.ReadWireFrame(w.stdout)
}

// Ping sends a health check to the worker and waits up to timeout for a pong.
func (w *Worker) Ping(timeout time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := protocol.WriteWireFrame(w.stdin, protocol.NewPingFrame()); err != nil {
		return fmt.Errorf("sending ping to worker %d: %w", w.id, err)
	}

	frame, err := w.readFrameTimeout(timeout)
	if err != nil {
		return fmt.Errorf("reading pong from worker %d: %w", w.id, err)
	}
	if frame.Type != protocol.TypePing || !bytes.Equal(frame.Payload, []byte("pong")) {
		return fmt.Errorf("expected PONG from worker %d, got type 0x%02x", w.id, frame.Type)
	}
	return nil
}

// readFrameTimeout reads one frame, killing the process when nothing arrives
// in time so the blocked read returns.
func (w *Worker) readFrameTimeout(timeout time.Duration) (*protocol.WireFrame, error) {
	if timeout <= 0 {
		return protocol.ReadWireFrame(w.stdout)
	}

	type readResult struct {
		frame *protocol.WireFrame
		err   error
	}
	done := make(chan readResult, 1)
	go func() {
		f, err := protocol.ReadWireFrame(w.stdout)
		done <- readResult{f, err}
	}()

	select {
	case r := <-done:
		return r.frame, r.err
	case <-time.After(timeout):
		w.kill()
		return nil, fmt.Errorf("no frame within %s", timeout)
	}
}

// Stop gracefully stops the worker process. It is safe to call more than once.
func (w *Worker) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		w.state.Store(int32(StateStopped))

		// Try graceful shutdown first
		_ = protocol.WriteWireFrame(w.stdin, protocol.NewWorkerStopFrame())
		w.stdin.Close()

		select {
		case <-w.exited:
			var exitErr *exec.ExitError
			if w.stopErr != nil && !errors.As(w.stopErr, &exitErr) {
				err = w.stopErr
			}
		case <-time.After(5 * time.Second):
			// Force kill if graceful shutdown fails
			err = w.cmd.Process.Kill()
		}
	})
	return err
}

func (w *Worker) kill() {
	w.state.Store(int32(StateStopped))
	if w.cmd.Process != nil {
		w.cmd.Process.Kill()
	}
}

// IsAlive checks if the worker process is still running.
func (w *Worker) IsAlive() bool {
	select {
	case <-w.exited:
		return false
	default:
		return w.cmd.Process != nil
	}
}

// stderrLogger forwards renderer process stderr to the pool logger.
type stderrLogger struct {
	logger   *slog.Logger
	workerID int
}

func (s *stderrLogger) Write(p []byte) (int, error) {
	if msg := bytes.TrimSpace(p); len(msg) > 0 {
		s.logger.Warn("worker stderr", "worker_id", s.workerID, "output", string(msg))
	}
	return len(p), nil
}
