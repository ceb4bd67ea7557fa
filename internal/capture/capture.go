// Package capture acquires raw PCM audio for the transcription pipeline.
//
// The production source is an opaque platform recorder binary that writes
// 16-bit little-endian mono PCM to stdout. The daemon treats it purely as a
// byte stream: spawn, slice stdout into fixed-size chunks, forward. Nothing
// here interprets the audio.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/interviewlift/liftd/internal/lifecycle"
)

// DefaultChunkSize is 100ms of 16kHz 16-bit mono PCM.
const DefaultChunkSize = 3200

// ErrBinaryNotFound is returned by Start when the recorder binary cannot be
// located. Callers should surface this as a capture failure, not retry.
var ErrBinaryNotFound = errors.New("capture: recorder binary not found")

// ErrAlreadyStarted is returned by Start when the source is already running.
var ErrAlreadyStarted = errors.New("capture: already started")

// Source delivers PCM audio chunks until stopped or failed.
type Source interface {
	// Start begins capture, invoking onChunk for every chunk from the
	// source's own goroutine. It returns an error only when capture cannot
	// begin at all.
	Start(ctx context.Context, onChunk func(chunk []byte)) error

	// Stop ends capture and releases the underlying resource. Idempotent.
	Stop() error

	// Done delivers the terminal error (nil for a clean stop) once per
	// Start. Watching Done is how the owner detects a crashed recorder.
	Done() <-chan error
}

// RecorderConfig configures a subprocess-backed capture source.
type RecorderConfig struct {
	// BinaryPath is the recorder executable, looked up in PATH when not
	// absolute.
	BinaryPath string

	// Args are passed to the recorder verbatim.
	Args []string

	// ChunkSize is the slice size in bytes. Default [DefaultChunkSize].
	ChunkSize int

	// Registry, when non-nil, tracks the child process for sweep on full
	// reset.
	Registry *lifecycle.Registry
}

// Recorder captures audio by running an external recorder binary and
// slicing its stdout. Use [NewRecorder].
type Recorder struct {
	cfg RecorderConfig

	mu      sync.Mutex
	started bool
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	done    chan error
}

var _ Source = (*Recorder)(nil)

// NewRecorder creates a Recorder for cfg.
func NewRecorder(cfg RecorderConfig) *Recorder {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	return &Recorder{cfg: cfg, done: make(chan error, 1)}
}

// Start implements [Source]. It resolves the binary, spawns it, and begins
// slicing stdout into chunks.
func (r *Recorder) Start(ctx context.Context, onChunk func(chunk []byte)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrAlreadyStarted
	}

	path, err := exec.LookPath(r.cfg.BinaryPath)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrBinaryNotFound, r.cfg.BinaryPath)
	}

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, path, r.cfg.Args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("capture: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("capture: start recorder: %w", err)
	}

	r.started = true
	r.cmd = cmd
	r.cancel = cancel
	r.done = make(chan error, 1)
	if r.cfg.Registry != nil {
		r.cfg.Registry.TrackCommand(cmd)
	}
	slog.Info("recorder started", "binary", path, "pid", cmd.Process.Pid)

	go r.pump(runCtx, cmd, stdout, onChunk)
	return nil
}

// pump slices stdout into chunks until the recorder exits or is cancelled.
func (r *Recorder) pump(ctx context.Context, cmd *exec.Cmd, stdout io.Reader, onChunk func([]byte)) {
	buf := make([]byte, r.cfg.ChunkSize)
	var readErr error
	for {
		n, err := io.ReadFull(stdout, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onChunk(chunk)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				readErr = err
			}
			break
		}
	}

	waitErr := cmd.Wait()

	r.mu.Lock()
	r.started = false
	r.cmd = nil
	done := r.done
	stopped := ctx.Err() != nil
	r.mu.Unlock()
	if r.cfg.Registry != nil {
		r.cfg.Registry.UntrackCommand(cmd)
	}

	switch {
	case stopped:
		// Deliberate stop. Exit status of a killed process is noise.
		done <- nil
	case readErr != nil:
		done <- fmt.Errorf("capture: read: %w", readErr)
	case waitErr != nil:
		done <- fmt.Errorf("capture: recorder exited: %w", waitErr)
	default:
		done <- errors.New("capture: recorder closed its output")
	}
}

// Stop implements [Source].
func (r *Recorder) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Done implements [Source].
func (r *Recorder) Done() <-chan error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}
