// Package runner drives a deinterlacing pipeline from a raw NV12 stream.
package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/smazurov/m2mdeint/internal/m2m"
)

// Processor is the part of m2m.Pipeline the runner uses.
type Processor interface {
	Process(in *m2m.Frame) ([]*m2m.Frame, error)
	State() m2m.State
	DevicePath() string
	Close() error
}

// StateChangeFunc is called on every state transition.
type StateChangeFunc func(oldState, newState State, err error)

// Options configure a Runner.
type Options struct {
	Logger        *slog.Logger
	OnStateChange StateChangeFunc
}

// Runner reads frames, feeds them to a Processor and writes what comes out.
type Runner struct {
	proc   Processor
	src    *FrameReader
	dst    *FrameWriter
	opts   Options
	logger *slog.Logger

	mu       sync.RWMutex
	state    State
	read     uint64
	written  uint64
	skipped  uint64
	lastErr  error
	pipeline string
	device   string
}

// New returns a runner. A nil dst discards the output, which is the only
// choice when the pipeline hands out DMA-BUF frames.
func New(proc Processor, src *FrameReader, dst *FrameWriter, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		proc:     proc,
		src:      src,
		dst:      dst,
		opts:     opts,
		logger:   opts.Logger,
		state:    StateIdle,
		pipeline: proc.State().String(),
	}
}

// Run processes frames until the input ends, ctx is cancelled or the
// pipeline fails. Retryable errors drop the frame and carry on, unless the
// device still owes its output. The pipeline is closed before Run returns; a
// cancelled ctx is not an error.
func (r *Runner) Run(ctx context.Context) (err error) {
	r.setState(StateRunning, nil)
	defer func() {
		if cerr := r.proc.Close(); cerr != nil {
			r.logger.Warn("Failed to close pipeline", "error", cerr)
		}
		if r.dst != nil {
			if ferr := r.dst.Flush(); ferr != nil && err == nil {
				err = ferr
			}
		}
		if err != nil {
			r.setState(StateError, err)
			return
		}
		r.setState(StateDone, nil)
	}()

	for {
		if ctx.Err() != nil {
			r.setState(StateStopping, nil)
			return nil
		}

		in, err := r.src.ReadFrame()
		if errors.Is(err, io.EOF) {
			r.logger.Info("Input finished")
			return nil
		}
		if err != nil {
			// Input closed to unblock a read after cancellation.
			if ctx.Err() != nil {
				r.setState(StateStopping, nil)
				return nil
			}
			return err
		}
		r.count(func() { r.read++ })

		frames, err := r.proc.Process(in)
		r.observe()
		switch {
		case err == nil:
		case m2m.IsFatal(err):
			for _, f := range frames {
				f.Release()
			}
			return err
		case errors.Is(err, m2m.ErrOutputPending):
			r.logger.Debug("Output pending on device", "pts", in.PTS, "error", err)
		default:
			r.logger.Warn("Frame dropped", "pts", in.PTS, "error", err)
			r.count(func() { r.skipped++; r.lastErr = err })
		}

		if err := r.emit(frames); err != nil {
			return err
		}
	}
}

func (r *Runner) emit(frames []*m2m.Frame) error {
	defer func() {
		for _, f := range frames {
			f.Release()
		}
	}()
	for _, f := range frames {
		if r.dst != nil {
			if err := r.dst.WriteFrame(f); err != nil {
				return err
			}
		}
		r.count(func() { r.written++ })
	}
	return nil
}

func (r *Runner) count(update func()) {
	r.mu.Lock()
	update()
	r.mu.Unlock()
}

func (r *Runner) observe() {
	state, device := r.proc.State().String(), r.proc.DevicePath()
	r.mu.Lock()
	r.pipeline, r.device = state, device
	r.mu.Unlock()
}

func (r *Runner) setState(state State, err error) {
	r.mu.Lock()
	old := r.state
	r.state = state
	if err != nil {
		r.lastErr = err
	}
	r.mu.Unlock()

	if old != state && r.opts.OnStateChange != nil {
		r.opts.OnStateChange(old, state, err)
	}
}

// Snapshot returns the current status. It is safe to call from any goroutine.
func (r *Runner) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{
		State:         r.state,
		PipelineState: r.pipeline,
		Device:        r.device,
		FramesRead:    r.read,
		FramesWritten: r.written,
		Skipped:       r.skipped,
		LastError:     r.lastErr,
	}
}
