package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/smazurov/m2mdeint/internal/api/models"
	"github.com/smazurov/m2mdeint/internal/events"
	"github.com/smazurov/m2mdeint/internal/logging"
	"github.com/smazurov/m2mdeint/internal/m2m"
	"github.com/smazurov/m2mdeint/internal/metrics"
	"github.com/smazurov/m2mdeint/internal/runner"
)

// runSettings are the parsed options of one deinterlacing run.
type runSettings struct {
	candidates        []string
	wait              bool
	waitTimeout       time.Duration
	width             int
	height            int
	timing            m2m.StreamTiming
	topFieldFirst     bool
	firstFieldTimeout time.Duration
	fieldTimeout      time.Duration
	session           m2m.Options
	input             string
	output            string
}

func newRunSettings(opts *Options) (*runSettings, error) {
	s := &runSettings{
		wait:          opts.DeviceWait,
		width:         opts.Width,
		height:        opts.Height,
		topFieldFirst: !opts.BottomFieldFirst,
		input:         opts.Input,
		output:        opts.Output,
	}
	if s.width <= 0 || s.height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", s.width, s.height)
	}

	for _, path := range strings.Split(opts.Device, ",") {
		if path = strings.TrimSpace(path); path != "" {
			s.candidates = append(s.candidates, path)
		}
	}

	rate, err := m2m.ParseRational(opts.FrameRate)
	if err != nil {
		return nil, fmt.Errorf("framerate: %w", err)
	}
	// One tick per input frame.
	s.timing = m2m.StreamTiming{FrameRate: rate, TimeBase: m2m.Rational{Num: rate.Den, Den: rate.Num}}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"device wait timeout", opts.DeviceWaitTimeout, &s.waitTimeout},
		{"first field timeout", opts.FirstFieldTimeout, &s.firstFieldTimeout},
		{"field timeout", opts.FieldTimeout, &s.fieldTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = time.ParseDuration(d.value); err != nil {
			return nil, fmt.Errorf("%s: %w", d.name, err)
		}
	}

	s.session = m2m.Options{
		InputBuffers:  opts.InputBuffers,
		OutputBuffers: opts.OutputBuffers,
		Logger:        logging.GetLogger("m2m"),
	}
	if s.session.InputMode, err = m2m.ParseMemoryMode(opts.InputMode); err != nil {
		return nil, fmt.Errorf("input mode: %w", err)
	}
	if s.session.OutputMode, err = m2m.ParseMemoryMode(opts.OutputMode); err != nil {
		return nil, fmt.Errorf("output mode: %w", err)
	}
	if s.session.InputMode == m2m.MemoryExternal {
		return nil, fmt.Errorf("input mode %s needs DMA-BUF frames; raw input is always mmap", s.session.InputMode)
	}
	if s.session.OutputMode == m2m.MemoryExternal && s.output != "" {
		return nil, fmt.Errorf("output mode %s hands out DMA-BUF frames and cannot be written to %q; use an empty output", s.session.OutputMode, s.output)
	}
	return s, nil
}

// run deinterlaces the configured input until it ends, ctx is cancelled or
// the pipeline fails.
func run(ctx context.Context, s *runSettings, bus *events.Bus, status *statusTracker, logger *slog.Logger) error {
	candidates, err := resolveCandidates(ctx, s, bus, logger)
	if err != nil {
		return err
	}

	in, closeIn, err := openInput(s.input)
	if err != nil {
		return err
	}
	defer closeIn()
	// A blocked read only returns once the input is closed.
	stop := context.AfterFunc(ctx, closeIn)
	defer stop()

	out, closeOut, err := openOutput(s.output)
	if err != nil {
		return err
	}
	defer closeOut()

	pipeline := m2m.NewPipeline(s.width, s.height, m2m.PipelineOptions{
		Session:           s.session,
		Candidates:        candidates,
		FirstFieldTimeout: s.firstFieldTimeout,
		FieldTimeout:      s.fieldTimeout,
		Timing:            s.timing,
		Events:            bus,
		Logger:            logging.GetLogger("m2m"),
	})

	var dst *runner.FrameWriter
	if out != nil {
		dst = runner.NewFrameWriter(out)
	}
	runLogger := logging.GetLogger("runner")
	r := runner.New(pipeline, runner.NewFrameReader(in, s.width, s.height, s.timing, s.topFieldFirst), dst, runner.Options{
		Logger: runLogger,
		OnStateChange: func(oldState, newState runner.State, err error) {
			runLogger.Debug("Runner state changed", "from", oldState, "to", newState, "error", err)
		},
	})
	status.track(r, s)

	logger.Info("Deinterlacing",
		"width", s.width, "height", s.height,
		"input_rate", s.timing.FrameRate, "output_rate", pipeline.OutputTiming().FrameRate,
		"input_mode", s.session.InputMode, "output_mode", s.session.OutputMode)

	runErr := r.Run(ctx)
	logSummary(r.Snapshot(), logger)
	return runErr
}

// resolveCandidates returns the configured nodes, or waits for one to show up
// when asked to. Nil lets the pipeline probe every node itself.
func resolveCandidates(ctx context.Context, s *runSettings, bus *events.Bus, logger *slog.Logger) ([]string, error) {
	if len(s.candidates) > 0 || !s.wait {
		return s.candidates, nil
	}

	if s.waitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.waitTimeout)
		defer cancel()
	}

	logger.Info("Waiting for a deinterlacer node")
	found, err := m2m.WaitForCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("waiting for device: %w", err)
	}
	for _, c := range found {
		bus.Publish(events.DeviceDiscoveryEvent{
			DevicePath: c.Path,
			DeviceName: c.Card,
			Driver:     c.Driver,
			Action:     m2m.ActionAdded,
			Timestamp:  time.Now().Format(time.RFC3339),
		})
	}
	return m2m.CandidatePaths(found), nil
}

// watchDevices publishes deinterlacer nodes coming and going until ctx ends.
func watchDevices(ctx context.Context, bus *events.Bus, logger *slog.Logger) {
	changes := make(chan m2m.DeviceChange, 4)
	go func() {
		if err := m2m.WatchCandidates(ctx, changes); err != nil && ctx.Err() == nil {
			logger.Debug("Device hotplug monitoring unavailable", "error", err)
		}
		close(changes)
	}()

	for change := range changes {
		bus.Publish(events.DeviceDiscoveryEvent{
			DevicePath: change.Candidate.Path,
			DeviceName: change.Candidate.Card,
			Driver:     change.Candidate.Driver,
			Action:     change.Action,
			Timestamp:  time.Now().Format(time.RFC3339),
		})
	}
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "-" {
		return os.Stdin, func() { _ = os.Stdin.Close() }, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening input: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func openOutput(path string) (io.Writer, func(), error) {
	switch path {
	case "":
		return nil, func() {}, nil
	case "-":
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("creating output: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func logSummary(snap runner.Snapshot, logger *slog.Logger) {
	args := []any{
		"state", snap.State,
		"frames_read", snap.FramesRead,
		"frames_written", snap.FramesWritten,
		"dropped", snap.Skipped,
	}
	if stats := metrics.GetPipelineStats(snap.Device); stats != nil {
		args = append(args,
			"device", snap.Device,
			"corrupted", stats.CorruptedFrames,
			"field_timeouts", stats.FieldTimeouts,
			"buffer_starvation", stats.BufferStarvation)
	}
	logger.Info("Summary", args...)
}

// statusTracker serves the API snapshot of whichever runner is active.
type statusTracker struct {
	mu       sync.RWMutex
	runner   *runner.Runner
	settings *runSettings
}

func (t *statusTracker) track(r *runner.Runner, s *runSettings) {
	t.mu.Lock()
	t.runner, t.settings = r, s
	t.mu.Unlock()
}

// Status is the api.Options Status callback.
func (t *statusTracker) Status() models.PipelineStatus {
	t.mu.RLock()
	r, s := t.runner, t.settings
	t.mu.RUnlock()
	if r == nil {
		return models.PipelineStatus{State: m2m.StateCold.String()}
	}

	snap := r.Snapshot()
	status := models.PipelineStatus{
		Device:     snap.Device,
		State:      snap.PipelineState,
		Width:      s.width,
		Height:     s.height,
		InputMode:  s.session.InputMode.String(),
		OutputMode: s.session.OutputMode.String(),
		OutputRate: s.timing.Doubled().FrameRate.String(),
	}
	if stats := metrics.GetPipelineStats(snap.Device); stats != nil {
		status.FramesIn = stats.FramesIn
		status.FramesOut = stats.FramesOut
		status.Corrupted = stats.CorruptedFrames
		status.FieldTimeout = stats.FieldTimeouts
		status.Starvation = stats.BufferStarvation
	}
	if snap.State == runner.StateError && snap.LastError != nil {
		status.Error = snap.LastError.Error()
	}
	return status
}

// logEvents mirrors pipeline events into the log.
func logEvents(bus *events.Bus, logger *slog.Logger) func() {
	unsubs := []func(){
		bus.Subscribe(func(e events.DeviceDiscoveryEvent) {
			logger.Info("Device "+e.Action, "device", e.DevicePath, "card", e.DeviceName, "driver", e.Driver)
		}),
		bus.Subscribe(func(e events.SessionOpenedEvent) {
			logger.Info("Session opened", "device", e.DevicePath, "width", e.Width, "height", e.Height,
				"input_mode", e.InputMode, "output_mode", e.OutputMode)
		}),
		bus.Subscribe(func(e events.SessionClosedEvent) {
			logger.Info("Session closed", "device", e.DevicePath, "frames_in", e.FramesIn, "frames_out", e.FramesOut, "error", e.Error)
		}),
		bus.Subscribe(func(e events.FrameCorruptedEvent) {
			logger.Debug("Corrupted frame", "device", e.DevicePath, "pts", e.PTS)
		}),
		bus.Subscribe(func(e events.FieldTimeoutEvent) {
			logger.Debug("Field timeout", "device", e.DevicePath, "pts", e.PTS, "timeout", e.Timeout)
		}),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}
