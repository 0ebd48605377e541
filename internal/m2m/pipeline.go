package m2m

import (
	"log/slog"
	"time"

	"github.com/smazurov/m2mdeint/internal/events"
	"github.com/smazurov/m2mdeint/internal/logging"
	"github.com/smazurov/m2mdeint/internal/metrics"
	"github.com/smazurov/m2mdeint/pkg/linuxav/v4l2"
)

// DefaultFieldTimeout bounds the wait for the second field of a frame.
const DefaultFieldTimeout = 100 * time.Millisecond

// State of a pipeline's warm-up.
type State int

const (
	// StateCold means no frame has been submitted.
	StateCold State = iota
	// StateWarming means frames have been submitted and nothing collected.
	StateWarming
	// StateHot means the device has returned output.
	StateHot
)

func (s State) String() string {
	switch s {
	case StateCold:
		return "cold"
	case StateWarming:
		return "warming"
	default:
		return "hot"
	}
}

// PipelineOptions configure a Pipeline.
type PipelineOptions struct {
	Session Options
	// Candidates are tried in order when the first frame arrives. Empty
	// means every M2M node found by Discover.
	Candidates []string
	Discover   func() ([]string, error)
	// FirstFieldTimeout bounds the wait for the first field of a frame.
	// Zero waits indefinitely.
	FirstFieldTimeout time.Duration
	// FieldTimeout bounds the wait for the second field. Zero means
	// DefaultFieldTimeout, negative waits indefinitely.
	FieldTimeout time.Duration
	// Timing of the input stream, used when frames carry no duration.
	Timing StreamTiming
	Events *events.Bus
	Logger *slog.Logger
}

// Pipeline feeds interlaced frames through a deinterlacer and returns two
// progressive frames per input once warmed up. It is driven from a single
// goroutine; only the frames it returns may be released elsewhere.
type Pipeline struct {
	opts    PipelineOptions
	width   int
	height  int
	session *Session
	bridge  *Bridge
	logger  *slog.Logger

	state     State
	pending   []owedFields
	framesIn  uint64
	framesOut uint64
	lastPTS   int64
	havePTS   bool
	err       error
	closed    bool
}

// owedFields is an input whose deinterlaced fields the device still owes.
type owedFields struct {
	pts      int64
	timeBase Rational
	delta    int64
}

// NewPipeline creates a pipeline for frames of width x height. The device is
// opened lazily on the first frame. Zero dimensions are taken from that frame.
func NewPipeline(width, height int, opts PipelineOptions) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = logging.GetLogger("m2m")
	}
	if opts.Session.Logger == nil {
		opts.Session.Logger = opts.Logger
	}
	if opts.Discover == nil {
		opts.Discover = discoverPaths
	}
	if opts.FirstFieldTimeout == 0 {
		opts.FirstFieldTimeout = WaitForever
	}
	if opts.FieldTimeout == 0 {
		opts.FieldTimeout = DefaultFieldTimeout
	}
	return &Pipeline{
		opts:   opts,
		width:  width,
		height: height,
		bridge: NewBridge(opts.Logger),
		logger: opts.Logger,
	}
}

// State reports how far the pipeline has warmed up. It turns Hot once the
// first output frame has been collected.
func (p *Pipeline) State() State { return p.state }

// Session returns the open session, or nil before the first frame.
func (p *Pipeline) Session() *Session { return p.session }

// DevicePath returns the node in use, or "" before the first frame.
func (p *Pipeline) DevicePath() string {
	if p.session == nil {
		return ""
	}
	return p.session.Path()
}

// OutputTiming is the timing of the produced stream: double the input frame
// rate in half the time base.
func (p *Pipeline) OutputTiming() StreamTiming {
	return p.opts.Timing.Doubled()
}

// Process takes ownership of one interlaced frame and returns the progressive
// frames now available: none while warming up, then two per input, or one
// when the second field does not arrive within FieldTimeout. Fields the
// device could not return in time are collected on later calls and keep the
// timestamps of the input they were owed for. The caller must Release every
// returned frame.
//
// Retryable errors (see IsFatal) leave the pipeline usable and may come with
// frames owed by earlier inputs. An error matching ErrOutputPending means in
// was accepted and its output is still on the device. After a fatal error
// every later call fails with it and the pipeline should be closed.
func (p *Pipeline) Process(in *Frame) ([]*Frame, error) {
	defer in.Release()

	if p.closed {
		return nil, NewError(CodeInvalidState, "pipeline closed", nil)
	}
	if p.err != nil {
		return nil, p.err
	}

	frames, err := p.process(in)
	if err != nil && IsFatal(err) {
		p.err = err
	}
	p.updateGauges()
	return frames, err
}

func (p *Pipeline) process(in *Frame) ([]*Frame, error) {
	if err := p.ensureSession(in); err != nil {
		return nil, err
	}
	if err := p.checkReleases(); err != nil {
		return nil, err
	}
	if err := p.drainInput(); err != nil {
		return nil, err
	}

	// Fields owed by earlier inputs come back first.
	frames, stallErr := p.collectPending()
	if stallErr != nil && IsFatal(stallErr) {
		return nil, stallErr
	}

	delta := p.frameDuration(in)

	if err := p.bridge.SubmitFrame(p.session.Input(), in); err != nil {
		if HasCode(err, CodeInsufficientBuffer) {
			metrics.IncBufferStarvation(p.session.Path())
		}
		if IsFatal(err) {
			releaseFrames(frames)
			return nil, err
		}
		return frames, err
	}
	p.framesIn++
	metrics.AddFramesIn(p.session.Path(), 1)

	// The device needs the next frame before it can emit both fields of this one.
	if p.state == StateCold {
		p.state = StateWarming
		return frames, nil
	}
	p.pending = append(p.pending, owedFields{pts: in.PTS, timeBase: in.TimeBase, delta: delta})

	if stallErr == nil {
		var more []*Frame
		more, stallErr = p.collectPending()
		if stallErr != nil && IsFatal(stallErr) {
			releaseFrames(frames)
			return nil, stallErr
		}
		frames = append(frames, more...)
	}

	if len(frames) == 0 && len(p.pending) > 0 {
		return nil, NewErrorWithCause(CodeTransient, "fields not returned yet", ErrOutputPending, map[string]any{
			"pending": len(p.pending),
			"reason":  stallErr.Error(),
		})
	}
	return frames, nil
}

func (p *Pipeline) ensureSession(in *Frame) error {
	if p.session == nil {
		if p.width == 0 || p.height == 0 {
			p.width, p.height = in.Width, in.Height
		}

		candidates := p.opts.Candidates
		if len(candidates) == 0 {
			found, err := p.opts.Discover()
			if err != nil {
				return NewErrorWithCause(CodeUnsupportedDevice, "device discovery failed", err, nil)
			}
			candidates = found
		}

		s, err := OpenAndConfigure(candidates, p.width, p.height, p.opts.Session)
		if err != nil {
			return err
		}
		p.session = s
		p.opts.Events.Publish(events.SessionOpenedEvent{
			DevicePath: s.Path(),
			Width:      p.width,
			Height:     p.height,
			InputMode:  s.opts.InputMode.String(),
			OutputMode: s.opts.OutputMode.String(),
			Timestamp:  time.Now().Format(time.RFC3339),
		})
	}

	if !p.session.InputStarted() {
		field := uint32(v4l2.FieldInterlacedBT)
		if in.TopFieldFirst {
			field = v4l2.FieldInterlacedTB
		}
		if err := p.session.StartInput(field); err != nil {
			return err
		}
	}
	return nil
}

// drainInput reclaims every input buffer the device has finished reading.
func (p *Pipeline) drainInput() error {
	for {
		buf, err := p.session.Input().Collect(NoWait)
		if err != nil {
			if HasCode(err, CodeTransient) {
				return nil
			}
			return err
		}
		if buf == nil {
			return nil
		}
	}
}

// checkReleases surfaces a failed requeue from a frame released since the
// last call. The buffer involved never made it back to the device.
func (p *Pipeline) checkReleases() error {
	for _, q := range []*Queue{p.session.Input(), p.session.Output()} {
		if err := q.ReleaseErr(); err != nil {
			return NewErrorWithCause(CodeDevice, "released buffer could not be requeued", err, map[string]any{
				"queue": q.Direction().String(),
			})
		}
	}
	return nil
}

// collectPending collects owed fields oldest first. It stops at the first
// input whose first field is not back yet and returns the retryable error
// that stopped it.
func (p *Pipeline) collectPending() ([]*Frame, error) {
	var frames []*Frame
	for len(p.pending) > 0 {
		got, err := p.collectFields(p.pending[0])
		if err != nil {
			if IsFatal(err) {
				releaseFrames(frames)
				return nil, err
			}
			return frames, err
		}
		p.pending = p.pending[1:]
		frames = append(frames, got...)
	}
	return frames, nil
}

func (p *Pipeline) collectFields(owed owedFields) ([]*Frame, error) {
	out := p.session.Output()

	first, err := p.bridge.CollectFrame(out, p.opts.FirstFieldTimeout, p.width, p.height)
	if err != nil {
		return nil, err
	}
	if first == nil {
		return nil, NewError(CodeTransient, "no field within timeout", map[string]any{"timeout": p.opts.FirstFieldTimeout.String()})
	}
	p.stamp(first, owed, 0)
	if p.state == StateWarming {
		p.state = StateHot
	}

	second, err := p.bridge.CollectFrame(out, p.opts.FieldTimeout, p.width, p.height)
	if err != nil && IsFatal(err) {
		first.Release()
		return nil, err
	}
	if second == nil {
		p.logger.Warn("Second field not returned in time", "pts", owed.pts, "timeout", p.opts.FieldTimeout, "error", err)
		metrics.IncFieldTimeouts(p.session.Path())
		p.opts.Events.Publish(events.FieldTimeoutEvent{
			DevicePath: p.session.Path(),
			PTS:        owed.pts,
			Timeout:    p.opts.FieldTimeout.String(),
			Timestamp:  time.Now().Format(time.RFC3339),
		})
		p.account(first)
		return []*Frame{first}, nil
	}
	p.stamp(second, owed, 1)

	p.account(first, second)
	return []*Frame{first, second}, nil
}

// stamp sets the timing of the given field of an owed input: field 1 lands
// half a frame after field 0, expressed in a time base twice as fine as the
// input's.
func (p *Pipeline) stamp(f *Frame, owed owedFields, field int) {
	f.PTS = 2*owed.pts + int64(field)*owed.delta
	f.Duration = owed.delta
	tb := owed.timeBase
	if !tb.Valid() {
		tb = p.opts.Timing.TimeBase
	}
	if tb.Valid() {
		f.TimeBase = tb.Mul(Rational{Num: 1, Den: 2})
	}
	f.Interlaced = false
	f.TopFieldFirst = false
}

func releaseFrames(frames []*Frame) {
	for _, f := range frames {
		f.Release()
	}
}

func (p *Pipeline) account(frames ...*Frame) {
	path := p.session.Path()
	p.framesOut += uint64(len(frames))
	metrics.AddFramesOut(path, len(frames))
	for _, f := range frames {
		if !f.Corrupted {
			continue
		}
		metrics.IncCorruptedFrames(path)
		p.opts.Events.Publish(events.FrameCorruptedEvent{
			DevicePath: path,
			PTS:        f.PTS,
			Timestamp:  time.Now().Format(time.RFC3339),
		})
	}
}

// frameDuration is the length of in in its own time base. It falls back from
// the frame's duration to the stream timing, then to the distance from the
// previous frame, then to one tick.
func (p *Pipeline) frameDuration(in *Frame) int64 {
	d := in.Duration
	if d <= 0 {
		timing := p.opts.Timing
		if in.TimeBase.Valid() {
			timing.TimeBase = in.TimeBase
		}
		d = timing.FrameDuration()
	}
	if d <= 0 && p.havePTS && in.PTS > p.lastPTS {
		d = in.PTS - p.lastPTS
	}
	if d <= 0 {
		d = 1
	}
	p.lastPTS = in.PTS
	p.havePTS = true
	return d
}

func (p *Pipeline) updateGauges() {
	if p.session == nil || p.closed {
		return
	}
	path := p.session.Path()
	metrics.SetDeviceOwned(path, DirectionInput.String(), p.session.Input().Pool().DeviceOwned())
	metrics.SetDeviceOwned(path, DirectionOutput.String(), p.session.Output().Pool().DeviceOwned())
}

// Close tears down the session. Frames already returned stay valid until
// released. Calling it again is a no-op.
func (p *Pipeline) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	if p.session == nil {
		return nil
	}

	err := p.session.Teardown()
	path := p.session.Path()
	metrics.SetDeviceOwned(path, DirectionInput.String(), 0)
	metrics.SetDeviceOwned(path, DirectionOutput.String(), 0)

	ev := events.SessionClosedEvent{
		DevicePath: path,
		FramesIn:   p.framesIn,
		FramesOut:  p.framesOut,
		Timestamp:  time.Now().Format(time.RFC3339),
	}
	if p.err != nil {
		ev.Error = p.err.Error()
	}
	p.opts.Events.Publish(ev)

	p.logger.Info("Pipeline closed", "device", path, "frames_in", p.framesIn, "frames_out", p.framesOut)
	return err
}
