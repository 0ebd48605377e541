package m2m

import (
	"errors"
	"log/slog"

	"github.com/smazurov/m2mdeint/internal/logging"
	"github.com/smazurov/m2mdeint/pkg/linuxav/v4l2"
)

// DefaultBufferCount is the number of buffers requested per queue.
const DefaultBufferCount = 6

// Options configure a Session.
type Options struct {
	InputBuffers  int
	OutputBuffers int
	InputMode     MemoryMode
	OutputMode    MemoryMode
	// Open is used by Open and OpenFirst. Defaults to the V4L2 device node.
	Open   Opener
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.InputBuffers <= 0 {
		o.InputBuffers = DefaultBufferCount
	}
	if o.OutputBuffers <= 0 {
		o.OutputBuffers = DefaultBufferCount
	}
	if o.Open == nil {
		o.Open = openV4L2
	}
	if o.Logger == nil {
		o.Logger = logging.GetLogger("m2m")
	}
	return o
}

// Session is one open M2M device with its two queues.
type Session struct {
	dev    Device
	width  uint32
	height uint32
	opts   Options
	logger *slog.Logger

	input  *Queue
	output *Queue

	inputStarted bool
	closed       bool
}

// Open opens the device at path and verifies it can deinterlace NV12 at
// width x height. The handle is closed again on failure.
func Open(path string, width, height int, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	dev, err := opts.Open(path)
	if err != nil {
		return nil, NewErrorWithCause(CodeUnsupportedDevice, "failed to open device", err, map[string]any{"path": path})
	}
	return OpenDevice(dev, width, height, opts)
}

// OpenDevice probes an already open device. The session owns dev from here
// on; it is closed if probing fails.
func OpenDevice(dev Device, width, height int, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	s := &Session{
		dev:    dev,
		width:  uint32(width),
		height: uint32(height),
		opts:   opts,
		logger: opts.Logger.With("device", dev.Path()),
	}
	if err := s.probe(); err != nil {
		_ = dev.Close()
		return nil, err
	}
	return s, nil
}

// OpenFirst tries each candidate in order and returns the first that probes
// successfully. When none does, the error of the last attempt is returned.
func OpenFirst(candidates []string, width, height int, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	if len(candidates) == 0 {
		return nil, NewError(CodeUnsupportedDevice, "no candidate devices", nil)
	}

	var lastErr error
	for _, path := range candidates {
		s, err := Open(path, width, height, opts)
		if err == nil {
			s.logger.Info("Using deinterlacer", "width", width, "height", height)
			return s, nil
		}
		opts.Logger.Debug("Device rejected", "path", path, "error", err)
		lastErr = err
	}
	return nil, lastErr
}

// OpenAndConfigure is OpenFirst followed by ConfigureOutput.
func OpenAndConfigure(candidates []string, width, height int, opts Options) (*Session, error) {
	s, err := OpenFirst(candidates, width, height, opts)
	if err != nil {
		return nil, err
	}
	if err := s.ConfigureOutput(); err != nil {
		_ = s.Teardown()
		return nil, err
	}
	return s, nil
}

func (s *Session) probe() error {
	c, err := s.dev.QueryCapability()
	if err != nil {
		return NewErrorWithCause(CodeUnsupportedDevice, "failed to query capabilities", err, nil)
	}

	caps := c.Effective()
	if caps&v4l2.CapStreaming == 0 {
		return NewError(CodeUnsupportedDevice, "device does not support streaming", map[string]any{"caps": caps})
	}

	var inType, outType uint32
	switch {
	case caps&v4l2.CapVideoM2M != 0:
		inType, outType = v4l2.BufTypeVideoOutput, v4l2.BufTypeVideoCapture
	case caps&v4l2.CapVideoM2MMplane != 0:
		inType, outType = v4l2.BufTypeVideoOutputMplane, v4l2.BufTypeVideoCaptureMplane
	default:
		return NewError(CodeUnsupportedDevice, "device is not a memory-to-memory device", map[string]any{"caps": caps})
	}

	s.input = newQueue(s.dev, DirectionInput, inType, s.logger)
	s.output = newQueue(s.dev, DirectionOutput, outType, s.logger)

	if err := s.output.NegotiateFormat(s.width, s.height); err != nil {
		return err
	}
	if err := s.input.NegotiateFormat(s.width, s.height); err != nil {
		return err
	}

	s.logger.Debug("Device probed",
		"driver", c.Driver, "card", c.Card, "multiplanar", v4l2.IsMultiplanar(inType))
	return nil
}

// Path returns the device node path.
func (s *Session) Path() string { return s.dev.Path() }

// Input returns the queue frames are submitted to.
func (s *Session) Input() *Queue { return s.input }

// Output returns the queue deinterlaced frames are collected from.
func (s *Session) Output() *Queue { return s.output }

// Width of the frames the session was opened for.
func (s *Session) Width() int { return int(s.width) }

// Height of the frames the session was opened for.
func (s *Session) Height() int { return int(s.height) }

// InputStarted reports whether StartInput has succeeded.
func (s *Session) InputStarted() bool { return s.inputStarted }

// ConfigureOutput commits the progressive output format, allocates the
// output buffers, queues all of them and starts streaming.
func (s *Session) ConfigureOutput() error {
	if s.closed {
		return NewError(CodeInvalidState, "session closed", nil)
	}
	if s.output.Committed() {
		return NewError(CodeInvalidState, "output already configured", nil)
	}

	if err := s.output.CommitFormat(v4l2.FieldNone); err != nil {
		return err
	}
	if err := s.output.Allocate(s.opts.OutputBuffers, s.opts.OutputMode); err != nil {
		return err
	}

	n := s.output.Pool().Len()
	for i := 0; i < n; i++ {
		if err := s.output.Submit(s.output.Pool().Buffer(i)); err != nil {
			_ = s.output.Release()
			return err
		}
	}

	if err := s.output.StartStreaming(); err != nil {
		_ = s.output.Release()
		return err
	}
	return nil
}

// StartInput commits the interlaced input format with the given field order,
// allocates the input buffers and starts streaming. The output side must
// already be streaming.
func (s *Session) StartInput(field uint32) error {
	if s.closed {
		return NewError(CodeInvalidState, "session closed", nil)
	}
	if !s.output.Streaming() {
		return NewError(CodeInvalidState, "output queue is not streaming", nil)
	}
	if s.inputStarted {
		return NewError(CodeInvalidState, "input already started", nil)
	}

	if err := s.input.CommitFormat(field); err != nil {
		return err
	}
	if err := s.input.Allocate(s.opts.InputBuffers, s.opts.InputMode); err != nil {
		return err
	}
	if err := s.input.StartStreaming(); err != nil {
		_ = s.input.Release()
		return err
	}

	s.inputStarted = true
	s.logger.Info("Input streaming", "field", v4l2.FieldName(field))
	return nil
}

// Teardown stops both queues, releases their buffers and closes the device.
// Frames still holding output buffers stay valid until released. Calling it
// again is a no-op.
func (s *Session) Teardown() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for _, q := range []*Queue{s.input, s.output} {
		if q == nil {
			continue
		}
		if err := q.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.dev.Close(); err != nil {
		errs = append(errs, err)
	}

	s.logger.Debug("Session closed")
	return errors.Join(errs...)
}
