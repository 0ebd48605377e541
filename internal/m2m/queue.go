package m2m

import (
	"errors"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/smazurov/m2mdeint/pkg/linuxav/v4l2"
)

// Queue is one direction of the device: format, buffer pool and streaming
// state. All methods except the release hooks it installs on frames must be
// called from the pipeline goroutine.
type Queue struct {
	dev     Device
	dir     Direction
	bufType uint32
	pool    *Pool
	logger  *slog.Logger

	format    v4l2.Format
	committed bool
	streaming bool

	// First requeue failure seen by a frame release hook.
	hookMu  sync.Mutex
	hookErr error
}

func newQueue(dev Device, dir Direction, bufType uint32, logger *slog.Logger) *Queue {
	logger = logger.With("queue", dir.String())
	return &Queue{
		dev:     dev,
		dir:     dir,
		bufType: bufType,
		pool:    newPool(dev, bufType, logger),
		logger:  logger,
	}
}

// Direction reports which way frames flow through q.
func (q *Queue) Direction() Direction { return q.dir }

// BufferType is the kernel buffer type q operates on.
func (q *Queue) BufferType() uint32 { return q.bufType }

// Format returns the negotiated or committed format.
func (q *Queue) Format() v4l2.Format { return q.format }

// Pool returns q's buffer pool.
func (q *Queue) Pool() *Pool { return q.pool }

// Streaming reports whether StartStreaming has succeeded and StopStreaming
// has not been called since.
func (q *Queue) Streaming() bool { return q.streaming }

// Committed reports whether CommitFormat has succeeded.
func (q *Queue) Committed() bool { return q.committed }

func (q *Queue) probeField() uint32 {
	if q.dir == DirectionInput {
		return v4l2.FieldInterlacedTB
	}
	return v4l2.FieldNone
}

// NegotiateFormat asks the driver whether NV12 at width x height is
// acceptable without applying it. The input side is probed as interlaced,
// the output side as progressive.
func (q *Queue) NegotiateFormat(width, height uint32) error {
	if q.committed {
		return NewError(CodeInvalidState, "format already committed", nil)
	}

	f, err := q.dev.GetFormat(q.bufType)
	if err != nil {
		q.logger.Warn("Failed to read current format", "error", err)
		f = v4l2.Format{}
	}

	field := q.probeField()
	f.Type = q.bufType
	f.Width = width
	f.Height = height
	f.PixelFormat = v4l2.PixFmtNV12
	f.Field = field

	if err := q.dev.TryFormat(&f); err != nil {
		return NewErrorWithCause(CodeFormatUnsupported, "driver rejected format", err, map[string]any{
			"queue":  q.dir.String(),
			"width":  width,
			"height": height,
		})
	}
	if f.PixelFormat != v4l2.PixFmtNV12 || f.Field != field {
		return NewError(CodeFormatUnsupported, "driver substituted format", map[string]any{
			"queue":  q.dir.String(),
			"format": v4l2.FormatFourCC(f.PixelFormat),
			"field":  v4l2.FieldName(f.Field),
		})
	}

	q.format = f
	q.logger.Debug("Format accepted",
		"width", f.Width, "height", f.Height, "field", v4l2.FieldName(f.Field), "planes", len(f.Planes))
	return nil
}

// CommitFormat applies the negotiated format with the given field order. It
// may succeed only once and only before buffers are allocated.
func (q *Queue) CommitFormat(field uint32) error {
	if q.committed {
		return NewError(CodeInvalidState, "format already committed", map[string]any{"queue": q.dir.String()})
	}
	if q.pool.Len() > 0 {
		return NewError(CodeInvalidState, "buffers already allocated", map[string]any{"queue": q.dir.String()})
	}

	f := q.format
	f.Type = q.bufType
	f.PixelFormat = v4l2.PixFmtNV12
	f.Field = field
	if err := q.dev.SetFormat(&f); err != nil {
		return NewErrorWithCause(CodeFormatUnsupported, "failed to set format", err, map[string]any{
			"queue": q.dir.String(),
			"field": v4l2.FieldName(field),
		})
	}
	if f.PixelFormat != v4l2.PixFmtNV12 || f.Field != field {
		return NewError(CodeFormatUnsupported, "driver substituted format", map[string]any{
			"queue":  q.dir.String(),
			"format": v4l2.FormatFourCC(f.PixelFormat),
			"field":  v4l2.FieldName(f.Field),
		})
	}

	q.format = f
	q.committed = true
	q.logger.Info("Format committed",
		"width", f.Width, "height", f.Height, "field", v4l2.FieldName(f.Field))
	return nil
}

// Allocate sets up count buffers in the given memory mode.
func (q *Queue) Allocate(count int, mode MemoryMode) error {
	if !q.committed {
		return NewError(CodeInvalidState, "format not committed", map[string]any{"queue": q.dir.String()})
	}
	return q.pool.Allocate(count, mode, q.format)
}

// StartStreaming turns the queue on. Repeated calls are no-ops.
func (q *Queue) StartStreaming() error {
	if q.streaming {
		return nil
	}
	if q.pool.Len() == 0 {
		return NewError(CodeInvalidState, "no buffers allocated", map[string]any{"queue": q.dir.String()})
	}
	if err := q.dev.StreamOn(q.bufType); err != nil {
		return NewErrorWithCause(CodeDevice, "failed to start streaming", err, map[string]any{"queue": q.dir.String()})
	}
	q.streaming = true
	return nil
}

// StopStreaming turns the queue off. The device gives up every buffer, so
// all of them become pipeline-owned. Repeated calls are no-ops.
func (q *Queue) StopStreaming() error {
	if !q.streaming {
		return nil
	}
	q.streaming = false

	err := q.dev.StreamOff(q.bufType)
	for _, f := range q.pool.returnAll() {
		f.Release()
	}
	if err != nil {
		return NewErrorWithCause(CodeDevice, "failed to stop streaming", err, map[string]any{"queue": q.dir.String()})
	}
	return nil
}

// Submit hands a pipeline-owned buffer to the device.
func (q *Queue) Submit(b *Buffer) error {
	return q.submit(b, nil)
}

func (q *Queue) submit(b *Buffer, hold *Frame) error {
	return q.pool.handOver(b, hold, q.enqueue)
}

// enqueue issues QBUF for b. Called with the pool lock held.
func (q *Queue) enqueue(b *Buffer) error {
	req := v4l2.QueueRequest{
		Index:  b.Index,
		Type:   q.bufType,
		Memory: q.pool.memory,
		Planes: make([]v4l2.QueuePlane, len(b.Planes)),
	}
	if q.dir == DirectionInput {
		req.Field = q.format.Field
	}
	for j, plane := range b.Planes {
		qp := v4l2.QueuePlane{Length: plane.Length, FD: -1}
		if q.dir == DirectionInput {
			qp.BytesUsed = plane.BytesUsed
		}
		if ext, ok := plane.Memory.(ExternalMemory); ok {
			qp.FD = ext.Handle
		}
		req.Planes[j] = qp
	}

	if err := q.dev.QueueBuffer(req); err != nil {
		return NewErrorWithCause(CodeDevice, "failed to queue buffer", err, map[string]any{
			"queue": q.dir.String(),
			"index": b.Index,
		})
	}
	return nil
}

func (q *Queue) readyEvents() int16 {
	if q.dir == DirectionInput {
		return v4l2.PollOut | v4l2.PollWrNorm
	}
	return v4l2.PollIn | v4l2.PollRdNorm
}

// Collect waits up to timeout for the device to finish a buffer and takes it
// back. A negative timeout waits indefinitely; zero does not wait. It returns
// (nil, nil) when the wait expires, ErrTransient when the device holds no
// buffers or reports nothing to dequeue, and ErrDevice when the device
// signals an error.
func (q *Queue) Collect(timeout time.Duration) (*Buffer, error) {
	if q.pool.DeviceOwned() == 0 {
		return nil, NewError(CodeTransient, "no buffers queued on device", map[string]any{"queue": q.dir.String()})
	}

	want := q.readyEvents()
	revents, err := q.dev.Poll(want, timeout)
	if err != nil {
		return nil, NewErrorWithCause(CodeDevice, "poll failed", err, map[string]any{"queue": q.dir.String()})
	}
	if revents&want == 0 {
		if revents&v4l2.PollErr != 0 {
			return nil, NewError(CodeDevice, "device reported an error condition", map[string]any{"queue": q.dir.String()})
		}
		return nil, nil
	}

	info, err := q.dev.DequeueBuffer(q.bufType, q.pool.memory)
	if errors.Is(err, syscall.EAGAIN) {
		return nil, NewErrorWithCause(CodeTransient, "nothing to dequeue", err, map[string]any{"queue": q.dir.String()})
	}
	if err != nil {
		return nil, NewErrorWithCause(CodeDevice, "failed to dequeue buffer", err, map[string]any{"queue": q.dir.String()})
	}

	b, hold, err := q.pool.complete(info)
	if hold != nil {
		hold.Release()
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// lend marks b as referenced by a frame and returns the hook that gives it
// back. The hook may run on any goroutine, and after the queue is torn down.
func (q *Queue) lend(b *Buffer) func() {
	index := b.Index
	generation := q.pool.lend(b)
	return func() {
		if err := q.pool.reclaim(index, generation, q.enqueue); err != nil {
			q.logger.Error("Failed to requeue returned buffer", "index", index, "error", err)
			q.hookMu.Lock()
			if q.hookErr == nil {
				q.hookErr = err
			}
			q.hookMu.Unlock()
		}
	}
}

// ReleaseErr returns the first error a frame release hook hit handing its
// buffer back to the device. The buffer involved is lost to the pool.
func (q *Queue) ReleaseErr() error {
	q.hookMu.Lock()
	defer q.hookMu.Unlock()
	return q.hookErr
}

// Release stops streaming and frees every buffer.
func (q *Queue) Release() error {
	stopErr := q.StopStreaming()
	return errors.Join(stopErr, q.pool.ReleaseAll())
}
