package m2m

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/smazurov/m2mdeint/pkg/linuxav/v4l2"
)

// Pool is the fixed set of buffers registered with one queue.
//
// Ownership of every buffer is tracked under mu so that release hooks running
// on other goroutines can hand buffers back while the pipeline goroutine polls.
// Nothing blocks on the device while mu is held.
type Pool struct {
	dev     Device
	bufType uint32
	logger  *slog.Logger

	mu         sync.Mutex
	mode       MemoryMode
	memory     uint32
	buffers    []*Buffer
	generation uint64
	released   bool
	// orphans are buffers still lent to frames when the pool was released.
	// Their mappings and exported handles go away when the frame does.
	orphans map[orphanKey]*Buffer
}

type orphanKey struct {
	generation uint64
	index      uint32
}

func newPool(dev Device, bufType uint32, logger *slog.Logger) *Pool {
	return &Pool{
		dev:     dev,
		bufType: bufType,
		logger:  logger,
		orphans: make(map[orphanKey]*Buffer),
	}
}

// Allocate requests count buffers from the device and maps or exports every
// plane. The device may grant fewer; zero is an error. On any failure all
// acquired resources are released and the device registration is dropped.
func (p *Pool) Allocate(count int, mode MemoryMode, format v4l2.Format) error {
	if count <= 0 {
		return NewError(CodeAllocation, "buffer count must be positive", map[string]any{"count": count})
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.buffers) > 0 {
		return NewError(CodeInvalidState, "pool already allocated", nil)
	}

	memory := memoryType(mode, p.bufType)
	granted, err := p.dev.RequestBuffers(p.bufType, memory, uint32(count))
	if err != nil {
		return NewErrorWithCause(CodeAllocation, "failed to request buffers", err, map[string]any{
			"count": count,
			"mode":  mode.String(),
		})
	}
	if granted == 0 {
		return NewError(CodeAllocation, "device granted no buffers", map[string]any{"count": count})
	}
	if int(granted) < count {
		p.logger.Warn("Device granted fewer buffers than requested",
			"type", p.bufType, "requested", count, "granted", granted)
	}

	buffers := make([]*Buffer, 0, granted)
	for i := uint32(0); i < granted; i++ {
		buf, err := p.setupBuffer(i, mode, memory, format)
		if err != nil {
			for _, b := range buffers {
				_ = p.releaseBuffer(b)
			}
			if buf != nil {
				_ = p.releaseBuffer(buf)
			}
			if _, rerr := p.dev.RequestBuffers(p.bufType, memory, 0); rerr != nil {
				p.logger.Debug("Failed to drop buffer registration", "error", rerr)
			}
			return err
		}
		buffers = append(buffers, buf)
	}

	p.buffers = buffers
	p.mode = mode
	p.memory = memory
	p.generation++
	p.released = false

	p.logger.Debug("Allocated buffers", "type", p.bufType, "count", granted, "mode", mode.String())
	return nil
}

// setupBuffer queries buffer i and backs its planes. A partially set up buffer
// is returned alongside the error so the caller can release it.
func (p *Pool) setupBuffer(i uint32, mode MemoryMode, memory uint32, format v4l2.Format) (*Buffer, error) {
	info, err := p.dev.QueryBuffer(p.bufType, memory, i)
	if err != nil {
		return nil, NewErrorWithCause(CodeAllocation, "failed to query buffer", err, map[string]any{"index": i})
	}
	if len(info.Planes) == 0 {
		return nil, NewError(CodeAllocation, "buffer has no planes", map[string]any{"index": i})
	}

	buf := &Buffer{
		Index:  i,
		Mode:   mode,
		Planes: make([]Plane, len(info.Planes)),
		owner:  OwnerPipeline,
	}

	for j, pi := range info.Planes {
		plane := &buf.Planes[j]
		plane.Length = pi.Length
		plane.BytesPerLine = bytesPerLine(format, j)

		switch {
		case mode == MemoryMapped:
			data, err := p.dev.Map(pi.Offset, pi.Length)
			if err != nil {
				return buf, NewErrorWithCause(CodeAllocation, "failed to map buffer plane", err, map[string]any{
					"index": i,
					"plane": j,
				})
			}
			plane.Memory = MappedMemory{Data: data}
		case v4l2.IsOutput(p.bufType):
			// Imported per submission.
			plane.Memory = ExternalMemory{Handle: -1, Size: pi.Length}
		default:
			fd, err := p.dev.ExportBuffer(p.bufType, i, uint32(j))
			if err != nil {
				return buf, NewErrorWithCause(CodeAllocation, "failed to export buffer plane", err, map[string]any{
					"index": i,
					"plane": j,
				})
			}
			plane.Memory = ExternalMemory{
				Handle:   fd,
				Size:     pi.Length,
				Modifier: v4l2.DRMFormatModLinear,
				Owned:    true,
			}
		}
	}

	return buf, nil
}

func bytesPerLine(format v4l2.Format, plane int) uint32 {
	if plane < len(format.Planes) {
		return format.Planes[plane].BytesPerLine
	}
	if len(format.Planes) > 0 {
		return format.Planes[0].BytesPerLine
	}
	return format.Width
}

// releaseBuffer unmaps and closes whatever backs b's planes.
func (p *Pool) releaseBuffer(b *Buffer) error {
	var errs []error
	for j := range b.Planes {
		switch m := b.Planes[j].Memory.(type) {
		case MappedMemory:
			if m.Data != nil {
				if err := p.dev.Unmap(m.Data); err != nil {
					errs = append(errs, fmt.Errorf("unmap buffer %d plane %d: %w", b.Index, j, err))
				}
			}
		case ExternalMemory:
			if m.Owned && m.Handle >= 0 {
				if err := p.dev.CloseHandle(m.Handle); err != nil {
					errs = append(errs, fmt.Errorf("close buffer %d plane %d: %w", b.Index, j, err))
				}
			}
		}
		b.Planes[j].Memory = nil
	}
	return errors.Join(errs...)
}

// Len returns the number of allocated buffers.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffers)
}

// Mode returns the memory mode of the current allocation.
func (p *Pool) Mode() MemoryMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// Buffer returns the buffer at index, or nil.
func (p *Pool) Buffer(index int) *Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.buffers) {
		return nil
	}
	return p.buffers[index]
}

// Owners returns a snapshot of every buffer's owner in index order.
func (p *Pool) Owners() []Owner {
	p.mu.Lock()
	defer p.mu.Unlock()
	owners := make([]Owner, len(p.buffers))
	for i, b := range p.buffers {
		owners[i] = b.owner
	}
	return owners
}

// DeviceOwned counts buffers currently held by the device.
func (p *Pool) DeviceOwned() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.buffers {
		if b.owner == OwnerDevice {
			n++
		}
	}
	return n
}

// FindFree returns the lowest-index buffer owned by the pipeline and not lent
// to a frame, or nil.
func (p *Pool) FindFree() *Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.buffers {
		if b.owner == OwnerPipeline && !b.lent {
			return b
		}
	}
	return nil
}

// handOver runs enqueue under the pool lock and marks b device-owned when it
// succeeds. hold, if set, stays attached until b is dequeued.
func (p *Pool) handOver(b *Buffer, hold *Frame, enqueue func(*Buffer) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.released {
		return NewError(CodeInvalidState, "pool released", nil)
	}
	if b.owner == OwnerDevice {
		return NewError(CodeInvalidState, "buffer already owned by device", map[string]any{"index": b.Index})
	}
	if b.lent {
		return NewError(CodeInvalidState, "buffer still lent to a frame", map[string]any{"index": b.Index})
	}
	if err := enqueue(b); err != nil {
		return err
	}
	b.owner = OwnerDevice
	b.hold = hold
	return nil
}

// complete applies a dequeue result. It returns the buffer, now pipeline
// owned, and the frame it was holding, which the caller must release.
func (p *Pool) complete(info v4l2.BufferInfo) (*Buffer, *Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if int(info.Index) >= len(p.buffers) {
		return nil, nil, NewError(CodeDevice, "device returned unknown buffer", map[string]any{"index": info.Index})
	}
	b := p.buffers[info.Index]
	if b.owner != OwnerDevice {
		return nil, nil, NewError(CodeDevice, "device returned a buffer it did not own", map[string]any{"index": info.Index})
	}

	b.owner = OwnerPipeline
	b.Flags = info.Flags
	for j := range b.Planes {
		if j < len(info.Planes) {
			b.Planes[j].BytesUsed = info.Planes[j].BytesUsed
			b.Planes[j].DataOffset = info.Planes[j].DataOffset
		}
	}
	hold := b.hold
	b.hold = nil
	return b, hold, nil
}

// lend marks a pipeline-owned buffer as referenced by a frame and returns the
// generation the frame's release hook must present.
func (p *Pool) lend(b *Buffer) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	b.lent = true
	return p.generation
}

// reclaim returns a lent buffer. While the pool is live the buffer is passed
// to enqueue and becomes device-owned again. After release, or for a stale
// generation, only the buffer's own memory is dropped and nothing reaches the
// device.
func (p *Pool) reclaim(index uint32, generation uint64, enqueue func(*Buffer) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.released || generation != p.generation {
		key := orphanKey{generation: generation, index: index}
		if b, ok := p.orphans[key]; ok {
			delete(p.orphans, key)
			return p.releaseBuffer(b)
		}
		return nil
	}

	if int(index) >= len(p.buffers) {
		return nil
	}
	b := p.buffers[index]
	if !b.lent {
		return nil
	}
	b.lent = false
	if enqueue == nil {
		return nil
	}
	if err := enqueue(b); err != nil {
		return err
	}
	b.owner = OwnerDevice
	return nil
}

// returnAll marks every buffer pipeline-owned, as after STREAMOFF, and
// hands back the frames the device was holding.
func (p *Pool) returnAll() []*Frame {
	p.mu.Lock()
	defer p.mu.Unlock()

	var holds []*Frame
	for _, b := range p.buffers {
		b.owner = OwnerPipeline
		if b.hold != nil {
			holds = append(holds, b.hold)
			b.hold = nil
		}
	}
	return holds
}

// ReleaseAll unmaps and closes every buffer and drops the device
// registration. Buffers still lent to frames keep their memory until those
// frames are released. Calling it again is a no-op.
func (p *Pool) ReleaseAll() error {
	p.mu.Lock()

	if p.released || len(p.buffers) == 0 {
		p.released = true
		p.mu.Unlock()
		return nil
	}
	p.released = true

	var errs []error
	var holds []*Frame
	lent := 0
	for _, b := range p.buffers {
		if b.hold != nil {
			holds = append(holds, b.hold)
			b.hold = nil
		}
		b.owner = OwnerPipeline
		if b.lent {
			p.orphans[orphanKey{generation: p.generation, index: b.Index}] = b
			lent++
			continue
		}
		if err := p.releaseBuffer(b); err != nil {
			errs = append(errs, err)
		}
	}

	// The registration cannot be dropped while mappings remain.
	if lent == 0 {
		if _, err := p.dev.RequestBuffers(p.bufType, p.memory, 0); err != nil {
			p.logger.Debug("Failed to drop buffer registration", "type", p.bufType, "error", err)
		}
	} else {
		p.logger.Debug("Deferring release of lent buffers", "type", p.bufType, "lent", lent)
	}

	p.buffers = nil
	p.mu.Unlock()

	for _, f := range holds {
		f.Release()
	}
	return errors.Join(errs...)
}
