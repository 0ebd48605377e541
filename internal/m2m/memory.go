package m2m

import (
	"fmt"
	"strings"

	"github.com/smazurov/m2mdeint/pkg/linuxav/v4l2"
)

// MemoryMode selects how buffer planes are backed.
type MemoryMode int

const (
	// MemoryMapped planes are device memory mapped into the process and
	// filled or read by copying.
	MemoryMapped MemoryMode = iota
	// MemoryExternal planes are referenced through DMA-BUF handles and never
	// touched by the CPU.
	MemoryExternal
)

func (m MemoryMode) String() string {
	switch m {
	case MemoryMapped:
		return "mmap"
	case MemoryExternal:
		return "dmabuf"
	default:
		return fmt.Sprintf("MemoryMode(%d)", int(m))
	}
}

// ParseMemoryMode accepts "mmap" or "dmabuf" (also "drm_prime").
func ParseMemoryMode(s string) (MemoryMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "mmap", "mapped":
		return MemoryMapped, nil
	case "dmabuf", "drm_prime", "external":
		return MemoryExternal, nil
	default:
		return MemoryMapped, fmt.Errorf("unknown memory mode %q", s)
	}
}

// Direction names a queue by the pipeline's point of view: frames enter the
// device through the input queue and leave through the output queue.
type Direction int

const (
	DirectionInput Direction = iota
	DirectionOutput
)

func (d Direction) String() string {
	if d == DirectionInput {
		return "input"
	}
	return "output"
}

// Owner records who may touch a buffer.
type Owner int

const (
	OwnerPipeline Owner = iota
	OwnerDevice
)

func (o Owner) String() string {
	if o == OwnerDevice {
		return "device"
	}
	return "pipeline"
}

// PlaneMemory is the backing store of one plane. It is either MappedMemory or
// ExternalMemory.
type PlaneMemory interface {
	planeMemory()
}

// MappedMemory is a plane mapped into the address space.
type MappedMemory struct {
	Data []byte
}

// ExternalMemory is a plane referenced by a DMA-BUF handle. Owned handles were
// exported by the pool and are closed with it; the rest belong to whoever
// submitted them.
type ExternalMemory struct {
	Handle   int
	Size     uint32
	Modifier uint64
	Owned    bool
}

func (MappedMemory) planeMemory()   {}
func (ExternalMemory) planeMemory() {}

// Plane is one memory plane of a buffer.
type Plane struct {
	Length       uint32
	BytesPerLine uint32
	BytesUsed    uint32
	DataOffset   uint32
	Memory       PlaneMemory
}

// Buffer is one slot of a pool. Its ownership fields are guarded by the pool.
type Buffer struct {
	Index  uint32
	Mode   MemoryMode
	Planes []Plane
	// Flags from the most recent dequeue.
	Flags uint32

	owner Owner
	lent  bool
	// hold keeps the frame whose handles the device is reading alive until
	// the buffer is dequeued.
	hold *Frame
}

// Owner reports the current owner. Only meaningful while the caller is the
// pipeline goroutine.
func (b *Buffer) Owner() Owner { return b.owner }

// Corrupted reports whether the driver flagged the last dequeue as errored.
func (b *Buffer) Corrupted() bool { return b.Flags&v4l2.BufFlagError != 0 }

func memoryType(mode MemoryMode, bufType uint32) uint32 {
	// Capture buffers in external mode stay device allocated and are exported.
	if mode == MemoryExternal && v4l2.IsOutput(bufType) {
		return v4l2.MemoryDMABuf
	}
	return v4l2.MemoryMMAP
}
