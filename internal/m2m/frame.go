package m2m

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// PixelFormat of a Frame.
type PixelFormat int

const (
	// PixelFormatNV12 frames carry their planes in Planes.
	PixelFormatNV12 PixelFormat = iota
	// PixelFormatDRMPrime frames carry DMA-BUF handles in DRM.
	PixelFormatDRMPrime
)

func (f PixelFormat) String() string {
	switch f {
	case PixelFormatNV12:
		return "nv12"
	case PixelFormatDRMPrime:
		return "drm_prime"
	default:
		return fmt.Sprintf("PixelFormat(%d)", int(f))
	}
}

// DRMObject is one exported memory object.
type DRMObject struct {
	FD       int
	Size     uint32
	Modifier uint64
}

// DRMPlane locates an image plane inside an object.
type DRMPlane struct {
	ObjectIndex int
	Offset      uint32
	Pitch       uint32
}

// DRMLayer is an image with a single DRM fourcc.
type DRMLayer struct {
	Format uint32
	Planes []DRMPlane
}

// DRMDescriptor describes a frame held in DMA-BUF objects.
type DRMDescriptor struct {
	Objects []DRMObject
	Layers  []DRMLayer
}

// Frame is a picture travelling through the pipeline.
//
// A Frame starts with one reference. Ref adds one and Release drops one; the
// release hook runs exactly once, when the last reference goes. Frames
// produced by a pipeline keep device memory alive until then, so Planes and
// DRM must not be used after the final Release.
type Frame struct {
	Width  int
	Height int
	Format PixelFormat

	// Planes and Strides are set for NV12 frames: luma then interleaved chroma.
	Planes  [][]byte
	Strides []int
	// DRM is set for DRM-prime frames.
	DRM *DRMDescriptor

	PTS           int64
	Duration      int64
	TimeBase      Rational
	Interlaced    bool
	TopFieldFirst bool
	// Corrupted is set when the driver flagged the buffer as errored.
	Corrupted bool

	// extra counts references beyond the first.
	extra    atomic.Int32
	once     sync.Once
	released atomic.Bool
	hook     func()
}

// OnRelease installs fn to run when the last reference is dropped. It must be
// called before the frame is shared.
func (f *Frame) OnRelease(fn func()) {
	f.hook = fn
}

// Ref adds a reference and returns f.
func (f *Frame) Ref() *Frame {
	f.extra.Add(1)
	return f
}

// Release drops a reference. Dropping more references than were taken is
// harmless.
func (f *Frame) Release() {
	if f == nil {
		return
	}
	if f.extra.Add(-1) >= 0 {
		return
	}
	f.once.Do(func() {
		f.released.Store(true)
		if f.hook != nil {
			f.hook()
		}
	})
}

// Released reports whether the last reference has been dropped.
func (f *Frame) Released() bool {
	return f.released.Load()
}

// NewNV12Frame allocates a packed NV12 frame of the given size with no hook.
func NewNV12Frame(width, height int) *Frame {
	chromaHeight := (height + 1) / 2
	stride := width + width%2
	return &Frame{
		Width:   width,
		Height:  height,
		Format:  PixelFormatNV12,
		Planes:  [][]byte{make([]byte, stride*height), make([]byte, stride*chromaHeight)},
		Strides: []int{stride, stride},
	}
}

// planeRows is the number of rows in plane i of a 4:2:0 semi-planar image.
func planeRows(plane, height int) int {
	if plane == 0 {
		return height
	}
	return (height + 1) / 2
}
