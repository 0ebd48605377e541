package m2m

import (
	"time"

	"github.com/smazurov/m2mdeint/pkg/linuxav/v4l2"
)

// Device is the kernel boundary the queues drive. *v4l2.Device satisfies it;
// tests substitute a loopback implementation.
type Device interface {
	Path() string
	QueryCapability() (v4l2.Capability, error)
	GetFormat(bufType uint32) (v4l2.Format, error)
	TryFormat(f *v4l2.Format) error
	SetFormat(f *v4l2.Format) error
	RequestBuffers(bufType, memory, count uint32) (uint32, error)
	QueryBuffer(bufType, memory, index uint32) (v4l2.BufferInfo, error)
	QueueBuffer(req v4l2.QueueRequest) error
	DequeueBuffer(bufType, memory uint32) (v4l2.BufferInfo, error)
	ExportBuffer(bufType, index, plane uint32) (int, error)
	StreamOn(bufType uint32) error
	StreamOff(bufType uint32) error
	Map(offset, length uint32) ([]byte, error)
	Unmap(data []byte) error
	CloseHandle(fd int) error
	Poll(events int16, timeout time.Duration) (int16, error)
	Close() error
}

// Opener opens a device node by path.
type Opener func(path string) (Device, error)

// Timeouts for Queue.Collect.
const (
	// NoWait polls once without blocking.
	NoWait time.Duration = 0
	// WaitForever blocks until the device reports readiness.
	WaitForever time.Duration = -1
)
