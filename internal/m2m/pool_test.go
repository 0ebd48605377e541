package m2m

import (
	"errors"
	"syscall"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/smazurov/m2mdeint/pkg/linuxav/v4l2"
)

const (
	testWidth  = 64
	testHeight = 48
)

func newTestQueue(t *testing.T, d *fakeDevice, dir Direction) *Queue {
	t.Helper()
	inType, outType := d.types()
	bufType, field := outType, uint32(v4l2.FieldNone)
	if dir == DirectionInput {
		bufType, field = inType, v4l2.FieldInterlacedTB
	}

	q := newQueue(d, dir, bufType, testLogger())
	if err := q.NegotiateFormat(testWidth, testHeight); err != nil {
		t.Fatalf("NegotiateFormat: %v", err)
	}
	if err := q.CommitFormat(field); err != nil {
		t.Fatalf("CommitFormat: %v", err)
	}
	return q
}

func TestPoolAllocateMapped(t *testing.T) {
	d := newFakeDevice(t)
	q := newTestQueue(t, d, DirectionOutput)

	if err := q.Allocate(DefaultBufferCount, MemoryMapped); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	p := q.Pool()
	if p.Len() != DefaultBufferCount {
		t.Fatalf("Len() = %d, want %d", p.Len(), DefaultBufferCount)
	}
	want := make([]Owner, DefaultBufferCount)
	if diff := cmp.Diff(want, p.Owners()); diff != "" {
		t.Errorf("owners mismatch (-want +got):\n%s", diff)
	}

	for i := 0; i < p.Len(); i++ {
		b := p.Buffer(i)
		if b.Index != uint32(i) {
			t.Errorf("buffer %d has index %d", i, b.Index)
		}
		mem, ok := b.Planes[0].Memory.(MappedMemory)
		if !ok {
			t.Fatalf("buffer %d plane 0 is %T, want MappedMemory", i, b.Planes[0].Memory)
		}
		if uint32(len(mem.Data)) != b.Planes[0].Length {
			t.Errorf("buffer %d mapped %d bytes, length %d", i, len(mem.Data), b.Planes[0].Length)
		}
		if b.Planes[0].BytesPerLine != testWidth {
			t.Errorf("buffer %d stride = %d, want %d", i, b.Planes[0].BytesPerLine, testWidth)
		}
	}
	if got := d.mappedCount(); got != DefaultBufferCount {
		t.Errorf("mapped = %d, want %d", got, DefaultBufferCount)
	}
}

func TestPoolAllocateMultiPlane(t *testing.T) {
	d := newFakeDevice(t)
	d.planeCount = 2
	q := newTestQueue(t, d, DirectionInput)

	if err := q.Allocate(2, MemoryMapped); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	b := q.Pool().Buffer(0)
	if len(b.Planes) != 2 {
		t.Fatalf("planes = %d, want 2", len(b.Planes))
	}
	if b.Planes[1].Length != testWidth*testHeight/2 {
		t.Errorf("chroma plane length = %d, want %d", b.Planes[1].Length, testWidth*testHeight/2)
	}
}

func TestPoolAllocateGrantsFewer(t *testing.T) {
	d := newFakeDevice(t)
	d.maxGrant = 4
	q := newTestQueue(t, d, DirectionOutput)

	if err := q.Allocate(DefaultBufferCount, MemoryMapped); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if q.Pool().Len() != 4 {
		t.Errorf("Len() = %d, want 4", q.Pool().Len())
	}
}

func TestPoolAllocateFailures(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(d *fakeDevice)
		mode   MemoryMode
		count  int
		wantRq int
	}{
		{
			name:  "device grants nothing",
			setup: func(d *fakeDevice) { d.grantZero = true },
			mode:  MemoryMapped,
			count: DefaultBufferCount,
		},
		{
			name:  "zero count",
			setup: func(*fakeDevice) {},
			mode:  MemoryMapped,
			count: 0,
		},
		{
			name:   "mapping fails midway",
			setup:  func(d *fakeDevice) { d.failMapAt = 3 },
			mode:   MemoryMapped,
			count:  DefaultBufferCount,
			wantRq: 1,
		},
		{
			name:   "export fails midway",
			setup:  func(d *fakeDevice) { d.failExportAt = 2 },
			mode:   MemoryExternal,
			count:  DefaultBufferCount,
			wantRq: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newFakeDevice(t)
			q := newTestQueue(t, d, DirectionOutput)
			tt.setup(d)

			err := q.Allocate(tt.count, tt.mode)
			if !errors.Is(err, ErrAllocation) {
				t.Fatalf("Allocate() error = %v, want %v", err, ErrAllocation)
			}
			if q.Pool().Len() != 0 {
				t.Errorf("Len() = %d after failure, want 0", q.Pool().Len())
			}
			if got := d.mappedCount(); got != 0 {
				t.Errorf("%d mappings leaked", got)
			}
			if got := d.openHandles(); got != 0 {
				t.Errorf("%d handles leaked", got)
			}
			if got := d.reqbufsZero[q.BufferType()]; got != tt.wantRq {
				t.Errorf("registration dropped %d times, want %d", got, tt.wantRq)
			}
		})
	}
}

func TestPoolAllocateTwice(t *testing.T) {
	d := newFakeDevice(t)
	q := newTestQueue(t, d, DirectionOutput)
	if err := q.Allocate(2, MemoryMapped); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := q.Pool().Allocate(2, MemoryMapped, q.Format()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Allocate() error = %v, want %v", err, ErrInvalidState)
	}
}

func TestPoolExternalOutputExportsHandles(t *testing.T) {
	d := newFakeDevice(t)
	q := newTestQueue(t, d, DirectionOutput)

	if err := q.Allocate(3, MemoryExternal); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if got := d.memory[q.BufferType()]; got != v4l2.MemoryMMAP {
		t.Errorf("output memory = %d, want MMAP", got)
	}
	if got := d.openHandles(); got != 3 {
		t.Fatalf("open handles = %d, want 3", got)
	}
	ext, ok := q.Pool().Buffer(1).Planes[0].Memory.(ExternalMemory)
	if !ok || !ext.Owned || ext.Handle < 0 {
		t.Errorf("plane memory = %+v, want owned exported handle", q.Pool().Buffer(1).Planes[0].Memory)
	}

	if err := q.Pool().ReleaseAll(); err != nil {
		t.Fatalf("ReleaseAll: %v", err)
	}
	if got := d.openHandles(); got != 0 {
		t.Errorf("open handles after release = %d, want 0", got)
	}
}

func TestPoolExternalInputImports(t *testing.T) {
	d := newFakeDevice(t)
	q := newTestQueue(t, d, DirectionInput)

	if err := q.Allocate(2, MemoryExternal); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if got := d.memory[q.BufferType()]; got != v4l2.MemoryDMABuf {
		t.Errorf("input memory = %d, want DMABUF", got)
	}
	if got := d.openHandles(); got != 0 {
		t.Errorf("input side exported %d handles", got)
	}
}

func TestPoolReleaseAllIdempotent(t *testing.T) {
	d := newFakeDevice(t)
	q := newTestQueue(t, d, DirectionOutput)
	if err := q.Allocate(DefaultBufferCount, MemoryMapped); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := q.Pool().ReleaseAll(); err != nil {
			t.Fatalf("ReleaseAll #%d: %v", i+1, err)
		}
	}
	if got := d.mappedCount(); got != 0 {
		t.Errorf("mapped = %d, want 0", got)
	}
	if got := d.reqbufsZero[q.BufferType()]; got != 1 {
		t.Errorf("registration dropped %d times, want 1", got)
	}
	if q.Pool().Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Pool().Len())
	}
}

func TestPoolFindFree(t *testing.T) {
	d := newFakeDevice(t)
	q := newTestQueue(t, d, DirectionInput)
	if err := q.Allocate(3, MemoryMapped); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	p := q.Pool()

	if b := p.FindFree(); b == nil || b.Index != 0 {
		t.Fatalf("FindFree() = %v, want index 0", b)
	}
	if err := q.Submit(p.Buffer(0)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if b := p.FindFree(); b == nil || b.Index != 1 {
		t.Fatalf("FindFree() = %v, want index 1", b)
	}
	if err := q.Submit(p.Buffer(1)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := q.Submit(p.Buffer(2)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if b := p.FindFree(); b != nil {
		t.Errorf("FindFree() = %d, want nil", b.Index)
	}
}

func TestPoolReleaseWithQueueFailure(t *testing.T) {
	d := newFakeDevice(t)
	q := newTestQueue(t, d, DirectionOutput)
	if err := q.Allocate(2, MemoryMapped); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	d.set(func(d *fakeDevice) { d.failQueue = syscall.EIO })
	err := q.Submit(q.Pool().Buffer(0))
	if !errors.Is(err, ErrDevice) {
		t.Fatalf("Submit() error = %v, want %v", err, ErrDevice)
	}
	if !errors.Is(err, syscall.EIO) {
		t.Errorf("Submit() error = %v, want cause EIO", err)
	}
	if got := q.Pool().Buffer(0).Owner(); got != OwnerPipeline {
		t.Errorf("owner after failed submit = %v, want pipeline", got)
	}
}
