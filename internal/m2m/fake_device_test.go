package m2m

import (
	"io"
	"log/slog"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/smazurov/m2mdeint/pkg/linuxav/v4l2"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeBuffer struct {
	planes  [][]byte
	queued  bool
	flags   uint32
	used    []uint32
	fds     []int
	inField uint32
}

// fakeDevice is an in-memory M2M deinterlacer. Every input frame is held until
// the next one arrives, then turned into two output buffers carrying a copy of
// the input picture.
type fakeDevice struct {
	mu   sync.Mutex
	cond *sync.Cond

	path        string
	caps        uint32
	planeCount  int
	strideAlign uint32

	formats   map[uint32]v4l2.Format
	maxGrant  uint32
	buffers   map[uint32][]*fakeBuffer
	memory    map[uint32]uint32
	queued    map[uint32][]uint32
	done      map[uint32][]uint32
	streaming map[uint32]bool
	pending   []uint32

	mapped    int
	exported  map[int]bool
	nextFD    int
	closed    bool
	afterStop int

	// Failure injection.
	rejectTry      bool
	substituteFmt  uint32
	substituteFld  uint32
	grantZero      bool
	failMapAt      int
	failExportAt   int
	failQueue      error
	failDequeue    error
	pollErr        bool
	dropFields     int
	corruptNext    int
	holdInput      bool
	pollCalls      int
	queueCalls     int
	ioctlsAfterEnd int
	setFields      map[uint32]uint32
	reqbufsZero    map[uint32]int
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()
	d := &fakeDevice{
		path:         "/dev/video-fake",
		caps:         v4l2.CapStreaming | v4l2.CapVideoM2MMplane,
		planeCount:   1,
		formats:      make(map[uint32]v4l2.Format),
		buffers:      make(map[uint32][]*fakeBuffer),
		memory:       make(map[uint32]uint32),
		queued:       make(map[uint32][]uint32),
		done:         make(map[uint32][]uint32),
		streaming:    make(map[uint32]bool),
		exported:     make(map[int]bool),
		nextFD:       100,
		failMapAt:    -1,
		failExportAt: -1,
		setFields:    make(map[uint32]uint32),
		reqbufsZero:  make(map[uint32]int),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

func (d *fakeDevice) singlePlanar() *fakeDevice {
	d.caps = v4l2.CapStreaming | v4l2.CapVideoM2M
	d.planeCount = 1
	return d
}

func (d *fakeDevice) checkOpen() {
	if d.closed {
		d.ioctlsAfterEnd++
	}
}

func (d *fakeDevice) Path() string { return d.path }

func (d *fakeDevice) QueryCapability() (v4l2.Capability, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkOpen()
	return v4l2.Capability{Driver: "fake", Card: "loopback", Capabilities: d.caps}, nil
}

func (d *fakeDevice) GetFormat(bufType uint32) (v4l2.Format, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkOpen()
	if f, ok := d.formats[bufType]; ok {
		return f, nil
	}
	return v4l2.Format{Type: bufType, Width: 640, Height: 480, PixelFormat: v4l2.PixFmtYUYV, Field: v4l2.FieldNone}, nil
}

func (d *fakeDevice) fillFormat(f *v4l2.Format) error {
	if d.rejectTry {
		return syscall.EINVAL
	}
	if d.substituteFmt != 0 {
		f.PixelFormat = d.substituteFmt
	}
	if d.substituteFld != 0 && v4l2.IsOutput(f.Type) {
		f.Field = d.substituteFld
	}

	stride := f.Width
	if d.strideAlign > 0 {
		stride = (f.Width + d.strideAlign - 1) / d.strideAlign * d.strideAlign
	}
	chromaRows := (f.Height + 1) / 2
	if v4l2.IsMultiplanar(f.Type) && d.planeCount == 2 {
		f.Planes = []v4l2.PlaneFormat{
			{BytesPerLine: stride, SizeImage: stride * f.Height},
			{BytesPerLine: stride, SizeImage: stride * chromaRows},
		}
	} else {
		f.Planes = []v4l2.PlaneFormat{{BytesPerLine: stride, SizeImage: stride * (f.Height + chromaRows)}}
	}
	return nil
}

func (d *fakeDevice) TryFormat(f *v4l2.Format) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkOpen()
	return d.fillFormat(f)
}

func (d *fakeDevice) SetFormat(f *v4l2.Format) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkOpen()
	if err := d.fillFormat(f); err != nil {
		return err
	}
	d.formats[f.Type] = *f
	d.setFields[f.Type] = f.Field
	return nil
}

func (d *fakeDevice) RequestBuffers(bufType, memory, count uint32) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkOpen()

	if count == 0 {
		d.reqbufsZero[bufType]++
		d.buffers[bufType] = nil
		return 0, nil
	}
	if d.grantZero {
		return 0, nil
	}
	if d.maxGrant > 0 && count > d.maxGrant {
		count = d.maxGrant
	}

	f := d.formats[bufType]
	bufs := make([]*fakeBuffer, count)
	for i := range bufs {
		b := &fakeBuffer{}
		for _, pf := range f.Planes {
			b.planes = append(b.planes, make([]byte, pf.SizeImage))
		}
		b.used = make([]uint32, len(b.planes))
		b.fds = make([]int, len(b.planes))
		bufs[i] = b
	}
	d.buffers[bufType] = bufs
	d.memory[bufType] = memory
	return count, nil
}

func planeOffset(bufType, index uint32, plane int) uint32 {
	return bufType<<24 | index<<8 | uint32(plane)
}

func (d *fakeDevice) QueryBuffer(bufType, memory, index uint32) (v4l2.BufferInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkOpen()

	bufs := d.buffers[bufType]
	if int(index) >= len(bufs) {
		return v4l2.BufferInfo{}, syscall.EINVAL
	}
	info := v4l2.BufferInfo{Index: index, Type: bufType, Memory: memory}
	for j, p := range bufs[index].planes {
		info.Planes = append(info.Planes, v4l2.PlaneInfo{Length: uint32(len(p)), Offset: planeOffset(bufType, index, j)})
	}
	return info, nil
}

func (d *fakeDevice) QueueBuffer(req v4l2.QueueRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkOpen()
	d.queueCalls++

	if d.failQueue != nil {
		return d.failQueue
	}
	bufs := d.buffers[req.Type]
	if int(req.Index) >= len(bufs) {
		return syscall.EINVAL
	}
	b := bufs[req.Index]
	if b.queued {
		return syscall.EINVAL
	}
	b.queued = true
	b.inField = req.Field
	for j := range b.used {
		if j < len(req.Planes) {
			b.used[j] = req.Planes[j].BytesUsed
			b.fds[j] = req.Planes[j].FD
		}
	}

	if v4l2.IsOutput(req.Type) {
		d.pending = append(d.pending, req.Index)
	} else {
		d.queued[req.Type] = append(d.queued[req.Type], req.Index)
	}
	d.step()
	return nil
}

func (d *fakeDevice) types() (in, out uint32) {
	if d.caps&v4l2.CapVideoM2M != 0 {
		return v4l2.BufTypeVideoOutput, v4l2.BufTypeVideoCapture
	}
	return v4l2.BufTypeVideoOutputMplane, v4l2.BufTypeVideoCaptureMplane
}

// step deinterlaces the oldest pending input once its successor has arrived
// and two output buffers are queued. Called with mu held.
func (d *fakeDevice) step() {
	inType, outType := d.types()
	if !d.streaming[inType] || !d.streaming[outType] || d.holdInput {
		return
	}

	for len(d.pending) >= 2 {
		fields := 2
		if d.dropFields > 0 {
			fields = 1
		}
		if len(d.queued[outType]) < fields {
			return
		}
		d.dropFields = max(d.dropFields-1, 0)

		src := d.buffers[inType][d.pending[0]]
		for range fields {
			idx := d.queued[outType][0]
			d.queued[outType] = d.queued[outType][1:]
			dst := d.buffers[outType][idx]
			for j := range dst.planes {
				if j < len(src.planes) {
					copy(dst.planes[j], src.planes[j])
				}
				dst.used[j] = uint32(len(dst.planes[j]))
			}
			dst.flags = v4l2.BufFlagDone
			if d.corruptNext > 0 {
				dst.flags |= v4l2.BufFlagError
				d.corruptNext--
			}
			d.done[outType] = append(d.done[outType], idx)
		}

		d.done[inType] = append(d.done[inType], d.pending[0])
		d.pending = d.pending[1:]
	}
	d.cond.Broadcast()
}

func (d *fakeDevice) DequeueBuffer(bufType, memory uint32) (v4l2.BufferInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkOpen()

	if d.failDequeue != nil {
		return v4l2.BufferInfo{}, d.failDequeue
	}
	if len(d.done[bufType]) == 0 {
		return v4l2.BufferInfo{}, syscall.EAGAIN
	}
	idx := d.done[bufType][0]
	d.done[bufType] = d.done[bufType][1:]

	b := d.buffers[bufType][idx]
	b.queued = false
	info := v4l2.BufferInfo{Index: idx, Type: bufType, Memory: memory, Flags: b.flags}
	for j := range b.planes {
		info.Planes = append(info.Planes, v4l2.PlaneInfo{Length: uint32(len(b.planes[j])), BytesUsed: b.used[j]})
	}
	b.flags = 0
	return info, nil
}

func (d *fakeDevice) ExportBuffer(bufType, index, plane uint32) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkOpen()

	if d.failExportAt == int(index) {
		return -1, syscall.ENOMEM
	}
	fd := d.nextFD
	d.nextFD++
	d.exported[fd] = true
	return fd, nil
}

func (d *fakeDevice) StreamOn(bufType uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkOpen()
	d.streaming[bufType] = true
	d.step()
	return nil
}

func (d *fakeDevice) StreamOff(bufType uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkOpen()

	d.streaming[bufType] = false
	for _, b := range d.buffers[bufType] {
		b.queued = false
	}
	d.queued[bufType] = nil
	d.done[bufType] = nil
	inType, _ := d.types()
	if bufType == inType {
		d.pending = nil
	}
	d.afterStop++
	return nil
}

func (d *fakeDevice) Map(offset, length uint32) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkOpen()

	bufType := offset >> 24
	index := offset >> 8 & 0xffff
	plane := int(offset & 0xff)
	if d.failMapAt == int(index) {
		return nil, syscall.ENOMEM
	}
	bufs := d.buffers[bufType]
	if int(index) >= len(bufs) || plane >= len(bufs[index].planes) {
		return nil, syscall.EINVAL
	}
	d.mapped++
	return bufs[index].planes[plane][:length], nil
}

func (d *fakeDevice) Unmap(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mapped--
	return nil
}

func (d *fakeDevice) CloseHandle(fd int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.exported[fd] {
		return syscall.EBADF
	}
	delete(d.exported, fd)
	return nil
}

func (d *fakeDevice) ready(events int16) int16 {
	inType, outType := d.types()
	var revents int16
	if len(d.done[outType]) > 0 {
		revents |= v4l2.PollIn | v4l2.PollRdNorm
	}
	if len(d.done[inType]) > 0 {
		revents |= v4l2.PollOut | v4l2.PollWrNorm
	}
	if d.pollErr {
		revents |= v4l2.PollErr
	}
	return revents
}

// Poll waits on the condition variable. An unbounded wait gives up after a
// second so a broken test fails instead of hanging.
func (d *fakeDevice) Poll(events int16, timeout time.Duration) (int16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkOpen()
	d.pollCalls++

	if timeout < 0 {
		timeout = time.Second
	}
	deadline := time.Now().Add(timeout)
	for {
		if r := d.ready(events); r&(events|v4l2.PollErr) != 0 || time.Now().After(deadline) {
			return r & (events | v4l2.PollErr), nil
		}
		timer := time.AfterFunc(time.Until(deadline), func() {
			d.mu.Lock()
			d.cond.Broadcast()
			d.mu.Unlock()
		})
		d.cond.Wait()
		timer.Stop()
	}
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// snapshot helpers

func (d *fakeDevice) mappedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mapped
}

func (d *fakeDevice) openHandles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.exported)
}

func (d *fakeDevice) queueCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queueCalls
}

func (d *fakeDevice) lateIoctls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ioctlsAfterEnd
}

func (d *fakeDevice) set(fn func(d *fakeDevice)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d)
}

func (d *fakeDevice) opener() Opener {
	return func(string) (Device, error) { return d, nil }
}

// testFrame returns an NV12 frame whose every luma byte is seed and every
// chroma byte is seed+1.
func testFrame(width, height int, seed byte, pts int64) *Frame {
	f := NewNV12Frame(width, height)
	for i := range f.Planes[0] {
		f.Planes[0][i] = seed
	}
	for i := range f.Planes[1] {
		f.Planes[1][i] = seed + 1
	}
	f.PTS = pts
	f.Interlaced = true
	f.TopFieldFirst = true
	return f
}
