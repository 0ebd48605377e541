//go:build linux

package v4l2

import (
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Device is an open V4L2 node used for streaming I/O.
type Device struct {
	path string

	mu sync.Mutex
	fd int
}

// Open opens a V4L2 node in non-blocking mode.
func Open(path string) (*Device, error) {
	fd, err := open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &Device{path: path, fd: fd}, nil
}

// Path returns the node path the device was opened from.
func (d *Device) Path() string {
	return d.path
}

// Close closes the device handle. Closing twice is a no-op.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fd < 0 {
		return nil
	}
	err := close(d.fd)
	d.fd = -1
	return err
}

func (d *Device) handle() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fd < 0 {
		return -1, unix.EBADF
	}
	return d.fd, nil
}

// QueryCapability issues VIDIOC_QUERYCAP.
func (d *Device) QueryCapability() (Capability, error) {
	fd, err := d.handle()
	if err != nil {
		return Capability{}, err
	}

	raw := v4l2Capability{}
	if err := ioctl(fd, vidiocQuerycap, unsafe.Pointer(&raw)); err != nil {
		return Capability{}, fmt.Errorf("VIDIOC_QUERYCAP: %w", err)
	}

	return decodeCapability(&raw), nil
}

// GetFormat issues VIDIOC_G_FMT for the given buffer type.
func (d *Device) GetFormat(bufType uint32) (Format, error) {
	fd, err := d.handle()
	if err != nil {
		return Format{}, err
	}

	raw := v4l2Format{typ: bufType}
	if err := ioctl(fd, vidiocGFmt, unsafe.Pointer(&raw)); err != nil {
		return Format{}, fmt.Errorf("VIDIOC_G_FMT: %w", err)
	}
	return decodeFormat(&raw), nil
}

// TryFormat issues VIDIOC_TRY_FMT. The driver may adjust any field; f is
// overwritten with what the driver would accept.
func (d *Device) TryFormat(f *Format) error {
	return d.exchangeFormat(vidiocTryFmt, "VIDIOC_TRY_FMT", f)
}

// SetFormat issues VIDIOC_S_FMT and overwrites f with the committed format.
func (d *Device) SetFormat(f *Format) error {
	return d.exchangeFormat(vidiocSFmt, "VIDIOC_S_FMT", f)
}

func (d *Device) exchangeFormat(req uint, name string, f *Format) error {
	fd, err := d.handle()
	if err != nil {
		return err
	}

	raw := encodeFormat(f)
	if err := ioctl(fd, req, unsafe.Pointer(&raw)); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*f = decodeFormat(&raw)
	return nil
}

// RequestBuffers issues VIDIOC_REQBUFS and returns the granted count,
// which may be smaller than requested. A count of zero frees the buffers.
func (d *Device) RequestBuffers(bufType, memory, count uint32) (uint32, error) {
	fd, err := d.handle()
	if err != nil {
		return 0, err
	}

	req := v4l2RequestBuffers{
		count:  count,
		typ:    bufType,
		memory: memory,
	}
	if err := ioctl(fd, vidiocReqbufs, unsafe.Pointer(&req)); err != nil {
		return 0, fmt.Errorf("VIDIOC_REQBUFS: %w", err)
	}
	return req.count, nil
}

// QueryBuffer issues VIDIOC_QUERYBUF for one buffer index.
func (d *Device) QueryBuffer(bufType, memory, index uint32) (BufferInfo, error) {
	fd, err := d.handle()
	if err != nil {
		return BufferInfo{}, err
	}

	info, err := bufferIoctl(fd, vidiocQuerybuf, QueueRequest{Index: index, Type: bufType, Memory: memory})
	if err != nil {
		return BufferInfo{}, fmt.Errorf("VIDIOC_QUERYBUF %d: %w", index, err)
	}
	return info, nil
}

// QueueBuffer issues VIDIOC_QBUF.
func (d *Device) QueueBuffer(req QueueRequest) error {
	fd, err := d.handle()
	if err != nil {
		return err
	}

	if _, err := bufferIoctl(fd, vidiocQbuf, req); err != nil {
		return fmt.Errorf("VIDIOC_QBUF %d: %w", req.Index, err)
	}
	return nil
}

// DequeueBuffer issues VIDIOC_DQBUF. On a non-blocking handle it returns
// unix.EAGAIN when no buffer is finished.
func (d *Device) DequeueBuffer(bufType, memory uint32) (BufferInfo, error) {
	fd, err := d.handle()
	if err != nil {
		return BufferInfo{}, err
	}

	info, err := bufferIoctl(fd, vidiocDqbuf, QueueRequest{Type: bufType, Memory: memory})
	if err != nil {
		return BufferInfo{}, fmt.Errorf("VIDIOC_DQBUF: %w", err)
	}
	return info, nil
}

// ExportBuffer issues VIDIOC_EXPBUF and returns a DMA-BUF handle for one plane.
// The caller owns the handle and must close it with CloseHandle.
func (d *Device) ExportBuffer(bufType, index, plane uint32) (int, error) {
	fd, err := d.handle()
	if err != nil {
		return -1, err
	}

	exp := v4l2ExportBuffer{
		typ:   bufType,
		index: index,
		plane: plane,
		flags: unix.O_RDWR | unix.O_CLOEXEC,
	}
	if err := ioctl(fd, vidiocExpbuf, unsafe.Pointer(&exp)); err != nil {
		return -1, fmt.Errorf("VIDIOC_EXPBUF %d/%d: %w", index, plane, err)
	}
	return int(exp.fd), nil
}

// StreamOn issues VIDIOC_STREAMON.
func (d *Device) StreamOn(bufType uint32) error {
	return d.stream(vidiocStreamon, "VIDIOC_STREAMON", bufType)
}

// StreamOff issues VIDIOC_STREAMOFF, which also returns every queued buffer to the application.
func (d *Device) StreamOff(bufType uint32) error {
	return d.stream(vidiocStreamoff, "VIDIOC_STREAMOFF", bufType)
}

func (d *Device) stream(req uint, name string, bufType uint32) error {
	fd, err := d.handle()
	if err != nil {
		return err
	}

	typ := int32(bufType)
	if err := ioctl(fd, req, unsafe.Pointer(&typ)); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Map maps one plane of an MMAP buffer into process memory.
func (d *Device) Map(offset, length uint32) ([]byte, error) {
	fd, err := d.handle()
	if err != nil {
		return nil, err
	}

	data, err := unix.Mmap(fd, int64(offset), int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap offset %d length %d: %w", offset, length, err)
	}
	return data, nil
}

// Unmap releases memory returned by Map. It does not need the device handle
// and stays valid after Close.
func (d *Device) Unmap(data []byte) error {
	return unix.Munmap(data)
}

// CloseHandle closes a handle returned by ExportBuffer.
func (d *Device) CloseHandle(fd int) error {
	return unix.Close(fd)
}

// Poll waits for readiness. Zero timeout does not block, a negative timeout
// blocks until the device is ready. It returns the reported events, or zero on timeout.
func (d *Device) Poll(events int16, timeout time.Duration) (int16, error) {
	fd, err := d.handle()
	if err != nil {
		return 0, err
	}
	return pollFd(fd, events, timeout)
}

// bufferIoctl runs a v4l2_buffer ioctl in the single- or multi-planar layout.
func bufferIoctl(fd int, req uint, q QueueRequest) (BufferInfo, error) {
	if IsMultiplanar(q.Type) {
		planes := make([]v4l2Plane, MaxPlanes)
		n := len(q.Planes)
		if n == 0 {
			n = MaxPlanes
		}
		for i, p := range q.Planes {
			planes[i].bytesused = p.BytesUsed
			planes[i].length = p.Length
			if q.Memory == MemoryDMABuf {
				planes[i].setFD(p.FD)
			}
		}

		buf := v4l2BufferMplane{
			index:  q.Index,
			typ:    q.Type,
			memory: q.Memory,
			field:  q.Field,
			planes: &planes[0],
			length: uint32(n),
		}
		err := ioctl(fd, req, unsafe.Pointer(&buf))
		runtime.KeepAlive(planes)
		if err != nil {
			return BufferInfo{}, err
		}

		info := BufferInfo{
			Index:    buf.index,
			Type:     buf.typ,
			Memory:   buf.memory,
			Flags:    buf.flags,
			Field:    buf.field,
			Sequence: buf.sequence,
			Planes:   make([]PlaneInfo, 0, buf.length),
		}
		for i := uint32(0); i < buf.length && i < MaxPlanes; i++ {
			info.Planes = append(info.Planes, PlaneInfo{
				Length:     planes[i].length,
				Offset:     planes[i].memOffset(),
				BytesUsed:  planes[i].bytesused,
				DataOffset: planes[i].dataOffset,
			})
		}
		return info, nil
	}

	buf := v4l2Buffer{
		index:  q.Index,
		typ:    q.Type,
		memory: q.Memory,
		field:  q.Field,
	}
	if len(q.Planes) > 0 {
		buf.bytesused = q.Planes[0].BytesUsed
		buf.length = q.Planes[0].Length
		if q.Memory == MemoryDMABuf {
			buf.setFD(q.Planes[0].FD)
		}
	}
	if err := ioctl(fd, req, unsafe.Pointer(&buf)); err != nil {
		return BufferInfo{}, err
	}

	return BufferInfo{
		Index:    buf.index,
		Type:     buf.typ,
		Memory:   buf.memory,
		Flags:    buf.flags,
		Field:    buf.field,
		Sequence: buf.sequence,
		Planes: []PlaneInfo{{
			Length:    buf.length,
			Offset:    buf.offset(),
			BytesUsed: buf.bytesused,
		}},
	}, nil
}

func encodeFormat(f *Format) v4l2Format {
	raw := v4l2Format{typ: f.Type}

	if IsMultiplanar(f.Type) {
		mp := raw.pixMP()
		mp.width = f.Width
		mp.height = f.Height
		mp.pixelformat = f.PixelFormat
		mp.field = f.Field
		mp.colorspace = f.Colorspace
		mp.numPlanes = uint8(min(len(f.Planes), MaxPlanes))
		for i := 0; i < int(mp.numPlanes); i++ {
			mp.planeFmt[i].bytesperline = f.Planes[i].BytesPerLine
			mp.planeFmt[i].sizeimage = f.Planes[i].SizeImage
		}
		return raw
	}

	pix := raw.pix()
	pix.width = f.Width
	pix.height = f.Height
	pix.pixelformat = f.PixelFormat
	pix.field = f.Field
	pix.colorspace = f.Colorspace
	if len(f.Planes) > 0 {
		pix.bytesperline = f.Planes[0].BytesPerLine
		pix.sizeimage = f.Planes[0].SizeImage
	}
	return raw
}

func decodeFormat(raw *v4l2Format) Format {
	if IsMultiplanar(raw.typ) {
		mp := raw.pixMP()
		f := Format{
			Type:        raw.typ,
			Width:       mp.width,
			Height:      mp.height,
			PixelFormat: mp.pixelformat,
			Field:       mp.field,
			Colorspace:  mp.colorspace,
		}
		for i := 0; i < int(mp.numPlanes) && i < MaxPlanes; i++ {
			f.Planes = append(f.Planes, PlaneFormat{
				BytesPerLine: mp.planeFmt[i].bytesperline,
				SizeImage:    mp.planeFmt[i].sizeimage,
			})
		}
		return f
	}

	pix := raw.pix()
	return Format{
		Type:        raw.typ,
		Width:       pix.width,
		Height:      pix.height,
		PixelFormat: pix.pixelformat,
		Field:       pix.field,
		Colorspace:  pix.colorspace,
		Planes: []PlaneFormat{{
			BytesPerLine: pix.bytesperline,
			SizeImage:    pix.sizeimage,
		}},
	}
}
