//go:build linux && (amd64 || arm64)

package v4l2

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Compile-time struct size assertions.
// These will cause build failures if struct sizes don't match kernel expectations.
var (
	_ [208]byte = [unsafe.Sizeof(v4l2Format{})]byte{}
	_ [88]byte  = [unsafe.Sizeof(v4l2Buffer{})]byte{}
	_ [88]byte  = [unsafe.Sizeof(v4l2BufferMplane{})]byte{}
	_ [64]byte  = [unsafe.Sizeof(v4l2Plane{})]byte{}
)

// IOCTL constants for 64-bit architectures.
const (
	vidiocGFmt     = 0xc0d05604
	vidiocSFmt     = 0xc0d05605
	vidiocTryFmt   = 0xc0d05640
	vidiocQuerybuf = 0xc0585609
	vidiocQbuf     = 0xc058560f
	vidiocDqbuf    = 0xc0585611
)

// v4l2Format has size 208 bytes; the union is 8-byte aligned because v4l2_window holds pointers.
type v4l2Format struct {
	typ uint32    // offset 0
	_   uint32    // padding
	fmt [200]byte // offset 8
}

// v4l2Buffer is the single-planar struct v4l2_buffer, size 88 bytes.
type v4l2Buffer struct {
	index     uint32       // offset 0
	typ       uint32       // offset 4
	bytesused uint32       // offset 8
	flags     uint32       // offset 12
	field     uint32       // offset 16
	_         uint32       // padding
	timestamp unix.Timeval // offset 24
	timecode  v4l2Timecode // offset 40
	sequence  uint32       // offset 56
	memory    uint32       // offset 60
	m         uint64       // offset 64 - union of offset, userptr and fd
	length    uint32       // offset 72
	reserved2 uint32       // offset 76
	requestFD int32        // offset 80
	_         uint32       // padding to 88
}

// v4l2BufferMplane is struct v4l2_buffer with the union holding the planes pointer.
type v4l2BufferMplane struct {
	index     uint32       // offset 0
	typ       uint32       // offset 4
	bytesused uint32       // offset 8
	flags     uint32       // offset 12
	field     uint32       // offset 16
	_         uint32       // padding
	timestamp unix.Timeval // offset 24
	timecode  v4l2Timecode // offset 40
	sequence  uint32       // offset 56
	memory    uint32       // offset 60
	planes    *v4l2Plane   // offset 64
	length    uint32       // offset 72 - number of entries in planes
	reserved2 uint32       // offset 76
	requestFD int32        // offset 80
	_         uint32       // padding to 88
}

// v4l2Plane has size 64 bytes.
type v4l2Plane struct {
	bytesused  uint32     // offset 0
	length     uint32     // offset 4
	m          uint64     // offset 8 - union of mem_offset, userptr and fd
	dataOffset uint32     // offset 16
	reserved   [11]uint32 // offset 20
}

func (b *v4l2Buffer) offset() uint32 { return uint32(b.m) }
func (b *v4l2Buffer) setFD(fd int) { b.m = uint64(uint32(int32(fd))) }
func (p *v4l2Plane) memOffset() uint32 { return uint32(p.m) }
func (p *v4l2Plane) setFD(fd int) { p.m = uint64(uint32(int32(fd))) }
