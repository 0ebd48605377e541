//go:build linux && arm

package v4l2

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Compile-time struct size assertions for 32-bit ARM.
// These will cause build failures if struct sizes don't match kernel expectations.
var (
	_ [204]byte = [unsafe.Sizeof(v4l2Format{})]byte{}
	_ [68]byte  = [unsafe.Sizeof(v4l2Buffer{})]byte{}
	_ [68]byte  = [unsafe.Sizeof(v4l2BufferMplane{})]byte{}
	_ [60]byte  = [unsafe.Sizeof(v4l2Plane{})]byte{}
)

// IOCTL constants for 32-bit ARM.
// v4l2_format and v4l2_buffer are smaller than on 64-bit: no union padding, 32-bit timeval and pointers.
const (
	vidiocGFmt     = 0xc0cc5604
	vidiocSFmt     = 0xc0cc5605
	vidiocTryFmt   = 0xc0cc5640
	vidiocQuerybuf = 0xc0445609
	vidiocQbuf     = 0xc044560f
	vidiocDqbuf    = 0xc0445611
)

// v4l2Format has size 204 bytes.
type v4l2Format struct {
	typ uint32    // offset 0
	fmt [200]byte // offset 4
}

// v4l2Buffer is the single-planar struct v4l2_buffer, size 68 bytes.
type v4l2Buffer struct {
	index     uint32       // offset 0
	typ       uint32       // offset 4
	bytesused uint32       // offset 8
	flags     uint32       // offset 12
	field     uint32       // offset 16
	timestamp unix.Timeval // offset 20
	timecode  v4l2Timecode // offset 28
	sequence  uint32       // offset 44
	memory    uint32       // offset 48
	m         uint32       // offset 52 - union of offset, userptr and fd
	length    uint32       // offset 56
	reserved2 uint32       // offset 60
	requestFD int32        // offset 64
}

// v4l2BufferMplane is struct v4l2_buffer with the union holding the planes pointer.
type v4l2BufferMplane struct {
	index     uint32       // offset 0
	typ       uint32       // offset 4
	bytesused uint32       // offset 8
	flags     uint32       // offset 12
	field     uint32       // offset 16
	timestamp unix.Timeval // offset 20
	timecode  v4l2Timecode // offset 28
	sequence  uint32       // offset 44
	memory    uint32       // offset 48
	planes    *v4l2Plane   // offset 52
	length    uint32       // offset 56
	reserved2 uint32       // offset 60
	requestFD int32        // offset 64
}

// v4l2Plane has size 60 bytes.
type v4l2Plane struct {
	bytesused  uint32     // offset 0
	length     uint32     // offset 4
	m          uint32     // offset 8 - union of mem_offset, userptr and fd
	dataOffset uint32     // offset 12
	reserved   [11]uint32 // offset 16
}

func (b *v4l2Buffer) offset() uint32 { return b.m }
func (b *v4l2Buffer) setFD(fd int) { b.m = uint32(int32(fd)) }
func (p *v4l2Plane) memOffset() uint32 { return p.m }
func (p *v4l2Plane) setFD(fd int) { p.m = uint32(int32(fd)) }
