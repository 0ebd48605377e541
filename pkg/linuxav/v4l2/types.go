package v4l2

// DeviceInfo contains information about a V4L2 device node.
type DeviceInfo struct {
	DevicePath string
	DeviceName string
	DeviceID   string // Stable identifier (from /dev/v4l/by-id/ or synthetic)
	Driver     string
	Caps       uint32
}

// IsM2M reports whether the node advertises a streaming memory-to-memory interface.
func (d DeviceInfo) IsM2M() bool {
	return IsM2MCapable(d.Caps)
}

// FormatInfo contains information about a supported pixel format.
type FormatInfo struct {
	PixelFormat uint32
	FormatName  string
	Emulated    bool
}

// Capability is the decoded result of VIDIOC_QUERYCAP.
type Capability struct {
	Driver       string
	Card         string
	BusInfo      string
	Version      uint32
	Capabilities uint32
	DeviceCaps   uint32
}

// Effective returns the capabilities of the opened node rather than the whole physical device.
func (c Capability) Effective() uint32 {
	if c.Capabilities&CapDeviceCaps != 0 {
		return c.DeviceCaps
	}
	return c.Capabilities
}

// IsM2MCapable reports whether caps carry streaming plus a single- or multi-planar M2M interface.
func IsM2MCapable(caps uint32) bool {
	if caps&CapStreaming == 0 {
		return false
	}
	return caps&(CapVideoM2M|CapVideoM2MMplane) != 0
}

// PlaneFormat describes the geometry of one plane in a format.
type PlaneFormat struct {
	BytesPerLine uint32
	SizeImage    uint32
}

// Format is the device-independent view of struct v4l2_format for the pix and pix_mp variants.
// Single-planar formats carry exactly one entry in Planes.
type Format struct {
	Type        uint32
	Width       uint32
	Height      uint32
	PixelFormat uint32
	Field       uint32
	Colorspace  uint32
	Planes      []PlaneFormat
}

// PlaneInfo is the per-plane part of a queried or dequeued buffer.
type PlaneInfo struct {
	Length     uint32
	Offset     uint32 // mmap offset, valid for MemoryMMAP
	BytesUsed  uint32
	DataOffset uint32
}

// BufferInfo is the decoded result of VIDIOC_QUERYBUF and VIDIOC_DQBUF.
type BufferInfo struct {
	Index    uint32
	Type     uint32
	Memory   uint32
	Flags    uint32
	Field    uint32
	Sequence uint32
	Planes   []PlaneInfo
}

// QueuePlane carries the per-plane fields filled in before VIDIOC_QBUF.
type QueuePlane struct {
	BytesUsed uint32
	Length    uint32
	FD        int // DMA-BUF handle, valid for MemoryDMABuf
}

// QueueRequest describes a buffer handed to the driver with VIDIOC_QBUF.
type QueueRequest struct {
	Index  uint32
	Type   uint32
	Memory uint32
	Field  uint32
	Planes []QueuePlane
}

// MaxPlanes mirrors VIDEO_MAX_PLANES.
const MaxPlanes = 8

// Capability flags.
const (
	CapVideoCapture   = 0x00000001
	CapVideoOutput    = 0x00000002
	CapVideoM2MMplane = 0x00004000
	CapVideoM2M       = 0x00008000
	CapStreaming      = 0x04000000
	CapDeviceCaps     = 0x80000000
)

// Format flags.
const (
	fmtFlagEmulated = 0x0002
)

// Pixel formats.
const (
	PixFmtYUYV  = 0x56595559 // 'YUYV'
	PixFmtMJPEG = 0x47504A4D // 'MJPG'
	PixFmtH264  = 0x34363248 // 'H264'
	PixFmtHEVC  = 0x43564548 // 'HEVC'
	PixFmtNV12  = 0x3231564E // 'NV12'
)

// DRM fourcc and modifier used when describing exported buffers.
const (
	DRMFormatNV12      = 0x3231564E // 'NV12'
	DRMFormatModLinear = uint64(0)
)

// Buffer types.
const (
	BufTypeVideoCapture       = 1
	BufTypeVideoOutput        = 2
	BufTypeVideoCaptureMplane = 9
	BufTypeVideoOutputMplane  = 10
)

// IsMultiplanar reports whether the buffer type uses the multi-planar API.
func IsMultiplanar(bufType uint32) bool {
	return bufType == BufTypeVideoCaptureMplane || bufType == BufTypeVideoOutputMplane
}

// IsOutput reports whether the buffer type feeds frames into the device.
func IsOutput(bufType uint32) bool {
	return bufType == BufTypeVideoOutput || bufType == BufTypeVideoOutputMplane
}

// Memory types.
const (
	MemoryMMAP   = 1
	MemoryDMABuf = 4
)

// Field orders.
const (
	FieldAny          = 0
	FieldNone         = 1
	FieldInterlaced   = 4
	FieldInterlacedTB = 8
	FieldInterlacedBT = 9
)

// Buffer flags.
const (
	BufFlagMapped = 0x00000001
	BufFlagQueued = 0x00000002
	BufFlagDone   = 0x00000004
	BufFlagError  = 0x00000040
)

// Poll event bits used for readiness waits.
const (
	PollIn     = 0x0001
	PollOut    = 0x0004
	PollErr    = 0x0008
	PollRdNorm = 0x0040
	PollWrNorm = 0x0100
)

// FormatFourCC converts a 4-byte pixel format to a human-readable string.
func FormatFourCC(format uint32) string {
	b := make([]byte, 4)
	b[0] = byte(format & 0xFF)
	b[1] = byte((format >> 8) & 0xFF)
	b[2] = byte((format >> 16) & 0xFF)
	b[3] = byte((format >> 24) & 0xFF)
	return string(b)
}

// FieldName returns the kernel name of a field order.
func FieldName(field uint32) string {
	switch field {
	case FieldAny:
		return "any"
	case FieldNone:
		return "none"
	case FieldInterlaced:
		return "interlaced"
	case FieldInterlacedTB:
		return "interlaced-tb"
	case FieldInterlacedBT:
		return "interlaced-bt"
	default:
		return "unknown"
	}
}
