package m2m

import (
	"log/slog"
	"time"

	"github.com/smazurov/m2mdeint/pkg/linuxav/v4l2"
)

// Bridge moves pictures between frames and queue buffers.
type Bridge struct {
	logger *slog.Logger
}

// NewBridge creates a bridge that logs through logger.
func NewBridge(logger *slog.Logger) *Bridge {
	return &Bridge{logger: logger}
}

// SubmitFrame places f in a free buffer of q and queues it. Mapped buffers
// receive a copy of the picture; external buffers take f's handles, and f is
// kept referenced until the device returns the buffer. The caller keeps its
// own reference either way.
func (br *Bridge) SubmitFrame(q *Queue, f *Frame) error {
	buf := q.pool.FindFree()
	if buf == nil {
		return NewError(CodeInsufficientBuffer, "no free buffer", map[string]any{"queue": q.dir.String()})
	}

	switch buf.Mode {
	case MemoryExternal:
		if err := attachHandles(buf, f); err != nil {
			return err
		}
		hold := f.Ref()
		if err := q.submit(buf, hold); err != nil {
			hold.Release()
			return err
		}
		return nil
	default:
		if err := br.copyIn(buf, f, int(q.format.Height)); err != nil {
			return err
		}
		return q.submit(buf, nil)
	}
}

// attachHandles points buf's planes at f's DMA-BUF objects.
func attachHandles(buf *Buffer, f *Frame) error {
	if f.DRM == nil || len(f.DRM.Objects) == 0 {
		return NewError(CodeInvalidState, "frame carries no DMA-BUF handles", map[string]any{"format": f.Format.String()})
	}
	if len(f.DRM.Objects) < len(buf.Planes) {
		return NewError(CodeInvalidState, "frame has fewer objects than buffer planes", map[string]any{
			"objects": len(f.DRM.Objects),
			"planes":  len(buf.Planes),
		})
	}
	for j := range buf.Planes {
		obj := f.DRM.Objects[j]
		buf.Planes[j].Memory = ExternalMemory{Handle: obj.FD, Size: obj.Size, Modifier: obj.Modifier}
		buf.Planes[j].BytesUsed = buf.Planes[j].Length
	}
	return nil
}

// copyIn copies f's NV12 planes into buf. A multi-plane buffer receives plane
// i in plane i; a single-plane buffer receives them back to back. Rows that
// do not fit are clipped.
func (br *Bridge) copyIn(buf *Buffer, f *Frame, height int) error {
	if f.Format != PixelFormatNV12 || len(f.Planes) == 0 {
		return NewError(CodeInvalidState, "mapped submission needs an NV12 frame", map[string]any{"format": f.Format.String()})
	}
	if height <= 0 {
		height = f.Height
	}

	packed := len(buf.Planes) < len(f.Planes)
	clipped := false
	offset := 0

	for i, src := range f.Planes {
		dstIndex := i
		if packed {
			dstIndex = 0
		} else {
			offset = 0
		}
		dstPlane := &buf.Planes[dstIndex]
		mem, ok := dstPlane.Memory.(MappedMemory)
		if !ok {
			return NewError(CodeInvalidState, "buffer plane is not mapped", map[string]any{"index": buf.Index})
		}

		srcStride := f.Width
		if i < len(f.Strides) {
			srcStride = f.Strides[i]
		}
		dstStride := int(dstPlane.BytesPerLine)
		if dstStride == 0 {
			dstStride = srcStride
		}
		rows := planeRows(i, height)

		written, over := copyPlane(mem.Data, offset, dstStride, src, srcStride, rows)
		clipped = clipped || over

		if packed {
			offset += dstStride * rows
			dstPlane.BytesUsed = uint32(min(offset, len(mem.Data)))
		} else {
			dstPlane.BytesUsed = uint32(written)
		}
	}

	if clipped {
		br.logger.Warn("Frame does not fit buffer, clipping",
			"index", buf.Index, "width", f.Width, "height", f.Height)
	}
	return nil
}

// copyPlane copies rows of src into dst starting at offset and returns the end
// of the written region and whether anything was cut off.
func copyPlane(dst []byte, offset, dstStride int, src []byte, srcStride, rows int) (int, bool) {
	if offset >= len(dst) {
		return len(dst), rows > 0
	}

	if srcStride == dstStride {
		size := min(srcStride*rows, len(src))
		n := copy(dst[offset:], src[:size])
		return offset + n, offset+srcStride*rows > len(dst)
	}

	rowBytes := min(srcStride, dstStride)
	end := offset
	for r := 0; r < rows; r++ {
		s := r * srcStride
		if s >= len(src) {
			break
		}
		d := offset + r*dstStride
		if d+rowBytes > len(dst) {
			copy(dst[d:], src[s:min(s+rowBytes, len(src))])
			return len(dst), true
		}
		copy(dst[d:d+rowBytes], src[s:min(s+rowBytes, len(src))])
		end = min(d+dstStride, len(dst))
	}
	return end, false
}

// CollectFrame takes the next finished buffer from q and wraps it in a frame
// of the given size without copying. It returns (nil, nil) when nothing
// finished within timeout. The frame's release hook gives the buffer back to
// the device.
func (br *Bridge) CollectFrame(q *Queue, timeout time.Duration, width, height int) (*Frame, error) {
	buf, err := q.Collect(timeout)
	if err != nil || buf == nil {
		return nil, err
	}

	frame := &Frame{Width: width, Height: height}
	if buf.Mode == MemoryExternal {
		frame.Format = PixelFormatDRMPrime
		frame.DRM = drmDescriptor(buf, height)
	} else {
		frame.Format = PixelFormatNV12
		frame.Planes, frame.Strides = mappedPlanes(buf, height)
	}

	if buf.Corrupted() {
		frame.Corrupted = true
		br.logger.Error("Driver flagged buffer as corrupted", "queue", q.dir.String(), "index", buf.Index)
	}

	frame.OnRelease(q.lend(buf))
	return frame, nil
}

// mappedPlanes views buf's memory as NV12 planes. A single-plane buffer holds
// chroma right after height rows of luma.
func mappedPlanes(buf *Buffer, height int) ([][]byte, []int) {
	var planes [][]byte
	var strides []int
	for _, p := range buf.Planes {
		mem, ok := p.Memory.(MappedMemory)
		if !ok {
			continue
		}
		start := min(int(p.DataOffset), len(mem.Data))
		end := min(int(p.Length), len(mem.Data))
		planes = append(planes, mem.Data[start:max(start, end)])
		strides = append(strides, int(p.BytesPerLine))
	}

	if len(planes) == 1 {
		stride := strides[0]
		luma := planes[0]
		split := min(stride*height, len(luma))
		planes = [][]byte{luma[:split], luma[split:]}
		strides = []int{stride, stride}
	}
	return planes, strides
}

// drmDescriptor builds the NV12 layer description of an exported buffer.
func drmDescriptor(buf *Buffer, height int) *DRMDescriptor {
	desc := &DRMDescriptor{}
	layer := DRMLayer{Format: v4l2.DRMFormatNV12}

	for j, p := range buf.Planes {
		mem, ok := p.Memory.(ExternalMemory)
		if !ok {
			continue
		}
		desc.Objects = append(desc.Objects, DRMObject{FD: mem.Handle, Size: mem.Size, Modifier: mem.Modifier})
		layer.Planes = append(layer.Planes, DRMPlane{ObjectIndex: j, Offset: p.DataOffset, Pitch: p.BytesPerLine})
	}

	if len(layer.Planes) == 1 {
		luma := layer.Planes[0]
		layer.Planes = append(layer.Planes, DRMPlane{
			ObjectIndex: 0,
			Offset:      luma.Offset + luma.Pitch*uint32(height),
			Pitch:       luma.Pitch,
		})
	}

	desc.Layers = []DRMLayer{layer}
	return desc
}
