package runner

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/smazurov/m2mdeint/internal/m2m"
)

// ErrNoPlanes is returned when writing a frame that only carries DMA-BUF
// handles.
var ErrNoPlanes = errors.New("frame has no mapped planes")

// FrameReader reads packed NV12 frames: width*height luma bytes followed by
// interleaved chroma rows of even width, with no padding.
type FrameReader struct {
	r             *bufio.Reader
	width         int
	height        int
	timing        m2m.StreamTiming
	topFieldFirst bool
	n             int64
}

// NewFrameReader returns a reader of interlaced frames. Frame n is stamped
// with PTS n*d where d is the frame duration in timing's time base.
func NewFrameReader(r io.Reader, width, height int, timing m2m.StreamTiming, topFieldFirst bool) *FrameReader {
	return &FrameReader{
		r:             bufio.NewReaderSize(r, FrameSize(width, height)),
		width:         width,
		height:        height,
		timing:        timing,
		topFieldFirst: topFieldFirst,
	}
}

// FrameSize is the number of bytes of one packed NV12 frame.
func FrameSize(width, height int) int {
	return width*height + chromaWidth(width)*((height+1)/2)
}

// ReadFrame returns the next frame, or io.EOF when the input ends on a frame
// boundary.
func (fr *FrameReader) ReadFrame() (*m2m.Frame, error) {
	f := m2m.NewNV12Frame(fr.width, fr.height)
	first := true
	for p, plane := range f.Planes {
		rows, rowBytes := planeGeometry(p, fr.width, fr.height)
		stride := f.Strides[p]
		for row := 0; row < rows; row++ {
			if _, err := io.ReadFull(fr.r, plane[row*stride:row*stride+rowBytes]); err != nil {
				if first && errors.Is(err, io.EOF) {
					return nil, io.EOF
				}
				return nil, fmt.Errorf("truncated frame %d: %w", fr.n, io.ErrUnexpectedEOF)
			}
			first = false
		}
	}

	d := fr.timing.FrameDuration()
	f.PTS = fr.n * d
	f.Duration = d
	f.TimeBase = fr.timing.TimeBase
	f.Interlaced = true
	f.TopFieldFirst = fr.topFieldFirst
	fr.n++
	return f, nil
}

// FrameWriter writes frames as packed NV12, dropping any row padding.
type FrameWriter struct {
	w *bufio.Writer
}

// NewFrameWriter returns a buffered writer; call Flush when done.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: bufio.NewWriter(w)}
}

// WriteFrame writes f. It does not release it.
func (fw *FrameWriter) WriteFrame(f *m2m.Frame) error {
	if len(f.Planes) < 2 {
		return ErrNoPlanes
	}
	for p := 0; p < 2; p++ {
		rows, rowBytes := planeGeometry(p, f.Width, f.Height)
		stride := f.Strides[p]
		for row := 0; row < rows; row++ {
			off := row * stride
			if _, err := fw.w.Write(f.Planes[p][off : off+rowBytes]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flush writes buffered data to the underlying writer.
func (fw *FrameWriter) Flush() error {
	return fw.w.Flush()
}

func chromaWidth(width int) int {
	return width + width%2
}

func planeGeometry(plane, width, height int) (rows, rowBytes int) {
	if plane == 0 {
		return height, width
	}
	return (height + 1) / 2, chromaWidth(width)
}
