package runner

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/smazurov/m2mdeint/internal/m2m"
)

var palTiming = m2m.StreamTiming{
	FrameRate: m2m.Rational{Num: 25, Den: 1},
	TimeBase:  m2m.Rational{Num: 1, Den: 25},
}

// rawStream returns n packed frames whose bytes count up from the frame index.
func rawStream(width, height, n int) []byte {
	size := FrameSize(width, height)
	data := make([]byte, size*n)
	for i := range data {
		data[i] = byte(i/size + i)
	}
	return data
}

func TestFrameSize(t *testing.T) {
	tests := []struct {
		width, height int
		want          int
	}{
		{720, 576, 720*576 + 720*288},
		{4, 4, 24},
		{3, 3, 9 + 4*2},
	}

	for _, tt := range tests {
		if got := FrameSize(tt.width, tt.height); got != tt.want {
			t.Errorf("FrameSize(%d, %d) = %d, want %d", tt.width, tt.height, got, tt.want)
		}
	}
}

func TestFrameReaderWriterRoundTrip(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
	}{
		{"even", 8, 4},
		{"odd", 5, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := rawStream(tt.width, tt.height, 3)
			fr := NewFrameReader(bytes.NewReader(data), tt.width, tt.height, palTiming, true)

			var out bytes.Buffer
			fw := NewFrameWriter(&out)
			for i := 0; ; i++ {
				f, err := fr.ReadFrame()
				if errors.Is(err, io.EOF) {
					if i != 3 {
						t.Fatalf("read %d frames, want 3", i)
					}
					break
				}
				if err != nil {
					t.Fatalf("ReadFrame: %v", err)
				}
				if f.PTS != int64(i) || f.Duration != 1 || !f.Interlaced || !f.TopFieldFirst {
					t.Errorf("frame %d props = pts %d duration %d interlaced %v tff %v",
						i, f.PTS, f.Duration, f.Interlaced, f.TopFieldFirst)
				}
				if err := fw.WriteFrame(f); err != nil {
					t.Fatalf("WriteFrame: %v", err)
				}
			}
			if err := fw.Flush(); err != nil {
				t.Fatalf("Flush: %v", err)
			}

			if diff := cmp.Diff(data, out.Bytes()); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFrameReaderTimestamps(t *testing.T) {
	timing := m2m.StreamTiming{
		FrameRate: m2m.Rational{Num: 25, Den: 1},
		TimeBase:  m2m.Rational{Num: 1, Den: 90000},
	}
	fr := NewFrameReader(bytes.NewReader(rawStream(4, 2, 2)), 4, 2, timing, false)

	for i := int64(0); i < 2; i++ {
		f, err := fr.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if f.PTS != i*3600 || f.Duration != 3600 || f.TimeBase != timing.TimeBase {
			t.Errorf("frame %d = pts %d duration %d tb %v", i, f.PTS, f.Duration, f.TimeBase)
		}
		if f.TopFieldFirst {
			t.Errorf("frame %d marked top field first", i)
		}
	}
}

func TestFrameReaderTruncated(t *testing.T) {
	data := rawStream(4, 4, 2)
	fr := NewFrameReader(bytes.NewReader(data[:len(data)-3]), 4, 4, palTiming, true)

	if _, err := fr.ReadFrame(); err != nil {
		t.Fatalf("first ReadFrame: %v", err)
	}
	if _, err := fr.ReadFrame(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("ReadFrame() error = %v, want %v", err, io.ErrUnexpectedEOF)
	}
}

func TestFrameWriterNoPlanes(t *testing.T) {
	f := &m2m.Frame{Width: 4, Height: 4, Format: m2m.PixelFormatDRMPrime, DRM: &m2m.DRMDescriptor{}}
	if err := NewFrameWriter(io.Discard).WriteFrame(f); !errors.Is(err, ErrNoPlanes) {
		t.Errorf("WriteFrame() error = %v, want %v", err, ErrNoPlanes)
	}
}
