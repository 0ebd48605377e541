package m2m

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestFrameReleaseRunsHookOnce(t *testing.T) {
	var calls atomic.Int32
	f := &Frame{}
	f.OnRelease(func() { calls.Add(1) })

	const holders = 64
	for range holders - 1 {
		f.Ref()
	}

	var wg sync.WaitGroup
	for range holders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.Release()
		}()
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("hook ran %d times, want 1", got)
	}
	if !f.Released() {
		t.Error("Released() = false after last reference")
	}

	f.Release()
	if got := calls.Load(); got != 1 {
		t.Errorf("extra Release ran hook again (%d calls)", got)
	}
}

func TestFrameZeroValue(t *testing.T) {
	f := &Frame{}
	if f.Released() {
		t.Fatal("new frame reported released")
	}
	f.Release()
	if !f.Released() {
		t.Error("frame not released after its only reference")
	}

	var nilFrame *Frame
	nilFrame.Release()
}

func TestNewNV12Frame(t *testing.T) {
	tests := []struct {
		width, height      int
		stride, chromaRows int
	}{
		{720, 576, 720, 288},
		{721, 575, 722, 288},
		{2, 1, 2, 1},
	}

	for _, tt := range tests {
		f := NewNV12Frame(tt.width, tt.height)
		if f.Strides[0] != tt.stride || f.Strides[1] != tt.stride {
			t.Errorf("%dx%d strides = %v, want %d", tt.width, tt.height, f.Strides, tt.stride)
		}
		if len(f.Planes[1]) != tt.stride*tt.chromaRows {
			t.Errorf("%dx%d chroma = %d bytes, want %d", tt.width, tt.height, len(f.Planes[1]), tt.stride*tt.chromaRows)
		}
		if planeRows(1, tt.height) != tt.chromaRows {
			t.Errorf("planeRows(1, %d) = %d, want %d", tt.height, planeRows(1, tt.height), tt.chromaRows)
		}
	}
}
