// Package v4l2 provides pure Go bindings to the Video4Linux2 (V4L2) API
// for memory-to-memory streaming devices.
//
// This package does not use cgo, enabling simple cross-compilation for
// different Linux architectures (amd64, arm64, arm).
//
// # Device Discovery
//
// DiscoverCandidates lists nodes that advertise a streaming M2M interface,
// in node-number order:
//
//	candidates, err := v4l2.DiscoverCandidates()
//	for _, path := range candidates {
//	    fmt.Println(path)
//	}
//
// # Streaming I/O
//
// A Device wraps one open node and exposes the buffer-exchange ioctls
// (formats, REQBUFS, QUERYBUF, QBUF, DQBUF, EXPBUF, STREAMON/OFF) together
// with mmap and a readiness poll:
//
//	dev, _ := v4l2.Open("/dev/video10")
//	defer dev.Close()
//	f, _ := dev.GetFormat(v4l2.BufTypeVideoCaptureMplane)
//	f.PixelFormat = v4l2.PixFmtNV12
//	_ = dev.TryFormat(&f)
//
// Both single-planar and multi-planar buffer types are handled; Format and
// BufferInfo present them uniformly as a list of planes.
package v4l2
