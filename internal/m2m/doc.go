// Package m2m drives a V4L2 memory-to-memory deinterlacer.
//
// A Session owns one device node and its two queues. The input queue (the
// V4L2 OUTPUT side) receives interlaced NV12 frames, the output queue (the
// V4L2 CAPTURE side) returns one progressive frame per field. Each queue keeps
// a Pool of buffers, every one of them owned either by the pipeline or by the
// device.
//
// The Bridge copies or attaches host frames into input buffers and wraps
// finished output buffers as frames without copying. Releasing such a frame
// queues its buffer again; after the session is torn down the release only
// frees the memory.
//
// Pipeline ties these together for a caller that has one interlaced frame at
// a time:
//
//	p := m2m.NewPipeline(720, 576, m2m.PipelineOptions{Timing: timing})
//	defer p.Close()
//	for in := range frames {
//		out, err := p.Process(in)
//		if err != nil && m2m.IsFatal(err) {
//			return err
//		}
//		for _, f := range out {
//			emit(f)
//			f.Release()
//		}
//	}
package m2m
