// Package metrics provides Prometheus metrics for deinterlacing pipelines.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "m2mdeint",
		Subsystem: "pipeline",
		Name:      "frames_in_total",
		Help:      "Interlaced frames submitted to the device",
	}, []string{"device"})

	framesOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "m2mdeint",
		Subsystem: "pipeline",
		Name:      "frames_out_total",
		Help:      "Progressive frames collected from the device",
	}, []string{"device"})

	corruptedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "m2mdeint",
		Subsystem: "pipeline",
		Name:      "corrupted_frames_total",
		Help:      "Frames the driver flagged as errored",
	}, []string{"device"})

	fieldTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "m2mdeint",
		Subsystem: "pipeline",
		Name:      "field_timeouts_total",
		Help:      "Input frames for which the second field did not arrive in time",
	}, []string{"device"})

	bufferStarvation = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "m2mdeint",
		Subsystem: "pipeline",
		Name:      "buffer_starvation_total",
		Help:      "Submissions rejected because no input buffer was free",
	}, []string{"device"})

	deviceOwned = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "m2mdeint",
		Subsystem: "queue",
		Name:      "device_owned_buffers",
		Help:      "Buffers currently held by the device",
	}, []string{"device", "queue"})

	// Local cache for the CLI summary.
	pipelineCache   = make(map[string]*PipelineStats)
	pipelineCacheMu sync.RWMutex
)

// PipelineStats holds running totals for one device.
type PipelineStats struct {
	FramesIn         uint64
	FramesOut        uint64
	CorruptedFrames  uint64
	FieldTimeouts    uint64
	BufferStarvation uint64
}

// AddFramesIn counts frames submitted to device.
func AddFramesIn(device string, n int) {
	framesIn.WithLabelValues(device).Add(float64(n))
	updateCache(device, func(s *PipelineStats) { s.FramesIn += uint64(n) })
}

// AddFramesOut counts frames collected from device.
func AddFramesOut(device string, n int) {
	framesOut.WithLabelValues(device).Add(float64(n))
	updateCache(device, func(s *PipelineStats) { s.FramesOut += uint64(n) })
}

// IncCorruptedFrames counts a frame flagged by the driver.
func IncCorruptedFrames(device string) {
	corruptedFrames.WithLabelValues(device).Inc()
	updateCache(device, func(s *PipelineStats) { s.CorruptedFrames++ })
}

// IncFieldTimeouts counts a missing second field.
func IncFieldTimeouts(device string) {
	fieldTimeouts.WithLabelValues(device).Inc()
	updateCache(device, func(s *PipelineStats) { s.FieldTimeouts++ })
}

// IncBufferStarvation counts a rejected submission.
func IncBufferStarvation(device string) {
	bufferStarvation.WithLabelValues(device).Inc()
	updateCache(device, func(s *PipelineStats) { s.BufferStarvation++ })
}

// SetDeviceOwned records how many buffers of queue the device holds.
func SetDeviceOwned(device, queue string, n int) {
	deviceOwned.WithLabelValues(device, queue).Set(float64(n))
}

// DeletePipelineMetrics removes all metrics for a device.
func DeletePipelineMetrics(device string) {
	framesIn.DeleteLabelValues(device)
	framesOut.DeleteLabelValues(device)
	corruptedFrames.DeleteLabelValues(device)
	fieldTimeouts.DeleteLabelValues(device)
	bufferStarvation.DeleteLabelValues(device)
	deviceOwned.DeletePartialMatch(prometheus.Labels{"device": device})

	pipelineCacheMu.Lock()
	delete(pipelineCache, device)
	pipelineCacheMu.Unlock()
}

// GetPipelineStats returns the running totals for a device.
func GetPipelineStats(device string) *PipelineStats {
	pipelineCacheMu.RLock()
	defer pipelineCacheMu.RUnlock()
	if s, ok := pipelineCache[device]; ok {
		dup := *s
		return &dup
	}
	return nil
}

func updateCache(device string, update func(*PipelineStats)) {
	pipelineCacheMu.Lock()
	defer pipelineCacheMu.Unlock()
	s, ok := pipelineCache[device]
	if !ok {
		s = &PipelineStats{}
		pipelineCache[device] = s
	}
	update(s)
}
