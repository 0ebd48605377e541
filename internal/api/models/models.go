// Package models holds the request and response bodies of the status API.
package models

// HealthData is the body of the health check.
type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Service status"`
	Message string `json:"message" example:"API is healthy" doc:"Status message"`
}

type HealthResponse struct {
	Body HealthData
}

// VersionData describes the running binary.
type VersionData struct {
	Version   string `json:"version" example:"dev" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"abc123" doc:"Git commit hash"`
	BuildDate string `json:"build_date" example:"2025-01-27T10:30:00Z" doc:"Build timestamp"`
	GoVersion string `json:"go_version" example:"go1.24.0" doc:"Go compiler version"`
	Platform  string `json:"platform" example:"linux/arm64" doc:"Target platform"`
}

type VersionResponse struct {
	Body VersionData
}

// PipelineStatus is a snapshot of the running deinterlacer.
type PipelineStatus struct {
	Device       string `json:"device" example:"/dev/video10" doc:"Device node in use, empty before the first frame"`
	State        string `json:"state" example:"hot" enum:"cold,warming,hot" doc:"Warm-up state"`
	Width        int    `json:"width" example:"720" doc:"Frame width"`
	Height       int    `json:"height" example:"576" doc:"Frame height"`
	InputMode    string `json:"input_mode" example:"mmap" doc:"Memory mode of the input queue"`
	OutputMode   string `json:"output_mode" example:"dmabuf" doc:"Memory mode of the output queue"`
	OutputRate   string `json:"output_rate" example:"50/1" doc:"Output frame rate"`
	FramesIn     uint64 `json:"frames_in" example:"1500" doc:"Interlaced frames submitted"`
	FramesOut    uint64 `json:"frames_out" example:"2998" doc:"Progressive frames produced"`
	Corrupted    uint64 `json:"corrupted_frames" example:"0" doc:"Frames flagged by the driver"`
	FieldTimeout uint64 `json:"field_timeouts" example:"0" doc:"Second fields that did not arrive in time"`
	Starvation   uint64 `json:"buffer_starvation" example:"0" doc:"Submissions rejected for lack of a free buffer"`
	Error        string `json:"error,omitempty" doc:"Fatal error that stopped the pipeline"`
}

type PipelineStatusResponse struct {
	Body PipelineStatus
}

// StreamConnected is the first message on the event stream.
type StreamConnected struct {
	Message   string `json:"message" example:"event stream connected" doc:"Connection confirmation"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Time the stream was opened"`
}
