package runner

// State of a Runner.
type State string

// Runner states.
const (
	StateIdle     State = "idle"     // Not started
	StateRunning  State = "running"  // Reading frames
	StateStopping State = "stopping" // Context cancelled, closing the pipeline
	StateDone     State = "done"     // Input exhausted or stopped
	StateError    State = "error"    // Stopped by a fatal error
)

// Snapshot is the status of a Runner at one point in time.
type Snapshot struct {
	State         State
	PipelineState string
	Device        string
	FramesRead    uint64
	FramesWritten uint64
	Skipped       uint64
	LastError     error
}
