package events

// Event type constants for kelindar/event.
const (
	TypeDeviceDiscovery uint32 = iota + 1
	TypeSessionOpened
	TypeSessionClosed
	TypeFrameCorrupted
	TypeFieldTimeout
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// DeviceDiscoveryEvent is published when a deinterlacer node shows up.
type DeviceDiscoveryEvent struct {
	DevicePath string `json:"device_path"`
	DeviceName string `json:"device_name"`
	Driver     string `json:"driver"`
	Action     string `json:"action"`
	Timestamp  string `json:"timestamp"`
}

// Type returns the event type identifier for DeviceDiscoveryEvent.
func (e DeviceDiscoveryEvent) Type() uint32 { return TypeDeviceDiscovery }

// SessionOpenedEvent is published once a device has been probed and its
// output side is streaming.
type SessionOpenedEvent struct {
	DevicePath string `json:"device_path"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	InputMode  string `json:"input_mode"`
	OutputMode string `json:"output_mode"`
	Timestamp  string `json:"timestamp"`
}

// Type returns the event type identifier for SessionOpenedEvent.
func (e SessionOpenedEvent) Type() uint32 { return TypeSessionOpened }

// SessionClosedEvent is published after a session is torn down.
type SessionClosedEvent struct {
	DevicePath string `json:"device_path"`
	FramesIn   uint64 `json:"frames_in"`
	FramesOut  uint64 `json:"frames_out"`
	Error      string `json:"error,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// Type returns the event type identifier for SessionClosedEvent.
func (e SessionClosedEvent) Type() uint32 { return TypeSessionClosed }

// FrameCorruptedEvent is published when the driver flags an output buffer.
type FrameCorruptedEvent struct {
	DevicePath string `json:"device_path"`
	PTS        int64  `json:"pts"`
	Timestamp  string `json:"timestamp"`
}

// Type returns the event type identifier for FrameCorruptedEvent.
func (e FrameCorruptedEvent) Type() uint32 { return TypeFrameCorrupted }

// FieldTimeoutEvent is published when only one field of an input frame came
// back in time.
type FieldTimeoutEvent struct {
	DevicePath string `json:"device_path"`
	PTS        int64  `json:"pts"`
	Timeout    string `json:"timeout"`
	Timestamp  string `json:"timestamp"`
}

// Type returns the event type identifier for FieldTimeoutEvent.
func (e FieldTimeoutEvent) Type() uint32 { return TypeFieldTimeout }
