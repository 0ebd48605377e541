//go:build linux

package hotplug

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseUEvent(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  Event
		ok    bool
	}{
		{name: "empty", input: nil},
		{name: "no separator", input: []byte("invalid")},
		{name: "missing action", input: []byte("@/devices/foo")},
		{
			name:  "add video node",
			input: []byte("add@/devices/platform/fdef0000.iep/video4linux/video10\x00ACTION=add\x00SUBSYSTEM=video4linux\x00DEVNAME=video10\x00MAJOR=81\x00"),
			want: Event{
				Action:    "add",
				KObj:      "/devices/platform/fdef0000.iep/video4linux/video10",
				Subsystem: "video4linux",
				DevName:   "video10",
				Env: map[string]string{
					"ACTION":    "add",
					"SUBSYSTEM": "video4linux",
					"DEVNAME":   "video10",
					"MAJOR":     "81",
				},
			},
			ok: true,
		},
		{
			name:  "malformed pairs skipped",
			input: []byte("remove@/devices/usb/1-1\x00SUBSYSTEM=usb\x00garbage\x00=nokey\x00\x00"),
			want: Event{
				Action:    "remove",
				KObj:      "/devices/usb/1-1",
				Subsystem: "usb",
				Env:       map[string]string{"SUBSYSTEM": "usb"},
			},
			ok: true,
		},
		{
			name:  "value containing equals",
			input: []byte("change@/devices/x\x00SUBSYSTEM=video4linux\x00ID_PATH=platform-a=b\x00"),
			want: Event{
				Action:    "change",
				KObj:      "/devices/x",
				Subsystem: "video4linux",
				Env:       map[string]string{"SUBSYSTEM": "video4linux", "ID_PATH": "platform-a=b"},
			},
			ok: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseUEvent(tt.input)
			if ok != tt.ok {
				t.Fatalf("ParseUEvent() ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseUEvent() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEventNode(t *testing.T) {
	if got := (Event{DevName: "video10"}).Node(); got != "/dev/video10" {
		t.Errorf("Node() = %q, want /dev/video10", got)
	}
	if got := (Event{}).Node(); got != "" {
		t.Errorf("Node() = %q, want empty", got)
	}
}

func TestMonitorAccept(t *testing.T) {
	tests := []struct {
		name       string
		subsystems []string
		event      string
		want       bool
	}{
		{"no filter", nil, "usb", true},
		{"match", []string{SubsystemVideo4Linux}, SubsystemVideo4Linux, true},
		{"mismatch", []string{SubsystemVideo4Linux}, "sound", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Monitor{subsystems: make(map[string]struct{})}
			for _, s := range tt.subsystems {
				m.subsystems[s] = struct{}{}
			}
			if got := m.accept(Event{Subsystem: tt.event}); got != tt.want {
				t.Errorf("accept(%s) = %v, want %v", tt.event, got, tt.want)
			}
		})
	}
}
