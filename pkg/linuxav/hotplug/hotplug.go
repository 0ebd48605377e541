//go:build linux

// Package hotplug reports video device nodes appearing and disappearing by
// listening to kernel uevents on a netlink socket.
package hotplug

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Actions of interest.
const (
	ActionAdd    = "add"
	ActionRemove = "remove"
	ActionChange = "change"
)

// SubsystemVideo4Linux is the subsystem of V4L2 device nodes.
const SubsystemVideo4Linux = "video4linux"

// kernelGroup is the multicast group the kernel broadcasts uevents on.
const kernelGroup = 1

// pollInterval bounds how long Run goes without checking its context.
const pollInterval = 250 * time.Millisecond

// Event is one kernel device event.
type Event struct {
	Action    string
	KObj      string // sysfs path: /devices/platform/...
	Subsystem string
	DevName   string // node name relative to /dev, e.g. "video10"
	Env       map[string]string
}

// Node is the device node of the event, or "" when it names none.
func (e Event) Node() string {
	if e.DevName == "" {
		return ""
	}
	return filepath.Join("/dev", e.DevName)
}

// Monitor listens for uevents of a set of subsystems.
type Monitor struct {
	fd         int
	subsystems map[string]struct{}
}

// NewMonitor opens a uevent socket. Events of any subsystem pass when none
// are given.
func NewMonitor(subsystems ...string) (*Monitor, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, err
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: kernelGroup}); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	m := &Monitor{fd: fd, subsystems: make(map[string]struct{}, len(subsystems))}
	for _, s := range subsystems {
		m.subsystems[s] = struct{}{}
	}
	return m, nil
}

// Close releases the socket. Run must have returned.
func (m *Monitor) Close() error {
	return unix.Close(m.fd)
}

// Run sends matching events to events until ctx ends or the socket fails.
// It closes events on return.
func (m *Monitor) Run(ctx context.Context, events chan<- Event) error {
	defer close(events)

	buf := make([]byte, 8192)
	fds := []unix.PollFd{{Fd: int32(m.fd), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := unix.Poll(fds, int(pollInterval.Milliseconds()))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		if n == 0 {
			continue
		}

		for {
			size, _, err := unix.Recvfrom(m.fd, buf, 0)
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				break
			}
			if err != nil {
				return err
			}

			ev, ok := ParseUEvent(buf[:size])
			if !ok || !m.accept(ev) {
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (m *Monitor) accept(ev Event) bool {
	if len(m.subsystems) == 0 {
		return true
	}
	_, ok := m.subsystems[ev.Subsystem]
	return ok
}

// ParseUEvent decodes a kernel uevent: "ACTION@KOBJ" followed by
// NUL-separated KEY=VALUE pairs.
func ParseUEvent(data []byte) (Event, bool) {
	fields := bytes.Split(data, []byte{0})
	action, kobj, found := strings.Cut(string(fields[0]), "@")
	if !found || action == "" {
		return Event{}, false
	}

	ev := Event{Action: action, KObj: kobj, Env: make(map[string]string)}
	for _, f := range fields[1:] {
		key, value, found := strings.Cut(string(f), "=")
		if !found || key == "" {
			continue
		}
		ev.Env[key] = value
		switch key {
		case "SUBSYSTEM":
			ev.Subsystem = value
		case "DEVNAME":
			ev.DevName = value
		}
	}
	return ev, true
}
