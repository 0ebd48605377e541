//go:build linux

package m2m

import (
	"context"
	"fmt"

	"github.com/smazurov/m2mdeint/pkg/linuxav/hotplug"
	"github.com/smazurov/m2mdeint/pkg/linuxav/v4l2"
)

func openV4L2(path string) (Device, error) {
	dev, err := v4l2.Open(path)
	if err != nil {
		return nil, err
	}
	return dev, nil
}

func findV4L2() ([]Candidate, error) {
	devices, err := v4l2.FindDevices()
	if err != nil {
		return nil, err
	}
	var candidates []Candidate
	for _, d := range devices {
		if !d.IsM2M() {
			continue
		}
		candidates = append(candidates, Candidate{
			Path:   d.DevicePath,
			ID:     d.DeviceID,
			Card:   d.DeviceName,
			Driver: d.Driver,
			Caps:   d.Caps,
		})
	}
	return candidates, nil
}

func waitV4L2(ctx context.Context) ([]Candidate, error) {
	if _, err := v4l2.WaitForCandidates(ctx); err != nil {
		return nil, err
	}
	return findV4L2()
}

func watchV4L2(ctx context.Context, changes chan<- DeviceChange) error {
	mon, err := hotplug.NewMonitor(hotplug.SubsystemVideo4Linux)
	if err != nil {
		return fmt.Errorf("failed to open uevent socket: %w", err)
	}
	defer mon.Close()

	known := make(map[string]bool)
	if current, err := findV4L2(); err == nil {
		for _, c := range current {
			known[c.Path] = true
		}
	}

	events := make(chan hotplug.Event, 16)
	done := make(chan error, 1)
	go func() { done <- mon.Run(ctx, events) }()

	for ev := range events {
		path := ev.Node()
		if path == "" {
			continue
		}

		var change DeviceChange
		switch ev.Action {
		case hotplug.ActionAdd:
			c, ok := lookupV4L2(path)
			if !ok || known[path] {
				continue
			}
			known[path] = true
			change = DeviceChange{Action: ActionAdded, Candidate: c}
		case hotplug.ActionRemove:
			if !known[path] {
				continue
			}
			delete(known, path)
			change = DeviceChange{Action: ActionRemoved, Candidate: Candidate{Path: path}}
		default:
			continue
		}

		select {
		case changes <- change:
		case <-ctx.Done():
		}
	}
	return <-done
}

func lookupV4L2(path string) (Candidate, bool) {
	candidates, err := findV4L2()
	if err != nil {
		return Candidate{}, false
	}
	for _, c := range candidates {
		if c.Path == path {
			return c, true
		}
	}
	return Candidate{}, false
}

func inputFormatsV4L2(c Candidate) ([]string, bool, error) {
	bufType := uint32(v4l2.BufTypeVideoOutputMplane)
	if c.Caps&v4l2.CapVideoM2M != 0 {
		bufType = v4l2.BufTypeVideoOutput
	}
	formats, err := v4l2.GetFormats(c.Path, bufType)
	if err != nil {
		return nil, false, err
	}
	names := make([]string, 0, len(formats))
	for _, f := range formats {
		names = append(names, fmt.Sprintf("%s (%s)", v4l2.FormatFourCC(f.PixelFormat), f.FormatName))
	}
	return names, v4l2.SupportsPixelFormat(formats, v4l2.PixFmtNV12), nil
}
