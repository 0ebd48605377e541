//go:build linux

package v4l2

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unsafe"

	"github.com/fsnotify/fsnotify"
)

const (
	sysClassDir = "/sys/class/video4linux"
	devDir      = "/dev"
)

// FindDevices lists every V4L2 video node on the system in node-number order.
func FindDevices() ([]DeviceInfo, error) {
	names, err := videoNodeNames()
	if err != nil {
		return nil, err
	}

	var devices []DeviceInfo

	for _, name := range names {
		devicePath := filepath.Join(devDir, name)

		cap, err := queryNode(devicePath)
		if err != nil {
			slog.With("component", "linuxav").Debug("failed to query video device", "path", devicePath, "error", err)
			continue
		}

		// Get device index from sysfs
		indexValue := readSysfsInt(filepath.Join(sysClassDir, name, "index"))

		// Find stable ID from /dev/v4l/by-id/
		stableID := findStableID(name, indexValue)
		if stableID == "" {
			// Fallback: synthetic ID from bus_info + index
			if strings.HasPrefix(cap.BusInfo, "usb-") {
				stableID = fmt.Sprintf("%s-video-index%d", cap.BusInfo, indexValue)
			} else {
				stableID = fmt.Sprintf("platform-%s-video-index%d", cap.BusInfo, indexValue)
			}
		}

		devices = append(devices, DeviceInfo{
			DevicePath: devicePath,
			DeviceName: cap.Card,
			DeviceID:   stableID,
			Driver:     cap.Driver,
			Caps:       cap.Effective(),
		})
	}

	return devices, nil
}

// DiscoverCandidates returns the paths of nodes advertising a streaming M2M
// interface, in node-number order. Nothing is retained between calls.
func DiscoverCandidates() ([]string, error) {
	devices, err := FindDevices()
	if err != nil {
		return nil, err
	}

	var candidates []string
	for _, dev := range devices {
		if dev.IsM2M() {
			candidates = append(candidates, dev.DevicePath)
		}
	}
	return candidates, nil
}

// WaitForCandidates returns as soon as DiscoverCandidates reports at least one
// node, watching /dev for new video nodes in between. It gives up when ctx ends.
func WaitForCandidates(ctx context.Context) ([]string, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create device watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(devDir); err != nil {
		return nil, fmt.Errorf("failed to watch %s: %w", devDir, err)
	}

	for {
		candidates, err := DiscoverCandidates()
		if err != nil {
			return nil, err
		}
		if len(candidates) > 0 {
			return candidates, nil
		}

		if err := waitForVideoNode(ctx, watcher); err != nil {
			return nil, err
		}
	}
}

func waitForVideoNode(ctx context.Context, watcher *fsnotify.Watcher) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("device watcher closed")
			}
			if !strings.HasPrefix(filepath.Base(event.Name), "video") {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Chmod) {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("device watcher closed")
			}
			return fmt.Errorf("device watcher: %w", err)
		}
	}
}

// videoNodeNames lists videoN entries from sysfs, falling back to /dev,
// ordered by N.
func videoNodeNames() ([]string, error) {
	entries, err := os.ReadDir(sysClassDir)
	if err != nil && os.IsNotExist(err) {
		entries, err = os.ReadDir(devDir)
	}
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read video4linux directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if _, ok := videoNodeNumber(entry.Name()); ok {
			names = append(names, entry.Name())
		}
	}

	sort.Slice(names, func(i, j int) bool {
		a, _ := videoNodeNumber(names[i])
		b, _ := videoNodeNumber(names[j])
		return a < b
	})
	return names, nil
}

// videoNodeNumber parses N out of "videoN".
func videoNodeNumber(name string) (int, bool) {
	suffix, found := strings.CutPrefix(name, "video")
	if !found || suffix == "" {
		return 0, false
	}
	n, err := strconv.Atoi(suffix)
	if err != nil {
		return 0, false
	}
	return n, true
}

func queryNode(devicePath string) (Capability, error) {
	fd, err := open(devicePath)
	if err != nil {
		return Capability{}, err
	}
	defer close(fd)

	raw := v4l2Capability{}
	if err := ioctl(fd, vidiocQuerycap, unsafe.Pointer(&raw)); err != nil {
		return Capability{}, err
	}

	return decodeCapability(&raw), nil
}

func decodeCapability(raw *v4l2Capability) Capability {
	return Capability{
		Driver:       cstr(raw.driver[:]),
		Card:         cstr(raw.card[:]),
		BusInfo:      cstr(raw.busInfo[:]),
		Version:      raw.version,
		Capabilities: raw.capabilities,
		DeviceCaps:   raw.deviceCaps,
	}
}

// findStableID looks for a stable ID symlink in /dev/v4l/by-id/
func findStableID(deviceName string, indexValue int) string {
	byIDDir := "/dev/v4l/by-id"
	entries, err := os.ReadDir(byIDDir)
	if err != nil {
		return ""
	}

	expectedSuffix := fmt.Sprintf("-video-index%d", indexValue)

	for _, entry := range entries {
		if entry.Type()&os.ModeSymlink == 0 {
			continue
		}

		linkPath := filepath.Join(byIDDir, entry.Name())
		target, err := os.Readlink(linkPath)
		if err != nil {
			continue
		}

		// Get the video device name from the target
		targetBase := filepath.Base(target)
		if targetBase == deviceName && strings.HasSuffix(entry.Name(), expectedSuffix) {
			return entry.Name()
		}
	}

	return ""
}

// readSysfsInt reads an integer value from a sysfs file.
func readSysfsInt(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	val, _ := strconv.Atoi(strings.TrimSpace(string(data)))
	return val
}

// cstr converts a null-terminated byte slice to a Go string.
func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
