//go:build !linux

package m2m

import (
	"context"
	"errors"
	"fmt"
)

var errNoV4L2 = errors.New("V4L2 is only available on linux")

func openV4L2(path string) (Device, error) {
	return nil, fmt.Errorf("opening %s: %w", path, errNoV4L2)
}

func findV4L2() ([]Candidate, error) {
	return nil, nil
}

func waitV4L2(context.Context) ([]Candidate, error) {
	return nil, errNoV4L2
}

func watchV4L2(context.Context, chan<- DeviceChange) error {
	return errNoV4L2
}

func inputFormatsV4L2(Candidate) ([]string, bool, error) {
	return nil, false, errNoV4L2
}
