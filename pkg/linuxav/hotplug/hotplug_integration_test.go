//go:build linux && integration

package hotplug

import (
	"context"
	"testing"
	"time"
)

// Run with: go test -tags=integration -run TestMonitorIntegration -v
// and load or unload a V4L2 driver within the timeout.
func TestMonitorIntegration(t *testing.T) {
	m, err := NewMonitor(SubsystemVideo4Linux)
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	events := make(chan Event, 10)
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, events) }()

	for ev := range events {
		t.Logf("event: action=%s node=%s kobj=%s", ev.Action, ev.Node(), ev.KObj)
	}
	t.Logf("monitor stopped: %v", <-done)
	_ = m.Close()
}
