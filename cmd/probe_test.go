package cmd

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/smazurov/m2mdeint/internal/m2m"
)

func TestProbeCandidatesExplicit(t *testing.T) {
	got, err := probeCandidates(context.Background(), []string{"/dev/video10", "/dev/video11"}, 0)
	if err != nil {
		t.Fatalf("probeCandidates: %v", err)
	}
	want := []m2m.Candidate{{Path: "/dev/video10"}, {Path: "/dev/video11"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("probeCandidates() mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteProbeResults(t *testing.T) {
	results := []probeResult{
		{
			candidate: m2m.Candidate{Path: "/dev/video10", Card: "rockchip-iep", Driver: "rockchip-iep"},
			formats:   []string{"NV12 (Y/UV 4:2:0)"},
			nv12:      true,
		},
		{
			candidate: m2m.Candidate{Path: "/dev/video11"},
			err:       errors.New("device is not a memory-to-memory device"),
		},
	}

	var buf bytes.Buffer
	if err := writeProbeResults(&buf, results); err != nil {
		t.Fatalf("writeProbeResults: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), buf.String())
	}
	tests := []struct {
		line int
		want []string
	}{
		{0, []string{"DEVICE", "CARD", "DRIVER", "NV12", "FORMATS", "STATUS"}},
		{1, []string{"/dev/video10", "rockchip-iep", "yes", "NV12 (Y/UV 4:2:0)", "ok"}},
		{2, []string{"/dev/video11", "-", "no", "not a memory-to-memory device"}},
	}
	for _, tt := range tests {
		for _, want := range tt.want {
			if !strings.Contains(lines[tt.line], want) {
				t.Errorf("line %d = %q, missing %q", tt.line, lines[tt.line], want)
			}
		}
	}
}
