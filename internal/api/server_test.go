package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/smazurov/m2mdeint/internal/api/models"
	"github.com/smazurov/m2mdeint/internal/events"
	"github.com/smazurov/m2mdeint/internal/metrics/exporters"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealth(t *testing.T) {
	s := NewServer(&Options{})
	w := get(t, s.Handler(), "/api/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body models.HealthData
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

func TestPipelineStatus(t *testing.T) {
	t.Run("no pipeline", func(t *testing.T) {
		s := NewServer(&Options{})
		if w := get(t, s.Handler(), "/api/pipeline"); w.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", w.Code)
		}
	})

	t.Run("snapshot", func(t *testing.T) {
		want := models.PipelineStatus{
			Device:     "/dev/video10",
			State:      "hot",
			Width:      720,
			Height:     576,
			InputMode:  "mmap",
			OutputMode: "dmabuf",
			OutputRate: "50/1",
			FramesIn:   3,
			FramesOut:  4,
		}
		s := NewServer(&Options{Status: func() models.PipelineStatus { return want }})

		w := get(t, s.Handler(), "/api/pipeline")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		var got models.PipelineStatus
		if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("status mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestMetricsRoute(t *testing.T) {
	s := NewServer(&Options{PrometheusHandler: exporters.HTTPHandler()})
	if w := get(t, s.Handler(), "/metrics"); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	s = NewServer(&Options{})
	if w := get(t, s.Handler(), "/metrics"); w.Code != http.StatusNotFound {
		t.Errorf("status without exporter = %d, want 404", w.Code)
	}
}

func TestEventStream(t *testing.T) {
	bus := events.New()
	s := NewServer(&Options{EventBus: bus})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/events")
	if err != nil {
		t.Fatalf("GET /api/events: %v", err)
	}
	defer resp.Body.Close()

	lines := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	nextEvent := func(publish func()) string {
		t.Helper()
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		deadline := time.After(3 * time.Second)
		for {
			select {
			case <-ticker.C:
				publish()
			case line, ok := <-lines:
				if !ok {
					t.Fatal("stream closed")
				}
				if name, found := strings.CutPrefix(line, "event: "); found {
					return name
				}
			case <-deadline:
				t.Fatal("no event received")
			}
		}
	}

	if name := nextEvent(func() {}); name != "connected" {
		t.Errorf("first event = %q, want connected", name)
	}
	name := nextEvent(func() {
		bus.Publish(events.FieldTimeoutEvent{DevicePath: "/dev/video10", PTS: 7200})
	})
	if name != "field-timeout" {
		t.Errorf("event = %q, want field-timeout", name)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop")
	}
}
