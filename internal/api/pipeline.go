package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/smazurov/m2mdeint/internal/api/models"
	"github.com/smazurov/m2mdeint/internal/events"
)

func (s *Server) registerPipelineRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-pipeline",
		Method:      http.MethodGet,
		Path:        "/api/pipeline",
		Summary:     "Pipeline status",
		Description: "Device, warm-up state and frame counters of the running pipeline",
		Tags:        []string{"pipeline"},
		Errors:      []int{503},
	}, func(_ context.Context, _ *struct{}) (*models.PipelineStatusResponse, error) {
		if s.options.Status == nil {
			return nil, huma.Error503ServiceUnavailable("no pipeline running")
		}
		return &models.PipelineStatusResponse{Body: s.options.Status()}, nil
	})

	if s.options.EventBus == nil {
		return
	}

	sse.Register(s.api, huma.Operation{
		OperationID: "pipeline-events",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Pipeline event stream",
		Description: "Device discovery, session and frame events as Server-Sent Events",
		Tags:        []string{"events"},
	}, map[string]any{
		"connected":        models.StreamConnected{},
		"device-discovery": events.DeviceDiscoveryEvent{},
		"session-opened":   events.SessionOpenedEvent{},
		"session-closed":   events.SessionClosedEvent{},
		"frame-corrupted":  events.FrameCorruptedEvent{},
		"field-timeout":    events.FieldTimeoutEvent{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		eventCh := make(chan any, 32)
		bus := s.options.EventBus
		unsubscribers := []func(){
			events.SubscribeToChannel[events.DeviceDiscoveryEvent](bus, eventCh),
			events.SubscribeToChannel[events.SessionOpenedEvent](bus, eventCh),
			events.SubscribeToChannel[events.SessionClosedEvent](bus, eventCh),
			events.SubscribeToChannel[events.FrameCorruptedEvent](bus, eventCh),
			events.SubscribeToChannel[events.FieldTimeoutEvent](bus, eventCh),
		}
		defer func() {
			for _, unsub := range unsubscribers {
				unsub()
			}
		}()

		// Headers go out with the first message
		if err := send.Data(models.StreamConnected{
			Message:   "event stream connected",
			Timestamp: time.Now().Format(time.RFC3339),
		}); err != nil {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-eventCh:
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}
