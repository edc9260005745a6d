package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"pi-h264-streamer/config"
	"pi-h264-streamer/output"
	"pi-h264-streamer/pipeline"
)

// Pipeline is what the status endpoints read from.
type Pipeline interface {
	Stats() pipeline.Stats
	Sink() output.Sink
}

type viewerReporter interface {
	ViewerStats() map[string]interface{}
}

type destinationReporter interface {
	Destination() string
}

type destinationUpdater interface {
	UpdateDestination(host string, port int) error
}

// DestinationRequest retargets the RTP stream.
type DestinationRequest struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Handlers manages HTTP request handlers
type Handlers struct {
	config   *config.Config
	logger   *zap.Logger
	pipeline Pipeline
}

// NewHandlers creates a new handlers instance
func NewHandlers(cfg *config.Config, logger *zap.Logger) *Handlers {
	return &Handlers{
		config: cfg,
		logger: logger,
	}
}

// SetPipeline sets the pipeline reported on
func (h *Handlers) SetPipeline(p Pipeline) {
	h.pipeline = p
}

// HandleHome serves a plain text summary
func (h *Handlers) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "pi-h264-streamer\n")
	fmt.Fprintf(w, "Camera: %dx%d@%d\n", h.config.Camera.Width, h.config.Camera.Height, h.config.Camera.FPS)
	switch h.config.Output.Mode {
	case config.OutputWebRTC:
		fmt.Fprintf(w, "WebRTC signaling: ws://%s:%d/ws\n", h.config.Server.PIIp, h.config.WebRTC.SignalingPort)
	default:
		fmt.Fprintf(w, "RTP destination: %s:%d (payload type %d)\n", h.config.Output.DestHost, h.config.Output.DestPort, h.config.Output.PayloadType)
	}
	fmt.Fprintf(w, "Status: /api/status\nStats: /api/stats\nHealth: /health\n")
}

// HandleAPIStatus returns a short status of every component
func (h *Handlers) HandleAPIStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{
		"mode": h.config.Output.Mode,
	}
	status := map[string]interface{}{
		"server": map[string]interface{}{
			"pi_ip":    h.config.Server.PIIp,
			"web_port": h.config.Server.WebPort,
			"running":  true,
		},
		"output": out,
	}

	if h.pipeline != nil {
		s := h.pipeline.Stats()
		status["pipeline"] = map[string]interface{}{
			"session_id": s.SessionID,
			"camera":     s.Camera,
			"geometry":   s.Geometry.String(),
			"running":    s.Running,
			"uptime":     s.Uptime.Round(time.Second).String(),
			"forwarded":  s.Forwarded,
			"dropped":    s.Dropped,
			"delivered":  s.Delivered,
		}
		switch sink := h.pipeline.Sink().(type) {
		case viewerReporter:
			status["webrtc"] = sink.ViewerStats()
		case destinationReporter:
			out["destination"] = sink.Destination()
		}
	}

	h.writeJSONResponse(w, status)
}

// HandleAPIConfig returns the current configuration
func (h *Handlers) HandleAPIConfig(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, h.config)
}

// HandleAPIStats returns per-stage statistics
func (h *Handlers) HandleAPIStats(w http.ResponseWriter, r *http.Request) {
	if h.pipeline == nil {
		h.writeErrorResponse(w, "Pipeline not available", http.StatusServiceUnavailable)
		return
	}

	s := h.pipeline.Stats()
	states := make(map[string]int, len(s.Requests.States))
	for state, n := range s.Requests.States {
		states[state.String()] = n
	}

	h.writeJSONResponse(w, map[string]interface{}{
		"timestamp":  fmt.Sprintf("%d", time.Now().Unix()),
		"session_id": s.SessionID,
		"pipeline": map[string]interface{}{
			"forwarded":   s.Forwarded,
			"dropped":     s.Dropped,
			"delivered":   s.Delivered,
			"push_errors": s.PushErrors,
			"recycled":    s.Recycled,
		},
		"capture": map[string]interface{}{
			"buffers":   s.Pool.Total,
			"in_flight": s.Pool.InFlight,
			"free":      s.Pool.Free,
			"states":    states,
			"completed": s.Requests.Completed,
			"cancelled": s.Requests.Cancelled,
			"released":  s.Requests.Released,
		},
		"encoder": map[string]interface{}{
			"input_available":  s.Encoder.InputAvailable,
			"input_claimed":    s.Encoder.InputClaimed,
			"output_queued":    s.Encoder.OutputQueued,
			"output_filled":    s.Encoder.OutputFilled,
			"output_delivered": s.Encoder.OutputDelivered,
			"submitted":        s.Encoder.Submitted,
			"dropped":          s.Encoder.Dropped,
			"encoded":          s.Encoder.Encoded,
			"keyframes":        s.Encoder.Keyframes,
		},
		"sink": map[string]interface{}{
			"frames_sent":    s.Sink.FramesSent,
			"frames_dropped": s.Sink.FramesDropped,
			"send_errors":    s.Sink.SendErrors,
			"keyframes":      s.Sink.Keyframes,
			"packets_sent":   s.Sink.PacketsSent,
			"bytes_sent":     s.Sink.BytesSent,
		},
		"latency_ms": map[string]interface{}{
			"forward":    float64(s.Latency.Forward.Microseconds()) / 1000,
			"encode":     float64(s.Latency.Encode.Microseconds()) / 1000,
			"max_encode": float64(s.Latency.MaxEncode.Microseconds()) / 1000,
		},
	})
}

// HandleAPIDestination moves the RTP stream to a new receiver
func (h *Handlers) HandleAPIDestination(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeErrorResponse(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.pipeline == nil {
		h.writeErrorResponse(w, "Pipeline not available", http.StatusServiceUnavailable)
		return
	}
	sink, ok := h.pipeline.Sink().(destinationUpdater)
	if !ok {
		h.writeErrorResponse(w, "Output mode has no destination", http.StatusConflict)
		return
	}

	var req DestinationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Host == "" || req.Port <= 0 || req.Port > 65535 {
		h.writeErrorResponse(w, "host and port (1-65535) are required", http.StatusBadRequest)
		return
	}
	if err := sink.UpdateDestination(req.Host, req.Port); err != nil {
		h.logger.Warn("Destination update failed", zap.String("host", req.Host), zap.Int("port", req.Port), zap.Error(err))
		h.writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := map[string]interface{}{"status": "updated"}
	if d, ok := sink.(destinationReporter); ok {
		resp["destination"] = d.Destination()
	}
	h.writeJSONResponse(w, resp)
}

// HandleHealth reports ok while the pipeline runs
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	services := map[string]interface{}{
		"web_server": "running",
	}
	health := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services":  services,
	}

	code := http.StatusOK
	if h.pipeline == nil || !h.pipeline.Stats().Running {
		services["pipeline"] = "stopped"
		health["status"] = "degraded"
		code = http.StatusServiceUnavailable
	} else {
		services["pipeline"] = "running"
	}

	h.writeJSON(w, code, health)
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, data)
}

func (h *Handlers) writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// writeErrorResponse writes an error response
func (h *Handlers) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	h.writeJSON(w, statusCode, map[string]interface{}{
		"error":  message,
		"status": statusCode,
	})
}
