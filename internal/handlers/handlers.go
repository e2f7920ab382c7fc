// Package handlers exposes the HTTP surface: one-shot classification,
// asynchronous frame intake, session control, health and stats, and a
// websocket event stream.
package handlers

import (
	"context"
	"encoding/json"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/moodloop/moodloop/internal/cadence"
	"github.com/moodloop/moodloop/internal/inference"
	"github.com/moodloop/moodloop/internal/pipeline"
	"github.com/moodloop/moodloop/internal/vision"
)

const maxUploadBytes = 10 << 20

// Handler wires the pipeline components behind the HTTP endpoints.
type Handler struct {
	resource  *inference.Resource
	analyzer  *pipeline.Analyzer
	scheduler *cadence.Scheduler
	hub       *Hub
	log       *zap.SugaredLogger

	frameSeq atomic.Uint64
}

func NewHandler(resource *inference.Resource, analyzer *pipeline.Analyzer, scheduler *cadence.Scheduler, hub *Hub, log *zap.SugaredLogger) *Handler {
	return &Handler{
		resource:  resource,
		analyzer:  analyzer,
		scheduler: scheduler,
		hub:       hub,
		log:       log,
	}
}

// Register attaches all routes to the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/stats", h.Stats)
	mux.HandleFunc("/classify", h.Classify)
	mux.HandleFunc("/frames", h.Frames)
	mux.HandleFunc("/session/start", h.SessionStart)
	mux.HandleFunc("/session/stop", h.SessionStop)
	mux.HandleFunc("/session/reset", h.SessionReset)
	mux.HandleFunc("/events", h.hub.ServeWS)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Health reports the model state. 200 while the resource can serve,
// 503 otherwise.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	state := h.resource.State()
	healthy := h.resource.HealthCheck()
	status := http.StatusOK
	body := map[string]string{"status": "healthy", "model": state.String()}
	if !healthy {
		status = http.StatusServiceUnavailable
		body["status"] = "unhealthy"
	}
	writeJSON(w, status, body)
}

// Stats aggregates the operational counters of every component.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"inference": h.resource.Metrics().Snapshot(),
		"analyzer":  h.analyzer.Stats(),
		"scheduler": h.scheduler.Snapshot(),
		"clients":   h.hub.ClientCount(),
	})
}

// decodeUpload reads the multipart "image" field into a frame.
func (h *Handler) decodeUpload(r *http.Request) (*vision.Frame, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, err
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, err
	}
	return vision.NewFrame(img, h.frameSeq.Add(1), time.Now()), nil
}

// classifyResponse is the one-shot classification payload.
type classifyResponse struct {
	Emotion    string  `json:"emotion,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	FaceFound  bool    `json:"face_found"`
}

// Classify runs one synchronous classification on an uploaded image,
// bypassing the throttle.
func (h *Handler) Classify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	frame, err := h.decodeUpload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected a JPEG or PNG in form field 'image'")
		return
	}

	res := h.analyzer.ClassifyNow(r.Context(), frame)
	defer res.ReleaseOwned()

	switch res.Kind() {
	case pipeline.KindSuccess:
		writeJSON(w, http.StatusOK, classifyResponse{
			Emotion:    res.Label.String(),
			Confidence: res.Confidence,
			FaceFound:  true,
		})
	case pipeline.KindNoFace:
		writeJSON(w, http.StatusOK, classifyResponse{FaceFound: false})
	case pipeline.KindLoading:
		writeError(w, http.StatusServiceUnavailable, "model is loading, retry shortly")
	default:
		h.log.Errorw("classification failed",
			"kind", res.ErrKind.String(), "error", res.Message)
		writeError(w, http.StatusInternalServerError, res.ErrKind.String())
	}
}

// Frames accepts an uploaded image into the throttled analysis path. The
// result reaches clients through the event stream, not this response.
func (h *Handler) Frames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	frame, err := h.decodeUpload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected a JPEG or PNG in form field 'image'")
		return
	}

	// The classification outlives this request; don't tie it to r.Context().
	accepted := h.analyzer.OnFrame(context.Background(), frame)
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": accepted})
}

func (h *Handler) SessionStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	h.scheduler.Start()
	writeJSON(w, http.StatusOK, h.scheduler.Snapshot())
}

func (h *Handler) SessionStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	h.scheduler.Stop()
	writeJSON(w, http.StatusOK, h.scheduler.Snapshot())
}

func (h *Handler) SessionReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	h.scheduler.Reset()
	writeJSON(w, http.StatusOK, h.scheduler.Snapshot())
}
