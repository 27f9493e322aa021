package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cjeanneret/BounceGo/internal/logic/bounce"
	"github.com/cjeanneret/BounceGo/internal/logic/motion"
)

// Upper bounds accepted from the web form.
const (
	maxCyclesLimit  = 10000
	multiplierLimit = 20.0
	maxBodyBytes    = 1 << 20
)

// Engine is the part of motion.Runner the handlers drive.
type Engine interface {
	Status() bounce.Status
	Apply(motion.Overrides)
	Reset(ctx context.Context) error
	RunUntilComplete(ctx context.Context) error
	Stop()
}

var _ Engine = (*motion.Runner)(nil)

// FormConfig holds the default values of the run form (from config).
type FormConfig struct {
	StartAngle                 float64 `json:"start_angle"`
	EndAngle                   float64 `json:"end_angle"`
	MaxCycles                  int     `json:"max_cycles"`
	MaxVelocity                uint32  `json:"max_velocity"`
	MaxAcceleration            uint32  `json:"max_acceleration"`
	UpVelocityMultiplier       float64 `json:"up_velocity_multiplier"`
	UpAccelerationMultiplier   float64 `json:"up_acceleration_multiplier"`
	DownVelocityMultiplier     float64 `json:"down_velocity_multiplier"`
	DownAccelerationMultiplier float64 `json:"down_acceleration_multiplier"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	bounce.Status
	Running bool `json:"running"`
}

// ValidateOverrides checks run overrides before they reach the controller.
func ValidateOverrides(o motion.Overrides) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if o.MaxCycles != nil && *o.MaxCycles > maxCyclesLimit {
		return fmt.Errorf("max_cycles must be <= %d", maxCyclesLimit)
	}
	for name, v := range map[string]*float64{
		"up_velocity_multiplier":       o.UpVelocityMultiplier,
		"up_acceleration_multiplier":   o.UpAccelerationMultiplier,
		"down_velocity_multiplier":     o.DownVelocityMultiplier,
		"down_acceleration_multiplier": o.DownAccelerationMultiplier,
	} {
		if v != nil && *v > multiplierLimit {
			return fmt.Errorf("%s must be <= %g", name, multiplierLimit)
		}
	}
	return nil
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster  *StatusBroadcaster
	Engine       Engine
	FormDefaults FormConfig
	staticFS     fs.FS

	baseCtx   context.Context
	runningMu sync.Mutex
	running   bool
	cancelRun context.CancelFunc
	done      chan struct{}
}

// NewHandlers creates handlers. If engine is nil, run, stop and reset return 503.
func NewHandlers(broadcaster *StatusBroadcaster, engine Engine, formDefaults FormConfig, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster:  broadcaster,
		Engine:       engine,
		FormDefaults: formDefaults,
		staticFS:     staticFS,
		baseCtx:      context.Background(),
	}
}

// HandleConfig returns the form default values as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.FormDefaults)
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// Running reports whether a run started by POST /run is in progress.
func (h *Handlers) Running() bool {
	h.runningMu.Lock()
	defer h.runningMu.Unlock()
	return h.running
}

// HandleRun handles POST /run: apply overrides, reset, and run the bounce
// sequence to completion in the background. The body may be empty.
func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var overrides motion.Overrides
	if err := json.NewDecoder(r.Body).Decode(&overrides); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := ValidateOverrides(overrides); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if h.Engine == nil {
		http.Error(w, "actuator not configured", http.StatusServiceUnavailable)
		return
	}

	h.runningMu.Lock()
	if h.running {
		h.runningMu.Unlock()
		http.Error(w, "bounce sequence already in progress", http.StatusConflict)
		return
	}
	ctx, cancel := context.WithCancel(h.baseCtx)
	done := make(chan struct{})
	h.running = true
	h.cancelRun = cancel
	h.done = done
	h.runningMu.Unlock()

	go func() {
		defer func() {
			cancel()
			h.runningMu.Lock()
			h.running = false
			h.cancelRun = nil
			h.runningMu.Unlock()
			close(done)
		}()

		h.Engine.Apply(overrides)
		if err := h.Engine.Reset(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				h.Broadcaster.Broadcast("info", "Sequence stopped")
				return
			}
			h.Broadcaster.Broadcast("error", "Reset failed: "+err.Error())
			log.Printf("reset failed: %v", err)
			return
		}
		h.Broadcaster.Broadcast("info", "Bounce sequence started")
		err := h.Engine.RunUntilComplete(ctx)
		switch {
		case err == nil:
			s := h.Engine.Status()
			h.Broadcaster.Broadcast("info", fmt.Sprintf("Sequence complete: %d/%d cycles", s.Cycles, s.MaxCycles))
		case errors.Is(err, context.Canceled):
			h.Broadcaster.Broadcast("info", "Sequence stopped")
		default:
			h.Broadcaster.Broadcast("error", "Sequence failed: "+err.Error())
			log.Printf("bounce run failed: %v", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// HandleStop handles POST /stop: cancels a running sequence and stops the actuator.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	if h.Engine == nil {
		http.Error(w, "actuator not configured", http.StatusServiceUnavailable)
		return
	}
	h.runningMu.Lock()
	cancel, done := h.cancelRun, h.done
	h.runningMu.Unlock()

	// Cancel first: a reset in flight holds the engine until its wait ends.
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}
	h.Engine.Stop()
	writeJSON(w, http.StatusOK, h.status())
}

// HandleReset handles POST /reset: blocking return to the start angle.
func (h *Handlers) HandleReset(w http.ResponseWriter, r *http.Request) {
	if h.Engine == nil {
		http.Error(w, "actuator not configured", http.StatusServiceUnavailable)
		return
	}
	if h.Running() {
		http.Error(w, "stop the running sequence first", http.StatusConflict)
		return
	}
	if err := h.Engine.Reset(r.Context()); err != nil {
		http.Error(w, "reset failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, h.status())
}

// HandleStatus handles GET /status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if h.Engine == nil {
		http.Error(w, "actuator not configured", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, h.status())
}

func (h *Handlers) status() StatusResponse {
	return StatusResponse{Status: h.Engine.Status(), Running: h.Running()}
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-heartbeat.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
