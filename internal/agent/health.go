package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// HealthServer serves /healthz for a standalone agent process.
// The health check verifies that the worker can still read its bus inbox.
type HealthServer struct {
	server *http.Server
	worker *Worker
}

// HealthResponse is the JSON body of /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Agent   string `json:"agent"`
	Pending int64  `json:"pending"`
	Handled int64  `json:"handled"`
	Error   string `json:"error,omitempty"`
}

// NewHealthServer creates a health server for worker listening on port.
func NewHealthServer(worker *Worker, port int) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		worker: worker,
	}
	mux.HandleFunc("/healthz", hs.handleHealthz)
	return hs
}

// Start starts the HTTP server in a background goroutine.
func (hs *HealthServer) Start() {
	go func() {
		log.Printf("[DEBUG] Health server starting on %s", hs.server.Addr)
		if err := hs.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[ERROR] Health server error: %v", err)
		}
		log.Printf("[DEBUG] Health server stopped")
	}()
}

// Shutdown gracefully stops the server.
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	return hs.server.Shutdown(ctx)
}

// handleHealthz returns 200 when the inbox is readable, 503 otherwise.
func (hs *HealthServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:  "healthy",
		Agent:   hs.worker.Name(),
		Handled: hs.worker.Handled(),
	}
	code := http.StatusOK

	pending, err := hs.worker.bus.Pending(ctx, hs.worker.Name())
	if err != nil {
		resp.Status = "unhealthy"
		resp.Error = err.Error()
		code = http.StatusServiceUnavailable
	}
	resp.Pending = pending

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[ERROR] Failed to encode health response: %v", err)
	}
}
