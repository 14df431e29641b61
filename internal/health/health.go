// Package health exposes the liveness and readiness probes of the mixwire
// core. /healthz reports process liveness and uptime; /readyz reflects
// whether the pipeline can serve (transport dialed, streamer running) by
// evaluating the registered checkers. Bodies are JSON with a top-level
// "status" of "ok" or "fail".
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Checker probes one component for /readyz. Check returns nil when the
// component can serve. Checks are in-process state reads; anything slower
// than checkTimeout indicates a wedged component.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

const checkTimeout = 2 * time.Second

// Handler serves the probe endpoints. The checker set is fixed at
// construction; Handler is safe for concurrent use.
type Handler struct {
	started  time.Time
	checkers []Checker
}

// New creates a Handler evaluating checkers, in order, on each /readyz
// request.
func New(checkers ...Checker) *Handler {
	return &Handler{
		started:  time.Now(),
		checkers: append([]Checker(nil), checkers...),
	}
}

// result is the JSON body of both probes.
type result struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Healthz reports liveness. A process that can answer HTTP is alive, so the
// response is always 200 with the current uptime.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{
		Status: "ok",
		Uptime: time.Since(h.started).Round(time.Second).String(),
	})
}

// Readyz reports readiness: 200 when every checker passes, 503 otherwise,
// with per-checker outcomes in the body. Each check runs under a
// checkTimeout deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks, ready := h.run(r.Context())

	res := result{Status: "ok", Checks: checks}
	code := http.StatusOK
	if !ready {
		res.Status = "fail"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, res)
}

func (h *Handler) run(ctx context.Context) (map[string]string, bool) {
	checks := make(map[string]string, len(h.checkers))
	ready := true

	for _, c := range h.checkers {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.Check(cctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			ready = false
			continue
		}
		checks[c.Name] = "ok"
	}
	return checks, ready
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
