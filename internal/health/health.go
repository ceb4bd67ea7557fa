// Package health exposes the daemon's liveness and readiness probes.
//
// The desktop UI polls /readyz before letting the user start a session, so
// readiness reflects everything a session needs up front: speech
// credentials on disk, at least one answer provider configured, and the
// recorder binary resolvable on PATH. /healthz only says the process is
// serving HTTP.
//
// Both endpoints answer with a JSON body: a "status" field ("ok" or
// "fail") and, for readiness, a "checks" map naming each probe's outcome.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// probeTimeout bounds a single readiness probe. Probes are local (stat,
// PATH lookup, a degraded-flag read), so anything slower is itself a
// failure worth reporting.
const probeTimeout = 5 * time.Second

// Checker is one named readiness probe. Check returns nil when the
// dependency is usable and an error describing what is wrong otherwise.
type Checker struct {
	// Name keys this probe in the /readyz response, e.g. "speech" or
	// "recorder".
	Name string

	// Check probes the dependency and must honor ctx cancellation.
	Check func(ctx context.Context) error
}

// result is the wire shape of both probe responses.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. The checker set is fixed at
// construction, so the handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New builds a [Handler] over the given probes. /readyz evaluates them in
// the order given and reports every outcome even after the first failure.
func New(checkers ...Checker) *Handler {
	h := &Handler{checkers: make([]Checker, len(checkers))}
	copy(h.checkers, checkers)
	return h
}

// Register mounts both probe routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz reports liveness. Reaching this handler at all is the proof, so
// it unconditionally answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeResult(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every registered probe under a [probeTimeout] deadline and
// answers 200 only if all of them pass, 503 otherwise. Failed probes carry
// their error text so an operator can see which dependency is missing
// without reading logs.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks, ready := h.probe(r.Context())

	res := result{Status: "ok", Checks: checks}
	code := http.StatusOK
	if !ready {
		res.Status = "fail"
		code = http.StatusServiceUnavailable
	}
	writeResult(w, code, res)
}

// probe evaluates all checkers and reports per-probe outcomes plus the
// overall verdict.
func (h *Handler) probe(ctx context.Context) (map[string]string, bool) {
	checks := make(map[string]string, len(h.checkers))
	ready := true
	for _, c := range h.checkers {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := c.Check(probeCtx)
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

func writeResult(w http.ResponseWriter, code int, res result) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
