// Package health serves liveness and readiness probes for the companion
// process on the same listener as the metrics endpoint.
//
// /healthz answers 200 whenever the process can serve HTTP. /readyz runs the
// registered checkers (audio backend visible, event log reachable) and
// answers 503 if any of them fails. Both reply with a JSON body carrying a
// "status" field and, for readiness, a per-check "checks" map.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/karasumi/aizuchi/pkg/audio"
)

// checkTimeout bounds each individual readiness check.
const checkTimeout = 5 * time.Second

// Checker probes one dependency. Check returns nil when the dependency is
// usable; its error message is surfaced verbatim in the /readyz body.
type Checker struct {
	// Name keys this check in the JSON response ("audio", "event_log").
	Name string

	// Check must respect context cancellation.
	Check func(ctx context.Context) error
}

// AudioChecker reports whether the capture backend enumerates at least one
// input device. A headless host with no microphone fails readiness rather
// than silently never producing utterances.
func AudioChecker(ctx audio.Context) Checker {
	return Checker{
		Name: "audio",
		Check: func(context.Context) error {
			devices, err := ctx.Devices()
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				return errors.New("no capture devices found")
			}
			return nil
		},
	}
}

// Pinger is satisfied by database-backed event sinks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SinkChecker reports whether the durable event log is reachable.
func SinkChecker(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// Handler holds the checker list. Safe for concurrent use; checkers are
// fixed at construction.
type Handler struct {
	checkers []Checker
}

// New builds a Handler over the given checkers. /readyz evaluates them in
// the order given.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// probeResult is the JSON body for both endpoints.
type probeResult struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Healthz always reports ok. Liveness only asserts the process serves HTTP.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	h.respond(w, http.StatusOK, probeResult{Status: "ok"})
}

// Readyz runs every checker under a [checkTimeout] deadline and reports 503
// as soon as any dependency is unusable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := probeResult{
		Status: "ok",
		Checks: make(map[string]string, len(h.checkers)),
	}
	code := http.StatusOK

	for _, c := range h.checkers {
		if err := h.runCheck(r.Context(), c); err != nil {
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			code = http.StatusServiceUnavailable
		} else {
			res.Checks[c.Name] = "ok"
		}
	}

	h.respond(w, code, res)
}

func (h *Handler) runCheck(parent context.Context, c Checker) error {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()
	return c.Check(ctx)
}

// Register mounts both probe routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func (h *Handler) respond(w http.ResponseWriter, code int, res probeResult) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
