package health

import (
	"encoding/json"
	"net/http"
	"time"
)

// response is the /health body.
type response struct {
	Status    Level             `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]Status `json:"checks,omitempty"`
}

// Handler serves /health: 200 for healthy and degraded, 503 for
// unhealthy.
func (m *Monitor) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := m.Check(r.Context())
		level := Aggregate(results)

		code := http.StatusOK
		if level == Unhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, response{
			Status:    level,
			Timestamp: time.Now(),
			Checks:    results,
		})
	}
}

// LivenessHandler serves /health/live: the process answers, so it is
// alive.
func (m *Monitor) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, response{Status: Healthy, Timestamp: time.Now()})
	}
}

// ReadinessHandler serves /health/ready: ready only while no check
// reports unhealthy.
func (m *Monitor) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := m.Check(r.Context())
		level := Aggregate(results)

		code := http.StatusOK
		if level == Unhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, response{Status: level, Timestamp: time.Now()})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
