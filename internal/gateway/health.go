package gateway

import (
	"context"
	"net/http"
	"time"
)

type healthPayload struct {
	Status    string                    `json:"status"`
	Service   string                    `json:"service"`
	Timestamp string                    `json:"timestamp"`
	Breakers  map[string]breakerPayload `json:"circuit_breakers,omitempty"`
	Failures  map[string]int64          `json:"instance_failures,omitempty"`
	Checks    map[string]string         `json:"checks,omitempty"`
}

type breakerPayload struct {
	State        string `json:"state"`
	FailureCount int    `json:"failure_count"`
	SuccessCount int    `json:"success_count"`
}

// handleHealth reports liveness plus breaker and instance state. It
// always returns 200; readiness is the stricter probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := healthPayload{
		Status:    "healthy",
		Service:   s.cfg.Server.ServiceName,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Failures:  s.fwd.FailureCounts(),
	}
	snapshots := s.breakers.Snapshots()
	if len(snapshots) > 0 {
		payload.Breakers = make(map[string]breakerPayload, len(snapshots))
		for service, snap := range snapshots {
			payload.Breakers[service] = breakerPayload{
				State:        snap.State,
				FailureCount: snap.FailureCount,
				SuccessCount: snap.SuccessCount,
			}
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

// ready checks redis and the readiness service. The returned map names
// each dependency and its state; ok is true only when all pass.
func (s *Server) ready(ctx context.Context) (map[string]string, bool) {
	checks := map[string]string{}
	ok := true

	if err := s.rdb.Ping(ctx).Err(); err != nil {
		checks["redis"] = err.Error()
		ok = false
	} else {
		checks["redis"] = "ok"
	}

	if svc := s.cfg.Server.ReadinessService; svc != "" {
		instances, err := s.registry.GetInstances(ctx, svc)
		switch {
		case err != nil:
			checks["discovery"] = err.Error()
			ok = false
		case len(instances) == 0:
			checks["discovery"] = "no instances for " + svc
			ok = false
		default:
			checks["discovery"] = "ok"
		}
	}
	return checks, ok
}

// handleReady reports 200 only when redis answers and the readiness
// service resolves to at least one instance.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks, ok := s.ready(r.Context())

	status := http.StatusOK
	state := "ready"
	if !ok {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}
	writeJSON(w, status, healthPayload{
		Status:    state,
		Service:   s.cfg.Server.ServiceName,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	})
}
