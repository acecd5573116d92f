package server

import (
	"context"
	"net/http"
	"time"
)

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"

	// queueDepthWarning is the pending-queue depth past which the health
	// report degrades.
	queueDepthWarning = 100
)

type healthCheck struct {
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration"`
}

type healthReport struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]healthCheck `json:"checks,omitempty"`
}

func (s *Server) baseReport(status string) healthReport {
	return healthReport{
		Status:    status,
		Timestamp: time.Now(),
		Version:   s.version,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, _ := s.runChecks(r.Context())
	writeJSON(w, healthStatusCode(status), s.baseReport(status))
}

func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	status, checks := s.runChecks(r.Context())
	report := s.baseReport(status)
	report.Checks = checks
	writeJSON(w, healthStatusCode(status), report)
}

// handleHealthReady answers readiness: the process can take traffic when
// its store is reachable.
func (s *Server) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	store := s.checkStore(r.Context())
	status := statusHealthy
	if store.Status == statusUnhealthy {
		status = statusUnhealthy
	}
	writeJSON(w, healthStatusCode(status), s.baseReport(status))
}

func (s *Server) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.baseReport(statusHealthy))
}

func healthStatusCode(status string) int {
	if status == statusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// runChecks aggregates the individual checks; the worst one wins.
func (s *Server) runChecks(ctx context.Context) (string, map[string]healthCheck) {
	checks := map[string]healthCheck{
		"store":     s.checkStore(ctx),
		"completer": s.checkCompleter(),
		"queue":     s.checkQueue(ctx),
	}
	status := statusHealthy
	for _, c := range checks {
		switch c.Status {
		case statusUnhealthy:
			return statusUnhealthy, checks
		case statusDegraded:
			status = statusDegraded
		}
	}
	return status, checks
}

func (s *Server) checkStore(ctx context.Context) healthCheck {
	start := time.Now()
	if s.redis == nil {
		return healthCheck{
			Status:   statusHealthy,
			Message:  "memory store",
			Duration: time.Since(start).String(),
		}
	}
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return healthCheck{
			Status:   statusUnhealthy,
			Message:  err.Error(),
			Duration: time.Since(start).String(),
		}
	}
	return healthCheck{Status: statusHealthy, Duration: time.Since(start).String()}
}

func (s *Server) checkCompleter() healthCheck {
	start := time.Now()
	if s.completer == nil {
		return healthCheck{
			Status:   statusDegraded,
			Message:  "no AI provider configured",
			Duration: time.Since(start).String(),
		}
	}
	return healthCheck{
		Status:   statusHealthy,
		Message:  s.completer.Name(),
		Duration: time.Since(start).String(),
	}
}

func (s *Server) checkQueue(ctx context.Context) healthCheck {
	start := time.Now()
	if s.queue == nil {
		return healthCheck{
			Status:   statusDegraded,
			Message:  "queue not running",
			Duration: time.Since(start).String(),
		}
	}
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return healthCheck{
			Status:   statusUnhealthy,
			Message:  err.Error(),
			Duration: time.Since(start).String(),
		}
	}
	if stats.Pending > queueDepthWarning {
		return healthCheck{
			Status:   statusDegraded,
			Message:  "queue backlog",
			Duration: time.Since(start).String(),
		}
	}
	return healthCheck{Status: statusHealthy, Duration: time.Since(start).String()}
}
