package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/wudi/dwebgate/internal/config"
)

// adminHandler creates the admin API handler
func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/readyz", s.handleReady)

	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/listeners", s.handleListeners)
	mux.HandleFunc("/config", s.handleConfig)

	s.mu.Lock()
	metricsCfg := s.config.Admin.Metrics
	s.mu.Unlock()
	if metricsCfg.Enabled {
		path := metricsCfg.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, s.gateway.Metrics().Handler())
	}

	mux.HandleFunc("/reload", s.handleReload)
	mux.HandleFunc("/reload/status", s.handleReloadStatus)
	mux.HandleFunc("/cache/purge", s.handleCachePurge)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth reports liveness along with the state of Redis when one is
// configured.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]any)
	healthy := true

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if configured, err := s.gateway.PingRedis(ctx); configured {
		redisStatus := map[string]any{"status": boolStatus(err == nil)}
		if err != nil {
			redisStatus["error"] = err.Error()
			healthy = false
		}
		checks["redis"] = redisStatus
	}
	checks["tracing"] = s.gateway.GetStats().Tracing

	status, statusStr := http.StatusOK, "ok"
	if !healthy {
		status, statusStr = http.StatusServiceUnavailable, "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":    statusStr,
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.startTime).String(),
		"checks":    checks,
	})
}

// handleReady reports whether the server should receive traffic.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	readyCfg := s.config.Admin.Readiness
	s.mu.Unlock()

	var reasons []string
	if s.stopping.Load() {
		reasons = append(reasons, "shutting down")
	}
	if s.manager.Count() == 0 {
		reasons = append(reasons, "no listeners")
	}
	if readyCfg.RequireRedis {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		configured, err := s.gateway.PingRedis(ctx)
		switch {
		case !configured:
			reasons = append(reasons, "redis required but not configured")
		case err != nil:
			reasons = append(reasons, "redis unavailable: "+err.Error())
		}
	}

	response := map[string]any{"listeners": s.manager.Count()}
	if len(reasons) == 0 {
		response["status"] = "ready"
		writeJSON(w, http.StatusOK, response)
		return
	}
	response["status"] = "not_ready"
	response["reasons"] = reasons
	writeJSON(w, http.StatusServiceUnavailable, response)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime":    time.Since(s.startTime).String(),
		"listeners": s.manager.Count(),
		"gateway":   s.gateway.GetStats(),
	})
}

func (s *Server) handleListeners(w http.ResponseWriter, r *http.Request) {
	type info struct {
		ID       string `json:"id"`
		Protocol string `json:"protocol"`
		Address  string `json:"address"`
	}
	var out []info
	for _, id := range s.manager.List() {
		if l, ok := s.manager.Get(id); ok {
			out = append(out, info{ID: id, Protocol: l.Protocol(), Address: l.Addr()})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleConfig returns the running config with secrets redacted.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	red, err := config.RedactConfig(s.gateway.Config())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	yaml.NewEncoder(w).Encode(red)
}

// handleReload handles config reload requests (POST only).
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	result := s.ReloadConfig()
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

// handleReloadStatus returns the reload history.
func (s *Server) handleReloadStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	history := make([]ReloadResult, len(s.reloadHistory))
	copy(history, s.reloadHistory)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, history)
}

// handleCachePurge empties the module caches (POST only).
func (s *Server) handleCachePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.gateway.Purge(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"status": "purged"})
}

func boolStatus(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
