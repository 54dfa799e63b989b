package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"agentswarm/internal/domain"
	"agentswarm/internal/usecase/eventbus"
)

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Shadow        ShadowStatus     `json:"shadow"`
	Agents        map[string]int   `json:"agents"` // count per status
	Tools         int              `json:"tools"`
	Counters      map[string]int64 `json:"counters"`
}

// Metrics counts swarm activity seen on the bus.
type Metrics struct {
	TasksCompleted  atomic.Int64
	TasksFailed     atomic.Int64
	ActionsStaged   atomic.Int64
	ActionsResolved atomic.Int64
	ToolsCreated    atomic.Int64
}

func (m *Metrics) snapshot() map[string]int64 {
	return map[string]int64{
		"tasks_completed":  m.TasksCompleted.Load(),
		"tasks_failed":     m.TasksFailed.Load(),
		"actions_staged":   m.ActionsStaged.Load(),
		"actions_resolved": m.ActionsResolved.Load(),
		"tools_created":    m.ToolsCreated.Load(),
	}
}

// RegisterRESTHandlers registers the status and metrics endpoints and starts
// counting bus events. The returned function stops counting.
func RegisterRESTHandlers(s *Server, deps HandlerDeps) (*Metrics, func()) {
	startTime := time.Now()
	metrics := &Metrics{}

	unsubs := []func(){
		deps.Bus.Subscribe(domain.TopicAgentComplete, func(_ context.Context, e domain.Event) {
			notice, err := eventbus.Decode[domain.CompletionNotice](e)
			if err == nil && notice.Error != "" {
				metrics.TasksFailed.Add(1)
				return
			}
			metrics.TasksCompleted.Add(1)
		}),
		deps.Bus.Subscribe(domain.TopicActionStaged, func(context.Context, domain.Event) {
			metrics.ActionsStaged.Add(1)
		}),
		deps.Bus.Subscribe(domain.TopicActionResolved, func(context.Context, domain.Event) {
			metrics.ActionsResolved.Add(1)
		}),
		deps.Bus.Subscribe(domain.TopicToolCreated, func(context.Context, domain.Event) {
			metrics.ToolsCreated.Add(1)
		}),
	}

	authMiddleware := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if _, err := s.auth.Authenticate(tokenFrom(r)); err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}

	s.RegisterHTTPRoute("/api/v1/status", authMiddleware(statusHandler(deps, startTime, metrics)))
	s.RegisterHTTPRoute("/metrics", authMiddleware(metricsHandler(deps, startTime, metrics)))

	return metrics, func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func agentCounts(agents []domain.AgentRuntimeState) map[string]int {
	counts := make(map[string]int)
	for _, a := range agents {
		counts[string(a.Status)]++
	}
	return counts
}

func toolCount(deps HandlerDeps) int {
	if deps.Tools == nil {
		return 0
	}
	return len(deps.Tools.List())
}

// statusHandler returns an HTTP handler for GET /api/v1/status.
func statusHandler(deps HandlerDeps, startTime time.Time, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		resp := StatusResponse{
			Version:       deps.Version,
			UptimeSeconds: int64(time.Since(startTime).Seconds()),
			Shadow: ShadowStatus{
				Enabled: deps.Shadow.Enabled(),
				Pending: len(deps.Shadow.Pending()),
			},
			Agents:   agentCounts(deps.Swarm.ListAgents()),
			Tools:    toolCount(deps),
			Counters: metrics.snapshot(),
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// metricsHandler returns an HTTP handler for GET /metrics in Prometheus text format.
func metricsHandler(deps HandlerDeps, startTime time.Time, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		counter := func(name, help string, v int64) {
			fmt.Fprintf(w, "# HELP agentswarm_%s %s\n", name, help)
			fmt.Fprintf(w, "# TYPE agentswarm_%s counter\n", name)
			fmt.Fprintf(w, "agentswarm_%s %d\n", name, v)
		}
		gauge := func(name, help string, v int64) {
			fmt.Fprintf(w, "# HELP agentswarm_%s %s\n", name, help)
			fmt.Fprintf(w, "# TYPE agentswarm_%s gauge\n", name)
			fmt.Fprintf(w, "agentswarm_%s %d\n", name, v)
		}

		counter("tasks_completed_total", "Tasks that finished without error.", metrics.TasksCompleted.Load())
		counter("tasks_failed_total", "Tasks that finished with an error.", metrics.TasksFailed.Load())
		counter("actions_staged_total", "Mutating actions staged for review.", metrics.ActionsStaged.Load())
		counter("actions_resolved_total", "Staged actions that reached a final status.", metrics.ActionsResolved.Load())
		counter("tools_created_total", "Dynamic tools created.", metrics.ToolsCreated.Load())

		gauge("actions_pending", "Actions awaiting review.", int64(len(deps.Shadow.Pending())))
		gauge("agents_spawned", "Agents with a live runtime.", int64(len(deps.Swarm.ListAgents())))
		gauge("tools_live", "Dynamic tools currently mounted.", int64(toolCount(deps)))
		gauge("goroutines", "Number of goroutines.", int64(runtime.NumGoroutine()))
		gauge("uptime_seconds", "Seconds since the gateway started.", int64(time.Since(startTime).Seconds()))
	}
}
