package web

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hivegate/hivegate/internal/hive"
	"github.com/hivegate/hivegate/internal/saga"
	"github.com/hivegate/hivegate/internal/store"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Tool dispatch: the full gateway surface over HTTP
	mux.HandleFunc("POST /api/tools", s.invokeTool)

	// Read-only views
	mux.HandleFunc("GET /api/swarms", s.listSwarms)
	mux.HandleFunc("GET /api/swarms/{id}", s.getSwarm)
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("GET /api/metrics", s.getMetrics)
	mux.HandleFunc("GET /api/status", s.getStatus)

	// Scheduled swarm jobs
	mux.HandleFunc("GET /api/jobs", s.listJobs)
	mux.HandleFunc("POST /api/jobs", s.createJob)
	mux.HandleFunc("PUT /api/jobs/{id}/status", s.setJobStatus)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.deleteJob)

	// Credential vault
	mux.HandleFunc("GET /api/secrets", s.listSecrets)
	mux.HandleFunc("PUT /api/secrets/{name}", s.putSecret)
	mux.HandleFunc("DELETE /api/secrets/{name}", s.deleteSecret)
}

func (s *Server) invokeTool(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		jsonError(w, "read request", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(s.gateway.DispatchRaw(r.Context(), body))
}

func (s *Server) listSwarms(w http.ResponseWriter, r *http.Request) {
	swarms, err := s.prov.List(r.URL.Query().Get("user_id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if swarms == nil {
		swarms = []store.Swarm{}
	}
	jsonResponse(w, map[string]any{"swarms": swarms, "count": len(swarms)})
}

func (s *Server) getSwarm(w http.ResponseWriter, r *http.Request) {
	sw, err := s.prov.Status(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	}

	live := make([]hive.Snapshot, 0, len(sw.Agents))
	for _, ref := range sw.Agents {
		if snap, err := s.pool.Get(ref.AgentID); err == nil {
			live = append(live, *snap)
		}
	}
	jsonResponse(w, map[string]any{"swarm": sw, "agents": live})
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	var agents []hive.Snapshot
	if typeName := r.URL.Query().Get("type"); typeName != "" {
		typ, err := hive.ParseType(typeName)
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		agents = s.pool.ByType(typ)
	} else {
		agents = s.pool.List()
	}
	if agents == nil {
		agents = []hive.Snapshot{}
	}
	jsonResponse(w, map[string]any{"agents": agents, "count": len(agents)})
}

func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.pool.Metrics())
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"version": s.version,
		"uptime":  formatUptime(time.Since(s.startedAt)),
		"agents":  s.pool.Size(),
		"tools":   s.gateway.Tools(),
	}
	if s.bus != nil {
		status["nats_port"] = s.bus.Port()
	}
	jsonResponse(w, status)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		jsonError(w, "scheduler disabled", http.StatusServiceUnavailable)
		return
	}
	jobs, err := s.sched.Jobs()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []store.SwarmJob{}
	}
	jsonResponse(w, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		jsonError(w, "scheduler disabled", http.StatusServiceUnavailable)
		return
	}

	var body struct {
		UserID   string             `json:"user_id"`
		Name     string             `json:"name"`
		Schedule string             `json:"schedule"`
		Request  saga.CreateRequest `json:"request"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.UserID == "" || body.Name == "" {
		jsonError(w, "user_id and name are required", http.StatusBadRequest)
		return
	}

	job, err := s.sched.CreateJob(body.UserID, body.Name, body.Schedule, body.Request)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, job)
}

func (s *Server) setJobStatus(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		jsonError(w, "scheduler disabled", http.StatusServiceUnavailable)
		return
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.sched.SetJobStatus(r.PathValue("id"), body.Status); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, map[string]string{"status": body.Status})
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		jsonError(w, "scheduler disabled", http.StatusServiceUnavailable)
		return
	}
	if err := s.sched.DeleteJob(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) listSecrets(w http.ResponseWriter, r *http.Request) {
	if s.keeper == nil {
		jsonError(w, "vault disabled", http.StatusServiceUnavailable)
		return
	}
	creds, err := s.keeper.List()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if creds == nil {
		creds = []store.Credential{}
	}
	jsonResponse(w, map[string]any{"secrets": creds, "count": len(creds)})
}

func (s *Server) putSecret(w http.ResponseWriter, r *http.Request) {
	if s.keeper == nil {
		jsonError(w, "vault disabled", http.StatusServiceUnavailable)
		return
	}

	var body struct {
		Description string `json:"description"`
		Value       string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Value == "" {
		jsonError(w, "value is required", http.StatusBadRequest)
		return
	}

	if err := s.keeper.Put(r.PathValue("name"), body.Description, body.Value); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, map[string]string{"status": "stored"})
}

func (s *Server) deleteSecret(w http.ResponseWriter, r *http.Request) {
	if s.keeper == nil {
		jsonError(w, "vault disabled", http.StatusServiceUnavailable)
		return
	}
	if err := s.keeper.Delete(r.PathValue("name")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}
