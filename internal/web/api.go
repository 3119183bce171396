package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mtzanidakis/conclave/internal/bus"
	"github.com/mtzanidakis/conclave/internal/cluster"
	"github.com/mtzanidakis/conclave/internal/config"
	"github.com/mtzanidakis/conclave/internal/export"
	"github.com/mtzanidakis/conclave/internal/registry"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/clusters", s.listClusters)
	mux.HandleFunc("POST /api/clusters", s.startCluster)
	mux.HandleFunc("GET /api/clusters/{id}", s.getCluster)
	mux.HandleFunc("GET /api/clusters/{id}/events", s.getClusterEvents)
	mux.HandleFunc("POST /api/clusters/{id}/kill", s.killCluster)
	mux.HandleFunc("GET /api/clusters/{id}/export", s.exportCluster)

	mux.HandleFunc("GET /api/templates", s.listTemplates)
	mux.HandleFunc("GET /api/schedules", s.listSchedules)

	mux.HandleFunc("GET /api/status", s.getStatus)
}

type clusterEntry struct {
	cluster.Info
	EventCount int        `json:"event_count"`
	LastEvent  *time.Time `json:"last_event,omitempty"`
}

func (s *Server) listClusters(w http.ResponseWriter, r *http.Request) {
	infos, err := s.orch.List(r.Context())
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	stats, err := s.store.GetEventStats(r.Context())
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]clusterEntry, 0, len(infos))
	for _, info := range infos {
		e := clusterEntry{Info: info}
		if st, ok := stats[info.ID]; ok {
			e.EventCount = st.Count
			last := st.LastAt
			e.LastEvent = &last
		}
		out = append(out, e)
	}
	jsonResponse(w, out)
}

type startRequest struct {
	// Template names a registered template; Config is an inline alternative.
	Template  string                `json:"template"`
	Config    *config.ClusterConfig `json:"config"`
	Text      string                `json:"text"`
	Data      any                   `json:"data"`
	Name      string                `json:"name"`
	Isolation bool                  `json:"isolation"`
	Workdir   string                `json:"workdir"`
}

func (s *Server) startCluster(w http.ResponseWriter, r *http.Request) {
	var body startRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Text == "" {
		jsonError(w, "text is required", http.StatusBadRequest)
		return
	}

	cc := body.Config
	switch {
	case cc != nil && body.Template != "":
		jsonError(w, "template and config are mutually exclusive", http.StatusBadRequest)
		return
	case cc == nil && body.Template == "":
		jsonError(w, "template or config is required", http.StatusBadRequest)
		return
	case cc == nil:
		var err error
		cc, err = s.registry.Get(body.Template)
		if errors.Is(err, registry.ErrNotFound) {
			jsonError(w, err.Error(), http.StatusNotFound)
			return
		}
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	c, err := s.orch.Start(r.Context(), cc, cluster.Intake{Text: body.Text, Data: body.Data}, cluster.Options{
		Name:      body.Name,
		Isolation: body.Isolation,
		Workdir:   body.Workdir,
	})
	if err != nil {
		jsonError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.Header().Set("Location", "/api/clusters/"+c.ID)
	jsonStatus(w, http.StatusCreated, c.Info())
}

func (s *Server) getCluster(w http.ResponseWriter, r *http.Request) {
	info, err := s.orch.Info(r.Context(), r.PathValue("id"))
	if err != nil {
		clusterError(w, err)
		return
	}
	jsonResponse(w, info)
}

// getClusterEvents returns the cluster's events, optionally filtered by
// topic and by ?after=<event id>.
func (s *Server) getClusterEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.orch.Info(r.Context(), id); err != nil {
		clusterError(w, err)
		return
	}

	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		if _, err := fmt.Sscan(v, &after); err != nil {
			jsonError(w, "invalid after", http.StatusBadRequest)
			return
		}
	}

	events, err := s.store.ListEvents(r.Context(), id, r.URL.Query().Get("topic"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]bus.Event, 0, len(events))
	for _, ev := range events {
		if ev.ID > after {
			out = append(out, ev)
		}
	}
	jsonResponse(w, out)
}

func (s *Server) killCluster(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	if err := s.orch.Kill(r.Context(), id, body.Reason); err != nil {
		clusterError(w, err)
		return
	}
	info, err := s.orch.Info(r.Context(), id)
	if err != nil {
		clusterError(w, err)
		return
	}
	jsonResponse(w, info)
}

// exportCluster renders Markdown, or a tar.zst archive with ?format=archive.
func (s *Server) exportCluster(w http.ResponseWriter, r *http.Request) {
	rep, err := s.orch.Report(r.Context(), r.PathValue("id"))
	if err != nil {
		clusterError(w, err)
		return
	}

	switch r.URL.Query().Get("format") {
	case "", "markdown", "md":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = w.Write([]byte(export.Markdown(rep)))
	case "archive":
		w.Header().Set("Content-Type", "application/zstd")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="cluster-%s.tar.zst"`, rep.ID))
		if err := export.Archive(w, rep); err != nil {
			slog.Warn("write export archive", "cluster", rep.ID, "error", err)
		}
	default:
		jsonError(w, "unknown format", http.StatusBadRequest)
	}
}

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.registry.List()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if templates == nil {
		templates = []registry.Template{}
	}
	jsonResponse(w, templates)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		jsonResponse(w, []any{})
		return
	}
	jsonResponse(w, s.scheduler.Entries())
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	infos, err := s.orch.List(r.Context())
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	states := make(map[cluster.State]int)
	for _, info := range infos {
		states[info.State]++
	}

	status := map[string]any{
		"status":     "ok",
		"version":    s.version,
		"uptime":     formatUptime(time.Since(s.startedAt)),
		"clusters":   len(infos),
		"states":     states,
		"ws_clients": s.hub.Clients(),
	}
	if s.bus != nil {
		status["nats_clients"] = s.bus.NumClients()
	}
	jsonResponse(w, status)
}

func clusterError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cluster.ErrNotFound):
		jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, cluster.ErrTerminal):
		jsonError(w, err.Error(), http.StatusConflict)
	default:
		jsonError(w, err.Error(), http.StatusInternalServerError)
	}
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

func jsonResponse(w http.ResponseWriter, data any) {
	jsonStatus(w, http.StatusOK, data)
}

func jsonStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	jsonStatus(w, code, map[string]string{"error": msg})
}
