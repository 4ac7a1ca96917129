// Package handlers implements the JSON API endpoints.
package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/chengis/chengis/internal/agent"
	"github.com/chengis/chengis/internal/build"
	derrors "github.com/chengis/chengis/internal/foundation/errors"
	"github.com/chengis/chengis/internal/server/responses"
	"github.com/chengis/chengis/internal/server/service"
)

const maxBodyBytes = 1 << 20

// API holds the handler set for the server's JSON endpoints.
type API struct {
	service      *service.BuildService
	agents       *agent.Registry
	defaultOrg   string
	startTime    time.Time
	errorAdapter *derrors.HTTPErrorAdapter
}

// NewAPI creates the handler set.
func NewAPI(svc *service.BuildService, agents *agent.Registry, defaultOrg string) *API {
	return &API{
		service:      svc,
		agents:       agents,
		defaultOrg:   defaultOrg,
		startTime:    time.Now(),
		errorAdapter: derrors.NewHTTPErrorAdapter(slog.Default()),
	}
}

// Register attaches all routes to the mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("POST /api/v1/jobs", a.handleJobCreate)
	mux.HandleFunc("GET /api/v1/jobs", a.handleJobList)
	mux.HandleFunc("DELETE /api/v1/jobs/{job}", a.handleJobDelete)
	mux.HandleFunc("POST /api/v1/jobs/{job}/builds", a.handleBuildTrigger)
	mux.HandleFunc("GET /api/v1/builds", a.handleBuildList)
	mux.HandleFunc("GET /api/v1/builds/{id}", a.handleBuildStatus)
	mux.HandleFunc("POST /api/v1/builds/{id}/cancel", a.handleBuildCancel)
	mux.HandleFunc("POST /api/v1/agents", a.handleAgentRegister)
	mux.HandleFunc("DELETE /api/v1/agents/{id}", a.handleAgentDeregister)
	mux.HandleFunc("POST /api/v1/agents/{id}/heartbeat", a.handleAgentHeartbeat)
	mux.HandleFunc("GET /api/v1/agents", a.handleAgentList)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, responses.HealthResponse{
		Status:    "ok",
		Uptime:    time.Since(a.startTime).Seconds(),
		Timestamp: time.Now().UTC(),
	})
}

// jobCreateRequest carries the pipeline source in either DSL surface.
type jobCreateRequest struct {
	Name     string `json:"name,omitempty"`
	OrgID    string `json:"org_id,omitempty"`
	Pipeline string `json:"pipeline"`
}

func (a *API) handleJobCreate(w http.ResponseWriter, r *http.Request) {
	var req jobCreateRequest
	if err := decodeBody(r, &req); err != nil {
		a.errorAdapter.WriteError(w, r, err)
		return
	}
	if req.Pipeline == "" {
		a.errorAdapter.WriteError(w, r, derrors.ValidationError("pipeline source is required").Build())
		return
	}
	j, changed, err := a.service.RegisterJob(a.orgFrom(r, req.OrgID), req.Name, req.Pipeline)
	if err != nil {
		a.errorAdapter.WriteError(w, r, err)
		return
	}
	status := http.StatusOK
	if changed {
		status = http.StatusCreated
	}
	writeJSON(w, status, responses.JobResponse{Job: j, Changed: changed})
}

func (a *API) handleJobList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, responses.JobListResponse{Jobs: a.service.Jobs(a.orgFrom(r, ""))})
}

func (a *API) handleJobDelete(w http.ResponseWriter, r *http.Request) {
	a.service.DeleteJob(a.orgFrom(r, ""), r.PathValue("job"))
	writeJSON(w, http.StatusOK, responses.OKResponse{Status: "deleted"})
}

// triggerRequest tunes one manual build trigger.
type triggerRequest struct {
	Parameters map[string]string `json:"parameters,omitempty"`
	Labels     []string          `json:"labels,omitempty"`
	CPUCount   int               `json:"cpu_count,omitempty"`
}

func (a *API) handleBuildTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			a.errorAdapter.WriteError(w, r, err)
			return
		}
	}
	dec, err := a.service.Trigger(r.Context(), a.orgFrom(r, ""), r.PathValue("job"),
		req.Parameters, build.TriggerManual,
		agent.Request{Labels: req.Labels, CPUCount: req.CPUCount})
	if err != nil {
		a.errorAdapter.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, responses.TriggerResponse{
		BuildID: dec.Build.ID,
		Number:  dec.Build.Number,
		Mode:    string(dec.Mode),
		AgentID: dec.AgentID,
		Build:   dec.Build,
	})
}

func (a *API) handleBuildList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, responses.BuildListResponse{Builds: a.service.Recent()})
}

func (a *API) handleBuildStatus(w http.ResponseWriter, r *http.Request) {
	summary, live, err := a.service.Build(r.PathValue("id"))
	if err != nil {
		a.errorAdapter.WriteError(w, r, err)
		return
	}
	if live != nil {
		writeJSON(w, http.StatusOK, live)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleBuildCancel(w http.ResponseWriter, r *http.Request) {
	if err := a.service.Cancel(r.PathValue("id")); err != nil {
		a.errorAdapter.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, responses.OKResponse{Status: "cancelling"})
}

func (a *API) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	var req agent.Agent
	if err := decodeBody(r, &req); err != nil {
		a.errorAdapter.WriteError(w, r, err)
		return
	}
	if err := a.agents.Register(req); err != nil {
		a.errorAdapter.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, responses.OKResponse{Status: "registered"})
}

func (a *API) handleAgentDeregister(w http.ResponseWriter, r *http.Request) {
	a.agents.Deregister(r.PathValue("id"))
	writeJSON(w, http.StatusOK, responses.OKResponse{Status: "deregistered"})
}

func (a *API) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.agents.Heartbeat(id, time.Now()); err != nil {
		a.errorAdapter.WriteError(w, r, err)
		return
	}
	// The body is optional; when present it carries the agent's own count of
	// running builds, which resyncs capacity freed by finished builds.
	var hb struct {
		ActiveBuilds *int `json:"active_builds"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&hb); err == nil && hb.ActiveBuilds != nil {
		if err := a.agents.SyncBuilds(id, *hb.ActiveBuilds); err != nil {
			a.errorAdapter.WriteError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, responses.OKResponse{Status: "ok"})
}

func (a *API) handleAgentList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, responses.AgentListResponse{Agents: a.agents.List()})
}

// orgFrom picks the org for a request: explicit body value, then the ?org
// query parameter, then the server default.
func (a *API) orgFrom(r *http.Request, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if org := r.URL.Query().Get("org"); org != "" {
		return org
	}
	return a.defaultOrg
}

func decodeBody(r *http.Request, into any) error {
	body := io.LimitReader(r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(into); err != nil {
		return derrors.ValidationError("request body is not valid JSON").
			WithCause(err).
			Build()
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
