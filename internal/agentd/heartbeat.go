package agentd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/chengis/chengis/internal/agent"
	derrors "github.com/chengis/chengis/internal/foundation/errors"
	"github.com/chengis/chengis/internal/logfields"
)

// RegisterWithServer announces this agent to the coordinator.
func (d *Daemon) RegisterWithServer(ctx context.Context) error {
	record := agent.Agent{
		ID:        d.cfg.ID,
		Endpoint:  d.cfg.Endpoint,
		Labels:    d.cfg.Labels,
		OrgID:     d.cfg.OrgID,
		MaxBuilds: d.cfg.MaxBuilds,
		CPUCount:  d.cfg.CPUCount,
	}
	body, err := json.Marshal(record)
	if err != nil {
		return derrors.InternalError("agent record marshaling failed").WithCause(err).Build()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		d.cfg.ServerURL+"/api/v1/agents", bytes.NewReader(body))
	if err != nil {
		return derrors.NetworkError("registration request construction failed").WithCause(err).Build()
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return derrors.NetworkError("coordinator unreachable").WithCause(err).Build()
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return derrors.NetworkError("registration rejected").
			WithContext("http-status", resp.StatusCode).
			Build()
	}
	d.logger.Info("registered with coordinator", logfields.AgentID(d.cfg.ID))
	return nil
}

// Heartbeat starts the heartbeat loop. A heartbeat the coordinator does not
// recognize triggers re-registration, which covers coordinator restarts.
func (d *Daemon) Heartbeat(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.sendHeartbeat(ctx); err != nil {
				d.logger.Warn("heartbeat failed, re-registering",
					logfields.AgentID(d.cfg.ID),
					logfields.Error(err),
				)
				if err := d.RegisterWithServer(ctx); err != nil {
					d.logger.Error("re-registration failed", logfields.Error(err))
				}
			}
		}
	}
}

// heartbeatBody reports the agent's live load; the coordinator resyncs its
// capacity counter from it.
type heartbeatBody struct {
	ActiveBuilds int `json:"active_builds"`
}

func (d *Daemon) sendHeartbeat(ctx context.Context) error {
	body, err := json.Marshal(heartbeatBody{ActiveBuilds: d.ActiveBuilds()})
	if err != nil {
		return derrors.InternalError("heartbeat marshaling failed").WithCause(err).Build()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		d.cfg.ServerURL+"/api/v1/agents/"+d.cfg.ID+"/heartbeat", bytes.NewReader(body))
	if err != nil {
		return derrors.NetworkError("heartbeat request construction failed").WithCause(err).Build()
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return derrors.NetworkError("coordinator unreachable").WithCause(err).Build()
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return derrors.NetworkError("heartbeat rejected").
			WithContext("http-status", resp.StatusCode).
			Build()
	}
	return nil
}
