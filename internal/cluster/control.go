package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/mtzanidakis/conclave/internal/natsbus"
	"github.com/nats-io/nats.go"
)

// ControlRequest is a command sent to a running gateway over NATS.
type ControlRequest struct {
	Type   string `json:"type"` // kill, status, list, export
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type ControlResponse struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	Cluster  *Info  `json:"cluster,omitempty"`
	Clusters []Info `json:"clusters,omitempty"`
	Markdown string `json:"markdown,omitempty"`
}

const controlTimeout = 30 * time.Second

// ServeControl answers control requests on natsbus.TopicControl.
func (o *Orchestrator) ServeControl(client *natsbus.Client) (*nats.Subscription, error) {
	return client.Subscribe(natsbus.TopicControl, o.handleControl)
}

func (o *Orchestrator) handleControl(msg *nats.Msg) {
	var req ControlRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		slog.Warn("invalid control request", "error", err)
		respondControl(msg, ControlResponse{Error: "invalid request"})
		return
	}

	slog.Info("control request received", "type", req.Type, "cluster", req.ID)

	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	respondControl(msg, o.control(ctx, req))
}

func (o *Orchestrator) control(ctx context.Context, req ControlRequest) ControlResponse {
	switch req.Type {
	case "kill":
		if err := o.Kill(ctx, req.ID, req.Reason); err != nil {
			return ControlResponse{Error: err.Error()}
		}
		info, err := o.Info(ctx, req.ID)
		if err != nil {
			return ControlResponse{Error: err.Error()}
		}
		return ControlResponse{OK: true, Cluster: &info}

	case "status":
		info, err := o.Info(ctx, req.ID)
		if err != nil {
			return ControlResponse{Error: err.Error()}
		}
		return ControlResponse{OK: true, Cluster: &info}

	case "list":
		infos, err := o.List(ctx)
		if err != nil {
			return ControlResponse{Error: err.Error()}
		}
		return ControlResponse{OK: true, Clusters: infos}

	case "export":
		md, err := o.Export(ctx, req.ID)
		if err != nil {
			return ControlResponse{Error: err.Error()}
		}
		return ControlResponse{OK: true, Markdown: md}
	}
	return ControlResponse{Error: "unknown command: " + req.Type}
}

func respondControl(msg *nats.Msg, resp ControlResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal control response", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Error("failed to respond to control request", "error", err)
	}
}

// SendControl sends req to the gateway behind client and returns its reply.
func SendControl(client *natsbus.Client, req ControlRequest) (*ControlResponse, error) {
	var resp ControlResponse
	if err := client.RequestJSON(natsbus.TopicControl, req, &resp, controlTimeout); err != nil {
		return nil, err
	}
	if !resp.OK {
		return &resp, errors.New(resp.Error)
	}
	return &resp, nil
}
