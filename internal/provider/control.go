package provider

import (
	"encoding/json"
	"fmt"
)

// ControlRequest is the application-layer control-channel envelope of
// spec.md §6: {"kind": ..., "payload": ...} -> {"kind", "ok", "payload",
// "error"}. The wire shape is left unspecified by spec.md itself (an
// interface only); this concrete envelope is filled in here since nothing
// else in the repository depends on it being any particular shape.
type ControlRequest struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ControlResponse answers a ControlRequest.
type ControlResponse struct {
	Kind    string          `json:"kind"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// dnsHistoryEntry is one row of the dnsHistory control response.
type dnsHistoryEntry struct {
	IP   string `json:"ip"`
	Host string `json:"host"`
}

type installHostRuleRequest struct {
	Host string `json:"host"`
}

type removeHostRuleRequest struct {
	Host string `json:"host"`
}

// HandleControl dispatches req to the matching engine operation and
// returns the response to hand back to the host's control channel.
func (c *Controller) HandleControl(req ControlRequest) ControlResponse {
	switch req.Kind {
	case "dnsHistory":
		return c.handleDNSHistory(req)
	case "installHostRules":
		return c.handleInstallHostRule(req)
	case "removeHostRule":
		return c.handleRemoveHostRule(req)
	case "telemetryDrain":
		return c.handleTelemetryDrain(req)
	default:
		return errorResponse(req.Kind, fmt.Errorf("unrecognised control kind %q", req.Kind))
	}
}

func (c *Controller) handleDNSHistory(req ControlRequest) ControlResponse {
	entries := c.forwardHost.Entries()
	out := make([]dnsHistoryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, dnsHistoryEntry{IP: e.IP, Host: e.Host})
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return errorResponse(req.Kind, err)
	}
	return ControlResponse{Kind: req.Kind, OK: true, Payload: payload}
}

func (c *Controller) handleInstallHostRule(req ControlRequest) ControlResponse {
	var body installHostRuleRequest
	if err := json.Unmarshal(req.Payload, &body); err != nil {
		return errorResponse(req.Kind, err)
	}
	c.addBlockedHost(body.Host)
	return ControlResponse{Kind: req.Kind, OK: true}
}

func (c *Controller) handleRemoveHostRule(req ControlRequest) ControlResponse {
	var body removeHostRuleRequest
	if err := json.Unmarshal(req.Payload, &body); err != nil {
		return errorResponse(req.Kind, err)
	}
	c.removeBlockedHost(body.Host)
	return ControlResponse{Kind: req.Kind, OK: true}
}

func (c *Controller) handleTelemetryDrain(req ControlRequest) ControlResponse {
	snap := c.metrics.Snapshot()
	payload, err := json.Marshal(snap)
	if err != nil {
		return errorResponse(req.Kind, err)
	}
	return ControlResponse{Kind: req.Kind, OK: true, Payload: payload}
}

func errorResponse(kind string, err error) ControlResponse {
	return ControlResponse{Kind: kind, OK: false, Error: err.Error()}
}
