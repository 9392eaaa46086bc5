package agentd

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ServerClient is the agent's HTTP client for the control plane
// (spec.md §6): register/heartbeat/commands/ingest, all bearer-token
// authenticated over TLS.
type ServerClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewServerClient(cfg *Config) *ServerClient {
	transport := &http.Transport{}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &ServerClient{
		baseURL: strings.TrimRight(cfg.ServerURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: 60 * time.Second, Transport: transport},
	}
}

func (c *ServerClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
	}
	return nil
}

// PushDiscovery posts discovery scan results.
func (c *ServerClient) PushDiscovery(ctx context.Context, payload map[string]interface{}) error {
	return c.do(ctx, http.MethodPost, "/api/ingest/discovery", payload, nil)
}

// PushShield posts Shield scan results.
func (c *ServerClient) PushShield(ctx context.Context, payload map[string]interface{}) error {
	return c.do(ctx, http.MethodPost, "/api/ingest/shield", payload, nil)
}

type heartbeatResponse struct {
	Status          string `json:"status"`
	PendingCommands int    `json:"pending_commands"`
}

// Heartbeat posts agent liveness and returns how many commands are
// waiting to be fetched.
func (c *ServerClient) Heartbeat(ctx context.Context, agentID string) (int, error) {
	var resp heartbeatResponse
	if err := c.do(ctx, http.MethodPost, "/api/agents/"+agentID+"/heartbeat",
		map[string]string{"status": "online"}, &resp); err != nil {
		return 0, err
	}
	return resp.PendingCommands, nil
}

type commandPayload struct {
	ID      string                 `json:"id"`
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// PollCommands fetches pending commands for agentID.
func (c *ServerClient) PollCommands(ctx context.Context, agentID string) ([]commandPayload, error) {
	var cmds []commandPayload
	if err := c.do(ctx, http.MethodGet, "/api/agents/"+agentID+"/commands", nil, &cmds); err != nil {
		return nil, err
	}
	return cmds, nil
}

// RegisterResponse is what POST /api/agents/register returns.
type RegisterResponse struct {
	AgentID string `json:"agent_id"`
	Token   string `json:"token"`
}

// Register performs the one-time agent registration call (spec.md
// §6): no token exists yet, so it is not a ServerClient method — the
// registration secret (if any) is sent as the bearer token instead.
func Register(ctx context.Context, serverURL, registrationSecret, siteID, hostname string) (RegisterResponse, error) {
	body, err := json.Marshal(map[string]string{"site_id": siteID, "hostname": hostname})
	if err != nil {
		return RegisterResponse{}, fmt.Errorf("marshal registration request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(serverURL, "/")+"/api/agents/register", bytes.NewReader(body))
	if err != nil {
		return RegisterResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if registrationSecret != "" {
		req.Header.Set("Authorization", "Bearer "+registrationSecret)
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return RegisterResponse{}, fmt.Errorf("register: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return RegisterResponse{}, fmt.Errorf("register: HTTP %d", resp.StatusCode)
	}
	var out RegisterResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return RegisterResponse{}, fmt.Errorf("decode registration response: %w", err)
	}
	return out, nil
}

// PatchCommand reports a command's outcome back to the server.
func (c *ServerClient) PatchCommand(ctx context.Context, cmdID, status string, result map[string]interface{}, errMsg string) error {
	body := map[string]interface{}{"status": status}
	if result != nil {
		body["result"] = result
	}
	if errMsg != "" {
		body["error"] = errMsg
	}
	return c.do(ctx, http.MethodPatch, "/api/commands/"+cmdID, body, nil)
}
