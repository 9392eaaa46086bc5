package control

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

// RegistrationStore persists newly registered agents and heartbeats.
// Implemented by internal/store against Postgres or SQLite.
type RegistrationStore interface {
	RegisterAgent(ctx context.Context, siteID, hostname, tokenHash string) (*Agent, error)
	Heartbeat(ctx context.Context, agentID string, reportedAt time.Time) error
	ListAgents(ctx context.Context, siteID string) ([]Agent, error)
}

// API bundles the control-plane dependencies and exposes HTTP handlers.
// RegistrationSecret, when non-empty, must be presented as the bearer
// token on /register (spec.md §6). It is the only secret /register
// checks; there is no per-site or per-agent registration secret.
type API struct {
	Auth              *Authenticator
	Commands          *CommandQueue
	RateLimiter        *IngestRateLimiter
	RegistrationSecret string
	Reg               RegistrationStore
}

// withAuth validates the bearer token before delegating, and applies
// the ingest rate limiter keyed on the token's hash.
func (a *API) withAuth(next func(http.ResponseWriter, *http.Request, *Agent)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		agent, err := a.Auth.Verify(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or revoked agent token"})
			return
		}
		if a.RateLimiter != nil && !a.RateLimiter.Allow(HashToken(token)) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next(w, r, agent)
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(auth, "Bearer ")
}

type registerRequest struct {
	SiteID   string `json:"site_id"`
	Hostname string `json:"hostname"`
}

type registerResponse struct {
	AgentID string `json:"agent_id"`
	Token   string `json:"token"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if a.RegistrationSecret != "" && !constantTimeEqual(bearerToken(r), a.RegistrationSecret) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid registration secret"})
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.SiteID == "" || req.Hostname == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "site_id and hostname are required"})
		return
	}

	token, err := GenerateToken()
	if err != nil {
		log.Printf("[control] ERROR generating token for %s/%s: %v", req.SiteID, req.Hostname, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "registration failed"})
		return
	}

	agent, err := a.Reg.RegisterAgent(r.Context(), req.SiteID, req.Hostname, HashToken(token))
	if err != nil {
		log.Printf("[control] ERROR registering %s/%s: %v", req.SiteID, req.Hostname, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "registration failed"})
		return
	}

	log.Printf("[control] registered agent %s (%s/%s)", agent.ID, req.SiteID, req.Hostname)
	writeJSON(w, http.StatusCreated, registerResponse{AgentID: agent.ID, Token: token})
}

func (a *API) handleRotateToken(w http.ResponseWriter, r *http.Request, agent *Agent) {
	id := mux.Vars(r)["id"]
	if id != agent.ID {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "token does not authorize this agent"})
		return
	}
	token, err := a.Auth.RotateToken(r.Context(), agent.ID)
	if err != nil {
		log.Printf("[control] ERROR rotating token for %s: %v", agent.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "rotation failed"})
		return
	}
	writeJSON(w, http.StatusOK, registerResponse{AgentID: agent.ID, Token: token})
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request, agent *Agent) {
	id := mux.Vars(r)["id"]
	if id != agent.ID {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "token does not authorize this agent"})
		return
	}
	if err := a.Reg.Heartbeat(r.Context(), agent.ID, time.Now().UTC()); err != nil {
		log.Printf("[control] ERROR heartbeat for %s: %v", agent.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "heartbeat failed"})
		return
	}
	pending := 0
	if cmds, err := a.Commands.store.PendingCommands(r.Context(), agent.ID); err == nil {
		for _, c := range cmds {
			if c.Status == CommandPending {
				pending++
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "pending_commands": pending})
}

func (a *API) handleListAgents(w http.ResponseWriter, r *http.Request, _ *Agent) {
	siteID := r.URL.Query().Get("site_id")
	agents, err := a.Reg.ListAgents(r.Context(), siteID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list failed"})
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

type enqueueRequest struct {
	Type    CommandType            `json:"type"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

func (a *API) handleEnqueueCommand(w http.ResponseWriter, r *http.Request, _ *Agent) {
	targetID := mux.Vars(r)["id"]
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	cmd, err := a.Commands.Enqueue(r.Context(), targetID, req.Type, req.Payload)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "enqueue failed"})
		return
	}
	writeJSON(w, http.StatusAccepted, cmd)
}

func (a *API) handlePollCommands(w http.ResponseWriter, r *http.Request, agent *Agent) {
	id := mux.Vars(r)["id"]
	if id != agent.ID {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "token does not authorize this agent"})
		return
	}
	cmds, err := a.Commands.Poll(r.Context(), agent.ID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "poll failed"})
		return
	}
	writeJSON(w, http.StatusOK, cmds)
}

type patchCommandRequest struct {
	Status CommandStatus          `json:"status"`
	Result map[string]interface{} `json:"result,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

func (a *API) handlePatchCommand(w http.ResponseWriter, r *http.Request, _ *Agent) {
	cmdID := mux.Vars(r)["id"]
	var req patchCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if err := a.Commands.Patch(r.Context(), cmdID, req.Status, req.Result, req.Error); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[control] ERROR encoding response: %v", err)
	}
}
