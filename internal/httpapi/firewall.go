package httpapi

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/bigr-shield/sentinel/internal/firewall"
)

func (a *API) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := a.Store.ActiveRules(r.Context())
	if err != nil {
		log.Printf("[httpapi] ERROR listing firewall rules: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list failed"})
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

type addRuleRequest struct {
	Type   string `json:"rule_type"`
	Target string `json:"target"`
	Reason string `json:"reason,omitempty"`
}

func (a *API) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var req addRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.Type == "" || req.Target == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "rule_type and target are required"})
		return
	}
	rule := firewall.NewRule(firewall.RuleType(req.Type), req.Target, req.Reason, "manual")
	if err := a.Firewall.AddRule(r.Context(), rule); err != nil {
		log.Printf("[httpapi] ERROR adding firewall rule: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "add rule failed"})
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (a *API) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.Firewall.RemoveRule(r.Context(), id); err != nil {
		log.Printf("[httpapi] ERROR deactivating firewall rule %s: %v", id, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "delete rule failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleSyncPorts(w http.ResponseWriter, r *http.Request) {
	created, err := a.Firewall.SyncHighRiskPortRules(r.Context())
	if err != nil {
		log.Printf("[httpapi] ERROR syncing high-risk port rules: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "sync failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"rules_created": created})
}

func (a *API) handleSyncThreats(w http.ResponseWriter, r *http.Request) {
	indicators, err := a.Store.ThreatIndicators(r.Context())
	if err != nil {
		log.Printf("[httpapi] ERROR loading threat indicators: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "sync failed"})
		return
	}
	created, err := a.Firewall.SyncThreatRules(r.Context(), indicators)
	if err != nil {
		log.Printf("[httpapi] ERROR syncing threat rules: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "sync failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"rules_created": created})
}
