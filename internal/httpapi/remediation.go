package httpapi

import (
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

func (a *API) handleAssetPlan(w http.ResponseWriter, r *http.Request) {
	ip := mux.Vars(r)["ip"]
	plan, err := a.Remediation.GeneratePlan(r.Context(), ip)
	if err != nil {
		log.Printf("[httpapi] ERROR generating remediation plan for %s: %v", ip, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "plan generation failed"})
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (a *API) handleNetworkPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := a.Remediation.GenerateNetworkPlan(r.Context())
	if err != nil {
		log.Printf("[httpapi] ERROR generating network remediation plan: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "plan generation failed"})
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (a *API) handleExecuteAction(w http.ResponseWriter, r *http.Request) {
	actionID := mux.Vars(r)["action_id"]
	result, err := a.Remediation.Execute(r.Context(), actionID)
	if err != nil {
		log.Printf("[httpapi] ERROR executing remediation action %s: %v", actionID, err)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleRemediationHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	entries, err := a.Remediation.History(r.Context(), limit)
	if err != nil {
		log.Printf("[httpapi] ERROR loading remediation history: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "history failed"})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) handleDeadManStatus(w http.ResponseWriter, r *http.Request) {
	if agentID := r.URL.Query().Get("agent_id"); agentID != "" {
		status, err := a.DeadMan.GetStatus(r.Context(), agentID)
		if err != nil {
			log.Printf("[httpapi] ERROR checking dead-man status for %s: %v", agentID, err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "status check failed"})
			return
		}
		if status == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
			return
		}
		writeJSON(w, http.StatusOK, status)
		return
	}

	statuses, err := a.DeadMan.CheckAgents(r.Context())
	if err != nil {
		log.Printf("[httpapi] ERROR checking dead-man status for all agents: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "status check failed"})
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}
