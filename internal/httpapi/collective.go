package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/bigr-shield/sentinel/internal/collective"
)

type submitSignalRequest struct {
	SubnetHash string  `json:"subnet_hash"`
	SignalType string  `json:"signal_type"`
	Severity   float64 `json:"severity"`
	Port       *int    `json:"port,omitempty"`
	AgentHash  string  `json:"agent_hash"`
}

func (a *API) handleSubmitSignal(w http.ResponseWriter, r *http.Request) {
	var req submitSignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.SubnetHash == "" || req.SignalType == "" || req.AgentHash == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "subnet_hash, signal_type, and agent_hash are required"})
		return
	}

	result, err := a.Collective.SubmitSignal(r.Context(), collective.ThreatSignal{
		SubnetHash: req.SubnetHash,
		SignalType: req.SignalType,
		Severity:   req.Severity,
		Port:       req.Port,
		Timestamp:  time.Now().UTC(),
		AgentHash:  req.AgentHash,
	})
	if err != nil {
		log.Printf("[httpapi] ERROR submitting collective signal: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "submit failed"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleCommunityThreats(w http.ResponseWriter, r *http.Request) {
	minConfidence := 0.5
	if v := r.URL.Query().Get("min_confidence"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			minConfidence = parsed
		}
	}
	reports, err := a.Collective.GetCommunityThreats(r.Context(), minConfidence)
	if err != nil {
		log.Printf("[httpapi] ERROR loading community threats: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "load failed"})
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

func (a *API) handleCollectiveFeed(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	reports, err := a.Collective.GetFeed(r.Context(), limit)
	if err != nil {
		log.Printf("[httpapi] ERROR loading collective feed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "load failed"})
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

func (a *API) handleCollectiveStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.Collective.GetStats(r.Context())
	if err != nil {
		log.Printf("[httpapi] ERROR computing collective stats: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "stats failed"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleContributionStatus(w http.ResponseWriter, r *http.Request) {
	agentHash := mux.Vars(r)["agent_hash"]
	status, err := a.Collective.GetContributionStatus(r.Context(), agentHash)
	if err != nil {
		log.Printf("[httpapi] ERROR loading contribution status for %s: %v", agentHash, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		return
	}
	writeJSON(w, http.StatusOK, status)
}
