package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/bigr-shield/sentinel/internal/shield"
)

type startScanRequest struct {
	Target      string      `json:"target"`
	TargetType  string      `json:"target_type,omitempty"`
	Depth       string      `json:"depth,omitempty"`
	Sensitivity string      `json:"sensitivity,omitempty"`
	Modules     []string    `json:"modules,omitempty"`
	Port        int         `json:"port,omitempty"`
}

// handleStartShieldScan implements POST /api/shield/scan (spec.md
// §4.1): the scan is created, queued, and returned immediately while
// its modules run in the background; the caller polls
// /api/shield/scan/{id} for the result.
func (a *API) handleStartShieldScan(w http.ResponseWriter, r *http.Request) {
	var req startScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.Target == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "target is required"})
		return
	}

	targetType := shield.TargetIP
	if req.TargetType != "" {
		targetType = shield.TargetType(req.TargetType)
	}
	depth := shield.DepthStandard
	if req.Depth != "" {
		depth = shield.Depth(req.Depth)
	}
	sensitivity := shield.Sensitivity(req.Sensitivity)
	port := req.Port
	if port == 0 {
		port = 443
	}

	sc := a.Orchestrator.CreateScan(req.Target, targetType, depth, sensitivity, req.Modules)
	a.scans.put(sc)

	if err := a.Store.CreateShieldScan(r.Context(), *sc); err != nil {
		log.Printf("[httpapi] ERROR persisting queued scan %s: %v", sc.ID, err)
	}

	go a.runShieldScan(sc, port)

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"scan_id": sc.ID,
		"status":  sc.Status,
	})
}

// runShieldScan runs in its own goroutine, detached from the request
// that started it, so the HTTP handler can return 202 immediately.
func (a *API) runShieldScan(sc *shield.Scan, port int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := a.Orchestrator.Run(ctx, sc, port); err != nil {
		log.Printf("[httpapi] shield scan %s finished with error: %v", sc.ID, err)
	}
	a.scans.put(sc)

	if len(sc.Findings) > 0 {
		if err := a.Store.InsertShieldFindings(ctx, sc.Findings); err != nil {
			log.Printf("[httpapi] ERROR persisting findings for scan %s: %v", sc.ID, err)
		}
	}
	if err := a.Store.CompleteShieldScan(ctx, *sc); err != nil {
		log.Printf("[httpapi] ERROR completing scan %s: %v", sc.ID, err)
	}
}

// handleGetShieldScan implements GET /api/shield/scan/{id}: the
// in-memory table is checked first so a poller sees "running" before
// the completed row exists in storage, then falls back to the store
// for scans from a prior process lifetime.
func (a *API) handleGetShieldScan(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if sc, ok := a.scans.get(id); ok {
		writeJSON(w, http.StatusOK, sc)
		return
	}

	sc, err := a.Store.ShieldScanByID(r.Context(), id)
	if err != nil {
		log.Printf("[httpapi] ERROR loading scan %s: %v", id, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		return
	}
	if sc == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "scan not found"})
		return
	}
	writeJSON(w, http.StatusOK, sc)
}
