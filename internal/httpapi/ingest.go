package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/bigr-shield/sentinel/internal/control"
	"github.com/bigr-shield/sentinel/internal/idgen"
	"github.com/bigr-shield/sentinel/internal/shield"
	"github.com/bigr-shield/sentinel/internal/store"
)

type ingestAssetPayload struct {
	IP         string  `json:"ip"`
	MAC        string  `json:"mac,omitempty"`
	Hostname   string  `json:"hostname,omitempty"`
	Vendor     string  `json:"vendor,omitempty"`
	OSHint     string  `json:"os_hint,omitempty"`
	Category   string  `json:"bigr_category,omitempty"`
	Confidence float64 `json:"confidence_score,omitempty"`
	OpenPorts  []int   `json:"open_ports,omitempty"`
}

type ingestDiscoveryRequest struct {
	Target          string                `json:"target"`
	ScanMethod      string                `json:"scan_method"`
	StartedAt       time.Time             `json:"started_at"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`
	IsRoot          bool                  `json:"is_root"`
	Assets          []ingestAssetPayload  `json:"assets"`
	NetworkFingerprint map[string]interface{} `json:"network_fingerprint,omitempty"`
}

// handleIngestDiscovery implements POST /api/ingest/discovery
// (spec.md §6): one Scan row, one upserted Asset + ScanAsset per
// reported device, tagged with the authenticated agent's id and site.
// The write is all-or-nothing: a failure partway through does not leave
// a partially applied scan registered as complete.
func (a *API) handleIngestDiscovery(w http.ResponseWriter, r *http.Request, agent *control.Agent) {
	var req ingestDiscoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.Target == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "target is required"})
		return
	}

	var scanID string
	err := a.Store.WithTx(r.Context(), func(ctx context.Context) error {
		var err error
		scanID, err = a.Store.CreateScan(ctx, store.Scan{
			Target:      req.Target,
			Method:      req.ScanMethod,
			StartedAt:   req.StartedAt,
			CompletedAt: req.CompletedAt,
			AgentID:     agent.ID,
			Site:        agent.SiteID,
		})
		if err != nil {
			return fmt.Errorf("create scan: %w", err)
		}

		for _, ap := range req.Assets {
			assetID, err := a.Store.UpsertAsset(ctx, scanID, store.Asset{
				IP:         ap.IP,
				MAC:        ap.MAC,
				Hostname:   ap.Hostname,
				Vendor:     ap.Vendor,
				OSHint:     ap.OSHint,
				Category:   ap.Category,
				Confidence: ap.Confidence,
				ScanMethod: req.ScanMethod,
				AgentID:    agent.ID,
				Site:       agent.SiteID,
			})
			if err != nil {
				return fmt.Errorf("upsert asset %s: %w", ap.IP, err)
			}
			if err := a.Store.UpsertScanAsset(ctx, store.ScanAsset{
				ScanID:     scanID,
				AssetID:    assetID,
				OpenPorts:  ap.OpenPorts,
				Confidence: ap.Confidence,
				Category:   ap.Category,
			}); err != nil {
				return fmt.Errorf("record scan asset %s: %w", ap.IP, err)
			}
		}

		if err := a.Store.CompleteScan(ctx, scanID, len(req.Assets)); err != nil {
			return fmt.Errorf("complete scan: %w", err)
		}
		return nil
	})
	if err != nil {
		log.Printf("[httpapi] ERROR ingesting discovery scan for agent %s: %v", agent.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "ingest failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"scan_id":         scanID,
		"assets_ingested": len(req.Assets),
	})
}

type ingestShieldRequest struct {
	Target      string           `json:"target"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	ModulesRun  []string         `json:"modules_run"`
	Findings    []shield.Finding `json:"findings"`
}

// handleIngestShield implements POST /api/ingest/shield (spec.md §6):
// writes one ShieldScan and N ShieldFindings, linked to the
// authenticated agent.
func (a *API) handleIngestShield(w http.ResponseWriter, r *http.Request, agent *control.Agent) {
	var req ingestShieldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.Target == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "target is required"})
		return
	}

	sc := shield.Scan{
		ID:             idgen.ShieldScanID(),
		Target:         req.Target,
		TargetType:     shield.TargetIP,
		Status:         shield.StatusCompleted,
		ModulesEnabled: req.ModulesRun,
		StartedAt:      &req.StartedAt,
		CompletedAt:    req.CompletedAt,
		AgentID:        agent.ID,
	}
	for i := range req.Findings {
		req.Findings[i].ScanID = sc.ID
	}
	sc.TotalChecks = len(req.Findings)

	err := a.Store.WithTx(r.Context(), func(ctx context.Context) error {
		if err := a.Store.CreateShieldScan(ctx, sc); err != nil {
			return fmt.Errorf("create shield scan: %w", err)
		}
		if len(req.Findings) > 0 {
			if err := a.Store.InsertShieldFindings(ctx, req.Findings); err != nil {
				return fmt.Errorf("insert findings: %w", err)
			}
		}
		if err := a.Store.CompleteShieldScan(ctx, sc); err != nil {
			return fmt.Errorf("complete shield scan: %w", err)
		}
		return nil
	})
	if err != nil {
		log.Printf("[httpapi] ERROR ingesting shield scan for agent %s: %v", agent.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "ingest failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"scan_id":         sc.ID,
		"findings_ingested": len(req.Findings),
	})
}
