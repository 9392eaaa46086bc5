// Package httpapi assembles the operator- and agent-facing HTTP
// surface (spec.md §6) on top of the domain packages: shield scan
// lifecycle, firewall rule CRUD and sync jobs, collective signal
// submission, remediation planning, and the dead-man-switch audit. It
// mounts internal/control's agent-facing router alongside its own
// routes on one shared gorilla/mux router, grounded on the teacher's
// checkin.RegisterRoutes pattern.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/bigr-shield/sentinel/internal/collective"
	"github.com/bigr-shield/sentinel/internal/control"
	"github.com/bigr-shield/sentinel/internal/firewall"
	"github.com/bigr-shield/sentinel/internal/remediation"
	"github.com/bigr-shield/sentinel/internal/shield"
	"github.com/bigr-shield/sentinel/internal/shield/modules"
	"github.com/bigr-shield/sentinel/internal/store"
)

// IngestStore is the persistence seam the ingest handlers need:
// discovery scan/asset bookkeeping and Shield scan/finding storage.
type IngestStore interface {
	// WithTx runs fn with a transaction active on the context it's
	// given; every store call fn makes with that context commits or
	// rolls back together, so handleIngestDiscovery/handleIngestShield
	// never leave a half-written scan behind.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	CreateScan(ctx context.Context, sc store.Scan) (string, error)
	CompleteScan(ctx context.Context, scanID string, totalAssets int) error
	UpsertAsset(ctx context.Context, scanID string, a store.Asset) (string, error)
	UpsertScanAsset(ctx context.Context, sa store.ScanAsset) error

	CreateShieldScan(ctx context.Context, sc shield.Scan) error
	InsertShieldFindings(ctx context.Context, findings []shield.Finding) error
	CompleteShieldScan(ctx context.Context, sc shield.Scan) error
	ShieldScanByID(ctx context.Context, id string) (*shield.Scan, error)

	// ThreatIndicators feeds handleSyncThreats — firewall.RuleStore
	// doesn't expose it since the engine itself never reads indicators
	// directly, only the rules Service.SyncThreatRules derives from them.
	ThreatIndicators(ctx context.Context) ([]firewall.ThreatIndicator, error)
	// ActiveRules backs handleListRules; Firewall.Service keeps this
	// behind its own RuleStore seam, but the HTTP layer needs the raw
	// list for display, not just the engine's aggregate Stats.
	ActiveRules(ctx context.Context) ([]firewall.Rule, error)
}

// API bundles every domain service the HTTP layer dispatches to.
type API struct {
	Control      *control.API
	Store        IngestStore
	Firewall     *firewall.Service
	Collective   *collective.Engine
	Remediation  *remediation.Engine
	DeadMan      *remediation.DeadManSwitch
	Orchestrator *shield.Orchestrator
	Registry     *modules.Registry

	scans *scanTable
}

// NewAPI wires the bundle and initializes the in-memory scan table the
// async Shield scan handler uses to track in-flight runs.
func NewAPI(ctl *control.API, st IngestStore, fw *firewall.Service, coll *collective.Engine,
	rem *remediation.Engine, dm *remediation.DeadManSwitch, orch *shield.Orchestrator, reg *modules.Registry) *API {
	return &API{
		Control:      ctl,
		Store:        st,
		Firewall:     fw,
		Collective:   coll,
		Remediation:  rem,
		DeadMan:      dm,
		Orchestrator: orch,
		Registry:     reg,
		scans:        newScanTable(),
	}
}

// NewRouter builds the full HTTP surface: the agent control plane from
// internal/control plus this package's operator- and ingest-facing
// routes, sharing one *mux.Router.
func (a *API) NewRouter() *mux.Router {
	r := mux.NewRouter()
	a.Control.RegisterRoutes(r)

	r.HandleFunc("/api/ingest/discovery", a.Control.WithAuth(a.handleIngestDiscovery)).Methods(http.MethodPost)
	r.HandleFunc("/api/ingest/shield", a.Control.WithAuth(a.handleIngestShield)).Methods(http.MethodPost)

	r.HandleFunc("/api/shield/scan", a.handleStartShieldScan).Methods(http.MethodPost)
	r.HandleFunc("/api/shield/scan/{id}", a.handleGetShieldScan).Methods(http.MethodGet)

	r.HandleFunc("/api/firewall/rules", a.handleListRules).Methods(http.MethodGet)
	r.HandleFunc("/api/firewall/rules", a.handleAddRule).Methods(http.MethodPut, http.MethodPost)
	r.HandleFunc("/api/firewall/rules/{id}", a.handleDeleteRule).Methods(http.MethodDelete)
	r.HandleFunc("/api/firewall/sync/ports", a.handleSyncPorts).Methods(http.MethodPost)
	r.HandleFunc("/api/firewall/sync/threats", a.handleSyncThreats).Methods(http.MethodPost)

	r.HandleFunc("/api/collective/signal", a.handleSubmitSignal).Methods(http.MethodPost)
	r.HandleFunc("/api/collective/threats", a.handleCommunityThreats).Methods(http.MethodGet)
	r.HandleFunc("/api/collective/feed", a.handleCollectiveFeed).Methods(http.MethodGet)
	r.HandleFunc("/api/collective/stats", a.handleCollectiveStats).Methods(http.MethodGet)
	r.HandleFunc("/api/collective/contribution/{agent_hash}", a.handleContributionStatus).Methods(http.MethodGet)

	r.HandleFunc("/api/remediation/plan/{ip}", a.handleAssetPlan).Methods(http.MethodGet)
	r.HandleFunc("/api/remediation/plan", a.handleNetworkPlan).Methods(http.MethodGet)
	r.HandleFunc("/api/remediation/execute/{action_id}", a.handleExecuteAction).Methods(http.MethodPost)
	r.HandleFunc("/api/remediation/history", a.handleRemediationHistory).Methods(http.MethodGet)

	r.HandleFunc("/api/deadman/status", a.handleDeadManStatus).Methods(http.MethodGet)

	r.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)
	return r
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}
