package control

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Router builds a standalone gorilla/mux router for the agent-facing
// endpoints. Production wiring instead calls RegisterRoutes against the
// shared router internal/httpapi builds, so agent and operator-facing
// endpoints share one mux.Router and one middleware chain.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	a.RegisterRoutes(r)
	return r
}

// RegisterRoutes wires every control-plane endpoint in spec.md §6's
// table onto r. Shield scan, firewall, collective, and remediation
// endpoints are registered separately by internal/httpapi onto the
// same router.
func (a *API) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/agents/register", a.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/api/agents/{id}/rotate-token", a.withAuth(a.handleRotateToken)).Methods(http.MethodPost)
	r.HandleFunc("/api/agents/{id}/heartbeat", a.withAuth(a.handleHeartbeat)).Methods(http.MethodPost)
	r.HandleFunc("/api/agents", a.withAuth(a.handleListAgents)).Methods(http.MethodGet)
	r.HandleFunc("/api/agents/{id}/commands", a.withAuth(a.handleEnqueueCommand)).Methods(http.MethodPost)
	r.HandleFunc("/api/agents/{id}/commands", a.withAuth(a.handlePollCommands)).Methods(http.MethodGet)
	r.HandleFunc("/api/commands/{id}", a.withAuth(a.handlePatchCommand)).Methods(http.MethodPatch)
}

// WithAuth exposes the bearer-token + rate-limit middleware so
// internal/httpapi can authenticate agent-facing ingest endpoints the
// same way the command endpoints are authenticated.
func (a *API) WithAuth(next func(http.ResponseWriter, *http.Request, *Agent)) http.HandlerFunc {
	return a.withAuth(next)
}
