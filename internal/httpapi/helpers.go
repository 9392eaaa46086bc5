package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/bigr-shield/sentinel/internal/shield"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[httpapi] ERROR encoding response: %v", err)
	}
}

// scanTable tracks Shield scans started through handleStartShieldScan
// while they are still running in their background goroutine, so
// handleGetShieldScan can serve a "running" status before anything has
// been persisted. Once a scan completes it stays here for the life of
// the process (nothing removes entries), letting a poller that arrives
// right after completion still see it without a database round trip.
type scanTable struct {
	mu    sync.RWMutex
	scans map[string]*shield.Scan
}

func newScanTable() *scanTable {
	return &scanTable{scans: make(map[string]*shield.Scan)}
}

func (t *scanTable) put(sc *shield.Scan) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scans[sc.ID] = sc
}

func (t *scanTable) get(id string) (*shield.Scan, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sc, ok := t.scans[id]
	return sc, ok
}
