package httpapi

import (
	"net/http"
)

// NewRouter mounts the lease API. wsHandler serves /ws/leases when set;
// mw wraps the authenticated routes. /healthz and /metrics stay open.
func NewRouter(svc *Service, wsHandler http.Handler, mw func(http.Handler) http.Handler) http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("/api/leases", svc.handleLeases)
	api.HandleFunc("/api/leases/", svc.handleLeaseByID)
	api.HandleFunc("/api/reservations", svc.handleReservations)
	api.HandleFunc("/api/reservations/", svc.handleReservationPaths)
	api.HandleFunc("/api/conflicts", svc.handleConflicts)
	api.HandleFunc("/api/pools", svc.handlePools)
	api.HandleFunc("/api/pools/", svc.handlePoolByName)
	api.HandleFunc("/api/agents", svc.handleAgents)
	if wsHandler != nil {
		api.Handle("/ws/leases", wsHandler)
	}

	var protected http.Handler = api
	if mw != nil {
		protected = mw(api)
	}

	root := http.NewServeMux()
	root.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if svc.metrics != nil {
		root.Handle("/metrics", svc.metrics)
	}
	root.Handle("/", protected)
	return root
}
