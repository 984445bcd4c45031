package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-ble/internal/discovery"
)

// LockResponse is one registry entry as served by the API.
type LockResponse struct {
	discovery.SmartLockInfo
	ConfigFile string `json:"config_file"`
}

func newLockResponse(lock *discovery.SmartLock) LockResponse {
	return LockResponse{SmartLockInfo: lock.Info(), ConfigFile: lock.ConfigFile()}
}

// handleListLocks returns every discovered lock in discovery order.
func (s *Server) handleListLocks(w http.ResponseWriter, _ *http.Request) {
	locks := s.scanner.SmartLocks()
	out := make([]LockResponse, 0, len(locks))
	for _, l := range locks {
		out = append(out, newLockResponse(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"locks": out,
		"count": len(out),
	})
}

// handleGetLock returns one lock by peripheral ID.
func (s *Server) handleGetLock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	lock := s.scanner.SmartLock(id)
	if lock == nil {
		writeNotFound(w, "smart lock not found")
		return
	}
	writeJSON(w, http.StatusOK, newLockResponse(lock))
}
