package api

import (
	"errors"
	"net/http"

	"github.com/nerrad567/gray-logic-ble/internal/discovery"
)

// scanModeActive selects active scanning on POST /scanner/start.
const scanModeActive = "active"

// ScannerResponse is the body of the scanner endpoints.
type ScannerResponse struct {
	discovery.Status
	Mode string `json:"mode"`
}

func newScannerResponse(st discovery.Status) ScannerResponse {
	mode := "passive"
	if st.ActiveMode {
		mode = scanModeActive
	}
	return ScannerResponse{Status: st, Mode: mode}
}

// handleScannerStatus returns the controller status.
func (s *Server) handleScannerStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newScannerResponse(s.scanner.Status()))
}

// handleScannerStart starts scanning. ?mode=active selects active mode;
// anything else but "passive" or empty is rejected.
func (s *Server) handleScannerStart(w http.ResponseWriter, r *http.Request) {
	var start func() error
	switch mode := r.URL.Query().Get("mode"); mode {
	case "", "passive":
		start = s.scanner.StartScanning
	case scanModeActive:
		start = s.scanner.StartActiveScanning
	default:
		writeBadRequest(w, "mode must be passive or active")
		return
	}

	if err := start(); err != nil {
		if errors.Is(err, discovery.ErrAdapterNotReady) {
			writeError(w, http.StatusConflict, ErrCodeAdapterNotReady, err.Error())
			return
		}
		s.logger.Error("scanner start failed", "error", err)
		writeInternalError(w, "failed to start scanning")
		return
	}

	s.logger.Info("scanning started via API",
		"active", s.scanner.Status().ActiveMode,
		"by", requester(r),
	)
	writeJSON(w, http.StatusOK, newScannerResponse(s.scanner.Status()))
}

// handleScannerStop stops scanning.
func (s *Server) handleScannerStop(w http.ResponseWriter, r *http.Request) {
	if err := s.scanner.StopScanning(); err != nil {
		s.logger.Error("scanner stop failed", "error", err)
		writeInternalError(w, "failed to stop scanning")
		return
	}
	s.logger.Info("scanning stopped via API", "by", requester(r))
	writeJSON(w, http.StatusOK, newScannerResponse(s.scanner.Status()))
}

// requester names the token subject, or "anonymous" on an open API.
func requester(r *http.Request) string {
	if claims := claimsFromContext(r.Context()); claims != nil {
		return claims.Subject
	}
	return "anonymous"
}
