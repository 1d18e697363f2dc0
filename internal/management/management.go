// Package management provides a lightweight HTTP API for runtime inspection
// and operator control of a running anonymizer engine.
//
// Endpoints:
//
//	GET  /status          - engine health, uptime, storage paths
//	GET  /metrics         - counters and latency snapshot
//	GET  /phi/export      - streams the PHI index as CSV (phi_index() projection)
//	GET  /quarantine      - quarantine counts per kind; ?list=1 adds every entry
//	POST /phi/remove      - {"anonPatientId":"..."} forgets the traceback to a source identity
package management

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"crypto/subtle"

	"github.com/rsna/dicom-anonymizer/internal/config"
	"github.com/rsna/dicom-anonymizer/internal/logger"
	"github.com/rsna/dicom-anonymizer/internal/metrics"
	"github.com/rsna/dicom-anonymizer/internal/phistore"
	"github.com/rsna/dicom-anonymizer/internal/quarantine"
)

// Server is the management API server.
type Server struct {
	cfg        *config.Config
	startTime  time.Time
	store      *phistore.Store
	quarantine *quarantine.Manager
	metrics    *metrics.Metrics // nil = no metrics
	token      string           // bearer token for auth; empty = no auth
	log        *logger.Logger
}

// New creates a management server wired to the running engine's PHI Store,
// Quarantine Manager, and Metrics.
func New(cfg *config.Config, store *phistore.Store, qm *quarantine.Manager, m *metrics.Metrics, log *logger.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		startTime:  time.Now(),
		store:      store,
		quarantine: qm,
		metrics:    m,
		token:      cfg.ManagementToken,
		log:        log,
	}
	if s.token != "" {
		s.log.Info("init", "bearer token authentication enabled")
	}
	return s
}

// Handler returns the HTTP handler for the management API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/phi/export", s.handlePhiExport)
	mux.HandleFunc("/phi/remove", s.handlePhiRemove)
	mux.HandleFunc("/quarantine", s.handleQuarantine)
	return s.authMiddleware(mux)
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			s.log.Warnf("auth", "unauthorized access attempt from %s to %s", r.RemoteAddr, r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	totals := s.store.GetTotals()
	if counts, err := s.quarantine.Counts(); err != nil {
		s.log.Errorf("status", "reading quarantine counts: %v", err)
	} else {
		for _, n := range counts {
			totals.Quarantined += n
		}
	}
	resp := struct {
		Status      string          `json:"status"`
		Uptime      string          `json:"uptime"`
		SiteID      string          `json:"siteId"`
		ProjectName string          `json:"projectName"`
		StorageDir  string          `json:"storageDir"`
		Totals      phistore.Totals `json:"totals"`
	}{
		Status:      "running",
		Uptime:      time.Since(s.startTime).Round(time.Second).String(),
		SiteID:      s.cfg.SiteID,
		ProjectName: s.cfg.ProjectName,
		StorageDir:  s.cfg.StorageDir,
		Totals:      totals,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

// handlePhiExport streams the full PHI index as CSV: one row per study,
// joined to its owning patient, per spec's phi_index() projection.
func (s *Server) handlePhiExport(w http.ResponseWriter, _ *http.Request) {
	rows, err := s.store.PhiIndex()
	if err != nil {
		s.log.Errorf("phi_export", "%v", err)
		http.Error(w, "failed to build phi index", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="phi_index.csv"`)
	cw := csv.NewWriter(w)
	cw.Write(phistore.Header()) //nolint:errcheck
	for _, row := range rows {
		if err := cw.Write(row.Row()); err != nil {
			s.log.Errorf("phi_export", "write row: %v", err)
			return
		}
	}
	cw.Flush()
}

// handlePhiRemove forgets the traceback from one anonymized patient back to
// its source identity. It never touches the de-identified archive itself.
func (s *Server) handlePhiRemove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1024)
	var req struct {
		AnonPatientID string `json:"anonPatientId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AnonPatientID == "" {
		http.Error(w, `invalid request: need {"anonPatientId":"..."}`, http.StatusBadRequest)
		return
	}
	if err := s.store.RemovePHI(req.AnonPatientID); err != nil {
		s.log.Warnf("phi_remove", "%s: %v", req.AnonPatientID, err)
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.log.Infof("phi_remove", "forgot traceback for %s", req.AnonPatientID)
	writeJSON(w, http.StatusOK, map[string]string{"removed": req.AnonPatientID})
}

// handleQuarantine reports quarantine counts per kind, plus the full entry
// list when ?list=1 is given.
func (s *Server) handleQuarantine(w http.ResponseWriter, r *http.Request) {
	counts, err := s.quarantine.Counts()
	if err != nil {
		s.log.Errorf("quarantine", "%v", err)
		http.Error(w, "failed to read quarantine state", http.StatusInternalServerError)
		return
	}
	resp := struct {
		Counts  map[quarantine.Kind]int `json:"counts"`
		Entries []quarantine.Entry      `json:"entries,omitempty"`
	}{Counts: counts}

	if r.URL.Query().Get("list") != "" {
		entries, err := s.quarantine.List()
		if err != nil {
			s.log.Errorf("quarantine", "%v", err)
			http.Error(w, "failed to list quarantine entries", http.StatusInternalServerError)
			return
		}
		resp.Entries = entries
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Fprintf(w, "encode error: %v", err) //nolint:errcheck
	}
}

// ListenAndServe starts the management HTTP server.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.ManagementPort)
	s.log.Infof("init", "listening on %s", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
