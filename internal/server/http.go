package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"OptionVault/internal/observability"
	"OptionVault/internal/projection"
	"OptionVault/internal/query"
)

// HTTPServer serves the read-side JSON API, admin endpoints, health probes,
// and Prometheus metrics on one listener.
type HTTPServer struct {
	server  *http.Server
	queries *query.Service
	db      *sql.DB
	health  *observability.HealthChecker
	log     zerolog.Logger
}

func NewHTTPServer(addr string, queries *query.Service, db *sql.DB, health *observability.HealthChecker) *HTTPServer {
	s := &HTTPServer{
		queries: queries,
		db:      db,
		health:  health,
		log:     observability.NewLogger("http"),
	}

	r := mux.NewRouter()

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/pools/{name}", s.handleGetPool).Methods(http.MethodGet)
	api.HandleFunc("/pools/{name}/custodies/{asset}", s.handleGetCustody).Methods(http.MethodGet)
	api.HandleFunc("/positions", s.handleListPositions).Methods(http.MethodGet)
	api.HandleFunc("/positions/{id}", s.handleGetPosition).Methods(http.MethodGet)
	api.HandleFunc("/positions/{id}/orders", s.handleGetOrderbook).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{account}/transfers", s.handleListTransfers).Methods(http.MethodGet)

	admin := r.PathPrefix("/v1/admin").Subrouter()
	admin.HandleFunc("/integrity", s.handleVerifyIntegrity).Methods(http.MethodGet)
	admin.HandleFunc("/projections/rebuild", s.handleRebuildProjections).Methods(http.MethodPost)

	if health != nil {
		r.HandleFunc("/healthz", health.LivenessHandler).Methods(http.MethodGet)
		r.HandleFunc("/readyz", health.ReadinessHandler).Methods(http.MethodGet)
	}
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start runs the HTTP server until ctx is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) handleGetPool(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	resp, err := s.queries.GetPool(r.Context(), name)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleGetCustody(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	resp, err := s.queries.GetCustody(r.Context(), vars["name"], vars["asset"])
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleListPositions(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		s.writeErrorMsg(w, http.StatusBadRequest, "owner query parameter is required")
		return
	}

	var state *string
	if v := r.URL.Query().Get("state"); v != "" {
		state = &v
	}

	positions, err := s.queries.GetPositions(r.Context(), owner, state)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if positions == nil {
		positions = []query.PositionResponse{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"positions": positions})
}

func (s *HTTPServer) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.writeErrorMsg(w, http.StatusBadRequest, "invalid position id")
		return
	}

	resp, err := s.queries.GetPosition(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.writeErrorMsg(w, http.StatusBadRequest, "invalid position id")
		return
	}

	resp, err := s.queries.GetOrderbook(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			s.writeErrorMsg(w, http.StatusBadRequest, "limit must be in 1..500")
			return
		}
		limit = n
	}

	var before *int64
	if v := r.URL.Query().Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeErrorMsg(w, http.StatusBadRequest, "invalid before cursor")
			return
		}
		before = &n
	}

	transfers, err := s.queries.GetTransfers(r.Context(), account, limit, before)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if transfers == nil {
		transfers = []query.TransferResponse{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"transfers": transfers})
}

func (s *HTTPServer) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.queries.VerifyIntegrity(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handleRebuildProjections(w http.ResponseWriter, r *http.Request) {
	if err := projection.Rebuild(r.Context(), s.db); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "reset"})
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("response encode failed")
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, code int, err error) {
	s.writeErrorMsg(w, code, err.Error())
}

func (s *HTTPServer) writeErrorMsg(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}
