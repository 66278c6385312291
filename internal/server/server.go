package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"

	"ctiengine/internal/common"
	"ctiengine/internal/engine"
	"ctiengine/internal/logging"
	"ctiengine/internal/store"
	"ctiengine/internal/threat"
)

const maxBodyBytes = 1 << 20

// Server wraps the HTTP and gRPC front ends of the engine.
type Server struct {
	svc     *engine.Service
	log     *slog.Logger
	router  *mux.Router
	grpcSrv *grpc.Server
}

func New(svc *engine.Service, log *slog.Logger) *Server {
	s := &Server{svc: svc, log: logging.OrDiscard(log), router: mux.NewRouter(), grpcSrv: grpc.NewServer()}
	s.routes()
	RegisterGRPC(s.grpcSrv, svc)
	return s
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/lookup", s.handleLookup).Methods(http.MethodPost)
	api.HandleFunc("/tag", s.handleTag).Methods(http.MethodPost)
	api.HandleFunc("/dashboard/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/feeds", s.handleFeeds).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	})
}

func (s *Server) Router() http.Handler { return s.router }

// HTTPServer returns an http.Server serving the API on addr.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// StartMetrics serves /metrics on addr in the background and returns the server so the
// caller can shut it down.
func (s *Server) StartMetrics(addr string) *http.Server {
	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: m, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server error", "err", err)
		}
	}()
	return srv
}

// StartGRPC serves the gRPC API on addr until StopGRPC is called.
func (s *Server) StartGRPC(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeGRPC(ln)
}

// ServeGRPC serves the gRPC API on an existing listener.
func (s *Server) ServeGRPC(ln net.Listener) error {
	return s.grpcSrv.Serve(ln)
}

func (s *Server) StopGRPC() {
	s.grpcSrv.GracefulStop()
}

type errorBody struct {
	Error string `json:"error"`
}

type lookupRequest struct {
	Query string `json:"query"`
}

type tagRequest struct {
	Query string `json:"query"`
	Tag   string `json:"tag"`
}

// lookupResponse flattens the verdict next to the per-provider answers of this call.
type lookupResponse struct {
	Query       string                  `json:"query"`
	Type        common.Kind             `json:"type"`
	Timestamp   time.Time               `json:"timestamp"`
	RecordID    string                  `json:"record_id"`
	ThreatScore int                     `json:"threat_score"`
	Confidence  int                     `json:"confidence"`
	Country     string                  `json:"country"`
	Tags        []string                `json:"tags"`
	Status      common.Status           `json:"status"`
	Providers   []threat.ProviderResult `json:"providers"`
}

func newLookupResponse(res engine.LookupResult) lookupResponse {
	v := res.Verdict()
	return lookupResponse{
		Query:       res.Record.Identifier,
		Type:        res.Record.Kind,
		Timestamp:   res.Record.UpdatedAt,
		RecordID:    res.Record.ID,
		ThreatScore: v.ThreatScore,
		Confidence:  v.Confidence,
		Country:     v.Country,
		Tags:        v.Tags,
		Status:      v.Status,
		Providers:   res.Results,
	}
}

type tagResponse struct {
	Success bool     `json:"success"`
	Tags    []string `json:"tags"`
}

type feedResponse struct {
	Count   int                   `json:"count"`
	Total   int                   `json:"total"`
	Limit   int                   `json:"limit"`
	Skip    int                   `json:"skip"`
	Threats []threat.ThreatRecord `json:"threats"`
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	var req lookupRequest
	if err := decodeBody(w, r, &req); err != nil || req.Query == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "IP or domain required"})
		return
	}
	res, err := s.svc.Lookup(r.Context(), req.Query)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newLookupResponse(res))
}

func (s *Server) handleTag(w http.ResponseWriter, r *http.Request) {
	var req tagRequest
	if err := decodeBody(w, r, &req); err != nil || req.Query == "" || req.Tag == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "query and tag required"})
		return
	}
	tags, err := s.svc.Tag(r.Context(), req.Query, req.Tag)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tagResponse{Success: true, Tags: tags})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleFeeds(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", engine.DefaultPageSize)
	skip := queryInt(r, "skip", 0)
	page, err := s.svc.ListRecords(r.Context(), limit, skip)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, feedResponse{
		Count:   len(page.Records),
		Total:   page.Total,
		Limit:   page.Limit,
		Skip:    page.Skip,
		Threats: page.Records,
	})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", "path", r.URL.Path, "status", code, "err", err)
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, threat.ErrInvalidIdentifier), errors.Is(err, engine.ErrEmptyTag):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrStoreUnavailable), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
}

// queryInt parses an integer query parameter, falling back to def when absent or malformed.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
