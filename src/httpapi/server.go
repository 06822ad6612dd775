// Package httpapi serves the gateway's REST API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Easy-Infra-Ltd/pulse-gateway/src/service"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Server routes REST calls to a service.Service.
type Server struct {
	svc        *service.Service
	router     *mux.Router
	adminToken atomic.Pointer[string]
	logger     *slog.Logger
}

// New builds the router. An empty adminToken disables the admin routes.
func New(svc *service.Service, adminToken string, logger *slog.Logger) *Server {
	s := &Server{
		svc:    svc,
		router: mux.NewRouter(),
		logger: logger.With("area", "HTTP"),
	}
	s.SetAdminToken(adminToken)
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(s.observe)

	s.router.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/send", s.handleSend).Methods(http.MethodPost)
	v1.HandleFunc("/providers", s.handleProviders).Methods(http.MethodGet)
	v1.HandleFunc("/usage", s.handleUsage).Methods(http.MethodGet)
	v1.HandleFunc("/security/stats", s.handleStats).Methods(http.MethodGet)
	v1.HandleFunc("/classify", s.handleClassify).Methods(http.MethodPost)
	v1.HandleFunc("/sanitize", s.handleSanitize).Methods(http.MethodPost)
	v1.Handle("/signatures", s.requireAdmin(http.HandlerFunc(s.handleRegisterSignature))).Methods(http.MethodPost)
	v1.Handle("/audit", s.requireAdmin(http.HandlerFunc(s.handleAudit))).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeDetail(w, http.StatusNotFound, "Not Found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeDetail(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	})
}

// SetAdminToken replaces the admin token; used on reload.
func (s *Server) SetAdminToken(token string) { s.adminToken.Store(&token) }

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	return serve(ctx, addr, s.router, s.logger)
}

// RunMetrics serves the Prometheus registry at /metrics until ctx is
// cancelled.
func RunMetrics(ctx context.Context, addr string, logger *slog.Logger) error {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return serve(ctx, addr, r, logger.With("area", "Metrics"))
}

func serve(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	logger.Info("listening", "addr", ln.Addr())

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeDetail writes an error body in the {"detail": ...} shape.
func writeDetail(w http.ResponseWriter, status int, detail any) {
	writeJSON(w, status, map[string]any{"detail": detail})
}

// decode reads a JSON body into v. Numbers are kept as json.Number so
// large integers in parameters survive unchanged.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
