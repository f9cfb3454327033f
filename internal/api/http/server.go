package httpapi

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Paintersrp/stallwatch/internal/api"
	"github.com/Paintersrp/stallwatch/internal/metrics"
)

const (
	defaultAddr            = "127.0.0.1:9187"
	defaultReadHeader      = 5 * time.Second
	defaultShutdownTimeout = 5 * time.Second

	// statusClientClosed is reported when the caller went away mid-request.
	statusClientClosed = 499
)

// Config controls construction of the status server.
type Config struct {
	Addr              string
	Controller        api.Controller
	Listener          net.Listener
	Gatherer          prometheus.Gatherer
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server exposes liveness status and metrics over HTTP.
type Server struct {
	ctrl            api.Controller
	srv             *http.Server
	listener        net.Listener
	shutdownTimeout time.Duration
}

// NewServer binds the listen address and prepares the routes. Binding early
// surfaces address conflicts before the host loop starts.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Controller == nil {
		return nil, errors.New("controller is required")
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = metrics.Registry()
	}

	ln := cfg.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", normalizeAddr(cfg.Addr))
		if err != nil {
			return nil, fmt.Errorf("listen status server: %w", err)
		}
	}

	s := &Server{
		ctrl:            cfg.Controller,
		listener:        ln,
		shutdownTimeout: cfg.ShutdownTimeout,
	}
	if s.shutdownTimeout <= 0 {
		s.shutdownTimeout = defaultShutdownTimeout
	}
	readHeader := cfg.ReadHeaderTimeout
	if readHeader <= 0 {
		readHeader = defaultReadHeader
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: readHeader}
	return s, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx stdcontext.Context) error {
	if ctx == nil {
		ctx = stdcontext.Background()
	}
	stop := stdcontext.AfterFunc(ctx, func() {
		shutdownCtx, cancel := stdcontext.WithTimeout(stdcontext.WithoutCancel(ctx), s.shutdownTimeout)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	})
	defer stop()

	if err := s.srv.Serve(s.listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

type healthBody struct {
	Status      string `json:"status"`
	StalenessMS int64  `json:"staleness_ms"`
	TimeoutMS   int64  `json:"timeout_ms"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	report, err := s.ctrl.Status(r.Context())
	if err == nil && report == nil {
		err = api.ErrNotStarted
	}
	if err != nil {
		writeError(w, err)
		return
	}
	body := healthBody{Status: "ok", StalenessMS: report.StalenessMS, TimeoutMS: report.TimeoutMS}
	status := http.StatusOK
	if !report.Healthy {
		body.Status = "stalled"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	report, err := s.ctrl.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func allowMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	writeJSON(w, http.StatusMethodNotAllowed, errorBody{
		Code:      "method_not_allowed",
		Message:   fmt.Sprintf("method %s not allowed", r.Method),
		Timestamp: time.Now().UTC(),
	})
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

type errorBody struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func writeError(w http.ResponseWriter, err error) {
	status, code := classifyError(err)
	writeJSON(w, status, errorBody{Code: code, Message: err.Error(), Timestamp: time.Now().UTC()})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, stdcontext.Canceled):
		return statusClientClosed, "context_canceled"
	case errors.Is(err, api.ErrNotStarted):
		return http.StatusServiceUnavailable, "not_started"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// normalizeAddr fills in the loopback host for ":port" addresses.
func normalizeAddr(addr string) string {
	if strings.TrimSpace(addr) == "" {
		return defaultAddr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
