package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relaygate/ledger"
	"relaygate/observability"
)

const (
	maxRequestBody    = 1 << 20
	headerSignature   = "x-webhook-signature"
	headerNodeAddress = "x-node-address"
	webhookRoute      = "/webhooks/payment"
	defaultRateLimit  = 120.0 // requests per minute per client
	defaultRateBurst  = 20
)

// Server exposes the webhook ingestion endpoint plus the operational
// surface: health, metrics, listener inspection, and the live event stream.
type Server struct {
	pipeline *Pipeline
	ledger   ledger.Client
	events   http.Handler
	limiter  *RateLimiter
	metrics  *observability.GatewayMetrics
	log      *slog.Logger
}

// ServerConfig wires the HTTP layer. Events may be nil to disable /ws.
type ServerConfig struct {
	Pipeline          *Pipeline
	Ledger            ledger.Client
	Events            http.Handler
	RequestsPerMinute float64
	Burst             int
	Log               *slog.Logger
}

// NewServer builds the HTTP front end around a pipeline.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Pipeline == nil {
		panic("pipeline required")
	}
	if cfg.Ledger == nil {
		panic("ledger client required")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaultRateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultRateBurst
	}
	return &Server{
		pipeline: cfg.Pipeline,
		ledger:   cfg.Ledger,
		events:   cfg.Events,
		limiter:  NewRateLimiter(cfg.RequestsPerMinute, cfg.Burst),
		metrics:  observability.Gateway(),
		log:      cfg.Log,
	}
}

// Router assembles the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Group(func(r chi.Router) {
		r.Use(s.observe)
		r.Use(s.limiter.Middleware())
		r.Post(webhookRoute, s.handleWebhook)
		r.Get("/listeners/{address}", s.handleListener)
	})
	if s.events != nil {
		r.Get("/ws", s.events.ServeHTTP)
	}
	return r
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	defer body.Close()

	var claim WebhookClaim
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&claim); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	resp, perr := s.pipeline.Process(
		r.Context(),
		&claim,
		r.Header.Get(headerSignature),
		r.Header.Get(headerNodeAddress),
	)
	if perr != nil {
		if perr.Category == CategoryInternal {
			s.log.Error("webhook pipeline failed", slog.String("error", perr.Error()))
		}
		s.writeError(w, perr.HTTPStatus(), perr.PublicReason())
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListener(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		s.writeError(w, http.StatusBadRequest, "invalid listener address")
		return
	}
	info, err := s.ledger.Listener(r.Context(), common.HexToAddress(raw))
	if errors.Is(err, ledger.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "listener not registered")
		return
	}
	if err != nil {
		s.log.Error("listener lookup failed", slog.String("address", raw), slog.String("error", err.Error()))
		s.writeError(w, http.StatusBadGateway, "ledger unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"address":              info.Address.Hex(),
		"stake":                info.Stake.String(),
		"reputation":           info.Reputation,
		"active":               info.Active,
		"slashed":              info.Slashed,
		"totalDelivered":       info.TotalDelivered,
		"successfulDeliveries": info.SuccessfulDeliveries,
		"failedDeliveries":     info.FailedDeliveries,
		"lastActivity":         info.LastActivity,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("encode response", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, reason string) {
	s.writeJSON(w, status, map[string]string{"status": "error", "reason": reason})
}

// observe records the request counter and latency histogram. Metrics are
// labeled with the route pattern, never the raw path: URL parameters are
// attacker-chosen and would mint one time series per value.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		s.metrics.ObserveRequest(route, r.Method, recorder.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
