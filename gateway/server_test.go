package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func newTestServer(t *testing.T) (*fixture, http.Handler) {
	t.Helper()
	f := newFixture(t)
	srv := NewServer(ServerConfig{
		Pipeline: f.pipeline,
		Ledger:   f.ledger,
		Log:      testLogger(),
	})
	return f, srv.Router()
}

func postClaim(t *testing.T, handler http.Handler, claim *WebhookClaim, signature, node string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(claim)
	if err != nil {
		t.Fatalf("marshal claim: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, webhookRoute, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(headerSignature, signature)
	}
	if node != "" {
		req.Header.Set(headerNodeAddress, node)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestWebhookEndpointSuccess(t *testing.T) {
	f, handler := newTestServer(t)
	claim, signature, node := f.signedClaim(t)

	rec := postClaim(t, handler, claim, signature, node)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != StatusSuccess || resp.Proof == nil {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestWebhookEndpointStatusCodes(t *testing.T) {
	f, handler := newTestServer(t)

	t.Run("invalid json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, webhookRoute, strings.NewReader("{not json"))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("missing signature", func(t *testing.T) {
		claim, _, _ := f.signedClaim(t)
		rec := postClaim(t, handler, claim, "", "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("slashed listener", func(t *testing.T) {
		f.ledger.listeners[f.listener].Slashed = true
		defer func() { f.ledger.listeners[f.listener].Slashed = false }()
		claim, signature, node := f.signedClaim(t)
		rec := postClaim(t, handler, claim, signature, node)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
		}
	})
}

func TestListenerEndpoint(t *testing.T) {
	f, handler := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/listeners/"+f.listener.Hex(), nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["active"] != true {
		t.Fatalf("expected active listener, got %v", body)
	}

	req = httptest.NewRequest(http.MethodGet, "/listeners/0x00000000000000000000000000000000000000aa", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unregistered listener, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/listeners/garbage", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed address, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	_, handler := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRequestMetricsUseRoutePattern(t *testing.T) {
	_, handler := newTestServer(t)

	// Each request carries a distinct address; the counter must still
	// collapse them all into the one parameterised route label.
	for i := 0; i < 50; i++ {
		req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/listeners/0x%040x", i+1), nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	var sawPattern bool
	for _, family := range families {
		if family.GetName() != "relaygate_http_requests_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() != "route" {
					continue
				}
				route := label.GetValue()
				if route == "/listeners/{address}" {
					sawPattern = true
					continue
				}
				if strings.HasPrefix(route, "/listeners/0x") {
					t.Fatalf("raw listener address leaked into route label: %q", route)
				}
			}
		}
	}
	if !sawPattern {
		t.Fatal("expected a /listeners/{address} route label in the request counter")
	}
}

func TestRateLimiterRejectsOverBudget(t *testing.T) {
	limiter := NewRateLimiter(60, 2)
	handler := limiter.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var last int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Real-IP", "10.0.0.1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", last)
	}

	// A different client has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Real-IP", "10.0.0.2")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected fresh client to pass, got %d", rec.Code)
	}
}
