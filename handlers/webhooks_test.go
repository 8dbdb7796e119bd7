package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/gpay-escrow/escrow"
	"github.com/yourusername/gpay-escrow/webhook"
)

func TestWebhookSignature(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"id":"evt-1","type":"payment_succeeded","data":{"gateway_ref":"hold-x"}}`)

	tests := []struct {
		name   string
		header string
	}{
		{name: "Missing Header", header: ""},
		{name: "Wrong Secret", header: webhook.Sign("other-secret", body, time.Now())},
		{name: "Stale Timestamp", header: webhook.Sign(testWebhookSecret, body, time.Now().Add(-time.Hour))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodPost, "/webhooks/gateway", bytes.NewReader(body))
			if tt.header != "" {
				req.Header.Set(webhook.SignatureHeader, tt.header)
			}
			w := httptest.NewRecorder()
			s.router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, "InvalidSignature", codeOf(t, w))
		})
	}

	processed, err := s.store.IsProcessed(t.Context(), "evt-1")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestWebhookWithoutBody(t *testing.T) {
	s := newTestServer(t)
	req, _ := http.NewRequest(http.MethodPost, "/webhooks/gateway", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "InvalidSignature", codeOf(t, w))
}

func TestWebhookMalformedPayload(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"id":"evt-1","type":"chargeback","data":{"gateway_ref":"hold-x"}}`)
	req, _ := http.NewRequest(http.MethodPost, "/webhooks/gateway", bytes.NewReader(body))
	req.Header.Set(webhook.SignatureHeader, webhook.Sign(testWebhookSecret, body, time.Now()))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookOutcomes(t *testing.T) {
	s := newTestServer(t)
	c := s.createContract(t, "500.00")
	funding := s.fund(t, c.ID, "500.00")

	status := func(w *httptest.ResponseRecorder) string {
		var body struct {
			Status string `json:"status"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		return body.Status
	}

	w := s.webhook(t, "evt-1", "payment_succeeded", funding.Payment.GatewayRef)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "applied", status(w))

	w = s.webhook(t, "evt-1", "payment_succeeded", funding.Payment.GatewayRef)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "duplicate", status(w))

	w = s.webhook(t, "evt-2", "payment_failed", funding.Payment.GatewayRef)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "rejected", status(w))

	w = s.webhook(t, "evt-3", "payment_succeeded", "hold-unknown")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ignored", status(w))
	processed, err := s.store.IsProcessed(t.Context(), "evt-3")
	require.NoError(t, err)
	assert.False(t, processed, "unknown references stay replayable")

	contract, err := s.store.LoadContract(t.Context(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.ContractActive, contract.Status)
	assert.Equal(t, int64(50000), contract.Ledger.TotalEscrowed)
	assert.Equal(t, int64(50000), contract.Ledger.AvailableForRelease)
}

type pingFunc func() error

func (f pingFunc) Ping(context.Context) error { return f() }

func TestHealth(t *testing.T) {
	tests := []struct {
		name           string
		ping           pingFunc
		expectedStatus int
		expectedBody   string
	}{
		{name: "Database Up", ping: func() error { return nil }, expectedStatus: http.StatusOK, expectedBody: "healthy"},
		{name: "Database Down", ping: func() error { return errors.New("connection refused") }, expectedStatus: http.StatusServiceUnavailable, expectedBody: "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.GET("/health", Health("gpay-escrow-api", tt.ping))
			req, _ := http.NewRequest(http.MethodGet, "/health", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.expectedBody)
		})
	}
}
