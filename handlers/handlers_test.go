package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/gpay-escrow/cache"
	"github.com/yourusername/gpay-escrow/config"
	"github.com/yourusername/gpay-escrow/escrow"
	"github.com/yourusername/gpay-escrow/gateway"
	"github.com/yourusername/gpay-escrow/middleware"
	"github.com/yourusername/gpay-escrow/money"
	"github.com/yourusername/gpay-escrow/service"
	"github.com/yourusername/gpay-escrow/store"
	"github.com/yourusername/gpay-escrow/store/storetest"
	"github.com/yourusername/gpay-escrow/webhook"
)

const (
	testJWTSecret     = "test-secret"
	testWebhookSecret = "whsec_test"
)

// StubGateway succeeds with refs derived from the idempotency key unless told otherwise.
type StubGateway struct {
	AuthorizeErr error
	TransferErr  error
}

func (g *StubGateway) AuthorizeAndHold(_ context.Context, _ money.Money, _ gateway.Metadata, key string) (gateway.Hold, error) {
	if g.AuthorizeErr != nil {
		return gateway.Hold{}, g.AuthorizeErr
	}
	return gateway.Hold{Ref: "hold-" + key, Envelope: "envelope-" + key}, nil
}

func (g *StubGateway) Capture(context.Context, string, string) (gateway.Outcome, error) {
	return gateway.Outcome{Status: gateway.StatusPending}, nil
}

func (g *StubGateway) Transfer(_ context.Context, _ money.Money, _ string, _ gateway.Metadata, key string) (string, error) {
	if g.TransferErr != nil {
		return "", g.TransferErr
	}
	return "tx-" + key, nil
}

func (g *StubGateway) Refund(_ context.Context, _ string, _ money.Money, key string) (string, error) {
	return "rf-" + key, nil
}

type testServer struct {
	router *gin.Engine
	store  *store.Store
	gw     *StubGateway
	svc    *service.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.New(storetest.NewDB(t))
	gw := &StubGateway{}
	svc := service.New(st, gateway.NewIdempotent(gw, cache.NewMemory(), time.Hour), service.Options{Logger: logger})
	contracts := NewContractHandler(svc, "USD", logger)
	webhooks := NewWebhookHandler(testWebhookSecret, service.NewReconciler(st, logger, nil), logger)

	router := gin.New()
	router.POST("/webhooks/gateway", webhooks.HandleGateway)

	api := router.Group("/api/v1")
	api.Use(middleware.JwtAuthMiddleware(&config.Config{JWTSecret: testJWTSecret}))
	api.POST("/contracts", contracts.CreateContract)
	api.GET("/contracts/:id", contracts.GetContract)
	api.GET("/contracts/:id/payments", contracts.ListPayments)
	api.GET("/contracts/:id/ledger", contracts.GetLedger)
	api.POST("/contracts/:id/fund", contracts.FundEscrow)
	api.POST("/contracts/:id/milestones/:index/start", contracts.StartMilestone)
	api.POST("/contracts/:id/milestones/:index/submit", contracts.SubmitMilestone)
	api.POST("/contracts/:id/milestones/:index/approve", contracts.ApproveMilestone)
	api.POST("/contracts/:id/milestones/:index/reject", contracts.RejectMilestone)
	api.POST("/contracts/:id/cancel", contracts.CancelContract)
	api.POST("/contracts/:id/modifications", contracts.RequestModification)
	api.POST("/contracts/:id/modifications/respond", contracts.RespondModification)
	api.POST("/contracts/:id/disputes", contracts.OpenDispute)
	api.POST("/contracts/:id/disputes/settle", middleware.RequireRole(escrow.RoleAdmin), contracts.SettleDispute)

	return &testServer{router: router, store: st, gw: gw, svc: svc}
}

func token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := middleware.GenerateToken(userID, role, testJWTSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, userID, role string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userID, role))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) createContract(t *testing.T, amounts ...string) escrow.Contract {
	t.Helper()
	milestones := make([]gin.H, 0, len(amounts))
	for i, a := range amounts {
		milestones = append(milestones, gin.H{"title": fmt.Sprintf("Milestone %d", i), "amount": a})
	}
	w := s.do(t, http.MethodPost, "/api/v1/contracts", "client-1", "user", gin.H{
		"freelancer_id":  "freelancer-1",
		"proposal_id":    "proposal-1",
		"payout_account": "GFREELANCER",
		"title":          "Landing page",
		"milestones":     milestones,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var c escrow.Contract
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &c))
	return c
}

func (s *testServer) fund(t *testing.T, contractID, amount string) service.FundingResult {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/contracts/"+contractID+"/fund", "client-1", "user",
		gin.H{"amount": amount, "source_account": "GCLIENT"}, IdempotencyKeyHeader, "fund-"+amount)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res service.FundingResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	return res
}

func (s *testServer) webhook(t *testing.T, id, kind, ref string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(gin.H{"id": id, "type": kind, "data": gin.H{"gateway_ref": ref}})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, "/webhooks/gateway", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(webhook.SignatureHeader, webhook.Sign(testWebhookSecret, body, time.Now()))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func codeOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Code
}
