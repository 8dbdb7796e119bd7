package handlers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/gpay-escrow/escrow"
	"github.com/yourusername/gpay-escrow/gateway"
	"github.com/yourusername/gpay-escrow/service"
)

func TestCreateContract(t *testing.T) {
	s := newTestServer(t)

	t.Run("Valid Request", func(t *testing.T) {
		c := s.createContract(t, "400.00", "600.00")
		assert.Equal(t, "client-1", c.ClientID)
		assert.Equal(t, escrow.ContractDraft, c.Status)
		require.Len(t, c.Milestones, 2)
		assert.Equal(t, int64(40000), c.Milestones[0].Amount.Minor)
		assert.Equal(t, "USD", c.Ledger.Currency)
	})

	tests := []struct {
		name           string
		body           gin.H
		expectedStatus int
		expectedCode   string
	}{
		{
			name:           "No Milestones",
			body:           gin.H{"freelancer_id": "freelancer-1", "proposal_id": "p", "title": "x", "milestones": []gin.H{}},
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "InvalidInput",
		},
		{
			name: "Sub-cent Amount",
			body: gin.H{"freelancer_id": "freelancer-1", "proposal_id": "p", "title": "x",
				"milestones": []gin.H{{"title": "m", "amount": "10.005"}}},
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "InvalidAmount",
		},
		{
			name: "Client On Behalf Of Someone Else",
			body: gin.H{"client_id": "client-2", "freelancer_id": "freelancer-1", "proposal_id": "p", "title": "x",
				"milestones": []gin.H{{"title": "m", "amount": "10.00"}}},
			expectedStatus: http.StatusForbidden,
			expectedCode:   "Forbidden",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/api/v1/contracts", "client-1", "user", tt.body)
			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.Equal(t, tt.expectedCode, codeOf(t, w))
		})
	}

	t.Run("Missing Token", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/v1/contracts", "", "", gin.H{})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestGetContractVisibility(t *testing.T) {
	s := newTestServer(t)
	c := s.createContract(t, "100.00")

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/contracts/"+c.ID, "freelancer-1", "user", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/contracts/"+c.ID, "ops-1", escrow.RoleAdmin, nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/v1/contracts/"+c.ID, "someone-else", "user", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/contracts/missing", "client-1", "user", nil).Code)
}

func TestFundEscrow(t *testing.T) {
	s := newTestServer(t)
	c := s.createContract(t, "1000.00")

	first := s.fund(t, c.ID, "1000.00")
	assert.Equal(t, escrow.PaymentProcessing, first.Payment.Status)
	require.NotNil(t, first.Hold)
	assert.Equal(t, "envelope-fund-1000.00", first.Hold.Envelope)

	t.Run("Replay Returns Same Payment", func(t *testing.T) {
		again := s.fund(t, c.ID, "1000.00")
		assert.Equal(t, first.Payment.ID, again.Payment.ID)
	})

	t.Run("Key Reused For Different Amount", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/v1/contracts/"+c.ID+"/fund", "client-1", "user",
			gin.H{"amount": "5.00"}, IdempotencyKeyHeader, "fund-1000.00")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Freelancer Cannot Fund", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/v1/contracts/"+c.ID+"/fund", "freelancer-1", "user",
			gin.H{"amount": "5.00"}, IdempotencyKeyHeader, "f-1")
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("Gateway Unavailable", func(t *testing.T) {
		s.gw.AuthorizeErr = gateway.ErrUnavailable
		defer func() { s.gw.AuthorizeErr = nil }()
		w := s.do(t, http.MethodPost, "/api/v1/contracts/"+c.ID+"/fund", "client-1", "user",
			gin.H{"amount": "5.00"}, IdempotencyKeyHeader, "f-2")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "GatewayUnavailable", codeOf(t, w))
	})

	t.Run("Missing Amount", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/v1/contracts/"+c.ID+"/fund", "client-1", "user", gin.H{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestMilestoneLifecycle(t *testing.T) {
	s := newTestServer(t)
	c := s.createContract(t, "400.00", "600.00")
	base := "/api/v1/contracts/" + c.ID

	funding := s.fund(t, c.ID, "1000.00")
	require.Equal(t, http.StatusOK, s.webhook(t, "evt-1", "payment_succeeded", funding.Payment.GatewayRef).Code)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, base+"/milestones/0/start", "freelancer-1", "user", nil).Code)

	w := s.do(t, http.MethodPost, base+"/milestones/0/submit", "freelancer-1", "user", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code, "file ids are required")

	w = s.do(t, http.MethodPost, base+"/milestones/0/submit", "freelancer-1", "user", gin.H{"file_ids": []string{"f1"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, base+"/milestones/0/approve", "freelancer-1", "user", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, base+"/milestones/0/approve", "client-1", "user", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var approved escrow.Contract
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &approved))
	assert.Equal(t, int64(60000), approved.Ledger.AvailableForRelease)
	assert.Equal(t, int64(40000), approved.Ledger.Released)

	w = s.do(t, http.MethodPost, base+"/milestones/0/approve", "client-1", "user", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "InvalidTransition", codeOf(t, w))

	w = s.do(t, http.MethodGet, base+"/ledger", "freelancer-1", "user", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var summary service.LedgerSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.CurrentMilestoneIndex)
	require.Len(t, summary.Milestones, 2)

	w = s.do(t, http.MethodGet, base+"/payments", "client-1", "user", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listed struct {
		Payments []escrow.Payment `json:"payments"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	assert.GreaterOrEqual(t, len(listed.Payments), 2)
}

func TestMilestoneIndexValidation(t *testing.T) {
	s := newTestServer(t)
	c := s.createContract(t, "100.00")

	for _, idx := range []string{"abc", "-1"} {
		w := s.do(t, http.MethodPost, "/api/v1/contracts/"+c.ID+"/milestones/"+idx+"/start", "freelancer-1", "user", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, idx)
		assert.Equal(t, "InvalidInput", codeOf(t, w), idx)
	}
}

func TestApproveWithoutFunds(t *testing.T) {
	s := newTestServer(t)
	c := s.createContract(t, "100.00")
	base := "/api/v1/contracts/" + c.ID
	funding := s.fund(t, c.ID, "60.00")
	require.Equal(t, http.StatusOK, s.webhook(t, "evt-1", "payment_succeeded", funding.Payment.GatewayRef).Code)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, base+"/milestones/0/start", "freelancer-1", "user", nil).Code)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, base+"/milestones/0/submit", "freelancer-1", "user", gin.H{"file_ids": []string{"f1"}}).Code)

	w := s.do(t, http.MethodPost, base+"/milestones/0/approve", "client-1", "user", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "InsufficientFunds", codeOf(t, w))
}

func TestModificationRoundTrip(t *testing.T) {
	s := newTestServer(t)
	c := s.createContract(t, "100.00")
	base := "/api/v1/contracts/" + c.ID

	w := s.do(t, http.MethodPost, base+"/modifications", "client-1", "user", gin.H{"kind": "rename"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, base+"/modifications", "client-1", "user",
		gin.H{"kind": "add_milestone", "title": "Extra", "amount": "50.00"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, base+"/modifications/respond", "client-1", "user", gin.H{"accept": true})
	assert.Equal(t, http.StatusForbidden, w.Code, "requester cannot answer their own request")

	w = s.do(t, http.MethodPost, base+"/modifications/respond", "freelancer-1", "user", gin.H{"accept": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var updated escrow.Contract
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &updated))
	require.Len(t, updated.Milestones, 2)
	assert.Equal(t, int64(5000), updated.Milestones[1].Amount.Minor)
	assert.Nil(t, updated.PendingModification)
}

func TestDisputeSettlement(t *testing.T) {
	s := newTestServer(t)
	c := s.createContract(t, "1000.00")
	base := "/api/v1/contracts/" + c.ID

	funding := s.fund(t, c.ID, "1000.00")
	require.Equal(t, http.StatusOK, s.webhook(t, "evt-1", "payment_succeeded", funding.Payment.GatewayRef).Code)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, base+"/disputes", "freelancer-1", "user", gin.H{"reason": "unpaid"}).Code)

	settle := gin.H{"to_freelancer": "700.00", "to_client": "300.00", "resolution": "close"}
	w := s.do(t, http.MethodPost, base+"/disputes/settle", "client-1", "user", settle)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, base+"/disputes/settle", "ops-1", escrow.RoleAdmin, gin.H{"to_freelancer": "abc", "resolution": "close"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "InvalidAmount", codeOf(t, w))

	w = s.do(t, http.MethodPost, base+"/disputes/settle", "ops-1", escrow.RoleAdmin, settle)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var settled escrow.Contract
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &settled))
	assert.Equal(t, escrow.ContractCancelled, settled.Status)
	assert.Equal(t, int64(0), settled.Ledger.AvailableForRelease)
	assert.Equal(t, int64(70000), settled.Ledger.Released)
	assert.Equal(t, int64(30000), settled.Ledger.Refunded)
}

func TestCancelContract(t *testing.T) {
	s := newTestServer(t)
	c := s.createContract(t, "100.00")
	base := "/api/v1/contracts/" + c.ID

	w := s.do(t, http.MethodPost, base+"/cancel", "client-1", "user", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code, "reason is required")

	w = s.do(t, http.MethodPost, base+"/cancel", "client-1", "user", gin.H{"reason": "changed plans"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, base+"/cancel", "client-1", "user", gin.H{"reason": "again"})
	assert.Equal(t, http.StatusConflict, w.Code)
}
