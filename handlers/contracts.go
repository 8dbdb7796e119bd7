package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yourusername/gpay-escrow/escrow"
	"github.com/yourusername/gpay-escrow/middleware"
	"github.com/yourusername/gpay-escrow/money"
	"github.com/yourusername/gpay-escrow/service"
)

// IdempotencyKeyHeader carries the client's key for funding requests.
const IdempotencyKeyHeader = "Idempotency-Key"

type ContractHandler struct {
	svc             *service.Service
	defaultCurrency string
	logger          *slog.Logger
}

func NewContractHandler(svc *service.Service, defaultCurrency string, logger *slog.Logger) *ContractHandler {
	return &ContractHandler{svc: svc, defaultCurrency: strings.ToUpper(defaultCurrency), logger: logger}
}

type MilestoneRequest struct {
	Title        string     `json:"title" binding:"required"`
	Amount       string     `json:"amount" binding:"required"`
	Deliverables string     `json:"deliverables"`
	DueDate      *time.Time `json:"due_date"`
}

type CreateContractRequest struct {
	ClientID      string             `json:"client_id"`
	FreelancerID  string             `json:"freelancer_id" binding:"required"`
	ProposalID    string             `json:"proposal_id" binding:"required"`
	PayoutAccount string             `json:"payout_account"`
	Title         string             `json:"title" binding:"required"`
	Scope         string             `json:"scope"`
	Currency      string             `json:"currency"`
	Milestones    []MilestoneRequest `json:"milestones" binding:"required,min=1,dive"`
}

type FundEscrowRequest struct {
	Amount         string `json:"amount" binding:"required"`
	SourceAccount  string `json:"source_account"`
	IdempotencyKey string `json:"idempotency_key"`
}

type SubmitMilestoneRequest struct {
	FileIDs []string `json:"file_ids" binding:"required,min=1"`
	Notes   string   `json:"notes"`
}

type ReasonRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type ModificationRequest struct {
	Kind           string     `json:"kind" binding:"required,oneof=change_amount change_due_date add_milestone"`
	MilestoneIndex int        `json:"milestone_index"`
	Amount         string     `json:"amount"`
	DueDate        *time.Time `json:"due_date"`
	Title          string     `json:"title"`
	Deliverables   string     `json:"deliverables"`
}

type RespondModificationRequest struct {
	Accept *bool `json:"accept" binding:"required"`
}

type SettleDisputeRequest struct {
	ToFreelancer string `json:"to_freelancer"`
	ToClient     string `json:"to_client"`
	Resolution   string `json:"resolution" binding:"required,oneof=resume close"`
}

func (h *ContractHandler) CreateContract(c *gin.Context) {
	var req CreateContractRequest
	if !h.bind(c, &req) {
		return
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = h.defaultCurrency
	}
	specs := make([]escrow.MilestoneSpec, 0, len(req.Milestones))
	for i, m := range req.Milestones {
		amount, err := parseAmount(m.Amount, currency)
		if err != nil {
			respondError(c, h.logger, fmt.Errorf("milestone %d: %w", i, err))
			return
		}
		specs = append(specs, escrow.MilestoneSpec{Title: m.Title, Amount: amount, Deliverables: m.Deliverables, DueDate: m.DueDate})
	}

	contract, err := h.svc.CreateContract(c.Request.Context(), middleware.Actor(c), service.CreateContractInput{
		ClientID:      req.ClientID,
		FreelancerID:  req.FreelancerID,
		ProposalID:    req.ProposalID,
		PayoutAccount: req.PayoutAccount,
		Title:         req.Title,
		Scope:         req.Scope,
		Currency:      currency,
		Milestones:    specs,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, contract)
}

func (h *ContractHandler) GetContract(c *gin.Context) {
	contract, err := h.svc.GetContract(c.Request.Context(), middleware.Actor(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

func (h *ContractHandler) ListPayments(c *gin.Context) {
	payments, err := h.svc.ListPayments(c.Request.Context(), middleware.Actor(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments})
}

func (h *ContractHandler) GetLedger(c *gin.Context) {
	summary, err := h.svc.LedgerSummary(c.Request.Context(), middleware.Actor(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *ContractHandler) FundEscrow(c *gin.Context) {
	var req FundEscrowRequest
	if !h.bind(c, &req) {
		return
	}
	key := c.GetHeader(IdempotencyKeyHeader)
	if key == "" {
		key = req.IdempotencyKey
	}
	id := c.Param("id")
	currency, err := h.currencyOf(c, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	amount, err := parseAmount(req.Amount, currency)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	ctx, actor := c.Request.Context(), middleware.Actor(c)
	res, err := service.Retry(ctx, func() (service.FundingResult, error) {
		return h.svc.FundEscrow(ctx, actor, id, amount, key, req.SourceAccount)
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *ContractHandler) CaptureFunding(c *gin.Context) {
	p, err := h.svc.CaptureFunding(c.Request.Context(), middleware.Actor(c), c.Param("id"), c.Param("paymentId"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *ContractHandler) StartMilestone(c *gin.Context) {
	h.onMilestone(c, func(ctx context.Context, actor escrow.Actor, id string, idx int) (*escrow.Contract, error) {
		return h.svc.StartMilestone(ctx, actor, id, idx)
	})
}

func (h *ContractHandler) SubmitMilestone(c *gin.Context) {
	var req SubmitMilestoneRequest
	if !h.bind(c, &req) {
		return
	}
	h.onMilestone(c, func(ctx context.Context, actor escrow.Actor, id string, idx int) (*escrow.Contract, error) {
		return h.svc.SubmitMilestone(ctx, actor, id, idx, escrow.Submission{FileIDs: req.FileIDs, Notes: req.Notes})
	})
}

func (h *ContractHandler) MarkMilestoneViewed(c *gin.Context) {
	h.onMilestone(c, func(ctx context.Context, actor escrow.Actor, id string, idx int) (*escrow.Contract, error) {
		return h.svc.MarkMilestoneViewed(ctx, actor, id, idx)
	})
}

func (h *ContractHandler) ApproveMilestone(c *gin.Context) {
	h.onMilestone(c, func(ctx context.Context, actor escrow.Actor, id string, idx int) (*escrow.Contract, error) {
		return h.svc.ApproveMilestone(ctx, actor, id, idx)
	})
}

func (h *ContractHandler) RejectMilestone(c *gin.Context) {
	var req ReasonRequest
	if !h.bind(c, &req) {
		return
	}
	h.onMilestone(c, func(ctx context.Context, actor escrow.Actor, id string, idx int) (*escrow.Contract, error) {
		return h.svc.RejectMilestone(ctx, actor, id, idx, req.Reason)
	})
}

func (h *ContractHandler) CancelContract(c *gin.Context) {
	var req ReasonRequest
	if !h.bind(c, &req) {
		return
	}
	h.onContract(c, func(ctx context.Context, actor escrow.Actor, id string) (*escrow.Contract, error) {
		return h.svc.CancelContract(ctx, actor, id, req.Reason)
	})
}

func (h *ContractHandler) PauseContract(c *gin.Context) {
	h.onContract(c, func(ctx context.Context, actor escrow.Actor, id string) (*escrow.Contract, error) {
		return h.svc.PauseContract(ctx, actor, id)
	})
}

func (h *ContractHandler) ResumeContract(c *gin.Context) {
	h.onContract(c, func(ctx context.Context, actor escrow.Actor, id string) (*escrow.Contract, error) {
		return h.svc.ResumeContract(ctx, actor, id)
	})
}

func (h *ContractHandler) RequestModification(c *gin.Context) {
	var req ModificationRequest
	if !h.bind(c, &req) {
		return
	}
	currency, err := h.currencyOf(c, c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	change, err := req.toModification(currency)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	h.onContract(c, func(ctx context.Context, actor escrow.Actor, id string) (*escrow.Contract, error) {
		return h.svc.RequestModification(ctx, actor, id, change)
	})
}

func (r ModificationRequest) toModification(currency string) (escrow.Modification, error) {
	switch escrow.ModificationKind(r.Kind) {
	case escrow.ModChangeAmount:
		amount, err := parseAmount(r.Amount, currency)
		if err != nil {
			return nil, err
		}
		return escrow.ChangeAmount{MilestoneIndex: r.MilestoneIndex, Amount: amount}, nil
	case escrow.ModChangeDueDate:
		return escrow.ChangeDueDate{MilestoneIndex: r.MilestoneIndex, DueDate: r.DueDate}, nil
	case escrow.ModAddMilestone:
		amount, err := parseAmount(r.Amount, currency)
		if err != nil {
			return nil, err
		}
		return escrow.AddMilestone{Title: r.Title, Amount: amount, Deliverables: r.Deliverables, DueDate: r.DueDate}, nil
	}
	return nil, fmt.Errorf("%w: unknown modification kind %q", escrow.ErrInvalidInput, r.Kind)
}

func (h *ContractHandler) RespondModification(c *gin.Context) {
	var req RespondModificationRequest
	if !h.bind(c, &req) {
		return
	}
	h.onContract(c, func(ctx context.Context, actor escrow.Actor, id string) (*escrow.Contract, error) {
		return h.svc.RespondModification(ctx, actor, id, *req.Accept)
	})
}

func (h *ContractHandler) OpenDispute(c *gin.Context) {
	var req ReasonRequest
	if !h.bind(c, &req) {
		return
	}
	h.onContract(c, func(ctx context.Context, actor escrow.Actor, id string) (*escrow.Contract, error) {
		return h.svc.OpenDispute(ctx, actor, id, req.Reason)
	})
}

func (h *ContractHandler) SettleDispute(c *gin.Context) {
	var req SettleDisputeRequest
	if !h.bind(c, &req) {
		return
	}
	currency, err := h.currencyOf(c, c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	var alloc escrow.Allocation
	if alloc.ToFreelancer, err = parseOptionalAmount(req.ToFreelancer, currency); err != nil {
		respondError(c, h.logger, err)
		return
	}
	if alloc.ToClient, err = parseOptionalAmount(req.ToClient, currency); err != nil {
		respondError(c, h.logger, err)
		return
	}
	h.onContract(c, func(ctx context.Context, actor escrow.Actor, id string) (*escrow.Contract, error) {
		return h.svc.SettleDispute(ctx, actor, id, alloc, escrow.Resolution(req.Resolution))
	})
}

// onContract runs a contract transition, retrying lost version races.
func (h *ContractHandler) onContract(c *gin.Context, op func(ctx context.Context, actor escrow.Actor, id string) (*escrow.Contract, error)) {
	ctx, actor, id := c.Request.Context(), middleware.Actor(c), c.Param("id")
	contract, err := service.Retry(ctx, func() (*escrow.Contract, error) {
		return op(ctx, actor, id)
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

func (h *ContractHandler) onMilestone(c *gin.Context, op func(ctx context.Context, actor escrow.Actor, id string, idx int) (*escrow.Contract, error)) {
	idx, err := strconv.Atoi(c.Param("index"))
	if err != nil || idx < 0 {
		respondError(c, h.logger, fmt.Errorf("%w: milestone index %q", escrow.ErrInvalidInput, c.Param("index")))
		return
	}
	h.onContract(c, func(ctx context.Context, actor escrow.Actor, id string) (*escrow.Contract, error) {
		return op(ctx, actor, id, idx)
	})
}

func (h *ContractHandler) bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "InvalidInput"})
		return false
	}
	return true
}

// currencyOf reads the ledger currency, which also checks the caller may see the contract.
func (h *ContractHandler) currencyOf(c *gin.Context, id string) (string, error) {
	contract, err := h.svc.GetContract(c.Request.Context(), middleware.Actor(c), id)
	if err != nil {
		return "", err
	}
	return contract.Ledger.Currency, nil
}

func parseAmount(amount, currency string) (money.Money, error) {
	m, err := money.Parse(amount, currency)
	if err != nil {
		return money.Money{}, fmt.Errorf("%w: %v", escrow.ErrInvalidAmount, err)
	}
	return m, nil
}

func parseOptionalAmount(amount, currency string) (money.Money, error) {
	if strings.TrimSpace(amount) == "" {
		return money.Zero(currency), nil
	}
	return parseAmount(amount, currency)
}
