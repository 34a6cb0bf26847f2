package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	instancedomain "github.com/smallbiznis/hourmeter/internal/instance/domain"
	ledgerdomain "github.com/smallbiznis/hourmeter/internal/ledger/domain"
	meteringdomain "github.com/smallbiznis/hourmeter/internal/metering/domain"
	"github.com/smallbiznis/hourmeter/internal/scheduler"
	"github.com/smallbiznis/hourmeter/pkg/db/pagination"
)

type registerInstanceRequest struct {
	InstanceID     string `json:"instance_id" binding:"required"`
	OrganizationID string `json:"organization_id" binding:"required"`
	Label          string `json:"label"`
	PlanID         string `json:"plan_id"`
	HourlyRate     int64  `json:"hourly_rate"`
}

func (s *Server) registerInstance(c *gin.Context) {
	var body registerInstanceRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.abortWithError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	instanceID, ok := parseID(body.InstanceID)
	if !ok {
		s.abortWithError(c, http.StatusBadRequest, "invalid_instance_id", instancedomain.ErrInvalidInstance)
		return
	}
	orgID, ok := parseID(body.OrganizationID)
	if !ok {
		s.abortWithError(c, http.StatusBadRequest, "invalid_organization_id", ledgerdomain.ErrInvalidOrganization)
		return
	}

	req := instancedomain.RegisterRequest{
		InstanceID:     instanceID,
		OrganizationID: orgID,
		Label:          body.Label,
		HourlyRate:     body.HourlyRate,
	}
	if body.PlanID != "" {
		planID, ok := parseID(body.PlanID)
		if !ok {
			s.abortWithError(c, http.StatusBadRequest, "invalid_plan_id", instancedomain.ErrInvalidInstance)
			return
		}
		req.PlanID = &planID
	}

	resp, err := s.instanceSvc.Register(c.Request.Context(), req)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}

	status := http.StatusCreated
	if !resp.Charged {
		// Registered but unpaid: the caller owns the rollback decision.
		status = http.StatusPaymentRequired
	}
	c.JSON(status, gin.H{
		"instance":       resp.Instance,
		"charged":        resp.Charged,
		"charge_amount":  resp.ChargeAmount,
		"failure_reason": resp.FailureReason,
	})
}

func (s *Server) deregisterInstance(c *gin.Context) {
	instanceID, ok := parseID(c.Param("instance_id"))
	if !ok {
		s.abortWithError(c, http.StatusBadRequest, "invalid_instance_id", instancedomain.ErrInvalidInstance)
		return
	}

	if err := s.instanceSvc.Deregister(c.Request.Context(), instanceID); err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) walletBalance(c *gin.Context) {
	orgID, ok := parseID(c.Param("org_id"))
	if !ok {
		s.abortWithError(c, http.StatusBadRequest, "invalid_organization_id", ledgerdomain.ErrInvalidOrganization)
		return
	}

	wallet, err := s.ledgerSvc.WalletBalance(c.Request.Context(), orgID)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, wallet)
}

type creditWalletRequest struct {
	Amount      int64  `json:"amount" binding:"required"`
	Currency    string `json:"currency"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

func (s *Server) creditWallet(c *gin.Context) {
	orgID, ok := parseID(c.Param("org_id"))
	if !ok {
		s.abortWithError(c, http.StatusBadRequest, "invalid_organization_id", ledgerdomain.ErrInvalidOrganization)
		return
	}

	var body creditWalletRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.abortWithError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	method := ledgerdomain.EntryMethod(body.Method)
	if method == "" {
		method = ledgerdomain.MethodExternalPayment
	}
	entry, err := s.ledgerSvc.Credit(c.Request.Context(), ledgerdomain.CreditRequest{
		OrganizationID: orgID,
		Amount:         body.Amount,
		Currency:       body.Currency,
		Method:         method,
		Description:    body.Description,
	})
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (s *Server) billingHistory(c *gin.Context) {
	orgID, ok := parseID(c.Param("org_id"))
	if !ok {
		s.abortWithError(c, http.StatusBadRequest, "invalid_organization_id", ledgerdomain.ErrInvalidOrganization)
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		s.abortWithError(c, http.StatusBadRequest, "invalid_pagination", err)
		return
	}

	resp, err := s.meteringSvc.BillingHistory(c.Request.Context(), meteringdomain.HistoryRequest{
		OrganizationID: orgID,
		Pagination:     page,
	})
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) billingSummary(c *gin.Context) {
	orgID, ok := parseID(c.Param("org_id"))
	if !ok {
		s.abortWithError(c, http.StatusBadRequest, "invalid_organization_id", ledgerdomain.ErrInvalidOrganization)
		return
	}

	summary, err := s.meteringSvc.BillingSummary(c.Request.Context(), orgID)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) triggerRun(c *gin.Context) {
	if s.scheduler == nil {
		s.abortWithError(c, http.StatusNotFound, "scheduler_disabled", errors.New("scheduler not running"))
		return
	}

	summary, err := s.scheduler.RunOnce(c.Request.Context())
	if errors.Is(err, scheduler.ErrRunInProgress) {
		s.abortWithError(c, http.StatusConflict, "run_in_progress", err)
		return
	}
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) lastRun(c *gin.Context) {
	if s.scheduler == nil {
		s.abortWithError(c, http.StatusNotFound, "scheduler_disabled", errors.New("scheduler not running"))
		return
	}

	summary := s.scheduler.LastRun()
	if summary == nil {
		c.JSON(http.StatusOK, gin.H{"last_run": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"last_run": summary})
}

func (s *Server) abortWithError(c *gin.Context, status int, code string, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": code})
}

// writeDomainError maps domain sentinels onto HTTP statuses. Anything
// unclassified is a 500 with an opaque body.
func (s *Server) writeDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, instancedomain.ErrInstanceNotFound):
		s.abortWithError(c, http.StatusNotFound, "instance_not_found", err)
	case errors.Is(err, instancedomain.ErrInstanceExists):
		s.abortWithError(c, http.StatusConflict, "instance_exists", err)
	case errors.Is(err, instancedomain.ErrInvalidInstance):
		s.abortWithError(c, http.StatusBadRequest, "invalid_instance", err)
	case errors.Is(err, ledgerdomain.ErrWalletNotFound):
		s.abortWithError(c, http.StatusNotFound, "wallet_not_found", err)
	case errors.Is(err, ledgerdomain.ErrInvalidOrganization):
		s.abortWithError(c, http.StatusBadRequest, "invalid_organization", err)
	case errors.Is(err, ledgerdomain.ErrInvalidAmount):
		s.abortWithError(c, http.StatusBadRequest, "invalid_amount", err)
	case errors.Is(err, ledgerdomain.ErrInsufficientBalance):
		s.abortWithError(c, http.StatusPaymentRequired, "insufficient_balance", err)
	default:
		s.abortWithError(c, http.StatusInternalServerError, "internal_error", err)
	}
}

func classifyErrorForLog(err error) (string, string) {
	switch {
	case errors.Is(err, instancedomain.ErrInstanceNotFound),
		errors.Is(err, ledgerdomain.ErrWalletNotFound):
		return "not_found", "404"
	case errors.Is(err, instancedomain.ErrInvalidInstance),
		errors.Is(err, ledgerdomain.ErrInvalidOrganization),
		errors.Is(err, ledgerdomain.ErrInvalidAmount):
		return "validation_error", "400"
	case errors.Is(err, instancedomain.ErrInstanceExists):
		return "conflict", "409"
	case errors.Is(err, ledgerdomain.ErrInsufficientBalance):
		return "payment_required", "402"
	default:
		return "internal_error", "500"
	}
}
