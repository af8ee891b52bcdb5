// Package httpapi exposes the renewal flow over HTTP with gin. One write
// endpoint drives the saga; everything else is health plumbing.
package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/keygrid/renewd/renew"
)

// UserHeader carries the authenticated user id, set by whatever auth layer
// fronts the service.
const UserHeader = "X-User-ID"

// Renewer runs one renewal saga to completion.
type Renewer interface {
	Renew(ctx context.Context, userID string, class renew.DurationClass) renew.Result
}

// RenewalRequest is the POST /renewals body. Duration is the only
// caller-supplied parameter; everything else is priced and resolved
// server-side.
type RenewalRequest struct {
	Duration int `json:"duration"`
}

// SuccessResponse is the success envelope.
type SuccessResponse struct {
	Success bool           `json:"success"`
	Data    *renew.Receipt `json:"data"`
}

// FailureResponse is the failure envelope. Recovery is present whenever
// the failure happened after an attempt record existed.
type FailureResponse struct {
	Success  bool            `json:"success"`
	Error    string          `json:"error"`
	Recovery *renew.Recovery `json:"recovery,omitempty"`
}

// RenewalHandler translates HTTP requests into saga runs and saga results
// into the response envelopes.
type RenewalHandler struct {
	renewer Renewer
	log     *zap.SugaredLogger
}

// NewRenewalHandler wires the handler to the renewal engine.
func NewRenewalHandler(renewer Renewer, log *zap.SugaredLogger) *RenewalHandler {
	return &RenewalHandler{renewer: renewer, log: log}
}

// Renew handles POST /renewals.
func (h *RenewalHandler) Renew(c *gin.Context) {
	userID := c.GetHeader(UserHeader)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, FailureResponse{Error: "missing user identity"})
		return
	}

	var req RenewalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, FailureResponse{Error: "invalid request body"})
		return
	}

	result := h.renewer.Renew(c.Request.Context(), userID, renew.DurationClass(req.Duration))
	if result.Success {
		c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: result.Receipt})
		return
	}

	status := failureStatus(result)
	if status >= http.StatusInternalServerError {
		h.log.Warnw("renewal failed", "user_id", userID, "status", status, "error", result.Err)
	}
	c.JSON(status, FailureResponse{Error: result.Err.Error(), Recovery: result.Recovery})
}

// failureStatus classifies the saga error for the HTTP layer. Validation
// and balance failures are the caller's to fix; authorization faults and
// unconfirmed rollbacks are the service's.
func failureStatus(result renew.Result) int {
	var validation *renew.ValidationError
	if errors.As(result.Err, &validation) {
		return http.StatusBadRequest
	}
	var insufficient *renew.InsufficientBalanceError
	if errors.As(result.Err, &insufficient) {
		return http.StatusPaymentRequired
	}
	if result.Recovery != nil && result.Recovery.Action == renew.RecoveryManualReview {
		return http.StatusInternalServerError
	}
	return http.StatusBadGateway
}

// HealthCheck handles GET /healthz.
func HealthCheck(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// NewRouter builds the gin engine with the renewal routes mounted.
func NewRouter(handler *RenewalHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", HealthCheck)
	r.POST("/renewals", handler.Renew)
	return r
}
