package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/shortside/locatefee/internal/configstore"
	"github.com/shortside/locatefee/internal/fees"
	"github.com/shortside/locatefee/internal/pricing"
	"github.com/shortside/locatefee/internal/validation"
)

// calculateRequest is the wire shape of a fee calculation. position_value
// accepts a JSON string or number; strings are recommended to avoid float
// truncation on the client side.
type calculateRequest struct {
	Ticker        string          `json:"ticker"`
	PositionValue decimal.Decimal `json:"position_value"`
	LoanDays      int             `json:"loan_days"`
	ClientID      string          `json:"client_id"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCalculateFee(c *gin.Context) {
	var req calculateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed request body", Reason: err.Error()})
		return
	}

	breakdown, err := s.fees.CalculateFee(c.Request.Context(), &pricing.CalculationRequest{
		Ticker:        req.Ticker,
		PositionValue: req.PositionValue,
		LoanDays:      req.LoanDays,
		ClientID:      req.ClientID,
	})
	if err != nil {
		s.writeCalculationError(c, err)
		return
	}

	c.JSON(http.StatusOK, breakdown)
}

func (s *Server) handleGetBorrowRate(c *gin.Context) {
	rate, err := s.fees.GetBorrowRate(c.Request.Context(), c.Param("ticker"))
	if err != nil {
		s.writeCalculationError(c, err)
		return
	}
	c.JSON(http.StatusOK, rate)
}

func (s *Server) handleGetHealth(c *gin.Context) {
	health := s.fees.Health(c.Request.Context())

	status := http.StatusOK
	if !health.CacheOK {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}

// brokerRequest is the admin write shape for broker configuration
type brokerRequest struct {
	MarkupPercent       decimal.Decimal `json:"markup_percent"`
	TransactionFeeType  string          `json:"transaction_fee_type"`
	TransactionFeeValue decimal.Decimal `json:"transaction_fee_value"`
	MinRateOverride     decimal.Decimal `json:"min_rate_override"`
	RateLimitTier       string          `json:"rate_limit_tier"`
	Active              bool            `json:"active"`
}

func (s *Server) handleUpsertBroker(c *gin.Context) {
	var req brokerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed request body", Reason: err.Error()})
		return
	}

	cfg := &pricing.BrokerConfig{
		ClientID:            c.Param("client_id"),
		MarkupPercent:       req.MarkupPercent,
		TransactionFeeType:  pricing.FeeType(req.TransactionFeeType),
		TransactionFeeValue: req.TransactionFeeValue,
		MinRateOverride:     req.MinRateOverride,
		RateLimitTier:       req.RateLimitTier,
		Active:              req.Active,
	}
	if cfg.RateLimitTier == "" {
		cfg.RateLimitTier = "standard"
	}

	if errs := validation.ValidateBrokerConfig(cfg); errs.HasErrors() {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid broker config", Reason: errs.Error()})
		return
	}

	if err := s.config.UpsertBroker(c.Request.Context(), cfg); err != nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "config store unavailable", Reason: err.Error()})
		return
	}

	c.JSON(http.StatusOK, cfg)
}

type minRateRequest struct {
	MinRate decimal.Decimal `json:"min_rate"`
}

func (s *Server) handleSetMinRate(c *gin.Context) {
	var req minRateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed request body", Reason: err.Error()})
		return
	}

	ticker := validation.SanitizeTicker(c.Param("ticker"))
	v := validation.NewValidator()
	v.Ticker("ticker", ticker)
	v.NonNegativeDecimal("min_rate", req.MinRate)
	if v.HasErrors() {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid min rate", Reason: v.Errors().Error()})
		return
	}

	if err := s.config.SetMinRate(c.Request.Context(), ticker, req.MinRate); err != nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "config store unavailable", Reason: err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ticker": ticker, "min_rate": req.MinRate})
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "locatefee",
		"status":  "running",
	})
}

// writeCalculationError maps service errors to HTTP statuses
func (s *Server) writeCalculationError(c *gin.Context, err error) {
	var calcErr *fees.CalculationError

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, errorResponse{Error: "request deadline exceeded", Reason: err.Error()})
	case errors.As(err, &calcErr):
		c.JSON(http.StatusBadRequest, errorResponse{Error: "calculation rejected", Reason: calcErr.Error()})
	case errors.Is(err, configstore.ErrBrokerNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: "unknown client", Reason: err.Error()})
	case errors.Is(err, fees.ErrAuditBackpressure):
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "audit pipeline saturated", Reason: err.Error()})
	case errors.Is(err, configstore.ErrConfigUnavailable):
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "config store unavailable", Reason: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}
