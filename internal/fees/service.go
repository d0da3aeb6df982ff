// Package fees is the calculation service: the entry point that validates a
// request, assembles broker configuration and market signals, runs the
// pricing kernel and guarantees an audit record for every outcome.
package fees

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/shortside/locatefee/internal/audit"
	"github.com/shortside/locatefee/internal/cache"
	"github.com/shortside/locatefee/internal/metrics"
	"github.com/shortside/locatefee/internal/pricing"
	"github.com/shortside/locatefee/internal/resilience"
	"github.com/shortside/locatefee/internal/validation"
)

// ErrAuditBackpressure demotes an otherwise successful calculation when its
// audit record could not be queued. A fee the audit trail cannot account for
// is never returned.
var ErrAuditBackpressure = errors.New("audit queue saturated, calculation rejected")

// CalculationError reports an invalid request or a failed formula
// precondition
type CalculationError struct {
	Reason string
	Err    error
}

func (e *CalculationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("calculation failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("calculation failed: %s", e.Reason)
}

func (e *CalculationError) Unwrap() error { return e.Err }

// ConfigSource provides broker terms and minimum rates
type ConfigSource interface {
	GetBroker(ctx context.Context, clientID string) (*pricing.BrokerConfig, error)
	GetMinRate(ctx context.Context, ticker string) (decimal.Decimal, bool, error)
	ConfigGeneration() uint64
}

// SignalSource provides the market signal bundle
type SignalSource interface {
	GetBundle(ctx context.Context, ticker string, loanDays int) (*pricing.SignalBundle, error)
	SignalGeneration() uint64
}

// AuditSink accepts audit records for durable persistence
type AuditSink interface {
	Enqueue(ctx context.Context, rec *audit.Record) error
	QueueDepth() int
}

// Health is the service health snapshot
type Health struct {
	CacheOK         bool              `json:"cache_ok"`
	SharedCacheOK   bool              `json:"shared_cache_ok"`
	AuditQueueDepth int               `json:"audit_queue_depth"`
	BreakerStates   map[string]string `json:"breaker_states"`
}

// BorrowRate is the standalone borrow rate lookup result
type BorrowRate struct {
	Ticker      string               `json:"ticker"`
	Rate        decimal.Decimal      `json:"rate"`
	Status      pricing.BorrowStatus `json:"status"`
	Source      pricing.SourceFlag   `json:"source"`
	RetrievedAt time.Time            `json:"retrieved_at"`
}

// Service is the calculation service
type Service struct {
	kernel      *pricing.Kernel
	config      ConfigSource
	signals     SignalSource
	cache       *cache.Tiered
	auditor     AuditSink
	exec        *resilience.Executor
	maxLoanDays int
}

// New creates the calculation service. maxLoanDays bounds the accepted tenor
// to the event calendar horizon.
func New(kernel *pricing.Kernel, config ConfigSource, signals SignalSource, tiered *cache.Tiered, auditor AuditSink, exec *resilience.Executor, maxLoanDays int) *Service {
	return &Service{
		kernel:      kernel,
		config:      config,
		signals:     signals,
		cache:       tiered,
		auditor:     auditor,
		exec:        exec,
		maxLoanDays: maxLoanDays,
	}
}

// CalculateFee prices a locate for the given request. Every outcome except
// an invalid client_id leaves an audit record; a success whose record cannot
// be queued is demoted to ErrAuditBackpressure.
func (s *Service) CalculateFee(ctx context.Context, req *pricing.CalculationRequest) (*pricing.FeeBreakdown, error) {
	start := time.Now()

	req.Ticker = validation.SanitizeTicker(req.Ticker)
	if errs := validation.ValidateCalculationRequest(req, s.maxLoanDays); errs.HasErrors() {
		calcErr := &CalculationError{Reason: "invalid request", Err: errs}
		s.auditFailure(ctx, req, nil, calcErr.Reason+": "+errs.Error())
		metrics.RecordCalculation("invalid", float64(time.Since(start).Milliseconds()))
		return nil, calcErr
	}

	fingerprint := s.fingerprint(req)
	if raw, ok := s.cache.Get(ctx, cache.KeyspaceCalc, fingerprint); ok {
		var breakdown pricing.FeeBreakdown
		if err := json.Unmarshal(raw, &breakdown); err == nil {
			metrics.FingerprintHits.Inc()
			metrics.RecordCalculation("cached", float64(time.Since(start).Milliseconds()))
			return &breakdown, nil
		}
	}

	broker, err := s.config.GetBroker(ctx, req.ClientID)
	if err != nil {
		metrics.RecordCalculation("error", float64(time.Since(start).Milliseconds()))
		return nil, err
	}
	if !broker.Active {
		calcErr := &CalculationError{Reason: "broker not active"}
		s.auditFailure(ctx, req, nil, calcErr.Reason)
		metrics.RecordCalculation("error", float64(time.Since(start).Milliseconds()))
		return nil, calcErr
	}

	bundle, err := s.signals.GetBundle(ctx, req.Ticker, req.LoanDays)
	if err != nil {
		metrics.RecordCalculation("error", float64(time.Since(start).Milliseconds()))
		return nil, err
	}

	tickerMin, _, err := s.config.GetMinRate(ctx, req.Ticker)
	if err != nil {
		metrics.RecordCalculation("error", float64(time.Since(start).Milliseconds()))
		return nil, err
	}

	breakdown, err := s.kernel.AssembleBreakdown(pricing.BreakdownInput{
		Ticker:          req.Ticker,
		ClientID:        req.ClientID,
		PositionValue:   req.PositionValue,
		LoanDays:        req.LoanDays,
		BaseRate:        bundle.BorrowRate,
		VolatilityIndex: bundle.Volatility,
		EventRisk:       decimal.NewFromInt(int64(bundle.EventRisk)),
		BrokerMinRate:   broker.MinRateOverride,
		TickerMinRate:   tickerMin,
		MarkupPercent:   broker.MarkupPercent,
		FeeType:         broker.TransactionFeeType,
		FeeValue:        broker.TransactionFeeValue,
		DataSources:     bundle.Sources,
		CalculatedAt:    time.Now().UTC(),
	})
	if err != nil {
		calcErr := &CalculationError{Reason: "formula precondition failed", Err: err}
		s.auditFailure(ctx, req, bundle, err.Error())
		metrics.RecordCalculation("error", float64(time.Since(start).Milliseconds()))
		return nil, calcErr
	}

	if raw, merr := json.Marshal(breakdown); merr == nil {
		s.cache.Set(ctx, cache.KeyspaceCalc, fingerprint, raw)
	}

	if err := s.auditor.Enqueue(ctx, &audit.Record{
		ClientID:  req.ClientID,
		Ticker:    req.Ticker,
		Outcome:   audit.OutcomeSuccess,
		Inputs:    *req,
		Breakdown: breakdown,
		Signals:   bundle,
	}); err != nil {
		log.Error().
			Err(err).
			Str("client_id", req.ClientID).
			Str("ticker", req.Ticker).
			Msg("Audit enqueue failed, demoting successful calculation")
		metrics.RecordCalculation("audit_rejected", float64(time.Since(start).Milliseconds()))
		return nil, fmt.Errorf("%w: %v", ErrAuditBackpressure, err)
	}

	metrics.RecordCalculation("success", float64(time.Since(start).Milliseconds()))
	return breakdown, nil
}

// GetBorrowRate returns the effective borrow view for a ticker without
// pricing a position
func (s *Service) GetBorrowRate(ctx context.Context, ticker string) (*BorrowRate, error) {
	ticker = validation.SanitizeTicker(ticker)

	v := validation.NewValidator()
	v.Ticker("ticker", ticker)
	if v.HasErrors() {
		return nil, &CalculationError{Reason: "invalid request", Err: v.Errors()}
	}

	bundle, err := s.signals.GetBundle(ctx, ticker, 1)
	if err != nil {
		return nil, err
	}

	return &BorrowRate{
		Ticker:      ticker,
		Rate:        bundle.BorrowRate,
		Status:      bundle.BorrowStatus,
		Source:      bundle.Sources.Borrow,
		RetrievedAt: bundle.RetrievedAt,
	}, nil
}

// Health reports the serving posture of the pipeline
func (s *Service) Health(ctx context.Context) Health {
	return Health{
		CacheOK:         true,
		SharedCacheOK:   s.cache.SharedHealthy(ctx),
		AuditQueueDepth: s.auditor.QueueDepth(),
		BreakerStates:   s.exec.States(),
	}
}

// fingerprint derives the calc cache key. Including both generations means
// any config or signal invalidation retires every cached result that could
// have depended on it. The position value is rendered at kernel scale so
// "100000" and "100000.00" land on the same entry.
func (s *Service) fingerprint(req *pricing.CalculationRequest) string {
	h := sha256.New()
	h.Write([]byte(req.Ticker))
	h.Write([]byte{'|'})
	h.Write([]byte(req.PositionValue.StringFixed(s.kernel.Constants().Scale)))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.Itoa(req.LoanDays)))
	h.Write([]byte{'|'})
	h.Write([]byte(req.ClientID))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatUint(s.config.ConfigGeneration(), 10)))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatUint(s.signals.SignalGeneration(), 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// auditFailure records a failed calculation. Requests without a usable
// client_id cannot be assigned to an audit partition and are logged instead.
func (s *Service) auditFailure(ctx context.Context, req *pricing.CalculationRequest, bundle *pricing.SignalBundle, reason string) {
	if req.ClientID == "" {
		log.Warn().
			Str("ticker", req.Ticker).
			Str("reason", reason).
			Msg("Rejected calculation has no client_id, skipping audit record")
		return
	}

	if err := s.auditor.Enqueue(ctx, &audit.Record{
		ClientID: req.ClientID,
		Ticker:   req.Ticker,
		Outcome:  audit.OutcomeFailed,
		Reason:   reason,
		Inputs:   *req,
		Signals:  bundle,
	}); err != nil {
		log.Error().
			Err(err).
			Str("client_id", req.ClientID).
			Msg("Failed to audit rejected calculation")
	}
}
