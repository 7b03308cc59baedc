// Package errs provides structured error types and helpers for Tradewire services.
package errs

import (
	"sort"
	"strconv"
	"strings"
)

// Category identifies the subsystem a failure originated from.
type Category string

const (
	// CategoryMarketData covers stale or missing market data.
	CategoryMarketData Category = "MARKET_DATA"
	// CategoryBrokerConnection covers broker transport failures.
	CategoryBrokerConnection Category = "BROKER_CONNECTION"
	// CategoryOrderExecution covers order placement and lifecycle failures.
	CategoryOrderExecution Category = "ORDER_EXECUTION"
	// CategoryStrategy covers strategy-originated failures.
	CategoryStrategy Category = "STRATEGY"
	// CategoryDatabase covers persistence failures.
	CategoryDatabase Category = "DATABASE"
	// CategoryAuthentication covers credential and session failures.
	CategoryAuthentication Category = "AUTHENTICATION"
	// CategorySystem covers uncategorized platform failures.
	CategorySystem Category = "SYSTEM"
	// CategoryFinancial covers fund shortfalls and risk-limit breaches.
	CategoryFinancial Category = "FINANCIAL"
)

// Severity ranks how dangerous a failure is to continued trading.
type Severity int

const (
	// SeverityLow marks routine, self-healing failures.
	SeverityLow Severity = iota + 1
	// SeverityMedium marks failures that degrade a single operation.
	SeverityMedium
	// SeverityHigh marks failures that endanger a user's session.
	SeverityHigh
	// SeverityCritical marks failures that endanger funds or the platform.
	SeverityCritical
	// SeverityFatal marks failures the process cannot recover from.
	SeverityFatal
)

// String renders the severity name used in logs and audit records.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	case SeverityFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Code identifies a closed validation or admission failure kind.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeDuplicate indicates a duplicate order admission rejection.
	CodeDuplicate Code = "duplicate"
	// CodeRateLimited indicates a rate-limit admission rejection.
	CodeRateLimited Code = "rate_limited"
	// CodeExpired indicates the signal expired before processing.
	CodeExpired Code = "expired"
	// CodeConflict indicates an invalid state transition attempt.
	CodeConflict Code = "conflict"
	// CodeRejected indicates the broker rejected the submission.
	CodeRejected Code = "rejected"
	// CodeHalted indicates trading is paused for the requested scope.
	CodeHalted Code = "halted"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the Tradewire stack.
type E struct {
	Op         string
	Code       Code
	Category   Category
	Severity   Severity
	Message    string
	UserID     string
	StrategyID string
	Symbol     string
	// ImpactEstimate is a best-effort financial impact in account currency,
	// rendered as a plain decimal string.
	ImpactEstimate string
	Metadata       map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and failure code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:       strings.TrimSpace(op),
		Code:     code,
		Category: CategorySystem,
		Severity: SeverityMedium,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithCategory records the subsystem taxonomy for the failure.
func WithCategory(category Category) Option {
	return func(e *E) {
		if category != "" {
			e.Category = category
		}
	}
}

// WithSeverity records how dangerous the failure is.
func WithSeverity(severity Severity) Option {
	return func(e *E) {
		if severity >= SeverityLow && severity <= SeverityFatal {
			e.Severity = severity
		}
	}
}

// WithUser attaches the affected user to the error.
func WithUser(userID string) Option {
	trimmed := strings.TrimSpace(userID)
	return func(e *E) {
		e.UserID = trimmed
	}
}

// WithStrategy attaches the affected strategy to the error.
func WithStrategy(strategyID string) Option {
	trimmed := strings.TrimSpace(strategyID)
	return func(e *E) {
		e.StrategyID = trimmed
	}
}

// WithSymbol attaches the affected symbol to the error.
func WithSymbol(symbol string) Option {
	trimmed := strings.TrimSpace(symbol)
	return func(e *E) {
		e.Symbol = trimmed
	}
}

// WithImpact records the estimated financial impact of the failure.
func WithImpact(impact string) Option {
	trimmed := strings.TrimSpace(impact)
	return func(e *E) {
		e.ImpactEstimate = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithMetadata merges the provided metadata into the error envelope.
func WithMetadata(meta map[string]string) Option {
	return func(e *E) {
		if len(meta) == 0 {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Metadata[key] = strings.TrimSpace(v)
		}
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Category != "" && e.Category != CategorySystem {
		parts = append(parts, "category="+string(e.Category))
	}
	if e.Severity != 0 {
		parts = append(parts, "severity="+e.Severity.String())
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.UserID != "" {
		parts = append(parts, "user="+e.UserID)
	}
	if e.StrategyID != "" {
		parts = append(parts, "strategy="+e.StrategyID)
	}
	if e.Symbol != "" {
		parts = append(parts, "symbol="+e.Symbol)
	}
	if e.ImpactEstimate != "" {
		parts = append(parts, "impact="+e.ImpactEstimate)
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CategoryOf extracts the category from err, defaulting to SYSTEM.
func CategoryOf(err error) Category {
	if e, ok := err.(*E); ok && e != nil && e.Category != "" {
		return e.Category
	}
	return CategorySystem
}

// SeverityOf extracts the severity from err, defaulting to MEDIUM.
func SeverityOf(err error) Severity {
	if e, ok := err.(*E); ok && e != nil && e.Severity != 0 {
		return e.Severity
	}
	return SeverityMedium
}
