package safety

import (
	"strings"
	"time"

	"github.com/tradewire/tradewire/errs"
)

// Action is what the handler decided to do about an error.
type Action string

const (
	ActionContinue      Action = "CONTINUE"
	ActionPauseUser     Action = "PAUSE_USER"
	ActionPauseStrategy Action = "PAUSE_STRATEGY"
	ActionPauseSymbol   Action = "PAUSE_SYMBOL"
	ActionPauseAll      Action = "PAUSE_ALL"
	ActionShutdown      Action = "SHUTDOWN"
)

// Rule classifies an error by message pattern and decides the response.
// Patterns are matched as lowercase substrings against the normalized
// message; the first matching rule wins.
type Rule struct {
	Name              string
	Patterns          []string
	Category          errs.Category
	Severity          errs.Severity
	Action            Action
	MaxOccurrences    int
	Window            time.Duration
	EscalateSeverity  errs.Severity
	EscalateAction    Action
	HumanIntervention bool
}

func (r Rule) matches(message string) bool {
	for _, pattern := range r.Patterns {
		if strings.Contains(message, pattern) {
			return true
		}
	}
	return false
}

// DefaultRules is the baseline decision table. Financial shortfalls,
// margin calls, risk-limit breaches, broker auth failures, and lost
// database connections halt all trading on first occurrence and stay
// halted until an operator resolves them.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:              "financial-shortfall",
			Patterns:          []string{"insufficient funds", "insufficient balance", "shortfall"},
			Category:          errs.CategoryFinancial,
			Severity:          errs.SeverityCritical,
			Action:            ActionPauseAll,
			MaxOccurrences:    1,
			Window:            time.Hour,
			EscalateSeverity:  errs.SeverityCritical,
			EscalateAction:    ActionPauseAll,
			HumanIntervention: true,
		},
		{
			Name:              "margin-call",
			Patterns:          []string{"margin call", "margin shortfall"},
			Category:          errs.CategoryFinancial,
			Severity:          errs.SeverityCritical,
			Action:            ActionPauseAll,
			MaxOccurrences:    1,
			Window:            time.Hour,
			EscalateSeverity:  errs.SeverityCritical,
			EscalateAction:    ActionPauseAll,
			HumanIntervention: true,
		},
		{
			Name:              "risk-limit-breach",
			Patterns:          []string{"position limit", "risk limit", "exposure limit"},
			Category:          errs.CategoryFinancial,
			Severity:          errs.SeverityCritical,
			Action:            ActionPauseAll,
			MaxOccurrences:    1,
			Window:            time.Hour,
			EscalateSeverity:  errs.SeverityCritical,
			EscalateAction:    ActionPauseAll,
			HumanIntervention: true,
		},
		{
			Name:              "broker-auth-failure",
			Patterns:          []string{"authentication failed", "invalid api key", "token expired", "unauthorized"},
			Category:          errs.CategoryAuthentication,
			Severity:          errs.SeverityCritical,
			Action:            ActionPauseAll,
			MaxOccurrences:    1,
			Window:            time.Hour,
			EscalateSeverity:  errs.SeverityCritical,
			EscalateAction:    ActionPauseAll,
			HumanIntervention: true,
		},
		{
			Name:              "database-connection-lost",
			Patterns:          []string{"database connection", "connection refused", "connection reset"},
			Category:          errs.CategoryDatabase,
			Severity:          errs.SeverityCritical,
			Action:            ActionPauseAll,
			MaxOccurrences:    1,
			Window:            time.Hour,
			EscalateSeverity:  errs.SeverityCritical,
			EscalateAction:    ActionPauseAll,
			HumanIntervention: true,
		},
		{
			Name:             "order-rejection-burst",
			Patterns:         []string{"order rejected", "rejected by broker"},
			Category:         errs.CategoryOrderExecution,
			Severity:         errs.SeverityMedium,
			Action:           ActionContinue,
			MaxOccurrences:   5,
			Window:           10 * time.Minute,
			EscalateSeverity: errs.SeverityHigh,
			EscalateAction:   ActionPauseUser,
		},
		{
			Name:             "broker-rate-limited",
			Patterns:         []string{"rate limit", "too many requests"},
			Category:         errs.CategoryBrokerConnection,
			Severity:         errs.SeverityMedium,
			Action:           ActionContinue,
			MaxOccurrences:   10,
			Window:           5 * time.Minute,
			EscalateSeverity: errs.SeverityHigh,
			EscalateAction:   ActionPauseAll,
		},
		{
			Name:             "stale-market-data",
			Patterns:         []string{"stale market data", "stale tick", "feed lag"},
			Category:         errs.CategoryMarketData,
			Severity:         errs.SeverityMedium,
			Action:           ActionContinue,
			MaxOccurrences:   100,
			Window:           5 * time.Minute,
			EscalateSeverity: errs.SeverityHigh,
			EscalateAction:   ActionPauseStrategy,
		},
	}
}

var criticalKeywords = []string{
	"fund", "margin", "balance", "money", "capital",
	"auth", "credential", "permission",
	"panic", "fatal", "corrupt",
}

// inferSeverity classifies errors no rule matched. Unknown errors stay
// MEDIUM unless financial, authentication, or system signals push them
// to CRITICAL.
func inferSeverity(category errs.Category, message string) errs.Severity {
	switch category {
	case errs.CategoryFinancial, errs.CategoryAuthentication:
		return errs.SeverityCritical
	}
	for _, kw := range criticalKeywords {
		if strings.Contains(message, kw) {
			return errs.SeverityCritical
		}
	}
	if category == errs.CategorySystem && strings.Contains(message, "shutdown") {
		return errs.SeverityCritical
	}
	return errs.SeverityMedium
}
