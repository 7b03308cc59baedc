// Package safety decides how the platform reacts to failures: keep
// going, pause a scope, or halt trading entirely.
package safety

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradewire/tradewire/errs"
	"github.com/tradewire/tradewire/internal/eventbus"
	"github.com/tradewire/tradewire/internal/observability"
)

// Record is one handled error and the decision taken for it.
type Record struct {
	ID                string        `json:"id"`
	At                time.Time     `json:"at"`
	Category          errs.Category `json:"category"`
	Severity          errs.Severity `json:"severity"`
	Action            Action        `json:"action"`
	Rule              string        `json:"rule,omitempty"`
	Message           string        `json:"message"`
	UserID            string        `json:"user_id,omitempty"`
	StrategyID        string        `json:"strategy_id,omitempty"`
	Symbol            string        `json:"symbol,omitempty"`
	ImpactEstimate    string        `json:"impact_estimate,omitempty"`
	HumanIntervention bool          `json:"human_intervention"`
	Resolved          bool          `json:"resolved"`
	ResolvedAt        time.Time     `json:"resolved_at,omitzero"`
	Notes             string        `json:"notes,omitempty"`
}

// Status is the operator-facing view of trading permissions.
type Status struct {
	TradingAllowed       bool     `json:"trading_allowed"`
	Shutdown             bool     `json:"shutdown"`
	PausedUsers          []string `json:"paused_users"`
	PausedStrategies     []string `json:"paused_strategies"`
	PausedSymbols        []string `json:"paused_symbols"`
	ActiveCriticalErrors []Record `json:"active_critical_errors"`
	HandledTotal         uint64   `json:"handled_total"`
}

// Config wires the handler.
type Config struct {
	Rules  []Rule
	Events eventbus.Bus
	Clock  func() time.Time
	// OnRecord, when set, observes every handled error after the
	// decision is applied.
	OnRecord func(Record)
}

// Handler owns the paused sets, the halt flag, and the error records.
// All mutation of those goes through it.
type Handler struct {
	rules    []Rule
	events   eventbus.Bus
	now      func() time.Time
	onRecord func(Record)

	mu               sync.RWMutex
	pausedUsers      map[string]struct{}
	pausedStrategies map[string]struct{}
	pausedSymbols    map[string]struct{}
	halted           bool
	shutdown         bool
	occurrences      map[string][]time.Time
	records          map[string]*Record
	activeCritical   map[string]struct{}
	handledTotal     uint64
}

// NewHandler constructs a handler, defaulting to DefaultRules.
func NewHandler(cfg Config) *Handler {
	h := new(Handler)
	h.rules = cfg.Rules
	if len(h.rules) == 0 {
		h.rules = DefaultRules()
	}
	h.events = cfg.Events
	h.onRecord = cfg.OnRecord
	h.now = cfg.Clock
	if h.now == nil {
		h.now = time.Now
	}
	h.pausedUsers = make(map[string]struct{})
	h.pausedStrategies = make(map[string]struct{})
	h.pausedSymbols = make(map[string]struct{})
	h.occurrences = make(map[string][]time.Time)
	h.records = make(map[string]*Record)
	h.activeCritical = make(map[string]struct{})
	return h
}

// HandleError classifies the failure, applies the sliding-window
// escalation, executes the decided action, and returns it.
func (h *Handler) HandleError(err error) Action {
	if err == nil {
		return ActionContinue
	}
	now := h.now()
	record := h.buildRecord(err, now)

	h.mu.Lock()
	h.handledTotal++

	if rule := h.findRule(record.Message); rule != nil {
		record.Rule = rule.Name
		record.Category = rule.Category
		record.Severity = rule.Severity
		record.Action = rule.Action
		record.HumanIntervention = rule.HumanIntervention
		if h.countOccurrence(rule, now) {
			record.Severity = rule.EscalateSeverity
			record.Action = rule.EscalateAction
		}
	} else {
		record.Severity = inferSeverity(record.Category, record.Message)
		record.Action = ActionContinue
		if record.Severity >= errs.SeverityCritical {
			record.Action = ActionPauseAll
			record.HumanIntervention = true
		}
	}

	h.records[record.ID] = record
	h.apply(record)
	action := record.Action
	snapshot := *record
	h.mu.Unlock()

	h.log(record)
	h.announce(action, record)
	if h.onRecord != nil {
		h.onRecord(snapshot)
	}
	return action
}

func (h *Handler) buildRecord(err error, now time.Time) *Record {
	record := new(Record)
	record.ID = uuid.NewString()
	record.At = now
	record.Category = errs.CategoryOf(err)
	record.Message = strings.ToLower(strings.TrimSpace(err.Error()))
	var e *errs.E
	if errors.As(err, &e) {
		record.UserID = e.UserID
		record.StrategyID = e.StrategyID
		record.Symbol = e.Symbol
		record.ImpactEstimate = e.ImpactEstimate
	}
	return record
}

func (h *Handler) findRule(message string) *Rule {
	for i := range h.rules {
		if h.rules[i].matches(message) {
			return &h.rules[i]
		}
	}
	return nil
}

// countOccurrence records one hit against the rule's sliding window and
// reports whether the threshold was reached.
func (h *Handler) countOccurrence(rule *Rule, now time.Time) bool {
	cutoff := now.Add(-rule.Window)
	hits := h.occurrences[rule.Name]
	kept := hits[:0]
	for _, at := range hits {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	kept = append(kept, now)
	h.occurrences[rule.Name] = kept
	return rule.MaxOccurrences > 0 && len(kept) >= rule.MaxOccurrences
}

func (h *Handler) apply(record *Record) {
	switch record.Action {
	case ActionContinue:
	case ActionPauseUser:
		if record.UserID != "" {
			h.pausedUsers[record.UserID] = struct{}{}
		}
	case ActionPauseStrategy:
		if record.StrategyID != "" {
			h.pausedStrategies[record.StrategyID] = struct{}{}
		}
	case ActionPauseSymbol:
		if record.Symbol != "" {
			h.pausedSymbols[record.Symbol] = struct{}{}
		}
	case ActionPauseAll:
		h.halted = true
		h.activeCritical[record.ID] = struct{}{}
	case ActionShutdown:
		h.halted = true
		h.shutdown = true
		h.activeCritical[record.ID] = struct{}{}
	}
}

func (h *Handler) log(record *Record) {
	fields := []observability.Field{
		observability.String("error_id", record.ID),
		observability.String("category", string(record.Category)),
		observability.String("severity", record.Severity.String()),
		observability.String("action", string(record.Action)),
		observability.String("message", record.Message),
	}
	if record.UserID != "" {
		fields = append(fields, observability.String("user_id", record.UserID))
	}
	if record.Severity >= errs.SeverityCritical {
		observability.Log().Error("safety: critical error handled", fields...)
	} else {
		observability.Log().Warn("safety: error handled", fields...)
	}
	observability.Telemetry().IncCounter("safety.errors.handled", 1, map[string]string{
		"category": string(record.Category),
		"action":   string(record.Action),
	})
}

func (h *Handler) announce(action Action, record *Record) {
	if h.events == nil || action == ActionContinue {
		return
	}
	evt := eventbus.NewEvent(eventbus.TypeTradingPaused)
	evt.UserID = record.UserID
	evt.StrategyID = record.StrategyID
	evt.Symbol = record.Symbol
	evt.Payload = map[string]string{
		"action":   string(action),
		"error_id": record.ID,
	}
	h.events.Publish(evt)
}

// ShouldAllowTrading reports whether an order for the given scope may
// proceed. Empty arguments skip that dimension.
func (h *Handler) ShouldAllowTrading(userID, strategyID, symbol string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.halted || h.shutdown {
		return false
	}
	if userID != "" {
		if _, paused := h.pausedUsers[userID]; paused {
			return false
		}
	}
	if strategyID != "" {
		if _, paused := h.pausedStrategies[strategyID]; paused {
			return false
		}
	}
	if symbol != "" {
		if _, paused := h.pausedSymbols[symbol]; paused {
			return false
		}
	}
	return true
}

// ResolveError marks the record resolved. The global halt clears only
// when no active critical errors remain.
func (h *Handler) ResolveError(errorID, notes string) bool {
	h.mu.Lock()
	record, ok := h.records[errorID]
	if !ok || record.Resolved {
		h.mu.Unlock()
		return false
	}
	record.Resolved = true
	record.ResolvedAt = h.now()
	record.Notes = notes
	delete(h.activeCritical, errorID)
	cleared := h.halted && !h.shutdown && len(h.activeCritical) == 0
	if cleared {
		h.halted = false
	}
	h.mu.Unlock()

	observability.Log().Info("safety: error resolved",
		observability.String("error_id", errorID),
		observability.String("notes", notes))
	if cleared && h.events != nil {
		h.events.Publish(eventbus.NewEvent(eventbus.TypeTradingResumed))
	}
	return true
}

// ForceResumeTrading clears the halt flag and every paused set. It does
// not resolve the underlying error records.
func (h *Handler) ForceResumeTrading() {
	h.mu.Lock()
	h.halted = false
	h.shutdown = false
	h.pausedUsers = make(map[string]struct{})
	h.pausedStrategies = make(map[string]struct{})
	h.pausedSymbols = make(map[string]struct{})
	h.activeCritical = make(map[string]struct{})
	h.mu.Unlock()

	observability.Log().Warn("safety: trading force-resumed by operator")
	if h.events != nil {
		h.events.Publish(eventbus.NewEvent(eventbus.TypeTradingResumed))
	}
}

// SystemStatus snapshots the paused sets and active critical errors.
func (h *Handler) SystemStatus() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	status := Status{
		TradingAllowed:   !h.halted && !h.shutdown,
		Shutdown:         h.shutdown,
		PausedUsers:      sortedKeys(h.pausedUsers),
		PausedStrategies: sortedKeys(h.pausedStrategies),
		PausedSymbols:    sortedKeys(h.pausedSymbols),
		HandledTotal:     h.handledTotal,
	}
	status.ActiveCriticalErrors = make([]Record, 0, len(h.activeCritical))
	for id := range h.activeCritical {
		if record, ok := h.records[id]; ok {
			status.ActiveCriticalErrors = append(status.ActiveCriticalErrors, *record)
		}
	}
	sort.Slice(status.ActiveCriticalErrors, func(i, j int) bool {
		return status.ActiveCriticalErrors[i].At.Before(status.ActiveCriticalErrors[j].At)
	})
	return status
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
