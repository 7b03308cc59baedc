package safety

import (
	"testing"
	"time"

	"github.com/tradewire/tradewire/errs"
)

func financialShortfall(userID string) error {
	return errs.New("broker/paper.place", errs.CodeRejected,
		errs.WithMessage("insufficient funds for order"),
		errs.WithCategory(errs.CategoryFinancial),
		errs.WithSeverity(errs.SeverityCritical),
		errs.WithUser(userID))
}

func TestFinancialShortfallHaltsOnFirstOccurrence(t *testing.T) {
	h := NewHandler(Config{})

	if !h.ShouldAllowTrading("user-1", "strat-a", "RELIANCE") {
		t.Fatal("trading blocked before any error")
	}

	action := h.HandleError(financialShortfall("user-1"))
	if action != ActionPauseAll {
		t.Fatalf("action = %s, want PAUSE_ALL", action)
	}
	if h.ShouldAllowTrading("", "", "") {
		t.Fatal("trading still allowed after financial shortfall")
	}
	if h.ShouldAllowTrading("other-user", "other-strat", "TCS") {
		t.Fatal("halt must cover every scope")
	}

	status := h.SystemStatus()
	if status.TradingAllowed {
		t.Fatal("status reports trading allowed during halt")
	}
	if len(status.ActiveCriticalErrors) != 1 {
		t.Fatalf("active critical errors = %d, want 1", len(status.ActiveCriticalErrors))
	}
	record := status.ActiveCriticalErrors[0]
	if !record.HumanIntervention {
		t.Fatal("financial shortfall must require human intervention")
	}

	if !h.ResolveError(record.ID, "funds topped up") {
		t.Fatal("resolve returned false for known error")
	}
	if !h.ShouldAllowTrading("user-1", "", "") {
		t.Fatal("halt not cleared after sole critical error resolved")
	}
}

func TestHaltPersistsWhileAnyCriticalRemains(t *testing.T) {
	h := NewHandler(Config{})

	h.HandleError(financialShortfall("user-1"))
	h.HandleError(errs.New("engine/audit.write", errs.CodeUnavailable,
		errs.WithMessage("database connection lost"),
		errs.WithCategory(errs.CategoryDatabase)))

	status := h.SystemStatus()
	if len(status.ActiveCriticalErrors) != 2 {
		t.Fatalf("active critical errors = %d, want 2", len(status.ActiveCriticalErrors))
	}

	if !h.ResolveError(status.ActiveCriticalErrors[0].ID, "first resolved") {
		t.Fatal("resolve returned false")
	}
	if h.ShouldAllowTrading("", "", "") {
		t.Fatal("halt cleared while a critical error is still active")
	}

	if !h.ResolveError(status.ActiveCriticalErrors[1].ID, "second resolved") {
		t.Fatal("resolve returned false")
	}
	if !h.ShouldAllowTrading("", "", "") {
		t.Fatal("halt not cleared after all critical errors resolved")
	}
}

func TestEscalationTriggersOnThresholdNotBefore(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	h := NewHandler(Config{Clock: func() time.Time { return now }})

	rejection := func() error {
		return errs.New("broker/paper.place", errs.CodeRejected,
			errs.WithMessage("order rejected by broker"),
			errs.WithCategory(errs.CategoryOrderExecution),
			errs.WithUser("user-1"))
	}

	for i := 0; i < 4; i++ {
		now = now.Add(time.Minute)
		if action := h.HandleError(rejection()); action != ActionContinue {
			t.Fatalf("occurrence %d: action = %s, want CONTINUE", i+1, action)
		}
	}
	if !h.ShouldAllowTrading("user-1", "", "") {
		t.Fatal("user paused before reaching the occurrence threshold")
	}

	now = now.Add(time.Minute)
	if action := h.HandleError(rejection()); action != ActionPauseUser {
		t.Fatalf("5th occurrence: action = %s, want PAUSE_USER", action)
	}
	if h.ShouldAllowTrading("user-1", "", "") {
		t.Fatal("user not paused after escalation")
	}
	if !h.ShouldAllowTrading("user-2", "", "") {
		t.Fatal("escalation for one user paused another")
	}
}

func TestOccurrencesOutsideWindowDoNotCount(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	h := NewHandler(Config{Clock: func() time.Time { return now }})

	rejection := errs.New("broker/paper.place", errs.CodeRejected,
		errs.WithMessage("order rejected by broker"), errs.WithUser("user-1"))

	for i := 0; i < 4; i++ {
		now = now.Add(time.Minute)
		h.HandleError(rejection)
	}
	// The window is 10 minutes; push the early hits out of it.
	now = now.Add(11 * time.Minute)
	if action := h.HandleError(rejection); action != ActionContinue {
		t.Fatalf("action after window reset = %s, want CONTINUE", action)
	}
}

func TestUnmatchedErrorsDefaultToMediumContinue(t *testing.T) {
	h := NewHandler(Config{})

	action := h.HandleError(errs.New("fanout/executor.process", errs.CodeUnavailable,
		errs.WithMessage("subscriber lookup timed out")))
	if action != ActionContinue {
		t.Fatalf("action = %s, want CONTINUE", action)
	}
	if !h.ShouldAllowTrading("", "", "") {
		t.Fatal("medium error must not halt trading")
	}

	// Financial category with no matching rule still halts.
	action = h.HandleError(errs.New("fanout/executor.process", errs.CodeUnavailable,
		errs.WithMessage("ledger drift detected"),
		errs.WithCategory(errs.CategoryFinancial)))
	if action != ActionPauseAll {
		t.Fatalf("action = %s, want PAUSE_ALL for unmatched financial error", action)
	}
}

func TestForceResumeClearsEverything(t *testing.T) {
	h := NewHandler(Config{})

	h.HandleError(financialShortfall("user-1"))
	for i := 0; i < 5; i++ {
		h.HandleError(errs.New("broker/paper.place", errs.CodeRejected,
			errs.WithMessage("order rejected by broker"), errs.WithUser("user-2")))
	}
	if h.ShouldAllowTrading("user-2", "", "") {
		t.Fatal("expected user-2 paused before resume")
	}

	h.ForceResumeTrading()
	status := h.SystemStatus()
	if !status.TradingAllowed {
		t.Fatal("trading not allowed after force resume")
	}
	if len(status.PausedUsers)+len(status.PausedStrategies)+len(status.PausedSymbols) != 0 {
		t.Fatalf("paused sets not cleared: %+v", status)
	}
	if len(status.ActiveCriticalErrors) != 0 {
		t.Fatal("active critical errors not cleared by force resume")
	}
	if !h.ShouldAllowTrading("user-1", "", "") || !h.ShouldAllowTrading("user-2", "", "") {
		t.Fatal("scopes still paused after force resume")
	}
}

func TestResolveUnknownErrorReturnsFalse(t *testing.T) {
	h := NewHandler(Config{})
	if h.ResolveError("missing-id", "notes") {
		t.Fatal("resolve returned true for unknown error id")
	}
}
