package action

import (
	"errors"
	"testing"
	"time"

	"github.com/NowSquare/Agent-AI-sub001/internal/domain"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain/routing"
)

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusAwaitingConfirmation, true},
		{StatusPending, StatusProcessing, true},
		{StatusAwaitingConfirmation, StatusProcessing, true},
		{StatusAwaitingConfirmation, StatusFailed, true},
		{StatusAwaitingConfirmation, StatusExpired, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},

		{StatusProcessing, StatusExpired, false},
		{StatusProcessing, StatusAwaitingConfirmation, false},
		{StatusPending, StatusExpired, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusProcessing, false},
		{StatusExpired, StatusProcessing, false},
		{StatusAwaitingConfirmation, StatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.ok {
				t.Errorf("CanTransition = %v, want %v", got, tt.ok)
			}
			err := ValidateTransition(tt.from, tt.to)
			if tt.ok && err != nil {
				t.Errorf("unexpected error %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("expected ErrInvalidTransition, got %v", err)
			}
		})
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusExpired} {
		if !s.IsTerminal() {
			t.Errorf("%s must be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusAwaitingConfirmation, StatusProcessing} {
		if s.IsTerminal() {
			t.Errorf("%s must not be terminal", s)
		}
	}
	if Status("bogus").IsTerminal() {
		t.Error("unknown status must not be terminal")
	}
}

func TestActionValidate(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	valid := Action{
		AccountID: "acc", ThreadID: "th", Type: "reply",
		Status: StatusAwaitingConfirmation, Path: routing.PathConfirmSingle, ExpiresAt: &exp,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid action rejected: %v", err)
	}

	tests := []struct {
		name   string
		modify func(*Action)
	}{
		{"no account", func(a *Action) { a.AccountID = "" }},
		{"no thread", func(a *Action) { a.ThreadID = "" }},
		{"no type", func(a *Action) { a.Type = "" }},
		{"bad status", func(a *Action) { a.Status = "waiting" }},
		{"bad path", func(a *Action) { a.Path = "maybe" }},
		{"awaiting without expiry", func(a *Action) { a.ExpiresAt = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := valid
			tt.modify(&a)
			if err := a.Validate(); !errors.Is(err, domain.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestIsExpiredAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	exp := now.Add(time.Hour)
	a := Action{Status: StatusAwaitingConfirmation, ExpiresAt: &exp}

	if a.IsExpiredAt(now) {
		t.Error("not yet expired")
	}
	if !a.IsExpiredAt(exp) {
		t.Error("expiry instant counts as expired")
	}
	a.Status = StatusProcessing
	if a.IsExpiredAt(exp.Add(time.Hour)) {
		t.Error("processing actions do not expire")
	}
	a.Status = StatusExpired
	if !a.IsExpiredAt(now) {
		t.Error("expired status is always expired")
	}
}

func TestLinkClaimsValidate(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	tests := []struct {
		name   string
		claims LinkClaims
		ok     bool
	}{
		{"confirm", LinkClaims{ActionID: "a1", Purpose: PurposeConfirm, ExpiresAt: exp}, true},
		{"choose with option", LinkClaims{ActionID: "a1", Purpose: PurposeChoose, OptionID: "c2", ExpiresAt: exp}, true},
		{"choose without option", LinkClaims{ActionID: "a1", Purpose: PurposeChoose, ExpiresAt: exp}, false},
		{"unknown purpose", LinkClaims{ActionID: "a1", Purpose: "delete", ExpiresAt: exp}, false},
		{"no action", LinkClaims{Purpose: PurposeCancel, ExpiresAt: exp}, false},
		{"no expiry", LinkClaims{ActionID: "a1", Purpose: PurposeCancel}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.claims.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestActionOption(t *testing.T) {
	a := Action{Options: []Option{{ID: "c1", Type: "reply"}, {ID: "c2", Type: "forward"}}}
	o, ok := a.Option("c2")
	if !ok || o.Type != "forward" {
		t.Fatalf("Option(c2) = %+v, %v", o, ok)
	}
	if _, ok := a.Option("c9"); ok {
		t.Error("unknown option must not be found")
	}
}
