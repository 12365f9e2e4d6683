package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorSentinels(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"ErrInvalidArgument", ErrInvalidArgument, "invalid argument"},
		{"ErrNotFound", ErrNotFound, "not found"},
		{"ErrConflict", ErrConflict, "conflict"},
		{"ErrRateLimited", ErrRateLimited, "rate limited"},
		{"ErrUpstreamTimeout", ErrUpstreamTimeout, "upstream timeout"},
		{"ErrUpstreamRateLimit", ErrUpstreamRateLimit, "upstream rate limit"},
		{"ErrSchemaInvalid", ErrSchemaInvalid, "schema invalid"},
		{"ErrUnavailable", ErrUnavailable, "service unavailable"},
		{"ErrSessionExpired", ErrSessionExpired, "session expired"},
		{"ErrInternal", ErrInternal, "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Error() != tt.expected {
				t.Errorf("%s = %q, want %q", tt.name, tt.err.Error(), tt.expected)
			}
		})
	}
}

func TestErrorSentinels_SurviveWrapping(t *testing.T) {
	wrapped := fmt.Errorf("op=tickets.insert: %w", ErrConflict)
	if !errors.Is(wrapped, ErrConflict) {
		t.Fatalf("wrapped error should match ErrConflict")
	}
	if errors.Is(wrapped, ErrNotFound) {
		t.Fatalf("wrapped error should not match ErrNotFound")
	}
}

func TestIntentConstants(t *testing.T) {
	if IntentRAG != "rag" || IntentGeneral != "general" || IntentTool != "mcp_tool" {
		t.Fatalf("router intents changed: %q %q %q", IntentRAG, IntentGeneral, IntentTool)
	}
	// Reply-only classifications.
	if IntentWorkflow != "workflow" || IntentFallback != "error_fallback" {
		t.Fatalf("reply classifications changed: %q %q", IntentWorkflow, IntentFallback)
	}
}

func TestSessionStatusConstants(t *testing.T) {
	if SessionActive != "ACTIVE" || SessionClosed != "CLOSED" {
		t.Fatalf("session status values changed: %q %q", SessionActive, SessionClosed)
	}
}

func TestWorkflowStatusConstants(t *testing.T) {
	ordered := []WorkflowStatus{
		WorkflowInitiated, WorkflowCollecting, WorkflowClassifying,
		WorkflowAwaitingConfirm, WorkflowCommitted, WorkflowAbandoned,
	}
	seen := make(map[WorkflowStatus]struct{}, len(ordered))
	for _, s := range ordered {
		if s == "" {
			t.Fatalf("empty workflow status constant")
		}
		if _, dup := seen[s]; dup {
			t.Fatalf("duplicate workflow status %q", s)
		}
		seen[s] = struct{}{}
	}
}

func TestAnalyticsEventKinds(t *testing.T) {
	kinds := []string{
		EventQuery, EventToolUsage, EventSessionCreated, EventSessionClosed,
		EventErrorOccurred, EventResponseGenerated, EventIncidentCreated,
	}
	seen := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		if k == "" {
			t.Fatalf("empty event kind")
		}
		if _, dup := seen[k]; dup {
			t.Fatalf("duplicate event kind %q", k)
		}
		seen[k] = struct{}{}
	}
}
