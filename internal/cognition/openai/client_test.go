package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"AgentMarket/internal/cognition"
	xerrors "AgentMarket/internal/errors"
)

func completionServer(t *testing.T, content string, captured *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			t.Errorf("authorization header missing")
		}
		if captured != nil {
			_ = json.NewDecoder(r.Body).Decode(captured)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); xerrors.CodeOf(err) != xerrors.CodeInvalidConfig {
		t.Fatalf("expected config error when api key is missing, got %v", err)
	}
}

func TestDecideActionParsesPlaceBet(t *testing.T) {
	var body map[string]any
	srv := completionServer(t, `{"action":"PLACE_BET","market_id":"m1","outcome":"YES","stake":"2.5","reason":"edge"}`, &body)
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	action, err := client.DecideAction(context.Background(), cognition.ActionRequest{
		GoalRequest: cognition.GoalRequest{Agent: cognition.AgentContext{Name: "alpha", Strategy: "momentum"}},
		Goal:        "赚钱",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action.Kind != cognition.ActionPlaceBet || action.Bet.MarketID != "m1" {
		t.Fatalf("unexpected action: %+v", action)
	}
	if !action.Bet.Stake.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("unexpected stake %s", action.Bet.Stake)
	}
	if body["model"] != "gpt-4o-mini" {
		t.Fatalf("model field missing in request: %v", body["model"])
	}
}

func TestGenerateGoalAcceptsPlainText(t *testing.T) {
	srv := completionServer(t, "buy the dip", nil)
	defer srv.Close()

	client, _ := NewClient(Config{APIKey: "test", BaseURL: srv.URL})
	goal, err := client.GenerateGoal(context.Background(), cognition.GoalRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if goal.Description != "buy the dip" {
		t.Fatalf("unexpected goal %q", goal.Description)
	}
}

func TestDecideActionHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	client, _ := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	_, err := client.DecideAction(context.Background(), cognition.ActionRequest{})
	if xerrors.CodeOf(err) != xerrors.CodeCognitionFailure {
		t.Fatalf("expected cognition failure, got %v", err)
	}
}

func TestDecideActionRejectsMismatchedParams(t *testing.T) {
	srv := completionServer(t, `{"action":"PLACE_BET","outcome":"YES"}`, nil)
	defer srv.Close()

	client, _ := NewClient(Config{APIKey: "test", BaseURL: srv.URL})
	if _, err := client.DecideAction(context.Background(), cognition.ActionRequest{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected validation error, got %v", err)
	}
}
