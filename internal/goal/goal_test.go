package goal

import (
	"context"
	"errors"
	"testing"
	"time"

	"AgentMarket/internal/cognition"
	xerrors "AgentMarket/internal/errors"
)

type stubCognition struct {
	goal   string
	action cognition.PlannedAction
	err    error
	wait   time.Duration

	lastGoalReq   cognition.GoalRequest
	lastActionReq cognition.ActionRequest
	goalCalls     int
}

func (s *stubCognition) GenerateGoal(ctx context.Context, req cognition.GoalRequest) (cognition.GoalProposal, error) {
	s.goalCalls++
	s.lastGoalReq = req
	if err := s.block(ctx); err != nil {
		return cognition.GoalProposal{}, err
	}
	return cognition.GoalProposal{Description: s.goal}, nil
}

func (s *stubCognition) DecideAction(ctx context.Context, req cognition.ActionRequest) (cognition.PlannedAction, error) {
	s.lastActionReq = req
	if err := s.block(ctx); err != nil {
		return cognition.PlannedAction{}, err
	}
	return s.action, nil
}

func (s *stubCognition) block(ctx context.Context) error {
	if s.wait > 0 {
		select {
		case <-time.After(s.wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.err
}

func request(agentID string) cognition.GoalRequest {
	return cognition.GoalRequest{Agent: cognition.AgentContext{ID: agentID, Name: agentID}}
}

func TestEnsureGoalReturnsExistingNonTerminal(t *testing.T) {
	stub := &stubCognition{goal: "扩大持仓"}
	engine := NewEngine(stub)

	first, err := engine.EnsureGoal(context.Background(), request("a1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Status != StatusInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", first.Status)
	}
	second, err := engine.EnsureGoal(context.Background(), request("a1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.ID != first.ID || stub.goalCalls != 1 {
		t.Fatalf("expected existing goal to be reused, calls=%d", stub.goalCalls)
	}
}

func TestFailedGoalSeedsNextPlanning(t *testing.T) {
	stub := &stubCognition{goal: "押注"}
	engine := NewEngine(stub)
	ctx := context.Background()

	if _, err := engine.EnsureGoal(ctx, request("a1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	engine.Fail("a1", errors.New("余额不足"), 1)

	next, err := engine.EnsureGoal(ctx, request("a1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Status != StatusInProgress {
		t.Fatalf("expected a fresh goal, got %s", next.Status)
	}
	if stub.lastGoalReq.LastFailure == nil || stub.lastGoalReq.LastFailure.Error != "余额不足" {
		t.Fatalf("last failure not forwarded: %+v", stub.lastGoalReq.LastFailure)
	}

	engine.Complete("a1")
	if _, ok := engine.LastFailed("a1"); ok {
		t.Fatalf("completion should clear the failure context")
	}
	if engine.Failures("a1") != 0 {
		t.Fatalf("completion should reset failures")
	}
}

func TestDecideActionRequiresGoal(t *testing.T) {
	engine := NewEngine(&stubCognition{action: cognition.Wait("idle")})
	_, err := engine.DecideAction(context.Background(), request("a1"))
	if xerrors.CodeOf(err) != CodeNoActiveGoal {
		t.Fatalf("expected no active goal error, got %v", err)
	}
}

func TestDecideActionForwardsGoal(t *testing.T) {
	stub := &stubCognition{goal: "做市", action: cognition.Wait("idle")}
	engine := NewEngine(stub)
	ctx := context.Background()
	if _, err := engine.EnsureGoal(ctx, request("a1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	action, err := engine.DecideAction(ctx, request("a1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action.Kind != cognition.ActionWait || stub.lastActionReq.Goal != "做市" {
		t.Fatalf("unexpected action %+v / goal %q", action, stub.lastActionReq.Goal)
	}
}

func TestDecideActionRejectsInvalidUnion(t *testing.T) {
	stub := &stubCognition{goal: "g", action: cognition.PlannedAction{Kind: cognition.ActionPlaceBet}}
	engine := NewEngine(stub)
	ctx := context.Background()
	_, _ = engine.EnsureGoal(ctx, request("a1"))
	if _, err := engine.DecideAction(ctx, request("a1")); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestCognitionTimeout(t *testing.T) {
	stub := &stubCognition{goal: "g", wait: 50 * time.Millisecond}
	engine := NewEngine(stub, WithCognitionTimeout(10*time.Millisecond))

	_, err := engine.EnsureGoal(context.Background(), request("a1"))
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline exceeded, got %v", err)
	}
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("expected timeout code, got %s", xerrors.CodeOf(err))
	}
}

func TestAssignedGoalIsPromoted(t *testing.T) {
	stub := &stubCognition{goal: "unused"}
	engine := NewEngine(stub)
	assigned, err := engine.Assign("a1", "关注天气市场")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if assigned.Status != StatusPending {
		t.Fatalf("expected PENDING, got %s", assigned.Status)
	}
	got, err := engine.EnsureGoal(context.Background(), request("a1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != assigned.ID || got.Status != StatusInProgress || stub.goalCalls != 0 {
		t.Fatalf("assigned goal should be promoted without cognition, got %+v", got)
	}
}

func TestBackoffStartsAtThreshold(t *testing.T) {
	engine := NewEngine(&stubCognition{goal: "g"})
	engine.Fail("a1", errors.New("x"), 1)
	engine.Fail("a1", errors.New("x"), 2)
	if !engine.State("a1").Active || !engine.Eligible("a1", 3) {
		t.Fatalf("two failures must not trigger backoff")
	}

	engine.Fail("a1", errors.New("x"), 4)
	state := engine.State("a1")
	if state.Active || state.Period != 3 || state.UntilTick != 6 {
		t.Fatalf("unexpected backoff state %+v", state)
	}
	if engine.Eligible("a1", 5) || !engine.Eligible("a1", 6) || engine.Eligible("a1", 7) {
		t.Fatalf("eligibility must follow tick %% 3")
	}
	if engine.BackoffCount() != 1 {
		t.Fatalf("expected one agent in backoff")
	}

	engine.Complete("a1")
	if !engine.State("a1").Active {
		t.Fatalf("completion should clear backoff")
	}
}

func TestBackoffBound(t *testing.T) {
	for failures := 3; failures <= 14; failures++ {
		engine := NewEngine(&stubCognition{goal: "g"})
		for i := 0; i < failures; i++ {
			engine.Fail("a1", errors.New("x"), 100)
		}
		period := uint64(min(failures, 10))
		state := engine.State("a1")
		if state.Period != period {
			t.Fatalf("failures=%d: expected period %d, got %d", failures, period, state.Period)
		}
		// 任意连续 period 个 tick 中至少有一个可行动。
		for start := uint64(101); start < 160; start++ {
			eligible := 0
			for tick := start; tick < start+period; tick++ {
				if engine.Eligible("a1", tick) {
					eligible++
				}
			}
			if eligible == 0 {
				t.Fatalf("failures=%d: no eligible tick in window starting at %d", failures, start)
			}
		}
	}
}

func TestCounts(t *testing.T) {
	engine := NewEngine(&stubCognition{goal: "g"})
	ctx := context.Background()
	_, _ = engine.EnsureGoal(ctx, request("a1"))
	_, _ = engine.EnsureGoal(ctx, request("a2"))
	engine.Complete("a2")
	engine.Fail("a3", errors.New("boom"), 1)

	counts := engine.Counts()
	if counts[StatusInProgress] != 1 || counts[StatusCompleted] != 1 || counts[StatusFailed] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}
}
