package hosted

import (
	"testing"
	"time"

	xerrors "AgentMarket/internal/errors"
	"AgentMarket/internal/ratelimit"
)

func TestHostedLifecycle(t *testing.T) {
	c := NewControl(ratelimit.New(ratelimit.Config{}))

	creds, err := c.Register("h1", "owner")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if c.CanAct("h1") {
		t.Fatalf("registered agent must be started before acting")
	}
	if err := c.Start("h1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !c.CanAct("h1") {
		t.Fatalf("started agent should act")
	}
	if err := c.Suspend("h1", "abuse"); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if c.CanAct("h1") {
		t.Fatalf("suspended agent must not act")
	}
	active, suspended := c.Counts()
	if active != 0 || suspended != 1 {
		t.Fatalf("unexpected counts %d/%d", active, suspended)
	}
	_ = c.Resume("h1")
	if !c.CanAct("h1") {
		t.Fatalf("resumed agent should act")
	}
	_ = c.Stop("h1")
	if c.CanAct("h1") {
		t.Fatalf("stopped agent must not act")
	}

	if err := c.Authenticate(creds); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	rotated, err := c.RotateCredentials("h1")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if err := c.Authenticate(creds); xerrors.CodeOf(err) != CodeUnauthorized {
		t.Fatalf("old credentials should be rejected, got %v", err)
	}
	if err := c.Authenticate(rotated); err != nil {
		t.Fatalf("new credentials rejected: %v", err)
	}
}

func TestUnhostedAgentsOnlyRateLimited(t *testing.T) {
	c := NewControl(ratelimit.New(ratelimit.Config{MinInterval: time.Hour}))
	if !c.CanAct("auto") {
		t.Fatalf("autonomous agent should act")
	}
	c.RecordAction("auto")
	if c.CanAct("auto") {
		t.Fatalf("rate limiter should gate autonomous agents too")
	}
	if err := c.Start("auto"); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRegisterTwiceConflicts(t *testing.T) {
	c := NewControl(ratelimit.New(ratelimit.Config{}))
	_, _ = c.Register("h1", "o")
	if _, err := c.Register("h1", "o"); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}
