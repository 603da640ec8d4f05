package hosted

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "AgentMarket/internal/errors"
	"AgentMarket/internal/ratelimit"
	"AgentMarket/pkg/logger"
)

// Registration 描述一个托管智能体的控制状态。
type Registration struct {
	AgentID      string
	Owner        string
	Active       bool
	Suspended    bool
	SuspendedWhy string
	RegisteredAt time.Time
	RotatedAt    time.Time
}

// Credentials 是托管方调用智能体接口时使用的凭证。
type Credentials struct {
	AgentID string
	Token   string
}

// CodeUnauthorized 表示托管凭证无效。
const CodeUnauthorized xerrors.Code = "HOSTED_UNAUTHORIZED"

func init() {
	xerrors.Register(CodeUnauthorized, xerrors.Attributes{
		Message:  "hosted credentials rejected",
		Severity: xerrors.SeverityWarning,
		Class:    xerrors.ClassAgent,
	})
}

// Control 管理托管智能体的启停、暂停与凭证，并结合限流器判断能否动作。
type Control struct {
	limiter *ratelimit.Limiter
	now     func() time.Time

	mu     sync.RWMutex
	regs   map[string]*Registration
	tokens map[string]string
}

// NewControl 创建托管控制器。
func NewControl(limiter *ratelimit.Limiter) *Control {
	return &Control{
		limiter: limiter,
		now:     time.Now,
		regs:    make(map[string]*Registration),
		tokens:  make(map[string]string),
	}
}

// Register 登记托管智能体，初始为未启动状态，返回首个凭证。
func (c *Control) Register(agentID, owner string) (Credentials, error) {
	if agentID == "" {
		return Credentials{}, xerrors.New(xerrors.CodeInvalidArgument, "智能体 ID 不能为空")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.regs[agentID]; ok {
		return Credentials{}, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("托管智能体 %s 已登记", agentID))
	}
	now := c.now().UTC()
	c.regs[agentID] = &Registration{AgentID: agentID, Owner: owner, RegisteredAt: now, RotatedAt: now}
	token := uuid.NewString()
	c.tokens[agentID] = token
	logger.Audit().Info("托管智能体已登记", slog.String("agent_id", agentID), slog.String("owner", owner))
	return Credentials{AgentID: agentID, Token: token}, nil
}

func (c *Control) update(agentID string, fn func(r *Registration)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.regs[agentID]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("托管智能体 %s 未登记", agentID))
	}
	fn(r)
	return nil
}

// Start 启动托管智能体。
func (c *Control) Start(agentID string) error {
	return c.update(agentID, func(r *Registration) { r.Active = true })
}

// Stop 停止托管智能体。
func (c *Control) Stop(agentID string) error {
	return c.update(agentID, func(r *Registration) { r.Active = false })
}

// Suspend 暂停托管智能体，暂停期间即使处于启动状态也不能动作。
func (c *Control) Suspend(agentID, reason string) error {
	err := c.update(agentID, func(r *Registration) {
		r.Suspended = true
		r.SuspendedWhy = reason
	})
	if err == nil {
		logger.Audit().Warn("托管智能体已暂停", slog.String("agent_id", agentID), slog.String("reason", reason))
	}
	return err
}

// Resume 解除暂停。
func (c *Control) Resume(agentID string) error {
	return c.update(agentID, func(r *Registration) {
		r.Suspended = false
		r.SuspendedWhy = ""
	})
}

// RotateCredentials 作废旧凭证并签发新凭证。
func (c *Control) RotateCredentials(agentID string) (Credentials, error) {
	token := uuid.NewString()
	err := c.update(agentID, func(r *Registration) {
		r.RotatedAt = c.now().UTC()
		c.tokens[agentID] = token
	})
	if err != nil {
		return Credentials{}, err
	}
	logger.Audit().Info("托管凭证已轮换", slog.String("agent_id", agentID))
	return Credentials{AgentID: agentID, Token: token}, nil
}

// Authenticate 校验托管凭证。
func (c *Control) Authenticate(creds Credentials) error {
	c.mu.RLock()
	want, ok := c.tokens[creds.AgentID]
	c.mu.RUnlock()
	if !ok || subtle.ConstantTimeCompare([]byte(want), []byte(creds.Token)) != 1 {
		return xerrors.New(CodeUnauthorized, "", xerrors.WithMetadata("agent_id", creds.AgentID))
	}
	return nil
}

// Registration 返回托管登记信息。
func (c *Control) Registration(agentID string) (Registration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.regs[agentID]
	if !ok {
		return Registration{}, false
	}
	return *r, true
}

// IsHosted 判断智能体是否为托管智能体。
func (c *Control) IsHosted(agentID string) bool {
	_, ok := c.Registration(agentID)
	return ok
}

// Eligible 判断智能体的启停与暂停状态是否允许动作，不考虑限流。未托管的智能体总是可用。
func (c *Control) Eligible(agentID string) bool {
	r, ok := c.Registration(agentID)
	if !ok {
		return true
	}
	return r.Active && !r.Suspended
}

// CanAct 综合托管状态与限流规则判断智能体此刻能否动作。
func (c *Control) CanAct(agentID string) bool {
	if !c.Eligible(agentID) {
		return false
	}
	return c.limiter.CanAct(agentID)
}

// RecordAction 记录一次动作。
func (c *Control) RecordAction(agentID string) {
	c.limiter.RecordAction(agentID)
}

// Counts 返回启动中与暂停中的托管智能体数量。
func (c *Control) Counts() (active, suspended int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.regs {
		if r.Suspended {
			suspended++
		} else if r.Active {
			active++
		}
	}
	return active, suspended
}
