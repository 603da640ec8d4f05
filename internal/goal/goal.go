package goal

import (
	"context"
	stdErrors "errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"AgentMarket/internal/cognition"
	xerrors "AgentMarket/internal/errors"
	"AgentMarket/pkg/logger"
)

// Status 表示目标状态。
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CodeNoActiveGoal 表示智能体当前没有进行中的目标。
const CodeNoActiveGoal xerrors.Code = "GOAL_NO_ACTIVE"

func init() {
	xerrors.Register(CodeNoActiveGoal, xerrors.Attributes{
		Message:  "agent has no active goal",
		Severity: xerrors.SeverityInfo,
		Class:    xerrors.ClassAgent,
	})
}

// Goal 是智能体当前追求的目标。
type Goal struct {
	ID          string    `json:"id"`
	Owner       string    `json:"owner"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Error       string    `json:"error,omitempty"`
}

// Backoff 是智能体的调度状态：Active 时每个 tick 都可行动，
// 否则只在 UntilTick 之后且 tick 能被 Period 整除时行动。
type Backoff struct {
	Active    bool   `json:"active"`
	UntilTick uint64 `json:"until_tick,omitempty"`
	Period    uint64 `json:"period,omitempty"`
}

const (
	defaultBackoffThreshold = 3
	defaultBackoffCap       = 10
)

// Engine 管理所有智能体的目标。
type Engine struct {
	client cognition.Client

	timeout   time.Duration
	threshold int
	maxPeriod int
	now       func() time.Time

	mu         sync.Mutex
	current    map[string]*Goal
	lastFailed map[string]*Goal
	failures   map[string]int
	backoff    map[string]Backoff
}

// Option 定义 Engine 的可选配置。
type Option func(*Engine)

// WithCognitionTimeout 设置单次调用认知服务的超时时间，非正数表示不限制。
func WithCognitionTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		if timeout <= 0 {
			e.timeout = 0
			return
		}
		e.timeout = timeout
	}
}

// WithBackoff 设置进入退避的连续失败次数与退避周期上限。
func WithBackoff(threshold, maxPeriod int) Option {
	return func(e *Engine) {
		if threshold > 0 {
			e.threshold = threshold
		}
		if maxPeriod > 0 {
			e.maxPeriod = maxPeriod
		}
	}
}

// WithClock 替换时间来源，便于测试。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine 创建目标引擎。
func NewEngine(client cognition.Client, opts ...Option) *Engine {
	e := &Engine{
		client:     client,
		threshold:  defaultBackoffThreshold,
		maxPeriod:  defaultBackoffCap,
		now:        time.Now,
		current:    make(map[string]*Goal),
		lastFailed: make(map[string]*Goal),
		failures:   make(map[string]int),
		backoff:    make(map[string]Backoff),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Assign 由运营方直接下发目标，目标以 PENDING 状态等待下一次规划。
func (e *Engine) Assign(agentID, description string) (Goal, error) {
	description = strings.TrimSpace(description)
	if agentID == "" || description == "" {
		return Goal{}, xerrors.New(xerrors.CodeInvalidArgument, "智能体与目标描述不能为空")
	}
	now := e.now()
	g := &Goal{
		ID:          uuid.NewString(),
		Owner:       agentID,
		Description: description,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	e.mu.Lock()
	e.current[agentID] = g
	e.mu.Unlock()
	return *g, nil
}

// EnsureGoal 返回智能体当前的非终态目标；没有时向认知服务索取新目标。
// 最近一次失败的目标会作为上下文传给认知服务。
func (e *Engine) EnsureGoal(ctx context.Context, req cognition.GoalRequest) (Goal, error) {
	agentID := req.Agent.ID
	if agentID == "" {
		return Goal{}, xerrors.New(xerrors.CodeInvalidArgument, "缺少智能体 ID")
	}

	e.mu.Lock()
	if g, ok := e.current[agentID]; ok && !g.Status.Terminal() {
		if g.Status == StatusPending {
			g.Status = StatusInProgress
			g.UpdatedAt = e.now()
		}
		out := *g
		e.mu.Unlock()
		return out, nil
	}
	if failed, ok := e.lastFailed[agentID]; ok {
		req.LastFailure = &cognition.Failure{Goal: failed.Description, Error: failed.Error}
	}
	e.mu.Unlock()

	if e.client == nil {
		return Goal{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置认知服务")
	}

	callCtx, cancel := e.withTimeout(ctx)
	defer cancel()
	proposal, err := e.client.GenerateGoal(callCtx, req)
	if err != nil {
		return Goal{}, wrapCognition(err, "生成目标失败")
	}
	description := strings.TrimSpace(proposal.Description)
	if description == "" {
		return Goal{}, xerrors.New(xerrors.CodeCognitionFailure, "认知服务返回了空目标")
	}

	now := e.now()
	g := &Goal{
		ID:          uuid.NewString(),
		Owner:       agentID,
		Description: description,
		Status:      StatusInProgress,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	e.mu.Lock()
	e.current[agentID] = g
	e.mu.Unlock()

	logger.L().Debug("生成新目标", "agent_id", agentID, "goal_id", g.ID)
	return *g, nil
}

// DecideAction 为智能体当前目标决定一个动作。
func (e *Engine) DecideAction(ctx context.Context, req cognition.GoalRequest) (cognition.PlannedAction, error) {
	agentID := req.Agent.ID

	e.mu.Lock()
	g, ok := e.current[agentID]
	if !ok || g.Status.Terminal() {
		e.mu.Unlock()
		return cognition.PlannedAction{}, xerrors.New(CodeNoActiveGoal, "",
			xerrors.WithMetadata("agent_id", agentID))
	}
	description := g.Description
	if failed, ok := e.lastFailed[agentID]; ok {
		req.LastFailure = &cognition.Failure{Goal: failed.Description, Error: failed.Error}
	}
	e.mu.Unlock()

	if e.client == nil {
		return cognition.PlannedAction{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置认知服务")
	}

	callCtx, cancel := e.withTimeout(ctx)
	defer cancel()
	action, err := e.client.DecideAction(callCtx, cognition.ActionRequest{GoalRequest: req, Goal: description})
	if err != nil {
		return cognition.PlannedAction{}, wrapCognition(err, "决定动作失败")
	}
	if err := action.Validate(); err != nil {
		return cognition.PlannedAction{}, err
	}
	return action, nil
}

// Complete 将当前目标标记为完成，并清空连续失败与退避状态。
func (e *Engine) Complete(agentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if g, ok := e.current[agentID]; ok && !g.Status.Terminal() {
		g.Status = StatusCompleted
		g.UpdatedAt = e.now()
	}
	delete(e.failures, agentID)
	delete(e.backoff, agentID)
	delete(e.lastFailed, agentID)
}

// Fail 将当前目标标记为失败。连续失败达到阈值后，智能体进入退避，
// 周期为 min(失败次数, 上限)，直到下一个能被周期整除的 tick。
func (e *Engine) Fail(agentID string, cause error, tick uint64) Goal {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	g, ok := e.current[agentID]
	if !ok || g.Status.Terminal() {
		g = &Goal{ID: uuid.NewString(), Owner: agentID, CreatedAt: now}
		e.current[agentID] = g
	}
	g.Status = StatusFailed
	g.UpdatedAt = now
	if cause != nil {
		g.Error = cause.Error()
	}
	failed := *g
	e.lastFailed[agentID] = &failed

	e.failures[agentID]++
	count := e.failures[agentID]
	if count >= e.threshold {
		period := uint64(min(count, e.maxPeriod))
		e.backoff[agentID] = Backoff{UntilTick: nextMultiple(tick, period), Period: period}
		logger.L().Warn("智能体进入退避", "agent_id", agentID, "failures", count, "period", period)
	}
	return failed
}

// Eligible 判断智能体在给定 tick 是否允许规划与行动。
func (e *Engine) Eligible(agentID string, tick uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.backoff[agentID]
	if !ok || state.Active {
		return true
	}
	return tick >= state.UntilTick && tick%state.Period == 0
}

// State 返回智能体的调度状态。
func (e *Engine) State(agentID string) Backoff {
	e.mu.Lock()
	defer e.mu.Unlock()
	if state, ok := e.backoff[agentID]; ok {
		return state
	}
	return Backoff{Active: true}
}

// Failures 返回连续失败次数。
func (e *Engine) Failures(agentID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures[agentID]
}

// Current 返回智能体最近的目标。
func (e *Engine) Current(agentID string) (Goal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.current[agentID]
	if !ok {
		return Goal{}, false
	}
	return *g, true
}

// LastFailed 返回最近一次失败的目标。
func (e *Engine) LastFailed(agentID string) (Goal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.lastFailed[agentID]
	if !ok {
		return Goal{}, false
	}
	return *g, true
}

// Counts 按状态统计各智能体最近的目标。
func (e *Engine) Counts() map[Status]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	counts := make(map[Status]int, 4)
	for _, g := range e.current {
		counts[g.Status]++
	}
	return counts
}

// BackoffCount 返回处于退避中的智能体数量。
func (e *Engine) BackoffCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.backoff)
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout > 0 {
		return context.WithTimeout(ctx, e.timeout)
	}
	return ctx, func() {}
}

// nextMultiple 返回大于 tick 的最小 period 整数倍。
func nextMultiple(tick, period uint64) uint64 {
	if period == 0 {
		return tick + 1
	}
	return (tick/period + 1) * period
}

func wrapCognition(err error, message string) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "认知服务调用超时")
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeCognitionFailure, err, message)
}
