package ratelimit

import (
	"sync"
	"time"
)

// Window 是动作计数的固定窗口长度。
const Window = time.Minute

// Config 描述单个智能体的限流规则。
type Config struct {
	// MinInterval 是两次动作之间的最小间隔，0 表示不限制。
	MinInterval time.Duration
	// MaxPerMinute 是一个窗口内允许的动作数，0 表示不限制。
	MaxPerMinute int
}

type state struct {
	lastAction  time.Time
	windowStart time.Time
	count       int
}

// Limiter 是按智能体划分的固定窗口限流器，窗口在下一次访问时惰性重置。
type Limiter struct {
	cfg Config
	now func() time.Time

	mu     sync.Mutex
	states map[string]*state
}

// Option 定义限流器的可选配置。
type Option func(*Limiter)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New 创建限流器。
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{cfg: cfg, now: time.Now, states: make(map[string]*state)}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

func (l *Limiter) stateFor(agentID string, now time.Time) *state {
	s, ok := l.states[agentID]
	if !ok {
		s = &state{windowStart: now}
		l.states[agentID] = s
	}
	if now.Sub(s.windowStart) >= Window {
		s.count = 0
		s.windowStart = now
	}
	return s
}

// CanAct 判断智能体此刻是否允许动作，不修改计数。
func (l *Limiter) CanAct(agentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	s := l.stateFor(agentID, now)

	if l.cfg.MinInterval > 0 && !s.lastAction.IsZero() && now.Sub(s.lastAction) < l.cfg.MinInterval {
		return false
	}
	if l.cfg.MaxPerMinute > 0 && s.count >= l.cfg.MaxPerMinute {
		return false
	}
	return true
}

// RecordAction 记录一次动作：先按需重置窗口，再更新时间戳与计数。
func (l *Limiter) RecordAction(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	s := l.stateFor(agentID, now)
	s.lastAction = now
	s.count++
}

// Count 返回当前窗口内的动作数。
func (l *Limiter) Count(agentID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stateFor(agentID, l.now()).count
}

// Forget 清除智能体的限流状态。
func (l *Limiter) Forget(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.states, agentID)
}
