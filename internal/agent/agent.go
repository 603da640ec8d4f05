package agent

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	xerrors "AgentMarket/internal/errors"
)

// Mode 区分自主运行与托管运行的智能体。
type Mode string

const (
	ModeAutonomous Mode = "autonomous"
	ModeHosted     Mode = "hosted"
)

// Message 是运营方发给智能体的消息，会在下一次规划时附带给认知服务。
type Message struct {
	From string    `json:"from"`
	Body string    `json:"body"`
	At   time.Time `json:"at"`
}

// Agent 描述一个交易智能体。
type Agent struct {
	ID         string
	Name       string
	Account    string
	Strategy   string
	Bankroll   decimal.Decimal
	Reputation float64
	Mode       Mode
	CreatedAt  time.Time
}

// Roster 保存全部智能体，运行期间只增不删。
type Roster struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	order  []string
	inbox  map[string][]Message
}

// NewRoster 创建空的智能体名册。
func NewRoster() *Roster {
	return &Roster{
		agents: make(map[string]*Agent),
		inbox:  make(map[string][]Message),
	}
}

// Add 加入新的智能体，ID 重复时返回冲突错误。
func (r *Roster) Add(a Agent) error {
	if a.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体 ID 不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[a.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("智能体 %s 已存在", a.ID))
	}
	if a.Mode == "" {
		a.Mode = ModeAutonomous
	}
	r.agents[a.ID] = &a
	r.order = append(r.order, a.ID)
	return nil
}

// Get 返回智能体副本。
func (r *Roster) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

// ByAccount 按账本账户查找智能体。
func (r *Roster) ByAccount(account string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		if a := r.agents[id]; a.Account == account {
			return *a, true
		}
	}
	return Agent{}, false
}

// List 按加入顺序返回全部智能体副本。
func (r *Roster) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.agents[id])
	}
	return out
}

// Len 返回智能体数量。
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// CountByMode 统计各运行模式的智能体数量。
func (r *Roster) CountByMode() map[Mode]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[Mode]int)
	for _, a := range r.agents {
		counts[a.Mode]++
	}
	return counts
}

func (r *Roster) update(id string, fn func(a *Agent) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("智能体 %s 不存在", id))
	}
	return fn(a)
}

// Debit 扣减资金，余额不足时返回错误且不修改。
func (r *Roster) Debit(id string, amount decimal.Decimal) error {
	return r.update(id, func(a *Agent) error {
		if a.Bankroll.LessThan(amount) {
			return xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("智能体 %s 资金不足", id),
				xerrors.WithMetadata("bankroll", a.Bankroll.String()),
				xerrors.WithMetadata("amount", amount.String()))
		}
		a.Bankroll = a.Bankroll.Sub(amount)
		return nil
	})
}

// Credit 增加资金。
func (r *Roster) Credit(id string, amount decimal.Decimal) error {
	return r.update(id, func(a *Agent) error {
		a.Bankroll = a.Bankroll.Add(amount)
		return nil
	})
}

// SetReputation 同步信誉视图中的分数。
func (r *Roster) SetReputation(id string, score float64) error {
	return r.update(id, func(a *Agent) error {
		a.Reputation = score
		return nil
	})
}

// SetMode 修改运行模式。
func (r *Roster) SetMode(id string, mode Mode) error {
	return r.update(id, func(a *Agent) error {
		a.Mode = mode
		return nil
	})
}

// Deliver 把消息放入智能体收件箱。
func (r *Roster) Deliver(id string, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[id]; !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("智能体 %s 不存在", id))
	}
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}
	r.inbox[id] = append(r.inbox[id], msg)
	return nil
}

// DrainInbox 取出并清空收件箱。
func (r *Roster) DrainInbox(id string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.inbox[id]
	delete(r.inbox, id)
	return msgs
}

// Ranked 返回按信誉降序排列的智能体，分数相同时保持加入顺序。
func Ranked(agents []Agent, score func(id string) float64) []Agent {
	out := append([]Agent(nil), agents...)
	sort.SliceStable(out, func(i, j int) bool {
		return score(out[i].ID) > score(out[j].ID)
	})
	return out
}
