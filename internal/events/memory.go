package events

import (
	"context"
	"sync"
)

// Recorder 是保存全部事件的内存传输，用于开发模式与测试。
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder 创建内存传输。
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Name 返回传输名称。
func (r *Recorder) Name() string { return "memory" }

// Send 记录事件。
func (r *Recorder) Send(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Close 无需释放资源。
func (r *Recorder) Close() error { return nil }

// Events 返回已记录事件的副本。
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Named 返回指定名称的事件。
func (r *Recorder) Named(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Reset 清空记录。
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
