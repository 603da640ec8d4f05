package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type actionKey struct {
	action string
	result string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu       sync.Mutex
	ticks    map[string]uint64
	duration *histogram
	actions  map[actionKey]uint64
	payouts  map[string]uint64
}

var engineCollector = newCollector()

func newCollector() *collector {
	return &collector{
		ticks:    make(map[string]uint64),
		duration: newHistogram(),
		actions:  make(map[actionKey]uint64),
		payouts:  make(map[string]uint64),
	}
}

// ObserveTick 记录一次 tick 的耗时与结果。
func ObserveTick(duration time.Duration, failed bool) {
	engineCollector.observeTick(duration, failed)
}

// ObserveAction 记录一次智能体动作，result 取 ok、skipped、conflict 或 failed。
func ObserveAction(action, result string) {
	engineCollector.mu.Lock()
	engineCollector.actions[actionKey{action: action, result: result}]++
	engineCollector.mu.Unlock()
}

// ObservePayouts 累加结算派奖的成功、跳过与失败次数。
func ObservePayouts(paid, skipped, failed int) {
	c := engineCollector
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payouts["paid"] += uint64(paid)
	c.payouts["skipped"] += uint64(skipped)
	c.payouts["failed"] += uint64(failed)
}

func (c *collector) observeTick(duration time.Duration, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := "ok"
	if failed {
		result = "failed"
	}
	c.ticks[result]++
	c.duration.observe(duration.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
}

// Handler 以 Prometheus 文本格式输出指标。
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, engineCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP agentmarket_ticks_total Total number of engine ticks by result.\n")
	builder.WriteString("# TYPE agentmarket_ticks_total counter\n")
	for _, result := range sortedKeys(c.ticks) {
		builder.WriteString(fmt.Sprintf("agentmarket_ticks_total{result=\"%s\"} %d\n", escape(result), c.ticks[result]))
	}

	builder.WriteString("# HELP agentmarket_tick_duration_seconds Engine tick duration in seconds.\n")
	builder.WriteString("# TYPE agentmarket_tick_duration_seconds histogram\n")
	for idx, bound := range c.duration.buckets {
		builder.WriteString(fmt.Sprintf("agentmarket_tick_duration_seconds_bucket{le=\"%s\"} %d\n", formatFloat(bound), c.duration.counts[idx]))
	}
	builder.WriteString(fmt.Sprintf("agentmarket_tick_duration_seconds_bucket{le=\"+Inf\"} %d\n", c.duration.count))
	builder.WriteString(fmt.Sprintf("agentmarket_tick_duration_seconds_sum %s\n", formatFloat(c.duration.sum)))
	builder.WriteString(fmt.Sprintf("agentmarket_tick_duration_seconds_count %d\n", c.duration.count))

	actions := make([]actionKey, 0, len(c.actions))
	for key := range c.actions {
		actions = append(actions, key)
	}
	sort.Slice(actions, func(i, j int) bool {
		if actions[i].action == actions[j].action {
			return actions[i].result < actions[j].result
		}
		return actions[i].action < actions[j].action
	})
	builder.WriteString("# HELP agentmarket_agent_actions_total Agent actions by kind and result.\n")
	builder.WriteString("# TYPE agentmarket_agent_actions_total counter\n")
	for _, key := range actions {
		builder.WriteString(fmt.Sprintf("agentmarket_agent_actions_total{action=\"%s\",result=\"%s\"} %d\n",
			escape(key.action), escape(key.result), c.actions[key]))
	}

	builder.WriteString("# HELP agentmarket_payouts_total Settlement claims by result.\n")
	builder.WriteString("# TYPE agentmarket_payouts_total counter\n")
	for _, result := range sortedKeys(c.payouts) {
		builder.WriteString(fmt.Sprintf("agentmarket_payouts_total{result=\"%s\"} %d\n", escape(result), c.payouts[result]))
	}
	return builder.String()
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer 启动独立的 /metrics HTTP 服务，ctx 结束时关闭。
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
