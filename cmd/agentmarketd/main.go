package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"AgentMarket/internal/config"
	"AgentMarket/internal/events"
	"AgentMarket/internal/observability/metrics"
	"AgentMarket/pkg/logger"
)

// main 是 agentmarketd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		log.Fatalf("agentmarketd 运行失败: %v", err)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "agentmarketd",
		Short:         "预测市场智能体编排与裁决服务",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("AGENTMARKET_CONFIG"), "YAML 配置文件路径")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "启动 tick 调度与外部事件消费",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runDaemon(cmd.Context(), configPath)
			},
		},
		&cobra.Command{
			Use:   "tick",
			Short: "执行一次 tick 后输出状态",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runOnce(cmd.Context(), configPath, true)
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "恢复持久化状态后输出引擎状态",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runOnce(cmd.Context(), configPath, false)
			},
		},
	)
	return root
}

func setup(ctx context.Context, configPath string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	rt, err := build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := rt.engine.Restore(ctx); err != nil {
		_ = rt.engine.Stop()
		rt.close()
		return nil, err
	}
	return rt, nil
}

func runDaemon(ctx context.Context, configPath string) error {
	rt, err := setup(ctx, configPath)
	if err != nil {
		return err
	}
	defer rt.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := rt.engine.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		return nil
	})
	if addr := rt.metricsAddr; addr != "" {
		g.Go(func() error {
			return metrics.StartServer(gctx, addr)
		})
	}
	g.Go(func() error {
		return rt.subscriber.Subscribe(gctx, func(ctx context.Context, event events.Event) {
			rt.engine.HandleEvent(ctx, event)
		})
	})

	logger.L().Info("agentmarketd 已启动")
	err = g.Wait()
	if stopErr := rt.engine.Stop(); stopErr != nil {
		logger.L().Warn("关闭引擎时出现错误", "error", stopErr)
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	logger.L().Info("agentmarketd 已退出")
	return nil
}

func runOnce(ctx context.Context, configPath string, tick bool) error {
	rt, err := setup(ctx, configPath)
	if err != nil {
		return err
	}
	defer rt.close()

	if tick {
		if err := rt.engine.RunTick(ctx); err != nil {
			logger.L().Warn("tick 执行失败", "error", err)
		}
	}
	status := rt.engine.Status(ctx)
	if err := rt.engine.Stop(); err != nil {
		logger.L().Warn("关闭引擎时出现错误", "error", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(status)
}
