package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"AgentMarket/internal/cognition"
	xerrors "AgentMarket/internal/errors"
)

// Client 通过调用 Python 脚本完成规划。脚本从 stdin 读取一个 JSON 请求，向 stdout 写出一个 JSON 对象。
type Client struct {
	pythonExec string
	scriptPath string
	workingDir string
}

// NewClient 创建 Python Bridge 客户端。
func NewClient(pythonExec, scriptPath, workingDir string) (*Client, error) {
	if scriptPath == "" {
		return nil, xerrors.New(xerrors.CodeInvalidConfig, "未指定 Python 脚本路径")
	}
	if pythonExec == "" {
		pythonExec = "python3"
	}
	return &Client{
		pythonExec: pythonExec,
		scriptPath: scriptPath,
		workingDir: workingDir,
	}, nil
}

type envelope struct {
	Kind   string `json:"kind"`
	Prompt string `json:"prompt"`
	Input  any    `json:"input"`
}

// GenerateGoal 以 kind=goal 调用脚本。
func (c *Client) GenerateGoal(ctx context.Context, req cognition.GoalRequest) (cognition.GoalProposal, error) {
	out, err := c.run(ctx, envelope{Kind: "goal", Prompt: cognition.BuildGoalPrompt(req), Input: req})
	if err != nil {
		return cognition.GoalProposal{}, err
	}
	return cognition.ParseGoal(out)
}

// DecideAction 以 kind=action 调用脚本。
func (c *Client) DecideAction(ctx context.Context, req cognition.ActionRequest) (cognition.PlannedAction, error) {
	out, err := c.run(ctx, envelope{Kind: "action", Prompt: cognition.BuildActionPrompt(req), Input: req})
	if err != nil {
		return cognition.PlannedAction{}, err
	}
	return cognition.ParseAction(out)
}

func (c *Client) run(ctx context.Context, payload envelope) (string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("序列化请求失败: %w", err)
	}

	command := exec.CommandContext(ctx, c.pythonExec, c.scriptPath)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", xerrors.Wrap(xerrors.CodeCognitionFailure, err,
			fmt.Sprintf("执行 Python 脚本失败, stderr=%s", strings.TrimSpace(stderr.String())))
	}
	return stdout.String(), nil
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" {
		return ""
	}
	if filepath.IsAbs(script) {
		return script
	}
	if baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}

var _ cognition.Client = (*Client)(nil)
