// Package builtin provides the tools registered at startup: shell,
// http_request, and websearch.
package builtin

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	shellwords "github.com/mattn/go-shellwords"

	"github.com/nextlevelbuilder/agentrun/internal/tools"
)

const defaultShellTimeout = 60 * time.Second

// ShellTool executes a command inside the workspace directory.
type ShellTool struct {
	workspace string
	timeout   time.Duration
}

func NewShellTool(workspace string) *tools.SimpleTool {
	st := &ShellTool{workspace: workspace, timeout: defaultShellTimeout}
	return &tools.SimpleTool{
		ID: "Shell",
		Table: []tools.Method{
			{
				Name:        "run",
				Description: "Run a shell command in the task workspace and return its combined output.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"command": map[string]any{
							"type":        "string",
							"description": "The command line to execute",
						},
						"timeout_seconds": map[string]any{
							"type":        "integer",
							"description": "Optional timeout in seconds (default 60)",
						},
					},
					"required": []string{"command"},
				},
				Markup: &tools.MarkupSchema{
					Tag: "run_shell_command",
					Params: []tools.MarkupParam{
						{Name: "command", Source: tools.SourceContent},
					},
					Example: "<run_shell_command>ls -la</run_shell_command>",
				},
				Handler: st.run,
			},
		},
	}
}

func (t *ShellTool) run(ctx context.Context, params map[string]any) (any, error) {
	command, _ := params["command"].(string)
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("command parameter is required")
	}

	timeout := t.timeout
	if secs, ok := asInt(params["timeout_seconds"]); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	argv, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if t.workspace != "" {
		cmd.Dir = filepath.Clean(t.workspace)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()
	if runErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("command timed out after %s", timeout)
		}
		// Non-zero exits are a tool result, not a dispatch failure.
		if _, isExit := runErr.(*exec.ExitError); !isExit {
			return nil, fmt.Errorf("run command: %w", runErr)
		}
	}
	return map[string]any{
		"output":    out.String(),
		"exit_code": cmd.ProcessState.ExitCode(),
	}, nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
