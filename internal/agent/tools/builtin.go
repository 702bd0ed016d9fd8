// Package tools holds the built-in tool handlers wired into the registry
// at startup: low-risk time.now and job.status tools that never need
// approval, and shell/filesystem-write handlers gated by spec §6's
// security.{shell_approval, filesystem_write_approval} policy. Network
// browsing is deliberately left to an operator-supplied handler (spec.md
// names it out of scope); RegisterBuiltins only wires what this module can run
// safely without an external browser session.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/lanehub/conductor/internal/agent"
	"github.com/lanehub/conductor/internal/agent/jobs"
)

// RegisterBuiltins wires the reference tool set into reg. workDir bounds
// fs.write to a single directory; shell commands still run with the
// operator's full process permissions, which is why that tool is
// high risk rather than auto-approved. jobStore may be nil, in which
// case job.status is not registered (there is nothing for it to query).
func RegisterBuiltins(reg *agent.ToolRegistry, workDir string, jobStore jobs.Store) error {
	if err := reg.Register("time.now", "Return the current UTC time in RFC3339.",
		[]byte(`{"type":"object","additionalProperties":false,"properties":{}}`),
		agent.RiskLow, handleTimeNow); err != nil {
		return err
	}

	if err := reg.Register("shell.run", "Run a shell command and return its combined stdout/stderr.",
		[]byte(`{
			"type": "object",
			"additionalProperties": false,
			"required": ["command"],
			"properties": {
				"command": {"type": "string", "description": "Command to run via /bin/sh -c"}
			}
		}`),
		agent.RiskHigh, handleShellRun); err != nil {
		return err
	}

	if err := reg.Register("fs.write", "Write text content to a file relative to the session's working directory.",
		[]byte(`{
			"type": "object",
			"additionalProperties": false,
			"required": ["path", "content"],
			"properties": {
				"path": {"type": "string"},
				"content": {"type": "string"}
			}
		}`),
		agent.RiskHigh, fsWriteHandler(workDir)); err != nil {
		return err
	}

	if jobStore != nil {
		if err := reg.Register("job.status", "Fetch an async tool job's status and result by job id.",
			[]byte(`{
				"type": "object",
				"additionalProperties": false,
				"required": ["job_id"],
				"properties": {
					"job_id": {"type": "string"}
				}
			}`),
			agent.RiskLow, handleJobStatus(jobStore)); err != nil {
			return err
		}
	}

	return nil
}

func handleTimeNow(ctx context.Context, args json.RawMessage) (string, error) {
	return time.Now().UTC().Format(time.RFC3339), nil
}

func handleShellRun(ctx context.Context, args json.RawMessage) (string, error) {
	var input struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", input.Command)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("command failed: %w: %s", err, out.String())
	}
	return out.String(), nil
}

func handleJobStatus(store jobs.Store) agent.Handler {
	return func(ctx context.Context, args json.RawMessage) (string, error) {
		var input struct {
			JobID string `json:"job_id"`
		}
		if err := json.Unmarshal(args, &input); err != nil {
			return "", fmt.Errorf("decode arguments: %w", err)
		}
		job, err := store.Get(ctx, input.JobID)
		if err != nil {
			return "", fmt.Errorf("fetch job: %w", err)
		}
		if job == nil {
			return "", fmt.Errorf("no job with id %s", input.JobID)
		}
		payload, err := json.Marshal(job)
		if err != nil {
			return "", fmt.Errorf("encode job: %w", err)
		}
		return string(payload), nil
	}
}

func fsWriteHandler(workDir string) agent.Handler {
	return func(ctx context.Context, args json.RawMessage) (string, error) {
		var input struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(args, &input); err != nil {
			return "", fmt.Errorf("decode arguments: %w", err)
		}

		target := filepath.Join(workDir, filepath.Clean("/"+input.Path))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return "", fmt.Errorf("mkdir: %w", err)
		}
		if err := os.WriteFile(target, []byte(input.Content), 0o644); err != nil {
			return "", fmt.Errorf("write: %w", err)
		}
		return fmt.Sprintf("wrote %d bytes to %s", len(input.Content), input.Path), nil
	}
}
