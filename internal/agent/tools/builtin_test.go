package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lanehub/conductor/internal/agent"
	"github.com/lanehub/conductor/internal/agent/jobs"
	"github.com/lanehub/conductor/pkg/models"
)

func TestRegisterBuiltinsRegistersAllThree(t *testing.T) {
	reg := agent.NewToolRegistry()
	if err := RegisterBuiltins(reg, t.TempDir(), nil); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	for _, name := range []string{"time.now", "shell.run", "fs.write"} {
		if _, ok := reg.Get(name); !ok {
			t.Fatalf("expected %s to be registered", name)
		}
	}
}

func TestTimeNowIsLowRiskAndReturnsRFC3339(t *testing.T) {
	reg := agent.NewToolRegistry()
	if err := RegisterBuiltins(reg, t.TempDir(), nil); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	def, ok := reg.Get("time.now")
	if !ok {
		t.Fatalf("time.now not registered")
	}
	if def.Risk != agent.RiskLow {
		t.Fatalf("expected time.now to be RiskLow, got %v", def.Risk)
	}

	result := reg.Execute(context.Background(), models.ToolCall{ID: "c1", Name: "time.now", Arguments: []byte(`{}`)}, 0)
	if result.Outcome != models.ToolOutcomeOK {
		t.Fatalf("expected ok outcome, got %v: %s", result.Outcome, result.ErrorMsg)
	}
	if _, err := time.Parse(time.RFC3339, result.Content); err != nil {
		t.Fatalf("expected RFC3339 content, got %q: %v", result.Content, err)
	}
}

func TestShellRunIsHighRiskAndCapturesOutput(t *testing.T) {
	reg := agent.NewToolRegistry()
	if err := RegisterBuiltins(reg, t.TempDir(), nil); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	def, ok := reg.Get("shell.run")
	if !ok {
		t.Fatalf("shell.run not registered")
	}
	if def.Risk != agent.RiskHigh {
		t.Fatalf("expected shell.run to be RiskHigh, got %v", def.Risk)
	}

	result := reg.Execute(context.Background(), models.ToolCall{ID: "c2", Name: "shell.run", Arguments: []byte(`{"command":"echo hello"}`)}, 0)
	if result.Outcome != models.ToolOutcomeOK {
		t.Fatalf("expected ok outcome, got %v: %s", result.Outcome, result.ErrorMsg)
	}
	if result.Content != "hello\n" {
		t.Fatalf("unexpected output: %q", result.Content)
	}
}

func TestShellRunRejectsMissingCommand(t *testing.T) {
	reg := agent.NewToolRegistry()
	if err := RegisterBuiltins(reg, t.TempDir(), nil); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	result := reg.Execute(context.Background(), models.ToolCall{ID: "c3", Name: "shell.run", Arguments: []byte(`{}`)}, 0)
	if result.Outcome != models.ToolOutcomeError || result.ErrorKind != "argument_error" {
		t.Fatalf("expected argument_error, got %v/%s", result.Outcome, result.ErrorKind)
	}
}

func TestShellRunFailureReportsExecutionError(t *testing.T) {
	reg := agent.NewToolRegistry()
	if err := RegisterBuiltins(reg, t.TempDir(), nil); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	result := reg.Execute(context.Background(), models.ToolCall{ID: "c4", Name: "shell.run", Arguments: []byte(`{"command":"exit 7"}`)}, 0)
	if result.Outcome != models.ToolOutcomeError || result.ErrorKind != "execution_error" {
		t.Fatalf("expected execution_error, got %v/%s", result.Outcome, result.ErrorKind)
	}
}

func TestFsWriteIsHighRiskAndScopedUnderWorkDir(t *testing.T) {
	dir := t.TempDir()
	reg := agent.NewToolRegistry()
	if err := RegisterBuiltins(reg, dir, nil); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	def, ok := reg.Get("fs.write")
	if !ok {
		t.Fatalf("fs.write not registered")
	}
	if def.Risk != agent.RiskHigh {
		t.Fatalf("expected fs.write to be RiskHigh, got %v", def.Risk)
	}

	result := reg.Execute(context.Background(), models.ToolCall{
		ID:   "c5",
		Name: "fs.write",
		Arguments: []byte(`{"path":"notes/todo.txt","content":"buy milk"}`),
	}, 0)
	if result.Outcome != models.ToolOutcomeOK {
		t.Fatalf("expected ok outcome, got %v: %s", result.Outcome, result.ErrorMsg)
	}

	written, err := os.ReadFile(filepath.Join(dir, "notes", "todo.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(written) != "buy milk" {
		t.Fatalf("unexpected file content: %q", written)
	}
}

func TestJobStatusNotRegisteredWithoutStore(t *testing.T) {
	reg := agent.NewToolRegistry()
	if err := RegisterBuiltins(reg, t.TempDir(), nil); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	if _, ok := reg.Get("job.status"); ok {
		t.Fatalf("expected job.status to be unregistered without a job store")
	}
}

func TestJobStatusReturnsJobRecord(t *testing.T) {
	store := jobs.NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, &jobs.Job{ID: "job-1", ToolName: "shell.run", Status: jobs.StatusSucceeded}); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	reg := agent.NewToolRegistry()
	if err := RegisterBuiltins(reg, t.TempDir(), store); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	def, ok := reg.Get("job.status")
	if !ok {
		t.Fatalf("expected job.status to be registered when a job store is supplied")
	}
	if def.Risk != agent.RiskLow {
		t.Fatalf("expected job.status to be RiskLow, got %v", def.Risk)
	}

	result := reg.Execute(ctx, models.ToolCall{ID: "c7", Name: "job.status", Arguments: []byte(`{"job_id":"job-1"}`)}, 0)
	if result.Outcome != models.ToolOutcomeOK {
		t.Fatalf("expected ok outcome, got %v: %s", result.Outcome, result.ErrorMsg)
	}
	if !strings.Contains(result.Content, "shell.run") {
		t.Fatalf("expected job content to mention the tool name, got %q", result.Content)
	}
}

func TestJobStatusReportsMissingJob(t *testing.T) {
	store := jobs.NewMemoryStore()
	reg := agent.NewToolRegistry()
	if err := RegisterBuiltins(reg, t.TempDir(), store); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	result := reg.Execute(context.Background(), models.ToolCall{ID: "c8", Name: "job.status", Arguments: []byte(`{"job_id":"missing"}`)}, 0)
	if result.Outcome != models.ToolOutcomeError || result.ErrorKind != "execution_error" {
		t.Fatalf("expected execution_error, got %v/%s", result.Outcome, result.ErrorKind)
	}
}

func TestFsWriteRejectsPathTraversalOutsideWorkDir(t *testing.T) {
	dir := t.TempDir()
	reg := agent.NewToolRegistry()
	if err := RegisterBuiltins(reg, dir, nil); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}

	result := reg.Execute(context.Background(), models.ToolCall{
		ID:   "c6",
		Name: "fs.write",
		Arguments: []byte(`{"path":"../../escape.txt","content":"x"}`),
	}, 0)
	if result.Outcome != models.ToolOutcomeOK {
		t.Fatalf("expected ok outcome, got %v: %s", result.Outcome, result.ErrorMsg)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dir), "escape.txt")); err == nil {
		t.Fatalf("expected path traversal to be contained under workDir")
	}
	if _, err := os.Stat(filepath.Join(dir, "escape.txt")); err != nil {
		t.Fatalf("expected the cleaned path to land inside workDir: %v", err)
	}
}
