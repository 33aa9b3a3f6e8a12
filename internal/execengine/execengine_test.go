package execengine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/oweller/taskmill/internal/model"
)

func TestExecute_PlaceholderSubstitution(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")
	e := New("sh", []string{"-c", "printf '%s %s' '{task_id}' '{title}' > " + out}, dir, zerolog.Nop())

	task := model.TaskItem{ID: "task-7", Title: "fix the parser"}
	if err := e.Execute(context.Background(), task); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "task-7 fix the parser" {
		t.Errorf("output = %q", got)
	}
}

func TestExecute_Environment(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "env.txt")
	e := New("sh", []string{"-c", `printf '%s|%s' "$TASKMILL_TASK_ID" "$TASKMILL_TASK_TITLE" > ` + out}, dir, zerolog.Nop())

	if err := e.Execute(context.Background(), model.TaskItem{ID: "t1", Title: "hello"}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "t1|hello" {
		t.Errorf("env capture = %q", got)
	}
}

func TestExecute_WorkDir(t *testing.T) {
	dir := t.TempDir()
	e := New("sh", []string{"-c", "pwd > cwd.txt"}, dir, zerolog.Nop())

	if err := e.Execute(context.Background(), model.TaskItem{ID: "t1"}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "cwd.txt")); err != nil {
		t.Errorf("command did not run in workDir: %v", err)
	}
}

func TestExecute_NonZeroExit(t *testing.T) {
	e := New("sh", []string{"-c", "echo broken pipeline >&2; exit 3"}, t.TempDir(), zerolog.Nop())

	err := e.Execute(context.Background(), model.TaskItem{ID: "t1"})
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if !strings.Contains(err.Error(), "command failed") {
		t.Errorf("error = %v", err)
	}
	if !strings.Contains(err.Error(), "broken pipeline") {
		t.Errorf("stderr tail missing from error: %v", err)
	}
}

func TestRun_CapturesResult(t *testing.T) {
	e := New("sh", []string{"-c", "echo out; echo err >&2; exit 3"}, t.TempDir(), zerolog.Nop())

	res, err := e.Run(context.Background(), model.TaskItem{ID: "t1"})
	if err == nil {
		t.Fatal("expected error")
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d", res.ExitCode)
	}
	if res.Stdout != "out\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if res.Stderr != "err\n" {
		t.Errorf("stderr = %q", res.Stderr)
	}

	ok := New("true", nil, t.TempDir(), zerolog.Nop())
	res, err = ok.Run(context.Background(), model.TaskItem{ID: "t2"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d", res.ExitCode)
	}
}

func TestExecute_Timeout(t *testing.T) {
	e := New("sleep", []string{"10"}, t.TempDir(), zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := e.Execute(ctx, model.TaskItem{ID: "t1"})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "execution timed out") {
		t.Errorf("error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("process not killed promptly, took %v", elapsed)
	}
}

func TestTail(t *testing.T) {
	if got := tail([]byte("  short output\n")); got != "short output" {
		t.Errorf("tail = %q", got)
	}

	long := strings.Repeat("x", outputTailLimit+100)
	got := tail([]byte(long))
	if !strings.HasPrefix(got, "...") {
		t.Errorf("long output not truncated: %q", got[:10])
	}
	if len(got) != outputTailLimit+3 {
		t.Errorf("tail length = %d", len(got))
	}
}
