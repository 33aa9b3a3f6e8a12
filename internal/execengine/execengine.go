// Package execengine runs the external worker command for a task. The
// command receives the task through argument placeholders and
// environment variables; a context deadline kills the whole process
// group so shell wrappers cannot leak children.
package execengine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/oweller/taskmill/internal/model"
)

// outputTailLimit bounds how much captured output goes into logs and
// error messages.
const outputTailLimit = 2048

// Engine invokes a configured command per task.
type Engine struct {
	command string
	args    []string
	workDir string
	logger  zerolog.Logger
}

// New creates an Engine. Occurrences of {task_id} and {title} in args
// are replaced per invocation.
func New(command string, args []string, workDir string, logger zerolog.Logger) *Engine {
	return &Engine{
		command: command,
		args:    args,
		workDir: workDir,
		logger:  logger.With().Str("component", "execengine").Logger(),
	}
}

// Result captures one command invocation. Output fields are populated
// even when the invocation failed.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Execute runs the command for the given task and waits for it to
// finish. A non-zero exit or a context deadline is an error.
func (e *Engine) Execute(ctx context.Context, task model.TaskItem) error {
	_, err := e.Run(ctx, task)
	return err
}

// Run is Execute with the captured output and exit code exposed.
func (e *Engine) Run(ctx context.Context, task model.TaskItem) (Result, error) {
	args := make([]string, len(e.args))
	for i, a := range e.args {
		a = strings.ReplaceAll(a, "{task_id}", task.ID)
		a = strings.ReplaceAll(a, "{title}", task.Title)
		args[i] = a
	}

	cmd := exec.CommandContext(ctx, e.command, args...)
	cmd.Dir = e.workDir
	cmd.Env = append(os.Environ(),
		"TASKMILL_TASK_ID="+task.ID,
		"TASKMILL_TASK_TITLE="+task.Title,
	)

	// Run in its own process group and kill the group on cancel, so a
	// timed-out shell wrapper takes its children with it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.logger.Info().Str("task", task.ID).Str("command", e.command).
		Strs("args", args).Msg("executing task")

	err := cmd.Run()
	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err != nil {
		if ctx.Err() != nil {
			return res, fmt.Errorf("execution timed out: %w", ctx.Err())
		}
		return res, fmt.Errorf("command failed: %w: %s", err, tail(stderr.Bytes()))
	}

	e.logger.Debug().Str("task", task.ID).
		Str("stdout", tail(stdout.Bytes())).Msg("execution finished")
	return res, nil
}

func tail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > outputTailLimit {
		s = "..." + s[len(s)-outputTailLimit:]
	}
	return s
}
