// Package quality implements the validation gate run before completion
// transitions: a list of shell checks, all of which must exit zero for
// the gate to pass.
package quality

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/oweller/taskmill/internal/transition"
)

const defaultCheckTimeout = 30 * time.Second

// Check is one gate condition: a shell script whose exit code decides
// pass or fail.
type Check struct {
	Name       string `yaml:"name"`
	Script     string `yaml:"script"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// timeout returns the per-check deadline.
func (c Check) timeout() time.Duration {
	if c.TimeoutSec <= 0 {
		return defaultCheckTimeout
	}
	return time.Duration(c.TimeoutSec) * time.Second
}

type checksFile struct {
	Checks []Check `yaml:"checks"`
}

// LoadChecks reads gate checks from a YAML file. A missing file yields
// no checks, which makes the gate report Skipped.
func LoadChecks(path string) ([]Check, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checks file: %w", err)
	}
	var cf checksFile
	if err := yamlv3.Unmarshal(content, &cf); err != nil {
		return nil, fmt.Errorf("parse checks file: %w", err)
	}
	for i, c := range cf.Checks {
		if c.Name == "" {
			return nil, fmt.Errorf("check %d has no name", i)
		}
		if c.Script == "" {
			return nil, fmt.Errorf("check %q has no script", c.Name)
		}
	}
	return cf.Checks, nil
}

// Gate runs the configured checks in order, stopping at the first
// failure.
type Gate struct {
	checks  []Check
	workDir string
	logger  zerolog.Logger
	run     func(ctx context.Context, check Check, taskID string) (bool, error)
}

// NewGate creates a gate over the given checks, executed in workDir.
func NewGate(checks []Check, workDir string, logger zerolog.Logger) *Gate {
	g := &Gate{
		checks:  checks,
		workDir: workDir,
		logger:  logger.With().Str("component", "quality").Logger(),
	}
	g.run = g.runShell
	return g
}

// Check implements transition.ValidationGate. No configured checks
// means the gate is not applicable and reports Skipped.
func (g *Gate) Check(ctx context.Context, taskID string) (transition.GateOutcome, error) {
	if len(g.checks) == 0 {
		return transition.GateOutcome{Result: transition.GateSkipped}, nil
	}

	for _, check := range g.checks {
		ok, err := g.run(ctx, check, taskID)
		if err != nil {
			return transition.GateOutcome{}, fmt.Errorf("check %q: %w", check.Name, err)
		}
		if !ok {
			g.logger.Warn().Str("task", taskID).Str("check", check.Name).Msg("gate check failed")
			return transition.GateOutcome{
				Result: transition.GateFail,
				Reason: fmt.Sprintf("check %q failed", check.Name),
			}, nil
		}
		g.logger.Debug().Str("task", taskID).Str("check", check.Name).Msg("gate check passed")
	}
	return transition.GateOutcome{Result: transition.GatePass}, nil
}

// runShell executes one check via the shell. Non-zero exit is a
// failure, a timeout is an error.
func (g *Gate) runShell(ctx context.Context, check Check, taskID string) (bool, error) {
	timeout := check.timeout()
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(checkCtx, "bash", "-c", check.Script)
	cmd.Dir = g.workDir
	cmd.Env = append(os.Environ(), "TASKMILL_TASK_ID="+taskID)

	err := cmd.Run()
	if err != nil {
		if checkCtx.Err() == context.DeadlineExceeded {
			return false, fmt.Errorf("timed out after %v", timeout)
		}
		// Non-zero exit code means failure
		return false, nil
	}
	return true, nil
}
