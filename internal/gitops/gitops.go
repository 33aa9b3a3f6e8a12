// Package gitops records completed work as git commits and verifies
// whether an execution produced changes in the working tree.
package gitops

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// runner executes a git subcommand in repoDir and returns trimmed
// combined output. Tests replace it.
type runner func(ctx context.Context, repoDir string, args ...string) (string, error)

func gitRun(ctx context.Context, repoDir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoDir
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		if ctx.Err() != nil {
			return output, fmt.Errorf("git %s: %w", args[0], ctx.Err())
		}
		return output, fmt.Errorf("git %s: %w: %s", args[0], err, output)
	}
	return output, nil
}

// Committer implements the commit-and-rollback step of completion
// transitions over a git working tree.
type Committer struct {
	repoDir string
	run     runner
	logger  zerolog.Logger
}

// NewCommitter creates a Committer for the repository at repoDir.
func NewCommitter(repoDir string, logger zerolog.Logger) *Committer {
	return &Committer{
		repoDir: repoDir,
		run:     gitRun,
		logger:  logger.With().Str("component", "gitops").Logger(),
	}
}

// Commit stages everything and commits with the given message,
// returning the short hash of the new commit.
func (c *Committer) Commit(ctx context.Context, taskID, message string) (string, error) {
	if _, err := c.run(ctx, c.repoDir, "add", "-A"); err != nil {
		return "", err
	}
	if _, err := c.run(ctx, c.repoDir, "commit", "-m", message); err != nil {
		return "", err
	}
	hash, err := c.run(ctx, c.repoDir, "rev-parse", "--short", "HEAD")
	if err != nil {
		return "", err
	}
	c.logger.Info().Str("task", taskID).Str("commit", hash).Msg("work committed")
	return hash, nil
}

// Rollback reverts the given commit without touching history.
func (c *Committer) Rollback(ctx context.Context, hash string) error {
	if _, err := c.run(ctx, c.repoDir, "revert", "--no-edit", hash); err != nil {
		return err
	}
	c.logger.Info().Str("commit", hash).Msg("commit reverted")
	return nil
}

// Verifier reports whether the working tree has uncommitted changes.
type Verifier struct {
	repoDir string
	run     runner
}

// NewVerifier creates a Verifier for the repository at repoDir.
func NewVerifier(repoDir string) *Verifier {
	return &Verifier{repoDir: repoDir, run: gitRun}
}

// HasChanges reports whether `git status --porcelain` shows anything.
func (v *Verifier) HasChanges(ctx context.Context) (bool, error) {
	out, err := v.run(ctx, v.repoDir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}
