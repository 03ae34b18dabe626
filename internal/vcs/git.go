// Package vcs drives the git operations the experiment needs: switching the
// working tree between the candidate and the nominal branch and listing
// what the candidate changed.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
)

const stashMessage = "autoperf: candidate working tree"

// ErrNoStash is returned by StashPop when the entry is no longer stashed.
var ErrNoStash = errors.New("stash entry not found")

// Git runs git in one repository.
type Git struct {
	root    string
	timeout time.Duration
	logger  *zap.Logger
}

// Open resolves the repository containing dir.
func Open(ctx context.Context, dir string, timeout time.Duration, logger *zap.Logger) (*Git, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", dir, err)
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Git{root: abs, timeout: timeout, logger: logger}
	root, err := g.run(ctx, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, fmt.Errorf("%s is not a git repository: %w", abs, err)
	}
	g.root = root
	return g, nil
}

// Root is the top-level directory of the working tree.
func (g *Git) Root() string { return g.root }

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.root

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	g.logger.Debug("git", zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("git %s: timeout after %v", args[0], g.timeout)
		}
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}

// CurrentBranch returns the checked-out branch. On a detached HEAD it
// returns the commit id instead, so a later Checkout returns to the same
// commit.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	branch, err := g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("getting current branch: %w", err)
	}
	if branch = strings.TrimSpace(branch); branch != "HEAD" {
		return branch, nil
	}
	commit, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolving detached HEAD: %w", err)
	}
	return strings.TrimSpace(commit), nil
}

// Stash saves tracked and untracked changes, leaving the paths in exclude
// (relative to the root) in place. It returns the commit id of the new
// stash entry, or "" when the tree was clean.
func (g *Git) Stash(ctx context.Context, exclude ...string) (string, error) {
	before, err := g.stashTop(ctx)
	if err != nil {
		return "", err
	}
	args := []string{"stash", "push", "-u", "-m", stashMessage}
	if len(exclude) > 0 {
		args = append(args, "--", ".")
		for _, p := range exclude {
			args = append(args, ":(exclude)"+p)
		}
	}
	if _, err := g.run(ctx, args...); err != nil {
		return "", fmt.Errorf("stashing candidate changes: %w", err)
	}
	after, err := g.stashTop(ctx)
	if err != nil {
		return "", err
	}
	if after == before {
		return "", nil
	}
	return after, nil
}

// stashTop is the commit id of stash@{0}, or "" without stashes.
func (g *Git) stashTop(ctx context.Context) (string, error) {
	ids, err := g.stashList(ctx)
	if err != nil || len(ids) == 0 {
		return "", err
	}
	return ids[0], nil
}

// stashList returns the commit ids of every stash entry, newest first.
func (g *Git) stashList(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, "stash", "list", "--format=%H")
	if err != nil {
		return nil, fmt.Errorf("listing stashes: %w", err)
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// HasStash reports whether commit is still a stash entry.
func (g *Git) HasStash(ctx context.Context, commit string) (bool, error) {
	ids, err := g.stashList(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(ids, commit), nil
}

// StashPop restores the stash entry with the given commit id, wherever it
// sits in the stash list. Entries pushed by others are left alone.
func (g *Git) StashPop(ctx context.Context, commit string) error {
	ids, err := g.stashList(ctx)
	if err != nil {
		return err
	}
	i := slices.Index(ids, commit)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNoStash, commit)
	}
	if _, err := g.run(ctx, "stash", "pop", fmt.Sprintf("stash@{%d}", i)); err != nil {
		return fmt.Errorf("restoring candidate changes: %w", err)
	}
	return nil
}

// Checkout switches the working tree to ref.
func (g *Git) Checkout(ctx context.Context, ref string) error {
	if _, err := g.run(ctx, "checkout", ref); err != nil {
		return fmt.Errorf("checking out %s: %w", ref, err)
	}
	return nil
}

// ResetHard discards changes to tracked files, such as leftover annotations.
func (g *Git) ResetHard(ctx context.Context) error {
	if _, err := g.run(ctx, "reset", "--hard"); err != nil {
		return fmt.Errorf("resetting working tree: %w", err)
	}
	return nil
}

// ChangedFiles lists files modified in the working tree relative to base,
// relative to the repository root.
func (g *Git) ChangedFiles(ctx context.Context, base string) ([]string, error) {
	out, err := g.run(ctx, "diff", "--name-only", "--diff-filter=M", "--no-color", base, "--")
	if err != nil {
		return nil, fmt.Errorf("listing changes against %s: %w", base, err)
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// Show returns the content of path at rev.
func (g *Git) Show(ctx context.Context, rev, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "show", rev+":"+filepath.ToSlash(path))
	cmd.Dir = g.root
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git show %s:%s: %w: %s", rev, path, err, strings.TrimSpace(stderr.String()))
	}
	return string(out), nil
}
