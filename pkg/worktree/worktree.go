// Package worktree creates, tracks, and reclaims per-task git worktrees.
//
// A subtask's edits are isolated on a branch orchestrator/<task id> in a
// dedicated working copy. Worktrees created by the orchestrator live under
// <repo>/.orchestrator/worktrees/ and are eligible for cleanup; worktrees
// at caller-supplied paths are adopted but never removed.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/orcq/orcq/pkg/store"
)

// ManagedDir is the repo-relative root for orchestrator-owned worktrees.
const ManagedDir = ".orchestrator/worktrees"

// Info describes a task's worktree binding.
type Info struct {
	Path    string
	Branch  *string
	Managed bool
}

// Ensure binds a worktree to the task and persists the binding. It returns
// nil (and no error) when the task has no repo_path or the path is not a
// git repository: the subtask then runs without a worktree.
func Ensure(ctx context.Context, st *store.Store, task *store.Task) (*Info, error) {
	repo := deref(task.RepoPath)
	if repo == "" || !isGitRepo(repo) {
		return nil, nil
	}

	branch := "orchestrator/" + SanitizeBranch(task.ID)

	if configured := deref(task.WorktreePath); configured != "" {
		// Caller-supplied path: adopt as unmanaged, creating on demand.
		if !isGitRepo(configured) {
			if _, err := git(repo, "worktree", "add", configured, "-B", branch); err != nil {
				return nil, fmt.Errorf("failed to add worktree at %s: %w", configured, err)
			}
		}
		name := branchName(configured)
		if err := st.PersistWorktree(ctx, task.ID, configured, false, name); err != nil {
			return nil, err
		}
		return &Info{Path: configured, Branch: name, Managed: false}, nil
	}

	wt := filepath.Join(repo, ManagedDir, SanitizePath(task.ID))
	if !isGitRepo(wt) {
		if err := os.MkdirAll(filepath.Dir(wt), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create worktree parent: %w", err)
		}
		if _, err := git(repo, "worktree", "add", wt, "-B", branch); err != nil {
			return nil, fmt.Errorf("failed to add worktree at %s: %w", wt, err)
		}
	}
	name := branchName(wt)
	if err := st.PersistWorktree(ctx, task.ID, wt, true, name); err != nil {
		return nil, err
	}
	return &Info{Path: wt, Branch: name, Managed: true}, nil
}

// Cleanup reclaims a task's worktree after terminal non-success. It only
// acts when the worktree is managed and resolves under the managed root;
// caller-supplied and escaped paths are never touched. Worktree fields on
// the row are cleared afterwards.
func Cleanup(ctx context.Context, st *store.Store, taskID string) error {
	task, err := st.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	wt := deref(task.WorktreePath)
	repo := deref(task.RepoPath)
	if !task.WorktreeManaged || wt == "" || repo == "" {
		return nil
	}

	if _, err := os.Stat(wt); os.IsNotExist(err) {
		return st.ClearWorktree(ctx, taskID)
	}

	if !WithinManagedRoot(wt, repo) {
		return nil
	}

	if _, err := git(repo, "worktree", "remove", "--force", wt); err != nil {
		// Stale worktree metadata; fall back to local removal.
		_ = os.RemoveAll(wt)
		_, _ = git(repo, "worktree", "prune")
	}
	return st.ClearWorktree(ctx, taskID)
}

// WithinManagedRoot reports whether path resolves under the repo's managed
// worktree root. This is the guard that keeps cleanup from escaping.
func WithinManagedRoot(path, repo string) bool {
	root, err := filepath.Abs(filepath.Join(repo, ManagedDir))
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

var (
	branchUnsafe = regexp.MustCompile(`[^a-zA-Z0-9._/-]+`)
	pathUnsafe   = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)
)

// SanitizeBranch maps a task id onto a safe branch name component.
func SanitizeBranch(taskID string) string {
	s := strings.Trim(branchUnsafe.ReplaceAllString(taskID, "-"), "-/")
	if s == "" {
		return "task"
	}
	return s
}

// SanitizePath maps a task id onto a safe directory name.
func SanitizePath(taskID string) string {
	s := strings.Trim(pathUnsafe.ReplaceAllString(taskID, "-"), "-.")
	if s == "" {
		return "task"
	}
	return s
}

func branchName(dir string) *string {
	out, err := git(dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil
	}
	name := strings.TrimSpace(out)
	if name == "" {
		return nil
	}
	return &name
}

func isGitRepo(dir string) bool {
	if _, err := os.Stat(dir); err != nil {
		return false
	}
	_, err := git(dir, "rev-parse", "--is-inside-work-tree")
	return err == nil
}

func git(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = "git " + strings.Join(args, " ") + " failed"
		}
		return "", fmt.Errorf("%s: %w", msg, err)
	}
	return string(out), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
