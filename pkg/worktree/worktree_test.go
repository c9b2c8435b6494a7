package worktree

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/orcq/orcq/pkg/store"
)

// TestSanitizeBranch maps task ids onto safe branch components
func TestSanitizeBranch(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plan1.build", "plan1.build"},
		{"plan one/build", "plan-one/build"},
		{"weird!!chars??", "weird-chars"},
		{"///", "task"},
		{"", "task"},
		{"-leading-and-trailing-", "leading-and-trailing"},
	}
	for _, tt := range tests {
		if got := SanitizeBranch(tt.in); got != tt.want {
			t.Errorf("SanitizeBranch(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// TestSanitizePath maps task ids onto safe directory names
func TestSanitizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plan1.build", "plan1.build"},
		{"plan/one", "plan-one"},
		{"a b c", "a-b-c"},
		{"...", "task"},
		{"", "task"},
	}
	for _, tt := range tests {
		if got := SanitizePath(tt.in); got != tt.want {
			t.Errorf("SanitizePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// TestWithinManagedRoot guards cleanup against path escapes
func TestWithinManagedRoot(t *testing.T) {
	repo := t.TempDir()
	root := filepath.Join(repo, ManagedDir)

	tests := []struct {
		name string
		path string
		want bool
	}{
		{"direct child", filepath.Join(root, "plan1.build"), true},
		{"nested child", filepath.Join(root, "a", "b"), true},
		{"the root itself", root, true},
		{"sibling of root", filepath.Join(repo, ".orchestrator", "other"), false},
		{"repo root", repo, false},
		{"escape via dotdot", filepath.Join(root, "..", "..", "..", "etc"), false},
		{"unrelated path", "/tmp/elsewhere", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WithinManagedRoot(tt.path, repo); got != tt.want {
				t.Errorf("WithinManagedRoot(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

// TestEnsureWithoutRepo returns no binding for tasks without a usable repo
func TestEnsureWithoutRepo(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	task := &store.Task{ID: "p1.a"}
	info, err := Ensure(ctx, st, task)
	if err != nil {
		t.Fatalf("Ensure without repo_path errored: %v", err)
	}
	if info != nil {
		t.Errorf("Ensure without repo_path = %v, want nil", info)
	}

	// A repo_path that is not a git repository behaves the same.
	dir := t.TempDir()
	task.RepoPath = &dir
	info, err = Ensure(ctx, st, task)
	if err != nil {
		t.Fatalf("Ensure on non-repo errored: %v", err)
	}
	if info != nil {
		t.Errorf("Ensure on non-repo = %v, want nil", info)
	}
}

// TestCleanupUnmanaged never touches caller-supplied worktrees
func TestCleanupUnmanaged(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	repo := t.TempDir()
	wt := t.TempDir()
	insertWorktreeTask(t, st, "p1.a", repo, wt, false)

	if err := Cleanup(ctx, st, "p1.a"); err != nil {
		t.Fatalf("Cleanup errored: %v", err)
	}

	task, err := st.GetTask(ctx, "p1.a")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if task.WorktreePath == nil {
		t.Error("unmanaged worktree binding should be untouched")
	}
}

// TestCleanupMissingPath clears the binding when the directory is gone
func TestCleanupMissingPath(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	repo := t.TempDir()
	gone := filepath.Join(repo, ManagedDir, "p1.a")
	insertWorktreeTask(t, st, "p1.a", repo, gone, true)

	if err := Cleanup(ctx, st, "p1.a"); err != nil {
		t.Fatalf("Cleanup errored: %v", err)
	}

	task, _ := st.GetTask(ctx, "p1.a")
	if task.WorktreePath != nil || task.WorktreeManaged {
		t.Error("binding should be cleared for a missing worktree directory")
	}
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "orchestrator.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	return st
}

func insertWorktreeTask(t *testing.T, st *store.Store, id, repo, wt string, managed bool) {
	t.Helper()

	ctx := context.Background()
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		now := store.Now()
		m := 0
		if managed {
			m = 1
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks(id, kind, plan_id, prompt, repo_path, worktree_path, worktree_managed, status, max_attempts, created_at, updated_at)
			VALUES(?, 'subtask', 'p1', 'work', ?, ?, ?, 'failed', 3, ?, ?)`,
			id, repo, wt, m, now, now)
		return err
	})
	if err != nil {
		t.Fatalf("failed to insert worktree task: %v", err)
	}
}
