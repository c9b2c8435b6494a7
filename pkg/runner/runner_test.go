package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/orcq/orcq/pkg/store"
)

func strp(s string) *string { return &s }

// TestExpandTemplate substitutes every supported placeholder
func TestExpandTemplate(t *testing.T) {
	r := &ShellRunner{
		Template: "run --db {db_path} --task {task_id} --route {routing} --prompt {prompt}",
		DBPath:   "/tmp/orchestrator.db",
	}
	task := &store.Task{
		ID:      "p1.a",
		Routing: strp("coding"),
		Prompt:  strp("build it"),
	}

	got := r.expand(task)
	want := "run --db /tmp/orchestrator.db --task p1.a --route coding --prompt build it"
	if got != want {
		t.Errorf("expand = %q, want %q", got, want)
	}
}

// TestExpandNilFields substitutes empty strings for absent routing/prompt
func TestExpandNilFields(t *testing.T) {
	r := &ShellRunner{Template: "[{routing}][{prompt}]"}
	got := r.expand(&store.Task{ID: "p1.a"})
	if got != "[][]" {
		t.Errorf("expand with nil fields = %q, want [][]", got)
	}
}

// TestRunCapturesOutput writes the attempt log and returns the tail
func TestRunCapturesOutput(t *testing.T) {
	logDir := t.TempDir()
	r := &ShellRunner{
		Template: "echo out for {task_id}; echo err 1>&2",
		LogDir:   logDir,
	}

	res, err := r.Run(context.Background(), &store.Task{ID: "p1.a"}, 1)
	if err != nil {
		t.Fatalf("Run errored: %v", err)
	}
	if res.RC != 0 {
		t.Errorf("rc = %d, want 0", res.RC)
	}
	if !strings.Contains(res.Tail, "out for p1.a") || !strings.Contains(res.Tail, "err") {
		t.Errorf("tail missing merged output: %q", res.Tail)
	}

	wantLog := filepath.Join(logDir, "p1.a.attempt1.log")
	if res.LogPath != wantLog {
		t.Errorf("log path = %q, want %q", res.LogPath, wantLog)
	}
	if _, err := os.Stat(wantLog); err != nil {
		t.Errorf("log file missing: %v", err)
	}
}

// TestRunNonZeroExit reports the exit code in the result, not as an error
func TestRunNonZeroExit(t *testing.T) {
	r := &ShellRunner{Template: "echo boom; exit 3", LogDir: t.TempDir()}

	res, err := r.Run(context.Background(), &store.Task{ID: "p1.a"}, 2)
	if err != nil {
		t.Fatalf("Run errored: %v", err)
	}
	if res.RC != 3 {
		t.Errorf("rc = %d, want 3", res.RC)
	}
	if !strings.Contains(res.Tail, "boom") {
		t.Errorf("tail = %q, want boom", res.Tail)
	}
}

// TestRunTailBounded keeps only the last TailBytes of a long log
func TestRunTailBounded(t *testing.T) {
	r := &ShellRunner{
		Template:  "for i in $(seq 1 100); do echo \"line $i padding padding padding\"; done",
		LogDir:    t.TempDir(),
		TailBytes: 128,
	}

	res, err := r.Run(context.Background(), &store.Task{ID: "p1.a"}, 1)
	if err != nil {
		t.Fatalf("Run errored: %v", err)
	}
	if len(res.Tail) > 128 {
		t.Errorf("tail length = %d, want <= 128", len(res.Tail))
	}
	if !strings.Contains(res.Tail, "line 100") {
		t.Errorf("tail should end with the last lines: %q", res.Tail)
	}
}

// TestRoutePredicates maps routing values onto agent families
func TestRoutePredicates(t *testing.T) {
	tests := []struct {
		routing  string
		codex    bool
		reviewer bool
		designer bool
		triage   bool
	}{
		{"codex", true, false, false, false},
		{"codex-large", true, false, false, false},
		{"backend", true, false, false, false},
		{"frontend", true, false, false, false},
		{"coding", true, false, false, false},
		{"implement", true, false, false, false},
		{"reviewer", false, true, false, false},
		{"claude-review", false, true, false, false},
		{"code-review", false, true, false, false},
		{"designer", false, false, true, false},
		{"gemini-design", false, false, true, false},
		{"triage", false, false, false, true},
		{"classify", false, false, false, true},
		{"qwen-triage", false, false, false, true},
		{"mystery", false, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.routing, func(t *testing.T) {
			if got := IsCodexRoute(tt.routing); got != tt.codex {
				t.Errorf("IsCodexRoute = %v, want %v", got, tt.codex)
			}
			if got := IsReviewerRoute(tt.routing); got != tt.reviewer {
				t.Errorf("IsReviewerRoute = %v, want %v", got, tt.reviewer)
			}
			if got := IsDesignerRoute(tt.routing); got != tt.designer {
				t.Errorf("IsDesignerRoute = %v, want %v", got, tt.designer)
			}
			if got := IsTriageRoute(tt.routing); got != tt.triage {
				t.Errorf("IsTriageRoute = %v, want %v", got, tt.triage)
			}
		})
	}
}

// TestSandboxedNoop recognizes sandbox-denial output paired with rc 0
func TestSandboxedNoop(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want bool
	}{
		{"denied in sandbox", "running in sandbox: write denied", true},
		{"read-only sandbox", "Sandbox mounted read-only", true},
		{"not permitted", "sandbox: operation not permitted", true},
		{"sandbox alone", "sandbox active, all writes ok", false},
		{"denied alone", "permission denied", false},
		{"clean output", "all changes applied", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sandboxedNoop(tt.out); got != tt.want {
				t.Errorf("sandboxedNoop(%q) = %v, want %v", tt.out, got, tt.want)
			}
		})
	}
}

// TestDispatchUnknownTask returns the task-not-found exit code
func TestDispatchUnknownTask(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "orchestrator.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	var out, errOut strings.Builder
	rc := Dispatch(context.Background(), st, "missing", &out, &errOut)
	if rc != ExitTaskNotFound {
		t.Errorf("rc = %d, want %d", rc, ExitTaskNotFound)
	}
}
