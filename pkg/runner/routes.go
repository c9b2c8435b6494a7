package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/orcq/orcq/pkg/store"
)

// Operational exit codes reported by Dispatch.
const (
	ExitOK                 = 0
	ExitUnsupportedRouting = 64
	ExitMissingWorkdir     = 65
	ExitTaskNotFound       = 66
	ExitSandboxedNoop      = 75
	ExitBinaryNotFound     = 127
)

// WorkdirEnv overrides the coding-route working directory when the task
// carries neither a worktree nor a repo path.
const WorkdirEnv = "ORCQ_WORKDIR"

// Route predicates. Routing is opaque text to the core; this is the one
// place that interprets it, mapping routing families onto agent binaries.

// IsCodexRoute matches coding work dispatched to the codex CLI.
func IsCodexRoute(routing string) bool {
	return strings.HasPrefix(routing, "codex") ||
		routing == "backend" || routing == "frontend" || routing == "coding" || routing == "implement"
}

// IsReviewerRoute matches review work dispatched to the openclaw reviewer.
func IsReviewerRoute(routing string) bool {
	switch routing {
	case "reviewer", "review", "claude-review":
		return true
	}
	return strings.Contains(routing, "review")
}

// IsDesignerRoute matches design work dispatched to the openclaw designer.
func IsDesignerRoute(routing string) bool {
	switch routing {
	case "designer", "design", "gemini-design":
		return true
	}
	return strings.Contains(routing, "design")
}

// IsTriageRoute matches triage work dispatched to the openclaw triager.
func IsTriageRoute(routing string) bool {
	switch routing {
	case "triage", "classify", "qwen-triage":
		return true
	}
	return strings.Contains(routing, "triage")
}

// Dispatch resolves a task's routing to an agent invocation and runs it,
// relaying the agent's output. It returns one of the operational exit
// codes above, or the agent's own exit code.
func Dispatch(ctx context.Context, st *store.Store, taskID string, stdout, stderr io.Writer) int {
	task, err := st.GetTask(ctx, taskID)
	if err != nil {
		fmt.Fprintf(stderr, "task not found: %s\n", taskID)
		return ExitTaskNotFound
	}

	routing := ""
	if task.Routing != nil {
		routing = strings.ToLower(strings.TrimSpace(*task.Routing))
	}
	prompt := ""
	if task.Prompt != nil {
		prompt = *task.Prompt
	}

	switch {
	case IsCodexRoute(routing):
		return runCodex(ctx, task, prompt, stdout, stderr)
	case IsReviewerRoute(routing):
		return runOpenclaw(ctx, "reviewer", prompt, stdout, stderr)
	case IsDesignerRoute(routing):
		return runOpenclaw(ctx, "designer", prompt, stdout, stderr)
	case IsTriageRoute(routing):
		return runOpenclaw(ctx, "triage", prompt, stdout, stderr)
	}

	fmt.Fprintf(stderr, "unsupported routing: %q\n", routing)
	return ExitUnsupportedRouting
}

func runCodex(ctx context.Context, task *store.Task, prompt string, stdout, stderr io.Writer) int {
	workdir := firstNonEmpty(task.WorktreePath, task.RepoPath)
	if workdir == "" {
		workdir = strings.TrimSpace(os.Getenv(WorkdirEnv))
	}
	if workdir == "" {
		fmt.Fprintln(stderr, "codex route requires worktree_path/repo_path or "+WorkdirEnv)
		return ExitMissingWorkdir
	}

	aux := filepath.Join(workdir, ".orchestrator")
	if err := os.MkdirAll(aux, 0o755); err != nil {
		fmt.Fprintf(stderr, "failed to prepare workdir: %v\n", err)
		return ExitMissingWorkdir
	}
	promptFile := filepath.Join(aux, fmt.Sprintf("prompt.%s.txt", task.ID))
	if err := os.WriteFile(promptFile, []byte(prompt), 0o644); err != nil {
		fmt.Fprintf(stderr, "failed to write prompt file: %v\n", err)
		return ExitMissingWorkdir
	}

	if _, err := exec.LookPath("codex"); err != nil {
		fmt.Fprintln(stderr, "codex binary not found in PATH")
		return ExitBinaryNotFound
	}

	var out, errOut strings.Builder
	cmd := exec.CommandContext(ctx, "codex", "exec", "--full-auto", prompt)
	cmd.Dir = workdir
	cmd.Stdout = &out
	cmd.Stderr = &errOut

	rc := exitCode(cmd.Run())
	if out.Len() > 0 {
		fmt.Fprintln(stdout, out.String())
	}
	if errOut.Len() > 0 {
		fmt.Fprintln(stderr, errOut.String())
	}

	// A sandboxed agent sometimes reports success after being denied every
	// write. Surface that as a distinct exit so the classifier sees it.
	if rc == 0 && sandboxedNoop(out.String()+errOut.String()) {
		return ExitSandboxedNoop
	}
	return rc
}

func runOpenclaw(ctx context.Context, agent, prompt string, stdout, stderr io.Writer) int {
	if _, err := exec.LookPath("openclaw"); err != nil {
		fmt.Fprintln(stderr, "openclaw binary not found in PATH")
		return ExitBinaryNotFound
	}

	cmd := exec.CommandContext(ctx, "openclaw", "agent",
		"--agent", agent,
		"--thinking", "high",
		"--message", prompt,
		"--json")
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return exitCode(cmd.Run())
}

func sandboxedNoop(output string) bool {
	low := strings.ToLower(output)
	if !strings.Contains(low, "sandbox") {
		return false
	}
	return strings.Contains(low, "denied") ||
		strings.Contains(low, "read-only") ||
		strings.Contains(low, "operation not permitted")
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return 1
}

func firstNonEmpty(values ...*string) string {
	for _, v := range values {
		if v != nil {
			if s := strings.TrimSpace(*v); s != "" {
				return s
			}
		}
	}
	return ""
}
