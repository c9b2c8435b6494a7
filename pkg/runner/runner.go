// Package runner invokes the external agent processes that execute
// subtasks. The core treats runners as opaque: a command template is
// expanded, the child's merged output is captured to a per-attempt log
// file, and a bounded tail plus the exit code come back for
// classification.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/orcq/orcq/pkg/store"
)

// DefaultTailBytes is how much of the merged output is returned to the
// classifier.
const DefaultTailBytes = 20 * 1024

// Result is one runner invocation's observable outcome.
type Result struct {
	RC      int
	Tail    string
	LogPath string
}

// Runner executes one attempt of a subtask.
type Runner interface {
	Run(ctx context.Context, task *store.Task, attempt int) (Result, error)
}

// ShellRunner expands a shell command template and runs it through the
// system shell. Supported placeholders: {task_id}, {routing}, {prompt},
// {db_path}.
type ShellRunner struct {
	// Template is the runner command, e.g.
	// "orcq run --db {db_path} --task-id {task_id}".
	Template string

	// LogDir receives one <task>.attempt<N>.log file per invocation.
	LogDir string

	// DBPath is substituted for {db_path}.
	DBPath string

	// TailBytes bounds the returned output tail; 0 means DefaultTailBytes.
	TailBytes int
}

// Run invokes the expanded command, streaming merged stdout+stderr to the
// attempt's log file. A non-zero exit is not an error; it is reported in
// Result.RC for classification.
func (r *ShellRunner) Run(ctx context.Context, task *store.Task, attempt int) (Result, error) {
	if err := os.MkdirAll(r.LogDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("failed to create log dir: %w", err)
	}

	logPath := filepath.Join(r.LogDir, fmt.Sprintf("%s.attempt%d.log", task.ID, attempt))
	logFile, err := os.Create(logPath)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, "sh", "-c", r.expand(task))
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	rc := 0
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			rc = exitErr.ExitCode()
		} else {
			return Result{}, fmt.Errorf("failed to start runner: %w", err)
		}
	}

	tail, err := readTail(logPath, r.tailBytes())
	if err != nil {
		return Result{}, fmt.Errorf("failed to read runner log: %w", err)
	}

	return Result{RC: rc, Tail: tail, LogPath: logPath}, nil
}

func (r *ShellRunner) expand(task *store.Task) string {
	routing := ""
	if task.Routing != nil {
		routing = *task.Routing
	}
	prompt := ""
	if task.Prompt != nil {
		prompt = *task.Prompt
	}
	return strings.NewReplacer(
		"{task_id}", task.ID,
		"{routing}", routing,
		"{prompt}", prompt,
		"{db_path}", r.DBPath,
	).Replace(r.Template)
}

func (r *ShellRunner) tailBytes() int {
	if r.TailBytes > 0 {
		return r.TailBytes
	}
	return DefaultTailBytes
}

func readTail(path string, n int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	if info.Size() > int64(n) {
		if _, err := f.Seek(-int64(n), io.SeekEnd); err != nil {
			return "", err
		}
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
