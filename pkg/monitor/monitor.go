// Package monitor derives branch, pull request, and CI state for tasks
// that carry a worktree, and persists them. Discovery of PRs and checks
// is injectable; the store is the monitor's only side effect.
package monitor

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/orcq/orcq/pkg/store"
)

// PullRequest is one upstream PR candidate for a branch.
type PullRequest struct {
	Number      int    `json:"number"`
	URL         string `json:"url"`
	HeadRefName string `json:"headRefName"`
}

// Check is one CI check run attached to a PR.
type Check struct {
	State string `json:"state"`
	Link  string `json:"link"`
	Name  string `json:"name"`
}

// Discovery is the remote-hosting integration the monitor depends on.
type Discovery interface {
	ListPullRequests(ctx context.Context, repoSlug, branch string) ([]PullRequest, error)
	ListChecks(ctx context.Context, repoSlug string, prNumber int) ([]Check, error)
}

// CIStatus is the aggregate derived from a PR's check runs.
type CIStatus struct {
	State  string
	Detail string
	URL    *string
}

// Monitor updates PR/CI columns for worktree-bearing subtasks.
type Monitor struct {
	st   *store.Store
	disc Discovery
	log  zerolog.Logger
}

// New creates a monitor over the given store and discovery capability.
func New(st *store.Store, disc Discovery, log zerolog.Logger) *Monitor {
	return &Monitor{st: st, disc: disc, log: log.With().Str("component", "monitor").Logger()}
}

// RunOnce scans tasks with worktrees (or just taskID when non-empty),
// persisting branch, PR, and aggregated CI state. Rows whose branch or
// remote cannot be resolved are skipped; per-row errors never abort the
// scan. Returns how many rows received PR/CI updates.
func (m *Monitor) RunOnce(ctx context.Context, taskID string) (int, error) {
	tasks, err := m.st.TasksWithWorktree(ctx, taskID)
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, task := range tasks {
		if task.WorktreePath == nil || strings.TrimSpace(*task.WorktreePath) == "" {
			continue
		}
		wt := strings.TrimSpace(*task.WorktreePath)

		branch, err := currentBranch(wt)
		if err != nil || branch == "" {
			m.log.Debug().Str("task_id", task.ID).Msg("no branch resolvable, skipping")
			continue
		}

		if err := m.st.SetWorktreeBranch(ctx, task.ID, branch); err != nil {
			return updated, err
		}

		slug, ok := repoSlug(wt)
		if !ok {
			continue
		}

		pr, ok, err := m.discoverPR(ctx, slug, branch)
		if err != nil {
			m.log.Warn().Err(err).Str("task_id", task.ID).Msg("pull request discovery failed")
			continue
		}
		if !ok {
			continue
		}

		ci, err := m.discoverCI(ctx, slug, pr.Number)
		if err != nil {
			m.log.Warn().Err(err).Str("task_id", task.ID).Msg("check discovery failed")
			continue
		}

		if err := m.st.SetPullRequest(ctx, task.ID, pr.Number, pr.URL, ci.State, ci.Detail, ci.URL); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

// discoverPR picks the PR whose head ref matches the branch exactly,
// falling back to the first candidate.
func (m *Monitor) discoverPR(ctx context.Context, slug, branch string) (PullRequest, bool, error) {
	prs, err := m.disc.ListPullRequests(ctx, slug, branch)
	if err != nil {
		return PullRequest{}, false, err
	}
	for _, pr := range prs {
		if pr.HeadRefName == branch {
			return pr, true, nil
		}
	}
	if len(prs) > 0 {
		return prs[0], true, nil
	}
	return PullRequest{}, false, nil
}

func (m *Monitor) discoverCI(ctx context.Context, slug string, prNumber int) (CIStatus, error) {
	checks, err := m.disc.ListChecks(ctx, slug, prNumber)
	if err != nil {
		return CIStatus{}, err
	}
	return AggregateChecks(checks), nil
}

// AggregateChecks folds raw check states into the task's ci_* columns:
// any hard failure wins, then all-success, then any pending, else
// unknown. Detail is the sorted unique raw state set; URL is the first
// non-empty check link.
func AggregateChecks(checks []Check) CIStatus {
	if len(checks) == 0 {
		return CIStatus{State: "unknown", Detail: "no checks"}
	}

	failedStates := map[string]bool{"FAILURE": true, "ERROR": true, "TIMED_OUT": true, "CANCELLED": true, "ACTION_REQUIRED": true}
	successStates := map[string]bool{"SUCCESS": true, "SKIPPED": true, "NEUTRAL": true}
	pendingStates := map[string]bool{"PENDING": true, "IN_PROGRESS": true, "QUEUED": true, "WAITING": true}

	states := make([]string, 0, len(checks))
	anyFailed, anyPending := false, false
	allSuccess := true
	for _, c := range checks {
		s := strings.ToUpper(strings.TrimSpace(c.State))
		states = append(states, s)
		if failedStates[s] {
			anyFailed = true
		}
		if pendingStates[s] {
			anyPending = true
		}
		if s != "" && !successStates[s] {
			allSuccess = false
		}
	}

	state := "unknown"
	switch {
	case anyFailed:
		state = "failed"
	case allSuccess:
		state = "passed"
	case anyPending:
		state = "pending"
	}

	uniq := map[string]bool{}
	for _, s := range states {
		uniq[s] = true
	}
	sorted := make([]string, 0, len(uniq))
	for s := range uniq {
		sorted = append(sorted, s)
	}
	sort.Strings(sorted)
	detail := strings.Join(sorted, ",")
	if detail == "" {
		detail = "unknown"
	}

	var url *string
	for _, c := range checks {
		if c.Link != "" {
			link := c.Link
			url = &link
			break
		}
	}

	return CIStatus{State: state, Detail: detail, URL: url}
}

// ParseRepoSlug extracts owner/repo from a github.com remote URL. Other
// hosts are rejected; the slug parser accepts one explicit host family.
func ParseRepoSlug(remoteURL string) (string, bool) {
	url := strings.TrimSpace(remoteURL)
	if url == "" {
		return "", false
	}

	var slug string
	switch {
	case strings.HasPrefix(url, "git@github.com:"):
		slug = strings.TrimPrefix(url, "git@github.com:")
	case strings.HasPrefix(url, "ssh://git@github.com/"):
		slug = strings.TrimPrefix(url, "ssh://git@github.com/")
	case strings.HasPrefix(url, "https://github.com/"):
		slug = strings.TrimPrefix(url, "https://github.com/")
	default:
		return "", false
	}

	slug = strings.TrimSuffix(slug, ".git")
	parts := []string{}
	for _, p := range strings.Split(slug, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) < 2 {
		return "", false
	}
	return parts[0] + "/" + parts[1], true
}

func repoSlug(worktreeDir string) (string, bool) {
	remote, err := gitOutput(worktreeDir, "remote", "get-url", "origin")
	if err != nil {
		return "", false
	}
	return ParseRepoSlug(strings.TrimSpace(remote))
}

func currentBranch(dir string) (string, error) {
	out, err := gitOutput(dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func gitOutput(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s failed: %w", strings.Join(args, " "), err)
	}
	return string(out), nil
}
