// Package queue implements the enqueue protocol, runnable selection, and
// state reconciliation over the task store.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/orcq/orcq/pkg/plan"
	"github.com/orcq/orcq/pkg/store"
)

// EnqueueOptions tune plan admission.
type EnqueueOptions struct {
	// IdempotencyKey, when set, makes repeated enqueues of the same plan
	// return the existing plan id without writing anything.
	IdempotencyKey string

	// MaxAttempts bounds retries for every task in the plan. Defaults to 3.
	MaxAttempts int

	// MaxPromptChars bounds subtask prompts. Defaults to
	// plan.DefaultMaxPromptChars.
	MaxPromptChars int
}

// Enqueue validates the plan and materializes it in one immediate-mode
// transaction: the plan row, its subtask rows, dependency edges, and an
// "enqueued plan" event. Partial plans are never visible to readers.
// Returns the plan id.
func Enqueue(ctx context.Context, st *store.Store, p *plan.Plan, opts EnqueueOptions) (string, error) {
	if err := plan.Validate(p, opts.MaxPromptChars); err != nil {
		return "", err
	}

	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}

	planID := p.ID()
	now := store.Now()

	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		if opts.IdempotencyKey != "" {
			var existing string
			err := tx.QueryRowContext(ctx,
				"SELECT id FROM tasks WHERE idempotency_key=? AND kind='plan'",
				opts.IdempotencyKey).Scan(&existing)
			if err == nil {
				planID = existing
				return nil
			}
			if err != sql.ErrNoRows {
				return fmt.Errorf("failed to check idempotency key: %w", err)
			}
		}

		var key *string
		if opts.IdempotencyKey != "" {
			key = &opts.IdempotencyKey
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks(id, kind, plan_id, title, repo, repo_path, status, max_attempts, idempotency_key, created_at, updated_at)
			VALUES(?, 'plan', ?, ?, ?, ?, 'queued', ?, ?, ?, ?)`,
			planID, planID, nullable(p.Title), nullable(p.Repo), nullable(p.RepoPath),
			opts.MaxAttempts, key, now, now); err != nil {
			return fmt.Errorf("failed to insert plan row: %w", err)
		}

		for _, subt := range p.Subtasks {
			repoPath := subt.RepoPath
			if repoPath == "" {
				repoPath = p.RepoPath
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tasks(id, kind, plan_id, title, routing, prompt, repo, repo_path, status, max_attempts, created_at, updated_at)
				VALUES(?, 'subtask', ?, ?, ?, ?, ?, ?, 'queued', ?, ?, ?)`,
				subt.ID, planID, nullable(subt.Title), subt.Routing, subt.Prompt,
				nullable(p.Repo), nullable(repoPath), opts.MaxAttempts, now, now); err != nil {
				return fmt.Errorf("failed to insert subtask %s: %w", subt.ID, err)
			}

			for _, dep := range subt.DependsOn {
				if _, err := tx.ExecContext(ctx,
					"INSERT OR IGNORE INTO deps(task_id, depends_on) VALUES(?, ?)",
					subt.ID, dep); err != nil {
					return fmt.Errorf("failed to insert dependency %s -> %s: %w", subt.ID, dep, err)
				}
			}
		}

		data, _ := json.Marshal(map[string]int{"subtasks": len(p.Subtasks)})
		dataStr := string(data)
		return store.AppendEventTx(ctx, tx, &store.Event{
			TaskID:  planID,
			TS:      now,
			Level:   store.EventInfo,
			Message: "enqueued plan",
			Data:    &dataStr,
		})
	})
	if err != nil {
		return "", err
	}
	return planID, nil
}

// NextRunnable selects one queued subtask whose dependencies have all
// succeeded, oldest created_at first. The result is a hint, not a claim:
// the worker must re-verify status inside its claim transaction. Returns
// nil when nothing is runnable.
func NextRunnable(ctx context.Context, st *store.Store) (*store.Task, error) {
	row := st.DB().QueryRowContext(ctx, `
		SELECT t.id
		FROM tasks t
		WHERE t.kind='subtask'
		  AND t.status='queued'
		  AND NOT EXISTS (
		    SELECT 1
		    FROM deps d
		    JOIN tasks td ON td.id = d.depends_on
		    WHERE d.task_id = t.id
		      AND td.status != 'succeeded'
		  )
		ORDER BY t.created_at ASC
		LIMIT 1`)

	var id string
	err := row.Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select runnable task: %w", err)
	}
	return st.GetTask(ctx, id)
}

// Rollup derives a plan's status from the multiset of its subtasks'
// statuses. Pure; the reconciliation pass persists its result.
func Rollup(statuses []store.Status) store.Status {
	if len(statuses) == 0 {
		return store.StatusQueued
	}

	allSucceeded := true
	anyRunning := false
	anyQueued := false
	anyTerminalBad := false
	for _, s := range statuses {
		if s != store.StatusSucceeded {
			allSucceeded = false
		}
		switch {
		case s == store.StatusRunning:
			anyRunning = true
		case s == store.StatusQueued:
			anyQueued = true
		case s.TerminalNonSuccess():
			anyTerminalBad = true
		}
	}

	switch {
	case allSucceeded:
		return store.StatusSucceeded
	case anyRunning:
		return store.StatusRunning
	case anyQueued:
		return store.StatusQueued
	case anyTerminalBad:
		return store.StatusFailed
	default:
		return store.StatusQueued
	}
}

// Reconcile is the best-effort state reconciliation pass, run before and
// after each claim attempt:
//
//  1. queued subtasks with a terminal-non-success dependency become
//     blocked (reason dependency_failed), with a warn event;
//  2. each plan's status is recomputed from its subtasks, written only on
//     change, with an info event. Plans with no subtasks are untouched.
func Reconcile(ctx context.Context, st *store.Store) error {
	if err := propagateBlocked(ctx, st); err != nil {
		return err
	}
	return rollupPlans(ctx, st)
}

func propagateBlocked(ctx context.Context, st *store.Store) error {
	rows, err := st.DB().QueryContext(ctx, `
		SELECT t.id
		FROM tasks t
		WHERE t.kind='subtask'
		  AND t.status='queued'
		  AND EXISTS (
		    SELECT 1
		    FROM deps d
		    JOIN tasks td ON td.id = d.depends_on
		    WHERE d.task_id = t.id
		      AND td.status IN ('failed','blocked','canceled')
		  )`)
	if err != nil {
		return fmt.Errorf("failed to scan for blocked subtasks: %w", err)
	}
	defer rows.Close()

	var blocked []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("failed to scan blocked subtask: %w", err)
		}
		blocked = append(blocked, id)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating blocked subtasks: %w", err)
	}

	for _, id := range blocked {
		err := st.WithTx(ctx, func(tx *sql.Tx) error {
			now := store.Now()
			if _, err := tx.ExecContext(ctx,
				"UPDATE tasks SET status='blocked', blocked_reason='dependency_failed', updated_at=? WHERE id=? AND status='queued'",
				now, id); err != nil {
				return fmt.Errorf("failed to block subtask %s: %w", id, err)
			}
			return store.AppendEventTx(ctx, tx, &store.Event{
				TaskID:  id,
				TS:      now,
				Level:   store.EventWarn,
				Message: "blocked: dependency_failed",
			})
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func rollupPlans(ctx context.Context, st *store.Store) error {
	plans, err := st.ListTasks(ctx, store.TaskFilter{Kind: store.KindPlan})
	if err != nil {
		return err
	}

	for _, p := range plans {
		subtasks, err := st.ListTasks(ctx, store.TaskFilter{Kind: store.KindSubtask, PlanID: p.ID})
		if err != nil {
			return err
		}
		if len(subtasks) == 0 {
			continue
		}

		statuses := make([]store.Status, 0, len(subtasks))
		for _, subt := range subtasks {
			statuses = append(statuses, subt.Status)
		}

		next := Rollup(statuses)
		if next == p.Status {
			continue
		}

		planID := p.ID
		err = st.WithTx(ctx, func(tx *sql.Tx) error {
			now := store.Now()
			if _, err := tx.ExecContext(ctx,
				"UPDATE tasks SET status=?, updated_at=? WHERE id=?", next, now, planID); err != nil {
				return fmt.Errorf("failed to roll up plan %s: %w", planID, err)
			}
			return store.AppendEventTx(ctx, tx, &store.Event{
				TaskID:  planID,
				TS:      now,
				Level:   store.EventInfo,
				Message: fmt.Sprintf("plan status -> %s", next),
			})
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
