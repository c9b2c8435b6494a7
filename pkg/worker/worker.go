// Package worker implements the claim/run/retry loop.
//
// One loop holds at most one claim at a time. Several worker processes
// may share a store: the claim's read-modify-write runs under an
// immediate-mode transaction, so a row is claimed at most once per
// attempt increment no matter how many workers poll it.
package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orcq/orcq/pkg/failure"
	"github.com/orcq/orcq/pkg/metrics"
	"github.com/orcq/orcq/pkg/queue"
	"github.com/orcq/orcq/pkg/runner"
	"github.com/orcq/orcq/pkg/store"
	"github.com/orcq/orcq/pkg/worktree"
)

// maxFailureDetail bounds what is persisted in tasks.failure_detail.
const maxFailureDetail = 2048

// maxOutputExcerpt bounds the runner-output excerpt carried inside
// failure_detail. The excerpt is what lets the retry gate see infra
// signals (connection reset, rate limit, 502/503, timeout) that the
// classifier's matched-pattern detail alone would hide.
const maxOutputExcerpt = 512

// Config tunes the loop.
type Config struct {
	// Poll is the idle sleep between empty selections. Default 1s.
	Poll time.Duration
}

// Loop is a single-process worker.
type Loop struct {
	st      *store.Store
	runner  runner.Runner
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Collector
	id      string
}

// New creates a worker loop. collector may be nil.
func New(st *store.Store, r runner.Runner, cfg Config, log zerolog.Logger, collector *metrics.Collector) *Loop {
	if cfg.Poll <= 0 {
		cfg.Poll = time.Second
	}
	id := uuid.NewString()
	return &Loop{
		st:      st,
		runner:  r,
		cfg:     cfg,
		log:     log.With().Str("component", "worker").Str("worker_id", id).Logger(),
		metrics: collector,
		id:      id,
	}
}

// Run polls until ctx is canceled. Cancellation is cooperative: the
// current iteration finishes recording its outcome before the loop exits.
func (w *Loop) Run(ctx context.Context) error {
	w.log.Info().Msg("worker started")
	for {
		if ctx.Err() != nil {
			w.log.Info().Msg("worker stopping")
			return nil
		}

		if err := queue.Reconcile(ctx, w.st); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reconcile failed: %w", err)
		}

		task, err := queue.NextRunnable(ctx, w.st)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if task == nil {
			if !w.sleep(ctx) {
				w.log.Info().Msg("worker stopping")
				return nil
			}
			continue
		}

		if err := w.runOne(ctx, task); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := queue.Reconcile(ctx, w.st); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reconcile failed: %w", err)
		}
	}
}

var errNotClaimable = errors.New("task no longer queued")

// runOne claims the task, runs one attempt, and records the outcome.
func (w *Loop) runOne(ctx context.Context, task *store.Task) error {
	attempt, err := w.claim(ctx, task.ID, task.MaxAttempts)
	if errors.Is(err, errNotClaimable) {
		// Lost the race to another worker; nothing was written.
		return nil
	}
	if err != nil {
		return err
	}
	if w.metrics != nil {
		w.metrics.TasksClaimed.Inc()
	}

	log := w.log.With().Str("task_id", task.ID).Int("attempt", attempt).Logger()
	log.Info().Msg("claimed task")

	// Re-read so the runner and worktree setup see the claimed row.
	task, err = w.st.GetTask(ctx, task.ID)
	if err != nil {
		return err
	}

	// Worktree setup failures are logged, not fatal: the subtask runs
	// with whatever workdir is available.
	if info, wtErr := worktree.Ensure(ctx, w.st, task); wtErr != nil {
		log.Warn().Err(wtErr).Msg("worktree setup failed")
	} else if info != nil {
		log.Info().Str("worktree", info.Path).Bool("managed", info.Managed).Msg("worktree ready")
	}

	res, err := w.runner.Run(ctx, task, attempt)
	if err != nil {
		// The runner could not even be started; record it as an agent
		// failure so the outcome is a row, not an error.
		res = runner.Result{RC: -1}
		return w.recordFailure(ctx, log, task, attempt,
			failure.Classification{Kind: failure.KindAgent, Detail: truncate("runner error: "+err.Error())}, res)
	}

	if res.RC == 0 {
		// The worktree is kept: downstream review/commit/PR flow needs it.
		if err := w.st.MarkSucceeded(ctx, task.ID); err != nil {
			return err
		}
		if w.metrics != nil {
			w.metrics.TasksSucceed.Inc()
		}
		log.Info().Str("log", res.LogPath).Msg("task succeeded")
		return nil
	}

	cls := failure.Classify(res.Tail, &res.RC)
	return w.recordFailure(ctx, log, task, attempt, cls, res)
}

func (w *Loop) recordFailure(ctx context.Context, log zerolog.Logger, task *store.Task, attempt int, cls failure.Classification, res runner.Result) error {
	detail := cls.Detail
	if excerpt := outputExcerpt(res.Tail); excerpt != "" {
		detail += "; output: " + excerpt
	}
	if res.LogPath != "" {
		detail += "; log=" + res.LogPath
	}
	detail = truncate(detail)

	if err := w.st.MarkFailed(ctx, task.ID, string(cls.Kind), detail); err != nil {
		return err
	}
	if w.metrics != nil {
		w.metrics.TasksFailed.WithLabelValues(string(cls.Kind)).Inc()
	}
	log.Error().Int("rc", res.RC).Str("kind", string(cls.Kind)).Str("detail", detail).Msg("task failed")

	dec := failure.DecideRetry(string(cls.Kind), detail, attempt, task.MaxAttempts)
	if dec.ShouldRetry {
		if err := w.st.Requeue(ctx, task.ID, dec.Reason); err != nil {
			return err
		}
		if w.metrics != nil {
			w.metrics.Retries.Inc()
		}
		log.Warn().Str("reason", dec.Reason).Msg("retry allowed")
		return nil
	}

	if err := w.st.RecordNoRetry(ctx, task.ID, dec.Reason); err != nil {
		return err
	}
	log.Warn().Str("reason", dec.Reason).Msg("no retry")

	if err := worktree.Cleanup(ctx, w.st, task.ID); err != nil {
		log.Warn().Err(err).Msg("worktree cleanup failed")
	}
	return nil
}

// claim atomically flips queued -> running and increments attempt. The
// re-read under the write lock guards against a concurrent claim.
func (w *Loop) claim(ctx context.Context, taskID string, maxAttempts int) (int, error) {
	attempt := 0
	err := w.st.WithTx(ctx, func(tx *sql.Tx) error {
		task, err := store.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.Status != store.StatusQueued {
			return errNotClaimable
		}

		attempt = task.Attempt + 1
		now := store.Now()
		if _, err := tx.ExecContext(ctx,
			"UPDATE tasks SET status='running', attempt=attempt+1, updated_at=? WHERE id=?",
			now, taskID); err != nil {
			return fmt.Errorf("failed to claim task: %w", err)
		}

		data, _ := json.Marshal(map[string]string{"worker": w.id})
		dataStr := string(data)
		return store.AppendEventTx(ctx, tx, &store.Event{
			TaskID:  taskID,
			TS:      now,
			Level:   store.EventInfo,
			Message: fmt.Sprintf("claimed for run (attempt %d/%d)", attempt, maxAttempts),
			Data:    &dataStr,
		})
	})
	if err != nil {
		return 0, err
	}
	return attempt, nil
}

// sleep waits one poll interval; false means the context was canceled.
func (w *Loop) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(w.cfg.Poll):
		return true
	}
}

// outputExcerpt keeps the end of the tail, where failure summaries land.
func outputExcerpt(tail string) string {
	s := strings.TrimSpace(tail)
	if len(s) > maxOutputExcerpt {
		s = s[len(s)-maxOutputExcerpt:]
	}
	return s
}

func truncate(s string) string {
	if len(s) <= maxFailureDetail {
		return s
	}
	return s[:maxFailureDetail]
}
