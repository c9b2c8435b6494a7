package worker

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/orcq/orcq/pkg/plan"
	"github.com/orcq/orcq/pkg/queue"
	"github.com/orcq/orcq/pkg/runner"
	"github.com/orcq/orcq/pkg/store"
)

// stubRunner returns scripted results per task id, recording invocations
type stubRunner struct {
	results map[string][]runner.Result
	calls   []string
}

func (s *stubRunner) Run(_ context.Context, task *store.Task, _ int) (runner.Result, error) {
	s.calls = append(s.calls, task.ID)
	queue := s.results[task.ID]
	if len(queue) == 0 {
		return runner.Result{RC: 0}, nil
	}
	res := queue[0]
	s.results[task.ID] = queue[1:]
	return res, nil
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

func routing(s string) *string { return &s }

func enqueueChain(t *testing.T, st *store.Store) {
	t.Helper()

	p := &plan.Plan{
		PlanID: "p1",
		Subtasks: []plan.Subtask{
			{ID: "p1.a", Routing: routing("coding"), Prompt: "build it"},
			{ID: "p1.b", Routing: routing("reviewer"), Prompt: "review it", DependsOn: []string{"p1.a"}},
		},
	}
	if _, err := queue.Enqueue(context.Background(), st, p, queue.EnqueueOptions{}); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
}

// step selects and executes exactly one runnable subtask
func step(t *testing.T, loop *Loop, st *store.Store) bool {
	t.Helper()

	ctx := context.Background()
	if err := queue.Reconcile(ctx, st); err != nil {
		t.Fatalf("failed to reconcile: %v", err)
	}
	task, err := queue.NextRunnable(ctx, st)
	if err != nil {
		t.Fatalf("failed to select runnable: %v", err)
	}
	if task == nil {
		return false
	}
	if err := loop.runOne(ctx, task); err != nil {
		t.Fatalf("runOne failed: %v", err)
	}
	if err := queue.Reconcile(ctx, st); err != nil {
		t.Fatalf("failed to reconcile: %v", err)
	}
	return true
}

func status(t *testing.T, st *store.Store, id string) store.Status {
	t.Helper()

	task, err := st.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to get %s: %v", id, err)
	}
	return task.Status
}

// TestHappyPathChain runs a two step chain to plan success
func TestHappyPathChain(t *testing.T) {
	st := setupTestStore(t)
	enqueueChain(t, st)

	stub := &stubRunner{results: map[string][]runner.Result{}}
	loop := New(st, stub, Config{}, zerolog.Nop(), nil)

	for step(t, loop, st) {
	}

	if got := status(t, st, "p1.a"); got != store.StatusSucceeded {
		t.Errorf("p1.a = %s, want succeeded", got)
	}
	if got := status(t, st, "p1.b"); got != store.StatusSucceeded {
		t.Errorf("p1.b = %s, want succeeded", got)
	}
	if got := status(t, st, "p1"); got != store.StatusSucceeded {
		t.Errorf("plan = %s, want succeeded", got)
	}
	if len(stub.calls) != 2 || stub.calls[0] != "p1.a" || stub.calls[1] != "p1.b" {
		t.Errorf("run order = %v, want [p1.a p1.b]", stub.calls)
	}
}

// TestFailureBlocksDependent fails the root and expects the dependent
// blocked and the plan failed
func TestFailureBlocksDependent(t *testing.T) {
	st := setupTestStore(t)
	enqueueChain(t, st)

	stub := &stubRunner{results: map[string][]runner.Result{
		// Unknown-kind output so the retry gate refuses every attempt.
		"p1.a": {
			{RC: 1, Tail: "nothing recognizable here"},
		},
	}}
	loop := New(st, stub, Config{}, zerolog.Nop(), nil)

	for step(t, loop, st) {
	}

	if got := status(t, st, "p1.a"); got != store.StatusFailed {
		t.Errorf("p1.a = %s, want failed", got)
	}
	if got := status(t, st, "p1.b"); got != store.StatusBlocked {
		t.Errorf("p1.b = %s, want blocked", got)
	}
	if got := status(t, st, "p1"); got != store.StatusFailed {
		t.Errorf("plan = %s, want failed", got)
	}
	if len(stub.calls) != 1 {
		t.Errorf("runner called %d times, want 1", len(stub.calls))
	}
}

// TestRetryThenSuccess exercises a fixable lint failure that succeeds on
// the second attempt
func TestRetryThenSuccess(t *testing.T) {
	st := setupTestStore(t)
	enqueueChain(t, st)

	stub := &stubRunner{results: map[string][]runner.Result{
		"p1.a": {
			{RC: 1, Tail: "ruff check failed with 2 errors"},
			{RC: 0},
		},
	}}
	loop := New(st, stub, Config{}, zerolog.Nop(), nil)

	for step(t, loop, st) {
	}

	task, err := st.GetTask(context.Background(), "p1.a")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if task.Status != store.StatusSucceeded {
		t.Errorf("p1.a = %s, want succeeded", task.Status)
	}
	if task.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", task.Attempt)
	}
	if got := status(t, st, "p1"); got != store.StatusSucceeded {
		t.Errorf("plan = %s, want succeeded", got)
	}

	events, err := st.ListEvents(context.Background(), "p1.a", 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	var sawRetry bool
	for _, ev := range events {
		if ev.Message == "retry allowed: fixable failure_kind=lint" {
			sawRetry = true
		}
	}
	if !sawRetry {
		t.Errorf("missing retry event in %v", messages(events))
	}
}

// TestInfraSignalRetriesTest retries a test-kind failure whose output
// carries an infra signal until it succeeds within the attempt budget
func TestInfraSignalRetriesTest(t *testing.T) {
	st := setupTestStore(t)

	p := &plan.Plan{
		PlanID: "p1",
		Subtasks: []plan.Subtask{
			{ID: "p1.a", Routing: routing("coding"), Prompt: "build it"},
		},
	}
	if _, err := queue.Enqueue(context.Background(), st, p, queue.EnqueueOptions{MaxAttempts: 3}); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	stub := &stubRunner{results: map[string][]runner.Result{
		"p1.a": {
			{RC: 1, Tail: "pytest run aborted: connection reset by peer"},
			{RC: 1, Tail: "pytest run aborted: connection reset by peer"},
			{RC: 0},
		},
	}}
	loop := New(st, stub, Config{}, zerolog.Nop(), nil)

	for step(t, loop, st) {
	}

	task, err := st.GetTask(context.Background(), "p1.a")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if task.Status != store.StatusSucceeded {
		t.Errorf("p1.a = %s, want succeeded", task.Status)
	}
	if task.Attempt != 3 {
		t.Errorf("attempt = %d, want 3", task.Attempt)
	}

	events, err := st.ListEvents(context.Background(), "p1.a", 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	retries := 0
	for _, ev := range events {
		if ev.Message == "retry allowed: infra signal in CI/test" {
			retries++
		}
	}
	if retries != 2 {
		t.Errorf("infra retry events = %d in %v, want 2", retries, messages(events))
	}
}

// TestPlainTestFailureNotRetried stops a test-kind failure with no infra
// signal at the first attempt
func TestPlainTestFailureNotRetried(t *testing.T) {
	st := setupTestStore(t)

	p := &plan.Plan{
		PlanID: "p1",
		Subtasks: []plan.Subtask{
			{ID: "p1.a", Routing: routing("coding"), Prompt: "build it"},
		},
	}
	if _, err := queue.Enqueue(context.Background(), st, p, queue.EnqueueOptions{MaxAttempts: 3}); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	stub := &stubRunner{results: map[string][]runner.Result{
		"p1.a": {
			{RC: 1, Tail: "pytest summary: 4 tests failed, 12 passed"},
		},
	}}
	loop := New(st, stub, Config{}, zerolog.Nop(), nil)

	for step(t, loop, st) {
	}

	task, err := st.GetTask(context.Background(), "p1.a")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if task.Status != store.StatusFailed {
		t.Errorf("p1.a = %s, want failed", task.Status)
	}
	if task.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", task.Attempt)
	}
	if task.FailureKind == nil || *task.FailureKind != "test" {
		t.Errorf("failure_kind = %v, want test", task.FailureKind)
	}
	if len(stub.calls) != 1 {
		t.Errorf("runner called %d times, want 1", len(stub.calls))
	}

	events, _ := st.ListEvents(context.Background(), "p1.a", 0)
	last := events[len(events)-1]
	if last.Message != "no retry: CI/test failures require classification / human gate" {
		t.Errorf("last event = %q, want the human-gate refusal", last.Message)
	}
}

// TestFailureDetailCarriesOutput persists the output excerpt the retry
// gate reads alongside the matched pattern and log path
func TestFailureDetailCarriesOutput(t *testing.T) {
	st := setupTestStore(t)
	enqueueChain(t, st)

	stub := &stubRunner{results: map[string][]runner.Result{
		"p1.a": {
			{RC: 1, Tail: "pytest summary: 4 tests failed", LogPath: "/logs/p1.a.attempt1.log"},
		},
	}}
	loop := New(st, stub, Config{}, zerolog.Nop(), nil)

	step(t, loop, st)

	task, err := st.GetTask(context.Background(), "p1.a")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if task.FailureDetail == nil {
		t.Fatal("failure_detail not persisted")
	}
	detail := *task.FailureDetail
	for _, want := range []string{"matched:", "output: pytest summary: 4 tests failed", "log=/logs/p1.a.attempt1.log"} {
		if !strings.Contains(detail, want) {
			t.Errorf("failure_detail = %q, missing %q", detail, want)
		}
	}
}

// TestAttemptBudgetExhausted stops retrying at max_attempts even for a
// fixable kind
func TestAttemptBudgetExhausted(t *testing.T) {
	st := setupTestStore(t)

	p := &plan.Plan{
		PlanID: "p1",
		Subtasks: []plan.Subtask{
			{ID: "p1.a", Routing: routing("coding"), Prompt: "build it"},
		},
	}
	if _, err := queue.Enqueue(context.Background(), st, p, queue.EnqueueOptions{MaxAttempts: 2}); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	stub := &stubRunner{results: map[string][]runner.Result{
		"p1.a": {
			{RC: 1, Tail: "ruff check failed"},
			{RC: 1, Tail: "ruff check failed"},
			{RC: 1, Tail: "ruff check failed"},
		},
	}}
	loop := New(st, stub, Config{}, zerolog.Nop(), nil)

	for step(t, loop, st) {
	}

	task, _ := st.GetTask(context.Background(), "p1.a")
	if task.Status != store.StatusFailed {
		t.Errorf("p1.a = %s, want failed", task.Status)
	}
	if task.Attempt != 2 {
		t.Errorf("attempt = %d, want budget 2 consumed exactly", task.Attempt)
	}
	if len(stub.calls) != 2 {
		t.Errorf("runner called %d times, want 2", len(stub.calls))
	}
}

// TestClaimNotQueued refuses to claim rows another worker already took
func TestClaimNotQueued(t *testing.T) {
	st := setupTestStore(t)
	enqueueChain(t, st)

	stub := &stubRunner{results: map[string][]runner.Result{}}
	loop := New(st, stub, Config{}, zerolog.Nop(), nil)

	ctx := context.Background()
	task, err := queue.NextRunnable(ctx, st)
	if err != nil || task == nil {
		t.Fatalf("no runnable task: %v", err)
	}

	if _, err := loop.claim(ctx, task.ID, task.MaxAttempts); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if _, err := loop.claim(ctx, task.ID, task.MaxAttempts); err != errNotClaimable {
		t.Errorf("second claim = %v, want errNotClaimable", err)
	}
}

func messages(events []*store.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Message)
	}
	return out
}
