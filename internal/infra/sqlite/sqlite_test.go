package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chain-sleuth/sleuth/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// ─── Database Lifecycle ─────────────────────────────────────────────────────

func TestOpen_CreatesDatabase(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Join(dir, "state.db")); os.IsNotExist(err) {
		t.Error("state.db should exist")
	}
}

func TestOpen_ReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	task, err := db.CreateTask(ctx, "alice.near")
	if err != nil {
		t.Fatalf("CreateTask() error: %v", err)
	}
	db.Close()

	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer db2.Close()
	if _, err := db2.GetTask(ctx, task.ID); err != nil {
		t.Fatalf("task lost across reopen: %v", err)
	}
}

// ─── Tasks ──────────────────────────────────────────────────────────────────

func TestCreateTask(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	task, err := db.CreateTask(ctx, "alice.near")
	if err != nil {
		t.Fatalf("CreateTask() error: %v", err)
	}
	if task.Status != domain.TaskPending || task.Progress != 0 {
		t.Errorf("new task = %+v, want pending/0", task)
	}
	if len(task.ID) != 36 {
		t.Errorf("ID %q does not look like a UUID", task.ID)
	}

	got, err := db.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask() error: %v", err)
	}
	if got.AccountID != "alice.near" {
		t.Errorf("AccountID = %q", got.AccountID)
	}
}

func TestGetTask_NotFound(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.GetTask(context.Background(), "nope"); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("error = %v, want ErrTaskNotFound", err)
	}
}

func TestUpdateTask_MergeAndIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	task, _ := db.CreateTask(ctx, "alice.near")

	u := domain.TaskUpdate{Status: domain.StatusPtr(domain.TaskProcessing), Progress: domain.IntPtr(30)}
	first, err := db.UpdateTask(ctx, task.ID, u)
	if err != nil {
		t.Fatalf("UpdateTask() error: %v", err)
	}
	second, err := db.UpdateTask(ctx, task.ID, u)
	if err != nil {
		t.Fatalf("UpdateTask() repeat error: %v", err)
	}
	if first.Status != second.Status || first.Progress != second.Progress {
		t.Errorf("repeat update changed state: %+v vs %+v", first, second)
	}
	if second.UpdatedAt.Before(first.UpdatedAt) {
		t.Error("UpdatedAt should not move backwards")
	}

	// Partial update keeps other fields.
	step, err := db.UpdateTask(ctx, task.ID, domain.TaskUpdate{CurrentStep: domain.StringPtr("Polling")})
	if err != nil {
		t.Fatalf("UpdateTask() error: %v", err)
	}
	if step.Progress != 30 || step.Status != domain.TaskProcessing {
		t.Errorf("partial update lost fields: %+v", step)
	}
}

func TestUpdateTask_ForwardOnly(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	task, _ := db.CreateTask(ctx, "bob.near")

	db.UpdateTask(ctx, task.ID, domain.TaskUpdate{Status: domain.StatusPtr(domain.TaskProcessing)})
	_, err := db.UpdateTask(ctx, task.ID, domain.TaskUpdate{
		Status: domain.StatusPtr(domain.TaskComplete),
		Result: json.RawMessage(`{"ok":true}`),
	})
	if err != nil {
		t.Fatalf("complete error: %v", err)
	}

	_, err = db.UpdateTask(ctx, task.ID, domain.TaskUpdate{Status: domain.StatusPtr(domain.TaskProcessing)})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("complete -> processing error = %v, want ErrInvalidTransition", err)
	}

	got, _ := db.GetTask(ctx, task.ID)
	if got.Status != domain.TaskComplete || got.Progress != 100 || string(got.Result) != `{"ok":true}` {
		t.Errorf("terminal task changed: %+v", got)
	}
}

func TestUpdateTask_ProgressMonotonic(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	task, _ := db.CreateTask(ctx, "carol.near")
	db.UpdateTask(ctx, task.ID, domain.TaskUpdate{Status: domain.StatusPtr(domain.TaskProcessing)})

	for _, p := range []int{10, 50, 20, 70, 65} {
		db.UpdateTask(ctx, task.ID, domain.TaskUpdate{Progress: domain.IntPtr(p)})
	}
	got, _ := db.GetTask(ctx, task.ID)
	if got.Progress != 70 {
		t.Errorf("Progress = %d, want 70", got.Progress)
	}
}

func TestFindOrCreateTask(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	first, created, err := db.FindOrCreateTask(ctx, "alice.near", false)
	if err != nil || !created {
		t.Fatalf("first FindOrCreateTask() = %v, created=%v", err, created)
	}

	again, created, err := db.FindOrCreateTask(ctx, "alice.near", false)
	if err != nil {
		t.Fatalf("FindOrCreateTask() error: %v", err)
	}
	if created || again.ID != first.ID {
		t.Errorf("expected existing task %s, got %s (created=%v)", first.ID, again.ID, created)
	}

	forced, created, err := db.FindOrCreateTask(ctx, "alice.near", true)
	if err != nil || !created || forced.ID == first.ID {
		t.Errorf("force should create a new task: %v created=%v", err, created)
	}

	// A failed task is not reused.
	other, _, _ := db.FindOrCreateTask(ctx, "dave.near", false)
	db.UpdateTask(ctx, other.ID, domain.TaskUpdate{Status: domain.StatusPtr(domain.TaskFailed), Error: domain.StringPtr("x")})
	retry, created, _ := db.FindOrCreateTask(ctx, "dave.near", false)
	if !created || retry.ID == other.ID {
		t.Error("failed task should not be returned")
	}
}

func TestFindOrCreateTask_Concurrent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[string]int)
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, _, err := db.FindOrCreateTask(ctx, "race.near", false)
			if err != nil {
				t.Errorf("FindOrCreateTask() error: %v", err)
				return
			}
			mu.Lock()
			ids[task.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(ids) != 1 {
		t.Errorf("concurrent starts produced %d tasks, want 1", len(ids))
	}
}

func TestListTasks(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.CreateTask(ctx, "a.near")
	db.CreateTask(ctx, "a.near")
	db.CreateTask(ctx, "b.near")

	all, err := db.ListTasks(ctx, domain.TaskFilter{})
	if err != nil {
		t.Fatalf("ListTasks() error: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("len = %d, want 3", len(all))
	}
	onlyA, _ := db.ListTasks(ctx, domain.TaskFilter{AccountID: "a.near"})
	if len(onlyA) != 2 {
		t.Errorf("len(a.near) = %d, want 2", len(onlyA))
	}
}

// ─── Jobs ───────────────────────────────────────────────────────────────────

func TestJobs_InsertClaimComplete(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id, inserted, err := db.InsertJob(ctx, &domain.Job{Type: "process-account", Payload: []byte(`{}`), MaxAttempts: 3})
	if err != nil || !inserted {
		t.Fatalf("InsertJob() = %v inserted=%v", err, inserted)
	}

	job, err := db.ClaimJob(ctx, []string{"process-account"}, time.Now(), time.Minute)
	if err != nil {
		t.Fatalf("ClaimJob() error: %v", err)
	}
	if job == nil || job.ID != id {
		t.Fatalf("ClaimJob() = %+v, want %s", job, id)
	}
	if job.Attempt != 1 || job.Status != domain.JobActive {
		t.Errorf("claimed job = attempt %d status %s", job.Attempt, job.Status)
	}

	// Nothing else due.
	if next, _ := db.ClaimJob(ctx, []string{"process-account"}, time.Now(), time.Minute); next != nil {
		t.Errorf("second claim returned %s", next.ID)
	}

	if err := db.CompleteJob(ctx, id); err != nil {
		t.Fatalf("CompleteJob() error: %v", err)
	}
	got, _ := db.GetJob(ctx, id)
	if got.Status != domain.JobCompleted {
		t.Errorf("Status = %s, want completed", got.Status)
	}
}

func TestJobs_UniqueKey(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	first, _, _ := db.InsertJob(ctx, &domain.Job{Type: "t", Payload: []byte(`{}`), MaxAttempts: 3, UniqueKey: "task-1"})
	second, inserted, err := db.InsertJob(ctx, &domain.Job{Type: "t", Payload: []byte(`{}`), MaxAttempts: 3, UniqueKey: "task-1"})
	if err != nil {
		t.Fatalf("InsertJob() error: %v", err)
	}
	if inserted || second != first {
		t.Errorf("duplicate unique key inserted a second job")
	}

	// Once finished, the key is free again.
	db.CompleteJob(ctx, first)
	third, inserted, _ := db.InsertJob(ctx, &domain.Job{Type: "t", Payload: []byte(`{}`), MaxAttempts: 3, UniqueKey: "task-1"})
	if !inserted || third == first {
		t.Error("completed job should release its unique key")
	}
}

func TestJobs_RetryRespectsRunAt(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	id, _, _ := db.InsertJob(ctx, &domain.Job{Type: "t", Payload: []byte(`{}`), MaxAttempts: 3})
	db.ClaimJob(ctx, []string{"t"}, now, time.Minute)
	db.RetryJob(ctx, id, now.Add(10*time.Second), "boom")

	if j, _ := db.ClaimJob(ctx, []string{"t"}, now, time.Minute); j != nil {
		t.Fatal("job claimed before its backoff elapsed")
	}
	j, _ := db.ClaimJob(ctx, []string{"t"}, now.Add(11*time.Second), time.Minute)
	if j == nil || j.Attempt != 2 || j.LastError != "boom" {
		t.Fatalf("retry claim = %+v", j)
	}
}

func TestJobs_ReapExpired(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	live, _, _ := db.InsertJob(ctx, &domain.Job{Type: "t", Payload: []byte(`{}`), MaxAttempts: 3})
	db.ClaimJob(ctx, []string{"t"}, now, time.Second)

	last, _, _ := db.InsertJob(ctx, &domain.Job{Type: "t", Payload: []byte(`{}`), MaxAttempts: 1})
	db.ClaimJob(ctx, []string{"t"}, now, time.Second)

	requeued, exhausted, err := db.ReapExpired(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("ReapExpired() error: %v", err)
	}
	if requeued != 1 {
		t.Errorf("requeued = %d, want 1", requeued)
	}
	if len(exhausted) != 1 || exhausted[0].ID != last {
		t.Errorf("exhausted = %+v, want [%s]", exhausted, last)
	}
	got, _ := db.GetJob(ctx, live)
	if got.Status != domain.JobQueued {
		t.Errorf("live job status = %s, want queued", got.Status)
	}

	counts, _ := db.JobCounts(ctx)
	if counts[domain.JobQueued] != 1 || counts[domain.JobFailed] != 1 {
		t.Errorf("JobCounts() = %v", counts)
	}
}

func TestJobs_Purge(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	id, _, _ := db.InsertJob(ctx, &domain.Job{Type: "t", Payload: []byte(`{}`), MaxAttempts: 3})
	db.CompleteJob(ctx, id)

	n, err := db.PurgeJobs(ctx, time.Now().Add(time.Hour))
	if err != nil || n != 1 {
		t.Errorf("PurgeJobs() = %d, %v; want 1", n, err)
	}
}

// ─── Workflows, Deliveries, Accounts ────────────────────────────────────────

func TestWorkflows(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	w := &domain.WorkflowState{
		RequestID:     "req-1",
		TargetAccount: "alice.near",
		TokenID:       "req-1",
		TaskID:        "task-1",
		Stage:         domain.StageContractRequest,
	}
	if err := db.SaveWorkflow(ctx, w); err != nil {
		t.Fatalf("SaveWorkflow() error: %v", err)
	}

	started := time.UnixMilli(time.Now().UnixMilli())
	w.Stage = domain.StageAnalysis
	w.AnalysisTaskID = "remote-9"
	w.AnalysisStartedAt = started
	db.SaveWorkflow(ctx, w)

	got, err := db.GetWorkflow(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetWorkflow() error: %v", err)
	}
	if got.Stage != domain.StageAnalysis || got.AnalysisTaskID != "remote-9" {
		t.Errorf("workflow = %+v", got)
	}
	if !got.AnalysisStartedAt.Equal(started) {
		t.Errorf("AnalysisStartedAt = %v, want %v", got.AnalysisStartedAt, started)
	}

	for _, key := range []string{"task-1", "remote-9"} {
		byTask, err := db.FindWorkflowByTask(ctx, key)
		if err != nil || byTask.RequestID != "req-1" {
			t.Errorf("FindWorkflowByTask(%s) = %v, %v", key, byTask, err)
		}
	}
	if _, err := db.FindWorkflowByTask(ctx, ""); !errors.Is(err, domain.ErrWorkflowNotFound) {
		t.Errorf("empty key error = %v, want ErrWorkflowNotFound", err)
	}
}

func TestDeliveries_FinalStatusSticks(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	dl := &domain.WebhookDelivery{
		ID: "wh-1", TaskID: "task-1", AccountID: "alice.near",
		Type: domain.WebhookCompletion, Status: domain.DeliveryPending, MaxAttempts: 3,
		Metadata: domain.MetadataUpdate{TokenID: "req-1", Description: "done", WebhookType: "Completion"},
	}
	if err := db.CreateDelivery(ctx, dl); err != nil {
		t.Fatalf("CreateDelivery() error: %v", err)
	}

	dl.Status, dl.Attempts = domain.DeliveryFailed, 3
	db.UpdateDelivery(ctx, dl)

	dl.Status = domain.DeliveryRetrying
	if err := db.UpdateDelivery(ctx, dl); err != nil {
		t.Fatalf("UpdateDelivery() error: %v", err)
	}

	got, err := db.GetDelivery(ctx, "wh-1")
	if err != nil {
		t.Fatalf("GetDelivery() error: %v", err)
	}
	if got.Status != domain.DeliveryFailed {
		t.Errorf("Status = %s, want failed to stick", got.Status)
	}
	if got.Metadata.Description != "done" {
		t.Errorf("Metadata = %+v", got.Metadata)
	}

	if err := db.UpdateDelivery(ctx, &domain.WebhookDelivery{ID: "missing"}); !errors.Is(err, domain.ErrDeliveryNotFound) {
		t.Errorf("missing delivery error = %v", err)
	}
}

func TestAccountRecords(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.GetAccountRecord(ctx, "alice.near"); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("error = %v, want ErrAccountNotFound", err)
	}

	db.PutAccountRecord(ctx, domain.AccountRecord{AccountID: "alice.near", Metadata: []byte(`{"v":1}`), TaskID: "t1"})
	db.PutAccountRecord(ctx, domain.AccountRecord{AccountID: "alice.near", Metadata: []byte(`{"v":2}`), TaskID: "t2"})

	got, err := db.GetAccountRecord(ctx, "alice.near")
	if err != nil {
		t.Fatalf("GetAccountRecord() error: %v", err)
	}
	if string(got.Metadata) != `{"v":2}` || got.TaskID != "t2" {
		t.Errorf("record = %+v", got)
	}
}
