package health

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/chain-sleuth/sleuth/internal/domain"
	"github.com/chain-sleuth/sleuth/internal/infra/sqlite"
)

func newTestDB(t *testing.T) (*sqlite.DB, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := sqlite.Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, dir
}

func statusOf(t *testing.T, c *Checker, name string) Status {
	t.Helper()
	for _, s := range c.Statuses() {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("check %q not found", name)
	return Status{}
}

// ─── Checker Tests ──────────────────────────────────────────────────────────

func TestNewChecker(t *testing.T) {
	db, dir := newTestDB(t)
	c := NewChecker(db, dir, 0)
	if len(c.checks) != 3 {
		t.Errorf("checks = %d, want 3", len(c.checks))
	}
}

func TestChecker_RunAllHealthy(t *testing.T) {
	db, dir := newTestDB(t)
	c := NewChecker(db, dir, 0)
	c.runAll(context.Background())

	statuses := c.Statuses()
	if len(statuses) != 3 {
		t.Fatalf("Statuses() = %d, want 3", len(statuses))
	}
	for _, s := range statuses {
		if !s.Healthy {
			t.Errorf("check %q should be healthy, got error: %s", s.Name, s.Error)
		}
	}
	if !c.IsHealthy() {
		t.Error("IsHealthy() should be true when all checks pass")
	}
}

func TestChecker_IsHealthy_BeforeRun(t *testing.T) {
	db, dir := newTestDB(t)
	c := NewChecker(db, dir, 0)
	if !c.IsHealthy() {
		t.Error("IsHealthy() should be true before first run (no statuses)")
	}
}

func TestChecker_DataDirMissing(t *testing.T) {
	db, _ := newTestDB(t)
	c := NewChecker(db, filepath.Join(t.TempDir(), "missing"), 0)
	c.runAll(context.Background())

	if statusOf(t, c, "data_dir").Healthy {
		t.Error("data_dir should fail when the directory is missing")
	}
	if c.IsHealthy() {
		t.Error("IsHealthy() should be false")
	}
}

func TestChecker_DataDirIsFile(t *testing.T) {
	db, _ := newTestDB(t)
	path := filepath.Join(t.TempDir(), "data")
	os.WriteFile(path, []byte("not a dir"), 0644)

	c := NewChecker(db, path, 0)
	c.runAll(context.Background())
	if statusOf(t, c, "data_dir").Healthy {
		t.Error("data_dir should fail when path is a file")
	}
}

func TestChecker_JobBacklog(t *testing.T) {
	db, dir := newTestDB(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, _, err := db.InsertJob(ctx, &domain.Job{Type: "process-account", Payload: []byte(`{}`), MaxAttempts: 3}); err != nil {
			t.Fatalf("InsertJob: %v", err)
		}
	}

	c := NewChecker(db, dir, 2)
	c.runAll(ctx)
	s := statusOf(t, c, "job_backlog")
	if s.Healthy {
		t.Error("job_backlog should fail above the limit")
	}
	if s.Error == "" {
		t.Error("failing check should record an error")
	}
}

func TestChecker_AddCheckAndRecover(t *testing.T) {
	c := &Checker{}
	recovered := false
	c.AddCheck(Check{
		Name:      "always_fail",
		CheckFn:   func(ctx context.Context) error { return os.ErrPermission },
		RecoverFn: func(ctx context.Context) error { recovered = true; return nil },
	})
	c.runAll(context.Background())

	statuses := c.Statuses()
	if len(statuses) != 1 || statuses[0].Healthy {
		t.Fatalf("statuses = %+v, want one failing check", statuses)
	}
	if !recovered {
		t.Error("RecoverFn should run when a check fails")
	}
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	db, dir := newTestDB(t)
	c := NewChecker(db, dir, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if len(c.Statuses()) != 3 {
		t.Error("Run should perform an initial check pass")
	}
}
