package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/flowforge/runner/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetProject(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, err := s.CreateProject(ctx, "widgets", "/etc/widgets/ci.yaml")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	got, err := s.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if got.Name != "widgets" {
		t.Errorf("name = %q, want widgets", got.Name)
	}
}

func TestRunStatusTransitionIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, _ := s.CreateProject(ctx, "proj", "cfg.yaml")
	run, err := s.CreateRun(ctx, p.ID, "default", domain.TriggerManual, nil, "main", "deadbeef")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	if err := s.UpdateRunStatus(ctx, run.ID, domain.StatusRunning); err != nil {
		t.Fatalf("update run status: %v", err)
	}
	// re-applying the same status must be a no-op, not an error.
	if err := s.UpdateRunStatus(ctx, run.ID, domain.StatusRunning); err != nil {
		t.Fatalf("idempotent update: %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != domain.StatusRunning {
		t.Errorf("status = %v, want running", got.Status)
	}
	if got.StartedAt == nil {
		t.Error("started_at not set")
	}
}

func TestLogOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, _ := s.CreateProject(ctx, "proj", "cfg.yaml")
	run, _ := s.CreateRun(ctx, p.ID, "default", domain.TriggerManual, nil, "main", "sha")
	job, _ := s.CreateJob(ctx, run.ID, "build", "alpine", nil)

	var seqs []int64
	for i := 0; i < 5; i++ {
		seq, err := s.AppendLog(ctx, job.ID, "", domain.StreamStdout, []byte("line"))
		if err != nil {
			t.Fatalf("append log: %v", err)
		}
		seqs = append(seqs, seq)
	}

	chunks, err := s.GetLogsForJob(ctx, job.ID, 0)
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	if len(chunks) != 5 {
		t.Fatalf("len(chunks) = %d, want 5", len(chunks))
	}
	for i, c := range chunks {
		if c.Sequence != seqs[i] {
			t.Errorf("chunk %d sequence = %d, want %d", i, c.Sequence, seqs[i])
		}
		if i > 0 && chunks[i-1].Sequence >= c.Sequence {
			t.Errorf("sequence not strictly increasing at %d", i)
		}
	}

	// tail-since-cursor: only chunks after seqs[2] should come back.
	tail, err := s.GetLogsForJob(ctx, job.ID, seqs[2])
	if err != nil {
		t.Fatalf("get logs since cursor: %v", err)
	}
	if len(tail) != 2 {
		t.Fatalf("len(tail) = %d, want 2", len(tail))
	}
}

func TestJobDependsOnRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, _ := s.CreateProject(ctx, "proj", "cfg.yaml")
	run, _ := s.CreateRun(ctx, p.ID, "default", domain.TriggerManual, nil, "main", "sha")
	a, _ := s.CreateJob(ctx, run.ID, "A", "alpine", nil)
	b, err := s.CreateJob(ctx, run.ID, "B", "alpine", []string{a.Name})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	got, err := s.GetJob(ctx, b.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if len(got.DependsOn) != 1 || got.DependsOn[0] != a.Name {
		t.Errorf("depends_on = %v, want [%s]", got.DependsOn, a.Name)
	}
}

func TestRecoverOrphanedRunsAllPendingRequeues(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, _ := s.CreateProject(ctx, "proj", "cfg.yaml")
	run, _ := s.CreateRun(ctx, p.ID, "default", domain.TriggerManual, nil, "main", "sha")
	s.CreateJob(ctx, run.ID, "A", "alpine", nil)
	if err := s.UpdateRunStatus(ctx, run.ID, domain.StatusRunning); err != nil {
		t.Fatalf("update run status: %v", err)
	}

	if err := s.RecoverOrphanedRuns(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != domain.StatusPending {
		t.Errorf("status = %v, want pending (all jobs were still pending)", got.Status)
	}
}
