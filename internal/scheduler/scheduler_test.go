package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/flowforge/runner/internal/domain"
	"github.com/flowforge/runner/internal/executor"
	"github.com/flowforge/runner/internal/pipeline"
	"github.com/flowforge/runner/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// staticResolver hands back a fixed job list regardless of which run
// asks for it, enough to drive the admission/dispatch path under test.
type staticResolver struct {
	jobs []pipeline.JobDef
}

func (r staticResolver) Resolve(ctx context.Context, run *domain.PipelineRun) ([]pipeline.JobDef, error) {
	return r.jobs, nil
}

func job(name, runnerImage string, dependsOn ...string) pipeline.JobDef {
	return pipeline.JobDef{
		Name:        name,
		RunnerImage: runnerImage,
		DependsOn:   dependsOn,
		Steps:       []pipeline.StepDef{{Name: "run", Command: "echo " + name}},
	}
}

// scriptedRunner reports success or failure per job name without
// touching any real VM infrastructure, letting these tests exercise
// the coordinator's DAG-driven dispatch and fail-fast cancellation in
// isolation from internal/executor and internal/firecracker.
type scriptedRunner struct {
	mu      sync.Mutex
	fail    map[string]bool
	started []string
}

func (r *scriptedRunner) Run(ctx context.Context, j executor.Job) (*executor.Result, error) {
	r.mu.Lock()
	r.started = append(r.started, j.RunnerImage+":"+j.ID)
	fail := r.fail[j.RunnerImage]
	r.mu.Unlock()

	select {
	case <-time.After(5 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if fail {
		return &executor.Result{JobID: j.ID, Success: false, ExitCode: 1}, nil
	}
	return &executor.Result{JobID: j.ID, Success: true, ExitCode: 0}, nil
}

func waitForTerminal(t *testing.T, s *store.Store, runID string, timeout time.Duration) *domain.PipelineRun {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		run, err := s.GetRun(context.Background(), runID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if run.Status.IsTerminal() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach a terminal status within %s", runID, timeout)
	return nil
}

func TestSchedulerRunsIndependentJobsToSuccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	proj, _ := s.CreateProject(ctx, "widgets", "ci.yaml")
	run, err := s.CreateRun(ctx, proj.ID, "default", domain.TriggerManual, nil, "main", "deadbeef")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	sched := New(Config{
		Store:         s,
		Resolver:      staticResolver{jobs: []pipeline.JobDef{job("build", "alpine"), job("lint", "alpine")}},
		Executor:      &scriptedRunner{fail: map[string]bool{}},
		MaxConcurrent: 2,
		PollInterval:  10 * time.Millisecond,
	})
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sched.Stop()

	final := waitForTerminal(t, s, run.ID, time.Second)
	if final.Status != domain.StatusSuccess {
		t.Errorf("run status = %s, want success", final.Status)
	}

	jobs, err := s.JobsForRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("jobs for run: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	for _, j := range jobs {
		if j.Status != domain.StatusSuccess {
			t.Errorf("job %s status = %s, want success", j.Name, j.Status)
		}
	}
}

func TestSchedulerSkipsDependentsOfFailedJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	proj, _ := s.CreateProject(ctx, "widgets", "ci.yaml")
	run, err := s.CreateRun(ctx, proj.ID, "default", domain.TriggerManual, nil, "main", "deadbeef")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	runner := &scriptedRunner{fail: map[string]bool{"build-image": true}}
	sched := New(Config{
		Store: s,
		Resolver: staticResolver{jobs: []pipeline.JobDef{
			job("build", "build-image"),
			job("deploy", "deploy-image", "build"),
		}},
		Executor:      runner,
		MaxConcurrent: 2,
		PollInterval:  10 * time.Millisecond,
	})
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sched.Stop()

	final := waitForTerminal(t, s, run.ID, time.Second)
	if final.Status != domain.StatusFailure {
		t.Errorf("run status = %s, want failure", final.Status)
	}

	jobs, err := s.JobsForRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("jobs for run: %v", err)
	}
	var deployStatus domain.Status
	for _, j := range jobs {
		if j.Name == "deploy" {
			deployStatus = j.Status
		}
	}
	if deployStatus != domain.StatusSkipped {
		t.Errorf("deploy status = %s, want skipped", deployStatus)
	}
}

func TestSchedulerRespectsMaxConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	proj, _ := s.CreateProject(ctx, "widgets", "ci.yaml")
	run, err := s.CreateRun(ctx, proj.ID, "default", domain.TriggerManual, nil, "main", "deadbeef")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	var mu sync.Mutex
	inFlight, maxSeen := 0, 0
	runner := &countingRunner{
		onStart: func() {
			mu.Lock()
			inFlight++
			if inFlight > maxSeen {
				maxSeen = inFlight
			}
			mu.Unlock()
		},
		onFinish: func() {
			mu.Lock()
			inFlight--
			mu.Unlock()
		},
	}

	jobs := make([]pipeline.JobDef, 0, 6)
	for i := 0; i < 6; i++ {
		jobs = append(jobs, job(fmt.Sprintf("job%d", i), "alpine"))
	}

	sched := New(Config{
		Store:         s,
		Resolver:      staticResolver{jobs: jobs},
		Executor:      runner,
		MaxConcurrent: 2,
		PollInterval:  10 * time.Millisecond,
	})
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sched.Stop()

	waitForTerminal(t, s, run.ID, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if maxSeen > 2 {
		t.Errorf("max concurrent jobs observed = %d, want <= 2", maxSeen)
	}
}

type countingRunner struct {
	onStart, onFinish func()
}

func (r *countingRunner) Run(ctx context.Context, j executor.Job) (*executor.Result, error) {
	r.onStart()
	defer r.onFinish()
	time.Sleep(20 * time.Millisecond)
	return &executor.Result{JobID: j.ID, Success: true, ExitCode: 0}, nil
}
