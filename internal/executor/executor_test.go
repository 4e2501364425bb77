package executor

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowforge/runner/internal/agent"
	"github.com/flowforge/runner/internal/domain"
	"github.com/flowforge/runner/internal/logbus"
	"github.com/flowforge/runner/internal/network"
	"github.com/flowforge/runner/internal/store"
)

// scriptedTransport hands back one end of an in-memory net.Pipe per
// dial and drives the other end with respond, mirroring the fake used
// by the agent package's own client tests.
type scriptedTransport struct {
	respond func(conn net.Conn)
}

func (s scriptedTransport) Dial(ctx context.Context) (net.Conn, error) {
	client, guest := net.Pipe()
	go s.respond(guest)
	return client, nil
}

// alwaysExitZero answers every execute request with a successful exit
// and every file_write with success, regardless of content.
func alwaysExitZero(conn net.Conn) {
	defer conn.Close()
	env, err := agent.ReadEnvelope(conn)
	if err != nil {
		return
	}
	switch env.Type {
	case agent.MsgExecute:
		agent.WriteEnvelope(conn, agent.MsgExecute, agent.ExecuteResponse{ExitCode: 0})
	case agent.MsgFileWrite:
		agent.WriteEnvelope(conn, agent.MsgFileWrite, agent.FileWriteResponse{Success: true})
	case agent.MsgPing:
		agent.WriteEnvelope(conn, agent.MsgPing, agent.PingResponse{})
	}
}

func exitCode(code int) func(conn net.Conn) {
	return func(conn net.Conn) {
		defer conn.Close()
		env, err := agent.ReadEnvelope(conn)
		if err != nil || env.Type != agent.MsgExecute {
			return
		}
		agent.WriteEnvelope(conn, agent.MsgExecute, agent.ExecuteResponse{ExitCode: code})
	}
}

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

// seedJob creates a project/run/job/step row chain and returns the job
// and its steps, so runSteps has real rows to update status on.
func seedJob(t *testing.T, s *store.Store, stepNames ...string) (*domain.Job, []*domain.Step) {
	t.Helper()
	ctx := context.Background()

	p, err := s.CreateProject(ctx, "widgets", "ci.yaml")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	run, err := s.CreateRun(ctx, p.ID, "default", domain.TriggerManual, nil, "main", "deadbeef")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	job, err := s.CreateJob(ctx, run.ID, "build", "alpine", nil)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	var steps []*domain.Step
	for i, name := range stepNames {
		step, err := s.CreateStep(ctx, job.ID, name, i)
		if err != nil {
			t.Fatalf("create step %s: %v", name, err)
		}
		steps = append(steps, step)
	}
	return job, steps
}

func testExecutor(t *testing.T, s *store.Store, respond func(conn net.Conn)) *Executor {
	t.Helper()
	return New(Config{
		Store:  s,
		LogBus: logbus.New(),
		NewAgentClient: func() *agent.Client {
			return agent.NewClient(scriptedTransport{respond: respond})
		},
	})
}

func toSteps(job *domain.Job, steps []*domain.Step, names ...string) []StepSpec {
	var specs []StepSpec
	for i, s := range steps {
		specs = append(specs, StepSpec{StepID: s.ID, Name: names[i], Command: "echo " + names[i]})
	}
	return specs
}

func TestRunStepsAllSucceed(t *testing.T) {
	s := newTestStore(t)
	job, steps := seedJob(t, s, "build", "test")
	e := testExecutor(t, s, alwaysExitZero)

	result, err := e.runSteps(context.Background(), Job{
		ID:    job.ID,
		RunID: job.PipelineRunID,
		Steps: toSteps(job, steps, "build", "test"),
	})
	if err != nil {
		t.Fatalf("runSteps: %v", err)
	}
	if !result.Success {
		t.Errorf("expected success, got %+v", result)
	}

	for _, step := range steps {
		got, err := s.GetStep(context.Background(), step.ID)
		if err != nil {
			t.Fatalf("get step: %v", err)
		}
		if got.Status != domain.StatusSuccess {
			t.Errorf("step %s status = %s, want success", got.Name, got.Status)
		}
	}
}

func TestRunStepsSkipsAfterFailure(t *testing.T) {
	s := newTestStore(t)
	job, steps := seedJob(t, s, "build", "test", "deploy")
	e := testExecutor(t, s, exitCode(1))

	result, err := e.runSteps(context.Background(), Job{
		ID:    job.ID,
		RunID: job.PipelineRunID,
		Steps: toSteps(job, steps, "build", "test", "deploy"),
	})
	if err != nil {
		t.Fatalf("runSteps: %v", err)
	}
	if result.Success {
		t.Error("expected overall failure")
	}

	got, _ := s.GetStep(context.Background(), steps[0].ID)
	if got.Status != domain.StatusFailure {
		t.Errorf("first step status = %s, want failure", got.Status)
	}
	for _, step := range steps[1:] {
		got, _ := s.GetStep(context.Background(), step.ID)
		if got.Status != domain.StatusSkipped {
			t.Errorf("step %s status = %s, want skipped", got.Name, got.Status)
		}
	}
}

func TestRunStepsContinuesOnErrorRunsSubsequentSteps(t *testing.T) {
	s := newTestStore(t)
	job, steps := seedJob(t, s, "lint", "test")
	e := testExecutor(t, s, exitCode(1))

	specs := toSteps(job, steps, "lint", "test")
	specs[0].ContinueOnError = true

	result, err := e.runSteps(context.Background(), Job{ID: job.ID, RunID: job.PipelineRunID, Steps: specs})
	if err != nil {
		t.Fatalf("runSteps: %v", err)
	}
	// lint failed but was continue-on-error; test also failed (exitCode
	// responder always returns 1), so overall result is still failure,
	// but test must have actually been attempted, not skipped.
	if result.Success {
		t.Error("expected overall failure since test step failed")
	}
	got, _ := s.GetStep(context.Background(), steps[1].ID)
	if got.Status != domain.StatusFailure {
		t.Errorf("test step status = %s, want failure (ran, not skipped)", got.Status)
	}
}

func TestWaitForAgentGivesUpAfterRetries(t *testing.T) {
	e := New(Config{
		AgentPingRetry: 2,
		AgentPingDelay: time.Millisecond,
	})
	client := agent.NewClient(scriptedTransport{respond: func(conn net.Conn) {
		conn.Close() // hang up without responding: every ping fails
	}})

	err := e.waitForAgent(context.Background(), client)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestPushWorkspacePropagatesGuestError(t *testing.T) {
	s := newTestStore(t)
	e := testExecutor(t, s, func(conn net.Conn) {
		defer conn.Close()
		env, err := agent.ReadEnvelope(conn)
		if err != nil || env.Type != agent.MsgFileWrite {
			return
		}
		agent.WriteEnvelope(conn, agent.MsgFileWrite, agent.FileWriteResponse{Success: false, Error: "disk full"})
	})

	client := e.cfg.NewAgentClient()
	err := e.pushWorkspace(context.Background(), client, []WorkspaceFile{{Path: "a.txt", Content: []byte("hi")}})
	if err == nil {
		t.Fatal("expected error when guest reports failure")
	}
}

func TestBootArgsEncodesNetworkConfig(t *testing.T) {
	alloc := &network.Allocation{
		GuestIP: net.ParseIP("169.254.0.2"),
		Gateway: net.ParseIP("169.254.0.1"),
		DNS:     net.ParseIP("169.254.0.1"),
	}
	args := bootArgs(alloc)
	want := "ip=169.254.0.2::169.254.0.1:255.255.255.252::eth0:off gw=169.254.0.1 dns=169.254.0.1"
	if args != want {
		t.Errorf("bootArgs = %q, want %q", args, want)
	}
}
