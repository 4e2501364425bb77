// Package scheduler implements C9: the dispatch loop that takes pending
// pipeline runs, resolves and matrix-expands their job definitions,
// drives a per-run dag.Graph, and hands ready jobs to the VM executor
// within a bounded concurrency cap. Grounded on asyncqueue/worker.go's
// poller+notifier+worker shape, reworked around a single coordinator
// goroutine that owns all DAG mutation (executors only ever report
// completions back over a channel) rather than asyncqueue's many
// workers pulling directly off a shared task channel, since the DAG's
// ready-set computation is not safe for concurrent access.
package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flowforge/runner/internal/artifacts"
	"github.com/flowforge/runner/internal/asyncqueue"
	"github.com/flowforge/runner/internal/cierr"
	"github.com/flowforge/runner/internal/dag"
	"github.com/flowforge/runner/internal/domain"
	"github.com/flowforge/runner/internal/executor"
	"github.com/flowforge/runner/internal/logbus"
	"github.com/flowforge/runner/internal/logging"
	"github.com/flowforge/runner/internal/matrix"
	"github.com/flowforge/runner/internal/metrics"
	"github.com/flowforge/runner/internal/pipeline"
	"github.com/flowforge/runner/internal/store"
)

// PipelineResolver loads a run's job definitions from its project's
// pipeline configuration file. The config file format and its loader
// are a thin external collaborator, out of scope here; the scheduler
// only depends on this interface.
type PipelineResolver interface {
	Resolve(ctx context.Context, run *domain.PipelineRun) ([]pipeline.JobDef, error)
}

// WorkspaceProvider materializes the files a job's VM should see before
// its steps run (checked-out source, generated config, etc). Like
// PipelineResolver, the actual checkout mechanism is an external
// collaborator; a nil Provider runs jobs with an empty workspace.
type WorkspaceProvider interface {
	Workspace(ctx context.Context, run *domain.PipelineRun, jobName string) ([]executor.WorkspaceFile, error)
}

// JobRunner runs one job to completion. *executor.Executor satisfies
// this; tests substitute a fake to exercise dispatch/DAG/fail-fast
// behavior without booting real microVMs.
type JobRunner interface {
	Run(ctx context.Context, job executor.Job) (*executor.Result, error)
}

// SecretResolver resolves $SECRET:name references in a job's environment
// variables against a project's encrypted secrets. *secrets.Resolver
// satisfies this; a nil SecretResolver leaves env vars unresolved, which
// is fine for pipelines that reference no secrets.
type SecretResolver interface {
	ResolveEnvVars(ctx context.Context, projectID string, envVars map[string]string) (map[string]string, error)
}

// Config bundles the scheduler's collaborators and tunables.
type Config struct {
	Store     *store.Store
	Resolver  PipelineResolver
	Workspace WorkspaceProvider
	Executor  JobRunner
	Secrets   SecretResolver
	LogBus    *logbus.Bus

	// Artifacts archives each job's combined log once it finishes. Nil
	// is treated as artifacts.NoopArchiver (set by New if left unset).
	Artifacts artifacts.Archiver

	MaxConcurrent int // hard ceiling on in-flight jobs (spec.md §5/§8 invariant 9)
	PollInterval  time.Duration

	KernelImage string
	RuntimeDir  string
	// RootFSForImage maps a job's runner image name to the VM rootfs
	// path to boot. Defaults to "<RuntimeDir>/rootfs/<image>.ext4".
	RootFSForImage func(runnerImage string) string

	// Adaptive, when Adaptive.Enabled is set, widens/narrows the in-flight cap between
	// Adaptive.MinWorkers and MaxConcurrent based on queue depth instead
	// of holding a single fixed limit.
	Adaptive asyncqueue.AdaptiveConfig
}

const (
	defaultMaxConcurrent = 4
	defaultPollInterval  = 500 * time.Millisecond
)

// dispatchJob is everything the coordinator and its run goroutines need
// for one matrix-expanded job, independent of the store (the scheduler
// persists transitions separately from the in-memory dag.Graph).
type dispatchJob struct {
	id          string
	name        string
	group       string // base job-definition name, before matrix expansion
	runnerImage string
	env         map[string]string
	steps       []executor.StepSpec
	startedAt   time.Time
	retry       *pipeline.RetrySpec
}

type runState struct {
	run            *domain.PipelineRun
	graph          *dag.Graph
	jobs           map[string]*dispatchJob
	failFastGroups map[string]bool
	cancelFuncs    map[string]context.CancelFunc
}

type runArrival struct {
	run            *domain.PipelineRun
	graph          *dag.Graph
	jobs           map[string]*dispatchJob
	failFastGroups map[string]bool
}

type jobCompletion struct {
	runID   string
	jobID   string
	success bool
}

type queuedJob struct {
	runID string
	jobID string
}

// Scheduler dispatches pending runs to the VM executor, bounded by a
// concurrency cap, honoring dependency order and matrix fail-fast
// cancellation.
type Scheduler struct {
	cfg      Config
	notifier *wakeNotifier
	adaptive *asyncqueue.AdaptiveController

	stopCh       chan struct{}
	newRunCh     chan runArrival
	completionCh chan jobCompletion
	cancelCh     chan string
	wg           sync.WaitGroup

	mu      sync.Mutex // guards started only; graph/queue state belongs to the coordinator goroutine alone
	started bool
}

// New constructs a Scheduler from its collaborators.
func New(cfg Config) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.RootFSForImage == nil {
		cfg.RootFSForImage = func(image string) string {
			return fmt.Sprintf("%s/rootfs/%s.ext4", cfg.RuntimeDir, image)
		}
	}
	if cfg.Artifacts == nil {
		cfg.Artifacts = artifacts.NoopArchiver{}
	}

	s := &Scheduler{
		cfg:          cfg,
		notifier:     newWakeNotifier(),
		stopCh:       make(chan struct{}),
		newRunCh:     make(chan runArrival),
		completionCh: make(chan jobCompletion, cfg.MaxConcurrent),
		cancelCh:     make(chan string),
	}
	if cfg.Adaptive.Enabled {
		s.adaptive = asyncqueue.NewController(cfg.Adaptive, cfg.MaxConcurrent)
	}
	if cfg.Store != nil {
		cfg.Store.SetNotifier(s.notifier)
	}
	return s
}

// Start recovers orphaned runs from a prior crash, then launches the
// poller and coordinator goroutines.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if s.cfg.Store != nil {
		if err := s.cfg.Store.RecoverOrphanedRuns(ctx); err != nil {
			return fmt.Errorf("recover orphaned runs: %w", err)
		}
	}
	if s.adaptive != nil {
		s.adaptive.Start()
	}

	s.wg.Add(2)
	go s.poller()
	go s.coordinate()

	logging.Op().Info("scheduler started", "max_concurrent", s.cfg.MaxConcurrent, "poll_interval", s.cfg.PollInterval)
	return nil
}

// Stop signals the poller and coordinator to exit and waits for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.stopCh)
	if s.adaptive != nil {
		s.adaptive.Stop()
	}
	s.wg.Wait()
	logging.Op().Info("scheduler stopped")
}

// Cancel requests that runID's remaining jobs be cancelled: running
// jobs have their context cancelled, queued jobs never start.
func (s *Scheduler) Cancel(runID string) {
	select {
	case s.cancelCh <- runID:
	case <-s.stopCh:
	}
}

func (s *Scheduler) limit() int {
	if s.adaptive != nil {
		if w := s.adaptive.Workers(); w < s.cfg.MaxConcurrent {
			return w
		}
	}
	return s.cfg.MaxConcurrent
}

// MaxConcurrent returns the scheduler's current dispatch cap (fixed, or
// the adaptive controller's present ceiling), for the health endpoint.
func (s *Scheduler) MaxConcurrent() int {
	return s.limit()
}

// Running reports whether Start has been called and Stop has not.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// poller wakes on a fixed interval or an explicit store notification
// (new run inserted) and admits whatever pending runs it finds.
func (s *Scheduler) poller() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.dispatchPendingRuns()
		case <-s.notifier.ch:
			s.dispatchPendingRuns()
		}
	}
}

func (s *Scheduler) dispatchPendingRuns() {
	ctx := context.Background()
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		run, err := s.cfg.Store.NextPendingRun(ctx)
		if err != nil {
			if !errors.Is(err, cierr.ErrNotFound) {
				logging.Op().Error("fetch next pending run failed", "error", err)
			}
			return
		}
		if err := s.admitRun(ctx, run); err != nil {
			logging.Op().Error("admit run failed", "run", run.ID, "error", err)
			_ = s.cfg.Store.UpdateRunStatus(ctx, run.ID, domain.StatusFailure)
		}
	}
}

// admitRun resolves run's job definitions, matrix-expands them, persists
// job/step rows, builds the run's dag.Graph, and hands it to the
// coordinator. This is the only place job/step rows are created, so it
// runs entirely before the coordinator becomes aware of the run.
func (s *Scheduler) admitRun(ctx context.Context, run *domain.PipelineRun) error {
	jobDefs, err := s.cfg.Resolver.Resolve(ctx, run)
	if err != nil {
		return fmt.Errorf("resolve pipeline: %w", err)
	}

	type expandedJob struct {
		base string
		job  matrix.Expanded
	}
	var all []expandedJob
	nameIndex := map[string][]string{} // base job-def name -> expanded job names

	for _, jd := range jobDefs {
		expanded, err := matrix.Expand(jd)
		if err != nil {
			return fmt.Errorf("expand matrix for %q: %w", jd.Name, err)
		}
		for _, e := range expanded {
			all = append(all, expandedJob{base: jd.Name, job: e})
			nameIndex[jd.Name] = append(nameIndex[jd.Name], e.Name)
		}
	}

	nodes := make([]dag.Node, 0, len(all))
	jobs := make(map[string]*dispatchJob, len(all))
	failFastGroups := map[string]bool{}
	storeJobs := make(map[string]*domain.Job, len(all))

	for _, ej := range all {
		var deps []string
		for _, d := range ej.job.DependsOn {
			deps = append(deps, nameIndex[d]...)
		}

		sj, err := s.cfg.Store.CreateJob(ctx, run.ID, ej.job.Name, ej.job.RunnerImage, deps)
		if err != nil {
			return fmt.Errorf("create job %q: %w", ej.job.Name, err)
		}
		storeJobs[ej.job.Name] = sj

		env := ej.job.Env
		if s.cfg.Secrets != nil {
			env, err = s.cfg.Secrets.ResolveEnvVars(ctx, run.ProjectID, env)
			if err != nil {
				return fmt.Errorf("resolve secrets for job %q: %w", ej.job.Name, err)
			}
		}

		var steps []executor.StepSpec
		for _, st := range ej.job.Steps {
			ss, err := s.cfg.Store.CreateStep(ctx, sj.ID, st.Name, len(steps))
			if err != nil {
				return fmt.Errorf("create step %q: %w", st.Name, err)
			}
			steps = append(steps, executor.StepSpec{
				StepID:          ss.ID,
				Name:            st.Name,
				Command:         st.Command,
				Env:             env,
				ContinueOnError: st.ContinueOnError,
			})
		}

		nodes = append(nodes, dag.Node{ID: sj.ID, DependsOn: deps})
		jobs[sj.ID] = &dispatchJob{
			id: sj.ID, name: ej.job.Name, group: ej.base,
			runnerImage: ej.job.RunnerImage, env: env, steps: steps,
			retry: ej.job.Retry,
		}
		if ej.job.FailFast {
			failFastGroups[ej.base] = true
		}
	}
	for i := range nodes {
		nodes[i].DependsOn = depJobIDs(nodes[i].DependsOn, storeJobs, nameIndex, nodes[i].ID)
	}

	graph, err := dag.Build(nodes)
	if err != nil {
		return fmt.Errorf("build dag: %w", err)
	}

	select {
	case s.newRunCh <- runArrival{run: run, graph: graph, jobs: jobs, failFastGroups: failFastGroups}:
	case <-s.stopCh:
	}
	return nil
}

// depJobIDs re-resolves dependency job names (possibly several, one per
// matrix combination) to the store-assigned job IDs dag.Graph indexes
// nodes by, now that every job in this run has been created.
func depJobIDs(depNames []string, byName map[string]*domain.Job, _ map[string][]string, _ string) []string {
	ids := make([]string, 0, len(depNames))
	for _, n := range depNames {
		if j, ok := byName[n]; ok {
			ids = append(ids, j.ID)
		}
	}
	return ids
}

// coordinate is the single goroutine that owns every run's dag.Graph
// and the global ready-job queue. It never performs blocking I/O itself
// (VM boot, step execution): that happens in runJob goroutines spawned
// here, which report back over completionCh.
func (s *Scheduler) coordinate() {
	defer s.wg.Done()

	runs := map[string]*runState{}
	var queue []queuedJob
	inFlight := 0

	drain := func() {
		for len(queue) > 0 && inFlight < s.limit() {
			item := queue[0]
			queue = queue[1:]
			rs, ok := runs[item.runID]
			if !ok {
				continue
			}
			job, ok := rs.jobs[item.jobID]
			if !ok {
				continue
			}
			rs.graph.MarkRunning(item.jobID)
			inFlight++
			metrics.Global().RecordJobStarted()
			metrics.SetInFlightJobs(inFlight)

			jobCtx, cancel := context.WithCancel(context.Background())
			rs.cancelFuncs[item.jobID] = cancel

			_ = s.cfg.Store.UpdateJobStatus(context.Background(), job.id, domain.StatusRunning, nil)
			job.startedAt = time.Now()
			go s.runJob(jobCtx, item.runID, rs.run, job)
		}
		metrics.SetQueueDepth(len(queue))
	}

	for {
		select {
		case <-s.stopCh:
			return

		case arrival := <-s.newRunCh:
			rs := &runState{
				run: arrival.run, graph: arrival.graph, jobs: arrival.jobs,
				failFastGroups: arrival.failFastGroups, cancelFuncs: map[string]context.CancelFunc{},
			}
			runs[arrival.run.ID] = rs
			_ = s.cfg.Store.UpdateRunStatus(context.Background(), arrival.run.ID, domain.StatusRunning)
			metrics.Global().RecordRunStarted()
			for _, id := range rs.graph.ReadyNodes() {
				queue = append(queue, queuedJob{runID: arrival.run.ID, jobID: id})
			}
			if s.adaptive != nil {
				s.adaptive.SetQueueDepth(int64(len(queue)))
			}
			drain()

		case runID := <-s.cancelCh:
			if rs, ok := runs[runID]; ok {
				s.cancelRun(rs, &queue)
				finalizeIfDone(s.cfg.Store, rs, runs)
			}

		case c := <-s.completionCh:
			rs, ok := runs[c.runID]
			if !ok {
				inFlight--
				drain()
				continue
			}
			inFlight--
			delete(rs.cancelFuncs, c.jobID)

			job := rs.jobs[c.jobID]
			ready, skipped := rs.graph.MarkCompleted(c.jobID, c.success)
			for _, id := range skipped {
				_ = s.cfg.Store.UpdateJobStatus(context.Background(), id, domain.StatusSkipped, nil)
				metrics.Global().RecordJobFinished(string(domain.StatusSkipped), 0)
			}
			for _, id := range ready {
				queue = append(queue, queuedJob{runID: c.runID, jobID: id})
			}

			if !c.success && job != nil && rs.failFastGroups[job.group] {
				s.cancelGroup(rs, job.group, &queue)
			}

			if s.adaptive != nil {
				s.adaptive.RecordCompleted(1)
				s.adaptive.SetQueueDepth(int64(len(queue)))
			}

			finalizeIfDone(s.cfg.Store, rs, runs)
			drain()
		}
	}
}

// cancelGroup cancels every still-pending/ready sibling in a matrix
// group after a fail-fast trigger. A sibling already running is left
// alone to run to completion: its guest VM and step output are already
// in flight, and spec.md's failure semantics call cancelling it out
// from under itself the riskier reading.
func (s *Scheduler) cancelGroup(rs *runState, group string, queue *[]queuedJob) {
	for id, job := range rs.jobs {
		if job.group != group {
			continue
		}
		if rs.graph.Status(id).IsTerminal() {
			continue
		}
		if _, running := rs.cancelFuncs[id]; running {
			continue
		}
		rs.graph.CancelOne(id)
		_ = s.cfg.Store.UpdateJobStatus(context.Background(), id, domain.StatusCancelled, nil)
		metrics.Global().RecordJobFinished(string(domain.StatusCancelled), 0)
	}
	*queue = removeRun(*queue, func(q queuedJob) bool {
		return q.runID == rs.run.ID && rs.jobs[q.jobID] != nil && rs.jobs[q.jobID].group == group
	})
}

func (s *Scheduler) cancelRun(rs *runState, queue *[]queuedJob) {
	rs.graph.CancelAll()
	for _, cancel := range rs.cancelFuncs {
		cancel()
	}
	*queue = removeRun(*queue, func(q queuedJob) bool { return q.runID == rs.run.ID })
}

func removeRun(queue []queuedJob, drop func(queuedJob) bool) []queuedJob {
	kept := queue[:0]
	for _, q := range queue {
		if !drop(q) {
			kept = append(kept, q)
		}
	}
	return kept
}

func finalizeIfDone(s *store.Store, rs *runState, runs map[string]*runState) {
	if !rs.graph.Done() {
		return
	}
	status := runDomainStatus(rs.graph.Outcome())
	_ = s.UpdateRunStatus(context.Background(), rs.run.ID, status)
	metrics.Global().RecordRunFinished(status == domain.StatusSuccess)
	delete(runs, rs.run.ID)
}

func runDomainStatus(outcome dag.Status) domain.Status {
	switch outcome {
	case dag.StatusFailure:
		return domain.StatusFailure
	case dag.StatusCancelled:
		return domain.StatusCancelled
	default:
		return domain.StatusSuccess
	}
}

// runJob executes one job end to end and reports its outcome back to
// the coordinator. It never touches a dag.Graph directly.
func (s *Scheduler) runJob(ctx context.Context, runID string, run *domain.PipelineRun, job *dispatchJob) {
	var workspace []executor.WorkspaceFile
	if s.cfg.Workspace != nil {
		ws, err := s.cfg.Workspace.Workspace(ctx, run, job.name)
		if err != nil {
			logging.ForJob(runID, job.id).Error("workspace materialization failed", "error", err)
		} else {
			workspace = ws
		}
	}

	result, err := s.cfg.Executor.Run(ctx, executor.Job{
		ID:          job.id,
		RunID:       runID,
		RunnerImage: job.runnerImage,
		KernelImage: s.cfg.KernelImage,
		RootFSImage: s.cfg.RootFSForImage(job.runnerImage),
		Workspace:   workspace,
		Steps:       job.steps,
		Retry:       job.retry,
	})

	success := false
	var exitCode *int
	switch {
	case err != nil:
		logging.ForJob(runID, job.id).Error("job execution failed", "error", err)
	case result != nil:
		success = result.Success
		code := result.ExitCode
		exitCode = &code
	}

	status := domain.StatusFailure
	if success {
		status = domain.StatusSuccess
	}
	if ctx.Err() != nil {
		status = domain.StatusCancelled
	}
	_ = s.cfg.Store.UpdateJobStatus(context.Background(), job.id, status, exitCode)
	metrics.Global().RecordJobFinished(string(status), time.Since(job.startedAt).Milliseconds())
	s.archiveJobLog(context.Background(), runID, job)

	select {
	case s.completionCh <- jobCompletion{runID: runID, jobID: job.id, success: success && ctx.Err() == nil}:
	case <-s.stopCh:
	}
}

// archiveJobLog concatenates a finished job's stored log chunks and
// hands them to the configured artifact archiver, under
// "<jobID>.log". Best-effort: a failing archiver never fails the job
// itself, since archiving is an optional collaborator (spec.md §1).
func (s *Scheduler) archiveJobLog(ctx context.Context, runID string, job *dispatchJob) {
	chunks, err := s.cfg.Store.GetLogsForJob(ctx, job.id, 0)
	if err != nil || len(chunks) == 0 {
		return
	}
	var buf bytes.Buffer
	for _, c := range chunks {
		buf.Write(c.Content)
	}
	if err := s.cfg.Artifacts.Archive(ctx, runID, job.id+".log", &buf); err != nil {
		logging.ForJob(runID, job.id).Warn("artifact archive failed", "error", err)
	}
}

// wakeNotifier implements store.Notifier with a single buffered wake
// channel: the scheduler has exactly one poller, so the general
// multi-subscriber fan-out logbus.Bus provides (for many job-log
// listeners) would be more machinery than this single-consumer signal
// needs.
type wakeNotifier struct {
	ch chan struct{}
}

func newWakeNotifier() *wakeNotifier {
	return &wakeNotifier{ch: make(chan struct{}, 1)}
}

func (n *wakeNotifier) Notify(key string) {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}
