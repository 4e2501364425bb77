package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowforge/runner/internal/config"
	"github.com/flowforge/runner/internal/dag"
	"github.com/flowforge/runner/internal/domain"
	"github.com/flowforge/runner/internal/executor"
	"github.com/flowforge/runner/internal/firecracker"
	"github.com/flowforge/runner/internal/logbus"
	"github.com/flowforge/runner/internal/logging"
	"github.com/flowforge/runner/internal/matrix"
	"github.com/flowforge/runner/internal/network"
	"github.com/flowforge/runner/internal/pipeline"
	"github.com/flowforge/runner/internal/store"
)

// runCmd drives a single pipeline run against the current working
// directory, without a scheduler or a git checkout: the pipeline file
// and workspace are read directly off disk. Jobs still execute inside
// real microVMs through the same executor.Executor the daemon uses —
// "local" here means "no server, no webhook, one run" rather than
// "no VMs".
func runCmd() *cobra.Command {
	var (
		pipelineFilePath string
		jobFilter        string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a pipeline once against the current directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromFile(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logging.SetLevelFromString(cfg.LogLevel)
			logging.InitStructured(cfg.LogFormat, cfg.LogLevel)

			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			if pipelineFilePath == "" {
				pipelineFilePath = filepath.Join(cwd, ".flowforge.yml")
			}
			jobDefs, err := loadPipelineFile(pipelineFilePath)
			if err != nil {
				return err
			}
			if jobFilter != "" {
				jobDefs = filterJobDefs(jobDefs, jobFilter)
				if len(jobDefs) == 0 {
					return fmt.Errorf("no job named %q in %s", jobFilter, pipelineFilePath)
				}
			}

			storePath := cfg.Store.Path
			if storePath == "" {
				storePath = filepath.Join(os.TempDir(), fmt.Sprintf("ci-runner-local-%d.db", time.Now().UnixNano()))
			}
			s, err := store.Open(context.Background(), storePath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer s.Close()

			netAlloc, err := network.New(network.Config{
				BaseSubnet:    cfg.Network.BaseSubnet,
				ExternalIface: cfg.Network.ExternalIface,
				EnableNAT:     cfg.Network.EnableNAT,
				MaxSlots:      cfg.Network.MaxSlots,
			})
			if err != nil {
				return fmt.Errorf("init network allocator: %w", err)
			}

			exec := executor.New(executor.Config{
				Store:         s,
				Network:       netAlloc,
				VMs:           firecracker.NewManager(),
				LogBus:        logbus.New(),
				HypervisorBin: cfg.Hypervisor.BinaryPath,
				RuntimeDir:    cfg.Hypervisor.RuntimeDir,
				StopTimeout:   time.Duration(cfg.Hypervisor.StopTimeoutSec) * time.Second,
			})

			proj, err := s.CreateProject(context.Background(), filepath.Base(cwd), pipelineFilePath)
			if err != nil {
				return fmt.Errorf("create project: %w", err)
			}
			run, err := s.CreateRun(context.Background(), proj.ID, "local", domain.TriggerManual, nil, "", "")
			if err != nil {
				return fmt.Errorf("create run: %w", err)
			}

			workspace, err := localWorkspace(cwd)
			if err != nil {
				return fmt.Errorf("read workspace: %w", err)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			success, err := runLocalGraph(ctx, s, exec, cfg, run, jobDefs, workspace)
			if err != nil {
				return err
			}
			if !success {
				fmt.Fprintln(os.Stderr, "pipeline failed")
				os.Exit(1)
			}
			fmt.Println("pipeline succeeded")
			return nil
		},
	}

	cmd.Flags().StringVar(&pipelineFilePath, "file", "", "path to the pipeline definition (default: ./.flowforge.yml)")
	cmd.Flags().StringVar(&jobFilter, "job", "", "run only the named job and its dependencies")
	return cmd
}

func filterJobDefs(defs []pipeline.JobDef, name string) []pipeline.JobDef {
	wanted := map[string]bool{name: true}
	byName := make(map[string]pipeline.JobDef, len(defs))
	for _, d := range defs {
		byName[d.Name] = d
	}
	// Pull in transitive dependencies of the requested job.
	var collect func(string)
	collect = func(n string) {
		d, ok := byName[n]
		if !ok || wanted[n] && n != name {
			return
		}
		wanted[n] = true
		for _, dep := range d.DependsOn {
			if !wanted[dep] {
				collect(dep)
			}
		}
	}
	collect(name)

	var out []pipeline.JobDef
	for _, d := range defs {
		if wanted[d.Name] {
			out = append(out, d)
		}
	}
	return out
}

// localWorkspace reads every regular file under dir, the same shape
// fileWorkspace.Workspace produces from a git checkout, skipping VCS
// metadata and common dependency directories.
func localWorkspace(dir string) ([]executor.WorkspaceFile, error) {
	const maxBytes = 64 * 1024 * 1024
	skip := map[string]bool{".git": true, "node_modules": true}

	var files []executor.WorkspaceFile
	var total int64
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if skip[info.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if total >= maxBytes {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil // skip unreadable files rather than failing the whole run
		}
		total += int64(len(data))
		files = append(files, executor.WorkspaceFile{Path: rel, Content: data})
		return nil
	})
	return files, err
}

// runLocalGraph drives jobDefs through matrix expansion and a
// dag.Graph exactly as the scheduler's admitRun does, but inline and
// synchronously: ready jobs run one at a time in topological order,
// which is sufficient for a single local invocation and keeps output
// interleaving readable on a terminal.
func runLocalGraph(ctx context.Context, s *store.Store, exec *executor.Executor, cfg *config.Config, run *domain.PipelineRun, jobDefs []pipeline.JobDef, workspace []executor.WorkspaceFile) (bool, error) {
	type expandedJob struct {
		base string
		job  matrix.Expanded
	}
	var all []expandedJob
	nameIndex := map[string][]string{}

	for _, jd := range jobDefs {
		expanded, err := matrix.Expand(jd)
		if err != nil {
			return false, fmt.Errorf("expand matrix for %q: %w", jd.Name, err)
		}
		for _, e := range expanded {
			all = append(all, expandedJob{base: jd.Name, job: e})
			nameIndex[jd.Name] = append(nameIndex[jd.Name], e.Name)
		}
	}

	type builtJob struct {
		storeID     string
		name        string
		runnerImage string
		steps       []executor.StepSpec
	}
	byID := make(map[string]builtJob, len(all))
	byName := make(map[string]string, len(all)) // expanded job name -> store job ID
	nodes := make([]dag.Node, 0, len(all))

	for _, ej := range all {
		var deps []string
		for _, d := range ej.job.DependsOn {
			deps = append(deps, nameIndex[d]...)
		}
		sj, err := s.CreateJob(ctx, run.ID, ej.job.Name, ej.job.RunnerImage, deps)
		if err != nil {
			return false, fmt.Errorf("create job %q: %w", ej.job.Name, err)
		}
		byName[ej.job.Name] = sj.ID

		var steps []executor.StepSpec
		for _, st := range ej.job.Steps {
			ss, err := s.CreateStep(ctx, sj.ID, st.Name, len(steps))
			if err != nil {
				return false, fmt.Errorf("create step %q: %w", st.Name, err)
			}
			steps = append(steps, executor.StepSpec{
				StepID:          ss.ID,
				Name:            st.Name,
				Command:         st.Command,
				Env:             ej.job.Env,
				ContinueOnError: st.ContinueOnError,
			})
		}
		byID[sj.ID] = builtJob{storeID: sj.ID, name: ej.job.Name, runnerImage: ej.job.RunnerImage, steps: steps}
	}

	for _, ej := range all {
		var depIDs []string
		for _, d := range ej.job.DependsOn {
			for _, n := range nameIndex[d] {
				depIDs = append(depIDs, byName[n])
			}
		}
		nodes = append(nodes, dag.Node{ID: byName[ej.job.Name], DependsOn: depIDs})
	}

	graph, err := dag.Build(nodes)
	if err != nil {
		return false, fmt.Errorf("build dag: %w", err)
	}

	rootFS := func(image string) string {
		return fmt.Sprintf("%s/rootfs/%s.ext4", cfg.Hypervisor.RuntimeDir, image)
	}

	for !graph.Done() {
		ready := graph.ReadyNodes()
		if len(ready) == 0 {
			break // nothing ready and not done: the remaining pending nodes cannot become ready, so stop rather than spin
		}
		for _, id := range ready {
			bj := byID[id]
			graph.MarkRunning(id)
			_ = s.UpdateJobStatus(ctx, id, domain.StatusRunning, nil)
			logging.Op().Info("job starting", "run_id", run.ID, "job", bj.name)

			result, runErr := exec.Run(ctx, executor.Job{
				ID:          id,
				RunID:       run.ID,
				RunnerImage: bj.runnerImage,
				KernelImage: cfg.Hypervisor.KernelImage,
				RootFSImage: rootFS(bj.runnerImage),
				Workspace:   workspace,
				Steps:       bj.steps,
			})

			success := runErr == nil && result != nil && result.Success
			var exitCode *int
			if result != nil {
				exitCode = &result.ExitCode
			}
			status := domain.StatusSuccess
			if !success {
				status = domain.StatusFailure
			}
			_ = s.UpdateJobStatus(ctx, id, status, exitCode)
			if runErr != nil {
				logging.Op().Error("job infrastructure failure", "run_id", run.ID, "job", bj.name, "error", runErr)
			}

			readyNext, skipped := graph.MarkCompleted(id, success)
			for _, sk := range skipped {
				_ = s.UpdateJobStatus(ctx, sk, domain.StatusSkipped, nil)
			}
			_ = readyNext // re-derived from graph.ReadyNodes() on the next outer iteration
		}
	}

	finalStatus := domain.StatusSuccess
	if graph.Outcome() != dag.StatusSuccess {
		finalStatus = domain.StatusFailure
	}
	_ = s.UpdateRunStatus(ctx, run.ID, finalStatus)
	return finalStatus == domain.StatusSuccess, nil
}
