package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/flowforge/runner/internal/domain"
	"github.com/flowforge/runner/internal/executor"
	"github.com/flowforge/runner/internal/pipeline"
)

// pipelineFile is the on-disk shape of a project's pipeline definition
// (its exact schema and loader are the thin, out-of-scope "user-facing
// pipeline configuration file loader" spec.md §1 names — this is the
// minimal reference implementation needed to drive a real run end to
// end, not the mandated engineering).
type pipelineFile struct {
	Jobs []pipeline.JobDef `yaml:"jobs"`
}

// fileResolver reads a project's pipeline definition from a checked-out
// git clone of its repository, keyed by the run's ProjectID (treated as
// an "owner/repo" GitHub path). It always reads .flowforge.yml at the
// root of the checkout; the project's ConfigPath is not consulted.
type fileResolver struct {
	cloneDir string
}

func newFileResolver(cloneDir string) *fileResolver {
	return &fileResolver{cloneDir: cloneDir}
}

func (r *fileResolver) Resolve(ctx context.Context, run *domain.PipelineRun) ([]pipeline.JobDef, error) {
	dir, err := checkout(ctx, r.cloneDir, run.ProjectID, run.CommitSHA)
	if err != nil {
		return nil, err
	}
	return loadPipelineFile(filepath.Join(dir, ".flowforge.yml"))
}

func loadPipelineFile(path string) ([]pipeline.JobDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file: %w", err)
	}
	var pf pipelineFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse pipeline file: %w", err)
	}
	return pf.Jobs, nil
}

// fileWorkspace materializes a job's workspace from the same checkout
// fileResolver produced, reading every regular file under the clone
// directory up to a byte budget. Large repositories and partial
// checkouts are exactly the engineering the real config/checkout
// collaborator would own; this walks the whole tree.
type fileWorkspace struct {
	cloneDir string
	maxBytes int64
}

func newFileWorkspace(cloneDir string) *fileWorkspace {
	return &fileWorkspace{cloneDir: cloneDir, maxBytes: 64 * 1024 * 1024}
}

func (w *fileWorkspace) Workspace(ctx context.Context, run *domain.PipelineRun, jobName string) ([]executor.WorkspaceFile, error) {
	dir, err := checkout(ctx, w.cloneDir, run.ProjectID, run.CommitSHA)
	if err != nil {
		return nil, err
	}

	var files []executor.WorkspaceFile
	var total int64
	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || info.Name() == ".git" {
			return err
		}
		if total >= w.maxBytes {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil // skip unreadable files rather than failing the whole job
		}
		total += int64(len(data))
		files = append(files, executor.WorkspaceFile{Path: rel, Content: data})
		return nil
	})
	return files, err
}

// checkout clones projectID (a "owner/repo" GitHub path) at ref into
// cloneDir/projectID, reusing an existing checkout when present.
func checkout(ctx context.Context, cloneDir, projectID, ref string) (string, error) {
	dir := filepath.Join(cloneDir, projectID)
	url := fmt.Sprintf("https://github.com/%s.git", projectID)

	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		if err := runGit(ctx, dir, "fetch", "--all"); err != nil {
			return "", err
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return "", err
		}
		if err := runGit(ctx, "", "clone", url, dir); err != nil {
			return "", err
		}
	}

	if ref != "" {
		if err := runGit(ctx, dir, "checkout", ref); err != nil {
			return "", err
		}
	}
	return dir, nil
}

func runGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %v: %w: %s", args, err, out)
	}
	return nil
}
