package matrix

import (
	"sort"
	"testing"

	"github.com/flowforge/runner/internal/pipeline"
	"gopkg.in/yaml.v3"
)

func decodeJobDef(t *testing.T, doc string) pipeline.JobDef {
	t.Helper()
	var job pipeline.JobDef
	if err := yaml.Unmarshal([]byte(doc), &job); err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	return job
}

func TestExpandNoMatrixReturnsSingleJob(t *testing.T) {
	job := decodeJobDef(t, `
name: build
runnerImage: golang:1.22
steps:
  - name: build
    command: go build ./...
`)
	out, err := Expand(job)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(out) != 1 || out[0].Name != "build" {
		t.Fatalf("expected single unmodified job, got %+v", out)
	}
}

func TestExpandCartesianProduct(t *testing.T) {
	job := decodeJobDef(t, `
name: test
runnerImage: "golang:${{ matrix.go }}"
steps:
  - name: test
    command: go test ./...
matrix:
  values:
    go: ["1.21", "1.22"]
    os: ["linux", "darwin"]
`)
	out, err := Expand(job)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(out) != 4 {
		t.Fatalf("expected 4 combinations, got %d: %+v", len(out), out)
	}
	names := namesOf(out)
	want := []string{
		"test(go=1.21,os=darwin)",
		"test(go=1.21,os=linux)",
		"test(go=1.22,os=darwin)",
		"test(go=1.22,os=linux)",
	}
	sort.Strings(names)
	for i, n := range want {
		if names[i] != n {
			t.Errorf("names[%d] = %q, want %q (all: %v)", i, names[i], n, names)
		}
	}
}

func TestExpandSubstitutesRunnerImage(t *testing.T) {
	job := decodeJobDef(t, `
name: test
runnerImage: "golang:${{ matrix.go }}"
steps: []
matrix:
  values:
    go: ["1.22"]
`)
	out, err := Expand(job)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if out[0].RunnerImage != "golang:1.22" {
		t.Errorf("runner image = %q, want golang:1.22", out[0].RunnerImage)
	}
}

func TestExpandExcludeRemovesExactMatch(t *testing.T) {
	job := decodeJobDef(t, `
name: test
runnerImage: x
steps: []
matrix:
  values:
    go: ["1.21", "1.22"]
    os: ["linux", "darwin"]
  exclude:
    - go: "1.21"
      os: "darwin"
`)
	out, err := Expand(job)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 combinations after exclude, got %d: %+v", len(out), namesOf(out))
	}
	for _, e := range out {
		if e.Combination["go"] == "1.21" && e.Combination["os"] == "darwin" {
			t.Fatalf("excluded combination still present: %+v", e)
		}
	}
}

func TestExpandIncludeAppendsCombination(t *testing.T) {
	job := decodeJobDef(t, `
name: test
runnerImage: x
steps: []
matrix:
  values:
    go: ["1.22"]
  include:
    - go: "1.22"
      arch: "arm64"
`)
	out, err := Expand(job)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected base combination plus include, got %d: %+v", len(out), namesOf(out))
	}
	found := false
	for _, e := range out {
		if e.Combination["arch"] == "arm64" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected include row's new axis to appear, got %+v", out)
	}
}

func TestExpandRejectsEmptyMatrix(t *testing.T) {
	job := decodeJobDef(t, `
name: test
runnerImage: x
steps: []
matrix: {}
`)
	if _, err := Expand(job); err == nil {
		t.Fatal("expected error for matrix with no values and no includes")
	}
}

func namesOf(out []Expanded) []string {
	names := make([]string, len(out))
	for i, e := range out {
		names[i] = e.Name
	}
	return names
}
