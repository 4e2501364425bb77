// Package matrix expands a job definition's matrix spec into concrete
// per-combination jobs: Cartesian product over declared axes, minus
// exclusions, plus includes, each with ${{ matrix.axis }} substitution
// applied to runner image, env values, and step commands. Pure data
// transform; no teacher equivalent, grounded on spec.md §4.8 directly.
package matrix

import (
	"fmt"
	"sort"
	"strings"

	"github.com/flowforge/runner/internal/pipeline"
)

// Combination is one concrete set of axis -> value assignments.
type Combination map[string]string

// Expanded is one matrix-expanded job, ready for DAG/store insertion.
type Expanded struct {
	Name        string
	RunnerImage string
	Env         map[string]string
	Steps       []pipeline.StepDef
	DependsOn   []string
	Combination Combination
	MaxParallel int
	FailFast    bool
	Retry       *pipeline.RetrySpec
}

// Expand applies a job definition's matrix spec, if any. A job with no
// matrix expands to exactly one job carrying its original fields
// unchanged (and no combination suffix in its name).
func Expand(job pipeline.JobDef) ([]Expanded, error) {
	if job.Matrix == nil {
		return []Expanded{{
			Name:        job.Name,
			RunnerImage: job.RunnerImage,
			Env:         job.Env,
			Steps:       job.Steps,
			DependsOn:   job.DependsOn,
			Retry:       job.Retry,
		}}, nil
	}

	combos, err := combinations(*job.Matrix)
	if err != nil {
		return nil, err
	}

	out := make([]Expanded, 0, len(combos))
	for _, c := range combos {
		out = append(out, Expanded{
			Name:        matrixJobName(job.Name, c),
			RunnerImage: substitute(job.RunnerImage, c),
			Env:         substituteEnv(job.Env, c),
			Steps:       substituteSteps(job.Steps, c),
			DependsOn:   job.DependsOn,
			Combination: c,
			MaxParallel: job.Matrix.MaxParallel,
			FailFast:    job.Matrix.FailFast,
			Retry:       job.Retry,
		})
	}
	return out, nil
}

// combinations computes the Cartesian product over m.Values, removes
// any combination matching an exclude row exactly, then appends each
// include row as an additional combination (include rows may introduce
// axes absent from Values).
func combinations(m pipeline.MatrixSpec) ([]Combination, error) {
	if len(m.Values) == 0 && len(m.Include) == 0 {
		return nil, fmt.Errorf("matrix: at least one axis value or include row is required")
	}

	axes := make([]string, 0, len(m.Values))
	for axis := range m.Values {
		axes = append(axes, axis)
	}
	sort.Strings(axes)

	var product []Combination
	if len(axes) > 0 {
		product = cartesianProduct(axes, m.Values)
	}

	var kept []Combination
	for _, c := range product {
		if !matchesAnyExcludeRow(c, m.Exclude) {
			kept = append(kept, c)
		}
	}

	for _, row := range m.Include {
		kept = append(kept, Combination(row))
	}

	return kept, nil
}

func cartesianProduct(axes []string, values map[string][]string) []Combination {
	combos := []Combination{{}}
	for _, axis := range axes {
		var next []Combination
		for _, existing := range combos {
			for _, v := range values[axis] {
				combo := make(Combination, len(existing)+1)
				for k, vv := range existing {
					combo[k] = vv
				}
				combo[axis] = v
				next = append(next, combo)
			}
		}
		combos = next
	}
	return combos
}

// matchesAnyExcludeRow reports whether c matches an exclude row
// exactly: every key in the row must be present in c with the same
// value.
func matchesAnyExcludeRow(c Combination, excludes []map[string]string) bool {
	for _, row := range excludes {
		if rowMatches(c, row) {
			return true
		}
	}
	return false
}

func rowMatches(c Combination, row map[string]string) bool {
	for k, v := range row {
		if c[k] != v {
			return false
		}
	}
	return true
}

// matrixJobName builds "<base>(<axis1=v1,axis2=v2,...>)" with axes in
// stable sorted order.
func matrixJobName(base string, c Combination) string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, c[k]))
	}
	return fmt.Sprintf("%s(%s)", base, strings.Join(parts, ","))
}

func substitute(s string, c Combination) string {
	for axis, value := range c {
		s = strings.ReplaceAll(s, fmt.Sprintf("${{ matrix.%s }}", axis), value)
	}
	return s
}

func substituteEnv(env map[string]string, c Combination) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = substitute(v, c)
	}
	return out
}

func substituteSteps(steps []pipeline.StepDef, c Combination) []pipeline.StepDef {
	out := make([]pipeline.StepDef, len(steps))
	for i, s := range steps {
		out[i] = pipeline.StepDef{
			Name:            substitute(s.Name, c),
			Command:         substitute(s.Command, c),
			ContinueOnError: s.ContinueOnError,
		}
	}
	return out
}
