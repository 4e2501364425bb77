// Package pipeline holds the parsed-configuration shapes that the
// matrix expander (C8) and trigger matcher (C10) operate on. The
// config file loader itself is a thin external collaborator and is
// not implemented here; these types are its output contract.
package pipeline

// StepDef is one command a job issues to the in-VM agent.
type StepDef struct {
	Name            string `yaml:"name" json:"name"`
	Command         string `yaml:"command" json:"command"`
	ContinueOnError bool   `yaml:"continueOnError,omitempty" json:"continueOnError,omitempty"`
}

// RetrySpec governs per-job retry behavior applied inside the executor.
type RetrySpec struct {
	MaxAttempts int   `yaml:"maxAttempts,omitempty" json:"maxAttempts,omitempty"`
	DelayMS     int64 `yaml:"delayMs,omitempty" json:"delayMs,omitempty"`
	OnExitCodes []int `yaml:"onExitCodes,omitempty" json:"onExitCodes,omitempty"`
}

// MatrixSpec expands one job definition into a family of concrete jobs.
type MatrixSpec struct {
	Values      map[string][]string `yaml:"values" json:"values"`
	Include     []map[string]string `yaml:"include,omitempty" json:"include,omitempty"`
	Exclude     []map[string]string `yaml:"exclude,omitempty" json:"exclude,omitempty"`
	MaxParallel int                 `yaml:"maxParallel,omitempty" json:"maxParallel,omitempty"`
	FailFast    bool                `yaml:"failFast,omitempty" json:"failFast,omitempty"`
}

// JobDef is one job as declared in a pipeline definition, before
// matrix expansion.
type JobDef struct {
	Name        string            `yaml:"name" json:"name"`
	RunnerImage string            `yaml:"runnerImage" json:"runnerImage"`
	DependsOn   []string          `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`
	Env         map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Steps       []StepDef         `yaml:"steps" json:"steps"`
	Matrix      *MatrixSpec       `yaml:"matrix,omitempty" json:"matrix,omitempty"`
	Retry       *RetrySpec        `yaml:"retry,omitempty" json:"retry,omitempty"`
}

// EventKind is the kind of event a trigger rule can match.
type EventKind string

const (
	EventPush        EventKind = "push"
	EventPullRequest EventKind = "pull_request"
	EventTag         EventKind = "tag"
	EventSchedule    EventKind = "schedule"
	EventManual      EventKind = "manual"
)

// TriggerRule is one predicate a trigger matcher evaluates an Event
// against.
type TriggerRule struct {
	Type           EventKind `yaml:"type" json:"type"`
	Branches       []string  `yaml:"branches,omitempty" json:"branches,omitempty"`
	BranchesIgnore []string  `yaml:"branchesIgnore,omitempty" json:"branchesIgnore,omitempty"`
	Paths          []string  `yaml:"paths,omitempty" json:"paths,omitempty"`
	PathsIgnore    []string  `yaml:"pathsIgnore,omitempty" json:"pathsIgnore,omitempty"`
	Tags           []string  `yaml:"tags,omitempty" json:"tags,omitempty"`
	PREvents       []string  `yaml:"prEvents,omitempty" json:"prEvents,omitempty"`
}

// Event is one inbound trigger occurrence.
type Event struct {
	Kind         EventKind
	Branch       string
	Tag          string
	ChangedPaths []string
	PRAction     string
}
