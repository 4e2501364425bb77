package trigger

import (
	"testing"

	"github.com/flowforge/runner/internal/pipeline"
)

func TestMatchPushBranchGlob(t *testing.T) {
	rules := []pipeline.TriggerRule{{Type: pipeline.EventPush, Branches: []string{"release/*"}}}
	if !Match(pipeline.Event{Kind: pipeline.EventPush, Branch: "release/1.0"}, rules) {
		t.Error("expected release/1.0 to match release/*")
	}
	if Match(pipeline.Event{Kind: pipeline.EventPush, Branch: "main"}, rules) {
		t.Error("expected main not to match release/*")
	}
}

func TestBranchesIgnoreWinsOverBranches(t *testing.T) {
	rules := []pipeline.TriggerRule{{
		Type:           pipeline.EventPush,
		Branches:       []string{"*"},
		BranchesIgnore: []string{"draft/*"},
	}}
	if Match(pipeline.Event{Kind: pipeline.EventPush, Branch: "draft/wip"}, rules) {
		t.Error("branchesIgnore should win over branches")
	}
	if !Match(pipeline.Event{Kind: pipeline.EventPush, Branch: "main"}, rules) {
		t.Error("main should still match")
	}
}

func TestPathsIgnoreWinsOverPaths(t *testing.T) {
	rules := []pipeline.TriggerRule{{
		Type:        pipeline.EventPush,
		Paths:       []string{"**"},
		PathsIgnore: []string{"docs/**"},
	}}
	if Match(pipeline.Event{Kind: pipeline.EventPush, ChangedPaths: []string{"docs/readme.md"}}, rules) {
		t.Error("pathsIgnore should win over paths")
	}
	if !Match(pipeline.Event{Kind: pipeline.EventPush, ChangedPaths: []string{"main.go"}}, rules) {
		t.Error("main.go should still match")
	}
}

func TestPullRequestDefaultsToStandardActions(t *testing.T) {
	rules := []pipeline.TriggerRule{{Type: pipeline.EventPullRequest}}
	if !Match(pipeline.Event{Kind: pipeline.EventPullRequest, PRAction: "opened"}, rules) {
		t.Error("opened should match default prEvents")
	}
	if Match(pipeline.Event{Kind: pipeline.EventPullRequest, PRAction: "closed"}, rules) {
		t.Error("closed should not match default prEvents")
	}
}

func TestPullRequestExplicitEvents(t *testing.T) {
	rules := []pipeline.TriggerRule{{Type: pipeline.EventPullRequest, PREvents: []string{"closed"}}}
	if !Match(pipeline.Event{Kind: pipeline.EventPullRequest, PRAction: "closed"}, rules) {
		t.Error("closed should match explicit prEvents")
	}
	if Match(pipeline.Event{Kind: pipeline.EventPullRequest, PRAction: "opened"}, rules) {
		t.Error("opened should not match when explicit prEvents excludes it")
	}
}

func TestTagGlob(t *testing.T) {
	rules := []pipeline.TriggerRule{{Type: pipeline.EventTag, Tags: []string{"v?.*"}}}
	if !Match(pipeline.Event{Kind: pipeline.EventTag, Tag: "v1.2.3"}, rules) {
		t.Error("expected v1.2.3 to match v?.*")
	}
	if Match(pipeline.Event{Kind: pipeline.EventTag, Tag: "v10.0"}, rules) {
		t.Error("expected v10.0 not to match v?.* (? is single char)")
	}
}

func TestTypeMismatchNeverMatches(t *testing.T) {
	rules := []pipeline.TriggerRule{{Type: pipeline.EventTag, Tags: []string{"*"}}}
	if Match(pipeline.Event{Kind: pipeline.EventPush, Branch: "main"}, rules) {
		t.Error("a tag rule should never match a push event")
	}
}

func TestManualAndScheduleMatchOnTypeAlone(t *testing.T) {
	rules := []pipeline.TriggerRule{{Type: pipeline.EventManual}, {Type: pipeline.EventSchedule}}
	if !Match(pipeline.Event{Kind: pipeline.EventManual}, rules) {
		t.Error("manual event should match manual rule")
	}
	if !Match(pipeline.Event{Kind: pipeline.EventSchedule}, rules) {
		t.Error("schedule event should match schedule rule")
	}
}

func TestGlobMetacharactersAreLiteral(t *testing.T) {
	rules := []pipeline.TriggerRule{{Type: pipeline.EventPush, Branches: []string{"feature/a+b"}}}
	if !Match(pipeline.Event{Kind: pipeline.EventPush, Branch: "feature/a+b"}, rules) {
		t.Error("literal + in pattern should match literal + in branch")
	}
	if Match(pipeline.Event{Kind: pipeline.EventPush, Branch: "feature/aab"}, rules) {
		t.Error("+ must not be treated as a regex quantifier")
	}
}
