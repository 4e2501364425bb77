package dag

import (
	"reflect"
	"sort"
	"testing"
)

func TestBuildRejectsEmpty(t *testing.T) {
	if _, err := Build(nil); err == nil {
		t.Fatal("expected error for empty node set")
	}
}

func TestBuildRejectsUnknownDependency(t *testing.T) {
	_, err := Build([]Node{{ID: "a", DependsOn: []string{"ghost"}}})
	if err == nil {
		t.Fatal("expected error for unknown dependency")
	}
}

func TestBuildRejectsCycle(t *testing.T) {
	nodes := []Node{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"c"}},
		{ID: "c", DependsOn: []string{"a"}},
	}
	if _, err := Build(nodes); err == nil {
		t.Fatal("expected cycle error")
	}
}

func TestBuildRejectsSelfLoop(t *testing.T) {
	_, err := Build([]Node{{ID: "a", DependsOn: []string{"a"}}})
	if err == nil {
		t.Fatal("expected self-loop error")
	}
}

func TestBuildSeedsInitialStatuses(t *testing.T) {
	g, err := Build([]Node{
		{ID: "build"},
		{ID: "test", DependsOn: []string{"build"}},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if g.Status("build") != StatusReady {
		t.Errorf("build status = %s, want ready", g.Status("build"))
	}
	if g.Status("test") != StatusPending {
		t.Errorf("test status = %s, want pending", g.Status("test"))
	}
}

func TestMarkCompletedSuccessPromotesReady(t *testing.T) {
	g, _ := Build([]Node{
		{ID: "build"},
		{ID: "test", DependsOn: []string{"build"}},
		{ID: "lint", DependsOn: []string{"build"}},
		{ID: "deploy", DependsOn: []string{"test", "lint"}},
	})
	g.MarkRunning("build")
	ready, skipped := g.MarkCompleted("build", true)
	sort.Strings(ready)
	if !reflect.DeepEqual(ready, []string{"lint", "test"}) {
		t.Fatalf("newly ready = %v, want [lint test]", ready)
	}
	if skipped != nil {
		t.Errorf("success should never skip, got %v", skipped)
	}
	if g.Status("deploy") != StatusPending {
		t.Errorf("deploy should still be pending until both test and lint succeed")
	}

	g.MarkRunning("test")
	if ready, _ := g.MarkCompleted("test", true); ready != nil {
		t.Errorf("deploy not ready until lint also succeeds, got %v", ready)
	}
	g.MarkRunning("lint")
	ready, _ = g.MarkCompleted("lint", true)
	if !reflect.DeepEqual(ready, []string{"deploy"}) {
		t.Fatalf("newly ready = %v, want [deploy]", ready)
	}
}

func TestMarkCompletedFailureSkipsDependents(t *testing.T) {
	g, _ := Build([]Node{
		{ID: "build"},
		{ID: "test", DependsOn: []string{"build"}},
		{ID: "deploy", DependsOn: []string{"test"}},
	})
	g.MarkRunning("build")
	ready, skipped := g.MarkCompleted("build", false)
	if ready != nil {
		t.Errorf("failure should never ready anything, got %v", ready)
	}
	sort.Strings(skipped)
	if !reflect.DeepEqual(skipped, []string{"deploy", "test"}) {
		t.Fatalf("skipped = %v, want [deploy test]", skipped)
	}

	if g.Status("test") != StatusSkipped {
		t.Errorf("test status = %s, want skipped", g.Status("test"))
	}
	if g.Status("deploy") != StatusSkipped {
		t.Errorf("deploy status = %s, want skipped", g.Status("deploy"))
	}
	if !g.Done() {
		t.Error("graph should be done once failure propagates to all descendants")
	}
	if g.Outcome() != StatusFailure {
		t.Errorf("outcome = %s, want failure", g.Outcome())
	}
}

func TestCancelAllLeavesTerminalNodesAlone(t *testing.T) {
	g, _ := Build([]Node{
		{ID: "build"},
		{ID: "test", DependsOn: []string{"build"}},
	})
	g.MarkRunning("build")
	g.MarkCompleted("build", true)
	g.MarkRunning("test")

	g.CancelAll()
	if g.Status("build") != StatusSuccess {
		t.Errorf("terminal node build should not be touched by CancelAll, got %s", g.Status("build"))
	}
	if g.Status("test") != StatusCancelled {
		t.Errorf("running node test should be cancelled, got %s", g.Status("test"))
	}
	if g.Outcome() != StatusCancelled {
		t.Errorf("outcome = %s, want cancelled", g.Outcome())
	}
}

func TestLayersGroupByDependencyDepth(t *testing.T) {
	g, err := Build([]Node{
		{ID: "build"},
		{ID: "test", DependsOn: []string{"build"}},
		{ID: "lint", DependsOn: []string{"build"}},
		{ID: "deploy", DependsOn: []string{"test", "lint"}},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	layers := g.Layers()
	if len(layers) != 3 {
		t.Fatalf("expected 3 layers, got %d: %v", len(layers), layers)
	}
	if !reflect.DeepEqual(layers[0], []string{"build"}) {
		t.Errorf("layer 0 = %v, want [build]", layers[0])
	}
	layer1 := append([]string(nil), layers[1]...)
	sort.Strings(layer1)
	if !reflect.DeepEqual(layer1, []string{"lint", "test"}) {
		t.Errorf("layer 1 = %v, want [lint test]", layer1)
	}
	if !reflect.DeepEqual(layers[2], []string{"deploy"}) {
		t.Errorf("layer 2 = %v, want [deploy]", layers[2])
	}
}

func TestReadyNodesInTopoOrder(t *testing.T) {
	g, _ := Build([]Node{
		{ID: "a"},
		{ID: "b"},
	})
	ready := g.ReadyNodes()
	if len(ready) != 2 {
		t.Fatalf("expected both independent nodes ready, got %v", ready)
	}
}
