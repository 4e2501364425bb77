package firecracker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWaitForFileTimesOut(t *testing.T) {
	dir := t.TempDir()
	err := waitForFile(context.Background(), filepath.Join(dir, "never.sock"), 5*time.Millisecond, 30*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestWaitForFileSucceedsOnceCreated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "created.sock")

	go func() {
		time.Sleep(10 * time.Millisecond)
		f, _ := os.Create(path)
		f.Close()
	}()

	if err := waitForFile(context.Background(), path, 5*time.Millisecond, 500*time.Millisecond); err != nil {
		t.Fatalf("waitForFile: %v", err)
	}
}

func TestDestroyUnknownVMIsIdempotent(t *testing.T) {
	m := NewManager()
	if err := m.Destroy(context.Background(), "nonexistent"); err != nil {
		t.Fatalf("destroy on unknown id should be a no-op, got: %v", err)
	}
}
