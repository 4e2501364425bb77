// Package artifacts implements the optional artifact-archiving
// collaborator (spec.md §1: "artifact archiving... interfaces are
// enumerated but internals are not mandated"). It has no teacher
// equivalent (the FaaS platform has no job artifact concept); the
// Archive/Fetch shape is grounded directly on the AWS SDK's
// own canonical PutObject/GetObject usage rather than any pack
// example, since nothing in the corpus exercises S3 — see DESIGN.md.
package artifacts

import (
	"context"
	"fmt"
	"io"
)

// Archiver persists and retrieves a run's build artifacts, keyed by
// run ID and a caller-chosen relative path. A nil Archiver is never
// passed around; NewFromConfig returns a NoopArchiver when archiving
// isn't configured, so callers never need a nil check.
type Archiver interface {
	Archive(ctx context.Context, runID, path string, content io.Reader) error
	Fetch(ctx context.Context, runID, path string) (io.ReadCloser, error)
}

// NoopArchiver is the default when no S3 bucket is configured: it
// fails every fetch with an "archiving is not configured" error and accepts (and discards) every
// archive request so pipelines that declare artifacts still run to
// completion without an S3 account.
type NoopArchiver struct{}

func (NoopArchiver) Archive(ctx context.Context, runID, path string, content io.Reader) error {
	_, err := io.Copy(io.Discard, content)
	return err
}

func (NoopArchiver) Fetch(ctx context.Context, runID, path string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("artifacts: archiving is not configured, cannot fetch %s/%s", runID, path)
}

// key builds the object key a run's artifact is stored under.
func key(runID, path string) string {
	return fmt.Sprintf("runs/%s/%s", runID, path)
}
