package pipeline

import (
	"context"
	"time"
)

// ImageSynthesizer turns a prompt into a reference image.
type ImageSynthesizer interface {
	Synthesize(ctx context.Context, prompt string) (data []byte, mimeType string, err error)
}

// ModelGenerator produces GLB bytes from an image file or a prompt.
type ModelGenerator interface {
	ImageTo3D(ctx context.Context, imagePath string) ([]byte, error)
	PromptTo3D(ctx context.Context, prompt string) ([]byte, error)
}

// Reconstructor produces GLB bytes from a directory of scan images.
type Reconstructor interface {
	Reconstruct(ctx context.Context, inputsDir string) ([]byte, error)
}

// MeshRepairer writes a repaired copy of the mesh at in to out.
type MeshRepairer interface {
	Repair(ctx context.Context, in, out string) error
}

// ObjectStore is the slice of the storage gateway the workers need.
type ObjectStore interface {
	Upload(ctx context.Context, localPath, bucket, key, contentType string) error
	Download(ctx context.Context, bucket, key, destPath string) error
}

// Lease grants mutual exclusion with expiry over one job. Extend reports
// false once the token no longer holds the lease.
type Lease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) error
}

// StageError is the failure of one named pipeline stage. Its message is what
// gets persisted on the job.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return e.Stage + " failed"
	}
	return e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}
