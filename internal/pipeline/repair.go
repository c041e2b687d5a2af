package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// IdentityRepairer satisfies MeshRepairer with RepairMesh.
type IdentityRepairer struct{}

func (IdentityRepairer) Repair(ctx context.Context, in, out string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return RepairMesh(in, out)
}

// RepairMesh copies the mesh unchanged. Real repair (hole filling, normals,
// decimation) plugs in behind MeshRepairer.
func RepairMesh(in, out string) error {
	src, err := os.Open(in)
	if err != nil {
		return fmt.Errorf("repair: open mesh: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return fmt.Errorf("repair: ensure directory: %w", err)
	}
	dst, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("repair: create output: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("repair: copy mesh: %w", err)
	}
	return dst.Close()
}
