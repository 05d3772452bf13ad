package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Dir archives batches as files in a local directory.
type Dir struct {
	Path string
}

var _ Archiver = Dir{}

// Archive writes the batch to a temp file and renames it into place, so a
// partial file is never visible under its final name.
func (d Dir) Archive(ctx context.Context, b Batch) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := Encode(b)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(d.Path, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	tmp, err := os.CreateTemp(d.Path, ".purge-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write archive: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sync archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close archive: %w", err)
	}

	final := filepath.Join(d.Path, Name(b.PurgedAt))
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", fmt.Errorf("rename archive: %w", err)
	}
	return final, nil
}
