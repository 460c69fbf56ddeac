// Package media releases stored media when the message referencing it is deleted.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Releaser frees the storage behind a media URL.
type Releaser interface {
	Release(ctx context.Context, mediaURL string) error
}

// Nop ignores every release.
type Nop struct{}

// Release does nothing.
func (Nop) Release(context.Context, string) error { return nil }

// DiskReleaser removes files served from root under urlPrefix.
// URLs outside the prefix belong to another store and are left alone.
type DiskReleaser struct {
	root      string
	urlPrefix string
}

// NewDisk creates a releaser. An empty root yields a Nop releaser.
func NewDisk(root, urlPrefix string) Releaser {
	if root == "" {
		return Nop{}
	}
	return &DiskReleaser{root: filepath.Clean(root), urlPrefix: urlPrefix}
}

// Release removes the file behind mediaURL. Missing files are not an error.
func (d *DiskReleaser) Release(_ context.Context, mediaURL string) error {
	rel, ok := strings.CutPrefix(mediaURL, d.urlPrefix)
	if !ok || rel == "" {
		return nil
	}

	path := filepath.Join(d.root, filepath.FromSlash(strings.TrimPrefix(rel, "/")))
	if path != d.root && !strings.HasPrefix(path, d.root+string(filepath.Separator)) {
		return fmt.Errorf("media path %q escapes root", mediaURL)
	}
	if path == d.root {
		return nil
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove media %s: %w", path, err)
	}
	slog.Debug("Released media", "path", path)
	return nil
}
