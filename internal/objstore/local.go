package objstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore serves file:// URIs. It is used for development setups where
// no object store is available.
type LocalStore struct{}

func (LocalStore) Upload(_ context.Context, localPath, uri string) error {
	return copyFile(localPath, filePath(uri))
}

func (LocalStore) Download(_ context.Context, uri, localPath string) error {
	return copyFile(filePath(uri), localPath)
}

func filePath(uri string) string {
	return strings.TrimPrefix(strings.TrimPrefix(uri, "zip+"), "file://")
}

func copyFile(src, dst string) error {
	in, err := os.Open(filepath.Clean(src))
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(dst), err)
	}
	out, err := os.Create(filepath.Clean(dst))
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying %s: %w", src, err)
	}
	return out.Close()
}
