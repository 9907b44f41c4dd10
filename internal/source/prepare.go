package source

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"function-harness/internal/objstore"
)

// Target identifies the function a local source is being prepared for.
type Target struct {
	Project  string
	Function string
	ID       string
	Bucket   string
}

// Prepare turns a spec pointing at a local file into a portable one. A
// python file is inlined as base64; a zip archive is uploaded to the object
// store and the handler is prefixed with the archive stem when it names a
// bare function. Specs that are already portable are returned unchanged.
func Prepare(ctx context.Context, spec SourceSpec, target Target, stores *objstore.Registry) (SourceSpec, error) {
	if spec.Source == "" || spec.Base64 != "" || !IsLocal(spec.Source) {
		return spec, nil
	}

	local := strings.TrimPrefix(spec.Source, "file://")
	info, err := os.Stat(local)
	if err != nil || info.IsDir() {
		return spec, fmt.Errorf("source file %s does not exist", local)
	}

	switch strings.ToLower(filepath.Ext(local)) {
	case ".py":
		code, err := os.ReadFile(filepath.Clean(local))
		if err != nil {
			return spec, fmt.Errorf("reading source: %w", err)
		}
		spec.Base64 = base64.StdEncoding.EncodeToString(code)
	case ".zip":
		if stores == nil || target.Bucket == "" {
			return spec, fmt.Errorf("uploading %s: no object store configured", local)
		}
		name := filepath.Base(local)
		dst := fmt.Sprintf("zip+s3://%s/%s/function/%s/%s/%s",
			target.Bucket, target.Project, target.Function, target.ID, name)
		store, err := stores.For(dst)
		if err != nil {
			return spec, err
		}
		if err := store.Upload(ctx, local, dst); err != nil {
			return spec, err
		}
		spec.Source = dst
		if !strings.Contains(spec.Handler, ":") {
			spec.Handler = strings.TrimSuffix(name, filepath.Ext(name)) + ":" + spec.Handler
		}
	}
	return spec, nil
}
