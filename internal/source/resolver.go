package source

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"function-harness/internal/errdefs"
	"function-harness/internal/objstore"
)

// DefaultEntry is the file inline sources are written to.
const DefaultEntry = "main.py"

// Resolver fetches function source into a working directory.
type Resolver struct {
	HTTPClient   *http.Client
	Stores       *objstore.Registry
	Git          *GitFetcher
	DefaultEntry string

	// OnFetch, when set, is called once per resolved source with its scheme.
	OnFetch func(scheme string)
}

// NewResolver creates a resolver backed by the given store registry.
func NewResolver(stores *objstore.Registry) *Resolver {
	return &Resolver{
		HTTPClient:   &http.Client{Timeout: 5 * time.Minute},
		Stores:       stores,
		Git:          NewGitFetcher(),
		DefaultEntry: DefaultEntry,
	}
}

// Resolve materializes the source described by spec under destDir and
// returns the source root. Inline code always goes to the default entry
// file and never touches the network. Downloads are not retried and
// partially written directories are left in place on failure.
func (r *Resolver) Resolve(ctx context.Context, spec SourceSpec, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", errdefs.Wrap("prepare destination", errdefs.ErrDownload, err)
	}

	if spec.Base64 != "" {
		return destDir, r.writeInline(spec.Base64, destDir)
	}

	if spec.Source == "" {
		return "", errdefs.New("resolve source", errdefs.ErrNoSourceProvided, "function source not found in spec")
	}

	scheme := Scheme(spec.Source)
	zipped := IsZip(spec.Source)
	logger := log.With().Str("source", spec.Source).Str("scheme", scheme).Logger()
	logger.Debug().Bool("zip", zipped).Msg("resolving function source")

	var err error
	switch {
	case scheme == "git" && !zipped:
		err = r.Git.Clone(ctx, spec.Source, destDir)
	case scheme == "http" || scheme == "https":
		err = r.fetchHTTP(ctx, spec.Source, destDir, zipped)
	case scheme == "s3":
		if !zipped {
			return "", errdefs.New("resolve source", errdefs.ErrUnsupportedSourceScheme,
				"s3 source must be a zip archive with scheme zip+s3://")
		}
		err = r.fetchStore(ctx, spec.Source, destDir)
	default:
		return "", errdefs.New("resolve source", errdefs.ErrUnsupportedSourceScheme,
			"unable to collect source %q", spec.Source)
	}
	if err != nil {
		logger.Error().Err(err).Msg("source retrieval failed")
		return "", err
	}

	if r.OnFetch != nil {
		r.OnFetch(scheme)
	}
	logger.Info().Str("dest", destDir).Msg("function source resolved")
	return destDir, nil
}

func (r *Resolver) writeInline(encoded, destDir string) error {
	code, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return errdefs.Wrap("decode base64 source", errdefs.ErrDownload, err)
	}
	entry := r.DefaultEntry
	if entry == "" {
		entry = DefaultEntry
	}
	if err := os.WriteFile(filepath.Join(destDir, entry), code, 0o600); err != nil {
		return errdefs.Wrap("write inline source", errdefs.ErrDownload, err)
	}
	if r.OnFetch != nil {
		r.OnFetch("base64")
	}
	return nil
}

func (r *Resolver) fetchHTTP(ctx context.Context, uri, destDir string, zipped bool) error {
	target := filepath.Join(destDir, filenameOrDefault(uri))
	if err := r.download(ctx, trimZip(uri), target); err != nil {
		return err
	}
	if !zipped {
		return nil
	}
	return extractAndRemove(target, destDir)
}

func (r *Resolver) fetchStore(ctx context.Context, uri, destDir string) error {
	if r.Stores == nil {
		return errdefs.New("download", errdefs.ErrDownload, "no object store configured for %s", uri)
	}
	store, err := r.Stores.For(uri)
	if err != nil {
		return errdefs.Wrap("download", errdefs.ErrDownload, err)
	}
	target := filepath.Join(destDir, filenameOrDefault(uri))
	if err := store.Download(ctx, uri, target); err != nil {
		return errdefs.Wrap("download", errdefs.ErrDownload, err)
	}
	return extractAndRemove(target, destDir)
}

func (r *Resolver) download(ctx context.Context, uri, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return errdefs.Wrap("download", errdefs.ErrDownload, err)
	}
	client := r.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return errdefs.Wrap("download", errdefs.ErrDownload, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errdefs.New("download", errdefs.ErrDownload, "GET %s: unexpected status %s", uri, resp.Status)
	}

	out, err := os.Create(filepath.Clean(target))
	if err != nil {
		return errdefs.Wrap("download", errdefs.ErrDownload, err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return errdefs.Wrap("download", errdefs.ErrDownload, fmt.Errorf("streaming %s: %w", uri, err))
	}
	if err := out.Close(); err != nil {
		return errdefs.Wrap("download", errdefs.ErrDownload, err)
	}
	return nil
}

func extractAndRemove(archive, destDir string) error {
	if err := objstore.Extract(archive, destDir); err != nil {
		return errdefs.Wrap("extract", errdefs.ErrExtraction, err)
	}
	if err := os.Remove(archive); err != nil {
		return errdefs.Wrap("extract", errdefs.ErrExtraction, fmt.Errorf("removing archive: %w", err))
	}
	return nil
}

func filenameOrDefault(uri string) string {
	if name := FilenameFromURI(uri); name != "" {
		return name
	}
	return "source"
}

func trimZip(uri string) string {
	if IsZip(uri) {
		return uri[len("zip+"):]
	}
	return uri
}
