package source

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"

	"function-harness/internal/errdefs"
	"function-harness/internal/objstore"
)

// failTransport fails the test if any request is attempted.
type failTransport struct{ t *testing.T }

func (f failTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	f.t.Errorf("unexpected network request to %s", r.URL)
	return nil, errors.New("network disabled")
}

// fakeStore serves downloads from a local file and records uploads.
type fakeStore struct {
	file     string
	uploaded map[string]string
}

func (s *fakeStore) Upload(_ context.Context, localPath, uri string) error {
	if s.uploaded == nil {
		s.uploaded = make(map[string]string)
	}
	s.uploaded[uri] = localPath
	return nil
}

func (s *fakeStore) Download(_ context.Context, _ string, localPath string) error {
	data, err := os.ReadFile(s.file)
	if err != nil {
		return err
	}
	return os.WriteFile(localPath, data, 0o600)
}

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte(body))
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func offlineResolver(t *testing.T) *Resolver {
	r := NewResolver(objstore.NewRegistry())
	r.HTTPClient = &http.Client{Transport: failTransport{t}}
	return r
}

func TestResolveBase64(t *testing.T) {
	r := offlineResolver(t)
	var fetched []string
	r.OnFetch = func(s string) { fetched = append(fetched, s) }

	code := "def run(x):\n    return x * 2\n"
	spec := SourceSpec{
		Base64:  base64.StdEncoding.EncodeToString([]byte(code)),
		Source:  "https://example.com/ignored.py",
		Handler: "run",
	}
	dest := filepath.Join(t.TempDir(), "nested", "src")

	root, err := r.Resolve(context.Background(), spec, dest)
	if err != nil {
		t.Fatal(err)
	}
	if root != dest {
		t.Errorf("root = %q, want %q", root, dest)
	}
	got, err := os.ReadFile(filepath.Join(dest, DefaultEntry))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != code {
		t.Errorf("entry = %q, want %q", got, code)
	}
	if len(fetched) != 1 || fetched[0] != "base64" {
		t.Errorf("fetched = %v", fetched)
	}
}

func TestResolveErrors(t *testing.T) {
	tests := []struct {
		name string
		spec SourceSpec
		want error
	}{
		{"no source", SourceSpec{Handler: "run"}, errdefs.ErrNoSourceProvided},
		{"plain s3", SourceSpec{Source: "s3://bucket/src.zip"}, errdefs.ErrUnsupportedSourceScheme},
		{"ftp", SourceSpec{Source: "ftp://host/src.py"}, errdefs.ErrUnsupportedSourceScheme},
		{"local path", SourceSpec{Source: "/tmp/src.py"}, errdefs.ErrUnsupportedSourceScheme},
		{"zip s3 without store", SourceSpec{Source: "zip+s3://bucket/src.zip"}, errdefs.ErrDownload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := offlineResolver(t).Resolve(context.Background(), tt.spec, t.TempDir())
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, errdefs.ErrSource) {
				t.Errorf("error %v is not a source error", err)
			}
		})
	}
}

func TestResolveHTTP(t *testing.T) {
	archive := zipBytes(t, map[string]string{"pkg/mod.py": "def fn(): pass\n"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/func.py":
			w.Write([]byte("def fn(): pass\n"))
		case "/src.zip":
			w.Write(archive)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	r := NewResolver(nil)

	t.Run("single file", func(t *testing.T) {
		dest := t.TempDir()
		if _, err := r.Resolve(context.Background(), SourceSpec{Source: srv.URL + "/func.py?sig=abc"}, dest); err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(filepath.Join(dest, "func.py")); err != nil {
			t.Errorf("downloaded file missing: %v", err)
		}
	})

	t.Run("zip archive", func(t *testing.T) {
		dest := t.TempDir()
		if _, err := r.Resolve(context.Background(), SourceSpec{Source: "zip+" + srv.URL + "/src.zip"}, dest); err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(filepath.Join(dest, "pkg", "mod.py")); err != nil {
			t.Errorf("extracted file missing: %v", err)
		}
		if _, err := os.Stat(filepath.Join(dest, "src.zip")); !os.IsNotExist(err) {
			t.Errorf("archive was not removed: %v", err)
		}
	})

	t.Run("not found", func(t *testing.T) {
		_, err := r.Resolve(context.Background(), SourceSpec{Source: srv.URL + "/missing.py"}, t.TempDir())
		if !errors.Is(err, errdefs.ErrDownload) {
			t.Errorf("error = %v, want ErrDownload", err)
		}
	})

	t.Run("corrupt zip", func(t *testing.T) {
		_, err := r.Resolve(context.Background(), SourceSpec{Source: "zip+" + srv.URL + "/func.py"}, t.TempDir())
		if !errors.Is(err, errdefs.ErrExtraction) {
			t.Errorf("error = %v, want ErrExtraction", err)
		}
	})
}

func TestResolveS3Zip(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "upload.zip")
	if err := os.WriteFile(archive, zipBytes(t, map[string]string{"main.py": "def run(): pass\n"}), 0o600); err != nil {
		t.Fatal(err)
	}
	stores := objstore.NewRegistry()
	stores.Register("s3", &fakeStore{file: archive})

	dest := filepath.Join(dir, "src")
	r := NewResolver(stores)
	if _, err := r.Resolve(context.Background(), SourceSpec{Source: "zip+s3://bucket/p/function/f/1/src.zip"}, dest); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dest, "main.py")); err != nil {
		t.Errorf("extracted file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "src.zip")); !os.IsNotExist(err) {
		t.Errorf("archive was not removed: %v", err)
	}
}

func TestNormalize(t *testing.T) {
	got, err := Normalize(SourceSpec{Code: "def run(): pass", Handler: "run"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Lang != DefaultLang || got.Code != "" {
		t.Errorf("Normalize() = %+v", got)
	}
	decoded, _ := base64.StdEncoding.DecodeString(got.Base64)
	if string(decoded) != "def run(): pass" {
		t.Errorf("base64 decodes to %q", decoded)
	}

	if _, err := Normalize(SourceSpec{Code: "x"}); !errors.Is(err, errdefs.ErrHandler) {
		t.Errorf("missing handler error = %v", err)
	}
	if _, err := Normalize(SourceSpec{Handler: "run"}); !errors.Is(err, errdefs.ErrNoSourceProvided) {
		t.Errorf("missing source error = %v", err)
	}
}

func TestFilenameFromURI(t *testing.T) {
	tests := map[string]string{
		"https://host/a/b/func.py?sig=1": "func.py",
		"zip+s3://bucket/p/f/src.zip":    "src.zip",
		"git://github.com/org/repo#main": "repo",
		"https://host/":                  "",
	}
	for in, want := range tests {
		if got := FilenameFromURI(in); got != want {
			t.Errorf("FilenameFromURI(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCloneURL(t *testing.T) {
	u, ref := CloneURL("git://github.com/org/repo#v1.2.0")
	if u != "https://github.com/org/repo" || ref != "v1.2.0" {
		t.Errorf("CloneURL = %q %q", u, ref)
	}
	u, ref = CloneURL("git://github.com/org/repo")
	if u != "https://github.com/org/repo" || ref != "" {
		t.Errorf("CloneURL = %q %q", u, ref)
	}
}

func TestPrepare(t *testing.T) {
	dir := t.TempDir()
	py := filepath.Join(dir, "func.py")
	os.WriteFile(py, []byte("def run(): pass\n"), 0o600)
	zipPath := filepath.Join(dir, "project.zip")
	os.WriteFile(zipPath, zipBytes(t, map[string]string{"x.py": ""}), 0o600)

	store := &fakeStore{}
	stores := objstore.NewRegistry()
	stores.Register("s3", store)
	target := Target{Project: "demo", Function: "f", ID: "123", Bucket: "functions"}
	ctx := context.Background()

	got, err := Prepare(ctx, SourceSpec{Source: py, Handler: "run"}, target, stores)
	if err != nil {
		t.Fatal(err)
	}
	if got.Base64 != base64.StdEncoding.EncodeToString([]byte("def run(): pass\n")) {
		t.Errorf("base64 = %q", got.Base64)
	}

	got, err = Prepare(ctx, SourceSpec{Source: zipPath, Handler: "run"}, target, stores)
	if err != nil {
		t.Fatal(err)
	}
	want := "zip+s3://functions/demo/function/f/123/project.zip"
	if got.Source != want {
		t.Errorf("Source = %q, want %q", got.Source, want)
	}
	if got.Handler != "project:run" {
		t.Errorf("Handler = %q, want project:run", got.Handler)
	}
	if store.uploaded[want] != zipPath {
		t.Errorf("uploaded = %v", store.uploaded)
	}

	remote := SourceSpec{Source: "git://github.com/org/repo", Handler: "a:b"}
	if got, _ := Prepare(ctx, remote, target, stores); got != remote {
		t.Errorf("remote spec changed: %+v", got)
	}

	if _, err := Prepare(ctx, SourceSpec{Source: filepath.Join(dir, "missing.py"), Handler: "run"}, target, stores); err == nil {
		t.Error("expected error for missing local file")
	}
}
