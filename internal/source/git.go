package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/rs/zerolog/log"

	"function-harness/internal/errdefs"
)

// GitFetcher clones git sources.
type GitFetcher struct {
	auth transport.AuthMethod
}

// NewGitFetcher creates a fetcher that authenticates with GIT_USER and
// GIT_TOKEN when they are set.
func NewGitFetcher() *GitFetcher {
	f := &GitFetcher{}
	if token := os.Getenv("GIT_TOKEN"); token != "" {
		user := os.Getenv("GIT_USER")
		if user == "" {
			user = "git"
		}
		f.auth = &githttp.BasicAuth{Username: user, Password: token}
	}
	return f
}

// CloneURL converts a git:// source into the https URL to clone and the
// optional ref named by its fragment.
func CloneURL(source string) (cloneURL, ref string) {
	u, ref, _ := strings.Cut(source, "#")
	if rest, ok := strings.CutPrefix(u, "git://"); ok {
		u = "https://" + rest
	}
	return u, ref
}

// Clone clones the repository named by source into dest. A "#ref" fragment
// selects a branch, falling back to a tag of the same name.
func (f *GitFetcher) Clone(ctx context.Context, source, dest string) error {
	cloneURL, ref := CloneURL(source)

	opts := &git.CloneOptions{
		URL:  cloneURL,
		Auth: f.auth,
	}
	if ref == "" {
		if _, err := git.PlainCloneContext(ctx, dest, false, opts); err != nil {
			return errdefs.Wrap("git clone", errdefs.ErrDownload, err)
		}
		return nil
	}

	var lastErr error
	for _, name := range []plumbing.ReferenceName{
		plumbing.NewBranchReferenceName(ref),
		plumbing.NewTagReferenceName(ref),
	} {
		opts.ReferenceName = name
		opts.SingleBranch = true
		_, err := git.PlainCloneContext(ctx, dest, false, opts)
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}
		log.Debug().Err(err).Str("ref", name.String()).Msg("clone attempt failed")
		// A failed attempt can leave a partial .git behind.
		_ = os.RemoveAll(filepath.Join(dest, ".git"))
	}
	return errdefs.Wrap("git clone", errdefs.ErrDownload, lastErr)
}
