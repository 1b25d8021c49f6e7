// Package repos resolves the on-disk working directory for a repository.
package repos

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/camdev/cam/internal/platform"
)

// Index locates known repositories by URL. Implemented outside the core.
type Index interface {
	FindDefaultWorkDirByURL(ctx context.Context, url string) (string, bool)
}

// NoopIndex is an Index that knows no repositories.
type NoopIndex struct{}

// FindDefaultWorkDirByURL always reports a miss.
func (NoopIndex) FindDefaultWorkDirByURL(context.Context, string) (string, bool) {
	return "", false
}

// Resolver resolves repo paths using an index and a base directory.
type Resolver struct {
	index   Index
	baseDir string // from config; CAM_REPOS_DIR wins when set
}

// NewResolver creates a repo path resolver.
func NewResolver(index Index, baseDir string) *Resolver {
	if index == nil {
		index = NoopIndex{}
	}
	return &Resolver{index: index, baseDir: baseDir}
}

// Resolve picks the working directory for a session. Order: the explicit
// workDir (normalized), the repo index, the repos base dir joined with the
// URL-derived name, then the home-directory fallbacks.
func (r *Resolver) Resolve(ctx context.Context, workDir, repoURL string) string {
	if workDir != "" {
		return platform.NormalizePath(workDir)
	}

	if repoURL != "" {
		if dir, ok := r.index.FindDefaultWorkDirByURL(ctx, repoURL); ok && dir != "" {
			return platform.NormalizePath(dir)
		}

		base := os.Getenv("CAM_REPOS_DIR")
		if base == "" {
			base = r.baseDir
		}
		if base != "" {
			if name := RepoNameFromURL(repoURL); name != "" {
				return filepath.Join(platform.NormalizePath(base), name)
			}
		}
	}

	return fallbackDir()
}

// fallbackDir returns the first existing home-ish directory.
func fallbackDir() string {
	for _, env := range []string{"HOME", "USERPROFILE"} {
		if dir := os.Getenv(env); dir != "" {
			return dir
		}
	}
	if cwd, err := os.Getwd(); err == nil {
		return cwd
	}
	return "/tmp"
}

// RepoNameFromURL extracts the repository name from a git URL,
// stripping any .git suffix.
func RepoNameFromURL(url string) string {
	trimmed := strings.TrimSuffix(strings.TrimRight(url, "/"), ".git")
	if i := strings.LastIndexAny(trimmed, "/:"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	return trimmed
}
