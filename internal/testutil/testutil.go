// Package testutil contains helpers shared by tests of several packages.
package testutil

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// GitRepo is a Git repository in a temporary directory.
type GitRepo struct {
	t    *testing.T
	Dir  string
	repo *git.Repository
	w    *git.Worktree
}

// NewGitRepo initializes a git repo in a temp dir. Its default branch is "master".
func NewGitRepo(t *testing.T) *GitRepo {
	t.Helper()

	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("Failed to init git repo: %v", err)
	}
	w, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Failed to get worktree: %v", err)
	}
	return &GitRepo{t: t, Dir: dir, repo: repo, w: w}
}

// Commit writes files (relative path => contents) to the worktree
// and commits all changes on the current branch.
func (r *GitRepo) Commit(msg string, files map[string]string) {
	r.t.Helper()

	// Sorted for deterministic commits.
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		full := filepath.Join(r.Dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			r.t.Fatalf("Failed to create dir for %s: %v", p, err)
		}
		if err := os.WriteFile(full, []byte(files[p]), 0644); err != nil {
			r.t.Fatalf("Failed to write file %s: %v", p, err)
		}
	}

	if _, err := r.w.Add("."); err != nil {
		r.t.Fatalf("Failed to add files: %v", err)
	}
	_, err := r.w.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "Test User",
			Email: "test@example.com",
			When:  time.Now(),
		},
	})
	if err != nil {
		r.t.Fatalf("Failed to commit: %v", err)
	}
}

// Checkout switches to branch, creating it from the current HEAD if create is true.
func (r *GitRepo) Checkout(branch string, create bool) {
	r.t.Helper()

	err := r.w.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
		Create: create,
	})
	if err != nil {
		r.t.Fatalf("Failed to checkout %s: %v", branch, err)
	}
}
