// Package store provides read access to descriptor files in repositories.
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dnswlt/catalog-creator/internal/api"
	"github.com/dnswlt/catalog-creator/internal/gitclient"
	"github.com/dnswlt/catalog-creator/internal/reporef"
)

// DefaultBranch is the branch reported by stores without branches.
const DefaultBranch = "main"

var (
	ErrNotFound     = errors.New("file not found")
	ErrRepoNotFound = errors.New("repository not found")
	ErrNoSuchRef    = errors.New("no such ref")
	ErrReadOnly     = errors.New("store is read-only")
)

// Source opens repositories.
type Source interface {
	// Open returns a store for the repository and branch of ref.
	// An empty ref.Branch selects the repository's default branch.
	// Open returns an error wrapping ErrRepoNotFound if the repository
	// does not exist or cannot be reached.
	Open(ctx context.Context, ref *reporef.Ref) (Store, error)
}

// Store is a view of a single branch of a repository.
type Store interface {
	// Branch returns the branch the store reads from.
	Branch() string
	// ReadFile reads the contents of path, which is relative to the repository root.
	// It returns an error wrapping ErrNotFound if the file does not exist.
	ReadFile(ctx context.Context, path string) ([]byte, error)
	// WriteFile writes contents to path.
	// Stores that do not support writing return ErrReadOnly.
	WriteFile(ctx context.Context, path string, contents []byte) error
}

// DiskStore is an implementation of Source and Store that reads files
// from a directory on the local file system.
type DiskStore struct {
	rootDir string
}

var _ Source = (*DiskStore)(nil)
var _ Store = (*DiskStore)(nil)

func NewDiskStore(rootDir string) *DiskStore {
	return &DiskStore{
		rootDir: rootDir,
	}
}

// Open returns d for any ref.
func (d *DiskStore) Open(ctx context.Context, ref *reporef.Ref) (Store, error) {
	info, err := os.Stat(d.rootDir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrRepoNotFound, d.rootDir)
	}
	return d, nil
}

func (d *DiskStore) Branch() string {
	return DefaultBranch
}

func resolveRelPath(root, subpath string) (string, error) {
	fullPath := filepath.Join(root, filepath.FromSlash(subpath))

	// Verify ancestry by calculating the relative path from the root.
	rel, err := filepath.Rel(root, fullPath)
	if err != nil {
		return "", fmt.Errorf("not a relative path: %v", err) // e.g. paths on different volumes
	}
	// A relative path escaping the root will start with ".."
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes root directory", subpath)
	}
	return fullPath, nil
}

func (d *DiskStore) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fullPath, err := resolveRelPath(d.rootDir, path)
	if err != nil {
		return nil, err
	}
	bs, err := os.ReadFile(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return bs, err
}

func (d *DiskStore) WriteFile(ctx context.Context, path string, contents []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fullPath, err := resolveRelPath(d.rootDir, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(fullPath, contents, 0644)
}

// DirSource serves repositories from a local directory tree laid out as
// <root>/<host>/<owner>/<repo>. It is used for offline rendering and tests.
type DirSource struct {
	rootDir string
}

var _ Source = (*DirSource)(nil)

func NewDirSource(rootDir string) *DirSource {
	return &DirSource{rootDir: rootDir}
}

func (s *DirSource) Open(ctx context.Context, ref *reporef.Ref) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := resolveRelPath(s.rootDir, ref.Host+"/"+ref.Owner+"/"+ref.Repo)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRepoNotFound, err)
	}
	if ref.Branch != "" && ref.Branch != DefaultBranch {
		return nil, fmt.Errorf("%s: %w", ref.Branch, ErrNoSuchRef)
	}
	return NewDiskStore(dir).Open(ctx, ref)
}

// GitSource is an implementation of Source that reads from remote Git repositories.
type GitSource struct {
	auth     *gitclient.Auth
	cloneURL func(ref *reporef.Ref) string
}

// gitStore is a "view" over a single branch of a cloned repository.
type gitStore struct {
	client *gitclient.Client
	branch string
}

// emptyStore represents a repository without commits.
type emptyStore struct {
	branch string
}

var _ Source = (*GitSource)(nil)
var _ Store = (*gitStore)(nil)
var _ Store = (*emptyStore)(nil)

// NewGitSource returns a source that clones repositories from their https
// URL, using auth if it is non-nil.
func NewGitSource(auth *gitclient.Auth) *GitSource {
	return &GitSource{
		auth:     auth,
		cloneURL: (*reporef.Ref).CloneURL,
	}
}

// WithCloneURL replaces the function that computes the clone URL of a ref.
func (g *GitSource) WithCloneURL(f func(ref *reporef.Ref) string) *GitSource {
	g.cloneURL = f
	return g
}

func (g *GitSource) Open(ctx context.Context, ref *reporef.Ref) (Store, error) {
	client, err := gitclient.New(ctx, g.cloneURL(ref), g.auth)
	if err != nil {
		if errors.Is(err, gitclient.ErrEmptyRepository) {
			return &emptyStore{branch: ref.Branch}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrRepoNotFound, ref.FullName(), err)
	}

	branch := ref.Branch
	if branch == "" {
		branch, err = client.DefaultBranch()
		if err != nil {
			return nil, err
		}
	} else {
		refs, err := client.ListReferences()
		if err != nil {
			return nil, fmt.Errorf("cannot list references: %v", err)
		}
		if !slices.Contains(refs, branch) {
			return nil, fmt.Errorf("%s: %w", branch, ErrNoSuchRef)
		}
	}
	return &gitStore{client: client, branch: branch}, nil
}

func (g *gitStore) Branch() string {
	return g.branch
}

func (g *gitStore) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bs, err := g.client.ReadFile(g.branch, path)
	if errors.Is(err, gitclient.ErrFileNotFound) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return bs, err
}

func (g *gitStore) WriteFile(ctx context.Context, path string, contents []byte) error {
	return ErrReadOnly
}

func (e *emptyStore) Branch() string {
	if e.branch == "" {
		return DefaultBranch
	}
	return e.branch
}

func (e *emptyStore) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
}

func (e *emptyStore) WriteFile(ctx context.Context, path string, contents []byte) error {
	return ErrReadOnly
}

// ReadRecords reads and parses the descriptor file at path.
func ReadRecords(ctx context.Context, st Store, path string) ([]*api.EntityRecord, error) {
	bs, err := st.ReadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	records, err := api.ParseRecords(bs)
	if err != nil {
		return nil, fmt.Errorf("invalid descriptor %q: %w", path, err)
	}
	return records, nil
}
