// Package gitclient reads files from remote Git repositories without
// checking them out.
package gitclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
)

var (
	// ErrEmptyRepository is returned by New for repositories without any commits.
	ErrEmptyRepository = errors.New("repository is empty")
	// ErrFileNotFound is returned by ReadFile if the file does not exist at the revision.
	ErrFileNotFound = object.ErrFileNotFound
)

// Auth holds Basic Auth credentials.
// For Bitbucket Cloud access tokens, use "x-token-auth" as Username
// and the token as Password.
type Auth struct {
	Username string
	Password string // or Token
}

// Client holds a clone of a repository in memory.
type Client struct {
	url  string
	repo *git.Repository
}

// New clones the repository at url into memory.
// Only the object database is fetched, there is no worktree.
func New(ctx context.Context, url string, auth *Auth) (*Client, error) {
	cloneOpts := &git.CloneOptions{
		URL:        url,
		NoCheckout: true,
		Tags:       git.NoTags,
	}
	if auth != nil {
		cloneOpts.Auth = &http.BasicAuth{
			Username: auth.Username,
			Password: auth.Password,
		}
	}

	repo, err := git.CloneContext(ctx, memory.NewStorage(), nil, cloneOpts)
	if err != nil {
		if errors.Is(err, transport.ErrEmptyRemoteRepository) {
			return nil, fmt.Errorf("failed to clone %s: %w", url, ErrEmptyRepository)
		}
		return nil, fmt.Errorf("failed to clone %s: %w", url, err)
	}
	return &Client{url: url, repo: repo}, nil
}

func (c *Client) URL() string {
	return c.url
}

// DefaultBranch returns the branch HEAD of the remote pointed to at clone time.
func (c *Client) DefaultBranch() (string, error) {
	head, err := c.repo.Reference(plumbing.HEAD, false)
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	if head.Type() == plumbing.SymbolicReference {
		return head.Target().Short(), nil
	}
	// Detached HEAD: find a branch pointing at the same commit.
	branches, err := c.ListReferences()
	if err != nil {
		return "", err
	}
	for _, b := range branches {
		if h, err := c.resolveRevision(b); err == nil && *h == head.Hash() {
			return b, nil
		}
	}
	return "", fmt.Errorf("HEAD of %s is not a branch", c.url)
}

// ListReferences returns the short names of all branches in the clone.
func (c *Client) ListReferences() ([]string, error) {
	refMap := make(map[string]bool)

	refs, err := c.repo.References()
	if err != nil {
		return nil, err
	}
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name()
		if name.IsBranch() {
			refMap[name.Short()] = true
		} else if name.IsRemote() {
			// e.g. refs/remotes/origin/main -> Short() is "origin/main"
			short := name.Short()
			if slashIdx := strings.Index(short, "/"); slashIdx != -1 {
				refMap[short[slashIdx+1:]] = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var references []string
	for v := range refMap {
		if v != "HEAD" {
			references = append(references, v)
		}
	}
	return references, nil
}

func (c *Client) resolveRevision(revision string) (*plumbing.Hash, error) {
	hash, err := c.repo.ResolveRevision(plumbing.Revision(revision))
	if err == nil {
		return hash, nil
	}
	// Try with origin/ prefix if not found (common for clones)
	if !strings.HasPrefix(revision, "refs/") {
		if hash, err := c.repo.ResolveRevision(plumbing.Revision("origin/" + revision)); err == nil {
			return hash, nil
		}
	}
	return nil, fmt.Errorf("revision %q not found: %w", revision, err)
}

// ReadFile reads filePath at the given revision (branch name or commit).
// It returns an error wrapping ErrFileNotFound if the file does not exist.
func (c *Client) ReadFile(revision, filePath string) ([]byte, error) {
	hash, err := c.resolveRevision(revision)
	if err != nil {
		return nil, err
	}
	commit, err := c.repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("commit lookup failed: %w", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to get root tree: %w", err)
	}
	file, err := tree.File(filePath)
	if err != nil {
		return nil, fmt.Errorf("%s@%s: %w", filePath, revision, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	return io.ReadAll(reader)
}
