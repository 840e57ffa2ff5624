// Package ghclient reads descriptor files through the GitHub REST API and
// creates pull requests for updated descriptors.
package ghclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dnswlt/catalog-creator/internal/creator"
	"github.com/dnswlt/catalog-creator/internal/reporef"
	"github.com/dnswlt/catalog-creator/internal/store"
	"github.com/google/go-github/v74/github"
	"golang.org/x/oauth2"
)

const DefaultHost = "github.com"

// cleanupTimeout bounds the deletion of a branch left by a failed submission.
const cleanupTimeout = 10 * time.Second

type Options struct {
	// Token is a personal access token or installation token.
	// Anonymous access is used if empty.
	Token string
	// APIURL is the REST API base URL, e.g. "https://github.example.com/api/v3/".
	// Defaults to https://api.github.com/.
	APIURL string
	// Host is the web host of repositories served by this client.
	// Defaults to github.com.
	Host string
	// HTTPClient is the base client used for requests. Optional.
	HTTPClient *http.Client
}

// Client implements store.Source and creator.PullRequestSubmitter.
type Client struct {
	gh   *github.Client
	host string
}

var _ store.Source = (*Client)(nil)
var _ creator.PullRequestSubmitter = (*Client)(nil)

func New(ctx context.Context, opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if opts.Token != "" {
		if httpClient != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
		}
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token}))
	}
	gh := github.NewClient(httpClient)
	if opts.APIURL != "" {
		u, err := url.Parse(opts.APIURL)
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub API URL %q: %w", opts.APIURL, err)
		}
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		gh.BaseURL = u
	}
	host := strings.ToLower(opts.Host)
	if host == "" {
		host = DefaultHost
	}
	return &Client{gh: gh, host: host}, nil
}

// Host returns the web host of repositories served by c.
func (c *Client) Host() string {
	return c.host
}

func hasStatus(err error, code int) bool {
	var errResp *github.ErrorResponse
	return errors.As(err, &errResp) && errResp.Response != nil && errResp.Response.StatusCode == code
}

// alreadyExists reports whether err is a 422 response saying that the
// reference or pull request already exists.
func alreadyExists(err error) bool {
	var errResp *github.ErrorResponse
	if !errors.As(err, &errResp) || errResp.Response == nil || errResp.Response.StatusCode != http.StatusUnprocessableEntity {
		return false
	}
	if strings.Contains(errResp.Message, "already exists") {
		return true
	}
	for _, e := range errResp.Errors {
		if strings.Contains(e.Message, "already exists") {
			return true
		}
	}
	return false
}

func (c *Client) checkHost(host string) error {
	if host != "" && host != c.host {
		return fmt.Errorf("%s is not served by %s: %w", host, c.host, creator.ErrUnsupportedHost)
	}
	return nil
}

// Open checks that the repository exists and returns a read-only store
// for ref.Branch, or the repository's default branch.
func (c *Client) Open(ctx context.Context, ref *reporef.Ref) (store.Store, error) {
	if err := c.checkHost(ref.Host); err != nil {
		return nil, err
	}
	repo, _, err := c.gh.Repositories.Get(ctx, ref.Owner, ref.Repo)
	if err != nil {
		if hasStatus(err, http.StatusNotFound) {
			return nil, fmt.Errorf("%w: %s", store.ErrRepoNotFound, ref.FullName())
		}
		return nil, fmt.Errorf("failed to get repository %s: %w", ref.FullName(), err)
	}
	branch := ref.Branch
	if branch == "" {
		branch = repo.GetDefaultBranch()
	}
	return &contentStore{
		gh:     c.gh,
		owner:  ref.Owner,
		repo:   ref.Repo,
		branch: branch,
	}, nil
}

// contentStore reads files of one branch via the contents API.
type contentStore struct {
	gh     *github.Client
	owner  string
	repo   string
	branch string
}

var _ store.Store = (*contentStore)(nil)

func (s *contentStore) Branch() string {
	return s.branch
}

func (s *contentStore) ReadFile(ctx context.Context, path string) ([]byte, error) {
	file, _, _, err := s.gh.Repositories.GetContents(ctx, s.owner, s.repo, path,
		&github.RepositoryContentGetOptions{Ref: s.branch})
	if err != nil {
		if hasStatus(err, http.StatusNotFound) {
			return nil, fmt.Errorf("%s: %w", path, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get %s from %s/%s: %w", path, s.owner, s.repo, err)
	}
	if file == nil {
		return nil, fmt.Errorf("%s is a directory: %w", path, store.ErrNotFound)
	}
	content, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return []byte(content), nil
}

func (s *contentStore) WriteFile(ctx context.Context, path string, contents []byte) error {
	return store.ErrReadOnly
}

// CreatePullRequest creates pr.Head from pr.Base, commits the descriptor
// to it and opens a pull request. If committing or opening the pull request
// fails, the newly created head branch is deleted again, so a later
// submission can start over.
func (c *Client) CreatePullRequest(ctx context.Context, pr *creator.PullRequest) (string, error) {
	if err := c.checkHost(pr.Host); err != nil {
		return "", err
	}
	if pr.Base == "" || pr.Head == "" {
		return "", fmt.Errorf("pull request for %s/%s needs a base and a head branch", pr.Owner, pr.Repo)
	}

	baseRef, _, err := c.gh.Git.GetRef(ctx, pr.Owner, pr.Repo, "heads/"+pr.Base)
	if err != nil {
		return "", fmt.Errorf("failed to get base branch %s: %w", pr.Base, err)
	}
	_, _, err = c.gh.Git.CreateRef(ctx, pr.Owner, pr.Repo, &github.Reference{
		Ref:    github.Ptr("refs/heads/" + pr.Head),
		Object: &github.GitObject{SHA: github.Ptr(baseRef.GetObject().GetSHA())},
	})
	if err != nil {
		if alreadyExists(err) {
			return "", fmt.Errorf("branch %s: %v: %w", pr.Head, err, creator.ErrAlreadyExists)
		}
		return "", fmt.Errorf("failed to create branch %s: %w", pr.Head, err)
	}

	prURL, err := c.commitAndOpen(ctx, pr)
	if err != nil {
		c.deleteBranch(ctx, pr.Owner, pr.Repo, pr.Head)
		return "", err
	}
	return prURL, nil
}

// commitAndOpen commits pr.Content to the existing branch pr.Head and opens
// the pull request.
func (c *Client) commitAndOpen(ctx context.Context, pr *creator.PullRequest) (string, error) {
	opts := &github.RepositoryContentFileOptions{
		Message: github.Ptr(pr.CommitMessage),
		Content: pr.Content,
		Branch:  github.Ptr(pr.Head),
	}
	existing, _, _, err := c.gh.Repositories.GetContents(ctx, pr.Owner, pr.Repo, pr.Path,
		&github.RepositoryContentGetOptions{Ref: pr.Head})
	switch {
	case err == nil && existing != nil:
		opts.SHA = existing.SHA
		_, _, err = c.gh.Repositories.UpdateFile(ctx, pr.Owner, pr.Repo, pr.Path, opts)
	case err == nil || hasStatus(err, http.StatusNotFound):
		_, _, err = c.gh.Repositories.CreateFile(ctx, pr.Owner, pr.Repo, pr.Path, opts)
	}
	if err != nil {
		return "", fmt.Errorf("failed to commit %s: %w", pr.Path, err)
	}

	created, _, err := c.gh.PullRequests.Create(ctx, pr.Owner, pr.Repo, &github.NewPullRequest{
		Title: github.Ptr(pr.Title),
		Head:  github.Ptr(pr.Head),
		Base:  github.Ptr(pr.Base),
		Body:  github.Ptr(pr.Body),
	})
	if err != nil {
		if alreadyExists(err) {
			return "", fmt.Errorf("pull request for %s: %v: %w", pr.Head, err, creator.ErrAlreadyExists)
		}
		return "", fmt.Errorf("failed to create pull request: %w", err)
	}
	return created.GetHTMLURL(), nil
}

// deleteBranch removes a branch created by a failed submission. It also
// runs if ctx is already cancelled.
func (c *Client) deleteBranch(ctx context.Context, owner, repo, branch string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if _, err := c.gh.Git.DeleteRef(ctx, owner, repo, "heads/"+branch); err != nil {
		log.Printf("Failed to delete branch %s of %s/%s: %v", branch, owner, repo, err)
		return
	}
	log.Printf("Deleted branch %s of %s/%s after a failed submission", branch, owner, repo)
}
