// Package creator turns submitted form entities into a pull request that
// creates or updates a repository's descriptor file.
package creator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/dnswlt/catalog-creator/internal/api"
	"github.com/dnswlt/catalog-creator/internal/metrics"
	"github.com/dnswlt/catalog-creator/internal/policy"
	"github.com/dnswlt/catalog-creator/internal/reporef"
	"github.com/dnswlt/catalog-creator/internal/translator"
)

var (
	// ErrAlreadyExists is returned by submitters if the pull request or its
	// branch already exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrUnsupportedHost is returned by submitters that cannot create pull
	// requests on the repository's host.
	ErrUnsupportedHost = errors.New("unsupported repository host")
)

// PullRequest describes the single-commit pull request created for a submission.
type PullRequest struct {
	Host  string
	Owner string
	Repo  string
	// Path of the descriptor file in the repository.
	Path    string
	Content []byte

	Base          string
	Head          string
	Title         string
	Body          string
	CommitMessage string
}

type PullRequestSubmitter interface {
	// CreatePullRequest creates branch pr.Head from pr.Base, commits
	// pr.Content to pr.Path on it and opens a pull request.
	// It returns the URL of the pull request.
	CreatePullRequest(ctx context.Context, pr *PullRequest) (string, error)
}

// PolicyChecker checks merged entities before they are submitted.
type PolicyChecker interface {
	Check(records []*api.EntityRecord) ([]policy.Violation, error)
}

// Settings are the fixed texts and branch names of created pull requests.
type Settings struct {
	// Base is used if the submitted URL does not name a branch.
	Base          string `yaml:"base"`
	Head          string `yaml:"head"`
	Title         string `yaml:"title"`
	Body          string `yaml:"body"`
	CommitMessage string `yaml:"commitMessage"`
}

func DefaultSettings() Settings {
	return Settings{
		Base:          "main",
		Head:          "Update-or-create-catalog-info",
		Title:         "Create/update catalog-info.yaml",
		Body:          "Creates or updates catalog-info.yaml",
		CommitMessage: "New or updated catalog-info.yaml",
	}
}

type Options struct {
	// Settings of created pull requests. Empty fields use DefaultSettings.
	Settings Settings
	// DefaultPath is the descriptor path used for URLs that do not name a file.
	DefaultPath string
	// Policies, if non-nil, are checked before submission.
	Policies PolicyChecker
	Metrics  *metrics.Metrics
}

// Pipeline merges, assembles and submits descriptor files.
// It holds no per-submission state and is safe for concurrent use.
type Pipeline struct {
	submitter PullRequestSubmitter
	opts      Options
}

func NewPipeline(submitter PullRequestSubmitter, opts Options) *Pipeline {
	d := DefaultSettings()
	s := &opts.Settings
	setDefault(&s.Base, d.Base)
	setDefault(&s.Head, d.Head)
	setDefault(&s.Title, d.Title)
	setDefault(&s.Body, d.Body)
	setDefault(&s.CommitMessage, d.CommitMessage)
	if opts.DefaultPath == "" {
		opts.DefaultPath = reporef.DefaultPath
	}
	return &Pipeline{submitter: submitter, opts: opts}
}

func setDefault(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func (p *Pipeline) Settings() Settings {
	return p.opts.Settings
}

// Render merges every submitted entity with its persisted counterpart
// and returns the assembled descriptor file.
func (p *Pipeline) Render(persisted []*api.EntityRecord, submitted []*api.FormEntity) (string, error) {
	content, _, err := render(persisted, submitted)
	return content, err
}

// persistedFor returns the persisted record correlated with form entity id,
// or an empty record for new entities.
func persistedFor(persisted []*api.EntityRecord, id int) *api.EntityRecord {
	if id >= 0 && id < len(persisted) && persisted[id] != nil {
		return persisted[id]
	}
	return api.NewEmptyRecord()
}

func render(persisted []*api.EntityRecord, submitted []*api.FormEntity) (string, []*api.EntityRecord, error) {
	merged := make([]*api.EntityRecord, len(submitted))
	docs := make([]string, len(submitted))
	for i, f := range submitted {
		merged[i] = translator.Merge(persistedFor(persisted, f.ID), f)
		doc, err := merged[i].Encode()
		if err != nil {
			return "", nil, err
		}
		docs[i] = strings.TrimSuffix(doc, "\n")
	}
	content, err := translator.Assemble(docs)
	if err != nil {
		return "", nil, err
	}
	return content + "\n", merged, nil
}

// Submit merges the submitted entities into the persisted ones (correlated
// by FormEntity.ID), assembles the descriptor file and opens a pull request
// for the repository at url.
//
// Expected failures (invalid input, policy violations, a pull request that
// already exists, API errors) are reported as an error Status with a
// message that is safe to show to users. The returned error is non-nil only
// for unexpected failures, including cancellation of ctx.
func (p *Pipeline) Submit(ctx context.Context, url string, persisted []*api.EntityRecord, submitted []*api.FormEntity) (*api.Status, error) {
	a := p.newAttempt()

	ref, err := reporef.Parse(url, p.opts.DefaultPath)
	if err != nil {
		return a.fail(failureInvalidURL, err), nil
	}
	if len(submitted) == 0 {
		return a.fail(failureNoEntities, fmt.Errorf("nothing to submit for %s", ref)), nil
	}

	a.enter(stageMerging)
	content, merged, err := render(persisted, submitted)
	if err != nil {
		a.abort(err)
		return nil, err
	}
	a.enter(stageAssembling)
	log.Printf("submission %s: assembled %d entities (%d bytes) for %s", a.id, len(merged), len(content), ref)

	if p.opts.Policies != nil {
		violations, err := p.opts.Policies.Check(merged)
		if err != nil {
			a.abort(err)
			return nil, err
		}
		if len(violations) > 0 {
			return a.reject(violations), nil
		}
	}

	a.enter(stageSubmitting)
	s := p.opts.Settings
	// The pull request targets the branch the descriptor was read from.
	base := s.Base
	if ref.Branch != "" {
		base = ref.Branch
	}
	prURL, err := p.submitter.CreatePullRequest(ctx, &PullRequest{
		Host:          ref.Host,
		Owner:         ref.Owner,
		Repo:          ref.Repo,
		Path:          ref.Path,
		Content:       []byte(content),
		Base:          base,
		Head:          s.Head,
		Title:         s.Title,
		Body:          s.Body,
		CommitMessage: s.CommitMessage,
	})
	switch {
	case err == nil:
		return a.succeed(prURL), nil
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		a.abort(err)
		return nil, err
	case errors.Is(err, ErrAlreadyExists):
		return a.fail(failureConflict, err), nil
	case errors.Is(err, ErrUnsupportedHost):
		return a.fail(failureUnsupportedHost, err), nil
	default:
		return a.fail(failureSubmit, err), nil
	}
}
