// Package fetch looks up the existing descriptor file of a repository.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"github.com/dnswlt/catalog-creator/internal/api"
	"github.com/dnswlt/catalog-creator/internal/creator"
	"github.com/dnswlt/catalog-creator/internal/metrics"
	"github.com/dnswlt/catalog-creator/internal/reporef"
	"github.com/dnswlt/catalog-creator/internal/store"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"
)

const (
	MessageExists   = "catalog-info.yaml already exists, editing"
	MessageNotFound = "no catalog-info.yaml found, creating a new one"
)

// DefaultCandidates are the file names probed if the URL does not name a file.
var DefaultCandidates = []string{"catalog-info.yaml", "catalog-info.yml"}

// Result is the outcome of a fetch.
type Result struct {
	Status *api.Status
	// Entities of the existing descriptor, in document order.
	Entities []*api.EntityRecord
	// Path of the existing descriptor, or of the descriptor to create.
	Path string
	// TargetURL is the URL submissions for this repository should use.
	// It names the existing descriptor file, if there is one.
	TargetURL string
}

// Found reports whether an existing descriptor was found.
func (r *Result) Found() bool {
	return r.Status != nil && r.Status.Severity == api.SeverityInfo
}

type Options struct {
	// DefaultPath is the descriptor path for URLs that do not name a file.
	DefaultPath string
	// Candidates are the file names probed, in order of preference.
	Candidates []string
	// Sources by repository host.
	Sources map[string]store.Source
	// DefaultSource serves hosts not in Sources. Optional.
	DefaultSource store.Source

	CacheSize int
	CacheTTL  time.Duration
	Metrics   *metrics.Metrics
}

type Adapter struct {
	opts  Options
	cache *expirable.LRU[string, *Result]
}

func NewAdapter(opts Options) *Adapter {
	if opts.DefaultPath == "" {
		opts.DefaultPath = reporef.DefaultPath
	}
	if len(opts.Candidates) == 0 {
		opts.Candidates = DefaultCandidates
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 256
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 15 * time.Minute
	}
	return &Adapter{
		opts:  opts,
		cache: expirable.NewLRU[string, *Result](opts.CacheSize, nil, opts.CacheTTL),
	}
}

func (a *Adapter) sourceFor(host string) store.Source {
	if src, ok := a.opts.Sources[host]; ok {
		return src
	}
	return a.opts.DefaultSource
}

func cacheKey(url string) string {
	return strings.TrimSuffix(strings.TrimSpace(url), "/")
}

// Invalidate drops the cached result for url.
func (a *Adapter) Invalidate(url string) {
	a.cache.Remove(cacheKey(url))
}

func errorResult(msg string) *Result {
	return &Result{Status: api.ErrorStatus(msg)}
}

// FetchExisting looks up the descriptor of the repository at url.
//
// The returned Result has severity info and the parsed entities if a
// descriptor exists, severity success if the repository has none, and
// severity error if the URL is invalid or the repository cannot be read.
// Successful lookups are cached. The returned error is non-nil only if
// ctx is done.
func (a *Adapter) FetchExisting(ctx context.Context, url string) (*Result, error) {
	key := cacheKey(url)
	if res, ok := a.cache.Get(key); ok {
		a.opts.Metrics.ObserveCacheLookup(true)
		return res, nil
	}
	a.opts.Metrics.ObserveCacheLookup(false)
	return a.fetchAndCache(ctx, url)
}

// FetchFresh is like FetchExisting but always reads the repository.
// A successful result replaces the cached one.
func (a *Adapter) FetchFresh(ctx context.Context, url string) (*Result, error) {
	return a.fetchAndCache(ctx, url)
}

func (a *Adapter) fetchAndCache(ctx context.Context, url string) (*Result, error) {
	res, err := a.fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	a.opts.Metrics.ObserveFetch(string(res.Status.Severity))
	if res.Status.Severity != api.SeverityError {
		a.cache.Add(cacheKey(url), res)
	} else {
		a.cache.Remove(cacheKey(url))
	}
	return res, nil
}

func (a *Adapter) fetch(ctx context.Context, url string) (*Result, error) {
	ref, err := reporef.Parse(url, a.opts.DefaultPath)
	if err != nil {
		log.Printf("fetch %q: %v", url, err)
		return errorResult("invalid repository URL"), nil
	}
	src := a.sourceFor(ref.Host)
	if src == nil {
		return errorResult("unsupported repository host"), nil
	}

	st, err := src.Open(ctx, ref)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Printf("fetch %s: %v", ref, err)
		switch {
		case errors.Is(err, store.ErrRepoNotFound):
			return errorResult("repository not found"), nil
		case errors.Is(err, store.ErrNoSuchRef):
			return errorResult("branch not found"), nil
		case errors.Is(err, creator.ErrUnsupportedHost):
			return errorResult("unsupported repository host"), nil
		}
		return errorResult("could not access repository"), nil
	}

	found, data, err := a.probe(ctx, st, a.candidates(ref))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Printf("fetch %s: %v", ref, err)
		return errorResult("could not read catalog-info.yaml"), nil
	}
	if found == "" {
		return &Result{
			Status:    &api.Status{Message: MessageNotFound, Severity: api.SeveritySuccess},
			Path:      ref.Path,
			TargetURL: url,
		}, nil
	}

	entities, err := api.ParseRecords(data)
	if err != nil {
		log.Printf("fetch %s: invalid descriptor %s: %v", ref, found, err)
		return errorResult(fmt.Sprintf("%s is not a valid descriptor file", found)), nil
	}
	blobURL := ref.WithPath(found).BlobURL(st.Branch())
	return &Result{
		Status: &api.Status{
			Message:  MessageExists,
			Severity: api.SeverityInfo,
			URL:      blobURL,
		},
		Entities:  entities,
		Path:      found,
		TargetURL: blobURL,
	}, nil
}

// candidates returns the paths to probe for ref, in order of preference.
func (a *Adapter) candidates(ref *reporef.Ref) []string {
	if ref.PathExplicit {
		return []string{ref.Path}
	}
	dir := path.Dir(ref.Path)
	paths := []string{ref.Path}
	for _, c := range a.opts.Candidates {
		p := path.Join(dir, c)
		if p != ref.Path {
			paths = append(paths, p)
		}
	}
	return paths
}

// probe reads all paths concurrently and returns the first one, in the
// given order, that exists.
func (a *Adapter) probe(ctx context.Context, st store.Store, paths []string) (string, []byte, error) {
	contents := make([][]byte, len(paths))
	exists := make([]bool, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range paths {
		g.Go(func() error {
			bs, err := st.ReadFile(gctx, p)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			contents[i] = bs
			exists[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", nil, err
	}
	for i, p := range paths {
		if exists[i] {
			return p, contents[i], nil
		}
	}
	return "", nil, nil
}
