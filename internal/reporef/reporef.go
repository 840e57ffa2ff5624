// Package reporef parses repository URLs as entered by users into
// references to a descriptor file in a repository.
package reporef

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// DefaultPath is the conventional location of the descriptor file.
const DefaultPath = "catalog-info.yaml"

var ErrInvalidURL = errors.New("invalid repository URL")

// Ref points at a (possibly not yet existing) file in a repository.
type Ref struct {
	Host  string
	Owner string
	Repo  string
	// Branch is empty if the URL did not name one.
	Branch string
	// Path of the descriptor file, relative to the repository root.
	Path string
	// PathExplicit is true if the URL named the file (".../blob/<ref>/<path>").
	PathExplicit bool
}

// Parse parses rawURL. Supported forms:
//
//	https://<host>/<owner>/<repo>[.git][/]
//	https://<host>/<owner>/<repo>/blob/<branch>/<path...>
//	https://<host>/<owner>/<repo>/tree/<branch>[/<dir>]
//	git@<host>:<owner>/<repo>[.git]
//
// If the URL does not name a file, Path is defaultPath (or DefaultPath, if
// defaultPath is empty), inside <dir> for tree URLs.
func Parse(rawURL, defaultPath string) (*Ref, error) {
	if defaultPath == "" {
		defaultPath = DefaultPath
	}
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, fmt.Errorf("%w: empty URL", ErrInvalidURL)
	}

	var host string
	var segments []string
	if rest, ok := strings.CutPrefix(rawURL, "git@"); ok {
		h, p, found := strings.Cut(rest, ":")
		if !found {
			return nil, fmt.Errorf("%w: %q: missing ':' after host", ErrInvalidURL, rawURL)
		}
		host = h
		segments = splitPath(p)
		if len(segments) != 2 {
			return nil, fmt.Errorf("%w: %q: expected <owner>/<repo>", ErrInvalidURL, rawURL)
		}
	} else {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
		}
		if u.Scheme != "https" && u.Scheme != "http" {
			return nil, fmt.Errorf("%w: %q: unsupported scheme %q", ErrInvalidURL, rawURL, u.Scheme)
		}
		host = u.Host
		segments = splitPath(u.Path)
	}
	if host == "" {
		return nil, fmt.Errorf("%w: %q: missing host", ErrInvalidURL, rawURL)
	}
	if len(segments) < 2 {
		return nil, fmt.Errorf("%w: %q: expected <owner>/<repo>", ErrInvalidURL, rawURL)
	}

	ref := &Ref{
		Host:  strings.ToLower(host),
		Owner: segments[0],
		Repo:  strings.TrimSuffix(segments[1], ".git"),
		Path:  defaultPath,
	}
	if ref.Repo == "" {
		return nil, fmt.Errorf("%w: %q: empty repository name", ErrInvalidURL, rawURL)
	}

	rest := segments[2:]
	if len(rest) == 0 {
		return ref, nil
	}
	switch rest[0] {
	case "blob":
		if len(rest) < 3 {
			return nil, fmt.Errorf("%w: %q: expected /blob/<branch>/<path>", ErrInvalidURL, rawURL)
		}
		ref.Branch = rest[1]
		ref.Path = path.Join(rest[2:]...)
		ref.PathExplicit = true
	case "tree":
		if len(rest) < 2 {
			return nil, fmt.Errorf("%w: %q: expected /tree/<branch>", ErrInvalidURL, rawURL)
		}
		ref.Branch = rest[1]
		ref.Path = path.Join(append(rest[2:], defaultPath)...)
	default:
		return nil, fmt.Errorf("%w: %q: unsupported path /%s", ErrInvalidURL, rawURL, strings.Join(rest, "/"))
	}
	return ref, nil
}

func splitPath(p string) []string {
	var segments []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}

// FullName returns "<owner>/<repo>".
func (r *Ref) FullName() string {
	return r.Owner + "/" + r.Repo
}

// WithPath returns a copy of r pointing at p.
func (r *Ref) WithPath(p string) *Ref {
	c := *r
	c.Path = p
	return &c
}

// BlobURL returns the browser URL of the descriptor file on the given branch.
func (r *Ref) BlobURL(branch string) string {
	return fmt.Sprintf("https://%s/%s/%s/blob/%s/%s", r.Host, r.Owner, r.Repo, branch, r.Path)
}

// CloneURL returns the https clone URL of the repository.
func (r *Ref) CloneURL() string {
	return fmt.Sprintf("https://%s/%s/%s.git", r.Host, r.Owner, r.Repo)
}

func (r *Ref) String() string {
	if r.Branch != "" {
		return fmt.Sprintf("%s/%s@%s:%s", r.Host, r.FullName(), r.Branch, r.Path)
	}
	return fmt.Sprintf("%s/%s:%s", r.Host, r.FullName(), r.Path)
}
