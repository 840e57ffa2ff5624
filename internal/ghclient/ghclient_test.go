package ghclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/dnswlt/catalog-creator/internal/api"
	"github.com/dnswlt/catalog-creator/internal/creator"
	"github.com/dnswlt/catalog-creator/internal/reporef"
	"github.com/dnswlt/catalog-creator/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGitHub serves a minimal subset of the GitHub REST API for a single
// repository acme/payments.
type fakeGitHub struct {
	mu       sync.Mutex
	files    map[string]string // branch + ":" + path => content
	branches map[string]string // branch => sha
	prs      []map[string]any
	commits  []map[string]any

	prConflict bool
	prFail     bool
	failPuts   int // Number of file commits to reject before accepting.
	deleted    []string
	onPut      func()
}

func newFakeGitHub() *fakeGitHub {
	return &fakeGitHub{
		files:    map[string]string{"main:catalog-info.yaml": "kind: Component\nmetadata:\n  name: svc-a\n"},
		branches: map[string]string{"main": "base-sha"},
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func notFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
}

func (f *fakeGitHub) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/{owner}/{repo}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("owner") != "acme" || r.PathValue("repo") != "payments" {
			notFound(w)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"full_name": "acme/payments", "default_branch": "main"})
	})
	mux.HandleFunc("GET /repos/acme/payments/contents/{path...}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		ref := r.URL.Query().Get("ref")
		content, ok := f.files[ref+":"+r.PathValue("path")]
		if !ok {
			notFound(w)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"type":     "file",
			"encoding": "base64",
			"content":  base64.StdEncoding.EncodeToString([]byte(content)),
			"sha":      "sha-" + r.PathValue("path"),
			"path":     r.PathValue("path"),
		})
	})
	mux.HandleFunc("PUT /repos/acme/payments/contents/{path...}", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Message string `json:"message"`
			Content []byte `json:"content"`
			SHA     string `json:"sha"`
			Branch  string `json:"branch"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.onPut != nil {
			f.onPut()
		}
		if f.failPuts > 0 {
			f.failPuts--
			writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "Server Error"})
			return
		}
		f.files[body.Branch+":"+r.PathValue("path")] = string(body.Content)
		f.commits = append(f.commits, map[string]any{"message": body.Message, "sha": body.SHA, "branch": body.Branch})
		writeJSON(w, http.StatusCreated, map[string]any{"content": map[string]any{"path": r.PathValue("path")}})
	})
	mux.HandleFunc("GET /repos/acme/payments/git/ref/heads/{branch...}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		sha, ok := f.branches[r.PathValue("branch")]
		if !ok {
			notFound(w)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"ref":    "refs/heads/" + r.PathValue("branch"),
			"object": map[string]any{"type": "commit", "sha": sha},
		})
	})
	mux.HandleFunc("POST /repos/acme/payments/git/refs", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		defer f.mu.Unlock()
		branch := body.Ref[len("refs/heads/"):]
		if _, ok := f.branches[branch]; ok {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"message": "Reference already exists"})
			return
		}
		f.branches[branch] = body.SHA
		for k, v := range f.files {
			if len(k) > 5 && k[:5] == "main:" {
				f.files[branch+":"+k[5:]] = v
			}
		}
		writeJSON(w, http.StatusCreated, map[string]any{"ref": body.Ref, "object": map[string]any{"sha": body.SHA}})
	})
	mux.HandleFunc("DELETE /repos/acme/payments/git/refs/heads/{branch...}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		branch := r.PathValue("branch")
		if _, ok := f.branches[branch]; !ok {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"message": "Reference does not exist"})
			return
		}
		delete(f.branches, branch)
		for k := range f.files {
			if strings.HasPrefix(k, branch+":") {
				delete(f.files, k)
			}
		}
		f.deleted = append(f.deleted, branch)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /repos/acme/payments/pulls", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if f.prFail {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "Server Error"})
			return
		}
		if f.prConflict {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"message": "Validation Failed",
				"errors": []map[string]any{{
					"resource": "PullRequest", "code": "custom",
					"message": "A pull request already exists for acme:Update-or-create-catalog-info.",
				}},
			})
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		f.prs = append(f.prs, body)
		writeJSON(w, http.StatusCreated, map[string]any{
			"number":   len(f.prs),
			"html_url": fmt.Sprintf("https://github.com/acme/payments/pull/%d", len(f.prs)),
		})
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeGitHub) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	c, err := New(context.Background(), Options{Token: "test-token", APIURL: srv.URL, HTTPClient: srv.Client()})
	require.NoError(t, err)
	return c
}

func TestOpen_ReadFile(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, newFakeGitHub())

	ref, err := reporef.Parse("https://github.com/acme/payments", "")
	require.NoError(t, err)
	st, err := c.Open(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "main", st.Branch())

	bs, err := st.ReadFile(ctx, "catalog-info.yaml")
	require.NoError(t, err)
	assert.Equal(t, "kind: Component\nmetadata:\n  name: svc-a\n", string(bs))

	_, err = st.ReadFile(ctx, "catalog-info.yml")
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, st.WriteFile(ctx, "x", nil), store.ErrReadOnly)
}

func TestOpen_Errors(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, newFakeGitHub())

	_, err := c.Open(ctx, &reporef.Ref{Host: "github.com", Owner: "acme", Repo: "missing"})
	assert.ErrorIs(t, err, store.ErrRepoNotFound)

	_, err = c.Open(ctx, &reporef.Ref{Host: "gitlab.com", Owner: "acme", Repo: "payments"})
	assert.ErrorIs(t, err, creator.ErrUnsupportedHost)
}

func testPullRequest() *creator.PullRequest {
	s := creator.DefaultSettings()
	return &creator.PullRequest{
		Host:          "github.com",
		Owner:         "acme",
		Repo:          "payments",
		Path:          "catalog-info.yaml",
		Content:       []byte("kind: Component\nmetadata:\n  name: svc-b\n"),
		Base:          s.Base,
		Head:          s.Head,
		Title:         s.Title,
		Body:          s.Body,
		CommitMessage: s.CommitMessage,
	}
}

func TestCreatePullRequest_UpdatesExistingFile(t *testing.T) {
	f := newFakeGitHub()
	c := newTestClient(t, f)

	url, err := c.CreatePullRequest(context.Background(), testPullRequest())
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/payments/pull/1", url)

	assert.Equal(t, "base-sha", f.branches["Update-or-create-catalog-info"])
	assert.Equal(t, "kind: Component\nmetadata:\n  name: svc-b\n", f.files["Update-or-create-catalog-info:catalog-info.yaml"])
	require.Len(t, f.commits, 1)
	assert.Equal(t, map[string]any{
		"message": "New or updated catalog-info.yaml",
		"sha":     "sha-catalog-info.yaml",
		"branch":  "Update-or-create-catalog-info",
	}, f.commits[0])
	require.Len(t, f.prs, 1)
	assert.Equal(t, "Create/update catalog-info.yaml", f.prs[0]["title"])
	assert.Equal(t, "Update-or-create-catalog-info", f.prs[0]["head"])
	assert.Equal(t, "main", f.prs[0]["base"])
	assert.Equal(t, "Creates or updates catalog-info.yaml", f.prs[0]["body"])
}

func TestCreatePullRequest_CreatesNewFile(t *testing.T) {
	f := newFakeGitHub()
	c := newTestClient(t, f)

	pr := testPullRequest()
	pr.Path = "services/api/catalog-info.yaml"
	_, err := c.CreatePullRequest(context.Background(), pr)
	require.NoError(t, err)
	require.Len(t, f.commits, 1)
	assert.Equal(t, "", f.commits[0]["sha"])
	assert.Contains(t, f.files, "Update-or-create-catalog-info:services/api/catalog-info.yaml")
}

func TestCreatePullRequest_Conflicts(t *testing.T) {
	t.Run("branch exists", func(t *testing.T) {
		f := newFakeGitHub()
		f.branches["Update-or-create-catalog-info"] = "other-sha"
		c := newTestClient(t, f)

		_, err := c.CreatePullRequest(context.Background(), testPullRequest())
		assert.ErrorIs(t, err, creator.ErrAlreadyExists)
		assert.Empty(t, f.prs)
	})

	t.Run("pull request exists", func(t *testing.T) {
		f := newFakeGitHub()
		f.prConflict = true
		c := newTestClient(t, f)

		_, err := c.CreatePullRequest(context.Background(), testPullRequest())
		assert.ErrorIs(t, err, creator.ErrAlreadyExists)
	})

	t.Run("missing base branch", func(t *testing.T) {
		c := newTestClient(t, newFakeGitHub())
		pr := testPullRequest()
		pr.Base = "develop"

		_, err := c.CreatePullRequest(context.Background(), pr)
		require.Error(t, err)
		assert.False(t, errors.Is(err, creator.ErrAlreadyExists))
	})
}

func TestCreatePullRequest_RequiresBase(t *testing.T) {
	f := newFakeGitHub()
	c := newTestClient(t, f)
	pr := testPullRequest()
	pr.Base = ""

	_, err := c.CreatePullRequest(context.Background(), pr)
	require.Error(t, err)
	assert.NotContains(t, f.branches, "Update-or-create-catalog-info")
	assert.Empty(t, f.prs)
}

func TestCreatePullRequest_RetryAfterFailedCommit(t *testing.T) {
	f := newFakeGitHub()
	f.failPuts = 1
	c := newTestClient(t, f)

	_, err := c.CreatePullRequest(context.Background(), testPullRequest())
	require.Error(t, err)
	assert.False(t, errors.Is(err, creator.ErrAlreadyExists))
	assert.Equal(t, []string{"Update-or-create-catalog-info"}, f.deleted)
	assert.NotContains(t, f.branches, "Update-or-create-catalog-info")
	assert.Empty(t, f.prs)

	url, err := c.CreatePullRequest(context.Background(), testPullRequest())
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/payments/pull/1", url)
	require.Len(t, f.commits, 1)
	assert.Len(t, f.prs, 1)
}

func TestCreatePullRequest_RetryAfterFailedPullRequest(t *testing.T) {
	f := newFakeGitHub()
	f.prFail = true
	c := newTestClient(t, f)

	_, err := c.CreatePullRequest(context.Background(), testPullRequest())
	require.Error(t, err)
	assert.False(t, errors.Is(err, creator.ErrAlreadyExists))
	assert.Equal(t, []string{"Update-or-create-catalog-info"}, f.deleted)
	assert.NotContains(t, f.files, "Update-or-create-catalog-info:catalog-info.yaml")

	f.prFail = false
	_, err = c.CreatePullRequest(context.Background(), testPullRequest())
	require.NoError(t, err)
	assert.Len(t, f.prs, 1)
}

func TestCreatePullRequest_CancelledContextStillDeletesBranch(t *testing.T) {
	f := newFakeGitHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.failPuts = 1
	f.onPut = cancel
	c := newTestClient(t, f)

	_, err := c.CreatePullRequest(ctx, testPullRequest())
	require.Error(t, err)
	assert.Equal(t, []string{"Update-or-create-catalog-info"}, f.deleted)
	assert.NotContains(t, f.branches, "Update-or-create-catalog-info")
}

func TestCreatePullRequest_ConflictThroughPipeline(t *testing.T) {
	f := newFakeGitHub()
	f.branches["Update-or-create-catalog-info"] = "other-sha"
	c := newTestClient(t, f)
	p := creator.NewPipeline(c, creator.Options{})

	status, err := p.Submit(context.Background(), "https://github.com/acme/payments", nil, []*api.FormEntity{
		{Kind: api.KindComponent, Name: "svc-b", Owner: "team-b", Lifecycle: api.LifecycleProduction, EntityType: "service"},
	})
	require.NoError(t, err)
	assert.Equal(t, api.ErrorStatus("Could not create a pull request, it may already exist."), status)
	assert.NotContains(t, status.Message, "Reference already exists")
}
