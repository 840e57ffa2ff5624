package fetch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/dnswlt/catalog-creator/internal/api"
	"github.com/dnswlt/catalog-creator/internal/reporef"
	"github.com/dnswlt/catalog-creator/internal/store"
	"github.com/google/go-cmp/cmp"
)

const svcA = `apiVersion: backstage.io/v1alpha1
kind: Component
metadata:
  name: svc-a
spec:
  owner: team-x
---
apiVersion: backstage.io/v1alpha1
kind: API
metadata:
  name: svc-a-api
`

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for p, content := range files {
		full := filepath.Join(root, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

// countingSource counts Open calls.
type countingSource struct {
	store.Source
	opens atomic.Int32
}

func (c *countingSource) Open(ctx context.Context, ref *reporef.Ref) (store.Store, error) {
	c.opens.Add(1)
	return c.Source.Open(ctx, ref)
}

func newTestAdapter(t *testing.T) (*Adapter, *countingSource) {
	t.Helper()
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"github.com/acme/existing/catalog-info.yaml":   svcA,
		"github.com/acme/yml/catalog-info.yml":         "kind: System\nmetadata:\n  name: sys\n",
		"github.com/acme/both/catalog-info.yaml":       "kind: System\nmetadata:\n  name: from-yaml\n",
		"github.com/acme/both/catalog-info.yml":        "kind: System\nmetadata:\n  name: from-yml\n",
		"github.com/acme/nested/svc/catalog-info.yaml": "kind: Resource\nmetadata:\n  name: db\n",
		"github.com/acme/broken/catalog-info.yaml":     "- not a mapping\n",
		"github.com/acme/empty/README.md":              "# empty\n",
	})
	src := &countingSource{Source: store.NewDirSource(root)}
	return NewAdapter(Options{Sources: map[string]store.Source{"github.com": src}}), src
}

func names(records []*api.EntityRecord) []string {
	var ns []string
	for _, r := range records {
		ns = append(ns, r.Name())
	}
	return ns
}

func TestFetchExisting(t *testing.T) {
	tests := []struct {
		name       string
		url        string
		wantStatus *api.Status
		wantNames  []string
		wantPath   string
	}{
		{
			name:       "existing",
			url:        "https://github.com/acme/existing",
			wantStatus: &api.Status{Message: MessageExists, Severity: api.SeverityInfo, URL: "https://github.com/acme/existing/blob/main/catalog-info.yaml"},
			wantNames:  []string{"svc-a", "svc-a-api"},
			wantPath:   "catalog-info.yaml",
		},
		{
			name:       "yml extension",
			url:        "https://github.com/acme/yml",
			wantStatus: &api.Status{Message: MessageExists, Severity: api.SeverityInfo, URL: "https://github.com/acme/yml/blob/main/catalog-info.yml"},
			wantNames:  []string{"sys"},
			wantPath:   "catalog-info.yml",
		},
		{
			name:       "yaml preferred",
			url:        "https://github.com/acme/both",
			wantStatus: &api.Status{Message: MessageExists, Severity: api.SeverityInfo, URL: "https://github.com/acme/both/blob/main/catalog-info.yaml"},
			wantNames:  []string{"from-yaml"},
			wantPath:   "catalog-info.yaml",
		},
		{
			name:       "explicit file",
			url:        "https://github.com/acme/both/blob/main/catalog-info.yml",
			wantStatus: &api.Status{Message: MessageExists, Severity: api.SeverityInfo, URL: "https://github.com/acme/both/blob/main/catalog-info.yml"},
			wantNames:  []string{"from-yml"},
			wantPath:   "catalog-info.yml",
		},
		{
			name:       "tree directory",
			url:        "https://github.com/acme/nested/tree/main/svc",
			wantStatus: &api.Status{Message: MessageExists, Severity: api.SeverityInfo, URL: "https://github.com/acme/nested/blob/main/svc/catalog-info.yaml"},
			wantNames:  []string{"db"},
			wantPath:   "svc/catalog-info.yaml",
		},
		{
			name:       "greenfield",
			url:        "https://github.com/acme/empty",
			wantStatus: &api.Status{Message: MessageNotFound, Severity: api.SeveritySuccess},
			wantPath:   "catalog-info.yaml",
		},
		{
			name:       "missing repository",
			url:        "https://github.com/acme/missing",
			wantStatus: api.ErrorStatus("repository not found"),
		},
		{
			name:       "invalid URL",
			url:        "github.com",
			wantStatus: api.ErrorStatus("invalid repository URL"),
		},
		{
			name:       "unsupported host",
			url:        "https://gitlab.com/acme/existing",
			wantStatus: api.ErrorStatus("unsupported repository host"),
		},
		{
			name:       "unknown branch",
			url:        "https://github.com/acme/existing/tree/dev",
			wantStatus: api.ErrorStatus("branch not found"),
		},
		{
			name:       "invalid descriptor",
			url:        "https://github.com/acme/broken",
			wantStatus: api.ErrorStatus("catalog-info.yaml is not a valid descriptor file"),
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a, _ := newTestAdapter(t)
			res, err := a.FetchExisting(context.Background(), tc.url)
			if err != nil {
				t.Fatalf("FetchExisting() failed: %v", err)
			}
			if diff := cmp.Diff(tc.wantStatus, res.Status); diff != "" {
				t.Errorf("Status mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tc.wantNames, names(res.Entities)); diff != "" {
				t.Errorf("Entities mismatch (-want +got):\n%s", diff)
			}
			if res.Path != tc.wantPath {
				t.Errorf("Path = %q, want %q", res.Path, tc.wantPath)
			}
		})
	}
}

func TestFetchExisting_TargetURL(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	res, err := a.FetchExisting(ctx, "https://github.com/acme/yml")
	if err != nil {
		t.Fatal(err)
	}
	ref, err := reporef.Parse(res.TargetURL, "")
	if err != nil {
		t.Fatalf("TargetURL %q does not parse: %v", res.TargetURL, err)
	}
	if ref.Path != "catalog-info.yml" || !ref.PathExplicit {
		t.Errorf("TargetURL %q does not name the existing file", res.TargetURL)
	}

	res, err = a.FetchExisting(ctx, "https://github.com/acme/empty")
	if err != nil {
		t.Fatal(err)
	}
	if res.TargetURL != "https://github.com/acme/empty" || res.Found() {
		t.Errorf("greenfield TargetURL = %q, Found = %v", res.TargetURL, res.Found())
	}
}

func TestFetchExisting_Cache(t *testing.T) {
	a, src := newTestAdapter(t)
	ctx := context.Background()

	for _, url := range []string{"https://github.com/acme/existing", "https://github.com/acme/existing/"} {
		if _, err := a.FetchExisting(ctx, url); err != nil {
			t.Fatal(err)
		}
	}
	if got := src.opens.Load(); got != 1 {
		t.Errorf("Open() called %d times, want 1", got)
	}

	a.Invalidate("https://github.com/acme/existing")
	if _, err := a.FetchExisting(ctx, "https://github.com/acme/existing"); err != nil {
		t.Fatal(err)
	}
	if got := src.opens.Load(); got != 2 {
		t.Errorf("Open() called %d times after Invalidate, want 2", got)
	}

	// Errors are not cached.
	for range 2 {
		if _, err := a.FetchExisting(ctx, "https://github.com/acme/missing"); err != nil {
			t.Fatal(err)
		}
	}
	if got := src.opens.Load(); got != 4 {
		t.Errorf("Open() called %d times, want 4", got)
	}
}

func TestFetchFresh(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"github.com/acme/existing/catalog-info.yaml": svcA})
	src := &countingSource{Source: store.NewDirSource(root)}
	a := NewAdapter(Options{Sources: map[string]store.Source{"github.com": src}})
	ctx := context.Background()
	url := "https://github.com/acme/existing"

	if _, err := a.FetchExisting(ctx, url); err != nil {
		t.Fatal(err)
	}
	writeFiles(t, root, map[string]string{
		"github.com/acme/existing/catalog-info.yaml": "kind: Component\nmetadata:\n  name: svc-a\nspec:\n  owner: team-z\n",
	})

	stale, err := a.FetchExisting(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"svc-a", "svc-a-api"}, names(stale.Entities)); diff != "" {
		t.Errorf("cached entities mismatch (-want +got):\n%s", diff)
	}

	fresh, err := a.FetchFresh(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"svc-a"}, names(fresh.Entities)); diff != "" {
		t.Errorf("fresh entities mismatch (-want +got):\n%s", diff)
	}
	if got := fresh.Entities[0].SpecString("owner"); got != "team-z" {
		t.Errorf("owner = %q, want %q", got, "team-z")
	}
	if got := src.opens.Load(); got != 2 {
		t.Errorf("Open() called %d times, want 2", got)
	}

	// The fresh result replaces the cached one.
	res, err := a.FetchExisting(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	if res != fresh {
		t.Errorf("FetchExisting() did not return the refreshed result")
	}
}

func TestFetchExisting_Cancelled(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.FetchExisting(ctx, "https://github.com/acme/existing")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("FetchExisting() error = %v, want context.Canceled", err)
	}
}

func TestFetchExisting_DefaultSource(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"git.example.com/acme/svc/catalog-info.yaml": svcA})
	a := NewAdapter(Options{DefaultSource: store.NewDirSource(root)})

	res, err := a.FetchExisting(context.Background(), "git@git.example.com:acme/svc.git")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Found() || len(res.Entities) != 2 {
		t.Errorf("FetchExisting() = %+v, want existing descriptor", res.Status)
	}
}
