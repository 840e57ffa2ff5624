package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dnswlt/catalog-creator/internal/creator"
	"github.com/dnswlt/catalog-creator/internal/store"
	"github.com/google/go-cmp/cmp"
)

func loadString(t *testing.T, content string) (*Bundle, error) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return Load(context.Background(), store.NewDiskStore(dir), "config.yaml")
}

func TestLoad(t *testing.T) {
	b, err := loadString(t, `
github:
  apiURL: https://github.example.com/api/v3/
  host: github.example.com
pullRequest:
  base: develop
  title: Update the catalog
fetch:
  cacheTTL: 5m
  enableGit: true
policies:
  - name: owner-set
    expr: has(entity.spec.owner)
    message: an owner is required
`)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if diff := cmp.Diff(GitHubConfig{APIURL: "https://github.example.com/api/v3/", Host: "github.example.com"}, b.GitHub); diff != "" {
		t.Errorf("GitHub mismatch (-want +got):\n%s", diff)
	}
	wantPR := creator.DefaultSettings()
	wantPR.Base = "develop"
	wantPR.Title = "Update the catalog"
	if diff := cmp.Diff(wantPR, b.PullRequest); diff != "" {
		t.Errorf("PullRequest mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(FetchConfig{CacheSize: 256, CacheTTL: 5 * time.Minute, EnableGit: true}, b.Fetch); diff != "" {
		t.Errorf("Fetch mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(Default().Descriptor, b.Descriptor); diff != "" {
		t.Errorf("Descriptor mismatch (-want +got):\n%s", diff)
	}
	if b.PolicySet().Len() != 1 {
		t.Errorf("PolicySet().Len() = %d, want 1", b.PolicySet().Len())
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"unknown field", "github:\n  token: secret\n", "invalid configuration YAML"},
		{"absolute default path", "descriptor:\n  defaultPath: /etc/catalog-info.yaml\n", "must be relative"},
		{"escaping default path", "descriptor:\n  defaultPath: ../catalog-info.yaml\n", "must be relative"},
		{"candidate with dir", "descriptor:\n  candidates: [a/catalog-info.yaml]\n", "must be a file name"},
		{"bad policy", "policies:\n  - name: p\n    expr: 'entity.kind +'\n", "invalid policies"},
		{"bad duration", "fetch:\n  cacheTTL: soon\n", "invalid configuration YAML"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadString(t, tc.content)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Load() error = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(context.Background(), store.NewDiskStore(t.TempDir()), "config.yaml")
	if err == nil {
		t.Error("Load() succeeded for a missing file")
	}
}

func TestDefault(t *testing.T) {
	b := Default()
	if b.PolicySet().Len() != 0 {
		t.Errorf("Default() has policies")
	}
	if err := b.validate(); err != nil {
		t.Errorf("Default() is invalid: %v", err)
	}
}
