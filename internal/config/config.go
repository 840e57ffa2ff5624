package config

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/dnswlt/catalog-creator/internal/creator"
	"github.com/dnswlt/catalog-creator/internal/fetch"
	"github.com/dnswlt/catalog-creator/internal/policy"
	"github.com/dnswlt/catalog-creator/internal/reporef"
	"github.com/dnswlt/catalog-creator/internal/store"
	"gopkg.in/yaml.v3"
)

type GitHubConfig struct {
	// REST API base URL. Empty means https://api.github.com/.
	APIURL string `yaml:"apiURL"`
	// Web host of the repositories served by the API (default: github.com).
	Host string `yaml:"host"`
}

// DescriptorConfig specifies where descriptor files are looked for.
type DescriptorConfig struct {
	DefaultPath string   `yaml:"defaultPath"`
	Candidates  []string `yaml:"candidates"`
}

type FetchConfig struct {
	CacheSize int           `yaml:"cacheSize"`
	CacheTTL  time.Duration `yaml:"cacheTTL"`
	// EnableGit enables read access to repositories on hosts other than
	// the GitHub host via git clone.
	EnableGit bool `yaml:"enableGit"`
}

// Bundle is the umbrella struct for the serialized application configuration YAML.
// It bundles the package-specific configurations.
type Bundle struct {
	GitHub      GitHubConfig     `yaml:"github"`
	PullRequest creator.Settings `yaml:"pullRequest"`
	Descriptor  DescriptorConfig `yaml:"descriptor"`
	Fetch       FetchConfig      `yaml:"fetch"`
	Policies    []policy.Rule    `yaml:"policies"`

	// Compiled Policies.
	policySet *policy.Set
}

// Default returns the configuration used when no config file is given.
func Default() *Bundle {
	return &Bundle{
		PullRequest: creator.DefaultSettings(),
		Descriptor: DescriptorConfig{
			DefaultPath: reporef.DefaultPath,
			Candidates:  fetch.DefaultCandidates,
		},
		Fetch: FetchConfig{
			CacheSize: 256,
			CacheTTL:  15 * time.Minute,
		},
		policySet: &policy.Set{},
	}
}

func (b *Bundle) PolicySet() *policy.Set {
	return b.policySet
}

func (b *Bundle) validate() error {
	p := b.Descriptor.DefaultPath
	if path.IsAbs(p) || strings.HasPrefix(path.Clean(p), "..") {
		return fmt.Errorf("descriptor.defaultPath %q must be relative to the repository root", p)
	}
	for _, c := range b.Descriptor.Candidates {
		if c == "" || strings.Contains(c, "/") {
			return fmt.Errorf("descriptor.candidates: %q must be a file name", c)
		}
	}
	if b.Fetch.CacheSize < 0 || b.Fetch.CacheTTL < 0 {
		return fmt.Errorf("fetch.cacheSize and fetch.cacheTTL must not be negative")
	}
	return nil
}

// Load reads the configuration at configPath from st. Fields missing in
// the file keep their Default values.
func Load(ctx context.Context, st store.Store, configPath string) (*Bundle, error) {
	bs, err := st.ReadFile(ctx, configPath)
	if err != nil {
		return nil, fmt.Errorf("could not read config %q: %v", configPath, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(bs))
	dec.KnownFields(true)
	bundle := Default()
	if err := dec.Decode(bundle); err != nil {
		return nil, fmt.Errorf("invalid configuration YAML in %q: %v", configPath, err)
	}
	if err := bundle.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %q: %v", configPath, err)
	}

	// Populate and validate computed fields
	set, err := policy.Compile(bundle.Policies)
	if err != nil {
		return nil, fmt.Errorf("invalid policies in %q: %v", configPath, err)
	}
	bundle.policySet = set

	return bundle, nil
}
