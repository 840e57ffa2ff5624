package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dnswlt/catalog-creator/internal/api"
	"github.com/dnswlt/catalog-creator/internal/config"
	"github.com/dnswlt/catalog-creator/internal/creator"
	"github.com/dnswlt/catalog-creator/internal/fetch"
	"github.com/dnswlt/catalog-creator/internal/ghclient"
	"github.com/dnswlt/catalog-creator/internal/gitclient"
	"github.com/dnswlt/catalog-creator/internal/metrics"
	"github.com/dnswlt/catalog-creator/internal/reporef"
	"github.com/dnswlt/catalog-creator/internal/store"
	"github.com/dnswlt/catalog-creator/internal/web"
	"github.com/peterbourgon/ff/v3"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

var (
	// Version is the application version.
	// It is set at build time via -ldflags "-X main.Version=...".
	Version = "dev"
)

const envPrefix = "CATALOG_CREATOR"

func gitClientAuthFromEnv() *gitclient.Auth {
	user := os.Getenv(envPrefix + "_GIT_USER")
	if user == "" {
		return nil
	}
	return &gitclient.Auth{
		Username: user,
		Password: os.Getenv(envPrefix + "_GIT_PASSWORD"),
	}
}

// Options contains program options that can be set via command-line flags or environment variables.
type Options struct {
	Addr           string
	ConfigFile     string
	RequestTimeout time.Duration
	GitHubToken    string
}

func main() {
	if len(os.Args) < 2 {
		runServe(os.Args[1:])
		return
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "render":
		runRender(os.Args[2:])
	case "fetch":
		runFetch(os.Args[2:])
	case "version":
		fmt.Println(Version)
	default:
		if strings.HasPrefix(os.Args[1], "-") {
			runServe(os.Args[1:])
			return
		}
		fmt.Fprintf(os.Stderr, "Unknown command %q. Available commands: serve, render, fetch, version\n", os.Args[1])
		os.Exit(1)
	}
}

// loadConfig reads the configuration file at path, or returns the defaults
// if path is empty.
func loadConfig(ctx context.Context, path string) (*config.Bundle, error) {
	if path == "" {
		return config.Default(), nil
	}
	ds := store.NewDiskStore(filepath.Dir(path))
	return config.Load(ctx, ds, filepath.Base(path))
}

func runServe(args []string) {
	var opts Options
	fs := flag.NewFlagSet("catalog-creator serve", flag.ExitOnError)
	fs.StringVar(&opts.Addr, "addr", "localhost:8080", "Address to listen on")
	fs.StringVar(&opts.ConfigFile, "config", "", "Path to the configuration YAML file. Uses built-in defaults if empty.")
	fs.DurationVar(&opts.RequestTimeout, "request-timeout", 60*time.Second, "Maximum duration of a single fetch or submission")
	fs.StringVar(&opts.GitHubToken, "github-token", "", "GitHub token used to read repositories and create pull requests")

	err := ff.Parse(fs, args, ff.WithEnvVarPrefix(envPrefix))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		os.Exit(1)
	}
	logged := opts
	if logged.GitHubToken != "" {
		logged.GitHubToken = "***"
	}
	log.Printf("catalog-creator %s using config from flags/env vars: %+v", Version, logged)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx, opts.ConfigFile)
	if err != nil {
		log.Fatalf("Could not load configuration: %v", err)
	}
	log.Printf("Loaded configuration with %d policies", cfg.PolicySet().Len())

	gh, err := ghclient.New(ctx, ghclient.Options{
		Token:  opts.GitHubToken,
		APIURL: cfg.GitHub.APIURL,
		Host:   cfg.GitHub.Host,
	})
	if err != nil {
		log.Fatalf("Could not create GitHub client: %v", err)
	}
	if opts.GitHubToken == "" {
		log.Printf("No GitHub token given, pull requests cannot be created")
	}

	var defaultSource store.Source
	if cfg.Fetch.EnableGit {
		log.Printf("Reading repositories on hosts other than %s via git", gh.Host())
		defaultSource = store.NewGitSource(gitClientAuthFromEnv())
	}

	m := metrics.New()
	adapter := fetch.NewAdapter(fetch.Options{
		DefaultPath:   cfg.Descriptor.DefaultPath,
		Candidates:    cfg.Descriptor.Candidates,
		Sources:       map[string]store.Source{gh.Host(): gh},
		DefaultSource: defaultSource,
		CacheSize:     cfg.Fetch.CacheSize,
		CacheTTL:      cfg.Fetch.CacheTTL,
		Metrics:       m,
	})
	pipeline := creator.NewPipeline(gh, creator.Options{
		Settings:    cfg.PullRequest,
		DefaultPath: cfg.Descriptor.DefaultPath,
		Policies:    cfg.PolicySet(),
		Metrics:     m,
	})

	server := web.NewServer(
		web.ServerOptions{
			Addr:           opts.Addr,
			RequestTimeout: opts.RequestTimeout,
		},
		adapter,
		pipeline,
		m,
	)
	if err := server.Serve(ctx); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
	log.Printf("Server stopped")
}

// runRender merges a form submission into a descriptor from a local
// directory tree and prints the result, without creating a pull request.
func runRender(args []string) {
	fs := flag.NewFlagSet("catalog-creator render", flag.ExitOnError)
	rootDir := fs.String("root-dir", ".", "Root of the local repositories, laid out as <root>/<host>/<owner>/<repo>")
	repoURL := fs.String("url", "", "Repository URL, e.g. https://github.com/acme/svc")
	formFile := fs.String("form", "", "JSON file with the submitted form entities")
	outFile := fs.String("out", "", "Output file. Prints to stdout if empty.")
	configFile := fs.String("config", "", "Path to the configuration YAML file")
	write := fs.Bool("write", false, "Write the descriptor into the repository under -root-dir")

	err := ff.Parse(fs, args, ff.WithEnvVarPrefix(envPrefix))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		os.Exit(1)
	}
	if *repoURL == "" || *formFile == "" {
		fmt.Fprintln(os.Stderr, "render requires -url and -form")
		os.Exit(1)
	}

	ctx := context.Background()
	cfg, err := loadConfig(ctx, *configFile)
	if err != nil {
		log.Fatalf("Could not load configuration: %v", err)
	}

	bs, err := os.ReadFile(*formFile)
	if err != nil {
		log.Fatalf("Could not read form: %v", err)
	}
	var entities []*api.FormEntity
	if err := json.Unmarshal(bs, &entities); err != nil {
		log.Fatalf("Invalid form JSON in %s: %v", *formFile, err)
	}
	var errs field.ErrorList
	for i, e := range entities {
		if e == nil {
			log.Fatalf("Invalid form: entity #%d is null", i)
		}
		errs = append(errs, e.Validate(field.NewPath("entities").Index(i))...)
	}
	if len(errs) > 0 {
		log.Fatalf("Invalid form: %v", errs.ToAggregate())
	}

	adapter := fetch.NewAdapter(fetch.Options{
		DefaultPath:   cfg.Descriptor.DefaultPath,
		Candidates:    cfg.Descriptor.Candidates,
		DefaultSource: store.NewDirSource(*rootDir),
	})
	res, err := adapter.FetchExisting(ctx, *repoURL)
	if err != nil {
		log.Fatalf("Fetch failed: %v", err)
	}
	if res.Status.Severity == api.SeverityError {
		log.Fatalf("Fetch failed: %s", res.Status.Message)
	}
	log.Printf("%s (%s)", res.Status.Message, res.Path)

	pipeline := creator.NewPipeline(nil, creator.Options{
		Settings:    cfg.PullRequest,
		DefaultPath: cfg.Descriptor.DefaultPath,
	})
	content, err := pipeline.Render(res.Entities, entities)
	if err != nil {
		log.Fatalf("Render failed: %v", err)
	}

	var records []*api.EntityRecord
	if *write {
		ref, err := reporef.Parse(*repoURL, cfg.Descriptor.DefaultPath)
		if err != nil {
			log.Fatalf("Invalid URL: %v", err)
		}
		st, err := store.NewDirSource(*rootDir).Open(ctx, ref)
		if err != nil {
			log.Fatalf("Could not open %s: %v", ref, err)
		}
		if err := st.WriteFile(ctx, res.Path, []byte(content)); err != nil {
			log.Fatalf("Could not write %s: %v", res.Path, err)
		}
		log.Printf("Wrote %s to %s", res.Path, ref.FullName())
		// Read back what was written, so policies see the file as stored.
		records, err = store.ReadRecords(ctx, st, res.Path)
		if err != nil {
			log.Fatalf("Written descriptor is invalid: %v", err)
		}
	} else {
		records, err = api.ParseRecords([]byte(content))
		if err != nil {
			log.Fatalf("Rendered descriptor is invalid: %v", err)
		}
	}
	violations, err := cfg.PolicySet().Check(records)
	if err != nil {
		log.Fatalf("Policy check failed: %v", err)
	}
	for _, v := range violations {
		log.Printf("Warning: %s", v)
	}

	switch {
	case *outFile != "":
		if err := os.WriteFile(*outFile, []byte(content), 0644); err != nil {
			log.Fatalf("Could not write %s: %v", *outFile, err)
		}
		log.Printf("Wrote %s", *outFile)
	case !*write:
		fmt.Print(content)
	}
}

// runFetch looks up the descriptor of a remote repository and prints it.
func runFetch(args []string) {
	fs := flag.NewFlagSet("catalog-creator fetch", flag.ExitOnError)
	repoURL := fs.String("url", "", "Repository URL, e.g. https://github.com/acme/svc")
	useGit := fs.Bool("git", false, "Read the repository via git, also for GitHub repositories")
	token := fs.String("github-token", "", "GitHub token used to read repositories")

	err := ff.Parse(fs, args, ff.WithEnvVarPrefix(envPrefix))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		os.Exit(1)
	}
	if *repoURL == "" {
		fmt.Fprintln(os.Stderr, "fetch requires -url")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	opts := fetch.Options{DefaultSource: store.NewGitSource(gitClientAuthFromEnv())}
	if !*useGit {
		gh, err := ghclient.New(ctx, ghclient.Options{Token: *token})
		if err != nil {
			log.Fatalf("Could not create GitHub client: %v", err)
		}
		opts.Sources = map[string]store.Source{gh.Host(): gh}
	}
	res, err := fetch.NewAdapter(opts).FetchExisting(ctx, *repoURL)
	if err != nil {
		log.Fatalf("Fetch failed: %v", err)
	}
	fmt.Printf("# %s: %s\n", res.Status.Severity, res.Status.Message)
	if res.Status.URL != "" {
		fmt.Printf("# %s\n", res.Status.URL)
	}
	for _, e := range res.Entities {
		doc, err := e.Encode()
		if err != nil {
			log.Fatalf("Could not encode entity: %v", err)
		}
		fmt.Printf("---\n%s", doc)
	}
	if res.Status.Severity == api.SeverityError {
		os.Exit(1)
	}
}
