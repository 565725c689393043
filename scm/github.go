// Package scm implements the GitHub capability: repository file operations
// and GitHub Actions workflow control for the dbt project repository.
package scm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v74/github"

	"github.com/martinemde/dacli/config"
	"github.com/martinemde/dacli/logger"
	"github.com/martinemde/dacli/toolkit"
)

// Name is the tool name reported on results.
const Name = "github"

// ErrNotFound is returned when a path or run does not exist.
var ErrNotFound = errors.New("not found")

// Operations lists the operations accepted by Execute.
var Operations = []string{
	"read_file",
	"create_or_update_file",
	"delete_file",
	"list_directory",
	"trigger_workflow",
	"list_workflow_runs",
	"get_workflow_run",
	"get_workflow_run_jobs",
}

// GitHub is the repository capability.
type GitHub struct {
	cfg    config.GitHubSettings
	client *github.Client
	http   *http.Client
	log    logger.Logger

	now func() time.Time

	// Workflow timing. Exposed so tests can shrink them.
	DispatchDelay time.Duration
	FindInterval  time.Duration
	FindAttempts  int
	PollInterval  time.Duration
	LogTailLength int
}

type Option func(*GitHub)

// WithBaseURL points the client at a different API root, such as a GitHub
// Enterprise server or a test server.
func WithBaseURL(raw string) Option {
	return func(g *GitHub) {
		if !strings.HasSuffix(raw, "/") {
			raw += "/"
		}
		if u, err := url.Parse(raw); err == nil {
			g.client.BaseURL = u
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(g *GitHub) { g.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(g *GitHub) { g.now = now }
}

// New creates the capability from the github settings section. Owner and
// repo are derived from repository_url when they are not set.
func New(cfg config.GitHubSettings, opts ...Option) *GitHub {
	if cfg.Owner == "" || cfg.Repo == "" {
		if owner, repo := config.ParseRepositoryURL(cfg.RepositoryURL); owner != "" {
			cfg.Owner, cfg.Repo = owner, repo
		}
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	hc := &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second}
	client := github.NewClient(hc)
	if cfg.Token != "" {
		client = client.WithAuthToken(cfg.Token)
	}
	g := &GitHub{
		cfg:           cfg,
		client:        client,
		http:          hc,
		log:           logger.NewNop(),
		now:           time.Now,
		DispatchDelay: 5 * time.Second,
		FindInterval:  5 * time.Second,
		FindAttempts:  6,
		PollInterval:  30 * time.Second,
		LogTailLength: 3000,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *GitHub) Name() string { return Name }

// Validate fetches the repository and reports its visibility and default branch.
func (g *GitHub) Validate(ctx context.Context) toolkit.Result {
	return toolkit.Timed(Name, func() toolkit.Result {
		repo, _, err := g.client.Repositories.Get(ctx, g.cfg.Owner, g.cfg.Repo)
		if err != nil {
			return toolkit.Failed(Name, err.Error())
		}
		return toolkit.Succeeded(Name, map[string]any{
			"connected":      true,
			"repo":           repo.GetFullName(),
			"default_branch": repo.GetDefaultBranch(),
			"private":        repo.GetPrivate(),
		})
	})
}

// Execute dispatches on args["operation"].
func (g *GitHub) Execute(ctx context.Context, args map[string]any) toolkit.Result {
	op := toolkit.StringArg(args, "operation", "")
	return toolkit.Timed(Name, func() toolkit.Result {
		var (
			data map[string]any
			err  error
		)
		switch op {
		case "read_file":
			data, err = g.readFile(ctx, args)
		case "create_or_update_file":
			data, err = g.putFile(ctx, args)
		case "delete_file":
			data, err = g.deleteFile(ctx, args)
		case "list_directory":
			data, err = g.listDirectory(ctx, args)
		case "trigger_workflow":
			data, err = g.triggerWorkflow(ctx, args)
		case "list_workflow_runs":
			data, err = g.listWorkflowRuns(ctx, args)
		case "get_workflow_run":
			data, err = g.getWorkflowRun(ctx, args)
		case "get_workflow_run_jobs":
			data, err = g.getWorkflowRunJobs(ctx, args)
		default:
			return toolkit.Failed(Name, fmt.Sprintf("Unknown operation '%s'. Available: %v", op, Operations))
		}
		if err != nil {
			g.log.Debug("github operation failed", "operation", op, "error", err)
			res := toolkit.Failed(Name, err.Error()).WithMetadata("operation", op)
			if data != nil {
				res.Data = data
			}
			return res
		}
		return toolkit.Succeeded(Name, data).WithMetadata("operation", op)
	})
}

func (g *GitHub) branch(args map[string]any) string {
	return toolkit.StringArg(args, "branch", g.cfg.Branch)
}

func cleanPath(p string) string {
	return strings.Trim(strings.TrimSpace(p), "/")
}

func isNotFound(resp *github.Response) bool {
	return resp != nil && resp.StatusCode == http.StatusNotFound
}

func (g *GitHub) contents(ctx context.Context, path, ref string) (*github.RepositoryContent, []*github.RepositoryContent, error) {
	var opts *github.RepositoryContentGetOptions
	if ref != "" {
		opts = &github.RepositoryContentGetOptions{Ref: ref}
	}
	file, dir, resp, err := g.client.Repositories.GetContents(ctx, g.cfg.Owner, g.cfg.Repo, path, opts)
	if isNotFound(resp) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	return file, dir, nil
}

func directoryEntries(dir []*github.RepositoryContent) []map[string]any {
	entries := make([]map[string]any, 0, len(dir))
	for _, item := range dir {
		entries = append(entries, map[string]any{
			"name": item.GetName(),
			"type": item.GetType(),
			"path": item.GetPath(),
			"size": item.GetSize(),
		})
	}
	return entries
}

func displayPath(p string) string {
	if p == "" {
		return "/"
	}
	return p
}

// readFile returns a file's decoded content, or the listing when path is a
// directory.
func (g *GitHub) readFile(ctx context.Context, args map[string]any) (map[string]any, error) {
	path := cleanPath(toolkit.StringArg(args, "path", ""))
	file, dir, err := g.contents(ctx, path, g.branch(args))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("File not found: %s", path)
	}
	if err != nil {
		return nil, err
	}
	if file == nil {
		return map[string]any{
			"path":         displayPath(path),
			"entries":      directoryEntries(dir),
			"is_directory": true,
		}, nil
	}
	content, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return map[string]any{
		"path":    file.GetPath(),
		"content": content,
		"sha":     file.GetSHA(),
		"size":    file.GetSize(),
	}, nil
}

// fileSHA returns the blob sha of path on branch, or "" when it does not exist.
func (g *GitHub) fileSHA(ctx context.Context, path, branch string) string {
	file, _, err := g.contents(ctx, path, branch)
	if err != nil || file == nil {
		return ""
	}
	return file.GetSHA()
}

func (g *GitHub) putFile(ctx context.Context, args map[string]any) (map[string]any, error) {
	path := cleanPath(toolkit.StringArg(args, "path", ""))
	if path == "" {
		return nil, errors.New("path is required")
	}
	branch := g.branch(args)
	sha := toolkit.StringArg(args, "sha", "")
	if sha == "" {
		sha = g.fileSHA(ctx, path, branch)
	}

	opts := &github.RepositoryContentFileOptions{
		Message: github.Ptr(toolkit.StringArg(args, "message", "")),
		Content: []byte(toolkit.StringArg(args, "content", "")),
		Branch:  github.Ptr(branch),
	}
	action := "created"
	var (
		out *github.RepositoryContentResponse
		err error
	)
	if sha != "" {
		opts.SHA = github.Ptr(sha)
		action = "updated"
		out, _, err = g.client.Repositories.UpdateFile(ctx, g.cfg.Owner, g.cfg.Repo, path, opts)
	} else {
		out, _, err = g.client.Repositories.CreateFile(ctx, g.cfg.Owner, g.cfg.Repo, path, opts)
	}
	if err != nil {
		return nil, err
	}
	g.log.Info("committed file", "path", path, "branch", branch, "action", action)
	return map[string]any{
		"path":           out.GetContent().GetPath(),
		"sha":            out.GetContent().GetSHA(),
		"commit_sha":     out.Commit.GetSHA(),
		"commit_message": out.Commit.GetMessage(),
		"action":         action,
	}, nil
}

func (g *GitHub) deleteFile(ctx context.Context, args map[string]any) (map[string]any, error) {
	path := cleanPath(toolkit.StringArg(args, "path", ""))
	branch := g.branch(args)
	sha := toolkit.StringArg(args, "sha", "")
	if sha == "" {
		sha = g.fileSHA(ctx, path, branch)
	}
	if sha == "" {
		return nil, fmt.Errorf("File not found: %s", path)
	}

	out, _, err := g.client.Repositories.DeleteFile(ctx, g.cfg.Owner, g.cfg.Repo, path, &github.RepositoryContentFileOptions{
		Message: github.Ptr(toolkit.StringArg(args, "message", "")),
		SHA:     github.Ptr(sha),
		Branch:  github.Ptr(branch),
	})
	if err != nil {
		return nil, err
	}
	g.log.Info("deleted file", "path", path, "branch", branch)
	return map[string]any{
		"path":       path,
		"deleted":    true,
		"commit_sha": out.Commit.GetSHA(),
	}, nil
}

func (g *GitHub) listDirectory(ctx context.Context, args map[string]any) (map[string]any, error) {
	path := cleanPath(toolkit.StringArg(args, "path", ""))
	file, dir, err := g.contents(ctx, path, g.branch(args))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("Directory not found: %s", path)
	}
	if err != nil {
		return nil, err
	}
	if file != nil {
		return nil, fmt.Errorf("Path '%s' is a file, not a directory.", path)
	}
	return map[string]any{
		"path":    displayPath(path),
		"entries": directoryEntries(dir),
	}, nil
}
