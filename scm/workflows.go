package scm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v74/github"

	"github.com/martinemde/dacli/toolkit"
)

const (
	workflowDir  = ".github/workflows/"
	maxRedirects = 3
)

var failedConclusions = map[string]bool{
	"failure":   true,
	"cancelled": true,
	"timed_out": true,
}

// normalizeWorkflow maps a workflow reference ("dbt_run", "dbt_run.yml" or
// ".github/workflows/dbt_run.yml") to its file name and repository path.
func normalizeWorkflow(name string) (file, path string) {
	name = strings.TrimSpace(name)
	switch {
	case strings.HasPrefix(name, workflowDir):
		return name[strings.LastIndex(name, "/")+1:], name
	case strings.HasSuffix(name, ".yml"), strings.HasSuffix(name, ".yaml"):
		return name, workflowDir + name
	default:
		return name + ".yml", workflowDir + name + ".yml"
	}
}

func optional(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func timestamp(t *github.Timestamp) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func runID(args map[string]any) (int64, error) {
	id := int64(toolkit.IntArg(args, "run_id", 0))
	if id <= 0 {
		return 0, errors.New("run_id is required")
	}
	return id, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func runSummary(run *github.WorkflowRun) map[string]any {
	return map[string]any{
		"id":         run.GetID(),
		"name":       run.GetName(),
		"status":     run.GetStatus(),
		"conclusion": optional(run.Conclusion),
		"created_at": timestamp(run.CreatedAt),
		"html_url":   run.GetHTMLURL(),
	}
}

func (g *GitHub) listWorkflowRuns(ctx context.Context, args map[string]any) (map[string]any, error) {
	runs, _, err := g.client.Actions.ListRepositoryWorkflowRuns(ctx, g.cfg.Owner, g.cfg.Repo, &github.ListWorkflowRunsOptions{
		Branch:      g.branch(args),
		ListOptions: github.ListOptions{PerPage: toolkit.IntArg(args, "per_page", 5)},
	})
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(runs.WorkflowRuns))
	for _, run := range runs.WorkflowRuns {
		out = append(out, runSummary(run))
	}
	return map[string]any{"total_count": runs.GetTotalCount(), "runs": out}, nil
}

func (g *GitHub) getWorkflowRun(ctx context.Context, args map[string]any) (map[string]any, error) {
	id, err := runID(args)
	if err != nil {
		return nil, err
	}
	run, resp, err := g.client.Actions.GetWorkflowRunByID(ctx, g.cfg.Owner, g.cfg.Repo, id)
	if isNotFound(resp) {
		return nil, fmt.Errorf("Workflow run not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	data := runSummary(run)
	data["updated_at"] = timestamp(run.UpdatedAt)
	attempt := run.GetRunAttempt()
	if attempt == 0 {
		attempt = 1
	}
	data["run_attempt"] = attempt
	return data, nil
}

func (g *GitHub) getWorkflowRunJobs(ctx context.Context, args map[string]any) (map[string]any, error) {
	id, err := runID(args)
	if err != nil {
		return nil, err
	}
	jobs, resp, err := g.client.Actions.ListWorkflowJobs(ctx, g.cfg.Owner, g.cfg.Repo, id, nil)
	if isNotFound(resp) {
		return nil, fmt.Errorf("Workflow run not found: %d", id)
	}
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(jobs.Jobs))
	for _, job := range jobs.Jobs {
		steps := make([]map[string]any, 0, len(job.Steps))
		for _, step := range job.Steps {
			steps = append(steps, map[string]any{
				"name":       step.GetName(),
				"status":     step.GetStatus(),
				"conclusion": optional(step.Conclusion),
				"number":     step.GetNumber(),
			})
		}
		info := map[string]any{
			"id":           job.GetID(),
			"name":         job.GetName(),
			"status":       job.GetStatus(),
			"conclusion":   optional(job.Conclusion),
			"started_at":   timestamp(job.StartedAt),
			"completed_at": timestamp(job.CompletedAt),
			"steps":        steps,
		}
		if job.GetConclusion() == "failure" {
			if log, err := g.jobLog(ctx, job.GetID()); err == nil && log != "" {
				info["log_tail"] = tail(log, g.LogTailLength)
			} else if err != nil {
				g.log.Debug("job log unavailable", "job_id", job.GetID(), "error", err)
			}
		}
		out = append(out, info)
	}
	return map[string]any{"run_id": id, "total_jobs": jobs.GetTotalCount(), "jobs": out}, nil
}

// triggerWorkflow dispatches a workflow on the configured branch and waits
// for the resulting run to complete.
func (g *GitHub) triggerWorkflow(ctx context.Context, args map[string]any) (map[string]any, error) {
	name := toolkit.StringArg(args, "workflow_id", toolkit.StringArg(args, "name", ""))
	if name == "" {
		return nil, errors.New("workflow_id is required")
	}

	active, _, err := g.client.Actions.ListRepositoryWorkflowRuns(ctx, g.cfg.Owner, g.cfg.Repo, &github.ListWorkflowRunsOptions{Status: "in_progress"})
	if err != nil {
		return nil, err
	}
	if active.GetTotalCount() > 0 {
		return nil, errors.New("A workflow run is already in progress")
	}

	file, path := normalizeWorkflow(name)
	if _, _, err := g.contents(ctx, path, ""); err != nil {
		return nil, fmt.Errorf("Workflow file not found: %s", path)
	}

	// Run timestamps have second resolution.
	before := g.now().Truncate(time.Second)
	event := github.CreateWorkflowDispatchEventRequest{Ref: g.cfg.Branch}
	if inputs, ok := args["inputs"].(map[string]any); ok && len(inputs) > 0 {
		event.Inputs = inputs
	}
	if _, err := g.client.Actions.CreateWorkflowDispatchEventByFileName(ctx, g.cfg.Owner, g.cfg.Repo, file, event); err != nil {
		return nil, fmt.Errorf("Failed to trigger workflow: %w", err)
	}
	g.log.Info("workflow dispatched", "workflow", file, "ref", g.cfg.Branch)

	if err := sleep(ctx, g.DispatchDelay); err != nil {
		return nil, err
	}
	id, err := g.findRun(ctx, file, before)
	if err != nil {
		return nil, err
	}
	return g.awaitRun(ctx, id)
}

// findRun locates the first run of file created at or after since.
func (g *GitHub) findRun(ctx context.Context, file string, since time.Time) (int64, error) {
	for attempt := 0; attempt < g.FindAttempts; attempt++ {
		runs, _, err := g.client.Actions.ListWorkflowRunsByFileName(ctx, g.cfg.Owner, g.cfg.Repo, file, &github.ListWorkflowRunsOptions{
			ListOptions: github.ListOptions{PerPage: 5},
		})
		if err != nil {
			return 0, fmt.Errorf("Failed to fetch runs: %w", err)
		}
		for _, run := range runs.WorkflowRuns {
			if !run.GetCreatedAt().Time.Before(since) {
				return run.GetID(), nil
			}
		}
		if err := sleep(ctx, g.FindInterval); err != nil {
			return 0, err
		}
	}
	return 0, errors.New("Could not find the triggered workflow run")
}

// awaitRun polls run id until it completes or the workflow timeout elapses.
func (g *GitHub) awaitRun(ctx context.Context, id int64) (map[string]any, error) {
	timeout := time.Duration(g.cfg.WorkflowTimeout) * time.Second
	start := g.now()
	for g.now().Sub(start) < timeout {
		run, _, err := g.client.Actions.GetWorkflowRunByID(ctx, g.cfg.Owner, g.cfg.Repo, id)
		if err != nil {
			return nil, fmt.Errorf("Failed to check run status: %w", err)
		}
		if run.GetStatus() == "completed" {
			result := map[string]any{
				"success":          run.GetConclusion() == "success",
				"conclusion":       run.GetConclusion(),
				"status":           run.GetStatus(),
				"run_id":           id,
				"html_url":         run.GetHTMLURL(),
				"duration_seconds": int(g.now().Sub(start).Seconds()),
			}
			if run.GetConclusion() != "success" {
				result["error_details"] = g.failureDetails(ctx, id)
			}
			g.log.Info("workflow completed", "run_id", id, "conclusion", run.GetConclusion())
			return result, nil
		}
		if err := sleep(ctx, g.PollInterval); err != nil {
			return nil, err
		}
	}
	return map[string]any{
		"error":           "Workflow execution timed out",
		"success":         false,
		"run_id":          id,
		"timeout_seconds": g.cfg.WorkflowTimeout,
	}, errors.New("Workflow execution timed out")
}

// failureDetails lists the failed jobs of a run with their failed steps and
// the error blocks found in each job log.
func (g *GitHub) failureDetails(ctx context.Context, id int64) map[string]any {
	jobs, _, err := g.client.Actions.ListWorkflowJobs(ctx, g.cfg.Owner, g.cfg.Repo, id, nil)
	if err != nil {
		return map[string]any{"error": fmt.Sprintf("Failed to fetch jobs: %v", err)}
	}
	failed := make([]map[string]any, 0)
	for _, job := range jobs.Jobs {
		if !failedConclusions[job.GetConclusion()] {
			continue
		}
		steps := make([]map[string]any, 0)
		for _, step := range job.Steps {
			if failedConclusions[step.GetConclusion()] {
				steps = append(steps, map[string]any{"step_name": step.GetName(), "conclusion": step.GetConclusion()})
			}
		}
		entry := map[string]any{
			"job_name":     job.GetName(),
			"conclusion":   job.GetConclusion(),
			"html_url":     job.GetHTMLURL(),
			"failed_steps": steps,
		}
		if log, err := g.jobLog(ctx, job.GetID()); err == nil {
			entry["errors"] = ExtractErrors(log)
			entry["log_tail"] = tail(log, g.LogTailLength)
		}
		failed = append(failed, entry)
	}
	return map[string]any{"failed_jobs": failed}
}

// jobLog downloads the plain-text log of a job.
func (g *GitHub) jobLog(ctx context.Context, jobID int64) (string, error) {
	u, _, err := g.client.Actions.GetWorkflowJobLogs(ctx, g.cfg.Owner, g.cfg.Repo, jobID, maxRedirects)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download job log: HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func tail(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// ExtractErrors returns the error blocks of an Actions log: the lines that
// follow "Encountered an error:" or "##[error]" up to the next blank line,
// with timestamps and runner annotations removed.
func ExtractErrors(log string) []string {
	var (
		errs    = make([]string, 0)
		current []string
		inBlock bool
	)
	flush := func() {
		if len(current) > 0 {
			errs = append(errs, strings.Join(current, "\n"))
			current = nil
		}
	}
	for _, line := range strings.Split(log, "\n") {
		line = strings.TrimRight(line, "\r")
		if line != "" && line[0] >= '0' && line[0] <= '9' {
			if _, rest, ok := strings.Cut(line, "Z "); ok {
				line = rest
			}
		}
		if strings.Contains(line, "Encountered an error:") || strings.Contains(line, "##[error]") {
			inBlock = true
			flush()
			continue
		}
		if !inBlock || strings.HasPrefix(line, "##[") {
			continue
		}
		if strings.TrimSpace(line) == "" {
			flush()
			inBlock = false
			continue
		}
		current = append(current, strings.TrimSpace(line))
	}
	flush()
	return errs
}
