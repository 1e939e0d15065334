// Package github merges pull request, check, and review state into the
// hub's PR summaries and drives merge/close operations with policy gates.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	gogh "github.com/google/go-github/v68/github"

	"github.com/nerfZael/dronehub/model"
)

// Client wraps the GitHub API for pull request operations.
type Client struct {
	gh *gogh.Client
}

// NewClient creates a GitHub client authenticated with the given token.
func NewClient(token string) *Client {
	return &Client{
		gh: gogh.NewClient(nil).WithAuthToken(token),
	}
}

// ParseRemote extracts owner and repo from a github.com remote URL. Both the
// ssh form (git@github.com:owner/repo.git) and the https form are accepted;
// anything else reports ok false.
func ParseRemote(remote string) (owner, repo string, ok bool) {
	remote = strings.TrimSpace(remote)
	var rest string
	switch {
	case strings.HasPrefix(remote, "git@github.com:"):
		rest = strings.TrimPrefix(remote, "git@github.com:")
	case strings.HasPrefix(remote, "ssh://git@github.com/"):
		rest = strings.TrimPrefix(remote, "ssh://git@github.com/")
	case strings.HasPrefix(remote, "https://github.com/"):
		rest = strings.TrimPrefix(remote, "https://github.com/")
	case strings.HasPrefix(remote, "http://github.com/"):
		rest = strings.TrimPrefix(remote, "http://github.com/")
	default:
		return "", "", false
	}
	rest = strings.TrimSuffix(strings.TrimSuffix(rest, "/"), ".git")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// ListOpen returns summaries for all open pull requests, newest first as
// GitHub orders them. Each summary folds in combined commit status, check
// runs, and review decisions.
func (c *Client) ListOpen(ctx context.Context, owner, repo string) ([]model.PullRequestSummary, error) {
	prs, _, err := c.gh.PullRequests.List(ctx, owner, repo, &gogh.PullRequestListOptions{
		State:       "open",
		ListOptions: gogh.ListOptions{PerPage: 100},
	})
	if err != nil {
		return nil, mapErr("listing pull requests", err)
	}

	summaries := make([]model.PullRequestSummary, 0, len(prs))
	for _, pr := range prs {
		// The list endpoint omits mergeability; fetch the detail view.
		detail, _, err := c.gh.PullRequests.Get(ctx, owner, repo, pr.GetNumber())
		if err != nil {
			return nil, mapErr(fmt.Sprintf("loading pull request #%d", pr.GetNumber()), err)
		}
		s, err := c.buildSummary(ctx, owner, repo, detail)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

// Summary returns the current summary of one pull request.
func (c *Client) Summary(ctx context.Context, owner, repo string, number int) (model.PullRequestSummary, error) {
	pr, _, err := c.gh.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return model.PullRequestSummary{}, mapErr(fmt.Sprintf("loading pull request #%d", number), err)
	}
	return c.buildSummary(ctx, owner, repo, pr)
}

// Merge merges one pull request after re-checking the gates against live
// state. Conflicts block outright; draft or requested changes block as
// policy; pending or failing checks block unless force is set.
func (c *Client) Merge(ctx context.Context, owner, repo string, number int, method model.MergeMethod, force bool) error {
	if method == "" {
		method = model.MergeMerge
	}
	switch method {
	case model.MergeMerge, model.MergeSquash, model.MergeRebase:
	default:
		return fmt.Errorf("unknown merge method %q", method)
	}

	s, err := c.Summary(ctx, owner, repo, number)
	if err != nil {
		return err
	}
	if err := mergeGate(s, force); err != nil {
		return err
	}

	_, _, err = c.gh.PullRequests.Merge(ctx, owner, repo, number, "", &gogh.PullRequestOptions{
		MergeMethod: string(method),
	})
	if err != nil {
		return mapErr(fmt.Sprintf("merging pull request #%d", number), err)
	}
	return nil
}

// Close closes one pull request without merging.
func (c *Client) Close(ctx context.Context, owner, repo string, number int) error {
	_, _, err := c.gh.PullRequests.Edit(ctx, owner, repo, number, &gogh.PullRequest{
		State: gogh.Ptr("closed"),
	})
	if err != nil {
		return mapErr(fmt.Sprintf("closing pull request #%d", number), err)
	}
	return nil
}

// MergeAll merges the given pull requests sequentially. Gated entries are
// skipped with their blocking reason and hard failures are collected; the
// batch always runs to the end.
func (c *Client) MergeAll(ctx context.Context, owner, repo string, numbers []int, method model.MergeMethod, force bool) (model.BulkMergeResult, error) {
	var result model.BulkMergeResult
	for _, number := range numbers {
		err := c.Merge(ctx, owner, repo, number, method, force)
		switch {
		case err == nil:
			result.Merged++
		case model.IsCode(err, model.CodeBlockedConflict) || model.IsCode(err, model.CodeBlockedPolicy):
			result.Skipped = append(result.Skipped, model.SkippedPR{Number: number, Reason: model.CodeOf(err)})
		default:
			result.Failed = append(result.Failed, model.FailedPR{Number: number, Error: err.Error()})
		}
	}
	return result, nil
}

// --- summary assembly ---

func (c *Client) buildSummary(ctx context.Context, owner, repo string, pr *gogh.PullRequest) (model.PullRequestSummary, error) {
	sha := pr.GetHead().GetSHA()
	checks, err := c.checksFor(ctx, owner, repo, sha)
	if err != nil {
		return model.PullRequestSummary{}, err
	}

	reviews, _, err := c.gh.PullRequests.ListReviews(ctx, owner, repo, pr.GetNumber(), &gogh.ListOptions{PerPage: 100})
	if err != nil {
		return model.PullRequestSummary{}, mapErr(fmt.Sprintf("listing reviews for #%d", pr.GetNumber()), err)
	}

	headFull := pr.GetHead().GetRepo().GetFullName()
	baseFull := pr.GetBase().GetRepo().GetFullName()

	return model.PullRequestSummary{
		Number:            pr.GetNumber(),
		Title:             pr.GetTitle(),
		State:             pr.GetState(),
		Draft:             pr.GetDraft(),
		HTMLURL:           pr.GetHTMLURL(),
		AuthorLogin:       pr.GetUser().GetLogin(),
		BaseRefName:       pr.GetBase().GetRef(),
		HeadRefName:       pr.GetHead().GetRef(),
		IsCrossRepository: headFull != "" && headFull != baseFull,
		ChecksState:       checks,
		ReviewState:       reviewStateOf(reviews),
		HasMergeConflicts: pr.GetMergeableState() == "dirty",
	}, nil
}

// checksFor folds the commit's combined status and check runs into one
// state. Failing beats pending beats success; no signal at all is unknown.
func (c *Client) checksFor(ctx context.Context, owner, repo, sha string) (model.ChecksState, error) {
	state := model.ChecksUnknown

	combined, _, err := c.gh.Repositories.GetCombinedStatus(ctx, owner, repo, sha, &gogh.ListOptions{PerPage: 100})
	if err != nil {
		return model.ChecksUnknown, mapErr("loading combined status", err)
	}
	if combined.GetTotalCount() > 0 {
		switch combined.GetState() {
		case "success":
			state = worseChecks(state, model.ChecksSuccess)
		case "pending":
			state = worseChecks(state, model.ChecksPending)
		default:
			state = worseChecks(state, model.ChecksFailing)
		}
	}

	runs, _, err := c.gh.Checks.ListCheckRunsForRef(ctx, owner, repo, sha, &gogh.ListCheckRunsOptions{
		ListOptions: gogh.ListOptions{PerPage: 100},
	})
	if err != nil {
		return model.ChecksUnknown, mapErr("loading check runs", err)
	}
	for _, run := range runs.CheckRuns {
		if run.GetStatus() != "completed" {
			state = worseChecks(state, model.ChecksPending)
			continue
		}
		switch run.GetConclusion() {
		case "success", "neutral", "skipped":
			state = worseChecks(state, model.ChecksSuccess)
		default:
			state = worseChecks(state, model.ChecksFailing)
		}
	}
	return state, nil
}

var checksRank = map[model.ChecksState]int{
	model.ChecksUnknown: 0,
	model.ChecksSuccess: 1,
	model.ChecksPending: 2,
	model.ChecksFailing: 3,
}

func worseChecks(a, b model.ChecksState) model.ChecksState {
	if checksRank[b] > checksRank[a] {
		return b
	}
	return a
}

// reviewStateOf reduces a review history to the latest decision per
// reviewer. A dismissal clears that reviewer's vote.
func reviewStateOf(reviews []*gogh.PullRequestReview) model.ReviewState {
	latest := make(map[string]string)
	for _, rv := range reviews {
		login := rv.GetUser().GetLogin()
		if login == "" {
			continue
		}
		switch rv.GetState() {
		case "APPROVED", "CHANGES_REQUESTED":
			latest[login] = rv.GetState()
		case "DISMISSED":
			delete(latest, login)
		}
	}
	if len(latest) == 0 {
		return model.ReviewRequired
	}
	approved := false
	for _, st := range latest {
		if st == "CHANGES_REQUESTED" {
			return model.ReviewChangesRequested
		}
		if st == "APPROVED" {
			approved = true
		}
	}
	if approved {
		return model.ReviewApproved
	}
	return model.ReviewRequired
}

func mergeGate(s model.PullRequestSummary, force bool) error {
	if s.HasMergeConflicts {
		return model.E(model.CodeBlockedConflict, "pull request #%d has merge conflicts", s.Number)
	}
	if s.Draft {
		return model.E(model.CodeBlockedPolicy, "pull request #%d is a draft", s.Number)
	}
	if s.ReviewState == model.ReviewChangesRequested {
		return model.E(model.CodeBlockedPolicy, "changes requested on pull request #%d", s.Number)
	}
	if !force && (s.ChecksState == model.ChecksPending || s.ChecksState == model.ChecksFailing) {
		return model.E(model.CodeBlockedPolicy, "checks are %s on pull request #%d", s.ChecksState, s.Number)
	}
	return nil
}

// mapErr translates GitHub API failures into the hub's error taxonomy.
func mapErr(op string, err error) error {
	var ghErr *gogh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return model.E(model.CodeAuthFailure, "%s: %v", op, err)
		case http.StatusNotFound:
			return model.E(model.CodeNotFound, "%s: %v", op, err)
		default:
			return model.E(model.CodeUpstreamHTTP, "%s: %v", op, err)
		}
	}
	return model.E(model.CodeUpstreamHTTP, "%s: %v", op, err)
}
