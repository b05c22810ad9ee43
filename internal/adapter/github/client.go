// Package github implements the scmclient port against the GitHub REST
// API. All calls are read-only except ReviewWorkflowRun and
// CreateIssueComment.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/product-os/deploynaut/internal/domain"
	"github.com/product-os/deploynaut/internal/domain/scm"
	"github.com/product-os/deploynaut/internal/resilience"
)

// maxPageSize caps list responses; the flows here never need more than
// one page of commits, reviews, or members per call.
const maxPageSize = 100

// APIError is a non-2xx response that is neither a 404 nor a 422.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: API error %d: %s", e.Status, e.Body)
}

// Client talks to the GitHub REST API.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates a GitHub API client. baseURL has no trailing slash,
// e.g. "https://api.github.com".
func NewClient(baseURL string, tokens TokenSource) *Client {
	return &Client{
		baseURL: baseURL,
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing calls. Only
// transport errors and 5xx responses count as breaker failures.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// apiUser is the wire shape of an account.
type apiUser struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Type  string `json:"type"`
}

func (u *apiUser) domain() *scm.User {
	if u == nil {
		return nil
	}
	return &scm.User{ID: u.ID, Login: u.Login, Type: u.Type}
}

// apiCommit mirrors the commit resource: identity fields at the top
// level, signature verification nested under "commit".
type apiCommit struct {
	SHA       string   `json:"sha"`
	Author    *apiUser `json:"author"`
	Committer *apiUser `json:"committer"`
	Commit    struct {
		Verification *scm.Verification `json:"verification"`
	} `json:"commit"`
}

func (a *apiCommit) domain() scm.Commit {
	return scm.Commit{
		SHA:          a.SHA,
		Author:       a.Author.domain(),
		Committer:    a.Committer.domain(),
		Verification: a.Commit.Verification,
	}
}

// GetCommit fetches a single commit by SHA or ref.
func (c *Client) GetCommit(ctx context.Context, repo scm.Repo, ref string) (*scm.Commit, error) {
	path := fmt.Sprintf("/repos/%s/%s/commits/%s", repo.Owner, repo.Name, url.PathEscape(ref))
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("get commit %s: %w", ref, err)
	}

	var raw apiCommit
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse commit %s: %w", ref, err)
	}
	commit := raw.domain()
	return &commit, nil
}

// ListPullRequestCommits returns all commits on a pull request.
func (c *Client) ListPullRequestCommits(ctx context.Context, repo scm.Repo, number int) ([]scm.Commit, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/commits?per_page=%d", repo.Owner, repo.Name, number, maxPageSize)
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("list pr %d commits: %w", number, err)
	}

	var raw []apiCommit
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse pr %d commits: %w", number, err)
	}
	commits := make([]scm.Commit, 0, len(raw))
	for i := range raw {
		commits = append(commits, raw[i].domain())
	}
	return commits, nil
}

// ListPullRequestReviews returns all reviews on a pull request.
func (c *Client) ListPullRequestReviews(ctx context.Context, repo scm.Repo, number int) ([]scm.Review, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/reviews?per_page=%d", repo.Owner, repo.Name, number, maxPageSize)
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("list pr %d reviews: %w", number, err)
	}

	var reviews []scm.Review
	if err := json.Unmarshal(data, &reviews); err != nil {
		return nil, fmt.Errorf("parse pr %d reviews: %w", number, err)
	}
	return reviews, nil
}

// ListPendingDeployments returns the environments of a workflow run
// still waiting on approval.
func (c *Client) ListPendingDeployments(ctx context.Context, repo scm.Repo, runID int64) ([]scm.PendingDeployment, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d/pending_deployments", repo.Owner, repo.Name, runID)
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("list pending deployments for run %d: %w", runID, err)
	}

	var pending []scm.PendingDeployment
	if err := json.Unmarshal(data, &pending); err != nil {
		return nil, fmt.Errorf("parse pending deployments for run %d: %w", runID, err)
	}
	return pending, nil
}

// ListWorkflowRuns returns workflow runs on a branch filtered by status.
func (c *Client) ListWorkflowRuns(ctx context.Context, repo scm.Repo, branch, status string) ([]scm.WorkflowRun, error) {
	q := url.Values{}
	q.Set("branch", branch)
	q.Set("status", status)
	q.Set("per_page", strconv.Itoa(maxPageSize))
	path := fmt.Sprintf("/repos/%s/%s/actions/runs?%s", repo.Owner, repo.Name, q.Encode())

	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("list workflow runs for %s: %w", branch, err)
	}

	var result struct {
		WorkflowRuns []scm.WorkflowRun `json:"workflow_runs"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("parse workflow runs for %s: %w", branch, err)
	}
	return result.WorkflowRuns, nil
}

// ReviewWorkflowRun posts the protection-rule decision for one
// run/environment pair. An already-resolved gate surfaces as
// domain.ErrConflict.
func (c *Client) ReviewWorkflowRun(ctx context.Context, repo scm.Repo, runID int64, environment, state, comment string) error {
	body, err := json.Marshal(map[string]string{
		"environment_name": environment,
		"state":            state,
		"comment":          comment,
	})
	if err != nil {
		return fmt.Errorf("marshal review for run %d: %w", runID, err)
	}

	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d/deployment_protection_rule", repo.Owner, repo.Name, runID)
	if _, err := c.do(ctx, http.MethodPost, path, body); err != nil {
		return fmt.Errorf("review run %d environment %s: %w", runID, environment, err)
	}
	return nil
}

// ListOrganizationMembers returns the members of an organization.
func (c *Client) ListOrganizationMembers(ctx context.Context, org string) ([]scm.User, error) {
	path := fmt.Sprintf("/orgs/%s/members?per_page=%d", url.PathEscape(org), maxPageSize)
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("list members of %s: %w", org, err)
	}

	var members []scm.User
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, fmt.Errorf("parse members of %s: %w", org, err)
	}
	return members, nil
}

// ListTeamMembers returns the members of a team within an organization.
func (c *Client) ListTeamMembers(ctx context.Context, org, slug string) ([]scm.User, error) {
	path := fmt.Sprintf("/orgs/%s/teams/%s/members?per_page=%d",
		url.PathEscape(org), url.PathEscape(slug), maxPageSize)
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("list members of %s/%s: %w", org, slug, err)
	}

	var members []scm.User
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, fmt.Errorf("parse members of %s/%s: %w", org, slug, err)
	}
	return members, nil
}

// CreateIssueComment posts a comment on an issue or pull request.
func (c *Client) CreateIssueComment(ctx context.Context, repo scm.Repo, number int, body string) error {
	payload, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		return fmt.Errorf("marshal comment: %w", err)
	}

	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", repo.Owner, repo.Name, number)
	if _, err := c.do(ctx, http.MethodPost, path, payload); err != nil {
		return fmt.Errorf("create comment on #%d: %w", number, err)
	}
	return nil
}

// apiIssueComment lifts the posting app's ID out of its nested object.
type apiIssueComment struct {
	Body                  string    `json:"body"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
	PerformedViaGithubApp *struct {
		ID int64 `json:"id"`
	} `json:"performed_via_github_app"`
}

// ListIssueComments returns the comments on an issue or pull request.
func (c *Client) ListIssueComments(ctx context.Context, repo scm.Repo, number int) ([]scm.IssueComment, error) {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments?per_page=%d", repo.Owner, repo.Name, number, maxPageSize)
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("list comments on #%d: %w", number, err)
	}

	var raw []apiIssueComment
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse comments on #%d: %w", number, err)
	}

	comments := make([]scm.IssueComment, 0, len(raw))
	for _, rc := range raw {
		comment := scm.IssueComment{
			Body:      rc.Body,
			CreatedAt: rc.CreatedAt,
			UpdatedAt: rc.UpdatedAt,
		}
		if rc.PerformedViaGithubApp != nil {
			comment.PerformedViaAppID = rc.PerformedViaGithubApp.ID
		}
		comments = append(comments, comment)
	}
	return comments, nil
}

// do performs one API request. The breaker only sees transport errors
// and 5xx responses; expected client errors (404, 422) pass through it
// so routine conflicts cannot trip the circuit.
func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var (
		data   []byte
		status int
	)

	call := func() error {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("token: %w", err)
		}

		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("Authorization", "Bearer "+token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		status = resp.StatusCode
		if status >= 500 {
			return &APIError{Status: status, Body: truncate(data)}
		}
		return nil
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Do(call)
	} else {
		err = call()
	}
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusNotFound:
		return nil, domain.ErrNotFound
	case status == http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("%w: %s", domain.ErrConflict, truncate(data))
	case status >= 400:
		return nil, &APIError{Status: status, Body: truncate(data)}
	}
	return data, nil
}

func truncate(data []byte) string {
	const limit = 512
	if len(data) > limit {
		return string(data[:limit]) + "..."
	}
	return string(data)
}
