package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/product-os/deploynaut/internal/domain"
	"github.com/product-os/deploynaut/internal/domain/scm"
	"github.com/product-os/deploynaut/internal/domain/webhook"
)

type reviewCall struct {
	runID       int64
	environment string
	state       string
	comment     string
}

// fakeClient is an in-memory scmclient.Client for flow tests.
type fakeClient struct {
	fakeMembers

	commits   map[string]*scm.Commit
	prCommits map[int][]scm.Commit
	prReviews map[int][]scm.Review
	runs      []scm.WorkflowRun
	pending   map[int64][]scm.PendingDeployment
	comments  map[int][]scm.IssueComment

	reviewErr error

	reviewed []reviewCall
	posted   []string
}

func (f *fakeClient) GetCommit(_ context.Context, _ scm.Repo, ref string) (*scm.Commit, error) {
	c, ok := f.commits[ref]
	if !ok {
		return nil, fmt.Errorf("commit %s: %w", ref, domain.ErrNotFound)
	}
	return c, nil
}

func (f *fakeClient) ListPullRequestCommits(_ context.Context, _ scm.Repo, number int) ([]scm.Commit, error) {
	return f.prCommits[number], nil
}

func (f *fakeClient) ListPullRequestReviews(_ context.Context, _ scm.Repo, number int) ([]scm.Review, error) {
	return f.prReviews[number], nil
}

func (f *fakeClient) ListPendingDeployments(_ context.Context, _ scm.Repo, runID int64) ([]scm.PendingDeployment, error) {
	return f.pending[runID], nil
}

func (f *fakeClient) ListWorkflowRuns(_ context.Context, _ scm.Repo, _, status string) ([]scm.WorkflowRun, error) {
	if status != "waiting" {
		return nil, nil
	}
	return f.runs, nil
}

func (f *fakeClient) ReviewWorkflowRun(_ context.Context, _ scm.Repo, runID int64, environment, state, comment string) error {
	if f.reviewErr != nil {
		return f.reviewErr
	}
	f.reviewed = append(f.reviewed, reviewCall{runID, environment, state, comment})
	return nil
}

func (f *fakeClient) CreateIssueComment(_ context.Context, _ scm.Repo, number int, body string) error {
	f.posted = append(f.posted, body)
	if f.comments == nil {
		f.comments = make(map[int][]scm.IssueComment)
	}
	now := time.Now()
	f.comments[number] = append(f.comments[number], scm.IssueComment{
		Body: body, CreatedAt: now, UpdatedAt: now,
	})
	return nil
}

func (f *fakeClient) ListIssueComments(_ context.Context, _ scm.Repo, number int) ([]scm.IssueComment, error) {
	return f.comments[number], nil
}

func newTestOrchestrator(client *fakeClient, cfg OrchestratorConfig) *Orchestrator {
	if cfg.TriggerToken == "" {
		cfg.TriggerToken = "/deploy"
	}
	if cfg.RunCreationWindow == 0 {
		cfg.RunCreationWindow = time.Minute
	}
	members := NewMembershipService(client, nil, 0)
	return NewOrchestrator(client, NewEvaluator(members), nil, cfg)
}

func protectionEvent(sha, ref, environment string, prs ...webhook.PullRequest) *webhook.DeploymentProtectionEvent {
	ev := &webhook.DeploymentProtectionEvent{
		Action:                "requested",
		Environment:           environment,
		Event:                 "push",
		DeploymentCallbackURL: "https://api.github.com/repos/product-os/widgets/actions/runs/42/deployment_protection_rule",
		Deployment: &webhook.Deployment{
			ID:          1,
			SHA:         sha,
			Ref:         ref,
			Environment: environment,
			Creator:     &scm.User{ID: 99, Login: "deployer"},
		},
		PullRequests: prs,
	}
	ev.Repository.Name = "widgets"
	ev.Repository.Owner.Login = "product-os"
	ev.Repository.FullName = "product-os/widgets"
	return ev
}

func TestProtectionApprovesOnOwnCommit(t *testing.T) {
	client := &fakeClient{
		commits: map[string]*scm.Commit{
			"abc": {SHA: "abc", Author: &scm.User{ID: 1, Login: "alice"}},
		},
	}
	o := newTestOrchestrator(client, OrchestratorConfig{})
	cfg := mustPolicy(t, `
approval:
  - protected-branch
approval_rules:
  - name: protected-branch
    if:
      ref_patterns: [main]
`)

	err := o.HandleDeploymentProtection(context.Background(), cfg, protectionEvent("abc", "main", "production"))
	if err != nil {
		t.Fatalf("HandleDeploymentProtection: %v", err)
	}
	if len(client.reviewed) != 1 {
		t.Fatalf("expected one approval, got %d", len(client.reviewed))
	}
	got := client.reviewed[0]
	if got.runID != 42 || got.environment != "production" || got.state != "approved" {
		t.Errorf("unexpected approval %+v", got)
	}
}

func TestProtectionBypassActor(t *testing.T) {
	client := &fakeClient{}
	o := newTestOrchestrator(client, OrchestratorConfig{BypassActors: []int64{99}})
	cfg := mustPolicy(t, `approval: []`)

	// the empty policy would deny anyone else
	err := o.HandleDeploymentProtection(context.Background(), cfg, protectionEvent("abc", "main", "production"))
	if err != nil {
		t.Fatalf("HandleDeploymentProtection: %v", err)
	}
	if len(client.reviewed) != 1 {
		t.Fatalf("expected bypass approval, got %d", len(client.reviewed))
	}
	if !strings.Contains(client.reviewed[0].comment, "deployer") {
		t.Errorf("bypass comment should name the actor, got %q", client.reviewed[0].comment)
	}
}

func TestProtectionUnsupportedEvent(t *testing.T) {
	client := &fakeClient{}
	o := newTestOrchestrator(client, OrchestratorConfig{BypassActors: []int64{99}})

	ev := protectionEvent("abc", "main", "production")
	ev.Event = "schedule"

	err := o.HandleDeploymentProtection(context.Background(), mustPolicy(t, `approval: []`), ev)
	if err != nil {
		t.Fatalf("HandleDeploymentProtection: %v", err)
	}
	if len(client.reviewed) != 0 {
		t.Error("unsupported deployment trigger must not be approved, even for bypass actors")
	}
}

func TestProtectionFirstSatisfyingPullRequestWins(t *testing.T) {
	client := &fakeClient{
		commits: map[string]*scm.Commit{
			"abc": {SHA: "abc", Author: &scm.User{ID: 1, Login: "alice"}},
		},
		prCommits: map[int][]scm.Commit{
			10: {{SHA: "abc", Author: &scm.User{ID: 1, Login: "alice"}}},
			11: {{SHA: "abc", Author: &scm.User{ID: 1, Login: "alice"}}},
		},
		prReviews: map[int][]scm.Review{
			10: {},
			11: {approvedReview(7, "reviewer", "abc")},
		},
	}
	o := newTestOrchestrator(client, OrchestratorConfig{})
	cfg := mustPolicy(t, `
approval:
  - one-approval
approval_rules:
  - name: one-approval
    requires:
      count: 1
      users: [reviewer]
`)

	ev := protectionEvent("abc", "main", "production",
		webhook.PullRequest{Number: 10}, webhook.PullRequest{Number: 11})

	err := o.HandleDeploymentProtection(context.Background(), cfg, ev)
	if err != nil {
		t.Fatalf("HandleDeploymentProtection: %v", err)
	}
	if len(client.reviewed) != 1 {
		t.Fatalf("expected one approval, got %d", len(client.reviewed))
	}
	if !strings.Contains(client.reviewed[0].comment, "#11") {
		t.Errorf("approval should credit the satisfying pull request, got %q", client.reviewed[0].comment)
	}
}

func TestProtectionPendingPostsInstructionsOnce(t *testing.T) {
	client := &fakeClient{
		commits: map[string]*scm.Commit{
			"abc": {SHA: "abc", Author: &scm.User{ID: 1, Login: "alice"}},
		},
	}
	o := newTestOrchestrator(client, OrchestratorConfig{AppID: 12345, CommentOnPending: true})
	cfg := mustPolicy(t, `
approval:
  - one-approval
approval_rules:
  - name: one-approval
    requires:
      count: 1
      users: [reviewer]
`)

	ev := protectionEvent("abc", "main", "production", webhook.PullRequest{Number: 10})
	ctx := context.Background()

	if err := o.HandleDeploymentProtection(ctx, cfg, ev); err != nil {
		t.Fatalf("HandleDeploymentProtection: %v", err)
	}
	if len(client.reviewed) != 0 {
		t.Fatal("nothing should be approved")
	}
	if len(client.posted) != 1 {
		t.Fatalf("expected one instructional comment, got %d", len(client.posted))
	}

	// redelivery with our comment already present must not repost
	client.comments[10][0].PerformedViaAppID = 12345
	if err := o.HandleDeploymentProtection(ctx, cfg, ev); err != nil {
		t.Fatalf("HandleDeploymentProtection: %v", err)
	}
	if len(client.posted) != 1 {
		t.Errorf("expected no repost, got %d comments", len(client.posted))
	}
}

func TestProtectionConflictIsBenign(t *testing.T) {
	client := &fakeClient{
		reviewErr: fmt.Errorf("422: %w", domain.ErrConflict),
	}
	o := newTestOrchestrator(client, OrchestratorConfig{BypassActors: []int64{99}})

	err := o.HandleDeploymentProtection(context.Background(), mustPolicy(t, `approval: []`), protectionEvent("abc", "main", "production"))
	if err != nil {
		t.Fatalf("an already-resolved gate must be a no-op, got %v", err)
	}
}

func reviewEvent(state, body, sha string, submitted time.Time) *webhook.ReviewSubmittedEvent {
	ev := &webhook.ReviewSubmittedEvent{
		Action: "submitted",
		Review: scm.Review{
			ID:          500,
			User:        scm.User{ID: 7, Login: "reviewer"},
			State:       state,
			Body:        body,
			CommitID:    sha,
			SubmittedAt: &submitted,
		},
	}
	ev.PullRequest.Number = 10
	ev.PullRequest.Head.SHA = sha
	ev.PullRequest.Head.Ref = "feature/x"
	ev.Repository.Name = "widgets"
	ev.Repository.Owner.Login = "product-os"
	ev.Repository.FullName = "product-os/widgets"
	return ev
}

func reviewFlowClient(sha string, runCreated time.Time) *fakeClient {
	return &fakeClient{
		commits: map[string]*scm.Commit{
			sha: {SHA: sha, Author: &scm.User{ID: 1, Login: "alice"}},
		},
		prCommits: map[int][]scm.Commit{
			10: {{SHA: sha, Author: &scm.User{ID: 1, Login: "alice"}}},
		},
		runs: []scm.WorkflowRun{
			{ID: 42, HeadSHA: sha, HeadBranch: "feature/x", Event: "pull_request", CreatedAt: runCreated},
		},
		pending: map[int64][]scm.PendingDeployment{
			42: {{Environment: scm.Environment{Name: "production"}, CurrentUserCanApprove: true}},
		},
	}
}

const reviewFlowPolicy = `
approval:
  - one-approval
approval_rules:
  - name: one-approval
    requires:
      count: 1
      users: [reviewer]
`

func TestReviewApprovesWaitingRun(t *testing.T) {
	now := time.Now()
	client := reviewFlowClient("abc", now.Add(-2*time.Minute))
	o := newTestOrchestrator(client, OrchestratorConfig{})

	err := o.HandleReviewSubmitted(context.Background(), mustPolicy(t, reviewFlowPolicy),
		reviewEvent("approved", "", "abc", now))
	if err != nil {
		t.Fatalf("HandleReviewSubmitted: %v", err)
	}
	if len(client.reviewed) != 1 {
		t.Fatalf("expected one approval, got %d", len(client.reviewed))
	}
	got := client.reviewed[0]
	if got.runID != 42 || got.environment != "production" || got.state != "approved" {
		t.Errorf("unexpected approval %+v", got)
	}
}

func TestReviewExcludesRunsInsideCreationWindow(t *testing.T) {
	now := time.Now()
	// the run appeared 30s before the review; inside the 60s window
	client := reviewFlowClient("abc", now.Add(-30*time.Second))
	o := newTestOrchestrator(client, OrchestratorConfig{})

	err := o.HandleReviewSubmitted(context.Background(), mustPolicy(t, reviewFlowPolicy),
		reviewEvent("approved", "", "abc", now))
	if err != nil {
		t.Fatalf("HandleReviewSubmitted: %v", err)
	}
	if len(client.reviewed) != 0 {
		t.Error("a run created inside the window must not inherit the review")
	}
}

func TestReviewWithoutSubmissionTimeApprovesNothing(t *testing.T) {
	client := reviewFlowClient("abc", time.Now().Add(-time.Hour))
	o := newTestOrchestrator(client, OrchestratorConfig{})

	ev := reviewEvent("approved", "", "abc", time.Now())
	ev.Review.SubmittedAt = nil

	err := o.HandleReviewSubmitted(context.Background(), mustPolicy(t, reviewFlowPolicy), ev)
	if err != nil {
		t.Fatalf("HandleReviewSubmitted: %v", err)
	}
	if len(client.reviewed) != 0 {
		t.Error("a review without a submission time must approve nothing")
	}
}

func TestReviewRunBoundToReviewedCommit(t *testing.T) {
	now := time.Now()
	client := reviewFlowClient("abc", now.Add(-2*time.Minute))
	client.runs[0].HeadSHA = "other"

	o := newTestOrchestrator(client, OrchestratorConfig{})
	err := o.HandleReviewSubmitted(context.Background(), mustPolicy(t, reviewFlowPolicy),
		reviewEvent("approved", "", "abc", now))
	if err != nil {
		t.Fatalf("HandleReviewSubmitted: %v", err)
	}
	if len(client.reviewed) != 0 {
		t.Error("a run on another head commit must not inherit the review")
	}
}

func TestReviewPullRequestTargetRunIsEligible(t *testing.T) {
	now := time.Now()
	client := reviewFlowClient("abc", now.Add(-2*time.Minute))
	client.runs[0].HeadSHA = "base-branch-sha"
	client.runs[0].Event = "pull_request_target"

	o := newTestOrchestrator(client, OrchestratorConfig{})
	err := o.HandleReviewSubmitted(context.Background(), mustPolicy(t, reviewFlowPolicy),
		reviewEvent("approved", "", "abc", now))
	if err != nil {
		t.Fatalf("HandleReviewSubmitted: %v", err)
	}
	if len(client.reviewed) != 1 {
		t.Error("pull_request_target runs are not pinned to the head commit")
	}
}

func TestReviewCommentRequiresTriggerToken(t *testing.T) {
	now := time.Now()
	policyDoc := `
approval:
  - deploy-comment
approval_rules:
  - name: deploy-comment
    requires:
      count: 1
      users: [reviewer]
    methods:
      github_review_comment_patterns: ["/^/deploy/"]
`

	t.Run("without token", func(t *testing.T) {
		client := reviewFlowClient("abc", now.Add(-2*time.Minute))
		o := newTestOrchestrator(client, OrchestratorConfig{})

		err := o.HandleReviewSubmitted(context.Background(), mustPolicy(t, policyDoc),
			reviewEvent("commented", "looks good", "abc", now))
		if err != nil {
			t.Fatalf("HandleReviewSubmitted: %v", err)
		}
		if len(client.reviewed) != 0 {
			t.Error("a comment without the trigger token must be ignored")
		}
	})

	t.Run("with token", func(t *testing.T) {
		client := reviewFlowClient("abc", now.Add(-2*time.Minute))
		o := newTestOrchestrator(client, OrchestratorConfig{})

		err := o.HandleReviewSubmitted(context.Background(), mustPolicy(t, policyDoc),
			reviewEvent("commented", "/deploy to production", "abc", now))
		if err != nil {
			t.Fatalf("HandleReviewSubmitted: %v", err)
		}
		if len(client.reviewed) != 1 {
			t.Error("a comment carrying the trigger token must be evaluated")
		}
	})
}

func TestReviewIgnoresBots(t *testing.T) {
	now := time.Now()
	client := reviewFlowClient("abc", now.Add(-2*time.Minute))
	o := newTestOrchestrator(client, OrchestratorConfig{})

	ev := reviewEvent("approved", "", "abc", now)
	ev.Review.User.Type = "Bot"

	err := o.HandleReviewSubmitted(context.Background(), mustPolicy(t, reviewFlowPolicy), ev)
	if err != nil {
		t.Fatalf("HandleReviewSubmitted: %v", err)
	}
	if len(client.reviewed) != 0 {
		t.Error("bot reviews must be ignored")
	}
}

func TestReviewIgnoresSelfReview(t *testing.T) {
	now := time.Now()
	client := reviewFlowClient("abc", now.Add(-2*time.Minute))
	// the reviewer authored the reviewed commit
	client.commits["abc"].Author.ID = 7

	o := newTestOrchestrator(client, OrchestratorConfig{})
	err := o.HandleReviewSubmitted(context.Background(), mustPolicy(t, reviewFlowPolicy),
		reviewEvent("approved", "", "abc", now))
	if err != nil {
		t.Fatalf("HandleReviewSubmitted: %v", err)
	}
	if len(client.reviewed) != 0 {
		t.Error("a self-review must approve nothing")
	}
}

func TestReviewSkipsUnapprovableEnvironments(t *testing.T) {
	now := time.Now()
	client := reviewFlowClient("abc", now.Add(-2*time.Minute))
	client.pending[42] = []scm.PendingDeployment{
		{Environment: scm.Environment{Name: "production"}, CurrentUserCanApprove: false},
		{Environment: scm.Environment{}, CurrentUserCanApprove: true},
	}

	o := newTestOrchestrator(client, OrchestratorConfig{})
	err := o.HandleReviewSubmitted(context.Background(), mustPolicy(t, reviewFlowPolicy),
		reviewEvent("approved", "", "abc", now))
	if err != nil {
		t.Fatalf("HandleReviewSubmitted: %v", err)
	}
	if len(client.reviewed) != 0 {
		t.Error("unapprovable or unnamed environments must be skipped")
	}
}
