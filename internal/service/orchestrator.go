package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/product-os/deploynaut/internal/adapter/otel"
	"github.com/product-os/deploynaut/internal/domain"
	"github.com/product-os/deploynaut/internal/domain/policy"
	"github.com/product-os/deploynaut/internal/domain/scm"
	"github.com/product-os/deploynaut/internal/domain/webhook"
	"github.com/product-os/deploynaut/internal/port/scmclient"
)

// deployment trigger kinds a protection-rule request may carry.
var supportedEvents = map[string]bool{
	"pull_request":        true,
	"pull_request_target": true,
	"push":                true,
	"workflow_dispatch":   true,
}

// OrchestratorConfig carries the flow knobs, read once at startup.
type OrchestratorConfig struct {
	// TriggerToken gates commented reviews in the review-submitted
	// flow.
	TriggerToken string

	// RunCreationWindow is the minimum head start a waiting workflow
	// run must have on the review that would approve it.
	RunCreationWindow time.Duration

	// BypassActors approve their own deployments without evaluation.
	BypassActors []int64

	// AppID identifies our own instructional comments for
	// de-duplication.
	AppID int64

	// CommentOnPending enables the instructional comment.
	CommentOnPending bool
}

// Orchestrator drives the two approval flows: it assembles evaluation
// context from event payloads and fresh host reads, runs the policy
// evaluator, and issues the approval callback at most once per
// (run, environment) pair.
type Orchestrator struct {
	client       scmclient.Client
	eval         *Evaluator
	metrics      *otel.Metrics
	trigger      string
	window       time.Duration
	bypassActors map[int64]struct{}
	appID        int64
	comment      bool
}

// NewOrchestrator creates an Orchestrator. metrics may be nil.
func NewOrchestrator(client scmclient.Client, eval *Evaluator, metrics *otel.Metrics, cfg OrchestratorConfig) *Orchestrator {
	bypass := make(map[int64]struct{}, len(cfg.BypassActors))
	for _, id := range cfg.BypassActors {
		bypass[id] = struct{}{}
	}
	return &Orchestrator{
		client:       client,
		eval:         eval,
		metrics:      metrics,
		trigger:      cfg.TriggerToken,
		window:       cfg.RunCreationWindow,
		bypassActors: bypass,
		appID:        cfg.AppID,
		comment:      cfg.CommentOnPending,
	}
}

// HandleDeploymentProtection processes a deployment_protection_rule
// delivery. It approves immediately when the deployment's own commit
// satisfies policy, otherwise walks the associated pull requests in
// order and approves on the first whose context passes. A deployment
// nothing approves stays pending, optionally with an instructional
// comment.
func (o *Orchestrator) HandleDeploymentProtection(ctx context.Context, cfg *policy.Config, ev *webhook.DeploymentProtectionEvent) error {
	log := slog.With("flow", "deployment_protection", "repo", ev.Repository.FullName, "environment", ev.Environment)

	if ev.Environment == "" || ev.Deployment == nil || ev.Event == "" {
		log.Debug("ignoring malformed protection request")
		return nil
	}
	if !supportedEvents[ev.Event] {
		log.Debug("ignoring unsupported deployment trigger", "event", ev.Event)
		return nil
	}

	runID, err := ev.RunID()
	if err != nil {
		return err
	}
	repo := ev.Repository.Repo()
	log = log.With("run_id", runID, "sha", ev.Deployment.SHA)

	if ev.Deployment.Creator != nil {
		if _, ok := o.bypassActors[ev.Deployment.Creator.ID]; ok {
			log.Info("bypass actor deployment; approving without evaluation",
				"creator", ev.Deployment.Creator.Login)
			return o.approve(ctx, repo, runID, ev.Environment,
				fmt.Sprintf("deployment created by bypass actor %s", ev.Deployment.Creator.Login))
		}
	}

	commit, err := o.client.GetCommit(ctx, repo, ev.Deployment.SHA)
	if err != nil {
		return fmt.Errorf("fetch deployment commit: %w", err)
	}

	// fast path: the deployment's own commit can satisfy a policy whose
	// rules are condition-only (protected branches, trusted authors)
	actx := &policy.Context{
		Environment: &scm.Environment{Name: ev.Environment},
		Deployment: &policy.Deployment{
			Ref:         ev.Deployment.Ref,
			Environment: ev.Deployment.Environment,
			Event:       ev.Event,
			Commit:      *commit,
		},
		Commits: []scm.Commit{*commit},
	}

	pass, err := o.evaluate(ctx, cfg, actx)
	if err != nil {
		return err
	}
	if pass {
		log.Info("deployment approved on its own commit")
		return o.approve(ctx, repo, runID, ev.Environment, "approved by deployment policy")
	}

	// pull requests are tried in order and the first satisfying one
	// approves the deployment as a whole
	for _, pr := range ev.PullRequests {
		pass, err := o.evaluatePullRequest(ctx, cfg, ev, repo, commit, pr)
		if err != nil {
			return err
		}
		if pass {
			log.Info("deployment approved via pull request", "pr", pr.Number)
			return o.approve(ctx, repo, runID, ev.Environment,
				fmt.Sprintf("approved by deployment policy via #%d", pr.Number))
		}
	}

	log.Info("deployment left pending; no rule satisfied")
	if o.comment && len(ev.PullRequests) > 0 {
		if err := o.postInstructions(ctx, repo, ev.PullRequests[0].Number); err != nil {
			// the comment is advisory; a failure must not fail the delivery
			log.Warn("failed to post instructional comment", "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) evaluatePullRequest(ctx context.Context, cfg *policy.Config, ev *webhook.DeploymentProtectionEvent, repo scm.Repo, commit *scm.Commit, pr webhook.PullRequest) (bool, error) {
	reviews, err := o.client.ListPullRequestReviews(ctx, repo, pr.Number)
	if err != nil {
		return false, fmt.Errorf("list reviews for #%d: %w", pr.Number, err)
	}
	commits, err := o.client.ListPullRequestCommits(ctx, repo, pr.Number)
	if err != nil {
		return false, fmt.Errorf("list commits for #%d: %w", pr.Number, err)
	}

	actx := &policy.Context{
		Environment: &scm.Environment{Name: ev.Environment},
		Deployment: &policy.Deployment{
			Ref:         ev.Deployment.Ref,
			Environment: ev.Deployment.Environment,
			Event:       ev.Event,
			Commit:      *commit,
		},
		Commits: commits,
		Reviews: reviews,
	}
	return o.evaluate(ctx, cfg, actx)
}

// HandleReviewSubmitted processes a pull_request_review delivery: it
// finds the waiting workflow runs the review can unblock, applies the
// run-creation window, and approves every pending environment whose
// policy the review satisfies.
func (o *Orchestrator) HandleReviewSubmitted(ctx context.Context, cfg *policy.Config, ev *webhook.ReviewSubmittedEvent) error {
	log := slog.With("flow", "review_submitted", "repo", ev.Repository.FullName,
		"pr", ev.PullRequest.Number, "reviewer", ev.Review.User.Login)

	state := strings.ToLower(ev.Review.State)
	switch state {
	case "approved":
	case "commented":
		if !strings.HasPrefix(strings.TrimSpace(ev.Review.Body), o.trigger) {
			log.Debug("comment does not carry trigger token; ignoring")
			return nil
		}
	default:
		log.Debug("ignoring review state", "state", ev.Review.State)
		return nil
	}

	if ev.Review.User.IsBot() {
		log.Debug("ignoring bot review")
		return nil
	}

	repo := ev.Repository.Repo()

	commit, err := o.client.GetCommit(ctx, repo, ev.Review.CommitID)
	if err != nil {
		return fmt.Errorf("fetch reviewed commit: %w", err)
	}
	if reviewerWroteCommit([]scm.Commit{*commit}, ev.Review.User.ID) {
		log.Info("reviewer authored the reviewed commit; ignoring self-review")
		return nil
	}

	runs, err := o.client.ListWorkflowRuns(ctx, repo, ev.PullRequest.Head.Ref, "waiting")
	if err != nil {
		return fmt.Errorf("list waiting runs: %w", err)
	}

	candidates := o.filterRuns(runs, &ev.Review, log)
	if len(candidates) == 0 {
		log.Debug("no eligible waiting runs for review")
		return nil
	}

	commits, err := o.client.ListPullRequestCommits(ctx, repo, ev.PullRequest.Number)
	if err != nil {
		return fmt.Errorf("list pr commits: %w", err)
	}

	var firstErr error
	for _, run := range candidates {
		if err := o.approveRunEnvironments(ctx, cfg, repo, run, commits, ev.Review); err != nil {
			log.Error("approval aborted for run", "run_id", run.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// filterRuns keeps the waiting runs the review may legitimately
// unblock. A run qualifies when it is pinned to the reviewed commit
// (or triggered by pull_request_target, whose runs are not tied 1:1 to
// a head SHA) and predates the review by at least the configured
// window. A review with no submission time approves nothing: the
// window cannot be established, so fail closed.
func (o *Orchestrator) filterRuns(runs []scm.WorkflowRun, review *scm.Review, log *slog.Logger) []scm.WorkflowRun {
	if review.SubmittedAt == nil {
		log.Warn("review has no submission time; excluding all runs")
		return nil
	}

	var kept []scm.WorkflowRun
	for _, run := range runs {
		if run.HeadSHA != review.CommitID && run.Event != "pull_request_target" {
			continue
		}
		// a run created just before (or after) the review could be an
		// attacker racing a stale approval onto fresh code
		if !run.CreatedAt.Add(o.window).Before(*review.SubmittedAt) {
			log.Info("excluding run inside the creation window",
				"run_id", run.ID, "run_created_at", run.CreatedAt,
				"review_submitted_at", *review.SubmittedAt)
			continue
		}
		kept = append(kept, run)
	}
	return kept
}

// approveRunEnvironments evaluates the policy once per pending
// environment of one run and posts an approval for each pass. An
// already-resolved gate is a benign race; any other callback failure
// aborts the remaining environments of this run.
func (o *Orchestrator) approveRunEnvironments(ctx context.Context, cfg *policy.Config, repo scm.Repo, run scm.WorkflowRun, commits []scm.Commit, review scm.Review) error {
	pending, err := o.client.ListPendingDeployments(ctx, repo, run.ID)
	if err != nil {
		return fmt.Errorf("list pending deployments: %w", err)
	}

	for _, pd := range pending {
		if !pd.CurrentUserCanApprove || pd.Environment.Name == "" {
			continue
		}

		actx := &policy.Context{
			Environment: &scm.Environment{Name: pd.Environment.Name},
			Commits:     commits,
			Reviews:     []scm.Review{review},
		}
		pass, err := o.evaluate(ctx, cfg, actx)
		if err != nil {
			return err
		}
		if !pass {
			continue
		}

		comment := fmt.Sprintf("approved by deployment policy on review by %s", review.User.Login)
		if err := o.approve(ctx, repo, run.ID, pd.Environment.Name, comment); err != nil {
			return err
		}
	}
	return nil
}

// approve posts the approval callback. A conflict means another path
// already resolved the gate; that is the expected shape of the
// at-most-once guarantee, not an error.
func (o *Orchestrator) approve(ctx context.Context, repo scm.Repo, runID int64, environment, comment string) error {
	err := o.client.ReviewWorkflowRun(ctx, repo, runID, environment, "approved", comment)
	if errors.Is(err, domain.ErrConflict) {
		slog.Info("approval already resolved; treating as no-op",
			"run_id", runID, "environment", environment)
		o.metrics.AddConflict(ctx)
		return nil
	}
	if err != nil {
		return err
	}

	slog.Info("deployment approved", "run_id", runID, "environment", environment)
	o.metrics.AddApproval(ctx)
	return nil
}

func (o *Orchestrator) evaluate(ctx context.Context, cfg *policy.Config, actx *policy.Context) (bool, error) {
	ctx, span := otel.StartEvaluationSpan(ctx, actx.EnvironmentName())
	defer span.End()

	pass, err := o.eval.Evaluate(ctx, cfg, actx)
	o.metrics.AddEvaluation(ctx, pass && err == nil)
	return pass, err
}

// instructionsBody is the comment posted on a pull request whose
// deployment stays pending.
func (o *Orchestrator) instructionsBody() string {
	return fmt.Sprintf("This deployment is waiting for approval. "+
		"A maintainer can approve it by submitting an approving review, "+
		"or by commenting `%s` on this pull request.", o.trigger)
}

// postInstructions posts the instructional comment at most once per
// pull request: an existing comment with the same body, posted by this
// app and never edited, suppresses reposting.
func (o *Orchestrator) postInstructions(ctx context.Context, repo scm.Repo, number int) error {
	body := o.instructionsBody()

	existing, err := o.client.ListIssueComments(ctx, repo, number)
	if err != nil {
		return fmt.Errorf("list comments: %w", err)
	}
	for _, c := range existing {
		if c.Body == body && c.PerformedViaAppID == o.appID && c.CreatedAt.Equal(c.UpdatedAt) {
			return nil
		}
	}

	if err := o.client.CreateIssueComment(ctx, repo, number, body); err != nil {
		return fmt.Errorf("create comment: %w", err)
	}
	o.metrics.AddComment(ctx)
	return nil
}
