// Package scmclient defines the source-control host client port. The
// core treats every call as fallible; retry and timeout policy belong
// to the adapter behind this interface.
package scmclient

import (
	"context"

	"github.com/product-os/deploynaut/internal/domain/scm"
)

// Client is the full capability set the approval flows consume.
//
// ReviewWorkflowRun reports domain.ErrConflict (wrapped) when the gate
// is already resolved; callers treat that as a benign no-op.
type Client interface {
	MemberLister

	// GetCommit fetches a single commit by SHA or ref.
	GetCommit(ctx context.Context, repo scm.Repo, ref string) (*scm.Commit, error)

	// ListPullRequestCommits returns all commits on a pull request.
	ListPullRequestCommits(ctx context.Context, repo scm.Repo, number int) ([]scm.Commit, error)

	// ListPullRequestReviews returns all reviews on a pull request.
	ListPullRequestReviews(ctx context.Context, repo scm.Repo, number int) ([]scm.Review, error)

	// ListPendingDeployments returns the (run, environment) pairs
	// awaiting approval for a workflow run.
	ListPendingDeployments(ctx context.Context, repo scm.Repo, runID int64) ([]scm.PendingDeployment, error)

	// ListWorkflowRuns returns workflow runs for a branch filtered by
	// status (e.g. "waiting").
	ListWorkflowRuns(ctx context.Context, repo scm.Repo, branch, status string) ([]scm.WorkflowRun, error)

	// ReviewWorkflowRun posts the protection-rule decision for one
	// run/environment pair.
	ReviewWorkflowRun(ctx context.Context, repo scm.Repo, runID int64, environment, state, comment string) error

	// CreateIssueComment posts a comment on an issue or pull request.
	CreateIssueComment(ctx context.Context, repo scm.Repo, number int, body string) error

	// ListIssueComments returns the comments on an issue or pull request.
	ListIssueComments(ctx context.Context, repo scm.Repo, number int) ([]scm.IssueComment, error)
}

// MemberLister is the narrow capability the membership resolver needs.
type MemberLister interface {
	// ListOrganizationMembers returns the members of an organization.
	ListOrganizationMembers(ctx context.Context, org string) ([]scm.User, error)

	// ListTeamMembers returns the members of a team within an organization.
	ListTeamMembers(ctx context.Context, org, slug string) ([]scm.User, error)
}
