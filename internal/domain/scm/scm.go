// Package scm defines the domain model for data read from the
// source-control host: commits, reviews, workflow runs, and the
// pending deployments gated on approval.
package scm

import "time"

// User is a source-control account. ID is the stable identity;
// Login is the display handle and may be reassigned over time.
type User struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Type  string `json:"type,omitempty"`
}

// IsBot reports whether the account is a machine account.
func (u User) IsBot() bool {
	return u.Type == "Bot"
}

// Verification is the host's signature verdict for a commit.
type Verification struct {
	Verified bool   `json:"verified"`
	Reason   string `json:"reason,omitempty"`
}

// Commit is a single commit as reported by the host. Author, Committer,
// and Verification may all be absent (unsigned commits, deleted
// accounts); consumers must treat absence as "ineligible", never as an
// error.
type Commit struct {
	SHA          string        `json:"sha"`
	Author       *User         `json:"author,omitempty"`
	Committer    *User         `json:"committer,omitempty"`
	Verification *Verification `json:"verification,omitempty"`
}

// HasVerifiedSignature reports whether the host attributed a valid
// signature to this commit.
func (c Commit) HasVerifiedSignature() bool {
	return c.Verification != nil && c.Verification.Verified
}

// Review is a pull-request review. State comparisons are
// case-insensitive; SubmittedAt may be absent on synthetic payloads.
type Review struct {
	ID          int64      `json:"id"`
	User        User       `json:"user"`
	State       string     `json:"state"`
	Body        string     `json:"body,omitempty"`
	CommitID    string     `json:"commit_id"`
	HTMLURL     string     `json:"html_url,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
}

// Environment is a deployment target.
type Environment struct {
	Name string `json:"name"`
}

// PendingDeployment is one (workflow run, environment) pair waiting for
// an approval decision.
type PendingDeployment struct {
	Environment           Environment `json:"environment"`
	CurrentUserCanApprove bool        `json:"current_user_can_approve"`
	Creator               *User       `json:"creator,omitempty"`
}

// WorkflowRun is a CI run whose deployment step may be gated.
type WorkflowRun struct {
	ID         int64     `json:"id"`
	HeadSHA    string    `json:"head_sha"`
	HeadBranch string    `json:"head_branch"`
	Event      string    `json:"event"`
	CreatedAt  time.Time `json:"created_at"`
}

// IssueComment is a comment on an issue or pull request, with enough
// metadata to de-duplicate instructional comments posted by this app.
type IssueComment struct {
	Body              string    `json:"body"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	PerformedViaAppID int64     `json:"performed_via_app_id,omitempty"`
}

// Repo identifies a repository on the host.
type Repo struct {
	Owner string
	Name  string
}

// String returns the "owner/name" form used in API paths and logs.
func (r Repo) String() string {
	return r.Owner + "/" + r.Name
}
