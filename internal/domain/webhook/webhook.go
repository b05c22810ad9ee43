// Package webhook defines the deserialized payloads of the two webhook
// deliveries this service acts on: a deployment-protection-rule request
// and a pull-request review submission.
package webhook

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/product-os/deploynaut/internal/domain/scm"
)

// Repository identifies the repository a delivery belongs to.
type Repository struct {
	Name  string `json:"name"`
	Owner struct {
		Login string `json:"login"`
	} `json:"owner"`
	FullName string `json:"full_name"`
}

// Repo converts the payload form into the domain identifier.
func (r Repository) Repo() scm.Repo {
	return scm.Repo{Owner: r.Owner.Login, Name: r.Name}
}

// Deployment is the deployment attached to a protection-rule request.
type Deployment struct {
	ID          int64     `json:"id"`
	SHA         string    `json:"sha"`
	Ref         string    `json:"ref"`
	Environment string    `json:"environment"`
	Creator     *scm.User `json:"creator,omitempty"`
}

// PullRequest is the slim pull-request reference carried by both
// payloads.
type PullRequest struct {
	Number int `json:"number"`
	Head   struct {
		SHA string `json:"sha"`
		Ref string `json:"ref"`
	} `json:"head"`
}

// DeploymentProtectionEvent is a deployment_protection_rule delivery:
// a workflow run's deployment step paused pending our decision.
type DeploymentProtectionEvent struct {
	Action                string        `json:"action"`
	Environment           string        `json:"environment"`
	Event                 string        `json:"event"`
	DeploymentCallbackURL string        `json:"deployment_callback_url"`
	Deployment            *Deployment   `json:"deployment,omitempty"`
	PullRequests          []PullRequest `json:"pull_requests,omitempty"`
	Repository            Repository    `json:"repository"`
}

var runIDPattern = regexp.MustCompile(`/actions/runs/(\d+)/`)

// RunID extracts the gated workflow run's ID from the callback URL.
func (e *DeploymentProtectionEvent) RunID() (int64, error) {
	m := runIDPattern.FindStringSubmatch(e.DeploymentCallbackURL)
	if m == nil {
		return 0, fmt.Errorf("webhook: no run id in callback url %q", e.DeploymentCallbackURL)
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("webhook: parse run id: %w", err)
	}
	return id, nil
}

// ReviewSubmittedEvent is a pull_request_review delivery with action
// "submitted".
type ReviewSubmittedEvent struct {
	Action      string      `json:"action"`
	Review      scm.Review  `json:"review"`
	PullRequest PullRequest `json:"pull_request"`
	Repository  Repository  `json:"repository"`
}
