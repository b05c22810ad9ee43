package policy

import "github.com/product-os/deploynaut/internal/domain/scm"

// Context is the per-evaluation aggregate the evaluator reads. It is
// built fresh for each evaluation from the triggering event plus host
// API reads, and is never shared across webhook deliveries.
type Context struct {
	Environment *scm.Environment
	Deployment  *Deployment
	Commits     []scm.Commit
	Reviews     []scm.Review
}

// Deployment carries the deployment under evaluation. Ref, Environment,
// and Event may be empty depending on the triggering flow.
type Deployment struct {
	Ref         string
	Environment string
	Event       string
	Commit      scm.Commit
}

// EnvironmentName returns the environment name in scope for this
// evaluation: the injected environment first, falling back to the
// deployment's own. Empty when neither is present.
func (c *Context) EnvironmentName() string {
	if c.Environment != nil && c.Environment.Name != "" {
		return c.Environment.Name
	}
	if c.Deployment != nil {
		return c.Deployment.Environment
	}
	return ""
}

// DeploymentSHA returns the commit SHA the deployment is pinned to, or
// empty when the context has no deployment.
func (c *Context) DeploymentSHA() string {
	if c.Deployment == nil {
		return ""
	}
	return c.Deployment.Commit.SHA
}
