package service

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/product-os/deploynaut/internal/domain/policy"
	"github.com/product-os/deploynaut/internal/domain/scm"
	"github.com/product-os/deploynaut/internal/pattern"
)

// Outcome is the tri-state result of evaluating one rule. Skip means
// the rule's preconditions did not apply to this context; combinators
// exclude skipped members instead of counting them as failures. A
// plain boolean cannot carry that distinction.
type Outcome int

const (
	OutcomeFail Outcome = iota
	OutcomePass
	OutcomeSkip
)

func (o Outcome) String() string {
	switch o {
	case OutcomePass:
		return "pass"
	case OutcomeSkip:
		return "skip"
	default:
		return "fail"
	}
}

// Evaluator interprets a policy document against an evaluation context.
type Evaluator struct {
	members *MembershipService
}

// NewEvaluator creates an Evaluator backed by the given membership
// resolver.
func NewEvaluator(members *MembershipService) *Evaluator {
	return &Evaluator{members: members}
}

// Evaluate returns true only when the policy's approval list passes.
// An empty approval list never approves anything; a top-level skip is
// a deny. Configuration defects (unknown rule names, malformed
// patterns) surface as errors rather than a silent deny.
func (e *Evaluator) Evaluate(ctx context.Context, cfg *policy.Config, actx *policy.Context) (bool, error) {
	if len(cfg.Approval) == 0 {
		return false, nil
	}

	outcome, err := e.evalGroup(ctx, cfg, actx, cfg.Approval, false)
	if err != nil {
		return false, err
	}
	return outcome == OutcomePass, nil
}

// evalRule dispatches on the rule's document shape.
func (e *Evaluator) evalRule(ctx context.Context, cfg *policy.Config, actx *policy.Context, rule policy.Rule) (Outcome, error) {
	switch rule.Kind {
	case policy.KindRef:
		named, ok := cfg.Rule(rule.Ref)
		if !ok {
			return OutcomeFail, &policy.RuleNotFoundError{Name: rule.Ref}
		}
		return e.evalNamed(ctx, actx, named)

	case policy.KindAnd:
		return e.evalGroup(ctx, cfg, actx, rule.And, true)

	case policy.KindOr:
		return e.evalGroup(ctx, cfg, actx, rule.Or, false)
	}

	slog.Warn("rejecting approval rule with unrecognized shape")
	return OutcomeFail, nil
}

// evalGroup reduces a rule list with AND or OR semantics. Members are
// independent reads over immutable state, so they run concurrently;
// the reduction itself is pure. Skipped members are discarded, and a
// group whose members all skipped is itself a skip.
func (e *Evaluator) evalGroup(ctx context.Context, cfg *policy.Config, actx *policy.Context, rules []policy.Rule, all bool) (Outcome, error) {
	if len(rules) == 0 {
		return OutcomeSkip, nil
	}

	outcomes := make([]Outcome, len(rules))
	g, gctx := errgroup.WithContext(ctx)
	for i, rule := range rules {
		g.Go(func() error {
			o, err := e.evalRule(gctx, cfg, actx, rule)
			outcomes[i] = o
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return OutcomeFail, err
	}

	return reduce(outcomes, all), nil
}

// reduce folds member outcomes: with all set the group passes only if
// every non-skipped member passed (AND), otherwise one pass suffices
// (OR).
func reduce(outcomes []Outcome, all bool) Outcome {
	considered := 0
	passed := 0
	for _, o := range outcomes {
		if o == OutcomeSkip {
			continue
		}
		considered++
		if o == OutcomePass {
			passed++
		}
	}

	if considered == 0 {
		return OutcomeSkip
	}
	if all {
		if passed == considered {
			return OutcomePass
		}
		return OutcomeFail
	}
	if passed > 0 {
		return OutcomePass
	}
	return OutcomeFail
}

// evalNamed evaluates one named rule: skip when its conditions do not
// apply, pass on conditions alone when there is no requirement, and
// otherwise pass or fail on the requirement (never skip).
func (e *Evaluator) evalNamed(ctx context.Context, actx *policy.Context, rule *policy.NamedRule) (Outcome, error) {
	if rule.If != nil {
		applies, err := e.conditionsMet(ctx, actx, rule.If)
		if err != nil {
			return OutcomeFail, err
		}
		if !applies {
			return OutcomeSkip, nil
		}
	}

	if rule.Requires == nil || rule.Requires.Count < 1 {
		return OutcomePass, nil
	}

	met, err := e.requirementMet(ctx, actx, rule.Requires, rule.Methods)
	if err != nil {
		return OutcomeFail, err
	}
	if met {
		return OutcomePass, nil
	}
	return OutcomeFail, nil
}

// conditionsMet AND-combines every present sub-condition. Conditions
// are two-valued; only the enclosing named rule turns a false here
// into a skip.
func (e *Evaluator) conditionsMet(ctx context.Context, actx *policy.Context, cond *policy.Condition) (bool, error) {
	if len(cond.RefPatterns) > 0 {
		ref := ""
		if actx.Deployment != nil {
			ref = actx.Deployment.Ref
		}
		if ref == "" {
			return false, nil
		}
		ok, err := pattern.MatchAny(ref, cond.RefPatterns)
		if err != nil || !ok {
			return false, err
		}
	}

	if cond.Environment != nil {
		if !environmentMatches(actx.EnvironmentName(), cond.Environment) {
			return false, nil
		}
	}

	if cond.HasValidSignaturesBy != nil {
		ok, err := e.allSignedBy(ctx, actx.Commits, cond.HasValidSignaturesBy)
		if err != nil || !ok {
			return false, err
		}
	}

	if cond.OnlyHasContributorsIn != nil {
		ok, err := e.allContributedBy(ctx, actx.Commits, cond.OnlyHasContributorsIn)
		if err != nil || !ok {
			return false, err
		}
	}

	return true, nil
}

func environmentMatches(name string, cond *policy.EnvironmentCondition) bool {
	if name == "" {
		return false
	}
	for _, deny := range cond.NotMatches {
		if strings.EqualFold(deny, name) {
			return false
		}
	}
	if cond.Matches != nil && !containsFold(cond.Matches, name) {
		return false
	}
	return true
}

// allSignedBy requires every commit to carry a host-verified signature
// attributed to an authorized committer. An empty commit list fails:
// the condition must never hold vacuously.
func (e *Evaluator) allSignedBy(ctx context.Context, commits []scm.Commit, set *policy.Principals) (bool, error) {
	if len(commits) == 0 {
		return false, nil
	}
	for _, c := range commits {
		if !c.HasVerifiedSignature() || c.Committer == nil {
			return false, nil
		}
		if !e.members.IsAuthorized(ctx, c.Committer.Login, set.Users, set.Organizations, set.Teams) {
			return false, nil
		}
	}
	return true, nil
}

// allContributedBy requires every commit's author and committer to be
// authorized. Absent identities are the empty login and never
// authorized.
func (e *Evaluator) allContributedBy(ctx context.Context, commits []scm.Commit, set *policy.Principals) (bool, error) {
	if len(commits) == 0 {
		return false, nil
	}
	for _, c := range commits {
		author := ""
		if c.Author != nil {
			author = c.Author.Login
		}
		committer := ""
		if c.Committer != nil {
			committer = c.Committer.Login
		}
		if !e.members.IsAuthorized(ctx, author, set.Users, set.Organizations, set.Teams) {
			return false, nil
		}
		if !e.members.IsAuthorized(ctx, committer, set.Users, set.Organizations, set.Teams) {
			return false, nil
		}
	}
	return true, nil
}

// requirementMet counts valid, authorized reviews against the required
// minimum. Reviews are distinct by review identity, not by reviewer:
// two independently valid reviews from the same person both count.
// That mirrors the host-side behavior (an explicit re-approval after a
// rebase is a second review) and is deliberately not deduplicated.
func (e *Evaluator) requirementMet(ctx context.Context, actx *policy.Context, req *policy.Requirement, methods *policy.Methods) (bool, error) {
	deploySHA := actx.DeploymentSHA()

	count := 0
	for i := range actx.Reviews {
		review := &actx.Reviews[i]

		if deploySHA != "" && review.CommitID != deploySHA {
			continue
		}
		// self-approval is never valid, against any commit in context
		if reviewerWroteCommit(actx.Commits, review.User.ID) {
			continue
		}

		valid, err := reviewCounts(review, methods)
		if err != nil {
			return false, err
		}
		if !valid {
			continue
		}

		if !e.members.IsAuthorized(ctx, review.User.Login, req.Users, req.Organizations, req.Teams) {
			continue
		}

		count++
		if count >= req.Count {
			return true, nil
		}
	}
	return count >= req.Count, nil
}

// reviewCounts applies the approval methods to a single review.
func reviewCounts(review *scm.Review, methods *policy.Methods) (bool, error) {
	switch strings.ToLower(review.State) {
	case "approved":
		return methods.ReviewEnabled(), nil
	case "commented":
		patterns := methods.CommentPatterns()
		if len(patterns) == 0 || review.Body == "" {
			return false, nil
		}
		return pattern.MatchAny(review.Body, patterns)
	}
	return false, nil
}

// reviewerWroteCommit reports whether the reviewer authored or
// committed any commit in the list.
func reviewerWroteCommit(commits []scm.Commit, reviewerID int64) bool {
	for _, c := range commits {
		if c.Author != nil && c.Author.ID == reviewerID {
			return true
		}
		if c.Committer != nil && c.Committer.ID == reviewerID {
			return true
		}
	}
	return false
}
