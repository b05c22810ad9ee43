package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "deploynaut"

// Metrics holds the service's metric instruments. A nil *Metrics is
// valid and records nothing, so callers never need to guard.
type Metrics struct {
	Evaluations       metric.Int64Counter
	ApprovalsIssued   metric.Int64Counter
	ApprovalConflicts metric.Int64Counter
	CommentsPosted    metric.Int64Counter
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.Evaluations, err = meter.Int64Counter("deploynaut.evaluations",
		metric.WithDescription("Number of policy evaluations"))
	if err != nil {
		return nil, err
	}

	m.ApprovalsIssued, err = meter.Int64Counter("deploynaut.approvals.issued",
		metric.WithDescription("Number of deployment approvals posted"))
	if err != nil {
		return nil, err
	}

	m.ApprovalConflicts, err = meter.Int64Counter("deploynaut.approvals.conflicts",
		metric.WithDescription("Number of approval callbacks that found the gate already resolved"))
	if err != nil {
		return nil, err
	}

	m.CommentsPosted, err = meter.Int64Counter("deploynaut.comments.posted",
		metric.WithDescription("Number of instructional comments posted"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// AddEvaluation records one policy evaluation and its verdict.
func (m *Metrics) AddEvaluation(ctx context.Context, pass bool) {
	if m == nil {
		return
	}
	m.Evaluations.Add(ctx, 1, metric.WithAttributes(attribute.Bool("pass", pass)))
}

// AddApproval records one posted approval.
func (m *Metrics) AddApproval(ctx context.Context) {
	if m == nil {
		return
	}
	m.ApprovalsIssued.Add(ctx, 1)
}

// AddConflict records one already-resolved approval callback.
func (m *Metrics) AddConflict(ctx context.Context) {
	if m == nil {
		return
	}
	m.ApprovalConflicts.Add(ctx, 1)
}

// AddComment records one instructional comment.
func (m *Metrics) AddComment(ctx context.Context) {
	if m == nil {
		return
	}
	m.CommentsPosted.Add(ctx, 1)
}
