// Package approval implements the human-in-the-loop approval gate.
//
// A patch candidate never blocks a worker on a human: requesting approval
// mints a durable token, notifies the configured sink, and returns. The
// decision arrives later through Decide (HTTP API, CLI) and is delivered to
// subscribers. Candidates that satisfy the auto-approval policy resolve
// immediately.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/adapter"
	"github.com/fyrsmithlabs/remedyd/internal/finding"
	"github.com/fyrsmithlabs/remedyd/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/approval"

// DecideResult is the outcome of a Decide call.
type DecideResult string

const (
	DecideRecorded       DecideResult = "recorded"
	DecideAlreadyDecided DecideResult = "already_decided"
)

// Policy configures auto-approval. A candidate is auto-approved when its
// confidence meets the threshold AND the finding's severity does not exceed
// the ceiling. Both conditions must hold; a critical finding with a
// confident candidate still goes to a human.
type Policy struct {
	// AutoApproveThreshold is the minimum confidence for auto-approval.
	// Zero disables auto-approval entirely.
	AutoApproveThreshold float64 `koanf:"auto_approve_threshold"`

	// AutoApproveMaxSeverity is the most severe finding the policy may
	// approve without a human.
	AutoApproveMaxSeverity finding.Severity `koanf:"auto_approve_max_severity"`
}

// Allows reports whether the policy auto-approves this candidate.
func (p Policy) Allows(f *finding.Finding, c *finding.PatchCandidate) bool {
	if p.AutoApproveThreshold <= 0 {
		return false
	}
	return c.Confidence >= p.AutoApproveThreshold && f.Severity.AtMost(p.AutoApproveMaxSeverity)
}

// Validate checks the policy is well-formed.
func (p Policy) Validate() error {
	if p.AutoApproveThreshold < 0 || p.AutoApproveThreshold > 1 {
		return fmt.Errorf("auto_approve_threshold must be between 0.0 and 1.0, got %v", p.AutoApproveThreshold)
	}
	if p.AutoApproveThreshold > 0 && !p.AutoApproveMaxSeverity.Valid() {
		return fmt.Errorf("auto_approve_max_severity is invalid: %q", p.AutoApproveMaxSeverity)
	}
	return nil
}

// Token is a pending (or auto-resolved) approval request.
type Token struct {
	ID          string `json:"id"`
	FindingID   string `json:"finding_id"`
	CandidateID string `json:"candidate_id"`

	// AutoApproved is true when policy resolved the request immediately.
	AutoApproved bool `json:"auto_approved"`
}

// Gate enforces exactly-once approval decisions per token.
type Gate struct {
	store    *store.Store
	notifier adapter.Notifier // nil disables notifications
	logger   *zap.Logger

	policyMu sync.RWMutex
	policy   Policy

	subMu       sync.Mutex
	subscribers map[string][]chan finding.Decision

	tracer          trace.Tracer
	requestCounter  metric.Int64Counter
	decisionCounter metric.Int64Counter
}

// NewGate creates the approval gate.
func NewGate(st *store.Store, notifier adapter.Notifier, policy Policy, logger *zap.Logger) (*Gate, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &Gate{
		store:       st,
		notifier:    notifier,
		policy:      policy,
		logger:      logger,
		subscribers: make(map[string][]chan finding.Decision),
		tracer:      otel.Tracer(instrumentationName),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	g.requestCounter, err = meter.Int64Counter(
		"remedyd.approval.requests_total",
		metric.WithDescription("Total number of approval requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn("failed to create request counter", zap.Error(err))
	}
	g.decisionCounter, err = meter.Int64Counter(
		"remedyd.approval.decisions_total",
		metric.WithDescription("Total number of approval decisions"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		logger.Warn("failed to create decision counter", zap.Error(err))
	}

	return g, nil
}

// Policy returns the current auto-approval policy.
func (g *Gate) Policy() Policy {
	g.policyMu.RLock()
	defer g.policyMu.RUnlock()
	return g.policy
}

// SetPolicy swaps the auto-approval policy. Invalid policies are rejected
// and the previous policy stays in force; hot reload must never leave the
// gate with a broken policy.
func (g *Gate) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	g.policyMu.Lock()
	g.policy = p
	g.policyMu.Unlock()
	g.logger.Info("approval policy updated",
		zap.Float64("auto_approve_threshold", p.AutoApproveThreshold),
		zap.String("auto_approve_max_severity", string(p.AutoApproveMaxSeverity)),
	)
	return nil
}

// Request mints an approval token for a candidate. When the auto-approval
// policy allows, the token resolves immediately with an approve decision
// attributed to the policy actor; otherwise the token is left pending and
// the notification sink is told, best-effort.
func (g *Gate) Request(ctx context.Context, f *finding.Finding, c *finding.PatchCandidate) (*Token, error) {
	ctx, span := g.tracer.Start(ctx, "approval.request")
	defer span.End()

	span.SetAttributes(
		attribute.String("finding_id", f.ID),
		attribute.String("candidate_id", c.ID),
		attribute.Float64("confidence", c.Confidence),
		attribute.String("severity", string(f.Severity)),
	)

	tok := &Token{
		ID:          uuid.New().String(),
		FindingID:   f.ID,
		CandidateID: c.ID,
	}

	approval := &store.Approval{
		Token:       tok.ID,
		FindingID:   f.ID,
		CandidateID: c.ID,
		RequestedAt: time.Now(),
	}
	if err := g.store.CreateApproval(ctx, approval); err != nil {
		return nil, fmt.Errorf("create approval token: %w", err)
	}

	policy := g.Policy()
	if policy.Allows(f, c) {
		decision := &finding.Decision{
			Verdict: finding.VerdictApprove,
			Actor:   finding.ActorAutoApprove,
			Comment: fmt.Sprintf("confidence %.2f >= %.2f, severity %s <= %s",
				c.Confidence, policy.AutoApproveThreshold,
				f.Severity, policy.AutoApproveMaxSeverity),
		}
		recorded, err := g.store.RecordDecision(ctx, tok.ID, decision)
		if err != nil {
			return nil, fmt.Errorf("record auto-approval: %w", err)
		}
		if !recorded {
			// A freshly minted token cannot have been decided.
			return nil, fmt.Errorf("auto-approval race on token %s", tok.ID)
		}
		tok.AutoApproved = true

		if g.requestCounter != nil {
			g.requestCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.Bool("auto_approved", true),
			))
		}
		g.logger.Info("candidate auto-approved",
			zap.String("finding_id", f.ID),
			zap.String("candidate_id", c.ID),
			zap.Float64("confidence", c.Confidence),
		)
		return tok, nil
	}

	if g.requestCounter != nil {
		g.requestCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("auto_approved", false),
		))
	}

	g.notify(ctx, f, c, tok, approval.RequestedAt)

	return tok, nil
}

// notify tells the notification sink about a pending approval. Failures
// are logged and dropped; the token is durable and discoverable through
// the API regardless.
func (g *Gate) notify(ctx context.Context, f *finding.Finding, c *finding.PatchCandidate, tok *Token, requestedAt time.Time) {
	if g.notifier == nil {
		return
	}
	pending := adapter.Pending{
		Token:       tok.ID,
		FindingID:   f.ID,
		CandidateID: c.ID,
		Repository:  f.Repository,
		Path:        f.Path,
		Category:    f.Category,
		Severity:    f.Severity,
		Confidence:  c.Confidence,
		RequestedAt: requestedAt,
	}
	if err := g.notifier.NotifyPending(ctx, pending); err != nil {
		g.logger.Warn("approval notification failed",
			zap.String("token", tok.ID),
			zap.Error(err))
	}
}

// Decide records a decision on a token exactly once. The second and later
// calls return DecideAlreadyDecided and leave the stored decision
// untouched.
func (g *Gate) Decide(ctx context.Context, tokenID string, d *finding.Decision) (DecideResult, error) {
	ctx, span := g.tracer.Start(ctx, "approval.decide")
	defer span.End()

	span.SetAttributes(
		attribute.String("token", tokenID),
		attribute.String("verdict", string(d.Verdict)),
	)

	recorded, err := g.store.RecordDecision(ctx, tokenID, d)
	if err != nil {
		return "", err
	}
	if !recorded {
		return DecideAlreadyDecided, nil
	}

	if g.decisionCounter != nil {
		g.decisionCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("verdict", string(d.Verdict)),
		))
	}
	g.logger.Info("approval decided",
		zap.String("token", tokenID),
		zap.String("verdict", string(d.Verdict)),
		zap.String("actor", d.Actor),
	)

	g.deliver(tokenID, *d)

	return DecideRecorded, nil
}

// Wait returns a channel that receives the token's decision. If the token
// is already decided the channel is primed immediately. The channel has
// capacity one and is never closed by the gate; callers select against
// their own context.
func (g *Gate) Wait(ctx context.Context, tokenID string) (<-chan finding.Decision, error) {
	ch := make(chan finding.Decision, 1)

	// Register before checking so a concurrent Decide cannot slip
	// between the check and the registration.
	g.subMu.Lock()
	g.subscribers[tokenID] = append(g.subscribers[tokenID], ch)
	g.subMu.Unlock()

	a, err := g.store.GetApproval(ctx, tokenID)
	if err != nil {
		g.unsubscribe(tokenID, ch)
		return nil, err
	}
	if a.Decided() {
		g.unsubscribe(tokenID, ch)
		ch <- *a.Decision
	}
	return ch, nil
}

// Pending returns all undecided tokens.
func (g *Gate) Pending(ctx context.Context) ([]*store.Approval, error) {
	return g.store.PendingApprovals(ctx)
}

// Get returns the approval for a token.
func (g *Gate) Get(ctx context.Context, tokenID string) (*store.Approval, error) {
	return g.store.GetApproval(ctx, tokenID)
}

func (g *Gate) deliver(tokenID string, d finding.Decision) {
	g.subMu.Lock()
	subs := g.subscribers[tokenID]
	delete(g.subscribers, tokenID)
	g.subMu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- d:
		default:
			// Subscriber already has a buffered decision.
		}
	}
}

func (g *Gate) unsubscribe(tokenID string, ch chan finding.Decision) {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	subs := g.subscribers[tokenID]
	for i, c := range subs {
		if c == ch {
			g.subscribers[tokenID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(g.subscribers[tokenID]) == 0 {
		delete(g.subscribers, tokenID)
	}
}
