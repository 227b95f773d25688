// Package orchestrator drives findings through the remediation lifecycle:
// patch generation, approval, publish, verification. It owns the only code
// path that transitions records, and every transition it makes is appended
// to the audit log before the record cache is updated.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/adapter"
	"github.com/fyrsmithlabs/remedyd/internal/approval"
	"github.com/fyrsmithlabs/remedyd/internal/audit"
	"github.com/fyrsmithlabs/remedyd/internal/finding"
	"github.com/fyrsmithlabs/remedyd/internal/retry"
	"github.com/fyrsmithlabs/remedyd/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/orchestrator"

// Actors recorded on system-driven audit entries.
const (
	actorSystem   = "system"
	actorDetector = "system:detector"
	actorRecovery = "system:recovery"
	actorShutdown = "system:shutdown"
)

// Config configures the orchestrator.
type Config struct {
	// Workers is the number of concurrent pipeline workers.
	// Default: 4
	Workers int

	// PollInterval is how often the work queue is rescanned.
	// Default: 2 seconds
	PollInterval time.Duration

	// QueueDepth is how many findings one scan may dispatch.
	// Default: Workers * 8
	QueueDepth int

	// StepTimeout bounds a single adapter call (generate, publish,
	// verify) so a wedged adapter cannot hold a worker and its
	// per-finding lock forever.
	// Default: 2 minutes
	StepTimeout time.Duration

	// GenerateRetry governs patch-generation attempts.
	GenerateRetry retry.Policy

	// PublishRetry governs publish attempts. Unlike generation, publish
	// attempts span Applying/Approved cycles so each one is audited.
	PublishRetry retry.Policy
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Workers:       4,
		PollInterval:  2 * time.Second,
		StepTimeout:   2 * time.Minute,
		GenerateRetry: retry.DefaultPolicy(),
		PublishRetry:  retry.DefaultPolicy(),
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = defaults.Workers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = c.Workers * 8
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = defaults.StepTimeout
	}
	c.GenerateRetry.ApplyDefaults()
	c.PublishRetry.ApplyDefaults()
}

// Orchestrator runs the remediation pipeline.
type Orchestrator struct {
	config    *Config
	store     *store.Store
	audit     *audit.Log
	gate      *approval.Gate
	generator adapter.PatchGenerator
	publisher adapter.Publisher
	verifier  adapter.Verifier // nil means applied changes verify trivially
	logger    *zap.Logger

	locks *keyedLocks

	tracer            trace.Tracer
	meter             metric.Meter
	transitionCounter metric.Int64Counter
	ingestCounter     metric.Int64Counter
	stepDuration      metric.Float64Histogram
}

// New creates an orchestrator. The verifier may be nil; everything else is
// required.
func New(cfg *Config, st *store.Store, log *audit.Log, gate *approval.Gate,
	generator adapter.PatchGenerator, publisher adapter.Publisher,
	verifier adapter.Verifier, logger *zap.Logger) (*Orchestrator, error) {

	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.ApplyDefaults()
	if st == nil {
		return nil, errors.New("store is required")
	}
	if log == nil {
		return nil, errors.New("audit log is required")
	}
	if gate == nil {
		return nil, errors.New("approval gate is required")
	}
	if generator == nil {
		return nil, errors.New("patch generator is required")
	}
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		config:    cfg,
		store:     st,
		audit:     log,
		gate:      gate,
		generator: generator,
		publisher: publisher,
		verifier:  verifier,
		logger:    logger,
		locks:     newKeyedLocks(),
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
	}
	o.initMetrics()
	return o, nil
}

func (o *Orchestrator) initMetrics() {
	var err error
	o.transitionCounter, err = o.meter.Int64Counter(
		"remedyd.orchestrator.transitions_total",
		metric.WithDescription("Total number of record state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		o.logger.Warn("failed to create transition counter", zap.Error(err))
	}
	o.ingestCounter, err = o.meter.Int64Counter(
		"remedyd.orchestrator.ingested_total",
		metric.WithDescription("Total number of findings ingested"),
		metric.WithUnit("{finding}"),
	)
	if err != nil {
		o.logger.Warn("failed to create ingest counter", zap.Error(err))
	}
	o.stepDuration, err = o.meter.Float64Histogram(
		"remedyd.orchestrator.step_duration_seconds",
		metric.WithDescription("Duration of pipeline steps"),
		metric.WithUnit("s"),
	)
	if err != nil {
		o.logger.Warn("failed to create step histogram", zap.Error(err))
	}
}

// Run polls for in-flight findings and drives them through the pipeline
// until the context is canceled. Workers take a per-finding lock, so two
// workers never operate on the same finding concurrently even when a scan
// dispatches it twice.
func (o *Orchestrator) Run(ctx context.Context) error {
	work := make(chan *finding.Finding)
	var wg sync.WaitGroup

	for i := 0; i < o.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for f := range work {
				o.runOne(ctx, f)
			}
		}()
	}

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	o.logger.Info("orchestrator started",
		zap.Int("workers", o.config.Workers),
		zap.Duration("poll_interval", o.config.PollInterval),
	)

	for {
		o.dispatch(ctx, work)
		select {
		case <-ctx.Done():
			close(work)
			wg.Wait()
			o.logger.Info("orchestrator stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// dispatch walks the whole pending backlog in batches so findings beyond
// the first batch still get a turn each tick.
func (o *Orchestrator) dispatch(ctx context.Context, work chan<- *finding.Finding) {
	after := ""
	for {
		findings, err := o.store.ListPendingAfter(ctx, after, o.config.QueueDepth)
		if err != nil {
			o.logger.Error("list pending findings", zap.Error(err))
			return
		}
		if len(findings) == 0 {
			return
		}
		for _, f := range findings {
			select {
			case work <- f:
			case <-ctx.Done():
				return
			}
		}
		if len(findings) < o.config.QueueDepth {
			return
		}
		after = findings[len(findings)-1].ID
	}
}

func (o *Orchestrator) runOne(ctx context.Context, f *finding.Finding) {
	if !o.locks.TryLock(f.ID) {
		return
	}
	defer o.locks.Unlock(f.ID)

	if err := o.Process(ctx, f); err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Error("pipeline step failed",
			zap.String("finding_id", f.ID),
			zap.Error(err),
		)
	}
}

// Process advances one finding by a single pipeline step based on its
// current record state. The poll loop calls it repeatedly; tests call it
// directly to drive a finding deterministically.
func (o *Orchestrator) Process(ctx context.Context, f *finding.Finding) error {
	rec, err := o.store.GetRecord(ctx, f.ID)
	if err != nil {
		return err
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.process",
		trace.WithAttributes(
			attribute.String("finding_id", f.ID),
			attribute.String("state", string(rec.State)),
		))
	defer span.End()

	start := time.Now()
	defer func() {
		if o.stepDuration != nil {
			o.stepDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(attribute.String("state", string(rec.State))))
		}
	}()

	switch rec.State {
	case finding.StateDetected:
		return o.stepGenerate(ctx, f, rec)
	case finding.StateAwaitingApproval:
		return o.stepApproval(ctx, f, rec)
	case finding.StateApproved:
		return o.stepPublish(ctx, f, rec)
	case finding.StateApplied:
		return o.stepVerify(ctx, f, rec)
	case finding.StatePatched, finding.StateApplying:
		// Transitional states are only observable mid-step or after a
		// crash; recovery rolls Applying back before Run starts.
		return nil
	default:
		return nil
	}
}

// stepGenerate runs the patch generator under the retry policy. The
// generation step concludes with Patched either way; what follows depends
// on whether a candidate exists.
func (o *Orchestrator) stepGenerate(ctx context.Context, f *finding.Finding, rec *finding.Record) error {
	var candidate *finding.PatchCandidate
	attempts, genErr := o.config.GenerateRetry.Do(ctx, o.logger, adapter.Retryable, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, o.config.StepTimeout)
		defer cancel()

		c, err := o.generator.Generate(callCtx, f)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return fmt.Errorf("%w: generation timed out after %s: %v",
					adapter.ErrUnavailable, o.config.StepTimeout, err)
			}
			return err
		}
		// Generators only describe the patch; binding it to the finding is
		// this step's job, and it must happen before validation.
		c.FindingID = f.ID
		if err := c.Validate(); err != nil {
			return fmt.Errorf("%w: %v", adapter.ErrNoCandidate, err)
		}
		candidate = c
		return nil
	})

	if genErr != nil {
		if errors.Is(genErr, context.Canceled) {
			return genErr
		}
		class := adapter.Classify(genErr)
		if err := o.transition(ctx, rec, finding.EventPatchGenerated, actorSystem, attempts, genErr.Error(), class); err != nil {
			return err
		}
		return o.transition(ctx, rec, finding.EventGenerationExhausted, actorSystem, attempts, genErr.Error(), class)
	}

	if err := o.store.AddCandidate(ctx, candidate); err != nil {
		return fmt.Errorf("store candidate: %w", err)
	}
	if err := o.transition(ctx, rec, finding.EventPatchGenerated, actorSystem, attempts, "", ""); err != nil {
		return err
	}
	if err := o.transition(ctx, rec, finding.EventCandidateReady, actorSystem, attempts, "", ""); err != nil {
		return err
	}

	// Request the approval up front so a reviewer is notified as soon as
	// the candidate is ready. Auto-approval resolves on the next step.
	if _, err := o.gate.Request(ctx, f, candidate); err != nil {
		return fmt.Errorf("request approval: %w", err)
	}
	return nil
}

// stepApproval checks whether the gate has a decision and applies it. An
// undecided token leaves the record where it is; approvals arrive through
// the API or auto-approval, not by the worker waiting.
func (o *Orchestrator) stepApproval(ctx context.Context, f *finding.Finding, rec *finding.Record) error {
	a, err := o.store.ApprovalForFinding(ctx, f.ID)
	if errors.Is(err, store.ErrNotFound) {
		// Crash between CandidateReady and the approval request: mint the
		// token now from the newest candidate.
		candidate, cerr := o.latestCandidate(ctx, f.ID)
		if cerr != nil {
			return cerr
		}
		_, err = o.gate.Request(ctx, f, candidate)
		return err
	}
	if err != nil {
		return err
	}
	if !a.Decided() {
		return nil
	}

	switch a.Decision.Verdict {
	case finding.VerdictApprove:
		// Approval starts a fresh publish step; the attempt counter
		// restarts with it.
		return o.transition(ctx, rec, finding.EventApproved, a.Decision.Actor, 0, "", "")
	case finding.VerdictReject:
		msg := a.Decision.Comment
		if msg == "" {
			msg = "rejected by " + a.Decision.Actor
		}
		return o.transition(ctx, rec, finding.EventRejected, a.Decision.Actor, rec.Attempts, msg, finding.ClassPermanentRejection)
	case finding.VerdictDefer:
		// Deferred stays pending until a real verdict lands.
		return nil
	default:
		return fmt.Errorf("unknown verdict %q on token %s", a.Decision.Verdict, a.Token)
	}
}

// stepPublish makes exactly one publish attempt. Each attempt is bracketed
// by Approved -> Applying -> (Applied | Approved | Failed) so the audit log
// shows every try, and an interrupted attempt rolls back to Approved
// instead of wedging in Applying.
func (o *Orchestrator) stepPublish(ctx context.Context, f *finding.Finding, rec *finding.Record) error {
	// Honor backoff between attempts without tying up a worker: skip the
	// finding until its window has elapsed.
	if rec.Attempts > 0 {
		if wait := o.config.PublishRetry.Delay(rec.Attempts); time.Since(rec.UpdatedAt) < wait {
			return nil
		}
	}

	candidate, err := o.latestCandidate(ctx, f.ID)
	if err != nil {
		return err
	}

	if err := o.transition(ctx, rec, finding.EventApplyStarted, actorSystem, rec.Attempts, "", ""); err != nil {
		return err
	}

	pubCtx, cancel := context.WithTimeout(ctx, o.config.StepTimeout)
	result, pubErr := o.publisher.Publish(pubCtx, f, candidate)
	cancel()
	if pubErr != nil && errors.Is(pubErr, context.DeadlineExceeded) && ctx.Err() == nil {
		// The per-call timeout fired while the daemon is healthy: a wedged
		// publisher, not a shutdown. Treat it like any other outage.
		pubErr = fmt.Errorf("%w: publish timed out after %s: %v",
			adapter.ErrUnavailable, o.config.StepTimeout, pubErr)
	}
	if pubErr == nil {
		attempts := rec.Attempts + 1
		if err := o.store.MarkApplied(ctx, candidate.ID, result.URL, result.Branch); err != nil {
			return fmt.Errorf("mark candidate applied: %w", err)
		}
		if err := o.transition(ctx, rec, finding.EventPublishSucceeded, actorSystem, attempts, "", ""); err != nil {
			return err
		}
		o.logger.Info("patch published",
			zap.String("finding_id", f.ID),
			zap.String("url", result.URL),
			zap.String("branch", result.Branch),
			zap.Int("attempts", attempts),
		)
		return nil
	}

	if errors.Is(pubErr, context.Canceled) || errors.Is(pubErr, context.DeadlineExceeded) {
		// Shutdown mid-publish: roll back without burning an attempt so
		// the next run retries cleanly.
		rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := o.transition(rollbackCtx, rec, finding.EventPublishRetry, actorShutdown, rec.Attempts, pubErr.Error(), finding.ClassTransient); err != nil {
			return err
		}
		return pubErr
	}

	attempts := rec.Attempts + 1
	class := adapter.Classify(pubErr)

	// A conflict means the target moved under us; one re-read and retry
	// is warranted even though conflicts are otherwise not retryable.
	retryable := adapter.Retryable(pubErr) ||
		(errors.Is(pubErr, adapter.ErrConflict) && attempts < 2)

	if retryable && attempts < o.config.PublishRetry.MaxAttempts {
		return o.transition(ctx, rec, finding.EventPublishRetry, actorSystem, attempts, pubErr.Error(), class)
	}
	return o.transition(ctx, rec, finding.EventPublishExhausted, actorSystem, attempts, pubErr.Error(), class)
}

// stepVerify runs the post-apply check. Without a verifier an applied
// change is considered verified.
func (o *Orchestrator) stepVerify(ctx context.Context, f *finding.Finding, rec *finding.Record) error {
	if o.verifier == nil {
		return o.transition(ctx, rec, finding.EventVerifyPassed, actorSystem, rec.Attempts, "", "")
	}

	candidate, err := o.appliedCandidate(ctx, f.ID)
	if err != nil {
		return err
	}

	verifyCtx, cancel := context.WithTimeout(ctx, o.config.StepTimeout)
	verr := o.verifier.Verify(verifyCtx, f, candidate, &adapter.PublishResult{
		URL:    candidate.PublishedURL,
		Branch: candidate.PublishedBranch,
	})
	cancel()
	if verr != nil && errors.Is(verr, context.DeadlineExceeded) && ctx.Err() == nil {
		verr = fmt.Errorf("%w: verification timed out after %s: %v",
			adapter.ErrUnavailable, o.config.StepTimeout, verr)
	}
	if verr == nil {
		return o.transition(ctx, rec, finding.EventVerifyPassed, actorSystem, rec.Attempts, "", "")
	}
	if errors.Is(verr, context.Canceled) {
		return verr
	}
	return o.transition(ctx, rec, finding.EventVerifyFailed, actorSystem, rec.Attempts, verr.Error(), adapter.Classify(verr))
}

// Requeue moves a failed record back to Detected. This is the only path
// that re-enters the front of the pipeline, and it requires an explicit
// actor.
func (o *Orchestrator) Requeue(ctx context.Context, findingID, actor string) error {
	if actor == "" {
		return errors.New("requeue requires an actor")
	}
	if !o.locks.TryLock(findingID) {
		return fmt.Errorf("finding %s is being processed", findingID)
	}
	defer o.locks.Unlock(findingID)

	rec, err := o.store.GetRecord(ctx, findingID)
	if err != nil {
		return err
	}
	// Requeue resets the attempt budget and clears the failure diagnosis.
	return o.transition(ctx, rec, finding.EventRequeued, actor, 0, "", "")
}

// Ingest stores a finding and, when it is new, opens its audit history
// with a creation entry in StateDetected. Duplicates return the existing
// finding's ID and leave no trace in the log.
func (o *Orchestrator) Ingest(ctx context.Context, f *finding.Finding) (*store.PutResult, error) {
	res, err := o.store.Put(ctx, f)
	if err != nil {
		return nil, err
	}
	if res.Status != store.PutCreated {
		return res, nil
	}

	if _, err := o.audit.Append(ctx, &audit.Entry{
		FindingID: res.FindingID,
		To:        finding.StateDetected,
		Actor:     actorDetector,
	}); err != nil {
		return nil, fmt.Errorf("audit ingestion: %w", err)
	}
	if o.ingestCounter != nil {
		o.ingestCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("severity", string(f.Severity)),
		))
	}
	return res, nil
}

// IngestFrom drains a detector's findings for a repository into the store.
// Returns how many findings were newly created.
func (o *Orchestrator) IngestFrom(ctx context.Context, detector adapter.Detector, repository string) (int, error) {
	findings, err := detector.Detect(ctx, repository)
	if err != nil {
		return 0, fmt.Errorf("start detection: %w", err)
	}

	created := 0
	for f := range findings {
		f := f
		res, err := o.Ingest(ctx, &f)
		if err != nil {
			o.logger.Warn("ingest finding failed",
				zap.String("repository", repository),
				zap.String("path", f.Path),
				zap.Error(err),
			)
			continue
		}
		if res.Status == store.PutCreated {
			created++
		}
	}
	return created, nil
}

// transition validates the event against the state machine, appends the
// audit entry, then updates the record cache with the same values. The
// audit append comes first: if the process dies between the two writes,
// replay reconstructs the truth and recovery overwrites the stale cache.
func (o *Orchestrator) transition(ctx context.Context, rec *finding.Record, event finding.Event, actor string, attempts int, errMsg string, class finding.Class) error {
	next, err := finding.Transition(rec.State, event)
	if err != nil {
		return err
	}

	entry := &audit.Entry{
		FindingID:  rec.FindingID,
		From:       rec.State,
		To:         next,
		Actor:      actor,
		Error:      errMsg,
		ErrorClass: class,
		Attempts:   attempts,
	}
	if _, err := o.audit.Append(ctx, entry); err != nil {
		return fmt.Errorf("audit transition: %w", err)
	}
	if err := o.store.UpdateRecord(ctx, rec.FindingID, next, attempts, errMsg, class); err != nil {
		return fmt.Errorf("update record: %w", err)
	}

	if o.transitionCounter != nil {
		o.transitionCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", string(rec.State)),
			attribute.String("to", string(next)),
			attribute.String("event", string(event)),
		))
	}
	o.logger.Info("record transitioned",
		zap.String("finding_id", rec.FindingID),
		zap.String("from", string(rec.State)),
		zap.String("to", string(next)),
		zap.String("event", string(event)),
		zap.String("actor", actor),
	)

	rec.State = next
	rec.Attempts = attempts
	rec.LastError = errMsg
	rec.LastErrorClass = class
	rec.UpdatedAt = entry.At
	return nil
}

func (o *Orchestrator) latestCandidate(ctx context.Context, findingID string) (*finding.PatchCandidate, error) {
	candidates, err := o.store.CandidatesFor(ctx, findingID)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("finding %s has no candidates: %w", findingID, store.ErrNotFound)
	}
	return candidates[0], nil
}

func (o *Orchestrator) appliedCandidate(ctx context.Context, findingID string) (*finding.PatchCandidate, error) {
	candidates, err := o.store.CandidatesFor(ctx, findingID)
	if err != nil {
		return nil, err
	}
	for _, c := range candidates {
		if c.Applied {
			return c, nil
		}
	}
	return nil, fmt.Errorf("finding %s has no applied candidate: %w", findingID, store.ErrNotFound)
}
