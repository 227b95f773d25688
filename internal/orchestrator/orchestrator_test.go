package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/adapter"
	"github.com/fyrsmithlabs/remedyd/internal/approval"
	"github.com/fyrsmithlabs/remedyd/internal/audit"
	"github.com/fyrsmithlabs/remedyd/internal/finding"
	"github.com/fyrsmithlabs/remedyd/internal/retry"
	"github.com/fyrsmithlabs/remedyd/internal/store"
)

// mockGenerator returns queued results, then repeats the last one.
type mockGenerator struct {
	mu      sync.Mutex
	calls   int
	results []func() (*finding.PatchCandidate, error)
}

func (m *mockGenerator) Generate(ctx context.Context, f *finding.Finding) (*finding.PatchCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	if i >= len(m.results) {
		i = len(m.results) - 1
	}
	m.calls++
	return m.results[i]()
}

func (m *mockGenerator) queue(fn func() (*finding.PatchCandidate, error)) {
	m.results = append(m.results, fn)
}

func okGenerator(confidence float64) *mockGenerator {
	return &mockGenerator{results: []func() (*finding.PatchCandidate, error){
		func() (*finding.PatchCandidate, error) {
			return &finding.PatchCandidate{Diff: []byte("--- fix\n"), Confidence: confidence}, nil
		},
	}}
}

func failingGenerator(err error) *mockGenerator {
	return &mockGenerator{results: []func() (*finding.PatchCandidate, error){
		func() (*finding.PatchCandidate, error) { return nil, err },
	}}
}

// mockPublisher fails the first n attempts with err, then succeeds.
type mockPublisher struct {
	mu       sync.Mutex
	calls    int
	failures int
	err      error
	onCall   func(call int)
}

func (m *mockPublisher) Publish(ctx context.Context, f *finding.Finding, c *finding.PatchCandidate) (*adapter.PublishResult, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.mu.Unlock()
	if m.onCall != nil {
		m.onCall(call)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if call <= m.failures {
		return nil, m.err
	}
	return &adapter.PublishResult{
		URL:    fmt.Sprintf("https://github.com/%s/pull/%d", f.Repository, call),
		Branch: "remedyd/test",
	}, nil
}

type mockVerifier struct {
	mu  sync.Mutex
	err error
	got *adapter.PublishResult
}

func (m *mockVerifier) Verify(ctx context.Context, f *finding.Finding, c *finding.PatchCandidate, result *adapter.PublishResult) error {
	m.mu.Lock()
	m.got = result
	m.mu.Unlock()
	return m.err
}

// blockingPublisher never returns until its context expires.
type blockingPublisher struct{}

func (blockingPublisher) Publish(ctx context.Context, f *finding.Finding, c *finding.PatchCandidate) (*adapter.PublishResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// blockingGenerator never returns until its context expires.
type blockingGenerator struct{}

func (blockingGenerator) Generate(ctx context.Context, f *finding.Finding) (*finding.PatchCandidate, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type fixture struct {
	orch  *Orchestrator
	store *store.Store
	audit *audit.Log
	gate  *approval.Gate
}

func fastConfig() *Config {
	fast := retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		Multiplier:  2.0,
	}
	return &Config{
		Workers:       1,
		PollInterval:  10 * time.Millisecond,
		GenerateRetry: fast,
		PublishRetry:  fast,
	}
}

func newFixture(t *testing.T, policy approval.Policy, gen adapter.PatchGenerator, pub adapter.Publisher, ver adapter.Verifier) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, fastConfig(), policy, gen, pub, ver)
}

func newFixtureWithConfig(t *testing.T, cfg *Config, policy approval.Policy, gen adapter.PatchGenerator, pub adapter.Publisher, ver adapter.Verifier) *fixture {
	t.Helper()

	st, err := store.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log, err := audit.New(st.DB(), nil, zap.NewNop())
	require.NoError(t, err)

	gate, err := approval.NewGate(st, nil, policy, zap.NewNop())
	require.NoError(t, err)

	orch, err := New(cfg, st, log, gate, gen, pub, ver, zap.NewNop())
	require.NoError(t, err)

	return &fixture{orch: orch, store: st, audit: log, gate: gate}
}

func autoApproveAll() approval.Policy {
	return approval.Policy{AutoApproveThreshold: 0.1, AutoApproveMaxSeverity: finding.SeverityCritical}
}

func ingestFinding(t *testing.T, fx *fixture) *finding.Finding {
	t.Helper()
	f := &finding.Finding{
		Repository: "acme/service",
		Path:       "internal/auth/token.go",
		StartLine:  10,
		EndLine:    12,
		Category:   "security",
		Severity:   finding.SeverityHigh,
	}
	res, err := fx.orch.Ingest(context.Background(), f)
	require.NoError(t, err)
	require.Equal(t, store.PutCreated, res.Status)
	f.ID = res.FindingID
	return f
}

// drive calls Process until the record reaches a terminal state or stops
// moving. Backoff windows between publish attempts are waited out.
func drive(t *testing.T, fx *fixture, f *finding.Finding) *finding.Record {
	t.Helper()
	ctx := context.Background()

	var last finding.State
	stalled := 0
	for i := 0; i < 100; i++ {
		rec, err := fx.store.GetRecord(ctx, f.ID)
		require.NoError(t, err)
		if rec.State.Terminal() {
			return rec
		}
		if rec.State == last {
			stalled++
			if stalled > 20 {
				return rec
			}
		} else {
			stalled = 0
		}
		last = rec.State

		require.NoError(t, fx.orch.Process(ctx, f))
		time.Sleep(3 * time.Millisecond)
	}
	rec, err := fx.store.GetRecord(ctx, f.ID)
	require.NoError(t, err)
	return rec
}

func stateTrail(t *testing.T, fx *fixture, findingID string) []finding.State {
	t.Helper()
	entries, err := fx.audit.EntriesFor(context.Background(), findingID)
	require.NoError(t, err)
	states := make([]finding.State, len(entries))
	for i, e := range entries {
		states[i] = e.To
	}
	return states
}

func TestPipelineHappyPathAutoApproved(t *testing.T) {
	fx := newFixture(t, autoApproveAll(), okGenerator(0.9), &mockPublisher{}, nil)
	f := ingestFinding(t, fx)

	rec := drive(t, fx, f)
	assert.Equal(t, finding.StateVerified, rec.State)
	assert.Empty(t, rec.LastError)

	assert.Equal(t, []finding.State{
		finding.StateDetected,
		finding.StatePatched,
		finding.StateAwaitingApproval,
		finding.StateApproved,
		finding.StateApplying,
		finding.StateApplied,
		finding.StateVerified,
	}, stateTrail(t, fx, f.ID))

	// The published candidate is marked applied, exactly once.
	candidates, err := fx.store.CandidatesFor(context.Background(), f.ID)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.True(t, candidates[0].Applied)
	assert.Equal(t, f.ID, candidates[0].FindingID,
		"the generate step binds the candidate to its finding")

	// Auto-approval is attributed to the policy actor in the log.
	entries, err := fx.audit.EntriesFor(context.Background(), f.ID)
	require.NoError(t, err)
	for _, e := range entries {
		if e.To == finding.StateApproved {
			assert.Equal(t, finding.ActorAutoApprove, e.Actor)
		}
	}
}

func TestPipelineGenerationDeclined(t *testing.T) {
	fx := newFixture(t, autoApproveAll(), failingGenerator(adapter.ErrNoCandidate), &mockPublisher{}, nil)
	f := ingestFinding(t, fx)

	rec := drive(t, fx, f)
	assert.Equal(t, finding.StateFailed, rec.State)
	assert.Equal(t, finding.ClassAdapterFailure, rec.LastErrorClass)
	assert.Equal(t, 3, rec.Attempts, "no-candidate results consume the whole budget")

	assert.Equal(t, []finding.State{
		finding.StateDetected,
		finding.StatePatched,
		finding.StateFailed,
	}, stateTrail(t, fx, f.ID))
}

func TestPipelineGenerationSucceedsAfterDecline(t *testing.T) {
	gen := &mockGenerator{}
	gen.queue(func() (*finding.PatchCandidate, error) { return nil, adapter.ErrNoCandidate })
	gen.queue(func() (*finding.PatchCandidate, error) {
		return &finding.PatchCandidate{Diff: []byte("--- fix"), Confidence: 0.9}, nil
	})
	fx := newFixture(t, autoApproveAll(), gen, &mockPublisher{}, nil)
	f := ingestFinding(t, fx)

	rec := drive(t, fx, f)
	assert.Equal(t, finding.StateVerified, rec.State)
}

func TestPipelineGenerationExhausted(t *testing.T) {
	fx := newFixture(t, autoApproveAll(), failingGenerator(adapter.ErrUnavailable), &mockPublisher{}, nil)
	f := ingestFinding(t, fx)

	rec := drive(t, fx, f)
	assert.Equal(t, finding.StateFailed, rec.State)
	assert.Equal(t, finding.ClassTransient, rec.LastErrorClass)
	assert.Equal(t, 3, rec.Attempts, "full retry budget spent")
}

func TestPipelineManualApproval(t *testing.T) {
	fx := newFixture(t, approval.Policy{}, okGenerator(0.99), &mockPublisher{}, nil)
	f := ingestFinding(t, fx)
	ctx := context.Background()

	rec := drive(t, fx, f)
	assert.Equal(t, finding.StateAwaitingApproval, rec.State, "no policy means a human must decide")

	pending, err := fx.gate.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = fx.gate.Decide(ctx, pending[0].Token,
		&finding.Decision{Verdict: finding.VerdictApprove, Actor: "alice"})
	require.NoError(t, err)

	rec = drive(t, fx, f)
	assert.Equal(t, finding.StateVerified, rec.State)

	// The approval transition carries the human actor.
	entries, err := fx.audit.EntriesFor(ctx, f.ID)
	require.NoError(t, err)
	for _, e := range entries {
		if e.To == finding.StateApproved {
			assert.Equal(t, "alice", e.Actor)
		}
	}
}

func TestPipelineRejection(t *testing.T) {
	fx := newFixture(t, approval.Policy{}, okGenerator(0.99), &mockPublisher{}, nil)
	f := ingestFinding(t, fx)
	ctx := context.Background()

	drive(t, fx, f)
	pending, err := fx.gate.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = fx.gate.Decide(ctx, pending[0].Token,
		&finding.Decision{Verdict: finding.VerdictReject, Actor: "bob", Comment: "wrong fix"})
	require.NoError(t, err)

	rec := drive(t, fx, f)
	assert.Equal(t, finding.StateRejected, rec.State)
	assert.Equal(t, finding.ClassPermanentRejection, rec.LastErrorClass)
	assert.Equal(t, "wrong fix", rec.LastError)

	// Rejected findings never publish.
	pub := &mockPublisher{}
	_ = pub
	candidates, err := fx.store.CandidatesFor(ctx, f.ID)
	require.NoError(t, err)
	assert.False(t, candidates[0].Applied)
}

func TestPublishTransientFailuresThenSuccess(t *testing.T) {
	pub := &mockPublisher{failures: 2, err: fmt.Errorf("create pr: %w", adapter.ErrUnavailable)}
	fx := newFixture(t, autoApproveAll(), okGenerator(0.9), pub, nil)
	f := ingestFinding(t, fx)

	rec := drive(t, fx, f)
	assert.Equal(t, finding.StateVerified, rec.State)
	assert.Equal(t, 3, rec.Attempts, "two transient failures plus the success")

	// Every attempt is a visible Approved -> Applying cycle in the log.
	assert.Equal(t, []finding.State{
		finding.StateDetected,
		finding.StatePatched,
		finding.StateAwaitingApproval,
		finding.StateApproved,
		finding.StateApplying,
		finding.StateApproved,
		finding.StateApplying,
		finding.StateApproved,
		finding.StateApplying,
		finding.StateApplied,
		finding.StateVerified,
	}, stateTrail(t, fx, f.ID))
}

func TestPublishExhaustionFails(t *testing.T) {
	pub := &mockPublisher{failures: 100, err: fmt.Errorf("create pr: %w", adapter.ErrUnavailable)}
	fx := newFixture(t, autoApproveAll(), okGenerator(0.9), pub, nil)
	f := ingestFinding(t, fx)

	rec := drive(t, fx, f)
	assert.Equal(t, finding.StateFailed, rec.State)
	assert.Equal(t, finding.ClassTransient, rec.LastErrorClass)
	assert.Equal(t, 3, rec.Attempts)
}

func TestPublishConflictRetriedOnce(t *testing.T) {
	pub := &mockPublisher{failures: 100, err: fmt.Errorf("create branch: %w", adapter.ErrConflict)}
	fx := newFixture(t, autoApproveAll(), okGenerator(0.9), pub, nil)
	f := ingestFinding(t, fx)

	rec := drive(t, fx, f)
	assert.Equal(t, finding.StateFailed, rec.State)
	assert.Equal(t, finding.ClassConflict, rec.LastErrorClass)
	assert.Equal(t, 2, rec.Attempts, "a conflict earns exactly one re-read and retry")
}

func TestPublishConflictThenSuccess(t *testing.T) {
	pub := &mockPublisher{failures: 1, err: fmt.Errorf("create branch: %w", adapter.ErrConflict)}
	fx := newFixture(t, autoApproveAll(), okGenerator(0.9), pub, nil)
	f := ingestFinding(t, fx)

	rec := drive(t, fx, f)
	assert.Equal(t, finding.StateVerified, rec.State)
	assert.Equal(t, 2, rec.Attempts)
}

func TestPublishAuthFailureNotRetried(t *testing.T) {
	pub := &mockPublisher{failures: 100, err: fmt.Errorf("get base branch: %w", adapter.ErrAuthFailure)}
	fx := newFixture(t, autoApproveAll(), okGenerator(0.9), pub, nil)
	f := ingestFinding(t, fx)

	rec := drive(t, fx, f)
	assert.Equal(t, finding.StateFailed, rec.State)
	assert.Equal(t, finding.ClassAdapterFailure, rec.LastErrorClass)
	assert.Equal(t, 1, rec.Attempts)
}

func TestPublishTimeoutRollsBackAsTransient(t *testing.T) {
	cfg := fastConfig()
	cfg.StepTimeout = 25 * time.Millisecond
	fx := newFixtureWithConfig(t, cfg, autoApproveAll(), okGenerator(0.9), blockingPublisher{}, nil)
	f := ingestFinding(t, fx)
	ctx := context.Background()

	// Advance to Approved.
	for i := 0; i < 5; i++ {
		rec, err := fx.store.GetRecord(ctx, f.ID)
		require.NoError(t, err)
		if rec.State == finding.StateApproved {
			break
		}
		require.NoError(t, fx.orch.Process(ctx, f))
	}

	require.NoError(t, fx.orch.Process(ctx, f))

	rec, err := fx.store.GetRecord(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, finding.StateApproved, rec.State, "a wedged publisher rolls back for retry")
	assert.Equal(t, 1, rec.Attempts, "a timed-out attempt burns budget")
	assert.Equal(t, finding.ClassTransient, rec.LastErrorClass)
	assert.Contains(t, rec.LastError, "timed out")

	// A timeout under a healthy daemon is an outage, not a shutdown.
	entries, err := fx.audit.EntriesFor(ctx, f.ID)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, finding.StateApproved, last.To)
	assert.Equal(t, actorSystem, last.Actor)
}

func TestGenerateTimeoutExhaustsBudget(t *testing.T) {
	cfg := fastConfig()
	cfg.StepTimeout = 25 * time.Millisecond
	fx := newFixtureWithConfig(t, cfg, autoApproveAll(), blockingGenerator{}, &mockPublisher{}, nil)
	f := ingestFinding(t, fx)

	rec := drive(t, fx, f)
	assert.Equal(t, finding.StateFailed, rec.State)
	assert.Equal(t, finding.ClassTransient, rec.LastErrorClass)
	assert.Equal(t, 3, rec.Attempts)
	assert.Contains(t, rec.LastError, "timed out")
}

func TestShutdownDuringPublishRollsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pub := &mockPublisher{onCall: func(int) { cancel() }}
	fx := newFixture(t, autoApproveAll(), okGenerator(0.9), pub, nil)
	f := ingestFinding(t, fx)

	// Advance to Approved with an untouched context.
	for i := 0; i < 5; i++ {
		rec, err := fx.store.GetRecord(context.Background(), f.ID)
		require.NoError(t, err)
		if rec.State == finding.StateApproved {
			break
		}
		require.NoError(t, fx.orch.Process(context.Background(), f))
	}

	err := fx.orch.Process(ctx, f)
	require.ErrorIs(t, err, context.Canceled)

	rec, err := fx.store.GetRecord(context.Background(), f.ID)
	require.NoError(t, err)
	assert.Equal(t, finding.StateApproved, rec.State, "interrupted publish rolls back")
	assert.Zero(t, rec.Attempts, "an interrupted attempt does not burn budget")

	// The rollback is attributed to shutdown in the log.
	entries, err := fx.audit.EntriesFor(context.Background(), f.ID)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, finding.StateApplying, last.From)
	assert.Equal(t, finding.StateApproved, last.To)
	assert.Equal(t, "system:shutdown", last.Actor)
}

func TestVerifierReceivesPublishResult(t *testing.T) {
	ver := &mockVerifier{}
	fx := newFixture(t, autoApproveAll(), okGenerator(0.9), &mockPublisher{}, ver)
	f := ingestFinding(t, fx)

	rec := drive(t, fx, f)
	require.Equal(t, finding.StateVerified, rec.State)

	require.NotNil(t, ver.got, "the verifier sees where the patch landed")
	assert.Equal(t, "https://github.com/acme/service/pull/1", ver.got.URL)
	assert.Equal(t, "remedyd/test", ver.got.Branch)

	// The publish result survives on the candidate, so verification after a
	// restart sees the same URL.
	candidates, err := fx.store.CandidatesFor(context.Background(), f.ID)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, ver.got.URL, candidates[0].PublishedURL)
	assert.Equal(t, ver.got.Branch, candidates[0].PublishedBranch)
}

func TestVerifierFailureFails(t *testing.T) {
	fx := newFixture(t, autoApproveAll(), okGenerator(0.9), &mockPublisher{},
		&mockVerifier{err: errors.New("check still fires")})
	f := ingestFinding(t, fx)

	rec := drive(t, fx, f)
	assert.Equal(t, finding.StateFailed, rec.State)
	assert.Contains(t, rec.LastError, "check still fires")
}

func TestRequeue(t *testing.T) {
	fx := newFixture(t, autoApproveAll(), failingGenerator(adapter.ErrNoCandidate), &mockPublisher{}, nil)
	f := ingestFinding(t, fx)
	ctx := context.Background()

	rec := drive(t, fx, f)
	require.Equal(t, finding.StateFailed, rec.State)

	assert.Error(t, fx.orch.Requeue(ctx, f.ID, ""), "requeue requires an actor")

	require.NoError(t, fx.orch.Requeue(ctx, f.ID, "operator:carol"))
	rec, err := fx.store.GetRecord(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, finding.StateDetected, rec.State)
	assert.Zero(t, rec.Attempts, "requeue resets the attempt budget")
	assert.Empty(t, rec.LastError)

	// Only failed records can be requeued.
	err = fx.orch.Requeue(ctx, f.ID, "operator:carol")
	assert.ErrorIs(t, err, finding.ErrInvalidTransition)
}

func TestIngestDeduplicates(t *testing.T) {
	fx := newFixture(t, autoApproveAll(), okGenerator(0.9), &mockPublisher{}, nil)
	ctx := context.Background()

	f := ingestFinding(t, fx)

	dup := &finding.Finding{
		Repository: "acme/service",
		Path:       "internal/auth/token.go",
		StartLine:  10,
		EndLine:    12,
		Category:   "security",
		Severity:   finding.SeverityHigh,
	}
	res, err := fx.orch.Ingest(ctx, dup)
	require.NoError(t, err)
	assert.Equal(t, store.PutDuplicate, res.Status)
	assert.Equal(t, f.ID, res.FindingID)

	// Duplicates leave no trace in the audit log.
	entries, err := fx.audit.EntriesFor(ctx, f.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestIngestFrom(t *testing.T) {
	fx := newFixture(t, autoApproveAll(), okGenerator(0.9), &mockPublisher{}, nil)

	detector := detectorFunc(func(ctx context.Context, repository string) (<-chan finding.Finding, error) {
		out := make(chan finding.Finding, 3)
		out <- finding.Finding{Path: "a.go", StartLine: 1, EndLine: 1, Category: "bug", Severity: finding.SeverityLow, Repository: repository}
		out <- finding.Finding{Path: "b.go", StartLine: 1, EndLine: 1, Category: "bug", Severity: finding.SeverityLow, Repository: repository}
		// Invalid finding is skipped, not fatal.
		out <- finding.Finding{Path: "", StartLine: 1, EndLine: 1, Category: "bug", Severity: finding.SeverityLow, Repository: repository}
		close(out)
		return out, nil
	})

	created, err := fx.orch.IngestFrom(context.Background(), detector, "acme/service")
	require.NoError(t, err)
	assert.Equal(t, 2, created)
}

type detectorFunc func(ctx context.Context, repository string) (<-chan finding.Finding, error)

func (fn detectorFunc) Detect(ctx context.Context, repository string) (<-chan finding.Finding, error) {
	return fn(ctx, repository)
}

func TestRunDrivesPipeline(t *testing.T) {
	fx := newFixture(t, autoApproveAll(), okGenerator(0.9), &mockPublisher{}, nil)
	f := ingestFinding(t, fx)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fx.orch.Run(ctx) }()

	require.Eventually(t, func() bool {
		rec, err := fx.store.GetRecord(context.Background(), f.ID)
		return err == nil && rec.State == finding.StateVerified
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

func TestNewValidatesDependencies(t *testing.T) {
	st, err := store.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	log, err := audit.New(st.DB(), nil, zap.NewNop())
	require.NoError(t, err)
	gate, err := approval.NewGate(st, nil, approval.Policy{}, zap.NewNop())
	require.NoError(t, err)

	gen := okGenerator(0.9)
	pub := &mockPublisher{}

	_, err = New(nil, nil, log, gate, gen, pub, nil, zap.NewNop())
	assert.Error(t, err)
	_, err = New(nil, st, nil, gate, gen, pub, nil, zap.NewNop())
	assert.Error(t, err)
	_, err = New(nil, st, log, nil, gen, pub, nil, zap.NewNop())
	assert.Error(t, err)
	_, err = New(nil, st, log, gate, nil, pub, nil, zap.NewNop())
	assert.Error(t, err)
	_, err = New(nil, st, log, gate, gen, nil, nil, zap.NewNop())
	assert.Error(t, err)

	o, err := New(nil, st, log, gate, gen, pub, nil, zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, o)
}
