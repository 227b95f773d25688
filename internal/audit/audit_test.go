package audit

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/finding"
	"github.com/fyrsmithlabs/remedyd/internal/store"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func newTestLog(t *testing.T) *Log {
	t.Helper()
	s, err := store.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	l, err := New(s.DB(), nil, zap.NewNop())
	require.NoError(t, err)
	return l
}

func TestAppendAssignsSequences(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	e1 := &Entry{FindingID: "f-1", To: finding.StateDetected, Actor: "system:detector"}
	seq1, err := l.Append(ctx, e1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq1)
	assert.Equal(t, int64(1), e1.CausalSeq)

	e2 := &Entry{FindingID: "f-2", To: finding.StateDetected, Actor: "system:detector"}
	seq2, err := l.Append(ctx, e2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq2)
	assert.Equal(t, int64(1), e2.CausalSeq, "causal seq is per finding")

	e3 := &Entry{FindingID: "f-1", From: finding.StateDetected, To: finding.StatePatched, Actor: "system"}
	seq3, err := l.Append(ctx, e3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq3)
	assert.Equal(t, int64(2), e3.CausalSeq)
}

func TestAppendRequiresFindingID(t *testing.T) {
	l := newTestLog(t)
	_, err := l.Append(context.Background(), &Entry{To: finding.StateDetected})
	assert.Error(t, err)
}

func TestAppendConcurrentGapFree(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	const workers = 8
	const perWorker = 10

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := []string{"f-a", "f-b", "f-c"}[w%3]
			for i := 0; i < perWorker; i++ {
				_, err := l.Append(ctx, &Entry{
					FindingID: id,
					To:        finding.StatePatched,
					Actor:     "system",
				})
				require.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	entries, err := collect(l, ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, workers*perWorker)

	// Global sequence is gap-free and monotonic.
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Seq)
	}

	// Causal sequence is gap-free per finding.
	causal := map[string]int64{}
	for _, e := range entries {
		assert.Equal(t, causal[e.FindingID]+1, e.CausalSeq,
			"finding %s causal gap at global seq %d", e.FindingID, e.Seq)
		causal[e.FindingID] = e.CausalSeq
	}
}

func TestStreamSince(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, &Entry{FindingID: "f-1", To: finding.StatePatched, Actor: "system"})
		require.NoError(t, err)
	}

	entries, err := collect(l, ctx, 3)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(4), entries[0].Seq)
	assert.Equal(t, int64(5), entries[1].Seq)
}

func TestEntriesFor(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	_, err := l.Append(ctx, &Entry{FindingID: "f-1", To: finding.StateDetected, Actor: "system:detector"})
	require.NoError(t, err)
	_, err = l.Append(ctx, &Entry{FindingID: "f-2", To: finding.StateDetected, Actor: "system:detector"})
	require.NoError(t, err)
	_, err = l.Append(ctx, &Entry{
		FindingID: "f-1", From: finding.StateDetected, To: finding.StatePatched,
		Actor: "system", Attempts: 2, Error: "", ErrorClass: "",
	})
	require.NoError(t, err)

	entries, err := l.EntriesFor(ctx, "f-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, finding.StateDetected, entries[0].To)
	assert.Equal(t, finding.StatePatched, entries[1].To)
	assert.Equal(t, 2, entries[1].Attempts)
}

func TestReplayRebuildsState(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	appendSeq := func(id string, from, to finding.State, attempts int, errText string, class finding.Class) {
		t.Helper()
		_, err := l.Append(ctx, &Entry{
			FindingID: id, From: from, To: to, Actor: "system",
			Attempts: attempts, Error: errText, ErrorClass: class,
		})
		require.NoError(t, err)
	}

	appendSeq("f-1", "", finding.StateDetected, 0, "", "")
	appendSeq("f-1", finding.StateDetected, finding.StatePatched, 1, "", "")
	appendSeq("f-1", finding.StatePatched, finding.StateAwaitingApproval, 1, "", "")

	appendSeq("f-2", "", finding.StateDetected, 0, "", "")
	appendSeq("f-2", finding.StateDetected, finding.StatePatched, 3, "generator timeout", finding.ClassTransient)
	appendSeq("f-2", finding.StatePatched, finding.StateFailed, 3, "generator timeout", finding.ClassAdapterFailure)

	snapshots, err := l.Replay(ctx)
	require.NoError(t, err)
	require.Len(t, snapshots, 2)

	s1 := snapshots["f-1"]
	assert.Equal(t, finding.StateAwaitingApproval, s1.State)
	assert.Equal(t, int64(3), s1.CausalSeq)
	assert.Equal(t, 1, s1.Attempts)
	assert.Empty(t, s1.LastError)

	s2 := snapshots["f-2"]
	assert.Equal(t, finding.StateFailed, s2.State)
	assert.Equal(t, 3, s2.Attempts)
	assert.Equal(t, "generator timeout", s2.LastError)
	assert.Equal(t, finding.ClassAdapterFailure, s2.LastErrorClass)

	rec := s2.Record()
	assert.Equal(t, "f-2", rec.FindingID)
	assert.Equal(t, finding.StateFailed, rec.State)
	assert.Equal(t, "generator timeout", rec.LastError)
}

func TestReplayDetectsCausalGap(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	_, err := l.Append(ctx, &Entry{FindingID: "f-1", To: finding.StateDetected, Actor: "system"})
	require.NoError(t, err)
	_, err = l.Append(ctx, &Entry{FindingID: "f-1", To: finding.StatePatched, Actor: "system"})
	require.NoError(t, err)

	// Simulate corruption: delete the middle of the causal chain.
	_, err = l.db.ExecContext(ctx, `DELETE FROM audit_log WHERE finding_id = ? AND causal_seq = 1`, "f-1")
	require.NoError(t, err)

	_, err = l.Replay(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit log corrupt")
}

func TestAppendStreamsOverNATS(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	s, err := store.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	l, err := New(s.DB(), nc, zap.NewNop())
	require.NoError(t, err)

	sub, err := nc.SubscribeSync("remediations.f-1.>")
	require.NoError(t, err)

	_, err = l.Append(context.Background(), &Entry{
		FindingID: "f-1",
		From:      finding.StateDetected,
		To:        finding.StatePatched,
		Actor:     "system",
	})
	require.NoError(t, err)

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "remediations.f-1.patched", msg.Subject)

	var e Entry
	require.NoError(t, json.Unmarshal(msg.Data, &e))
	assert.Equal(t, "f-1", e.FindingID)
	assert.Equal(t, finding.StatePatched, e.To)
	assert.Equal(t, int64(1), e.Seq)
}

func collect(l *Log, ctx context.Context, since int64) ([]Entry, error) {
	ch, err := l.StreamSince(ctx, since)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for e := range ch {
		entries = append(entries, e)
	}
	return entries, nil
}
