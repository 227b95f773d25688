package githubpub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/adapter"
	"github.com/fyrsmithlabs/remedyd/internal/finding"
)

// newStubPublisher points a publisher at an httptest server standing in for
// the GitHub API.
func newStubPublisher(t *testing.T, mux *http.ServeMux) *Publisher {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := github.NewClient(nil)
	base, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	client.BaseURL = base
	client.UploadURL = base

	return NewWithClient(client, Config{
		BaseBranch: "main",
		// Keep tests fast; the limiter itself is not under test here.
		RequestsPerSecond: 1000,
	}, zap.NewNop())
}

func publishInput() (*finding.Finding, *finding.PatchCandidate) {
	f := &finding.Finding{
		ID:         "0a1b2c3d-4e5f-6071-8293-a4b5c6d7e8f9",
		Repository: "acme/service",
		Path:       "internal/auth/token.go",
		StartLine:  10,
		EndLine:    12,
		Category:   "security",
		Severity:   finding.SeverityHigh,
		DetectedAt: time.Now(),
	}
	c := &finding.PatchCandidate{
		ID:         "cand-1",
		FindingID:  f.ID,
		Diff:       []byte("--- a/token.go\n+++ b/token.go\n"),
		Confidence: 0.85,
	}
	return f, c
}

func TestPublishOpensPullRequest(t *testing.T) {
	mux := http.NewServeMux()
	var gotRefBody, gotPRBody map[string]any

	mux.HandleFunc("GET /repos/acme/service/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ref":"refs/heads/main","object":{"sha":"abc123"}}`)
	})
	mux.HandleFunc("POST /repos/acme/service/git/refs", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotRefBody))
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"ref":"refs/heads/remedyd/security-0a1b2c3d","object":{"sha":"abc123"}}`)
	})
	mux.HandleFunc("PUT /repos/acme/service/contents/.remedyd/cand-1.patch", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"content":{"name":"cand-1.patch"}}`)
	})
	mux.HandleFunc("POST /repos/acme/service/pulls", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPRBody))
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"number":7,"html_url":"https://github.com/acme/service/pull/7"}`)
	})

	p := newStubPublisher(t, mux)
	f, c := publishInput()

	res, err := p.Publish(context.Background(), f, c)
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/service/pull/7", res.URL)
	assert.Equal(t, "remedyd/security-0a1b2c3d", res.Branch)

	assert.Equal(t, "refs/heads/remedyd/security-0a1b2c3d", gotRefBody["ref"])
	assert.Equal(t, "remedyd/security-0a1b2c3d", gotPRBody["head"])
	assert.Equal(t, "main", gotPRBody["base"])
	assert.Contains(t, gotPRBody["body"], "security")
}

func TestPublishClassifiesStatusCodes(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		sentinel error
	}{
		{"unauthorized", http.StatusUnauthorized, adapter.ErrAuthFailure},
		{"forbidden", http.StatusForbidden, adapter.ErrAuthFailure},
		{"not found", http.StatusNotFound, adapter.ErrAuthFailure},
		{"conflict", http.StatusConflict, adapter.ErrConflict},
		{"unprocessable", http.StatusUnprocessableEntity, adapter.ErrConflict},
		{"rate limited", http.StatusTooManyRequests, adapter.ErrRateLimited},
		{"server error", http.StatusInternalServerError, adapter.ErrUnavailable},
		{"bad gateway", http.StatusBadGateway, adapter.ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("GET /repos/acme/service/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"message":"nope"}`)
			})

			p := newStubPublisher(t, mux)
			f, c := publishInput()

			_, err := p.Publish(context.Background(), f, c)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
		})
	}
}

func TestPublishBranchConflictRetriesUnderFreshName(t *testing.T) {
	// A branch left behind by an interrupted earlier publish collides with
	// the deterministic name; the publisher falls back to a uniquified one.
	mux := http.NewServeMux()
	var refNames []string

	mux.HandleFunc("GET /repos/acme/service/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ref":"refs/heads/main","object":{"sha":"abc123"}}`)
	})
	mux.HandleFunc("POST /repos/acme/service/git/refs", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		refNames = append(refNames, body["ref"].(string))
		if len(refNames) == 1 {
			w.WriteHeader(http.StatusUnprocessableEntity)
			fmt.Fprint(w, `{"message":"Reference already exists"}`)
			return
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"ref":%q,"object":{"sha":"abc123"}}`, body["ref"])
	})
	mux.HandleFunc("PUT /repos/acme/service/contents/.remedyd/cand-1.patch", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"content":{"name":"cand-1.patch"}}`)
	})
	mux.HandleFunc("POST /repos/acme/service/pulls", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"number":7,"html_url":"https://github.com/acme/service/pull/7"}`)
	})

	p := newStubPublisher(t, mux)
	f, c := publishInput()

	res, err := p.Publish(context.Background(), f, c)
	require.NoError(t, err)

	require.Len(t, refNames, 2)
	assert.Equal(t, "refs/heads/remedyd/security-0a1b2c3d", refNames[0])
	assert.NotEqual(t, refNames[0], refNames[1],
		"the retry must not recreate the colliding ref")
	assert.Regexp(t, `^refs/heads/remedyd/security-0a1b2c3d-[0-9a-f]{8}$`, refNames[1])
	assert.Equal(t, "refs/heads/"+res.Branch, refNames[1])
}

func TestPublishBranchConflictGivesUpAfterRetry(t *testing.T) {
	mux := http.NewServeMux()
	creates := 0
	mux.HandleFunc("GET /repos/acme/service/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ref":"refs/heads/main","object":{"sha":"abc123"}}`)
	})
	mux.HandleFunc("POST /repos/acme/service/git/refs", func(w http.ResponseWriter, r *http.Request) {
		creates++
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"message":"Reference already exists"}`)
	})

	p := newStubPublisher(t, mux)
	f, c := publishInput()

	_, err := p.Publish(context.Background(), f, c)
	assert.ErrorIs(t, err, adapter.ErrConflict)
	assert.Equal(t, 2, creates)
}

func TestPublishContextCancellation(t *testing.T) {
	mux := http.NewServeMux()
	p := newStubPublisher(t, mux)
	f, c := publishInput()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Publish(ctx, f, c)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, adapter.Retryable(err), "cancellation is not a transient failure")
}

func TestSplitRepository(t *testing.T) {
	owner, name, err := splitRepository("acme/service")
	require.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "service", name)

	for _, bad := range []string{"acme", "acme/", "/service", "a/b/c", ""} {
		_, _, err := splitRepository(bad)
		assert.Error(t, err, bad)
	}
}

func TestBranchName(t *testing.T) {
	f := &finding.Finding{ID: "0a1b2c3d4e5f", Category: "Resource Leak"}
	assert.Equal(t, "remedyd/resource-leak-0a1b2c3d", branchName(f))

	short := &finding.Finding{ID: "f1", Category: "bug"}
	assert.Equal(t, "remedyd/bug-f1", branchName(short))
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(context.Background(), Config{}, zap.NewNop())
	assert.Error(t, err)
}
