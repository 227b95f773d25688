// Package githubpub publishes approved patch candidates to GitHub as pull
// requests.
package githubpub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/remedyd/internal/adapter"
	"github.com/fyrsmithlabs/remedyd/internal/finding"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/adapter/githubpub"

// branchPrefix namespaces remediation branches in the target repository.
const branchPrefix = "remedyd"

// Config configures the GitHub publisher.
type Config struct {
	// Token is the GitHub API token.
	Token string

	// BaseBranch is the branch pull requests target. Default: "main"
	BaseBranch string

	// RequestsPerSecond throttles outbound API calls. Default: 5
	RequestsPerSecond float64
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.BaseBranch == "" {
		c.BaseBranch = "main"
	}
	if c.RequestsPerSecond == 0 {
		c.RequestsPerSecond = 5
	}
}

// Publisher opens pull requests carrying patch candidates. It implements
// adapter.Publisher.
type Publisher struct {
	client  *github.Client
	config  Config
	limiter *rate.Limiter
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New creates a GitHub publisher.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("GitHub token not set")
	}
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	tc := oauth2.NewClient(ctx, ts)

	return &Publisher{
		client:  github.NewClient(tc),
		config:  cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
	}, nil
}

// NewWithClient creates a publisher around an existing client. Tests use
// this to point at a stub server.
func NewWithClient(client *github.Client, cfg Config, logger *zap.Logger) *Publisher {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		client:  client,
		config:  cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
	}
}

// Publish creates a remediation branch, commits the candidate's patch onto
// it, and opens a pull request against the base branch. Errors are wrapped
// with the adapter sentinels so the caller's retry policy can classify
// them.
func (p *Publisher) Publish(ctx context.Context, f *finding.Finding, c *finding.PatchCandidate) (*adapter.PublishResult, error) {
	ctx, span := p.tracer.Start(ctx, "githubpub.publish")
	defer span.End()

	owner, name, err := splitRepository(f.Repository)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("repository", f.Repository),
		attribute.String("finding_id", f.ID),
		attribute.String("candidate_id", c.ID),
	)

	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	baseRef, resp, err := p.client.Git.GetRef(ctx, owner, name, "heads/"+p.config.BaseBranch)
	if err != nil {
		return nil, classify("get base branch", resp, err)
	}

	branch, err := p.createBranch(ctx, owner, name, baseRef, f)
	if err != nil {
		return nil, err
	}

	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	patchPath := fmt.Sprintf(".remedyd/%s.patch", c.ID)
	message := fmt.Sprintf("fix(%s): remediate %s in %s", f.Category, f.Category, f.Path)
	_, resp, err = p.client.Repositories.CreateFile(ctx, owner, name, patchPath, &github.RepositoryContentFileOptions{
		Message: github.String(message),
		Content: c.Diff,
		Branch:  github.String(branch),
	})
	if err != nil {
		return nil, classify("commit patch", resp, err)
	}

	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	pr, resp, err := p.client.PullRequests.Create(ctx, owner, name, &github.NewPullRequest{
		Title: github.String(fmt.Sprintf("Remediate %s finding in %s", f.Category, f.Path)),
		Head:  github.String(branch),
		Base:  github.String(p.config.BaseBranch),
		Body:  github.String(pullRequestBody(f, c)),
	})
	if err != nil {
		return nil, classify("create pull request", resp, err)
	}

	p.logger.Info("pull request opened",
		zap.String("finding_id", f.ID),
		zap.String("repository", f.Repository),
		zap.String("branch", branch),
		zap.String("url", pr.GetHTMLURL()),
	)

	return &adapter.PublishResult{
		URL:    pr.GetHTMLURL(),
		Branch: branch,
	}, nil
}

// createBranch creates the remediation branch off the base ref. When the
// deterministic name already exists — typically a branch left behind by an
// earlier interrupted publish — it retries once under a uniquified name so
// a duplicate attempt can still land.
func (p *Publisher) createBranch(ctx context.Context, owner, name string, baseRef *github.Reference, f *finding.Finding) (string, error) {
	branch := branchName(f)
	for attempt := 0; ; attempt++ {
		if err := p.wait(ctx); err != nil {
			return "", err
		}
		_, resp, err := p.client.Git.CreateRef(ctx, owner, name, &github.Reference{
			Ref:    github.String("refs/heads/" + branch),
			Object: baseRef.Object,
		})
		if err == nil {
			return branch, nil
		}
		cerr := classify("create branch", resp, err)
		if attempt > 0 || !errors.Is(cerr, adapter.ErrConflict) {
			return "", cerr
		}
		suffix := uuid.New().String()[:8]
		p.logger.Warn("remediation branch already exists, retrying under a fresh name",
			zap.String("finding_id", f.ID),
			zap.String("branch", branch),
			zap.String("suffix", suffix),
		)
		branch = fmt.Sprintf("%s-%s", branchName(f), suffix)
	}
}

func (p *Publisher) wait(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

// splitRepository parses an "owner/name" repository identifier.
func splitRepository(repository string) (owner, name string, err error) {
	parts := strings.Split(repository, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repository must be owner/name, got %q", repository)
	}
	return parts[0], parts[1], nil
}

// branchName derives a stable, collision-resistant branch name from the
// finding.
func branchName(f *finding.Finding) string {
	id := f.ID
	if len(id) > 8 {
		id = id[:8]
	}
	category := strings.ReplaceAll(strings.ToLower(f.Category), " ", "-")
	return fmt.Sprintf("%s/%s-%s", branchPrefix, category, id)
}

func pullRequestBody(f *finding.Finding, c *finding.PatchCandidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automated remediation for a `%s` finding.\n\n", f.Category)
	fmt.Fprintf(&b, "- **File:** `%s` (lines %d-%d)\n", f.Path, f.StartLine, f.EndLine)
	fmt.Fprintf(&b, "- **Severity:** %s\n", f.Severity)
	fmt.Fprintf(&b, "- **Confidence:** %.2f\n", c.Confidence)
	fmt.Fprintf(&b, "- **Detected:** %s\n", f.DetectedAt.Format(time.RFC3339))
	return b.String()
}

// classify maps a GitHub API failure to the adapter error taxonomy by HTTP
// status. Responses we cannot attribute to a status default to transient.
func classify(operation string, resp *github.Response, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", operation, err)
	}

	status := 0
	if resp != nil && resp.Response != nil {
		status = resp.StatusCode
	}

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%s: %w: %v", operation, adapter.ErrAuthFailure, err)
	case http.StatusConflict, http.StatusUnprocessableEntity:
		// 422 covers "reference already exists" and similar races on the
		// target repository.
		return fmt.Errorf("%s: %w: %v", operation, adapter.ErrConflict, err)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%s: %w: %v", operation, adapter.ErrRateLimited, err)
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%s: %w: %v", operation, adapter.ErrUnavailable, err)
	case http.StatusBadRequest, http.StatusNotFound:
		return fmt.Errorf("%s: %w: %v", operation, adapter.ErrAuthFailure, err)
	default:
		return fmt.Errorf("%s: %w: %v", operation, adapter.ErrUnavailable, err)
	}
}
