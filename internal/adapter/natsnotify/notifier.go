// Package natsnotify announces pending approvals over NATS so chat bridges
// and dashboards can surface them to reviewers.
package natsnotify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/adapter"
)

// SubjectPending is the subject pending-approval notifications are
// published on.
const SubjectPending = "approvals.pending"

// Notifier publishes pending approvals to NATS. It implements
// adapter.Notifier.
type Notifier struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// New creates a NATS-backed notifier.
func New(nc *nats.Conn, logger *zap.Logger) (*Notifier, error) {
	if nc == nil {
		return nil, fmt.Errorf("NATS connection is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{nc: nc, logger: logger}, nil
}

// NotifyPending publishes the pending approval as JSON.
func (n *Notifier) NotifyPending(ctx context.Context, p adapter.Pending) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending approval: %w", err)
	}
	if err := n.nc.Publish(SubjectPending, data); err != nil {
		return fmt.Errorf("publish pending approval: %w", err)
	}
	n.logger.Debug("pending approval published",
		zap.String("token", p.Token),
		zap.String("finding_id", p.FindingID),
	)
	return nil
}
