// Package notify implements the out-of-core notification senders the
// workflow engine's Notify and Approval step executors use. It
// fans a single message out to one of three channels: Email (SMTP),
// Webhook (signed HTTP POST), or Log (zap). A step targets exactly the
// channel and address its NotifyStepConfig/ApprovalStepConfig name.
package notify

import (
	"context"
	"errors"

	"github.com/orbitmesh/orbitmesh/shared/domain"
)

// Sentinel errors returned by Send. Callers should use errors.Is.
var (
	// ErrSendFailed wraps a delivery failure from a specific channel.
	ErrSendFailed = errors.New("notify: send failed")
	// ErrChannelNotConfigured is returned when a channel's delivery
	// configuration (SMTP/webhook defaults) was never set, distinct from a
	// send that was attempted and failed.
	ErrChannelNotConfigured = errors.New("notify: channel not configured")
)

// Sender delivers a message over a channel to target (an email address, a
// webhook URL, or ignored for Log) — the contract the workflow engine's
// Notify and Approval step executors depend on.
type Sender interface {
	Send(ctx context.Context, channel domain.NotifyChannel, target, subject, body string) error
}
