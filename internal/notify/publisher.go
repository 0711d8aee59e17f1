// Package notify carries claim decisions and password reset codes from the
// API to customers: listeners publish events after commit and the worker
// renders and delivers them.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/insurepro/apiserver/internal/mq"
	"github.com/insurepro/apiserver/types"
)

// Publisher puts events on the message broker.
type Publisher struct {
	mq *mq.MQ
}

func NewPublisher(m *mq.MQ) *Publisher {
	return &Publisher{mq: m}
}

func (p *Publisher) Name() string { return "mq" }

func (p *Publisher) OnClaimDecided(ctx context.Context, event types.ClaimDecidedEvent) error {
	if _, err := p.mq.PublishJSON(ctx, mq.ChannelClaimDecided, event); err != nil {
		return fmt.Errorf("publish claim decision %s: %w", event.ClaimNumber, err)
	}
	return nil
}

func (p *Publisher) SendResetCode(ctx context.Context, event types.PasswordResetEvent) error {
	if _, err := p.mq.PublishJSON(ctx, mq.ChannelPasswordReset, event); err != nil {
		return fmt.Errorf("publish reset code: %w", err)
	}
	return nil
}

// LogListener records events in the log. It is used when no broker is
// configured.
type LogListener struct {
	Logger *slog.Logger
}

func (l LogListener) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func (l LogListener) Name() string { return "log" }

func (l LogListener) OnClaimDecided(ctx context.Context, event types.ClaimDecidedEvent) error {
	l.logger().InfoContext(ctx, "claim decided",
		"claim_number", event.ClaimNumber,
		"status", event.Status,
		"amount", event.Amount.StringFixed(2),
		"customer_email", event.CustomerEmail,
	)
	return nil
}

// SendResetCode logs the code at debug level only.
func (l LogListener) SendResetCode(ctx context.Context, event types.PasswordResetEvent) error {
	l.logger().InfoContext(ctx, "password reset requested", "email", event.Email, "expires_at", event.ExpiresAt)
	l.logger().DebugContext(ctx, "password reset code", "email", event.Email, "code", event.Code)
	return nil
}
