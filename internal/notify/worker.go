package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/insurepro/apiserver/internal/mq"
	"github.com/insurepro/apiserver/internal/store"
	"github.com/insurepro/apiserver/types"
	"golang.org/x/sync/errgroup"
)

// Subscriber is the consuming side of the broker.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, handler mq.Handler) error
}

// NotifiedMarker records which claims have had their decision delivered.
type NotifiedMarker interface {
	MarkNotified(ctx context.Context, id int, at time.Time) error
	ClearNotified(ctx context.Context, id int) error
}

// Worker consumes decision and reset events and mails the customer.
type Worker struct {
	sub    Subscriber
	claims NotifiedMarker
	mailer Mailer
	logger *slog.Logger
	now    func() time.Time
}

func NewWorker(sub Subscriber, claims NotifiedMarker, mailer Mailer, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{sub: sub, claims: claims, mailer: mailer, logger: logger, now: time.Now}
}

// Run consumes both channels until ctx is cancelled or a subscription fails.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.sub.Subscribe(ctx, mq.ChannelClaimDecided, w.HandleDecision)
	})
	g.Go(func() error {
		return w.sub.Subscribe(ctx, mq.ChannelPasswordReset, w.HandleReset)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// HandleDecision delivers one decision message. Malformed messages are
// dropped. The claim is marked notified before sending so a redelivered
// event is not mailed twice; a failed send clears the mark and returns an
// error so the broker redelivers.
func (w *Worker) HandleDecision(ctx context.Context, msg mq.Message) error {
	var event types.ClaimDecidedEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		w.logger.Error("drop malformed decision event", "message_id", msg.ID, "error", err)
		return nil
	}
	if event.CustomerEmail == "" {
		w.logger.Warn("decision event without recipient", "claim_number", event.ClaimNumber)
		return nil
	}
	email, err := RenderDecision(event)
	if err != nil {
		w.logger.Error("drop decision event", "message_id", msg.ID, "claim_number", event.ClaimNumber, "error", err)
		return nil
	}

	err = w.claims.MarkNotified(ctx, event.ClaimID, w.now().UTC())
	switch {
	case errors.Is(err, store.ErrConflict):
		w.logger.Info("claim already notified", "claim_number", event.ClaimNumber)
		return nil
	case err != nil:
		return fmt.Errorf("mark claim %s notified: %w", event.ClaimNumber, err)
	}

	if err := w.mailer.Send(ctx, email); err != nil {
		if cerr := w.claims.ClearNotified(context.WithoutCancel(ctx), event.ClaimID); cerr != nil {
			w.logger.Error("clear claim notification", "claim_number", event.ClaimNumber, "error", cerr)
		}
		return fmt.Errorf("send decision %s: %w", event.ClaimNumber, err)
	}
	w.logger.Info("claim decision delivered", "claim_number", event.ClaimNumber, "status", event.Status)
	return nil
}

// HandleReset delivers one password reset code.
func (w *Worker) HandleReset(ctx context.Context, msg mq.Message) error {
	var event types.PasswordResetEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		w.logger.Error("drop malformed reset event", "message_id", msg.ID, "error", err)
		return nil
	}
	if !event.ExpiresAt.After(w.now()) {
		w.logger.Info("drop expired reset code", "email", event.Email)
		return nil
	}
	email, err := RenderReset(event)
	if err != nil {
		w.logger.Error("drop reset event", "message_id", msg.ID, "error", err)
		return nil
	}
	if err := w.mailer.Send(ctx, email); err != nil {
		return fmt.Errorf("send reset code: %w", err)
	}
	return nil
}
