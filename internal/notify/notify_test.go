package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/insurepro/apiserver/internal/mq"
	"github.com/insurepro/apiserver/internal/store"
	"github.com/insurepro/apiserver/types"
	"github.com/shopspring/decimal"
)

var testNow = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

type fakeMarker struct {
	mu       sync.Mutex
	notified map[int]time.Time
	markErr  error
	cleared  []int
}

func newFakeMarker() *fakeMarker {
	return &fakeMarker{notified: map[int]time.Time{}}
}

func (f *fakeMarker) MarkNotified(_ context.Context, id int, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	if _, ok := f.notified[id]; ok {
		return store.ErrConflict
	}
	f.notified[id] = at
	return nil
}

func (f *fakeMarker) ClearNotified(_ context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.notified, id)
	f.cleared = append(f.cleared, id)
	return nil
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []Email
	err  error
}

func (m *fakeMailer) Send(_ context.Context, email Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, email)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWorker(marker *fakeMarker, mailer *fakeMailer) *Worker {
	w := NewWorker(nil, marker, mailer, quietLogger())
	w.now = func() time.Time { return testNow }
	return w
}

func decisionMessage(t *testing.T, event types.ClaimDecidedEvent) mq.Message {
	t.Helper()
	data, err := event.Marshal()
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return mq.Message{ID: "m1", Data: data}
}

func approvedEvent() types.ClaimDecidedEvent {
	return types.ClaimDecidedEvent{
		ClaimID:       7,
		ClaimNumber:   "CLM-01TEST",
		Decision:      types.DecisionApprove,
		Status:        types.ClaimApproved,
		Amount:        decimal.RequireFromString("1500.5"),
		CustomerEmail: "ana@example.com",
		CustomerName:  "Ana",
		DecidedAt:     testNow,
	}
}

func TestRenderDecision(t *testing.T) {
	email, err := RenderDecision(approvedEvent())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if email.Subject != "Insurance Claim Approved - CLM-01TEST" {
		t.Fatalf("unexpected subject %q", email.Subject)
	}
	if email.To != "ana@example.com" {
		t.Fatalf("unexpected recipient %q", email.To)
	}
	if !strings.Contains(email.Body, "1500.50") || !strings.Contains(email.Body, "Dear Ana") {
		t.Fatalf("unexpected body:\n%s", email.Body)
	}

	rejected := approvedEvent()
	rejected.Decision = types.DecisionReject
	rejected.Status = types.ClaimRejected
	rejected.RejectionReason = "not covered"
	email, err = RenderDecision(rejected)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if email.Subject != "Insurance Claim Rejected - CLM-01TEST" {
		t.Fatalf("unexpected subject %q", email.Subject)
	}
	if !strings.Contains(email.Body, "Reason: not covered") {
		t.Fatalf("rejection reason missing:\n%s", email.Body)
	}

	rejected.Decision = "escalate"
	if _, err := RenderDecision(rejected); err == nil {
		t.Fatalf("expected error for unknown decision")
	}
}

func TestHandleDecisionSendsOnce(t *testing.T) {
	marker := newFakeMarker()
	mailer := &fakeMailer{}
	w := newTestWorker(marker, mailer)
	msg := decisionMessage(t, approvedEvent())

	for i := 0; i < 2; i++ {
		if err := w.HandleDecision(context.Background(), msg); err != nil {
			t.Fatalf("handle decision: %v", err)
		}
	}
	if len(mailer.sent) != 1 {
		t.Fatalf("expected one email for a redelivered event, got %d", len(mailer.sent))
	}
	if at, ok := marker.notified[7]; !ok || !at.Equal(testNow) {
		t.Fatalf("expected claim marked notified at %s, got %v", testNow, marker.notified)
	}
}

func TestHandleDecisionSendFailureClearsMark(t *testing.T) {
	marker := newFakeMarker()
	mailer := &fakeMailer{err: errors.New("smtp down")}
	w := newTestWorker(marker, mailer)

	if err := w.HandleDecision(context.Background(), decisionMessage(t, approvedEvent())); err == nil {
		t.Fatalf("expected error so the broker redelivers")
	}
	if _, ok := marker.notified[7]; ok {
		t.Fatalf("mark must be cleared after a failed send")
	}
	if len(marker.cleared) != 1 {
		t.Fatalf("expected one clear, got %v", marker.cleared)
	}
}

func TestHandleDecisionDropsMalformed(t *testing.T) {
	marker := newFakeMarker()
	mailer := &fakeMailer{}
	w := newTestWorker(marker, mailer)

	if err := w.HandleDecision(context.Background(), mq.Message{ID: "bad", Data: []byte("{")}); err != nil {
		t.Fatalf("malformed message must be dropped, got %v", err)
	}
	noRecipient := approvedEvent()
	noRecipient.CustomerEmail = ""
	if err := w.HandleDecision(context.Background(), decisionMessage(t, noRecipient)); err != nil {
		t.Fatalf("event without recipient must be dropped, got %v", err)
	}
	if len(mailer.sent) != 0 || len(marker.notified) != 0 {
		t.Fatalf("nothing should be sent or marked")
	}
}

func TestHandleDecisionMarkFailureRetries(t *testing.T) {
	marker := newFakeMarker()
	marker.markErr = errors.New("db down")
	mailer := &fakeMailer{}
	w := newTestWorker(marker, mailer)

	if err := w.HandleDecision(context.Background(), decisionMessage(t, approvedEvent())); err == nil {
		t.Fatalf("expected error when the claim cannot be marked")
	}
	if len(mailer.sent) != 0 {
		t.Fatalf("nothing should be sent before the claim is marked")
	}
}

func TestHandleReset(t *testing.T) {
	mailer := &fakeMailer{}
	w := newTestWorker(newFakeMarker(), mailer)

	event := types.PasswordResetEvent{Email: "ana@example.com", Code: "123456", ExpiresAt: testNow.Add(5 * time.Minute)}
	data, _ := json.Marshal(event)
	if err := w.HandleReset(context.Background(), mq.Message{Data: data}); err != nil {
		t.Fatalf("handle reset: %v", err)
	}
	if len(mailer.sent) != 1 || !strings.Contains(mailer.sent[0].Body, "123456") {
		t.Fatalf("expected reset email with code, got %+v", mailer.sent)
	}

	event.ExpiresAt = testNow
	data, _ = json.Marshal(event)
	if err := w.HandleReset(context.Background(), mq.Message{Data: data}); err != nil {
		t.Fatalf("handle expired reset: %v", err)
	}
	if len(mailer.sent) != 1 {
		t.Fatalf("expired codes must not be sent")
	}
}

func TestPublisherAndWorkerOverMemoryBroker(t *testing.T) {
	broker := mq.New(mq.NewMemoryBroker())
	defer broker.Close()

	marker := newFakeMarker()
	mailer := &fakeMailer{}
	w := NewWorker(broker, marker, mailer, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	pub := NewPublisher(broker)
	if err := pub.OnClaimDecided(ctx, approvedEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		mailer.mu.Lock()
		n := len(mailer.sent)
		mailer.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("decision was not delivered")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("worker returned %v after cancel", err)
	}
}

func TestLogListener(t *testing.T) {
	l := LogListener{Logger: quietLogger()}
	if l.Name() != "log" {
		t.Fatalf("unexpected name %q", l.Name())
	}
	if err := l.OnClaimDecided(context.Background(), approvedEvent()); err != nil {
		t.Fatalf("log listener must not fail: %v", err)
	}
	if err := l.SendResetCode(context.Background(), types.PasswordResetEvent{Email: "a@b.c"}); err != nil {
		t.Fatalf("log sender must not fail: %v", err)
	}
}
