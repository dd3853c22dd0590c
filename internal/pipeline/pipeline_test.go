package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"replyguard/internal/bus"
	"replyguard/internal/decision"
	"replyguard/internal/domain"
	"replyguard/internal/guardrail"
	"replyguard/internal/policy"
	"replyguard/internal/store"
	"replyguard/internal/workflow"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeClassifier struct {
	mu     sync.Mutex
	result domain.ClassifierResult
	err    error
	hang   bool // block until the call context ends
	calls  int
	last   domain.ClassifierRequest
}

func (f *fakeClassifier) Name() string                  { return "fake" }
func (f *fakeClassifier) Healthy(context.Context) error { return nil }

func (f *fakeClassifier) Classify(ctx context.Context, req domain.ClassifierRequest) (*domain.ClassifierResult, error) {
	f.mu.Lock()
	f.calls++
	f.last = req
	hang, err, r := f.hang, f.err, f.result
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (f *fakeClassifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeDeliverer struct {
	mu    sync.Mutex
	sent  int
	texts []string
}

func (d *fakeDeliverer) Deliver(_ context.Context, _ *domain.RoutingPolicy, _, _, text string, _ *domain.Media) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent++
	d.texts = append(d.texts, text)
	return "wamid.test", nil
}

type harness struct {
	p      *Pipeline
	store  *store.SQLiteStore
	cls    *fakeClassifier
	deliv  *fakeDeliverer
	bus    *bus.InMemoryBus
	events *bus.EventBus

	mu       sync.Mutex
	alerts   []bus.Event
	withheld []bus.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "p.db"), testLogger())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	policies := policy.NewLoader("", map[string]domain.RoutingPolicy{
		"acme": {
			AutoRespondThreshold: 90,
			ReviewThreshold:      60,
			AutoSendDelay:        30,
			ForbiddenTopics:      []string{"criptomonedas"},
			FallbackMessage:      "Le responderemos en breve.",
		},
	}, testLogger())

	h := &harness{
		store:  s,
		cls:    &fakeClassifier{result: domain.ClassifierResult{Reply: "Sí, tenemos", Classification: domain.ClassInScope, Confidence: 95}},
		deliv:  &fakeDeliverer{},
		bus:    bus.New(10, testLogger()),
		events: bus.NewEventBus(testLogger()),
	}
	h.events.On(bus.EventSecurityAlert, func(e bus.Event) {
		h.mu.Lock()
		h.alerts = append(h.alerts, e)
		h.mu.Unlock()
	})
	h.events.On(bus.EventReplyWithheld, func(e bus.Event) {
		h.mu.Lock()
		h.withheld = append(h.withheld, e)
		h.mu.Unlock()
	})

	wf := workflow.New(workflow.Config{Store: s, Deliverer: h.deliv, Policies: policies, Events: h.events, Logger: testLogger()})
	t.Cleanup(wf.Close)

	h.p = New(Config{
		Bus:       h.bus,
		Store:     s,
		Policies:  policies,
		Guardrail: guardrail.NewEngine(guardrail.Config{}, testLogger()),
		Decider:   decision.NewEngine(h.cls, s, decision.Config{ClassifierTimeout: time.Second, Logger: testLogger()}),
		Workflow:  wf,
		Events:    h.events,
		Logger:    testLogger(),
	})
	return h
}

func inbound(tenant, text string) domain.InboundMessage {
	return domain.InboundMessage{TenantID: tenant, Channel: "whatsapp", SenderID: "+50688887777", Content: text}
}

func TestProcess_HighConfidenceSends(t *testing.T) {
	h := newHarness(t)

	res, err := h.p.Process(context.Background(), inbound("acme", "¿Tienen café molido?"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Reply == nil || res.Reply.Status != domain.StatusSent {
		t.Fatalf("reply = %+v, want sent", res.Reply)
	}
	if h.deliv.sent != 1 {
		t.Errorf("deliveries = %d, want 1", h.deliv.sent)
	}
	if res.Inbound.Sender != domain.SenderUser || res.Inbound.IsViolation {
		t.Errorf("inbound = %+v", res.Inbound)
	}
}

func TestProcess_ReviewBandPending(t *testing.T) {
	h := newHarness(t)
	h.cls.result.Confidence = 75

	res, err := h.p.Process(context.Background(), inbound("acme", "¿Hacen envíos?"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Reply.Status != domain.StatusPending || !res.Outcome.ArmTimer {
		t.Errorf("reply = %+v, arm = %v", res.Reply, res.Outcome.ArmTimer)
	}
	if h.deliv.sent != 0 {
		t.Error("pending reply delivered")
	}
}

func TestProcess_GuardrailViolation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.p.Process(ctx, inbound("acme", "¿Van a cerrar por la huelga?"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !res.Outcome.Blocked || res.Reply != nil {
		t.Fatalf("outcome = %+v, reply = %+v", res.Outcome, res.Reply)
	}
	if h.cls.calls != 0 {
		t.Error("classifier consulted for a guardrail violation")
	}
	if !res.Inbound.IsViolation || res.Inbound.Classification != domain.ClassSecurityViolation {
		t.Errorf("inbound = %+v", res.Inbound)
	}
	if h.deliv.sent != 0 {
		t.Error("blocked message triggered a delivery")
	}
	if len(h.alerts) != 1 {
		t.Fatalf("security alerts = %d, want 1", len(h.alerts))
	}
	if h.alerts[0].Payload["classification"] != string(domain.ClassSecurityViolation) {
		t.Errorf("alert payload = %v", h.alerts[0].Payload)
	}
	if h.alerts[0].Payload["confidence"] != 0 {
		t.Errorf("alert confidence = %v, want 0", h.alerts[0].Payload["confidence"])
	}

	recs, err := h.store.ListSecurityAudit(ctx, 10)
	if err != nil {
		t.Fatalf("ListSecurityAudit: %v", err)
	}
	if len(recs) != 1 || recs[0].Status != domain.AuditBlocked {
		t.Fatalf("audit = %+v", recs)
	}

	// The canned reply is withheld from the customer but kept for operators.
	if res.Outcome.Response == "" {
		t.Fatal("violation outcome has no canned response")
	}
	if recs[0].Response != res.Outcome.Response {
		t.Errorf("audit response = %q, want %q", recs[0].Response, res.Outcome.Response)
	}
	if h.alerts[0].Payload["response"] != res.Outcome.Response {
		t.Errorf("alert response = %v, want %q", h.alerts[0].Payload["response"], res.Outcome.Response)
	}
	msgs, err := h.store.RecentMessages(ctx, res.Conversation.ID, 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Sender != domain.SenderUser {
		t.Errorf("messages = %+v, want only the inbound turn", msgs)
	}
}

func TestProcess_ForbiddenTopicOutOfScope(t *testing.T) {
	h := newHarness(t)

	res, err := h.p.Process(context.Background(), inbound("acme", "¿Aceptan criptomonedas?"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Reply == nil || res.Reply.Status != domain.StatusPending {
		t.Fatalf("reply = %+v, want pending", res.Reply)
	}
	if res.Outcome.Classification != domain.ClassOutOfScope {
		t.Errorf("classification = %s", res.Outcome.Classification)
	}
}

func TestProcess_UnconfiguredTenant(t *testing.T) {
	h := newHarness(t)

	res, err := h.p.Process(context.Background(), inbound("ghost", "Hola"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !res.Outcome.Blocked || res.Outcome.AuditStatus != domain.AuditUnconfigured {
		t.Errorf("outcome = %+v", res.Outcome)
	}
	if res.Reply != nil || h.cls.calls != 0 || h.deliv.sent != 0 {
		t.Error("unconfigured tenant produced a reply")
	}
	if len(h.alerts) != 0 {
		t.Error("unconfigured tenant raised a security alert")
	}

	if len(h.withheld) != 1 {
		t.Fatalf("withheld events = %d, want 1", len(h.withheld))
	}
	if h.withheld[0].Payload["response"] != decision.UnconfiguredMessage {
		t.Errorf("withheld payload = %v", h.withheld[0].Payload)
	}
	recs, err := h.store.ListSecurityAudit(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListSecurityAudit: %v", err)
	}
	if len(recs) != 1 || recs[0].Response != decision.UnconfiguredMessage {
		t.Errorf("audit = %+v", recs)
	}
}

func TestProcess_ClassifierErrorSendsFallback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.cls.err = errors.New("connection refused")

	res, err := h.p.Process(ctx, inbound("acme", "Hola"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Outcome.AuditStatus != domain.AuditError || !res.Outcome.Blocked {
		t.Fatalf("outcome = %+v", res.Outcome)
	}
	if res.Reply == nil || res.Reply.Status != domain.StatusSent || res.Reply.Content != "Le responderemos en breve." {
		t.Fatalf("reply = %+v, want sent fallback", res.Reply)
	}
	if res.Reply.IsAIGenerated || res.Reply.Confidence != 0 {
		t.Errorf("fallback reply = %+v", res.Reply)
	}
	if len(h.deliv.texts) != 1 || h.deliv.texts[0] != "Le responderemos en breve." {
		t.Errorf("delivered = %v", h.deliv.texts)
	}
	if len(h.alerts) != 0 || len(h.withheld) != 0 {
		t.Error("classifier fault raised an alert or a withheld event")
	}

	entries, err := h.store.ListAudit(ctx, 10)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != domain.ActionFallbackSend || entries[0].MessageID != res.Reply.ID {
		t.Errorf("audit entries = %+v", entries)
	}
}

func TestProcess_ClassifierTimeoutSendsFallback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.cls.hang = true

	res, err := h.p.Process(ctx, inbound("acme", "Hola"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Outcome.AuditStatus != domain.AuditLatencyViolation {
		t.Errorf("audit status = %s, want %s", res.Outcome.AuditStatus, domain.AuditLatencyViolation)
	}
	if res.Reply == nil || res.Reply.Content != "Le responderemos en breve." {
		t.Fatalf("reply = %+v, want fallback", res.Reply)
	}
	if h.deliv.sent != 1 {
		t.Errorf("deliveries = %d, want 1", h.deliv.sent)
	}

	recs, err := h.store.ListSecurityAudit(ctx, 10)
	if err != nil {
		t.Fatalf("ListSecurityAudit: %v", err)
	}
	if len(recs) != 1 || recs[0].Status != domain.AuditLatencyViolation || recs[0].Response != "Le responderemos en breve." {
		t.Errorf("audit = %+v", recs)
	}
}

func TestProcess_HistoryExcludesCurrent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.p.Process(ctx, inbound("acme", "Hola")); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if _, err := h.p.Process(ctx, inbound("acme", "¿Precio del café?")); err != nil {
		t.Fatalf("Process: %v", err)
	}

	hist := h.cls.last.History
	if len(hist) != 2 {
		t.Fatalf("history = %+v, want previous user turn and sent reply", hist)
	}
	if hist[0].Role != "user" || hist[0].Content != "Hola" || hist[1].Role != "assistant" {
		t.Errorf("history = %+v", hist)
	}
	if h.cls.last.Text != "¿Precio del café?" {
		t.Errorf("text = %q", h.cls.last.Text)
	}
}

func TestProcess_EmptyContent(t *testing.T) {
	h := newHarness(t)
	if _, err := h.p.Process(context.Background(), inbound("acme", "   ")); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("err = %v, want ErrEmptyMessage", err)
	}
}

func TestRun_DrainsBus(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 3; i++ {
		m := inbound("acme", "Hola")
		m.SenderID = string(rune('a' + i))
		h.bus.Publish(m)
	}
	h.bus.Close()

	done := make(chan struct{})
	go func() {
		h.p.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the bus closed")
	}

	if h.deliv.sent != 3 {
		t.Errorf("deliveries = %d, want 3", h.deliv.sent)
	}
}

func TestRun_DrainsQueuedOnCancel(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 3; i++ {
		m := inbound("acme", "Hola")
		m.SenderID = string(rune('a' + i))
		h.bus.Publish(m)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		h.p.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if h.deliv.sent != 3 {
		t.Errorf("deliveries = %d, want 3 queued messages processed", h.deliv.sent)
	}
	if h.bus.Len() != 0 {
		t.Errorf("bus still holds %d messages", h.bus.Len())
	}
}

func TestRun_DrainTimeoutCancelsInFlight(t *testing.T) {
	h := newHarness(t)
	h.cls.hang = true
	h.p.drainTimeout = 20 * time.Millisecond
	h.bus.Publish(inbound("acme", "Hola"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.p.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for h.cls.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("classifier never called")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	// The classifier timeout is 1s; returning well before it shows the
	// drain timeout cancelled the call.
	select {
	case <-done:
	case <-time.After(800 * time.Millisecond):
		t.Fatal("Run did not cancel in-flight work after the drain timeout")
	}
}
