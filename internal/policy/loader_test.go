package policy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"replyguard/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writePolicy(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

const acmePolicy = `
auto_respond_threshold: 85
review_threshold: 60
auto_send_delay: 30
forbidden_topics: [pizza, hamburguesa]
fallback_message: "Un agente le responderá pronto."
drivers:
  whatsapp: meta
`

func TestPolicy_LoadsFromFile(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "acme.yaml", acmePolicy)
	l := NewLoader(dir, nil, testLogger())

	p, err := l.Policy(context.Background(), "acme")
	if err != nil {
		t.Fatal(err)
	}
	if p.TenantID != "acme" || p.AutoRespondThreshold != 85 || p.ReviewThreshold != 60 || p.AutoSendDelay != 30 {
		t.Fatalf("unexpected policy: %+v", p)
	}
	if len(p.ForbiddenTopics) != 2 || p.DriverFor("whatsapp") != "meta" {
		t.Fatalf("unexpected policy lists: %+v", p)
	}
}

func TestPolicy_ReadFreshEachCall(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "acme.yaml", acmePolicy)
	l := NewLoader(dir, nil, testLogger())
	ctx := context.Background()

	if _, err := l.Policy(ctx, "acme"); err != nil {
		t.Fatal(err)
	}
	writePolicy(t, dir, "acme.yaml", "auto_respond_threshold: 95\nreview_threshold: 50\n")
	p, err := l.Policy(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if p.AutoRespondThreshold != 95 {
		t.Fatalf("expected updated threshold, got %d", p.AutoRespondThreshold)
	}
}

func TestPolicy_InlineFallback(t *testing.T) {
	inline := map[string]domain.RoutingPolicy{"beta": {AutoRespondThreshold: 90, ReviewThreshold: 40}}
	l := NewLoader(t.TempDir(), inline, testLogger())

	p, err := l.Policy(context.Background(), "beta")
	if err != nil {
		t.Fatal(err)
	}
	if p.TenantID != "beta" || p.AutoRespondThreshold != 90 {
		t.Fatalf("unexpected policy: %+v", p)
	}
}

func TestPolicy_Unconfigured(t *testing.T) {
	l := NewLoader(t.TempDir(), nil, testLogger())
	for _, tenant := range []string{"ghost", "", "../etc"} {
		if _, err := l.Policy(context.Background(), tenant); !errors.Is(err, ErrUnconfigured) {
			t.Errorf("tenant %q: expected ErrUnconfigured, got %v", tenant, err)
		}
	}
}

func TestPolicy_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "acme.yaml", "auto_respond_threshold: 150\n")
	l := NewLoader(dir, nil, testLogger())

	_, err := l.Policy(context.Background(), "acme")
	if err == nil || errors.Is(err, ErrUnconfigured) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	p := &domain.RoutingPolicy{TenantID: "acme", AutoRespondThreshold: 80, ReviewThreshold: 50, AutoSendDelay: 15}
	path, err := Save(dir, p)
	if err != nil {
		t.Fatal(err)
	}
	got, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.TenantID != "acme" || got.AutoSendDelay != 15 {
		t.Fatalf("unexpected policy: %+v", got)
	}
}

func TestTenants(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "acme.yaml", acmePolicy)
	writePolicy(t, dir, "notes.txt", "ignored")
	l := NewLoader(dir, map[string]domain.RoutingPolicy{"beta": {}}, testLogger())

	tenants, err := l.Tenants()
	if err != nil {
		t.Fatal(err)
	}
	if len(tenants) != 2 || tenants[0] != "acme" || tenants[1] != "beta" {
		t.Fatalf("unexpected tenants: %v", tenants)
	}
}
