package audit

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"replyguard/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openChain(t *testing.T) (*Chain, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit", "chain.jsonl")
	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, path
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func writeLines(t *testing.T, path string, lines []string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestChain_ValidChain(t *testing.T) {
	c, path := openChain(t)
	for i := 0; i < 5; i++ {
		if err := c.Record(Entry{Stream: StreamAction, Action: "APPROVE_MESSAGE", MessageID: int64(i + 1)}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	res := Verify(path)
	if !res.Valid {
		t.Fatalf("expected valid chain, got %+v", res)
	}
	if res.Lines != 5 {
		t.Errorf("lines = %d, want 5", res.Lines)
	}
}

func TestChain_FirstEntryReferencesGenesis(t *testing.T) {
	c, path := openChain(t)
	if err := c.Record(Entry{Stream: StreamSecurity}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	lines := readLines(t, path)
	if !strings.Contains(lines[0], GenesisHash) {
		t.Errorf("first line does not reference genesis: %s", lines[0])
	}
}

func TestChain_DetectsTampering(t *testing.T) {
	c, path := openChain(t)
	for i := 0; i < 3; i++ {
		c.Record(Entry{Stream: StreamAction, Action: "EDIT_MESSAGE", Details: "original"})
	}
	c.Close()

	lines := readLines(t, path)
	lines[1] = strings.Replace(lines[1], "original", "altered", 1)
	writeLines(t, path, lines)

	res := Verify(path)
	if res.Valid {
		t.Fatal("expected tampering to be detected")
	}
	if res.ErrorLine != 3 {
		t.Errorf("error line = %d, want 3", res.ErrorLine)
	}
}

func TestChain_DetectsDeletedLine(t *testing.T) {
	c, path := openChain(t)
	for i := 0; i < 3; i++ {
		c.Record(Entry{Stream: StreamAction, MessageID: int64(i)})
	}
	c.Close()

	lines := readLines(t, path)
	writeLines(t, path, append(lines[:1], lines[2:]...))

	res := Verify(path)
	if res.Valid || res.ErrorLine != 2 {
		t.Errorf("expected break at line 2, got %+v", res)
	}
}

func TestChain_EmptyLogIsValid(t *testing.T) {
	_, path := openChain(t)
	res := Verify(path)
	if !res.Valid || res.Lines != 0 {
		t.Errorf("empty log: %+v", res)
	}
}

func TestChain_ReopenContinuesChain(t *testing.T) {
	c, path := openChain(t)
	c.Record(Entry{Stream: StreamAction, Action: "AUTO_SEND"})
	c.Close()

	c2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c2.Close()
	c2.Record(Entry{Stream: StreamAction, Action: "REJECT_MESSAGE"})

	res := Verify(path)
	if !res.Valid || res.Lines != 2 {
		t.Errorf("reopened chain: %+v", res)
	}
}

func TestChain_ConcurrentWrites(t *testing.T) {
	c, path := openChain(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Record(Entry{Stream: StreamAction, MessageID: int64(i)})
		}(i)
	}
	wg.Wait()

	res := Verify(path)
	if !res.Valid || res.Lines != 20 {
		t.Errorf("concurrent chain: %+v", res)
	}
}

func TestHashLine_Deterministic(t *testing.T) {
	a := HashLine([]byte(`{"stream":"action"}`))
	b := HashLine([]byte(`{"stream":"action"}`))
	if a != b {
		t.Error("hash is not deterministic")
	}
	if !strings.HasPrefix(a, "sha256:") || len(a) != len("sha256:")+64 {
		t.Errorf("unexpected hash format %q", a)
	}
}

// --- Recorder ---

type memLogger struct {
	mu       sync.Mutex
	audit    []domain.AuditEntry
	security []domain.SecurityAuditRecord
	err      error
}

func (m *memLogger) LogAudit(_ context.Context, e domain.AuditEntry) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}

func (m *memLogger) LogSecurity(_ context.Context, r domain.SecurityAuditRecord) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.security = append(m.security, r)
	return nil
}

func TestRecorder_MirrorsBothStreams(t *testing.T) {
	c, path := openChain(t)
	primary := &memLogger{}
	r := NewRecorder(primary, c, testLogger())
	ctx := context.Background()

	if err := r.LogAudit(ctx, domain.AuditEntry{Action: domain.ActionApprove, Actor: "ana", MessageID: 7}); err != nil {
		t.Fatalf("LogAudit: %v", err)
	}
	err := r.LogSecurity(ctx, domain.SecurityAuditRecord{
		TenantID:          "acme",
		ConversationID:    "c1",
		Classification:    domain.ClassLegalViolation,
		FinalStatus:       "blocked",
		Response:          "Un asesor le responde pronto.",
		TriggeredKeywords: []string{"huelga"},
		CreatedAt:         time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("LogSecurity: %v", err)
	}

	if len(primary.audit) != 1 || len(primary.security) != 1 {
		t.Fatalf("primary got %d audit, %d security", len(primary.audit), len(primary.security))
	}
	lines := readLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("chain lines = %d, want 2", len(lines))
	}
	if !strings.Contains(lines[0], `"stream":"action"`) || !strings.Contains(lines[0], `"actor":"ana"`) {
		t.Errorf("unexpected action line: %s", lines[0])
	}
	if !strings.Contains(lines[1], `"ts":"2026-01-02T03:04:05.000Z"`) || !strings.Contains(lines[1], "huelga") ||
		!strings.Contains(lines[1], `"response":"Un asesor le responde pronto."`) {
		t.Errorf("unexpected security line: %s", lines[1])
	}
	if res := Verify(path); !res.Valid {
		t.Errorf("chain invalid: %+v", res)
	}
}

func TestRecorder_PrimaryErrorSkipsMirror(t *testing.T) {
	c, path := openChain(t)
	boom := errors.New("disk full")
	r := NewRecorder(&memLogger{err: boom}, c, testLogger())

	err := r.LogAudit(context.Background(), domain.AuditEntry{Action: domain.ActionReject})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if lines := readLines(t, path); len(lines) != 0 {
		t.Errorf("chain should be empty, got %d lines", len(lines))
	}
}

func TestRecorder_NoChain(t *testing.T) {
	primary := &memLogger{}
	r := NewRecorder(primary, nil, nil)
	if err := r.LogAudit(context.Background(), domain.AuditEntry{Action: domain.ActionEdit}); err != nil {
		t.Fatalf("LogAudit: %v", err)
	}
	if len(primary.audit) != 1 {
		t.Errorf("primary entries = %d, want 1", len(primary.audit))
	}
}
