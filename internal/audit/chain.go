// Package audit mirrors both audit streams into an append-only JSONL file
// whose lines are linked by SHA-256 hashes, so edits to the file after the
// fact are detectable with Verify.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// GenesisHash is the prev_hash of the first entry in a new log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

const timestampLayout = "2006-01-02T15:04:05.000Z"

// Streams recorded in the chain.
const (
	StreamAction   = "action"
	StreamSecurity = "security"
)

// Entry is one line of the chain. Fields are plain values so json.Marshal
// output, and therefore the hash, is deterministic.
type Entry struct {
	Timestamp      string   `json:"ts"`
	Stream         string   `json:"stream"`
	Action         string   `json:"action,omitempty"`
	Actor          string   `json:"actor,omitempty"`
	MessageID      int64    `json:"message_id,omitempty"`
	TenantID       string   `json:"tenant_id,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Classification string   `json:"classification,omitempty"`
	Confidence     int      `json:"confidence,omitempty"`
	Status         string   `json:"status,omitempty"`
	FinalStatus    string   `json:"final_status,omitempty"`
	Keywords       []string `json:"keywords,omitempty"`
	Details        string   `json:"details,omitempty"`
	Response       string   `json:"response,omitempty"`
	PrevHash       string   `json:"prev_hash"`
}

// Chain is the hash-chained JSONL writer.
type Chain struct {
	path     string
	file     *os.File
	prevHash string
	mu       sync.Mutex
}

// Open opens (or creates) a chain file for appending, recovering the tail
// hash from the last existing line.
func Open(path string) (*Chain, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}

	prevHash := GenesisHash
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		last, err := lastLine(path)
		if err != nil {
			return nil, err
		}
		if len(last) > 0 {
			prevHash = HashLine(last)
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open file: %w", err)
	}
	return &Chain{path: path, file: file, prevHash: prevHash}, nil
}

func lastLine(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: read existing log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var last []byte
	for scanner.Scan() {
		last = append(last[:0], scanner.Bytes()...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan existing log: %w", err)
	}
	return last, nil
}

func (c *Chain) Path() string { return c.path }

// Record appends e, setting its PrevHash and a timestamp if missing.
func (c *Chain) Record(e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(timestampLayout)
	}
	e.PrevHash = c.prevHash

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	if _, err := c.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}
	if err := c.file.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}

	c.prevHash = HashLine(line)
	return nil
}

func (c *Chain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.file.Close()
}

// HashLine returns "sha256:<hex>" of line.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}

// VerifyResult is the outcome of a chain check.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

// Verify walks the chain file and reports the first broken link.
func Verify(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	n := 0
	expected := GenesisHash

	for scanner.Scan() {
		n++
		line := scanner.Bytes()

		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return VerifyResult{Error: fmt.Sprintf("parse error: %v", err), ErrorLine: n}
		}
		if e.PrevHash != expected {
			return VerifyResult{
				Error:     fmt.Sprintf("hash mismatch: expected %s, got %s", expected, e.PrevHash),
				ErrorLine: n,
			}
		}
		expected = HashLine(line)
	}
	if err := scanner.Err(); err != nil {
		return VerifyResult{Error: fmt.Sprintf("scan: %v", err)}
	}
	return VerifyResult{Valid: true, Lines: n}
}
