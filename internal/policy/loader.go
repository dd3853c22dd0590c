// Package policy resolves per-tenant routing policies from YAML files.
// Files are read on every lookup so edits apply to the next message
// without a restart.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"replyguard/internal/domain"
)

// ErrUnconfigured is returned when no policy exists for a tenant.
var ErrUnconfigured = errors.New("tenant policy not configured")

// Loader looks up <dir>/<tenant>.yaml first and falls back to policies
// declared inline in the main config.
type Loader struct {
	dir    string
	inline map[string]domain.RoutingPolicy
	logger *slog.Logger
}

var _ domain.PolicySource = (*Loader)(nil)

func NewLoader(dir string, inline map[string]domain.RoutingPolicy, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{dir: dir, inline: inline, logger: logger}
}

func (l *Loader) Dir() string { return l.dir }

func (l *Loader) Policy(ctx context.Context, tenantID string) (*domain.RoutingPolicy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validTenant(tenantID) {
		return nil, fmt.Errorf("tenant %q: %w", tenantID, ErrUnconfigured)
	}

	if l.dir != "" {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(l.dir, tenantID+ext)
			p, err := LoadFile(path)
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				l.logger.Error("invalid tenant policy", "tenant", tenantID, "path", path, "err", err)
				return nil, err
			}
			if p.TenantID == "" {
				p.TenantID = tenantID
			}
			return p, nil
		}
	}

	if p, ok := l.inline[tenantID]; ok {
		cp := p
		if cp.TenantID == "" {
			cp.TenantID = tenantID
		}
		return &cp, nil
	}

	return nil, fmt.Errorf("tenant %q: %w", tenantID, ErrUnconfigured)
}

// Tenants lists every tenant with a policy, file based or inline.
func (l *Loader) Tenants() ([]string, error) {
	seen := make(map[string]bool)
	for t := range l.inline {
		seen[t] = true
	}
	if l.dir != "" {
		entries, err := os.ReadDir(l.dir)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read policy dir: %w", err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
				continue
			}
			seen[strings.TrimSuffix(name, filepath.Ext(name))] = true
		}
	}

	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// LoadFile parses and validates a single policy file.
func LoadFile(path string) (*domain.RoutingPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p domain.RoutingPolicy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", path, err)
	}
	if err := Validate(&p); err != nil {
		return nil, fmt.Errorf("policy %s: %w", path, err)
	}
	return &p, nil
}

// Save writes p to <dir>/<tenant>.yaml.
func Save(dir string, p *domain.RoutingPolicy) (string, error) {
	if !validTenant(p.TenantID) {
		return "", fmt.Errorf("invalid tenant id %q", p.TenantID)
	}
	if err := Validate(p); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create policy dir: %w", err)
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal policy: %w", err)
	}
	path := filepath.Join(dir, p.TenantID+".yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func Validate(p *domain.RoutingPolicy) error {
	var errs []string
	if p.AutoRespondThreshold < 0 || p.AutoRespondThreshold > 100 {
		errs = append(errs, "auto_respond_threshold must be between 0 and 100")
	}
	if p.ReviewThreshold < 0 || p.ReviewThreshold > 100 {
		errs = append(errs, "review_threshold must be between 0 and 100")
	}
	if p.AutoSendDelay < 0 {
		errs = append(errs, "auto_send_delay must be >= 0")
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid policy: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validTenant(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}
