package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var ErrUnknownKey = errors.New("unknown config key")

// toTree turns the config into its generic JSON form so dotted paths
// follow the camelCase keys users see in config.json.
func toTree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetByPath returns the value at a dot path such as "routing.concurrency"
// or "alerts.webhooks.0.url".
func GetByPath(cfg *Config, path string) (any, error) {
	tree, err := toTree(cfg)
	if err != nil {
		return nil, err
	}

	var cur any = tree
	for _, key := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[key]
			if !ok {
				return nil, fmt.Errorf("%s: %w", path, ErrUnknownKey)
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(node) {
				return nil, fmt.Errorf("%s: invalid index %q", path, key)
			}
			cur = node[i]
		default:
			return nil, fmt.Errorf("%s: %q is a %T, not a section", path, key, cur)
		}
	}
	return cur, nil
}

// SetByPath assigns a value at a dot path. String values are coerced to
// bool or number when they parse as one. Paths that name no config field
// fail with ErrUnknownKey; new entries under map sections such as
// classifier.providers are allowed.
func SetByPath(cfg *Config, path string, value any) error {
	if path == "" {
		return errors.New("empty config path")
	}
	tree, err := toTree(cfg)
	if err != nil {
		return err
	}

	keys := strings.Split(path, ".")
	parent := tree
	for _, key := range keys[:len(keys)-1] {
		child, ok := parent[key]
		if !ok || child == nil {
			next := make(map[string]any)
			parent[key] = next
			parent = next
			continue
		}
		next, ok := child.(map[string]any)
		if !ok {
			return fmt.Errorf("%s: %q is a %T, not a section", path, key, child)
		}
		parent = next
	}
	parent[keys[len(keys)-1]] = coerce(value)

	data, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	var updated Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&updated); err != nil {
		if strings.Contains(err.Error(), "unknown field") {
			return fmt.Errorf("%s: %w", path, ErrUnknownKey)
		}
		return fmt.Errorf("%s: %w", path, err)
	}
	*cfg = updated
	return nil
}

func coerce(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// secrets lists every credential field of c.
func secrets(c *Config) []*string {
	return []*string{
		&c.Server.JWTSecret,
		&c.Server.InboundSecret,
		&c.Delivery.Meta.AccessToken,
		&c.Delivery.Meta.PageAccessToken,
		&c.Delivery.Meta.AppSecret,
		&c.Delivery.Meta.VerifyToken,
		&c.Delivery.SMTP.Password,
		&c.Delivery.Telegram.Token,
		&c.Alerts.SlackWebhookURL,
		&c.Alerts.DiscordWebhookURL,
	}
}

// Sanitize returns a deep copy of cfg with credentials masked, for
// printing. cfg itself is not modified.
func Sanitize(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var out Config
	if err := json.Unmarshal(data, &out); err != nil {
		return cfg
	}

	for _, s := range secrets(&out) {
		if *s != "" {
			*s = mask(*s)
		}
	}
	for name, p := range out.Classifier.Providers {
		if p.APIKey != "" {
			p.APIKey = mask(p.APIKey)
			out.Classifier.Providers[name] = p
		}
	}
	for i := range out.Alerts.Webhooks {
		for k := range out.Alerts.Webhooks[i].Headers {
			out.Alerts.Webhooks[i].Headers[k] = "***"
		}
	}
	return &out
}

// mask keeps the first and last four characters of long secrets.
func mask(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths flattens the config into dot path -> leaf value.
func ListPaths(cfg *Config) map[string]any {
	tree, err := toTree(cfg)
	if err != nil {
		return nil
	}
	out := make(map[string]any)
	flatten("", tree, out)
	return out
}

// SortedPaths returns the keys of ListPaths in lexical order.
func SortedPaths(cfg *Config) []string {
	paths := ListPaths(cfg)
	keys := make([]string, 0, len(paths))
	for k := range paths {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func flatten(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok && len(sub) > 0 {
			flatten(path, sub, out)
			continue
		}
		out[path] = v
	}
}
