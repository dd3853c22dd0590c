package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"replyguard/internal/channel"
	"replyguard/internal/config"
	"replyguard/internal/domain"
	"replyguard/internal/policy"
)

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage per-tenant routing policies",
	}
	cmd.AddCommand(policyNewCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tenants with a policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tenants, err := policy.NewLoader(cfg.Routing.PolicyDir, cfg.Routing.Policies, logger).Tenants()
			if err != nil {
				return err
			}
			for _, t := range tenants {
				fmt.Println(t)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show [tenant]",
		Short: "Print the effective policy of a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			p, err := policy.NewLoader(cfg.Routing.PolicyDir, cfg.Routing.Policies, logger).Policy(context.Background(), args[0])
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(p)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	})
	return cmd
}

func policyNewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new [tenant]",
		Short: "Interactive setup of a tenant policy file",
		Long:  "Asks for thresholds, auto-send delay, forbidden topics, fallback text and delivery drivers, then writes <policyDir>/<tenant>.yaml.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				logger.Warn("config not found, using defaults", "err", err)
				cfg = config.Defaults()
			}
			tenant := ""
			if len(args) == 1 {
				tenant = args[0]
			}
			p, err := askPolicy(os.Stdin, os.Stdout, tenant)
			if err != nil {
				return err
			}
			path, err := policy.Save(config.ExpandPath(cfg.Routing.PolicyDir), p)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "\nPolicy saved to %s\n", path)
			return nil
		},
	}
}

// askPolicy walks through every policy field with defaults in brackets.
func askPolicy(in io.Reader, out io.Writer, tenant string) (*domain.RoutingPolicy, error) {
	reader := bufio.NewReader(in)
	prompt := func(label, def string) (string, error) {
		if def != "" {
			fmt.Fprintf(out, "%s [%s]: ", label, def)
		} else {
			fmt.Fprintf(out, "%s: ", label)
		}
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" {
			return def, nil
		}
		return s, nil
	}
	promptInt := func(label string, def int) (int, error) {
		s, err := prompt(label, strconv.Itoa(def))
		if err != nil {
			return 0, err
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("%s: %q is not a number", label, s)
		}
		return n, nil
	}

	p := &domain.RoutingPolicy{TenantID: tenant}
	var err error

	fmt.Fprintln(out, "\n--- Tenant ---")
	if p.TenantID, err = prompt("Tenant id", tenant); err != nil {
		return nil, err
	}

	fmt.Fprintln(out, "\n--- Routing thresholds (0-100) ---")
	if p.AutoRespondThreshold, err = promptInt("Auto-respond at or above", 90); err != nil {
		return nil, err
	}
	if p.ReviewThreshold, err = promptInt("Human review at or above", 60); err != nil {
		return nil, err
	}
	if p.AutoSendDelay, err = promptInt("Auto-send pending replies after N seconds (0 = never)", 0); err != nil {
		return nil, err
	}

	fmt.Fprintln(out, "\n--- Content ---")
	topics, err := prompt("Forbidden topics (comma separated)", "")
	if err != nil {
		return nil, err
	}
	p.ForbiddenTopics = splitList(topics)
	if p.FallbackMessage, err = prompt("Fallback message", "Un asesor le responderá en breve."); err != nil {
		return nil, err
	}
	if p.Instructions, err = prompt("Classifier instructions", ""); err != nil {
		return nil, err
	}

	fmt.Fprintln(out, "\n--- Delivery drivers ---")
	p.Drivers = make(map[string]string)
	for _, ch := range channel.KnownChannels() {
		d, err := prompt("Driver for "+ch, channel.DriverMock)
		if err != nil {
			return nil, err
		}
		if d != channel.DriverMock {
			p.Drivers[ch] = d
		}
	}
	if len(p.Drivers) == 0 {
		p.Drivers = nil
	}

	if err := policy.Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
